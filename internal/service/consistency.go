package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/mmeshcher/benefits-system/internal/model"
	"github.com/mmeshcher/benefits-system/internal/repository"
)

// evaluateConsistency проверяет инварианты согласованности трёх записей:
//
//	I1: активная учётная запись с привязкой к ассоциации не может иметь
//	    membership_status = pendiente;
//	I2: активная учётная запись требует активного профиля участника;
//	I3: учётная запись pending при установленной привязке — рассинхрон,
//	    должна стать active.
func evaluateConsistency(acc *model.Account, m *model.Member) bool {
	if acc.Status == model.AccountStatusActive && m.AssociationID != "" && m.MembershipStatus == model.MembershipPendiente {
		return false
	}
	if acc.Status == model.AccountStatusActive && m.Status != model.MemberStatusActive {
		return false
	}
	if acc.Status == model.AccountStatusPending && m.AssociationID != "" {
		return false
	}
	return true
}

// determineCorrectStatus вычисляет исправленную тройку статусов.
// При наличии привязки к ассоциации все три статуса приводятся к активным;
// без привязки статусы остаются как есть: пути восстановления для
// непривязанных участников нет (сохранено как наблюдаемое поведение).
func determineCorrectStatus(acc *model.Account, m *model.Member) (model.AccountStatus, model.MemberStatus, model.MembershipStatus) {
	if m.AssociationID != "" {
		return model.AccountStatusActive, model.MemberStatusActive, model.MembershipAlDia
	}
	return acc.Status, m.Status, m.MembershipStatus
}

// CheckStatus возвращает отчёт о согласованности статусов участника.
// Возвращает ошибку ErrMemberNotFound/ErrAccountNotFound, если одна из записей отсутствует.
func (s *Service) CheckStatus(ctx context.Context, memberID string) (*model.MembershipStatusReport, error) {
	member, err := s.repo.GetMember(ctx, memberID)
	if err != nil {
		return nil, err
	}

	account, err := s.repo.GetAccount(ctx, memberID)
	if err != nil {
		return nil, err
	}

	consistent := evaluateConsistency(account, member)

	return &model.MembershipStatusReport{
		MemberID:         memberID,
		AccountStatus:    account.Status,
		MemberStatus:     member.Status,
		MembershipStatus: member.MembershipStatus,
		AssociationID:    member.AssociationID,
		IsConsistent:     consistent,
		NeedsSync:        !consistent,
	}, nil
}

// SyncStatus приводит расходящиеся статусы участника к согласованным.
// Если синхронизация не требуется, ничего не меняет и возвращает true.
// При ошибке транзакции возвращает false, ошибка логируется и не
// выходит за границу движка.
func (s *Service) SyncStatus(ctx context.Context, memberID string) bool {
	if err := s.syncStatus(ctx, memberID); err != nil {
		s.logger.Error("sync membership status", zap.Error(err), zap.String("member", memberID))
		return false
	}
	return true
}

func (s *Service) syncStatus(ctx context.Context, memberID string) error {
	var associationID string

	err := s.repo.RunTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		member, err := tx.GetMember(ctx, memberID)
		if err != nil {
			return err
		}
		account, err := tx.GetAccount(ctx, memberID)
		if err != nil {
			return err
		}

		associationID = member.AssociationID

		if evaluateConsistency(account, member) {
			return nil
		}

		accStatus, memStatus, membership := determineCorrectStatus(account, member)

		if err := tx.SetAccountStatus(ctx, account.ID, accStatus); err != nil {
			return err
		}
		if err := tx.SetMemberStatuses(ctx, member.ID, memStatus, membership); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.invalidateSummary(ctx, associationID)
	return nil
}

// BatchSyncResult содержит итог пакетной синхронизации статусов.
type BatchSyncResult struct {
	Success     bool              `json:"success"`
	SyncedCount int               `json:"synced_count"`
	Errors      []string          `json:"errors,omitempty"`
	Details     []BatchSyncDetail `json:"details"`
}

// BatchSyncDetail содержит итог синхронизации одного участника.
type BatchSyncDetail struct {
	MemberID string `json:"member_id"`
	Synced   bool   `json:"synced"`
}

// BatchSync последовательно синхронизирует каждого участника.
// Последовательная обработка ограничивает конкуренцию за общие реестры
// ассоциаций; ошибка одного участника не прерывает пакет.
func (s *Service) BatchSync(ctx context.Context, memberIDs []string) *BatchSyncResult {
	res := &BatchSyncResult{Details: make([]BatchSyncDetail, 0, len(memberIDs))}

	for _, id := range memberIDs {
		err := s.syncStatus(ctx, id)
		if err != nil {
			s.logger.Error("batch sync member", zap.Error(err), zap.String("member", id))
			res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", id, err))
			res.Details = append(res.Details, BatchSyncDetail{MemberID: id})
			continue
		}
		res.SyncedCount++
		res.Details = append(res.Details, BatchSyncDetail{MemberID: id, Synced: true})
	}

	res.Success = len(res.Errors) == 0
	return res
}

// SyncAssociationMembers синхронизирует всех участников, привязанных к ассоциации.
func (s *Service) SyncAssociationMembers(ctx context.Context, associationID string) (*BatchSyncResult, error) {
	members, err := s.repo.MembersByAssociation(ctx, associationID)
	if err != nil {
		return nil, fmt.Errorf("resolve association members: %w", err)
	}

	ids := make([]string, 0, len(members))
	for _, m := range members {
		ids = append(ids, m.ID)
	}

	res := s.BatchSync(ctx, ids)
	s.invalidateSummary(ctx, associationID)
	return res, nil
}

// AssociationMembershipSummary агрегирует счётчики членства по ассоциации.
// Проверка согласованности выполняется по каждому участнику: O(n) чтений,
// допустимо для умеренных размеров реестра, без пагинации.
func (s *Service) AssociationMembershipSummary(ctx context.Context, associationID string) (*model.MembershipSummary, error) {
	if s.cache != nil {
		if cached, err := s.cache.GetSummary(ctx, associationID); err == nil && cached != nil {
			return cached, nil
		}
	}

	if _, err := s.repo.GetAssociation(ctx, associationID); err != nil {
		return nil, err
	}

	members, err := s.repo.MembersByAssociation(ctx, associationID)
	if err != nil {
		return nil, fmt.Errorf("resolve association members: %w", err)
	}

	summary := &model.MembershipSummary{
		AssociationID: associationID,
		Total:         len(members),
		ByStatus:      make(map[string]int),
	}

	for _, m := range members {
		summary.ByStatus[string(m.MembershipStatus)]++

		account, err := s.repo.GetAccount(ctx, m.ID)
		if err != nil {
			s.logger.Warn("summary account read", zap.Error(err), zap.String("member", m.ID))
			continue
		}
		if !evaluateConsistency(account, &m) {
			summary.Inconsistent++
			summary.NeedsSync++
		}
	}

	if s.cache != nil {
		if err := s.cache.SetSummary(ctx, summary); err != nil {
			s.logger.Warn("set summary cache", zap.Error(err), zap.String("association", associationID))
		}
	}

	return summary, nil
}

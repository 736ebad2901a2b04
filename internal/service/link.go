package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/benefits-system/internal/model"
	"github.com/mmeshcher/benefits-system/internal/repository"
)

// Link привязывает участника к ассоциации в одной атомарной транзакции.
// Повторный вызов с теми же аргументами после успеха не изменяет записи,
// но по-прежнему выполняет синхронизацию статусов и возвращает true.
func (s *Service) Link(ctx context.Context, memberID, associationID string) bool {
	err := s.repo.RunTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		member, err := tx.GetMember(ctx, memberID)
		if err != nil {
			return err
		}
		assoc, err := tx.GetAssociation(ctx, associationID)
		if err != nil {
			return err
		}

		if member.AssociationID == associationID {
			// уже привязан: записи не трогаем, синхронизация пройдёт после коммита
			return nil
		}

		if err := tx.LinkMember(ctx, memberID, assoc.ID, assoc.Name, time.Now()); err != nil {
			return err
		}

		account := s.resolveAccount(ctx, tx, memberID, member.Email)
		if account != nil {
			if err := tx.LinkAccount(ctx, account.ID, associationID); err != nil {
				return err
			}
		}

		return tx.AddMemberToRoster(ctx, associationID, memberID)
	})
	if err != nil {
		s.logger.Error("link member", zap.Error(err),
			zap.String("member", memberID), zap.String("association", associationID))
		return false
	}

	// гарантия согласованности после коммита
	s.SyncStatus(ctx, memberID)
	s.invalidateSummary(ctx, associationID)
	return true
}

// Unlink отвязывает участника от ассоциации в одной атомарной транзакции,
// после коммита запускает синхронизацию статусов. Если участник не привязан
// к этой ассоциации, требование уже выполнено: без записей возвращается true.
func (s *Service) Unlink(ctx context.Context, memberID, associationID string) bool {
	err := s.repo.RunTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		member, err := tx.GetMember(ctx, memberID)
		if err != nil {
			return err
		}

		if member.AssociationID != associationID {
			return nil
		}

		if err := tx.UnlinkMember(ctx, memberID); err != nil {
			return err
		}

		account := s.resolveAccount(ctx, tx, memberID, member.Email)
		if account != nil && account.AssociationID != "" {
			if err := tx.UnlinkAccount(ctx, account.ID); err != nil {
				return err
			}
		}

		return tx.RemoveMemberFromRoster(ctx, associationID, memberID)
	})
	if err != nil {
		s.logger.Error("unlink member", zap.Error(err),
			zap.String("member", memberID), zap.String("association", associationID))
		return false
	}

	// синхронизация после коммита, как при привязке; без привязки
	// пути восстановления нет, поэтому статусы она не меняет
	s.SyncStatus(ctx, memberID)
	s.invalidateSummary(ctx, associationID)
	return true
}

// resolveAccount ищет учётную запись по идентификатору участника,
// затем по email. Отсутствие записи не является ошибкой привязки.
func (s *Service) resolveAccount(ctx context.Context, tx repository.Tx, memberID, email string) *model.Account {
	account, err := tx.GetAccount(ctx, memberID)
	if err == nil {
		return account
	}
	if !errors.Is(err, repository.ErrAccountNotFound) {
		s.logger.Warn("resolve account by id", zap.Error(err), zap.String("member", memberID))
		return nil
	}

	if email == "" {
		return nil
	}
	account, err = tx.GetAccountByEmail(ctx, email)
	if err != nil {
		if !errors.Is(err, repository.ErrAccountNotFound) {
			s.logger.Warn("resolve account by email", zap.Error(err), zap.String("member", memberID))
		}
		return nil
	}
	return account
}

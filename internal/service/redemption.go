package service

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/benefits-system/internal/model"
	"github.com/mmeshcher/benefits-system/internal/repository"
)

// Сообщения отказа, видимые участнику. Формулировки предметной области
// сохранены на испанском.
const (
	MsgMemberNotFound   = "Socio no encontrado"
	MsgSuspended        = "La cuenta está suspendida"
	MsgExpired          = "La membresía está vencida"
	MsgInactive         = "La cuenta está inactiva"
	MsgOnlyActive       = "Solo los socios activos pueden canjear beneficios"
	MsgMerchantNotFound = "Comercio no encontrado"
	MsgNoBenefits       = "No hay beneficios disponibles"
	MsgRedeemFailed     = "No se pudo procesar el canje"

	MsgBenefitExpired     = "El beneficio está vencido"
	MsgBenefitLimit       = "El beneficio alcanzó su límite de uso"
	MsgBenefitMemberLimit = "Alcanzaste el límite de canjes para este beneficio"
)

// Флаги метаданных погашения: какие мягкие проверки были пропущены
// и какие подстановки выполнены.
const (
	FlagBenefitFallback   = "benefit_fallback"
	FlagExpiredSkipped    = "expired_skipped"
	FlagUsageLimitSkipped = "usage_limit_skipped"
	FlagMemberLimitSkip   = "member_limit_skipped"
)

// EventBenefitRedeemed — имя события-триггера уведомления об успешном канже.
const EventBenefitRedeemed = "benefit_redeemed"

// rejectionError прерывает транзакцию погашения с причиной,
// адресованной участнику. Единственный класс ошибок, чьё сообщение
// возвращается вызывающему.
type rejectionError struct {
	msg string
}

func (e *rejectionError) Error() string { return e.msg }

func reject(msg string) error { return &rejectionError{msg: msg} }

// RedeemRequest описывает запрос на погашение бенефита.
type RedeemRequest struct {
	MemberID      string `json:"member_id"`
	MerchantID    string `json:"merchant_id"`
	BenefitID     string `json:"benefit_id,omitempty"`
	AssociationID string `json:"association_id,omitempty"`
}

// RedemptionResult описывает итог попытки погашения.
type RedemptionResult struct {
	Success        bool     `json:"success"`
	Message        string   `json:"message,omitempty"`
	RedemptionID   string   `json:"redemption_id,omitempty"`
	BenefitID      string   `json:"benefit_id,omitempty"`
	BenefitTitle   string   `json:"benefit_title,omitempty"`
	ValidationCode string   `json:"validation_code,omitempty"`
	DiscountCents  int64    `json:"discount_cents"`
	Flags          []string `json:"flags,omitempty"`
	Err            error    `json:"-"`
}

// RedeemBenefit выполняет атомарный конвейер погашения: проверка членства,
// выбор бенефита, мягкие проверки, запись транзакции и счётчики — всё в
// одной транзакции хранилища. Побочные эффекты после коммита изолированы:
// их сбой логируется и никогда не откатывает совершённое погашение.
func (s *Service) RedeemBenefit(ctx context.Context, req RedeemRequest) *RedemptionResult {
	var red model.Redemption

	err := s.repo.RunTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		// 1. Участник.
		member, err := tx.GetMember(ctx, req.MemberID)
		if err != nil {
			if errors.Is(err, repository.ErrMemberNotFound) {
				return reject(MsgMemberNotFound)
			}
			return err
		}

		// 2. Строгий статусный шлюз: канж разрешён только статусу active.
		switch member.Status {
		case model.MemberStatusActive:
		case model.MemberStatusSuspended:
			return reject(MsgSuspended)
		case model.MemberStatusVencido:
			return reject(MsgExpired)
		case model.MemberStatusInactive:
			return reject(MsgInactive)
		default:
			return reject(MsgOnlyActive)
		}

		// 3. Коммерсант. Статус коммерсанта намеренно не проверяется.
		merchant, err := tx.GetMerchant(ctx, req.MerchantID)
		if err != nil {
			if errors.Is(err, repository.ErrMerchantNotFound) {
				return reject(MsgMerchantNotFound)
			}
			return err
		}

		// 4. Выбор бенефита среди активных у коммерсанта.
		benefits, err := tx.ActiveBenefitsByMerchant(ctx, merchant.ID)
		if err != nil {
			return err
		}
		if len(benefits) == 0 {
			return reject(MsgNoBenefits)
		}

		var flags []string
		benefit := &benefits[0]
		if req.BenefitID != "" {
			found := false
			for i := range benefits {
				if benefits[i].ID == req.BenefitID {
					benefit = &benefits[i]
					found = true
					break
				}
			}
			if !found {
				// запрошенный бенефит не найден: молчаливый откат к первому
				// подходящему, поведение сохранено и помечено флагом
				flags = append(flags, FlagBenefitFallback)
				s.logger.Warn("benefit fallback",
					zap.String("requested", req.BenefitID),
					zap.String("selected", benefit.ID),
					zap.String("merchant", merchant.ID))
			}
		}

		// 5. Мягкие проверки.
		softFlags, err := s.applySoftChecks(ctx, tx, member, benefit)
		if err != nil {
			return err
		}
		flags = append(flags, softFlags...)

		// 6. Коммит: код подтверждения, скидка по политике, запись со снимком
		// отображаемых полей и индивидуально обёрнутые инкременты счётчиков.
		now := time.Now()
		discount := s.policy.Discount(benefit)

		red = model.Redemption{
			ID:             uuid.New().String(),
			MemberID:       member.ID,
			MerchantID:     merchant.ID,
			BenefitID:      benefit.ID,
			MemberName:     member.FullName,
			MerchantName:   merchant.Name,
			BenefitTitle:   benefit.Title,
			DiscountCents:  discount,
			ValidationCode: s.newValidationCode(now),
			Outcome:        model.RedemptionSuccess,
			Flags:          flags,
			CreatedAt:      now,
		}

		if err := tx.InsertRedemption(ctx, &red); err != nil {
			return err
		}

		if err := tx.TryIncrementBenefitUsage(ctx, benefit.ID); err != nil {
			s.logger.Warn("increment benefit usage", zap.Error(err), zap.String("benefit", benefit.ID))
		}
		if err := tx.TryIncrementMemberCounters(ctx, member.ID, discount); err != nil {
			s.logger.Warn("increment member counters", zap.Error(err), zap.String("member", member.ID))
		}
		if err := tx.TryIncrementMerchantCounters(ctx, merchant.ID, discount); err != nil {
			s.logger.Warn("increment merchant counters", zap.Error(err), zap.String("merchant", merchant.ID))
		}

		return nil
	})

	if err != nil {
		var rej *rejectionError
		if errors.As(err, &rej) {
			s.recordFailedAttempt(ctx, req, rej.msg)
			return &RedemptionResult{Success: false, Message: rej.msg, Err: err}
		}
		s.logger.Error("redeem transaction", zap.Error(err),
			zap.String("member", req.MemberID), zap.String("merchant", req.MerchantID))
		return &RedemptionResult{Success: false, Message: MsgRedeemFailed, Err: err}
	}

	s.afterRedeem(ctx, &red)

	return &RedemptionResult{
		Success:        true,
		RedemptionID:   red.ID,
		BenefitID:      red.BenefitID,
		BenefitTitle:   red.BenefitTitle,
		ValidationCode: red.ValidationCode,
		DiscountCents:  red.DiscountCents,
		Flags:          red.Flags,
	}
}

// applySoftChecks проверяет срок действия и лимиты использования бенефита.
// В разрешительном режиме нарушения только помечаются флагами; в строгом
// режиме те же проверки отклоняют погашение.
func (s *Service) applySoftChecks(ctx context.Context, tx repository.Tx, member *model.Member, benefit *model.Benefit) ([]string, error) {
	var flags []string
	now := time.Now()

	if benefit.ValidTo != nil && now.After(*benefit.ValidTo) {
		if !s.policy.Permissive {
			return nil, reject(MsgBenefitExpired)
		}
		flags = append(flags, FlagExpiredSkipped)
		s.logger.Warn("benefit expired, permissive skip",
			zap.String("benefit", benefit.ID), zap.Timep("valid_to", benefit.ValidTo))
	}

	if benefit.TotalLimit != nil && benefit.UsageCount >= *benefit.TotalLimit {
		if !s.policy.Permissive {
			return nil, reject(MsgBenefitLimit)
		}
		flags = append(flags, FlagUsageLimitSkipped)
		s.logger.Warn("benefit usage limit reached, permissive skip",
			zap.String("benefit", benefit.ID), zap.Int32("limit", *benefit.TotalLimit))
	}

	if benefit.PerMemberLimit != nil {
		used, err := tx.CountMemberBenefitRedemptions(ctx, member.ID, benefit.ID)
		if err != nil {
			return nil, err
		}
		if used >= *benefit.PerMemberLimit {
			if !s.policy.Permissive {
				return nil, reject(MsgBenefitMemberLimit)
			}
			flags = append(flags, FlagMemberLimitSkip)
			s.logger.Warn("member limit reached, permissive skip",
				zap.String("benefit", benefit.ID), zap.String("member", member.ID))
		}
	}

	return flags, nil
}

// afterRedeem выполняет посткоммитные побочные эффекты. Каждый изолирован:
// сбой не всплывает к вызывающему и не отменяет погашение.
func (s *Service) afterRedeem(ctx context.Context, red *model.Redemption) {
	entry := &model.UsageHistoryEntry{
		RedemptionID:  red.ID,
		MemberID:      red.MemberID,
		MemberName:    red.MemberName,
		MerchantName:  red.MerchantName,
		BenefitTitle:  red.BenefitTitle,
		DiscountCents: red.DiscountCents,
		UsedAt:        red.CreatedAt,
	}
	if err := s.repo.InsertUsageHistory(ctx, entry); err != nil {
		s.logger.Error("insert usage history", zap.Error(err), zap.String("redemption", red.ID))
	}

	if s.notifier != nil {
		vars := map[string]string{
			"merchant_name":   red.MerchantName,
			"benefit_title":   red.BenefitTitle,
			"validation_code": red.ValidationCode,
		}
		if err := s.notifier.Emit(ctx, EventBenefitRedeemed, vars, red.MemberID); err != nil {
			s.logger.Error("emit notification", zap.Error(err), zap.String("redemption", red.ID))
		}
	}

	if s.customers != nil {
		meta := map[string]string{
			"last_redemption": red.ID,
			"member_name":     red.MemberName,
		}
		if err := s.customers.Upsert(ctx, red.MemberID, red.MerchantID, meta); err != nil {
			s.logger.Error("customer upsert", zap.Error(err), zap.String("redemption", red.ID))
		}
	}
}

// recordFailedAttempt сохраняет запись об отклонённой попытке.
// Собственный сбой записи только логируется.
func (s *Service) recordFailedAttempt(ctx context.Context, req RedeemRequest, reason string) {
	attempt := &model.FailedAttempt{
		MemberID:   req.MemberID,
		MerchantID: req.MerchantID,
		BenefitID:  req.BenefitID,
		Reason:     reason,
	}
	if err := s.repo.InsertFailedAttempt(ctx, attempt); err != nil {
		s.logger.Error("insert failed attempt", zap.Error(err),
			zap.String("member", req.MemberID), zap.String("reason", reason))
	}
}

const codeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// newValidationCode формирует код подтверждения вида
// <PREFIX>-<base36 метка времени>-<5 случайных символов>.
func (s *Service) newValidationCode(now time.Time) string {
	ts := strings.ToUpper(strconv.FormatInt(now.Unix(), 36))

	buf := make([]byte, 5)
	_, _ = rand.Read(buf)
	for i, b := range buf {
		buf[i] = codeAlphabet[int(b)%len(codeAlphabet)]
	}

	return s.policy.CodePrefix + "-" + ts + "-" + string(buf)
}

// RedemptionHistoryPage содержит страницу истории погашений участника.
type RedemptionHistoryPage struct {
	Items   []model.Redemption `json:"items"`
	HasMore bool               `json:"has_more"`
	Cursor  string             `json:"cursor,omitempty"`
}

const (
	defaultHistoryPageSize = 20
	maxHistoryPageSize     = 100
)

// RedemptionHistory возвращает страницу истории погашений с ключевой
// пагинацией по (created_at, id).
func (s *Service) RedemptionHistory(ctx context.Context, memberID string, pageSize int, cursor string) (*RedemptionHistoryPage, error) {
	if pageSize <= 0 {
		pageSize = defaultHistoryPageSize
	}
	if pageSize > maxHistoryPageSize {
		pageSize = maxHistoryPageSize
	}

	afterAt, afterID, err := decodeHistoryCursor(cursor)
	if err != nil {
		return nil, fmt.Errorf("decode cursor: %w", err)
	}

	// запрашиваем на одну запись больше для признака следующей страницы
	items, err := s.repo.RedemptionsByMember(ctx, memberID, pageSize+1, afterAt, afterID)
	if err != nil {
		return nil, err
	}

	page := &RedemptionHistoryPage{Items: items}
	if len(items) > pageSize {
		page.Items = items[:pageSize]
		page.HasMore = true
		last := page.Items[len(page.Items)-1]
		page.Cursor = encodeHistoryCursor(last.CreatedAt, last.ID)
	}

	return page, nil
}

func encodeHistoryCursor(at time.Time, id string) string {
	raw := at.UTC().Format(time.RFC3339Nano) + "|" + id
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func decodeHistoryCursor(cursor string) (time.Time, string, error) {
	if cursor == "" {
		return time.Time{}, "", nil
	}

	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return time.Time{}, "", err
	}

	parts := strings.SplitN(string(raw), "|", 2)
	if len(parts) != 2 {
		return time.Time{}, "", errors.New("malformed cursor")
	}

	at, err := time.Parse(time.RFC3339Nano, parts[0])
	if err != nil {
		return time.Time{}, "", err
	}

	return at, parts[1], nil
}

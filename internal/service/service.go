// Package service реализует бизнес-логику ядра сети лояльности:
// движок согласованности членства, менеджер привязки к ассоциации и
// транзакционный движок погашения бенефитов.
package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/benefits-system/internal/model"
	"github.com/mmeshcher/benefits-system/internal/repository"
)

// Repository описывает контракт доступа к хранилищу записей, используемый сервисом.
type Repository interface {
	Close() error
	RunTx(ctx context.Context, fn func(ctx context.Context, tx repository.Tx) error) error
	GetAccount(ctx context.Context, id string) (*model.Account, error)
	GetMember(ctx context.Context, id string) (*model.Member, error)
	GetAssociation(ctx context.Context, id string) (*model.Association, error)
	GetMerchant(ctx context.Context, id string) (*model.Merchant, error)
	MembersByAssociation(ctx context.Context, associationID string) ([]model.Member, error)
	RedemptionsByMember(ctx context.Context, memberID string, limit int, afterAt time.Time, afterID string) ([]model.Redemption, error)
	InsertUsageHistory(ctx context.Context, e *model.UsageHistoryEntry) error
	InsertFailedAttempt(ctx context.Context, a *model.FailedAttempt) error
}

// Notifier описывает контракт отправки событий-триггеров уведомлений.
// Доставка по каналам и рендеринг сообщений находятся за пределами ядра.
type Notifier interface {
	Emit(ctx context.Context, event string, vars map[string]string, memberID string) error
}

// CustomerSink описывает контракт CRM-записи клиента коммерсанта.
type CustomerSink interface {
	Upsert(ctx context.Context, memberID, merchantID string, meta map[string]string) error
}

// SummaryCache описывает кэш сводок членства ассоциаций.
type SummaryCache interface {
	GetSummary(ctx context.Context, associationID string) (*model.MembershipSummary, error)
	SetSummary(ctx context.Context, summary *model.MembershipSummary) error
	Invalidate(ctx context.Context, associationID string) error
}

// DiscountPolicy вычисляет сумму скидки погашения в копейках.
type DiscountPolicy func(b *model.Benefit) int64

// ZeroDiscount — действующая политика скидки: всегда ноль.
// Сохранена как наблюдаемое поведение, вынесена в подключаемую функцию.
func ZeroDiscount(*model.Benefit) int64 { return 0 }

// Policy содержит именованные политики движка погашения.
type Policy struct {
	// Permissive включает разрешительный режим: мягкие проверки
	// (срок действия, лимиты использования) логируются, но не блокируют канж.
	Permissive bool
	// CodePrefix — префикс кода подтверждения погашения.
	CodePrefix string
	// Discount — подключаемая политика расчёта скидки.
	Discount DiscountPolicy
}

// Service содержит бизнес-логику ядра сети лояльности.
type Service struct {
	repo      Repository
	logger    *zap.Logger
	notifier  Notifier
	customers CustomerSink
	cache     SummaryCache
	policy    Policy
}

// NewService создаёт сервис с указанным репозиторием и политиками.
// notifier, customers и cache могут быть nil: соответствующие
// побочные эффекты тогда пропускаются.
func NewService(repo Repository, logger *zap.Logger, policy Policy, notifier Notifier, customers CustomerSink, cache SummaryCache) *Service {
	if policy.CodePrefix == "" {
		policy.CodePrefix = "BNF"
	}
	if policy.Discount == nil {
		policy.Discount = ZeroDiscount
	}
	return &Service{
		repo:      repo,
		logger:    logger,
		notifier:  notifier,
		customers: customers,
		cache:     cache,
		policy:    policy,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

func (s *Service) invalidateSummary(ctx context.Context, associationID string) {
	if s.cache == nil || associationID == "" {
		return
	}
	if err := s.cache.Invalidate(ctx, associationID); err != nil {
		s.logger.Warn("invalidate summary cache", zap.Error(err), zap.String("association", associationID))
	}
}

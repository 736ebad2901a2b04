// Package model содержит доменные сущности сети лояльности.
package model

import "time"

// AccountStatus описывает статус глобальной учётной записи.
type AccountStatus string

const (
	AccountStatusPending   AccountStatus = "pending"
	AccountStatusActive    AccountStatus = "active"
	AccountStatusInactive  AccountStatus = "inactive"
	AccountStatusSuspended AccountStatus = "suspended"
)

// MemberStatus описывает статус профиля участника.
type MemberStatus string

const (
	MemberStatusPending   MemberStatus = "pending"
	MemberStatusActive    MemberStatus = "active"
	MemberStatusInactive  MemberStatus = "inactive"
	MemberStatusSuspended MemberStatus = "suspended"
	MemberStatusVencido   MemberStatus = "vencido"
)

// MembershipStatus описывает статус оплаты членства в ассоциации.
// Значения сохранены в исходной испанской нотации предметной области.
type MembershipStatus string

const (
	MembershipPendiente MembershipStatus = "pendiente"
	MembershipAlDia     MembershipStatus = "al_dia"
	MembershipVencido   MembershipStatus = "vencido"
)

// Account представляет глобальную учётную запись, общую для всех ролей.
type Account struct {
	ID            string
	Email         string
	Status        AccountStatus
	Role          string
	AssociationID string
}

// Member представляет профиль участника ассоциации.
type Member struct {
	ID               string
	Email            string
	FullName         string
	Status           MemberStatus
	MembershipStatus MembershipStatus
	AssociationID    string
	AssociationName  string
	LinkedAt         *time.Time
	ExpirationDate   *time.Time
	UsageCount       int32
	SavingsTotal     int64
}

// Association представляет организацию, объединяющую участников.
type Association struct {
	ID        string
	Name      string
	MemberIDs []string
}

// Merchant представляет бизнес, предоставляющий бенефиты.
type Merchant struct {
	ID              string
	Name            string
	Category        string
	RedemptionCount int32
	RevenueAccrued  int64
}

// DiscountKind описывает вид скидки бенефита.
type DiscountKind string

const (
	DiscountPercentage DiscountKind = "percentage"
	DiscountFixed      DiscountKind = "fixed"
	DiscountFreeItem   DiscountKind = "free-item"
)

// BenefitStatus описывает статус жизненного цикла бенефита.
type BenefitStatus string

const (
	BenefitStatusActive    BenefitStatus = "active"
	BenefitStatusInactive  BenefitStatus = "inactive"
	BenefitStatusExpired   BenefitStatus = "expired"
	BenefitStatusExhausted BenefitStatus = "exhausted"
)

// AccessScope описывает область доступности бенефита.
type AccessScope string

const (
	AccessPublic      AccessScope = "public"
	AccessAssociation AccessScope = "association"
	AccessDirect      AccessScope = "direct"
)

// Benefit представляет скидку или предложение, доступное к погашению.
type Benefit struct {
	ID             string
	MerchantID     string
	Title          string
	DiscountKind   DiscountKind
	DiscountValue  int64
	ValidFrom      *time.Time
	ValidTo        *time.Time
	TotalLimit     *int32
	UsageCount     int32
	PerMemberLimit *int32
	AccessScope    AccessScope
	Status         BenefitStatus
}

// RedemptionOutcome описывает исход транзакции погашения.
type RedemptionOutcome string

const (
	RedemptionSuccess RedemptionOutcome = "success"
	RedemptionFailed  RedemptionOutcome = "failed"
)

// Redemption представляет неизменяемый снимок транзакции погашения бенефита.
// Отображаемые имена денормализованы на момент транзакции.
type Redemption struct {
	ID             string
	MemberID       string
	MerchantID     string
	BenefitID      string
	MemberName     string
	MerchantName   string
	BenefitTitle   string
	DiscountCents  int64
	ValidationCode string
	Outcome        RedemptionOutcome
	Flags          []string
	CreatedAt      time.Time
}

// UsageHistoryEntry представляет запись журнала использования бенефитов.
// Жизненный цикл записи независим от записи Redemption.
type UsageHistoryEntry struct {
	ID            int64
	RedemptionID  string
	MemberID      string
	MemberName    string
	MerchantName  string
	BenefitTitle  string
	DiscountCents int64
	UsedAt        time.Time
}

// FailedAttempt представляет запись об отклонённой попытке погашения.
type FailedAttempt struct {
	ID         int64
	MemberID   string
	MerchantID string
	BenefitID  string
	Reason     string
	CreatedAt  time.Time
}

// MembershipStatusReport содержит результат проверки согласованности
// статусов участника между учётной записью, профилем и реестром.
type MembershipStatusReport struct {
	MemberID         string           `json:"member_id"`
	AccountStatus    AccountStatus    `json:"account_status"`
	MemberStatus     MemberStatus     `json:"member_status"`
	MembershipStatus MembershipStatus `json:"membership_status"`
	AssociationID    string           `json:"association_id,omitempty"`
	IsConsistent     bool             `json:"is_consistent"`
	NeedsSync        bool             `json:"needs_sync"`
}

// MembershipSummary содержит агрегированные счётчики членства ассоциации.
type MembershipSummary struct {
	AssociationID string         `json:"association_id"`
	Total         int            `json:"total"`
	ByStatus      map[string]int `json:"by_status"`
	Inconsistent  int            `json:"inconsistent"`
	NeedsSync     int            `json:"needs_sync"`
}

package service

import (
	"context"
	"sort"
	"time"

	"github.com/mmeshcher/benefits-system/internal/model"
	"github.com/mmeshcher/benefits-system/internal/repository"
)

// memRepo — хранилище в памяти для тестов сервиса. Транзакционность не
// моделируется: тело RunTx выполняется напрямую над общими картами.
type memRepo struct {
	accounts    map[string]*model.Account
	members     map[string]*model.Member
	assocs      map[string]*model.Association
	merchants   map[string]*model.Merchant
	benefits    []model.Benefit
	redemptions []model.Redemption
	history     []model.UsageHistoryEntry
	failed      []model.FailedAttempt

	txErr          error
	historyErr     error
	incrBenefitErr error
	incrMemberErr  error

	txCalls int
}

func newMemRepo() *memRepo {
	return &memRepo{
		accounts:  make(map[string]*model.Account),
		members:   make(map[string]*model.Member),
		assocs:    make(map[string]*model.Association),
		merchants: make(map[string]*model.Merchant),
	}
}

func (r *memRepo) Close() error { return nil }

func (r *memRepo) RunTx(ctx context.Context, fn func(ctx context.Context, tx repository.Tx) error) error {
	r.txCalls++
	if r.txErr != nil {
		return r.txErr
	}
	return fn(ctx, &memTx{r: r})
}

func (r *memRepo) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	a, ok := r.accounts[id]
	if !ok {
		return nil, repository.ErrAccountNotFound
	}
	cp := *a
	return &cp, nil
}

func (r *memRepo) GetMember(ctx context.Context, id string) (*model.Member, error) {
	m, ok := r.members[id]
	if !ok {
		return nil, repository.ErrMemberNotFound
	}
	cp := *m
	return &cp, nil
}

func (r *memRepo) GetAssociation(ctx context.Context, id string) (*model.Association, error) {
	a, ok := r.assocs[id]
	if !ok {
		return nil, repository.ErrAssociationNotFound
	}
	cp := *a
	return &cp, nil
}

func (r *memRepo) GetMerchant(ctx context.Context, id string) (*model.Merchant, error) {
	m, ok := r.merchants[id]
	if !ok {
		return nil, repository.ErrMerchantNotFound
	}
	cp := *m
	return &cp, nil
}

func (r *memRepo) MembersByAssociation(ctx context.Context, associationID string) ([]model.Member, error) {
	var res []model.Member
	for _, m := range r.members {
		if m.AssociationID == associationID {
			res = append(res, *m)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res, nil
}

func (r *memRepo) RedemptionsByMember(ctx context.Context, memberID string, limit int, afterAt time.Time, afterID string) ([]model.Redemption, error) {
	var all []model.Redemption
	for _, red := range r.redemptions {
		if red.MemberID == memberID {
			all = append(all, red)
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.After(all[j].CreatedAt)
		}
		return all[i].ID > all[j].ID
	})

	var res []model.Redemption
	for _, red := range all {
		if afterID != "" {
			if red.CreatedAt.After(afterAt) || (red.CreatedAt.Equal(afterAt) && red.ID >= afterID) {
				continue
			}
		}
		res = append(res, red)
		if len(res) == limit {
			break
		}
	}
	return res, nil
}

func (r *memRepo) InsertUsageHistory(ctx context.Context, e *model.UsageHistoryEntry) error {
	if r.historyErr != nil {
		return r.historyErr
	}
	r.history = append(r.history, *e)
	return nil
}

func (r *memRepo) InsertFailedAttempt(ctx context.Context, a *model.FailedAttempt) error {
	r.failed = append(r.failed, *a)
	return nil
}

type memTx struct {
	r *memRepo
}

func (t *memTx) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	return t.r.GetAccount(ctx, id)
}

func (t *memTx) GetAccountByEmail(ctx context.Context, email string) (*model.Account, error) {
	for _, a := range t.r.accounts {
		if a.Email == email {
			cp := *a
			return &cp, nil
		}
	}
	return nil, repository.ErrAccountNotFound
}

func (t *memTx) GetMember(ctx context.Context, id string) (*model.Member, error) {
	return t.r.GetMember(ctx, id)
}

func (t *memTx) GetAssociation(ctx context.Context, id string) (*model.Association, error) {
	return t.r.GetAssociation(ctx, id)
}

func (t *memTx) GetMerchant(ctx context.Context, id string) (*model.Merchant, error) {
	return t.r.GetMerchant(ctx, id)
}

func (t *memTx) ActiveBenefitsByMerchant(ctx context.Context, merchantID string) ([]model.Benefit, error) {
	var res []model.Benefit
	for _, b := range t.r.benefits {
		if b.MerchantID == merchantID && b.Status == model.BenefitStatusActive {
			res = append(res, b)
		}
	}
	return res, nil
}

func (t *memTx) CountMemberBenefitRedemptions(ctx context.Context, memberID, benefitID string) (int32, error) {
	var count int32
	for _, red := range t.r.redemptions {
		if red.MemberID == memberID && red.BenefitID == benefitID && red.Outcome == model.RedemptionSuccess {
			count++
		}
	}
	return count, nil
}

func (t *memTx) SetMemberStatuses(ctx context.Context, id string, status model.MemberStatus, membership model.MembershipStatus) error {
	if m, ok := t.r.members[id]; ok {
		m.Status = status
		m.MembershipStatus = membership
	}
	return nil
}

func (t *memTx) SetAccountStatus(ctx context.Context, id string, status model.AccountStatus) error {
	if a, ok := t.r.accounts[id]; ok {
		a.Status = status
	}
	return nil
}

func (t *memTx) LinkMember(ctx context.Context, memberID, associationID, associationName string, linkedAt time.Time) error {
	if m, ok := t.r.members[memberID]; ok {
		m.AssociationID = associationID
		m.AssociationName = associationName
		m.LinkedAt = &linkedAt
		m.Status = model.MemberStatusActive
		m.MembershipStatus = model.MembershipAlDia
	}
	return nil
}

func (t *memTx) UnlinkMember(ctx context.Context, memberID string) error {
	if m, ok := t.r.members[memberID]; ok {
		m.AssociationID = ""
		m.AssociationName = ""
		m.LinkedAt = nil
		m.MembershipStatus = model.MembershipPendiente
	}
	return nil
}

func (t *memTx) LinkAccount(ctx context.Context, accountID, associationID string) error {
	if a, ok := t.r.accounts[accountID]; ok {
		a.AssociationID = associationID
		a.Status = model.AccountStatusActive
	}
	return nil
}

func (t *memTx) UnlinkAccount(ctx context.Context, accountID string) error {
	if a, ok := t.r.accounts[accountID]; ok {
		a.AssociationID = ""
	}
	return nil
}

func (t *memTx) AddMemberToRoster(ctx context.Context, associationID, memberID string) error {
	a, ok := t.r.assocs[associationID]
	if !ok {
		return nil
	}
	for _, id := range a.MemberIDs {
		if id == memberID {
			return nil
		}
	}
	a.MemberIDs = append(a.MemberIDs, memberID)
	return nil
}

func (t *memTx) RemoveMemberFromRoster(ctx context.Context, associationID, memberID string) error {
	a, ok := t.r.assocs[associationID]
	if !ok {
		return nil
	}
	res := a.MemberIDs[:0]
	for _, id := range a.MemberIDs {
		if id != memberID {
			res = append(res, id)
		}
	}
	a.MemberIDs = res
	return nil
}

func (t *memTx) InsertRedemption(ctx context.Context, red *model.Redemption) error {
	t.r.redemptions = append(t.r.redemptions, *red)
	return nil
}

func (t *memTx) TryIncrementBenefitUsage(ctx context.Context, benefitID string) error {
	if t.r.incrBenefitErr != nil {
		return t.r.incrBenefitErr
	}
	for i := range t.r.benefits {
		if t.r.benefits[i].ID == benefitID {
			t.r.benefits[i].UsageCount++
		}
	}
	return nil
}

func (t *memTx) TryIncrementMemberCounters(ctx context.Context, memberID string, savingsCents int64) error {
	if t.r.incrMemberErr != nil {
		return t.r.incrMemberErr
	}
	if m, ok := t.r.members[memberID]; ok {
		m.UsageCount++
		m.SavingsTotal += savingsCents
	}
	return nil
}

func (t *memTx) TryIncrementMerchantCounters(ctx context.Context, merchantID string, revenueCents int64) error {
	if m, ok := t.r.merchants[merchantID]; ok {
		m.RedemptionCount++
		m.RevenueAccrued += revenueCents
	}
	return nil
}

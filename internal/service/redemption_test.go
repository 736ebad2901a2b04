package service

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/benefits-system/internal/model"
)

type stubNotifier struct {
	events []string
	vars   map[string]string
}

func (n *stubNotifier) Emit(ctx context.Context, event string, vars map[string]string, memberID string) error {
	n.events = append(n.events, event)
	n.vars = vars
	return nil
}

type stubCustomers struct {
	upserts int
	meta    map[string]string
}

func (c *stubCustomers) Upsert(ctx context.Context, memberID, merchantID string, meta map[string]string) error {
	c.upserts++
	c.meta = meta
	return nil
}

func seedRedeemRepo() *memRepo {
	repo := newMemRepo()
	repo.members["m1"] = &model.Member{
		ID: "m1", FullName: "Juan Pérez",
		Status: model.MemberStatusActive, MembershipStatus: model.MembershipAlDia,
		AssociationID: "A1",
	}
	repo.merchants["c1"] = &model.Merchant{ID: "c1", Name: "Café Central"}
	repo.benefits = []model.Benefit{
		{ID: "b1", MerchantID: "c1", Title: "2x1 en cafés", Status: model.BenefitStatusActive},
		{ID: "b2", MerchantID: "c1", Title: "10% descuento", Status: model.BenefitStatusActive},
	}
	return repo
}

func TestRedeemBenefit_Success(t *testing.T) {
	repo := seedRedeemRepo()
	notifier := &stubNotifier{}
	customers := &stubCustomers{}
	logger, _ := zap.NewDevelopment()
	svc := NewService(repo, logger, Policy{Permissive: true}, notifier, customers, nil)

	res := svc.RedeemBenefit(context.Background(), RedeemRequest{MemberID: "m1", MerchantID: "c1", BenefitID: "b2"})

	if !res.Success {
		t.Fatalf("success = false, message %q", res.Message)
	}
	if res.BenefitID != "b2" || res.BenefitTitle != "10% descuento" {
		t.Fatalf("benefit = %s (%s)", res.BenefitID, res.BenefitTitle)
	}
	if len(res.Flags) != 0 {
		t.Fatalf("flags = %v, want none", res.Flags)
	}

	// ровно одна запись погашения
	if len(repo.redemptions) != 1 {
		t.Fatalf("redemptions = %d, want 1", len(repo.redemptions))
	}
	red := repo.redemptions[0]
	if red.Outcome != model.RedemptionSuccess || red.MemberName != "Juan Pérez" || red.MerchantName != "Café Central" {
		t.Fatalf("redemption snapshot: %+v", red)
	}

	// счётчики
	if repo.members["m1"].UsageCount != 1 {
		t.Fatalf("member usage count = %d", repo.members["m1"].UsageCount)
	}
	if repo.benefits[1].UsageCount != 1 {
		t.Fatalf("benefit usage count = %d", repo.benefits[1].UsageCount)
	}
	if repo.merchants["c1"].RedemptionCount != 1 {
		t.Fatalf("merchant redemption count = %d", repo.merchants["c1"].RedemptionCount)
	}

	// посткоммитные эффекты
	if len(repo.history) != 1 || repo.history[0].RedemptionID != red.ID {
		t.Fatalf("usage history = %+v", repo.history)
	}
	if len(notifier.events) != 1 || notifier.events[0] != EventBenefitRedeemed {
		t.Fatalf("notifier events = %v", notifier.events)
	}
	if notifier.vars["validation_code"] != res.ValidationCode {
		t.Fatalf("notifier vars = %v", notifier.vars)
	}
	if customers.upserts != 1 {
		t.Fatalf("customer upserts = %d", customers.upserts)
	}
}

func TestRedeemBenefit_CounterFailureKeepsRedemption(t *testing.T) {
	repo := seedRedeemRepo()
	repo.incrBenefitErr = errors.New("statement failed")
	repo.incrMemberErr = errors.New("statement failed")
	svc := newTestService(t, repo, Policy{Permissive: true})

	res := svc.RedeemBenefit(context.Background(), RedeemRequest{MemberID: "m1", MerchantID: "c1", BenefitID: "b1"})

	// дрейф счётчиков допустим, потеря записи погашения — нет
	if !res.Success {
		t.Fatalf("success = false, message %q", res.Message)
	}
	if len(repo.redemptions) != 1 {
		t.Fatalf("redemptions = %d, want 1", len(repo.redemptions))
	}
	if repo.benefits[0].UsageCount != 0 || repo.members["m1"].UsageCount != 0 {
		t.Fatalf("counters advanced despite injected failures")
	}
	if repo.merchants["c1"].RedemptionCount != 1 {
		t.Fatalf("merchant counter = %d, want 1", repo.merchants["c1"].RedemptionCount)
	}
	if len(repo.history) != 1 {
		t.Fatalf("usage history = %d entries, want 1", len(repo.history))
	}
}

func TestRedeemBenefit_StatusGate(t *testing.T) {
	tests := []struct {
		name    string
		member  *model.Member
		message string
	}{
		{
			name:    "suspended",
			member:  &model.Member{ID: "m1", Status: model.MemberStatusSuspended},
			message: MsgSuspended,
		},
		{
			name:    "vencido",
			member:  &model.Member{ID: "m1", Status: model.MemberStatusVencido},
			message: MsgExpired,
		},
		{
			name:    "inactive",
			member:  &model.Member{ID: "m1", Status: model.MemberStatusInactive},
			message: MsgInactive,
		},
		{
			name:    "pending",
			member:  &model.Member{ID: "m1", Status: model.MemberStatusPending},
			message: MsgOnlyActive,
		},
		{
			name:    "missing",
			member:  nil,
			message: MsgMemberNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := seedRedeemRepo()
			delete(repo.members, "m1")
			if tt.member != nil {
				repo.members["m1"] = tt.member
			}
			svc := newTestService(t, repo, Policy{Permissive: true})

			res := svc.RedeemBenefit(context.Background(), RedeemRequest{MemberID: "m1", MerchantID: "c1"})

			if res.Success {
				t.Fatalf("success = true")
			}
			if res.Message != tt.message {
				t.Fatalf("message = %q, want %q", res.Message, tt.message)
			}
			if len(repo.redemptions) != 0 {
				t.Fatalf("redemptions recorded on rejection: %d", len(repo.redemptions))
			}
			if len(repo.failed) != 1 || repo.failed[0].Reason != tt.message {
				t.Fatalf("failed attempts = %+v", repo.failed)
			}
		})
	}
}

func TestRedeemBenefit_MerchantAndBenefitGates(t *testing.T) {
	repo := seedRedeemRepo()
	svc := newTestService(t, repo, Policy{Permissive: true})

	res := svc.RedeemBenefit(context.Background(), RedeemRequest{MemberID: "m1", MerchantID: "missing"})
	if res.Success || res.Message != MsgMerchantNotFound {
		t.Fatalf("missing merchant: %+v", res)
	}

	repo.benefits = nil
	res = svc.RedeemBenefit(context.Background(), RedeemRequest{MemberID: "m1", MerchantID: "c1"})
	if res.Success || res.Message != MsgNoBenefits {
		t.Fatalf("no benefits: %+v", res)
	}
}

func TestRedeemBenefit_FallbackToFirstBenefit(t *testing.T) {
	repo := seedRedeemRepo()
	svc := newTestService(t, repo, Policy{Permissive: true})

	res := svc.RedeemBenefit(context.Background(), RedeemRequest{MemberID: "m1", MerchantID: "c1", BenefitID: "no-such"})

	if !res.Success {
		t.Fatalf("success = false, message %q", res.Message)
	}
	if res.BenefitID != "b1" {
		t.Fatalf("benefit = %s, want fallback b1", res.BenefitID)
	}
	if len(res.Flags) != 1 || res.Flags[0] != FlagBenefitFallback {
		t.Fatalf("flags = %v, want [%s]", res.Flags, FlagBenefitFallback)
	}
}

func TestRedeemBenefit_PermissiveSoftChecks(t *testing.T) {
	repo := seedRedeemRepo()
	past := time.Now().Add(-24 * time.Hour)
	limit := int32(1)
	repo.benefits = []model.Benefit{{
		ID: "b1", MerchantID: "c1", Title: "Vencido", Status: model.BenefitStatusActive,
		ValidTo: &past, TotalLimit: &limit, UsageCount: 1, PerMemberLimit: &limit,
	}}
	repo.redemptions = []model.Redemption{{
		ID: "r0", MemberID: "m1", BenefitID: "b1", Outcome: model.RedemptionSuccess, CreatedAt: past,
	}}
	svc := newTestService(t, repo, Policy{Permissive: true})

	res := svc.RedeemBenefit(context.Background(), RedeemRequest{MemberID: "m1", MerchantID: "c1"})

	if !res.Success {
		t.Fatalf("success = false, message %q", res.Message)
	}
	want := []string{FlagExpiredSkipped, FlagUsageLimitSkipped, FlagMemberLimitSkip}
	if len(res.Flags) != len(want) {
		t.Fatalf("flags = %v, want %v", res.Flags, want)
	}
	for i, f := range want {
		if res.Flags[i] != f {
			t.Fatalf("flags = %v, want %v", res.Flags, want)
		}
	}
}

func TestRedeemBenefit_StrictMode(t *testing.T) {
	repo := seedRedeemRepo()
	past := time.Now().Add(-24 * time.Hour)
	repo.benefits[0].ValidTo = &past
	svc := newTestService(t, repo, Policy{Permissive: false})

	res := svc.RedeemBenefit(context.Background(), RedeemRequest{MemberID: "m1", MerchantID: "c1", BenefitID: "b1"})

	if res.Success {
		t.Fatalf("success = true in strict mode")
	}
	if res.Message != MsgBenefitExpired {
		t.Fatalf("message = %q, want %q", res.Message, MsgBenefitExpired)
	}
	if len(repo.redemptions) != 0 {
		t.Fatalf("redemption recorded on strict rejection")
	}
}

func TestNewValidationCode_Format(t *testing.T) {
	svc := newTestService(t, newMemRepo(), Policy{})

	code := svc.newValidationCode(time.Unix(1700000000, 0))

	re := regexp.MustCompile(`^BNF-[0-9A-Z]+-[A-Z0-9]{5}$`)
	if !re.MatchString(code) {
		t.Fatalf("code %q does not match expected format", code)
	}
}

func TestRedemptionHistory_Pagination(t *testing.T) {
	repo := newMemRepo()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		repo.redemptions = append(repo.redemptions, model.Redemption{
			ID:        string(rune('a' + i)),
			MemberID:  "m1",
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		})
	}
	svc := newTestService(t, repo, Policy{})

	page, err := svc.RedemptionHistory(context.Background(), "m1", 2, "")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(page.Items) != 2 || !page.HasMore || page.Cursor == "" {
		t.Fatalf("first page: items=%d hasMore=%v cursor=%q", len(page.Items), page.HasMore, page.Cursor)
	}
	// новейшие первыми
	if page.Items[0].ID != "e" || page.Items[1].ID != "d" {
		t.Fatalf("first page ids: %s %s", page.Items[0].ID, page.Items[1].ID)
	}

	page2, err := svc.RedemptionHistory(context.Background(), "m1", 2, page.Cursor)
	if err != nil {
		t.Fatalf("second page: %v", err)
	}
	if len(page2.Items) != 2 || !page2.HasMore {
		t.Fatalf("second page: items=%d hasMore=%v", len(page2.Items), page2.HasMore)
	}
	if page2.Items[0].ID != "c" || page2.Items[1].ID != "b" {
		t.Fatalf("second page ids: %s %s", page2.Items[0].ID, page2.Items[1].ID)
	}

	page3, err := svc.RedemptionHistory(context.Background(), "m1", 2, page2.Cursor)
	if err != nil {
		t.Fatalf("third page: %v", err)
	}
	if len(page3.Items) != 1 || page3.HasMore || page3.Cursor != "" {
		t.Fatalf("third page: items=%d hasMore=%v cursor=%q", len(page3.Items), page3.HasMore, page3.Cursor)
	}

	if _, err := svc.RedemptionHistory(context.Background(), "m1", 2, "%%%bad"); err == nil {
		t.Fatalf("malformed cursor accepted")
	}
}

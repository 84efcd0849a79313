package app_test

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"github.com/artpar/credmeter/app"
	"github.com/artpar/credmeter/domain/account"
	"github.com/artpar/credmeter/domain/allowance"
	"github.com/artpar/credmeter/domain/cost"
	"github.com/artpar/credmeter/domain/entitlement"
	"github.com/artpar/credmeter/domain/job"
)

func newAccessService(e *env, allowedApps ...string) *app.AccessService {
	return app.NewAccessService(
		e.store.Users(), e.catalog, e.store.Ledger(), e.quotas, e.clk,
		func() []string { return allowedApps }, "posegen", zerolog.Nop(),
	)
}

func TestAccessService_TierDenied(t *testing.T) {
	e := newEnv(t)
	seedUser(t, e.store, paygUser("u1")) // free tier

	access, err := newAccessService(e).Resolve(context.Background(), "u1", "motion:clip-v1", cost.Quantities{DurationSeconds: 4})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if access.Allowed {
		t.Error("free user allowed on pro model")
	}
	if access.Reason == "" {
		t.Error("denial carries no reason")
	}
}

func TestAccessService_EnterpriseOverrideWinsOverBalance(t *testing.T) {
	e := newEnv(t)
	u := paygUser("u1")
	u.Tags = account.NewTagSet(account.TagEnterpriseUnlimited)
	seedUser(t, e.store, u) // zero balance

	access, err := newAccessService(e, "headshot").Resolve(context.Background(), "u1", "headshot:studio-v1", cost.Quantities{})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !access.Allowed {
		t.Fatal("override user denied")
	}
	if access.UsageType != job.UsageNone {
		t.Errorf("usage type = %q, want none", access.UsageType)
	}
	if access.Cost.Credits != 0 {
		t.Errorf("cost = %d, want 0", access.Cost.Credits)
	}
}

func TestAccessService_OverrideScopedToAllowedApps(t *testing.T) {
	e := newEnv(t)
	u := paygUser("u1")
	u.Tags = account.NewTagSet(account.TagEnterpriseUnlimited)
	seedUser(t, e.store, u)

	// headshot is not in the allow-list: the tag does not apply and the
	// zero balance cannot cover the flat cost.
	access, err := newAccessService(e, "posegen").Resolve(context.Background(), "u1", "headshot:studio-v1", cost.Quantities{})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if access.Allowed {
		t.Error("override applied outside its allow-list")
	}
	if access.UsageType != job.UsageCredit {
		t.Errorf("usage type = %q, want credit", access.UsageType)
	}
}

func TestAccessService_AllowanceBeforeBilling(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	u := paygUser("u1")
	u.Allowance = allowance.Allowance{Active: true, DailyQuota: 50}
	seedUser(t, e.store, u) // zero balance

	access, err := newAccessService(e).Resolve(ctx, "u1", "posegen:pose-v2", cost.Quantities{Units: 4})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !access.Allowed {
		t.Fatal("allowance user denied on the covered app")
	}
	if access.UsageType != job.UsageAllowance {
		t.Errorf("usage type = %q, want allowance", access.UsageType)
	}
}

func TestAccessService_AllowanceOnlyCoversItsApp(t *testing.T) {
	e := newEnv(t)
	u := paygUser("u1")
	u.Allowance = allowance.Allowance{Active: true, DailyQuota: 50}
	seedUser(t, e.store, u)
	e.grantCredits(t, "u1", 100)

	access, err := newAccessService(e).Resolve(context.Background(), "u1", "headshot:studio-v1", cost.Quantities{})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if access.UsageType != job.UsageCredit {
		t.Errorf("usage type = %q, want credit for an uncovered app", access.UsageType)
	}
	if access.Balance != 100 {
		t.Errorf("balance = %d, want 100", access.Balance)
	}
}

func TestAccessService_SubscriberChecksQuota(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	seedUser(t, e.store, subUser("u1"))

	if _, err := e.quotas.Consume(ctx, "u1", "studio-v1", 19); err != nil {
		t.Fatalf("Consume: %v", err)
	}

	// Quota cost for the flat model is 2; only 1 remains.
	access, err := newAccessService(e).Resolve(ctx, "u1", "headshot:studio-v1", cost.Quantities{})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if access.Allowed {
		t.Error("allowed with 1 quota remaining and cost 2")
	}
	if access.UsageType != job.UsageQuota {
		t.Errorf("usage type = %q, want quota", access.UsageType)
	}
	if access.Quota.Remaining != 1 {
		t.Errorf("remaining = %d, want 1", access.Quota.Remaining)
	}
}

func TestAccessService_PaygChecksBalance(t *testing.T) {
	e := newEnv(t)
	seedUser(t, e.store, paygUser("u1"))
	e.grantCredits(t, "u1", 100)

	tests := []struct {
		name    string
		q       cost.Quantities
		model   string
		allowed bool
		credits int64
	}{
		{"flat cost affordable", cost.Quantities{}, "headshot:studio-v1", true, 10},
		{"batch cost too high", cost.Quantities{Selected: 8, BatchSize: 4}, "posegen:pose-v2", false, 160},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			access, err := newAccessService(e).Resolve(context.Background(), "u1", tt.model, tt.q)
			if err != nil {
				t.Fatalf("Resolve: %v", err)
			}
			if access.Allowed != tt.allowed {
				t.Errorf("allowed = %v, want %v", access.Allowed, tt.allowed)
			}
			if access.Cost.Credits != tt.credits {
				t.Errorf("cost = %d, want %d", access.Cost.Credits, tt.credits)
			}
		})
	}
}

func TestAccessService_ResolveDoesNotReserve(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	seedUser(t, e.store, paygUser("u1"))
	e.grantCredits(t, "u1", 100)

	svc := newAccessService(e)
	for i := 0; i < 3; i++ {
		access, err := svc.Resolve(ctx, "u1", "headshot:studio-v1", cost.Quantities{})
		if err != nil {
			t.Fatalf("Resolve: %v", err)
		}
		if !access.Allowed {
			t.Fatalf("resolve %d denied", i)
		}
	}
	balance, err := e.credits.Balance(ctx, "u1")
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	if balance != 100 {
		t.Errorf("balance after resolves = %d, want 100 (advisory only)", balance)
	}
}

func TestAccessService_CheckModel(t *testing.T) {
	e := newEnv(t)
	seedUser(t, e.store, paygUser("free"))
	seedUser(t, e.store, subUser("pro"))
	svc := newAccessService(e)

	if err := svc.CheckModel(context.Background(), "pro", "motion:clip-v1"); err != nil {
		t.Errorf("pro user on pro model: %v", err)
	}

	err := svc.CheckModel(context.Background(), "free", "motion:clip-v1")
	var denied *entitlement.DeniedError
	if !errors.As(err, &denied) {
		t.Fatalf("err = %v, want *entitlement.DeniedError", err)
	}
	if denied.RequiredTier != entitlement.TierPro {
		t.Errorf("required tier = %q, want pro", denied.RequiredTier)
	}
}

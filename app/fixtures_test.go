package app_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/artpar/credmeter/adapters/clock"
	"github.com/artpar/credmeter/adapters/idgen"
	"github.com/artpar/credmeter/adapters/memory"
	"github.com/artpar/credmeter/adapters/runner"
	"github.com/artpar/credmeter/app"
	"github.com/artpar/credmeter/domain/account"
	"github.com/artpar/credmeter/domain/credit"
	"github.com/artpar/credmeter/domain/entitlement"
	"github.com/artpar/credmeter/domain/usage"
)

// testStart is the fixed instant every fake clock begins at.
var testStart = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func paygUser(id string) account.User {
	return account.User{
		ID:          id,
		Email:       id + "@example.com",
		BillingMode: account.ModePayAsYouGo,
		Tier:        entitlement.TierFree,
		CreatedAt:   testStart,
		UpdatedAt:   testStart,
	}
}

func subUser(id string) account.User {
	u := paygUser(id)
	u.BillingMode = account.ModeSubscription
	u.Tier = entitlement.TierPro
	return u
}

func seedUser(t *testing.T, store *memory.Store, u account.User) {
	t.Helper()
	if err := store.Users().Create(context.Background(), u); err != nil {
		t.Fatalf("seed user %s: %v", u.ID, err)
	}
}

func batchModel() entitlement.Model {
	return entitlement.Model{
		Key:           "posegen:pose-v2",
		AppID:         "posegen",
		ModelID:       "pose-v2",
		Name:          "Pose Generator v2",
		Enabled:       true,
		Tier:          entitlement.TierFree,
		UnitCost:      5,
		AddOnUnitCost: 2,
		QuotaCost:     1,
	}
}

func flatModel() entitlement.Model {
	return entitlement.Model{
		Key:       "headshot:studio-v1",
		AppID:     "headshot",
		ModelID:   "studio-v1",
		Name:      "Studio Headshot",
		Enabled:   true,
		Tier:      entitlement.TierFree,
		FlatCost:  10,
		QuotaCost: 2,
	}
}

func videoModel() entitlement.Model {
	return entitlement.Model{
		Key:           "motion:clip-v1",
		AppID:         "motion",
		ModelID:       "clip-v1",
		Name:          "Motion Clip",
		Enabled:       true,
		Tier:          entitlement.TierPro,
		CostPerSecond: 2.5,
		QuotaCost:     3,
	}
}

// capturingRecorder is a synchronous ports.UsageRecorder for assertions.
type capturingRecorder struct {
	mu     sync.Mutex
	events []usage.Event
}

func (r *capturingRecorder) Record(e usage.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *capturingRecorder) Flush(context.Context) error { return nil }
func (r *capturingRecorder) Close() error                { return nil }

func (r *capturingRecorder) Events() []usage.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]usage.Event(nil), r.events...)
}

// env wires the full service graph over in-memory stores.
type env struct {
	store    *memory.Store
	catalog  *memory.Catalog
	plans    *memory.PlanStore
	clk      *clock.Fake
	ids      *idgen.Sequential
	runner   *runner.Recorder
	recorder *capturingRecorder

	credits *app.CreditService
	quotas  *app.QuotaService
	allows  *app.AllowanceService
	charges *app.ChargeService
	refunds *app.RefundService
	subs    *app.SubscriptionService
}

// newEnv builds the graph. allowedApps is the enterprise override
// allow-list; the unlimited allowance covers the posegen app.
func newEnv(t *testing.T, allowedApps ...string) *env {
	t.Helper()
	e := &env{
		store:    memory.NewStore(),
		catalog:  memory.NewCatalog(batchModel(), flatModel(), videoModel()),
		plans:    memory.NewPlanStore(),
		clk:      clock.NewFake(testStart),
		ids:      idgen.NewSequential("id_"),
		runner:   runner.NewRecorder(),
		recorder: &capturingRecorder{},
	}
	logger := zerolog.Nop()
	apps := func() []string { return allowedApps }

	e.credits = app.NewCreditService(e.store, e.store.Ledger(), e.clk, e.ids, nil, logger)
	e.quotas = app.NewQuotaService(e.store, e.store.Quotas(), e.store.Subscriptions(), e.plans, e.clk, e.ids, nil, logger, 20)
	e.allows = app.NewAllowanceService(e.store, e.store.Users(), e.clk, logger)
	e.charges = app.NewChargeService(
		e.store, e.store.Users(), e.store.Jobs(), e.catalog,
		e.credits, e.quotas, e.allows,
		e.runner, e.recorder, e.clk, e.ids, nil, logger,
		apps, "posegen",
	)
	e.refunds = app.NewRefundService(e.store, e.store.Jobs(), e.catalog, e.clk, e.ids, nil, logger)
	e.subs = app.NewSubscriptionService(e.store, e.store.Users(), e.store.Subscriptions(), e.plans, e.quotas, e.clk, e.ids, logger, 20)
	return e
}

// grantCredits seeds a user balance through the real service.
func (e *env) grantCredits(t *testing.T, userID string, amount int64) {
	t.Helper()
	_, err := e.credits.Add(context.Background(), app.AddParams{
		UserID: userID,
		Amount: amount,
		Type:   credit.TypeAdminGrant,
	})
	if err != nil {
		t.Fatalf("grant %d credits to %s: %v", amount, userID, err)
	}
}

package sqlite_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/artpar/credmeter/adapters/sqlite"
	"github.com/artpar/credmeter/domain/account"
	"github.com/artpar/credmeter/domain/allowance"
	"github.com/artpar/credmeter/domain/credit"
	"github.com/artpar/credmeter/domain/entitlement"
	"github.com/artpar/credmeter/domain/job"
	"github.com/artpar/credmeter/domain/plan"
	"github.com/artpar/credmeter/domain/quota"
	"github.com/artpar/credmeter/domain/usage"
	"github.com/artpar/credmeter/ports"
)

var dbStart = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

// openTestStore opens a migrated in-memory database. The shared-cache
// memory database survives across tests in one process, so every test
// uses its own entity ids.
func openTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	db, err := sqlite.OpenMemory()
	if err != nil {
		t.Fatalf("open memory db: %v", err)
	}
	if err := db.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return sqlite.NewStore(db)
}

func createDBUser(t *testing.T, store *sqlite.Store, id string) account.User {
	t.Helper()
	u := account.User{
		ID:          id,
		Email:       id + "@example.com",
		BillingMode: account.ModePayAsYouGo,
		Tier:        entitlement.TierFree,
		CreatedAt:   dbStart,
		UpdatedAt:   dbStart,
	}
	if err := store.Users().Create(context.Background(), u); err != nil {
		t.Fatalf("create user %s: %v", id, err)
	}
	return u
}

func TestLedgerStore_LatestEmpty(t *testing.T) {
	store := openTestStore(t)
	createDBUser(t, store, "lg_empty")

	latest, err := store.Ledger().Latest(context.Background(), "lg_empty")
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if latest.Balance != 0 || latest.ID != "" {
		t.Errorf("empty ledger latest = %+v, want zero entry", latest)
	}
	if latest.UserID != "lg_empty" {
		t.Errorf("user id = %q, want lg_empty", latest.UserID)
	}
}

func TestLedgerStore_AppendAndRead(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	createDBUser(t, store, "lg_u1")
	ledger := store.Ledger()

	entries := []credit.Entry{
		{ID: "lg_e1", UserID: "lg_u1", Amount: 100, Balance: 100, Type: credit.TypePurchase,
			Description: "top-up", ReferenceID: "pay_1", ReferenceType: credit.RefPayment,
			CreatedAt: dbStart},
		{ID: "lg_e2", UserID: "lg_u1", Amount: -30, Balance: 70, Type: credit.TypeUsage,
			Description: "render", ReferenceID: "job_1", ReferenceType: credit.RefGeneration,
			CreatedAt: dbStart.Add(time.Minute)},
		{ID: "lg_e3", UserID: "lg_u1", Amount: 10, Balance: 80, Type: credit.TypeRefund,
			Description: "refund", ReferenceID: "job_1", ReferenceType: credit.RefGeneration,
			CreatedAt: dbStart.Add(2 * time.Minute)},
	}
	for _, e := range entries {
		if err := ledger.Append(ctx, e); err != nil {
			t.Fatalf("Append %s: %v", e.ID, err)
		}
	}

	latest, err := ledger.Latest(ctx, "lg_u1")
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if latest.ID != "lg_e3" || latest.Balance != 80 {
		t.Errorf("latest = %s balance %d, want lg_e3 balance 80", latest.ID, latest.Balance)
	}

	list, err := ledger.List(ctx, "lg_u1", 2, 1)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("len(list) = %d, want 2", len(list))
	}
	if list[0].ID != "lg_e2" || list[1].ID != "lg_e1" {
		t.Errorf("list = %s, %s, want lg_e2, lg_e1 (newest-first, offset 1)", list[0].ID, list[1].ID)
	}
	if list[0].ReferenceType != credit.RefGeneration {
		t.Errorf("reference type = %q, want generation", list[0].ReferenceType)
	}

	n, err := ledger.Count(ctx, "lg_u1")
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 3 {
		t.Errorf("count = %d, want 3", n)
	}
}

func TestLedgerStore_FindByReference(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	createDBUser(t, store, "lg_u2")
	ledger := store.Ledger()

	refund := credit.Entry{
		ID: "lg_r1", UserID: "lg_u2", Amount: 15, Balance: 15, Type: credit.TypeRefund,
		ReferenceID: "job_9", ReferenceType: credit.RefGeneration, CreatedAt: dbStart,
	}
	if err := ledger.Append(ctx, refund); err != nil {
		t.Fatalf("Append: %v", err)
	}

	tests := []struct {
		name  string
		refID string
		typ   credit.EntryType
		since time.Time
		found bool
	}{
		{"match", "job_9", credit.TypeRefund, dbStart.Add(-time.Hour), true},
		{"zero since matches", "job_9", credit.TypeRefund, time.Time{}, true},
		{"wrong type", "job_9", credit.TypePurchase, time.Time{}, false},
		{"wrong reference", "job_8", credit.TypeRefund, time.Time{}, false},
		{"since after entry", "job_9", credit.TypeRefund, dbStart.Add(time.Hour), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, found, err := ledger.FindByReference(ctx, "lg_u2", tt.refID, tt.typ, tt.since)
			if err != nil {
				t.Fatalf("FindByReference: %v", err)
			}
			if found != tt.found {
				t.Fatalf("found = %v, want %v", found, tt.found)
			}
			if found && got.ID != "lg_r1" {
				t.Errorf("entry = %s, want lg_r1", got.ID)
			}
		})
	}
}

func TestQuotaStore_RoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	createDBUser(t, store, "qt_u1")
	quotas := store.Quotas()

	c := quota.Counter{
		ID:             "qt_c1",
		UserID:         "qt_u1",
		QuotaType:      quota.Daily,
		Period:         "2026-03-10",
		UsageCount:     5,
		QuotaLimit:     100,
		ModelBreakdown: map[string]int64{"pose-v2": 5},
		ResetAt:        dbStart.Add(12 * time.Hour),
	}
	if err := quotas.Create(ctx, c); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, found, err := quotas.Get(ctx, "qt_u1", quota.Daily, "2026-03-10")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !found {
		t.Fatal("counter not found")
	}
	if got.UsageCount != 5 || got.QuotaLimit != 100 {
		t.Errorf("counter = %+v, want usage 5 limit 100", got)
	}
	if got.ModelBreakdown["pose-v2"] != 5 {
		t.Errorf("breakdown = %v, want pose-v2:5", got.ModelBreakdown)
	}
	if !got.ResetAt.Equal(c.ResetAt) {
		t.Errorf("reset at = %v, want %v", got.ResetAt, c.ResetAt)
	}

	_, found, err = quotas.Get(ctx, "qt_u1", quota.Daily, "2026-03-11")
	if err != nil {
		t.Fatalf("Get other period: %v", err)
	}
	if found {
		t.Error("found a counter for an untouched period")
	}

	got.UsageCount = 7
	got.ModelBreakdown["studio-v1"] = 2
	if err := quotas.Update(ctx, got); err != nil {
		t.Fatalf("Update: %v", err)
	}
	got, _, err = quotas.Get(ctx, "qt_u1", quota.Daily, "2026-03-10")
	if err != nil {
		t.Fatalf("re-Get: %v", err)
	}
	if got.UsageCount != 7 || got.ModelBreakdown["studio-v1"] != 2 {
		t.Errorf("after update = %+v, want usage 7 with studio-v1:2", got)
	}
}

func TestQuotaStore_UpdateMissing(t *testing.T) {
	store := openTestStore(t)
	err := store.Quotas().Update(context.Background(), quota.Counter{ID: "qt_missing"})
	if !errors.Is(err, ports.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestQuotaStore_ListExpired(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	createDBUser(t, store, "qt_u2")
	quotas := store.Quotas()

	stale := quota.Counter{
		ID: "qt_stale", UserID: "qt_u2", QuotaType: quota.Daily, Period: "2026-03-09",
		QuotaLimit: 50, ModelBreakdown: map[string]int64{}, ResetAt: dbStart,
	}
	fresh := quota.Counter{
		ID: "qt_fresh", UserID: "qt_u2", QuotaType: quota.Daily, Period: "2026-03-10",
		QuotaLimit: 50, ModelBreakdown: map[string]int64{}, ResetAt: dbStart.Add(12 * time.Hour),
	}
	for _, c := range []quota.Counter{stale, fresh} {
		if err := quotas.Create(ctx, c); err != nil {
			t.Fatalf("Create %s: %v", c.ID, err)
		}
	}

	// reset_at <= now is inclusive: a counter expires the moment its
	// period boundary passes.
	expired, err := quotas.ListExpired(ctx, quota.Daily, dbStart)
	if err != nil {
		t.Fatalf("ListExpired: %v", err)
	}
	ids := map[string]bool{}
	for _, c := range expired {
		ids[c.ID] = true
	}
	if !ids["qt_stale"] {
		t.Error("stale counter not listed")
	}
	if ids["qt_fresh"] {
		t.Error("fresh counter listed as expired")
	}

	if err := quotas.Delete(ctx, "qt_stale"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	_, found, err := quotas.Get(ctx, "qt_u2", quota.Daily, "2026-03-09")
	if err != nil {
		t.Fatalf("Get after delete: %v", err)
	}
	if found {
		t.Error("deleted counter still found")
	}
}

func TestUserStore_RoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	users := store.Users()

	u := account.User{
		ID:           "us_u1",
		Email:        "us_u1@example.com",
		Name:         "Test User",
		PasswordHash: []byte("$2a$10$hash"),
		BillingMode:  account.ModeSubscription,
		Tier:         entitlement.TierPro,
		Tags:         account.NewTagSet(account.TagEnterpriseUnlimited),
		Allowance: allowance.Allowance{
			Active:       true,
			DailyQuota:   50,
			QuotaUsed:    3,
			QuotaResetAt: dbStart.Add(12 * time.Hour),
			ExpiresAt:    dbStart.AddDate(0, 1, 0),
		},
		CreatedAt: dbStart,
		UpdatedAt: dbStart,
	}
	if err := users.Create(ctx, u); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := users.Get(ctx, "us_u1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Email != u.Email || got.Name != u.Name {
		t.Errorf("user = %+v, want %+v", got, u)
	}
	if string(got.PasswordHash) != string(u.PasswordHash) {
		t.Error("password hash not preserved")
	}
	if got.BillingMode != account.ModeSubscription || got.Tier != entitlement.TierPro {
		t.Errorf("billing = %q/%q, want subscription/pro", got.BillingMode, got.Tier)
	}
	if !got.Tags.Has(account.TagEnterpriseUnlimited) {
		t.Error("enterprise tag not preserved")
	}
	if !got.Allowance.Active || got.Allowance.QuotaUsed != 3 {
		t.Errorf("allowance = %+v, want active with 3 used", got.Allowance)
	}
	if !got.Allowance.QuotaResetAt.Equal(u.Allowance.QuotaResetAt) {
		t.Errorf("reset marker = %v, want %v", got.Allowance.QuotaResetAt, u.Allowance.QuotaResetAt)
	}

	byEmail, err := users.GetByEmail(ctx, "us_u1@example.com")
	if err != nil {
		t.Fatalf("GetByEmail: %v", err)
	}
	if byEmail.ID != "us_u1" {
		t.Errorf("by email = %s, want us_u1", byEmail.ID)
	}

	got.Tier = entitlement.TierFree
	got.Allowance.QuotaUsed = 4
	if err := users.Update(ctx, got); err != nil {
		t.Fatalf("Update: %v", err)
	}
	got, err = users.Get(ctx, "us_u1")
	if err != nil {
		t.Fatalf("re-Get: %v", err)
	}
	if got.Tier != entitlement.TierFree || got.Allowance.QuotaUsed != 4 {
		t.Errorf("after update = %q used %d, want free used 4", got.Tier, got.Allowance.QuotaUsed)
	}
}

func TestUserStore_NotFound(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if _, err := store.Users().Get(ctx, "us_missing"); !errors.Is(err, ports.ErrNotFound) {
		t.Errorf("Get err = %v, want ErrNotFound", err)
	}
	if _, err := store.Users().GetByEmail(ctx, "nobody@example.com"); !errors.Is(err, ports.ErrNotFound) {
		t.Errorf("GetByEmail err = %v, want ErrNotFound", err)
	}
	err := store.Users().Update(ctx, account.User{ID: "us_missing", Email: "x@example.com"})
	if !errors.Is(err, ports.ErrNotFound) {
		t.Errorf("Update err = %v, want ErrNotFound", err)
	}
}

func TestUserStore_DuplicateEmail(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	createDBUser(t, store, "us_dup1")

	dup := account.User{ID: "us_dup2", Email: "us_dup1@example.com", CreatedAt: dbStart, UpdatedAt: dbStart}
	if err := store.Users().Create(ctx, dup); err == nil {
		t.Fatal("duplicate email accepted")
	}
}

func TestJobStore_RoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	createDBUser(t, store, "jb_u1")
	jobs := store.Jobs()

	j := job.Job{
		ID:         "jb_j1",
		UserID:     "jb_u1",
		AppID:      "posegen",
		ModelKey:   "posegen:pose-v2",
		Status:     job.StatusPending,
		TotalUnits: 8,
		WithAddOn:  true,
		CreatedAt:  dbStart,
		UpdatedAt:  dbStart,
	}
	if err := jobs.Create(ctx, j); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := jobs.Get(ctx, "jb_j1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != job.StatusPending || got.TotalUnits != 8 || !got.WithAddOn {
		t.Errorf("job = %+v", got)
	}
	if got.CompletedAt != nil {
		t.Error("completed at set on a pending job")
	}

	done := dbStart.Add(time.Hour)
	got.Status = job.StatusPartial
	got.UsageType = job.UsageCredit
	got.UnitsCompleted = 5
	got.UnitsFailed = 3
	got.CreditCharged = 40
	got.CreditRefunded = 15
	got.LedgerEntryID = "lg_x"
	got.QueueJobID = "q-1"
	got.CompletedAt = &done
	got.UpdatedAt = done
	if err := jobs.Update(ctx, got); err != nil {
		t.Fatalf("Update: %v", err)
	}

	got, err = jobs.Get(ctx, "jb_j1")
	if err != nil {
		t.Fatalf("re-Get: %v", err)
	}
	if got.Status != job.StatusPartial || got.CreditRefunded != 15 {
		t.Errorf("after update = %+v", got)
	}
	if got.LedgerEntryID != "lg_x" || got.QueueJobID != "q-1" {
		t.Errorf("references = %q/%q, want lg_x/q-1", got.LedgerEntryID, got.QueueJobID)
	}
	if got.CompletedAt == nil || !got.CompletedAt.Equal(done) {
		t.Errorf("completed at = %v, want %v", got.CompletedAt, done)
	}
}

func TestJobStore_ListByUser(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	createDBUser(t, store, "jb_u2")
	jobs := store.Jobs()

	for i, id := range []string{"jb_a", "jb_b", "jb_c"} {
		j := job.Job{
			ID: id, UserID: "jb_u2", AppID: "posegen", ModelKey: "posegen:pose-v2",
			Status: job.StatusCharged, UsageType: job.UsageCredit, TotalUnits: 4,
			CreatedAt: dbStart.Add(time.Duration(i) * time.Minute),
			UpdatedAt: dbStart.Add(time.Duration(i) * time.Minute),
		}
		if err := jobs.Create(ctx, j); err != nil {
			t.Fatalf("Create %s: %v", id, err)
		}
	}

	list, err := jobs.ListByUser(ctx, "jb_u2", 2)
	if err != nil {
		t.Fatalf("ListByUser: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("len = %d, want 2", len(list))
	}
	if list[0].ID != "jb_c" || list[1].ID != "jb_b" {
		t.Errorf("list = %s, %s, want jb_c, jb_b", list[0].ID, list[1].ID)
	}
}

func TestPlanStore_RoundTripAndList(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	plans := store.Plans()

	pro := plan.Plan{
		ID: "pl_pro", Name: "Pro", Tier: entitlement.TierPro, DailyQuota: 500,
		MonthlyQuota: 10000, MaxModelTier: entitlement.TierPro, PriceCents: 1999,
		BillingCycle: plan.CycleMonthly, Enabled: true, CreatedAt: dbStart, UpdatedAt: dbStart,
	}
	basic := plan.Plan{
		ID: "pl_basic", Name: "Basic", Tier: entitlement.TierBasic, DailyQuota: 100,
		MonthlyQuota: 2000, MaxModelTier: entitlement.TierBasic, PriceCents: 999,
		BillingCycle: plan.CycleMonthly, Enabled: true, CreatedAt: dbStart, UpdatedAt: dbStart,
	}
	hidden := plan.Plan{
		ID: "pl_hidden", Name: "Legacy", Tier: entitlement.TierBasic, DailyQuota: 50,
		MonthlyQuota: 1000, MaxModelTier: entitlement.TierBasic, PriceCents: 499,
		BillingCycle: plan.CycleMonthly, Enabled: false, CreatedAt: dbStart, UpdatedAt: dbStart,
	}
	for _, p := range []plan.Plan{pro, basic, hidden} {
		if err := plans.Create(ctx, p); err != nil {
			t.Fatalf("Create %s: %v", p.ID, err)
		}
	}

	got, err := plans.Get(ctx, "pl_pro")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.DailyQuota != 500 || got.Tier != entitlement.TierPro {
		t.Errorf("plan = %+v", got)
	}

	list, err := plans.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	var ids []string
	for _, p := range list {
		ids = append(ids, p.ID)
	}
	// Enabled only, cheapest first; other tests may have seeded more.
	seenBasic, seenPro := -1, -1
	for i, id := range ids {
		switch id {
		case "pl_basic":
			seenBasic = i
		case "pl_pro":
			seenPro = i
		case "pl_hidden":
			t.Error("disabled plan listed")
		}
	}
	if seenBasic == -1 || seenPro == -1 || seenBasic > seenPro {
		t.Errorf("list order = %v, want pl_basic before pl_pro", ids)
	}

	got.DailyQuota = 600
	if err := plans.Update(ctx, got); err != nil {
		t.Fatalf("Update: %v", err)
	}
	got, err = plans.Get(ctx, "pl_pro")
	if err != nil {
		t.Fatalf("re-Get: %v", err)
	}
	if got.DailyQuota != 600 {
		t.Errorf("daily quota = %d, want 600", got.DailyQuota)
	}
}

func TestSubscriptionStore_RoundTripAndDue(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	createDBUser(t, store, "sb_u1")
	createDBUser(t, store, "sb_u2")

	p := plan.Plan{
		ID: "sb_plan", Name: "Pro", Tier: entitlement.TierPro, DailyQuota: 500,
		MonthlyQuota: 10000, MaxModelTier: entitlement.TierPro, PriceCents: 1999,
		BillingCycle: plan.CycleMonthly, Enabled: true, CreatedAt: dbStart, UpdatedAt: dbStart,
	}
	if err := store.Plans().Create(ctx, p); err != nil {
		t.Fatalf("Create plan: %v", err)
	}

	subs := store.Subscriptions()
	lapsed := plan.Subscription{
		ID: "sb_s1", UserID: "sb_u1", PlanID: "sb_plan", Status: plan.StatusActive,
		StartDate: dbStart.AddDate(0, -1, 0), EndDate: dbStart,
		BillingCycle: plan.CycleMonthly, AutoRenew: false,
		CreatedAt: dbStart.AddDate(0, -1, 0), UpdatedAt: dbStart,
	}
	current := plan.Subscription{
		ID: "sb_s2", UserID: "sb_u2", PlanID: "sb_plan", Status: plan.StatusActive,
		StartDate: dbStart, EndDate: dbStart.AddDate(0, 1, 0),
		BillingCycle: plan.CycleMonthly, AutoRenew: true,
		CreatedAt: dbStart, UpdatedAt: dbStart,
	}
	for _, s := range []plan.Subscription{lapsed, current} {
		if err := subs.Create(ctx, s); err != nil {
			t.Fatalf("Create %s: %v", s.ID, err)
		}
	}

	got, err := subs.GetByUser(ctx, "sb_u1")
	if err != nil {
		t.Fatalf("GetByUser: %v", err)
	}
	if got.ID != "sb_s1" || got.AutoRenew {
		t.Errorf("subscription = %+v", got)
	}

	// end_date <= now is inclusive.
	due, err := subs.ListDue(ctx, dbStart)
	if err != nil {
		t.Fatalf("ListDue: %v", err)
	}
	dueIDs := map[string]bool{}
	for _, s := range due {
		dueIDs[s.ID] = true
	}
	if !dueIDs["sb_s1"] {
		t.Error("lapsed subscription not listed as due")
	}
	if dueIDs["sb_s2"] {
		t.Error("current subscription listed as due")
	}

	cancelled := dbStart.Add(time.Hour)
	got.Status = plan.StatusCancelled
	got.CancelledAt = &cancelled
	got.CancelReason = "downgrade"
	got.UpdatedAt = cancelled
	if err := subs.Update(ctx, got); err != nil {
		t.Fatalf("Update: %v", err)
	}
	got, err = subs.GetByUser(ctx, "sb_u1")
	if err != nil {
		t.Fatalf("re-GetByUser: %v", err)
	}
	if got.Status != plan.StatusCancelled || got.CancelReason != "downgrade" {
		t.Errorf("after update = %+v", got)
	}
	if got.CancelledAt == nil || !got.CancelledAt.Equal(cancelled) {
		t.Errorf("cancelled at = %v, want %v", got.CancelledAt, cancelled)
	}
}

func TestUsageStore_RecordAndList(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	events := store.Usage()

	batch := []usage.Event{
		{ID: "ue_1", UserID: "ue_u1", AppID: "posegen", ModelKey: "posegen:pose-v2",
			Action: "generate", CreditUsed: 40, JobID: "jb_x", Timestamp: dbStart},
		{ID: "ue_2", UserID: "ue_u1", AppID: "headshot", Action: "render",
			QuotaUsed: 2, Timestamp: dbStart.Add(time.Minute)},
		{ID: "ue_3", UserID: "ue_other", AppID: "headshot", Action: "render",
			Enterprise: true, Timestamp: dbStart},
	}
	if err := events.RecordBatch(ctx, batch); err != nil {
		t.Fatalf("RecordBatch: %v", err)
	}
	if err := events.RecordBatch(ctx, nil); err != nil {
		t.Fatalf("empty RecordBatch: %v", err)
	}

	list, err := events.ListByUser(ctx, "ue_u1", 10)
	if err != nil {
		t.Fatalf("ListByUser: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("len = %d, want 2", len(list))
	}
	if list[0].ID != "ue_2" || list[1].ID != "ue_1" {
		t.Errorf("order = %s, %s, want ue_2, ue_1", list[0].ID, list[1].ID)
	}
	if list[1].CreditUsed != 40 || list[1].JobID != "jb_x" {
		t.Errorf("event = %+v", list[1])
	}
}

func TestCatalogStore_Upsert(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	catalog := store.Catalog()

	m := entitlement.Model{
		Key: "ct_app:model-a", AppID: "ct_app", ModelID: "model-a", Name: "Model A",
		Provider: "acme", Tier: entitlement.TierFree, Enabled: true,
		FlatCost: 10, QuotaCost: 2, UnitCost: 5, AddOnUnitCost: 2,
	}
	if err := catalog.Upsert(ctx, m); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	got, err := catalog.Get(ctx, "ct_app:model-a")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.FlatCost != 10 || got.UnitCost != 5 || got.Tier != entitlement.TierFree {
		t.Errorf("model = %+v", got)
	}

	// A second upsert with the same key updates in place.
	m.FlatCost = 12
	m.Tier = entitlement.TierPro
	if err := catalog.Upsert(ctx, m); err != nil {
		t.Fatalf("second Upsert: %v", err)
	}
	got, err = catalog.Get(ctx, "ct_app:model-a")
	if err != nil {
		t.Fatalf("re-Get: %v", err)
	}
	if got.FlatCost != 12 || got.Tier != entitlement.TierPro {
		t.Errorf("after upsert = %+v", got)
	}

	if _, err := catalog.Get(ctx, "ct_app:missing"); !errors.Is(err, ports.ErrNotFound) {
		t.Errorf("Get missing err = %v, want ErrNotFound", err)
	}

	m2 := m
	m2.Key = "ct_app:model-b"
	m2.ModelID = "model-b"
	if err := catalog.Upsert(ctx, m2); err != nil {
		t.Fatalf("Upsert model-b: %v", err)
	}
	list, err := catalog.ListForApp(ctx, "ct_app")
	if err != nil {
		t.Fatalf("ListForApp: %v", err)
	}
	if len(list) != 2 {
		t.Errorf("len = %d, want 2", len(list))
	}
}

func TestStore_InTxRollsBackOnError(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	createDBUser(t, store, "tx_u1")

	boom := errors.New("boom")
	err := store.InTx(ctx, ports.TxOptions{Isolation: ports.Serializable}, func(tx ports.Tx) error {
		e := credit.Entry{
			ID: "tx_e1", UserID: "tx_u1", Amount: 100, Balance: 100,
			Type: credit.TypePurchase, CreatedAt: dbStart,
		}
		if err := tx.Ledger().Append(ctx, e); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}

	n, err := store.Ledger().Count(ctx, "tx_u1")
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 0 {
		t.Errorf("entries after rollback = %d, want 0", n)
	}
}

func TestStore_InTxCommits(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	createDBUser(t, store, "tx_u2")

	err := store.InTx(ctx, ports.TxOptions{Isolation: ports.Serializable}, func(tx ports.Tx) error {
		e := credit.Entry{
			ID: "tx_e2", UserID: "tx_u2", Amount: 50, Balance: 50,
			Type: credit.TypePurchase, CreatedAt: dbStart,
		}
		if err := tx.Ledger().Append(ctx, e); err != nil {
			return err
		}
		j := job.Job{
			ID: "tx_j1", UserID: "tx_u2", AppID: "posegen", ModelKey: "posegen:pose-v2",
			Status: job.StatusPending, TotalUnits: 4,
			CreatedAt: dbStart, UpdatedAt: dbStart,
		}
		return tx.Jobs().Create(ctx, j)
	})
	if err != nil {
		t.Fatalf("InTx: %v", err)
	}

	latest, err := store.Ledger().Latest(ctx, "tx_u2")
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if latest.ID != "tx_e2" {
		t.Errorf("latest = %s, want tx_e2", latest.ID)
	}
	if _, err := store.Jobs().Get(ctx, "tx_j1"); err != nil {
		t.Errorf("job not visible after commit: %v", err)
	}
}

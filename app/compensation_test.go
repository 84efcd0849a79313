package app_test

import (
	"context"
	"errors"
	"testing"

	"github.com/artpar/credmeter/app"
	"github.com/artpar/credmeter/domain/account"
	"github.com/artpar/credmeter/domain/cost"
	"github.com/artpar/credmeter/domain/job"
)

// startChargedJob runs the real charge flow so compensation tests operate
// on a job in the exact state the coordinator leaves behind.
func startChargedJob(t *testing.T, e *env, userID string, units int64) job.Job {
	t.Helper()
	res, err := e.charges.StartJob(context.Background(), app.StartJobParams{
		UserID:     userID,
		AppID:      "posegen",
		ModelKey:   "posegen:pose-v2",
		Quantities: cost.Quantities{Units: units},
	})
	if err != nil {
		t.Fatalf("StartJob: %v", err)
	}
	return res.Job
}

func TestRefundService_ReportOutcomeAllCompleted(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	seedUser(t, e.store, paygUser("u1"))
	e.grantCredits(t, "u1", 100)
	j := startChargedJob(t, e, "u1", 8)

	settled, err := e.refunds.ReportOutcome(ctx, j.ID, 8, 0)
	if err != nil {
		t.Fatalf("ReportOutcome: %v", err)
	}
	if settled.Status != job.StatusCompleted {
		t.Errorf("status = %q, want completed", settled.Status)
	}
	if settled.CompletedAt == nil {
		t.Error("completed timestamp not set")
	}
	if settled.CreditRefunded != 0 {
		t.Errorf("refunded = %d, want 0", settled.CreditRefunded)
	}

	balance, err := e.credits.Balance(ctx, "u1")
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	if balance != 60 {
		t.Errorf("balance = %d, want 60 (no refund)", balance)
	}
}

func TestRefundService_ReportOutcomePartialRefund(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	seedUser(t, e.store, paygUser("u1"))
	e.grantCredits(t, "u1", 100)
	j := startChargedJob(t, e, "u1", 8) // charged 40

	settled, err := e.refunds.ReportOutcome(ctx, j.ID, 5, 3)
	if err != nil {
		t.Fatalf("ReportOutcome: %v", err)
	}
	if settled.Status != job.StatusPartial {
		t.Errorf("status = %q, want partial", settled.Status)
	}
	// 3 failed units at the base unit rate of 5.
	if settled.CreditRefunded != 15 {
		t.Errorf("refunded = %d, want 15", settled.CreditRefunded)
	}

	balance, err := e.credits.Balance(ctx, "u1")
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	if balance != 75 {
		t.Errorf("balance = %d, want 75 (60 + 15 refund)", balance)
	}
}

func TestRefundService_ReportOutcomeAllFailed(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	seedUser(t, e.store, paygUser("u1"))
	e.grantCredits(t, "u1", 100)
	j := startChargedJob(t, e, "u1", 8)

	settled, err := e.refunds.ReportOutcome(ctx, j.ID, 0, 8)
	if err != nil {
		t.Fatalf("ReportOutcome: %v", err)
	}
	if settled.Status != job.StatusFailed {
		t.Errorf("status = %q, want failed", settled.Status)
	}
	if settled.CreditRefunded != 40 {
		t.Errorf("refunded = %d, want the full 40", settled.CreditRefunded)
	}

	balance, err := e.credits.Balance(ctx, "u1")
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	if balance != 100 {
		t.Errorf("balance = %d, want 100 restored", balance)
	}
}

func TestRefundService_ReportOutcomeRetrySafe(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	seedUser(t, e.store, paygUser("u1"))
	e.grantCredits(t, "u1", 100)
	j := startChargedJob(t, e, "u1", 8)

	if _, err := e.refunds.ReportOutcome(ctx, j.ID, 5, 3); err != nil {
		t.Fatalf("ReportOutcome: %v", err)
	}

	// The execution layer retries its callback; the second report must
	// return the settled record without a second refund.
	settled, err := e.refunds.ReportOutcome(ctx, j.ID, 5, 3)
	if err != nil {
		t.Fatalf("retried ReportOutcome: %v", err)
	}
	if settled.CreditRefunded != 15 {
		t.Errorf("refunded = %d, want 15", settled.CreditRefunded)
	}

	balance, err := e.credits.Balance(ctx, "u1")
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	if balance != 75 {
		t.Errorf("balance = %d, want 75 (refund applied once)", balance)
	}
}

func TestRefundService_ReportOutcomeRefundCapped(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	seedUser(t, e.store, paygUser("u1"))
	e.grantCredits(t, "u1", 100)

	// Charge with the add-on: 4 units at 5+2 = 28. The refund rate is the
	// base unit cost only, and can never exceed what was charged.
	res, err := e.charges.StartJob(ctx, app.StartJobParams{
		UserID:     "u1",
		AppID:      "posegen",
		ModelKey:   "posegen:pose-v2",
		Quantities: cost.Quantities{Units: 4, WithAddOn: true},
	})
	if err != nil {
		t.Fatalf("StartJob: %v", err)
	}

	settled, err := e.refunds.ReportOutcome(ctx, res.Job.ID, 0, 4)
	if err != nil {
		t.Fatalf("ReportOutcome: %v", err)
	}
	// 4 failed at base rate 5 = 20, under the 28 charged.
	if settled.CreditRefunded != 20 {
		t.Errorf("refunded = %d, want 20 at the base unit rate", settled.CreditRefunded)
	}
}

func TestRefundService_ReportOutcomeNegativeCounts(t *testing.T) {
	e := newEnv(t)
	if _, err := e.refunds.ReportOutcome(context.Background(), "job-x", -1, 2); err == nil {
		t.Fatal("negative completed count accepted")
	}
}

func TestRefundService_ReportOutcomePendingJobRejected(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	seedUser(t, e.store, paygUser("u1"))

	pending := job.Job{
		ID:         "job-p",
		UserID:     "u1",
		Status:     job.StatusPending,
		TotalUnits: 4,
		CreatedAt:  testStart,
		UpdatedAt:  testStart,
	}
	if err := e.store.Jobs().Create(ctx, pending); err != nil {
		t.Fatalf("Create: %v", err)
	}

	// pending -> partial is not a legal transition.
	_, err := e.refunds.ReportOutcome(ctx, "job-p", 2, 2)
	var transition *job.TransitionError
	if !errors.As(err, &transition) {
		t.Fatalf("err = %v, want *job.TransitionError", err)
	}
}

func TestRefundService_RefundJobWholeAmount(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	seedUser(t, e.store, paygUser("u1"))
	e.grantCredits(t, "u1", 100)
	j := startChargedJob(t, e, "u1", 8) // charged 40

	out, err := e.refunds.RefundJob(ctx, j.ID, "worker crashed")
	if err != nil {
		t.Fatalf("RefundJob: %v", err)
	}
	if out.Amount != 40 {
		t.Errorf("amount = %d, want 40", out.Amount)
	}
	if out.Job.Status != job.StatusFailed {
		t.Errorf("status = %q, want failed", out.Job.Status)
	}

	balance, err := e.credits.Balance(ctx, "u1")
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	if balance != 100 {
		t.Errorf("balance = %d, want 100 restored", balance)
	}

	// Second call must not pay twice.
	again, err := e.refunds.RefundJob(ctx, j.ID, "worker crashed")
	if err != nil {
		t.Fatalf("second RefundJob: %v", err)
	}
	if !again.AlreadyRefunded {
		t.Error("second refund not flagged as already refunded")
	}
	balance, _ = e.credits.Balance(ctx, "u1")
	if balance != 100 {
		t.Errorf("balance after retry = %d, want 100", balance)
	}
}

func TestRefundService_RefundJobZeroCharge(t *testing.T) {
	e := newEnv(t, "posegen")
	ctx := context.Background()
	u := paygUser("u1")
	u.Tags = account.NewTagSet(account.TagEnterpriseUnlimited)
	seedUser(t, e.store, u)
	j := startChargedJob(t, e, "u1", 4) // enterprise: zero charge

	out, err := e.refunds.RefundJob(ctx, j.ID, "nothing produced")
	if err != nil {
		t.Fatalf("RefundJob: %v", err)
	}
	if !out.NothingToRefund {
		t.Error("zero-charge job not flagged NothingToRefund")
	}
	if out.Amount != 0 {
		t.Errorf("amount = %d, want 0", out.Amount)
	}
	if out.Job.Status != job.StatusFailed {
		t.Errorf("status = %q, want failed", out.Job.Status)
	}
}

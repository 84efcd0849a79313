package quota_test

import (
	"errors"
	"testing"
	"time"

	"github.com/artpar/credmeter/domain/quota"
)

func TestPeriodKey(t *testing.T) {
	tests := []struct {
		name string
		typ  quota.Type
		t    time.Time
		want string
	}{
		{"daily", quota.Daily, time.Date(2026, 9, 1, 15, 30, 0, 0, time.UTC), "2026-09-01"},
		{"daily midnight", quota.Daily, time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC), "2026-09-01"},
		{"monthly", quota.Monthly, time.Date(2026, 9, 15, 0, 0, 0, 0, time.UTC), "2026-09"},
		{"daily tz normalized", quota.Daily, time.Date(2026, 9, 1, 23, 30, 0, 0, time.FixedZone("X", 3*3600)), "2026-09-01"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := quota.PeriodKey(tt.typ, tt.t); got != tt.want {
				t.Errorf("PeriodKey() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestNextReset(t *testing.T) {
	at := time.Date(2026, 9, 1, 15, 30, 0, 0, time.UTC)

	daily := quota.NextReset(quota.Daily, at)
	if want := time.Date(2026, 9, 2, 0, 0, 0, 0, time.UTC); !daily.Equal(want) {
		t.Errorf("daily NextReset = %v, want %v", daily, want)
	}

	monthly := quota.NextReset(quota.Monthly, at)
	if want := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC); !monthly.Equal(want) {
		t.Errorf("monthly NextReset = %v, want %v", monthly, want)
	}
}

func TestNextReset_MonthBoundary(t *testing.T) {
	// Dec 31 rolls into the next year.
	at := time.Date(2026, 12, 31, 23, 59, 0, 0, time.UTC)

	daily := quota.NextReset(quota.Daily, at)
	if want := time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC); !daily.Equal(want) {
		t.Errorf("daily NextReset = %v, want %v", daily, want)
	}
}

func TestNewCounter(t *testing.T) {
	now := time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC)
	c := quota.NewCounter("user-1", quota.Daily, 500, now)

	if c.Period != "2026-09-01" {
		t.Errorf("Period = %s", c.Period)
	}
	if c.UsageCount != 0 || c.QuotaLimit != 500 {
		t.Errorf("counter = %d/%d, want 0/500", c.UsageCount, c.QuotaLimit)
	}
	if c.Remaining() != 500 {
		t.Errorf("Remaining() = %d", c.Remaining())
	}
	if !c.ResetAt.Equal(time.Date(2026, 9, 2, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("ResetAt = %v", c.ResetAt)
	}
}

func TestCounter_Expired(t *testing.T) {
	c := quota.NewCounter("user-1", quota.Daily, 100, time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC))

	if c.Expired(time.Date(2026, 9, 1, 23, 59, 59, 0, time.UTC)) {
		t.Error("counter should not be expired inside its period")
	}
	if !c.Expired(time.Date(2026, 9, 2, 0, 0, 0, 0, time.UTC)) {
		t.Error("counter should be expired exactly at ResetAt")
	}
	if !c.Expired(time.Date(2026, 9, 5, 0, 0, 0, 0, time.UTC)) {
		t.Error("counter should be expired days later")
	}
}

func TestCheck(t *testing.T) {
	c := quota.Counter{UsageCount: 480, QuotaLimit: 500}

	ok := quota.Check(c, 20)
	if !ok.Allowed {
		t.Error("cost equal to remaining should be allowed")
	}
	if ok.Remaining != 20 {
		t.Errorf("Remaining = %d, want 20", ok.Remaining)
	}

	denied := quota.Check(c, 30)
	if denied.Allowed {
		t.Error("cost above remaining should be denied")
	}
	if denied.Current != 480 || denied.Limit != 500 {
		t.Errorf("result = %d/%d, want 480/500", denied.Current, denied.Limit)
	}
}

func TestConsume(t *testing.T) {
	c := quota.Counter{UserID: "user-1", UsageCount: 10, QuotaLimit: 100,
		ModelBreakdown: map[string]int64{"model-a": 10}}

	next, err := quota.Consume(c, "model-b", 30)
	if err != nil {
		t.Fatalf("Consume() error = %v", err)
	}
	if next.UsageCount != 40 {
		t.Errorf("UsageCount = %d, want 40", next.UsageCount)
	}
	if next.ModelBreakdown["model-a"] != 10 || next.ModelBreakdown["model-b"] != 30 {
		t.Errorf("breakdown = %v", next.ModelBreakdown)
	}
	// Original counter untouched.
	if c.UsageCount != 10 || c.ModelBreakdown["model-b"] != 0 {
		t.Error("Consume mutated its input")
	}
}

func TestConsume_ToLimit(t *testing.T) {
	c := quota.Counter{UsageCount: 70, QuotaLimit: 100}

	next, err := quota.Consume(c, "m", 30)
	if err != nil {
		t.Fatalf("Consume() error = %v", err)
	}
	if next.Remaining() != 0 {
		t.Errorf("Remaining = %d, want 0", next.Remaining())
	}
}

func TestConsume_OverLimit(t *testing.T) {
	c := quota.Counter{UsageCount: 480, QuotaLimit: 500, ResetAt: time.Date(2026, 9, 2, 0, 0, 0, 0, time.UTC)}

	_, err := quota.Consume(c, "m", 30)

	var insufficient *quota.InsufficientError
	if !errors.As(err, &insufficient) {
		t.Fatalf("expected InsufficientError, got %v", err)
	}
	if insufficient.Required != 30 || insufficient.Remaining != 20 {
		t.Errorf("error = required %d remaining %d, want 30/20", insufficient.Required, insufficient.Remaining)
	}
	if !insufficient.ResetAt.Equal(c.ResetAt) {
		t.Error("ResetAt not carried into error")
	}
}

func TestConsume_SamePeriodKeysHeal(t *testing.T) {
	// Two instants days apart never share a daily key, so a stale counter
	// can always be detected by key comparison alone.
	a := quota.PeriodKey(quota.Daily, time.Date(2026, 9, 1, 23, 0, 0, 0, time.UTC))
	b := quota.PeriodKey(quota.Daily, time.Date(2026, 9, 3, 1, 0, 0, 0, time.UTC))
	if a == b {
		t.Error("distinct days must produce distinct keys")
	}
}

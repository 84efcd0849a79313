package allowance_test

import (
	"testing"
	"time"

	"github.com/artpar/credmeter/domain/allowance"
)

func day(d int, hour int) time.Time {
	return time.Date(2026, 9, d, hour, 0, 0, 0, time.UTC)
}

func active(quota int64) allowance.Allowance {
	return allowance.Allowance{Active: true, DailyQuota: quota}
}

func TestUsable(t *testing.T) {
	now := day(1, 12)

	tests := []struct {
		name string
		a    allowance.Allowance
		want bool
	}{
		{"active no expiry", allowance.Allowance{Active: true}, true},
		{"inactive", allowance.Allowance{Active: false}, false},
		{"active future expiry", allowance.Allowance{Active: true, ExpiresAt: day(2, 0)}, true},
		{"active past expiry", allowance.Allowance{Active: true, ExpiresAt: day(1, 0)}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.a.Usable(now); got != tt.want {
				t.Errorf("Usable() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEvaluate_NotApplicable(t *testing.T) {
	a := allowance.Allowance{Active: false, DailyQuota: 50}

	decision, next := allowance.Evaluate(a, 4, day(1, 12))
	if decision != allowance.NotApplicable {
		t.Errorf("decision = %v, want NotApplicable", decision)
	}
	if next != a {
		t.Error("state must be unchanged")
	}
}

func TestEvaluate_FirstUse(t *testing.T) {
	a := active(50)

	decision, next := allowance.Evaluate(a, 4, day(1, 12))
	if decision != allowance.Reset {
		t.Errorf("decision = %v, want Reset", decision)
	}
	if next.QuotaUsed != 4 {
		t.Errorf("QuotaUsed = %d, want 4", next.QuotaUsed)
	}
	// Marker points at the start of the next day.
	if !next.QuotaResetAt.Equal(day(2, 0)) {
		t.Errorf("QuotaResetAt = %v, want %v", next.QuotaResetAt, day(2, 0))
	}
}

// On the day a reset happened, the marker still points at the next day, so
// a second evaluation re-resets: usage becomes exactly the new quantity.
// Counting against the cap starts once "today" reaches the marker's day.
func TestEvaluate_ResetDayReResets(t *testing.T) {
	a := active(50)
	_, a = allowance.Evaluate(a, 4, day(1, 9)) // marker -> Sep 2

	decision, a := allowance.Evaluate(a, 6, day(1, 15))
	if decision != allowance.Reset {
		t.Errorf("decision = %v, want Reset", decision)
	}
	if a.QuotaUsed != 6 {
		t.Errorf("QuotaUsed = %d, want 6", a.QuotaUsed)
	}
	if !a.QuotaResetAt.Equal(day(2, 0)) {
		t.Errorf("QuotaResetAt = %v, want %v", a.QuotaResetAt, day(2, 0))
	}
}

func TestEvaluate_MarkerDayDenied(t *testing.T) {
	a := active(10)
	_, a = allowance.Evaluate(a, 8, day(1, 9)) // marker -> Sep 2

	decision, next := allowance.Evaluate(a, 4, day(2, 10))
	if decision != allowance.Denied {
		t.Errorf("decision = %v, want Denied", decision)
	}
	if next.QuotaUsed != 8 {
		t.Error("denied evaluation must not change usage")
	}

	// Exactly the remaining quantity still fits.
	decision, next = allowance.Evaluate(a, 2, day(2, 10))
	if decision != allowance.Consumed || next.QuotaUsed != 10 {
		t.Errorf("decision = %v used = %d, want Consumed/10", decision, next.QuotaUsed)
	}
}

// The reset marker stores the start of the NEXT day, so usage on that next
// day matches the marker's day key and continues the current count instead
// of resetting. The reset then happens one day later.
func TestEvaluate_NextDayContinuesCount(t *testing.T) {
	a := active(50)
	_, a = allowance.Evaluate(a, 4, day(1, 12)) // marker -> Sep 2

	decision, a := allowance.Evaluate(a, 6, day(2, 9))
	if decision != allowance.Consumed {
		t.Errorf("decision on marker day = %v, want Consumed", decision)
	}
	if a.QuotaUsed != 10 {
		t.Errorf("QuotaUsed = %d, want 10", a.QuotaUsed)
	}

	decision, a = allowance.Evaluate(a, 3, day(3, 9))
	if decision != allowance.Reset {
		t.Errorf("decision a day after marker = %v, want Reset", decision)
	}
	if a.QuotaUsed != 3 {
		t.Errorf("QuotaUsed after reset = %d, want 3", a.QuotaUsed)
	}
}

func TestEvaluate_SelfHealsAfterGap(t *testing.T) {
	a := active(50)
	_, a = allowance.Evaluate(a, 40, day(1, 12))

	// Ten days of inactivity; one evaluation fully resets the count.
	decision, a := allowance.Evaluate(a, 5, day(11, 8))
	if decision != allowance.Reset {
		t.Errorf("decision = %v, want Reset", decision)
	}
	if a.QuotaUsed != 5 {
		t.Errorf("QuotaUsed = %d, want 5", a.QuotaUsed)
	}
	if !a.QuotaResetAt.Equal(day(12, 0)) {
		t.Errorf("QuotaResetAt = %v, want %v", a.QuotaResetAt, day(12, 0))
	}
}

func TestEvaluate_ResetIgnoresOldCount(t *testing.T) {
	// Even a maxed-out allowance resets to exactly the requested quantity.
	a := active(10)
	a.QuotaUsed = 10
	a.QuotaResetAt = day(1, 0)

	decision, next := allowance.Evaluate(a, 7, day(5, 12))
	if decision != allowance.Reset || next.QuotaUsed != 7 {
		t.Errorf("decision = %v used = %d, want Reset/7", decision, next.QuotaUsed)
	}
}

func TestEvaluate_ExpiredMidGrant(t *testing.T) {
	a := active(50)
	a.ExpiresAt = day(3, 0)
	_, a = allowance.Evaluate(a, 4, day(1, 12))

	decision, _ := allowance.Evaluate(a, 4, day(4, 12))
	if decision != allowance.NotApplicable {
		t.Errorf("decision = %v, want NotApplicable after expiry", decision)
	}
}

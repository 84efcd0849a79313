// Package quota provides pure functions for period-scoped quota counters.
// Counters are independent of the credit ledger: they cap what subscription
// users may consume per day regardless of any pay-as-you-go balance.
package quota

import (
	"fmt"
	"time"
)

// FreeDailyLimit is the daily quota applied when a user has no active plan.
const FreeDailyLimit = 10

// Type scopes a counter to a calendar period kind.
type Type string

const (
	Daily   Type = "daily"
	Monthly Type = "monthly"
)

// Counter is the persisted state for one (user, period, type).
type Counter struct {
	ID             string
	UserID         string
	QuotaType      Type
	Period         string // period key, e.g. "2026-09-01" for daily
	UsageCount     int64
	QuotaLimit     int64
	ModelBreakdown map[string]int64 // usage per model id
	ResetAt        time.Time        // start of the next period
}

// Remaining returns the quota left in the counter's period.
func (c Counter) Remaining() int64 { return c.QuotaLimit - c.UsageCount }

// Expired reports whether the counter belongs to a finished period.
func (c Counter) Expired(now time.Time) bool { return !now.Before(c.ResetAt) }

// InsufficientError is returned when a consumption exceeds remaining quota.
type InsufficientError struct {
	Required  int64
	Remaining int64
	ResetAt   time.Time
}

func (e *InsufficientError) Error() string {
	return fmt.Sprintf("insufficient quota: required %d, remaining %d, resets at %s",
		e.Required, e.Remaining, e.ResetAt.UTC().Format(time.RFC3339))
}

// PeriodKey returns the calendar key for a time, e.g. "2026-09-01" for daily
// or "2026-09" for monthly. Keys compare equal exactly when two instants fall
// in the same period, which makes resets self-healing across downtime.
// This is a PURE function.
func PeriodKey(typ Type, t time.Time) string {
	u := t.UTC()
	if typ == Monthly {
		return u.Format("2006-01")
	}
	return u.Format("2006-01-02")
}

// NextReset returns the start of the period after the one containing t.
// This is a PURE function.
func NextReset(typ Type, t time.Time) time.Time {
	u := t.UTC()
	if typ == Monthly {
		return time.Date(u.Year(), u.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
	}
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
}

// NewCounter returns a zeroed counter for the period containing now.
// This is a PURE function.
func NewCounter(userID string, typ Type, limit int64, now time.Time) Counter {
	return Counter{
		UserID:         userID,
		QuotaType:      typ,
		Period:         PeriodKey(typ, now),
		UsageCount:     0,
		QuotaLimit:     limit,
		ModelBreakdown: map[string]int64{},
		ResetAt:        NextReset(typ, now),
	}
}

// CheckResult is the outcome of a read-only quota check.
type CheckResult struct {
	Allowed   bool
	Current   int64
	Limit     int64
	Remaining int64
	ResetAt   time.Time
}

// Check reports whether cost fits in the counter's remaining quota.
// This is a PURE function - no side effects.
func Check(c Counter, cost int64) CheckResult {
	remaining := c.Remaining()
	return CheckResult{
		Allowed:   remaining >= cost,
		Current:   c.UsageCount,
		Limit:     c.QuotaLimit,
		Remaining: remaining,
		ResetAt:   c.ResetAt,
	}
}

// Consume returns a copy of c with cost added to the usage count and to the
// per-model breakdown. It fails if the increment would exceed the limit, so
// usageCount <= quotaLimit holds after every successful consume.
// This is a PURE function.
func Consume(c Counter, modelID string, cost int64) (Counter, error) {
	if c.UsageCount+cost > c.QuotaLimit {
		return Counter{}, &InsufficientError{Required: cost, Remaining: c.Remaining(), ResetAt: c.ResetAt}
	}
	next := c
	next.UsageCount += cost
	next.ModelBreakdown = make(map[string]int64, len(c.ModelBreakdown)+1)
	for k, v := range c.ModelBreakdown {
		next.ModelBreakdown[k] = v
	}
	next.ModelBreakdown[modelID] += cost
	return next, nil
}

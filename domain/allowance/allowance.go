// Package allowance provides the unlimited-allowance state machine.
// The allowance is a third, feature-specific daily cap that lives on the user
// record, separate from both the credit ledger and the generic quota counter.
// It exists for exactly one premium feature (pose generation).
package allowance

import "time"

// Allowance is the per-user unlimited-allowance state (embedded on the user).
type Allowance struct {
	Active       bool
	DailyQuota   int64
	QuotaUsed    int64
	QuotaResetAt time.Time // period marker of the last reset; zero means never
	ExpiresAt    time.Time // zero means no expiry
}

// Expired reports whether the allowance grant has lapsed.
func (a Allowance) Expired(now time.Time) bool {
	return !a.ExpiresAt.IsZero() && a.ExpiresAt.Before(now)
}

// Usable reports whether the allowance can be consulted at all.
// An inactive or expired allowance falls through to credit billing.
func (a Allowance) Usable(now time.Time) bool {
	return a.Active && !a.Expired(now)
}

// Decision is the outcome of evaluating a consumption against the allowance.
type Decision int

const (
	// NotApplicable: allowance inactive or expired; charge credits instead.
	NotApplicable Decision = iota
	// Reset: new period; usage restarts at exactly the requested quantity.
	Reset
	// Consumed: same period and quota available; usage incremented.
	Consumed
	// Denied: same period but quantity exceeds remaining quota.
	Denied
)

// dayKey collapses a time to its calendar day in UTC.
func dayKey(t time.Time) string { return t.UTC().Format("2006-01-02") }

// Evaluate decides how a consumption of quantity applies to the allowance.
// The reset decision compares period markers rather than elapsed time: any
// mismatch between today's key and the stored marker, including gaps of many
// days, triggers a full reset with QuotaUsed set to exactly quantity. This is
// what lets the allowance self-heal across arbitrary downtime without
// double-counting or skipping resets.
// This is a PURE function; the returned Allowance is the next state.
func Evaluate(a Allowance, quantity int64, now time.Time) (Decision, Allowance) {
	if !a.Usable(now) {
		return NotApplicable, a
	}

	if a.QuotaResetAt.IsZero() || dayKey(now) != dayKey(a.QuotaResetAt) {
		next := a
		next.QuotaUsed = quantity
		// Marker points at the start of the next period; its day key is
		// compared against "today" on the following call.
		next.QuotaResetAt = time.Date(now.UTC().Year(), now.UTC().Month(), now.UTC().Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
		return Reset, next
	}

	if a.DailyQuota-a.QuotaUsed < quantity {
		return Denied, a
	}

	next := a
	next.QuotaUsed += quantity
	return Consumed, next
}

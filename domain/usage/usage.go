// Package usage provides app usage events and aggregates.
// One event is recorded per charge, including zero-cost enterprise charges,
// so analytics see everything the ledger does not.
package usage

import "time"

// Event is one recorded paid (or override) action.
type Event struct {
	ID         string
	UserID     string
	AppID      string
	ModelKey   string
	Action     string
	CreditUsed int64 // 0 for enterprise override and allowance usage
	QuotaUsed  int64
	Enterprise bool
	JobID      string
	Timestamp  time.Time
}

// AppStats aggregates events for one app.
type AppStats struct {
	AppID       string
	Operations  int64
	CreditsUsed int64
}

// Stats is a per-user usage summary.
type Stats struct {
	UserID      string
	Operations  int64
	CreditsUsed int64
	ByApp       map[string]AppStats
}

// Aggregate folds events into a Stats summary.
// This is a PURE function.
func Aggregate(userID string, events []Event) Stats {
	s := Stats{UserID: userID, ByApp: map[string]AppStats{}}
	for _, e := range events {
		s.Operations++
		s.CreditsUsed += e.CreditUsed
		app := s.ByApp[e.AppID]
		app.AppID = e.AppID
		app.Operations++
		app.CreditsUsed += e.CreditUsed
		s.ByApp[e.AppID] = app
	}
	return s
}

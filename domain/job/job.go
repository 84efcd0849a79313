// Package job provides the accounting record for batch generation jobs and
// its status machine: pending → charged → {completed | partial | failed}.
// A partial or failed job transitions at most once into a refunded terminal
// state; completed jobs never trigger refunds.
package job

import (
	"fmt"
	"time"
)

// Status is a job's accounting state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCharged   Status = "charged"
	StatusCompleted Status = "completed"
	StatusPartial   Status = "partial" // some units failed, refunded
	StatusFailed    Status = "failed"  // all units failed, refunded
)

// UsageType records which consumable a job was charged against.
type UsageType string

const (
	UsageCredit    UsageType = "credit"
	UsageQuota     UsageType = "quota"
	UsageAllowance UsageType = "allowance" // unlimited allowance, zero charge
	UsageNone      UsageType = "none"      // enterprise override, zero charge
)

// Job is the accounting view of one batch generation job.
type Job struct {
	ID             string
	UserID         string
	AppID          string
	ModelKey       string
	Status         Status
	UsageType      UsageType
	TotalUnits     int64
	UnitsCompleted int64
	UnitsFailed    int64
	WithAddOn      bool
	CreditCharged  int64 // 0 for allowance/override jobs
	CreditRefunded int64 // non-zero exactly once, after compensation
	LedgerEntryID  string
	QueueJobID     string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	CompletedAt    *time.Time
}

// Refunded reports whether compensation already ran for this job.
func (j Job) Refunded() bool { return j.CreditRefunded > 0 }

// Settled reports whether the job reached a terminal accounting state.
func (j Job) Settled() bool {
	switch j.Status {
	case StatusCompleted, StatusPartial, StatusFailed:
		return true
	}
	return false
}

// OutcomeStatus derives the terminal status from per-unit results.
// This is a PURE function.
func OutcomeStatus(completed, failed int64) Status {
	switch {
	case failed == 0:
		return StatusCompleted
	case completed > 0:
		return StatusPartial
	default:
		return StatusFailed
	}
}

// ValidTransition reports whether moving from one status to another is legal.
// This is a PURE function.
func ValidTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusCharged || to == StatusFailed
	case StatusCharged:
		return to == StatusCompleted || to == StatusPartial || to == StatusFailed
	default:
		return false
	}
}

// TransitionError is returned on an illegal status transition.
type TransitionError struct {
	JobID    string
	From, To Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("job %s: illegal transition %s -> %s", e.JobID, e.From, e.To)
}

// Package plan provides subscription plan and subscription value types.
package plan

import (
	"time"

	"github.com/artpar/credmeter/domain/entitlement"
)

// BillingCycle is how often a subscription renews.
type BillingCycle string

const (
	CycleMonthly BillingCycle = "monthly"
	CycleYearly  BillingCycle = "yearly"
)

// Plan is a subscription tier definition (value type).
type Plan struct {
	ID           string
	Name         string
	Tier         entitlement.Tier
	DailyQuota   int64
	MonthlyQuota int64
	MaxModelTier entitlement.Tier
	PriceCents   int64
	BillingCycle BillingCycle
	Enabled      bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Status is a subscription lifecycle state.
type Status string

const (
	StatusActive    Status = "active"
	StatusCancelled Status = "cancelled"
	StatusExpired   Status = "expired"
)

// Subscription links a user to a plan for a billing period (value type).
type Subscription struct {
	ID           string
	UserID       string
	PlanID       string
	Status       Status
	StartDate    time.Time
	EndDate      time.Time
	BillingCycle BillingCycle
	AutoRenew    bool
	CancelledAt  *time.Time
	CancelReason string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// IsActive reports whether the subscription entitles the user right now.
func (s Subscription) IsActive(now time.Time) bool {
	return s.Status == StatusActive && s.EndDate.After(now)
}

// PeriodEnd returns the end of a period starting at from for the cycle.
// This is a PURE function.
func PeriodEnd(cycle BillingCycle, from time.Time) time.Time {
	if cycle == CycleYearly {
		return from.AddDate(1, 0, 0)
	}
	return from.AddDate(0, 1, 0)
}

// ShouldExpire reports whether the sweep must move s to expired:
// past its end date with auto-renew off. Renewal of auto-renew
// subscriptions is driven by payment confirmation, not the sweep.
func ShouldExpire(s Subscription, now time.Time) bool {
	return s.Status == StatusActive && !s.EndDate.After(now) && !s.AutoRenew
}

// Package account provides user account value types.
// The account carries the three billing-relevant facets of a user: billing
// mode, subscription tier, and the capability-tag set used for the
// enterprise override, plus the embedded unlimited allowance.
package account

import (
	"time"

	"github.com/artpar/credmeter/domain/allowance"
	"github.com/artpar/credmeter/domain/entitlement"
)

// BillingMode selects which consumable backs a user's paid operations.
type BillingMode string

const (
	ModePayAsYouGo   BillingMode = "payg"         // credit ledger
	ModeSubscription BillingMode = "subscription" // quota counters
)

// Tag is a typed capability flag on a user account.
type Tag string

// TagEnterpriseUnlimited bypasses all charging for allow-listed apps.
// Usage is still recorded at zero cost for analytics.
const TagEnterpriseUnlimited Tag = "enterprise_unlimited"

// TagSet is a set of capability tags.
type TagSet map[Tag]struct{}

// NewTagSet builds a set from a list of tags.
func NewTagSet(tags ...Tag) TagSet {
	s := make(TagSet, len(tags))
	for _, t := range tags {
		s[t] = struct{}{}
	}
	return s
}

// Has reports membership.
func (s TagSet) Has(t Tag) bool {
	_, ok := s[t]
	return ok
}

// List returns the tags in the set (order unspecified).
func (s TagSet) List() []Tag {
	out := make([]Tag, 0, len(s))
	for t := range s {
		out = append(out, t)
	}
	return out
}

// User is an account as the accounting core sees it.
type User struct {
	ID           string
	Email        string
	Name         string
	PasswordHash []byte // bcrypt, optional (CLI/admin users only)
	BillingMode  BillingMode
	Tier         entitlement.Tier
	Tags         TagSet
	Allowance    allowance.Allowance
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// EffectiveTier returns the user's tier, defaulting to free.
func (u User) EffectiveTier() entitlement.Tier {
	if u.Tier.Valid() {
		return u.Tier
	}
	return entitlement.TierFree
}

// HasEnterpriseOverride reports whether the user carries the override tag
// and appID is in the allow-list of apps the override applies to.
// This is a PURE function.
func HasEnterpriseOverride(u User, appID string, allowedApps []string) bool {
	if !u.Tags.Has(TagEnterpriseUnlimited) {
		return false
	}
	for _, a := range allowedApps {
		if a == appID {
			return true
		}
	}
	return false
}

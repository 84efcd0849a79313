// Package entitlement provides tier-hierarchy access checks.
// Entitlements gate which models a subscription tier may use; they never
// touch balances or quotas.
package entitlement

import "fmt"

// Tier is a subscription tier. Tiers form a strict nested hierarchy:
// free ⊂ basic ⊂ pro ⊂ enterprise.
type Tier string

const (
	TierFree       Tier = "free"
	TierBasic      Tier = "basic"
	TierPro        Tier = "pro"
	TierEnterprise Tier = "enterprise"
)

// rank orders tiers for hierarchy checks. Unknown tiers rank below free.
func rank(t Tier) int {
	switch t {
	case TierFree:
		return 0
	case TierBasic:
		return 1
	case TierPro:
		return 2
	case TierEnterprise:
		return 3
	default:
		return -1
	}
}

// Includes reports whether a user at tier t may use features requiring
// the given tier. This is a PURE function.
func (t Tier) Includes(required Tier) bool {
	return rank(t) >= 0 && rank(required) >= 0 && rank(t) >= rank(required)
}

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool { return rank(t) >= 0 }

// Model is the catalog metadata the resolver needs about a model.
// Read-only with respect to the accounting core; owned by the catalog.
type Model struct {
	Key           string // "appId:modelId"
	AppID         string
	ModelID       string
	Name          string
	Provider      string
	Tier          Tier // minimum tier required
	Enabled       bool
	FlatCost      int64   // credits per invocation
	QuotaCost     int64   // quota units per invocation
	CostPerSecond float64 // video models: credits per second of output
	CostPerPixel  float64 // image models: credits per megapixel
	UnitCost      int64   // batch models: credits per generated unit
	AddOnUnitCost int64   // batch models: surcharge per unit for the add-on
}

// DeniedError explains why model access was refused.
type DeniedError struct {
	ModelKey     string
	Reason       string
	RequiredTier Tier // empty when the denial is not tier-related
}

func (e *DeniedError) Error() string {
	if e.RequiredTier != "" {
		return fmt.Sprintf("access to %s denied: %s (requires %s tier)", e.ModelKey, e.Reason, e.RequiredTier)
	}
	return fmt.Sprintf("access to %s denied: %s", e.ModelKey, e.Reason)
}

// CheckModel decides whether a user at userTier may use the model.
// Returns nil when allowed. This is a PURE function.
func CheckModel(userTier Tier, m Model) error {
	if !m.Enabled {
		return &DeniedError{ModelKey: m.Key, Reason: "model is currently disabled"}
	}
	if !userTier.Includes(m.Tier) {
		return &DeniedError{
			ModelKey:     m.Key,
			Reason:       fmt.Sprintf("this model requires %s tier or higher", m.Tier),
			RequiredTier: m.Tier,
		}
	}
	return nil
}

// Package cost derives the price of a requested operation.
// Costs are computed from stored model metadata plus caller-supplied
// quantities only; a cost value sent by a client is never trusted.
package cost

import (
	"math"

	"github.com/artpar/credmeter/domain/entitlement"
)

// Quantities are the caller-supplied sizing inputs for an operation.
// They describe how much work is requested, never what it should cost.
type Quantities struct {
	DurationSeconds float64 // video generation
	Width, Height   int     // image generation, pixels
	Units           int64   // batch generation: generated items
	BatchSize       int64   // batch generation: variants per selected item
	Selected        int64   // batch generation: selected reference items
	WithAddOn       bool    // batch add-on feature (background changer)
}

// Cost is the derived price of one operation.
type Cost struct {
	Credits int64 // charged against the ledger for payg users
	Quota   int64 // charged against the period counter for subscribers
}

// UnitCount resolves the number of units a batch request produces.
// Gallery-style requests produce Selected × BatchSize; otherwise Units is
// taken as-is. This is a PURE function.
func UnitCount(q Quantities) int64 {
	if q.Selected > 0 {
		bs := q.BatchSize
		if bs <= 0 {
			bs = 4
		}
		return q.Selected * bs
	}
	if q.Units > 0 {
		return q.Units
	}
	return 4
}

// ForModel computes the cost of invoking m with quantities q.
// Per-second and per-pixel rates override the flat cost when the relevant
// quantity is present; batch unit pricing overrides both.
// This is a PURE function.
func ForModel(m entitlement.Model, q Quantities) Cost {
	credits := m.FlatCost

	if m.CostPerSecond > 0 && q.DurationSeconds > 0 {
		credits = int64(math.Ceil(m.CostPerSecond * q.DurationSeconds))
	}

	if m.CostPerPixel > 0 && q.Width > 0 && q.Height > 0 {
		megapixels := float64(q.Width*q.Height) / 1e6
		credits = int64(math.Ceil(m.CostPerPixel * megapixels))
	}

	if m.UnitCost > 0 {
		units := UnitCount(q)
		credits = units * m.UnitCost
		if q.WithAddOn {
			credits += units * m.AddOnUnitCost
		}
	}

	quota := m.QuotaCost
	if quota == 0 {
		quota = 1
	}

	return Cost{Credits: credits, Quota: quota}
}

// ForUnits prices a batch of n units at m's unit rate, with the optional
// add-on surcharge. Used by the coordinator and by proportional refunds.
// This is a PURE function.
func ForUnits(m entitlement.Model, n int64, withAddOn bool) int64 {
	c := n * m.UnitCost
	if withAddOn {
		c += n * m.AddOnUnitCost
	}
	return c
}

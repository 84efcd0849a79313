// Package credit provides ledger value types and pure functions.
// The ledger is append-only: a balance is only ever changed by appending
// a new signed entry carrying the post-entry balance snapshot.
package credit

import (
	"fmt"
	"time"
)

// EntryType classifies a ledger entry.
type EntryType string

const (
	TypeUsage      EntryType = "usage"       // negative: paid operation
	TypePurchase   EntryType = "purchase"    // positive: credit top-up
	TypeBonus      EntryType = "bonus"       // positive: promotional grant
	TypeAdminGrant EntryType = "admin_grant" // positive: manual grant
	TypeRefund     EntryType = "refund"      // positive: reversal of usage
)

// ReferenceType identifies what a ledger entry points at.
type ReferenceType string

const (
	RefGeneration ReferenceType = "generation" // batch generation job
	RefAppUsage   ReferenceType = "app_usage"
	RefPayment    ReferenceType = "payment"
	RefAdmin      ReferenceType = "admin"
)

// Entry is one immutable signed balance delta for one user.
// Balance is the running total after this entry was applied.
type Entry struct {
	ID            string
	UserID        string
	Amount        int64 // signed delta; negative for usage
	Balance       int64 // snapshot after applying Amount
	Type          EntryType
	Description   string
	ReferenceID   string
	ReferenceType ReferenceType
	CreatedAt     time.Time
}

// IsDebit reports whether the entry reduced the balance.
func (e Entry) IsDebit() bool { return e.Amount < 0 }

// InsufficientError is returned when a deduction exceeds the current balance.
// It carries both sides so callers can show required vs available.
type InsufficientError struct {
	Required  int64
	Available int64
}

func (e *InsufficientError) Error() string {
	return fmt.Sprintf("insufficient credits: required %d, available %d", e.Required, e.Available)
}

// Deduction computes the usage entry that would deduct amount from the
// balance carried by prev. A zero-value prev means an empty ledger.
// This is a PURE function: the caller is responsible for running it against
// a balance read inside the same transaction that appends the result.
func Deduction(prev Entry, userID string, amount int64, description string, refID string, refType ReferenceType, now time.Time) (Entry, error) {
	if amount <= 0 {
		return Entry{}, fmt.Errorf("deduction amount must be positive, got %d", amount)
	}
	current := prev.Balance
	if current < amount {
		return Entry{}, &InsufficientError{Required: amount, Available: current}
	}
	return Entry{
		UserID:        userID,
		Amount:        -amount,
		Balance:       current - amount,
		Type:          TypeUsage,
		Description:   description,
		ReferenceID:   refID,
		ReferenceType: refType,
		CreatedAt:     now,
	}, nil
}

// Addition computes a positive entry on top of prev.
// Used for purchases, bonuses, admin grants and refunds.
func Addition(prev Entry, userID string, amount int64, typ EntryType, description string, refID string, refType ReferenceType, now time.Time) (Entry, error) {
	if amount <= 0 {
		return Entry{}, fmt.Errorf("addition amount must be positive, got %d", amount)
	}
	if typ == TypeUsage {
		return Entry{}, fmt.Errorf("usage entries cannot be additions")
	}
	return Entry{
		UserID:        userID,
		Amount:        amount,
		Balance:       prev.Balance + amount,
		Type:          typ,
		Description:   description,
		ReferenceID:   refID,
		ReferenceType: refType,
		CreatedAt:     now,
	}, nil
}

// Verify replays entries in order, summing Amount from zero, and checks every
// stored Balance snapshot. Entries must be in creation order for one user.
// This is a PURE function.
func Verify(entries []Entry) error {
	var running int64
	for i, e := range entries {
		running += e.Amount
		if e.Balance != running {
			return fmt.Errorf("ledger inconsistent at entry %d (%s): balance %d, replay %d", i, e.ID, e.Balance, running)
		}
		if e.Balance < 0 {
			return fmt.Errorf("ledger negative at entry %d (%s): balance %d", i, e.ID, e.Balance)
		}
	}
	return nil
}

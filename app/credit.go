// Package app contains the application services that orchestrate the
// accounting core: domain logic stays pure, I/O happens at the edges via
// injected stores, and every balance mutation runs inside a serializable
// unit of work.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/artpar/credmeter/adapters/metrics"
	"github.com/artpar/credmeter/domain/credit"
	"github.com/artpar/credmeter/ports"
)

// RefundDedupWindow is how far back a refund looks for an earlier refund
// with the same reference id before writing a new one.
const RefundDedupWindow = 24 * time.Hour

// CreditService manages the append-only credit ledger.
type CreditService struct {
	uow     ports.UnitOfWork
	ledger  ports.LedgerStore
	clock   ports.Clock
	idGen   ports.IDGenerator
	metrics *metrics.Collector
	logger  zerolog.Logger
}

// NewCreditService creates a credit service.
func NewCreditService(
	uow ports.UnitOfWork,
	ledger ports.LedgerStore,
	clock ports.Clock,
	idGen ports.IDGenerator,
	m *metrics.Collector,
	logger zerolog.Logger,
) *CreditService {
	return &CreditService{
		uow:     uow,
		ledger:  ledger,
		clock:   clock,
		idGen:   idGen,
		metrics: m,
		logger:  logger,
	}
}

// Balance returns the user's current balance: the snapshot on the latest
// ledger entry, zero for an empty ledger.
func (s *CreditService) Balance(ctx context.Context, userID string) (int64, error) {
	latest, err := s.ledger.Latest(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("read balance: %w", err)
	}
	return latest.Balance, nil
}

// DeductParams describe one balance deduction.
type DeductParams struct {
	UserID        string
	Amount        int64
	Description   string
	ReferenceID   string
	ReferenceType credit.ReferenceType
}

// Deduct atomically deducts amount from the user's balance. The balance is
// re-read inside the transaction, so concurrent deductions serialize and
// the balance can never go negative. Returns the written entry.
func (s *CreditService) Deduct(ctx context.Context, p DeductParams) (credit.Entry, error) {
	var written credit.Entry
	err := runSerializable(ctx, s.uow, s.countRetry, func(tx ports.Tx) error {
		latest, err := tx.Ledger().Latest(ctx, p.UserID)
		if err != nil {
			return err
		}
		entry, err := credit.Deduction(latest, p.UserID, p.Amount, p.Description, p.ReferenceID, p.ReferenceType, s.clock.Now())
		if err != nil {
			return err
		}
		entry.ID = s.idGen.New()
		if err := tx.Ledger().Append(ctx, entry); err != nil {
			return err
		}
		written = entry
		return nil
	})
	if err != nil {
		return credit.Entry{}, err
	}

	if s.metrics != nil {
		s.metrics.CreditsCharged.Add(float64(p.Amount))
	}
	s.logger.Info().
		Str("user_id", p.UserID).
		Int64("amount", p.Amount).
		Int64("balance", written.Balance).
		Str("reference_id", p.ReferenceID).
		Msg("credits deducted")
	return written, nil
}

// AddParams describe one balance addition.
type AddParams struct {
	UserID        string
	Amount        int64
	Type          credit.EntryType
	Description   string
	ReferenceID   string
	ReferenceType credit.ReferenceType
}

// Add atomically appends a positive entry (purchase, bonus, admin grant).
func (s *CreditService) Add(ctx context.Context, p AddParams) (credit.Entry, error) {
	var written credit.Entry
	err := runSerializable(ctx, s.uow, s.countRetry, func(tx ports.Tx) error {
		latest, err := tx.Ledger().Latest(ctx, p.UserID)
		if err != nil {
			return err
		}
		entry, err := credit.Addition(latest, p.UserID, p.Amount, p.Type, p.Description, p.ReferenceID, p.ReferenceType, s.clock.Now())
		if err != nil {
			return err
		}
		entry.ID = s.idGen.New()
		if err := tx.Ledger().Append(ctx, entry); err != nil {
			return err
		}
		written = entry
		return nil
	})
	if err != nil {
		return credit.Entry{}, err
	}

	s.logger.Info().
		Str("user_id", p.UserID).
		Int64("amount", p.Amount).
		Str("type", string(p.Type)).
		Int64("balance", written.Balance).
		Msg("credits added")
	return written, nil
}

// RefundResult is the outcome of a refund request.
type RefundResult struct {
	Entry     credit.Entry
	Duplicate bool // an earlier refund for the same reference was found
}

// Refund returns amount credits to the user, keyed by referenceID.
// A refund for the same reference within RefundDedupWindow is not written
// again; the original entry is returned flagged as a duplicate.
// A zero amount (allowance or enterprise usage) writes nothing.
func (s *CreditService) Refund(ctx context.Context, userID string, amount int64, description, referenceID string, refType credit.ReferenceType) (RefundResult, error) {
	if amount == 0 {
		return RefundResult{}, nil
	}

	var result RefundResult
	err := runSerializable(ctx, s.uow, s.countRetry, func(tx ports.Tx) error {
		result = RefundResult{}
		now := s.clock.Now()
		prior, found, err := tx.Ledger().FindByReference(ctx, userID, referenceID, credit.TypeRefund, now.Add(-RefundDedupWindow))
		if err != nil {
			return err
		}
		if found {
			result = RefundResult{Entry: prior, Duplicate: true}
			return nil
		}

		latest, err := tx.Ledger().Latest(ctx, userID)
		if err != nil {
			return err
		}
		entry, err := credit.Addition(latest, userID, amount, credit.TypeRefund, description, referenceID, refType, now)
		if err != nil {
			return err
		}
		entry.ID = s.idGen.New()
		if err := tx.Ledger().Append(ctx, entry); err != nil {
			return err
		}
		result = RefundResult{Entry: entry}
		return nil
	})
	if err != nil {
		return RefundResult{}, err
	}

	if result.Duplicate {
		if s.metrics != nil {
			s.metrics.DuplicateRefunds.Inc()
		}
		s.logger.Warn().
			Str("user_id", userID).
			Str("reference_id", referenceID).
			Msg("duplicate refund suppressed")
		return result, nil
	}

	if s.metrics != nil {
		s.metrics.CreditsRefunded.Add(float64(amount))
	}
	s.logger.Info().
		Str("user_id", userID).
		Int64("amount", amount).
		Str("reference_id", referenceID).
		Int64("balance", result.Entry.Balance).
		Msg("credits refunded")
	return result, nil
}

// History returns the user's ledger entries newest-first plus the total count.
func (s *CreditService) History(ctx context.Context, userID string, limit, offset int) ([]credit.Entry, int64, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	entries, err := s.ledger.List(ctx, userID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list ledger: %w", err)
	}
	total, err := s.ledger.Count(ctx, userID)
	if err != nil {
		return nil, 0, fmt.Errorf("count ledger: %w", err)
	}
	return entries, total, nil
}

func (s *CreditService) countRetry() {
	if s.metrics != nil {
		s.metrics.TxConflictRetries.Inc()
	}
}

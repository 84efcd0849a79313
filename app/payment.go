package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/artpar/credmeter/domain/credit"
	"github.com/artpar/credmeter/ports"
)

// PaymentService turns confirmed payment provider events into ledger
// entries. Providers retry webhook delivery, so crediting is idempotent on
// the payment id.
type PaymentService struct {
	provider ports.PaymentProvider
	uow      ports.UnitOfWork
	clock    ports.Clock
	idGen    ports.IDGenerator
	logger   zerolog.Logger
}

// NewPaymentService creates a payment service.
func NewPaymentService(provider ports.PaymentProvider, uow ports.UnitOfWork, clock ports.Clock, idGen ports.IDGenerator, logger zerolog.Logger) *PaymentService {
	return &PaymentService{provider: provider, uow: uow, clock: clock, idGen: idGen, logger: logger}
}

// HandleWebhook verifies and processes one provider event. Events that are
// valid but not credit purchases are acknowledged and ignored; a purchase
// already credited is acknowledged without a second entry.
func (s *PaymentService) HandleWebhook(ctx context.Context, payload []byte, signature string) error {
	topUp, err := s.provider.ParseTopUp(payload, signature)
	if errors.Is(err, ports.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("parse payment event: %w", err)
	}

	credited, err := s.Credit(ctx, topUp)
	if err != nil {
		return err
	}
	if credited {
		s.logger.Info().
			Str("user_id", topUp.UserID).
			Int64("credits", topUp.Credits).
			Str("payment_id", topUp.PaymentID).
			Str("provider", s.provider.Name()).
			Msg("credit purchase applied")
	} else {
		s.logger.Warn().
			Str("payment_id", topUp.PaymentID).
			Msg("duplicate payment event ignored")
	}
	return nil
}

// Credit applies a confirmed top-up to the user's ledger, at most once per
// payment id. Returns false when the purchase was already credited.
func (s *PaymentService) Credit(ctx context.Context, t ports.TopUp) (bool, error) {
	if t.Credits <= 0 {
		return false, fmt.Errorf("top-up of %d credits for user %s", t.Credits, t.UserID)
	}

	var credited bool
	err := runSerializable(ctx, s.uow, nil, func(tx ports.Tx) error {
		credited = false
		if _, found, err := tx.Ledger().FindByReference(ctx, t.UserID, t.PaymentID, credit.TypePurchase, time.Time{}); err != nil {
			return err
		} else if found {
			return nil
		}

		latest, err := tx.Ledger().Latest(ctx, t.UserID)
		if err != nil {
			return err
		}
		desc := fmt.Sprintf("credit purchase (%d credits)", t.Credits)
		entry, err := credit.Addition(latest, t.UserID, t.Credits, credit.TypePurchase, desc, t.PaymentID, credit.RefPayment, s.clock.Now())
		if err != nil {
			return err
		}
		entry.ID = s.idGen.New()
		if err := tx.Ledger().Append(ctx, entry); err != nil {
			return err
		}
		credited = true
		return nil
	})
	return credited, err
}

package app

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/artpar/credmeter/domain/allowance"
	"github.com/artpar/credmeter/domain/quota"
	"github.com/artpar/credmeter/ports"
)

// AllowanceService manages the per-user unlimited allowance: a daily cap on
// one premium feature that bypasses credit billing while it lasts.
type AllowanceService struct {
	uow    ports.UnitOfWork
	users  ports.UserStore
	clock  ports.Clock
	logger zerolog.Logger
}

// NewAllowanceService creates an allowance service.
func NewAllowanceService(uow ports.UnitOfWork, users ports.UserStore, clock ports.Clock, logger zerolog.Logger) *AllowanceService {
	return &AllowanceService{uow: uow, users: users, clock: clock, logger: logger}
}

// Use tries to cover a consumption of quantity units with the user's
// allowance. It returns (true, nil) when the allowance absorbed the usage,
// (false, nil) when the allowance does not apply and the caller should fall
// through to credit billing, and (false, *quota.InsufficientError) when the
// allowance applies but today's cap is exhausted.
func (s *AllowanceService) Use(ctx context.Context, userID string, quantity int64) (bool, error) {
	var used bool
	var denied *quota.InsufficientError

	err := runSerializable(ctx, s.uow, nil, func(tx ports.Tx) error {
		var err error
		used, denied, err = s.useTx(ctx, tx, userID, quantity)
		return err
	})
	if err != nil {
		return false, err
	}
	if denied != nil {
		return false, denied
	}
	return used, nil
}

// useTx is the transactional core of Use, shared with the charge
// coordinator so the allowance update and the job update commit together.
func (s *AllowanceService) useTx(ctx context.Context, tx ports.Tx, userID string, quantity int64) (bool, *quota.InsufficientError, error) {
	u, err := tx.Users().Get(ctx, userID)
	if err != nil {
		return false, nil, err
	}

	now := s.clock.Now()
	decision, next := allowance.Evaluate(u.Allowance, quantity, now)
	switch decision {
	case allowance.NotApplicable:
		return false, nil, nil
	case allowance.Denied:
		return false, &quota.InsufficientError{
			Required:  quantity,
			Remaining: u.Allowance.DailyQuota - u.Allowance.QuotaUsed,
			ResetAt:   u.Allowance.QuotaResetAt,
		}, nil
	}

	u.Allowance = next
	u.UpdatedAt = now
	if err := tx.Users().Update(ctx, u); err != nil {
		return false, nil, err
	}

	if decision == allowance.Reset {
		s.logger.Info().
			Str("user_id", userID).
			Int64("quantity", quantity).
			Time("next_reset", next.QuotaResetAt).
			Msg("allowance period reset")
	}
	return true, nil, nil
}

// Grant activates (or replaces) a user's allowance.
func (s *AllowanceService) Grant(ctx context.Context, userID string, a allowance.Allowance) error {
	return runSerializable(ctx, s.uow, nil, func(tx ports.Tx) error {
		u, err := tx.Users().Get(ctx, userID)
		if err != nil {
			return err
		}
		u.Allowance = a
		u.UpdatedAt = s.clock.Now()
		return tx.Users().Update(ctx, u)
	})
}

// Status returns the user's allowance state.
func (s *AllowanceService) Status(ctx context.Context, userID string) (allowance.Allowance, error) {
	u, err := s.users.Get(ctx, userID)
	if err != nil {
		return allowance.Allowance{}, err
	}
	return u.Allowance, nil
}

package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/artpar/credmeter/domain/account"
	"github.com/artpar/credmeter/domain/entitlement"
	"github.com/artpar/credmeter/domain/plan"
	"github.com/artpar/credmeter/domain/quota"
	"github.com/artpar/credmeter/ports"
)

// ErrAlreadySubscribed is returned when a user with an active subscription
// tries to subscribe again instead of changing plans.
var ErrAlreadySubscribed = errors.New("user already has an active subscription")

// SubscriptionService manages the subscription lifecycle and keeps the
// user's billing mode, tier and quota limit in step with it.
type SubscriptionService struct {
	uow       ports.UnitOfWork
	users     ports.UserStore
	subs      ports.SubscriptionStore
	plans     ports.PlanStore
	quotas    *QuotaService
	clock     ports.Clock
	idGen     ports.IDGenerator
	logger    zerolog.Logger
	freeDaily int64
}

// NewSubscriptionService creates a subscription service. freeDaily is the
// quota limit users fall back to when their subscription ends.
func NewSubscriptionService(
	uow ports.UnitOfWork,
	users ports.UserStore,
	subs ports.SubscriptionStore,
	plans ports.PlanStore,
	quotas *QuotaService,
	clock ports.Clock,
	idGen ports.IDGenerator,
	logger zerolog.Logger,
	freeDaily int64,
) *SubscriptionService {
	if freeDaily <= 0 {
		freeDaily = quota.FreeDailyLimit
	}
	return &SubscriptionService{
		uow:       uow,
		users:     users,
		subs:      subs,
		plans:     plans,
		quotas:    quotas,
		clock:     clock,
		idGen:     idGen,
		logger:    logger,
		freeDaily: freeDaily,
	}
}

// Subscribe puts the user on a plan: one subscription record per user,
// billing mode and tier updated to match. Called after the payment
// provider confirms the purchase.
func (s *SubscriptionService) Subscribe(ctx context.Context, userID, planID string) (plan.Subscription, error) {
	p, err := s.plans.Get(ctx, planID)
	if err != nil {
		return plan.Subscription{}, fmt.Errorf("load plan %s: %w", planID, err)
	}
	if !p.Enabled {
		return plan.Subscription{}, fmt.Errorf("plan %s is not available", planID)
	}

	var sub plan.Subscription
	err = runSerializable(ctx, s.uow, nil, func(tx ports.Tx) error {
		now := s.clock.Now()
		existing, err := tx.Subscriptions().GetByUser(ctx, userID)
		switch {
		case err == nil:
			if existing.IsActive(now) {
				return ErrAlreadySubscribed
			}
		case errors.Is(err, ports.ErrNotFound):
		default:
			return err
		}

		u, err := tx.Users().Get(ctx, userID)
		if err != nil {
			return err
		}

		sub = plan.Subscription{
			ID:           s.idGen.New(),
			UserID:       userID,
			PlanID:       p.ID,
			Status:       plan.StatusActive,
			StartDate:    now,
			EndDate:      plan.PeriodEnd(p.BillingCycle, now),
			BillingCycle: p.BillingCycle,
			AutoRenew:    true,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if existing.ID != "" {
			sub.ID = existing.ID
			sub.CreatedAt = existing.CreatedAt
			if err := tx.Subscriptions().Update(ctx, sub); err != nil {
				return err
			}
		} else if err := tx.Subscriptions().Create(ctx, sub); err != nil {
			return err
		}

		u.BillingMode = account.ModeSubscription
		u.Tier = p.Tier
		u.UpdatedAt = now
		return tx.Users().Update(ctx, u)
	})
	if err != nil {
		return plan.Subscription{}, err
	}

	// Raise today's counter to the plan limit so the upgrade applies
	// mid-period instead of at the next reset.
	if err := s.quotas.SetLimit(ctx, userID, p.DailyQuota); err != nil {
		s.logger.Error().Err(err).Str("user_id", userID).Msg("applying plan quota limit")
	}

	s.logger.Info().
		Str("user_id", userID).
		Str("plan_id", planID).
		Time("ends", sub.EndDate).
		Msg("subscription started")
	return sub, nil
}

// Cancel ends the user's subscription immediately: the record is marked
// cancelled and the user reverts to pay-as-you-go at the free tier. There
// is no proration; unused period is forfeited.
func (s *SubscriptionService) Cancel(ctx context.Context, userID, reason string) error {
	err := runSerializable(ctx, s.uow, nil, func(tx ports.Tx) error {
		now := s.clock.Now()
		sub, err := tx.Subscriptions().GetByUser(ctx, userID)
		if err != nil {
			return err
		}
		if sub.Status != plan.StatusActive {
			return fmt.Errorf("subscription is %s, not active", sub.Status)
		}

		sub.Status = plan.StatusCancelled
		sub.AutoRenew = false
		sub.CancelledAt = &now
		sub.CancelReason = reason
		sub.UpdatedAt = now
		if err := tx.Subscriptions().Update(ctx, sub); err != nil {
			return err
		}
		return s.revertUser(ctx, tx, userID, now)
	})
	if err != nil {
		return err
	}

	if err := s.quotas.SetLimit(ctx, userID, s.freeDaily); err != nil {
		s.logger.Error().Err(err).Str("user_id", userID).Msg("reverting quota limit")
	}
	s.logger.Info().Str("user_id", userID).Str("reason", reason).Msg("subscription cancelled")
	return nil
}

// Renew extends an active auto-renewing subscription by one billing cycle.
// Called after the payment provider confirms the renewal charge.
func (s *SubscriptionService) Renew(ctx context.Context, userID string) (plan.Subscription, error) {
	var sub plan.Subscription
	err := runSerializable(ctx, s.uow, nil, func(tx ports.Tx) error {
		var err error
		sub, err = tx.Subscriptions().GetByUser(ctx, userID)
		if err != nil {
			return err
		}
		if sub.Status != plan.StatusActive {
			return fmt.Errorf("subscription is %s, not active", sub.Status)
		}

		now := s.clock.Now()
		from := sub.EndDate
		if from.Before(now) {
			from = now
		}
		sub.EndDate = plan.PeriodEnd(sub.BillingCycle, from)
		sub.UpdatedAt = now
		return tx.Subscriptions().Update(ctx, sub)
	})
	if err != nil {
		return plan.Subscription{}, err
	}

	s.logger.Info().Str("user_id", userID).Time("ends", sub.EndDate).Msg("subscription renewed")
	return sub, nil
}

// ChangePlan moves an active subscriber to a different plan. Tier and quota
// limit follow immediately; the billing period is unchanged.
func (s *SubscriptionService) ChangePlan(ctx context.Context, userID, newPlanID string) (plan.Subscription, error) {
	p, err := s.plans.Get(ctx, newPlanID)
	if err != nil {
		return plan.Subscription{}, fmt.Errorf("load plan %s: %w", newPlanID, err)
	}
	if !p.Enabled {
		return plan.Subscription{}, fmt.Errorf("plan %s is not available", newPlanID)
	}

	var sub plan.Subscription
	err = runSerializable(ctx, s.uow, nil, func(tx ports.Tx) error {
		var err error
		sub, err = tx.Subscriptions().GetByUser(ctx, userID)
		if err != nil {
			return err
		}
		now := s.clock.Now()
		if !sub.IsActive(now) {
			return fmt.Errorf("subscription is not active")
		}

		sub.PlanID = p.ID
		sub.BillingCycle = p.BillingCycle
		sub.UpdatedAt = now
		if err := tx.Subscriptions().Update(ctx, sub); err != nil {
			return err
		}

		u, err := tx.Users().Get(ctx, userID)
		if err != nil {
			return err
		}
		u.Tier = p.Tier
		u.UpdatedAt = now
		return tx.Users().Update(ctx, u)
	})
	if err != nil {
		return plan.Subscription{}, err
	}

	if err := s.quotas.SetLimit(ctx, userID, p.DailyQuota); err != nil {
		s.logger.Error().Err(err).Str("user_id", userID).Msg("applying plan quota limit")
	}
	s.logger.Info().Str("user_id", userID).Str("plan_id", newPlanID).Msg("subscription plan changed")
	return sub, nil
}

// Current returns the user's subscription record, if any.
func (s *SubscriptionService) Current(ctx context.Context, userID string) (plan.Subscription, error) {
	return s.subs.GetByUser(ctx, userID)
}

// ExpireDue moves every lapsed non-renewing subscription to expired and
// reverts its user to pay-as-you-go at the free tier. Auto-renewing
// subscriptions past their end date are left alone: their renewal is
// driven by payment confirmation, not by the sweep. Returns the number of
// subscriptions expired.
func (s *SubscriptionService) ExpireDue(ctx context.Context) (int, error) {
	now := s.clock.Now()
	due, err := s.subs.ListDue(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("list due subscriptions: %w", err)
	}

	expired := 0
	for _, sub := range due {
		if !plan.ShouldExpire(sub, now) {
			continue
		}
		sub := sub
		err := runSerializable(ctx, s.uow, nil, func(tx ports.Tx) error {
			cur, err := tx.Subscriptions().GetByUser(ctx, sub.UserID)
			if err != nil {
				return err
			}
			if !plan.ShouldExpire(cur, now) {
				return nil
			}
			cur.Status = plan.StatusExpired
			cur.UpdatedAt = now
			if err := tx.Subscriptions().Update(ctx, cur); err != nil {
				return err
			}
			return s.revertUser(ctx, tx, cur.UserID, now)
		})
		if err != nil {
			s.logger.Error().Err(err).
				Str("user_id", sub.UserID).
				Str("subscription_id", sub.ID).
				Msg("expiring subscription failed")
			continue
		}
		expired++
		s.logger.Info().Str("user_id", sub.UserID).Msg("subscription expired")
	}
	return expired, nil
}

// revertUser drops a user back to pay-as-you-go at the free tier.
func (s *SubscriptionService) revertUser(ctx context.Context, tx ports.Tx, userID string, now time.Time) error {
	u, err := tx.Users().Get(ctx, userID)
	if err != nil {
		return err
	}
	u.BillingMode = account.ModePayAsYouGo
	u.Tier = entitlement.TierFree
	u.UpdatedAt = now
	return tx.Users().Update(ctx, u)
}

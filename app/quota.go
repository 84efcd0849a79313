package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/artpar/credmeter/adapters/metrics"
	"github.com/artpar/credmeter/domain/quota"
	"github.com/artpar/credmeter/ports"
)

// QuotaService manages period quota counters for subscription users.
// Counters are lazily created on first touch of a period, so correctness
// never depends on the reset sweep having run.
type QuotaService struct {
	uow       ports.UnitOfWork
	quotas    ports.QuotaStore
	subs      ports.SubscriptionStore
	plans     ports.PlanStore
	clock     ports.Clock
	idGen     ports.IDGenerator
	metrics   *metrics.Collector
	logger    zerolog.Logger
	freeDaily int64
}

// NewQuotaService creates a quota service. freeDaily is the daily limit for
// users without an active plan; zero applies quota.FreeDailyLimit.
func NewQuotaService(
	uow ports.UnitOfWork,
	quotas ports.QuotaStore,
	subs ports.SubscriptionStore,
	plans ports.PlanStore,
	clock ports.Clock,
	idGen ports.IDGenerator,
	m *metrics.Collector,
	logger zerolog.Logger,
	freeDaily int64,
) *QuotaService {
	if freeDaily <= 0 {
		freeDaily = quota.FreeDailyLimit
	}
	return &QuotaService{
		uow:       uow,
		quotas:    quotas,
		subs:      subs,
		plans:     plans,
		clock:     clock,
		idGen:     idGen,
		metrics:   m,
		logger:    logger,
		freeDaily: freeDaily,
	}
}

// dailyLimit resolves the user's daily quota from their active plan,
// falling back to the free allowance.
func (s *QuotaService) dailyLimit(ctx context.Context, userID string) int64 {
	sub, err := s.subs.GetByUser(ctx, userID)
	if err != nil || !sub.IsActive(s.clock.Now()) {
		return s.freeDaily
	}
	p, err := s.plans.Get(ctx, sub.PlanID)
	if err != nil || p.DailyQuota <= 0 {
		return s.freeDaily
	}
	return p.DailyQuota
}

// current loads (or creates) the counter for the period containing now,
// using the given transactional store.
func (s *QuotaService) current(ctx context.Context, store ports.QuotaStore, userID string, typ quota.Type, limit int64) (quota.Counter, error) {
	now := s.clock.Now()
	period := quota.PeriodKey(typ, now)

	c, found, err := store.Get(ctx, userID, typ, period)
	if err != nil {
		return quota.Counter{}, err
	}
	if found {
		return c, nil
	}

	c = quota.NewCounter(userID, typ, limit, now)
	c.ID = s.idGen.New()
	if err := store.Create(ctx, c); err != nil {
		return quota.Counter{}, err
	}
	return c, nil
}

// Check reports whether the user may consume cost quota units today.
// The counter for the current period is created on first touch. The result
// is advisory: the authoritative guard is the re-check inside Consume.
func (s *QuotaService) Check(ctx context.Context, userID string, cost int64) (quota.CheckResult, error) {
	limit := s.dailyLimit(ctx, userID)

	var result quota.CheckResult
	err := runSerializable(ctx, s.uow, s.countRetry, func(tx ports.Tx) error {
		c, err := s.current(ctx, tx.Quotas(), userID, quota.Daily, limit)
		if err != nil {
			return err
		}
		result = quota.Check(c, cost)
		return nil
	})
	if err != nil {
		return quota.CheckResult{}, fmt.Errorf("check quota: %w", err)
	}
	return result, nil
}

// Consume atomically adds cost to the user's daily counter, recording the
// per-model breakdown. The counter is re-read inside the transaction, so
// concurrent consumers serialize and usage never exceeds the limit.
func (s *QuotaService) Consume(ctx context.Context, userID, modelID string, cost int64) (quota.Counter, error) {
	limit := s.dailyLimit(ctx, userID)

	var updated quota.Counter
	err := runSerializable(ctx, s.uow, s.countRetry, func(tx ports.Tx) error {
		c, err := s.current(ctx, tx.Quotas(), userID, quota.Daily, limit)
		if err != nil {
			return err
		}
		next, err := quota.Consume(c, modelID, cost)
		if err != nil {
			return err
		}
		if err := tx.Quotas().Update(ctx, next); err != nil {
			return err
		}
		updated = next
		return nil
	})
	if err != nil {
		var insuf *quota.InsufficientError
		if errors.As(err, &insuf) && s.metrics != nil {
			s.metrics.QuotaDenials.WithLabelValues(string(quota.Daily)).Inc()
		}
		return quota.Counter{}, err
	}

	s.logger.Debug().
		Str("user_id", userID).
		Str("model_id", modelID).
		Int64("cost", cost).
		Int64("used", updated.UsageCount).
		Int64("limit", updated.QuotaLimit).
		Msg("quota consumed")
	return updated, nil
}

// Breakdown returns the user's current daily counter, creating it if absent,
// including the per-model usage breakdown.
func (s *QuotaService) Breakdown(ctx context.Context, userID string) (quota.Counter, error) {
	limit := s.dailyLimit(ctx, userID)

	var c quota.Counter
	err := runSerializable(ctx, s.uow, s.countRetry, func(tx ports.Tx) error {
		var err error
		c, err = s.current(ctx, tx.Quotas(), userID, quota.Daily, limit)
		return err
	})
	if err != nil {
		return quota.Counter{}, fmt.Errorf("load quota: %w", err)
	}
	return c, nil
}

// SetLimit updates the limit on the user's current daily counter, creating
// it if absent. Used when a subscription changes mid-period.
func (s *QuotaService) SetLimit(ctx context.Context, userID string, limit int64) error {
	return runSerializable(ctx, s.uow, s.countRetry, func(tx ports.Tx) error {
		c, err := s.current(ctx, tx.Quotas(), userID, quota.Daily, limit)
		if err != nil {
			return err
		}
		if c.QuotaLimit == limit {
			return nil
		}
		c.QuotaLimit = limit
		return tx.Quotas().Update(ctx, c)
	})
}

// ResetExpired rolls every finished daily counter into the current period:
// the old counter is deleted and a zeroed one carrying the same limit is
// created, unless lazy creation already made one. Idempotent: a second run
// in the same period finds nothing expired. Returns the number of counters
// reset.
func (s *QuotaService) ResetExpired(ctx context.Context) (int, error) {
	now := s.clock.Now()
	expired, err := s.quotas.ListExpired(ctx, quota.Daily, now)
	if err != nil {
		return 0, fmt.Errorf("list expired counters: %w", err)
	}

	reset := 0
	for _, old := range expired {
		err := runSerializable(ctx, s.uow, s.countRetry, func(tx ports.Tx) error {
			if err := tx.Quotas().Delete(ctx, old.ID); err != nil {
				return err
			}
			period := quota.PeriodKey(old.QuotaType, now)
			if _, found, err := tx.Quotas().Get(ctx, old.UserID, old.QuotaType, period); err != nil {
				return err
			} else if found {
				return nil
			}
			fresh := quota.NewCounter(old.UserID, old.QuotaType, old.QuotaLimit, now)
			fresh.ID = s.idGen.New()
			return tx.Quotas().Create(ctx, fresh)
		})
		if err != nil {
			s.logger.Error().Err(err).
				Str("user_id", old.UserID).
				Str("counter_id", old.ID).
				Msg("quota reset failed")
			continue
		}
		reset++
		if s.metrics != nil {
			s.metrics.QuotaResets.Inc()
		}
	}

	if reset > 0 {
		s.logger.Info().Int("counters", reset).Msg("daily quotas reset")
	}
	return reset, nil
}

// FreePlanLimit resolves the effective daily limit for a user.
func (s *QuotaService) FreePlanLimit(ctx context.Context, userID string) int64 {
	return s.dailyLimit(ctx, userID)
}

func (s *QuotaService) countRetry() {
	if s.metrics != nil {
		s.metrics.TxConflictRetries.Inc()
	}
}

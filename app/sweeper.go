package app

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/artpar/credmeter/adapters/metrics"
)

// Sweeper runs the periodic maintenance passes: rolling expired daily quota
// counters into the new period and expiring lapsed subscriptions. Both
// passes are idempotent, and the read paths self-heal via lazy counter
// creation, so a missed tick costs nothing but promptness.
type Sweeper struct {
	quotas  *QuotaService
	subs    *SubscriptionService
	metrics *metrics.Collector
	logger  zerolog.Logger

	QuotaInterval        time.Duration
	SubscriptionInterval time.Duration
}

// NewSweeper creates a sweeper with default intervals: quota counters are
// checked every ten minutes, subscriptions every hour.
func NewSweeper(quotas *QuotaService, subs *SubscriptionService, m *metrics.Collector, logger zerolog.Logger) *Sweeper {
	return &Sweeper{
		quotas:               quotas,
		subs:                 subs,
		metrics:              m,
		logger:               logger,
		QuotaInterval:        10 * time.Minute,
		SubscriptionInterval: time.Hour,
	}
}

// Run blocks, executing both sweeps on their intervals until ctx is done.
// Each sweep also runs once immediately so restarts catch up right away.
func (s *Sweeper) Run(ctx context.Context) {
	s.SweepQuotas(ctx)
	s.SweepSubscriptions(ctx)

	quotaTick := time.NewTicker(s.QuotaInterval)
	defer quotaTick.Stop()
	subTick := time.NewTicker(s.SubscriptionInterval)
	defer subTick.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-quotaTick.C:
			s.SweepQuotas(ctx)
		case <-subTick.C:
			s.SweepSubscriptions(ctx)
		}
	}
}

// SweepQuotas runs one quota reset pass.
func (s *Sweeper) SweepQuotas(ctx context.Context) {
	if s.metrics != nil {
		s.metrics.SweepRuns.WithLabelValues("quota").Inc()
	}
	n, err := s.quotas.ResetExpired(ctx)
	if err != nil {
		if s.metrics != nil {
			s.metrics.SweepFailures.WithLabelValues("quota").Inc()
		}
		s.logger.Error().Err(err).Msg("quota sweep failed")
		return
	}
	s.logger.Debug().Int("reset", n).Msg("quota sweep done")
}

// SweepSubscriptions runs one subscription expiry pass.
func (s *Sweeper) SweepSubscriptions(ctx context.Context) {
	if s.metrics != nil {
		s.metrics.SweepRuns.WithLabelValues("subscription").Inc()
	}
	n, err := s.subs.ExpireDue(ctx)
	if err != nil {
		if s.metrics != nil {
			s.metrics.SweepFailures.WithLabelValues("subscription").Inc()
		}
		s.logger.Error().Err(err).Msg("subscription sweep failed")
		return
	}
	s.logger.Debug().Int("expired", n).Msg("subscription sweep done")
}

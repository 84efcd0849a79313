package app

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/artpar/credmeter/adapters/metrics"
	"github.com/artpar/credmeter/domain/account"
	"github.com/artpar/credmeter/domain/cost"
	"github.com/artpar/credmeter/domain/credit"
	"github.com/artpar/credmeter/domain/entitlement"
	"github.com/artpar/credmeter/domain/job"
	"github.com/artpar/credmeter/domain/quota"
	"github.com/artpar/credmeter/domain/usage"
	"github.com/artpar/credmeter/ports"
)

// ChargeService coordinates the charge-then-execute flow for batch jobs
// and single paid operations. The charge itself is always computed
// server-side from catalog metadata; quantities from the caller size the
// work, never price it.
type ChargeService struct {
	uow        ports.UnitOfWork
	users      ports.UserStore
	jobs       ports.JobStore
	catalog    ports.ModelCatalog
	credits    *CreditService
	quotas     *QuotaService
	allowances *AllowanceService
	runner     ports.JobRunner
	recorder   ports.UsageRecorder
	clock      ports.Clock
	idGen      ports.IDGenerator
	metrics    *metrics.Collector
	logger     zerolog.Logger

	allowedApps  func() []string
	allowanceApp string
}

// NewChargeService creates the charge coordinator.
func NewChargeService(
	uow ports.UnitOfWork,
	users ports.UserStore,
	jobs ports.JobStore,
	catalog ports.ModelCatalog,
	credits *CreditService,
	quotas *QuotaService,
	allowances *AllowanceService,
	runner ports.JobRunner,
	recorder ports.UsageRecorder,
	clock ports.Clock,
	idGen ports.IDGenerator,
	m *metrics.Collector,
	logger zerolog.Logger,
	allowedApps func() []string,
	allowanceApp string,
) *ChargeService {
	if allowedApps == nil {
		allowedApps = func() []string { return nil }
	}
	return &ChargeService{
		uow:          uow,
		users:        users,
		jobs:         jobs,
		catalog:      catalog,
		credits:      credits,
		quotas:       quotas,
		allowances:   allowances,
		runner:       runner,
		recorder:     recorder,
		clock:        clock,
		idGen:        idGen,
		metrics:      m,
		logger:       logger,
		allowedApps:  allowedApps,
		allowanceApp: allowanceApp,
	}
}

// StartJobParams describe a batch generation request.
type StartJobParams struct {
	UserID     string
	AppID      string
	ModelKey   string
	Quantities cost.Quantities
	Action     string
}

// StartJobResult is the accounting outcome of a started job.
type StartJobResult struct {
	Job        job.Job
	QueueJobID string
}

// StartJob creates the job record, charges whichever consumable applies,
// and hands the charged job to the execution layer. The charge and the
// pending→charged transition commit in one serializable transaction: a
// job is never observable as charged without the matching ledger or quota
// mutation, and never the other way around.
func (s *ChargeService) StartJob(ctx context.Context, p StartJobParams) (StartJobResult, error) {
	u, err := s.users.Get(ctx, p.UserID)
	if err != nil {
		return StartJobResult{}, fmt.Errorf("load user: %w", err)
	}
	m, err := s.catalog.Get(ctx, p.ModelKey)
	if err != nil {
		return StartJobResult{}, fmt.Errorf("load model %s: %w", p.ModelKey, err)
	}
	if err := entitlement.CheckModel(u.EffectiveTier(), m); err != nil {
		return StartJobResult{}, err
	}

	units := cost.UnitCount(p.Quantities)
	price := cost.ForModel(m, p.Quantities)
	now := s.clock.Now()

	j := job.Job{
		ID:         s.idGen.New(),
		UserID:     p.UserID,
		AppID:      p.AppID,
		ModelKey:   p.ModelKey,
		Status:     job.StatusPending,
		TotalUnits: units,
		WithAddOn:  p.Quantities.WithAddOn,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.jobs.Create(ctx, j); err != nil {
		return StartJobResult{}, fmt.Errorf("create job: %w", err)
	}

	// Quota limit must be resolved before the charge transaction: it reads
	// the plan store, which is not part of the unit of work.
	quotaLimit := s.quotas.FreePlanLimit(ctx, p.UserID)

	var charged job.Job
	err = runSerializable(ctx, s.uow, s.countRetry, func(tx ports.Tx) error {
		cur, err := tx.Jobs().Get(ctx, j.ID)
		if err != nil {
			return err
		}
		txUser, err := tx.Users().Get(ctx, p.UserID)
		if err != nil {
			return err
		}

		cur.UsageType = ""
		cur.CreditCharged = 0
		cur.LedgerEntryID = ""

		if account.HasEnterpriseOverride(txUser, m.AppID, s.allowedApps()) {
			cur.UsageType = job.UsageNone
		} else if m.AppID == s.allowanceApp {
			used, denied, err := s.allowances.useTx(ctx, tx, p.UserID, units)
			if err != nil {
				return err
			}
			if denied != nil {
				return denied
			}
			if used {
				cur.UsageType = job.UsageAllowance
			}
		}

		if cur.UsageType == "" {
			if txUser.BillingMode == account.ModeSubscription {
				counter, err := s.quotas.current(ctx, tx.Quotas(), p.UserID, quota.Daily, quotaLimit)
				if err != nil {
					return err
				}
				next, err := quota.Consume(counter, m.ModelID, price.Quota)
				if err != nil {
					return err
				}
				if err := tx.Quotas().Update(ctx, next); err != nil {
					return err
				}
				cur.UsageType = job.UsageQuota
			} else {
				latest, err := tx.Ledger().Latest(ctx, p.UserID)
				if err != nil {
					return err
				}
				desc := fmt.Sprintf("%s: %d units", p.ModelKey, units)
				entry, err := credit.Deduction(latest, p.UserID, price.Credits, desc, j.ID, credit.RefGeneration, s.clock.Now())
				if err != nil {
					return err
				}
				entry.ID = s.idGen.New()
				if err := tx.Ledger().Append(ctx, entry); err != nil {
					return err
				}
				cur.UsageType = job.UsageCredit
				cur.CreditCharged = price.Credits
				cur.LedgerEntryID = entry.ID
			}
		}

		cur.Status = job.StatusCharged
		cur.UpdatedAt = s.clock.Now()
		if err := tx.Jobs().Update(ctx, cur); err != nil {
			return err
		}
		charged = cur
		return nil
	})
	if err != nil {
		s.failPending(ctx, j.ID)
		if s.metrics != nil {
			s.metrics.ChargeFailures.WithLabelValues(failureReason(err)).Inc()
		}
		return StartJobResult{}, err
	}

	if s.metrics != nil {
		s.metrics.ChargesTotal.WithLabelValues(string(charged.UsageType)).Inc()
		if charged.CreditCharged > 0 {
			s.metrics.CreditsCharged.Add(float64(charged.CreditCharged))
		}
	}

	// Allowance jobs run at elevated priority, matching the premium feature.
	priority := 0
	if charged.UsageType == job.UsageAllowance {
		priority = 10
	}
	queueID, err := s.runner.Enqueue(ctx, ports.Handoff{
		JobID:     charged.ID,
		UserID:    charged.UserID,
		Cost:      charged.CreditCharged,
		UsageType: charged.UsageType,
		Priority:  priority,
	})
	if err != nil {
		s.logger.Error().Err(err).
			Str("job_id", charged.ID).
			Str("user_id", charged.UserID).
			Msg("enqueue failed after charge, reversing")
		s.reverseCharge(ctx, charged)
		return StartJobResult{}, fmt.Errorf("enqueue job: %w", err)
	}

	charged.QueueJobID = queueID
	if err := s.jobs.Update(ctx, charged); err != nil {
		s.logger.Error().Err(err).Str("job_id", charged.ID).Msg("recording queue job id failed")
	}

	s.record(usage.Event{
		UserID:     charged.UserID,
		AppID:      charged.AppID,
		ModelKey:   charged.ModelKey,
		Action:     p.Action,
		CreditUsed: charged.CreditCharged,
		QuotaUsed:  quotaUsed(charged.UsageType, price.Quota),
		Enterprise: charged.UsageType == job.UsageNone,
		JobID:      charged.ID,
	})

	s.logger.Info().
		Str("job_id", charged.ID).
		Str("user_id", charged.UserID).
		Str("usage_type", string(charged.UsageType)).
		Int64("units", units).
		Int64("credits", charged.CreditCharged).
		Str("queue_job_id", queueID).
		Msg("job charged and enqueued")
	return StartJobResult{Job: charged, QueueJobID: queueID}, nil
}

// ChargeParams describe a single (non-batch) paid operation.
type ChargeParams struct {
	UserID      string
	AppID       string
	ModelKey    string
	Quantities  cost.Quantities
	Action      string
	ReferenceID string // optional; generated when empty
}

// ChargeResult is the accounting outcome of a single charge.
type ChargeResult struct {
	UsageType job.UsageType
	Cost      cost.Cost
	EntryID   string // ledger entry, credit charges only
	Balance   int64  // post-charge balance, credit charges only
	Remaining int64  // post-charge quota, quota charges only
}

// Charge prices and charges one immediate operation (no job record): flat,
// per-second and per-megapixel models all land here. Subscription users
// consume quota; pay-as-you-go users consume credits; enterprise override
// charges nothing but still records usage.
func (s *ChargeService) Charge(ctx context.Context, p ChargeParams) (ChargeResult, error) {
	u, err := s.users.Get(ctx, p.UserID)
	if err != nil {
		return ChargeResult{}, fmt.Errorf("load user: %w", err)
	}
	m, err := s.catalog.Get(ctx, p.ModelKey)
	if err != nil {
		return ChargeResult{}, fmt.Errorf("load model %s: %w", p.ModelKey, err)
	}
	if err := entitlement.CheckModel(u.EffectiveTier(), m); err != nil {
		return ChargeResult{}, err
	}

	price := cost.ForModel(m, p.Quantities)
	refID := p.ReferenceID
	if refID == "" {
		refID = s.idGen.New()
	}

	var result ChargeResult
	switch {
	case account.HasEnterpriseOverride(u, m.AppID, s.allowedApps()):
		result = ChargeResult{UsageType: job.UsageNone}

	case u.BillingMode == account.ModeSubscription:
		counter, err := s.quotas.Consume(ctx, p.UserID, m.ModelID, price.Quota)
		if err != nil {
			if s.metrics != nil {
				s.metrics.ChargeFailures.WithLabelValues(failureReason(err)).Inc()
			}
			return ChargeResult{}, err
		}
		result = ChargeResult{UsageType: job.UsageQuota, Cost: price, Remaining: counter.Remaining()}

	default:
		entry, err := s.credits.Deduct(ctx, DeductParams{
			UserID:        p.UserID,
			Amount:        price.Credits,
			Description:   fmt.Sprintf("%s: %s", p.AppID, p.Action),
			ReferenceID:   refID,
			ReferenceType: credit.RefAppUsage,
		})
		if err != nil {
			if s.metrics != nil {
				s.metrics.ChargeFailures.WithLabelValues(failureReason(err)).Inc()
			}
			return ChargeResult{}, err
		}
		result = ChargeResult{UsageType: job.UsageCredit, Cost: price, EntryID: entry.ID, Balance: entry.Balance}
	}

	if s.metrics != nil {
		s.metrics.ChargesTotal.WithLabelValues(string(result.UsageType)).Inc()
	}
	s.record(usage.Event{
		UserID:     p.UserID,
		AppID:      p.AppID,
		ModelKey:   p.ModelKey,
		Action:     p.Action,
		CreditUsed: chargedCredits(result),
		QuotaUsed:  quotaUsed(result.UsageType, price.Quota),
		Enterprise: result.UsageType == job.UsageNone,
	})
	return result, nil
}

// failPending moves a still-pending job to failed. Best effort: the job
// record is bookkeeping around a charge that never happened.
func (s *ChargeService) failPending(ctx context.Context, jobID string) {
	j, err := s.jobs.Get(ctx, jobID)
	if err != nil {
		return
	}
	if !job.ValidTransition(j.Status, job.StatusFailed) {
		return
	}
	j.Status = job.StatusFailed
	j.UpdatedAt = s.clock.Now()
	if err := s.jobs.Update(ctx, j); err != nil {
		s.logger.Error().Err(err).Str("job_id", jobID).Msg("marking job failed")
	}
}

// reverseCharge compensates a charged job whose handoff to the execution
// layer failed: the credit charge is refunded and the job marked failed.
// Quota and allowance consumption is left in place; the failed units were
// never produced, but those consumables are caps, not money.
func (s *ChargeService) reverseCharge(ctx context.Context, j job.Job) {
	if j.CreditCharged > 0 && s.credits != nil {
		res, err := s.credits.Refund(ctx, j.UserID, j.CreditCharged, "job enqueue failed", j.ID, credit.RefGeneration)
		if err != nil {
			s.logger.Error().Err(err).
				Str("job_id", j.ID).
				Str("user_id", j.UserID).
				Int64("amount", j.CreditCharged).
				Msg("CRITICAL: refund after enqueue failure did not apply")
			if s.metrics != nil {
				s.metrics.RefundFailures.Inc()
			}
		} else if !res.Duplicate {
			j.CreditRefunded = j.CreditCharged
		}
	}
	j.Status = job.StatusFailed
	j.UpdatedAt = s.clock.Now()
	if err := s.jobs.Update(ctx, j); err != nil {
		s.logger.Error().Err(err).Str("job_id", j.ID).Msg("marking job failed")
	}
}

func (s *ChargeService) record(e usage.Event) {
	if s.recorder == nil {
		return
	}
	e.ID = s.idGen.New()
	e.Timestamp = s.clock.Now()
	s.recorder.Record(e)
}

func (s *ChargeService) countRetry() {
	if s.metrics != nil {
		s.metrics.TxConflictRetries.Inc()
	}
}

func chargedCredits(r ChargeResult) int64 {
	if r.UsageType == job.UsageCredit {
		return r.Cost.Credits
	}
	return 0
}

func quotaUsed(t job.UsageType, q int64) int64 {
	if t == job.UsageQuota {
		return q
	}
	return 0
}

// failureReason buckets a charge error for metrics.
func failureReason(err error) string {
	switch {
	case isInsufficientCredits(err):
		return "insufficient_credits"
	case isInsufficientQuota(err):
		return "insufficient_quota"
	case isConflict(err):
		return "tx_conflict"
	default:
		return "other"
	}
}

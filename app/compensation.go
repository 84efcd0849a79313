package app

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/artpar/credmeter/adapters/metrics"
	"github.com/artpar/credmeter/domain/credit"
	"github.com/artpar/credmeter/domain/job"
	"github.com/artpar/credmeter/ports"
)

// RefundService is the compensation processor: it settles finished jobs and
// returns credits for units that were charged but never produced. Refunds
// are best-effort on top of a completed state change; a refund that cannot
// be applied is logged at the highest severity, never propagated into the
// job outcome.
type RefundService struct {
	uow     ports.UnitOfWork
	jobs    ports.JobStore
	catalog ports.ModelCatalog
	clock   ports.Clock
	idGen   ports.IDGenerator
	metrics *metrics.Collector
	logger  zerolog.Logger
}

// NewRefundService creates the compensation processor.
func NewRefundService(
	uow ports.UnitOfWork,
	jobs ports.JobStore,
	catalog ports.ModelCatalog,
	clock ports.Clock,
	idGen ports.IDGenerator,
	m *metrics.Collector,
	logger zerolog.Logger,
) *RefundService {
	return &RefundService{
		uow:     uow,
		jobs:    jobs,
		catalog: catalog,
		clock:   clock,
		idGen:   idGen,
		metrics: m,
		logger:  logger,
	}
}

// ReportOutcome records per-unit results for a charged job and runs
// compensation when any units failed. Reporting an outcome for an already
// settled job is a no-op returning the settled record, so the execution
// layer may retry its callback safely.
func (s *RefundService) ReportOutcome(ctx context.Context, jobID string, completed, failed int64) (job.Job, error) {
	if completed < 0 || failed < 0 {
		return job.Job{}, fmt.Errorf("negative unit counts: completed %d, failed %d", completed, failed)
	}

	var settled job.Job
	var already bool
	err := runSerializable(ctx, s.uow, s.countRetry, func(tx ports.Tx) error {
		j, err := tx.Jobs().Get(ctx, jobID)
		if err != nil {
			return err
		}
		if j.Settled() {
			settled, already = j, true
			return nil
		}

		target := job.OutcomeStatus(completed, failed)
		if !job.ValidTransition(j.Status, target) {
			return &job.TransitionError{JobID: jobID, From: j.Status, To: target}
		}

		now := s.clock.Now()
		j.UnitsCompleted = completed
		j.UnitsFailed = failed
		j.Status = target
		j.CompletedAt = &now
		j.UpdatedAt = now
		if err := tx.Jobs().Update(ctx, j); err != nil {
			return err
		}
		settled = j
		return nil
	})
	if err != nil {
		return job.Job{}, err
	}
	if already {
		return settled, nil
	}

	s.logger.Info().
		Str("job_id", jobID).
		Str("status", string(settled.Status)).
		Int64("completed", completed).
		Int64("failed", failed).
		Msg("job outcome recorded")

	if failed > 0 {
		if j, ok := s.compensate(ctx, settled); ok {
			settled = j
		}
	}
	return settled, nil
}

// compensate refunds the failed share of a settled job at the model's base
// unit rate (the add-on surcharge is not returned). Runs at most once per
// job: the CreditRefunded guard and the ledger's reference-keyed dedup both
// hold inside the transaction. Failures are logged, not returned.
func (s *RefundService) compensate(ctx context.Context, j job.Job) (job.Job, bool) {
	if j.CreditCharged == 0 || j.Refunded() {
		return j, false
	}

	m, err := s.catalog.Get(ctx, j.ModelKey)
	if err != nil {
		s.logCritical(err, j, 0, "loading model for compensation")
		return j, false
	}
	amount := j.UnitsFailed * m.UnitCost
	if amount > j.CreditCharged {
		amount = j.CreditCharged
	}
	if amount <= 0 {
		return j, false
	}

	var updated job.Job
	var applied, duplicate bool
	err = runSerializable(ctx, s.uow, s.countRetry, func(tx ports.Tx) error {
		applied, duplicate = false, false
		cur, err := tx.Jobs().Get(ctx, j.ID)
		if err != nil {
			return err
		}
		if cur.Refunded() {
			updated, duplicate = cur, true
			return nil
		}

		now := s.clock.Now()
		if _, found, err := tx.Ledger().FindByReference(ctx, cur.UserID, cur.ID, credit.TypeRefund, now.Add(-RefundDedupWindow)); err != nil {
			return err
		} else if found {
			updated, duplicate = cur, true
			return nil
		}

		latest, err := tx.Ledger().Latest(ctx, cur.UserID)
		if err != nil {
			return err
		}
		desc := fmt.Sprintf("refund: %d of %d units failed", cur.UnitsFailed, cur.TotalUnits)
		entry, err := credit.Addition(latest, cur.UserID, amount, credit.TypeRefund, desc, cur.ID, credit.RefGeneration, now)
		if err != nil {
			return err
		}
		entry.ID = s.idGen.New()
		if err := tx.Ledger().Append(ctx, entry); err != nil {
			return err
		}

		cur.CreditRefunded = amount
		cur.UpdatedAt = now
		if err := tx.Jobs().Update(ctx, cur); err != nil {
			return err
		}
		updated, applied = cur, true
		return nil
	})
	if err != nil {
		s.logCritical(err, j, amount, "partial refund did not apply")
		return j, false
	}
	if duplicate {
		if s.metrics != nil {
			s.metrics.DuplicateRefunds.Inc()
		}
		return updated, true
	}
	if applied {
		if s.metrics != nil {
			s.metrics.RefundsTotal.WithLabelValues("partial").Inc()
			s.metrics.CreditsRefunded.Add(float64(amount))
		}
		s.logger.Info().
			Str("job_id", j.ID).
			Str("user_id", j.UserID).
			Int64("amount", amount).
			Int64("failed_units", j.UnitsFailed).
			Msg("partial failure refunded")
	}
	return updated, applied
}

// RefundOutcome is the result of a whole-job refund.
type RefundOutcome struct {
	Job             job.Job
	Amount          int64
	AlreadyRefunded bool
	NothingToRefund bool // zero-charge job (quota, allowance or override)
}

// RefundJob returns the full charged amount for a job that never produced
// output (system failure before or during execution). At most one refund is
// written per job regardless of how often this is called.
func (s *RefundService) RefundJob(ctx context.Context, jobID, reason string) (RefundOutcome, error) {
	var out RefundOutcome
	err := runSerializable(ctx, s.uow, s.countRetry, func(tx ports.Tx) error {
		out = RefundOutcome{}
		j, err := tx.Jobs().Get(ctx, jobID)
		if err != nil {
			return err
		}
		if j.CreditCharged == 0 {
			out = RefundOutcome{Job: j, NothingToRefund: true}
			return s.markFailed(ctx, tx, &j, &out)
		}
		if j.Refunded() {
			out = RefundOutcome{Job: j, AlreadyRefunded: true}
			return nil
		}

		now := s.clock.Now()
		if _, found, err := tx.Ledger().FindByReference(ctx, j.UserID, j.ID, credit.TypeRefund, now.Add(-RefundDedupWindow)); err != nil {
			return err
		} else if found {
			out = RefundOutcome{Job: j, AlreadyRefunded: true}
			return nil
		}

		latest, err := tx.Ledger().Latest(ctx, j.UserID)
		if err != nil {
			return err
		}
		desc := "refund: " + reason
		entry, err := credit.Addition(latest, j.UserID, j.CreditCharged, credit.TypeRefund, desc, j.ID, credit.RefGeneration, now)
		if err != nil {
			return err
		}
		entry.ID = s.idGen.New()
		if err := tx.Ledger().Append(ctx, entry); err != nil {
			return err
		}

		j.CreditRefunded = j.CreditCharged
		out = RefundOutcome{Job: j, Amount: j.CreditCharged}
		return s.markFailed(ctx, tx, &j, &out)
	})
	if err != nil {
		return RefundOutcome{}, err
	}

	if out.AlreadyRefunded {
		if s.metrics != nil {
			s.metrics.DuplicateRefunds.Inc()
		}
		return out, nil
	}
	if out.Amount > 0 {
		if s.metrics != nil {
			s.metrics.RefundsTotal.WithLabelValues("whole").Inc()
			s.metrics.CreditsRefunded.Add(float64(out.Amount))
		}
		s.logger.Info().
			Str("job_id", jobID).
			Str("user_id", out.Job.UserID).
			Int64("amount", out.Amount).
			Str("reason", reason).
			Msg("job refunded")
	}
	return out, nil
}

// CompensateFailure is RefundJob with the failure-path error policy: the
// job already failed for the user, so a refund error must not mask that.
func (s *RefundService) CompensateFailure(ctx context.Context, jobID, reason string) {
	if _, err := s.RefundJob(ctx, jobID, reason); err != nil {
		j, _ := s.jobs.Get(ctx, jobID)
		s.logCritical(err, j, j.CreditCharged, "failure refund did not apply")
	}
}

func (s *RefundService) markFailed(ctx context.Context, tx ports.Tx, j *job.Job, out *RefundOutcome) error {
	if !j.Settled() && job.ValidTransition(j.Status, job.StatusFailed) {
		now := s.clock.Now()
		j.Status = job.StatusFailed
		j.CompletedAt = &now
		j.UpdatedAt = now
	} else {
		j.UpdatedAt = s.clock.Now()
	}
	if err := tx.Jobs().Update(ctx, *j); err != nil {
		return err
	}
	out.Job = *j
	return nil
}

// logCritical records a refund that could not be applied. These entries are
// the reconciliation trail: the money is owed until an operator (or a
// retry) replays the refund.
func (s *RefundService) logCritical(err error, j job.Job, amount int64, msg string) {
	if s.metrics != nil {
		s.metrics.RefundFailures.Inc()
	}
	s.logger.Error().Err(err).
		Str("severity", "critical").
		Str("job_id", j.ID).
		Str("user_id", j.UserID).
		Int64("amount", amount).
		Msg("CRITICAL: " + msg)
}

func (s *RefundService) countRetry() {
	if s.metrics != nil {
		s.metrics.TxConflictRetries.Inc()
	}
}

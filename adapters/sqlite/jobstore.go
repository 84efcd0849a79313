package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/artpar/credmeter/domain/job"
	"github.com/artpar/credmeter/ports"
)

// JobStore implements ports.JobStore using SQLite.
type JobStore struct {
	q querier
}

// NewJobStore creates a job store over db.
func NewJobStore(db *DB) *JobStore {
	return &JobStore{q: db}
}

const jobColumns = `id, user_id, app_id, model_key, status, usage_type,
	total_units, units_completed, units_failed, with_add_on,
	credit_charged, credit_refunded, ledger_entry_id, queue_job_id,
	created_at, updated_at, completed_at`

// Get retrieves a job by ID.
func (s *JobStore) Get(ctx context.Context, id string) (job.Job, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	return scanJob(row)
}

// Create stores a new job record.
func (s *JobStore) Create(ctx context.Context, j job.Job) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, j.ID, j.UserID, j.AppID, j.ModelKey, j.Status, j.UsageType,
		j.TotalUnits, j.UnitsCompleted, j.UnitsFailed, j.WithAddOn,
		j.CreditCharged, j.CreditRefunded, nullStr(j.LedgerEntryID), nullStr(j.QueueJobID),
		j.CreatedAt.UTC(), j.UpdatedAt.UTC(), nullTimePtr(j.CompletedAt))
	return mapErr(err)
}

// Update modifies an existing job record.
func (s *JobStore) Update(ctx context.Context, j job.Job) error {
	res, err := s.q.ExecContext(ctx, `
		UPDATE jobs
		SET status = ?, usage_type = ?, units_completed = ?, units_failed = ?,
		    credit_charged = ?, credit_refunded = ?, ledger_entry_id = ?, queue_job_id = ?,
		    updated_at = ?, completed_at = ?
		WHERE id = ?
	`, j.Status, j.UsageType, j.UnitsCompleted, j.UnitsFailed,
		j.CreditCharged, j.CreditRefunded, nullStr(j.LedgerEntryID), nullStr(j.QueueJobID),
		j.UpdatedAt.UTC(), nullTimePtr(j.CompletedAt), j.ID)
	if err != nil {
		return mapErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ports.ErrNotFound
	}
	return nil
}

// ListByUser returns recent jobs for a user, newest-first.
func (s *JobStore) ListByUser(ctx context.Context, userID string, limit int) ([]job.Job, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE user_id = ?
		ORDER BY created_at DESC
		LIMIT ?
	`, userID, limit)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var jobs []job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func scanJob(r rowScanner) (job.Job, error) {
	var j job.Job
	var ledgerID, queueID sql.NullString
	var completedAt sql.NullTime

	err := r.Scan(&j.ID, &j.UserID, &j.AppID, &j.ModelKey, &j.Status, &j.UsageType,
		&j.TotalUnits, &j.UnitsCompleted, &j.UnitsFailed, &j.WithAddOn,
		&j.CreditCharged, &j.CreditRefunded, &ledgerID, &queueID,
		&j.CreatedAt, &j.UpdatedAt, &completedAt)
	if err == sql.ErrNoRows {
		return job.Job{}, ports.ErrNotFound
	}
	if err != nil {
		return job.Job{}, mapErr(err)
	}

	if ledgerID.Valid {
		j.LedgerEntryID = ledgerID.String
	}
	if queueID.Valid {
		j.QueueJobID = queueID.String
	}
	if completedAt.Valid {
		t := completedAt.Time
		j.CompletedAt = &t
	}
	return j, nil
}

func nullTimePtr(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

// Ensure interface compliance.
var _ ports.JobStore = (*JobStore)(nil)

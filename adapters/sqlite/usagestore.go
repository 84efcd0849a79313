package sqlite

import (
	"context"
	"database/sql"

	"github.com/artpar/credmeter/domain/usage"
	"github.com/artpar/credmeter/ports"
)

// UsageStore implements ports.UsageStore using SQLite.
type UsageStore struct {
	q querier
}

// NewUsageStore creates a usage store over db.
func NewUsageStore(db *DB) *UsageStore {
	return &UsageStore{q: db}
}

// RecordBatch stores multiple usage events.
func (s *UsageStore) RecordBatch(ctx context.Context, events []usage.Event) error {
	if len(events) == 0 {
		return nil
	}

	// A single transaction per batch; a querier may already be a tx, in
	// which case the inserts simply join it.
	db, ok := s.q.(*DB)
	if !ok {
		for _, e := range events {
			if err := s.insert(ctx, s.q, e); err != nil {
				return err
			}
		}
		return nil
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return mapErr(err)
	}
	defer tx.Rollback()

	for _, e := range events {
		if err := s.insert(ctx, tx, e); err != nil {
			return err
		}
	}
	return mapErr(tx.Commit())
}

func (s *UsageStore) insert(ctx context.Context, q querier, e usage.Event) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO usage_events (id, user_id, app_id, model_key, action,
			credit_used, quota_used, enterprise, job_id, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.UserID, e.AppID, e.ModelKey, e.Action,
		e.CreditUsed, e.QuotaUsed, e.Enterprise, nullStr(e.JobID), e.Timestamp.UTC())
	return mapErr(err)
}

// ListByUser returns recent events for a user, newest-first.
func (s *UsageStore) ListByUser(ctx context.Context, userID string, limit int) ([]usage.Event, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, user_id, app_id, model_key, action, credit_used, quota_used, enterprise, job_id, timestamp
		FROM usage_events
		WHERE user_id = ?
		ORDER BY timestamp DESC
		LIMIT ?
	`, userID, limit)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var events []usage.Event
	for rows.Next() {
		var e usage.Event
		var jobID sql.NullString
		err := rows.Scan(&e.ID, &e.UserID, &e.AppID, &e.ModelKey, &e.Action,
			&e.CreditUsed, &e.QuotaUsed, &e.Enterprise, &jobID, &e.Timestamp)
		if err != nil {
			return nil, err
		}
		if jobID.Valid {
			e.JobID = jobID.String
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// Ensure interface compliance.
var _ ports.UsageStore = (*UsageStore)(nil)

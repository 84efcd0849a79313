package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/artpar/credmeter/domain/quota"
	"github.com/artpar/credmeter/ports"
)

// QuotaStore implements ports.QuotaStore using SQLite.
type QuotaStore struct {
	q querier
}

// NewQuotaStore creates a quota store over db.
func NewQuotaStore(db *DB) *QuotaStore {
	return &QuotaStore{q: db}
}

const counterColumns = `id, user_id, quota_type, period, usage_count, quota_limit, model_breakdown, reset_at`

// Get retrieves the counter for a specific period key.
func (s *QuotaStore) Get(ctx context.Context, userID string, typ quota.Type, period string) (quota.Counter, bool, error) {
	row := s.q.QueryRowContext(ctx, `
		SELECT `+counterColumns+`
		FROM quota_usage
		WHERE user_id = ? AND quota_type = ? AND period = ?
	`, userID, typ, period)

	c, err := scanCounter(row)
	if err == sql.ErrNoRows {
		return quota.Counter{}, false, nil
	}
	if err != nil {
		return quota.Counter{}, false, mapErr(err)
	}
	return c, true, nil
}

// Create stores a new counter.
func (s *QuotaStore) Create(ctx context.Context, c quota.Counter) error {
	breakdown, err := json.Marshal(c.ModelBreakdown)
	if err != nil {
		return err
	}
	_, err = s.q.ExecContext(ctx, `
		INSERT INTO quota_usage (`+counterColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, c.ID, c.UserID, c.QuotaType, c.Period, c.UsageCount, c.QuotaLimit, string(breakdown), c.ResetAt.UTC())
	return mapErr(err)
}

// Update replaces the counter's mutable fields.
func (s *QuotaStore) Update(ctx context.Context, c quota.Counter) error {
	breakdown, err := json.Marshal(c.ModelBreakdown)
	if err != nil {
		return err
	}
	res, err := s.q.ExecContext(ctx, `
		UPDATE quota_usage
		SET usage_count = ?, quota_limit = ?, model_breakdown = ?, reset_at = ?
		WHERE id = ?
	`, c.UsageCount, c.QuotaLimit, string(breakdown), c.ResetAt.UTC(), c.ID)
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

// Delete removes a counter by id.
func (s *QuotaStore) Delete(ctx context.Context, id string) error {
	_, err := s.q.ExecContext(ctx, `DELETE FROM quota_usage WHERE id = ?`, id)
	return mapErr(err)
}

// ListExpired returns counters whose ResetAt is at or before now.
func (s *QuotaStore) ListExpired(ctx context.Context, typ quota.Type, now time.Time) ([]quota.Counter, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT `+counterColumns+`
		FROM quota_usage
		WHERE quota_type = ? AND reset_at <= ?
	`, typ, now.UTC())
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var counters []quota.Counter
	for rows.Next() {
		c, err := scanCounter(rows)
		if err != nil {
			return nil, err
		}
		counters = append(counters, c)
	}
	return counters, rows.Err()
}

func scanCounter(r rowScanner) (quota.Counter, error) {
	var c quota.Counter
	var breakdown string
	err := r.Scan(&c.ID, &c.UserID, &c.QuotaType, &c.Period, &c.UsageCount, &c.QuotaLimit, &breakdown, &c.ResetAt)
	if err != nil {
		return quota.Counter{}, err
	}
	c.ModelBreakdown = map[string]int64{}
	if breakdown != "" {
		if err := json.Unmarshal([]byte(breakdown), &c.ModelBreakdown); err != nil {
			return quota.Counter{}, err
		}
	}
	return c, nil
}

// Ensure interface compliance.
var _ ports.QuotaStore = (*QuotaStore)(nil)

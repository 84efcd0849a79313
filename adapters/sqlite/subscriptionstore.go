package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/artpar/credmeter/domain/plan"
	"github.com/artpar/credmeter/ports"
)

// SubscriptionStore implements ports.SubscriptionStore using SQLite.
type SubscriptionStore struct {
	q querier
}

// NewSubscriptionStore creates a subscription store over db.
func NewSubscriptionStore(db *DB) *SubscriptionStore {
	return &SubscriptionStore{q: db}
}

const subColumns = `id, user_id, plan_id, status, start_date, end_date,
	billing_cycle, auto_renew, cancelled_at, cancel_reason, created_at, updated_at`

// GetByUser retrieves the subscription for a user.
func (s *SubscriptionStore) GetByUser(ctx context.Context, userID string) (plan.Subscription, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+subColumns+` FROM subscriptions WHERE user_id = ?`, userID)
	return scanSub(row)
}

// Create stores a new subscription.
func (s *SubscriptionStore) Create(ctx context.Context, sub plan.Subscription) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO subscriptions (`+subColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, sub.ID, sub.UserID, sub.PlanID, sub.Status, sub.StartDate.UTC(), sub.EndDate.UTC(),
		sub.BillingCycle, sub.AutoRenew, nullTimePtr(sub.CancelledAt), sub.CancelReason,
		sub.CreatedAt.UTC(), sub.UpdatedAt.UTC())
	return mapErr(err)
}

// Update modifies a subscription.
func (s *SubscriptionStore) Update(ctx context.Context, sub plan.Subscription) error {
	res, err := s.q.ExecContext(ctx, `
		UPDATE subscriptions
		SET plan_id = ?, status = ?, start_date = ?, end_date = ?, billing_cycle = ?,
		    auto_renew = ?, cancelled_at = ?, cancel_reason = ?, updated_at = ?
		WHERE id = ?
	`, sub.PlanID, sub.Status, sub.StartDate.UTC(), sub.EndDate.UTC(), sub.BillingCycle,
		sub.AutoRenew, nullTimePtr(sub.CancelledAt), sub.CancelReason, sub.UpdatedAt.UTC(), sub.ID)
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

// ListDue returns active subscriptions past their end date.
func (s *SubscriptionStore) ListDue(ctx context.Context, now time.Time) ([]plan.Subscription, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT `+subColumns+` FROM subscriptions
		WHERE status = ? AND end_date <= ?
	`, plan.StatusActive, now.UTC())
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var subs []plan.Subscription
	for rows.Next() {
		sub, err := scanSub(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

func scanSub(r rowScanner) (plan.Subscription, error) {
	var sub plan.Subscription
	var cancelledAt sql.NullTime
	err := r.Scan(&sub.ID, &sub.UserID, &sub.PlanID, &sub.Status, &sub.StartDate, &sub.EndDate,
		&sub.BillingCycle, &sub.AutoRenew, &cancelledAt, &sub.CancelReason,
		&sub.CreatedAt, &sub.UpdatedAt)
	if err == sql.ErrNoRows {
		return plan.Subscription{}, ports.ErrNotFound
	}
	if err != nil {
		return plan.Subscription{}, mapErr(err)
	}
	if cancelledAt.Valid {
		t := cancelledAt.Time
		sub.CancelledAt = &t
	}
	return sub, nil
}

// Ensure interface compliance.
var _ ports.SubscriptionStore = (*SubscriptionStore)(nil)

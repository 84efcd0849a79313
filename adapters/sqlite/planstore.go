package sqlite

import (
	"context"
	"database/sql"

	"github.com/artpar/credmeter/domain/entitlement"
	"github.com/artpar/credmeter/domain/plan"
	"github.com/artpar/credmeter/ports"
)

// PlanStore implements ports.PlanStore using SQLite.
type PlanStore struct {
	q querier
}

// NewPlanStore creates a plan store over db.
func NewPlanStore(db *DB) *PlanStore {
	return &PlanStore{q: db}
}

const planColumns = `id, name, tier, daily_quota, monthly_quota, max_model_tier,
	price_cents, billing_cycle, enabled, created_at, updated_at`

// Get retrieves a plan by ID.
func (s *PlanStore) Get(ctx context.Context, id string) (plan.Plan, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+planColumns+` FROM subscription_plans WHERE id = ?`, id)
	return scanPlan(row)
}

// List returns all enabled plans.
func (s *PlanStore) List(ctx context.Context) ([]plan.Plan, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT `+planColumns+` FROM subscription_plans WHERE enabled = 1 ORDER BY price_cents
	`)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var plans []plan.Plan
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, err
		}
		plans = append(plans, p)
	}
	return plans, rows.Err()
}

// Create stores a new plan.
func (s *PlanStore) Create(ctx context.Context, p plan.Plan) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO subscription_plans (`+planColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, p.ID, p.Name, p.Tier, p.DailyQuota, p.MonthlyQuota, p.MaxModelTier,
		p.PriceCents, p.BillingCycle, p.Enabled, p.CreatedAt.UTC(), p.UpdatedAt.UTC())
	return mapErr(err)
}

// Update modifies a plan.
func (s *PlanStore) Update(ctx context.Context, p plan.Plan) error {
	res, err := s.q.ExecContext(ctx, `
		UPDATE subscription_plans
		SET name = ?, tier = ?, daily_quota = ?, monthly_quota = ?, max_model_tier = ?,
		    price_cents = ?, billing_cycle = ?, enabled = ?, updated_at = ?
		WHERE id = ?
	`, p.Name, p.Tier, p.DailyQuota, p.MonthlyQuota, p.MaxModelTier,
		p.PriceCents, p.BillingCycle, p.Enabled, p.UpdatedAt.UTC(), p.ID)
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

func scanPlan(r rowScanner) (plan.Plan, error) {
	var p plan.Plan
	var tier, maxTier string
	err := r.Scan(&p.ID, &p.Name, &tier, &p.DailyQuota, &p.MonthlyQuota, &maxTier,
		&p.PriceCents, &p.BillingCycle, &p.Enabled, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return plan.Plan{}, ports.ErrNotFound
	}
	if err != nil {
		return plan.Plan{}, mapErr(err)
	}
	p.Tier = entitlement.Tier(tier)
	p.MaxModelTier = entitlement.Tier(maxTier)
	return p, nil
}

// Ensure interface compliance.
var _ ports.PlanStore = (*PlanStore)(nil)

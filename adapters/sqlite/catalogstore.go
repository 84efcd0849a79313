package sqlite

import (
	"context"
	"database/sql"

	"github.com/artpar/credmeter/domain/entitlement"
	"github.com/artpar/credmeter/ports"
)

// CatalogStore implements ports.ModelCatalog using SQLite. The accounting
// core only reads from it; writes happen through seeding and admin tooling.
type CatalogStore struct {
	q querier
}

// NewCatalogStore creates a catalog store over db.
func NewCatalogStore(db *DB) *CatalogStore {
	return &CatalogStore{q: db}
}

const modelColumns = `model_key, app_id, model_id, name, provider, tier, enabled,
	flat_cost, quota_cost, cost_per_second, cost_per_pixel, unit_cost, add_on_unit_cost`

// Get retrieves a model by key ("appId:modelId").
func (s *CatalogStore) Get(ctx context.Context, modelKey string) (entitlement.Model, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+modelColumns+` FROM ai_models WHERE model_key = ?`, modelKey)
	return scanModel(row)
}

// ListForApp returns all models registered for an app.
func (s *CatalogStore) ListForApp(ctx context.Context, appID string) ([]entitlement.Model, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT `+modelColumns+` FROM ai_models WHERE app_id = ? ORDER BY model_key
	`, appID)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var models []entitlement.Model
	for rows.Next() {
		m, err := scanModel(rows)
		if err != nil {
			return nil, err
		}
		models = append(models, m)
	}
	return models, rows.Err()
}

// Upsert registers or updates a model.
func (s *CatalogStore) Upsert(ctx context.Context, m entitlement.Model) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO ai_models (`+modelColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(model_key) DO UPDATE SET
			name = excluded.name,
			provider = excluded.provider,
			tier = excluded.tier,
			enabled = excluded.enabled,
			flat_cost = excluded.flat_cost,
			quota_cost = excluded.quota_cost,
			cost_per_second = excluded.cost_per_second,
			cost_per_pixel = excluded.cost_per_pixel,
			unit_cost = excluded.unit_cost,
			add_on_unit_cost = excluded.add_on_unit_cost
	`, m.Key, m.AppID, m.ModelID, m.Name, m.Provider, m.Tier, m.Enabled,
		m.FlatCost, m.QuotaCost, m.CostPerSecond, m.CostPerPixel, m.UnitCost, m.AddOnUnitCost)
	return mapErr(err)
}

func scanModel(r rowScanner) (entitlement.Model, error) {
	var m entitlement.Model
	var tier string
	err := r.Scan(&m.Key, &m.AppID, &m.ModelID, &m.Name, &m.Provider, &tier, &m.Enabled,
		&m.FlatCost, &m.QuotaCost, &m.CostPerSecond, &m.CostPerPixel, &m.UnitCost, &m.AddOnUnitCost)
	if err == sql.ErrNoRows {
		return entitlement.Model{}, ports.ErrNotFound
	}
	if err != nil {
		return entitlement.Model{}, mapErr(err)
	}
	m.Tier = entitlement.Tier(tier)
	return m, nil
}

// Ensure interface compliance.
var _ ports.ModelCatalog = (*CatalogStore)(nil)

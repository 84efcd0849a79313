package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/artpar/credmeter/domain/entitlement"
	"github.com/artpar/credmeter/domain/plan"
	"github.com/artpar/credmeter/domain/usage"
	"github.com/artpar/credmeter/ports"
)

// Catalog is an in-memory ports.ModelCatalog.
type Catalog struct {
	mu     sync.RWMutex
	models map[string]entitlement.Model
}

// NewCatalog creates a catalog preloaded with the given models.
func NewCatalog(models ...entitlement.Model) *Catalog {
	c := &Catalog{models: map[string]entitlement.Model{}}
	for _, m := range models {
		c.models[m.Key] = m
	}
	return c
}

// Put registers or replaces a model.
func (c *Catalog) Put(m entitlement.Model) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.models[m.Key] = m
}

// Get retrieves a model by key.
func (c *Catalog) Get(_ context.Context, modelKey string) (entitlement.Model, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.models[modelKey]
	if !ok {
		return entitlement.Model{}, ports.ErrNotFound
	}
	return m, nil
}

// ListForApp returns all models for an app.
func (c *Catalog) ListForApp(_ context.Context, appID string) ([]entitlement.Model, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []entitlement.Model
	for _, m := range c.models {
		if m.AppID == appID {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// PlanStore is an in-memory ports.PlanStore.
type PlanStore struct {
	mu    sync.RWMutex
	plans map[string]plan.Plan
}

// NewPlanStore creates an empty plan store.
func NewPlanStore() *PlanStore {
	return &PlanStore{plans: map[string]plan.Plan{}}
}

func (s *PlanStore) Get(_ context.Context, id string) (plan.Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.plans[id]
	if !ok {
		return plan.Plan{}, ports.ErrNotFound
	}
	return p, nil
}

func (s *PlanStore) List(_ context.Context) ([]plan.Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []plan.Plan
	for _, p := range s.plans {
		if p.Enabled {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PriceCents < out[j].PriceCents })
	return out, nil
}

func (s *PlanStore) Create(_ context.Context, p plan.Plan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.plans[p.ID] = p
	return nil
}

func (s *PlanStore) Update(_ context.Context, p plan.Plan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.plans[p.ID]; !ok {
		return ports.ErrNotFound
	}
	s.plans[p.ID] = p
	return nil
}

// UsageStore is an in-memory ports.UsageStore.
type UsageStore struct {
	mu     sync.Mutex
	events []usage.Event
}

// NewUsageStore creates an empty usage store.
func NewUsageStore() *UsageStore {
	return &UsageStore{}
}

func (s *UsageStore) RecordBatch(_ context.Context, events []usage.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, events...)
	return nil
}

func (s *UsageStore) ListByUser(_ context.Context, userID string, limit int) ([]usage.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []usage.Event
	for i := len(s.events) - 1; i >= 0 && len(out) < limit; i-- {
		if s.events[i].UserID == userID {
			out = append(out, s.events[i])
		}
	}
	return out, nil
}

// Ensure interface compliance.
var (
	_ ports.ModelCatalog = (*Catalog)(nil)
	_ ports.PlanStore    = (*PlanStore)(nil)
	_ ports.UsageStore   = (*UsageStore)(nil)
)

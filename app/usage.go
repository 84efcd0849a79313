package app

import (
	"context"
	"fmt"

	"github.com/artpar/credmeter/domain/usage"
	"github.com/artpar/credmeter/ports"
)

// UsageService reads the usage analytics trail.
type UsageService struct {
	store ports.UsageStore
}

// NewUsageService creates a usage service.
func NewUsageService(store ports.UsageStore) *UsageService {
	return &UsageService{store: store}
}

// Recent returns the user's most recent usage events.
func (s *UsageService) Recent(ctx context.Context, userID string, limit int) ([]usage.Event, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.store.ListByUser(ctx, userID, limit)
}

// Stats aggregates the user's recent events into per-app totals.
func (s *UsageService) Stats(ctx context.Context, userID string) (usage.Stats, error) {
	events, err := s.store.ListByUser(ctx, userID, 500)
	if err != nil {
		return usage.Stats{}, fmt.Errorf("list usage: %w", err)
	}
	return usage.Aggregate(userID, events), nil
}

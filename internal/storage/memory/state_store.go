package memory

import (
	"context"
	"sync"

	"github.com/JakeFAU/stockwatch/internal/restock"
)

// StateStore keeps stock state in a map. It does not survive a restart and is
// meant for tests and local runs.
type StateStore struct {
	mu      sync.RWMutex
	regions map[string]restock.StockState
}

// NewStateStore creates an empty StateStore.
func NewStateStore() *StateStore {
	return &StateStore{regions: make(map[string]restock.StockState)}
}

// Get returns a copy of the region's state.
func (s *StateStore) Get(_ context.Context, region string) (restock.StockState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.regions[region].Clone(), nil
}

// PutAll replaces the region's state.
func (s *StateStore) PutAll(_ context.Context, region string, state restock.StockState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.regions[region] = state.Clone()
	return nil
}

// DeleteRegion drops every record for region.
func (s *StateStore) DeleteRegion(_ context.Context, region string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.regions, region)
	return nil
}

// Regions lists the regions that currently hold state.
func (s *StateStore) Regions() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.regions))
	for r := range s.regions {
		out = append(out, r)
	}
	return out
}

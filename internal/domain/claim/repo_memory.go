package claim

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
)

// MemoryRepository keeps record generations in process memory. It backs
// tests and runs without DATABASE_URL.
type MemoryRepository struct {
	mu      sync.RWMutex
	records map[string]*ClaimRecord
	latest  map[string]int
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		records: make(map[string]*ClaimRecord),
		latest:  make(map[string]int),
	}
}

func (m *MemoryRepository) Save(_ context.Context, r *ClaimRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[r.Key()]; ok {
		return fmt.Errorf("%w: %s generation %d", ErrGenerationExists, r.ClaimID, r.Generation)
	}
	m.records[r.Key()] = r.Clone()
	if g, ok := m.latest[r.ClaimID]; !ok || r.Generation > g {
		m.latest[r.ClaimID] = r.Generation
	}
	return nil
}

func (m *MemoryRepository) Get(_ context.Context, claimID string, generation int) (*ClaimRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.records[(&ClaimRecord{ClaimID: claimID, Generation: generation}).Key()]
	if !ok {
		return nil, ErrNotFound
	}
	return r.Clone(), nil
}

func (m *MemoryRepository) Latest(ctx context.Context, claimID string) (*ClaimRecord, error) {
	m.mu.RLock()
	g, ok := m.latest[claimID]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return m.Get(ctx, claimID, g)
}

func (m *MemoryRepository) UpdateStatus(_ context.Context, claimID string, generation int, from, to Status) error {
	if err := Transition(from, to); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[(&ClaimRecord{ClaimID: claimID, Generation: generation}).Key()]
	if !ok {
		return ErrNotFound
	}
	if r.Status != from {
		return fmt.Errorf("%w: stored status is %s, not %s", ErrIllegalTransition, r.Status, from)
	}
	r.Status = to
	if to != StatusDraft {
		r.frozen = true
	}
	return nil
}

func (m *MemoryRepository) ListByStatus(_ context.Context, statuses ...Status) ([]*ClaimRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*ClaimRecord
	for _, r := range m.records {
		if slices.Contains(statuses, r.Status) {
			out = append(out, r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ClaimID != out[j].ClaimID {
			return out[i].ClaimID < out[j].ClaimID
		}
		return out[i].Generation < out[j].Generation
	})
	return out, nil
}

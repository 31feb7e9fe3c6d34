package submission

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/claimgate/pkg/pagination"
)

// MemoryRepository keeps submissions in process memory.
type MemoryRepository struct {
	mu      sync.RWMutex
	records map[uuid.UUID]*Record
	order   []uuid.UUID
	now     func() time.Time
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{records: make(map[uuid.UUID]*Record), now: time.Now}
}

func (m *MemoryRepository) Create(_ context.Context, r *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.records {
		if existing.ClaimID == r.ClaimID && existing.BundleHash == r.BundleHash {
			return fmt.Errorf("%w: claim %s", ErrDuplicate, r.ClaimID)
		}
	}
	now := m.now().UTC()
	r.CreatedAt, r.UpdatedAt = now, now
	m.records[r.ID] = r.Clone()
	m.order = append(m.order, r.ID)
	return nil
}

func (m *MemoryRepository) Update(_ context.Context, r *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[r.ID]; !ok {
		return ErrNotFound
	}
	r.UpdatedAt = m.now().UTC()
	m.records[r.ID] = r.Clone()
	return nil
}

func (m *MemoryRepository) Get(_ context.Context, id uuid.UUID) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return r.Clone(), nil
}

func (m *MemoryRepository) find(match func(*Record) bool) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for i := len(m.order) - 1; i >= 0; i-- {
		if r := m.records[m.order[i]]; match(r) {
			return r.Clone(), nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryRepository) FindByHash(_ context.Context, claimID, bundleHash string) (*Record, error) {
	return m.find(func(r *Record) bool { return r.ClaimID == claimID && r.BundleHash == bundleHash })
}

func (m *MemoryRepository) FindByCorrelation(_ context.Context, correlationID string) (*Record, error) {
	return m.find(func(r *Record) bool { return r.CorrelationID == correlationID })
}

func (m *MemoryRepository) LatestForClaim(_ context.Context, claimID string) (*Record, error) {
	return m.find(func(r *Record) bool { return r.ClaimID == claimID })
}

func (m *MemoryRepository) ListOpen(_ context.Context) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Record
	for _, id := range m.order {
		r := m.records[id]
		if r.Status == StatusPending || r.Status == StatusAckAsyncPending {
			out = append(out, r.Clone())
		}
	}
	return out, nil
}

func (m *MemoryRepository) ListDeadLetters(_ context.Context, limit, offset int) ([]*Record, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var all []*Record
	for _, id := range m.order {
		if r := m.records[id]; r.AwaitingAcknowledgment() {
			all = append(all, r)
		}
	}
	start, end := pagination.Window(len(all), limit, offset)
	out := make([]*Record, 0, end-start)
	for _, r := range all[start:end] {
		out = append(out, r.Clone())
	}
	return out, len(all), nil
}

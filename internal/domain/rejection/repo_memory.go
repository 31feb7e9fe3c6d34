package rejection

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/claimgate/pkg/pagination"
)

// MemoryRepository keeps rejections and tasks in process memory.
type MemoryRepository struct {
	mu      sync.RWMutex
	records map[uuid.UUID]*Record
	byKey   map[string]uuid.UUID
	tasks   map[uuid.UUID]*Task
	now     func() time.Time
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		records: make(map[uuid.UUID]*Record),
		byKey:   make(map[string]uuid.UUID),
		tasks:   make(map[uuid.UUID]*Task),
		now:     time.Now,
	}
}

func (m *MemoryRepository) Upsert(_ context.Context, r *Record) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now().UTC()
	if id, ok := m.byKey[r.Key()]; ok {
		existing := m.records[id]
		r.ID = id
		r.CreatedAt = existing.CreatedAt
		r.UpdatedAt = now
		cp := *r
		m.records[id] = &cp
		return false, nil
	}
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	r.CreatedAt, r.UpdatedAt = now, now
	cp := *r
	m.records[r.ID] = &cp
	m.byKey[r.Key()] = r.ID
	return true, nil
}

func (m *MemoryRepository) Get(_ context.Context, id uuid.UUID) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryRepository) List(_ context.Context, f Filter) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Record
	for _, r := range m.records {
		if (f.Branch == "" || r.Branch == f.Branch) && (f.Payer == "" || r.Payer == f.Payer) {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].RejectionDate.Equal(out[j].RejectionDate) {
			return out[i].RejectionDate.Before(out[j].RejectionDate)
		}
		return out[i].Key() < out[j].Key()
	})
	return out, nil
}

func (m *MemoryRepository) CreateTask(_ context.Context, t *Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.tasks {
		if existing.RejectionRecordID == t.RejectionRecordID {
			return ErrTaskExists
		}
	}
	now := m.now().UTC()
	t.CreatedAt, t.UpdatedAt = now, now
	m.tasks[t.ID] = t.Clone()
	return nil
}

func (m *MemoryRepository) GetTask(_ context.Context, id uuid.UUID) (*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return t.Clone(), nil
}

func (m *MemoryRepository) UpdateTask(_ context.Context, t *Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[t.ID]; !ok {
		return ErrTaskNotFound
	}
	t.UpdatedAt = m.now().UTC()
	m.tasks[t.ID] = t.Clone()
	return nil
}

func (m *MemoryRepository) ListTasks(_ context.Context, status TaskStatus, limit, offset int) ([]*Task, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var all []*Task
	for _, t := range m.tasks {
		if status == "" || t.Status == status {
			all = append(all, t)
		}
	}
	sort.Slice(all, func(i, j int) bool { return taskLess(all[i], all[j]) })

	start, end := pagination.Window(len(all), limit, offset)
	out := make([]*Task, 0, end-start)
	for _, t := range all[start:end] {
		out = append(out, t.Clone())
	}
	return out, len(all), nil
}

// taskLess orders by target date with undated tasks last, then by
// creation time and id.
func taskLess(a, b *Task) bool {
	switch {
	case a.TargetDate != nil && b.TargetDate == nil:
		return true
	case a.TargetDate == nil && b.TargetDate != nil:
		return false
	case a.TargetDate != nil && !a.TargetDate.Equal(*b.TargetDate):
		return a.TargetDate.Before(*b.TargetDate)
	case !a.CreatedAt.Equal(b.CreatedAt):
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID.String() < b.ID.String()
}

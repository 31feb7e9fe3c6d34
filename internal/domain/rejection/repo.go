package rejection

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var (
	ErrNotFound     = errors.New("rejection not found")
	ErrTaskNotFound = errors.New("resubmission task not found")
	// ErrTaskExists is returned when a rejection already has a task.
	ErrTaskExists = errors.New("rejection already has a resubmission task")
)

// Filter narrows List. Empty fields match everything.
type Filter struct {
	Branch string
	Payer  string
}

// Repository stores rejection records and resubmission tasks.
type Repository interface {
	// Upsert stores r keyed by (claim_id, reason_code, rejection_date). On
	// return r carries the stored id and created reports a new row.
	Upsert(ctx context.Context, r *Record) (created bool, err error)
	Get(ctx context.Context, id uuid.UUID) (*Record, error)
	List(ctx context.Context, f Filter) ([]*Record, error)

	CreateTask(ctx context.Context, t *Task) error
	GetTask(ctx context.Context, id uuid.UUID) (*Task, error)
	UpdateTask(ctx context.Context, t *Task) error
	// ListTasks orders by target date, earliest first, then creation time.
	// An empty status lists every task.
	ListTasks(ctx context.Context, status TaskStatus, limit, offset int) ([]*Task, int, error)
}

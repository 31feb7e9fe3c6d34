package claim

import (
	"context"
	"errors"
)

// ErrNotFound is returned by repositories when no row matches.
var ErrNotFound = errors.New("claim not found")

// ErrGenerationExists is returned when (claim_id, generation) is already stored.
var ErrGenerationExists = errors.New("claim generation already exists")

// Repository persists canonical record generations.
type Repository interface {
	Save(ctx context.Context, r *ClaimRecord) error
	Get(ctx context.Context, claimID string, generation int) (*ClaimRecord, error)
	Latest(ctx context.Context, claimID string) (*ClaimRecord, error)
	// UpdateStatus moves a generation from one status to another, failing
	// with ErrIllegalTransition if the stored status is not from.
	UpdateStatus(ctx context.Context, claimID string, generation int, from, to Status) error
	// ListByStatus returns every generation in one of statuses, ordered by
	// claim id then generation.
	ListByStatus(ctx context.Context, statuses ...Status) ([]*ClaimRecord, error)
}

package submission

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var (
	ErrNotFound = errors.New("submission not found")
	// ErrDuplicate is returned by Create when (claim_id, bundle_hash) exists.
	ErrDuplicate = errors.New("submission for this bundle already exists")
)

// Repository persists submission records.
type Repository interface {
	Create(ctx context.Context, r *Record) error
	Update(ctx context.Context, r *Record) error
	Get(ctx context.Context, id uuid.UUID) (*Record, error)
	FindByHash(ctx context.Context, claimID, bundleHash string) (*Record, error)
	FindByCorrelation(ctx context.Context, correlationID string) (*Record, error)
	LatestForClaim(ctx context.Context, claimID string) (*Record, error)
	// ListOpen returns PENDING and ACK_ASYNC_PENDING records, oldest first.
	ListOpen(ctx context.Context) ([]*Record, error)
	// ListDeadLetters returns unacknowledged dead letters, oldest first,
	// and the total count.
	ListDeadLetters(ctx context.Context, limit, offset int) ([]*Record, int, error)
}

package exchange

import (
	"context"
	"fmt"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Budget is the process-wide allowance for exchange calls: a request rate
// and a cap on calls in flight. Every call acquires it and releases it when
// the response has been read.
type Budget struct {
	limiter  *rate.Limiter
	inflight *semaphore.Weighted
}

func NewBudget(rps float64, burst int, maxInFlight int64) *Budget {
	if maxInFlight < 1 {
		maxInFlight = 1
	}
	return &Budget{
		limiter:  rate.NewLimiter(rate.Limit(rps), burst),
		inflight: semaphore.NewWeighted(maxInFlight),
	}
}

// Acquire blocks for a concurrency slot and a rate token. The returned func
// must be called exactly once.
func (b *Budget) Acquire(ctx context.Context) (release func(), err error) {
	if err := b.inflight.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("exchange budget: %w", err)
	}
	if err := b.limiter.Wait(ctx); err != nil {
		b.inflight.Release(1)
		return nil, fmt.Errorf("exchange budget: %w", err)
	}
	return func() { b.inflight.Release(1) }, nil
}

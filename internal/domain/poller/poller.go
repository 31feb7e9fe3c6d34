// Package poller follows asynchronously acknowledged submissions until the
// exchange reports a final state or the polling budget runs out. Each claim
// gets one task with its own cancel func.
package poller

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/claimgate/internal/domain/claim"
	"github.com/ehr/claimgate/internal/domain/submission"
	"github.com/ehr/claimgate/internal/platform/exchange"
	"github.com/ehr/claimgate/internal/platform/metrics"
)

// Exchange is the status endpoint the poller calls.
type Exchange interface {
	Poll(ctx context.Context, claimID, correlationID string) (*exchange.PollResult, error)
}

// Resolver records the final state of a submission.
type Resolver interface {
	Resolve(ctx context.Context, id uuid.UUID, res submission.Resolution) error
}

// Config bounds polling. The window is measured from the submission's
// sent_at so that it survives restarts. InnerRetries transient failures
// are absorbed per poll without consuming MaxAttempts.
type Config struct {
	InitialDelay time.Duration
	Interval     time.Duration
	MaxWindow    time.Duration
	MaxAttempts  int
	InnerRetries int
	InnerDelay   time.Duration
}

func DefaultConfig() Config {
	return Config{
		InitialDelay: 30 * time.Second,
		Interval:     time.Minute,
		MaxWindow:    24 * time.Hour,
		MaxAttempts:  120,
		InnerRetries: 3,
		InnerDelay:   2 * time.Second,
	}
}

type task struct {
	id     uuid.UUID
	cancel context.CancelFunc
}

type Poller struct {
	cfg      Config
	exch     Exchange
	resolver Resolver
	metrics  *metrics.Metrics
	logger   zerolog.Logger
	now      func() time.Time

	base context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup

	mu    sync.Mutex
	tasks map[string]*task
}

type Option func(*Poller)

func WithMetrics(m *metrics.Metrics) Option { return func(p *Poller) { p.metrics = m } }

func WithLogger(l zerolog.Logger) Option {
	return func(p *Poller) { p.logger = l.With().Str("component", "poller").Logger() }
}

func WithClock(now func() time.Time) Option { return func(p *Poller) { p.now = now } }

func New(cfg Config, exch Exchange, resolver Resolver, opts ...Option) *Poller {
	base, stop := context.WithCancel(context.Background())
	p := &Poller{
		cfg:      cfg,
		exch:     exch,
		resolver: resolver,
		logger:   zerolog.Nop(),
		now:      time.Now,
		base:     base,
		stop:     stop,
		tasks:    make(map[string]*task),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Schedule starts polling for r, replacing any task already running for
// the same claim. It is a no-op once Stop has been called.
func (p *Poller) Schedule(r *submission.Record) {
	p.mu.Lock()
	if p.base.Err() != nil {
		p.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(p.base)
	t := &task{id: r.ID, cancel: cancel}
	if old, ok := p.tasks[r.ClaimID]; ok {
		old.cancel()
	}
	p.tasks[r.ClaimID] = t
	p.wg.Add(1)
	p.mu.Unlock()

	p.metrics.PollStarted()
	go p.run(ctx, t, r.Clone())
}

// Cancel stops polling claimID. It is a no-op when nothing is scheduled.
func (p *Poller) Cancel(claimID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if t, ok := p.tasks[claimID]; ok {
		t.cancel()
		delete(p.tasks, claimID)
	}
}

// Active reports how many claims are being polled.
func (p *Poller) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.tasks)
}

// Stop cancels every task and waits for them to return. Cancelling under
// mu orders it against Schedule's wg.Add.
func (p *Poller) Stop() {
	p.mu.Lock()
	p.stop()
	p.mu.Unlock()
	p.wg.Wait()
}

func (p *Poller) finish(claimID string, t *task) {
	p.mu.Lock()
	if cur, ok := p.tasks[claimID]; ok && cur == t {
		delete(p.tasks, claimID)
	}
	p.mu.Unlock()
	t.cancel()
	p.metrics.PollStopped()
	p.wg.Done()
}

func (p *Poller) run(ctx context.Context, t *task, r *submission.Record) {
	defer p.finish(r.ClaimID, t)

	started := p.now()
	if r.SentAt != nil {
		started = *r.SentAt
	}
	deadline := started.Add(p.cfg.MaxWindow)
	log := p.logger.With().Str("claim_id", r.ClaimID).Str("submission_id", r.ID.String()).Logger()

	attempts := 0
	wait := p.cfg.InitialDelay
	for {
		if remaining := deadline.Sub(p.now()); wait > remaining {
			wait = remaining
		}
		if !sleep(ctx, wait) {
			return
		}
		if !p.now().Before(deadline) {
			p.timeout(ctx, r, attempts, "polling window exceeded")
			return
		}

		attempts++
		res, err := p.pollOnce(ctx, r)
		if ctx.Err() != nil {
			return
		}
		switch {
		case err != nil:
			p.metrics.ObservePoll("failed")
			log.Warn().Err(err).Int("attempt", attempts).Msg("poll failed")
		case res.Terminal():
			p.metrics.ObservePoll(res.State)
			p.resolve(ctx, r, res)
			return
		default:
			p.metrics.ObservePoll(res.State)
			log.Debug().Int("attempt", attempts).Msg("adjudication pending")
		}
		if attempts >= p.cfg.MaxAttempts {
			p.timeout(ctx, r, attempts, "poll attempts exhausted")
			return
		}
		wait = p.cfg.Interval
	}
}

// pollOnce calls the exchange, retrying transient failures within the
// inner budget.
func (p *Poller) pollOnce(ctx context.Context, r *submission.Record) (*exchange.PollResult, error) {
	var out *exchange.PollResult
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.cfg.InnerDelay
	eb.MaxElapsedTime = 0
	bo := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(p.cfg.InnerRetries)), ctx)

	err := backoff.Retry(func() error {
		res, err := p.exch.Poll(ctx, r.ClaimID, r.CorrelationID)
		if err != nil {
			if claim.IsTransient(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		out = res
		return nil
	}, bo)
	return out, err
}

func (p *Poller) resolve(ctx context.Context, r *submission.Record, res *exchange.PollResult) {
	out := submission.Resolution{Status: submission.StatusAdjudicated, Payload: res.Payload}
	if res.State == exchange.StateError || res.Disposition == exchange.DispositionRejected {
		out = submission.Resolution{
			Status:     submission.StatusRejected,
			ReasonCode: res.ReasonCode,
			Detail:     res.Detail,
			Payload:    res.Payload,
			Err:        &claim.PermanentExchangeRejection{StatusCode: 200, ReasonCode: res.ReasonCode, Detail: res.Detail},
		}
	}
	if err := p.resolver.Resolve(context.WithoutCancel(ctx), r.ID, out); err != nil {
		p.logger.Error().Err(err).Str("claim_id", r.ClaimID).Msg("resolve polled submission")
	}
}

func (p *Poller) timeout(ctx context.Context, r *submission.Record, attempts int, reason string) {
	p.metrics.ObservePoll("timeout")
	out := submission.Resolution{
		Status: submission.StatusTimedOut,
		Err:    &claim.TimeoutError{ClaimID: r.ClaimID, Attempts: attempts, Reason: reason},
	}
	if err := p.resolver.Resolve(context.WithoutCancel(ctx), r.ID, out); err != nil {
		p.logger.Error().Err(err).Str("claim_id", r.ClaimID).Msg("time out polled submission")
	}
}

// sleep waits d or until ctx is done, reporting whether the wait completed.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

package submission

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ehr/claimgate/internal/domain/bundle"
	"github.com/ehr/claimgate/internal/domain/claim"
	"github.com/ehr/claimgate/internal/platform/audit"
	"github.com/ehr/claimgate/internal/platform/exchange"
	"github.com/ehr/claimgate/internal/platform/lock"
	"github.com/ehr/claimgate/internal/platform/metrics"
	"github.com/ehr/claimgate/internal/platform/notification"
)

var (
	// ErrNewGenerationRequired is returned when a generation that already
	// has a submission is offered with different bundle content.
	ErrNewGenerationRequired = errors.New("bundle content changed; start a new claim generation")
	ErrWithdrawn             = errors.New("submission withdrawn")
	ErrNotWithdrawable       = errors.New("claim has no submission in progress")
	ErrNotDeadLetter         = errors.New("submission is not dead-lettered")
	ErrAlreadyAcknowledged   = errors.New("dead letter already acknowledged")
)

// Exchange is the part of the exchange client the coordinator calls.
type Exchange interface {
	Submit(ctx context.Context, req exchange.SubmitRequest) (*exchange.SubmitResult, error)
	Lookup(ctx context.Context, correlationID string) (*exchange.LookupResult, error)
}

// PollScheduler tracks asynchronously acknowledged submissions.
type PollScheduler interface {
	Schedule(r *Record)
	Cancel(claimID string)
}

// Rejection is a permanent exchange rejection handed to the analyzer.
type Rejection struct {
	Claim      *claim.ClaimRecord
	Submission *Record
	ReasonCode string
	Detail     string
	RejectedAt time.Time
}

type RejectionSink interface {
	RecordExchangeRejection(ctx context.Context, r Rejection) error
}

// TxFunc runs fn in one storage transaction.
type TxFunc func(ctx context.Context, fn func(ctx context.Context) error) error

func noTx(ctx context.Context, fn func(ctx context.Context) error) error { return fn(ctx) }

// RetryPolicy bounds delivery of one bundle. MaxAttempts counts every call,
// including the first.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	Jitter      float64
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 5,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    30 * time.Second,
		Multiplier:  2,
		Jitter:      0.2,
	}
}

func (p RetryPolicy) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.Multiplier = p.Multiplier
	b.MaxInterval = p.MaxDelay
	b.RandomizationFactor = p.Jitter
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Resolution is the final word on a submission.
type Resolution struct {
	Status     Status
	ReasonCode string
	Detail     string
	Payload    []byte
	Err        error

	withdrawnBy string
}

// Outcome is what Submit hands back. Duplicate is set when the bundle had
// already been submitted and Record is the earlier submission.
type Outcome struct {
	Record    *Record
	Duplicate bool
	Notice    *claim.DuplicateSubmissionDetected
}

// RecoveryReport counts what Recover did.
type RecoveryReport struct {
	Reconciled  int `json:"reconciled"`
	Resumed     int `json:"resumed"`
	Rescheduled int `json:"rescheduled"`
	Failed      int `json:"failed"`
}

type withdrawal struct{ actor string }

func (w *withdrawal) Error() string        { return "withdrawn by " + w.actor }
func (w *withdrawal) Is(target error) bool { return target == ErrWithdrawn }

// Coordinator drives a bundle from BUNDLED to a terminal state. Writes for
// one claim are serialized through the locker.
type Coordinator struct {
	claims   claim.Repository
	subs     Repository
	exch     Exchange
	locker   lock.Locker
	audit    audit.Logger
	policy   RetryPolicy
	poller   PollScheduler
	sink     RejectionSink
	notifier *notification.Notifier
	metrics  *metrics.Metrics
	tx       TxFunc
	workers  int
	logger   zerolog.Logger
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error

	mu      sync.Mutex
	running map[string]context.CancelCauseFunc
}

type Option func(*Coordinator)

func WithRejectionSink(s RejectionSink) Option { return func(c *Coordinator) { c.sink = s } }

func WithNotifier(n *notification.Notifier) Option { return func(c *Coordinator) { c.notifier = n } }

func WithMetrics(m *metrics.Metrics) Option { return func(c *Coordinator) { c.metrics = m } }

// WithTx makes each state change and its audit event atomic.
func WithTx(tx TxFunc) Option { return func(c *Coordinator) { c.tx = tx } }

// WithWorkers bounds how many claims Recover reconciles at once.
func WithWorkers(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.workers = n
		}
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(c *Coordinator) { c.logger = l.With().Str("component", "submission").Logger() }
}

func WithClock(now func() time.Time) Option { return func(c *Coordinator) { c.now = now } }

func NewCoordinator(claims claim.Repository, subs Repository, exch Exchange, locker lock.Locker, auditLog audit.Logger, policy RetryPolicy, opts ...Option) *Coordinator {
	c := &Coordinator{
		claims:  claims,
		subs:    subs,
		exch:    exch,
		locker:  locker,
		audit:   auditLog,
		policy:  policy,
		tx:      noTx,
		workers: 4,
		logger:  zerolog.Nop(),
		now:     time.Now,
		sleep:   sleepCtx,
		running: make(map[string]context.CancelCauseFunc),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// SetPollScheduler attaches the poller. The poller resolves through the
// coordinator, so the two are wired after construction.
func (c *Coordinator) SetPollScheduler(p PollScheduler) { c.poller = p }

// Submit delivers b. The claim generation must be VALIDATED. An identical
// bundle already on file returns its record instead of calling the
// exchange. Delivery failures end up on the returned record; the error is
// reserved for storage problems, cancellation and illegal transitions.
func (c *Coordinator) Submit(ctx context.Context, b *bundle.ExchangeBundle) (*Outcome, error) {
	unlock, err := c.locker.Lock(ctx, b.ClaimID)
	if err != nil {
		return nil, fmt.Errorf("lock claim %s: %w", b.ClaimID, err)
	}
	defer unlock()

	if out, err := c.duplicate(ctx, b); out != nil || err != nil {
		return out, err
	}
	latest, err := c.subs.LatestForClaim(ctx, b.ClaimID)
	switch {
	case err == nil && latest.Generation >= b.Generation:
		return nil, fmt.Errorf("%w: claim %s generation %d", ErrNewGenerationRequired, b.ClaimID, b.Generation)
	case err != nil && !errors.Is(err, ErrNotFound):
		return nil, err
	}

	cur, err := c.claims.Get(ctx, b.ClaimID, b.Generation)
	if err != nil {
		return nil, err
	}
	sub := &Record{
		ID:            uuid.New(),
		ClaimID:       b.ClaimID,
		Generation:    b.Generation,
		Kind:          b.Kind,
		CorrelationID: uuid.NewString(),
		BundleHash:    b.Hash(),
		BundleBody:    b.Bytes(),
		Status:        StatusPending,
	}
	err = c.tx(ctx, func(ctx context.Context) error {
		switch cur.Status {
		case claim.StatusValidated:
			if err := c.transition(ctx, sub, claim.StatusValidated, claim.StatusBundled); err != nil {
				return err
			}
		case claim.StatusBundled:
		default:
			return claim.Transition(cur.Status, claim.StatusBundled)
		}
		return c.subs.Create(ctx, sub)
	})
	if errors.Is(err, ErrDuplicate) {
		if out, derr := c.duplicate(ctx, b); out != nil || derr != nil {
			return out, derr
		}
	}
	if err != nil {
		return nil, err
	}

	err = c.run(ctx, sub, func(ctx context.Context) error { return c.deliver(ctx, sub) })
	return &Outcome{Record: sub.Clone()}, err
}

func (c *Coordinator) duplicate(ctx context.Context, b *bundle.ExchangeBundle) (*Outcome, error) {
	existing, err := c.subs.FindByHash(ctx, b.ClaimID, b.Hash())
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	notice := &claim.DuplicateSubmissionDetected{ClaimID: b.ClaimID, SubmissionID: existing.ID.String()}
	c.logger.Info().Str("claim_id", b.ClaimID).Str("submission_id", existing.ID.String()).Msg("duplicate submission")
	c.record(ctx, &audit.Event{
		ClaimID:       existing.ClaimID,
		Generation:    existing.Generation,
		Action:        audit.ActionDuplicate,
		CorrelationID: existing.CorrelationID,
		Detail:        notice.Code(),
	})
	return &Outcome{Record: existing, Duplicate: true, Notice: notice}, nil
}

// run executes fn with a context Withdraw can cancel.
func (c *Coordinator) run(ctx context.Context, sub *Record, fn func(ctx context.Context) error) error {
	runCtx, cancel := context.WithCancelCause(ctx)
	c.mu.Lock()
	c.running[sub.ClaimID] = cancel
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.running, sub.ClaimID)
		c.mu.Unlock()
		cancel(nil)
	}()
	return fn(runCtx)
}

// deliver calls the exchange until it answers, rejects, or attempts run
// out. Every attempt is persisted before the call.
func (c *Coordinator) deliver(ctx context.Context, sub *Record) error {
	bo := c.policy.newBackOff()
	for {
		if ctx.Err() != nil {
			return c.interrupted(ctx, sub)
		}
		if sub.Attempt >= c.policy.MaxAttempts {
			return c.resolve(ctx, sub, Resolution{
				Status: StatusTimedOut,
				Err:    &claim.TimeoutError{ClaimID: sub.ClaimID, Attempts: sub.Attempt, Reason: "retry attempts exhausted"},
			})
		}
		if err := c.beginAttempt(ctx, sub); err != nil {
			return err
		}

		res, err := c.exch.Submit(ctx, exchange.SubmitRequest{
			ClaimID:        sub.ClaimID,
			Kind:           sub.Kind,
			CorrelationID:  sub.CorrelationID,
			IdempotencyKey: sub.BundleHash,
			Body:           sub.BundleBody,
		})
		if err == nil {
			return c.acknowledge(ctx, sub, res)
		}
		if ctx.Err() != nil {
			// The exchange may or may not have the bundle.
			return c.interrupted(ctx, sub)
		}

		sub.InFlight = false
		var rej *claim.PermanentExchangeRejection
		if errors.As(err, &rej) {
			return c.resolve(ctx, sub, Resolution{Status: StatusRejected, ReasonCode: rej.ReasonCode, Detail: rej.Detail, Err: rej})
		}
		if !claim.IsTransient(err) {
			err = &claim.TransientExchangeError{Err: err}
		}
		sub.setError(err)
		if uerr := c.subs.Update(ctx, sub); uerr != nil {
			return uerr
		}
		c.logger.Warn().Err(err).
			Str("claim_id", sub.ClaimID).
			Int("attempt", sub.Attempt).
			Msg("transient exchange failure")
		if sub.Attempt >= c.policy.MaxAttempts {
			continue
		}
		c.metrics.IncRetry()
		_ = c.sleep(ctx, bo.NextBackOff())
	}
}

func (c *Coordinator) beginAttempt(ctx context.Context, sub *Record) error {
	now := c.now().UTC()
	sub.Attempt++
	sub.SentAt = &now
	sub.InFlight = true
	return c.tx(ctx, func(ctx context.Context) error {
		if _, err := c.advance(ctx, sub, claim.StatusSent); err != nil {
			return err
		}
		if err := c.subs.Update(ctx, sub); err != nil {
			return err
		}
		return c.audit.Record(ctx, &audit.Event{
			ClaimID:       sub.ClaimID,
			Generation:    sub.Generation,
			Action:        audit.ActionSubmitAttempt,
			Actor:         audit.SystemActor,
			CorrelationID: sub.CorrelationID,
			Detail:        "attempt " + strconv.Itoa(sub.Attempt),
		})
	})
}

// interrupted handles a cancelled delivery. A withdrawal settles the
// submission; any other cancellation leaves it for Recover.
func (c *Coordinator) interrupted(ctx context.Context, sub *Record) error {
	cause := context.Cause(ctx)
	var w *withdrawal
	if !errors.As(cause, &w) {
		return cause
	}
	bg := context.WithoutCancel(ctx)
	withdraw := func() error {
		return c.resolve(bg, sub, Resolution{
			Status:      StatusTimedOut,
			Err:         &claim.TimeoutError{ClaimID: sub.ClaimID, Attempts: sub.Attempt, Reason: w.Error()},
			withdrawnBy: w.actor,
		})
	}
	if !sub.InFlight {
		if err := withdraw(); err != nil {
			return err
		}
		return ErrWithdrawn
	}
	// Cancelled mid-call: ask the exchange before declaring it withdrawn.
	if err := c.reconcile(bg, sub, withdraw); err != nil {
		return err
	}
	if sub.Status == StatusTimedOut {
		return ErrWithdrawn
	}
	return nil
}

func (c *Coordinator) acknowledge(ctx context.Context, sub *Record, res *exchange.SubmitResult) error {
	sub.InFlight = false
	sub.LastError, sub.LastErrorCode, sub.LastRemediation = "", "", ""
	sub.setPayload(res.Payload)

	if res.Async {
		if err := c.settle(ctx, sub, StatusAckAsyncPending); err != nil {
			return err
		}
		if c.poller != nil {
			c.poller.Schedule(sub.Clone())
		}
		return nil
	}

	if err := c.settle(ctx, sub, StatusAckSync); err != nil {
		return err
	}
	switch res.Disposition {
	case exchange.DispositionAdjudicated:
		return c.resolve(ctx, sub, Resolution{Status: StatusAdjudicated})
	case exchange.DispositionRejected:
		return c.resolve(ctx, sub, Resolution{
			Status:     StatusRejected,
			ReasonCode: res.ReasonCode,
			Detail:     res.Detail,
			Err:        &claim.PermanentExchangeRejection{StatusCode: 200, ReasonCode: res.ReasonCode, Detail: res.Detail},
		})
	}
	return nil
}

// settle records a non-terminal acknowledgment.
func (c *Coordinator) settle(ctx context.Context, sub *Record, status Status) error {
	sub.Status = status
	err := c.tx(ctx, func(ctx context.Context) error {
		if _, err := c.advance(ctx, sub, status.claimStatus()); err != nil {
			return err
		}
		return c.subs.Update(ctx, sub)
	})
	if err != nil {
		return err
	}
	c.metrics.ObserveSubmission(string(status))
	c.logger.Info().Str("claim_id", sub.ClaimID).Str("status", string(status)).Msg("submission acknowledged")
	return nil
}

// Resolve records a terminal outcome for submission id. The poller calls it.
func (c *Coordinator) Resolve(ctx context.Context, id uuid.UUID, res Resolution) error {
	sub, err := c.subs.Get(ctx, id)
	if err != nil {
		return err
	}
	unlock, err := c.locker.Lock(ctx, sub.ClaimID)
	if err != nil {
		return fmt.Errorf("lock claim %s: %w", sub.ClaimID, err)
	}
	defer unlock()
	if sub, err = c.subs.Get(ctx, id); err != nil {
		return err
	}
	return c.resolve(ctx, sub, res)
}

func (c *Coordinator) resolve(ctx context.Context, sub *Record, res Resolution) error {
	if !res.Status.Terminal() {
		return fmt.Errorf("resolve claim %s: %s is not terminal", sub.ClaimID, res.Status)
	}
	if sub.Status.Terminal() {
		return nil
	}
	sub.Status = res.Status
	sub.InFlight = false
	sub.setPayload(res.Payload)
	if res.Err != nil {
		sub.setError(res.Err)
	}
	sub.DeadLetter = res.Status == StatusTimedOut && res.withdrawnBy == ""

	var rec *claim.ClaimRecord
	err := c.tx(ctx, func(ctx context.Context) error {
		var err error
		if rec, err = c.advance(ctx, sub, res.Status.claimStatus()); err != nil {
			return err
		}
		if err := c.subs.Update(ctx, sub); err != nil {
			return err
		}
		if res.withdrawnBy == "" {
			return nil
		}
		return c.audit.Record(ctx, &audit.Event{
			ClaimID:       sub.ClaimID,
			Generation:    sub.Generation,
			Action:        audit.ActionWithdraw,
			Actor:         res.withdrawnBy,
			CorrelationID: sub.CorrelationID,
		})
	})
	if err != nil {
		return err
	}

	c.metrics.ObserveSubmission(string(res.Status))
	c.logger.Info().
		Str("claim_id", sub.ClaimID).
		Str("status", string(res.Status)).
		Str("code", sub.LastErrorCode).
		Msg("submission resolved")

	data := map[string]string{
		"claim_id":      sub.ClaimID,
		"generation":    strconv.Itoa(sub.Generation),
		"submission_id": sub.ID.String(),
		"attempts":      strconv.Itoa(sub.Attempt),
		"payer_id":      rec.Payer.PayerID,
		"reason_code":   res.ReasonCode,
		"error_code":    sub.LastErrorCode,
		"remediation":   sub.LastRemediation,
	}
	switch {
	case res.Status == StatusAdjudicated:
		c.notify(ctx, notification.EventClaimAdjudicated, sub.ClaimID, data)
	case res.Status == StatusRejected:
		if c.sink != nil {
			rej := Rejection{Claim: rec, Submission: sub.Clone(), ReasonCode: res.ReasonCode, Detail: res.Detail, RejectedAt: c.now().UTC()}
			if err := c.sink.RecordExchangeRejection(ctx, rej); err != nil {
				c.logger.Error().Err(err).Str("claim_id", sub.ClaimID).Msg("record exchange rejection")
			}
		}
		c.notify(ctx, notification.EventClaimRejected, sub.ClaimID, data)
	case sub.DeadLetter:
		c.metrics.IncDeadLetter()
		c.notify(ctx, notification.EventClaimDeadLettered, sub.ClaimID, data)
	}
	return nil
}

// advance moves the claim to target, filling in the SENT and ACK_SYNC steps
// a recovered submission may have skipped. It returns the stored record as
// it was before the move.
func (c *Coordinator) advance(ctx context.Context, sub *Record, target claim.Status) (*claim.ClaimRecord, error) {
	rec, err := c.claims.Get(ctx, sub.ClaimID, sub.Generation)
	if err != nil {
		return nil, err
	}
	from := rec.Status
	if from == target {
		return rec, nil
	}
	if from == claim.StatusBundled && target != claim.StatusSent {
		if err := c.transition(ctx, sub, from, claim.StatusSent); err != nil {
			return nil, err
		}
		from = claim.StatusSent
	}
	if from == claim.StatusSent && target == claim.StatusAdjudicated {
		if err := c.transition(ctx, sub, from, claim.StatusAckSync); err != nil {
			return nil, err
		}
		from = claim.StatusAckSync
	}
	return rec, c.transition(ctx, sub, from, target)
}

func (c *Coordinator) transition(ctx context.Context, sub *Record, from, to claim.Status) error {
	if err := c.claims.UpdateStatus(ctx, sub.ClaimID, sub.Generation, from, to); err != nil {
		return err
	}
	return c.audit.Record(ctx, audit.NewTransition(sub.ClaimID, sub.Generation, string(from), string(to), sub.CorrelationID))
}

// reconcile applies what the exchange knows about sub's correlation id.
// notFound runs when the exchange has never seen it.
func (c *Coordinator) reconcile(ctx context.Context, sub *Record, notFound func() error) error {
	res, err := c.exch.Lookup(ctx, sub.CorrelationID)
	if err != nil {
		return fmt.Errorf("look up correlation %s: %w", sub.CorrelationID, err)
	}
	if !res.Found {
		sub.InFlight = false
		return notFound()
	}
	sub.InFlight = false
	sub.setPayload(res.Payload)

	switch {
	case res.State == exchange.StatePending:
		if err := c.settle(ctx, sub, StatusAckAsyncPending); err != nil {
			return err
		}
		if c.poller != nil {
			c.poller.Schedule(sub.Clone())
		}
		return nil
	case res.State == exchange.StateError, res.Disposition == exchange.DispositionRejected:
		return c.resolve(ctx, sub, Resolution{
			Status:     StatusRejected,
			ReasonCode: res.ReasonCode,
			Detail:     res.Detail,
			Err:        &claim.PermanentExchangeRejection{ReasonCode: res.ReasonCode, Detail: res.Detail},
		})
	case res.Disposition == exchange.DispositionAdjudicated:
		return c.resolve(ctx, sub, Resolution{Status: StatusAdjudicated})
	default:
		return c.settle(ctx, sub, StatusAckSync)
	}
}

// Recover reconciles every open submission after a restart. PENDING ones
// are looked up by correlation id first; only those the exchange has never
// seen are delivered again. ACK_ASYNC_PENDING ones go back to the poller.
func (c *Coordinator) Recover(ctx context.Context) (*RecoveryReport, error) {
	open, err := c.subs.ListOpen(ctx)
	if err != nil {
		return nil, fmt.Errorf("list open submissions: %w", err)
	}

	var reconciled, resumed, failed int64
	report := &RecoveryReport{}
	var g errgroup.Group
	g.SetLimit(c.workers)
	for _, sub := range open {
		if sub.Status == StatusAckAsyncPending {
			if c.poller != nil {
				c.poller.Schedule(sub)
				report.Rescheduled++
			}
			continue
		}
		sub := sub
		g.Go(func() error {
			wasResumed, err := c.recoverOne(ctx, sub)
			switch {
			case err != nil && !errors.Is(err, ErrWithdrawn):
				atomic.AddInt64(&failed, 1)
				c.logger.Error().Err(err).Str("claim_id", sub.ClaimID).Msg("recover submission")
			case wasResumed:
				atomic.AddInt64(&resumed, 1)
			default:
				atomic.AddInt64(&reconciled, 1)
			}
			return nil
		})
	}
	_ = g.Wait()

	report.Reconciled = int(reconciled)
	report.Resumed = int(resumed)
	report.Failed = int(failed)
	c.logger.Info().
		Int("reconciled", report.Reconciled).
		Int("resumed", report.Resumed).
		Int("rescheduled", report.Rescheduled).
		Int("failed", report.Failed).
		Msg("submission recovery finished")
	return report, nil
}

func (c *Coordinator) recoverOne(ctx context.Context, sub *Record) (bool, error) {
	unlock, err := c.locker.Lock(ctx, sub.ClaimID)
	if err != nil {
		return false, err
	}
	defer unlock()

	resumed := false
	err = c.run(ctx, sub, func(ctx context.Context) error {
		return c.reconcile(ctx, sub, func() error {
			resumed = true
			return c.deliver(ctx, sub)
		})
	})
	return resumed, err
}

// Withdraw stops delivery or polling for claimID. A running delivery is
// cancelled before its next attempt and settles itself.
func (c *Coordinator) Withdraw(ctx context.Context, claimID, actor string) error {
	if actor == "" {
		actor = audit.SystemActor
	}
	c.mu.Lock()
	cancel, ok := c.running[claimID]
	c.mu.Unlock()
	if ok {
		cancel(&withdrawal{actor: actor})
		return nil
	}

	unlock, err := c.locker.Lock(ctx, claimID)
	if err != nil {
		return fmt.Errorf("lock claim %s: %w", claimID, err)
	}
	defer unlock()

	sub, err := c.subs.LatestForClaim(ctx, claimID)
	if errors.Is(err, ErrNotFound) {
		return ErrNotWithdrawable
	}
	if err != nil {
		return err
	}
	if sub.Status != StatusAckAsyncPending && sub.Status != StatusPending {
		return fmt.Errorf("%w: submission is %s", ErrNotWithdrawable, sub.Status)
	}
	if c.poller != nil {
		c.poller.Cancel(claimID)
	}
	res := Resolution{
		Status:      StatusTimedOut,
		Err:         &claim.TimeoutError{ClaimID: claimID, Attempts: sub.Attempt, Reason: "withdrawn by " + actor},
		withdrawnBy: actor,
	}
	if sub.Status == StatusPending && sub.InFlight {
		return c.reconcile(ctx, sub, func() error { return c.resolve(ctx, sub, res) })
	}
	return c.resolve(ctx, sub, res)
}

// AcknowledgeDeadLetter closes a dead-lettered submission.
func (c *Coordinator) AcknowledgeDeadLetter(ctx context.Context, id uuid.UUID, actor, note string) (*Record, error) {
	sub, err := c.subs.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	unlock, err := c.locker.Lock(ctx, sub.ClaimID)
	if err != nil {
		return nil, fmt.Errorf("lock claim %s: %w", sub.ClaimID, err)
	}
	defer unlock()
	if sub, err = c.subs.Get(ctx, id); err != nil {
		return nil, err
	}
	if !sub.DeadLetter {
		return nil, ErrNotDeadLetter
	}
	if sub.AcknowledgedAt != nil {
		return nil, ErrAlreadyAcknowledged
	}

	now := c.now().UTC()
	sub.AcknowledgedBy = actor
	sub.AcknowledgedAt = &now
	sub.AcknowledgeNote = note
	err = c.tx(ctx, func(ctx context.Context) error {
		if err := c.subs.Update(ctx, sub); err != nil {
			return err
		}
		return c.audit.Record(ctx, &audit.Event{
			ClaimID:       sub.ClaimID,
			Generation:    sub.Generation,
			Action:        audit.ActionDeadLetterAck,
			Actor:         actor,
			CorrelationID: sub.CorrelationID,
			Detail:        note,
		})
	})
	if err != nil {
		return nil, err
	}
	return sub, nil
}

func (c *Coordinator) ListDeadLetters(ctx context.Context, limit, offset int) ([]*Record, int, error) {
	return c.subs.ListDeadLetters(ctx, limit, offset)
}

// Latest returns the newest submission of claimID.
func (c *Coordinator) Latest(ctx context.Context, claimID string) (*Record, error) {
	return c.subs.LatestForClaim(ctx, claimID)
}

// Running reports whether a delivery for claimID is in progress here.
func (c *Coordinator) Running(claimID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.running[claimID]
	return ok
}

func (c *Coordinator) record(ctx context.Context, e *audit.Event) {
	if e.Actor == "" {
		e.Actor = audit.SystemActor
	}
	if err := c.audit.Record(ctx, e); err != nil {
		c.logger.Error().Err(err).Str("claim_id", e.ClaimID).Str("action", e.Action).Msg("audit write failed")
	}
}

func (c *Coordinator) notify(ctx context.Context, event notification.Event, claimID string, data map[string]string) {
	if _, err := c.notifier.Notify(ctx, event, claimID, data); err != nil {
		c.logger.Warn().Err(err).Str("claim_id", claimID).Str("event", string(event)).Msg("notification failed")
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

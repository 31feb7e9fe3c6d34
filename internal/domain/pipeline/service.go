// Package pipeline wires the claim flow: normalize, validate, persist,
// bundle and hand off to the submission coordinator, plus the rejection
// and resubmission loop that feeds corrected generations back in.
package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/ehr/claimgate/internal/domain/adapter"
	"github.com/ehr/claimgate/internal/domain/bundle"
	"github.com/ehr/claimgate/internal/domain/claim"
	"github.com/ehr/claimgate/internal/domain/rejection"
	"github.com/ehr/claimgate/internal/domain/submission"
	"github.com/ehr/claimgate/internal/domain/validation"
	"github.com/ehr/claimgate/internal/platform/audit"
	"github.com/ehr/claimgate/internal/platform/metrics"
)

// ErrClaimInFlight is returned when a claim's latest generation has not
// reached a terminal state yet.
var ErrClaimInFlight = errors.New("claim has a generation in progress")

// ErrStaleGeneration is returned when a corrected generation no longer
// follows the claim's latest stored generation.
var ErrStaleGeneration = errors.New("corrected generation is stale")

// Deps are the collaborators a Service drives.
type Deps struct {
	Adapters    *adapter.Registry
	Validator   *validation.Validator
	Builder     *bundle.Builder
	Claims      claim.Repository
	Coordinator *submission.Coordinator
	Analyzer    *rejection.Analyzer
	Queue       *rejection.Queue
	Audit       audit.Logger
	Tx          submission.TxFunc
	Metrics     *metrics.Metrics
	Logger      zerolog.Logger
	// Workers bounds concurrent deliveries and batch items.
	Workers int
}

type Service struct {
	adapters  *adapter.Registry
	validator *validation.Validator
	builder   *bundle.Builder
	claims    claim.Repository
	coord     *submission.Coordinator
	analyzer  *rejection.Analyzer
	queue     *rejection.Queue
	audit     audit.Logger
	tx        submission.TxFunc
	metrics   *metrics.Metrics
	logger    zerolog.Logger
	workers   int

	sem    *semaphore.Weighted
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

func NewService(d Deps) *Service {
	if d.Workers <= 0 {
		d.Workers = 4
	}
	if d.Tx == nil {
		d.Tx = func(ctx context.Context, fn func(ctx context.Context) error) error { return fn(ctx) }
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		adapters:  d.Adapters,
		validator: d.Validator,
		builder:   d.Builder,
		claims:    d.Claims,
		coord:     d.Coordinator,
		analyzer:  d.Analyzer,
		queue:     d.Queue,
		audit:     d.Audit,
		tx:        d.Tx,
		metrics:   d.Metrics,
		logger:    d.Logger.With().Str("component", "pipeline").Logger(),
		workers:   d.Workers,
		sem:       semaphore.NewWeighted(int64(d.Workers)),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Result is what Ingest hands back for one document.
type Result struct {
	Record     *claim.ClaimRecord      `json:"record"`
	Validation *claim.ValidationResult `json:"validation,omitempty"`
	BundleHash string                  `json:"bundle_hash,omitempty"`
	// Duplicate is set when the document matches the latest stored
	// generation; nothing new was submitted.
	Duplicate  bool               `json:"duplicate,omitempty"`
	Submission *submission.Record `json:"submission,omitempty"`
}

// Normalize maps raw onto a canonical record without storing it. An empty
// format triggers detection.
func (s *Service) Normalize(raw []byte, format string) (*claim.ClaimRecord, error) {
	return s.adapters.Normalize(raw, format)
}

// Ingest normalizes, validates and stores a document, then submits it in
// the background. A FAIL result is returned with a ValidationFailure and
// nothing is stored.
func (s *Service) Ingest(ctx context.Context, raw []byte, format string) (*Result, error) {
	rec, err := s.adapters.Normalize(raw, format)
	if err != nil {
		return nil, err
	}

	latest, err := s.claims.Latest(ctx, rec.ClaimID)
	switch {
	case errors.Is(err, claim.ErrNotFound):
	case err != nil:
		return nil, err
	default:
		same, err := sameContent(latest, rec)
		if err != nil {
			return nil, err
		}
		if same {
			sub, err := s.coord.Latest(ctx, rec.ClaimID)
			if err != nil && !errors.Is(err, submission.ErrNotFound) {
				return nil, err
			}
			out := &Result{Record: latest, Duplicate: true, Submission: sub}
			if stranded(latest, sub) && !s.coord.Running(latest.ClaimID) {
				if out.BundleHash, err = s.redispatch(latest); err != nil {
					return nil, err
				}
			}
			return out, nil
		}
		if !latest.Status.Terminal() {
			return nil, fmt.Errorf("%w: %s generation %d is %s", ErrClaimInFlight, latest.ClaimID, latest.Generation, latest.Status)
		}
		rec.Generation = latest.Generation + 1
	}
	return s.admit(ctx, rec)
}

// sameContent compares two generations ignoring generation, status and
// normalization time.
func sameContent(stored, incoming *claim.ClaimRecord) (bool, error) {
	a := stored.Clone()
	a.Generation, a.Status = incoming.Generation, incoming.Status
	ab, err := a.Canonical()
	if err != nil {
		return false, err
	}
	bb, err := incoming.Canonical()
	if err != nil {
		return false, err
	}
	return bytes.Equal(ab, bb), nil
}

// admit validates rec, stores it as VALIDATED, builds its bundle and hands
// it to a background delivery.
func (s *Service) admit(ctx context.Context, rec *claim.ClaimRecord) (*Result, error) {
	result := s.validator.Validate(rec)
	s.metrics.ObserveValidation(string(result.Status), string(rec.Kind))
	out := &Result{Record: rec, Validation: result}
	if !result.Submittable() {
		s.logger.Info().Str("claim_id", rec.ClaimID).Int("generation", rec.Generation).
			Float64("score", result.Score).Int("violations", len(result.Violations)).Msg("claim failed validation")
		return out, &claim.ValidationFailure{ClaimID: rec.ClaimID, Result: result}
	}

	rec.Status = claim.StatusDraft
	err := s.tx(ctx, func(ctx context.Context) error {
		if err := s.claims.Save(ctx, rec); err != nil {
			return err
		}
		if err := s.claims.UpdateStatus(ctx, rec.ClaimID, rec.Generation, claim.StatusDraft, claim.StatusValidated); err != nil {
			return err
		}
		if s.audit == nil {
			return nil
		}
		return s.audit.Record(ctx, audit.NewTransition(rec.ClaimID, rec.Generation,
			string(claim.StatusDraft), string(claim.StatusValidated), ""))
	})
	if err != nil {
		return nil, fmt.Errorf("store claim %s generation %d: %w", rec.ClaimID, rec.Generation, err)
	}
	rec.Status = claim.StatusValidated
	rec.Freeze()

	b, err := s.builder.Build(rec)
	if err != nil {
		return out, err
	}
	out.BundleHash = b.Hash()
	s.dispatch(b)
	return out, nil
}

// dispatch delivers b in the background. At most Workers deliveries run at
// once; the rest wait for a slot.
func (s *Service) dispatch(b *bundle.ExchangeBundle) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.sem.Acquire(s.ctx, 1); err != nil {
			s.logger.Warn().Str("claim_id", b.ClaimID).Msg("delivery not started; shutting down")
			return
		}
		defer s.sem.Release(1)

		out, err := s.coord.Submit(s.ctx, b)
		log := s.logger.With().Str("claim_id", b.ClaimID).Int("generation", b.Generation).Logger()
		switch {
		case err != nil:
			log.Error().Err(err).Msg("delivery stopped")
		case out.Duplicate:
			log.Info().Str("submission_id", out.Record.ID.String()).Msg("bundle already submitted")
		default:
			log.Info().Str("submission_id", out.Record.ID.String()).Str("status", string(out.Record.Status)).
				Msg("delivery finished")
		}
	}()
}

// stranded reports whether rec was admitted but never reached the
// coordinator, e.g. the process stopped while its delivery waited for a slot.
func stranded(rec *claim.ClaimRecord, latest *submission.Record) bool {
	if rec.Status != claim.StatusValidated && rec.Status != claim.StatusBundled {
		return false
	}
	return latest == nil || latest.Generation < rec.Generation
}

// redispatch rebuilds the bundle of an admitted record and hands it to a
// background delivery again.
func (s *Service) redispatch(rec *claim.ClaimRecord) (string, error) {
	rec.Freeze()
	b, err := s.builder.Build(rec)
	if err != nil {
		return "", err
	}
	s.logger.Info().Str("claim_id", rec.ClaimID).Int("generation", rec.Generation).
		Str("status", string(rec.Status)).Msg("redispatching admitted claim")
	s.dispatch(b)
	return b.Hash(), nil
}

// RecoveryReport counts what Recover did.
type RecoveryReport struct {
	submission.RecoveryReport
	Redispatched int `json:"redispatched"`
}

// Recover runs the coordinator's recovery over open submissions, then
// redispatches every admitted generation that has no submission yet.
func (s *Service) Recover(ctx context.Context) (*RecoveryReport, error) {
	subs, err := s.coord.Recover(ctx)
	if err != nil {
		return nil, err
	}
	report := &RecoveryReport{RecoveryReport: *subs}

	admitted, err := s.claims.ListByStatus(ctx, claim.StatusValidated, claim.StatusBundled)
	if err != nil {
		return report, fmt.Errorf("list admitted claims: %w", err)
	}
	for _, rec := range admitted {
		sub, err := s.coord.Latest(ctx, rec.ClaimID)
		switch {
		case errors.Is(err, submission.ErrNotFound):
			sub = nil
		case err != nil:
			return report, err
		}
		if !stranded(rec, sub) {
			continue
		}
		if _, err := s.redispatch(rec); err != nil {
			report.Failed++
			s.logger.Error().Err(err).Str("claim_id", rec.ClaimID).Int("generation", rec.Generation).
				Msg("rebuild admitted claim")
			continue
		}
		report.Redispatched++
	}
	s.logger.Info().Int("redispatched", report.Redispatched).Msg("pipeline recovery finished")
	return report, nil
}

// Document is one item of a batch.
type Document struct {
	Format string
	Raw    []byte
}

// BatchItem is the outcome of one batch document.
type BatchItem struct {
	Index  int     `json:"index"`
	Result *Result `json:"result,omitempty"`
	Code   string  `json:"code,omitempty"`
	Error  string  `json:"error,omitempty"`
}

// IngestBatch runs Ingest over docs with at most Workers in flight. One
// failing document does not stop the others; items come back in input order.
func (s *Service) IngestBatch(ctx context.Context, docs []Document) ([]BatchItem, error) {
	items := make([]BatchItem, len(docs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for i, d := range docs {
		g.Go(func() error {
			res, err := s.Ingest(gctx, d.Raw, d.Format)
			items[i] = BatchItem{Index: i, Result: res}
			if err != nil {
				items[i].Code = claim.CodeOf(err)
				items[i].Error = err.Error()
			}
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return items, err
	}
	return items, nil
}

// ClaimStatus is the latest generation of a claim and its newest submission.
type ClaimStatus struct {
	Record     *claim.ClaimRecord `json:"record"`
	Submission *submission.Record `json:"submission,omitempty"`
	Delivering bool               `json:"delivering"`
}

func (s *Service) Status(ctx context.Context, claimID string) (*ClaimStatus, error) {
	rec, err := s.claims.Latest(ctx, claimID)
	if err != nil {
		return nil, err
	}
	out := &ClaimStatus{Record: rec, Delivering: s.coord.Running(claimID)}
	sub, err := s.coord.Latest(ctx, claimID)
	switch {
	case err == nil:
		out.Submission = sub
	case !errors.Is(err, submission.ErrNotFound):
		return nil, err
	}
	return out, nil
}

func (s *Service) Withdraw(ctx context.Context, claimID, actor string) error {
	return s.coord.Withdraw(ctx, claimID, actor)
}

func (s *Service) DeadLetters(ctx context.Context, limit, offset int) ([]*submission.Record, int, error) {
	return s.coord.ListDeadLetters(ctx, limit, offset)
}

func (s *Service) AcknowledgeDeadLetter(ctx context.Context, id uuid.UUID, actor, note string) (*submission.Record, error) {
	return s.coord.AcknowledgeDeadLetter(ctx, id, actor, note)
}

// IngestFeed parses a rejection feed and files every accepted row.
func (s *Service) IngestFeed(ctx context.Context, r io.Reader, format rejection.Format) (*rejection.IngestReport, error) {
	parsed, err := rejection.Parse(r, format)
	if err != nil {
		return nil, err
	}
	return s.analyzer.Ingest(ctx, parsed)
}

func (s *Service) AtRisk(ctx context.Context, f rejection.Filter) (*rejection.Summary, error) {
	return s.analyzer.Summarize(ctx, f)
}

func (s *Service) Resubmissions(ctx context.Context, status rejection.TaskStatus, limit, offset int) ([]*rejection.Task, int, error) {
	return s.queue.List(ctx, status, limit, offset)
}

// Correct applies operator corrections to a task and resubmits the
// corrected generation straight away.
func (s *Service) Correct(ctx context.Context, taskID uuid.UUID, corrections map[string]string) (*Result, error) {
	task, err := s.queue.MarkReady(ctx, taskID, corrections)
	if err != nil {
		return nil, err
	}
	return s.resubmit(ctx, task)
}

// ProcessResubmissions resubmits up to limit ready tasks, earliest target
// date first. Failed tasks are marked and skipped. Tasks whose claim still
// has a generation in flight stay ready for a later sweep.
func (s *Service) ProcessResubmissions(ctx context.Context, limit int) (submitted, failed int, err error) {
	tasks, err := s.queue.Ready(ctx, limit)
	if err != nil {
		return 0, 0, err
	}
	for _, t := range tasks {
		if err := ctx.Err(); err != nil {
			return submitted, failed, err
		}
		_, err := s.resubmit(ctx, t)
		switch {
		case errors.Is(err, ErrClaimInFlight):
			s.logger.Debug().Str("claim_id", t.ClaimID).Str("task_id", t.ID.String()).Msg("resubmission deferred")
		case err != nil:
			failed++
		default:
			submitted++
		}
	}
	return submitted, failed, nil
}

// resubmit feeds a ready task's corrected generation back in at the
// validator once the claim's latest generation is terminal. Any other
// failure parks the task.
func (s *Service) resubmit(ctx context.Context, task *rejection.Task) (*Result, error) {
	rec := task.Corrected.Clone()
	latest, err := s.claims.Latest(ctx, rec.ClaimID)
	if err != nil && !errors.Is(err, claim.ErrNotFound) {
		return nil, err
	}
	if latest != nil && !latest.Status.Terminal() {
		return nil, fmt.Errorf("%w: %s generation %d is %s", ErrClaimInFlight, latest.ClaimID, latest.Generation, latest.Status)
	}

	var res *Result
	if latest != nil && rec.Generation != latest.Generation+1 {
		err = fmt.Errorf("%w: %s generation %d does not follow stored generation %d",
			ErrStaleGeneration, rec.ClaimID, rec.Generation, latest.Generation)
	} else {
		res, err = s.admit(ctx, rec)
	}
	if err != nil {
		if _, ferr := s.queue.MarkFailed(ctx, task.ID, err); ferr != nil {
			s.logger.Error().Err(ferr).Str("task_id", task.ID.String()).Msg("mark resubmission failed")
		}
		return res, err
	}
	if _, err := s.queue.MarkSubmitted(ctx, task.ID); err != nil {
		return res, err
	}
	s.logger.Info().Str("claim_id", rec.ClaimID).Int("generation", rec.Generation).
		Str("task_id", task.ID.String()).Msg("corrected generation resubmitted")
	return res, nil
}

// Wait blocks until every background delivery started so far has returned.
func (s *Service) Wait() { s.wg.Wait() }

// Close cancels background deliveries and waits for them. Interrupted
// submissions stay open for the coordinator's recovery pass.
func (s *Service) Close() {
	s.cancel()
	s.wg.Wait()
}

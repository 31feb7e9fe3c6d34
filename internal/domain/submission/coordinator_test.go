package submission

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/ehr/claimgate/internal/domain/bundle"
	"github.com/ehr/claimgate/internal/domain/claim"
	"github.com/ehr/claimgate/internal/platform/audit"
	"github.com/ehr/claimgate/internal/platform/exchange"
	"github.com/ehr/claimgate/internal/platform/lock"
	"github.com/ehr/claimgate/internal/platform/notification"
)

type result struct {
	res *exchange.SubmitResult
	err error
}

type fakeExchange struct {
	mu          sync.Mutex
	results     []result
	calls       []exchange.SubmitRequest
	lookups     map[string]*exchange.LookupResult
	lookupCalls int
}

func (f *fakeExchange) Submit(_ context.Context, req exchange.SubmitRequest) (*exchange.SubmitResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := len(f.calls)
	f.calls = append(f.calls, req)
	if i >= len(f.results) {
		i = len(f.results) - 1
	}
	return f.results[i].res, f.results[i].err
}

func (f *fakeExchange) Lookup(_ context.Context, correlationID string) (*exchange.LookupResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookupCalls++
	if r, ok := f.lookups[correlationID]; ok {
		return r, nil
	}
	return &exchange.LookupResult{Found: false}, nil
}

func (f *fakeExchange) Calls() []exchange.SubmitRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]exchange.SubmitRequest(nil), f.calls...)
}

type fakePoller struct {
	mu        sync.Mutex
	scheduled []*Record
	cancelled []string
}

func (p *fakePoller) Schedule(r *Record) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.scheduled = append(p.scheduled, r)
}

func (p *fakePoller) Cancel(claimID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cancelled = append(p.cancelled, claimID)
}

type fakeSink struct {
	mu  sync.Mutex
	got []Rejection
}

func (s *fakeSink) RecordExchangeRejection(_ context.Context, r Rejection) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, r)
	return nil
}

type env struct {
	claims *claim.MemoryRepository
	subs   *MemoryRepository
	exch   *fakeExchange
	audit  *audit.MemoryLogger
	poller *fakePoller
	sink   *fakeSink
	notes  *notification.RecordingDispatcher
	coord  *Coordinator
	sleeps []time.Duration
}

func newEnv(t *testing.T, results ...result) *env {
	t.Helper()
	e := &env{
		claims: claim.NewMemoryRepository(),
		subs:   NewMemoryRepository(),
		exch:   &fakeExchange{results: results, lookups: map[string]*exchange.LookupResult{}},
		audit:  audit.NewMemoryLogger(),
		poller: &fakePoller{},
		sink:   &fakeSink{},
		notes:  &notification.RecordingDispatcher{},
	}
	policy := RetryPolicy{MaxAttempts: 3, BaseDelay: 10 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2, Jitter: 0.1}
	e.coord = NewCoordinator(e.claims, e.subs, e.exch, lock.NewLocalLocker(), e.audit, policy,
		WithRejectionSink(e.sink),
		WithNotifier(notification.NewNotifier(e.notes, nil, zerolog.Nop())),
	)
	e.coord.SetPollScheduler(e.poller)
	e.coord.sleep = func(_ context.Context, d time.Duration) error {
		e.sleeps = append(e.sleeps, d)
		return nil
	}
	return e
}

func sampleClaim() *claim.ClaimRecord {
	svc := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	sub := time.Date(2024, 3, 2, 9, 30, 0, 0, time.UTC)
	total := decimal.RequireFromString("12500")
	return &claim.ClaimRecord{
		ClaimID:    "CLM-1",
		Generation: 1,
		Kind:       claim.KindClaim,
		Provider:   claim.Provider{LicenseID: "LIC-77", OrganizationID: "ORG-1"},
		Patient:    claim.Patient{NationalID: "1234567890"},
		Payer:      claim.Payer{PayerID: "PAY-9", Name: "Gulf Mutual"},
		Service: claim.Service{
			ServiceDate:    &svc,
			SubmittedAt:    &sub,
			ProcedureCodes: []string{"99213"},
			DiagnosisCodes: []string{"J20.9"},
			Total:          &total,
			Currency:       "SAR",
		},
		Status: claim.StatusValidated,
	}
}

func buildBundle(t *testing.T, rec *claim.ClaimRecord) *bundle.ExchangeBundle {
	t.Helper()
	b, err := bundle.NewBuilder(bundle.Config{BaseURL: "https://claimgate.local/fhir", ProfileVersion: "1.0.0", Location: time.UTC}, zerolog.Nop()).Build(rec)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return b
}

func (e *env) seed(t *testing.T, status claim.Status) (*claim.ClaimRecord, *bundle.ExchangeBundle) {
	t.Helper()
	rec := sampleClaim()
	b := buildBundle(t, rec)
	rec.Status = status
	if err := e.claims.Save(context.Background(), rec); err != nil {
		t.Fatalf("Save: %v", err)
	}
	return rec, b
}

func (e *env) claimStatus(t *testing.T) claim.Status {
	t.Helper()
	rec, err := e.claims.Get(context.Background(), "CLM-1", 1)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	return rec.Status
}

func transient() result {
	return result{err: &claim.TransientExchangeError{StatusCode: 503}}
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestSubmit_SyncAcknowledgment(t *testing.T) {
	e := newEnv(t, result{res: &exchange.SubmitResult{SubmissionID: "EX-1", Payload: []byte(`{"submissionId":"EX-1"}`)}})
	_, b := e.seed(t, claim.StatusValidated)

	out, err := e.coord.Submit(context.Background(), b)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if out.Duplicate || out.Record.Status != StatusAckSync || out.Record.Attempt != 1 {
		t.Fatalf("unexpected outcome %+v", out.Record)
	}
	if got := e.claimStatus(t); got != claim.StatusAckSync {
		t.Errorf("claim status = %s, want ACK_SYNC", got)
	}
	want := []string{"BUNDLED", "SENT", "ACK_SYNC"}
	if got := e.audit.Transitions("CLM-1", 1); !equalStrings(got, want) {
		t.Errorf("transitions = %v, want %v", got, want)
	}
	calls := e.exch.Calls()
	if len(calls) != 1 || calls[0].IdempotencyKey != b.Hash() || calls[0].CorrelationID != out.Record.CorrelationID {
		t.Errorf("unexpected exchange calls %+v", calls)
	}
	if string(out.Record.ResponsePayload) != `{"submissionId":"EX-1"}` {
		t.Errorf("payload not kept: %s", out.Record.ResponsePayload)
	}
}

func TestSubmit_SyncAdjudicated(t *testing.T) {
	e := newEnv(t, result{res: &exchange.SubmitResult{Disposition: exchange.DispositionAdjudicated}})
	_, b := e.seed(t, claim.StatusValidated)

	out, err := e.coord.Submit(context.Background(), b)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if out.Record.Status != StatusAdjudicated || e.claimStatus(t) != claim.StatusAdjudicated {
		t.Fatalf("expected ADJUDICATED, got %s / %s", out.Record.Status, e.claimStatus(t))
	}
	events := e.notes.Events()
	if len(events) != 1 || events[0] != notification.EventClaimAdjudicated {
		t.Errorf("notifications = %v", events)
	}
}

func TestSubmit_DuplicateReturnsSameRecord(t *testing.T) {
	e := newEnv(t, result{res: &exchange.SubmitResult{}})
	_, b := e.seed(t, claim.StatusValidated)

	first, err := e.coord.Submit(context.Background(), b)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	second, err := e.coord.Submit(context.Background(), b)
	if err != nil {
		t.Fatalf("second Submit: %v", err)
	}
	if !second.Duplicate || second.Record.ID != first.Record.ID {
		t.Fatalf("expected duplicate of %s, got %+v", first.Record.ID, second)
	}
	if second.Notice == nil || second.Notice.Code() != claim.CodeDuplicate {
		t.Errorf("expected duplicate notice, got %+v", second.Notice)
	}
	if n := len(e.exch.Calls()); n != 1 {
		t.Errorf("exchange called %d times, want 1", n)
	}
}

func TestSubmit_ChangedContentNeedsNewGeneration(t *testing.T) {
	e := newEnv(t, result{res: &exchange.SubmitResult{}})
	rec, b := e.seed(t, claim.StatusValidated)
	if _, err := e.coord.Submit(context.Background(), b); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	changed := rec.Clone()
	changed.Status = claim.StatusValidated
	changed.Payer.Name = "Gulf Mutual Co."
	_, err := e.coord.Submit(context.Background(), buildBundle(t, changed))
	if !errors.Is(err, ErrNewGenerationRequired) {
		t.Fatalf("expected ErrNewGenerationRequired, got %v", err)
	}
}

func TestSubmit_TransientExhaustsAttempts(t *testing.T) {
	e := newEnv(t, transient())
	_, b := e.seed(t, claim.StatusValidated)

	out, err := e.coord.Submit(context.Background(), b)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	calls := e.exch.Calls()
	if len(calls) != 3 {
		t.Fatalf("exchange called %d times, want exactly 3", len(calls))
	}
	for _, c := range calls {
		if c.CorrelationID != calls[0].CorrelationID {
			t.Error("correlation id must be reused across attempts")
		}
	}
	if len(e.sleeps) != 2 {
		t.Errorf("expected 2 backoff sleeps, got %d", len(e.sleeps))
	}
	r := out.Record
	if r.Status != StatusTimedOut || !r.DeadLetter || r.Attempt != 3 {
		t.Fatalf("unexpected record %+v", r)
	}
	if r.LastErrorCode != claim.CodeTimeout || r.LastRemediation == "" {
		t.Errorf("expected POL-001 with remediation, got %q %q", r.LastErrorCode, r.LastRemediation)
	}
	if e.claimStatus(t) != claim.StatusTimedOut {
		t.Errorf("claim status = %s", e.claimStatus(t))
	}
	if ev := e.notes.Events(); len(ev) != 1 || ev[0] != notification.EventClaimDeadLettered {
		t.Errorf("notifications = %v", ev)
	}
}

func TestSubmit_TransientThenSuccess(t *testing.T) {
	e := newEnv(t, transient(), result{res: &exchange.SubmitResult{}})
	_, b := e.seed(t, claim.StatusValidated)

	out, err := e.coord.Submit(context.Background(), b)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if out.Record.Status != StatusAckSync || out.Record.Attempt != 2 {
		t.Fatalf("unexpected record %+v", out.Record)
	}
	if out.Record.LastErrorCode != "" {
		t.Errorf("error should be cleared after acknowledgment, got %q", out.Record.LastErrorCode)
	}
}

func TestSubmit_PermanentRejectionIsNotRetried(t *testing.T) {
	e := newEnv(t, result{err: &claim.PermanentExchangeRejection{StatusCode: 422, ReasonCode: "BV-00027", Detail: "policy expired"}})
	_, b := e.seed(t, claim.StatusValidated)

	out, err := e.coord.Submit(context.Background(), b)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if len(e.exch.Calls()) != 1 {
		t.Fatalf("permanent rejection must not be retried")
	}
	if out.Record.Status != StatusRejected || out.Record.LastErrorCode != claim.CodePermanentRejection {
		t.Fatalf("unexpected record %+v", out.Record)
	}
	if out.Record.DeadLetter {
		t.Error("rejections are not dead letters")
	}
	if len(e.sink.got) != 1 || e.sink.got[0].ReasonCode != "BV-00027" || e.sink.got[0].Claim.Payer.PayerID != "PAY-9" {
		t.Fatalf("rejection not routed: %+v", e.sink.got)
	}
	want := []string{"BUNDLED", "SENT", "REJECTED"}
	if got := e.audit.Transitions("CLM-1", 1); !equalStrings(got, want) {
		t.Errorf("transitions = %v, want %v", got, want)
	}
}

func TestSubmit_AsyncSchedulesPoll(t *testing.T) {
	e := newEnv(t, result{res: &exchange.SubmitResult{Async: true}})
	_, b := e.seed(t, claim.StatusValidated)

	out, err := e.coord.Submit(context.Background(), b)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if out.Record.Status != StatusAckAsyncPending || e.claimStatus(t) != claim.StatusAckAsyncPending {
		t.Fatalf("expected ACK_ASYNC_PENDING, got %s", out.Record.Status)
	}
	if len(e.poller.scheduled) != 1 || e.poller.scheduled[0].ID != out.Record.ID {
		t.Fatalf("poll not scheduled: %+v", e.poller.scheduled)
	}

	if err := e.coord.Resolve(context.Background(), out.Record.ID, Resolution{Status: StatusAdjudicated}); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if e.claimStatus(t) != claim.StatusAdjudicated {
		t.Errorf("claim status = %s", e.claimStatus(t))
	}
	// A second terminal result is ignored.
	if err := e.coord.Resolve(context.Background(), out.Record.ID, Resolution{Status: StatusRejected}); err != nil {
		t.Fatalf("repeat Resolve: %v", err)
	}
	if e.claimStatus(t) != claim.StatusAdjudicated {
		t.Errorf("terminal status changed to %s", e.claimStatus(t))
	}
}

func TestSubmit_RejectsUnvalidatedClaim(t *testing.T) {
	e := newEnv(t, result{res: &exchange.SubmitResult{}})
	_, b := e.seed(t, claim.StatusDraft)

	if _, err := e.coord.Submit(context.Background(), b); !errors.Is(err, claim.ErrIllegalTransition) {
		t.Fatalf("expected ErrIllegalTransition, got %v", err)
	}
	if len(e.exch.Calls()) != 0 {
		t.Error("exchange must not be called")
	}
}

func TestWithdraw_DuringBackoff(t *testing.T) {
	e := newEnv(t, transient())
	_, b := e.seed(t, claim.StatusValidated)
	e.coord.sleep = func(ctx context.Context, _ time.Duration) error {
		if err := e.coord.Withdraw(context.Background(), "CLM-1", "ops@clinic"); err != nil {
			t.Errorf("Withdraw: %v", err)
		}
		<-ctx.Done()
		return ctx.Err()
	}

	out, err := e.coord.Submit(context.Background(), b)
	if !errors.Is(err, ErrWithdrawn) {
		t.Fatalf("expected ErrWithdrawn, got %v", err)
	}
	if len(e.exch.Calls()) != 1 {
		t.Errorf("no attempt may follow a withdrawal, got %d calls", len(e.exch.Calls()))
	}
	if out.Record.Status != StatusTimedOut || out.Record.DeadLetter {
		t.Errorf("withdrawn submission should be TIMED_OUT without dead letter, got %+v", out.Record)
	}
	events, _ := e.audit.ForClaim(context.Background(), "CLM-1")
	found := false
	for _, ev := range events {
		if ev.Action == audit.ActionWithdraw && ev.Actor == "ops@clinic" {
			found = true
		}
	}
	if !found {
		t.Error("withdraw not audited")
	}
	if e.coord.Running("CLM-1") {
		t.Error("delivery should be unregistered")
	}
}

func TestWithdraw_AsyncPending(t *testing.T) {
	e := newEnv(t, result{res: &exchange.SubmitResult{Async: true}})
	_, b := e.seed(t, claim.StatusValidated)
	if _, err := e.coord.Submit(context.Background(), b); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	if err := e.coord.Withdraw(context.Background(), "CLM-1", "ops"); err != nil {
		t.Fatalf("Withdraw: %v", err)
	}
	if len(e.poller.cancelled) != 1 || e.poller.cancelled[0] != "CLM-1" {
		t.Errorf("poll not cancelled: %v", e.poller.cancelled)
	}
	if e.claimStatus(t) != claim.StatusTimedOut {
		t.Errorf("claim status = %s", e.claimStatus(t))
	}
	if err := e.coord.Withdraw(context.Background(), "CLM-1", "ops"); !errors.Is(err, ErrNotWithdrawable) {
		t.Errorf("second withdraw: expected ErrNotWithdrawable, got %v", err)
	}
}

func TestWithdraw_NothingInProgress(t *testing.T) {
	e := newEnv(t, result{res: &exchange.SubmitResult{}})
	if err := e.coord.Withdraw(context.Background(), "CLM-404", "ops"); !errors.Is(err, ErrNotWithdrawable) {
		t.Fatalf("expected ErrNotWithdrawable, got %v", err)
	}
}

// seedInFlight stores a submission that was mid-call when the process died.
func (e *env) seedInFlight(t *testing.T, b *bundle.ExchangeBundle) *Record {
	t.Helper()
	sent := time.Date(2024, 3, 2, 9, 31, 0, 0, time.UTC)
	r := &Record{
		ID:            [16]byte{1},
		ClaimID:       b.ClaimID,
		Generation:    b.Generation,
		Kind:          b.Kind,
		Attempt:       1,
		CorrelationID: "corr-crash",
		BundleHash:    b.Hash(),
		BundleBody:    b.Bytes(),
		Status:        StatusPending,
		InFlight:      true,
		SentAt:        &sent,
	}
	if err := e.subs.Create(context.Background(), r); err != nil {
		t.Fatalf("Create: %v", err)
	}
	return r
}

func TestRecover_ConsultsExchangeBeforeRetry(t *testing.T) {
	tests := []struct {
		name        string
		lookup      *exchange.LookupResult
		wantStatus  Status
		wantClaim   claim.Status
		wantSubmits int
		wantReport  RecoveryReport
	}{
		{
			name:        "exchange has it pending",
			lookup:      &exchange.LookupResult{Found: true, State: exchange.StatePending},
			wantStatus:  StatusAckAsyncPending,
			wantClaim:   claim.StatusAckAsyncPending,
			wantSubmits: 0,
			wantReport:  RecoveryReport{Reconciled: 1},
		},
		{
			name:        "exchange already adjudicated",
			lookup:      &exchange.LookupResult{Found: true, State: exchange.StateComplete, Disposition: exchange.DispositionAdjudicated},
			wantStatus:  StatusAdjudicated,
			wantClaim:   claim.StatusAdjudicated,
			wantSubmits: 0,
			wantReport:  RecoveryReport{Reconciled: 1},
		},
		{
			name:        "exchange reports error",
			lookup:      &exchange.LookupResult{Found: true, State: exchange.StateError, ReasonCode: "SYS-1"},
			wantStatus:  StatusRejected,
			wantClaim:   claim.StatusRejected,
			wantSubmits: 0,
			wantReport:  RecoveryReport{Reconciled: 1},
		},
		{
			name:        "exchange never saw it",
			wantStatus:  StatusAckSync,
			wantClaim:   claim.StatusAckSync,
			wantSubmits: 1,
			wantReport:  RecoveryReport{Resumed: 1},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t, result{res: &exchange.SubmitResult{}})
			_, b := e.seed(t, claim.StatusSent)
			r := e.seedInFlight(t, b)
			if tt.lookup != nil {
				e.exch.lookups[r.CorrelationID] = tt.lookup
			}

			report, err := e.coord.Recover(context.Background())
			if err != nil {
				t.Fatalf("Recover: %v", err)
			}
			if *report != tt.wantReport {
				t.Errorf("report = %+v, want %+v", *report, tt.wantReport)
			}
			if e.exch.lookupCalls != 1 {
				t.Errorf("expected one lookup, got %d", e.exch.lookupCalls)
			}
			calls := e.exch.Calls()
			if len(calls) != tt.wantSubmits {
				t.Fatalf("submit calls = %d, want %d", len(calls), tt.wantSubmits)
			}
			for _, c := range calls {
				if c.CorrelationID != "corr-crash" {
					t.Errorf("resumed delivery must keep correlation id, got %s", c.CorrelationID)
				}
			}
			got, _ := e.subs.Get(context.Background(), r.ID)
			if got.Status != tt.wantStatus || got.InFlight {
				t.Errorf("submission = %s (in flight %v), want %s", got.Status, got.InFlight, tt.wantStatus)
			}
			if e.claimStatus(t) != tt.wantClaim {
				t.Errorf("claim status = %s, want %s", e.claimStatus(t), tt.wantClaim)
			}
		})
	}
}

func TestRecover_ReschedulesAsyncPending(t *testing.T) {
	e := newEnv(t, result{res: &exchange.SubmitResult{Async: true}})
	_, b := e.seed(t, claim.StatusValidated)
	if _, err := e.coord.Submit(context.Background(), b); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	e.poller.scheduled = nil

	report, err := e.coord.Recover(context.Background())
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if report.Rescheduled != 1 || len(e.poller.scheduled) != 1 {
		t.Fatalf("expected one rescheduled poll, got %+v", report)
	}
	if e.exch.lookupCalls != 0 {
		t.Error("async pending submissions need no lookup")
	}
}

func TestAcknowledgeDeadLetter(t *testing.T) {
	e := newEnv(t, transient())
	_, b := e.seed(t, claim.StatusValidated)
	out, err := e.coord.Submit(context.Background(), b)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	letters, total, err := e.coord.ListDeadLetters(context.Background(), 10, 0)
	if err != nil || total != 1 || len(letters) != 1 {
		t.Fatalf("ListDeadLetters = %d/%d, %v", len(letters), total, err)
	}

	acked, err := e.coord.AcknowledgeDeadLetter(context.Background(), out.Record.ID, "ops", "exchange outage, resubmitted manually")
	if err != nil {
		t.Fatalf("AcknowledgeDeadLetter: %v", err)
	}
	if acked.AcknowledgedBy != "ops" || acked.AcknowledgedAt == nil {
		t.Errorf("acknowledgment not recorded: %+v", acked)
	}
	if _, total, _ := e.coord.ListDeadLetters(context.Background(), 10, 0); total != 0 {
		t.Errorf("acknowledged dead letter still listed")
	}
	if _, err := e.coord.AcknowledgeDeadLetter(context.Background(), out.Record.ID, "ops", ""); !errors.Is(err, ErrAlreadyAcknowledged) {
		t.Errorf("expected ErrAlreadyAcknowledged, got %v", err)
	}
}

func TestAcknowledgeDeadLetter_NotDeadLetter(t *testing.T) {
	e := newEnv(t, result{res: &exchange.SubmitResult{}})
	_, b := e.seed(t, claim.StatusValidated)
	out, err := e.coord.Submit(context.Background(), b)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if _, err := e.coord.AcknowledgeDeadLetter(context.Background(), out.Record.ID, "ops", ""); !errors.Is(err, ErrNotDeadLetter) {
		t.Fatalf("expected ErrNotDeadLetter, got %v", err)
	}
}

func TestRetryPolicy_BackOffGrowsAndCaps(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 10, BaseDelay: 100 * time.Millisecond, MaxDelay: 400 * time.Millisecond, Multiplier: 2}
	b := p.newBackOff()
	want := []time.Duration{100, 200, 400, 400}
	for i, w := range want {
		if got := b.NextBackOff(); got != w*time.Millisecond {
			t.Errorf("delay %d = %s, want %s", i, got, w*time.Millisecond)
		}
	}
}

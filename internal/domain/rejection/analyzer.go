package rejection

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ehr/claimgate/internal/domain/claim"
	"github.com/ehr/claimgate/internal/domain/submission"
	"github.com/ehr/claimgate/internal/platform/audit"
)

// unassigned keys rows without a branch in summaries.
const unassigned = "unassigned"

// Analyzer classifies rejections, stores them idempotently and opens
// resubmission tasks for correctable reason codes.
type Analyzer struct {
	reasons *ReasonTable
	repo    Repository
	queue   *Queue
	claims  claim.Repository
	settings
}

func NewAnalyzer(reasons *ReasonTable, repo Repository, queue *Queue, claims claim.Repository, opts ...Option) *Analyzer {
	return &Analyzer{
		reasons:  reasons,
		repo:     repo,
		queue:    queue,
		claims:   claims,
		settings: newSettings("rejection_analyzer", opts),
	}
}

// IngestReport summarizes one feed.
type IngestReport struct {
	Rows         int        `json:"rows"`
	Inserted     int        `json:"inserted"`
	Updated      int        `json:"updated"`
	TasksCreated int        `json:"tasks_created"`
	ManualReview int        `json:"manual_review"`
	Errors       []RowError `json:"errors,omitempty"`
	AtRisk       *Summary   `json:"at_risk"`
}

// Ingest stores every accepted row of a parsed feed. Rows that cannot be
// stored are reported and do not stop the feed; a storage failure does.
func (a *Analyzer) Ingest(ctx context.Context, feed *ParseResult) (*IngestReport, error) {
	report := &IngestReport{
		Rows:   len(feed.Rows) + len(feed.Errors),
		Errors: append([]RowError(nil), feed.Errors...),
	}
	var accepted []*Record
	for _, row := range feed.Rows {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		rec, err := a.classify(row)
		if err != nil {
			report.Errors = append(report.Errors, RowError{Row: row.Number, Message: err.Error()})
			continue
		}
		res, err := a.store(ctx, rec, nil)
		if err != nil {
			return report, fmt.Errorf("row %d: %w", row.Number, err)
		}
		if res.created {
			report.Inserted++
		} else {
			report.Updated++
		}
		if res.task != nil {
			report.TasksCreated++
		}
		if rec.ManualReview {
			report.ManualReview++
		}
		accepted = append(accepted, rec)
	}
	report.AtRisk = summarize(accepted)
	a.logger.Info().Int("rows", report.Rows).Int("inserted", report.Inserted).Int("updated", report.Updated).
		Int("tasks", report.TasksCreated).Int("refused", len(report.Errors)).Msg("rejection feed ingested")
	return report, nil
}

// classify turns a validated feed row into a record. A known reason code
// decides severity; the feed's severity is used only for unknown codes.
func (a *Analyzer) classify(row Row) (*Record, error) {
	date, err := time.Parse(claim.DateLayout, row.RejectionDate)
	if err != nil {
		return nil, fmt.Errorf("rejection_date: %w", err)
	}
	amount, err := decimal.NewFromString(row.Amount)
	if err != nil {
		return nil, fmt.Errorf("amount: %w", err)
	}
	rec := &Record{
		ClaimID:       row.ClaimID,
		Payer:         row.Payer,
		Branch:        row.Branch,
		ReasonCode:    row.ReasonCode,
		RejectionDate: date,
		Severity:      claim.Severity(row.Severity),
		Amount:        amount,
		Source:        SourceFeed,
	}
	a.applyReason(rec)
	return rec, nil
}

func (a *Analyzer) applyReason(rec *Record) {
	deadline := a.reasons.AppealDeadline(rec.Payer, rec.RejectionDate)
	rec.AppealDeadline = &deadline

	reason, ok := a.reasons.Lookup(rec.ReasonCode)
	if !ok {
		if !rec.Severity.Valid() {
			rec.Severity = claim.SeverityMedium
		}
		rec.ManualReview = true
		return
	}
	rec.Severity = reason.Severity
	rec.CorrectiveAction = reason.CorrectiveAction
	rec.Correctable = reason.Correctable
	rec.ManualReview = !reason.Correctable
}

type storeResult struct {
	created bool
	task    *Task
}

// store upserts rec and, for a correctable code, opens a task against
// original or the latest stored generation. A correctable rejection whose
// claim is unknown here goes to manual review instead.
func (a *Analyzer) store(ctx context.Context, rec *Record, original *claim.ClaimRecord) (storeResult, error) {
	if rec.Correctable && original == nil {
		latest, err := a.claims.Latest(ctx, rec.ClaimID)
		switch {
		case errors.Is(err, claim.ErrNotFound):
			a.logger.Warn().Str("claim_id", rec.ClaimID).Str("reason_code", rec.ReasonCode).
				Msg("correctable rejection for unknown claim; manual review")
			rec.ManualReview = true
		case err != nil:
			return storeResult{}, fmt.Errorf("load claim %s: %w", rec.ClaimID, err)
		default:
			original = latest
		}
	}

	created, err := a.repo.Upsert(ctx, rec)
	if err != nil {
		return storeResult{}, err
	}
	out := storeResult{created: created}
	if created {
		a.metrics.ObserveRejection(string(rec.Severity))
		generation := 0
		if original != nil {
			generation = original.Generation
		}
		a.record(ctx, &audit.Event{
			ClaimID:    rec.ClaimID,
			Generation: generation,
			Action:     audit.ActionRejectionIngest,
			Detail:     string(rec.Source) + " " + rec.ReasonCode,
		})
	}
	if !rec.Correctable || rec.ManualReview {
		return out, nil
	}

	task, err := a.queue.Enqueue(ctx, a.newTask(rec, original))
	switch {
	case errors.Is(err, ErrTaskExists):
		return out, nil
	case err != nil:
		return out, fmt.Errorf("queue resubmission for %s: %w", rec.ClaimID, err)
	}
	out.task = task
	return out, nil
}

// newTask seeds the correction diff from the reason's rule. Fixed values
// are filled in; operator fields wait with an empty To.
func (a *Analyzer) newTask(rec *Record, original *claim.ClaimRecord) *Task {
	reason, _ := a.reasons.Lookup(rec.ReasonCode)
	diff := make(map[string]FieldChange, len(reason.Correction.Fields)+len(reason.Correction.Set))
	for _, path := range reason.Correction.Fields {
		from, _ := original.FieldValue(path)
		diff[path] = FieldChange{From: from}
	}
	for path, value := range reason.Correction.Set {
		from, _ := original.FieldValue(path)
		diff[path] = FieldChange{From: from, To: value}
	}
	snapshot := original.Clone()
	snapshot.Freeze()
	return &Task{
		ID:                uuid.New(),
		RejectionRecordID: rec.ID,
		ClaimID:           rec.ClaimID,
		Original:          snapshot,
		Diff:              diff,
		TargetDate:        rec.AppealDeadline,
	}
}

// RecordExchangeRejection files a business rejection returned by the
// exchange. It goes through the same classification as payer feeds; the
// coordinator sends the rejection notification.
func (a *Analyzer) RecordExchangeRejection(ctx context.Context, r submission.Rejection) error {
	if r.Claim == nil {
		return fmt.Errorf("exchange rejection without claim record")
	}
	code := r.ReasonCode
	if code == "" {
		code = claim.CodePermanentRejection
	}
	at := r.RejectedAt
	if at.IsZero() {
		at = a.now()
	}
	rec := &Record{
		ClaimID:       r.Claim.ClaimID,
		Payer:         r.Claim.Payer.PayerID,
		Branch:        r.Claim.Branch,
		ReasonCode:    code,
		RejectionDate: at.UTC().Truncate(24 * time.Hour),
		Severity:      claim.SeverityMedium,
		Source:        SourceExchange,
	}
	if r.Claim.Service.Total != nil {
		rec.Amount = *r.Claim.Service.Total
	}
	a.applyReason(rec)
	_, err := a.store(ctx, rec, r.Claim)
	return err
}

// Summarize aggregates the amount at risk over stored rejections.
func (a *Analyzer) Summarize(ctx context.Context, f Filter) (*Summary, error) {
	recs, err := a.repo.List(ctx, f)
	if err != nil {
		return nil, err
	}
	return summarize(recs), nil
}

// Record returns one stored rejection.
func (a *Analyzer) Record(ctx context.Context, id uuid.UUID) (*Record, error) {
	return a.repo.Get(ctx, id)
}

func summarize(recs []*Record) *Summary {
	s := &Summary{
		Total:      decimal.Zero,
		ByBranch:   map[string]decimal.Decimal{},
		ByPayer:    map[string]decimal.Decimal{},
		BySeverity: map[claim.Severity]int{},
	}
	for _, r := range recs {
		branch := r.Branch
		if branch == "" {
			branch = unassigned
		}
		s.Count++
		s.Total = s.Total.Add(r.Amount)
		s.ByBranch[branch] = s.ByBranch[branch].Add(r.Amount)
		s.ByPayer[r.Payer] = s.ByPayer[r.Payer].Add(r.Amount)
		s.BySeverity[r.Severity]++
	}
	return s
}

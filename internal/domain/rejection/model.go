// Package rejection turns exchange rejections and payer rejection feeds into
// classified rejection records, aggregates the amount at risk, and queues
// correctable claims for resubmission as new generations.
package rejection

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ehr/claimgate/internal/domain/claim"
)

// Source says where a rejection came from.
type Source string

const (
	SourceFeed     Source = "feed"
	SourceExchange Source = "exchange"
)

// Record is one rejection. (ClaimID, ReasonCode, RejectionDate) is unique.
type Record struct {
	ID               uuid.UUID       `json:"id"`
	ClaimID          string          `json:"claim_id"`
	Payer            string          `json:"payer"`
	Branch           string          `json:"branch,omitempty"`
	ReasonCode       string          `json:"reason_code"`
	RejectionDate    time.Time       `json:"rejection_date"`
	Severity         claim.Severity  `json:"severity"`
	Amount           decimal.Decimal `json:"amount"`
	AppealDeadline   *time.Time      `json:"appeal_deadline,omitempty"`
	CorrectiveAction string          `json:"corrective_action,omitempty"`
	Correctable      bool            `json:"correctable"`
	ManualReview     bool            `json:"manual_review"`
	Source           Source          `json:"source"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// Key is the upsert key.
func (r *Record) Key() string {
	return r.ClaimID + "|" + r.ReasonCode + "|" + r.RejectionDate.Format(claim.DateLayout)
}

// TaskStatus is the state of a resubmission task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskReady     TaskStatus = "ready"
	TaskSubmitted TaskStatus = "submitted"
	TaskFailed    TaskStatus = "failed"
)

func (s TaskStatus) Valid() bool {
	switch s {
	case TaskPending, TaskReady, TaskSubmitted, TaskFailed:
		return true
	}
	return false
}

// FieldChange is one entry of a correction diff. An empty To on a pending
// task means an operator still has to supply the value.
type FieldChange struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// Task carries a rejected claim from correction back into the pipeline.
type Task struct {
	ID                uuid.UUID              `json:"id"`
	RejectionRecordID uuid.UUID              `json:"rejection_record_id"`
	ClaimID           string                 `json:"claim_id"`
	Original          *claim.ClaimRecord     `json:"original"`
	Corrected         *claim.ClaimRecord     `json:"corrected,omitempty"`
	Diff              map[string]FieldChange `json:"diff"`
	TargetDate        *time.Time             `json:"target_date,omitempty"`
	Status            TaskStatus             `json:"status"`
	LastError         string                 `json:"last_error,omitempty"`
	CreatedAt         time.Time              `json:"created_at"`
	UpdatedAt         time.Time              `json:"updated_at"`
}

// Clone copies t deeply enough that callers cannot mutate stored state.
func (t *Task) Clone() *Task {
	cp := *t
	if t.Original != nil {
		cp.Original = t.Original.Clone()
	}
	if t.Corrected != nil {
		cp.Corrected = t.Corrected.Clone()
	}
	cp.Diff = make(map[string]FieldChange, len(t.Diff))
	for k, v := range t.Diff {
		cp.Diff[k] = v
	}
	if t.TargetDate != nil {
		d := *t.TargetDate
		cp.TargetDate = &d
	}
	return &cp
}

// Missing lists diff paths still waiting for a value, in path order.
func (t *Task) Missing() []string {
	var out []string
	for _, p := range sortedPaths(t.Diff) {
		if t.Diff[p].To == "" {
			out = append(out, p)
		}
	}
	return out
}

// Summary aggregates the amount at risk.
type Summary struct {
	Total      decimal.Decimal            `json:"total"`
	Count      int                        `json:"count"`
	ByBranch   map[string]decimal.Decimal `json:"by_branch"`
	ByPayer    map[string]decimal.Decimal `json:"by_payer"`
	BySeverity map[claim.Severity]int     `json:"by_severity"`
}

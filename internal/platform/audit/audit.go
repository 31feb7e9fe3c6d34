// Package audit records claim lifecycle events. Events name claims by id and
// carry status codes only; patient data never reaches the audit table.
package audit

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/claimgate/internal/platform/db"
)

// Actions written by the pipeline.
const (
	ActionTransition       = "transition"
	ActionSubmitAttempt    = "submit_attempt"
	ActionDuplicate        = "duplicate_submission"
	ActionWithdraw         = "withdraw"
	ActionDeadLetterAck    = "dead_letter_ack"
	ActionRejectionIngest  = "rejection_ingest"
	ActionResubmissionMade = "resubmission"
)

// Event is one row of the audit_event table.
type Event struct {
	ID            uuid.UUID `json:"id"`
	ClaimID       string    `json:"claim_id"`
	Generation    int       `json:"generation"`
	Action        string    `json:"action"`
	FromStatus    string    `json:"from_status,omitempty"`
	ToStatus      string    `json:"to_status,omitempty"`
	Actor         string    `json:"actor"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Detail        string    `json:"detail,omitempty"`
	RecordedAt    time.Time `json:"recorded_at"`
}

// Logger writes and lists audit events.
type Logger interface {
	Record(ctx context.Context, e *Event) error
	ForClaim(ctx context.Context, claimID string) ([]*Event, error)
}

// SystemActor is used for transitions the pipeline makes on its own.
const SystemActor = "system"

// NewTransition builds a status transition event.
func NewTransition(claimID string, generation int, from, to, correlationID string) *Event {
	return &Event{
		ClaimID:       claimID,
		Generation:    generation,
		Action:        ActionTransition,
		FromStatus:    from,
		ToStatus:      to,
		Actor:         SystemActor,
		CorrelationID: correlationID,
	}
}

func prepare(e *Event) {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.RecordedAt.IsZero() {
		e.RecordedAt = time.Now().UTC()
	}
	if e.Actor == "" {
		e.Actor = SystemActor
	}
}

type pgLogger struct {
	pool *pgxpool.Pool
}

// NewPGLogger writes events with the transaction in ctx when there is one,
// so a transition and its audit row commit together.
func NewPGLogger(pool *pgxpool.Pool) Logger {
	return &pgLogger{pool: pool}
}

func (l *pgLogger) Record(ctx context.Context, e *Event) error {
	prepare(e)
	_, err := db.Conn(ctx, l.pool).Exec(ctx, `
		INSERT INTO audit_event (
			id, claim_id, generation, action, from_status, to_status,
			actor, correlation_id, detail, recorded_at
		) VALUES ($1,$2,$3,$4,NULLIF($5,''),NULLIF($6,''),$7,NULLIF($8,''),NULLIF($9,''),$10)`,
		e.ID, e.ClaimID, e.Generation, e.Action, e.FromStatus, e.ToStatus,
		e.Actor, e.CorrelationID, e.Detail, e.RecordedAt)
	if err != nil {
		return fmt.Errorf("audit: record %s for %s: %w", e.Action, e.ClaimID, err)
	}
	return nil
}

func (l *pgLogger) ForClaim(ctx context.Context, claimID string) ([]*Event, error) {
	rows, err := db.Conn(ctx, l.pool).Query(ctx, `
		SELECT id, claim_id, generation, action, COALESCE(from_status,''), COALESCE(to_status,''),
			actor, COALESCE(correlation_id,''), COALESCE(detail,''), recorded_at
		FROM audit_event WHERE claim_id = $1 ORDER BY recorded_at, id`, claimID)
	if err != nil {
		return nil, fmt.Errorf("audit: list %s: %w", claimID, err)
	}
	defer rows.Close()

	var out []*Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.ClaimID, &e.Generation, &e.Action, &e.FromStatus, &e.ToStatus,
			&e.Actor, &e.CorrelationID, &e.Detail, &e.RecordedAt); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// MemoryLogger keeps events in process, for tests and in-memory mode.
type MemoryLogger struct {
	mu     sync.Mutex
	events []*Event
}

func NewMemoryLogger() *MemoryLogger {
	return &MemoryLogger{}
}

func (m *MemoryLogger) Record(_ context.Context, e *Event) error {
	prepare(e)
	cp := *e
	m.mu.Lock()
	m.events = append(m.events, &cp)
	m.mu.Unlock()
	return nil
}

func (m *MemoryLogger) ForClaim(_ context.Context, claimID string) ([]*Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Event
	for _, e := range m.events {
		if e.ClaimID == claimID {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].RecordedAt.Before(out[j].RecordedAt) })
	return out, nil
}

// Transitions returns the to-status sequence recorded for a claim
// generation, in order.
func (m *MemoryLogger) Transitions(claimID string, generation int) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, e := range m.events {
		if e.ClaimID == claimID && e.Generation == generation && e.Action == ActionTransition {
			out = append(out, e.ToStatus)
		}
	}
	return out
}

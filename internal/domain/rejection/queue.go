package rejection

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/claimgate/internal/domain/claim"
	"github.com/ehr/claimgate/internal/platform/audit"
	"github.com/ehr/claimgate/internal/platform/metrics"
	"github.com/ehr/claimgate/internal/platform/notification"
)

var (
	// ErrIncompleteCorrection is returned when a task still has diff entries
	// without a value.
	ErrIncompleteCorrection = errors.New("correction incomplete")
	// ErrTaskState is returned when a task is not in a state the operation accepts.
	ErrTaskState = errors.New("resubmission task is in the wrong state")
	// ErrUnknownField is returned for a correction path the record does not have.
	ErrUnknownField = errors.New("unknown field path")
)

// settings is shared by Analyzer and Queue.
type settings struct {
	audit    audit.Logger
	notifier *notification.Notifier
	metrics  *metrics.Metrics
	logger   zerolog.Logger
	now      func() time.Time
}

type Option func(*settings)

func WithAudit(l audit.Logger) Option              { return func(s *settings) { s.audit = l } }
func WithNotifier(n *notification.Notifier) Option { return func(s *settings) { s.notifier = n } }
func WithMetrics(m *metrics.Metrics) Option        { return func(s *settings) { s.metrics = m } }
func WithLogger(l zerolog.Logger) Option           { return func(s *settings) { s.logger = l } }
func WithClock(now func() time.Time) Option        { return func(s *settings) { s.now = now } }

func newSettings(component string, opts []Option) settings {
	s := settings{logger: zerolog.Nop(), now: time.Now}
	for _, o := range opts {
		o(&s)
	}
	s.logger = s.logger.With().Str("component", component).Logger()
	return s
}

func (s *settings) record(ctx context.Context, e *audit.Event) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(ctx, e); err != nil {
		s.logger.Warn().Err(err).Str("claim_id", e.ClaimID).Str("action", e.Action).Msg("audit write failed")
	}
}

// Queue holds resubmission tasks from creation through resubmission.
type Queue struct {
	repo Repository
	settings
}

func NewQueue(repo Repository, opts ...Option) *Queue {
	return &Queue{repo: repo, settings: newSettings("resubmission_queue", opts)}
}

// Enqueue stores a new task. A task with no missing values is corrected
// and made ready straight away.
func (q *Queue) Enqueue(ctx context.Context, t *Task) (*Task, error) {
	if t.Original == nil {
		return nil, fmt.Errorf("enqueue task for %s: original claim required", t.ClaimID)
	}
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	if t.Diff == nil {
		t.Diff = map[string]FieldChange{}
	}
	t.Status = TaskPending
	complete := len(t.Missing()) == 0
	if complete {
		if err := q.correct(t); err != nil {
			return nil, err
		}
	}
	if err := q.repo.CreateTask(ctx, t); err != nil {
		return nil, err
	}
	q.logger.Info().Str("claim_id", t.ClaimID).Str("task_id", t.ID.String()).
		Strs("missing", t.Missing()).Msg("resubmission task queued")
	if complete {
		q.notifyReady(ctx, t)
	}
	return t, nil
}

// MarkReady applies operator corrections to a pending or failed task and
// builds the corrected generation. Paths outside the task's diff may be
// supplied and are added to it.
func (q *Queue) MarkReady(ctx context.Context, id uuid.UUID, corrections map[string]string) (*Task, error) {
	t, err := q.repo.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Status != TaskPending && t.Status != TaskFailed {
		return nil, fmt.Errorf("%w: %s is %s", ErrTaskState, id, t.Status)
	}
	for path, value := range corrections {
		if !isField(path) {
			return nil, fmt.Errorf("%w %q", ErrUnknownField, path)
		}
		change, ok := t.Diff[path]
		if !ok {
			change.From, _ = t.Original.FieldValue(path)
		}
		change.To = strings.TrimSpace(value)
		t.Diff[path] = change
	}
	if missing := t.Missing(); len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrIncompleteCorrection, strings.Join(missing, ", "))
	}
	if err := q.correct(t); err != nil {
		return nil, err
	}
	t.LastError = ""
	if err := q.repo.UpdateTask(ctx, t); err != nil {
		return nil, err
	}
	q.notifyReady(ctx, t)
	return t, nil
}

// correct builds the next generation from the diff, stamps a fresh
// submission time and moves the task to ready.
func (q *Queue) correct(t *Task) error {
	submitted := q.now().UTC().Truncate(time.Second)
	from, _ := t.Original.FieldValue("service.submitted_at")
	t.Diff["service.submitted_at"] = FieldChange{From: from, To: submitted.Format(time.RFC3339)}

	values := make(map[string]string, len(t.Diff))
	for path, change := range t.Diff {
		values[path] = change.To
	}
	next, err := t.Original.NextGeneration(values)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIncompleteCorrection, err)
	}
	t.Corrected = next
	t.Status = TaskReady
	return nil
}

func (q *Queue) notifyReady(ctx context.Context, t *Task) {
	data := map[string]string{"generation": strconv.Itoa(t.Corrected.Generation)}
	if t.TargetDate != nil {
		data["target_date"] = t.TargetDate.Format(claim.DateLayout)
	}
	_, _ = q.notifier.Notify(ctx, notification.EventResubmissionReady, t.ClaimID, data)
}

// Ready returns up to limit ready tasks, earliest target date first.
func (q *Queue) Ready(ctx context.Context, limit int) ([]*Task, error) {
	tasks, _, err := q.repo.ListTasks(ctx, TaskReady, limit, 0)
	return tasks, err
}

// MarkSubmitted closes a ready task once its corrected generation has been
// handed to the coordinator.
func (q *Queue) MarkSubmitted(ctx context.Context, id uuid.UUID) (*Task, error) {
	t, err := q.repo.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Status != TaskReady {
		return nil, fmt.Errorf("%w: %s is %s", ErrTaskState, id, t.Status)
	}
	t.Status = TaskSubmitted
	if err := q.repo.UpdateTask(ctx, t); err != nil {
		return nil, err
	}
	q.record(ctx, &audit.Event{
		ClaimID:    t.ClaimID,
		Generation: t.Corrected.Generation,
		Action:     audit.ActionResubmissionMade,
		Detail:     "task " + t.ID.String(),
	})
	return t, nil
}

// MarkFailed parks a task with the error that stopped it. MarkReady can
// pick it up again.
func (q *Queue) MarkFailed(ctx context.Context, id uuid.UUID, cause error) (*Task, error) {
	t, err := q.repo.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Status == TaskSubmitted {
		return nil, fmt.Errorf("%w: %s is %s", ErrTaskState, id, t.Status)
	}
	t.Status = TaskFailed
	t.LastError = failureText(cause)
	if err := q.repo.UpdateTask(ctx, t); err != nil {
		return nil, err
	}
	q.logger.Warn().Str("claim_id", t.ClaimID).Str("task_id", t.ID.String()).Str("error_code", claim.CodeOf(cause)).
		Msg("resubmission failed")
	return t, nil
}

func (q *Queue) Get(ctx context.Context, id uuid.UUID) (*Task, error) {
	return q.repo.GetTask(ctx, id)
}

// List pages through tasks. An empty status lists every task.
func (q *Queue) List(ctx context.Context, status TaskStatus, limit, offset int) ([]*Task, int, error) {
	if status != "" && !status.Valid() {
		return nil, 0, fmt.Errorf("unknown task status %q", status)
	}
	return q.repo.ListTasks(ctx, status, limit, offset)
}

// failureText prefixes the error with its taxonomy code unless it already
// starts with it.
func failureText(err error) string {
	if err == nil {
		return ""
	}
	msg, code := err.Error(), claim.CodeOf(err)
	if code == "" || strings.HasPrefix(msg, code) {
		return msg
	}
	return code + ": " + msg
}

func isField(path string) bool {
	for _, f := range claim.Fields {
		if f == path {
			return true
		}
	}
	return false
}

func sortedPaths(diff map[string]FieldChange) []string {
	paths := make([]string, 0, len(diff))
	for p := range diff {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

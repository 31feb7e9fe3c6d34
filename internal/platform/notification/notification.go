// Package notification renders claim lifecycle events from templates and
// hands them to a dispatcher. Delivery (mail, SMS, paging) happens
// downstream of the dispatcher.
package notification

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Event names a lifecycle event that produces a notification.
type Event string

const (
	EventClaimRejected     Event = "claim.rejected"
	EventClaimDeadLettered Event = "claim.dead_lettered"
	EventClaimAdjudicated  Event = "claim.adjudicated"
	EventResubmissionReady Event = "resubmission.ready"
)

// Notification is one rendered event.
type Notification struct {
	ID        string            `json:"id"`
	Event     Event             `json:"event"`
	ClaimID   string            `json:"claim_id"`
	Subject   string            `json:"subject"`
	Body      string            `json:"body"`
	Data      map[string]string `json:"data,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// Dispatcher hands a notification to its delivery channel.
type Dispatcher interface {
	Dispatch(ctx context.Context, n *Notification) error
}

// Template is the subject and body for one event. Placeholders are
// {{key}}; missing keys are left in place.
type Template struct {
	Event   Event  `json:"event"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

type TemplateEngine struct {
	mu        sync.RWMutex
	templates map[Event]*Template
}

// NewTemplateEngine creates a TemplateEngine with a template for every
// built-in event.
func NewTemplateEngine() *TemplateEngine {
	e := &TemplateEngine{templates: make(map[Event]*Template)}
	builtIn := []Template{
		{
			Event:   EventClaimRejected,
			Subject: "Claim {{claim_id}} rejected ({{reason_code}})",
			Body:    "Claim {{claim_id}} generation {{generation}} was rejected by {{payer_id}} with reason {{reason_code}}. {{remediation}}",
		},
		{
			Event:   EventClaimDeadLettered,
			Subject: "Claim {{claim_id}} needs attention",
			Body:    "Submission {{submission_id}} for claim {{claim_id}} timed out after {{attempts}} attempts ({{error_code}}). Acknowledge it once handled.",
		},
		{
			Event:   EventClaimAdjudicated,
			Subject: "Claim {{claim_id}} adjudicated",
			Body:    "Claim {{claim_id}} generation {{generation}} was adjudicated by {{payer_id}}.",
		},
		{
			Event:   EventResubmissionReady,
			Subject: "Resubmission ready for claim {{claim_id}}",
			Body:    "Corrections for rejection {{reason_code}} on claim {{claim_id}} are ready; target date {{target_date}}.",
		},
	}
	for i := range builtIn {
		t := builtIn[i]
		e.templates[t.Event] = &t
	}
	return e
}

// RegisterTemplate adds or replaces the template for t.Event.
func (e *TemplateEngine) RegisterTemplate(t Template) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.templates[t.Event] = &t
}

func (e *TemplateEngine) Render(event Event, data map[string]string) (subject, body string, err error) {
	e.mu.RLock()
	t, ok := e.templates[event]
	e.mu.RUnlock()
	if !ok {
		return "", "", fmt.Errorf("no template for event %q", event)
	}

	// Sorted keys keep rendering stable when one value contains another
	// placeholder.
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	subject, body = t.Subject, t.Body
	for _, k := range keys {
		placeholder := "{{" + k + "}}"
		subject = strings.ReplaceAll(subject, placeholder, data[k])
		body = strings.ReplaceAll(body, placeholder, data[k])
	}
	return subject, body, nil
}

// Notifier renders and dispatches events. A nil *Notifier drops everything.
type Notifier struct {
	dispatcher Dispatcher
	templates  *TemplateEngine
	logger     zerolog.Logger
}

func NewNotifier(d Dispatcher, tpl *TemplateEngine, logger zerolog.Logger) *Notifier {
	if tpl == nil {
		tpl = NewTemplateEngine()
	}
	return &Notifier{
		dispatcher: d,
		templates:  tpl,
		logger:     logger.With().Str("component", "notifier").Logger(),
	}
}

// Notify renders event for claimID and dispatches it. Dispatch failures are
// returned; callers decide whether they matter.
func (n *Notifier) Notify(ctx context.Context, event Event, claimID string, data map[string]string) (*Notification, error) {
	if n == nil || n.dispatcher == nil {
		return nil, nil
	}
	merged := make(map[string]string, len(data)+1)
	for k, v := range data {
		merged[k] = v
	}
	merged["claim_id"] = claimID

	subject, body, err := n.templates.Render(event, merged)
	if err != nil {
		return nil, fmt.Errorf("render %s: %w", event, err)
	}
	msg := &Notification{
		ID:        uuid.New().String(),
		Event:     event,
		ClaimID:   claimID,
		Subject:   subject,
		Body:      body,
		Data:      merged,
		CreatedAt: time.Now().UTC(),
	}
	if err := n.dispatcher.Dispatch(ctx, msg); err != nil {
		n.logger.Warn().Err(err).Str("event", string(event)).Str("claim_id", claimID).Msg("notification dispatch failed")
		return msg, fmt.Errorf("dispatch %s: %w", event, err)
	}
	return msg, nil
}

// LogDispatcher writes notifications to the log. Used when no broker is
// configured.
type LogDispatcher struct {
	logger zerolog.Logger
}

func NewLogDispatcher(logger zerolog.Logger) *LogDispatcher {
	return &LogDispatcher{logger: logger.With().Str("component", "notification").Logger()}
}

func (d *LogDispatcher) Dispatch(_ context.Context, n *Notification) error {
	d.logger.Info().
		Str("notification_id", n.ID).
		Str("event", string(n.Event)).
		Str("claim_id", n.ClaimID).
		Str("subject", n.Subject).
		Msg("notification")
	return nil
}

// RecordingDispatcher keeps dispatched notifications in memory. Tests use
// it in place of a broker.
type RecordingDispatcher struct {
	mu         sync.Mutex
	sent       []*Notification
	ShouldFail bool
}

func (r *RecordingDispatcher) Dispatch(_ context.Context, n *Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ShouldFail {
		return errors.New("dispatch failed")
	}
	r.sent = append(r.sent, n)
	return nil
}

// Sent returns a copy of the dispatched notifications.
func (r *RecordingDispatcher) Sent() []*Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Notification, len(r.sent))
	copy(out, r.sent)
	return out
}

// Events returns the event names in dispatch order.
func (r *RecordingDispatcher) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, 0, len(r.sent))
	for _, n := range r.sent {
		out = append(out, n.Event)
	}
	return out
}

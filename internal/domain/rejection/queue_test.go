package rejection

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/claimgate/internal/domain/claim"
	"github.com/ehr/claimgate/internal/platform/audit"
	"github.com/ehr/claimgate/internal/platform/notification"
)

func (e *env) enqueue(t *testing.T, target *time.Time, diff map[string]FieldChange) *Task {
	t.Helper()
	original := sampleClaim()
	original.Freeze()
	task, err := e.queue.Enqueue(context.Background(), &Task{
		RejectionRecordID: uuid.New(),
		ClaimID:           original.ClaimID,
		Original:          original,
		Diff:              diff,
		TargetDate:        target,
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	return task
}

func pendingLicense() map[string]FieldChange {
	return map[string]FieldChange{"provider.license_id": {From: "LIC-77"}}
}

func TestMarkReady(t *testing.T) {
	e := newEnv(t)
	task := e.enqueue(t, nil, pendingLicense())

	ready, err := e.queue.MarkReady(context.Background(), task.ID, map[string]string{
		"provider.license_id": " LIC-88 ",
		"patient.member_id":   "M-2",
	})
	if err != nil {
		t.Fatalf("MarkReady: %v", err)
	}
	if ready.Status != TaskReady || ready.Corrected == nil {
		t.Fatalf("unexpected task: %+v", ready)
	}
	c := ready.Corrected
	if c.Generation != 2 || c.Provider.LicenseID != "LIC-88" || c.Patient.MemberID != "M-2" {
		t.Errorf("corrections not applied: gen=%d license=%q member=%q", c.Generation, c.Provider.LicenseID, c.Patient.MemberID)
	}
	if c.Service.SubmittedAt == nil || !c.Service.SubmittedAt.Equal(fixedNow) {
		t.Errorf("submission time should be refreshed, got %v", c.Service.SubmittedAt)
	}
	if got := ready.Diff["patient.member_id"]; got.From != "M-1" || got.To != "M-2" {
		t.Errorf("extra correction should join the diff, got %+v", got)
	}
	if got := ready.Diff["service.submitted_at"]; got.From != "2024-03-02T09:30:00Z" || got.To != "2024-04-10T08:00:00Z" {
		t.Errorf("submitted_at diff = %+v", got)
	}
	if ready.Original.Generation != 1 || ready.Original.Provider.LicenseID != "LIC-77" {
		t.Errorf("original snapshot must stay untouched")
	}

	sent := e.sent.Sent()
	if len(sent) != 1 || sent[0].Event != notification.EventResubmissionReady || sent[0].Data["generation"] != "2" {
		t.Errorf("expected resubmission.ready for generation 2, got %+v", sent)
	}
}

func TestMarkReady_Rejects(t *testing.T) {
	tests := []struct {
		name        string
		corrections map[string]string
		wantErr     error
	}{
		{"nothing supplied", nil, ErrIncompleteCorrection},
		{"blank value", map[string]string{"provider.license_id": "  "}, ErrIncompleteCorrection},
		{"unknown path", map[string]string{"provider.npi": "1"}, ErrUnknownField},
		{"bad value", map[string]string{"provider.license_id": "LIC-1", "service.total": "abc"}, ErrIncompleteCorrection},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t)
			task := e.enqueue(t, nil, pendingLicense())
			_, err := e.queue.MarkReady(context.Background(), task.ID, tt.corrections)
			if err == nil {
				t.Fatal("expected an error")
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("got %v, want %v", err, tt.wantErr)
			}
			stored, _ := e.queue.Get(context.Background(), task.ID)
			if stored.Status != TaskPending || stored.Corrected != nil {
				t.Errorf("a refused correction must not change the stored task: %+v", stored)
			}
		})
	}
}

func TestReady_OrdersByTargetDate(t *testing.T) {
	e := newEnv(t)
	late := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	early := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	fixed := map[string]FieldChange{"service.currency": {From: "USD", To: "SAR"}}

	undated := e.enqueue(t, nil, fixed)
	second := e.enqueue(t, &late, fixed)
	first := e.enqueue(t, &early, fixed)
	e.enqueue(t, &early, pendingLicense())

	ready, err := e.queue.Ready(context.Background(), 10)
	if err != nil {
		t.Fatalf("Ready: %v", err)
	}
	want := []uuid.UUID{first.ID, second.ID, undated.ID}
	if len(ready) != len(want) {
		t.Fatalf("expected %d ready tasks, got %d", len(want), len(ready))
	}
	for i, id := range want {
		if ready[i].ID != id {
			t.Errorf("position %d: got %s, want %s", i, ready[i].ID, id)
		}
	}

	limited, _ := e.queue.Ready(context.Background(), 1)
	if len(limited) != 1 || limited[0].ID != first.ID {
		t.Errorf("limit not honoured: %v", limited)
	}
}

func TestMarkSubmitted(t *testing.T) {
	e := newEnv(t)
	task := e.enqueue(t, nil, pendingLicense())

	if _, err := e.queue.MarkSubmitted(context.Background(), task.ID); !errors.Is(err, ErrTaskState) {
		t.Fatalf("submitting a pending task: got %v, want ErrTaskState", err)
	}
	if _, err := e.queue.MarkReady(context.Background(), task.ID, map[string]string{"provider.license_id": "LIC-88"}); err != nil {
		t.Fatalf("MarkReady: %v", err)
	}
	done, err := e.queue.MarkSubmitted(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("MarkSubmitted: %v", err)
	}
	if done.Status != TaskSubmitted {
		t.Errorf("status = %s", done.Status)
	}

	events, _ := e.audit.ForClaim(context.Background(), "CLM-1")
	if len(events) != 1 || events[0].Action != audit.ActionResubmissionMade || events[0].Generation != 2 {
		t.Errorf("expected one resubmission audit event for generation 2, got %+v", events)
	}
	if _, err := e.queue.MarkFailed(context.Background(), task.ID, errors.New("late")); !errors.Is(err, ErrTaskState) {
		t.Errorf("failing a submitted task: got %v", err)
	}
}

func TestMarkFailed_CanBeCorrectedAgain(t *testing.T) {
	e := newEnv(t)
	task := e.enqueue(t, nil, pendingLicense())
	if _, err := e.queue.MarkReady(context.Background(), task.ID, map[string]string{"provider.license_id": "LIC-88"}); err != nil {
		t.Fatalf("MarkReady: %v", err)
	}

	cause := &claim.ValidationFailure{ClaimID: "CLM-1"}
	failed, err := e.queue.MarkFailed(context.Background(), task.ID, cause)
	if err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}
	if failed.Status != TaskFailed || !strings.HasPrefix(failed.LastError, claim.CodeValidation+": ") {
		t.Errorf("unexpected failed task: status=%s error=%q", failed.Status, failed.LastError)
	}

	again, err := e.queue.MarkReady(context.Background(), task.ID, map[string]string{"provider.license_id": "LIC-99"})
	if err != nil {
		t.Fatalf("MarkReady after failure: %v", err)
	}
	if again.Status != TaskReady || again.LastError != "" || again.Corrected.Provider.LicenseID != "LIC-99" {
		t.Errorf("unexpected task: %+v", again)
	}
}

func TestList(t *testing.T) {
	e := newEnv(t)
	e.enqueue(t, nil, pendingLicense())
	e.enqueue(t, nil, map[string]FieldChange{"service.currency": {From: "USD", To: "SAR"}})

	all, total, err := e.queue.List(context.Background(), "", 10, 0)
	if err != nil || total != 2 || len(all) != 2 {
		t.Fatalf("List all: %d/%d %v", len(all), total, err)
	}
	pending, total, _ := e.queue.List(context.Background(), TaskPending, 10, 0)
	if total != 1 || len(pending) != 1 {
		t.Errorf("List pending: %d/%d", len(pending), total)
	}
	page, total, _ := e.queue.List(context.Background(), "", 1, 1)
	if total != 2 || len(page) != 1 {
		t.Errorf("second page: %d/%d", len(page), total)
	}
	if _, _, err := e.queue.List(context.Background(), "archived", 10, 0); err == nil {
		t.Error("expected an error for an unknown status")
	}
	if _, err := e.queue.Get(context.Background(), uuid.New()); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("Get unknown: %v", err)
	}
}

package audit

import (
	"context"
	"testing"

	"github.com/google/uuid"
)

func TestNewTransition(t *testing.T) {
	e := NewTransition("CLM-1", 2, "SENT", "ACK_SYNC", "corr-1")
	if e.Action != ActionTransition {
		t.Errorf("expected action %q, got %q", ActionTransition, e.Action)
	}
	if e.Actor != SystemActor {
		t.Errorf("expected system actor, got %q", e.Actor)
	}
	if e.Generation != 2 || e.FromStatus != "SENT" || e.ToStatus != "ACK_SYNC" {
		t.Errorf("unexpected event %+v", e)
	}
}

func TestMemoryLogger(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLogger()

	for _, to := range []string{"VALIDATED", "BUNDLED", "SENT"} {
		if err := l.Record(ctx, NewTransition("CLM-1", 1, "", to, "")); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}
	if err := l.Record(ctx, &Event{ClaimID: "CLM-2", Action: ActionWithdraw, Actor: "ops"}); err != nil {
		t.Fatalf("Record: %v", err)
	}

	events, err := l.ForClaim(ctx, "CLM-1")
	if err != nil {
		t.Fatalf("ForClaim: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	for _, e := range events {
		if e.ID == uuid.Nil {
			t.Error("expected id to be assigned")
		}
		if e.RecordedAt.IsZero() {
			t.Error("expected recorded_at to be set")
		}
	}

	got := l.Transitions("CLM-1", 1)
	want := []string{"VALIDATED", "BUNDLED", "SENT"}
	if len(got) != len(want) {
		t.Fatalf("transitions = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("transition %d = %s, want %s", i, got[i], want[i])
		}
	}
}

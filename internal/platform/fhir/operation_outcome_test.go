package fhir

import (
	"encoding/json"
	"testing"
)

func TestNewOperationOutcome(t *testing.T) {
	oo := NewOperationOutcome("error", "processing", "something went wrong")

	if oo.ResourceType != "OperationOutcome" {
		t.Errorf("expected resourceType OperationOutcome, got %s", oo.ResourceType)
	}
	if len(oo.Issue) != 1 {
		t.Fatalf("expected 1 issue, got %d", len(oo.Issue))
	}
	if oo.Issue[0].Severity != "error" {
		t.Errorf("expected severity error, got %s", oo.Issue[0].Severity)
	}
	if oo.Issue[0].Diagnostics != "something went wrong" {
		t.Errorf("expected diagnostics 'something went wrong', got %s", oo.Issue[0].Diagnostics)
	}
}

func TestNotFoundOutcome(t *testing.T) {
	oo := NotFoundOutcome("Claim", "CLM-1")
	if oo.Issue[0].Code != IssueTypeNotFound {
		t.Error("expected not-found code")
	}
	if oo.Issue[0].Diagnostics != "Claim/CLM-1 not found" {
		t.Errorf("unexpected diagnostics: %s", oo.Issue[0].Diagnostics)
	}
}

func TestReasonCode(t *testing.T) {
	raw := `{
		"resourceType": "OperationOutcome",
		"issue": [
			{"severity": "warning", "code": "informational", "details": {"coding": [{"code": "W-1"}]}},
			{"severity": "error", "code": "business-rule", "diagnostics": "policy expired",
			 "details": {"coding": [{"system": "urn:exchange:reason", "code": "BE-1-4"}]}}
		]
	}`
	var oo OperationOutcome
	if err := json.Unmarshal([]byte(raw), &oo); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got := oo.ReasonCode(); got != "BE-1-4" {
		t.Errorf("expected BE-1-4, got %q", got)
	}
	if got := oo.Diagnostics(); got != "policy expired" {
		t.Errorf("unexpected diagnostics %q", got)
	}
	if !oo.HasErrors() {
		t.Error("expected HasErrors to be true")
	}
}

func TestOutcomeBuilder(t *testing.T) {
	oo := NewOutcomeBuilder().
		AddIssue(IssueSeverityWarning, IssueTypeValue, "low score").
		AddCodedIssue(IssueSeverityError, IssueTypeRequired, "urn:claimgate:violation", "REQUIRED_MISSING", "missing", "payer.payer_id").
		Build()

	if len(oo.Issue) != 2 {
		t.Fatalf("expected 2 issues, got %d", len(oo.Issue))
	}
	if oo.Issue[1].Expression[0] != "payer.payer_id" {
		t.Errorf("unexpected expression %v", oo.Issue[1].Expression)
	}
	if oo.ReasonCode() != "REQUIRED_MISSING" {
		t.Errorf("unexpected reason code %q", oo.ReasonCode())
	}
}

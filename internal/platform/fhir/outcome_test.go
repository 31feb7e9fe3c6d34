package fhir

import (
	"encoding/json"
	"testing"
)

func TestOutcomeBuilder_Empty(t *testing.T) {
	oo := NewOutcomeBuilder().Build()
	if oo.ResourceType != "OperationOutcome" {
		t.Errorf("expected OperationOutcome, got %s", oo.ResourceType)
	}
	if oo.HasErrors() {
		t.Error("an empty outcome has no errors")
	}
	if oo.ReasonCode() != "" || oo.Diagnostics() != "" {
		t.Errorf("unexpected content %+v", oo)
	}
}

func TestHasErrors(t *testing.T) {
	tests := []struct {
		severity string
		want     bool
	}{
		{IssueSeverityFatal, true},
		{IssueSeverityError, true},
		{IssueSeverityWarning, false},
		{IssueSeverityInformation, false},
	}
	for _, tt := range tests {
		t.Run(tt.severity, func(t *testing.T) {
			oo := NewOutcomeBuilder().AddIssue(tt.severity, IssueTypeProcessing, "x").Build()
			if got := oo.HasErrors(); got != tt.want {
				t.Errorf("HasErrors() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAddCodedIssue_NoLocation(t *testing.T) {
	oo := NewOutcomeBuilder().
		AddCodedIssue(IssueSeverityError, IssueTypeConflict, "urn:claimgate:code", "CLAIM_IN_FLIGHT", "busy", "").
		Build()

	if len(oo.Issue[0].Expression) != 0 {
		t.Errorf("expected no expression, got %v", oo.Issue[0].Expression)
	}

	data, err := json.Marshal(oo)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var parsed map[string]interface{}
	if err := json.Unmarshal(data, &parsed); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	issue := parsed["issue"].([]interface{})[0].(map[string]interface{})
	if _, ok := issue["expression"]; ok {
		t.Error("empty expression should be omitted")
	}
	coding := issue["details"].(map[string]interface{})["coding"].([]interface{})[0].(map[string]interface{})
	if coding["system"] != "urn:claimgate:code" || coding["code"] != "CLAIM_IN_FLIGHT" {
		t.Errorf("unexpected coding %v", coding)
	}
}

func TestReasonCode_SkipsUncodedErrors(t *testing.T) {
	oo := NewOutcomeBuilder().
		AddIssue(IssueSeverityError, IssueTypeProcessing, "first").
		AddCodedIssue(IssueSeverityError, IssueTypeBusinessRule, "urn:exchange:reason", "PR-00042", "second", "").
		Build()

	if got := oo.ReasonCode(); got != "PR-00042" {
		t.Errorf("expected PR-00042, got %q", got)
	}
	if got := oo.Diagnostics(); got != "first; second" {
		t.Errorf("unexpected diagnostics %q", got)
	}
}

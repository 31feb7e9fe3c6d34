package fhir

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestNewTransaction_AddEntry(t *testing.T) {
	b := NewTransaction("bundle-CLM-1-1", "2024-03-02T12:30:00+03:00")
	p := Patient{ResourceType: "Patient", ID: "Patient-CLM-1-1", Identifier: []Identifier{{System: "urn:nid", Value: "1"}}}
	if err := b.AddEntry("https://x/Patient/Patient-CLM-1-1", "Patient", p); err != nil {
		t.Fatalf("AddEntry: %v", err)
	}

	if b.Type != "transaction" {
		t.Errorf("expected transaction, got %s", b.Type)
	}
	if len(b.Entry) != 1 || b.Entry[0].Request.Method != "POST" || b.Entry[0].Request.URL != "Patient" {
		t.Fatalf("unexpected entry %+v", b.Entry)
	}
	if got := b.ResourceTypes(); len(got) != 1 || got[0] != "Patient" {
		t.Errorf("unexpected resource types %v", got)
	}
}

func TestMoney_RendersNumber(t *testing.T) {
	raw, err := json.Marshal(Money{Value: json.Number("12500.00"), Currency: "SAR"})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(raw), `"value":12500.00`) {
		t.Errorf("expected unquoted fixed-point value, got %s", raw)
	}
}

func TestFormatReference(t *testing.T) {
	if ref := FormatReference("Organization", "Organization-CLM-1-1"); ref != "Organization/Organization-CLM-1-1" {
		t.Errorf("unexpected reference %s", ref)
	}
}

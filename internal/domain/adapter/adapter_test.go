package adapter

import (
	"errors"
	"testing"
	"time"

	"github.com/ehr/claimgate/internal/domain/claim"
)

const flatDoc = `{
	"claim_id": "CLM-1",
	"patient_id": "1234567890",
	"patient_name": "A Patient",
	"payer_id": "PAY-9",
	"policy_number": "POL-1",
	"provider_license": "LIC-77",
	"organization_id": "ORG-1",
	"service_date": "2024-03-01",
	"submitted_at": "2024-03-02T09:30:00Z",
	"procedure_codes": ["99213"],
	"diagnosis_codes": "J20.9",
	"total_amount": "12500.00",
	"currency": "sar",
	"branch": "riyadh-north",
	"line_items": [
		{"seq": 1, "procedure_code": "99213", "quantity": 1, "net_amount": 12500.00, "diagnosis_pointers": [1], "modifier": "25"}
	],
	"referral": {"source": "walk-in", "priority": 2}
}`

const nestedDoc = `{
	"claimId": "CLM-1",
	"branchCode": "riyadh-north",
	"patient": {"nationalId": "1234567890", "name": "A Patient"},
	"provider": {"license": "LIC-77", "organizationId": "ORG-1"},
	"payer": {"id": "PAY-9", "policyNumber": "POL-1"},
	"service": {
		"date": "2024-03-01",
		"submittedAt": "2024-03-02T09:30:00Z",
		"procedures": ["99213"],
		"diagnoses": ["J20.9"],
		"total": {"value": 12500.00, "currency": "SAR"},
		"lines": [{"sequence": 1, "code": "99213", "quantity": 1, "net": "12500.00", "diagnosisSequence": [1]}]
	}
}`

const eligibilityDoc = `{
	"request_id": "ELG-5",
	"beneficiary": {"national_id": "1234567890", "member_id": "M-1"},
	"insurer_id": "PAY-9",
	"service_date": "2024-03-01",
	"requested_at": "2024-03-01T08:00:00Z"
}`

func fixedRegistry() *Registry {
	return Default().WithClock(func() time.Time { return time.Date(2024, 3, 2, 10, 0, 0, 0, time.UTC) })
}

func TestNormalize_FlatWithTag(t *testing.T) {
	rec, err := fixedRegistry().Normalize([]byte(flatDoc), "payer-flat-v1")
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if rec.ClaimID != "CLM-1" || rec.Generation != 1 || rec.Status != claim.StatusDraft {
		t.Errorf("unexpected identity %s gen %d status %s", rec.ClaimID, rec.Generation, rec.Status)
	}
	if rec.Kind != claim.KindClaim {
		t.Errorf("expected kind claim, got %s", rec.Kind)
	}
	if rec.Service.Currency != "SAR" {
		t.Errorf("expected upper-cased currency, got %q", rec.Service.Currency)
	}
	if rec.Service.Total == nil || rec.Service.Total.StringFixed(2) != "12500.00" {
		t.Errorf("unexpected total %v", rec.Service.Total)
	}
	if len(rec.Service.Items) != 1 || rec.Service.Items[0].Net.StringFixed(2) != "12500.00" {
		t.Fatalf("unexpected items %+v", rec.Service.Items)
	}
	if rec.Provenance.SourceFormat != "payer-flat-v1" {
		t.Errorf("unexpected source format %s", rec.Provenance.SourceFormat)
	}
}

func TestNormalize_PreservesUnmappedFields(t *testing.T) {
	rec, err := fixedRegistry().Normalize([]byte(flatDoc), "")
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	ext := rec.Provenance.Extensions
	want := map[string]string{
		"referral.source":       `"walk-in"`,
		"referral.priority":     `2`,
		"line_items.0.modifier": `"25"`,
	}
	for k, v := range want {
		if string(ext[k]) != v {
			t.Errorf("extension %s = %s, want %s", k, ext[k], v)
		}
	}
	if len(ext) != len(want) {
		t.Errorf("expected %d extensions, got %d: %v", len(want), len(ext), ext)
	}
}

func TestNormalize_Deterministic(t *testing.T) {
	first, err := Default().Normalize([]byte(flatDoc), "")
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(time.Millisecond)
	second, err := Default().Normalize([]byte(flatDoc), "")
	if err != nil {
		t.Fatal(err)
	}
	a, _ := first.Canonical()
	b, _ := second.Canonical()
	if string(a) != string(b) {
		t.Errorf("normalization is not deterministic:\n%s\n%s", a, b)
	}
}

func TestNormalize_FormatsAgreeOnPatientIdentity(t *testing.T) {
	r := fixedRegistry()
	flat, err := r.Normalize([]byte(flatDoc), "")
	if err != nil {
		t.Fatalf("flat: %v", err)
	}
	nested, err := r.Normalize([]byte(nestedDoc), "")
	if err != nil {
		t.Fatalf("nested: %v", err)
	}
	if nested.Provenance.SourceFormat != "payer-nested-v2" {
		t.Fatalf("expected nested format detected, got %s", nested.Provenance.SourceFormat)
	}
	if flat.Patient != nested.Patient {
		t.Errorf("patient differs: %+v vs %+v", flat.Patient, nested.Patient)
	}
	for _, path := range claim.Fields {
		a, _ := flat.FieldValue(path)
		b, _ := nested.FieldValue(path)
		if a != b {
			t.Errorf("%s: flat %q, nested %q", path, a, b)
		}
	}
}

func TestNormalize_Eligibility(t *testing.T) {
	rec, err := fixedRegistry().Normalize([]byte(eligibilityDoc), "")
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if rec.Kind != claim.KindEligibility || rec.ClaimID != "ELG-5" {
		t.Errorf("unexpected record %s %s", rec.Kind, rec.ClaimID)
	}
	if rec.Patient.MemberID != "M-1" {
		t.Errorf("member id not mapped: %q", rec.Patient.MemberID)
	}
}

func TestNormalize_MissingRequiredField(t *testing.T) {
	doc := `{"claim_id":"CLM-2","patient_id":"","payer_id":"PAY-9","service_date":"2024-03-01"}`
	_, err := Default().Normalize([]byte(doc), "payer-flat-v1")
	var me *claim.MappingError
	if !errors.As(err, &me) {
		t.Fatalf("expected MappingError, got %v", err)
	}
	if me.Field != "patient.national_id" {
		t.Errorf("expected field patient.national_id, got %s", me.Field)
	}
}

func TestNormalize_AmountWithoutCurrency(t *testing.T) {
	doc := `{"claim_id":"CLM-2","patient_id":"1","payer_id":"PAY-9","service_date":"2024-03-01","total_amount":"10"}`
	_, err := Default().Normalize([]byte(doc), "")
	var me *claim.MappingError
	if !errors.As(err, &me) || me.Field != "service.currency" {
		t.Fatalf("expected MappingError on service.currency, got %v", err)
	}
}

func TestNormalize_MalformedValue(t *testing.T) {
	doc := `{"claim_id":"CLM-2","patient_id":"1","payer_id":"PAY-9","service_date":"yesterday"}`
	_, err := Default().Normalize([]byte(doc), "")
	var me *claim.MappingError
	if !errors.As(err, &me) || me.Field != "service.service_date" {
		t.Fatalf("expected MappingError on service.service_date, got %v", err)
	}
}

func TestDetect(t *testing.T) {
	tests := []struct {
		name       string
		doc        string
		want       string
		candidates []string
		ambiguous  bool
	}{
		{"flat", flatDoc, "payer-flat-v1", nil, false},
		{"nested", nestedDoc, "payer-nested-v2", nil, false},
		{"eligibility", eligibilityDoc, "eligibility-v1", nil, false},
		{"nothing matches", `{"foo":"bar"}`, "", nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Default().Detect([]byte(tt.doc))
			if tt.ambiguous {
				var ae *claim.AmbiguousFormatError
				if !errors.As(err, &ae) {
					t.Fatalf("expected AmbiguousFormatError, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Detect: %v", err)
			}
			if got != tt.want {
				t.Errorf("detected %s, want %s", got, tt.want)
			}
		})
	}
}

func TestDetect_TieFailsClosed(t *testing.T) {
	twin := *PayerFlatV1
	twin.Tag = "payer-flat-twin"
	r, err := NewRegistry(PayerFlatV1, &twin)
	if err != nil {
		t.Fatal(err)
	}
	_, err = r.Normalize([]byte(flatDoc), "")
	var ae *claim.AmbiguousFormatError
	if !errors.As(err, &ae) {
		t.Fatalf("expected AmbiguousFormatError, got %v", err)
	}
	if len(ae.Candidates) != 2 || ae.Candidates[0] != "payer-flat-twin" || ae.Candidates[1] != "payer-flat-v1" {
		t.Errorf("unexpected candidates %v", ae.Candidates)
	}
}

func TestNewRegistry_Rejects(t *testing.T) {
	if _, err := NewRegistry(PayerFlatV1, PayerFlatV1); err == nil {
		t.Error("expected duplicate tag error")
	}
	bad := &Variant{Tag: "bad", Fields: map[string]string{"patient.shoe_size": "x"}}
	if _, err := NewRegistry(bad); err == nil {
		t.Error("expected unknown canonical field error")
	}
}

func TestNormalize_UnknownTag(t *testing.T) {
	if _, err := Default().Normalize([]byte(flatDoc), "payer-xml-v9"); !errors.Is(err, ErrUnknownFormat) {
		t.Fatalf("expected ErrUnknownFormat, got %v", err)
	}
}

func TestNormalize_NotAnObject(t *testing.T) {
	var me *claim.MappingError
	if _, err := Default().Normalize([]byte(`[1,2]`), ""); !errors.As(err, &me) {
		t.Fatalf("expected MappingError, got %v", err)
	}
}

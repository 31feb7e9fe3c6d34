package adapter

import "github.com/ehr/claimgate/internal/domain/claim"

// Variant describes one payer document format. Paths are dotted paths into
// the source document; nested objects are addressed by joining keys with
// dots.
type Variant struct {
	Tag  string
	Kind claim.Kind

	// Required source paths must all be present for the fingerprint to
	// match. Optional paths only raise the score.
	Required []string
	Optional []string

	// Fields maps canonical paths (claim.Fields) to source paths.
	Fields map[string]string

	// Items, when set, maps an array of line-item objects.
	Items *ItemsRule
}

// ItemsRule maps the keys of each line-item object.
type ItemsRule struct {
	Source            string
	Sequence          string
	ProcedureCode     string
	Quantity          string
	Net               string
	DiagnosisPointers string
}

func (r *ItemsRule) keys() map[string]bool {
	return map[string]bool{
		r.Sequence:          true,
		r.ProcedureCode:     true,
		r.Quantity:          true,
		r.Net:               true,
		r.DiagnosisPointers: true,
	}
}

// PayerFlatV1 is a flat snake_case claim document.
var PayerFlatV1 = &Variant{
	Tag:      "payer-flat-v1",
	Kind:     claim.KindClaim,
	Required: []string{"claim_id", "patient_id", "payer_id", "service_date"},
	Optional: []string{
		"member_id", "patient_name", "birth_date", "gender",
		"provider_license", "organization_id", "provider_name",
		"payer_name", "policy_number", "submitted_at",
		"procedure_codes", "diagnosis_codes", "total_amount", "currency",
		"branch", "line_items",
	},
	Fields: map[string]string{
		"claim_id":                 "claim_id",
		"branch":                   "branch",
		"provider.license_id":      "provider_license",
		"provider.organization_id": "organization_id",
		"provider.name":            "provider_name",
		"patient.national_id":      "patient_id",
		"patient.member_id":        "member_id",
		"patient.name":             "patient_name",
		"patient.birth_date":       "birth_date",
		"patient.gender":           "gender",
		"payer.payer_id":           "payer_id",
		"payer.name":               "payer_name",
		"payer.policy_number":      "policy_number",
		"service.service_date":     "service_date",
		"service.submitted_at":     "submitted_at",
		"service.procedure_codes":  "procedure_codes",
		"service.diagnosis_codes":  "diagnosis_codes",
		"service.total":            "total_amount",
		"service.currency":         "currency",
	},
	Items: &ItemsRule{
		Source:            "line_items",
		Sequence:          "seq",
		ProcedureCode:     "procedure_code",
		Quantity:          "quantity",
		Net:               "net_amount",
		DiagnosisPointers: "diagnosis_pointers",
	},
}

// PayerNestedV2 is a nested camelCase claim document with patient, provider,
// payer and service objects.
var PayerNestedV2 = &Variant{
	Tag:      "payer-nested-v2",
	Kind:     claim.KindClaim,
	Required: []string{"claimId", "patient.nationalId", "payer.id", "service.date"},
	Optional: []string{
		"patient.memberId", "patient.name", "patient.birthDate", "patient.gender",
		"provider.license", "provider.organizationId", "provider.name",
		"payer.name", "payer.policyNumber",
		"service.submittedAt", "service.procedures", "service.diagnoses",
		"service.total.value", "service.total.currency", "service.lines",
		"branchCode",
	},
	Fields: map[string]string{
		"claim_id":                 "claimId",
		"branch":                   "branchCode",
		"provider.license_id":      "provider.license",
		"provider.organization_id": "provider.organizationId",
		"provider.name":            "provider.name",
		"patient.national_id":      "patient.nationalId",
		"patient.member_id":        "patient.memberId",
		"patient.name":             "patient.name",
		"patient.birth_date":       "patient.birthDate",
		"patient.gender":           "patient.gender",
		"payer.payer_id":           "payer.id",
		"payer.name":               "payer.name",
		"payer.policy_number":      "payer.policyNumber",
		"service.service_date":     "service.date",
		"service.submitted_at":     "service.submittedAt",
		"service.procedure_codes":  "service.procedures",
		"service.diagnosis_codes":  "service.diagnoses",
		"service.total":            "service.total.value",
		"service.currency":         "service.total.currency",
	},
	Items: &ItemsRule{
		Source:            "service.lines",
		Sequence:          "sequence",
		ProcedureCode:     "code",
		Quantity:          "quantity",
		Net:               "net",
		DiagnosisPointers: "diagnosisSequence",
	},
}

// EligibilityV1 is an eligibility request. It carries no amounts.
var EligibilityV1 = &Variant{
	Tag:      "eligibility-v1",
	Kind:     claim.KindEligibility,
	Required: []string{"request_id", "beneficiary.national_id", "insurer_id"},
	Optional: []string{
		"beneficiary.member_id", "beneficiary.name", "beneficiary.birth_date", "beneficiary.gender",
		"provider_license", "organization_id", "provider_name",
		"insurer_name", "policy_number", "service_date", "requested_at", "branch",
	},
	Fields: map[string]string{
		"claim_id":                 "request_id",
		"branch":                   "branch",
		"provider.license_id":      "provider_license",
		"provider.organization_id": "organization_id",
		"provider.name":            "provider_name",
		"patient.national_id":      "beneficiary.national_id",
		"patient.member_id":        "beneficiary.member_id",
		"patient.name":             "beneficiary.name",
		"patient.birth_date":       "beneficiary.birth_date",
		"patient.gender":           "beneficiary.gender",
		"payer.payer_id":           "insurer_id",
		"payer.name":               "insurer_name",
		"payer.policy_number":      "policy_number",
		"service.service_date":     "service_date",
		"service.submitted_at":     "requested_at",
	},
}

// BuiltIn returns the closed set of formats shipped with the service.
func BuiltIn() []*Variant {
	return []*Variant{PayerFlatV1, PayerNestedV2, EligibilityV1}
}

package claim

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Kind distinguishes a billable claim from an eligibility request.
type Kind string

const (
	KindClaim       Kind = "claim"
	KindEligibility Kind = "eligibility"
)

// Provider identifies the submitting facility.
type Provider struct {
	LicenseID      string `json:"license_id,omitempty"`
	OrganizationID string `json:"organization_id,omitempty"`
	Name           string `json:"name,omitempty"`
}

// Patient identifies the beneficiary. NationalID is the canonical patient
// identifier regardless of how the source document named it.
type Patient struct {
	NationalID string `json:"national_id,omitempty"`
	MemberID   string `json:"member_id,omitempty"`
	Name       string `json:"name,omitempty"`
	BirthDate  string `json:"birth_date,omitempty"`
	Gender     string `json:"gender,omitempty"`
}

// Payer identifies the insurer the claim is billed to.
type Payer struct {
	PayerID      string `json:"payer_id,omitempty"`
	Name         string `json:"name,omitempty"`
	PolicyNumber string `json:"policy_number,omitempty"`
}

// LineItem is a single billed service line. DiagnosisPointers are 1-based
// indexes into Service.DiagnosisCodes.
type LineItem struct {
	Sequence          int              `json:"sequence"`
	ProcedureCode     string           `json:"procedure_code,omitempty"`
	Quantity          int              `json:"quantity,omitempty"`
	Net               *decimal.Decimal `json:"net,omitempty"`
	DiagnosisPointers []int            `json:"diagnosis_pointers,omitempty"`
}

// Service carries the billed service details.
type Service struct {
	ServiceDate    *time.Time       `json:"service_date,omitempty"`
	SubmittedAt    *time.Time       `json:"submitted_at,omitempty"`
	ProcedureCodes []string         `json:"procedure_codes,omitempty"`
	DiagnosisCodes []string         `json:"diagnosis_codes,omitempty"`
	Items          []LineItem       `json:"items,omitempty"`
	Total          *decimal.Decimal `json:"total,omitempty"`
	Currency       string           `json:"currency,omitempty"`
}

// Provenance records where a canonical record came from. Extensions keeps
// every source field that no adapter rule consumed, keyed by dotted path.
type Provenance struct {
	SourceFormat string                     `json:"source_format"`
	NormalizedAt time.Time                  `json:"normalized_at"`
	Extensions   map[string]json.RawMessage `json:"extensions,omitempty"`
}

// SetExtension stores an unmapped source value under its dotted path.
func (p *Provenance) SetExtension(path string, raw []byte) {
	if p.Extensions == nil {
		p.Extensions = make(map[string]json.RawMessage)
	}
	p.Extensions[path] = raw
}

// ClaimRecord is the canonical, payer-independent representation of a claim
// or eligibility request. (ClaimID, Generation) is unique.
type ClaimRecord struct {
	ClaimID    string     `json:"claim_id"`
	Generation int        `json:"generation"`
	Kind       Kind       `json:"kind"`
	Branch     string     `json:"branch,omitempty"`
	Provider   Provider   `json:"provider"`
	Patient    Patient    `json:"patient"`
	Payer      Payer      `json:"payer"`
	Service    Service    `json:"service"`
	Status     Status     `json:"status"`
	Provenance Provenance `json:"provenance"`

	frozen bool
}

// ErrFrozen is returned when mutating a record that has been validated or bundled.
var ErrFrozen = errors.New("claim record is frozen; start a new generation to change it")

// Freeze marks the record immutable. Further edits go through NextGeneration.
func (r *ClaimRecord) Freeze() { r.frozen = true }

// Frozen reports whether the record has been frozen.
func (r *ClaimRecord) Frozen() bool { return r.frozen }

// Clone returns a deep copy. The copy keeps the frozen flag.
func (r *ClaimRecord) Clone() *ClaimRecord {
	cp := *r
	cp.Service.ProcedureCodes = append([]string(nil), r.Service.ProcedureCodes...)
	cp.Service.DiagnosisCodes = append([]string(nil), r.Service.DiagnosisCodes...)
	if r.Service.Items != nil {
		cp.Service.Items = make([]LineItem, len(r.Service.Items))
		for i, it := range r.Service.Items {
			it.DiagnosisPointers = append([]int(nil), it.DiagnosisPointers...)
			cp.Service.Items[i] = it
		}
	}
	if r.Provenance.Extensions != nil {
		cp.Provenance.Extensions = make(map[string]json.RawMessage, len(r.Provenance.Extensions))
		for k, v := range r.Provenance.Extensions {
			cp.Provenance.Extensions[k] = append(json.RawMessage(nil), v...)
		}
	}
	return &cp
}

// NextGeneration returns an unfrozen DRAFT copy with the generation bumped
// and the given field corrections applied.
func (r *ClaimRecord) NextGeneration(corrections map[string]string) (*ClaimRecord, error) {
	next := r.Clone()
	next.frozen = false
	next.Generation = r.Generation + 1
	next.Status = StatusDraft

	paths := make([]string, 0, len(corrections))
	for p := range corrections {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, p := range paths {
		if err := next.SetField(p, corrections[p]); err != nil {
			return nil, err
		}
	}
	return next, nil
}

// Fields lists every canonical field path understood by FieldValue and SetField.
var Fields = []string{
	"claim_id",
	"branch",
	"provider.license_id",
	"provider.organization_id",
	"provider.name",
	"patient.national_id",
	"patient.member_id",
	"patient.name",
	"patient.birth_date",
	"patient.gender",
	"payer.payer_id",
	"payer.name",
	"payer.policy_number",
	"service.service_date",
	"service.submitted_at",
	"service.procedure_codes",
	"service.diagnosis_codes",
	"service.total",
	"service.currency",
}

// FieldValue returns the string form of a canonical field and whether it is set.
// List fields are joined with commas.
func (r *ClaimRecord) FieldValue(path string) (string, bool) {
	var v string
	switch path {
	case "claim_id":
		v = r.ClaimID
	case "branch":
		v = r.Branch
	case "provider.license_id":
		v = r.Provider.LicenseID
	case "provider.organization_id":
		v = r.Provider.OrganizationID
	case "provider.name":
		v = r.Provider.Name
	case "patient.national_id":
		v = r.Patient.NationalID
	case "patient.member_id":
		v = r.Patient.MemberID
	case "patient.name":
		v = r.Patient.Name
	case "patient.birth_date":
		v = r.Patient.BirthDate
	case "patient.gender":
		v = r.Patient.Gender
	case "payer.payer_id":
		v = r.Payer.PayerID
	case "payer.name":
		v = r.Payer.Name
	case "payer.policy_number":
		v = r.Payer.PolicyNumber
	case "service.service_date":
		if r.Service.ServiceDate != nil {
			v = r.Service.ServiceDate.Format(DateLayout)
		}
	case "service.submitted_at":
		if r.Service.SubmittedAt != nil {
			v = r.Service.SubmittedAt.Format(time.RFC3339)
		}
	case "service.procedure_codes":
		v = strings.Join(r.Service.ProcedureCodes, ",")
	case "service.diagnosis_codes":
		v = strings.Join(r.Service.DiagnosisCodes, ",")
	case "service.total":
		if r.Service.Total != nil {
			v = r.Service.Total.StringFixed(2)
		}
	case "service.currency":
		v = r.Service.Currency
	default:
		return "", false
	}
	return v, v != ""
}

// DateLayout is the canonical calendar date format.
const DateLayout = "2006-01-02"

// SetField assigns a canonical field from its string form.
func (r *ClaimRecord) SetField(path, value string) error {
	if r.frozen {
		return ErrFrozen
	}
	value = strings.TrimSpace(value)
	switch path {
	case "claim_id":
		r.ClaimID = value
	case "branch":
		r.Branch = value
	case "provider.license_id":
		r.Provider.LicenseID = value
	case "provider.organization_id":
		r.Provider.OrganizationID = value
	case "provider.name":
		r.Provider.Name = value
	case "patient.national_id":
		r.Patient.NationalID = value
	case "patient.member_id":
		r.Patient.MemberID = value
	case "patient.name":
		r.Patient.Name = value
	case "patient.birth_date":
		r.Patient.BirthDate = value
	case "patient.gender":
		r.Patient.Gender = strings.ToLower(value)
	case "payer.payer_id":
		r.Payer.PayerID = value
	case "payer.name":
		r.Payer.Name = value
	case "payer.policy_number":
		r.Payer.PolicyNumber = value
	case "service.service_date":
		t, err := ParseTime(value)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		r.Service.ServiceDate = t
	case "service.submitted_at":
		t, err := ParseTime(value)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		r.Service.SubmittedAt = t
	case "service.procedure_codes":
		r.Service.ProcedureCodes = splitList(value)
	case "service.diagnosis_codes":
		r.Service.DiagnosisCodes = splitList(value)
	case "service.total":
		if value == "" {
			r.Service.Total = nil
			return nil
		}
		d, err := decimal.NewFromString(value)
		if err != nil {
			return fmt.Errorf("%s: invalid amount: %w", path, err)
		}
		r.Service.Total = &d
	case "service.currency":
		r.Service.Currency = strings.ToUpper(value)
	default:
		return fmt.Errorf("unknown field path %q", path)
	}
	return nil
}

// ParseTime accepts a calendar date or an RFC 3339 timestamp. An empty
// string clears the value.
func ParseTime(value string) (*time.Time, error) {
	if value == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		t = t.UTC()
		return &t, nil
	}
	t, err := time.Parse(DateLayout, value)
	if err != nil {
		return nil, fmt.Errorf("unrecognized date %q", value)
	}
	return &t, nil
}

func splitList(value string) []string {
	if value == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(value, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// ItemsTotal sums the net amount of every line item that has one.
func (s *Service) ItemsTotal() decimal.Decimal {
	sum := decimal.Zero
	for _, it := range s.Items {
		if it.Net != nil {
			sum = sum.Add(*it.Net)
		}
	}
	return sum
}

// Key is the storage key of a record generation.
func (r *ClaimRecord) Key() string {
	return r.ClaimID + "#" + strconv.Itoa(r.Generation)
}

// Canonical returns the record's JSON encoding with NormalizedAt cleared, so
// two normalizations of the same input compare byte for byte.
func (r *ClaimRecord) Canonical() ([]byte, error) {
	cp := r.Clone()
	cp.Provenance.NormalizedAt = time.Time{}
	return json.Marshal(cp)
}

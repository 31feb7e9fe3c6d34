// Package bundle assembles the exchange transaction document for a
// validated claim record. Output depends only on the record and the
// builder configuration, so an unchanged record always yields the same
// bytes and hash.
package bundle

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/ehr/claimgate/internal/domain/claim"
	"github.com/ehr/claimgate/internal/platform/fhir"
)

// ExchangeBundle is an immutable, serialized transaction bundle.
type ExchangeBundle struct {
	ID         string
	ClaimID    string
	Generation int
	Kind       claim.Kind

	body []byte
	hash string
}

// Bytes returns a copy of the canonical JSON.
func (b *ExchangeBundle) Bytes() []byte {
	out := make([]byte, len(b.body))
	copy(out, b.body)
	return out
}

// Hash is the lowercase hex SHA-256 of Bytes.
func (b *ExchangeBundle) Hash() string { return b.hash }

func (b *ExchangeBundle) Size() int { return len(b.body) }

// Config controls identifiers and rendering.
type Config struct {
	BaseURL        string
	ProfileVersion string
	Location       *time.Location
}

type Builder struct {
	cfg    Config
	logger zerolog.Logger
}

func NewBuilder(cfg Config, logger zerolog.Logger) *Builder {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Builder{cfg: cfg, logger: logger.With().Str("component", "bundle").Logger()}
}

// Build renders rec. The record must already be validated; anything it
// lacks at this point is an internal error, reported as BuildError.
func (b *Builder) Build(rec *claim.ClaimRecord) (*ExchangeBundle, error) {
	bundle, err := b.build(rec)
	if err != nil {
		claimID := ""
		if rec != nil {
			claimID = rec.ClaimID
		}
		b.logger.Error().Err(err).Str("claim_id", claimID).Msg("bundle build failed")
		var be *claim.BuildError
		if !errors.As(err, &be) {
			err = &claim.BuildError{ClaimID: claimID, Reason: err.Error()}
		}
		return nil, err
	}
	return bundle, nil
}

func (b *Builder) build(rec *claim.ClaimRecord) (*ExchangeBundle, error) {
	if rec == nil {
		return nil, &claim.BuildError{Reason: "nil record"}
	}
	fail := func(reason string) error { return &claim.BuildError{ClaimID: rec.ClaimID, Reason: reason} }

	switch rec.Status {
	case claim.StatusValidated, claim.StatusBundled:
	default:
		return nil, fail("record status " + string(rec.Status) + " is not buildable")
	}
	switch {
	case rec.ClaimID == "":
		return nil, fail("missing claim id")
	case rec.Service.SubmittedAt == nil:
		return nil, fail("missing submission timestamp")
	case rec.Patient.NationalID == "":
		return nil, fail("missing patient identifier")
	case rec.Payer.PayerID == "":
		return nil, fail("missing payer identifier")
	case rec.Provider.LicenseID == "":
		return nil, fail("missing provider license")
	}
	if rec.Kind == claim.KindClaim && (rec.Service.Total == nil || rec.Service.Currency == "") {
		return nil, fail("claim without total and currency")
	}

	ids := newIDs(rec)
	timestamp := rec.Service.SubmittedAt.In(b.cfg.Location).Format(time.RFC3339)

	doc := fhir.NewTransaction(ids.bundle, timestamp)
	doc.Meta = b.meta("Bundle")
	doc.Identifier = &fhir.Identifier{System: b.system("bundle"), Value: ids.bundle}

	focusType := "Claim"
	if rec.Kind == claim.KindEligibility {
		focusType = "CoverageEligibilityRequest"
	}
	focusID := ids.of(focusType)

	entries := []struct {
		resourceType string
		id           string
		resource     interface{}
	}{
		{"MessageHeader", ids.of("MessageHeader"), b.header(rec, ids, focusType, focusID)},
		{focusType, focusID, b.focus(rec, ids, timestamp)},
		{"Patient", ids.of("Patient"), b.patient(rec, ids)},
		{"Coverage", ids.of("Coverage"), b.coverage(rec, ids)},
		{"Organization", ids.provider, b.providerOrg(rec, ids)},
		{"Organization", ids.payer, b.payerOrg(rec, ids)},
	}
	for _, e := range entries {
		if err := doc.AddEntry(b.fullURL(e.resourceType, e.id), e.resourceType, e.resource); err != nil {
			return nil, fail(fmt.Sprintf("encode %s: %v", e.resourceType, err))
		}
	}

	body, err := json.Marshal(doc)
	if err != nil {
		return nil, fail("encode bundle: " + err.Error())
	}
	sum := sha256.Sum256(body)
	return &ExchangeBundle{
		ID:         ids.bundle,
		ClaimID:    rec.ClaimID,
		Generation: rec.Generation,
		Kind:       rec.Kind,
		body:       body,
		hash:       hex.EncodeToString(sum[:]),
	}, nil
}

// localIDs derives every local id from claim id and generation.
type localIDs struct {
	claimID    string
	generation int
	bundle     string
	provider   string
	payer      string
}

func newIDs(rec *claim.ClaimRecord) localIDs {
	i := localIDs{claimID: rec.ClaimID, generation: rec.Generation}
	i.bundle = fmt.Sprintf("bundle-%s-%d", rec.ClaimID, rec.Generation)
	i.provider = i.of("Organization")
	i.payer = i.provider + "-payer"
	return i
}

func (i localIDs) of(resourceType string) string {
	return fmt.Sprintf("%s-%s-%d", resourceType, i.claimID, i.generation)
}

func (b *Builder) fullURL(resourceType, id string) string {
	return b.cfg.BaseURL + "/" + resourceType + "/" + id
}

func (b *Builder) meta(resourceType string) *fhir.Meta {
	return &fhir.Meta{Profile: []string{
		b.cfg.BaseURL + "/StructureDefinition/" + strings.ToLower(resourceType) + "|" + b.cfg.ProfileVersion,
	}}
}

func (b *Builder) system(name string) string {
	return b.cfg.BaseURL + "/identifier/" + name
}

func (b *Builder) ref(resourceType, id string) fhir.Reference {
	return fhir.Reference{Reference: fhir.FormatReference(resourceType, id)}
}

func money(d decimal.Decimal, currency string) *fhir.Money {
	return &fhir.Money{Value: json.Number(d.StringFixed(2)), Currency: currency}
}

const (
	systemProcedure = "http://www.ama-assn.org/go/cpt"
	systemDiagnosis = "http://hl7.org/fhir/sid/icd-10"
	systemClaimType = "http://terminology.hl7.org/CodeSystem/claim-type"
	systemPriority  = "http://terminology.hl7.org/CodeSystem/processpriority"
)

func (b *Builder) header(rec *claim.ClaimRecord, ids localIDs, focusType, focusID string) *fhir.MessageHeader {
	event := "claim-request"
	if rec.Kind == claim.KindEligibility {
		event = "eligibility-request"
	}
	return &fhir.MessageHeader{
		ResourceType: "MessageHeader",
		ID:           ids.of("MessageHeader"),
		Meta:         b.meta("MessageHeader"),
		Identifier:   []fhir.Identifier{{System: b.system("message"), Value: ids.of("MessageHeader")}},
		EventCoding:  fhir.Coding{System: b.cfg.BaseURL + "/message-events", Code: event},
		Destination: []fhir.MessageDestination{{
			Endpoint: b.cfg.BaseURL + "/payer/" + rec.Payer.PayerID,
			Receiver: refPtr(b.ref("Organization", ids.payer)),
		}},
		Sender: refPtr(b.ref("Organization", ids.provider)),
		Source: fhir.MessageSource{Endpoint: b.cfg.BaseURL + "/provider/" + rec.Provider.LicenseID},
		Focus:  []fhir.Reference{b.ref(focusType, focusID)},
	}
}

func refPtr(r fhir.Reference) *fhir.Reference { return &r }

func (b *Builder) focus(rec *claim.ClaimRecord, ids localIDs, created string) interface{} {
	svcDate := ""
	if rec.Service.ServiceDate != nil {
		svcDate = rec.Service.ServiceDate.Format(claim.DateLayout)
	}

	if rec.Kind == claim.KindEligibility {
		return &fhir.CoverageEligibilityRequest{
			ResourceType: "CoverageEligibilityRequest",
			ID:           ids.of("CoverageEligibilityRequest"),
			Meta:         b.meta("CoverageEligibilityRequest"),
			Identifier:   []fhir.Identifier{{System: b.system("eligibility"), Value: rec.ClaimID}},
			Status:       "active",
			Purpose:      []string{"validation"},
			Patient:      b.ref("Patient", ids.of("Patient")),
			ServicedDate: svcDate,
			Created:      created,
			Provider:     b.ref("Organization", ids.provider),
			Insurer:      b.ref("Organization", ids.payer),
			Insurance:    []fhir.EligibilityCover{{Focal: true, Coverage: b.ref("Coverage", ids.of("Coverage"))}},
		}
	}

	c := &fhir.Claim{
		ResourceType: "Claim",
		ID:           ids.of("Claim"),
		Meta:         b.meta("Claim"),
		Identifier:   []fhir.Identifier{{System: b.system("claim"), Value: rec.ClaimID}},
		Status:       "active",
		Type:         fhir.CodeableConcept{Coding: []fhir.Coding{{System: systemClaimType, Code: "professional"}}},
		Use:          "claim",
		Patient:      b.ref("Patient", ids.of("Patient")),
		Created:      created,
		Insurer:      b.ref("Organization", ids.payer),
		Provider:     b.ref("Organization", ids.provider),
		Priority:     fhir.CodeableConcept{Coding: []fhir.Coding{{System: systemPriority, Code: "normal"}}},
		Insurance:    []fhir.ClaimInsurance{{Sequence: 1, Focal: true, Coverage: b.ref("Coverage", ids.of("Coverage"))}},
		Total:        money(*rec.Service.Total, rec.Service.Currency),
	}
	for i, code := range rec.Service.DiagnosisCodes {
		c.Diagnosis = append(c.Diagnosis, fhir.ClaimDiagnosis{
			Sequence: i + 1,
			DiagnosisCodeableConcept: &fhir.CodeableConcept{
				Coding: []fhir.Coding{{System: systemDiagnosis, Code: code}},
			},
		})
	}
	for _, it := range rec.Service.Items {
		item := fhir.ClaimItem{
			Sequence:          it.Sequence,
			DiagnosisSequence: it.DiagnosisPointers,
			ProductOrService:  fhir.CodeableConcept{Coding: []fhir.Coding{{System: systemProcedure, Code: it.ProcedureCode}}},
			ServicedDate:      svcDate,
		}
		if it.Quantity > 0 {
			item.Quantity = &fhir.Quantity{Value: it.Quantity}
		}
		if it.Net != nil {
			item.Net = money(*it.Net, rec.Service.Currency)
		}
		c.Item = append(c.Item, item)
	}
	if rec.Branch != "" {
		c.Extension = []fhir.Extension{{URL: b.cfg.BaseURL + "/extension/branch", ValueString: rec.Branch}}
	}
	return c
}

func (b *Builder) patient(rec *claim.ClaimRecord, ids localIDs) *fhir.Patient {
	p := &fhir.Patient{
		ResourceType: "Patient",
		ID:           ids.of("Patient"),
		Meta:         b.meta("Patient"),
		Identifier:   []fhir.Identifier{{System: b.system("national-id"), Value: rec.Patient.NationalID}},
		Gender:       rec.Patient.Gender,
		BirthDate:    rec.Patient.BirthDate,
	}
	if rec.Patient.MemberID != "" {
		p.Identifier = append(p.Identifier, fhir.Identifier{System: b.system("member-id"), Value: rec.Patient.MemberID})
	}
	if rec.Patient.Name != "" {
		p.Name = []fhir.HumanName{{Text: rec.Patient.Name}}
	}
	return p
}

func (b *Builder) coverage(rec *claim.ClaimRecord, ids localIDs) *fhir.Coverage {
	cov := &fhir.Coverage{
		ResourceType: "Coverage",
		ID:           ids.of("Coverage"),
		Meta:         b.meta("Coverage"),
		Identifier:   []fhir.Identifier{{System: b.system("coverage"), Value: ids.of("Coverage")}},
		Status:       "active",
		SubscriberID: rec.Patient.MemberID,
		Beneficiary:  b.ref("Patient", ids.of("Patient")),
		Payor:        []fhir.Reference{b.ref("Organization", ids.payer)},
	}
	if rec.Payer.PolicyNumber != "" {
		cov.Identifier = append(cov.Identifier, fhir.Identifier{System: b.system("policy"), Value: rec.Payer.PolicyNumber})
	}
	return cov
}

func (b *Builder) providerOrg(rec *claim.ClaimRecord, ids localIDs) *fhir.Organization {
	org := &fhir.Organization{
		ResourceType: "Organization",
		ID:           ids.provider,
		Meta:         b.meta("Organization"),
		Identifier:   []fhir.Identifier{{System: b.system("provider-license"), Value: rec.Provider.LicenseID}},
		Active:       true,
		Type:         []fhir.CodeableConcept{{Coding: []fhir.Coding{{Code: "prov"}}}},
		Name:         rec.Provider.Name,
	}
	if rec.Provider.OrganizationID != "" {
		org.Identifier = append(org.Identifier, fhir.Identifier{System: b.system("organization"), Value: rec.Provider.OrganizationID})
	}
	return org
}

func (b *Builder) payerOrg(rec *claim.ClaimRecord, ids localIDs) *fhir.Organization {
	return &fhir.Organization{
		ResourceType: "Organization",
		ID:           ids.payer,
		Meta:         b.meta("Organization"),
		Identifier:   []fhir.Identifier{{System: b.system("payer"), Value: rec.Payer.PayerID}},
		Active:       true,
		Type:         []fhir.CodeableConcept{{Coding: []fhir.Coding{{Code: "ins"}}}},
		Name:         rec.Payer.Name,
	}
}

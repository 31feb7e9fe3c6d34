package fhir

import "encoding/json"

// Meta carries the profile a resource claims conformance to. Profiles are
// canonical URLs with a "|version" suffix.
type Meta struct {
	Profile []string `json:"profile,omitempty"`
}

type Coding struct {
	System  string `json:"system,omitempty"`
	Code    string `json:"code,omitempty"`
	Display string `json:"display,omitempty"`
}

type CodeableConcept struct {
	Coding []Coding `json:"coding,omitempty"`
	Text   string   `json:"text,omitempty"`
}

type Reference struct {
	Reference string `json:"reference,omitempty"`
	Type      string `json:"type,omitempty"`
	Display   string `json:"display,omitempty"`
}

type Identifier struct {
	System string `json:"system,omitempty"`
	Value  string `json:"value,omitempty"`
}

type HumanName struct {
	Text string `json:"text,omitempty"`
}

// Money is a fixed-point amount. Value is emitted as a JSON number with two
// decimals, for example 12500.00.
type Money struct {
	Value    json.Number `json:"value"`
	Currency string      `json:"currency"`
}

type Extension struct {
	URL         string `json:"url"`
	ValueString string `json:"valueString,omitempty"`
}

// FormatReference builds a "Type/id" relative reference.
func FormatReference(resourceType, id string) string {
	return resourceType + "/" + id
}

// MessageHeader identifies the event carried by a message bundle.
type MessageHeader struct {
	ResourceType string               `json:"resourceType"`
	ID           string               `json:"id"`
	Meta         *Meta                `json:"meta,omitempty"`
	Identifier   []Identifier         `json:"identifier,omitempty"`
	EventCoding  Coding               `json:"eventCoding"`
	Destination  []MessageDestination `json:"destination,omitempty"`
	Sender       *Reference           `json:"sender,omitempty"`
	Source       MessageSource        `json:"source"`
	Focus        []Reference          `json:"focus,omitempty"`
}

type MessageDestination struct {
	Endpoint string     `json:"endpoint"`
	Receiver *Reference `json:"receiver,omitempty"`
}

type MessageSource struct {
	Endpoint string `json:"endpoint"`
}

// Claim is the subset of the FHIR Claim resource the exchange accepts.
type Claim struct {
	ResourceType string           `json:"resourceType"`
	ID           string           `json:"id"`
	Meta         *Meta            `json:"meta,omitempty"`
	Identifier   []Identifier     `json:"identifier,omitempty"`
	Status       string           `json:"status"`
	Type         CodeableConcept  `json:"type"`
	Use          string           `json:"use"`
	Patient      Reference        `json:"patient"`
	Created      string           `json:"created"`
	Insurer      Reference        `json:"insurer"`
	Provider     Reference        `json:"provider"`
	Priority     CodeableConcept  `json:"priority"`
	Diagnosis    []ClaimDiagnosis `json:"diagnosis,omitempty"`
	Insurance    []ClaimInsurance `json:"insurance"`
	Item         []ClaimItem      `json:"item,omitempty"`
	Total        *Money           `json:"total,omitempty"`
	Extension    []Extension      `json:"extension,omitempty"`
}

type ClaimDiagnosis struct {
	Sequence                 int              `json:"sequence"`
	DiagnosisCodeableConcept *CodeableConcept `json:"diagnosisCodeableConcept,omitempty"`
}

type ClaimInsurance struct {
	Sequence int       `json:"sequence"`
	Focal    bool      `json:"focal"`
	Coverage Reference `json:"coverage"`
}

type ClaimItem struct {
	Sequence          int             `json:"sequence"`
	DiagnosisSequence []int           `json:"diagnosisSequence,omitempty"`
	ProductOrService  CodeableConcept `json:"productOrService"`
	ServicedDate      string          `json:"servicedDate,omitempty"`
	Quantity          *Quantity       `json:"quantity,omitempty"`
	Net               *Money          `json:"net,omitempty"`
}

type Quantity struct {
	Value int `json:"value"`
}

// CoverageEligibilityRequest asks the payer to confirm coverage.
type CoverageEligibilityRequest struct {
	ResourceType string             `json:"resourceType"`
	ID           string             `json:"id"`
	Meta         *Meta              `json:"meta,omitempty"`
	Identifier   []Identifier       `json:"identifier,omitempty"`
	Status       string             `json:"status"`
	Purpose      []string           `json:"purpose"`
	Patient      Reference          `json:"patient"`
	ServicedDate string             `json:"servicedDate,omitempty"`
	Created      string             `json:"created"`
	Provider     Reference          `json:"provider"`
	Insurer      Reference          `json:"insurer"`
	Insurance    []EligibilityCover `json:"insurance"`
}

type EligibilityCover struct {
	Focal    bool      `json:"focal"`
	Coverage Reference `json:"coverage"`
}

type Patient struct {
	ResourceType string       `json:"resourceType"`
	ID           string       `json:"id"`
	Meta         *Meta        `json:"meta,omitempty"`
	Identifier   []Identifier `json:"identifier"`
	Name         []HumanName  `json:"name,omitempty"`
	Gender       string       `json:"gender,omitempty"`
	BirthDate    string       `json:"birthDate,omitempty"`
}

type Coverage struct {
	ResourceType string       `json:"resourceType"`
	ID           string       `json:"id"`
	Meta         *Meta        `json:"meta,omitempty"`
	Identifier   []Identifier `json:"identifier"`
	Status       string       `json:"status"`
	SubscriberID string       `json:"subscriberId,omitempty"`
	Beneficiary  Reference    `json:"beneficiary"`
	Payor        []Reference  `json:"payor"`
}

type Organization struct {
	ResourceType string            `json:"resourceType"`
	ID           string            `json:"id"`
	Meta         *Meta             `json:"meta,omitempty"`
	Identifier   []Identifier      `json:"identifier"`
	Active       bool              `json:"active"`
	Type         []CodeableConcept `json:"type,omitempty"`
	Name         string            `json:"name,omitempty"`
}

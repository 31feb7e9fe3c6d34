package fhir

// Issue severities.
const (
	IssueSeverityFatal       = "fatal"
	IssueSeverityError       = "error"
	IssueSeverityWarning     = "warning"
	IssueSeverityInformation = "information"
)

// Issue type codes used by this service.
const (
	IssueTypeInvalid      = "invalid"
	IssueTypeRequired     = "required"
	IssueTypeValue        = "value"
	IssueTypeNotFound     = "not-found"
	IssueTypeConflict     = "conflict"
	IssueTypeProcessing   = "processing"
	IssueTypeThrottled    = "throttled"
	IssueTypeBusinessRule = "business-rule"
	IssueTypeException    = "exception"
	IssueTypeTimeout      = "timeout"
	IssueTypeDuplicate    = "duplicate"
	IssueTypeCodeInvalid  = "code-invalid"
)

// OutcomeBuilder assembles an OperationOutcome issue by issue.
type OutcomeBuilder struct {
	outcome *OperationOutcome
}

func NewOutcomeBuilder() *OutcomeBuilder {
	return &OutcomeBuilder{
		outcome: &OperationOutcome{ResourceType: "OperationOutcome"},
	}
}

// AddIssue adds a single issue.
func (b *OutcomeBuilder) AddIssue(severity, code, diagnostics string) *OutcomeBuilder {
	b.outcome.Issue = append(b.outcome.Issue, OperationOutcomeIssue{
		Severity:    severity,
		Code:        code,
		Diagnostics: diagnostics,
	})
	return b
}

// AddCodedIssue adds an issue with a coded detail and the field path it
// concerns.
func (b *OutcomeBuilder) AddCodedIssue(severity, code, system, detailCode, diagnostics, location string) *OutcomeBuilder {
	issue := OperationOutcomeIssue{
		Severity:    severity,
		Code:        code,
		Diagnostics: diagnostics,
		Details:     &CodeableConcept{Coding: []Coding{{System: system, Code: detailCode}}},
	}
	if location != "" {
		issue.Expression = []string{location}
	}
	b.outcome.Issue = append(b.outcome.Issue, issue)
	return b
}

func (b *OutcomeBuilder) Build() *OperationOutcome {
	return b.outcome
}

// HasErrors reports whether any issue is error or fatal.
func (o *OperationOutcome) HasErrors() bool {
	for _, issue := range o.Issue {
		if issue.Severity == IssueSeverityError || issue.Severity == IssueSeverityFatal {
			return true
		}
	}
	return false
}

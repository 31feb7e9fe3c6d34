package fhir

// OperationOutcome is returned by the exchange on rejection and by the API on
// errors.
type OperationOutcome struct {
	ResourceType string                  `json:"resourceType"`
	Issue        []OperationOutcomeIssue `json:"issue"`
}

type OperationOutcomeIssue struct {
	Severity    string           `json:"severity"`
	Code        string           `json:"code"`
	Details     *CodeableConcept `json:"details,omitempty"`
	Diagnostics string           `json:"diagnostics,omitempty"`
	Expression  []string         `json:"expression,omitempty"`
}

func NewOperationOutcome(severity, code, diagnostics string) *OperationOutcome {
	return &OperationOutcome{
		ResourceType: "OperationOutcome",
		Issue: []OperationOutcomeIssue{
			{
				Severity:    severity,
				Code:        code,
				Diagnostics: diagnostics,
			},
		},
	}
}

func ErrorOutcome(diagnostics string) *OperationOutcome {
	return NewOperationOutcome(IssueSeverityError, IssueTypeProcessing, diagnostics)
}

func NotFoundOutcome(resourceType, id string) *OperationOutcome {
	return NewOperationOutcome(IssueSeverityError, IssueTypeNotFound, resourceType+"/"+id+" not found")
}

// ReasonCode returns the first coded detail of the first error issue. The
// exchange places its rejection reason code there.
func (o *OperationOutcome) ReasonCode() string {
	for _, issue := range o.Issue {
		if issue.Severity != IssueSeverityError && issue.Severity != IssueSeverityFatal {
			continue
		}
		if issue.Details != nil && len(issue.Details.Coding) > 0 {
			return issue.Details.Coding[0].Code
		}
	}
	return ""
}

// Diagnostics joins the diagnostics of all issues with "; ".
func (o *OperationOutcome) Diagnostics() string {
	out := ""
	for _, issue := range o.Issue {
		if issue.Diagnostics == "" {
			continue
		}
		if out != "" {
			out += "; "
		}
		out += issue.Diagnostics
	}
	return out
}

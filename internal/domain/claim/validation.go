package claim

// Severity grades a validation violation or rejection reason.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// Valid reports whether s is one of the four known severities.
func (s Severity) Valid() bool {
	switch s {
	case SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow:
		return true
	}
	return false
}

// Outcome of a validation run.
type ValidationStatus string

const (
	ValidationPass ValidationStatus = "PASS"
	ValidationWarn ValidationStatus = "WARN"
	ValidationFail ValidationStatus = "FAIL"
)

// Violation is one failed check against a canonical field.
type Violation struct {
	Path        string   `json:"path"`
	Code        string   `json:"code"`
	Severity    Severity `json:"severity"`
	Remediation string   `json:"remediation"`
}

// ValidationResult is the scored outcome of validating one record generation.
type ValidationResult struct {
	ClaimID      string           `json:"claim_id"`
	Generation   int              `json:"generation"`
	Score        float64          `json:"score"`
	Completeness float64          `json:"completeness"`
	Encoding     float64          `json:"encoding"`
	Business     float64          `json:"business"`
	Status       ValidationStatus `json:"status"`
	Violations   []Violation      `json:"violations"`
}

// HasCritical reports whether any violation is critical.
func (r *ValidationResult) HasCritical() bool {
	for _, v := range r.Violations {
		if v.Severity == SeverityCritical {
			return true
		}
	}
	return false
}

// Submittable reports whether the record may proceed to bundling. A WARN
// inside the warn band can still carry a critical violation; such a record
// cannot be bundled and is held back.
func (r *ValidationResult) Submittable() bool {
	switch r.Status {
	case ValidationPass:
		return true
	case ValidationWarn:
		return !r.HasCritical()
	}
	return false
}

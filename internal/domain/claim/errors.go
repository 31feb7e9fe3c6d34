package claim

import (
	"errors"
	"fmt"
	"strings"
)

// Stable error codes. They are surfaced on submission records and API
// responses and must not change between releases.
const (
	CodeMapping            = "MAP-001"
	CodeAmbiguousFormat    = "MAP-002"
	CodeValidation         = "VAL-001"
	CodeBuild              = "BLD-001"
	CodeTransientExchange  = "EXC-001"
	CodePermanentRejection = "EXC-002"
	CodeTimeout            = "POL-001"
	CodeDuplicate          = "SUB-000"
)

// CodedError is implemented by every error in the taxonomy. Messages carry
// field paths and codes only, never patient data.
type CodedError interface {
	error
	Code() string
	Remediation() string
}

// MappingError means a canonically required field could not be mapped from
// the source document. Reason is set when the field was present but
// unusable.
type MappingError struct {
	Format string
	Field  string
	Reason string
}

func (e *MappingError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s: format %q field %s: %s", CodeMapping, e.Format, e.Field, e.Reason)
	}
	return fmt.Sprintf("%s: format %q is missing required field %s", CodeMapping, e.Format, e.Field)
}
func (e *MappingError) Code() string { return CodeMapping }
func (e *MappingError) Remediation() string {
	return "supply " + e.Field + " in the source document or declare the correct format"
}

// AmbiguousFormatError means format detection found zero or several equally
// good candidates.
type AmbiguousFormatError struct {
	Candidates []string
}

func (e *AmbiguousFormatError) Error() string {
	if len(e.Candidates) == 0 {
		return CodeAmbiguousFormat + ": no known format matches the document"
	}
	return fmt.Sprintf("%s: document matches several formats: %s", CodeAmbiguousFormat, strings.Join(e.Candidates, ", "))
}
func (e *AmbiguousFormatError) Code() string { return CodeAmbiguousFormat }
func (e *AmbiguousFormatError) Remediation() string {
	return "declare the source format explicitly"
}

// ValidationFailure is returned when a record scores FAIL.
type ValidationFailure struct {
	ClaimID string
	Result  *ValidationResult
}

func (e *ValidationFailure) Error() string {
	n := 0
	if e.Result != nil {
		n = len(e.Result.Violations)
	}
	return fmt.Sprintf("%s: claim %s failed validation with %d violation(s)", CodeValidation, e.ClaimID, n)
}
func (e *ValidationFailure) Code() string { return CodeValidation }
func (e *ValidationFailure) Remediation() string {
	return "correct the listed violations and resubmit as a new generation"
}

// BuildError is an internal invariant violation while assembling a bundle
// from a record that already passed validation.
type BuildError struct {
	ClaimID string
	Reason  string
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("%s: cannot build bundle for claim %s: %s", CodeBuild, e.ClaimID, e.Reason)
}
func (e *BuildError) Code() string        { return CodeBuild }
func (e *BuildError) Remediation() string { return "internal error; contact support with the claim id" }

// TransientExchangeError is a retryable exchange failure: timeout, reset
// connection, 5xx, 429 or 408.
type TransientExchangeError struct {
	StatusCode int
	Err        error
}

func (e *TransientExchangeError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: exchange returned HTTP %d: %v", CodeTransientExchange, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: exchange unreachable: %v", CodeTransientExchange, e.Err)
}
func (e *TransientExchangeError) Unwrap() error { return e.Err }
func (e *TransientExchangeError) Code() string  { return CodeTransientExchange }
func (e *TransientExchangeError) Remediation() string {
	return "retried automatically; check exchange availability if it persists"
}

// PermanentExchangeRejection is a business rejection from the exchange. It
// is never retried.
type PermanentExchangeRejection struct {
	StatusCode int
	ReasonCode string
	Detail     string
}

func (e *PermanentExchangeRejection) Error() string {
	return fmt.Sprintf("%s: exchange rejected submission (HTTP %d, reason %s): %s",
		CodePermanentRejection, e.StatusCode, e.ReasonCode, e.Detail)
}
func (e *PermanentExchangeRejection) Code() string { return CodePermanentRejection }
func (e *PermanentExchangeRejection) Remediation() string {
	return "review the rejection reason and correct the claim in a new generation"
}

// TimeoutError means retries or the polling window ran out. The submission
// is dead-lettered.
type TimeoutError struct {
	ClaimID  string
	Attempts int
	Reason   string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s: claim %s timed out after %d attempt(s): %s", CodeTimeout, e.ClaimID, e.Attempts, e.Reason)
}
func (e *TimeoutError) Code() string { return CodeTimeout }
func (e *TimeoutError) Remediation() string {
	return "acknowledge the dead-lettered submission and resubmit once the exchange recovers"
}

// DuplicateSubmissionDetected is informational: an identical bundle was
// already submitted and its record is returned instead.
type DuplicateSubmissionDetected struct {
	ClaimID      string
	SubmissionID string
}

func (e *DuplicateSubmissionDetected) Error() string {
	return fmt.Sprintf("%s: claim %s already submitted as %s", CodeDuplicate, e.ClaimID, e.SubmissionID)
}
func (e *DuplicateSubmissionDetected) Code() string { return CodeDuplicate }
func (e *DuplicateSubmissionDetected) Remediation() string {
	return "no action needed; the existing submission is returned"
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	var t *TransientExchangeError
	return errors.As(err, &t)
}

// IsPermanent reports whether err is a business rejection.
func IsPermanent(err error) bool {
	var p *PermanentExchangeRejection
	return errors.As(err, &p)
}

// CodeOf returns the stable code of err, or "" if it is outside the taxonomy.
func CodeOf(err error) string {
	var c CodedError
	if errors.As(err, &c) {
		return c.Code()
	}
	return ""
}

// RemediationOf returns the remediation hint of err, or "".
func RemediationOf(err error) string {
	var c CodedError
	if errors.As(err, &c) {
		return c.Remediation()
	}
	return ""
}

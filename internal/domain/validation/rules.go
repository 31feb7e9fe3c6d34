package validation

import (
	_ "embed"
	"fmt"
	"os"
	"regexp"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/ehr/claimgate/internal/domain/claim"
)

//go:embed rules.yaml
var defaultRules []byte

// RuleTable is the data that drives validation. It is loaded from YAML and
// compiled once.
type RuleTable struct {
	Version   string                         `yaml:"version"`
	MaxAmount string                         `yaml:"max_amount"`
	Required  map[claim.Kind][]RequiredField `yaml:"required"`
	Encoding  []EncodingRule                 `yaml:"encoding"`
	Codes     map[string]CodeRule            `yaml:"codes"`

	maxAmount decimal.Decimal
	patterns  []*regexp.Regexp
}

// RequiredField overrides the REQUIRED_MISSING severity and hint per path.
type RequiredField struct {
	Path        string         `yaml:"path"`
	Severity    claim.Severity `yaml:"severity"`
	Remediation string         `yaml:"remediation"`
}

type EncodingRule struct {
	Path    string       `yaml:"path"`
	Pattern string       `yaml:"pattern"`
	Code    string       `yaml:"code"`
	Kinds   []claim.Kind `yaml:"kinds"`
}

func (r EncodingRule) appliesTo(k claim.Kind) bool {
	for _, kk := range r.Kinds {
		if kk == k {
			return true
		}
	}
	return false
}

type CodeRule struct {
	Severity    claim.Severity `yaml:"severity"`
	Remediation string         `yaml:"remediation"`
}

// Violation codes the validator emits. Each must have an entry in the
// rule table.
const (
	CodeRequiredMissing         = "REQUIRED_MISSING"
	CodeCodeInvalid             = "CODE_INVALID"
	CodeCurrencyInvalid         = "CURRENCY_INVALID"
	CodeAmountNegative          = "AMOUNT_NEGATIVE"
	CodeAmountExceedsMax        = "AMOUNT_EXCEEDS_MAX"
	CodeTotalMismatch           = "TOTAL_MISMATCH"
	CodeServiceAfterSubmission  = "SERVICE_AFTER_SUBMISSION"
	CodeFilingWindowExceeded    = "FILING_WINDOW_EXCEEDED"
	CodeDiagnosisPointerInvalid = "DIAGNOSIS_POINTER_INVALID"
)

var emittedCodes = []string{
	CodeRequiredMissing, CodeAmountNegative, CodeAmountExceedsMax, CodeTotalMismatch,
	CodeServiceAfterSubmission, CodeFilingWindowExceeded, CodeDiagnosisPointerInvalid,
}

// DefaultRules returns the embedded rule table.
func DefaultRules() (*RuleTable, error) {
	return ParseRules(defaultRules)
}

// LoadRules reads a rule table from path, or the embedded one when path is
// empty.
func LoadRules(path string) (*RuleTable, error) {
	if path == "" {
		return DefaultRules()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rule table: %w", err)
	}
	return ParseRules(data)
}

// ParseRules decodes and compiles a rule table.
func ParseRules(data []byte) (*RuleTable, error) {
	var t RuleTable
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parse rule table: %w", err)
	}
	if err := t.compile(); err != nil {
		return nil, err
	}
	return &t, nil
}

func (t *RuleTable) compile() error {
	limit, err := decimal.NewFromString(t.MaxAmount)
	if err != nil {
		return fmt.Errorf("rule table max_amount %q: %w", t.MaxAmount, err)
	}
	t.maxAmount = limit

	codes := append([]string(nil), emittedCodes...)
	for _, r := range t.Encoding {
		codes = append(codes, r.Code)
	}
	for _, c := range codes {
		rule, ok := t.Codes[c]
		if !ok {
			return fmt.Errorf("rule table has no entry for code %s", c)
		}
		if !rule.Severity.Valid() {
			return fmt.Errorf("rule table code %s has invalid severity %q", c, rule.Severity)
		}
	}

	for kind, fields := range t.Required {
		for _, f := range fields {
			if f.Severity != "" && !f.Severity.Valid() {
				return fmt.Errorf("required field %s (%s) has invalid severity %q", f.Path, kind, f.Severity)
			}
		}
	}

	t.patterns = make([]*regexp.Regexp, len(t.Encoding))
	for i, r := range t.Encoding {
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return fmt.Errorf("encoding rule %s: %w", r.Path, err)
		}
		t.patterns[i] = re
	}
	return nil
}

func (t *RuleTable) violation(path, code string) claim.Violation {
	rule := t.Codes[code]
	return claim.Violation{Path: path, Code: code, Severity: rule.Severity, Remediation: rule.Remediation}
}

package rejection

import (
	_ "embed"
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ehr/claimgate/internal/domain/claim"
)

//go:embed reason_codes.yaml
var defaultReasons []byte

// ReasonTable classifies rejection reason codes.
type ReasonTable struct {
	Version           string                `yaml:"version"`
	DefaultAppealDays int                   `yaml:"default_appeal_days"`
	Payers            map[string]PayerTerms `yaml:"payers"`
	Codes             map[string]Reason     `yaml:"codes"`
}

type PayerTerms struct {
	AppealDays int `yaml:"appeal_days"`
}

type Reason struct {
	Description      string         `yaml:"description"`
	Severity         claim.Severity `yaml:"severity"`
	Correctable      bool           `yaml:"correctable"`
	AppealOnly       bool           `yaml:"appeal_only"`
	CorrectiveAction string         `yaml:"corrective_action"`
	Correction       Correction     `yaml:"correction"`
}

// Correction is how a correctable rejection is fixed. Fields must be
// supplied by an operator; Set values are applied as-is.
type Correction struct {
	Fields []string          `yaml:"fields"`
	Set    map[string]string `yaml:"set"`
}

func DefaultReasons() (*ReasonTable, error) {
	return ParseReasons(defaultReasons)
}

// LoadReasons reads a reason table from path, or the embedded one when
// path is empty.
func LoadReasons(path string) (*ReasonTable, error) {
	if path == "" {
		return DefaultReasons()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read reason table: %w", err)
	}
	return ParseReasons(data)
}

func ParseReasons(data []byte) (*ReasonTable, error) {
	var t ReasonTable
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parse reason table: %w", err)
	}
	if err := t.check(); err != nil {
		return nil, err
	}
	return &t, nil
}

func (t *ReasonTable) check() error {
	if t.DefaultAppealDays <= 0 {
		return fmt.Errorf("reason table default_appeal_days must be positive")
	}
	known := make(map[string]bool, len(claim.Fields))
	for _, f := range claim.Fields {
		known[f] = true
	}
	codes := make([]string, 0, len(t.Codes))
	for c := range t.Codes {
		codes = append(codes, c)
	}
	sort.Strings(codes)
	for _, c := range codes {
		r := t.Codes[c]
		if !r.Severity.Valid() {
			return fmt.Errorf("reason %s has invalid severity %q", c, r.Severity)
		}
		if r.Correctable && r.AppealOnly {
			return fmt.Errorf("reason %s cannot be both correctable and appeal_only", c)
		}
		if r.Correctable && len(r.Correction.Fields)+len(r.Correction.Set) == 0 {
			return fmt.Errorf("reason %s is correctable but has no correction rule", c)
		}
		for _, f := range r.Correction.Fields {
			if !known[f] {
				return fmt.Errorf("reason %s corrects unknown field %q", c, f)
			}
		}
		for f := range r.Correction.Set {
			if !known[f] {
				return fmt.Errorf("reason %s sets unknown field %q", c, f)
			}
		}
	}
	return nil
}

// Lookup returns the entry for code.
func (t *ReasonTable) Lookup(code string) (Reason, bool) {
	r, ok := t.Codes[code]
	return r, ok
}

// AppealDeadline is the rejection date plus the payer's appeal window.
func (t *ReasonTable) AppealDeadline(payer string, rejected time.Time) time.Time {
	days := t.DefaultAppealDays
	if p, ok := t.Payers[payer]; ok && p.AppealDays > 0 {
		days = p.AppealDays
	}
	return rejected.AddDate(0, 0, days)
}

// Package validation scores canonical claim records against a rule table.
// Validate is a pure function of the record, the table and the configured
// weights and thresholds.
package validation

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/ehr/claimgate/internal/domain/claim"
)

// Config holds the score bands and weights. Thresholds are percentages.
type Config struct {
	PassThreshold      float64
	WarnThreshold      float64
	WeightCompleteness float64
	WeightEncoding     float64
	WeightBusiness     float64
	FilingWindow       time.Duration
}

func DefaultConfig() Config {
	return Config{
		PassThreshold:      90,
		WarnThreshold:      70,
		WeightCompleteness: 1,
		WeightEncoding:     1,
		WeightBusiness:     1,
		FilingWindow:       90 * 24 * time.Hour,
	}
}

type Validator struct {
	rules *RuleTable
	cfg   Config
}

func New(rules *RuleTable, cfg Config) *Validator {
	return &Validator{rules: rules, cfg: cfg}
}

// Validate scores rec. The result lists violations ordered by field path
// then code.
func (v *Validator) Validate(rec *claim.ClaimRecord) *claim.ValidationResult {
	var violations []claim.Violation

	completeness := v.completeness(rec, &violations)
	encoding := v.encoding(rec, &violations)
	business := v.business(rec, &violations)

	wc, we, wb := v.cfg.WeightCompleteness, v.cfg.WeightEncoding, v.cfg.WeightBusiness
	score := 0.0
	if sum := wc + we + wb; sum > 0 {
		score = (wc*completeness + we*encoding + wb*business) / sum
	}

	sort.SliceStable(violations, func(i, j int) bool {
		if violations[i].Path != violations[j].Path {
			return violations[i].Path < violations[j].Path
		}
		return violations[i].Code < violations[j].Code
	})
	if violations == nil {
		violations = []claim.Violation{}
	}

	res := &claim.ValidationResult{
		ClaimID:      rec.ClaimID,
		Generation:   rec.Generation,
		Score:        round2(score),
		Completeness: round2(completeness),
		Encoding:     round2(encoding),
		Business:     round2(business),
		Violations:   violations,
	}
	res.Status = v.status(res)
	return res
}

// status applies the bands: PASS needs the pass threshold and no critical
// violation; WARN covers the warn band or a result whose violations are all
// non-critical; anything else fails.
func (v *Validator) status(res *claim.ValidationResult) claim.ValidationStatus {
	critical := res.HasCritical()
	switch {
	case res.Score >= v.cfg.PassThreshold && !critical:
		return claim.ValidationPass
	case res.Score >= v.cfg.WarnThreshold && res.Score < v.cfg.PassThreshold:
		return claim.ValidationWarn
	case !critical:
		return claim.ValidationWarn
	default:
		return claim.ValidationFail
	}
}

func (v *Validator) completeness(rec *claim.ClaimRecord, out *[]claim.Violation) float64 {
	required := v.rules.Required[rec.Kind]
	if len(required) == 0 {
		return 100
	}
	present := 0
	for _, f := range required {
		if _, ok := rec.FieldValue(f.Path); ok {
			present++
			continue
		}
		viol := v.rules.violation(f.Path, CodeRequiredMissing)
		if f.Severity != "" {
			viol.Severity = f.Severity
		}
		if f.Remediation != "" {
			viol.Remediation = f.Remediation
		}
		*out = append(*out, viol)
	}
	return percent(present, len(required))
}

// encoding counts one slot per applicable rule. A missing field is an
// invalid slot without a violation; completeness already reports it. The
// line-item slot only exists when the record has items.
func (v *Validator) encoding(rec *claim.ClaimRecord, out *[]claim.Violation) float64 {
	slots, valid := 0, 0
	for i, rule := range v.rules.Encoding {
		if !rule.appliesTo(rec.Kind) {
			continue
		}
		if rule.Path == itemsProcedurePath && len(rec.Service.Items) == 0 {
			continue
		}
		slots++
		values := valuesAt(rec, rule.Path)
		if len(values) == 0 {
			continue
		}
		ok := true
		for _, val := range values {
			if !v.rules.patterns[i].MatchString(val.value) {
				ok = false
				*out = append(*out, v.rules.violation(val.path, rule.Code))
			}
		}
		if ok {
			valid++
		}
	}
	if slots == 0 {
		return 100
	}
	return percent(valid, slots)
}

type businessRule func(v *Validator, rec *claim.ClaimRecord, out *[]claim.Violation) bool

var businessRules = map[claim.Kind][]businessRule{
	claim.KindClaim: {
		(*Validator).amountsNonNegative,
		(*Validator).amountWithinMax,
		(*Validator).totalMatchesItems,
		(*Validator).serviceNotAfterSubmission,
		(*Validator).withinFilingWindow,
		(*Validator).diagnosisPointersValid,
	},
	claim.KindEligibility: {
		(*Validator).serviceNotAfterSubmission,
	},
}

// business returns the share of rules satisfied. A rule whose inputs are
// missing is unsatisfied.
func (v *Validator) business(rec *claim.ClaimRecord, out *[]claim.Violation) float64 {
	rules := businessRules[rec.Kind]
	if len(rules) == 0 {
		return 100
	}
	passed := 0
	for _, r := range rules {
		if r(v, rec, out) {
			passed++
		}
	}
	return percent(passed, len(rules))
}

func (v *Validator) amountsNonNegative(rec *claim.ClaimRecord, out *[]claim.Violation) bool {
	if rec.Service.Total == nil {
		return false
	}
	ok := true
	if rec.Service.Total.IsNegative() {
		ok = false
		*out = append(*out, v.rules.violation("service.total", CodeAmountNegative))
	}
	for i, it := range rec.Service.Items {
		if it.Net != nil && it.Net.IsNegative() {
			ok = false
			*out = append(*out, v.rules.violation(fmt.Sprintf("service.items[%d].net", i), CodeAmountNegative))
		}
	}
	return ok
}

func (v *Validator) amountWithinMax(rec *claim.ClaimRecord, out *[]claim.Violation) bool {
	if rec.Service.Total == nil {
		return false
	}
	if rec.Service.Total.GreaterThan(v.rules.maxAmount) {
		*out = append(*out, v.rules.violation("service.total", CodeAmountExceedsMax))
		return false
	}
	return true
}

func (v *Validator) totalMatchesItems(rec *claim.ClaimRecord, out *[]claim.Violation) bool {
	if len(rec.Service.Items) == 0 {
		return true
	}
	if rec.Service.Total == nil {
		return false
	}
	if !rec.Service.Total.Equal(rec.Service.ItemsTotal()) {
		*out = append(*out, v.rules.violation("service.total", CodeTotalMismatch))
		return false
	}
	return true
}

func (v *Validator) serviceNotAfterSubmission(rec *claim.ClaimRecord, out *[]claim.Violation) bool {
	svc, sub := rec.Service.ServiceDate, rec.Service.SubmittedAt
	if svc == nil || sub == nil {
		return false
	}
	if svc.After(*sub) {
		*out = append(*out, v.rules.violation("service.service_date", CodeServiceAfterSubmission))
		return false
	}
	return true
}

func (v *Validator) withinFilingWindow(rec *claim.ClaimRecord, out *[]claim.Violation) bool {
	svc, sub := rec.Service.ServiceDate, rec.Service.SubmittedAt
	if svc == nil || sub == nil {
		return false
	}
	if sub.Sub(*svc) > v.cfg.FilingWindow {
		*out = append(*out, v.rules.violation("service.service_date", CodeFilingWindowExceeded))
		return false
	}
	return true
}

func (v *Validator) diagnosisPointersValid(rec *claim.ClaimRecord, out *[]claim.Violation) bool {
	ok := true
	n := len(rec.Service.DiagnosisCodes)
	for i, it := range rec.Service.Items {
		for _, p := range it.DiagnosisPointers {
			if p < 1 || p > n {
				ok = false
				*out = append(*out, v.rules.violation(fmt.Sprintf("service.items[%d].diagnosis_pointers", i), CodeDiagnosisPointerInvalid))
				break
			}
		}
	}
	return ok
}

const itemsProcedurePath = "service.items.procedure_code"

type fieldValue struct {
	path  string
	value string
}

// valuesAt expands a rule path into the individual values it covers. List
// fields yield one indexed path per element.
func valuesAt(rec *claim.ClaimRecord, path string) []fieldValue {
	var list []string
	switch path {
	case itemsProcedurePath:
		out := make([]fieldValue, 0, len(rec.Service.Items))
		for i, it := range rec.Service.Items {
			out = append(out, fieldValue{fmt.Sprintf("service.items[%d].procedure_code", i), it.ProcedureCode})
		}
		return out
	case "service.procedure_codes":
		list = rec.Service.ProcedureCodes
	case "service.diagnosis_codes":
		list = rec.Service.DiagnosisCodes
	default:
		if s, ok := rec.FieldValue(path); ok {
			return []fieldValue{{path, s}}
		}
		return nil
	}
	out := make([]fieldValue, 0, len(list))
	for i, s := range list {
		out = append(out, fieldValue{fmt.Sprintf("%s[%d]", path, i), s})
	}
	return out
}

func percent(n, d int) float64 {
	return float64(n) * 100 / float64(d)
}

func round2(f float64) float64 {
	return math.Round(f*100) / 100
}

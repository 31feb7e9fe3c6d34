// Package adapter maps payer-specific claim and eligibility documents onto
// the canonical claim record. The set of formats is closed: a document is
// handled by the variant named in its tag or by the single variant whose
// fingerprint matches it best.
package adapter

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/ehr/claimgate/internal/domain/claim"
)

var ErrUnknownFormat = errors.New("unknown source format")

// requiredCanonical lists the canonical fields every normalized record must
// carry.
var requiredCanonical = []string{"claim_id", "patient.national_id", "payer.payer_id"}

type Registry struct {
	variants []*Variant
	byTag    map[string]*Variant
	now      func() time.Time
}

// NewRegistry builds a registry over variants. Tags must be unique.
func NewRegistry(variants ...*Variant) (*Registry, error) {
	r := &Registry{byTag: make(map[string]*Variant), now: time.Now}
	for _, v := range variants {
		if v.Tag == "" {
			return nil, errors.New("adapter variant without tag")
		}
		if _, dup := r.byTag[v.Tag]; dup {
			return nil, fmt.Errorf("duplicate adapter tag %q", v.Tag)
		}
		for canonical := range v.Fields {
			if !isCanonical(canonical) {
				return nil, fmt.Errorf("adapter %s maps unknown canonical field %q", v.Tag, canonical)
			}
		}
		r.byTag[v.Tag] = v
		r.variants = append(r.variants, v)
	}
	return r, nil
}

// Default returns a registry over the built-in variants.
func Default() *Registry {
	r, err := NewRegistry(BuiltIn()...)
	if err != nil {
		panic(err)
	}
	return r
}

// WithClock replaces the clock that stamps normalized_at.
func (r *Registry) WithClock(now func() time.Time) *Registry {
	r.now = now
	return r
}

func isCanonical(path string) bool {
	for _, f := range claim.Fields {
		if f == path {
			return true
		}
	}
	return false
}

// Tags returns the registered format tags in registration order.
func (r *Registry) Tags() []string {
	out := make([]string, 0, len(r.variants))
	for _, v := range r.variants {
		out = append(out, v.Tag)
	}
	return out
}

// Detect picks the variant whose fingerprint scores highest. A variant
// scores only when all its required paths are present. No match or a tie
// at the top fails closed.
func (r *Registry) Detect(raw []byte) (string, error) {
	leaves, err := parse(raw)
	if err != nil {
		return "", err
	}
	v, err := r.detect(leaves)
	if err != nil {
		return "", err
	}
	return v.Tag, nil
}

func (r *Registry) detect(leaves map[string]any) (*Variant, error) {
	best := 0
	var top []*Variant
	for _, v := range r.variants {
		s := fingerprint(v, leaves)
		switch {
		case s == 0:
		case s > best:
			best, top = s, []*Variant{v}
		case s == best:
			top = append(top, v)
		}
	}
	if len(top) == 1 {
		return top[0], nil
	}
	tags := make([]string, 0, len(top))
	for _, v := range top {
		tags = append(tags, v.Tag)
	}
	sort.Strings(tags)
	return nil, &claim.AmbiguousFormatError{Candidates: tags}
}

func fingerprint(v *Variant, leaves map[string]any) int {
	for _, p := range v.Required {
		if _, ok := leaves[p]; !ok {
			return 0
		}
	}
	score := len(v.Required) * 10
	for _, p := range v.Optional {
		if _, ok := leaves[p]; ok {
			score++
		}
	}
	return score
}

// Normalize maps raw onto a new DRAFT record at generation 1. An empty tag
// triggers detection.
func (r *Registry) Normalize(raw []byte, tag string) (*claim.ClaimRecord, error) {
	leaves, err := parse(raw)
	if err != nil {
		return nil, err
	}

	var v *Variant
	if tag == "" {
		if v, err = r.detect(leaves); err != nil {
			return nil, err
		}
	} else {
		var ok bool
		if v, ok = r.byTag[tag]; !ok {
			return nil, fmt.Errorf("%w %q", ErrUnknownFormat, tag)
		}
	}

	rec := &claim.ClaimRecord{
		Generation: 1,
		Kind:       v.Kind,
		Status:     claim.StatusDraft,
		Provenance: claim.Provenance{SourceFormat: v.Tag, NormalizedAt: r.now().UTC()},
	}
	consumed := make(map[string]bool)

	canonical := make([]string, 0, len(v.Fields))
	for c := range v.Fields {
		canonical = append(canonical, c)
	}
	sort.Strings(canonical)
	for _, c := range canonical {
		src := v.Fields[c]
		val, ok := leaves[src]
		if !ok {
			continue
		}
		consumed[src] = true
		s, err := scalar(val)
		if err != nil {
			return nil, &claim.MappingError{Format: v.Tag, Field: c, Reason: err.Error()}
		}
		if err := rec.SetField(c, s); err != nil {
			return nil, &claim.MappingError{Format: v.Tag, Field: c, Reason: err.Error()}
		}
	}

	if v.Items != nil {
		if val, ok := leaves[v.Items.Source]; ok {
			consumed[v.Items.Source] = true
			if err := mapItems(v, val, rec); err != nil {
				return nil, err
			}
		}
	}

	for path, val := range leaves {
		if consumed[path] {
			continue
		}
		b, err := json.Marshal(val)
		if err != nil {
			return nil, fmt.Errorf("preserve %s: %w", path, err)
		}
		rec.Provenance.SetExtension(path, b)
	}

	for _, f := range requiredCanonical {
		if _, ok := rec.FieldValue(f); !ok {
			return nil, &claim.MappingError{Format: v.Tag, Field: f}
		}
	}
	if rec.Service.Currency == "" && hasAmounts(rec) {
		return nil, &claim.MappingError{Format: v.Tag, Field: "service.currency"}
	}
	return rec, nil
}

func hasAmounts(rec *claim.ClaimRecord) bool {
	if rec.Service.Total != nil {
		return true
	}
	for _, it := range rec.Service.Items {
		if it.Net != nil {
			return true
		}
	}
	return false
}

func mapItems(v *Variant, val any, rec *claim.ClaimRecord) error {
	rule := v.Items
	arr, ok := val.([]any)
	if !ok {
		return &claim.MappingError{Format: v.Tag, Field: "service.items", Reason: "expected an array"}
	}
	known := rule.keys()
	for i, el := range arr {
		obj, ok := el.(map[string]any)
		if !ok {
			return &claim.MappingError{Format: v.Tag, Field: fmt.Sprintf("service.items[%d]", i), Reason: "expected an object"}
		}
		field := func(name string) string { return fmt.Sprintf("service.items[%d].%s", i, name) }

		item := claim.LineItem{Sequence: i + 1, Quantity: 1}
		if n, ok, err := intValue(obj[rule.Sequence]); err != nil {
			return &claim.MappingError{Format: v.Tag, Field: field("sequence"), Reason: err.Error()}
		} else if ok {
			item.Sequence = n
		}
		code, err := scalar(obj[rule.ProcedureCode])
		if err != nil {
			return &claim.MappingError{Format: v.Tag, Field: field("procedure_code"), Reason: err.Error()}
		}
		item.ProcedureCode = strings.TrimSpace(code)
		if n, ok, err := intValue(obj[rule.Quantity]); err != nil {
			return &claim.MappingError{Format: v.Tag, Field: field("quantity"), Reason: err.Error()}
		} else if ok {
			item.Quantity = n
		}
		net, err := scalar(obj[rule.Net])
		if err != nil {
			return &claim.MappingError{Format: v.Tag, Field: field("net"), Reason: err.Error()}
		}
		if net != "" {
			d, err := decimal.NewFromString(net)
			if err != nil {
				return &claim.MappingError{Format: v.Tag, Field: field("net"), Reason: "invalid amount"}
			}
			item.Net = &d
		}
		ptrs, err := intList(obj[rule.DiagnosisPointers])
		if err != nil {
			return &claim.MappingError{Format: v.Tag, Field: field("diagnosis_pointers"), Reason: err.Error()}
		}
		item.DiagnosisPointers = ptrs

		for k, raw := range obj {
			if known[k] {
				continue
			}
			b, err := json.Marshal(raw)
			if err != nil {
				return fmt.Errorf("preserve %s.%d.%s: %w", rule.Source, i, k, err)
			}
			rec.Provenance.SetExtension(fmt.Sprintf("%s.%d.%s", rule.Source, i, k), b)
		}
		rec.Service.Items = append(rec.Service.Items, item)
	}
	return nil
}

// parse decodes a JSON object and flattens nested objects into dotted
// leaf paths. Arrays are leaves.
func parse(raw []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc map[string]any
	if err := dec.Decode(&doc); err != nil {
		return nil, &claim.MappingError{Field: "$", Reason: "document is not a JSON object"}
	}
	leaves := make(map[string]any)
	flatten("", doc, leaves)
	return leaves, nil
}

func flatten(prefix string, obj map[string]any, out map[string]any) {
	for k, v := range obj {
		path := k
		if prefix != "" {
			path = prefix + "." + k
		}
		if m, ok := v.(map[string]any); ok && len(m) > 0 {
			flatten(path, m, out)
			continue
		}
		out[path] = v
	}
}

// scalar renders a leaf as a string. Arrays of scalars are comma-joined.
func scalar(v any) (string, error) {
	switch t := v.(type) {
	case nil:
		return "", nil
	case string:
		return t, nil
	case json.Number:
		return t.String(), nil
	case bool:
		return strconv.FormatBool(t), nil
	case []any:
		parts := make([]string, 0, len(t))
		for _, el := range t {
			s, err := scalar(el)
			if err != nil {
				return "", err
			}
			if _, nested := el.([]any); nested {
				return "", errors.New("nested arrays are not supported")
			}
			parts = append(parts, s)
		}
		return strings.Join(parts, ","), nil
	default:
		return "", fmt.Errorf("unsupported value of type %T", v)
	}
}

func intValue(v any) (int, bool, error) {
	s, err := scalar(v)
	if err != nil {
		return 0, false, err
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, false, fmt.Errorf("expected an integer, got %q", s)
	}
	return n, true, nil
}

func intList(v any) ([]int, error) {
	s, err := scalar(v)
	if err != nil {
		return nil, err
	}
	var out []int
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p == "" {
			continue
		}
		n, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("expected an integer, got %q", p)
		}
		out = append(out, n)
	}
	return out, nil
}

package rejection

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"reflect"
	"sort"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	"github.com/parquet-go/parquet-go"
	"github.com/shopspring/decimal"
)

// Format is a rejection feed encoding.
type Format string

const (
	FormatCSV     Format = "csv"
	FormatJSONL   Format = "jsonl"
	FormatParquet Format = "parquet"
)

// ErrFeedShape is returned when a feed's columns are not the expected set.
var ErrFeedShape = errors.New("unrecognized rejection feed shape")

func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatCSV, FormatJSONL, FormatParquet:
		return f, nil
	case "ndjson":
		return FormatJSONL, nil
	}
	return "", fmt.Errorf("unsupported feed format %q", s)
}

// FormatFromPath infers the format from a file extension.
func FormatFromPath(path string) (Format, error) {
	return ParseFormat(strings.TrimPrefix(filepath.Ext(path), "."))
}

// Row is one feed line after shape checks. Rows are numbered from 1 in
// feed order, not counting a CSV header.
type Row struct {
	Number        int    `json:"-"`
	ClaimID       string `json:"claim_id" validate:"required,max=64"`
	Payer         string `json:"payer" validate:"required,max=64"`
	RejectionDate string `json:"rejection_date" validate:"required,datetime=2006-01-02"`
	ReasonCode    string `json:"reason_code" validate:"required,max=32"`
	Severity      string `json:"severity" validate:"omitempty,severity"`
	Amount        string `json:"amount" validate:"required,amount"`
	Branch        string `json:"branch" validate:"omitempty,max=64"`
}

// RowError explains why a row was refused.
type RowError struct {
	Row     int    `json:"row"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

func (e RowError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("row %d: %s", e.Row, e.Message)
	}
	return fmt.Sprintf("row %d: %s: %s", e.Row, e.Field, e.Message)
}

// ParseResult holds accepted rows and per-row refusals.
type ParseResult struct {
	Rows   []Row      `json:"-"`
	Errors []RowError `json:"errors,omitempty"`
}

var columns = []string{"claim_id", "payer", "rejection_date", "reason_code", "severity", "amount", "branch"}

var requiredColumns = map[string]bool{
	"claim_id": true, "payer": true, "rejection_date": true, "reason_code": true, "amount": true,
}

var validate *validator.Validate

func init() {
	validate = validator.New()
	validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		return strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
	})
	_ = validate.RegisterValidation("amount", validateAmount)
	_ = validate.RegisterValidation("severity", validateSeverity)
}

// validateAmount accepts a non-negative decimal with at most two places.
func validateAmount(fl validator.FieldLevel) bool {
	d, err := decimal.NewFromString(fl.Field().String())
	if err != nil || d.IsNegative() {
		return false
	}
	return d.Equal(d.Truncate(2))
}

func validateSeverity(fl validator.FieldLevel) bool {
	switch strings.ToLower(fl.Field().String()) {
	case "critical", "high", "medium", "low":
		return true
	}
	return false
}

// checkShape refuses feeds with unknown or missing columns.
func checkShape(names []string) error {
	seen := make(map[string]bool, len(names))
	var unknown []string
	for _, n := range names {
		n = strings.ToLower(strings.TrimSpace(n))
		if seen[n] {
			return fmt.Errorf("%w: duplicate column %q", ErrFeedShape, n)
		}
		seen[n] = true
		if !contains(columns, n) {
			unknown = append(unknown, n)
		}
	}
	if len(unknown) > 0 {
		return fmt.Errorf("%w: unknown column(s) %s", ErrFeedShape, strings.Join(unknown, ", "))
	}
	var missing []string
	for c := range requiredColumns {
		if !seen[c] {
			missing = append(missing, c)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("%w: missing column(s) %s", ErrFeedShape, strings.Join(missing, ", "))
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// accept validates row and files it under Rows or Errors.
func (p *ParseResult) accept(row Row) {
	row.Severity = strings.ToLower(strings.TrimSpace(row.Severity))
	if err := validate.Struct(row); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			p.Errors = append(p.Errors, RowError{Row: row.Number, Message: err.Error()})
			return
		}
		for _, fe := range verrs {
			p.Errors = append(p.Errors, RowError{Row: row.Number, Field: fe.Field(), Message: "failed " + fe.Tag()})
		}
		return
	}
	p.Rows = append(p.Rows, row)
}

// Parse reads a whole feed in the given format.
func Parse(r io.Reader, format Format) (*ParseResult, error) {
	switch format {
	case FormatCSV:
		return ParseCSV(r)
	case FormatJSONL:
		return ParseJSONL(r)
	case FormatParquet:
		data, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("read parquet feed: %w", err)
		}
		return ParseParquet(bytes.NewReader(data), int64(len(data)))
	}
	return nil, fmt.Errorf("unsupported feed format %q", format)
}

// ParseCSV reads a feed with a header row naming the columns.
func ParseCSV(r io.Reader) (*ParseResult, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read csv header: %w", err)
	}
	if err := checkShape(header); err != nil {
		return nil, err
	}
	index := make(map[string]int, len(header))
	for i, h := range header {
		index[strings.ToLower(strings.TrimSpace(h))] = i
	}
	get := func(rec []string, col string) string {
		if i, ok := index[col]; ok && i < len(rec) {
			return strings.TrimSpace(rec[i])
		}
		return ""
	}

	res := &ParseResult{}
	for n := 1; ; n++ {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			// csv.ErrFieldCount and quoting errors refuse the row, not the feed.
			var perr *csv.ParseError
			if errors.As(err, &perr) {
				res.Errors = append(res.Errors, RowError{Row: n, Message: perr.Err.Error()})
				continue
			}
			return nil, fmt.Errorf("read csv row %d: %w", n, err)
		}
		res.accept(Row{
			Number:        n,
			ClaimID:       get(rec, "claim_id"),
			Payer:         get(rec, "payer"),
			RejectionDate: get(rec, "rejection_date"),
			ReasonCode:    get(rec, "reason_code"),
			Severity:      get(rec, "severity"),
			Amount:        get(rec, "amount"),
			Branch:        get(rec, "branch"),
		})
	}
	return res, nil
}

type jsonlRow struct {
	ClaimID       string          `json:"claim_id"`
	Payer         string          `json:"payer"`
	RejectionDate string          `json:"rejection_date"`
	ReasonCode    string          `json:"reason_code"`
	Severity      string          `json:"severity"`
	Amount        json.RawMessage `json:"amount"`
	Branch        string          `json:"branch"`
}

// ParseJSONL reads one JSON object per line. Unknown keys refuse the row.
func ParseJSONL(r io.Reader) (*ParseResult, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	res := &ParseResult{}
	n := 0
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		n++
		dec := json.NewDecoder(bytes.NewReader(line))
		dec.DisallowUnknownFields()
		var jr jsonlRow
		if err := dec.Decode(&jr); err != nil {
			res.Errors = append(res.Errors, RowError{Row: n, Message: "unrecognized row: " + err.Error()})
			continue
		}
		amount, err := rawAmount(jr.Amount)
		if err != nil {
			res.Errors = append(res.Errors, RowError{Row: n, Field: "amount", Message: err.Error()})
			continue
		}
		res.accept(Row{
			Number:        n,
			ClaimID:       jr.ClaimID,
			Payer:         jr.Payer,
			RejectionDate: jr.RejectionDate,
			ReasonCode:    jr.ReasonCode,
			Severity:      jr.Severity,
			Amount:        amount,
			Branch:        jr.Branch,
		})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read jsonl feed: %w", err)
	}
	return res, nil
}

// rawAmount accepts a JSON number or a numeric string.
func rawAmount(raw json.RawMessage) (string, error) {
	s := strings.TrimSpace(string(raw))
	switch {
	case s == "" || s == "null":
		return "", nil
	case strings.HasPrefix(s, `"`):
		u, err := strconv.Unquote(s)
		if err != nil {
			return "", fmt.Errorf("malformed string")
		}
		return u, nil
	case strings.HasPrefix(s, "{"), strings.HasPrefix(s, "["), s == "true", s == "false":
		return "", fmt.Errorf("must be a number")
	}
	return s, nil
}

type parquetRow struct {
	ClaimID       string  `parquet:"claim_id"`
	Payer         string  `parquet:"payer"`
	RejectionDate string  `parquet:"rejection_date"`
	ReasonCode    string  `parquet:"reason_code"`
	Severity      *string `parquet:"severity,optional"`
	Amount        string  `parquet:"amount"`
	Branch        *string `parquet:"branch,optional"`
}

// ParseParquet reads a Parquet feed. Dates and amounts are UTF-8 columns
// so amounts stay exact.
func ParseParquet(r io.ReaderAt, size int64) (*ParseResult, error) {
	pf, err := parquet.OpenFile(r, size)
	if err != nil {
		return nil, fmt.Errorf("open parquet feed: %w", err)
	}
	names := make([]string, 0, len(pf.Schema().Fields()))
	for _, f := range pf.Schema().Fields() {
		names = append(names, f.Name())
	}
	if err := checkShape(names); err != nil {
		return nil, err
	}

	reader := parquet.NewGenericReader[parquetRow](pf)
	defer reader.Close()

	res := &ParseResult{}
	buf := make([]parquetRow, 256)
	n := 0
	for {
		count, err := reader.Read(buf)
		for _, pr := range buf[:count] {
			n++
			res.accept(Row{
				Number:        n,
				ClaimID:       pr.ClaimID,
				Payer:         pr.Payer,
				RejectionDate: pr.RejectionDate,
				ReasonCode:    pr.ReasonCode,
				Severity:      deref(pr.Severity),
				Amount:        pr.Amount,
				Branch:        deref(pr.Branch),
			})
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read parquet rows: %w", err)
		}
	}
	return res, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

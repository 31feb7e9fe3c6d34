package rejection

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/parquet-go/parquet-go"
)

func TestParseCSV(t *testing.T) {
	feed := strings.Join([]string{
		"claim_id,payer,rejection_date,reason_code,severity,amount,branch",
		"CLM-1,PAY-9,2024-04-01,BV-00027,HIGH,12500.00,RIY",
		"CLM-2,PAY-12,2024-04-02,AU-00200,,300,JED",
		"CLM-3,PAY-9,01/04/2024,BV-00027,high,10.00,RIY",
		"CLM-4,PAY-9,2024-04-01,BV-00027,high,-5.00,RIY",
		"CLM-5,PAY-9,2024-04-01,BV-00027,high,1.005,RIY",
		"CLM-6,PAY-9,2024-04-01,BV-00027,urgent,1.00,RIY",
		",PAY-9,2024-04-01,BV-00027,high,1.00,RIY",
		"CLM-8,PAY-9,2024-04-01",
	}, "\n")

	res, err := ParseCSV(strings.NewReader(feed))
	if err != nil {
		t.Fatalf("ParseCSV: %v", err)
	}
	if len(res.Rows) != 2 {
		t.Fatalf("expected 2 accepted rows, got %d (%v)", len(res.Rows), res.Errors)
	}
	if res.Rows[0].Severity != "high" {
		t.Errorf("severity should be lowercased, got %q", res.Rows[0].Severity)
	}
	if res.Rows[1].Number != 2 || res.Rows[1].Branch != "JED" {
		t.Errorf("unexpected second row: %+v", res.Rows[1])
	}

	want := []struct {
		row   int
		field string
	}{
		{3, "rejection_date"},
		{4, "amount"},
		{5, "amount"},
		{6, "severity"},
		{7, "claim_id"},
		{8, ""},
	}
	if len(res.Errors) != len(want) {
		t.Fatalf("expected %d row errors, got %d: %v", len(want), len(res.Errors), res.Errors)
	}
	for i, w := range want {
		if res.Errors[i].Row != w.row || res.Errors[i].Field != w.field {
			t.Errorf("error %d: got row %d field %q, want row %d field %q",
				i, res.Errors[i].Row, res.Errors[i].Field, w.row, w.field)
		}
	}
}

func TestParseCSV_Shape(t *testing.T) {
	tests := []struct {
		name   string
		header string
	}{
		{"unknown column", "claim_id,payer,rejection_date,reason_code,amount,notes"},
		{"missing column", "claim_id,payer,reason_code,amount"},
		{"duplicate column", "claim_id,payer,rejection_date,reason_code,amount,payer"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseCSV(strings.NewReader(tt.header + "\n"))
			if !errors.Is(err, ErrFeedShape) {
				t.Fatalf("expected ErrFeedShape, got %v", err)
			}
		})
	}
}

func TestParseCSV_OptionalColumnsMayBeOmitted(t *testing.T) {
	feed := "reason_code,claim_id,amount,payer,rejection_date\nDU-00005,CLM-1,99.5,PAY-9,2024-01-31\n"
	res, err := ParseCSV(strings.NewReader(feed))
	if err != nil {
		t.Fatalf("ParseCSV: %v", err)
	}
	if len(res.Rows) != 1 || len(res.Errors) != 0 {
		t.Fatalf("expected 1 clean row, got %+v", res)
	}
	r := res.Rows[0]
	if r.ClaimID != "CLM-1" || r.ReasonCode != "DU-00005" || r.Amount != "99.5" || r.Branch != "" {
		t.Errorf("columns mapped by header name incorrectly: %+v", r)
	}
}

func TestParseJSONL(t *testing.T) {
	feed := strings.Join([]string{
		`{"claim_id":"CLM-1","payer":"PAY-9","rejection_date":"2024-04-01","reason_code":"BV-00027","amount":12500.00,"branch":"RIY"}`,
		``,
		`{"claim_id":"CLM-2","payer":"PAY-9","rejection_date":"2024-04-01","reason_code":"CV-00011","amount":"75.25","severity":"Low"}`,
		`{"claim_id":"CLM-3","payer":"PAY-9","rejection_date":"2024-04-01","reason_code":"CV-00011","amount":"1","note":"x"}`,
		`{"claim_id":"CLM-4","payer":"PAY-9","rejection_date":"2024-04-01","reason_code":"CV-00011","amount":true}`,
		`not json`,
		`{"claim_id":"CLM-6","payer":"PAY-9","rejection_date":"2024-04-01","reason_code":"CV-00011"}`,
	}, "\n")

	res, err := ParseJSONL(strings.NewReader(feed))
	if err != nil {
		t.Fatalf("ParseJSONL: %v", err)
	}
	if len(res.Rows) != 2 {
		t.Fatalf("expected 2 rows, got %d (%v)", len(res.Rows), res.Errors)
	}
	if res.Rows[0].Amount != "12500.00" {
		t.Errorf("numeric amount should keep its text, got %q", res.Rows[0].Amount)
	}
	if res.Rows[1].Number != 2 || res.Rows[1].Amount != "75.25" || res.Rows[1].Severity != "low" {
		t.Errorf("unexpected second row: %+v", res.Rows[1])
	}

	wantRows := []int{3, 4, 5, 6}
	if len(res.Errors) != len(wantRows) {
		t.Fatalf("expected %d errors, got %v", len(wantRows), res.Errors)
	}
	for i, n := range wantRows {
		if res.Errors[i].Row != n {
			t.Errorf("error %d: row %d, want %d", i, res.Errors[i].Row, n)
		}
	}
	if res.Errors[3].Field != "amount" {
		t.Errorf("missing amount should be reported on amount, got %q", res.Errors[3].Field)
	}
}

func strPtr(s string) *string { return &s }

func writeParquet[T any](t *testing.T, rows []T) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := parquet.NewGenericWriter[T](&buf)
	if _, err := w.Write(rows); err != nil {
		t.Fatalf("write parquet: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close parquet: %v", err)
	}
	return buf.Bytes()
}

func TestParseParquet(t *testing.T) {
	data := writeParquet(t, []parquetRow{
		{ClaimID: "CLM-1", Payer: "PAY-9", RejectionDate: "2024-04-01", ReasonCode: "BV-00027", Amount: "12500.00", Branch: strPtr("RIY")},
		{ClaimID: "CLM-2", Payer: "PAY-12", RejectionDate: "2024-04-03", ReasonCode: "MN-00001", Amount: "80", Severity: strPtr("critical")},
		{ClaimID: "CLM-3", Payer: "PAY-12", RejectionDate: "2024-13-03", ReasonCode: "MN-00001", Amount: "80"},
	})

	res, err := Parse(bytes.NewReader(data), FormatParquet)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(res.Rows) != 2 {
		t.Fatalf("expected 2 rows, got %d (%v)", len(res.Rows), res.Errors)
	}
	if res.Rows[0].Branch != "RIY" || res.Rows[0].Severity != "" {
		t.Errorf("optional columns not read: %+v", res.Rows[0])
	}
	if res.Rows[1].Severity != "critical" {
		t.Errorf("severity = %q", res.Rows[1].Severity)
	}
	if len(res.Errors) != 1 || res.Errors[0].Row != 3 || res.Errors[0].Field != "rejection_date" {
		t.Errorf("unexpected errors: %v", res.Errors)
	}
}

func TestParseParquet_Shape(t *testing.T) {
	type foreignRow struct {
		ClaimID string `parquet:"claim_id"`
		Total   string `parquet:"total"`
	}
	data := writeParquet(t, []foreignRow{{ClaimID: "CLM-1", Total: "1"}})
	_, err := ParseParquet(bytes.NewReader(data), int64(len(data)))
	if !errors.Is(err, ErrFeedShape) {
		t.Fatalf("expected ErrFeedShape, got %v", err)
	}
}

func TestFormatFromPath(t *testing.T) {
	tests := []struct {
		path    string
		want    Format
		wantErr bool
	}{
		{"feed.csv", FormatCSV, false},
		{"/tmp/feed.JSONL", FormatJSONL, false},
		{"feed.ndjson", FormatJSONL, false},
		{"feed.parquet", FormatParquet, false},
		{"feed.xlsx", "", true},
	}
	for _, tt := range tests {
		got, err := FormatFromPath(tt.path)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("FormatFromPath(%q) = %q, %v", tt.path, got, err)
		}
	}
}

package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/ehr/claimgate/internal/domain/claim"
	"github.com/ehr/claimgate/internal/domain/rejection"
)

func TestFeedFormat(t *testing.T) {
	tests := []struct {
		path, flag string
		want       rejection.Format
		wantErr    bool
	}{
		{"feed.csv", "", rejection.FormatCSV, false},
		{"feed.ndjson", "", rejection.FormatJSONL, false},
		{"feed.txt", "parquet", rejection.FormatParquet, false},
		{"feed.xlsx", "", "", true},
		{"feed.csv", "xml", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.path+"/"+tt.flag, func(t *testing.T) {
			got, err := feedFormat(tt.path, tt.flag)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected an error, got %q", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("feedFormat(%q, %q) = %q, want %q", tt.path, tt.flag, got, tt.want)
			}
		})
	}
}

func TestIngestFeed_InMemory(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("AMQP_URL", "")
	t.Setenv("ENV", "test")
	t.Setenv("LOG_LEVEL", "error")

	path := filepath.Join(t.TempDir(), "feed.csv")
	feed := "claim_id,payer,rejection_date,reason_code,amount,branch\n" +
		"CLM-9,PAY-9,2024-04-08,MN-00001,80.00,north\n" +
		"CLM-10,PAY-9,not-a-date,MN-00001,20.00,north\n"
	if err := os.WriteFile(path, []byte(feed), 0o600); err != nil {
		t.Fatal(err)
	}

	report, err := ingestFeed(context.Background(), path, rejection.FormatCSV)
	if err != nil {
		t.Fatalf("ingestFeed: %v", err)
	}
	if report.Rows != 2 || report.Inserted != 1 || len(report.Errors) != 1 {
		t.Fatalf("unexpected report: %+v", report)
	}
	if !report.AtRisk.Total.Equal(decimal.RequireFromString("80")) {
		t.Errorf("at risk total = %s", report.AtRisk.Total)
	}
}

func TestRenderReport(t *testing.T) {
	var buf bytes.Buffer
	renderReport(&buf, &rejection.IngestReport{
		Rows:     2,
		Inserted: 1,
		Errors:   []rejection.RowError{{Row: 2, Field: "amount", Message: "invalid amount"}},
		AtRisk: &rejection.Summary{
			Total:      decimal.RequireFromString("80"),
			Count:      1,
			ByBranch:   map[string]decimal.Decimal{"north": decimal.RequireFromString("80")},
			ByPayer:    map[string]decimal.Decimal{"PAY-9": decimal.RequireFromString("80")},
			BySeverity: map[claim.Severity]int{claim.SeverityCritical: 1},
		},
	})

	out := buf.String()
	for _, want := range []string{"rows 2, inserted 1", "invalid amount", "north", "PAY-9", "80.00"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestRenderValidation_NoViolations(t *testing.T) {
	var buf bytes.Buffer
	renderValidation(&buf, &claim.ValidationResult{ClaimID: "CLM-1", Generation: 1, Score: 100, Status: claim.ValidationPass})
	if got := buf.String(); !strings.HasPrefix(got, "CLM-1 generation 1: PASS") || strings.Count(got, "\n") != 1 {
		t.Errorf("unexpected output %q", got)
	}
}

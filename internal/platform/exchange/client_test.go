package exchange

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/ehr/claimgate/internal/domain/claim"
	"github.com/ehr/claimgate/internal/platform/credentials"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	mgr := credentials.NewManager(&credentials.StaticSource{Secret: "s3cret", TTL: time.Hour}, time.Minute)
	if err := mgr.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	cfg := Config{
		BaseURL:         srv.URL,
		Timeout:         5 * time.Second,
		ProviderLicense: "LIC-77",
		OrganizationID:  "ORG-1",
		ProviderID:      "PRV-1",
	}
	return NewClient(cfg, mgr, NewBudget(1000, 100, 4), WithHTTPClient(srv.Client()))
}

func TestSubmit_SyncAcknowledgment(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/Claim/$submit" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		for _, h := range []string{"X-Provider-License", "X-Organization-Id", "X-Provider-Id", "X-Correlation-Id", "Idempotency-Key"} {
			if r.Header.Get(h) == "" {
				t.Errorf("missing header %s", h)
			}
		}
		raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		tok, err := jwt.ParseWithClaims(raw, &assertionClaims{}, func(*jwt.Token) (interface{}, error) {
			return []byte("s3cret"), nil
		})
		if err != nil || !tok.Valid {
			t.Errorf("bearer assertion invalid: %v", err)
		} else if tok.Claims.(*assertionClaims).License != "LIC-77" {
			t.Errorf("unexpected license claim")
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"submissionId":"EX-1","disposition":"adjudicated"}`))
	})

	res, err := c.Submit(context.Background(), SubmitRequest{
		ClaimID: "CLM-1", Kind: claim.KindClaim, CorrelationID: "corr-1", IdempotencyKey: "abc", Body: []byte(`{}`),
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if res.Async || res.SubmissionID != "EX-1" || res.Disposition != DispositionAdjudicated {
		t.Errorf("unexpected result %+v", res)
	}
}

func TestSubmit_EligibilityEndpointAsync(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/Claim/$eligibility" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusAccepted)
	})
	res, err := c.Submit(context.Background(), SubmitRequest{ClaimID: "E-1", Kind: claim.KindEligibility, CorrelationID: "c", Body: []byte(`{}`)})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if !res.Async {
		t.Error("expected async acknowledgment")
	}
}

func TestSubmit_ErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		transient bool
		reason    string
	}{
		{"server error", http.StatusBadGateway, "", true, ""},
		{"throttled", http.StatusTooManyRequests, "", true, ""},
		{"timeout", http.StatusRequestTimeout, "", true, ""},
		{"business rejection", http.StatusUnprocessableEntity,
			`{"resourceType":"OperationOutcome","issue":[{"severity":"error","code":"business-rule","details":{"coding":[{"code":"BV-00027"}]},"diagnostics":"policy expired"}]}`,
			false, "BV-00027"},
		{"bad request without outcome", http.StatusBadRequest, "nope", false, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})
			_, err := c.Submit(context.Background(), SubmitRequest{ClaimID: "CLM-1", CorrelationID: "c", Body: []byte(`{}`)})
			if err == nil {
				t.Fatal("expected error")
			}
			if claim.IsTransient(err) != tt.transient {
				t.Fatalf("IsTransient = %v, want %v (%v)", !tt.transient, tt.transient, err)
			}
			if !tt.transient {
				var rej *claim.PermanentExchangeRejection
				if !errors.As(err, &rej) {
					t.Fatalf("expected PermanentExchangeRejection, got %T", err)
				}
				if rej.ReasonCode != tt.reason {
					t.Errorf("reason code = %q, want %q", rej.ReasonCode, tt.reason)
				}
			}
		})
	}
}

func TestSubmit_UnauthorizedRefreshesLease(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	mgr := credentials.NewManager(&credentials.StaticSource{Secret: "s", TTL: time.Hour}, 0)
	if err := mgr.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	c := NewClient(Config{BaseURL: srv.URL}, mgr, NewBudget(100, 10, 1), WithHTTPClient(srv.Client()))

	_, err := c.Submit(context.Background(), SubmitRequest{ClaimID: "CLM-1", CorrelationID: "c", Body: []byte(`{}`)})
	if !claim.IsTransient(err) {
		t.Fatalf("expected transient error after 401, got %v", err)
	}
	lease, _ := mgr.Current(context.Background())
	if lease.Version != 2 {
		t.Errorf("expected refreshed lease version 2, got %d", lease.Version)
	}
}

func TestPoll(t *testing.T) {
	var calls int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/Claim/CLM-1/$status" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if atomic.AddInt32(&calls, 1) == 1 {
			_, _ = w.Write([]byte(`{"state":"pending"}`))
			return
		}
		_, _ = w.Write([]byte(`{"state":"complete","disposition":"rejected","reasonCode":"MN-1"}`))
	})

	first, err := c.Poll(context.Background(), "CLM-1", "corr")
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if first.Terminal() {
		t.Error("pending poll must not be terminal")
	}
	second, err := c.Poll(context.Background(), "CLM-1", "corr")
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if !second.Terminal() || second.Disposition != DispositionRejected || second.ReasonCode != "MN-1" {
		t.Errorf("unexpected poll result %+v", second)
	}
}

func TestPoll_UnknownStateIsTransient(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"state":"sideways"}`))
	})
	if _, err := c.Poll(context.Background(), "CLM-1", "corr"); !claim.IsTransient(err) {
		t.Fatalf("expected transient error, got %v", err)
	}
}

func TestLookup(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("correlation") == "known" {
			_, _ = w.Write([]byte(`{"submissionId":"EX-9","state":"pending"}`))
			return
		}
		w.WriteHeader(http.StatusNotFound)
	})

	got, err := c.Lookup(context.Background(), "known")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if !got.Found || got.SubmissionID != "EX-9" || got.State != StatePending {
		t.Errorf("unexpected lookup %+v", got)
	}

	missing, err := c.Lookup(context.Background(), "unknown")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if missing.Found {
		t.Error("expected not found")
	}
}

func TestBudget_CapsInFlight(t *testing.T) {
	b := NewBudget(1000, 100, 1)
	release, err := b.Acquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := b.Acquire(ctx); err == nil {
		t.Fatal("expected second acquire to block until context deadline")
	}

	release()
	again, err := b.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	again()
}

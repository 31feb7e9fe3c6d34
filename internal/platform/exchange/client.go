// Package exchange is the HTTP client for the national health-insurance
// information exchange. It submits transaction bundles, polls asynchronous
// adjudication and looks submissions up by correlation id.
package exchange

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/ehr/claimgate/internal/domain/claim"
	"github.com/ehr/claimgate/internal/platform/credentials"
	"github.com/ehr/claimgate/internal/platform/fhir"
	"github.com/ehr/claimgate/internal/platform/metrics"
)

// Dispositions reported by the exchange once a claim is decided.
const (
	DispositionAdjudicated = "adjudicated"
	DispositionRejected    = "rejected"
)

// Poll and lookup states.
const (
	StatePending  = "pending"
	StateComplete = "complete"
	StateError    = "error"
)

// SubmitRequest is one submission attempt.
type SubmitRequest struct {
	ClaimID        string
	Kind           claim.Kind
	CorrelationID  string
	IdempotencyKey string
	Body           []byte
}

// SubmitResult is the exchange acknowledgment. Async results carry no
// disposition; sync results may carry one.
type SubmitResult struct {
	Async        bool
	SubmissionID string
	Disposition  string
	ReasonCode   string
	Detail       string
	Payload      []byte
}

// PollResult is the state of an asynchronously processed claim.
type PollResult struct {
	State       string
	Disposition string
	ReasonCode  string
	Detail      string
	Payload     []byte
}

// Terminal reports whether polling can stop.
func (p *PollResult) Terminal() bool {
	return p.State == StateComplete || p.State == StateError
}

// LookupResult describes what the exchange knows about a correlation id.
type LookupResult struct {
	Found        bool
	SubmissionID string
	State        string
	Disposition  string
	ReasonCode   string
	Detail       string
	Payload      []byte
}

type ackBody struct {
	SubmissionID string `json:"submissionId"`
	State        string `json:"state"`
	Disposition  string `json:"disposition"`
	ReasonCode   string `json:"reasonCode"`
	Detail       string `json:"detail"`
}

// Config identifies this facility to the exchange.
type Config struct {
	BaseURL         string
	Timeout         time.Duration
	ProviderLicense string
	OrganizationID  string
	ProviderID      string
}

type Client struct {
	cfg     Config
	http    *http.Client
	creds   *credentials.Manager
	budget  *Budget
	metrics *metrics.Metrics
	logger  zerolog.Logger
	now     func() time.Time
}

type Option func(*Client)

// WithHTTPClient replaces the transport, mainly for tests.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) { c.logger = l.With().Str("component", "exchange").Logger() }
}

// NewClient builds a client that presents the leased certificate, if any,
// on every TLS handshake.
func NewClient(cfg Config, creds *credentials.Manager, budget *Budget, opts ...Option) *Client {
	c := &Client{
		cfg:    cfg,
		creds:  creds,
		budget: budget,
		logger: zerolog.Nop(),
		now:    time.Now,
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = &tls.Config{
		MinVersion: tls.VersionTLS12,
		GetClientCertificate: func(*tls.CertificateRequestInfo) (*tls.Certificate, error) {
			lease, err := creds.Current(context.Background())
			if err != nil {
				return nil, err
			}
			if lease.Certificate == nil {
				return &tls.Certificate{}, nil
			}
			return lease.Certificate, nil
		},
	}
	c.http = &http.Client{Transport: transport, Timeout: cfg.Timeout}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Submit posts a bundle. 200 is a sync acknowledgment, 202 async pending,
// 4xx a permanent rejection and 5xx/429/408 or a network failure transient.
func (c *Client) Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	op := "$submit"
	if req.Kind == claim.KindEligibility {
		op = "$eligibility"
	}
	status, body, err := c.do(ctx, "submit", http.MethodPost, "/Claim/"+op, req.CorrelationID, req.IdempotencyKey, req.Body)
	if err != nil {
		return nil, err
	}

	switch status {
	case http.StatusOK, http.StatusAccepted:
		var ack ackBody
		if len(bytes.TrimSpace(body)) > 0 {
			if err := json.Unmarshal(body, &ack); err != nil {
				return nil, &claim.TransientExchangeError{StatusCode: status, Err: fmt.Errorf("decode acknowledgment: %w", err)}
			}
		}
		return &SubmitResult{
			Async:        status == http.StatusAccepted,
			SubmissionID: ack.SubmissionID,
			Disposition:  ack.Disposition,
			ReasonCode:   ack.ReasonCode,
			Detail:       ack.Detail,
			Payload:      body,
		}, nil
	}
	return nil, classify(status, body)
}

// Poll asks for the adjudication state of an async submission.
func (c *Client) Poll(ctx context.Context, claimID, correlationID string) (*PollResult, error) {
	status, body, err := c.do(ctx, "poll", http.MethodGet, "/Claim/"+url.PathEscape(claimID)+"/$status", correlationID, "", nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, classify(status, body)
	}
	var ack ackBody
	if err := json.Unmarshal(body, &ack); err != nil {
		return nil, &claim.TransientExchangeError{StatusCode: status, Err: fmt.Errorf("decode status: %w", err)}
	}
	switch ack.State {
	case StatePending, StateComplete, StateError:
	default:
		return nil, &claim.TransientExchangeError{StatusCode: status, Err: fmt.Errorf("unknown poll state %q", ack.State)}
	}
	return &PollResult{
		State:       ack.State,
		Disposition: ack.Disposition,
		ReasonCode:  ack.ReasonCode,
		Detail:      ack.Detail,
		Payload:     body,
	}, nil
}

// Lookup finds a submission by correlation id. A 404 is reported as
// Found=false, not as an error.
func (c *Client) Lookup(ctx context.Context, correlationID string) (*LookupResult, error) {
	path := "/Submission?correlation=" + url.QueryEscape(correlationID)
	status, body, err := c.do(ctx, "lookup", http.MethodGet, path, correlationID, "", nil)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return &LookupResult{Found: false}, nil
	}
	if status != http.StatusOK {
		return nil, classify(status, body)
	}
	var ack ackBody
	if err := json.Unmarshal(body, &ack); err != nil {
		return nil, &claim.TransientExchangeError{StatusCode: status, Err: fmt.Errorf("decode lookup: %w", err)}
	}
	return &LookupResult{
		Found:        true,
		SubmissionID: ack.SubmissionID,
		State:        ack.State,
		Disposition:  ack.Disposition,
		ReasonCode:   ack.ReasonCode,
		Detail:       ack.Detail,
		Payload:      body,
	}, nil
}

func (c *Client) do(ctx context.Context, operation, method, path, correlationID, idempotencyKey string, payload []byte) (int, []byte, error) {
	release, err := c.budget.Acquire(ctx)
	if err != nil {
		return 0, nil, err
	}
	defer release()

	lease, err := c.creds.Current(ctx)
	if err != nil {
		return 0, nil, &claim.TransientExchangeError{Err: err}
	}
	token, err := signAssertion(lease.Secret, c.cfg.ProviderID, c.cfg.OrganizationID, c.cfg.BaseURL, c.cfg.ProviderLicense, c.now())
	if err != nil {
		return 0, nil, fmt.Errorf("sign exchange assertion: %w", err)
	}

	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(c.cfg.BaseURL, "/")+path, reqBody)
	if err != nil {
		return 0, nil, fmt.Errorf("build exchange request: %w", err)
	}
	req.Header.Set("Accept", "application/fhir+json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/fhir+json")
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-Provider-License", c.cfg.ProviderLicense)
	req.Header.Set("X-Organization-Id", c.cfg.OrganizationID)
	req.Header.Set("X-Provider-Id", c.cfg.ProviderID)
	req.Header.Set("X-Correlation-Id", correlationID)
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	start := c.now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.metrics.ObserveExchange(operation, "network_error", time.Since(start))
		if ctxErr := ctx.Err(); ctxErr != nil {
			return 0, nil, ctxErr
		}
		return 0, nil, &claim.TransientExchangeError{Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		c.metrics.ObserveExchange(operation, "read_error", time.Since(start))
		return 0, nil, &claim.TransientExchangeError{StatusCode: resp.StatusCode, Err: err}
	}
	c.metrics.ObserveExchange(operation, http.StatusText(resp.StatusCode), time.Since(start))

	if resp.StatusCode == http.StatusUnauthorized {
		// The lease may have been revoked early; rotate before the retry.
		if _, rerr := c.creds.Refresh(ctx); rerr != nil {
			c.logger.Warn().Err(rerr).Msg("credential refresh after 401 failed")
		}
		return 0, nil, &claim.TransientExchangeError{StatusCode: resp.StatusCode, Err: errors.New("credentials rejected")}
	}

	c.logger.Debug().
		Str("operation", operation).
		Str("correlation_id", correlationID).
		Int("status", resp.StatusCode).
		Dur("latency", time.Since(start)).
		Msg("exchange call")
	return resp.StatusCode, body, nil
}

// classify maps a non-success status to the error taxonomy.
func classify(status int, body []byte) error {
	switch {
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests, status >= 500:
		return &claim.TransientExchangeError{StatusCode: status, Err: errors.New(http.StatusText(status))}
	case status >= 400:
		rej := &claim.PermanentExchangeRejection{StatusCode: status, Detail: http.StatusText(status)}
		var oo fhir.OperationOutcome
		if err := json.Unmarshal(body, &oo); err == nil && oo.ResourceType == "OperationOutcome" {
			rej.ReasonCode = oo.ReasonCode()
			if d := oo.Diagnostics(); d != "" {
				rej.Detail = d
			}
		}
		return rej
	default:
		return &claim.TransientExchangeError{StatusCode: status, Err: fmt.Errorf("unexpected status %d", status)}
	}
}

// Package submission coordinates the delivery of exchange bundles: it
// deduplicates by bundle hash, persists every attempt before the exchange is
// called, retries transient failures with backoff and recovers in-flight
// attempts after a restart.
package submission

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/claimgate/internal/domain/claim"
)

// Status is the delivery state of a submission.
type Status string

const (
	StatusPending         Status = "PENDING"
	StatusAckSync         Status = "ACK_SYNC"
	StatusAckAsyncPending Status = "ACK_ASYNC_PENDING"
	StatusAdjudicated     Status = "ADJUDICATED"
	StatusRejected        Status = "REJECTED"
	StatusTimedOut        Status = "TIMED_OUT"
)

// Terminal reports whether the exchange has nothing more to say about it.
func (s Status) Terminal() bool {
	switch s {
	case StatusAdjudicated, StatusRejected, StatusTimedOut:
		return true
	}
	return false
}

// claimStatus is the claim lifecycle state that mirrors s.
func (s Status) claimStatus() claim.Status {
	switch s {
	case StatusAckSync:
		return claim.StatusAckSync
	case StatusAckAsyncPending:
		return claim.StatusAckAsyncPending
	case StatusAdjudicated:
		return claim.StatusAdjudicated
	case StatusRejected:
		return claim.StatusRejected
	case StatusTimedOut:
		return claim.StatusTimedOut
	}
	return claim.StatusSent
}

// Record is one submission of one bundle. Attempt counts calls made to the
// exchange; all of them share CorrelationID.
type Record struct {
	ID              uuid.UUID       `json:"id"`
	ClaimID         string          `json:"claim_id"`
	Generation      int             `json:"generation"`
	Kind            claim.Kind      `json:"kind"`
	Attempt         int             `json:"attempt"`
	CorrelationID   string          `json:"correlation_id"`
	BundleHash      string          `json:"bundle_hash"`
	BundleBody      []byte          `json:"-"`
	Status          Status          `json:"status"`
	InFlight        bool            `json:"in_flight"`
	SentAt          *time.Time      `json:"sent_at,omitempty"`
	ResponsePayload json.RawMessage `json:"response_payload,omitempty"`
	LastErrorCode   string          `json:"last_error_code,omitempty"`
	LastError       string          `json:"last_error,omitempty"`
	LastRemediation string          `json:"remediation,omitempty"`
	DeadLetter      bool            `json:"dead_letter"`
	AcknowledgedBy  string          `json:"acknowledged_by,omitempty"`
	AcknowledgedAt  *time.Time      `json:"acknowledged_at,omitempty"`
	AcknowledgeNote string          `json:"acknowledge_note,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// Clone returns a copy that shares no slices with r.
func (r *Record) Clone() *Record {
	cp := *r
	cp.BundleBody = append([]byte(nil), r.BundleBody...)
	if r.ResponsePayload != nil {
		cp.ResponsePayload = append(json.RawMessage(nil), r.ResponsePayload...)
	}
	if r.SentAt != nil {
		t := *r.SentAt
		cp.SentAt = &t
	}
	if r.AcknowledgedAt != nil {
		t := *r.AcknowledgedAt
		cp.AcknowledgedAt = &t
	}
	return &cp
}

// setError records err's taxonomy code and remediation.
func (r *Record) setError(err error) {
	r.LastError = err.Error()
	r.LastErrorCode = claim.CodeOf(err)
	r.LastRemediation = claim.RemediationOf(err)
}

// setPayload keeps body only when it is a JSON document.
func (r *Record) setPayload(body []byte) {
	if len(body) > 0 && json.Valid(body) {
		r.ResponsePayload = append(json.RawMessage(nil), body...)
	}
}

// AwaitingAcknowledgment reports whether r is an open dead letter.
func (r *Record) AwaitingAcknowledgment() bool {
	return r.DeadLetter && r.AcknowledgedAt == nil
}

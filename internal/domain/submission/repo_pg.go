package submission

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/claimgate/internal/platform/db"
)

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository { return &repoPG{pool: pool} }

const submissionCols = `id, claim_id, generation, kind, attempt, correlation_id, bundle_hash, bundle_body,
	status, in_flight, sent_at, response_payload, last_error_code, last_error, last_remediation,
	dead_letter, acknowledged_by, acknowledged_at, acknowledge_note, created_at, updated_at`

func (r *repoPG) scanRow(row pgx.Row) (*Record, error) {
	var rec Record
	var errCode, errText, remediation, ackBy, ackNote *string
	var payload []byte
	err := row.Scan(&rec.ID, &rec.ClaimID, &rec.Generation, &rec.Kind, &rec.Attempt, &rec.CorrelationID,
		&rec.BundleHash, &rec.BundleBody, &rec.Status, &rec.InFlight, &rec.SentAt, &payload,
		&errCode, &errText, &remediation, &rec.DeadLetter, &ackBy, &rec.AcknowledgedAt, &ackNote,
		&rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	rec.ResponsePayload = payload
	rec.LastErrorCode = deref(errCode)
	rec.LastError = deref(errText)
	rec.LastRemediation = deref(remediation)
	rec.AcknowledgedBy = deref(ackBy)
	rec.AcknowledgeNote = deref(ackNote)
	return &rec, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func (r *repoPG) Create(ctx context.Context, rec *Record) error {
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO submission_record (id, claim_id, generation, kind, attempt, correlation_id, bundle_hash,
			bundle_body, status, in_flight)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		RETURNING created_at, updated_at`,
		rec.ID, rec.ClaimID, rec.Generation, rec.Kind, rec.Attempt, rec.CorrelationID, rec.BundleHash,
		rec.BundleBody, rec.Status, rec.InFlight,
	).Scan(&rec.CreatedAt, &rec.UpdatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%w: claim %s", ErrDuplicate, rec.ClaimID)
	}
	return err
}

func (r *repoPG) Update(ctx context.Context, rec *Record) error {
	var payload []byte
	if len(rec.ResponsePayload) > 0 {
		payload = rec.ResponsePayload
	}
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		UPDATE submission_record SET
			attempt = $2, status = $3, in_flight = $4, sent_at = $5, response_payload = $6,
			last_error_code = NULLIF($7,''), last_error = NULLIF($8,''), last_remediation = NULLIF($9,''),
			dead_letter = $10, acknowledged_by = NULLIF($11,''), acknowledged_at = $12,
			acknowledge_note = NULLIF($13,''), updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at`,
		rec.ID, rec.Attempt, rec.Status, rec.InFlight, rec.SentAt, payload,
		rec.LastErrorCode, rec.LastError, rec.LastRemediation,
		rec.DeadLetter, rec.AcknowledgedBy, rec.AcknowledgedAt, rec.AcknowledgeNote,
	).Scan(&rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func (r *repoPG) Get(ctx context.Context, id uuid.UUID) (*Record, error) {
	return r.scanRow(db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+submissionCols+` FROM submission_record WHERE id = $1`, id))
}

func (r *repoPG) FindByHash(ctx context.Context, claimID, bundleHash string) (*Record, error) {
	return r.scanRow(db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+submissionCols+` FROM submission_record WHERE claim_id = $1 AND bundle_hash = $2`,
		claimID, bundleHash))
}

func (r *repoPG) FindByCorrelation(ctx context.Context, correlationID string) (*Record, error) {
	return r.scanRow(db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+submissionCols+` FROM submission_record WHERE correlation_id = $1`, correlationID))
}

func (r *repoPG) LatestForClaim(ctx context.Context, claimID string) (*Record, error) {
	return r.scanRow(db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+submissionCols+` FROM submission_record WHERE claim_id = $1
		 ORDER BY generation DESC, created_at DESC LIMIT 1`, claimID))
}

func (r *repoPG) list(ctx context.Context, query string, args ...interface{}) ([]*Record, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Record
	for rows.Next() {
		rec, err := r.scanRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (r *repoPG) ListOpen(ctx context.Context) ([]*Record, error) {
	return r.list(ctx, `SELECT `+submissionCols+` FROM submission_record
		WHERE status IN ('PENDING','ACK_ASYNC_PENDING') ORDER BY created_at`)
}

func (r *repoPG) ListDeadLetters(ctx context.Context, limit, offset int) ([]*Record, int, error) {
	var total int
	err := db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT COUNT(*) FROM submission_record WHERE dead_letter AND acknowledged_at IS NULL`).Scan(&total)
	if err != nil {
		return nil, 0, err
	}
	out, err := r.list(ctx, `SELECT `+submissionCols+` FROM submission_record
		WHERE dead_letter AND acknowledged_at IS NULL ORDER BY created_at LIMIT $1 OFFSET $2`, limit, offset)
	return out, total, err
}

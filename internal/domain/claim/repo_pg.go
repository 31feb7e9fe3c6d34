package claim

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/claimgate/internal/platform/db"
)

type repoPG struct{ pool *pgxpool.Pool }

// NewRepoPG stores each generation as a JSONB document keyed by
// (claim_id, generation).
func NewRepoPG(pool *pgxpool.Pool) Repository { return &repoPG{pool: pool} }

func (r *repoPG) Save(ctx context.Context, rec *ClaimRecord) error {
	doc, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode claim %s: %w", rec.ClaimID, err)
	}
	_, err = db.Conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO claim_record (claim_id, generation, kind, branch, payer_id, status, source_format, document)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		rec.ClaimID, rec.Generation, rec.Kind, rec.Branch, rec.Payer.PayerID, rec.Status,
		rec.Provenance.SourceFormat, doc)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%w: %s generation %d", ErrGenerationExists, rec.ClaimID, rec.Generation)
	}
	return err
}

func (r *repoPG) scan(row pgx.Row) (*ClaimRecord, error) {
	var doc []byte
	var status Status
	if err := row.Scan(&doc, &status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var rec ClaimRecord
	if err := json.Unmarshal(doc, &rec); err != nil {
		return nil, fmt.Errorf("decode claim document: %w", err)
	}
	rec.Status = status
	rec.frozen = status != StatusDraft
	return &rec, nil
}

func (r *repoPG) Get(ctx context.Context, claimID string, generation int) (*ClaimRecord, error) {
	return r.scan(db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT document, status FROM claim_record WHERE claim_id = $1 AND generation = $2`,
		claimID, generation))
}

func (r *repoPG) Latest(ctx context.Context, claimID string) (*ClaimRecord, error) {
	return r.scan(db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT document, status FROM claim_record WHERE claim_id = $1 ORDER BY generation DESC LIMIT 1`,
		claimID))
}

func (r *repoPG) ListByStatus(ctx context.Context, statuses ...Status) ([]*ClaimRecord, error) {
	names := make([]string, len(statuses))
	for i, st := range statuses {
		names[i] = string(st)
	}
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `
		SELECT document, status FROM claim_record
		WHERE status = ANY($1)
		ORDER BY claim_id, generation`, names)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ClaimRecord
	for rows.Next() {
		rec, err := r.scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (r *repoPG) UpdateStatus(ctx context.Context, claimID string, generation int, from, to Status) error {
	if err := Transition(from, to); err != nil {
		return err
	}
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `
		UPDATE claim_record SET status = $4, updated_at = NOW()
		WHERE claim_id = $1 AND generation = $2 AND status = $3`,
		claimID, generation, from, to)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		if _, gerr := r.Get(ctx, claimID, generation); errors.Is(gerr, ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("%w: stored status of %s generation %d is not %s", ErrIllegalTransition, claimID, generation, from)
	}
	return nil
}

package rejection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/claimgate/internal/domain/claim"
	"github.com/ehr/claimgate/internal/platform/db"
)

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository { return &repoPG{pool: pool} }

const rejectionCols = `id, claim_id, payer, branch, reason_code, rejection_date, severity, amount,
	appeal_deadline, corrective_action, correctable, manual_review, source, created_at, updated_at`

func (r *repoPG) Upsert(ctx context.Context, rec *Record) (bool, error) {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	var inserted bool
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO rejection_record (id, claim_id, payer, branch, reason_code, rejection_date, severity,
			amount, appeal_deadline, corrective_action, correctable, manual_review, source)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,NULLIF($10,''),$11,$12,$13)
		ON CONFLICT (claim_id, reason_code, rejection_date) DO UPDATE SET
			payer = EXCLUDED.payer, branch = EXCLUDED.branch, severity = EXCLUDED.severity,
			amount = EXCLUDED.amount, appeal_deadline = EXCLUDED.appeal_deadline,
			corrective_action = EXCLUDED.corrective_action, correctable = EXCLUDED.correctable,
			manual_review = EXCLUDED.manual_review, updated_at = NOW()
		RETURNING id, created_at, updated_at, (xmax = 0)`,
		rec.ID, rec.ClaimID, rec.Payer, rec.Branch, rec.ReasonCode, rec.RejectionDate, rec.Severity,
		rec.Amount, rec.AppealDeadline, rec.CorrectiveAction, rec.Correctable, rec.ManualReview, rec.Source,
	).Scan(&rec.ID, &rec.CreatedAt, &rec.UpdatedAt, &inserted)
	if err != nil {
		return false, fmt.Errorf("upsert rejection %s: %w", rec.Key(), err)
	}
	return inserted, nil
}

func scanRecord(row pgx.Row) (*Record, error) {
	var rec Record
	var action *string
	err := row.Scan(&rec.ID, &rec.ClaimID, &rec.Payer, &rec.Branch, &rec.ReasonCode, &rec.RejectionDate,
		&rec.Severity, &rec.Amount, &rec.AppealDeadline, &action, &rec.Correctable, &rec.ManualReview,
		&rec.Source, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	rec.CorrectiveAction = deref(action)
	return &rec, nil
}

func (r *repoPG) Get(ctx context.Context, id uuid.UUID) (*Record, error) {
	return scanRecord(db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+rejectionCols+` FROM rejection_record WHERE id = $1`, id))
}

func (r *repoPG) List(ctx context.Context, f Filter) ([]*Record, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `SELECT `+rejectionCols+` FROM rejection_record
		WHERE ($1 = '' OR branch = $1) AND ($2 = '' OR payer = $2)
		ORDER BY rejection_date, claim_id, reason_code`, f.Branch, f.Payer)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

const taskCols = `id, rejection_record_id, claim_id, original, corrected, diff, target_date, status,
	last_error, created_at, updated_at`

func (r *repoPG) CreateTask(ctx context.Context, t *Task) error {
	original, corrected, diff, err := encodeTask(t)
	if err != nil {
		return err
	}
	err = db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO resubmission_task (id, rejection_record_id, claim_id, original, corrected, diff,
			target_date, status, last_error)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,NULLIF($9,''))
		RETURNING created_at, updated_at`,
		t.ID, t.RejectionRecordID, t.ClaimID, original, corrected, diff, t.TargetDate, t.Status, t.LastError,
	).Scan(&t.CreatedAt, &t.UpdatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrTaskExists
	}
	return err
}

func encodeTask(t *Task) (original, corrected, diff []byte, err error) {
	if original, err = json.Marshal(t.Original); err != nil {
		return nil, nil, nil, fmt.Errorf("encode original claim: %w", err)
	}
	if t.Corrected != nil {
		if corrected, err = json.Marshal(t.Corrected); err != nil {
			return nil, nil, nil, fmt.Errorf("encode corrected claim: %w", err)
		}
	}
	if diff, err = json.Marshal(t.Diff); err != nil {
		return nil, nil, nil, fmt.Errorf("encode correction diff: %w", err)
	}
	return original, corrected, diff, nil
}

func scanTask(row pgx.Row) (*Task, error) {
	var t Task
	var original, corrected, diff []byte
	var lastErr *string
	err := row.Scan(&t.ID, &t.RejectionRecordID, &t.ClaimID, &original, &corrected, &diff,
		&t.TargetDate, &t.Status, &lastErr, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTaskNotFound
		}
		return nil, err
	}
	t.LastError = deref(lastErr)
	t.Original = &claim.ClaimRecord{}
	if err := json.Unmarshal(original, t.Original); err != nil {
		return nil, fmt.Errorf("decode original claim: %w", err)
	}
	t.Original.Freeze()
	if len(corrected) > 0 {
		t.Corrected = &claim.ClaimRecord{}
		if err := json.Unmarshal(corrected, t.Corrected); err != nil {
			return nil, fmt.Errorf("decode corrected claim: %w", err)
		}
	}
	if err := json.Unmarshal(diff, &t.Diff); err != nil {
		return nil, fmt.Errorf("decode correction diff: %w", err)
	}
	return &t, nil
}

func (r *repoPG) GetTask(ctx context.Context, id uuid.UUID) (*Task, error) {
	return scanTask(db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+taskCols+` FROM resubmission_task WHERE id = $1`, id))
}

func (r *repoPG) UpdateTask(ctx context.Context, t *Task) error {
	_, corrected, diff, err := encodeTask(t)
	if err != nil {
		return err
	}
	err = db.Conn(ctx, r.pool).QueryRow(ctx, `
		UPDATE resubmission_task SET corrected = $2, diff = $3, target_date = $4, status = $5,
			last_error = NULLIF($6,''), updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at`,
		t.ID, corrected, diff, t.TargetDate, t.Status, t.LastError,
	).Scan(&t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrTaskNotFound
	}
	return err
}

func (r *repoPG) ListTasks(ctx context.Context, status TaskStatus, limit, offset int) ([]*Task, int, error) {
	conn := db.Conn(ctx, r.pool)
	var total int
	if err := conn.QueryRow(ctx,
		`SELECT COUNT(*) FROM resubmission_task WHERE ($1 = '' OR status = $1)`, status).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := conn.Query(ctx, `SELECT `+taskCols+` FROM resubmission_task
		WHERE ($1 = '' OR status = $1)
		ORDER BY target_date NULLS LAST, created_at, id
		LIMIT $2 OFFSET $3`, status, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var out []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, t)
	}
	return out, total, rows.Err()
}

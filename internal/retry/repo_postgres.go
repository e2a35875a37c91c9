package retry

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"dialer-platform/pkg/utils"
)

// PostgresRepo stores retry tasks. Due-task acquisition uses
// FOR UPDATE SKIP LOCKED so concurrent pollers partition the batch instead of
// double-claiming rows.

type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

func (r *PostgresRepo) Enqueue(ctx context.Context, t Task) error {
	const q = `
INSERT INTO retry_tasks (
  task_id, workspace_id, kind, ref, payload, attempt, max_attempts,
  status, last_error, failure_history, next_attempt_at, created_at, updated_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,'[]'::jsonb,$10,$11,$12)
`
	_, err := r.db.ExecContext(ctx, q,
		t.TaskID, t.WorkspaceID, t.Kind, t.Ref, t.Payload, t.Attempt, t.MaxAttempts,
		t.Status, t.LastError, t.NextAttemptAt, t.CreatedAt, t.UpdatedAt)
	return err
}

func (r *PostgresRepo) AcquireDue(ctx context.Context, now time.Time, limit int) ([]Task, error) {
	var out []Task
	err := utils.WithTx(ctx, r.db, &sql.TxOptions{}, func(ctx context.Context, tx *sql.Tx) error {
		const sel = `
SELECT task_id, workspace_id, kind, ref, payload, attempt, max_attempts,
       status, COALESCE(last_error, ''), COALESCE(failure_history::text, '[]'),
       next_attempt_at, created_at, updated_at
FROM retry_tasks
WHERE status = $1 AND next_attempt_at <= $2
ORDER BY next_attempt_at
LIMIT $3
FOR UPDATE SKIP LOCKED
`
		rows, err := tx.QueryContext(ctx, sel, StatusPending, now, limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			t, err := scanTask(rows)
			if err != nil {
				return err
			}
			out = append(out, t)
		}
		if err := rows.Err(); err != nil {
			return err
		}

		const claim = `
UPDATE retry_tasks SET status = $2, updated_at = NOW() WHERE task_id = $1
`
		for i := range out {
			if _, err := tx.ExecContext(ctx, claim, out[i].TaskID, StatusInFlight); err != nil {
				return err
			}
			out[i].Status = StatusInFlight
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *PostgresRepo) MarkDone(ctx context.Context, taskID string) error {
	const q = `UPDATE retry_tasks SET status = $2, updated_at = NOW() WHERE task_id = $1`
	return r.exec(ctx, q, taskID, StatusDone)
}

func (r *PostgresRepo) Reschedule(ctx context.Context, taskID string, attempt int, nextAttemptAt time.Time, lastError string) error {
	const q = `
UPDATE retry_tasks
SET status = $2, attempt = $3, next_attempt_at = $4, last_error = $5,
    failure_history = COALESCE(failure_history, '[]'::jsonb) || $6::jsonb,
    updated_at = NOW()
WHERE task_id = $1
`
	return r.exec(ctx, q, taskID, StatusPending, attempt, nextAttemptAt, lastError, failureEntry(lastError))
}

func (r *PostgresRepo) MarkDead(ctx context.Context, taskID, lastError string) error {
	const q = `
UPDATE retry_tasks
SET status = $2, attempt = attempt + 1, last_error = $3,
    failure_history = COALESCE(failure_history, '[]'::jsonb) || $4::jsonb,
    updated_at = NOW()
WHERE task_id = $1
`
	return r.exec(ctx, q, taskID, StatusDead, lastError, failureEntry(lastError))
}

// failureEntry encodes one history element for the jsonb append.
func failureEntry(lastError string) string {
	b, _ := json.Marshal(lastError)
	return string(b)
}

func (r *PostgresRepo) ListDead(ctx context.Context, workspaceID string, limit int) ([]Task, error) {
	const q = `
SELECT task_id, workspace_id, kind, ref, payload, attempt, max_attempts,
       status, COALESCE(last_error, ''), COALESCE(failure_history::text, '[]'),
       next_attempt_at, created_at, updated_at
FROM retry_tasks
WHERE status = $1 AND ($2 = '' OR workspace_id = $2)
ORDER BY updated_at DESC
LIMIT $3
`
	rows, err := r.db.QueryContext(ctx, q, StatusDead, workspaceID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Task, 0)
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (r *PostgresRepo) Requeue(ctx context.Context, taskID string, nextAttemptAt time.Time) error {
	const q = `
UPDATE retry_tasks
SET status = $2, attempt = 0, next_attempt_at = $3, updated_at = NOW()
WHERE task_id = $1 AND status = $4
`
	res, err := r.db.ExecContext(ctx, q, taskID, StatusPending, nextAttemptAt, StatusDead)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanTask(rows *sql.Rows) (Task, error) {
	var t Task
	var history string
	if err := rows.Scan(
		&t.TaskID, &t.WorkspaceID, &t.Kind, &t.Ref, &t.Payload, &t.Attempt, &t.MaxAttempts,
		&t.Status, &t.LastError, &history, &t.NextAttemptAt, &t.CreatedAt, &t.UpdatedAt,
	); err != nil {
		return Task{}, err
	}
	if err := json.Unmarshal([]byte(history), &t.FailureHistory); err != nil {
		return Task{}, err
	}
	return t, nil
}

func (r *PostgresRepo) exec(ctx context.Context, q string, args ...any) error {
	res, err := r.db.ExecContext(ctx, q, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

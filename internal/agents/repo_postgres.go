package agents

import (
	"context"
	"database/sql"
	"errors"
)

type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

func (r *PostgresRepo) Upsert(ctx context.Context, a Agent) error {
	const q = `
INSERT INTO agents (agent_id, workspace_id, display_name, availability, current_call_id, updated_at)
VALUES ($1,$2,$3,$4,NULLIF($5,''),$6)
ON CONFLICT (agent_id) DO UPDATE
SET display_name = EXCLUDED.display_name, updated_at = EXCLUDED.updated_at
`
	_, err := r.db.ExecContext(ctx, q,
		a.AgentID, a.WorkspaceID, a.DisplayName, a.Availability, a.CurrentCallID, a.UpdatedAt)
	return err
}

func (r *PostgresRepo) Get(ctx context.Context, workspaceID, agentID string) (Agent, error) {
	const q = `
SELECT agent_id, workspace_id, display_name, availability, COALESCE(current_call_id, ''), updated_at
FROM agents
WHERE workspace_id = $1 AND agent_id = $2
`
	var a Agent
	if err := r.db.QueryRowContext(ctx, q, workspaceID, agentID).Scan(
		&a.AgentID, &a.WorkspaceID, &a.DisplayName, &a.Availability, &a.CurrentCallID, &a.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Agent{}, ErrNotFound
		}
		return Agent{}, err
	}
	return a, nil
}

func (r *PostgresRepo) SetAvailability(ctx context.Context, workspaceID, agentID string, av Availability, currentCallID string) error {
	const q = `
UPDATE agents
SET availability = $3, current_call_id = NULLIF($4, ''), updated_at = NOW()
WHERE workspace_id = $1 AND agent_id = $2
`
	res, err := r.db.ExecContext(ctx, q, workspaceID, agentID, av, currentCallID)
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

func (r *PostgresRepo) CountAvailable(ctx context.Context, workspaceID string) (int, error) {
	const q = `SELECT COUNT(*) FROM agents WHERE workspace_id = $1 AND availability = $2`
	var n int
	if err := r.db.QueryRowContext(ctx, q, workspaceID, AvailabilityAvailable).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func (r *PostgresRepo) List(ctx context.Context, workspaceID string) ([]Agent, error) {
	const q = `
SELECT agent_id, workspace_id, display_name, availability, COALESCE(current_call_id, ''), updated_at
FROM agents
WHERE workspace_id = $1
ORDER BY agent_id
`
	rows, err := r.db.QueryContext(ctx, q, workspaceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Agent, 0)
	for rows.Next() {
		var a Agent
		if err := rows.Scan(&a.AgentID, &a.WorkspaceID, &a.DisplayName, &a.Availability, &a.CurrentCallID, &a.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

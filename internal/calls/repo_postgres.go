package calls

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// PostgresRepo persists calls in the calls table.
//
// UpdateStatus is a single conditional UPDATE keyed on the expected prior
// status, so concurrent webhook deliveries serialize without row locks held
// across business logic.

type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

const callColumns = `
call_id, workspace_id, campaign_id, slot_id, direction, from_number, to_number,
status, carrier_call_id, agent_id, disposition, started_at, ended_at,
last_event_at, created_at, updated_at`

func (r *PostgresRepo) Create(ctx context.Context, c Call) error {
	const q = `
INSERT INTO calls (
  call_id, workspace_id, campaign_id, slot_id, direction, from_number, to_number,
  status, carrier_call_id, agent_id, disposition, started_at, ended_at,
  last_event_at, created_at, updated_at
) VALUES (
  $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16
)
`
	_, err := r.db.ExecContext(ctx, q,
		c.CallID,
		c.WorkspaceID,
		nullable(c.CampaignID),
		nullable(c.SlotID),
		c.Direction,
		c.From,
		c.To,
		c.Status,
		nullable(c.CarrierCallID),
		nullable(c.AgentID),
		nullable(c.Disposition),
		c.StartedAt,
		c.EndedAt,
		c.LastEventAt,
		c.CreatedAt,
		c.UpdatedAt,
	)
	return err
}

func (r *PostgresRepo) GetByID(ctx context.Context, workspaceID, callID string) (Call, error) {
	const q = `
SELECT ` + callColumns + `
FROM calls
WHERE workspace_id = $1 AND call_id = $2
`
	return r.scanOne(r.db.QueryRowContext(ctx, q, workspaceID, callID))
}

func (r *PostgresRepo) GetByCarrierCallID(ctx context.Context, carrierCallID string) (Call, error) {
	const q = `
SELECT ` + callColumns + `
FROM calls
WHERE carrier_call_id = $1
`
	return r.scanOne(r.db.QueryRowContext(ctx, q, carrierCallID))
}

func (r *PostgresRepo) AttachCarrierCallID(ctx context.Context, workspaceID, callID, carrierCallID string) error {
	const q = `
UPDATE calls
SET carrier_call_id = $3, updated_at = NOW()
WHERE workspace_id = $1 AND call_id = $2 AND carrier_call_id IS NULL
`
	res, err := r.db.ExecContext(ctx, q, workspaceID, callID, carrierCallID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}

func (r *PostgresRepo) UpdateStatus(ctx context.Context, c Call, prior Status) error {
	const q = `
UPDATE calls
SET status = $3,
    agent_id = $4,
    disposition = $5,
    started_at = $6,
    ended_at = $7,
    last_event_at = $8,
    updated_at = $9
WHERE workspace_id = $1 AND call_id = $2 AND status = $10
`
	res, err := r.db.ExecContext(ctx, q,
		c.WorkspaceID,
		c.CallID,
		c.Status,
		nullable(c.AgentID),
		nullable(c.Disposition),
		c.StartedAt,
		c.EndedAt,
		c.LastEventAt,
		c.UpdatedAt,
		prior,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}

func (r *PostgresRepo) ListStale(ctx context.Context, cutoff time.Time, limit int) ([]Call, error) {
	const q = `
SELECT ` + callColumns + `
FROM calls
WHERE status NOT IN ('completed','failed','no_answer','busy','voicemail')
  AND last_event_at <= $1
ORDER BY last_event_at ASC
LIMIT $2
`
	rows, err := r.db.QueryContext(ctx, q, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Call
	for rows.Next() {
		c, err := r.scanRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (r *PostgresRepo) scanOne(row *sql.Row) (Call, error) {
	c, err := r.scanRow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Call{}, ErrNotFound
		}
		return Call{}, err
	}
	return c, nil
}

func (r *PostgresRepo) scanRow(s rowScanner) (Call, error) {
	var c Call
	var campaignID, slotID, carrierCallID, agentID, disposition sql.NullString
	if err := s.Scan(
		&c.CallID,
		&c.WorkspaceID,
		&campaignID,
		&slotID,
		&c.Direction,
		&c.From,
		&c.To,
		&c.Status,
		&carrierCallID,
		&agentID,
		&disposition,
		&c.StartedAt,
		&c.EndedAt,
		&c.LastEventAt,
		&c.CreatedAt,
		&c.UpdatedAt,
	); err != nil {
		return Call{}, err
	}
	c.CampaignID = campaignID.String
	c.SlotID = slotID.String
	c.CarrierCallID = carrierCallID.String
	c.AgentID = agentID.String
	c.Disposition = disposition.String
	return c, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

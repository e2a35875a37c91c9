package reporting

import (
	"context"
	"database/sql"
	"time"

	"dialer-platform/internal/calls"
)

// PostgresRepo reads call records for aggregation. Reporting windows are
// bounded by created_at, half-open [from, to).

type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

func (r *PostgresRepo) ListCalls(ctx context.Context, workspaceID string, from, to time.Time, campaignID string) ([]calls.Call, error) {
	const q = `
SELECT call_id, workspace_id, campaign_id, status, agent_id, disposition,
       started_at, ended_at, created_at
FROM calls
WHERE workspace_id = $1
  AND created_at >= $2 AND created_at < $3
  AND ($4 = '' OR campaign_id = $4)
ORDER BY created_at ASC
`
	rows, err := r.db.QueryContext(ctx, q, workspaceID, from, to, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []calls.Call
	for rows.Next() {
		var c calls.Call
		var campID, agentID, disposition sql.NullString
		if err := rows.Scan(
			&c.CallID,
			&c.WorkspaceID,
			&campID,
			&c.Status,
			&agentID,
			&disposition,
			&c.StartedAt,
			&c.EndedAt,
			&c.CreatedAt,
		); err != nil {
			return nil, err
		}
		c.CampaignID = campID.String
		c.AgentID = agentID.String
		c.Disposition = disposition.String
		out = append(out, c)
	}
	return out, rows.Err()
}

package compliance

import (
	"context"
	"database/sql"
	"strconv"
	"strings"
)

// PostgresRepo persists decisions in the compliance_decisions table.
// INSERT-only; decisions are immutable.

type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

func (r *PostgresRepo) Append(ctx context.Context, d Decision) error {
	const q = `
INSERT INTO compliance_decisions (
  id, workspace_id, campaign_id, target_id, outcome, reason_code, rule_set, evaluated_at
) VALUES (
  $1,$2,$3,$4,$5,$6,$7,$8
)
`
	_, err := r.db.ExecContext(ctx, q,
		d.ID,
		d.WorkspaceID,
		d.CampaignID,
		d.TargetID,
		d.Outcome,
		d.ReasonCode,
		d.RuleSet,
		d.EvaluatedAt,
	)
	return err
}

func (r *PostgresRepo) Query(ctx context.Context, workspaceID string, f HistoryFilter) ([]Decision, error) {
	var b strings.Builder
	b.WriteString(`
SELECT id, workspace_id, campaign_id, target_id, outcome, reason_code, rule_set, evaluated_at
FROM compliance_decisions
WHERE workspace_id = $1`)

	args := []any{workspaceID}
	n := 2
	add := func(clause string, v any) {
		b.WriteString(" AND " + clause + "$" + strconv.Itoa(n))
		args = append(args, v)
		n++
	}
	if f.TargetID != "" {
		add("target_id = ", f.TargetID)
	}
	if f.CampaignID != "" {
		add("campaign_id = ", f.CampaignID)
	}
	if f.Outcome != "" {
		add("outcome = ", f.Outcome)
	}
	if !f.Since.IsZero() {
		add("evaluated_at >= ", f.Since)
	}
	b.WriteString(" ORDER BY evaluated_at DESC LIMIT $" + strconv.Itoa(n))
	args = append(args, f.Limit)

	rows, err := r.db.QueryContext(ctx, b.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Decision
	for rows.Next() {
		var d Decision
		if err := rows.Scan(
			&d.ID,
			&d.WorkspaceID,
			&d.CampaignID,
			&d.TargetID,
			&d.Outcome,
			&d.ReasonCode,
			&d.RuleSet,
			&d.EvaluatedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

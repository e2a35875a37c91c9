package audit

import (
	"context"
	"database/sql"
	"strconv"
	"strings"
)

// PostgresRepo persists audit entries in the audit_entries table.
//
// The table is INSERT-only; no UPDATE/DELETE statements exist in this package.

type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

func (r *PostgresRepo) Append(ctx context.Context, e Entry) error {
	const q = `
INSERT INTO audit_entries (
  id, workspace_id, action, actor_user_id, actor_role, ip_address,
  resource_type, resource_id, prior_value, new_value, message, metadata, created_at
) VALUES (
  $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13
)
`
	_, err := r.db.ExecContext(ctx, q,
		e.ID,
		e.WorkspaceID,
		e.Action,
		e.ActorUserID,
		e.ActorRole,
		e.IPAddress,
		e.ResourceType,
		e.ResourceID,
		e.PriorValue,
		e.NewValue,
		e.Message,
		e.Metadata,
		e.CreatedAt,
	)
	return err
}

func (r *PostgresRepo) Query(ctx context.Context, workspaceID string, f QueryFilter) ([]Entry, error) {
	var b strings.Builder
	b.WriteString(`
SELECT id, workspace_id, action, actor_user_id, actor_role, ip_address,
       resource_type, resource_id, prior_value, new_value, message, metadata, created_at
FROM audit_entries
WHERE workspace_id = $1`)

	args := []any{workspaceID}
	n := 2
	add := func(clause string, v any) {
		b.WriteString(" AND " + clause + "$" + strconv.Itoa(n))
		args = append(args, v)
		n++
	}
	if f.ResourceType != "" {
		add("resource_type = ", f.ResourceType)
	}
	if f.ResourceID != "" {
		add("resource_id = ", f.ResourceID)
	}
	if f.Action != "" {
		add("action = ", f.Action)
	}
	if !f.Since.IsZero() {
		add("created_at >= ", f.Since)
	}
	if !f.Until.IsZero() {
		add("created_at <= ", f.Until)
	}
	b.WriteString(" ORDER BY created_at DESC LIMIT $" + strconv.Itoa(n))
	args = append(args, f.Limit)

	rows, err := r.db.QueryContext(ctx, b.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(
			&e.ID,
			&e.WorkspaceID,
			&e.Action,
			&e.ActorUserID,
			&e.ActorRole,
			&e.IPAddress,
			&e.ResourceType,
			&e.ResourceID,
			&e.PriorValue,
			&e.NewValue,
			&e.Message,
			&e.Metadata,
			&e.CreatedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

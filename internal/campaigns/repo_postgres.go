package campaigns

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"dialer-platform/pkg/utils"
)

// PostgresRepo persists campaigns, slots, and dial targets.
//
// The budget ceiling lives on campaigns.active_slots and is enforced with a
// conditional increment in the same transaction as the slot insert. No code
// path reads the counter and writes it back separately.

type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

func (r *PostgresRepo) CreateCampaign(ctx context.Context, c Campaign) error {
	const q = `
INSERT INTO campaigns (
  campaign_id, workspace_id, name, state, concurrency_budget, active_slots,
  pacing_mode, pacing_ratio, caller_id, max_attempts_per_target, created_at, updated_at
) VALUES (
  $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12
)
`
	_, err := r.db.ExecContext(ctx, q,
		c.CampaignID,
		c.WorkspaceID,
		c.Name,
		c.State,
		c.ConcurrencyBudget,
		c.ActiveSlots,
		c.PacingMode,
		c.PacingRatio,
		c.CallerID,
		c.MaxAttemptsPerTarget,
		c.CreatedAt,
		c.UpdatedAt,
	)
	return err
}

func (r *PostgresRepo) GetCampaign(ctx context.Context, workspaceID, campaignID string) (Campaign, error) {
	const q = `
SELECT campaign_id, workspace_id, name, state, concurrency_budget, active_slots,
       pacing_mode, pacing_ratio, caller_id, max_attempts_per_target, created_at, updated_at
FROM campaigns
WHERE workspace_id = $1 AND campaign_id = $2
`
	var c Campaign
	if err := r.db.QueryRowContext(ctx, q, workspaceID, campaignID).Scan(
		&c.CampaignID,
		&c.WorkspaceID,
		&c.Name,
		&c.State,
		&c.ConcurrencyBudget,
		&c.ActiveSlots,
		&c.PacingMode,
		&c.PacingRatio,
		&c.CallerID,
		&c.MaxAttemptsPerTarget,
		&c.CreatedAt,
		&c.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Campaign{}, ErrNotFound
		}
		return Campaign{}, err
	}
	return c, nil
}

func (r *PostgresRepo) TransitionState(ctx context.Context, workspaceID, campaignID string, from, to State) error {
	const q = `
UPDATE campaigns
SET state = $4, updated_at = NOW()
WHERE workspace_id = $1 AND campaign_id = $2 AND state = $3
`
	res, err := r.db.ExecContext(ctx, q, workspaceID, campaignID, from, to)
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

func (r *PostgresRepo) ReserveSlot(ctx context.Context, slot CallSlot) error {
	return utils.WithTx(ctx, r.db, &sql.TxOptions{}, func(ctx context.Context, tx *sql.Tx) error {
		// Increment-with-ceiling. Zero rows means the budget is full (or the
		// campaign is gone); no separate read decides that.
		const incr = `
UPDATE campaigns
SET active_slots = active_slots + 1, updated_at = NOW()
WHERE workspace_id = $1 AND campaign_id = $2 AND active_slots < concurrency_budget
`
		res, err := tx.ExecContext(ctx, incr, slot.WorkspaceID, slot.CampaignID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			if _, err := r.campaignExistsTx(ctx, tx, slot.WorkspaceID, slot.CampaignID); err != nil {
				return err
			}
			return ErrBudgetExhausted
		}

		const ins = `
INSERT INTO campaign_slots (
  slot_id, campaign_id, workspace_id, target_id, agent_id, call_id, state, answered, reserved_at, released_at
) VALUES (
  $1,$2,$3,$4,NULL,NULL,$5,FALSE,$6,NULL
)
`
		_, err = tx.ExecContext(ctx, ins,
			slot.SlotID,
			slot.CampaignID,
			slot.WorkspaceID,
			slot.TargetID,
			slot.State,
			slot.ReservedAt,
		)
		return err
	})
}

func (r *PostgresRepo) campaignExistsTx(ctx context.Context, tx *sql.Tx, workspaceID, campaignID string) (bool, error) {
	const q = `SELECT 1 FROM campaigns WHERE workspace_id = $1 AND campaign_id = $2`
	var one int
	if err := tx.QueryRowContext(ctx, q, workspaceID, campaignID).Scan(&one); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, ErrNotFound
		}
		return false, err
	}
	return true, nil
}

func (r *PostgresRepo) BindSlotCall(ctx context.Context, workspaceID, slotID, callID string) error {
	const q = `
UPDATE campaign_slots
SET call_id = $3, state = $4
WHERE workspace_id = $1 AND slot_id = $2 AND state = $5
`
	res, err := r.db.ExecContext(ctx, q, workspaceID, slotID, callID, SlotDialing, SlotQueued)
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

func (r *PostgresRepo) MarkSlotBridged(ctx context.Context, workspaceID, slotID, agentID string) error {
	const q = `
UPDATE campaign_slots
SET agent_id = $3, state = $4
WHERE workspace_id = $1 AND slot_id = $2 AND state <> $5
`
	res, err := r.db.ExecContext(ctx, q, workspaceID, slotID, agentID, SlotBridged, SlotReleased)
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

func (r *PostgresRepo) ReleaseSlot(ctx context.Context, workspaceID, slotID string, answered bool) (bool, error) {
	released := false
	err := utils.WithTx(ctx, r.db, &sql.TxOptions{}, func(ctx context.Context, tx *sql.Tx) error {
		// Only non-released rows are affected, which makes release idempotent
		// and guarantees a single budget decrement per slot.
		const rel = `
UPDATE campaign_slots
SET state = $3, answered = $4, released_at = NOW()
WHERE workspace_id = $1 AND slot_id = $2 AND state <> $3
RETURNING campaign_id
`
		var campaignID string
		err := tx.QueryRowContext(ctx, rel, workspaceID, slotID, SlotReleased, answered).Scan(&campaignID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			return err
		}
		released = true

		const decr = `
UPDATE campaigns
SET active_slots = GREATEST(active_slots - 1, 0), updated_at = NOW()
WHERE workspace_id = $1 AND campaign_id = $2
`
		_, err = tx.ExecContext(ctx, decr, workspaceID, campaignID)
		return err
	})
	return released, err
}

func (r *PostgresRepo) ActiveSlotCount(ctx context.Context, workspaceID, campaignID string) (int, error) {
	const q = `
SELECT COUNT(*)
FROM campaign_slots
WHERE workspace_id = $1 AND campaign_id = $2 AND state <> $3
`
	var n int
	if err := r.db.QueryRowContext(ctx, q, workspaceID, campaignID, SlotReleased).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func (r *PostgresRepo) AddTargets(ctx context.Context, targets []Target) error {
	return utils.WithTx(ctx, r.db, &sql.TxOptions{}, func(ctx context.Context, tx *sql.Tx) error {
		const q = `
INSERT INTO campaign_targets (
  target_id, campaign_id, workspace_id, phone_number, priority_tier, position,
  state, attempts, created_at, updated_at
)
SELECT $1, $2, $3, $4, $5,
       COALESCE(MAX(position) + 1, 0), $6, 0, $7, $7
FROM campaign_targets
WHERE campaign_id = $2
`
		for _, t := range targets {
			if _, err := tx.ExecContext(ctx, q,
				t.TargetID,
				t.CampaignID,
				t.WorkspaceID,
				t.PhoneNumber,
				t.PriorityTier,
				t.State,
				t.CreatedAt,
			); err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *PostgresRepo) NextPendingTarget(ctx context.Context, workspaceID, campaignID string) (Target, error) {
	const q = `
SELECT target_id, campaign_id, workspace_id, phone_number, priority_tier, position,
       state, attempts, created_at, updated_at
FROM campaign_targets
WHERE workspace_id = $1 AND campaign_id = $2 AND state = $3
ORDER BY priority_tier ASC, position ASC
LIMIT 1
`
	var t Target
	if err := r.db.QueryRowContext(ctx, q, workspaceID, campaignID, TargetPending).Scan(
		&t.TargetID,
		&t.CampaignID,
		&t.WorkspaceID,
		&t.PhoneNumber,
		&t.PriorityTier,
		&t.Position,
		&t.State,
		&t.Attempts,
		&t.CreatedAt,
		&t.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Target{}, ErrNoEligibleTargets
		}
		return Target{}, err
	}
	return t, nil
}

func (r *PostgresRepo) MarkTarget(ctx context.Context, workspaceID, campaignID, targetID string, state TargetState, bumpAttempts bool) error {
	const q = `
UPDATE campaign_targets
SET state = $4,
    attempts = attempts + CASE WHEN $5 THEN 1 ELSE 0 END,
    updated_at = NOW()
WHERE workspace_id = $1 AND campaign_id = $2 AND target_id = $3
`
	res, err := r.db.ExecContext(ctx, q, workspaceID, campaignID, targetID, state, bumpAttempts)
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

func (r *PostgresRepo) ResetSkippedTargets(ctx context.Context, workspaceID, campaignID string) (int, error) {
	const q = `
UPDATE campaign_targets
SET state = $4, updated_at = NOW()
WHERE workspace_id = $1 AND campaign_id = $2 AND state = $3
`
	res, err := r.db.ExecContext(ctx, q, workspaceID, campaignID, TargetSkipped, TargetPending)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func (r *PostgresRepo) AnswerStatsSince(ctx context.Context, workspaceID, campaignID string, since time.Time) (AnswerStats, error) {
	const q = `
SELECT COUNT(*), COUNT(*) FILTER (WHERE answered)
FROM campaign_slots
WHERE workspace_id = $1 AND campaign_id = $2 AND state = $3 AND released_at >= $4
`
	var st AnswerStats
	if err := r.db.QueryRowContext(ctx, q, workspaceID, campaignID, SlotReleased, since).Scan(&st.Released, &st.Answered); err != nil {
		return AnswerStats{}, err
	}
	return st, nil
}

package telephony

import (
	"context"
	"database/sql"
	"errors"
)

// PostgresLedger stores webhook deliveries keyed by carrier event id.
// Insert relies on the primary key for insert-if-absent.

type PostgresLedger struct {
	db *sql.DB
}

func NewPostgresLedger(db *sql.DB) *PostgresLedger { return &PostgresLedger{db: db} }

func (l *PostgresLedger) Insert(ctx context.Context, rec WebhookRecord) (bool, error) {
	const q = `
INSERT INTO webhook_events (event_id, carrier_call_id, event_type, status, payload, note, received_at)
VALUES ($1,$2,$3,$4,$5,$6,$7)
ON CONFLICT (event_id) DO NOTHING
`
	res, err := l.db.ExecContext(ctx, q,
		rec.EventID, rec.CarrierCallID, rec.EventType, rec.Status, rec.Payload, rec.Note, rec.ReceivedAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (l *PostgresLedger) MarkProcessed(ctx context.Context, eventID string) error {
	return l.mark(ctx, eventID, RecordProcessed, "")
}

func (l *PostgresLedger) MarkIgnored(ctx context.Context, eventID, note string) error {
	return l.mark(ctx, eventID, RecordIgnored, note)
}

func (l *PostgresLedger) MarkFailed(ctx context.Context, eventID, note string) error {
	return l.mark(ctx, eventID, RecordFailed, note)
}

func (l *PostgresLedger) mark(ctx context.Context, eventID string, status RecordStatus, note string) error {
	const q = `
UPDATE webhook_events
SET status = $2, note = $3, processed_at = NOW()
WHERE event_id = $1
`
	res, err := l.db.ExecContext(ctx, q, eventID, status, note)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrRecordNotFound
	}
	return nil
}

func (l *PostgresLedger) Get(ctx context.Context, eventID string) (WebhookRecord, error) {
	const q = `
SELECT event_id, carrier_call_id, event_type, status, payload, COALESCE(note, ''), received_at, processed_at
FROM webhook_events
WHERE event_id = $1
`
	var rec WebhookRecord
	if err := l.db.QueryRowContext(ctx, q, eventID).Scan(
		&rec.EventID, &rec.CarrierCallID, &rec.EventType, &rec.Status, &rec.Payload, &rec.Note, &rec.ReceivedAt, &rec.ProcessedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return WebhookRecord{}, ErrRecordNotFound
		}
		return WebhookRecord{}, err
	}
	return rec, nil
}

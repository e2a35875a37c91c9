package telephony

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"dialer-platform/internal/calls"
	"dialer-platform/pkg/utils"

	"github.com/redis/go-redis/v9"
)

var ErrBadSignature = errors.New("telephony: webhook signature verification failed")

// WebhookRecord is the durable idempotency ledger row for one carrier
// delivery. The ledger, not redis, is the source of truth for dedup.
type WebhookRecord struct {
	EventID       string `json:"event_id" db:"event_id"`
	CarrierCallID string `json:"carrier_call_id" db:"carrier_call_id"`
	EventType     string `json:"event_type" db:"event_type"`

	Status RecordStatus `json:"status" db:"status"`

	// Payload is the raw body as received, kept for replay and audit.
	Payload string `json:"payload" db:"payload"`

	// Note records why a delivery was ignored or failed.
	Note string `json:"note,omitempty" db:"note"`

	ReceivedAt  time.Time  `json:"received_at" db:"received_at"`
	ProcessedAt *time.Time `json:"processed_at,omitempty" db:"processed_at"`
}

type RecordStatus string

const (
	RecordReceived  RecordStatus = "received"
	RecordProcessed RecordStatus = "processed"
	RecordIgnored   RecordStatus = "ignored"
	RecordFailed    RecordStatus = "failed"
)

// Ledger is the webhook dedup store. Insert is insert-if-absent: false means
// the event id was already recorded and the delivery is a replay.
type Ledger interface {
	Insert(ctx context.Context, rec WebhookRecord) (bool, error)
	MarkProcessed(ctx context.Context, eventID string) error
	MarkIgnored(ctx context.Context, eventID, note string) error
	MarkFailed(ctx context.Context, eventID, note string) error
	Get(ctx context.Context, eventID string) (WebhookRecord, error)
}

// EventApplier is implemented by the call state machine.
type EventApplier interface {
	ApplyEvent(ctx context.Context, ev calls.Event) (calls.Transition, error)
}

// RetryScheduler enqueues a failed delivery for the retry coordinator.
type RetryScheduler interface {
	ScheduleWebhookRetry(ctx context.Context, eventID string, payload []byte, cause string) error
}

type Outcome string

const (
	// OutcomeApplied: the event advanced the call lifecycle.
	OutcomeApplied Outcome = "applied"
	// OutcomeRecorded: the event was valid but produced no mutation
	// (out-of-order or post-terminal).
	OutcomeRecorded Outcome = "recorded"
	// OutcomeDuplicate: this event id was already ingested.
	OutcomeDuplicate Outcome = "duplicate"
	// OutcomeUnknownEventType: recorded in the ledger, no lifecycle effect.
	OutcomeUnknownEventType Outcome = "unknown_event_type"
	// OutcomeRetryScheduled: processing failed after the ledger row was
	// written; the retry coordinator owns redelivery from here.
	OutcomeRetryScheduled Outcome = "retry_scheduled"
)

type IngestResult struct {
	Outcome    Outcome
	EventID    string
	Transition calls.Transition
}

// Ingestor turns raw carrier deliveries into state machine events, exactly
// once per event id.
//
// Failure handling splits on whether the ledger row exists yet. Before the
// row: return the error so the carrier redelivers. After the row: the
// delivery is acknowledged, schedule an internal retry, and answer 200.
type Ingestor struct {
	secret  string
	ledger  Ledger
	applier EventApplier
	retries RetryScheduler
	claim   func(ctx context.Context, eventID string) (bool, error)
	log     *slog.Logger
	clock   func() time.Time
}

func NewIngestor(secret string, ledger Ledger, applier EventApplier, retries RetryScheduler, rdb *redis.Client, claimTTL time.Duration, log *slog.Logger) *Ingestor {
	if log == nil {
		log = slog.Default()
	}
	if claimTTL <= 0 {
		claimTTL = 24 * time.Hour
	}
	i := &Ingestor{
		secret:  secret,
		ledger:  ledger,
		applier: applier,
		retries: retries,
		log:     log,
		clock:   time.Now,
	}
	if rdb != nil {
		i.claim = func(ctx context.Context, eventID string) (bool, error) {
			return utils.ClaimOnce(ctx, rdb, "webhook:evt:"+eventID, claimTTL)
		}
	}
	return i
}

func (i *Ingestor) Ingest(ctx context.Context, body []byte, signature string) (IngestResult, error) {
	if !VerifySignature(i.secret, body, signature) {
		return IngestResult{}, ErrBadSignature
	}

	env, err := parseEnvelope(body)
	if err != nil {
		return IngestResult{}, err
	}

	// Redis short-circuit for hot replays. A held claim alone is not proof of
	// ingestion: the attempt that claimed it may have died before its ledger
	// insert, so a lost claim is confirmed against the durable ledger before
	// the delivery is answered as a duplicate.
	if i.claim != nil {
		won, err := i.claim(ctx, env.EventID)
		if err != nil {
			i.log.WarnContext(ctx, "webhook replay claim unavailable", "event_id", env.EventID, "error", err)
		} else if !won {
			if _, gerr := i.ledger.Get(ctx, env.EventID); gerr == nil {
				return IngestResult{Outcome: OutcomeDuplicate, EventID: env.EventID}, nil
			} else if !errors.Is(gerr, ErrRecordNotFound) {
				return IngestResult{}, fmt.Errorf("webhook ledger lookup: %w", gerr)
			}
		}
	}

	inserted, err := i.ledger.Insert(ctx, WebhookRecord{
		EventID:       env.EventID,
		CarrierCallID: env.CallID,
		EventType:     env.EventType,
		Status:        RecordReceived,
		Payload:       string(body),
		ReceivedAt:    i.clock().UTC(),
	})
	if err != nil {
		// No ledger row yet: let the carrier redeliver.
		return IngestResult{}, fmt.Errorf("webhook ledger insert: %w", err)
	}
	if !inserted {
		return IngestResult{Outcome: OutcomeDuplicate, EventID: env.EventID}, nil
	}

	return i.process(ctx, env, body, true)
}

// ProcessRecorded re-runs a delivery that already has a ledger row. The retry
// coordinator calls this; failures surface as errors so the coordinator's own
// backoff owns the next attempt instead of a second schedule.
func (i *Ingestor) ProcessRecorded(ctx context.Context, body []byte) (IngestResult, error) {
	env, err := parseEnvelope(body)
	if err != nil {
		return IngestResult{}, err
	}
	return i.process(ctx, env, body, false)
}

func (i *Ingestor) process(ctx context.Context, env eventEnvelope, body []byte, deferOnFailure bool) (IngestResult, error) {
	if artifactEventTypes[env.EventType] {
		if err := i.ledger.MarkProcessed(ctx, env.EventID); err != nil {
			return IngestResult{}, err
		}
		return IngestResult{Outcome: OutcomeRecorded, EventID: env.EventID}, nil
	}

	ev, err := env.toCallEvent(body)
	if err != nil {
		if errors.Is(err, ErrUnknownEventType) {
			if lerr := i.ledger.MarkIgnored(ctx, env.EventID, err.Error()); lerr != nil {
				return IngestResult{}, lerr
			}
			i.log.WarnContext(ctx, "unknown carrier event type", "event_id", env.EventID, "event_type", env.EventType)
			return IngestResult{Outcome: OutcomeUnknownEventType, EventID: env.EventID}, nil
		}
		return IngestResult{}, err
	}

	tr, err := i.applier.ApplyEvent(ctx, ev)
	if err != nil {
		if !deferOnFailure {
			return IngestResult{}, err
		}
		return i.deferDelivery(ctx, env, body, err)
	}

	if err := i.ledger.MarkProcessed(ctx, env.EventID); err != nil {
		return IngestResult{}, err
	}
	out := OutcomeApplied
	if !tr.Applied {
		out = OutcomeRecorded
	}
	return IngestResult{Outcome: out, EventID: env.EventID, Transition: tr}, nil
}

// deferDelivery hands a failed-but-acknowledged delivery to the retry
// coordinator. An unknown carrier call id is the common case: the webhook
// can outrun the origination transaction that records the id.
func (i *Ingestor) deferDelivery(ctx context.Context, env eventEnvelope, body []byte, cause error) (IngestResult, error) {
	if err := i.ledger.MarkFailed(ctx, env.EventID, cause.Error()); err != nil {
		return IngestResult{}, err
	}
	if i.retries == nil {
		return IngestResult{}, cause
	}
	if err := i.retries.ScheduleWebhookRetry(ctx, env.EventID, body, cause.Error()); err != nil {
		return IngestResult{}, err
	}
	i.log.WarnContext(ctx, "webhook processing deferred", "event_id", env.EventID, "cause", cause.Error())
	return IngestResult{Outcome: OutcomeRetryScheduled, EventID: env.EventID}, nil
}

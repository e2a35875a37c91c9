package telephony

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"dialer-platform/internal/calls"
)

var (
	ErrMalformedEvent   = errors.New("telephony: malformed event")
	ErrUnknownEventType = errors.New("telephony: unknown event type")
)

// eventEnvelope is the carrier's webhook payload. event_id is the carrier's
// delivery identifier and the idempotency key; redeliveries reuse it.
type eventEnvelope struct {
	EventID     string `json:"event_id"`
	EventType   string `json:"event_type"`
	CallID      string `json:"call_id"`
	Disposition string `json:"disposition,omitempty"`
	AgentID     string `json:"agent_id,omitempty"`
	OccurredAt  string `json:"occurred_at,omitempty"`
}

// eventTypeStatus maps carrier event types to lifecycle stages. Carriers add
// event types without notice; anything absent here is recorded and ignored
// rather than guessed at.
var eventTypeStatus = map[string]calls.Status{
	"call.initiated":        calls.StatusDialing,
	"call.ringing":          calls.StatusRinging,
	"call.answered":         calls.StatusAnswered,
	"call.bridged":          calls.StatusBridged,
	"call.completed":        calls.StatusCompleted,
	"call.failed":           calls.StatusFailed,
	"call.no_answer":        calls.StatusNoAnswer,
	"call.busy":             calls.StatusBusy,
	"call.machine_detected": calls.StatusVoicemail,
}

// artifactEventTypes are valid notices that carry no lifecycle stage
// (recording and transcript availability). They are acknowledged and kept in
// the ledger; the artifacts themselves live at the carrier.
var artifactEventTypes = map[string]bool{
	"call.recording_available":  true,
	"call.transcript_available": true,
}

func parseEnvelope(body []byte) (eventEnvelope, error) {
	var env eventEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return eventEnvelope{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if env.EventType == "" || env.CallID == "" {
		return eventEnvelope{}, fmt.Errorf("%w: event_type and call_id are required", ErrMalformedEvent)
	}
	// Some carriers omit event_id. A fingerprint over the stable fields keeps
	// redeliveries of the same notification deduplicable.
	if env.EventID == "" {
		env.EventID = fingerprint(env)
	}
	return env, nil
}

func fingerprint(env eventEnvelope) string {
	sum := sha256.Sum256([]byte(env.EventType + "\n" + env.CallID + "\n" + env.OccurredAt))
	return "fp_" + hex.EncodeToString(sum[:16])
}

func (env eventEnvelope) toCallEvent(body []byte) (calls.Event, error) {
	status, ok := eventTypeStatus[env.EventType]
	if !ok {
		return calls.Event{}, fmt.Errorf("%w: %q", ErrUnknownEventType, env.EventType)
	}
	ev := calls.Event{
		CarrierCallID: env.CallID,
		Status:        status,
		Disposition:   env.Disposition,
		AgentID:       env.AgentID,
		RawPayload:    string(body),
	}
	if env.OccurredAt != "" {
		if t, err := time.Parse(time.RFC3339, env.OccurredAt); err == nil {
			ev.OccurredAt = t
		}
	}
	return ev, nil
}

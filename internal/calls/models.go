package calls

import "time"

// Call is the authoritative lifecycle record for a single phone call.
//
// Multi-tenant invariant: WorkspaceID is immutable and non-null from creation.
//
// Calls are created by the dialer pacer (or an explicit user action) and
// mutated only by the state machine in response to carrier webhook events or
// administrative override. They are never deleted; a terminal status
// supersedes them.

type Call struct {
	CallID      string `json:"call_id" db:"call_id"`
	WorkspaceID string `json:"workspace_id" db:"workspace_id"`
	CampaignID  string `json:"campaign_id,omitempty" db:"campaign_id"`
	SlotID      string `json:"slot_id,omitempty" db:"slot_id"`

	Direction Direction `json:"direction" db:"direction"`

	From string `json:"from" db:"from_number"`
	To   string `json:"to" db:"to_number"`

	Status Status `json:"status" db:"status"`

	// CarrierCallID is assigned by the carrier on origination acknowledgement.
	// Empty until then; webhook events are correlated through it.
	CarrierCallID string `json:"carrier_call_id,omitempty" db:"carrier_call_id"`

	// AgentID is set when an agent-assist call is bridged.
	AgentID string `json:"agent_id,omitempty" db:"agent_id"`

	// Disposition is set once, at terminal status.
	Disposition string `json:"disposition,omitempty" db:"disposition"`

	StartedAt *time.Time `json:"started_at,omitempty" db:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty" db:"ended_at"`

	// LastEventAt tracks webhook activity for staleness flagging.
	LastEventAt time.Time `json:"last_event_at" db:"last_event_at"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

type Direction string

const (
	DirectionOutbound Direction = "outbound"
	DirectionInbound  Direction = "inbound"
)

type Status string

const (
	StatusQueued    Status = "queued"
	StatusDialing   Status = "dialing"
	StatusRinging   Status = "ringing"
	StatusAnswered  Status = "answered"
	StatusBridged   Status = "bridged"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusNoAnswer  Status = "no_answer"
	StatusBusy      Status = "busy"
	StatusVoicemail Status = "voicemail"
)

// statusRank orders lifecycle stages for monotonicity. Carrier delivery order
// is not guaranteed; an event implying a lower rank than the stored status is
// recorded but never regresses the call.
var statusRank = map[Status]int{
	StatusQueued:    0,
	StatusDialing:   1,
	StatusRinging:   2,
	StatusAnswered:  3,
	StatusBridged:   4,
	StatusCompleted: 5,
	StatusFailed:    5,
	StatusNoAnswer:  5,
	StatusBusy:      5,
	StatusVoicemail: 5,
}

func (s Status) Valid() bool {
	_, ok := statusRank[s]
	return ok
}

func (s Status) Rank() int { return statusRank[s] }

func (s Status) IsTerminal() bool { return statusRank[s] == 5 }

// Event is a lifecycle event already mapped to the stage it implies.
// The carrier-envelope decoding lives in internal/telephony.
type Event struct {
	CarrierCallID string

	// Status is the lifecycle stage this event implies.
	Status Status

	// Disposition accompanies terminal events (e.g., "contacted",
	// "left_voicemail", "carrier_failure").
	Disposition string

	// AgentID accompanies bridged events.
	AgentID string

	OccurredAt time.Time

	// RawPayload is the carrier envelope, kept for the audit trail.
	RawPayload string
}

// Transition reports what ApplyEvent did.
type Transition struct {
	Call  Call
	Prior Status
	Next  Status

	// Applied is false when the event was recorded for audit only
	// (out-of-order or post-terminal).
	Applied bool

	// IgnoredReason explains a non-applied event.
	IgnoredReason string

	// Terminal is true when this transition finalized the call.
	Terminal bool
}

const (
	IgnoredOutOfOrder   = "out_of_order"
	IgnoredPostTerminal = "post_terminal"
)

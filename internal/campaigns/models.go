package campaigns

import "time"

// Campaign is a tenant-scoped outbound dialing campaign.
//
// Concurrency invariant: the count of slots in a non-released state never
// exceeds ConcurrencyBudget. Enforcement is a single conditional UPDATE on
// active_slots (increment-with-ceiling), never a read-then-write.

type Campaign struct {
	CampaignID  string `json:"campaign_id" db:"campaign_id"`
	WorkspaceID string `json:"workspace_id" db:"workspace_id"`
	Name        string `json:"name" db:"name"`

	State State `json:"state" db:"state"`

	ConcurrencyBudget int `json:"concurrency_budget" db:"concurrency_budget"`

	// ActiveSlots is the durable counter behind the budget ceiling.
	ActiveSlots int `json:"active_slots" db:"active_slots"`

	PacingMode  PacingMode `json:"pacing_mode" db:"pacing_mode"`
	PacingRatio float64    `json:"pacing_ratio" db:"pacing_ratio"`

	// CallerID is the outbound caller-id number for this campaign.
	CallerID string `json:"caller_id" db:"caller_id"`

	// MaxAttemptsPerTarget bounds redial of a single target.
	MaxAttemptsPerTarget int `json:"max_attempts_per_target" db:"max_attempts_per_target"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

type State string

const (
	StateDraft   State = "draft"
	StateRunning State = "running"
	StatePaused  State = "paused"
	StateStopped State = "stopped"
)

// allowedTransitions encodes draft → running ⇄ paused → stopped.
// stopped is terminal. paused retains queued slots but halts new dials.
var allowedTransitions = map[State][]State{
	StateDraft:   {StateRunning},
	StateRunning: {StatePaused, StateStopped},
	StatePaused:  {StateRunning, StateStopped},
	StateStopped: {},
}

func (s State) CanTransitionTo(next State) bool {
	for _, t := range allowedTransitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

type PacingMode string

const (
	// PacingFixed keeps the configured ratio of dials per available agent.
	PacingFixed PacingMode = "fixed"
	// PacingProgressive adapts the ratio to the observed answer rate over a
	// trailing window.
	PacingProgressive PacingMode = "progressive"
)

// CallSlot is one outbound attempt queued or in flight within a campaign.
// A slot consumes one unit of the concurrency budget from reservation until
// release.
type CallSlot struct {
	SlotID      string `json:"slot_id" db:"slot_id"`
	CampaignID  string `json:"campaign_id" db:"campaign_id"`
	WorkspaceID string `json:"workspace_id" db:"workspace_id"`

	TargetID string `json:"target_id" db:"target_id"`

	// AgentID is set when the linked call is bridged to an agent.
	AgentID string `json:"agent_id,omitempty" db:"agent_id"`

	// CallID links the slot to its call once origination is underway.
	CallID string `json:"call_id,omitempty" db:"call_id"`

	State SlotState `json:"state" db:"state"`

	// Answered is recorded at release for answer-rate pacing.
	Answered bool `json:"answered" db:"answered"`

	ReservedAt time.Time  `json:"reserved_at" db:"reserved_at"`
	ReleasedAt *time.Time `json:"released_at,omitempty" db:"released_at"`
}

type SlotState string

const (
	SlotQueued   SlotState = "queued"
	SlotDialing  SlotState = "dialing"
	SlotBridged  SlotState = "bridged"
	SlotReleased SlotState = "released"
)

// Target is one queue entry of a campaign's dial list.
// Ordering: FIFO within priority tier (lower tier dials first).
type Target struct {
	TargetID    string `json:"target_id" db:"target_id"`
	CampaignID  string `json:"campaign_id" db:"campaign_id"`
	WorkspaceID string `json:"workspace_id" db:"workspace_id"`

	PhoneNumber  string `json:"phone_number" db:"phone_number"`
	PriorityTier int    `json:"priority_tier" db:"priority_tier"`
	Position     int    `json:"position" db:"position"`

	State    TargetState `json:"state" db:"state"`
	Attempts int         `json:"attempts" db:"attempts"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

type TargetState string

const (
	TargetPending  TargetState = "pending"
	TargetInFlight TargetState = "in_flight"
	// TargetSkipped marks a compliance deny for the current pass; the target
	// is not redialed until the pass resets.
	TargetSkipped TargetState = "skipped"
	TargetDone    TargetState = "done"
	// TargetExhausted marks a permanent carrier failure or attempt-budget
	// exhaustion; the target never re-enters the queue.
	TargetExhausted TargetState = "exhausted"
)

// AnswerStats summarizes released slots over a trailing window.
type AnswerStats struct {
	Released int
	Answered int
}

// Rate returns the observed answer rate, or -1 when the sample is empty.
func (s AnswerStats) Rate() float64 {
	if s.Released == 0 {
		return -1
	}
	return float64(s.Answered) / float64(s.Released)
}

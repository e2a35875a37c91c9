package agents

import "time"

// Agent availability drives the pacer: dials are only placed in proportion to
// agents that can take a bridge.

type Availability string

const (
	AvailabilityOffline   Availability = "offline"
	AvailabilityAvailable Availability = "available"
	AvailabilityOnCall    Availability = "on_call"
	AvailabilityWrapUp    Availability = "wrap_up"
	AvailabilityBreak     Availability = "break"
)

func (a Availability) Valid() bool {
	switch a {
	case AvailabilityOffline, AvailabilityAvailable, AvailabilityOnCall, AvailabilityWrapUp, AvailabilityBreak:
		return true
	}
	return false
}

type Agent struct {
	AgentID     string `json:"agent_id" db:"agent_id"`
	WorkspaceID string `json:"workspace_id" db:"workspace_id"`
	DisplayName string `json:"display_name" db:"display_name"`

	Availability Availability `json:"availability" db:"availability"`

	// CurrentCallID is set while the agent is bridged.
	CurrentCallID string `json:"current_call_id,omitempty" db:"current_call_id"`

	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

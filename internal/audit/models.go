package audit

import "time"

// Entry is an immutable, append-only audit log record. Every state mutation
// in the orchestration core writes exactly one entry.
//
// Invariants:
// - Entries are never updated or deleted within this system.
// - workspace_id is required for tenancy isolation.
// - Prior/new snapshots are JSON; they capture the mutated resource before
//   and after the change, not the whole aggregate.
//
// Storage (Postgres): table audit_entries with an INSERT-only policy.
// Retention/erasure is an external policy, out of scope here.

type Entry struct {
	ID          string `json:"id" db:"id"`
	WorkspaceID string `json:"workspace_id" db:"workspace_id"`

	// Action indicates the business category of the audit record.
	Action Action `json:"action" db:"action"`

	// ActorUserID is the authenticated user causing the event, or "system"
	// for mutations driven by carrier webhooks and schedulers.
	ActorUserID string `json:"actor_user_id,omitempty" db:"actor_user_id"`
	ActorRole   string `json:"actor_role,omitempty" db:"actor_role"`
	IPAddress   string `json:"ip_address,omitempty" db:"ip_address"`

	// ResourceType/ResourceID identify the mutated resource.
	ResourceType ResourceType `json:"resource_type" db:"resource_type"`
	ResourceID   string       `json:"resource_id" db:"resource_id"`

	// PriorValue/NewValue are JSON snapshots of the resource around the change.
	// PriorValue is empty for creations.
	PriorValue string `json:"prior_value,omitempty" db:"prior_value"`
	NewValue   string `json:"new_value,omitempty" db:"new_value"`

	// Message is a short human-readable description for internal ops.
	Message string `json:"message,omitempty" db:"message"`

	// Metadata is optional JSON for full details (e.g., raw carrier payload).
	Metadata string `json:"metadata,omitempty" db:"metadata"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type Action string

const (
	ActionCallTransition     Action = "call_transition"
	ActionCallEventIgnored   Action = "call_event_ignored"
	ActionComplianceDecision Action = "compliance_decision"
	ActionDialAttempt        Action = "dial_attempt"
	ActionSlotReleased       Action = "slot_released"
	ActionDeadLetter         Action = "dead_letter"
	ActionAdminAction        Action = "admin_action"
)

type ResourceType string

const (
	ResourceCall               ResourceType = "call"
	ResourceCampaign           ResourceType = "campaign"
	ResourceSlot               ResourceType = "campaign_call_slot"
	ResourceComplianceDecision ResourceType = "compliance_decision"
	ResourceAgent              ResourceType = "agent"
	ResourceContactProfile     ResourceType = "contact_profile"
	ResourceRetryTask          ResourceType = "retry_task"
)

// SystemActor is used for mutations not attributable to a user.
const SystemActor = "system"

// QueryFilter narrows the tenant-scoped audit export.
type QueryFilter struct {
	ResourceType ResourceType
	ResourceID   string
	Action       Action
	Since        time.Time
	Until        time.Time
	Limit        int
}

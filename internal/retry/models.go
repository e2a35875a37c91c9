package retry

import "time"

// Task is one deferred unit of work. The coordinator executes tasks through
// registered handlers keyed by Kind, with exponential backoff between
// attempts and a dead-letter terminal state once MaxAttempts is exhausted.

type Task struct {
	TaskID      string `json:"task_id" db:"task_id"`
	WorkspaceID string `json:"workspace_id" db:"workspace_id"`

	Kind Kind `json:"kind" db:"kind"`

	// Ref identifies the subject (webhook event id, call id, target id).
	Ref string `json:"ref" db:"ref"`

	// Payload carries everything the handler needs; tasks survive restarts,
	// so no in-memory state may be required to run one.
	Payload string `json:"payload" db:"payload"`

	Attempt     int `json:"attempt" db:"attempt"`
	MaxAttempts int `json:"max_attempts" db:"max_attempts"`

	Status Status `json:"status" db:"status"`

	// LastError is the most recent failure; FailureHistory accumulates one
	// entry per failed attempt, oldest first, for the dead-letter view.
	LastError      string   `json:"last_error,omitempty" db:"last_error"`
	FailureHistory []string `json:"failure_history,omitempty" db:"failure_history"`

	NextAttemptAt time.Time `json:"next_attempt_at" db:"next_attempt_at"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time `json:"updated_at" db:"updated_at"`
}

type Kind string

const (
	// KindWebhookDispatch re-runs a carrier delivery that failed after its
	// ledger row was written.
	KindWebhookDispatch Kind = "webhook_dispatch"
	// KindCallOrigination re-attempts a dial that failed with a retryable
	// carrier error.
	KindCallOrigination Kind = "call_origination"
)

type Status string

const (
	StatusPending  Status = "pending"
	StatusInFlight Status = "in_flight"
	StatusDone     Status = "done"
	// StatusDead marks tasks that exhausted their attempts. Dead tasks are
	// kept for operator review and manual requeue.
	StatusDead Status = "dead"
)

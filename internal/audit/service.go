package audit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Repository is the persistence contract for audit entries.
//
// It MUST be append-only for writes.
// No Update/Delete methods are provided by design.

type Repository interface {
	Append(ctx context.Context, e Entry) error
	Query(ctx context.Context, workspaceID string, f QueryFilter) ([]Entry, error)
}

// Service writes the durable audit trail.
//
// IMPORTANT:
// - The trail is internal-only; the read path is the tenant-scoped export.
// - Callers on hot paths (state machine, pacer) must not fail their own
//   mutation when audit persistence fails; they surface the error upward.

type Service struct {
	repo  Repository
	clock func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, clock: time.Now}
}

var ErrInvalidEntry = errors.New("audit: invalid entry")

func (s *Service) Append(ctx context.Context, e Entry) error {
	if s.repo == nil {
		return errors.New("audit: repository not configured")
	}
	if e.WorkspaceID == "" {
		return ErrInvalidEntry
	}
	if e.Action == "" {
		return ErrInvalidEntry
	}
	if e.ResourceType == "" || e.ResourceID == "" {
		return ErrInvalidEntry
	}

	now := s.clock().UTC()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.ActorUserID == "" {
		e.ActorUserID = SystemActor
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	return s.repo.Append(ctx, e)
}

// Query returns entries for one workspace, newest first.
func (s *Service) Query(ctx context.Context, workspaceID string, f QueryFilter) ([]Entry, error) {
	if s.repo == nil {
		return nil, errors.New("audit: repository not configured")
	}
	if workspaceID == "" {
		return nil, ErrInvalidEntry
	}
	if f.Limit <= 0 || f.Limit > 1000 {
		f.Limit = 200
	}
	return s.repo.Query(ctx, workspaceID, f)
}

// LogCallTransition records an accepted call status change.
func (s *Service) LogCallTransition(ctx context.Context, workspaceID, callID, prior, next, metadata string) error {
	return s.Append(ctx, Entry{
		WorkspaceID:  workspaceID,
		Action:       ActionCallTransition,
		ResourceType: ResourceCall,
		ResourceID:   callID,
		PriorValue:   prior,
		NewValue:     next,
		Message:      "call status changed",
		Metadata:     metadata,
	})
}

// LogCallEventIgnored records an event accepted for audit only (out-of-order
// or post-terminal), with no state mutation.
func (s *Service) LogCallEventIgnored(ctx context.Context, workspaceID, callID, reason, metadata string) error {
	return s.Append(ctx, Entry{
		WorkspaceID:  workspaceID,
		Action:       ActionCallEventIgnored,
		ResourceType: ResourceCall,
		ResourceID:   callID,
		Message:      reason,
		Metadata:     metadata,
	})
}

// LogComplianceDecision records one pre-dial evaluation outcome.
func (s *Service) LogComplianceDecision(ctx context.Context, workspaceID, decisionID, outcome, reason, metadata string) error {
	return s.Append(ctx, Entry{
		WorkspaceID:  workspaceID,
		Action:       ActionComplianceDecision,
		ResourceType: ResourceComplianceDecision,
		ResourceID:   decisionID,
		NewValue:     outcome,
		Message:      reason,
		Metadata:     metadata,
	})
}

// LogDialAttempt records a carrier origination attempt (success or failure).
func (s *Service) LogDialAttempt(ctx context.Context, workspaceID, callID, outcome, metadata string) error {
	return s.Append(ctx, Entry{
		WorkspaceID:  workspaceID,
		Action:       ActionDialAttempt,
		ResourceType: ResourceCall,
		ResourceID:   callID,
		NewValue:     outcome,
		Message:      "dial attempt",
		Metadata:     metadata,
	})
}

// LogDeadLetter records a task exhausted into the dead-letter store.
func (s *Service) LogDeadLetter(ctx context.Context, workspaceID, taskID, metadata string) error {
	return s.Append(ctx, Entry{
		WorkspaceID:  workspaceID,
		Action:       ActionDeadLetter,
		ResourceType: ResourceRetryTask,
		ResourceID:   taskID,
		Message:      "retry exhausted",
		Metadata:     metadata,
	})
}

// LogAdminAction records an authenticated administrative mutation.
func (s *Service) LogAdminAction(ctx context.Context, workspaceID, actorUserID, actorRole, ip string, resource ResourceType, resourceID, message, metadata string) error {
	return s.Append(ctx, Entry{
		WorkspaceID:  workspaceID,
		Action:       ActionAdminAction,
		ActorUserID:  actorUserID,
		ActorRole:    actorRole,
		IPAddress:    ip,
		ResourceType: resource,
		ResourceID:   resourceID,
		Message:      message,
		Metadata:     metadata,
	})
}

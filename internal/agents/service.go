package agents

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound        = errors.New("agents: not found")
	ErrInvalidArgument = errors.New("agents: invalid argument")
)

type Repository interface {
	Upsert(ctx context.Context, a Agent) error
	Get(ctx context.Context, workspaceID, agentID string) (Agent, error)
	SetAvailability(ctx context.Context, workspaceID, agentID string, av Availability, currentCallID string) error
	CountAvailable(ctx context.Context, workspaceID string) (int, error)
	List(ctx context.Context, workspaceID string) ([]Agent, error)
}

type Service struct {
	repo  Repository
	clock func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, clock: time.Now}
}

// Register creates or updates the agent roster entry. New agents start
// offline; availability is a separate, explicit action.
func (s *Service) Register(ctx context.Context, workspaceID, agentID, displayName string) (Agent, error) {
	if workspaceID == "" || agentID == "" {
		return Agent{}, ErrInvalidArgument
	}
	a := Agent{
		AgentID:      agentID,
		WorkspaceID:  workspaceID,
		DisplayName:  displayName,
		Availability: AvailabilityOffline,
		UpdatedAt:    s.clock().UTC(),
	}
	if err := s.repo.Upsert(ctx, a); err != nil {
		return Agent{}, err
	}
	return a, nil
}

// SetAvailability is the agent-driven state change (login, break, logout).
// on_call is owned by the call state machine and cannot be set directly.
func (s *Service) SetAvailability(ctx context.Context, workspaceID, agentID string, av Availability) error {
	if workspaceID == "" || agentID == "" {
		return ErrInvalidArgument
	}
	if !av.Valid() {
		return fmt.Errorf("%w: availability %q", ErrInvalidArgument, av)
	}
	if av == AvailabilityOnCall {
		return fmt.Errorf("%w: on_call is set by call events only", ErrInvalidArgument)
	}
	return s.repo.SetAvailability(ctx, workspaceID, agentID, av, "")
}

func (s *Service) Get(ctx context.Context, workspaceID, agentID string) (Agent, error) {
	if workspaceID == "" || agentID == "" {
		return Agent{}, ErrInvalidArgument
	}
	return s.repo.Get(ctx, workspaceID, agentID)
}

func (s *Service) List(ctx context.Context, workspaceID string) ([]Agent, error) {
	if workspaceID == "" {
		return nil, ErrInvalidArgument
	}
	return s.repo.List(ctx, workspaceID)
}

// CountAvailable is the pacer's input: agents in state available right now.
func (s *Service) CountAvailable(ctx context.Context, workspaceID string) (int, error) {
	if workspaceID == "" {
		return 0, ErrInvalidArgument
	}
	return s.repo.CountAvailable(ctx, workspaceID)
}

// MarkOnCall implements the bridge-side tracker for the call state machine.
func (s *Service) MarkOnCall(ctx context.Context, workspaceID, agentID string) error {
	if workspaceID == "" || agentID == "" {
		return ErrInvalidArgument
	}
	return s.repo.SetAvailability(ctx, workspaceID, agentID, AvailabilityOnCall, "")
}

// MarkWrapUp moves a bridged agent into after-call work when the call ends.
// The agent returns to available explicitly via SetAvailability.
func (s *Service) MarkWrapUp(ctx context.Context, workspaceID, agentID string) error {
	if workspaceID == "" || agentID == "" {
		return ErrInvalidArgument
	}
	return s.repo.SetAvailability(ctx, workspaceID, agentID, AvailabilityWrapUp, "")
}

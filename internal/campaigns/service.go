package campaigns

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"dialer-platform/internal/audit"

	"github.com/google/uuid"
)

// Repository is the persistence contract for campaigns, slots, and targets.
//
// ReserveSlot and TransitionState must be atomic conditional updates; the
// execution model is stateless-request, so the store is the only
// coordination point.

type Repository interface {
	CreateCampaign(ctx context.Context, c Campaign) error
	GetCampaign(ctx context.Context, workspaceID, campaignID string) (Campaign, error)

	// TransitionState moves the campaign from..to only if it is still in
	// from. Returns ErrConflict otherwise.
	TransitionState(ctx context.Context, workspaceID, campaignID string, from, to State) error

	// ReserveSlot inserts the slot and increments active_slots only while
	// active_slots < concurrency_budget, in one atomic statement. Returns
	// ErrBudgetExhausted when the ceiling is hit.
	ReserveSlot(ctx context.Context, slot CallSlot) error

	// BindSlotCall links the originated call and moves the slot to dialing.
	BindSlotCall(ctx context.Context, workspaceID, slotID, callID string) error

	MarkSlotBridged(ctx context.Context, workspaceID, slotID, agentID string) error

	// ReleaseSlot is idempotent: it affects only non-released rows and
	// decrements active_slots exactly once. Returns false when the slot was
	// already released.
	ReleaseSlot(ctx context.Context, workspaceID, slotID string, answered bool) (bool, error)

	ActiveSlotCount(ctx context.Context, workspaceID, campaignID string) (int, error)

	AddTargets(ctx context.Context, targets []Target) error
	// NextPendingTarget returns the FIFO-within-tier head of the queue.
	NextPendingTarget(ctx context.Context, workspaceID, campaignID string) (Target, error)
	MarkTarget(ctx context.Context, workspaceID, campaignID, targetID string, state TargetState, bumpAttempts bool) error
	// ResetSkippedTargets re-enters compliance-skipped targets for a new pass.
	ResetSkippedTargets(ctx context.Context, workspaceID, campaignID string) (int, error)

	AnswerStatsSince(ctx context.Context, workspaceID, campaignID string, since time.Time) (AnswerStats, error)
}

var (
	ErrNotFound          = errors.New("campaigns: not found")
	ErrInvalidArgument   = errors.New("campaigns: invalid argument")
	ErrConflict          = errors.New("campaigns: state changed concurrently")
	ErrBudgetExhausted   = errors.New("campaigns: concurrency budget exhausted")
	ErrInvalidTransition = errors.New("campaigns: invalid state transition")
	ErrNoEligibleTargets = errors.New("campaigns: no eligible targets")
)

// Service owns campaign lifecycle and slot accounting.
type Service struct {
	repo  Repository
	audit *audit.Service
	clock func() time.Time
}

func NewService(repo Repository, auditSvc *audit.Service) *Service {
	return &Service{repo: repo, audit: auditSvc, clock: time.Now}
}

type CreateRequest struct {
	Name                 string     `json:"name"`
	ConcurrencyBudget    int        `json:"concurrency_budget"`
	PacingMode           PacingMode `json:"pacing_mode"`
	PacingRatio          float64    `json:"pacing_ratio"`
	CallerID             string     `json:"caller_id"`
	MaxAttemptsPerTarget int        `json:"max_attempts_per_target"`
}

func (s *Service) Create(ctx context.Context, workspaceID string, req CreateRequest) (Campaign, error) {
	if workspaceID == "" || req.Name == "" || req.CallerID == "" {
		return Campaign{}, ErrInvalidArgument
	}
	if req.ConcurrencyBudget <= 0 {
		return Campaign{}, fmt.Errorf("%w: concurrency budget must be > 0", ErrInvalidArgument)
	}
	switch req.PacingMode {
	case PacingFixed, PacingProgressive:
	default:
		return Campaign{}, fmt.Errorf("%w: pacing mode %q", ErrInvalidArgument, req.PacingMode)
	}
	if req.PacingRatio <= 0 {
		req.PacingRatio = 1.0
	}
	if req.MaxAttemptsPerTarget <= 0 {
		req.MaxAttemptsPerTarget = 3
	}

	now := s.clock().UTC()
	c := Campaign{
		CampaignID:           uuid.NewString(),
		WorkspaceID:          workspaceID,
		Name:                 req.Name,
		State:                StateDraft,
		ConcurrencyBudget:    req.ConcurrencyBudget,
		PacingMode:           req.PacingMode,
		PacingRatio:          req.PacingRatio,
		CallerID:             req.CallerID,
		MaxAttemptsPerTarget: req.MaxAttemptsPerTarget,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if err := s.repo.CreateCampaign(ctx, c); err != nil {
		return Campaign{}, err
	}
	return c, nil
}

func (s *Service) Get(ctx context.Context, workspaceID, campaignID string) (Campaign, error) {
	if workspaceID == "" || campaignID == "" {
		return Campaign{}, ErrInvalidArgument
	}
	return s.repo.GetCampaign(ctx, workspaceID, campaignID)
}

// Start moves draft→running, or resumes a paused campaign. Resuming
// re-validates that the active slot count still fits the budget.
func (s *Service) Start(ctx context.Context, workspaceID, campaignID, actorUserID, actorRole string) (Campaign, error) {
	c, err := s.Get(ctx, workspaceID, campaignID)
	if err != nil {
		return Campaign{}, err
	}
	if c.State == StatePaused {
		active, err := s.repo.ActiveSlotCount(ctx, workspaceID, campaignID)
		if err != nil {
			return Campaign{}, err
		}
		if active > c.ConcurrencyBudget {
			return Campaign{}, fmt.Errorf("%w: %d active slots exceed budget %d", ErrBudgetExhausted, active, c.ConcurrencyBudget)
		}
	}
	return s.transition(ctx, c, StateRunning, actorUserID, actorRole)
}

// Pause halts new dials for future ticks immediately. In-flight attempts run
// to their natural terminal status; their slots are not torn down.
func (s *Service) Pause(ctx context.Context, workspaceID, campaignID, actorUserID, actorRole string) (Campaign, error) {
	c, err := s.Get(ctx, workspaceID, campaignID)
	if err != nil {
		return Campaign{}, err
	}
	return s.transition(ctx, c, StatePaused, actorUserID, actorRole)
}

// Stop is terminal.
func (s *Service) Stop(ctx context.Context, workspaceID, campaignID, actorUserID, actorRole string) (Campaign, error) {
	c, err := s.Get(ctx, workspaceID, campaignID)
	if err != nil {
		return Campaign{}, err
	}
	return s.transition(ctx, c, StateStopped, actorUserID, actorRole)
}

func (s *Service) transition(ctx context.Context, c Campaign, to State, actorUserID, actorRole string) (Campaign, error) {
	if !c.State.CanTransitionTo(to) {
		return Campaign{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, c.State, to)
	}
	if err := s.repo.TransitionState(ctx, c.WorkspaceID, c.CampaignID, c.State, to); err != nil {
		return Campaign{}, err
	}
	prior := c.State
	c.State = to
	c.UpdatedAt = s.clock().UTC()

	if s.audit != nil {
		priorSnap, _ := json.Marshal(prior)
		newSnap, _ := json.Marshal(to)
		if err := s.audit.Append(ctx, audit.Entry{
			WorkspaceID:  c.WorkspaceID,
			Action:       audit.ActionAdminAction,
			ActorUserID:  actorUserID,
			ActorRole:    actorRole,
			ResourceType: audit.ResourceCampaign,
			ResourceID:   c.CampaignID,
			PriorValue:   string(priorSnap),
			NewValue:     string(newSnap),
			Message:      "campaign state changed",
		}); err != nil {
			return Campaign{}, err
		}
	}
	return c, nil
}

// ReserveSlot claims one unit of the campaign's budget for a target.
// The insert-and-increment is a single atomic statement in the repository;
// two concurrent ticks cannot oversubscribe.
func (s *Service) ReserveSlot(ctx context.Context, workspaceID, campaignID, targetID string) (CallSlot, error) {
	if workspaceID == "" || campaignID == "" || targetID == "" {
		return CallSlot{}, ErrInvalidArgument
	}
	slot := CallSlot{
		SlotID:      uuid.NewString(),
		CampaignID:  campaignID,
		WorkspaceID: workspaceID,
		TargetID:    targetID,
		State:       SlotQueued,
		ReservedAt:  s.clock().UTC(),
	}
	if err := s.repo.ReserveSlot(ctx, slot); err != nil {
		return CallSlot{}, err
	}
	return slot, nil
}

func (s *Service) BindSlotCall(ctx context.Context, workspaceID, slotID, callID string) error {
	if workspaceID == "" || slotID == "" || callID == "" {
		return ErrInvalidArgument
	}
	return s.repo.BindSlotCall(ctx, workspaceID, slotID, callID)
}

// ReleaseForCall frees the slot a finalized call was holding. Releases are
// idempotent: a duplicate terminal event never decrements the budget twice.
func (s *Service) ReleaseForCall(ctx context.Context, workspaceID, campaignID, slotID, callID string, answered bool) error {
	released, err := s.repo.ReleaseSlot(ctx, workspaceID, slotID, answered)
	if err != nil {
		return err
	}
	if !released {
		return nil
	}
	if s.audit != nil {
		meta, _ := json.Marshal(map[string]any{"call_id": callID, "answered": answered})
		return s.audit.Append(ctx, audit.Entry{
			WorkspaceID:  workspaceID,
			Action:       audit.ActionSlotReleased,
			ResourceType: audit.ResourceSlot,
			ResourceID:   slotID,
			Message:      "slot released",
			Metadata:     string(meta),
		})
	}
	return nil
}

// AddTargets appends targets to the campaign's dial queue.
func (s *Service) AddTargets(ctx context.Context, workspaceID, campaignID string, targets []Target) error {
	if workspaceID == "" || campaignID == "" || len(targets) == 0 {
		return ErrInvalidArgument
	}
	now := s.clock().UTC()
	for i := range targets {
		if targets[i].TargetID == "" {
			targets[i].TargetID = uuid.NewString()
		}
		targets[i].WorkspaceID = workspaceID
		targets[i].CampaignID = campaignID
		targets[i].State = TargetPending
		targets[i].CreatedAt = now
		targets[i].UpdatedAt = now
		if targets[i].PhoneNumber == "" {
			return fmt.Errorf("%w: target %d missing phone number", ErrInvalidArgument, i)
		}
	}
	return s.repo.AddTargets(ctx, targets)
}

// ResetSkippedTargets re-enters compliance-skipped targets for another pass,
// typically after a DNC correction or when the calling window reopens.
func (s *Service) ResetSkippedTargets(ctx context.Context, workspaceID, campaignID string) (int, error) {
	if workspaceID == "" || campaignID == "" {
		return 0, ErrInvalidArgument
	}
	return s.repo.ResetSkippedTargets(ctx, workspaceID, campaignID)
}

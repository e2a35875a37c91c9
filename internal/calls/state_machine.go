package calls

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"dialer-platform/internal/audit"

	"github.com/google/uuid"
)

// Repository is the persistence contract for calls.
//
// UpdateStatus must be conditional on the expected prior status so concurrent
// event deliveries cannot interleave a lost update.

type Repository interface {
	Create(ctx context.Context, c Call) error
	GetByID(ctx context.Context, workspaceID, callID string) (Call, error)
	GetByCarrierCallID(ctx context.Context, carrierCallID string) (Call, error)
	AttachCarrierCallID(ctx context.Context, workspaceID, callID, carrierCallID string) error

	// UpdateStatus persists the transition only if the stored status still
	// equals prior. Returns ErrConflict otherwise.
	UpdateStatus(ctx context.Context, c Call, prior Status) error

	ListStale(ctx context.Context, cutoff time.Time, limit int) ([]Call, error)
}

// SlotReleaser releases the campaign slot tied to a finalized call.
// Implemented by the campaigns service; release must be idempotent.
// answered feeds the trailing answer-rate window used by progressive pacing.
type SlotReleaser interface {
	ReleaseForCall(ctx context.Context, workspaceID, campaignID, slotID, callID string, answered bool) error
}

// PacerNotifier requests a follow-up pacer tick as a separate unit of work.
// Implementations must not block on the tick itself.
type PacerNotifier interface {
	RequestTick(ctx context.Context, workspaceID, campaignID string)
}

// AgentTracker lets bridge/terminal events adjust agent availability.
type AgentTracker interface {
	MarkOnCall(ctx context.Context, workspaceID, agentID string) error
	MarkWrapUp(ctx context.Context, workspaceID, agentID string) error
}

var (
	ErrUnknownCarrierCallID = errors.New("calls: unknown carrier call id")
	ErrInvalidEvent         = errors.New("calls: invalid event")
	ErrConflict             = errors.New("calls: concurrent update conflict")
	ErrNotFound             = errors.New("calls: not found")
)

// StateMachine advances call lifecycles.
//
// Transitions are driven exclusively by carrier webhook events or explicit
// control actions. Unknown carrier call ids are rejected (the call may belong
// to another tenant or predate a restart — fail closed, never guess).
type StateMachine struct {
	repo   Repository
	audit  *audit.Service
	slots  SlotReleaser
	pacer  PacerNotifier
	agents AgentTracker
	clock  func() time.Time
}

func NewStateMachine(repo Repository, auditSvc *audit.Service, slots SlotReleaser, pacer PacerNotifier, agents AgentTracker) *StateMachine {
	return &StateMachine{
		repo:   repo,
		audit:  auditSvc,
		slots:  slots,
		pacer:  pacer,
		agents: agents,
		clock:  time.Now,
	}
}

// CreateOutbound registers a new queued outbound call for a dial attempt.
func (m *StateMachine) CreateOutbound(ctx context.Context, workspaceID, campaignID, slotID, from, to string) (Call, error) {
	if workspaceID == "" || from == "" || to == "" {
		return Call{}, ErrInvalidEvent
	}
	now := m.clock().UTC()
	c := Call{
		CallID:      uuid.NewString(),
		WorkspaceID: workspaceID,
		CampaignID:  campaignID,
		SlotID:      slotID,
		Direction:   DirectionOutbound,
		From:        from,
		To:          to,
		Status:      StatusQueued,
		LastEventAt: now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := m.repo.Create(ctx, c); err != nil {
		return Call{}, err
	}
	if m.audit != nil {
		snap, _ := json.Marshal(c.Status)
		if err := m.audit.LogCallTransition(ctx, workspaceID, c.CallID, "", string(snap), ""); err != nil {
			return Call{}, err
		}
	}
	return c, nil
}

// AttachCarrierCallID records the carrier's identifier once origination is
// acknowledged, so subsequent webhooks correlate.
func (m *StateMachine) AttachCarrierCallID(ctx context.Context, workspaceID, callID, carrierCallID string) error {
	if workspaceID == "" || callID == "" || carrierCallID == "" {
		return ErrInvalidEvent
	}
	return m.repo.AttachCarrierCallID(ctx, workspaceID, callID, carrierCallID)
}

// ApplyEvent advances the call identified by the event's carrier call id.
//
// Monotonicity: an event implying an earlier stage than the stored status is
// accepted for audit but produces no mutation. Terminal statuses are final:
// later events never change status or disposition, and never release the
// slot a second time.
func (m *StateMachine) ApplyEvent(ctx context.Context, ev Event) (Transition, error) {
	if ev.CarrierCallID == "" {
		return Transition{}, ErrInvalidEvent
	}
	if !ev.Status.Valid() {
		return Transition{}, fmt.Errorf("%w: status %q", ErrInvalidEvent, ev.Status)
	}

	c, err := m.repo.GetByCarrierCallID(ctx, ev.CarrierCallID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Transition{}, fmt.Errorf("%w: %s", ErrUnknownCarrierCallID, ev.CarrierCallID)
		}
		return Transition{}, err
	}

	// Retry the conditional update a few times: two deliveries racing for the
	// same call should both land, in rank order.
	for attempt := 0; attempt < 3; attempt++ {
		tr, err := m.applyOnce(ctx, c, ev)
		if errors.Is(err, ErrConflict) {
			c, err = m.repo.GetByCarrierCallID(ctx, ev.CarrierCallID)
			if err != nil {
				return Transition{}, err
			}
			continue
		}
		return tr, err
	}
	return Transition{}, ErrConflict
}

func (m *StateMachine) applyOnce(ctx context.Context, c Call, ev Event) (Transition, error) {
	prior := c.Status

	if prior.IsTerminal() {
		return m.recordIgnored(ctx, c, ev, IgnoredPostTerminal)
	}
	if ev.Status.Rank() <= prior.Rank() {
		return m.recordIgnored(ctx, c, ev, IgnoredOutOfOrder)
	}

	now := m.clock().UTC()
	c.Status = ev.Status
	c.LastEventAt = now
	c.UpdatedAt = now
	if ev.AgentID != "" {
		c.AgentID = ev.AgentID
	}
	if c.StartedAt == nil && ev.Status.Rank() >= StatusAnswered.Rank() {
		started := eventTime(ev, now)
		c.StartedAt = &started
	}
	terminal := ev.Status.IsTerminal()
	if terminal {
		ended := eventTime(ev, now)
		c.EndedAt = &ended
		c.Disposition = ev.Disposition
		if c.Disposition == "" {
			c.Disposition = string(ev.Status)
		}
	}

	if err := m.repo.UpdateStatus(ctx, c, prior); err != nil {
		return Transition{}, err
	}

	if m.audit != nil {
		priorSnap, _ := json.Marshal(prior)
		newSnap, _ := json.Marshal(c.Status)
		if err := m.audit.LogCallTransition(ctx, c.WorkspaceID, c.CallID, string(priorSnap), string(newSnap), ev.RawPayload); err != nil {
			return Transition{}, err
		}
	}

	if ev.Status == StatusBridged && m.agents != nil && c.AgentID != "" {
		if err := m.agents.MarkOnCall(ctx, c.WorkspaceID, c.AgentID); err != nil {
			return Transition{}, err
		}
	}

	if terminal {
		if err := m.finalize(ctx, c); err != nil {
			return Transition{}, err
		}
	}

	return Transition{Call: c, Prior: prior, Next: c.Status, Applied: true, Terminal: terminal}, nil
}

// finalize runs terminal side effects: slot release, agent wrap-up, and the
// pacer follow-up signal.
func (m *StateMachine) finalize(ctx context.Context, c Call) error {
	if m.slots != nil && c.SlotID != "" {
		answered := c.StartedAt != nil
		if err := m.slots.ReleaseForCall(ctx, c.WorkspaceID, c.CampaignID, c.SlotID, c.CallID, answered); err != nil {
			return err
		}
	}
	if m.agents != nil && c.AgentID != "" {
		if err := m.agents.MarkWrapUp(ctx, c.WorkspaceID, c.AgentID); err != nil {
			return err
		}
	}
	if m.pacer != nil && c.CampaignID != "" {
		m.pacer.RequestTick(ctx, c.WorkspaceID, c.CampaignID)
	}
	return nil
}

func (m *StateMachine) recordIgnored(ctx context.Context, c Call, ev Event, reason string) (Transition, error) {
	if m.audit != nil {
		meta, _ := json.Marshal(map[string]string{"event_status": string(ev.Status), "raw": ev.RawPayload})
		if err := m.audit.LogCallEventIgnored(ctx, c.WorkspaceID, c.CallID, reason, string(meta)); err != nil {
			return Transition{}, err
		}
	}
	return Transition{Call: c, Prior: c.Status, Next: c.Status, Applied: false, IgnoredReason: reason}, nil
}

// ForceTerminate is the administrative hangup. The call is moved to failed
// with an operator disposition; the next carrier webhook (if any) lands as a
// post-terminal audit record and reconciles naturally.
func (m *StateMachine) ForceTerminate(ctx context.Context, workspaceID, callID, actorUserID, actorRole string) (Transition, error) {
	c, err := m.repo.GetByID(ctx, workspaceID, callID)
	if err != nil {
		return Transition{}, err
	}
	if c.Status.IsTerminal() {
		return Transition{Call: c, Prior: c.Status, Next: c.Status, Applied: false, IgnoredReason: IgnoredPostTerminal}, nil
	}

	prior := c.Status
	now := m.clock().UTC()
	c.Status = StatusFailed
	c.Disposition = "force_terminated"
	c.EndedAt = &now
	c.LastEventAt = now
	c.UpdatedAt = now

	if err := m.repo.UpdateStatus(ctx, c, prior); err != nil {
		return Transition{}, err
	}
	if m.audit != nil {
		priorSnap, _ := json.Marshal(prior)
		newSnap, _ := json.Marshal(c.Status)
		if err := m.audit.Append(ctx, audit.Entry{
			WorkspaceID:  workspaceID,
			Action:       audit.ActionAdminAction,
			ActorUserID:  actorUserID,
			ActorRole:    actorRole,
			ResourceType: audit.ResourceCall,
			ResourceID:   callID,
			PriorValue:   string(priorSnap),
			NewValue:     string(newSnap),
			Message:      "call force-terminated",
		}); err != nil {
			return Transition{}, err
		}
	}
	if err := m.finalize(ctx, c); err != nil {
		return Transition{}, err
	}
	return Transition{Call: c, Prior: prior, Next: c.Status, Applied: true, Terminal: true}, nil
}

// Get returns one call, tenant-scoped.
func (m *StateMachine) Get(ctx context.Context, workspaceID, callID string) (Call, error) {
	if workspaceID == "" || callID == "" {
		return Call{}, ErrInvalidEvent
	}
	return m.repo.GetByID(ctx, workspaceID, callID)
}

// ListStale flags non-terminal calls without webhook activity past the
// threshold. Flag only: forcing a terminal status without carrier
// confirmation risks an incorrect audit record.
func (m *StateMachine) ListStale(ctx context.Context, threshold time.Duration, limit int) ([]Call, error) {
	if threshold <= 0 {
		return nil, ErrInvalidEvent
	}
	if limit <= 0 || limit > 1000 {
		limit = 200
	}
	cutoff := m.clock().UTC().Add(-threshold)
	return m.repo.ListStale(ctx, cutoff, limit)
}

func eventTime(ev Event, fallback time.Time) time.Time {
	if !ev.OccurredAt.IsZero() {
		return ev.OccurredAt.UTC()
	}
	return fallback
}

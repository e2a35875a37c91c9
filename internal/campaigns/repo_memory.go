package campaigns

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryRepo is an in-memory repository for tests. Its reservation and
// transition paths are guarded by one mutex, which makes them as atomic as
// the single-statement Postgres equivalents.

type MemoryRepo struct {
	mu        sync.Mutex
	campaigns map[string]Campaign
	slots     map[string]CallSlot
	targets   map[string][]Target // by campaign id, queue-ordered
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{
		campaigns: make(map[string]Campaign),
		slots:     make(map[string]CallSlot),
		targets:   make(map[string][]Target),
	}
}

func (r *MemoryRepo) CreateCampaign(ctx context.Context, c Campaign) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.campaigns[c.CampaignID] = c
	return nil
}

func (r *MemoryRepo) GetCampaign(ctx context.Context, workspaceID, campaignID string) (Campaign, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.campaigns[campaignID]
	if !ok || c.WorkspaceID != workspaceID {
		return Campaign{}, ErrNotFound
	}
	return c, nil
}

func (r *MemoryRepo) TransitionState(ctx context.Context, workspaceID, campaignID string, from, to State) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.campaigns[campaignID]
	if !ok || c.WorkspaceID != workspaceID {
		return ErrNotFound
	}
	if c.State != from {
		return ErrConflict
	}
	c.State = to
	r.campaigns[campaignID] = c
	return nil
}

func (r *MemoryRepo) ReserveSlot(ctx context.Context, slot CallSlot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.campaigns[slot.CampaignID]
	if !ok || c.WorkspaceID != slot.WorkspaceID {
		return ErrNotFound
	}
	if c.ActiveSlots >= c.ConcurrencyBudget {
		return ErrBudgetExhausted
	}
	c.ActiveSlots++
	r.campaigns[slot.CampaignID] = c
	r.slots[slot.SlotID] = slot
	return nil
}

func (r *MemoryRepo) BindSlotCall(ctx context.Context, workspaceID, slotID, callID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.slots[slotID]
	if !ok || s.WorkspaceID != workspaceID {
		return ErrNotFound
	}
	s.CallID = callID
	s.State = SlotDialing
	r.slots[slotID] = s
	return nil
}

func (r *MemoryRepo) MarkSlotBridged(ctx context.Context, workspaceID, slotID, agentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.slots[slotID]
	if !ok || s.WorkspaceID != workspaceID {
		return ErrNotFound
	}
	if s.State == SlotReleased {
		return ErrConflict
	}
	s.AgentID = agentID
	s.State = SlotBridged
	r.slots[slotID] = s
	return nil
}

func (r *MemoryRepo) ReleaseSlot(ctx context.Context, workspaceID, slotID string, answered bool) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.slots[slotID]
	if !ok || s.WorkspaceID != workspaceID {
		return false, ErrNotFound
	}
	if s.State == SlotReleased {
		return false, nil
	}
	now := time.Now().UTC()
	s.State = SlotReleased
	s.Answered = answered
	s.ReleasedAt = &now
	r.slots[slotID] = s

	c := r.campaigns[s.CampaignID]
	if c.ActiveSlots > 0 {
		c.ActiveSlots--
	}
	r.campaigns[s.CampaignID] = c
	return true, nil
}

func (r *MemoryRepo) ActiveSlotCount(ctx context.Context, workspaceID, campaignID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.slots {
		if s.WorkspaceID == workspaceID && s.CampaignID == campaignID && s.State != SlotReleased {
			n++
		}
	}
	return n, nil
}

func (r *MemoryRepo) AddTargets(ctx context.Context, targets []Target) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range targets {
		q := r.targets[t.CampaignID]
		t.Position = len(q)
		r.targets[t.CampaignID] = append(q, t)
	}
	return nil
}

func (r *MemoryRepo) NextPendingTarget(ctx context.Context, workspaceID, campaignID string) (Target, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	q := r.targets[campaignID]

	idx := -1
	for i, t := range q {
		if t.WorkspaceID != workspaceID || t.State != TargetPending {
			continue
		}
		if idx == -1 {
			idx = i
			continue
		}
		if t.PriorityTier < q[idx].PriorityTier ||
			(t.PriorityTier == q[idx].PriorityTier && t.Position < q[idx].Position) {
			idx = i
		}
	}
	if idx == -1 {
		return Target{}, ErrNoEligibleTargets
	}
	return q[idx], nil
}

func (r *MemoryRepo) MarkTarget(ctx context.Context, workspaceID, campaignID, targetID string, state TargetState, bumpAttempts bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	q := r.targets[campaignID]
	for i, t := range q {
		if t.WorkspaceID == workspaceID && t.TargetID == targetID {
			t.State = state
			if bumpAttempts {
				t.Attempts++
			}
			t.UpdatedAt = time.Now().UTC()
			q[i] = t
			return nil
		}
	}
	return ErrNotFound
}

func (r *MemoryRepo) ResetSkippedTargets(ctx context.Context, workspaceID, campaignID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	q := r.targets[campaignID]
	n := 0
	for i, t := range q {
		if t.WorkspaceID == workspaceID && t.State == TargetSkipped {
			t.State = TargetPending
			q[i] = t
			n++
		}
	}
	return n, nil
}

func (r *MemoryRepo) AnswerStatsSince(ctx context.Context, workspaceID, campaignID string, since time.Time) (AnswerStats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var st AnswerStats
	for _, s := range r.slots {
		if s.WorkspaceID != workspaceID || s.CampaignID != campaignID {
			continue
		}
		if s.State != SlotReleased || s.ReleasedAt == nil || s.ReleasedAt.Before(since) {
			continue
		}
		st.Released++
		if s.Answered {
			st.Answered++
		}
	}
	return st, nil
}

// Slots returns a copy of all slots, for test assertions.
func (r *MemoryRepo) Slots() []CallSlot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]CallSlot, 0, len(r.slots))
	for _, s := range r.slots {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReservedAt.Before(out[j].ReservedAt) })
	return out
}

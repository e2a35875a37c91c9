package agents

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryRepo is an in-memory agent roster for tests.

type MemoryRepo struct {
	mu     sync.Mutex
	agents map[string]Agent // by agent id
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{agents: make(map[string]Agent)}
}

func (r *MemoryRepo) Upsert(ctx context.Context, a Agent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[a.AgentID] = a
	return nil
}

func (r *MemoryRepo) Get(ctx context.Context, workspaceID, agentID string) (Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[agentID]
	if !ok || a.WorkspaceID != workspaceID {
		return Agent{}, ErrNotFound
	}
	return a, nil
}

func (r *MemoryRepo) SetAvailability(ctx context.Context, workspaceID, agentID string, av Availability, currentCallID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[agentID]
	if !ok || a.WorkspaceID != workspaceID {
		return ErrNotFound
	}
	a.Availability = av
	a.CurrentCallID = currentCallID
	a.UpdatedAt = time.Now().UTC()
	r.agents[agentID] = a
	return nil
}

func (r *MemoryRepo) CountAvailable(ctx context.Context, workspaceID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, a := range r.agents {
		if a.WorkspaceID == workspaceID && a.Availability == AvailabilityAvailable {
			n++
		}
	}
	return n, nil
}

func (r *MemoryRepo) List(ctx context.Context, workspaceID string) ([]Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Agent, 0)
	for _, a := range r.agents {
		if a.WorkspaceID == workspaceID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out, nil
}

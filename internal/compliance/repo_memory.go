package compliance

import (
	"context"
	"sync"
)

// MemoryRepo is an in-memory append-only decision store for tests.

type MemoryRepo struct {
	mu        sync.Mutex
	decisions []Decision
}

func NewMemoryRepo() *MemoryRepo { return &MemoryRepo{} }

func (r *MemoryRepo) Append(ctx context.Context, d Decision) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.decisions = append(r.decisions, d)
	return nil
}

func (r *MemoryRepo) Query(ctx context.Context, workspaceID string, f HistoryFilter) ([]Decision, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Decision
	for i := len(r.decisions) - 1; i >= 0; i-- {
		d := r.decisions[i]
		if d.WorkspaceID != workspaceID {
			continue
		}
		if f.TargetID != "" && d.TargetID != f.TargetID {
			continue
		}
		if f.CampaignID != "" && d.CampaignID != f.CampaignID {
			continue
		}
		if f.Outcome != "" && d.Outcome != f.Outcome {
			continue
		}
		if !f.Since.IsZero() && d.EvaluatedAt.Before(f.Since) {
			continue
		}
		out = append(out, d)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}

func (r *MemoryRepo) Decisions() []Decision {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Decision, len(r.decisions))
	copy(out, r.decisions)
	return out
}

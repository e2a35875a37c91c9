package calls

import (
	"context"
	"sync"
	"time"
)

// MemoryRepo is an in-memory call store for tests. It mirrors the conditional
// update semantics of the Postgres repository.

type MemoryRepo struct {
	mu    sync.Mutex
	calls map[string]Call // by call id
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{calls: make(map[string]Call)}
}

func (r *MemoryRepo) Create(ctx context.Context, c Call) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls[c.CallID] = c
	return nil
}

func (r *MemoryRepo) GetByID(ctx context.Context, workspaceID, callID string) (Call, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.calls[callID]
	if !ok || c.WorkspaceID != workspaceID {
		return Call{}, ErrNotFound
	}
	return c, nil
}

func (r *MemoryRepo) GetByCarrierCallID(ctx context.Context, carrierCallID string) (Call, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.calls {
		if c.CarrierCallID == carrierCallID {
			return c, nil
		}
	}
	return Call{}, ErrNotFound
}

func (r *MemoryRepo) AttachCarrierCallID(ctx context.Context, workspaceID, callID, carrierCallID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.calls[callID]
	if !ok || c.WorkspaceID != workspaceID {
		return ErrNotFound
	}
	c.CarrierCallID = carrierCallID
	r.calls[callID] = c
	return nil
}

func (r *MemoryRepo) UpdateStatus(ctx context.Context, c Call, prior Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.calls[c.CallID]
	if !ok {
		return ErrNotFound
	}
	if cur.Status != prior {
		return ErrConflict
	}
	r.calls[c.CallID] = c
	return nil
}

func (r *MemoryRepo) ListStale(ctx context.Context, cutoff time.Time, limit int) ([]Call, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Call
	for _, c := range r.calls {
		if c.Status.IsTerminal() {
			continue
		}
		if c.LastEventAt.After(cutoff) {
			continue
		}
		out = append(out, c)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

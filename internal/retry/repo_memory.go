package retry

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryRepo is an in-memory task queue for tests. Acquisition flips tasks to
// in_flight under the mutex, mirroring the SKIP LOCKED claim.

type MemoryRepo struct {
	mu    sync.Mutex
	tasks map[string]Task
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{tasks: make(map[string]Task)}
}

func (r *MemoryRepo) Enqueue(ctx context.Context, t Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks[t.TaskID] = t
	return nil
}

func (r *MemoryRepo) AcquireDue(ctx context.Context, now time.Time, limit int) ([]Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	due := make([]Task, 0)
	for _, t := range r.tasks {
		if t.Status == StatusPending && !t.NextAttemptAt.After(now) {
			due = append(due, t)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextAttemptAt.Before(due[j].NextAttemptAt) })
	if len(due) > limit {
		due = due[:limit]
	}
	for _, t := range due {
		t.Status = StatusInFlight
		t.UpdatedAt = now
		r.tasks[t.TaskID] = t
	}
	return due, nil
}

func (r *MemoryRepo) MarkDone(ctx context.Context, taskID string) error {
	return r.update(taskID, func(t *Task) {
		t.Status = StatusDone
	})
}

func (r *MemoryRepo) Reschedule(ctx context.Context, taskID string, attempt int, nextAttemptAt time.Time, lastError string) error {
	return r.update(taskID, func(t *Task) {
		t.Status = StatusPending
		t.Attempt = attempt
		t.NextAttemptAt = nextAttemptAt
		t.LastError = lastError
		t.FailureHistory = append(t.FailureHistory, lastError)
	})
}

func (r *MemoryRepo) MarkDead(ctx context.Context, taskID, lastError string) error {
	return r.update(taskID, func(t *Task) {
		t.Status = StatusDead
		t.Attempt++
		t.LastError = lastError
		t.FailureHistory = append(t.FailureHistory, lastError)
	})
}

func (r *MemoryRepo) ListDead(ctx context.Context, workspaceID string, limit int) ([]Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Task, 0)
	for _, t := range r.tasks {
		if t.Status != StatusDead {
			continue
		}
		if workspaceID != "" && t.WorkspaceID != workspaceID {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemoryRepo) Requeue(ctx context.Context, taskID string, nextAttemptAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[taskID]
	if !ok || t.Status != StatusDead {
		return ErrNotFound
	}
	t.Status = StatusPending
	t.Attempt = 0
	t.NextAttemptAt = nextAttemptAt
	t.UpdatedAt = time.Now().UTC()
	r.tasks[taskID] = t
	return nil
}

func (r *MemoryRepo) update(taskID string, fn func(*Task)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[taskID]
	if !ok {
		return ErrNotFound
	}
	fn(&t)
	t.UpdatedAt = time.Now().UTC()
	r.tasks[taskID] = t
	return nil
}

// Get returns a task by id, for test assertions.
func (r *MemoryRepo) Get(taskID string) (Task, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[taskID]
	return t, ok
}

package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"donationsvc/internal/domain"
)

// TaskQueue is an in-memory domain.TaskQueue.
type TaskQueue struct {
	mu    sync.Mutex
	tasks map[string]domain.Task
}

// NewTaskQueue returns an empty queue.
func NewTaskQueue() *TaskQueue {
	return &TaskQueue{tasks: make(map[string]domain.Task)}
}

func (q *TaskQueue) Schedule(_ context.Context, task *domain.Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = now
	if task.Status == "" {
		task.Status = domain.TaskQueued
	}
	q.tasks[task.ID] = *task
	return nil
}

func (q *TaskQueue) ClaimDue(_ context.Context, now time.Time, limit int) ([]domain.Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var due []domain.Task
	for _, t := range q.tasks {
		if t.Status == domain.TaskQueued && !t.RunAt.After(now) {
			due = append(due, t)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].RunAt.Before(due[j].RunAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	for i := range due {
		due[i].Status = domain.TaskRunning
		due[i].UpdatedAt = now
		q.tasks[due[i].ID] = due[i]
	}
	return due, nil
}

func (q *TaskQueue) Complete(_ context.Context, id string) error {
	return q.finish(id, domain.TaskSucceeded, "")
}

func (q *TaskQueue) Fail(_ context.Context, id string, errMsg string) error {
	return q.finish(id, domain.TaskFailed, errMsg)
}

func (q *TaskQueue) finish(id string, status domain.TaskStatus, errMsg string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[id]
	if !ok {
		return domain.ErrNotFound
	}
	t.Status = status
	t.LastError = errMsg
	t.UpdatedAt = time.Now().UTC()
	q.tasks[id] = t
	return nil
}

func (q *TaskQueue) ListByRef(_ context.Context, refID string) ([]domain.Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []domain.Task
	for _, t := range q.tasks {
		if t.RefID == refID {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RunAt.Before(out[j].RunAt) })
	return out, nil
}

var _ domain.TaskQueue = (*TaskQueue)(nil)

package repo

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"donationsvc/internal/domain"
	"donationsvc/internal/infra"
	"donationsvc/internal/sqlinline"
)

// TaskQueuePG implements domain.TaskQueue on the scheduled_tasks table.
type TaskQueuePG struct {
	q infra.SQLExecutor
}

// NewTaskQueue creates a task queue backed by db.
func NewTaskQueue(db infra.SQLExecutor) *TaskQueuePG {
	return &TaskQueuePG{q: db}
}

// Schedule inserts a queued task.
func (r *TaskQueuePG) Schedule(ctx context.Context, task *domain.Task) error {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = task.CreatedAt
	if task.Status == "" {
		task.Status = domain.TaskQueued
	}
	var payload []byte
	if len(task.Payload) > 0 {
		payload = task.Payload
	}
	_, err := r.q.Exec(ctx, sqlinline.QInsertTask,
		task.ID, string(task.Kind), task.RefID, task.Attempt, task.RunAt.UTC(), string(task.Status), payload, task.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// ClaimDue moves up to limit due tasks to running and returns them.
func (r *TaskQueuePG) ClaimDue(ctx context.Context, now time.Time, limit int) ([]domain.Task, error) {
	return r.list(ctx, sqlinline.QClaimDueTasks, now.UTC(), limitArg(limit))
}

func (r *TaskQueuePG) Complete(ctx context.Context, id string) error {
	return r.finish(ctx, id, domain.TaskSucceeded, "")
}

func (r *TaskQueuePG) Fail(ctx context.Context, id string, errMsg string) error {
	return r.finish(ctx, id, domain.TaskFailed, errMsg)
}

func (r *TaskQueuePG) finish(ctx context.Context, id string, status domain.TaskStatus, errMsg string) error {
	tag, err := r.q.Exec(ctx, sqlinline.QFinishTask, id, string(status), errMsg)
	if err != nil {
		return fmt.Errorf("finish task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// ListByRef returns every task pointing at refID ordered by run time.
func (r *TaskQueuePG) ListByRef(ctx context.Context, refID string) ([]domain.Task, error) {
	return r.list(ctx, sqlinline.QListTasksByRef, refID)
}

func (r *TaskQueuePG) list(ctx context.Context, query string, args ...any) ([]domain.Task, error) {
	rows, err := r.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var items []domain.Task
	for rows.Next() {
		var (
			t            domain.Task
			kind, status string
		)
		if err := rows.Scan(&t.ID, &kind, &t.RefID, &t.Attempt, &t.RunAt, &status, &t.Payload, &t.LastError, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		t.Kind = domain.TaskKind(kind)
		t.Status = domain.TaskStatus(status)
		t.RunAt = t.RunAt.UTC()
		t.CreatedAt = t.CreatedAt.UTC()
		t.UpdatedAt = t.UpdatedAt.UTC()
		items = append(items, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

var _ domain.TaskQueue = (*TaskQueuePG)(nil)

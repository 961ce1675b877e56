package domain

import "time"

// TaskKind enumerates delayed work handled by the worker.
type TaskKind string

const (
	TaskRecurringRetry     TaskKind = "recurring_retry"
	TaskRecurringReconcile TaskKind = "recurring_reconcile"
	TaskCRMSync            TaskKind = "crm_sync"
)

// TaskStatus enumerates task lifecycle states.
type TaskStatus string

const (
	TaskQueued    TaskStatus = "queued"
	TaskRunning   TaskStatus = "running"
	TaskSucceeded TaskStatus = "succeeded"
	TaskFailed    TaskStatus = "failed"
)

// Task is a unit of delayed work. RefID points at the record the task acts
// on and Payload carries kind-specific JSON.
type Task struct {
	ID        string
	Kind      TaskKind
	RefID     string
	Attempt   int
	RunAt     time.Time
	Status    TaskStatus
	Payload   []byte
	LastError string
	CreatedAt time.Time
	UpdatedAt time.Time
}

package models

import (
	"encoding/json"
	"time"
)

// TaskPriority orders tasks in the queue. Lower values run first.
type TaskPriority int

const (
	PriorityUrgent TaskPriority = iota
	PriorityHigh
	PriorityNormal
	PriorityLow
)

// String returns the priority name.
func (p TaskPriority) String() string {
	switch p {
	case PriorityUrgent:
		return "urgent"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// TaskStatus is the lifecycle state of a queued task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
	TaskRetrying  TaskStatus = "retrying"
)

// IsTerminal reports whether the status is final.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskCancelled:
		return true
	default:
		return false
	}
}

// TaskInfo is the persisted metadata for a queued task. The payload is
// stored separately as an opaque blob.
type TaskInfo struct {
	ID          string         `json:"task_id"`
	Type        string         `json:"type"`
	Priority    TaskPriority   `json:"priority"`
	Status      TaskStatus     `json:"status"`
	CreatedAt   time.Time      `json:"created_at"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	RetryCount  int            `json:"retry_count"`
	MaxRetries  int            `json:"max_retries"`
	Timeout     time.Duration  `json:"timeout"`
	Progress    float64        `json:"progress"`
	Result      string         `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// MarshalPayload encodes an arbitrary payload for task persistence.
func MarshalPayload(payload any) ([]byte, error) {
	return json.Marshal(payload)
}

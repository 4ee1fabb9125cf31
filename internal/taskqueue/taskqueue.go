// Package taskqueue runs background work through a four-level priority
// queue with bounded size, fixed workers, per-task timeouts, retry with
// exponential backoff, and on-disk persistence so pending work survives a
// restart.
package taskqueue

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/parleyhq/parley/pkg/models"
)

var (
	// ErrQueueFull is returned by Enqueue when the queue is at capacity.
	ErrQueueFull = errors.New("task queue full")

	// ErrUnknownHandler is returned when no handler is registered for the
	// task type.
	ErrUnknownHandler = errors.New("unknown task handler")

	// ErrTaskNotFound is returned for status or cancel requests on an
	// unknown task id.
	ErrTaskNotFound = errors.New("task not found")
)

// ProgressFunc reports handler progress as a fraction in [0,1]. Reported
// values are clamped and never move backwards.
type ProgressFunc func(fraction float64)

// Handler executes one task type. The payload is the opaque blob persisted
// at enqueue time. Handlers must honor ctx cancellation promptly.
type Handler func(ctx context.Context, payload json.RawMessage, progress ProgressFunc) (string, error)

// Config tunes the queue.
type Config struct {
	// Workers is the number of concurrent task slots.
	Workers int `yaml:"workers"`

	// MaxQueueSize bounds the total number of queued tasks across all
	// priorities.
	MaxQueueSize int `yaml:"max_queue_size"`

	// DefaultTimeout applies to tasks enqueued without their own timeout.
	DefaultTimeout time.Duration `yaml:"default_timeout"`

	// DefaultMaxRetries applies to tasks enqueued without their own limit.
	DefaultMaxRetries int `yaml:"default_max_retries"`

	// Dir is where task metadata and payloads are persisted.
	Dir string `yaml:"dir"`
}

// DefaultConfig returns the default queue configuration.
func DefaultConfig() Config {
	return Config{
		Workers:           4,
		MaxQueueSize:      1000,
		DefaultTimeout:    5 * time.Minute,
		DefaultMaxRetries: 3,
	}
}

// retryDelay is min(2^retryCount, 60) seconds.
func retryDelay(retryCount int) time.Duration {
	secs := 1 << retryCount
	if retryCount > 5 || secs > 60 {
		secs = 60
	}
	return time.Duration(secs) * time.Second
}

// Request describes a task to enqueue.
type Request struct {
	Type     string
	Priority models.TaskPriority
	Payload  any
	Timeout  time.Duration
	// MaxRetries < 0 means no retries; 0 means use the queue default.
	MaxRetries int
	Metadata   map[string]any
}

// Stats is a point-in-time snapshot of queue state.
type Stats struct {
	Queued    map[string]int `json:"queued"`
	Running   int            `json:"running"`
	Completed int64          `json:"completed"`
	Failed    int64          `json:"failed"`
	Cancelled int64          `json:"cancelled"`
}

package taskqueue

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parleyhq/parley/internal/observability"
	"github.com/parleyhq/parley/pkg/models"
)

func testQueue(t *testing.T, cfg Config) *Queue {
	t.Helper()
	if cfg.Dir == "" {
		cfg.Dir = t.TempDir()
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	q, err := New(cfg, logger, observability.NewMetrics(prometheus.NewRegistry()))
	require.NoError(t, err)
	return q
}

func waitStatus(t *testing.T, q *Queue, id string, want models.TaskStatus) *models.TaskInfo {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		info, err := q.Status(id)
		if err == nil && info.Status == want {
			return info
		}
		time.Sleep(10 * time.Millisecond)
	}
	info, _ := q.Status(id)
	t.Fatalf("task %s never reached %s (last: %+v)", id, want, info)
	return nil
}

func TestQueueRunsTask(t *testing.T) {
	q := testQueue(t, Config{Workers: 2})
	var got atomic.Value
	q.RegisterHandler("echo", func(_ context.Context, payload json.RawMessage, progress ProgressFunc) (string, error) {
		var s string
		if err := json.Unmarshal(payload, &s); err != nil {
			return "", err
		}
		progress(0.5)
		got.Store(s)
		return "ok:" + s, nil
	})
	require.NoError(t, q.Start(context.Background()))
	defer q.Stop()

	id, err := q.Enqueue(Request{Type: "echo", Priority: models.PriorityNormal, Payload: "hello"})
	require.NoError(t, err)

	info := waitStatus(t, q, id, models.TaskCompleted)
	assert.Equal(t, "ok:hello", info.Result)
	assert.Equal(t, 1.0, info.Progress)
	assert.Equal(t, "hello", got.Load())
}

func TestQueueUnknownHandler(t *testing.T) {
	q := testQueue(t, Config{})
	_, err := q.Enqueue(Request{Type: "nope"})
	require.ErrorIs(t, err, ErrUnknownHandler)
}

func TestQueueFull(t *testing.T) {
	q := testQueue(t, Config{Workers: 1, MaxQueueSize: 2})
	q.RegisterHandler("noop", func(context.Context, json.RawMessage, ProgressFunc) (string, error) {
		return "", nil
	})
	// Not started: tasks stay queued.
	for i := 0; i < 2; i++ {
		_, err := q.Enqueue(Request{Type: "noop"})
		require.NoError(t, err, "enqueue %d", i)
	}
	_, err := q.Enqueue(Request{Type: "noop"})
	require.ErrorIs(t, err, ErrQueueFull)
}

func TestQueuePriorityOrder(t *testing.T) {
	q := testQueue(t, Config{Workers: 1})
	var mu sync.Mutex
	var order []string
	release := make(chan struct{})
	q.RegisterHandler("record", func(_ context.Context, payload json.RawMessage, _ ProgressFunc) (string, error) {
		<-release
		var s string
		json.Unmarshal(payload, &s)
		mu.Lock()
		order = append(order, s)
		mu.Unlock()
		return "", nil
	})

	// Enqueue before starting so priority ordering is observable.
	q.Enqueue(Request{Type: "record", Priority: models.PriorityLow, Payload: "low"})
	q.Enqueue(Request{Type: "record", Priority: models.PriorityNormal, Payload: "normal"})
	q.Enqueue(Request{Type: "record", Priority: models.PriorityUrgent, Payload: "urgent"})
	q.Enqueue(Request{Type: "record", Priority: models.PriorityHigh, Payload: "high"})

	require.NoError(t, q.Start(context.Background()))
	close(release)
	defer q.Stop()

	deadline := time.Now().Add(5 * time.Second)
	for {
		mu.Lock()
		n := len(order)
		mu.Unlock()
		if n == 4 {
			break
		}
		require.False(t, time.Now().After(deadline), "only %d tasks ran", n)
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"urgent", "high", "normal", "low"}, order)
}

func TestQueueRetriesThenFails(t *testing.T) {
	q := testQueue(t, Config{Workers: 1})
	var attempts atomic.Int32
	q.RegisterHandler("flaky", func(context.Context, json.RawMessage, ProgressFunc) (string, error) {
		attempts.Add(1)
		return "", errors.New("boom")
	})
	require.NoError(t, q.Start(context.Background()))
	defer q.Stop()

	id, err := q.Enqueue(Request{Type: "flaky", MaxRetries: 1})
	require.NoError(t, err)

	info := waitStatus(t, q, id, models.TaskFailed)
	assert.Equal(t, int32(2), attempts.Load(), "1 attempt + 1 retry")
	assert.Equal(t, "boom", info.Error)
	assert.Equal(t, 1, info.RetryCount)
}

func TestRetryDelaySchedule(t *testing.T) {
	tests := []struct {
		retryCount int
		want       time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{5, 32 * time.Second},
		{6, 60 * time.Second},
		{10, 60 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, retryDelay(tt.retryCount), "retryDelay(%d)", tt.retryCount)
	}
}

func TestQueueCancelPending(t *testing.T) {
	q := testQueue(t, Config{Workers: 1})
	q.RegisterHandler("noop", func(context.Context, json.RawMessage, ProgressFunc) (string, error) {
		return "", nil
	})
	// Not started: the task stays pending.
	id, err := q.Enqueue(Request{Type: "noop"})
	require.NoError(t, err)
	require.NoError(t, q.Cancel(id))
	info, err := q.Status(id)
	require.NoError(t, err)
	assert.Equal(t, models.TaskCancelled, info.Status)
}

func TestQueueCancelRunning(t *testing.T) {
	q := testQueue(t, Config{Workers: 1})
	started := make(chan struct{})
	q.RegisterHandler("slow", func(ctx context.Context, _ json.RawMessage, _ ProgressFunc) (string, error) {
		close(started)
		<-ctx.Done()
		return "", ctx.Err()
	})
	require.NoError(t, q.Start(context.Background()))
	defer q.Stop()

	id, err := q.Enqueue(Request{Type: "slow"})
	require.NoError(t, err)
	<-started
	require.NoError(t, q.Cancel(id))
	waitStatus(t, q, id, models.TaskCancelled)
}

func TestQueueTimeoutRetries(t *testing.T) {
	q := testQueue(t, Config{Workers: 1})
	var attempts atomic.Int32
	q.RegisterHandler("hang", func(ctx context.Context, _ json.RawMessage, _ ProgressFunc) (string, error) {
		attempts.Add(1)
		<-ctx.Done()
		return "", ctx.Err()
	})
	require.NoError(t, q.Start(context.Background()))
	defer q.Stop()

	id, err := q.Enqueue(Request{Type: "hang", Timeout: 50 * time.Millisecond, MaxRetries: -1})
	require.NoError(t, err)
	info := waitStatus(t, q, id, models.TaskFailed)
	assert.Equal(t, int32(1), attempts.Load(), "retries disabled")
	assert.Equal(t, models.TaskFailed, info.Status)
}

func TestQueueRestartRecovery(t *testing.T) {
	dir := t.TempDir()

	q1 := testQueue(t, Config{Workers: 1, Dir: dir})
	q1.RegisterHandler("work", func(context.Context, json.RawMessage, ProgressFunc) (string, error) {
		return "done", nil
	})
	// Never started: the task persists as pending.
	id, err := q1.Enqueue(Request{Type: "work", Payload: map[string]string{"k": "v"}})
	require.NoError(t, err)

	q2 := testQueue(t, Config{Workers: 1, Dir: dir})
	var payload atomic.Value
	q2.RegisterHandler("work", func(_ context.Context, p json.RawMessage, _ ProgressFunc) (string, error) {
		payload.Store(string(p))
		return "done", nil
	})
	require.NoError(t, q2.Start(context.Background()))
	defer q2.Stop()

	info := waitStatus(t, q2, id, models.TaskCompleted)
	assert.Equal(t, "done", info.Result)
	p, _ := payload.Load().(string)
	assert.JSONEq(t, `{"k":"v"}`, p)
}

func TestQueueRecoverySkipsTerminal(t *testing.T) {
	dir := t.TempDir()
	q1 := testQueue(t, Config{Workers: 1, Dir: dir})
	q1.RegisterHandler("work", func(context.Context, json.RawMessage, ProgressFunc) (string, error) {
		return "done", nil
	})
	require.NoError(t, q1.Start(context.Background()))
	id, _ := q1.Enqueue(Request{Type: "work"})
	waitStatus(t, q1, id, models.TaskCompleted)
	q1.Stop()

	q2 := testQueue(t, Config{Workers: 1, Dir: dir})
	var reran atomic.Int32
	q2.RegisterHandler("work", func(context.Context, json.RawMessage, ProgressFunc) (string, error) {
		reran.Add(1)
		return "", nil
	})
	require.NoError(t, q2.Start(context.Background()))
	defer q2.Stop()

	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, reran.Load(), "completed task must not re-run")
	// Status still answerable after restart.
	info, err := q2.Status(id)
	require.NoError(t, err)
	assert.Equal(t, models.TaskCompleted, info.Status)
}

func TestQueueStats(t *testing.T) {
	q := testQueue(t, Config{Workers: 1})
	q.RegisterHandler("noop", func(context.Context, json.RawMessage, ProgressFunc) (string, error) {
		return "", nil
	})
	q.Enqueue(Request{Type: "noop", Priority: models.PriorityHigh})
	q.Enqueue(Request{Type: "noop", Priority: models.PriorityHigh})
	q.Enqueue(Request{Type: "noop", Priority: models.PriorityLow})

	stats := q.Stats()
	assert.Equal(t, 2, stats.Queued["high"])
	assert.Equal(t, 1, stats.Queued["low"])
	assert.Zero(t, stats.Running)
}

func TestProgressMonotonic(t *testing.T) {
	q := testQueue(t, Config{Workers: 1})
	q.RegisterHandler("steps", func(_ context.Context, _ json.RawMessage, progress ProgressFunc) (string, error) {
		progress(0.8)
		progress(0.3) // must not regress
		progress(2.0) // clamped
		return "", nil
	})
	require.NoError(t, q.Start(context.Background()))
	defer q.Stop()

	id, _ := q.Enqueue(Request{Type: "steps"})
	info := waitStatus(t, q, id, models.TaskCompleted)
	assert.Equal(t, 1.0, info.Progress)
}

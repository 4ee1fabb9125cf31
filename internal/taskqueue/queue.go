package taskqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/parleyhq/parley/internal/observability"
	"github.com/parleyhq/parley/pkg/models"
)

type task struct {
	info    *models.TaskInfo
	payload json.RawMessage
}

// Queue is the process-wide background task queue.
type Queue struct {
	cfg     Config
	logger  *slog.Logger
	metrics *observability.Metrics
	store   *fileStore

	handlers map[string]Handler

	mu      sync.Mutex
	queues  [4][]*task
	infos   map[string]*models.TaskInfo
	running map[string]context.CancelFunc
	stopped bool

	notify chan struct{}

	completed atomic.Int64
	failed    atomic.Int64
	cancelled atomic.Int64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a queue persisting under cfg.Dir. Handlers must be registered
// before Start.
func New(cfg Config, logger *slog.Logger, metrics *observability.Metrics) (*Queue, error) {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.MaxQueueSize <= 0 {
		cfg.MaxQueueSize = def.MaxQueueSize
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = def.DefaultTimeout
	}
	if cfg.DefaultMaxRetries == 0 {
		cfg.DefaultMaxRetries = def.DefaultMaxRetries
	}
	if logger == nil {
		logger = slog.Default()
	}

	store, err := newFileStore(cfg.Dir)
	if err != nil {
		return nil, err
	}
	return &Queue{
		cfg:      cfg,
		logger:   logger.With("component", "taskqueue"),
		metrics:  metrics,
		store:    store,
		handlers: make(map[string]Handler),
		infos:    make(map[string]*models.TaskInfo),
		running:  make(map[string]context.CancelFunc),
		notify:   make(chan struct{}, 1),
	}, nil
}

// RegisterHandler binds a task type to its handler. Not safe to call after
// Start.
func (q *Queue) RegisterHandler(taskType string, h Handler) {
	q.handlers[taskType] = h
}

// Start recovers persisted tasks and launches the workers.
func (q *Queue) Start(ctx context.Context) error {
	if err := q.recover(); err != nil {
		return fmt.Errorf("recover persisted tasks: %w", err)
	}

	ctx, q.cancel = context.WithCancel(ctx)
	for i := 0; i < q.cfg.Workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx, i)
	}
	q.logger.Info("task queue started", "workers", q.cfg.Workers)
	return nil
}

// Stop cancels running tasks and waits for workers to drain.
func (q *Queue) Stop() {
	q.mu.Lock()
	q.stopped = true
	q.mu.Unlock()
	if q.cancel != nil {
		q.cancel()
	}
	q.wg.Wait()
}

// Enqueue persists and queues a task, returning its id.
func (q *Queue) Enqueue(req Request) (string, error) {
	if _, ok := q.handlers[req.Type]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownHandler, req.Type)
	}
	payload, err := models.MarshalPayload(req.Payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = q.cfg.DefaultTimeout
	}
	maxRetries := req.MaxRetries
	if maxRetries == 0 {
		maxRetries = q.cfg.DefaultMaxRetries
	} else if maxRetries < 0 {
		maxRetries = 0
	}

	info := &models.TaskInfo{
		ID:         uuid.NewString(),
		Type:       req.Type,
		Priority:   req.Priority,
		Status:     models.TaskPending,
		CreatedAt:  time.Now().UTC(),
		MaxRetries: maxRetries,
		Timeout:    timeout,
		Metadata:   req.Metadata,
	}

	q.mu.Lock()
	if q.queuedLocked() >= q.cfg.MaxQueueSize {
		q.mu.Unlock()
		return "", ErrQueueFull
	}
	q.mu.Unlock()

	if err := q.store.SaveInfo(info); err != nil {
		return "", err
	}
	if err := q.store.SavePayload(info.ID, payload); err != nil {
		return "", err
	}

	q.push(&task{info: info, payload: payload})
	q.logger.Debug("task enqueued",
		"task_id", info.ID, "type", info.Type, "priority", info.Priority.String())
	return info.ID, nil
}

// Cancel cancels a task. Pending tasks are marked cancelled before
// dispatch; running tasks get their context cancelled and must return
// promptly.
func (q *Queue) Cancel(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if cancel, ok := q.running[id]; ok {
		cancel()
		return nil
	}

	for p := range q.queues {
		for i, t := range q.queues[p] {
			if t.info.ID != id {
				continue
			}
			q.queues[p] = append(q.queues[p][:i], q.queues[p][i+1:]...)
			t.info.Status = models.TaskCancelled
			now := time.Now().UTC()
			t.info.CompletedAt = &now
			q.persist(t.info)
			q.cancelled.Add(1)
			q.countTask(t.info.Type, "cancelled")
			q.updateDepthLocked()
			return nil
		}
	}

	info, ok := q.infos[id]
	if !ok {
		return ErrTaskNotFound
	}
	if info.Status == models.TaskRetrying {
		// The retry timer re-checks status before re-queueing.
		info.Status = models.TaskCancelled
		q.persist(info)
		q.cancelled.Add(1)
		q.countTask(info.Type, "cancelled")
		return nil
	}
	return nil
}

// Status returns a copy of the task's current metadata.
func (q *Queue) Status(id string) (*models.TaskInfo, error) {
	q.mu.Lock()
	if info, ok := q.infos[id]; ok {
		cp := *info
		q.mu.Unlock()
		return &cp, nil
	}
	q.mu.Unlock()
	return q.store.LoadInfo(id)
}

// Stats returns a snapshot of queue state.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	queued := make(map[string]int, 4)
	for p := range q.queues {
		queued[models.TaskPriority(p).String()] = len(q.queues[p])
	}
	return Stats{
		Queued:    queued,
		Running:   len(q.running),
		Completed: q.completed.Load(),
		Failed:    q.failed.Load(),
		Cancelled: q.cancelled.Load(),
	}
}

// recover re-queues persisted tasks that never finished. Terminal records
// stay on disk for status queries.
func (q *Queue) recover() error {
	infos, err := q.store.LoadAll()
	if err != nil {
		return err
	}
	requeued := 0
	for _, info := range infos {
		q.mu.Lock()
		q.infos[info.ID] = info
		q.mu.Unlock()
		if info.Status.IsTerminal() {
			continue
		}
		payload, err := q.store.LoadPayload(info.ID)
		if err != nil {
			q.logger.Warn("task payload missing, marking failed", "task_id", info.ID)
			info.Status = models.TaskFailed
			info.Error = "payload missing after restart"
			q.persist(info)
			continue
		}
		info.Status = models.TaskPending
		info.StartedAt = nil
		info.Progress = 0
		q.persist(info)
		q.push(&task{info: info, payload: payload})
		requeued++
	}
	if requeued > 0 {
		q.logger.Info("recovered persisted tasks", "count", requeued)
	}
	return nil
}

func (q *Queue) push(t *task) {
	q.mu.Lock()
	q.infos[t.info.ID] = t.info
	p := t.info.Priority
	if p < models.PriorityUrgent || p > models.PriorityLow {
		p = models.PriorityNormal
	}
	q.queues[p] = append(q.queues[p], t)
	q.updateDepthLocked()
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// pop takes the highest-priority queued task, or nil.
func (q *Queue) pop() *task {
	q.mu.Lock()
	defer q.mu.Unlock()
	for p := range q.queues {
		if len(q.queues[p]) == 0 {
			continue
		}
		t := q.queues[p][0]
		q.queues[p] = q.queues[p][1:]
		q.updateDepthLocked()
		return t
	}
	return nil
}

func (q *Queue) queuedLocked() int {
	n := 0
	for p := range q.queues {
		n += len(q.queues[p])
	}
	return n
}

func (q *Queue) updateDepthLocked() {
	if q.metrics == nil {
		return
	}
	for p := range q.queues {
		q.metrics.TaskQueueDepth.With(prometheus.Labels{
			"priority": models.TaskPriority(p).String(),
		}).Set(float64(len(q.queues[p])))
	}
}

func (q *Queue) countTask(taskType, status string) {
	if q.metrics == nil {
		return
	}
	q.metrics.TasksTotal.With(prometheus.Labels{
		"type":   taskType,
		"status": status,
	}).Inc()
}

func (q *Queue) worker(ctx context.Context, id int) {
	defer q.wg.Done()
	for {
		t := q.pop()
		if t == nil {
			select {
			case <-ctx.Done():
				return
			case <-q.notify:
				continue
			}
		}

		// Another task may still be queued; wake a sibling.
		select {
		case q.notify <- struct{}{}:
		default:
		}

		q.execute(ctx, t)

		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

func (q *Queue) execute(ctx context.Context, t *task) {
	info := t.info
	handler, ok := q.handlers[info.Type]
	if !ok {
		q.finishFailed(t, fmt.Errorf("%w: %q", ErrUnknownHandler, info.Type))
		return
	}

	taskCtx, cancel := context.WithTimeout(ctx, info.Timeout)
	now := time.Now().UTC()

	q.mu.Lock()
	info.Status = models.TaskRunning
	info.StartedAt = &now
	q.running[info.ID] = cancel
	q.persist(info)
	q.mu.Unlock()

	progress := func(fraction float64) {
		if fraction < 0 {
			fraction = 0
		}
		if fraction > 1 {
			fraction = 1
		}
		q.mu.Lock()
		if fraction > info.Progress {
			info.Progress = fraction
			q.persist(info)
		}
		q.mu.Unlock()
	}

	result, err := handler(taskCtx, t.payload, progress)
	cancel()

	q.mu.Lock()
	delete(q.running, info.ID)
	q.mu.Unlock()

	switch {
	case err == nil:
		q.finishCompleted(t, result)
	case ctx.Err() != nil:
		// Queue shutdown: leave the task pending on disk for recovery.
		q.mu.Lock()
		info.Status = models.TaskPending
		q.persist(info)
		q.mu.Unlock()
	case context.Cause(taskCtx) == context.Canceled:
		q.finishCancelled(t)
	default:
		q.retryOrFail(t, err)
	}
}

func (q *Queue) finishCompleted(t *task, result string) {
	now := time.Now().UTC()
	q.mu.Lock()
	t.info.Status = models.TaskCompleted
	t.info.Progress = 1
	t.info.Result = result
	t.info.CompletedAt = &now
	q.persist(t.info)
	q.mu.Unlock()
	q.completed.Add(1)
	q.countTask(t.info.Type, "completed")
}

func (q *Queue) finishCancelled(t *task) {
	now := time.Now().UTC()
	q.mu.Lock()
	t.info.Status = models.TaskCancelled
	t.info.CompletedAt = &now
	q.persist(t.info)
	q.mu.Unlock()
	q.cancelled.Add(1)
	q.countTask(t.info.Type, "cancelled")
}

func (q *Queue) finishFailed(t *task, err error) {
	now := time.Now().UTC()
	q.mu.Lock()
	t.info.Status = models.TaskFailed
	t.info.Error = err.Error()
	t.info.CompletedAt = &now
	q.persist(t.info)
	q.mu.Unlock()
	q.failed.Add(1)
	q.countTask(t.info.Type, "failed")
	q.logger.Warn("task failed",
		"task_id", t.info.ID, "type", t.info.Type, "error", err)
}

func (q *Queue) retryOrFail(t *task, err error) {
	info := t.info
	if info.RetryCount >= info.MaxRetries {
		q.finishFailed(t, err)
		return
	}

	delay := retryDelay(info.RetryCount)
	q.mu.Lock()
	info.RetryCount++
	info.Status = models.TaskRetrying
	info.Error = err.Error()
	q.persist(info)
	q.mu.Unlock()

	q.logger.Info("task retry scheduled",
		"task_id", info.ID, "type", info.Type,
		"attempt", info.RetryCount, "delay", delay)

	time.AfterFunc(delay, func() {
		q.mu.Lock()
		if q.stopped || info.Status != models.TaskRetrying {
			q.mu.Unlock()
			return
		}
		info.Status = models.TaskPending
		info.Progress = 0
		q.persist(info)
		q.mu.Unlock()
		q.push(t)
	})
}

// persist is called with q.mu held (or before the task is shared).
func (q *Queue) persist(info *models.TaskInfo) {
	if err := q.store.SaveInfo(info); err != nil {
		q.logger.Warn("persist task info failed", "task_id", info.ID, "error", err)
	}
}

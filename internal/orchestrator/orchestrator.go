// Package orchestrator runs the per-session streaming state machine: it
// decides whether a turn may use tools, drives the tool loop against the
// LLM, executes tool calls in parallel, and emits content deltas plus
// sentinel-framed auxiliary events to the session's stream.
package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/parleyhq/parley/internal/hub"
	"github.com/parleyhq/parley/internal/llm"
	"github.com/parleyhq/parley/internal/observability"
	"github.com/parleyhq/parley/internal/store"
	"github.com/parleyhq/parley/internal/tools"
	"github.com/parleyhq/parley/pkg/models"
)

// Config bounds one streaming turn.
type Config struct {
	MaxIterations             int           `yaml:"max_iterations"`
	TotalTimeout              time.Duration `yaml:"total_timeout"`
	ToolTimeout               time.Duration `yaml:"tool_timeout"`
	LLMCallTimeout            time.Duration `yaml:"llm_call_timeout"`
	SessionTimeout            time.Duration `yaml:"session_timeout"`
	MaxConcurrentSessions     int           `yaml:"max_concurrent_sessions"`
	MaxToolResultSize         int           `yaml:"max_tool_result_size"`
	ToolConcurrency           int64         `yaml:"tool_concurrency"`
	ChunkSize                 int           `yaml:"chunk_size"`
	SmartChunking             bool          `yaml:"smart_chunking"`
	ForceReplyOnMaxIterations bool          `yaml:"force_reply_on_max_iterations"`
	AllowContinueOnError      bool          `yaml:"allow_continue_on_error"`
	ToolCache                 bool          `yaml:"tool_cache"`
	HistoryLimit              int           `yaml:"history_limit"`
}

func DefaultConfig() Config {
	return Config{
		MaxIterations:             10,
		TotalTimeout:              15 * time.Minute,
		ToolTimeout:               10 * time.Minute,
		LLMCallTimeout:            5 * time.Minute,
		SessionTimeout:            30 * time.Minute,
		MaxConcurrentSessions:     100,
		MaxToolResultSize:         1 << 20,
		ToolConcurrency:           5,
		ForceReplyOnMaxIterations: true,
		AllowContinueOnError:      true,
		ToolCache:                 true,
		HistoryLimit:              50,
	}
}

// ErrTooManySessions rejects a turn when the concurrent streaming
// session cap is reached.
var ErrTooManySessions = errors.New("too many concurrent streaming sessions")

// ServiceResolver yields the LLM service for a session's model settings.
type ServiceResolver interface {
	ForSettings(s models.ModelSettings) (llm.Service, error)
}

// CapabilityCache is the negative tool-support memory.
type CapabilityCache interface {
	CheckSupportsTools(ctx context.Context, model string) bool
	MarkUnsupported(ctx context.Context, model, errorMessage string) error
}

// TurnResult is the outcome of one completed turn.
type TurnResult struct {
	Content    string                `json:"content"`
	Citations  []models.LeanCitation `json:"citations,omitempty"`
	Iterations int                   `json:"iterations"`
	UsedTools  bool                  `json:"used_tools"`
}

// Orchestrator drives streaming turns for chat sessions.
type Orchestrator struct {
	cfg      Config
	sessions store.SessionStore
	runtime  tools.Client
	resolver ServiceResolver
	caps     CapabilityCache
	hub      *hub.Hub
	metrics  *observability.Metrics
	logger   *slog.Logger
	turns    *semaphore.Weighted

	mu            sync.Mutex
	active        map[string]activeTurn
	graphSessions map[string]time.Time
}

type activeTurn struct {
	token  string
	cancel context.CancelFunc
}

func New(cfg Config, sessions store.SessionStore, runtime tools.Client, resolver ServiceResolver, caps CapabilityCache, h *hub.Hub, metrics *observability.Metrics, logger *slog.Logger) *Orchestrator {
	o := &Orchestrator{
		cfg:           cfg,
		sessions:      sessions,
		runtime:       runtime,
		resolver:      resolver,
		caps:          caps,
		hub:           h,
		metrics:       metrics,
		logger:        logger.With("component", "orchestrator"),
		active:        make(map[string]activeTurn),
		graphSessions: make(map[string]time.Time),
	}
	if cfg.MaxConcurrentSessions > 0 {
		o.turns = semaphore.NewWeighted(int64(cfg.MaxConcurrentSessions))
	}
	return o
}

// StreamTurn handles one user message on a session: persist it, run the
// tool loop, stream to the session topic, persist the assistant reply.
func (o *Orchestrator) StreamTurn(ctx context.Context, sessionID, content string) (*TurnResult, error) {
	if o.turns != nil {
		if !o.turns.TryAcquire(1) {
			return nil, ErrTooManySessions
		}
		defer o.turns.Release(1)
	}
	if o.cfg.SessionTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.SessionTimeout)
		defer cancel()
	}

	session, err := o.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	history, err := o.sessions.ListMessages(ctx, sessionID, o.cfg.HistoryLimit)
	if err != nil {
		return nil, err
	}

	userMsg := &models.Message{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Role:      models.RoleUser,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
	if err := o.sessions.AppendMessage(ctx, userMsg); err != nil {
		return nil, err
	}

	msgs := make([]models.Message, 0, len(history)+1)
	for _, m := range history {
		msgs = append(msgs, *m)
	}
	msgs = append(msgs, *userMsg)

	turnCtx, cancel := context.WithCancel(ctx)
	token := o.register(sessionID, cancel)
	defer o.unregister(sessionID, token, cancel)

	o.metrics.ActiveStreamSessions.Inc()
	defer o.metrics.ActiveStreamSessions.Dec()

	emit := newHubEmitter(o.hub, sessionID)
	result, err := o.run(turnCtx, session, msgs, emit, o.sessions)
	if err != nil {
		emit.Frame(TagToolStatus, toolStatusPayload{State: "error"})
		return nil, err
	}

	assistant := &models.Message{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Role:      models.RoleAssistant,
		Content:   result.Content,
		Citations: result.Citations,
		CreatedAt: time.Now().UTC(),
	}
	if err := o.sessions.AppendMessage(ctx, assistant); err != nil {
		return nil, err
	}
	emit.Frame(TagToolStatus, toolStatusPayload{State: "completed"})
	return result, nil
}

// GenerateReply runs the turn machinery over caller-built context without
// touching session history. Group chat builds per-AI context windows and
// persists replies itself.
func (o *Orchestrator) GenerateReply(ctx context.Context, session *models.Session, msgs []models.Message, emit Emitter) (*TurnResult, error) {
	if emit == nil {
		emit = nullEmitter{}
	}
	o.metrics.ActiveStreamSessions.Inc()
	defer o.metrics.ActiveStreamSessions.Dec()
	return o.run(ctx, session, msgs, emit, nil)
}

// recordGraphUse remembers that a graph tool ran for the session, so
// visualization data can be extracted after the turn.
func (o *Orchestrator) recordGraphUse(sessionID string) {
	o.mu.Lock()
	o.graphSessions[sessionID] = time.Now().UTC()
	o.mu.Unlock()
}

// UsedGraphTools reports whether any turn on the session invoked a
// graph-search tool.
func (o *Orchestrator) UsedGraphTools(sessionID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.graphSessions[sessionID]
	return ok
}

// Cancel aborts the session's in-flight turn, if any.
func (o *Orchestrator) Cancel(sessionID string) bool {
	o.mu.Lock()
	turn, ok := o.active[sessionID]
	o.mu.Unlock()
	if ok {
		turn.cancel()
	}
	return ok
}

func (o *Orchestrator) register(sessionID string, cancel context.CancelFunc) string {
	token := uuid.NewString()
	o.mu.Lock()
	if prev, ok := o.active[sessionID]; ok {
		prev.cancel()
	}
	o.active[sessionID] = activeTurn{token: token, cancel: cancel}
	o.mu.Unlock()
	return token
}

func (o *Orchestrator) unregister(sessionID, token string, cancel context.CancelFunc) {
	o.mu.Lock()
	// A newer turn may have replaced the entry; only remove our own.
	if current, ok := o.active[sessionID]; ok && current.token == token {
		delete(o.active, sessionID)
	}
	o.mu.Unlock()
	cancel()
}

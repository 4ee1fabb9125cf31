package groupchat

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/parleyhq/parley/internal/hub"
	"github.com/parleyhq/parley/internal/observability"
	"github.com/parleyhq/parley/internal/orchestrator"
	"github.com/parleyhq/parley/internal/store"
	"github.com/parleyhq/parley/pkg/models"
)

const (
	// delaySlice bounds how long a pending reply sleeps between
	// cancellation checks.
	delaySlice = 500 * time.Millisecond

	recentWindow         = 50
	defaultContextWindow = 20
)

// Generator produces one AI reply from a persona session and a built
// context window. The orchestrator satisfies this.
type Generator interface {
	GenerateReply(ctx context.Context, session *models.Session, msgs []models.Message, emit orchestrator.Emitter) (*orchestrator.TurnResult, error)
}

// admission tracks how many replies have been posted for the group's
// current triggering message.
type admission struct {
	messageID string
	posted    int
}

// Engine runs the group chat decision pipeline: for every incoming
// message it persists and broadcasts, consults the conversation
// controller, filters and scores the online AI members, samples,
// schedules delayed replies, and generates them through the
// orchestrator with similarity and stampede guards.
type Engine struct {
	groups     store.GroupStore
	sessions   store.SessionStore
	gen        Generator
	controller *Controller
	hub        *hub.Hub
	metrics    *observability.Metrics
	logger     *slog.Logger

	now       func() time.Time
	randFloat func() float64
	slice     time.Duration

	mu         sync.Mutex
	pending    map[string]map[string]context.CancelFunc
	aiTriggers map[string]context.CancelFunc
	genSlots   map[string]*semaphore.Weighted
	admissions map[string]*admission
	wg         sync.WaitGroup
}

func NewEngine(groups store.GroupStore, sessions store.SessionStore, gen Generator, controller *Controller, h *hub.Hub, metrics *observability.Metrics, logger *slog.Logger) *Engine {
	e := &Engine{
		groups:     groups,
		sessions:   sessions,
		gen:        gen,
		controller: controller,
		hub:        h,
		metrics:    metrics,
		logger:     logger.With("component", "groupchat"),
		now:        time.Now,
		randFloat:  defaultRand,
		slice:      delaySlice,
		pending:    make(map[string]map[string]context.CancelFunc),
		aiTriggers: make(map[string]context.CancelFunc),
		genSlots:   make(map[string]*semaphore.Weighted),
		admissions: make(map[string]*admission),
	}
	controller.SetRecoveryCallback(e.onCooldownRecovered)
	return e
}

// HandleMessage processes one incoming group message end to end. The
// returned error covers persistence only; reply scheduling is
// asynchronous.
func (e *Engine) HandleMessage(ctx context.Context, msg *models.GroupMessage) error {
	group, err := e.groups.GetGroup(ctx, msg.GroupID)
	if err != nil {
		return fmt.Errorf("group %s: %w", msg.GroupID, err)
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = e.now().UTC()
	}
	if err := e.groups.AppendGroupMessage(ctx, msg); err != nil {
		return err
	}
	e.hub.PublishJSON(hub.GroupTopic(msg.GroupID), msg)

	members, err := e.groups.ListMembers(ctx, msg.GroupID)
	if err != nil {
		return err
	}
	// A new voice breaks everyone else's consecutive-reply run.
	for _, m := range members {
		if m.ID != msg.SenderID && m.ConsecutiveReplies > 0 {
			m.ConsecutiveReplies = 0
			if err := e.groups.UpsertMember(ctx, msg.GroupID, m); err != nil {
				e.logger.Warn("failed to reset consecutive replies",
					"group_id", msg.GroupID, "member_id", m.ID, "error", err)
			}
		}
	}

	e.cancelPending(msg.GroupID)
	e.cancelAITrigger(msg.GroupID)

	if msg.SenderType == models.SenderHuman {
		e.controller.OnHumanMessage(msg.GroupID)
	}
	if ok, reason := e.controller.ShouldTrigger(msg.GroupID, group.Strategy); !ok {
		e.logger.Debug("ai decision suppressed",
			"group_id", msg.GroupID, "reason", reason)
		return nil
	}

	e.decide(group, members, msg)
	return nil
}

// Stop manually halts AI activity on a group; Resume lifts it.
func (e *Engine) Stop(groupID string) {
	e.controller.Stop(groupID)
	e.cancelPending(groupID)
	e.cancelAITrigger(groupID)
}

func (e *Engine) Resume(groupID string) { e.controller.Resume(groupID) }

// Wait blocks until all in-flight reply tasks finish. Test and shutdown
// hook.
func (e *Engine) Wait() { e.wg.Wait() }

// decide runs filters, sampling, scheduling, and delay assignment, then
// spawns the delayed reply tasks.
func (e *Engine) decide(group *models.Group, members []*models.GroupMember, msg *models.GroupMessage) {
	ctx := context.Background()
	recent, err := e.groups.RecentGroupMessages(ctx, group.ID, recentWindow)
	if err != nil {
		e.logger.Error("failed to load recent messages", "group_id", group.ID, "error", err)
		return
	}
	// The triggering message itself must not count toward mention history
	// twice or the trailing-AI run.
	history := recent
	if n := len(history); n > 0 && history[n-1].ID == msg.ID {
		history = history[:n-1]
	}

	now := e.now()
	var cands []*candidate
	for _, m := range members {
		if c, ok := evaluate(m, msg, history, now); ok {
			cands = append(cands, c)
		}
	}
	if len(cands) == 0 {
		return
	}

	cands = sample(cands, group.Strategy, e.randFloat)

	trigger := triggerHuman
	if msg.SenderType == models.SenderAI {
		trigger = triggerAI
	}
	for _, c := range cands {
		if c.mentioned {
			trigger = triggerMention
			break
		}
	}

	sit := analyze(recent, trigger, group.Strategy, now)
	applyRealism(cands, sit, now)
	selected := selectCandidates(cands, sit)
	delays := assignDelays(selected, sit, group.Strategy, e.randFloat)

	for i, c := range selected {
		e.scheduleReply(group.ID, c.member.ID, msg, delays[i], trigger)
	}
}

func (e *Engine) scheduleReply(groupID, memberID string, msg *models.GroupMessage, delay time.Duration, trigger triggerType) {
	taskCtx, cancel := context.WithCancel(context.Background())
	taskID := uuid.NewString()

	e.mu.Lock()
	tasks, ok := e.pending[groupID]
	if !ok {
		tasks = make(map[string]context.CancelFunc)
		e.pending[groupID] = tasks
	}
	tasks[taskID] = cancel
	e.mu.Unlock()

	e.metrics.GroupRepliesScheduled.WithLabelValues(string(trigger)).Inc()
	e.logger.Debug("reply scheduled",
		"group_id", groupID, "member_id", memberID, "delay", delay, "trigger", trigger)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer e.forgetPending(groupID, taskID)
		defer cancel()

		if !e.sleepSliced(taskCtx, delay) {
			e.metrics.GroupRepliesCancelled.Inc()
			return
		}
		e.fire(taskCtx, groupID, memberID, msg)
	}()
}

// sleepSliced waits the full delay in short slices, returning false as
// soon as the context is cancelled.
func (e *Engine) sleepSliced(ctx context.Context, delay time.Duration) bool {
	deadline := time.Now().Add(delay)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return true
		}
		if remaining > e.slice {
			remaining = e.slice
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(remaining):
		}
	}
}

// fire generates and posts one AI reply after its delay elapsed.
func (e *Engine) fire(ctx context.Context, groupID, memberID string, msg *models.GroupMessage) {
	group, err := e.groups.GetGroup(ctx, groupID)
	if err != nil {
		e.logger.Error("group vanished before reply", "group_id", groupID, "error", err)
		return
	}
	member := e.findMember(ctx, groupID, memberID)
	if member == nil || member.Presence != models.PresenceOnline {
		e.metrics.GroupRepliesSuppressed.WithLabelValues("offline").Inc()
		return
	}

	slots := e.groupSlots(groupID, group.Strategy)
	if err := slots.Acquire(ctx, 1); err != nil {
		e.metrics.GroupRepliesCancelled.Inc()
		return
	}
	defer slots.Release(1)

	session, err := e.sessions.GetSession(ctx, member.SessionID)
	if err != nil {
		e.logger.Error("persona session missing",
			"group_id", groupID, "member_id", memberID, "error", err)
		return
	}

	window := defaultContextWindow
	if member.AI != nil && member.AI.ContextWindow > 0 {
		window = member.AI.ContextWindow
	}
	recent, err := e.groups.RecentGroupMessages(ctx, groupID, window)
	if err != nil {
		e.logger.Error("failed to load context window", "group_id", groupID, "error", err)
		return
	}

	result, err := e.gen.GenerateReply(ctx, session, buildContext(group, member, recent), nil)
	if err != nil {
		if ctx.Err() == nil {
			e.logger.Error("reply generation failed",
				"group_id", groupID, "member_id", memberID, "error", err)
		}
		return
	}
	if result.Content == "" {
		return
	}

	if tooSimilar(result.Content, recent, group.Strategy) {
		e.metrics.GroupRepliesSuppressed.WithLabelValues("similar").Inc()
		e.logger.Info("reply suppressed as repetitive",
			"group_id", groupID, "member_id", memberID)
		return
	}
	if !e.admit(msg.ID, group.Strategy) {
		e.metrics.GroupRepliesSuppressed.WithLabelValues("reply_limit").Inc()
		return
	}

	e.controller.OnAIReply(groupID, group.Strategy, estimateTokens(result.Content))

	reply := &models.GroupMessage{
		ID:          uuid.NewString(),
		GroupID:     groupID,
		SenderID:    member.ID,
		SenderType:  models.SenderAI,
		SenderName:  member.Name,
		Type:        "text",
		Content:     result.Content,
		ReplyTo:     msg.ID,
		Timestamp:   e.now().UTC(),
		AISessionID: member.SessionID,
		References:  result.Citations,
	}
	if err := e.groups.AppendGroupMessage(ctx, reply); err != nil {
		e.logger.Error("failed to persist ai reply", "group_id", groupID, "error", err)
		return
	}
	e.hub.PublishJSON(hub.GroupTopic(groupID), reply)

	member.ConsecutiveReplies++
	member.LastReplyAt = reply.Timestamp
	if err := e.groups.UpsertMember(ctx, groupID, member); err != nil {
		e.logger.Warn("failed to update member counters",
			"group_id", groupID, "member_id", memberID, "error", err)
	}

	e.scheduleAITrigger(groupID, group.Strategy, reply)
}

// scheduleAITrigger queues the single follow-up decision cycle that lets
// other AIs react to an AI message. A newer trigger or any incoming
// message replaces it.
func (e *Engine) scheduleAITrigger(groupID string, cfg models.StrategyConfig, reply *models.GroupMessage) {
	delay := time.Duration(cfg.AIToAIDelaySeconds * float64(time.Second))
	if delay <= 0 {
		return
	}
	taskCtx, cancel := context.WithCancel(context.Background())

	e.mu.Lock()
	if prev, ok := e.aiTriggers[groupID]; ok {
		prev()
	}
	e.aiTriggers[groupID] = cancel
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer cancel()
		if !e.sleepSliced(taskCtx, delay) {
			return
		}
		e.mu.Lock()
		delete(e.aiTriggers, groupID)
		e.mu.Unlock()
		e.triggerDecision(groupID, reply)
	}()
}

// triggerDecision reruns the decision pipeline on an existing message
// (AI-to-AI follow-ups and cooldown recoveries).
func (e *Engine) triggerDecision(groupID string, msg *models.GroupMessage) {
	ctx := context.Background()
	group, err := e.groups.GetGroup(ctx, groupID)
	if err != nil {
		return
	}
	if ok, reason := e.controller.ShouldTrigger(groupID, group.Strategy); !ok {
		e.logger.Debug("follow-up decision suppressed", "group_id", groupID, "reason", reason)
		return
	}
	members, err := e.groups.ListMembers(ctx, groupID)
	if err != nil {
		return
	}
	e.decide(group, members, msg)
}

func (e *Engine) onCooldownRecovered(groupID string) {
	recent, err := e.groups.RecentGroupMessages(context.Background(), groupID, 1)
	if err != nil || len(recent) == 0 {
		return
	}
	e.triggerDecision(groupID, recent[len(recent)-1])
}

// admit enforces the per-message reply cap just before broadcast.
func (e *Engine) admit(messageID string, cfg models.StrategyConfig) bool {
	limit := cfg.MaxConcurrentRepliesPerMessage
	if limit <= 0 || cfg.UnrestrictedMode {
		return true
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	a, ok := e.admissions[messageID]
	if !ok {
		a = &admission{messageID: messageID}
		// One triggering message per group is live at a time, so old
		// entries are safe to shed.
		if len(e.admissions) > 1024 {
			e.admissions = make(map[string]*admission)
		}
		e.admissions[messageID] = a
	}
	if a.posted >= limit {
		return false
	}
	a.posted++
	return true
}

func (e *Engine) groupSlots(groupID string, cfg models.StrategyConfig) *semaphore.Weighted {
	capacity := int64(cfg.MaxConcurrentGenerations)
	if capacity <= 0 {
		capacity = 2
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	slots, ok := e.genSlots[groupID]
	if !ok {
		slots = semaphore.NewWeighted(capacity)
		e.genSlots[groupID] = slots
	}
	return slots
}

func (e *Engine) findMember(ctx context.Context, groupID, memberID string) *models.GroupMember {
	members, err := e.groups.ListMembers(ctx, groupID)
	if err != nil {
		return nil
	}
	for _, m := range members {
		if m.ID == memberID {
			return m
		}
	}
	return nil
}

func (e *Engine) cancelPending(groupID string) {
	e.mu.Lock()
	tasks := e.pending[groupID]
	delete(e.pending, groupID)
	e.mu.Unlock()
	for _, cancel := range tasks {
		cancel()
	}
}

func (e *Engine) cancelAITrigger(groupID string) {
	e.mu.Lock()
	cancel, ok := e.aiTriggers[groupID]
	delete(e.aiTriggers, groupID)
	e.mu.Unlock()
	if ok {
		cancel()
	}
}

func (e *Engine) forgetPending(groupID, taskID string) {
	e.mu.Lock()
	if tasks, ok := e.pending[groupID]; ok {
		delete(tasks, taskID)
		if len(tasks) == 0 {
			delete(e.pending, groupID)
		}
	}
	e.mu.Unlock()
}

// buildContext turns the group timeline into a chat history from the
// persona's point of view: its own messages become assistant turns,
// everyone else's become attributed user turns.
func buildContext(group *models.Group, member *models.GroupMember, recent []*models.GroupMessage) []models.Message {
	msgs := make([]models.Message, 0, len(recent)+1)
	if group.SystemPrompt != "" {
		msgs = append(msgs, models.Message{
			Role:    models.RoleSystem,
			Content: group.SystemPrompt,
		})
	}
	for _, gm := range recent {
		if gm.SenderID == member.ID {
			msgs = append(msgs, models.Message{
				Role:      models.RoleAssistant,
				Content:   gm.Content,
				CreatedAt: gm.Timestamp,
			})
			continue
		}
		msgs = append(msgs, models.Message{
			Role:      models.RoleUser,
			Content:   fmt.Sprintf("%s: %s", gm.SenderName, gm.Content),
			CreatedAt: gm.Timestamp,
		})
	}
	return msgs
}

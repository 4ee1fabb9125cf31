package groupchat

import (
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/parleyhq/parley/pkg/models"
)

// unrestrictedCooldown keeps a small gap between rounds even when all
// caps are lifted, so a runaway group cannot burst instantaneously.
const unrestrictedCooldown = 2 * time.Second

// controllerLimits are the effective caps for one group, after applying
// unrestricted mode.
type controllerLimits struct {
	maxConsecutiveAI int
	maxRoundMessages int
	maxRoundTokens   int
	cooldown         time.Duration
	maxRecoveries    int
}

func limitsFor(cfg models.StrategyConfig) controllerLimits {
	if cfg.UnrestrictedMode {
		return controllerLimits{
			maxConsecutiveAI: math.MaxInt32,
			maxRoundMessages: math.MaxInt32,
			maxRoundTokens:   math.MaxInt32,
			cooldown:         unrestrictedCooldown,
			maxRecoveries:    math.MaxInt32,
		}
	}
	return controllerLimits{
		maxConsecutiveAI: cfg.MaxAIConsecutiveReplies,
		maxRoundMessages: cfg.MaxMessagesPerRound,
		maxRoundTokens:   cfg.MaxTokensPerRound,
		cooldown:         time.Duration(cfg.CooldownSeconds * float64(time.Second)),
		maxRecoveries:    cfg.MaxCooldownRecoveries,
	}
}

type groupState struct {
	consecutiveAI   int
	roundMessages   int
	roundTokens     int
	inCooldown      bool
	cooldownUntil   time.Time
	recoveries      int
	manuallyStopped bool
	recoveryTimer   *time.Timer
}

// Controller enforces per-group conversation quotas: consecutive-AI runs,
// round message and token budgets, cooldown with bounded automatic
// recoveries, and a manual stop switch. A human message resets everything.
type Controller struct {
	logger *slog.Logger
	now    func() time.Time

	// onRecover fires after a cooldown expires so the caller can run a
	// fresh decision cycle on the group's last message.
	onRecover func(groupID string)

	mu     sync.Mutex
	groups map[string]*groupState
}

func NewController(logger *slog.Logger) *Controller {
	return &Controller{
		logger: logger.With("component", "conversation_controller"),
		now:    time.Now,
		groups: make(map[string]*groupState),
	}
}

// SetRecoveryCallback installs the post-cooldown trigger. Must be called
// before any AI replies flow.
func (c *Controller) SetRecoveryCallback(fn func(groupID string)) {
	c.mu.Lock()
	c.onRecover = fn
	c.mu.Unlock()
}

func (c *Controller) state(groupID string) *groupState {
	s, ok := c.groups[groupID]
	if !ok {
		s = &groupState{}
		c.groups[groupID] = s
	}
	return s
}

// ShouldTrigger reports whether a message may start an AI decision cycle,
// with a reason when it may not.
func (c *Controller) ShouldTrigger(groupID string, cfg models.StrategyConfig) (bool, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.state(groupID)

	if s.manuallyStopped {
		return false, "manually_stopped"
	}
	if s.inCooldown {
		if c.now().Before(s.cooldownUntil) {
			return false, "cooldown"
		}
		s.inCooldown = false
	}

	limits := limitsFor(cfg)
	if s.consecutiveAI >= limits.maxConsecutiveAI {
		return false, "consecutive_ai_cap"
	}
	if s.roundMessages >= limits.maxRoundMessages {
		return false, "round_message_cap"
	}
	if s.roundTokens >= limits.maxRoundTokens {
		return false, "round_token_cap"
	}
	return true, ""
}

// OnHumanMessage resets the round: consecutive-AI count, round counters,
// cooldown, recovery budget, and the manual stop.
func (c *Controller) OnHumanMessage(groupID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.state(groupID)
	if s.recoveryTimer != nil {
		s.recoveryTimer.Stop()
		s.recoveryTimer = nil
	}
	*s = groupState{}
}

// OnAIReply accounts one AI reply and enters cooldown when a quota is
// hit, scheduling an automatic recovery while the budget lasts.
func (c *Controller) OnAIReply(groupID string, cfg models.StrategyConfig, tokens int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.state(groupID)
	s.consecutiveAI++
	s.roundMessages++
	s.roundTokens += tokens

	limits := limitsFor(cfg)
	var reason string
	switch {
	case s.consecutiveAI >= limits.maxConsecutiveAI:
		reason = "consecutive_ai_cap"
	case s.roundMessages >= limits.maxRoundMessages:
		reason = "round_message_cap"
	case s.roundTokens >= limits.maxRoundTokens:
		reason = "round_token_cap"
	default:
		return
	}

	s.inCooldown = true
	s.cooldownUntil = c.now().Add(limits.cooldown)
	c.logger.Info("group entering cooldown",
		"group_id", groupID, "reason", reason, "until", s.cooldownUntil)

	if s.recoveries >= limits.maxRecoveries {
		c.logger.Info("cooldown recovery budget exhausted, waiting for a human",
			"group_id", groupID)
		return
	}
	s.recoveries++
	if s.recoveryTimer != nil {
		s.recoveryTimer.Stop()
	}
	s.recoveryTimer = time.AfterFunc(limits.cooldown, func() { c.recover(groupID) })
}

func (c *Controller) recover(groupID string) {
	c.mu.Lock()
	s := c.state(groupID)
	if !s.inCooldown || s.manuallyStopped {
		c.mu.Unlock()
		return
	}
	s.inCooldown = false
	s.consecutiveAI = 0
	s.recoveryTimer = nil
	fn := c.onRecover
	c.mu.Unlock()

	c.logger.Info("group cooldown recovered", "group_id", groupID)
	if fn != nil {
		fn(groupID)
	}
}

// Stop blocks all AI triggers on the group until Resume or a human
// message.
func (c *Controller) Stop(groupID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.state(groupID)
	s.manuallyStopped = true
	if s.recoveryTimer != nil {
		s.recoveryTimer.Stop()
		s.recoveryTimer = nil
	}
}

// Resume lifts a manual stop.
func (c *Controller) Resume(groupID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state(groupID).manuallyStopped = false
}

// estimateTokens is the coarse 4-bytes-per-token heuristic used for the
// round token budget.
func estimateTokens(content string) int {
	n := len(content) / 4
	if n == 0 && content != "" {
		n = 1
	}
	return n
}

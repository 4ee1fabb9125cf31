package groupchat

import (
	"hash/fnv"
	"math/rand"
	"sort"
	"time"

	"github.com/parleyhq/parley/pkg/models"
)

func defaultRand() float64 { return rand.Float64() }

type triggerType string

const (
	triggerHuman   triggerType = "human"
	triggerMention triggerType = "at_mention"
	triggerAI      triggerType = "ai_message"
)

type activityLevel string

const (
	activityCold activityLevel = "cold"
	activityWarm activityLevel = "warm"
	activityHot  activityLevel = "hot"
)

const (
	activityWindow = 5 * time.Minute
	densityWindow  = 5

	// realismMinInterval halves a persona's score when it spoke within
	// this interval, regardless of its configured cooldown.
	realismMinInterval = 10 * time.Second
)

// situation is the composed scheduling context for one decision cycle.
type situation struct {
	activity      activityLevel
	trigger       triggerType
	maxConcurrent int
	minDelayGap   float64
	multiplier    float64
}

func classifyActivity(recent []*models.GroupMessage, now time.Time) activityLevel {
	count := 0
	cutoff := now.Add(-activityWindow)
	for i := len(recent) - 1; i >= 0; i-- {
		if recent[i].Timestamp.Before(cutoff) {
			break
		}
		count++
	}
	switch {
	case count < 3:
		return activityCold
	case count <= 10:
		return activityWarm
	default:
		return activityHot
	}
}

// consecutiveAICount counts the trailing run of AI messages.
func consecutiveAICount(recent []*models.GroupMessage) int {
	count := 0
	for i := len(recent) - 1; i >= 0; i-- {
		if recent[i].SenderType != models.SenderAI {
			break
		}
		count++
	}
	return count
}

// aiDensityMultiplier halves scores when the last few messages are
// dominated by AI voices.
func aiDensityMultiplier(recent []*models.GroupMessage) float64 {
	start := len(recent) - densityWindow
	if start < 0 {
		start = 0
	}
	aiCount := 0
	for _, m := range recent[start:] {
		if m.SenderType == models.SenderAI {
			aiCount++
		}
	}
	if aiCount > 3 {
		return 0.5
	}
	return 1.0
}

func analyze(recent []*models.GroupMessage, trigger triggerType, cfg models.StrategyConfig, now time.Time) situation {
	activity := classifyActivity(recent, now)

	var tier models.ActivityTier
	switch activity {
	case activityCold:
		tier = cfg.Cold
	case activityWarm:
		tier = cfg.Warm
	default:
		tier = cfg.Hot
	}

	var triggerCap int
	switch trigger {
	case triggerMention:
		triggerCap = cfg.MentionMaxConcurrent
	case triggerAI:
		triggerCap = cfg.AIMaxConcurrent
	default:
		triggerCap = cfg.HumanMaxConcurrent
	}

	maxConcurrent := tier.MaxConcurrent
	if triggerCap < maxConcurrent {
		maxConcurrent = triggerCap
	}
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}

	consecutive := consecutiveAICount(recent)
	if consecutive > 3 {
		consecutive = 3
	}
	multiplier := cfg.ConsecutiveMultipliers[consecutive] * aiDensityMultiplier(recent)

	if cfg.UnrestrictedMode {
		maxConcurrent = len(recent) + 16
		multiplier = 1.0
	}

	return situation{
		activity:      activity,
		trigger:       trigger,
		maxConcurrent: maxConcurrent,
		minDelayGap:   tier.MinDelayGap,
		multiplier:    multiplier,
	}
}

// personaFactor buckets a member into a stable reply temperament by
// hashing its id: active 1.2, balanced 1.0, cautious 0.8.
func personaFactor(memberID string) float64 {
	h := fnv.New32a()
	h.Write([]byte(memberID))
	switch h.Sum32() % 3 {
	case 0:
		return 1.2
	case 1:
		return 1.0
	default:
		return 0.8
	}
}

// applyRealism adjusts every candidate's score by the situation multiplier
// and the persona pass.
func applyRealism(cands []*candidate, sit situation, now time.Time) {
	for _, c := range cands {
		c.score *= sit.multiplier * personaFactor(c.member.ID)
		if !c.member.LastReplyAt.IsZero() && now.Sub(c.member.LastReplyAt) < realismMinInterval {
			c.score *= 0.5
		}
		if c.score > 1 {
			c.score = 1
		}
	}
}

// selectCandidates keeps all mentioned AIs (they bypass the concurrency
// cap) and fills the remaining slots with the highest-scored rest.
func selectCandidates(cands []*candidate, sit situation) []*candidate {
	var mentioned, rest []*candidate
	for _, c := range cands {
		if c.mentioned {
			mentioned = append(mentioned, c)
		} else if c.score > 0 {
			rest = append(rest, c)
		}
	}
	sort.SliceStable(rest, func(i, j int) bool { return rest[i].score > rest[j].score })

	selected := mentioned
	slots := sit.maxConcurrent - len(mentioned)
	for _, c := range rest {
		if slots <= 0 {
			break
		}
		selected = append(selected, c)
		slots--
	}
	return selected
}

// assignDelays orders the selected AIs (mentioned first, then score desc)
// and assigns each a reply delay: the first by tier, each subsequent one
// the previous delay plus the situation's minimum gap, so later repliers
// see earlier replies.
func assignDelays(selected []*candidate, sit situation, cfg models.StrategyConfig, randFloat func() float64) []time.Duration {
	sort.SliceStable(selected, func(i, j int) bool {
		if selected[i].mentioned != selected[j].mentioned {
			return selected[i].mentioned
		}
		return selected[i].score > selected[j].score
	})

	delays := make([]time.Duration, len(selected))
	var prev float64
	for i, c := range selected {
		if i == 0 {
			var r models.DelayRange
			switch {
			case c.mentioned:
				r = cfg.MentionDelay
			case c.score >= 0.7:
				r = cfg.HighDelay
			default:
				r = cfg.NormalDelay
			}
			prev = r.Min + randFloat()*(r.Max-r.Min)
			if cfg.UnrestrictedMode {
				prev = r.Min
			}
		} else {
			prev += sit.minDelayGap
		}
		delays[i] = time.Duration(prev * float64(time.Second))
	}
	return delays
}

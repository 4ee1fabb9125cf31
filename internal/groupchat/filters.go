package groupchat

import (
	"fmt"
	"strings"
	"time"

	"github.com/parleyhq/parley/pkg/models"
)

// recentMentionWindow bounds how many trailing messages count toward the
// "recently mentioned" boosts and waivers.
const recentMentionWindow = 10

// recentMentionBoosts maps recent mention counts 1/2/3/>=4 to additive
// probability boosts.
var recentMentionBoosts = [4]float64{0.1, 0.25, 0.45, 0.7}

const cooldownPenalty = 0.1

// candidate is one AI member that survived the hard filters, carrying its
// composed reply probability and the filter annotations that produced it.
type candidate struct {
	member    *models.GroupMember
	score     float64
	mentioned bool
	reasons   []string
}

// isMentioned checks the message's explicit mention list and inline @name.
func isMentioned(member *models.GroupMember, msg *models.GroupMessage) bool {
	for _, m := range msg.Mentions {
		if m == member.ID || strings.EqualFold(m, member.Name) {
			return true
		}
	}
	return strings.Contains(strings.ToLower(msg.Content), "@"+strings.ToLower(member.Name))
}

// recentMentions counts how often the member was mentioned in the trailing
// window of recent messages (newest last).
func recentMentions(member *models.GroupMember, recent []*models.GroupMessage) int {
	count := 0
	start := len(recent) - recentMentionWindow
	if start < 0 {
		start = 0
	}
	for _, msg := range recent[start:] {
		if isMentioned(member, msg) {
			count++
		}
	}
	return count
}

// evaluate runs the filter chain for one AI member against an incoming
// message. The hard filters eliminate; the soft filters shape the score.
func evaluate(member *models.GroupMember, msg *models.GroupMessage, recent []*models.GroupMessage, now time.Time) (*candidate, bool) {
	if member.Type != models.SenderAI || member.AI == nil {
		return nil, false
	}
	if member.Presence != models.PresenceOnline {
		return nil, false
	}
	if member.ID == msg.SenderID {
		return nil, false
	}

	behavior := member.AI
	c := &candidate{member: member, score: behavior.BaseReplyProbability}

	mentionedNow := isMentioned(member, msg)
	recentCount := recentMentions(member, recent)
	c.mentioned = mentionedNow

	if mentionedNow {
		c.score += behavior.MentionReplyProbability
		c.reasons = append(c.reasons, "mentioned")
	}
	if recentCount > 0 {
		tier := recentCount - 1
		if tier > 3 {
			tier = 3
		}
		c.score += recentMentionBoosts[tier]
		c.reasons = append(c.reasons, fmt.Sprintf("recent_mentions=%d", recentCount))
	}

	body := strings.ToLower(msg.Content)
	for _, kw := range behavior.InterestKeywords {
		if kw != "" && strings.Contains(body, strings.ToLower(kw)) {
			c.score += behavior.InterestBoost
			c.reasons = append(c.reasons, "keyword="+kw)
			break
		}
	}

	// Cooldown penalty, waived when mentioned now or recently.
	if behavior.CooldownSeconds > 0 && !member.LastReplyAt.IsZero() {
		until := member.LastReplyAt.Add(time.Duration(behavior.CooldownSeconds) * time.Second)
		if now.Before(until) && !mentionedNow && recentCount == 0 {
			c.score *= cooldownPenalty
			c.reasons = append(c.reasons, "cooldown")
		}
	}

	// Consecutive-reply cutoff, waived under repeated recent mentions.
	if behavior.MaxConsecutiveReplies > 0 && member.ConsecutiveReplies >= behavior.MaxConsecutiveReplies {
		if recentCount < 2 {
			c.score = 0
			c.reasons = append(c.reasons, "consecutive_cap")
		} else {
			c.reasons = append(c.reasons, "consecutive_cap_waived")
		}
	}

	if c.score < 0 {
		c.score = 0
	}
	if c.score > 1 {
		c.score = 1
	}
	return c, true
}

// sample thins a large candidate set. Mentioned AIs always survive; the
// rest are kept by probability tier. A non-empty input never samples down
// to nothing.
func sample(cands []*candidate, cfg models.StrategyConfig, randFloat func() float64) []*candidate {
	if cfg.UnrestrictedMode || len(cands) <= 3 {
		return cands
	}
	kept := make([]*candidate, 0, len(cands))
	for _, c := range cands {
		if c.mentioned {
			kept = append(kept, c)
			continue
		}
		var keep float64
		switch {
		case c.score >= 0.7:
			keep = cfg.HighKeepRate
		case c.score >= 0.3:
			keep = c.score
		default:
			keep = cfg.LowKeepRate
		}
		if randFloat() < keep {
			kept = append(kept, c)
		}
	}
	if len(kept) == 0 {
		best := cands[0]
		for _, c := range cands[1:] {
			if c.score > best.score {
				best = c
			}
		}
		kept = append(kept, best)
	}
	return kept
}

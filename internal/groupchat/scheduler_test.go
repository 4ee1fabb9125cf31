package groupchat

import (
	"testing"
	"time"

	"github.com/parleyhq/parley/pkg/models"
)

func timelineAt(now time.Time, senders ...models.SenderType) []*models.GroupMessage {
	msgs := make([]*models.GroupMessage, len(senders))
	for i, s := range senders {
		msgs[i] = &models.GroupMessage{
			SenderType: s,
			Timestamp:  now.Add(-time.Duration(len(senders)-i) * time.Second),
		}
	}
	return msgs
}

func TestClassifyActivity(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name  string
		count int
		want  activityLevel
	}{
		{"cold", 2, activityCold},
		{"warm low", 3, activityWarm},
		{"warm high", 10, activityWarm},
		{"hot", 11, activityHot},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			senders := make([]models.SenderType, tt.count)
			for i := range senders {
				senders[i] = models.SenderHuman
			}
			if got := classifyActivity(timelineAt(now, senders...), now); got != tt.want {
				t.Errorf("classifyActivity(%d msgs) = %s, want %s", tt.count, got, tt.want)
			}
		})
	}
}

func TestClassifyActivityIgnoresOldMessages(t *testing.T) {
	now := time.Now()
	var msgs []*models.GroupMessage
	for i := 0; i < 20; i++ {
		msgs = append(msgs, &models.GroupMessage{Timestamp: now.Add(-time.Hour)})
	}
	msgs = append(msgs, &models.GroupMessage{Timestamp: now.Add(-time.Second)})
	if got := classifyActivity(msgs, now); got != activityCold {
		t.Errorf("activity = %s, want cold when old traffic is excluded", got)
	}
}

func TestConsecutiveAICount(t *testing.T) {
	now := time.Now()
	msgs := timelineAt(now, models.SenderAI, models.SenderHuman, models.SenderAI, models.SenderAI)
	if got := consecutiveAICount(msgs); got != 2 {
		t.Errorf("consecutiveAICount = %d, want 2 (run broken by human)", got)
	}
	if got := consecutiveAICount(nil); got != 0 {
		t.Errorf("consecutiveAICount(empty) = %d", got)
	}
}

func TestAnalyzeComposition(t *testing.T) {
	now := time.Now()
	cfg := models.DefaultStrategyConfig()

	// Two recent messages: cold tier (max 1). AI trigger caps at 1 too.
	recent := timelineAt(now, models.SenderHuman, models.SenderAI)
	sit := analyze(recent, triggerHuman, cfg, now)
	if sit.activity != activityCold {
		t.Errorf("activity = %s, want cold", sit.activity)
	}
	if sit.maxConcurrent != 1 {
		t.Errorf("maxConcurrent = %d, want min(cold 1, human 2) = 1", sit.maxConcurrent)
	}
	// One trailing AI message selects the second consecutive multiplier.
	if sit.multiplier != 0.8 {
		t.Errorf("multiplier = %v, want 0.8", sit.multiplier)
	}

	// Busy timeline with a dense AI tail: hot tier capped by mention
	// trigger, heavily damped multiplier.
	senders := make([]models.SenderType, 12)
	for i := range senders {
		senders[i] = models.SenderAI
	}
	sit = analyze(timelineAt(now, senders...), triggerMention, cfg, now)
	if sit.activity != activityHot {
		t.Errorf("activity = %s, want hot", sit.activity)
	}
	if sit.maxConcurrent != 3 {
		t.Errorf("maxConcurrent = %d, want min(hot 3, mention 3) = 3", sit.maxConcurrent)
	}
	if !almost(sit.multiplier, 0.2*0.5) {
		t.Errorf("multiplier = %v, want consecutive 0.2 x dense 0.5", sit.multiplier)
	}
}

func TestAnalyzeUnrestricted(t *testing.T) {
	now := time.Now()
	cfg := models.DefaultStrategyConfig()
	cfg.UnrestrictedMode = true

	senders := make([]models.SenderType, 12)
	for i := range senders {
		senders[i] = models.SenderAI
	}
	sit := analyze(timelineAt(now, senders...), triggerAI, cfg, now)
	if sit.multiplier != 1.0 {
		t.Errorf("multiplier = %v, want 1.0 in unrestricted mode", sit.multiplier)
	}
	if sit.maxConcurrent <= 3 {
		t.Errorf("maxConcurrent = %d, want cap lifted", sit.maxConcurrent)
	}
}

func TestPersonaFactorStable(t *testing.T) {
	a := personaFactor("member-1")
	for i := 0; i < 5; i++ {
		if personaFactor("member-1") != a {
			t.Fatal("persona factor not stable across calls")
		}
	}
	switch a {
	case 1.2, 1.0, 0.8:
	default:
		t.Errorf("persona factor = %v, want one of the three buckets", a)
	}
}

func TestSelectCandidatesMentionBypass(t *testing.T) {
	sit := situation{maxConcurrent: 1}
	cands := []*candidate{
		{member: &models.GroupMember{ID: "a"}, score: 0.9},
		{member: &models.GroupMember{ID: "b"}, score: 0.1, mentioned: true},
		{member: &models.GroupMember{ID: "c"}, score: 0.2, mentioned: true},
		{member: &models.GroupMember{ID: "d"}, score: 0.5},
	}
	selected := selectCandidates(cands, sit)
	// Both mentioned AIs bypass the cap of 1; no slots remain for the
	// unmentioned ones.
	if len(selected) != 2 {
		t.Fatalf("selected %d, want 2", len(selected))
	}
	for _, c := range selected {
		if !c.mentioned {
			t.Errorf("unmentioned %s selected past the cap", c.member.ID)
		}
	}

	sit.maxConcurrent = 3
	selected = selectCandidates(cands, sit)
	if len(selected) != 3 {
		t.Fatalf("selected %d, want 3", len(selected))
	}
	if selected[2].member.ID != "a" {
		t.Errorf("remaining slot filled with %s, want the highest-scored a", selected[2].member.ID)
	}
}

func TestSelectCandidatesDropsZeroScores(t *testing.T) {
	sit := situation{maxConcurrent: 5}
	cands := []*candidate{
		{member: &models.GroupMember{ID: "a"}, score: 0},
		{member: &models.GroupMember{ID: "b"}, score: 0.3},
	}
	selected := selectCandidates(cands, sit)
	if len(selected) != 1 || selected[0].member.ID != "b" {
		t.Errorf("selected %d, want only the scored candidate", len(selected))
	}
}

func TestAssignDelays(t *testing.T) {
	cfg := models.DefaultStrategyConfig()
	sit := situation{minDelayGap: 3}
	selected := []*candidate{
		{member: &models.GroupMember{ID: "a"}, score: 0.9},
		{member: &models.GroupMember{ID: "b"}, score: 0.4, mentioned: true},
		{member: &models.GroupMember{ID: "c"}, score: 0.5},
	}
	// rand=0 pins the first delay to the tier minimum.
	delays := assignDelays(selected, sit, cfg, func() float64 { return 0 })

	// Mentioned first, then by score.
	if selected[0].member.ID != "b" || selected[1].member.ID != "a" || selected[2].member.ID != "c" {
		t.Fatalf("order = %s,%s,%s", selected[0].member.ID, selected[1].member.ID, selected[2].member.ID)
	}
	if delays[0] != time.Duration(cfg.MentionDelay.Min*float64(time.Second)) {
		t.Errorf("first delay = %v, want mention tier minimum", delays[0])
	}
	if delays[1]-delays[0] != 3*time.Second {
		t.Errorf("gap = %v, want the situation's 3s", delays[1]-delays[0])
	}
	if delays[2]-delays[1] != 3*time.Second {
		t.Errorf("second gap = %v, want 3s", delays[2]-delays[1])
	}
}

func TestAssignDelaysHighScoreTier(t *testing.T) {
	cfg := models.DefaultStrategyConfig()
	selected := []*candidate{{member: &models.GroupMember{ID: "a"}, score: 0.9}}
	delays := assignDelays(selected, situation{minDelayGap: 1}, cfg, func() float64 { return 0 })
	if delays[0] != time.Duration(cfg.HighDelay.Min*float64(time.Second)) {
		t.Errorf("delay = %v, want high tier minimum %v", delays[0], cfg.HighDelay.Min)
	}

	selected[0].score = 0.2
	delays = assignDelays(selected, situation{minDelayGap: 1}, cfg, func() float64 { return 0 })
	if delays[0] != time.Duration(cfg.NormalDelay.Min*float64(time.Second)) {
		t.Errorf("delay = %v, want normal tier minimum", delays[0])
	}
}

package groupchat

import (
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/parleyhq/parley/pkg/models"
)

func TestControllerConsecutiveCap(t *testing.T) {
	c := NewController(slog.Default())
	cfg := models.DefaultStrategyConfig()
	cfg.MaxAIConsecutiveReplies = 2
	cfg.CooldownSeconds = 3600 // never recovers within the test
	cfg.MaxCooldownRecoveries = 0

	if ok, _ := c.ShouldTrigger("g1", cfg); !ok {
		t.Fatal("fresh group blocked")
	}
	c.OnAIReply("g1", cfg, 10)
	if ok, _ := c.ShouldTrigger("g1", cfg); !ok {
		t.Fatal("blocked after one reply with cap 2")
	}
	c.OnAIReply("g1", cfg, 10)
	ok, reason := c.ShouldTrigger("g1", cfg)
	if ok {
		t.Fatal("not blocked after hitting the consecutive cap")
	}
	if reason != "cooldown" {
		t.Errorf("reason = %q, want cooldown", reason)
	}

	// A human message clears everything.
	c.OnHumanMessage("g1")
	if ok, _ := c.ShouldTrigger("g1", cfg); !ok {
		t.Error("still blocked after a human message")
	}
}

func TestControllerRoundCaps(t *testing.T) {
	c := NewController(slog.Default())
	cfg := models.DefaultStrategyConfig()
	cfg.MaxAIConsecutiveReplies = 100
	cfg.MaxMessagesPerRound = 2
	cfg.CooldownSeconds = 3600
	cfg.MaxCooldownRecoveries = 0

	c.OnAIReply("g1", cfg, 10)
	c.OnAIReply("g1", cfg, 10)
	if ok, _ := c.ShouldTrigger("g1", cfg); ok {
		t.Error("round message cap not enforced")
	}

	cfg.MaxMessagesPerRound = 100
	cfg.MaxTokensPerRound = 50
	c.OnHumanMessage("g2")
	c.OnAIReply("g2", cfg, 60)
	if ok, _ := c.ShouldTrigger("g2", cfg); ok {
		t.Error("round token cap not enforced")
	}
}

func TestControllerCooldownRecovery(t *testing.T) {
	c := NewController(slog.Default())
	var recovered atomic.Int32
	c.SetRecoveryCallback(func(groupID string) {
		if groupID == "g1" {
			recovered.Add(1)
		}
	})

	cfg := models.DefaultStrategyConfig()
	cfg.MaxAIConsecutiveReplies = 1
	cfg.CooldownSeconds = 0.05
	cfg.MaxCooldownRecoveries = 1

	c.OnAIReply("g1", cfg, 10)
	if ok, _ := c.ShouldTrigger("g1", cfg); ok {
		t.Fatal("not in cooldown after hitting the cap")
	}

	deadline := time.Now().Add(2 * time.Second)
	for recovered.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if recovered.Load() != 1 {
		t.Fatal("recovery callback never fired")
	}
	if ok, _ := c.ShouldTrigger("g1", cfg); !ok {
		t.Error("still blocked after recovery")
	}

	// The recovery budget is spent: the next cooldown stays down.
	c.OnAIReply("g1", cfg, 10)
	time.Sleep(150 * time.Millisecond)
	if recovered.Load() != 1 {
		t.Errorf("recoveries = %d, want capped at 1", recovered.Load())
	}
}

func TestControllerManualStop(t *testing.T) {
	c := NewController(slog.Default())
	cfg := models.DefaultStrategyConfig()

	c.Stop("g1")
	ok, reason := c.ShouldTrigger("g1", cfg)
	if ok || reason != "manually_stopped" {
		t.Errorf("ShouldTrigger = %v,%q after Stop", ok, reason)
	}

	c.Resume("g1")
	if ok, _ := c.ShouldTrigger("g1", cfg); !ok {
		t.Error("still blocked after Resume")
	}

	c.Stop("g2")
	c.OnHumanMessage("g2")
	if ok, _ := c.ShouldTrigger("g2", cfg); !ok {
		t.Error("human message did not clear the manual stop")
	}
}

func TestControllerUnrestrictedLiftsCaps(t *testing.T) {
	c := NewController(slog.Default())
	cfg := models.DefaultStrategyConfig()
	cfg.UnrestrictedMode = true
	cfg.MaxAIConsecutiveReplies = 1

	for i := 0; i < 20; i++ {
		c.OnAIReply("g1", cfg, 1000)
	}
	if ok, reason := c.ShouldTrigger("g1", cfg); !ok {
		t.Errorf("blocked in unrestricted mode: %s", reason)
	}
}

func TestEstimateTokens(t *testing.T) {
	tests := []struct {
		content string
		want    int
	}{
		{"", 0},
		{"abc", 1},
		{"twelve chars", 3},
	}
	for _, tt := range tests {
		if got := estimateTokens(tt.content); got != tt.want {
			t.Errorf("estimateTokens(%q) = %d, want %d", tt.content, got, tt.want)
		}
	}
}

package models

import "time"

// SenderType distinguishes human members from AI personas.
type SenderType string

const (
	SenderHuman SenderType = "human"
	SenderAI    SenderType = "ai"
)

// MemberRole is a member's role within a group.
type MemberRole string

const (
	RoleOwner  MemberRole = "owner"
	RoleAdmin  MemberRole = "admin"
	RoleMember MemberRole = "member"
)

// Presence is a member's availability state.
type Presence string

const (
	PresenceOnline  Presence = "online"
	PresenceIdle    Presence = "idle"
	PresenceOffline Presence = "offline"
)

// AIBehavior carries the per-AI reply tuning for a group member.
type AIBehavior struct {
	// BaseReplyProbability is the starting probability before boosts
	// and penalties are applied.
	BaseReplyProbability float64 `json:"base_reply_probability"`

	// InterestKeywords boost the reply probability when matched.
	InterestKeywords []string `json:"interest_keywords,omitempty"`

	// InterestBoost is the additive boost for a keyword match.
	InterestBoost float64 `json:"interest_boost,omitempty"`

	// MentionReplyProbability is the additive boost when @-mentioned.
	MentionReplyProbability float64 `json:"mention_reply_probability"`

	// MaxConsecutiveReplies caps back-to-back replies by this AI.
	MaxConsecutiveReplies int `json:"max_consecutive_replies"`

	// CooldownSeconds is the post-reply cooldown window.
	CooldownSeconds int `json:"cooldown_seconds"`

	// ContextWindow is how many recent messages feed the AI's context.
	ContextWindow int `json:"context_window"`
}

// GroupMember is a participant in a group: a human or an AI persona backed
// by a session that owns its model settings and system prompt.
type GroupMember struct {
	ID       string     `json:"id"`
	GroupID  string     `json:"group_id"`
	Name     string     `json:"name"`
	Type     SenderType `json:"type"`
	Role     MemberRole `json:"role"`
	Presence Presence   `json:"presence"`

	// UserID is set for human members.
	UserID string `json:"user_id,omitempty"`

	// SessionID is set for AI members and references the session holding
	// the persona's model settings and system prompt.
	SessionID string `json:"session_id,omitempty"`

	AI *AIBehavior `json:"ai,omitempty"`

	// ConsecutiveReplies counts back-to-back replies since another member
	// last spoke.
	ConsecutiveReplies int `json:"consecutive_replies,omitempty"`

	// LastReplyAt is when this AI last posted, for cooldown checks.
	LastReplyAt time.Time `json:"last_reply_at,omitempty"`

	JoinedAt time.Time `json:"joined_at"`
}

// Group is a multi-participant chat room with a reply strategy.
type Group struct {
	ID           string         `json:"id"`
	UserID       string         `json:"user_id"`
	Name         string         `json:"name"`
	Members      []GroupMember  `json:"members"`
	Strategy     StrategyConfig `json:"strategy"`
	SystemPrompt string         `json:"system_prompt,omitempty"`
	MessageCount int64          `json:"message_count"`
	LastMessage  time.Time      `json:"last_message_at,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// GroupMessage is one message in a group's timeline.
type GroupMessage struct {
	ID          string         `json:"message_id"`
	GroupID     string         `json:"group_id"`
	SenderID    string         `json:"sender_id"`
	SenderType  SenderType     `json:"sender_type"`
	SenderName  string         `json:"sender_name"`
	Type        string         `json:"type"`
	Content     string         `json:"content"`
	Images      []string       `json:"images,omitempty"`
	Mentions    []string       `json:"mentions,omitempty"`
	ReplyTo     string         `json:"reply_to,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
	ReadBy      []string       `json:"read_by,omitempty"`
	AISessionID string         `json:"ai_session_id,omitempty"`
	References  []LeanCitation `json:"reference,omitempty"`
}

// DelayRange is an inclusive delay window in seconds.
type DelayRange struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// ActivityTier configures scheduling for one group activity level.
type ActivityTier struct {
	MaxConcurrent int     `json:"max_concurrent"`
	MinDelayGap   float64 `json:"min_delay_gap"`
}

// StrategyConfig is the per-group record capturing quotas, cooldowns,
// tiered concurrency and delay tables, sampling keep rates, and similarity
// settings.
type StrategyConfig struct {
	// Conversation controller limits.
	MaxAIConsecutiveReplies int     `json:"max_ai_consecutive_replies"`
	MaxMessagesPerRound     int     `json:"max_messages_per_round"`
	MaxTokensPerRound       int     `json:"max_tokens_per_round"`
	CooldownSeconds         float64 `json:"cooldown_seconds"`
	MaxCooldownRecoveries   int     `json:"max_cooldown_recoveries"`

	// Activity-tiered scheduling tables.
	Cold ActivityTier `json:"cold"`
	Warm ActivityTier `json:"warm"`
	Hot  ActivityTier `json:"hot"`

	// Trigger-type concurrency caps.
	HumanMaxConcurrent   int `json:"human_max_concurrent"`
	MentionMaxConcurrent int `json:"mention_max_concurrent"`
	AIMaxConcurrent      int `json:"ai_max_concurrent"`

	// Delay tiers for the first selected AI.
	MentionDelay DelayRange `json:"mention_delay"`
	HighDelay    DelayRange `json:"high_delay"`
	NormalDelay  DelayRange `json:"normal_delay"`

	// Sampling keep rates by probability tier.
	HighKeepRate float64 `json:"high_keep_rate"`
	LowKeepRate  float64 `json:"low_keep_rate"`

	// ConsecutiveMultipliers maps the group's running consecutive-AI count
	// to a probability multiplier, indexed 0..3 with index 3 applying to
	// three or more.
	ConsecutiveMultipliers [4]float64 `json:"consecutive_multipliers"`

	// Similarity detector settings.
	EnableSimilarityDetection bool    `json:"enable_similarity_detection"`
	SimilarityThreshold       float64 `json:"similarity_threshold"`
	SimilarityLookback        int     `json:"similarity_lookback"`

	// Reply controller cap per inbound message.
	MaxConcurrentRepliesPerMessage int `json:"max_concurrent_replies_per_message"`

	// MaxConcurrentGenerations bounds in-flight LLM calls per group.
	MaxConcurrentGenerations int `json:"max_concurrent_generations"`

	// AIToAIDelaySeconds schedules the follow-up decision after an AI posts.
	AIToAIDelaySeconds float64 `json:"ai_to_ai_delay_seconds"`

	// UnrestrictedMode raises all rate, quota, and similarity gates to
	// their effective maximum.
	UnrestrictedMode bool `json:"unrestricted_mode"`
}

// DefaultStrategyConfig returns the stock per-group strategy.
func DefaultStrategyConfig() StrategyConfig {
	return StrategyConfig{
		MaxAIConsecutiveReplies: 3,
		MaxMessagesPerRound:     12,
		MaxTokensPerRound:       8000,
		CooldownSeconds:         30,
		MaxCooldownRecoveries:   3,

		Cold: ActivityTier{MaxConcurrent: 1, MinDelayGap: 5},
		Warm: ActivityTier{MaxConcurrent: 2, MinDelayGap: 3},
		Hot:  ActivityTier{MaxConcurrent: 3, MinDelayGap: 2},

		HumanMaxConcurrent:   2,
		MentionMaxConcurrent: 3,
		AIMaxConcurrent:      1,

		MentionDelay: DelayRange{Min: 1, Max: 3},
		HighDelay:    DelayRange{Min: 2, Max: 5},
		NormalDelay:  DelayRange{Min: 4, Max: 10},

		HighKeepRate: 0.9,
		LowKeepRate:  0.2,

		ConsecutiveMultipliers: [4]float64{1.0, 0.8, 0.5, 0.2},

		EnableSimilarityDetection: true,
		SimilarityThreshold:       0.75,
		SimilarityLookback:        5,

		MaxConcurrentRepliesPerMessage: 3,
		MaxConcurrentGenerations:       2,
		AIToAIDelaySeconds:             8,
	}
}

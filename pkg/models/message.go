// Package models defines the core data types shared across Parley subsystems.
package models

import (
	"encoding/json"
	"time"
)

// Role indicates the message author type.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is a single entry in a session's chat history.
type Message struct {
	ID         string         `json:"id"`
	SessionID  string         `json:"session_id"`
	Role       Role           `json:"role"`
	Content    string         `json:"content"`
	Images     []string       `json:"images,omitempty"`
	ToolCalls  []ToolCall     `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	ToolName   string         `json:"tool_name,omitempty"`
	Citations  []LeanCitation `json:"citations,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// ToolCall represents an LLM's request to execute a tool.
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// ToolResult represents the output of a tool execution.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error,omitempty"`
}

// ModelSettings holds the per-session LLM configuration.
type ModelSettings struct {
	Provider    string         `json:"provider"`
	Endpoint    string         `json:"endpoint,omitempty"`
	Model       string         `json:"model"`
	Temperature float32        `json:"temperature,omitempty"`
	MaxTokens   int            `json:"max_tokens,omitempty"`
	Params      map[string]any `json:"params,omitempty"`
}

// Session represents a conversation thread owned by a user.
type Session struct {
	ID           string        `json:"id"`
	UserID       string        `json:"user_id"`
	Title        string        `json:"title,omitempty"`
	SystemPrompt string        `json:"system_prompt,omitempty"`
	Settings     ModelSettings `json:"settings"`
	KnowledgeIDs []string      `json:"knowledge_ids,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

package models

import "time"

// ModelCapability records whether a model supports tool calls. The durable
// record is authoritative; a shared cache mirrors the negative set.
type ModelCapability struct {
	ModelName     string    `json:"model_name"`
	SupportsTools bool      `json:"supports_tools"`
	LastChecked   time.Time `json:"last_checked"`
	ErrorMessage  string    `json:"error_message,omitempty"`
	Notes         string    `json:"notes,omitempty"`
	FirstSeen     time.Time `json:"first_seen"`
	CheckCount    int       `json:"check_count"`
}

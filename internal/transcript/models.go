package transcript

import (
	"encoding/json"
	"time"
)

// Turn is one recorded request/response exchange.
type Turn struct {
	ID                  string     `json:"id" db:"id"`
	SessionID           string     `json:"session_id" db:"session_id"`
	AgentID             *uint32    `json:"agent_id,omitempty" db:"agent_id"`
	Content             string     `json:"content" db:"content"`
	StartedAt           time.Time  `json:"started_at" db:"started_at"`
	EndedAt             *time.Time `json:"ended_at,omitempty" db:"ended_at"`
	EndReason           string     `json:"end_reason,omitempty" db:"end_reason"`
	EventCount          int        `json:"event_count" db:"event_count"`
	OutputTokens        uint32     `json:"output_tokens" db:"output_tokens"`
	ContextTokens       uint32     `json:"context_tokens" db:"context_tokens"`
	CacheCreationTokens uint32     `json:"cache_creation_tokens" db:"cache_creation_tokens"`
	CacheReadTokens     uint32     `json:"cache_read_tokens" db:"cache_read_tokens"`
	Error               string     `json:"error,omitempty" db:"error"`
}

// Event is one server event recorded during a turn. Payload is the event's
// wire form.
type Event struct {
	TurnID    string          `json:"turn_id" db:"turn_id"`
	Seq       int             `json:"seq" db:"seq"`
	Type      string          `json:"type" db:"type"`
	AgentID   *uint32         `json:"agent_id,omitempty" db:"agent_id"`
	Payload   json.RawMessage `json:"payload" db:"payload"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}

package protocol

import "encoding/json"

// Server event discriminators
const (
	TypeConnected            = "Connected"
	TypeTextDelta            = "TextDelta"
	TypeThinkingDelta        = "ThinkingDelta"
	TypeToolRequest          = "ToolRequest"
	TypeToolAwaitingApproval = "ToolAwaitingApproval"
	TypeToolStarted          = "ToolStarted"
	TypeToolDelta            = "ToolDelta"
	TypeToolCompleted        = "ToolCompleted"
	TypeToolError            = "ToolError"
	TypeFinished             = "Finished"
	TypeRetrying             = "Retrying"
	TypeHistory              = "History"
	TypeState                = "State"
	TypePong                 = "Pong"
	TypeError                = "Error"
)

// ServerEvent is a message sent from the server to the client.
// The set of implementations is closed.
type ServerEvent interface {
	EventType() string
	isServerEvent()
}

// AgentEvent is a ServerEvent produced on behalf of a single agent.
type AgentEvent interface {
	ServerEvent
	Agent() uint32
}

// Connected is sent once when the session is established
type Connected struct {
	SessionID string `json:"session_id"`
}

// TextDelta is streaming text from an agent
type TextDelta struct {
	AgentID uint32 `json:"agent_id"`
	Content string `json:"content"`
}

// ThinkingDelta is streaming reasoning from an agent
type ThinkingDelta struct {
	AgentID uint32 `json:"agent_id"`
	Content string `json:"content"`
}

// ToolCallInfo describes one tool call requested by an agent
type ToolCallInfo struct {
	CallID     string          `json:"call_id"`
	Name       string          `json:"name"`
	Params     json.RawMessage `json:"params"`
	Background bool            `json:"background"`
}

// ToolRequest announces the tool calls an agent wants to execute
type ToolRequest struct {
	AgentID uint32         `json:"agent_id"`
	Calls   []ToolCallInfo `json:"calls"`
}

// ToolAwaitingApproval asks the client to approve or deny a tool call
type ToolAwaitingApproval struct {
	AgentID    uint32          `json:"agent_id"`
	CallID     string          `json:"call_id"`
	Name       string          `json:"name"`
	Params     json.RawMessage `json:"params"`
	Background bool            `json:"background"`
}

// ToolStarted is sent when an approved tool begins executing
type ToolStarted struct {
	AgentID uint32 `json:"agent_id"`
	CallID  string `json:"call_id"`
	Name    string `json:"name"`
}

// ToolDelta is streaming output from a running tool
type ToolDelta struct {
	AgentID uint32 `json:"agent_id"`
	CallID  string `json:"call_id"`
	Content string `json:"content"`
}

// ToolCompleted carries the final output of a successful tool call
type ToolCompleted struct {
	AgentID uint32 `json:"agent_id"`
	CallID  string `json:"call_id"`
	Content string `json:"content"`
}

// ToolError reports a failed or denied tool call
type ToolError struct {
	AgentID uint32 `json:"agent_id"`
	CallID  string `json:"call_id"`
	Error   string `json:"error"`
}

// Usage holds token accounting reported at the end of a turn
type Usage struct {
	OutputTokens        uint32 `json:"output_tokens"`
	ContextTokens       uint32 `json:"context_tokens"`
	CacheCreationTokens uint32 `json:"cache_creation_tokens"`
	CacheReadTokens     uint32 `json:"cache_read_tokens"`
}

// Finished marks the end of an agent's turn
type Finished struct {
	AgentID uint32 `json:"agent_id"`
	Usage   Usage  `json:"usage"`
}

// Retrying reports that an agent is retrying after a transient error
type Retrying struct {
	AgentID uint32 `json:"agent_id"`
	Attempt uint32 `json:"attempt"`
	Error   string `json:"error"`
}

// HistoryMessage is one entry of the conversation history
type HistoryMessage struct {
	Role      string  `json:"role"`
	Content   string  `json:"content"`
	Timestamp *string `json:"timestamp,omitempty"`
}

// History is the response to GetHistory
type History struct {
	Messages []HistoryMessage `json:"messages"`
}

// AgentInfo describes an agent in the session
type AgentInfo struct {
	ID          uint32  `json:"id"`
	Name        *string `json:"name,omitempty"`
	IsStreaming bool    `json:"is_streaming"`
}

// PendingApproval is a tool call still waiting for a decision
type PendingApproval struct {
	AgentID uint32          `json:"agent_id"`
	CallID  string          `json:"call_id"`
	Name    string          `json:"name"`
	Params  json.RawMessage `json:"params"`
}

// State is the response to GetState
type State struct {
	Agents           []AgentInfo       `json:"agents"`
	PendingApprovals []PendingApproval `json:"pending_approvals"`
}

// Pong is the response to Ping
type Pong struct{}

// ErrorEvent reports a server-side error. A fatal error means the session
// is no longer usable.
type ErrorEvent struct {
	Message string `json:"message"`
	Fatal   bool   `json:"fatal"`
}

func (Connected) EventType() string            { return TypeConnected }
func (TextDelta) EventType() string            { return TypeTextDelta }
func (ThinkingDelta) EventType() string        { return TypeThinkingDelta }
func (ToolRequest) EventType() string          { return TypeToolRequest }
func (ToolAwaitingApproval) EventType() string { return TypeToolAwaitingApproval }
func (ToolStarted) EventType() string          { return TypeToolStarted }
func (ToolDelta) EventType() string            { return TypeToolDelta }
func (ToolCompleted) EventType() string        { return TypeToolCompleted }
func (ToolError) EventType() string            { return TypeToolError }
func (Finished) EventType() string             { return TypeFinished }
func (Retrying) EventType() string             { return TypeRetrying }
func (History) EventType() string              { return TypeHistory }
func (State) EventType() string                { return TypeState }
func (Pong) EventType() string                 { return TypePong }
func (ErrorEvent) EventType() string           { return TypeError }

func (Connected) isServerEvent()            {}
func (TextDelta) isServerEvent()            {}
func (ThinkingDelta) isServerEvent()        {}
func (ToolRequest) isServerEvent()          {}
func (ToolAwaitingApproval) isServerEvent() {}
func (ToolStarted) isServerEvent()          {}
func (ToolDelta) isServerEvent()            {}
func (ToolCompleted) isServerEvent()        {}
func (ToolError) isServerEvent()            {}
func (Finished) isServerEvent()             {}
func (Retrying) isServerEvent()             {}
func (History) isServerEvent()              {}
func (State) isServerEvent()                {}
func (Pong) isServerEvent()                 {}
func (ErrorEvent) isServerEvent()           {}

func (e TextDelta) Agent() uint32            { return e.AgentID }
func (e ThinkingDelta) Agent() uint32        { return e.AgentID }
func (e ToolRequest) Agent() uint32          { return e.AgentID }
func (e ToolAwaitingApproval) Agent() uint32 { return e.AgentID }
func (e ToolStarted) Agent() uint32          { return e.AgentID }
func (e ToolDelta) Agent() uint32            { return e.AgentID }
func (e ToolCompleted) Agent() uint32        { return e.AgentID }
func (e ToolError) Agent() uint32            { return e.AgentID }
func (e Finished) Agent() uint32             { return e.AgentID }
func (e Retrying) Agent() uint32             { return e.AgentID }

// IsFatalError reports whether ev is an ErrorEvent with Fatal set.
func IsFatalError(ev ServerEvent) bool {
	e, ok := ev.(ErrorEvent)
	return ok && e.Fatal
}

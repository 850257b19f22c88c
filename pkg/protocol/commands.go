// Package protocol provides the message types of the codey session protocol
// and the codec that maps them to and from JSON text frames.
package protocol

// Client command discriminators
const (
	TypeSendMessage  = "SendMessage"
	TypeToolDecision = "ToolDecision"
	TypeCancel       = "Cancel"
	TypeGetHistory   = "GetHistory"
	TypeGetState     = "GetState"
	TypePing         = "Ping"
)

// ClientCommand is a message sent from the client to the server.
// The set of implementations is closed.
type ClientCommand interface {
	CommandType() string
	isClientCommand()
}

// SendMessage sends user input to an agent
type SendMessage struct {
	Content string `json:"content"`
	// AgentID targets a specific agent in multi-agent sessions
	AgentID *uint32 `json:"agent_id,omitempty"`
}

// ToolDecision approves or denies a pending tool execution
type ToolDecision struct {
	CallID   string `json:"call_id"`
	Approved bool   `json:"approved"`
}

// Cancel interrupts streaming and cancels running tools
type Cancel struct{}

// GetHistory requests the conversation history
type GetHistory struct{}

// GetState requests the current session state
type GetState struct{}

// Ping keeps the connection alive
type Ping struct{}

func (SendMessage) CommandType() string  { return TypeSendMessage }
func (ToolDecision) CommandType() string { return TypeToolDecision }
func (Cancel) CommandType() string       { return TypeCancel }
func (GetHistory) CommandType() string   { return TypeGetHistory }
func (GetState) CommandType() string     { return TypeGetState }
func (Ping) CommandType() string         { return TypePing }

func (SendMessage) isClientCommand()  {}
func (ToolDecision) isClientCommand() {}
func (Cancel) isClientCommand()       {}
func (GetHistory) isClientCommand()   {}
func (GetState) isClientCommand()     {}
func (Ping) isClientCommand()         {}

// AgentIDPtr returns a pointer to id, for use with SendMessage.AgentID.
func AgentIDPtr(id uint32) *uint32 {
	return &id
}

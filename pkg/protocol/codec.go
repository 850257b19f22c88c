package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// DecodeError is returned when a frame is not valid JSON, carries no type
// discriminator, names an unknown variant, or lacks a required field (at any
// nesting level, with null counting as absent).
type DecodeError struct {
	Type   string
	Reason string
	Cause  error
}

func (e *DecodeError) Error() string {
	msg := "decode error"
	if e.Type != "" {
		msg += fmt.Sprintf(" (type %q)", e.Type)
	}
	msg += ": " + e.Reason
	if e.Cause != nil {
		msg += fmt.Sprintf(": %v", e.Cause)
	}
	return msg
}

func (e *DecodeError) Unwrap() error {
	return e.Cause
}

// IsDecodeError reports whether err is or wraps a *DecodeError.
func IsDecodeError(err error) bool {
	var de *DecodeError
	return errors.As(err, &de)
}

// shape lists the keys an object must carry with a non-null value, and the
// shapes of nested objects or arrays of objects.
type shape struct {
	required []string
	nested   map[string]shape
}

var (
	usageShape = shape{required: []string{
		"output_tokens", "context_tokens", "cache_creation_tokens", "cache_read_tokens",
	}}
	toolCallShape        = shape{required: []string{"call_id", "name", "params", "background"}}
	historyMessageShape  = shape{required: []string{"role", "content"}}
	agentInfoShape       = shape{required: []string{"id", "is_streaming"}}
	pendingApprovalShape = shape{required: []string{"agent_id", "call_id", "name", "params"}}
)

type variant[T any] struct {
	shape  shape
	decode func(raw []byte) (T, error)
}

func as[T any, V any](conv func(V) T) func([]byte) (T, error) {
	return func(raw []byte) (T, error) {
		var v V
		if err := json.Unmarshal(raw, &v); err != nil {
			var zero T
			return zero, err
		}
		return conv(v), nil
	}
}

func event[V ServerEvent](v V) ServerEvent     { return v }
func command[V ClientCommand](v V) ClientCommand { return v }

func requires(names ...string) shape { return shape{required: names} }

var serverEvents = map[string]variant[ServerEvent]{
	TypeConnected:            {requires("session_id"), as(event[Connected])},
	TypeTextDelta:            {requires("agent_id", "content"), as(event[TextDelta])},
	TypeThinkingDelta:        {requires("agent_id", "content"), as(event[ThinkingDelta])},
	TypeToolRequest:          {shape{[]string{"agent_id", "calls"}, map[string]shape{"calls": toolCallShape}}, as(event[ToolRequest])},
	TypeToolAwaitingApproval: {requires("agent_id", "call_id", "name", "params", "background"), as(event[ToolAwaitingApproval])},
	TypeToolStarted:          {requires("agent_id", "call_id", "name"), as(event[ToolStarted])},
	TypeToolDelta:            {requires("agent_id", "call_id", "content"), as(event[ToolDelta])},
	TypeToolCompleted:        {requires("agent_id", "call_id", "content"), as(event[ToolCompleted])},
	TypeToolError:            {requires("agent_id", "call_id", "error"), as(event[ToolError])},
	TypeFinished:             {shape{[]string{"agent_id", "usage"}, map[string]shape{"usage": usageShape}}, as(event[Finished])},
	TypeRetrying:             {requires("agent_id", "attempt", "error"), as(event[Retrying])},
	TypeHistory:              {shape{[]string{"messages"}, map[string]shape{"messages": historyMessageShape}}, as(event[History])},
	TypeState: {shape{[]string{"agents", "pending_approvals"}, map[string]shape{
		"agents":            agentInfoShape,
		"pending_approvals": pendingApprovalShape,
	}}, as(event[State])},
	TypePong:  {shape{}, as(event[Pong])},
	TypeError: {requires("message", "fatal"), as(event[ErrorEvent])},
}

var clientCommands = map[string]variant[ClientCommand]{
	TypeSendMessage:  {requires("content"), as(command[SendMessage])},
	TypeToolDecision: {requires("call_id", "approved"), as(command[ToolDecision])},
	TypeCancel:       {shape{}, as(command[Cancel])},
	TypeGetHistory:   {shape{}, as(command[GetHistory])},
	TypeGetState:     {shape{}, as(command[GetState])},
	TypePing:         {shape{}, as(command[Ping])},
}

// Decode parses one server frame into its ServerEvent variant.
func Decode(raw []byte) (ServerEvent, error) {
	return decodeTagged(raw, serverEvents, "unknown server event type")
}

// DecodeCommand parses one client frame into its ClientCommand variant.
func DecodeCommand(raw []byte) (ClientCommand, error) {
	return decodeTagged(raw, clientCommands, "unknown client command type")
}

// Encode renders a client command as a single JSON document.
func Encode(cmd ClientCommand) ([]byte, error) {
	if cmd == nil {
		return nil, errors.New("encode: nil command")
	}
	return marshalTagged(cmd.CommandType(), cmd)
}

// EncodeEvent renders a server event as a single JSON document.
func EncodeEvent(ev ServerEvent) ([]byte, error) {
	if ev == nil {
		return nil, errors.New("encode: nil event")
	}
	return marshalTagged(ev.EventType(), ev)
}

func decodeTagged[T any](raw []byte, variants map[string]variant[T], unknown string) (T, error) {
	var zero T

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return zero, &DecodeError{Reason: "malformed payload", Cause: err}
	}
	if fields == nil {
		return zero, &DecodeError{Reason: "payload is not an object"}
	}

	tag, ok := fields["type"]
	if !ok {
		return zero, &DecodeError{Reason: "missing type discriminator"}
	}
	var typ string
	if err := json.Unmarshal(tag, &typ); err != nil {
		return zero, &DecodeError{Reason: "type discriminator is not a string", Cause: err}
	}

	v, ok := variants[typ]
	if !ok {
		return zero, &DecodeError{Type: typ, Reason: unknown}
	}
	if reason := v.shape.check(fields, ""); reason != "" {
		return zero, &DecodeError{Type: typ, Reason: reason}
	}

	out, err := v.decode(raw)
	if err != nil {
		return zero, &DecodeError{Type: typ, Reason: "invalid payload", Cause: err}
	}
	return out, nil
}

// check returns why obj does not fit s, or "" when it does. prefix names
// the enclosing field in the reason.
func (s shape) check(obj map[string]json.RawMessage, prefix string) string {
	for _, name := range s.required {
		raw, ok := obj[name]
		if !ok {
			return fmt.Sprintf("missing field %q", prefix+name)
		}
		if isNull(raw) {
			return fmt.Sprintf("field %q is null", prefix+name)
		}
	}
	for name, inner := range s.nested {
		raw, ok := obj[name]
		if !ok || isNull(raw) {
			continue
		}
		if reason := inner.checkValue(raw, prefix+name); reason != "" {
			return reason
		}
	}
	return ""
}

// checkValue accepts an object of shape s or an array of them.
func (s shape) checkValue(raw json.RawMessage, path string) string {
	if trimmed := bytes.TrimSpace(raw); len(trimmed) > 0 && trimmed[0] == '[' {
		var items []json.RawMessage
		if err := json.Unmarshal(raw, &items); err != nil {
			return fmt.Sprintf("field %q: %v", path, err)
		}
		for i, item := range items {
			if reason := s.checkValue(item, fmt.Sprintf("%s[%d]", path, i)); reason != "" {
				return reason
			}
		}
		return ""
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil || obj == nil {
		return fmt.Sprintf("field %q is not an object", path)
	}
	return s.check(obj, path+".")
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

// marshalTagged encodes v and prepends the "type" discriminator.
func marshalTagged(typ string, v any) ([]byte, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", typ, err)
	}
	tag, err := json.Marshal(typ)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", typ, err)
	}

	var buf bytes.Buffer
	buf.Grow(len(body) + len(tag) + 10)
	buf.WriteString(`{"type":`)
	buf.Write(tag)
	inner := bytes.TrimSpace(body)
	inner = inner[1 : len(inner)-1]
	if len(bytes.TrimSpace(inner)) > 0 {
		buf.WriteByte(',')
		buf.Write(inner)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

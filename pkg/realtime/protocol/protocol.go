package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Inbound event types (agent service -> client).
const (
	TypeSessionTerminated = "session.terminated"
	TypeMessage           = "session.message"
	TypeMessageDelta      = "session.message.delta"
	TypeMessageCompleted  = "session.message.completed"
	TypeSessionError      = "session.error"
	TypeToolCall          = "session.tool_call"
)

// Outbound event types (client -> agent service).
const (
	TypeToolResult = "session.tool_result"
	TypeSessionEnd = "session.end"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badRequest(message, param string) *DecodeError {
	return &DecodeError{Code: "bad_request", Message: message, Param: param}
}

// Event is a decoded inbound event. The concrete type is resolved once from the
// "type" discriminant.
type Event interface {
	EventType() string
}

type ContentPart struct {
	Type       string `json:"type,omitempty"`
	Text       string `json:"text,omitempty"`
	Transcript string `json:"transcript,omitempty"`
}

type Item struct {
	ID      string        `json:"id,omitempty"`
	Role    string        `json:"role,omitempty"`
	Content []ContentPart `json:"content,omitempty"`
}

// FirstPart returns the first content part, or a zero part when the item has no content.
func (i Item) FirstPart() ContentPart {
	if len(i.Content) == 0 {
		return ContentPart{}
	}
	return i.Content[0]
}

type SessionTerminated struct {
	Type   string `json:"type"`
	Reason string `json:"reason,omitempty"`
}

func (e SessionTerminated) EventType() string { return TypeSessionTerminated }

type Message struct {
	Type string `json:"type"`
	Item Item   `json:"item"`
}

func (e Message) EventType() string { return TypeMessage }

type MessageDelta struct {
	Type   string `json:"type"`
	ItemID string `json:"item_id"`
	Delta  string `json:"delta"`
}

func (e MessageDelta) EventType() string { return TypeMessageDelta }

type MessageCompleted struct {
	Type   string `json:"type"`
	ItemID string `json:"item_id"`
}

func (e MessageCompleted) EventType() string { return TypeMessageCompleted }

type ErrorDetail struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// SessionError carries a remote-reported error. Raw holds the full payload since
// the shape is not fixed.
type SessionError struct {
	Type  string          `json:"type"`
	Error *ErrorDetail    `json:"error,omitempty"`
	Raw   json.RawMessage `json:"-"`
}

func (e SessionError) EventType() string { return TypeSessionError }

type ToolCall struct {
	Type      string          `json:"type"`
	CallID    string          `json:"call_id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`

	// Invalid is set when the call carries an id but its other fields could
	// not be decoded. Arguments is then an empty object.
	Invalid *DecodeError `json:"-"`
}

func (e ToolCall) EventType() string { return TypeToolCall }

// Unknown is any event whose type is not recognized.
type Unknown struct {
	Type string
	Raw  json.RawMessage
}

func (e Unknown) EventType() string { return e.Type }

// Decode parses one inbound frame. Correlation fields are not validated here;
// the reconciler owns the policy for missing identities.
func Decode(data []byte) (Event, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, badRequest("invalid json frame", "")
	}
	typ := strings.TrimSpace(envelope.Type)
	if typ == "" {
		return nil, badRequest("missing type", "type")
	}

	switch typ {
	case TypeSessionTerminated:
		// Only the type is required; a reason of any other shape is dropped.
		msg := SessionTerminated{Type: typ}
		var detail struct {
			Reason json.RawMessage `json:"reason"`
		}
		if json.Unmarshal(data, &detail) == nil && len(detail.Reason) > 0 {
			_ = json.Unmarshal(detail.Reason, &msg.Reason)
		}
		return msg, nil
	case TypeMessage:
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid session.message", "")
		}
		return msg, nil
	case TypeMessageDelta:
		var msg MessageDelta
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid session.message.delta", "")
		}
		return msg, nil
	case TypeMessageCompleted:
		var msg MessageCompleted
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid session.message.completed", "")
		}
		return msg, nil
	case TypeSessionError:
		msg := SessionError{Type: typ, Raw: append(json.RawMessage(nil), data...)}
		var detail struct {
			Error json.RawMessage `json:"error"`
		}
		if err := json.Unmarshal(data, &detail); err == nil && len(detail.Error) > 0 {
			var d ErrorDetail
			if json.Unmarshal(detail.Error, &d) == nil {
				msg.Error = &d
			}
		}
		return msg, nil
	case TypeToolCall:
		var msg ToolCall
		if err := json.Unmarshal(data, &msg); err != nil {
			// Unmarshal keeps filling fields past a type mismatch, so a string
			// call_id survives and the call can still be answered.
			var typeErr *json.UnmarshalTypeError
			if !errors.As(err, &typeErr) || strings.TrimSpace(msg.CallID) == "" {
				return nil, badRequest("invalid session.tool_call", "")
			}
			msg.Type = typ
			msg.Arguments = json.RawMessage(`{}`)
			msg.Invalid = badRequest("invalid session.tool_call", typeErr.Field)
			return msg, nil
		}
		args, err := normalizeArguments(msg.Arguments)
		if err != nil {
			args = json.RawMessage(`{}`)
			msg.Invalid = badRequest("session.tool_call.arguments must be an object or a JSON string", "arguments")
		}
		msg.Arguments = args
		return msg, nil
	default:
		return Unknown{Type: typ, Raw: append(json.RawMessage(nil), data...)}, nil
	}
}

// normalizeArguments accepts arguments as an object or as a string containing
// JSON, and always returns an object (empty when absent).
func normalizeArguments(raw json.RawMessage) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return json.RawMessage(`{}`), nil
	}
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return nil, err
		}
		s = strings.TrimSpace(s)
		if s == "" {
			return json.RawMessage(`{}`), nil
		}
		trimmed = []byte(s)
	}
	var obj map[string]any
	if err := json.Unmarshal(trimmed, &obj); err != nil {
		return nil, err
	}
	return append(json.RawMessage(nil), trimmed...), nil
}

// TypeOf extracts the "type" discriminant without decoding the rest. It
// returns "" for frames that are not JSON objects.
func TypeOf(data []byte) string {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return ""
	}
	return strings.TrimSpace(envelope.Type)
}

// Outbound events.

type OutboundMessage struct {
	ID      string        `json:"id,omitempty"`
	Role    string        `json:"role"`
	Content []ContentPart `json:"content"`
}

type ClientMessage struct {
	Type    string          `json:"type"`
	Message OutboundMessage `json:"message"`
}

func (e ClientMessage) EventType() string { return TypeMessage }

type ClientToolResult struct {
	Type    string `json:"type"`
	CallID  string `json:"call_id"`
	IsError bool   `json:"is_error,omitempty"`
	Output  any    `json:"output"`
}

func (e ClientToolResult) EventType() string { return TypeToolResult }

type ClientSessionEnd struct {
	Type string `json:"type"`
}

func (e ClientSessionEnd) EventType() string { return TypeSessionEnd }

// NewUserText builds the outbound event for user-originated text input.
func NewUserText(itemID, text string) ClientMessage {
	return ClientMessage{
		Type: TypeMessage,
		Message: OutboundMessage{
			ID:      itemID,
			Role:    RoleUser,
			Content: []ContentPart{{Type: "text", Text: text}},
		},
	}
}

// NewToolResult builds the outbound event answering the tool call callID.
func NewToolResult(callID string, output any, isError bool) ClientToolResult {
	return ClientToolResult{
		Type:    TypeToolResult,
		CallID:  strings.TrimSpace(callID),
		IsError: isError,
		Output:  output,
	}
}

// DecodeClientEvent parses one client -> service frame. It is used by the relay.
func DecodeClientEvent(data []byte) (Event, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, badRequest("invalid json frame", "")
	}
	typ := strings.TrimSpace(envelope.Type)
	if typ == "" {
		return nil, badRequest("missing type", "type")
	}

	switch typ {
	case TypeMessage:
		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid session.message", "")
		}
		if msg.Message.Role != "" && msg.Message.Role != RoleUser {
			return nil, badRequest("session.message.message.role must be user", "message.role")
		}
		return msg, nil
	case TypeToolResult:
		var msg struct {
			Type    string          `json:"type"`
			CallID  string          `json:"call_id"`
			IsError bool            `json:"is_error"`
			Output  json.RawMessage `json:"output"`
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid session.tool_result", "")
		}
		if strings.TrimSpace(msg.CallID) == "" {
			return nil, badRequest("session.tool_result.call_id is required", "call_id")
		}
		var output any
		if len(msg.Output) > 0 {
			if err := json.Unmarshal(msg.Output, &output); err != nil {
				return nil, badRequest("invalid session.tool_result.output", "output")
			}
		}
		return ClientToolResult{Type: typ, CallID: strings.TrimSpace(msg.CallID), IsError: msg.IsError, Output: output}, nil
	case TypeSessionEnd:
		return ClientSessionEnd{Type: typ}, nil
	default:
		return nil, badRequest("unsupported message type", "type")
	}
}

// Text returns the concatenated text of a client message.
func (e ClientMessage) Text() string {
	var b strings.Builder
	for _, part := range e.Message.Content {
		if part.Text != "" {
			b.WriteString(part.Text)
		} else if part.Transcript != "" {
			b.WriteString(part.Transcript)
		}
	}
	return b.String()
}

// Server-side constructors used by the relay.

func NewAssistantMessage(itemID, text string) Message {
	return Message{
		Type: TypeMessage,
		Item: Item{ID: itemID, Role: RoleAssistant, Content: []ContentPart{{Type: "text", Text: text}}},
	}
}

func NewDelta(itemID, delta string) MessageDelta {
	return MessageDelta{Type: TypeMessageDelta, ItemID: itemID, Delta: delta}
}

func NewCompleted(itemID string) MessageCompleted {
	return MessageCompleted{Type: TypeMessageCompleted, ItemID: itemID}
}

func NewToolCall(callID, name string, args json.RawMessage) ToolCall {
	return ToolCall{Type: TypeToolCall, CallID: callID, Name: name, Arguments: args}
}

func NewTerminated(reason string) SessionTerminated {
	return SessionTerminated{Type: TypeSessionTerminated, Reason: reason}
}

type ServerError struct {
	Type  string      `json:"type"`
	Error ErrorDetail `json:"error"`
}

func NewServerError(code, message string) ServerError {
	return ServerError{Type: TypeSessionError, Error: ErrorDetail{Code: code, Message: message}}
}

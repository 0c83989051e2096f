package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ProtocolError kinds.
const (
	ErrKindMalformed    = "malformed"
	ErrKindUnknownType  = "unknown_type"
	ErrKindMissingField = "missing_field"
	ErrKindInvalidField = "invalid_field"
)

// ProtocolError reports a frame that could not be turned into a typed message.
// It is never fatal to the connection on its own.
type ProtocolError struct {
	Kind  string
	Type  string // frame type, when it could be read
	Field string // offending field, for missing/invalid field errors
	Err   error
}

func (e *ProtocolError) Error() string {
	switch e.Kind {
	case ErrKindUnknownType:
		return fmt.Sprintf("protocol: unknown message type %q", e.Type)
	case ErrKindMissingField:
		return fmt.Sprintf("protocol: %s: missing required field %q", e.Type, e.Field)
	case ErrKindInvalidField:
		return fmt.Sprintf("protocol: %s: invalid field %q: %v", e.Type, e.Field, e.Err)
	default:
		if e.Type != "" {
			return fmt.Sprintf("protocol: malformed %s frame: %v", e.Type, e.Err)
		}
		return fmt.Sprintf("protocol: malformed frame: %v", e.Err)
	}
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// factories maps each wire type to a constructor for its payload.
var factories = map[string]func() Message{
	TypeAuth:            func() Message { return &Auth{} },
	TypeAuthOK:          func() Message { return &AuthOK{} },
	TypeAuthFail:        func() Message { return &AuthFail{} },
	TypeUserMessage:     func() Message { return &Chat{Kind: TypeUserMessage} },
	TypeUserMedia:       func() Message { return &Chat{Kind: TypeUserMedia} },
	TypeUserAction:      func() Message { return &Chat{Kind: TypeUserAction} },
	TypeUserCommand:     func() Message { return &Chat{Kind: TypeUserCommand} },
	TypeAgentText:       func() Message { return &Chat{Kind: TypeAgentText} },
	TypeAgentMedia:      func() Message { return &Chat{Kind: TypeAgentMedia} },
	TypeStreamStart:     func() Message { return &StreamStart{} },
	TypeStreamChunk:     func() Message { return &StreamChunk{} },
	TypeStreamEnd:       func() Message { return &StreamEnd{} },
	TypeAgentRequest:    func() Message { return &AgentRequest{} },
	TypeAgentResponse:   func() Message { return &AgentResponse{} },
	TypeAgentTrace:      func() Message { return &AgentTrace{} },
	TypeTaskControl:     func() Message { return &TaskControl{} },
	TypeTaskStatus:      func() Message { return &TaskStatus{} },
	TypePing:            func() Message { return &Ping{} },
	TypePong:            func() Message { return &Pong{} },
	TypeStatus:          func() Message { return &Status{} },
	TypeForegroundEnter: func() Message { return &ForegroundEnter{} },
	TypeForegroundLeave: func() Message { return &ForegroundLeave{} },
	TypeDeviceRegister:  func() Message { return &DeviceRegister{} },
	TypeHistoryRequest:  func() Message { return &HistoryRequest{} },
	TypeAck:             func() Message { return &Ack{} },
	TypeError:           func() Message { return &Error{} },
	TypePresence:        func() Message { return &Presence{} },
	TypeHistoryResponse: func() Message { return &HistoryResponse{} },
}

// Decode parses one text frame into its typed message. The returned value is
// always a pointer to one of the structs in this package. Any failure is a
// *ProtocolError.
func Decode(frame []byte) (Message, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(frame, &head); err != nil {
		return nil, &ProtocolError{Kind: ErrKindMalformed, Err: err}
	}
	if head.Type == "" {
		return nil, &ProtocolError{Kind: ErrKindMissingField, Type: "frame", Field: "type"}
	}

	newMsg, ok := factories[head.Type]
	if !ok {
		return nil, &ProtocolError{Kind: ErrKindUnknownType, Type: head.Type}
	}

	msg := newMsg()
	if err := json.Unmarshal(frame, msg); err != nil {
		return nil, &ProtocolError{Kind: ErrKindMalformed, Type: head.Type, Err: err}
	}
	if err := Validate(msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// Encode serializes a message with its "type" discriminator as the first key.
func Encode(msg Message) ([]byte, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", msg.MessageType(), err)
	}
	typ, err := json.Marshal(msg.MessageType())
	if err != nil {
		return nil, fmt.Errorf("marshal type: %w", err)
	}

	var buf bytes.Buffer
	buf.Grow(len(body) + len(typ) + 10)
	buf.WriteString(`{"type":`)
	buf.Write(typ)
	inner := bytes.TrimSpace(body[1 : len(body)-1])
	if len(inner) > 0 {
		buf.WriteByte(',')
		buf.Write(inner)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// MustEncode is Encode for control frames the hub builds from fixed fields,
// such as keepalive pings. It panics if encoding fails.
func MustEncode(msg Message) []byte {
	data, err := Encode(msg)
	if err != nil {
		panic(err)
	}
	return data
}

func missing(typ, field string) error {
	return &ProtocolError{Kind: ErrKindMissingField, Type: typ, Field: field}
}

func invalid(typ, field string, err error) error {
	return &ProtocolError{Kind: ErrKindInvalidField, Type: typ, Field: field, Err: err}
}

// Validate checks the required fields of a decoded message.
func Validate(msg Message) error {
	typ := msg.MessageType()
	switch m := msg.(type) {
	case *Auth:
		if m.Token == "" {
			return missing(typ, "token")
		}
	case *AuthFail:
		if m.Reason == "" {
			return missing(typ, "reason")
		}
	case *Chat:
		return validateChat(m)
	case *StreamStart:
		if m.RunID == "" {
			return missing(typ, "runId")
		}
	case *StreamChunk:
		if m.RunID == "" {
			return missing(typ, "runId")
		}
	case *StreamEnd:
		if m.RunID == "" {
			return missing(typ, "runId")
		}
	case *AgentRequest:
		switch {
		case m.RequestID == "":
			return missing(typ, "requestId")
		case m.TargetAgentID == "":
			return missing(typ, "targetAgentId")
		case m.Depth == nil:
			return missing(typ, "depth")
		case *m.Depth < 0:
			return invalid(typ, "depth", errors.New("must not be negative"))
		}
	case *AgentResponse:
		switch {
		case m.RequestID == "":
			return missing(typ, "requestId")
		case m.FromAgentID == "":
			return missing(typ, "fromAgentId")
		case m.Text == "" && m.Error == "":
			return missing(typ, "text")
		}
	case *AgentTrace:
		switch {
		case m.MessageID == "":
			return missing(typ, "messageId")
		case m.TraceType == "":
			return missing(typ, "traceType")
		case m.Content == "":
			return missing(typ, "content")
		case m.VerboseLevel != VerboseDetail && m.VerboseLevel != VerboseFull:
			return invalid(typ, "verboseLevel", fmt.Errorf("must be %d or %d, got %d", VerboseDetail, VerboseFull, m.VerboseLevel))
		}
	case *TaskControl:
		switch {
		case m.MessageID == "":
			return missing(typ, "messageId")
		case m.TaskID == "":
			return missing(typ, "taskId")
		case m.Action == "":
			return missing(typ, "action")
		}
	case *TaskStatus:
		switch {
		case m.TaskID == "":
			return missing(typ, "taskId")
		case m.Status == "":
			return missing(typ, "status")
		}
	case *ForegroundEnter:
		if m.SessionKey == "" {
			return missing(typ, "sessionKey")
		}
		if m.VerboseLevel < 0 || m.VerboseLevel > VerboseFull {
			return invalid(typ, "verboseLevel", fmt.Errorf("out of range: %d", m.VerboseLevel))
		}
	case *DeviceRegister:
		if m.Token == "" {
			return missing(typ, "token")
		}
		if m.Platform == "" {
			return missing(typ, "platform")
		}
	case *HistoryRequest:
		if m.RequestID == "" {
			return missing(typ, "requestId")
		}
		if m.SessionKey == "" {
			return missing(typ, "sessionKey")
		}
	case *Ack:
		if m.Status == "" {
			return missing(typ, "status")
		}
	case *Error:
		if m.Code == "" {
			return missing(typ, "code")
		}
	}
	return nil
}

func validateChat(m *Chat) error {
	typ := m.Kind
	if m.MessageID == "" {
		return missing(typ, "messageId")
	}
	if m.SessionKey == "" {
		return missing(typ, "sessionKey")
	}
	switch typ {
	case TypeUserMessage, TypeAgentText:
		if m.Text == "" {
			return missing(typ, "text")
		}
	case TypeUserMedia, TypeAgentMedia:
		if m.Media == nil {
			return missing(typ, "media")
		}
		if m.Media.URL == "" {
			return missing(typ, "media.url")
		}
	case TypeUserAction:
		if m.Action == "" {
			return missing(typ, "action")
		}
	case TypeUserCommand:
		if m.Command == "" {
			return missing(typ, "command")
		}
	}
	return nil
}

// Role names used for direction checks.
const (
	RoleAgent   = "agent"
	RoleBrowser = "browser"
)

var browserTypes = map[string]bool{
	TypeUserMessage:     true,
	TypeUserMedia:       true,
	TypeUserAction:      true,
	TypeUserCommand:     true,
	TypeTaskControl:     true,
	TypeForegroundEnter: true,
	TypeForegroundLeave: true,
	TypeDeviceRegister:  true,
	TypeHistoryRequest:  true,
	TypePong:            true,
	TypeAuth:            true,
}

var agentTypes = map[string]bool{
	TypeAgentText:     true,
	TypeAgentMedia:    true,
	TypeStreamStart:   true,
	TypeStreamChunk:   true,
	TypeStreamEnd:     true,
	TypeAgentRequest:  true,
	TypeAgentResponse: true,
	TypeAgentTrace:    true,
	TypeTaskStatus:    true,
	TypeStatus:        true,
	TypePong:          true,
	TypeAuth:          true,
}

// AllowedFrom reports whether a peer with the given role may send msgType.
func AllowedFrom(role, msgType string) bool {
	switch role {
	case RoleAgent:
		return agentTypes[msgType]
	case RoleBrowser:
		return browserTypes[msgType]
	}
	return false
}

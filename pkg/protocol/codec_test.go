package protocol

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestDecodeChat(t *testing.T) {
	msg, err := Decode([]byte(`{"type":"user.message","messageId":"m1","sessionKey":"s1","text":"hi"}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	chat, ok := msg.(*Chat)
	if !ok {
		t.Fatalf("expected *Chat, got %T", msg)
	}
	if chat.Kind != TypeUserMessage {
		t.Errorf("expected kind %s, got %s", TypeUserMessage, chat.Kind)
	}
	if chat.MessageID != "m1" || chat.SessionKey != "s1" || chat.Text != "hi" {
		t.Errorf("unexpected fields: %+v", chat)
	}
	if chat.MessageType() != TypeUserMessage {
		t.Errorf("MessageType() = %s", chat.MessageType())
	}
}

func TestDecodeErrors(t *testing.T) {
	tests := []struct {
		name  string
		frame string
		kind  string
		field string
	}{
		{"not json", `{"type":`, ErrKindMalformed, ""},
		{"array", `[1,2]`, ErrKindMalformed, ""},
		{"no type", `{"text":"hi"}`, ErrKindMissingField, "type"},
		{"unknown type", `{"type":"agent.dance"}`, ErrKindUnknownType, ""},
		{"wrong field type", `{"type":"auth","token":42}`, ErrKindMalformed, ""},
		{"auth without token", `{"type":"auth"}`, ErrKindMissingField, "token"},
		{"message without id", `{"type":"user.message","sessionKey":"s","text":"x"}`, ErrKindMissingField, "messageId"},
		{"message without text", `{"type":"user.message","messageId":"m","sessionKey":"s"}`, ErrKindMissingField, "text"},
		{"media without url", `{"type":"agent.media","messageId":"m","sessionKey":"s","media":{}}`, ErrKindMissingField, "media.url"},
		{"request without depth", `{"type":"agent.request","requestId":"r","targetAgentId":"b"}`, ErrKindMissingField, "depth"},
		{"request negative depth", `{"type":"agent.request","requestId":"r","targetAgentId":"b","depth":-1}`, ErrKindInvalidField, "depth"},
		{"response without text", `{"type":"agent.response","requestId":"r","fromAgentId":"b"}`, ErrKindMissingField, "text"},
		{"trace primary level", `{"type":"agent.trace","messageId":"m","verboseLevel":1,"traceType":"tool","content":"x"}`, ErrKindInvalidField, "verboseLevel"},
		{"stream without run", `{"type":"agent.stream.chunk","text":"x"}`, ErrKindMissingField, "runId"},
		{"device without platform", `{"type":"device.register","token":"t"}`, ErrKindMissingField, "platform"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.frame))
			if err == nil {
				t.Fatal("expected error")
			}
			var pe *ProtocolError
			if !errors.As(err, &pe) {
				t.Fatalf("expected *ProtocolError, got %T: %v", err, err)
			}
			if pe.Kind != tt.kind {
				t.Errorf("kind = %s, want %s (%v)", pe.Kind, tt.kind, err)
			}
			if tt.field != "" && pe.Field != tt.field {
				t.Errorf("field = %s, want %s", pe.Field, tt.field)
			}
		})
	}
}

func TestDecodeResponseWithErrorOnly(t *testing.T) {
	msg, err := Decode([]byte(`{"type":"agent.response","requestId":"r1","fromAgentId":"b","error":"timeout"}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	resp := msg.(*AgentResponse)
	if resp.Error != "timeout" {
		t.Errorf("error = %q", resp.Error)
	}
}

func TestDecodeRequestDepthZero(t *testing.T) {
	msg, err := Decode([]byte(`{"type":"agent.request","requestId":"r1","targetAgentId":"B","depth":0}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	req := msg.(*AgentRequest)
	if req.Depth == nil || req.HopDepth() != 0 {
		t.Errorf("expected explicit depth 0, got %v", req.Depth)
	}
}

func TestEncodePutsTypeFirst(t *testing.T) {
	data, err := Encode(&Ack{MessageID: "m1", Status: AckQueued})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if !strings.HasPrefix(string(data), `{"type":"ack",`) {
		t.Errorf("unexpected encoding: %s", data)
	}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("encoded frame is not JSON: %v", err)
	}
	if raw["messageId"] != "m1" || raw["status"] != "queued" {
		t.Errorf("unexpected fields: %v", raw)
	}
}

func TestEncodeEmptyBody(t *testing.T) {
	data, err := Encode(&ForegroundLeave{})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if string(data) != `{"type":"foreground.leave"}` {
		t.Errorf("got %s", data)
	}
}

func TestEncodeDecodeChatKind(t *testing.T) {
	out := &Chat{Kind: TypeAgentText, MessageID: "m2", SessionKey: "s1", AgentID: "a", Text: "hello"}
	data := MustEncode(out)

	msg, err := Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	in := msg.(*Chat)
	if in.Kind != TypeAgentText || in.AgentID != "a" || in.Text != "hello" {
		t.Errorf("unexpected chat after re-decode: %+v", in)
	}
}

func TestAllowedFrom(t *testing.T) {
	tests := []struct {
		role string
		typ  string
		want bool
	}{
		{RoleBrowser, TypeUserMessage, true},
		{RoleBrowser, TypeAgentText, false},
		{RoleBrowser, TypeTaskStatus, false},
		{RoleBrowser, TypeTaskControl, true},
		{RoleAgent, TypeAgentRequest, true},
		{RoleAgent, TypeUserMessage, false},
		{RoleAgent, TypeForegroundEnter, false},
		{RoleAgent, TypeHistoryRequest, false},
		{RoleAgent, TypePong, true},
		{RoleBrowser, TypePong, true},
		{"robot", TypePong, false},
	}
	for _, tt := range tests {
		if got := AllowedFrom(tt.role, tt.typ); got != tt.want {
			t.Errorf("AllowedFrom(%s, %s) = %v, want %v", tt.role, tt.typ, got, tt.want)
		}
	}
}

func TestProtocolErrorMessage(t *testing.T) {
	err := &ProtocolError{Kind: ErrKindUnknownType, Type: "bogus"}
	if !strings.Contains(err.Error(), "bogus") {
		t.Errorf("error message missing type: %s", err.Error())
	}
	var pe *ProtocolError
	if !errors.As(err, &pe) {
		t.Errorf("expected *ProtocolError, got %T", err)
	}
}

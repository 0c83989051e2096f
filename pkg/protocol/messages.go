// Package protocol defines the wire protocol exchanged between the relay hub,
// agent processes and browser/app sessions over WebSocket.
//
// Every frame is a flat JSON object whose "type" field selects the message
// structure. Field names are camelCase. The hub relays content without
// interpreting it; only routing fields (ids, session keys, depth) matter here.
package protocol

import "encoding/json"

// Message is implemented by every typed frame in the vocabulary.
type Message interface {
	MessageType() string
}

// --- Message type constants ---

const (
	// Handshake
	TypeAuth     = "auth"
	TypeAuthOK   = "auth.ok"
	TypeAuthFail = "auth.fail"

	// Chat (browser → agent)
	TypeUserMessage = "user.message"
	TypeUserMedia   = "user.media"
	TypeUserAction  = "user.action"
	TypeUserCommand = "user.command"

	// Chat (agent → browser)
	TypeAgentText  = "agent.text"
	TypeAgentMedia = "agent.media"

	// Streaming (agent → browser)
	TypeStreamStart = "agent.stream.start"
	TypeStreamChunk = "agent.stream.chunk"
	TypeStreamEnd   = "agent.stream.end"

	// Delegation (agent ↔ agent)
	TypeAgentRequest  = "agent.request"
	TypeAgentResponse = "agent.response"

	// Trace side channel (agent → browser)
	TypeAgentTrace = "agent.trace"

	// Task control
	TypeTaskControl = "task.control" // browser → agent
	TypeTaskStatus  = "task.status"  // agent → browser

	// Liveness
	TypePing   = "ping"
	TypePong   = "pong"
	TypeStatus = "status"

	// Browser session state
	TypeForegroundEnter = "foreground.enter"
	TypeForegroundLeave = "foreground.leave"
	TypeDeviceRegister  = "device.register"
	TypeHistoryRequest  = "history.request"

	// Hub → peer
	TypeAck             = "ack"
	TypeError           = "error"
	TypePresence        = "presence"
	TypeHistoryResponse = "history.response"
)

// Ack statuses.
const (
	AckDelivered = "delivered" // forwarded to a live peer and persisted
	AckQueued    = "queued"    // persisted, no live receiver, push triggered
	AckFailed    = "failed"    // persistence exhausted its retries
	AckOK        = "ok"        // non-chat request accepted
)

// Trace verbosity levels. Primary conversation messages are stored at
// VerbosePrimary; traces must use VerboseDetail or VerboseFull.
const (
	VerbosePrimary = 1
	VerboseDetail  = 2
	VerboseFull    = 3
)

// Error codes carried by Error frames.
const (
	CodeForbidden    = "forbidden"
	CodeBadRequest   = "bad_request"
	CodeUnavailable  = "unavailable"
	CodeQueryFailed  = "query_failed"
	CodeQueueTooDeep = "queue_full"
)

// WebSocket close codes used by the hub.
const (
	CloseNormal     = 1000
	CloseGoingAway  = 1001
	ClosePolicy     = 1008 // send queue overflow, too many decode errors
	CloseAuthFailed = 4001
	CloseReplaced   = 4009 // another connection for the same agent took over
)

// --- Handshake ---

// Auth is the first frame every peer sends. Agents identify themselves with
// AgentID; a frame without AgentID authenticates a browser/app session.
type Auth struct {
	Token        string   `json:"token"`
	AgentID      string   `json:"agentId,omitempty"`
	AgentType    string   `json:"agentType,omitempty"`
	Agents       []string `json:"agents,omitempty"` // additional agent ids served by this process
	Model        string   `json:"model,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
}

func (Auth) MessageType() string { return TypeAuth }

// AuthOK confirms authentication.
type AuthOK struct {
	UserID          string   `json:"userId"`
	AgentID         string   `json:"agentId,omitempty"`
	AvailableAgents []string `json:"availableAgents,omitempty"`
}

func (AuthOK) MessageType() string { return TypeAuthOK }

// AuthFail rejects a credential. The hub closes the socket right after.
type AuthFail struct {
	Reason string `json:"reason"`
}

func (AuthFail) MessageType() string { return TypeAuthFail }

// --- Chat ---

// Media references an attachment stored outside the relay.
type Media struct {
	URL      string `json:"url"`
	MimeType string `json:"mimeType,omitempty"`
	Name     string `json:"name,omitempty"`
}

// Chat is one chat turn. The same structure carries the user.* and agent.*
// chat types; Kind holds the wire type.
type Chat struct {
	Kind string `json:"-"`

	MessageID     string          `json:"messageId"`
	SessionKey    string          `json:"sessionKey"`
	TargetAgentID string          `json:"targetAgentId,omitempty"` // browser → agent
	AgentID       string          `json:"agentId,omitempty"`       // stamped on agent → browser
	Text          string          `json:"text,omitempty"`
	Media         *Media          `json:"media,omitempty"`
	Action        string          `json:"action,omitempty"`
	Command       string          `json:"command,omitempty"`
	Args          []string        `json:"args,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

func (c Chat) MessageType() string { return c.Kind }

// --- Streaming ---

// StreamStart opens a streamed agent reply.
type StreamStart struct {
	RunID      string `json:"runId"`
	SessionKey string `json:"sessionKey,omitempty"`
	AgentID    string `json:"agentId,omitempty"`
}

func (StreamStart) MessageType() string { return TypeStreamStart }

// StreamChunk carries the full accumulated text of a run so far; consumers
// replace rather than append.
type StreamChunk struct {
	RunID      string `json:"runId"`
	SessionKey string `json:"sessionKey,omitempty"`
	AgentID    string `json:"agentId,omitempty"`
	Text       string `json:"text"`
}

func (StreamChunk) MessageType() string { return TypeStreamChunk }

// StreamEnd closes a run. When Text is present it is persisted as the final
// agent reply under MessageID.
type StreamEnd struct {
	RunID      string `json:"runId"`
	SessionKey string `json:"sessionKey,omitempty"`
	AgentID    string `json:"agentId,omitempty"`
	MessageID  string `json:"messageId,omitempty"`
	Text       string `json:"text,omitempty"`
}

func (StreamEnd) MessageType() string { return TypeStreamEnd }

// --- Delegation ---

// AgentRequest asks another agent to perform a sub-task. Depth is the hop
// count of the request as sent by the caller; the hub forwards it with
// Depth+1.
type AgentRequest struct {
	RequestID     string          `json:"requestId"`
	TargetAgentID string          `json:"targetAgentId"`
	Depth         *int            `json:"depth"`
	FromAgentID   string          `json:"fromAgentId,omitempty"` // stamped by the hub
	SessionKey    string          `json:"sessionKey,omitempty"`
	Text          string          `json:"text,omitempty"`
	Context       json.RawMessage `json:"context,omitempty"`
}

func (AgentRequest) MessageType() string { return TypeAgentRequest }

// HopDepth returns the request depth, treating a missing value as zero.
func (r AgentRequest) HopDepth() int {
	if r.Depth == nil {
		return 0
	}
	return *r.Depth
}

// AgentResponse answers an AgentRequest. Error is set for failures,
// including the synthetic responses generated by the hub.
type AgentResponse struct {
	RequestID   string `json:"requestId"`
	FromAgentID string `json:"fromAgentId"`
	Text        string `json:"text,omitempty"`
	Error       string `json:"error,omitempty"`
}

func (AgentResponse) MessageType() string { return TypeAgentResponse }

// --- Trace ---

// AgentTrace is supplementary execution detail attached to an already-sent
// agent message.
type AgentTrace struct {
	MessageID    string          `json:"messageId"`
	SessionKey   string          `json:"sessionKey,omitempty"`
	AgentID      string          `json:"agentId,omitempty"`
	VerboseLevel int             `json:"verboseLevel"`
	TraceType    string          `json:"traceType"`
	Content      string          `json:"content"`
	Metadata     json.RawMessage `json:"metadata,omitempty"`
}

func (AgentTrace) MessageType() string { return TypeAgentTrace }

// --- Task control ---

// TaskControl asks an agent to act on one of its scheduled tasks.
type TaskControl struct {
	MessageID     string          `json:"messageId"`
	TaskID        string          `json:"taskId"`
	Action        string          `json:"action"` // e.g. "run", "pause", "resume", "delete"
	TargetAgentID string          `json:"targetAgentId,omitempty"`
	SessionKey    string          `json:"sessionKey,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

func (TaskControl) MessageType() string { return TypeTaskControl }

// TaskStatus reports task state from an agent to all browsers.
type TaskStatus struct {
	TaskID     string          `json:"taskId"`
	Status     string          `json:"status"`
	AgentID    string          `json:"agentId,omitempty"`
	SessionKey string          `json:"sessionKey,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

func (TaskStatus) MessageType() string { return TypeTaskStatus }

// --- Liveness ---

// Ping is sent by the hub on an interval; peers answer with Pong.
type Ping struct {
	TS int64 `json:"ts,omitempty"`
}

func (Ping) MessageType() string { return TypePing }

// Pong answers Ping.
type Pong struct {
	TS int64 `json:"ts,omitempty"`
}

func (Pong) MessageType() string { return TypePong }

// Status is an unsolicited liveness/metadata report from an agent. A nil
// Connected leaves the agent's liveness unchanged.
type Status struct {
	Connected *bool    `json:"connected,omitempty"`
	Agents    []string `json:"agents,omitempty"`
	Model     string   `json:"model,omitempty"`
}

func (Status) MessageType() string { return TypeStatus }

// --- Browser session state ---

// ForegroundEnter reports that a browser is actively viewing a session.
// VerboseLevel selects which traces it wants live (defaults to primary only).
type ForegroundEnter struct {
	SessionKey   string `json:"sessionKey"`
	VerboseLevel int    `json:"verboseLevel,omitempty"`
}

func (ForegroundEnter) MessageType() string { return TypeForegroundEnter }

// ForegroundLeave reports that the browser went to background.
type ForegroundLeave struct {
	SessionKey string `json:"sessionKey,omitempty"`
}

func (ForegroundLeave) MessageType() string { return TypeForegroundLeave }

// DeviceRegister registers a push device token for the authenticated user.
type DeviceRegister struct {
	Token    string `json:"token"`
	Platform string `json:"platform"`
}

func (DeviceRegister) MessageType() string { return TypeDeviceRegister }

// HistoryRequest queries stored messages for a session.
type HistoryRequest struct {
	RequestID    string `json:"requestId"`
	SessionKey   string `json:"sessionKey"`
	VerboseLevel int    `json:"verboseLevel,omitempty"`
	AfterSeq     int64  `json:"afterSeq,omitempty"`
	Limit        int    `json:"limit,omitempty"`
}

func (HistoryRequest) MessageType() string { return TypeHistoryRequest }

// --- Hub → peer ---

// Ack reports the delivery outcome of a message the peer sent.
type Ack struct {
	MessageID string `json:"messageId"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}

func (Ack) MessageType() string { return TypeAck }

// Error carries a non-fatal error back to the sender.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Ref     string `json:"ref,omitempty"` // id of the offending frame, if any
}

func (Error) MessageType() string { return TypeError }

// AgentPresence describes one connected agent.
type AgentPresence struct {
	AgentID   string `json:"agentId"`
	AgentType string `json:"agentType,omitempty"`
	Model     string `json:"model,omitempty"`
	Connected bool   `json:"connected"`
}

// Presence lists the agents currently connected for the user.
type Presence struct {
	Agents []AgentPresence `json:"agents"`
}

func (Presence) MessageType() string { return TypePresence }

// StoredMessage is one persisted transcript entry.
type StoredMessage struct {
	Seq          int64           `json:"seq"`
	MessageID    string          `json:"messageId"`
	SessionKey   string          `json:"sessionKey"`
	Type         string          `json:"type"`
	Direction    string          `json:"direction"` // "user" or "agent"
	AgentID      string          `json:"agentId,omitempty"`
	VerboseLevel int             `json:"verboseLevel"`
	TraceType    string          `json:"traceType,omitempty"`
	Content      json.RawMessage `json:"content"`
	CreatedAt    int64           `json:"createdAt"` // unix millis
}

// HistoryResponse answers HistoryRequest.
type HistoryResponse struct {
	RequestID  string          `json:"requestId"`
	SessionKey string          `json:"sessionKey"`
	Messages   []StoredMessage `json:"messages"`
}

func (HistoryResponse) MessageType() string { return TypeHistoryResponse }

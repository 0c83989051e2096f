// Package store defines the storage interface for the relay hub and provides
// SQLite and PostgreSQL implementations.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Message directions.
const (
	DirectionUser  = "user"
	DirectionAgent = "agent"
)

// ErrSeqConflict is returned when two writers raced for the same sequence
// number in a session. The write can be retried.
var ErrSeqConflict = errors.New("store: session sequence conflict")

// Store is the persistence interface for the hub.
type Store interface {
	// Messages
	PersistMessage(ctx context.Context, msg *Message) (int64, error)
	QueryMessages(ctx context.Context, userID, sessionKey string, filter MessageFilter) ([]Message, error)
	ListUndelivered(ctx context.Context, userID string, filter UndeliveredFilter) ([]Message, error)
	MarkDelivered(ctx context.Context, userID string, ids []string) error

	// Push devices
	RegisterDevice(ctx context.Context, dev *Device) error
	ListDevices(ctx context.Context, userID string) ([]Device, error)
	RemoveDevice(ctx context.Context, userID, token string) error

	// Audit
	LogAuditEvent(ctx context.Context, event *AuditEvent) error
	ListAuditEvents(ctx context.Context, userID string, filter AuditFilter) ([]AuditEvent, error)

	// Data retention
	PurgeOldMessages(ctx context.Context, before time.Time) (int64, error)
	PurgeOldAuditEvents(ctx context.Context, before time.Time) (int64, error)

	// Health
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// Message is one stored transcript entry. Content holds the encoded frame as
// it was relayed.
//
// Primary messages are idempotent on (user, session, message id, type): a
// repeated PersistMessage returns the original sequence number. Traces
// (TraceType set) are append-only.
type Message struct {
	ID            string    `json:"id"`
	UserID        string    `json:"user_id"`
	SessionKey    string    `json:"session_key"`
	MessageID     string    `json:"message_id"`
	Seq           int64     `json:"seq"`
	Type          string    `json:"type"`
	Direction     string    `json:"direction"`                 // "user" or "agent"
	AgentID       string    `json:"agent_id,omitempty"`        // sending agent for agent messages
	TargetAgentID string    `json:"target_agent_id,omitempty"` // requested agent for user messages; empty means default
	VerboseLevel  int       `json:"verbose_level"`
	TraceType     string    `json:"trace_type,omitempty"`
	Content       string    `json:"content"`
	Delivered     bool      `json:"delivered"`
	CreatedAt     time.Time `json:"created_at"`
}

// MessageFilter narrows QueryMessages.
type MessageFilter struct {
	MaxVerbose int   // highest verbose level included; 0 means primary only
	AfterSeq   int64 // exclusive
	Limit      int   // 0 means DefaultQueryLimit
}

// Query limits.
const (
	DefaultQueryLimit = 100
	MaxQueryLimit     = 1000
)

func (f MessageFilter) normalized() MessageFilter {
	if f.MaxVerbose < 1 {
		f.MaxVerbose = 1
	}
	if f.Limit <= 0 {
		f.Limit = DefaultQueryLimit
	}
	if f.Limit > MaxQueryLimit {
		f.Limit = MaxQueryLimit
	}
	return f
}

// UndeliveredFilter selects queued user messages for an agent that just
// connected.
type UndeliveredFilter struct {
	AgentIDs          []string // messages explicitly targeted at any of these agents
	IncludeUntargeted bool     // also messages sent without a target
	Limit             int      // 0 means MaxQueryLimit
}

// Device is a registered push notification target.
type Device struct {
	UserID    string    `json:"user_id"`
	Token     string    `json:"token"`
	Platform  string    `json:"platform"`
	CreatedAt time.Time `json:"created_at"`
}

// AuditEvent is a log entry for audit purposes.
type AuditEvent struct {
	ID        string          `json:"id"`
	UserID    string          `json:"user_id"`
	Action    string          `json:"action"`
	PeerID    string          `json:"peer_id,omitempty"`
	AgentID   string          `json:"agent_id,omitempty"`
	Detail    json.RawMessage `json:"detail,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// AuditFilter specifies criteria for filtering audit events.
type AuditFilter struct {
	Action string
	Limit  int
	Offset int
}

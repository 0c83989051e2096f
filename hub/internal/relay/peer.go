package relay

import (
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/amurg-ai/relay/pkg/protocol"
	"github.com/google/uuid"
)

// Transport is one framed, bidirectional connection. ReadFrame is called
// only from the connection's read loop and WriteFrame only from the peer's
// write pump; Close may be called from anywhere and must unblock ReadFrame.
type Transport interface {
	ReadFrame() ([]byte, error)
	WriteFrame(data []byte) error
	Close(code int, reason string) error
}

// outFrame is one entry of a peer's send queue. A non-zero closeCode asks the
// pump to close the transport after everything queued before it was written.
type outFrame struct {
	data      []byte
	closeCode int
	reason    string
}

// Peer is one live connection. Identity fields are set before the peer is
// attached to its hub and never change afterwards. The routing state below
// them belongs to the hub goroutine.
type Peer struct {
	ID           string // "agent:<agentId>" or "browser:<sessionId>"
	UserID       string
	Role         string
	AgentID      string   // primary agent id; empty for browsers
	Agents       []string // every agent id served, AgentID first
	AgentType    string
	Model        string
	Capabilities []string
	ConnectedAt  time.Time

	// Hub-owned. Agents and Model above may also be refreshed by the hub
	// from status frames.
	lastSeenAt time.Time
	offline    bool   // agent reported its upstream gateway as disconnected
	agentBound bool   // credential names one agent; status frames cannot add more
	foreground string // session key currently viewed, browsers only
	verbose    int    // trace level wanted live in the foreground session

	// Queued store rows already sent on this connection.
	forwarded map[string]bool

	connID       string // stable from accept on; ID is only known after auth
	transport    Transport
	send         chan outFrame
	done         chan struct{}
	closeOnce    sync.Once
	authed       atomic.Bool
	missedPongs  atomic.Int32
	pingInterval time.Duration
	maxMissed    int32
	logger       *slog.Logger
}

func newPeer(t Transport, queueDepth int, pingInterval time.Duration, maxMissed int, logger *slog.Logger) *Peer {
	if queueDepth <= 0 {
		queueDepth = 256
	}
	return &Peer{
		forwarded:    make(map[string]bool),
		connID:       uuid.NewString(),
		transport:    t,
		send:         make(chan outFrame, queueDepth),
		done:         make(chan struct{}),
		pingInterval: pingInterval,
		maxMissed:    int32(maxMissed),
		logger:       logger,
	}
}

// Serves reports whether the peer handles agentID.
func (p *Peer) Serves(agentID string) bool {
	return slices.Contains(p.Agents, agentID)
}

// Send encodes msg and queues it. It returns false when the peer is closed
// or its queue overflowed, in which case the peer is closed with
// ClosePolicy.
func (p *Peer) Send(msg protocol.Message) bool {
	data, err := protocol.Encode(msg)
	if err != nil {
		p.logger.Error("encode outbound frame", "type", msg.MessageType(), "error", err)
		return false
	}
	return p.SendRaw(data)
}

// SendRaw queues an already encoded frame.
func (p *Peer) SendRaw(data []byte) bool {
	select {
	case <-p.done:
		return false
	default:
	}
	select {
	case p.send <- outFrame{data: data}:
		return true
	default:
		p.logger.Warn("send queue full, closing peer", "conn_id", p.connID, "depth", cap(p.send))
		p.Close(protocol.ClosePolicy, "send queue full")
		return false
	}
}

// CloseAfter queues msg and then a close with the given code, so the peer
// sees the frame before the socket goes away.
func (p *Peer) CloseAfter(msg protocol.Message, code int, reason string) {
	data, err := protocol.Encode(msg)
	if err != nil {
		p.Close(code, reason)
		return
	}
	select {
	case <-p.done:
		return
	default:
	}
	select {
	case p.send <- outFrame{data: data}:
	default:
		p.Close(code, reason)
		return
	}
	p.CloseQueued(code, reason)
}

// CloseQueued closes the peer once everything already queued is written.
func (p *Peer) CloseQueued(code int, reason string) {
	select {
	case <-p.done:
		return
	default:
	}
	select {
	case p.send <- outFrame{closeCode: code, reason: reason}:
	default:
		p.Close(code, reason)
	}
}

// Close closes the transport immediately. Only the first call has effect.
func (p *Peer) Close(code int, reason string) {
	p.closeOnce.Do(func() {
		close(p.done)
		if err := p.transport.Close(code, reason); err != nil {
			p.logger.Debug("transport close", "conn_id", p.connID, "error", err)
		}
	})
}

// Done is closed once the peer is closed.
func (p *Peer) Done() <-chan struct{} { return p.done }

func (p *Peer) pong() { p.missedPongs.Store(0) }

// writePump drains the send queue into the transport and pings authenticated
// peers. It is the only writer of the transport.
func (p *Peer) writePump() {
	var tick <-chan time.Time
	if p.pingInterval > 0 {
		ticker := time.NewTicker(p.pingInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case f := <-p.send:
			if f.closeCode != 0 {
				p.Close(f.closeCode, f.reason)
				return
			}
			if err := p.transport.WriteFrame(f.data); err != nil {
				p.logger.Debug("write failed", "conn_id", p.connID, "error", err)
				p.Close(protocol.CloseGoingAway, "write failed")
				return
			}

		case <-tick:
			if !p.authed.Load() {
				continue
			}
			if p.maxMissed > 0 && p.missedPongs.Load() >= p.maxMissed {
				p.logger.Info("peer missed pongs, closing", "conn_id", p.connID, "missed", p.maxMissed)
				p.Close(protocol.CloseGoingAway, "ping timeout")
				return
			}
			p.missedPongs.Add(1)
			if err := p.transport.WriteFrame(protocol.MustEncode(protocol.Ping{TS: time.Now().UnixMilli()})); err != nil {
				p.Close(protocol.CloseGoingAway, "write failed")
				return
			}

		case <-p.done:
			return
		}
	}
}

package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync/atomic"
	"time"

	"github.com/amurg-ai/relay/hub/internal/auth"
	"github.com/amurg-ai/relay/hub/internal/store"
	"github.com/amurg-ai/relay/pkg/protocol"
	"github.com/google/uuid"
)

// Connection states. A connection only moves forward.
const (
	stateAwaitingAuth int32 = iota
	stateAuthenticated
	stateClosed
)

// conn is the read side of one connection: it runs the auth handshake and
// then feeds decoded frames to the user's hub in receipt order.
type conn struct {
	sup          *Supervisor
	peer         *Peer
	state        atomic.Int32
	hub          *Hub
	decodeErrors int
	logger       *slog.Logger
}

// Serve runs one connection until its transport closes. It blocks.
func (s *Supervisor) Serve(t Transport) {
	p := newPeer(t, s.opts.SendQueueDepth, s.opts.PingInterval, s.opts.MaxMissedPongs, s.logger)
	go p.writePump()

	c := &conn{sup: s, peer: p, logger: s.logger.With("conn_id", p.connID)}
	c.serve()
}

func (c *conn) serve() {
	timer := time.AfterFunc(c.sup.opts.AuthTimeout, func() {
		if c.state.CompareAndSwap(stateAwaitingAuth, stateClosed) {
			c.logger.Info("auth timeout")
			c.peer.CloseAfter(protocol.AuthFail{Reason: "auth timeout"}, protocol.CloseAuthFailed, "auth timeout")
		}
	})
	defer timer.Stop()

	for {
		data, err := c.peer.transport.ReadFrame()
		if err != nil {
			c.logger.Debug("read ended", "error", err)
			break
		}
		if !c.handleFrame(data) {
			break
		}
	}

	c.state.Store(stateClosed)
	c.peer.Close(protocol.CloseNormal, "")
	if c.hub != nil {
		c.hub.post(detachEvent{peer: c.peer})
	}
}

// handleFrame processes one inbound frame and reports whether reading should
// continue.
func (c *conn) handleFrame(data []byte) bool {
	msg, err := protocol.Decode(data)
	if err != nil {
		return c.decodeFailed(err)
	}

	switch c.state.Load() {
	case stateAwaitingAuth:
		a, ok := msg.(*protocol.Auth)
		if !ok {
			c.logger.Warn("dropping frame before auth", "type", msg.MessageType())
			return true
		}
		c.authenticate(a)
		return true

	case stateAuthenticated:
		switch msg.(type) {
		case *protocol.Auth:
			c.peer.Send(protocol.Error{Code: protocol.CodeBadRequest, Message: "already authenticated"})
			return true
		case *protocol.Pong:
			c.peer.pong()
		}
		return c.hub.post(frameEvent{peer: c.peer, msg: msg})
	}

	// Closed: keep draining until the write pump closes the transport.
	return true
}

func (c *conn) decodeFailed(err error) bool {
	c.decodeErrors++
	c.logger.Warn("dropping malformed frame", "peer_id", c.peer.ID, "error", err, "count", c.decodeErrors)

	// Unauthenticated peers never get frames back, not even errors.
	authed := c.state.Load() == stateAuthenticated
	if authed {
		var perr *protocol.ProtocolError
		msg := err.Error()
		if errors.As(err, &perr) && perr.Type != "" && perr.Type != "frame" {
			msg = fmt.Sprintf("%s: %v", perr.Type, err)
		}
		c.peer.Send(protocol.Error{Code: protocol.CodeBadRequest, Message: msg})
	}

	if limit := c.sup.opts.DecodeErrorLimit; limit > 0 && c.decodeErrors > limit {
		c.logger.Warn("too many malformed frames, closing", "limit", limit)
		c.state.Store(stateClosed)
		if !authed {
			c.peer.Close(protocol.ClosePolicy, "too many malformed frames")
			return true
		}
		c.peer.CloseAfter(protocol.Error{Code: protocol.CodeBadRequest, Message: "too many malformed frames"},
			protocol.ClosePolicy, "too many malformed frames")
	}
	return true
}

// authenticate validates the credential in the read goroutine and hands the
// peer to its hub, which answers with auth.ok.
func (c *conn) authenticate(a *protocol.Auth) {
	ctx, cancel := context.WithTimeout(context.Background(), c.sup.opts.AuthTimeout)
	id, err := c.sup.validator.Verify(ctx, a.Token)
	cancel()
	if err == nil && id.AgentID != "" && a.AgentID != "" && a.AgentID != id.AgentID {
		err = fmt.Errorf("%w: credential is bound to agent %q", auth.ErrUnauthorized, id.AgentID)
	}
	if err != nil {
		if !c.state.CompareAndSwap(stateAwaitingAuth, stateClosed) {
			return
		}
		reason := "invalid credentials"
		if errors.Is(err, auth.ErrExpired) {
			reason = "credentials expired"
		}
		c.logger.Warn("authentication failed", "agent_id", a.AgentID, "error", err)
		c.peer.CloseAfter(protocol.AuthFail{Reason: reason}, protocol.CloseAuthFailed, reason)
		c.auditAuthFail(a.AgentID, reason)
		return
	}

	p := c.peer
	p.UserID = id.UserID
	p.Capabilities = a.Capabilities
	p.ConnectedAt = time.Now()
	agentID := a.AgentID
	if agentID == "" {
		agentID = id.AgentID
	}
	if agentID != "" {
		p.Role = protocol.RoleAgent
		p.AgentID = agentID
		p.ID = "agent:" + agentID
		p.AgentType = a.AgentType
		p.Model = a.Model
		if id.AgentID != "" {
			p.agentBound = true
			p.Agents = []string{agentID}
			if len(a.Agents) > 0 {
				c.logger.Warn("ignoring extra agent ids for agent-bound credential", "agent_id", agentID)
			}
		} else {
			p.Agents = servedAgents(agentID, a.Agents)
		}
	} else {
		p.Role = protocol.RoleBrowser
		p.ID = "browser:" + uuid.NewString()
	}

	if !c.state.CompareAndSwap(stateAwaitingAuth, stateAuthenticated) {
		return
	}
	hub, err := c.sup.attach(p)
	if err != nil {
		c.state.Store(stateClosed)
		p.CloseAfter(protocol.AuthFail{Reason: "relay unavailable"}, protocol.CloseGoingAway, "shutting down")
		return
	}
	c.hub = hub
	c.logger.Debug("authenticated", "peer_id", p.ID, "user_id", p.UserID)
}

func (c *conn) auditAuthFail(agentID, reason string) {
	detail, _ := json.Marshal(map[string]string{"reason": reason})
	ev := &store.AuditEvent{Action: "auth.fail", AgentID: agentID, PeerID: c.peer.connID, Detail: detail}
	c.sup.pool.Submit(func(ctx context.Context) {
		if err := c.sup.store.LogAuditEvent(ctx, ev); err != nil {
			c.logger.Warn("failed to log audit event", "action", "auth.fail", "error", err)
		}
	})
}

// servedAgents returns primary followed by the distinct non-empty extras.
func servedAgents(primary string, extra []string) []string {
	out := []string{primary}
	for _, id := range extra {
		if id != "" && !slices.Contains(out, id) {
			out = append(out, id)
		}
	}
	return out
}

package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/amurg-ai/relay/hub/internal/push"
	"github.com/amurg-ai/relay/hub/internal/store"
	"github.com/amurg-ai/relay/pkg/protocol"
)

func (h *Hub) route(p *Peer, msg protocol.Message) {
	if h.registry.Get(p.ID) != p {
		h.logger.Debug("dropping frame from detached peer", "peer_id", p.ID, "type", msg.MessageType())
		return
	}
	h.registry.Touch(p.ID, time.Now())

	if !protocol.AllowedFrom(p.Role, msg.MessageType()) {
		h.logger.Warn("role violation", "peer_id", p.ID, "role", p.Role, "type", msg.MessageType())
		p.Send(protocol.Error{
			Code:    protocol.CodeForbidden,
			Message: fmt.Sprintf("%s peers may not send %s", p.Role, msg.MessageType()),
		})
		return
	}

	switch m := msg.(type) {
	case *protocol.Chat:
		if p.Role == protocol.RoleBrowser {
			h.routeToAgent(p, m)
		} else {
			h.routeToBrowsers(p, m)
		}
	case *protocol.StreamStart:
		m.AgentID = senderAgent(p, m.AgentID)
		h.fanOut(m)
	case *protocol.StreamChunk:
		m.AgentID = senderAgent(p, m.AgentID)
		h.fanOut(m)
	case *protocol.StreamEnd:
		h.routeStreamEnd(p, m)
	case *protocol.AgentRequest:
		h.delegate(p, m)
	case *protocol.AgentResponse:
		h.respond(p, m)
	case *protocol.AgentTrace:
		h.routeTrace(p, m)
	case *protocol.TaskControl:
		h.routeTaskControl(p, m)
	case *protocol.TaskStatus:
		m.AgentID = senderAgent(p, m.AgentID)
		h.fanOut(m)
	case *protocol.Status:
		h.updateStatus(p, m)
	case *protocol.Pong:
	case *protocol.ForegroundEnter:
		p.foreground = m.SessionKey
		p.verbose = max(m.VerboseLevel, protocol.VerbosePrimary)
	case *protocol.ForegroundLeave:
		if m.SessionKey == "" || m.SessionKey == p.foreground {
			p.foreground = ""
			p.verbose = 0
		}
	case *protocol.DeviceRegister:
		h.registerDevice(p, m)
	case *protocol.HistoryRequest:
		h.history(p, m)
	default:
		h.logger.Debug("ignoring frame", "peer_id", p.ID, "type", msg.MessageType())
	}
}

// senderAgent picks the agent id stamped on an agent frame: the claimed id
// when the peer serves it, its primary id otherwise.
func senderAgent(p *Peer, claimed string) string {
	if claimed != "" && p.Serves(claimed) {
		return claimed
	}
	return p.AgentID
}

// routeToAgent forwards a browser chat message to its agent, or queues it
// when no agent can take it.
func (h *Hub) routeToAgent(p *Peer, m *protocol.Chat) {
	frame, err := protocol.Encode(m)
	if err != nil {
		p.Send(protocol.Ack{MessageID: m.MessageID, Status: protocol.AckFailed, Error: err.Error()})
		return
	}

	// Other tabs of the same user see the turn too.
	h.fanOutRaw(frame, p)

	rec := &store.Message{
		UserID:        h.userID,
		SessionKey:    m.SessionKey,
		MessageID:     m.MessageID,
		Type:          m.Kind,
		Direction:     store.DirectionUser,
		TargetAgentID: m.TargetAgentID,
		VerboseLevel:  protocol.VerbosePrimary,
		Content:       string(frame),
	}

	if target := h.registry.FindAgent(m.TargetAgentID); target != nil && target.SendRaw(frame) {
		rec.Delivered = true
		h.persist(rec, nil, h.ackFunc(p, m.MessageID, protocol.AckDelivered))
		return
	}

	h.logger.Debug("no agent connected, queueing message", "message_id", m.MessageID, "target", m.TargetAgentID)
	notif := h.notification(m.Kind, m.SessionKey, m.MessageID, "Message queued", chatBody(m))
	ack := h.ackFunc(p, m.MessageID, protocol.AckQueued)
	h.persist(rec, notif, func(err error) {
		ack(err)
		if err == nil {
			h.handOffQueued(rec)
		}
	})
}

// handOffQueued runs once a queued message is stored. An agent that attached
// while the write was in flight scanned its queue before the row existed, so
// the row is forwarded to it here.
func (h *Hub) handOffQueued(rec *store.Message) {
	target := h.registry.FindAgent(rec.TargetAgentID)
	if target == nil || target.forwarded[rec.ID] {
		return
	}
	if !target.SendRaw([]byte(rec.Content)) {
		return
	}
	target.forwarded[rec.ID] = true
	h.logger.Debug("handed off queued message", "message_id", rec.MessageID, "peer_id", target.ID)
	h.markDelivered([]string{rec.ID})
}

// routeToBrowsers fans an agent chat message out to every browser and
// stores it.
func (h *Hub) routeToBrowsers(p *Peer, m *protocol.Chat) {
	m.AgentID = senderAgent(p, m.AgentID)
	frame, err := protocol.Encode(m)
	if err != nil {
		p.Send(protocol.Ack{MessageID: m.MessageID, Status: protocol.AckFailed, Error: err.Error()})
		return
	}

	status := protocol.AckQueued
	if h.fanOutRaw(frame, nil) > 0 {
		status = protocol.AckDelivered
	}

	var notif *push.Notification
	if !h.viewing(m.SessionKey) {
		notif = h.notification(m.Kind, m.SessionKey, m.MessageID, m.AgentID, chatBody(m))
	}

	h.persist(&store.Message{
		UserID:       h.userID,
		SessionKey:   m.SessionKey,
		MessageID:    m.MessageID,
		Type:         m.Kind,
		Direction:    store.DirectionAgent,
		AgentID:      m.AgentID,
		VerboseLevel: protocol.VerbosePrimary,
		Content:      string(frame),
		Delivered:    true,
	}, notif, h.ackFunc(p, m.MessageID, status))
}

// routeStreamEnd closes a streamed reply. A stream end carrying a message id
// and final text is stored like an agent.text.
func (h *Hub) routeStreamEnd(p *Peer, m *protocol.StreamEnd) {
	m.AgentID = senderAgent(p, m.AgentID)
	frame, err := protocol.Encode(m)
	if err != nil {
		return
	}
	delivered := h.fanOutRaw(frame, nil) > 0
	if m.MessageID == "" || m.Text == "" {
		return
	}

	status := protocol.AckQueued
	if delivered {
		status = protocol.AckDelivered
	}
	var notif *push.Notification
	if !h.viewing(m.SessionKey) {
		notif = h.notification(protocol.TypeStreamEnd, m.SessionKey, m.MessageID, m.AgentID, m.Text)
	}
	h.persist(&store.Message{
		UserID:       h.userID,
		SessionKey:   m.SessionKey,
		MessageID:    m.MessageID,
		Type:         protocol.TypeStreamEnd,
		Direction:    store.DirectionAgent,
		AgentID:      m.AgentID,
		VerboseLevel: protocol.VerbosePrimary,
		Content:      string(frame),
		Delivered:    true,
	}, notif, h.ackFunc(p, m.MessageID, status))
}

// routeTrace stores a trace and forwards it live to browsers viewing the
// session at a sufficient verbosity.
func (h *Hub) routeTrace(p *Peer, m *protocol.AgentTrace) {
	m.AgentID = senderAgent(p, m.AgentID)
	frame, err := protocol.Encode(m)
	if err != nil {
		return
	}
	for _, b := range h.registry.AllBrowsers() {
		if b.foreground != "" && b.foreground == m.SessionKey && b.verbose >= m.VerboseLevel {
			b.SendRaw(frame)
		}
	}

	h.persist(&store.Message{
		UserID:       h.userID,
		SessionKey:   m.SessionKey,
		MessageID:    m.MessageID,
		Type:         protocol.TypeAgentTrace,
		Direction:    store.DirectionAgent,
		AgentID:      m.AgentID,
		VerboseLevel: m.VerboseLevel,
		TraceType:    m.TraceType,
		Content:      string(frame),
		Delivered:    true,
	}, nil, func(err error) {
		if err != nil {
			h.logger.Warn("failed to persist trace", "message_id", m.MessageID, "error", err)
			p.Send(protocol.Error{Code: protocol.CodeUnavailable, Message: err.Error(), Ref: m.MessageID})
		}
	})
}

func (h *Hub) routeTaskControl(p *Peer, m *protocol.TaskControl) {
	target := h.registry.FindAgent(m.TargetAgentID)
	if target == nil || !target.Send(m) {
		p.Send(protocol.Error{Code: protocol.CodeUnavailable, Message: ErrNoTarget.Error(), Ref: m.MessageID})
		return
	}
	p.Send(protocol.Ack{MessageID: m.MessageID, Status: protocol.AckDelivered})
}

func (h *Hub) updateStatus(p *Peer, m *protocol.Status) {
	if m.Model != "" {
		p.Model = m.Model
	}
	if m.Connected != nil {
		p.offline = !*m.Connected
	}
	if len(m.Agents) > 0 && !p.agentBound {
		p.Agents = servedAgents(p.AgentID, m.Agents)
		h.registry.Register(p)
	}
	h.broadcastPresence()
}

func (h *Hub) registerDevice(p *Peer, m *protocol.DeviceRegister) {
	dev := &store.Device{UserID: h.userID, Token: m.Token, Platform: m.Platform}
	h.async(p, func(ctx context.Context) func() {
		err := h.store.RegisterDevice(ctx, dev)
		return func() {
			if err != nil {
				h.logger.Warn("failed to register device", "error", err)
				p.Send(protocol.Error{Code: protocol.CodeUnavailable, Message: "device registration failed"})
				return
			}
			p.Send(protocol.Ack{Status: protocol.AckOK})
		}
	})
}

func (h *Hub) history(p *Peer, m *protocol.HistoryRequest) {
	filter := store.MessageFilter{MaxVerbose: m.VerboseLevel, AfterSeq: m.AfterSeq, Limit: m.Limit}
	h.async(p, func(ctx context.Context) func() {
		rows, err := h.store.QueryMessages(ctx, h.userID, m.SessionKey, filter)
		return func() {
			if err != nil {
				h.logger.Warn("history query failed", "session_key", m.SessionKey, "error", err)
				p.Send(protocol.Error{Code: protocol.CodeQueryFailed, Message: "history query failed", Ref: m.RequestID})
				return
			}
			p.Send(protocol.HistoryResponse{
				RequestID:  m.RequestID,
				SessionKey: m.SessionKey,
				Messages:   StoredMessages(rows),
			})
		}
	})
}

// deliverQueued forwards messages stored while no agent could take them to a
// newly connected agent, oldest first, then marks them delivered.
func (h *Hub) deliverQueued(p *Peer) {
	filter := store.UndeliveredFilter{
		AgentIDs:          p.Agents,
		IncludeUntargeted: len(h.registry.AllAgents()) == 1,
	}
	h.async(p, func(ctx context.Context) func() {
		rows, err := h.store.ListUndelivered(ctx, h.userID, filter)
		return func() {
			if err != nil {
				h.logger.Warn("failed to load queued messages", "peer_id", p.ID, "error", err)
				return
			}
			if len(rows) == 0 || h.registry.Get(p.ID) != p {
				return
			}
			ids := make([]string, 0, len(rows))
			for _, row := range rows {
				if p.forwarded[row.ID] {
					continue
				}
				if !p.SendRaw([]byte(row.Content)) {
					break
				}
				p.forwarded[row.ID] = true
				ids = append(ids, row.ID)
			}
			h.logger.Info("delivered queued messages", "peer_id", p.ID, "count", len(ids))
			h.markDelivered(ids)
		}
	})
}

func (h *Hub) markDelivered(ids []string) {
	if len(ids) == 0 {
		return
	}
	h.async(nil, func(ctx context.Context) func() {
		if err := h.store.MarkDelivered(ctx, h.userID, ids); err != nil {
			h.logger.Warn("failed to mark messages delivered", "error", err)
		}
		return nil
	})
}

// viewing reports whether some browser has sessionKey in the foreground. An
// empty key matches any foreground browser.
func (h *Hub) viewing(sessionKey string) bool {
	for _, b := range h.registry.AllBrowsers() {
		if b.foreground != "" && (sessionKey == "" || b.foreground == sessionKey) {
			return true
		}
	}
	return false
}

// ackFunc returns a persist callback that acks messageID to p with okStatus,
// or with AckFailed when the store gave up.
func (h *Hub) ackFunc(p *Peer, messageID, okStatus string) func(error) {
	return func(err error) {
		if err != nil {
			h.logger.Warn("persist failed", "message_id", messageID, "error", err)
			p.Send(protocol.Ack{MessageID: messageID, Status: protocol.AckFailed, Error: err.Error()})
			return
		}
		p.Send(protocol.Ack{MessageID: messageID, Status: okStatus})
	}
}

// persist stores rec off the hub goroutine with bounded retries. done runs
// back on the hub goroutine; the notification, if any, is dispatched after
// a successful write.
func (h *Hub) persist(rec *store.Message, notif *push.Notification, done func(error)) {
	job := func(ctx context.Context) {
		_, err := persistWithRetry(ctx, h.store, rec, h.opts.StoreAttempts, h.opts.StoreBackoff)
		h.post(callEvent{fn: func() { done(err) }})
		if err == nil && notif != nil {
			h.notify(ctx, *notif)
		}
	}
	if !h.pool.Submit(job) {
		done(&StoreError{Attempts: 0, Err: ErrBusy})
	}
}

// async executes work on the pool and applies the returned continuation on the
// hub goroutine. When the pool is saturated, p (if any) gets an error frame.
func (h *Hub) async(p *Peer, work func(ctx context.Context) func()) {
	submitted := h.pool.Submit(func(ctx context.Context) {
		if next := work(ctx); next != nil {
			h.post(callEvent{fn: next})
		}
	})
	if !submitted {
		h.logger.Warn("worker pool saturated")
		if p != nil {
			p.Send(protocol.Error{Code: protocol.CodeQueueTooDeep, Message: ErrBusy.Error()})
		}
	}
}

func (h *Hub) notification(msgType, sessionKey, messageID, title, body string) *push.Notification {
	if title == "" {
		title = "New message"
	}
	return &push.Notification{
		UserID:     h.userID,
		SessionKey: sessionKey,
		MessageID:  messageID,
		Type:       msgType,
		Title:      title,
		Body:       push.Truncate(body, push.BodyLimit),
	}
}

// notify sends n to every registered device and prunes tokens the backend
// reports as invalid. It runs on a pool worker.
func (h *Hub) notify(ctx context.Context, n push.Notification) {
	devices, err := h.store.ListDevices(ctx, h.userID)
	if err != nil {
		h.logger.Warn("failed to list push devices", "error", err)
		return
	}
	tokens := make([]string, 0, len(devices))
	for _, d := range devices {
		tokens = append(tokens, d.Token)
	}
	res, err := h.push.Notify(ctx, tokens, n)
	if err != nil {
		h.logger.Warn("push notification failed", "message_id", n.MessageID, "error", err)
		return
	}
	for _, tok := range res.InvalidTokens {
		if err := h.store.RemoveDevice(ctx, h.userID, tok); err != nil {
			h.logger.Warn("failed to remove invalid push token", "error", err)
		}
	}
}

func chatBody(m *protocol.Chat) string {
	switch {
	case m.Text != "":
		return m.Text
	case m.Media != nil && m.Media.Name != "":
		return m.Media.Name
	case m.Media != nil:
		return "Sent an attachment"
	case m.Action != "":
		return m.Action
	case m.Command != "":
		return "/" + m.Command
	}
	return ""
}

// StoredMessages converts store rows to their wire form.
func StoredMessages(rows []store.Message) []protocol.StoredMessage {
	out := make([]protocol.StoredMessage, 0, len(rows))
	for _, r := range rows {
		content := json.RawMessage(r.Content)
		if !json.Valid(content) {
			content, _ = json.Marshal(r.Content)
		}
		out = append(out, protocol.StoredMessage{
			Seq:          r.Seq,
			MessageID:    r.MessageID,
			SessionKey:   r.SessionKey,
			Type:         r.Type,
			Direction:    r.Direction,
			AgentID:      r.AgentID,
			VerboseLevel: r.VerboseLevel,
			TraceType:    r.TraceType,
			Content:      content,
			CreatedAt:    r.CreatedAt.UnixMilli(),
		})
	}
	return out
}

package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/amurg-ai/relay/hub/internal/push"
	"github.com/amurg-ai/relay/hub/internal/store"
	"github.com/amurg-ai/relay/pkg/protocol"
)

type event any

type attachEvent struct{ peer *Peer }

type detachEvent struct{ peer *Peer }

type frameEvent struct {
	peer *Peer
	msg  protocol.Message
}

// callEvent runs fn on the hub goroutine. Worker results come back this way.
type callEvent struct{ fn func() }

// Hub owns every live connection of one user. All of its state is mutated
// by the goroutine started in run; other goroutines talk to it through the
// inbox.
type Hub struct {
	userID string
	opts   Options
	sup    *Supervisor
	store  store.Store
	push   push.Dispatcher
	pool   *Pool
	logger *slog.Logger

	inbox chan event
	stop  chan struct{}
	done  chan struct{}

	// pendingAttach counts attach events posted but not yet handled. It is
	// guarded by sup.mu and keeps the hub from retiring under an attach.
	pendingAttach int

	registry  *Registry
	tracker   *Tracker
	deadline  *time.Timer
	idle      *time.Timer
	idleArmed bool
}

func newHub(sup *Supervisor, userID string) *Hub {
	return &Hub{
		userID:   userID,
		opts:     sup.opts,
		sup:      sup,
		store:    sup.store,
		push:     sup.push,
		pool:     sup.pool,
		logger:   sup.logger.With("component", "hub", "user_id", userID),
		inbox:    make(chan event, 256),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		registry: NewRegistry(),
		tracker:  NewTracker(),
	}
}

// post delivers ev to the hub. It returns false once the hub has exited.
func (h *Hub) post(ev event) bool {
	select {
	case h.inbox <- ev:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) run() {
	defer close(h.done)

	h.deadline = time.NewTimer(time.Hour)
	h.deadline.Stop()
	h.idle = time.NewTimer(h.opts.IdleGrace)
	h.idle.Stop()
	defer h.deadline.Stop()
	defer h.idle.Stop()

	h.logger.Debug("hub started")
	for {
		select {
		case ev := <-h.inbox:
			h.handle(ev)
		case <-h.deadline.C:
			h.expire(time.Now())
		case <-h.idle.C:
			h.idleArmed = false
			if h.registry.Len() == 0 && h.tracker.Len() == 0 && h.sup.retire(h) {
				h.logger.Debug("hub retired")
				return
			}
		case <-h.stop:
			h.teardown()
			return
		}
		h.armTimers()
	}
}

// armTimers keeps at most two timers live: the nearest delegation deadline
// and the idle grace period. Nothing else wakes an idle hub.
func (h *Hub) armTimers() {
	if next, ok := h.tracker.NextDeadline(); ok {
		h.deadline.Reset(max(time.Until(next), 0))
	} else {
		h.deadline.Stop()
	}

	empty := h.registry.Len() == 0 && h.tracker.Len() == 0
	switch {
	case empty && !h.idleArmed:
		h.idle.Reset(h.opts.IdleGrace)
		h.idleArmed = true
	case !empty && h.idleArmed:
		h.idle.Stop()
		h.idleArmed = false
	}
}

func (h *Hub) handle(ev event) {
	switch ev := ev.(type) {
	case attachEvent:
		h.attach(ev.peer)
	case detachEvent:
		h.detach(ev.peer)
	case frameEvent:
		h.route(ev.peer, ev.msg)
	case callEvent:
		ev.fn()
	}
}

func (h *Hub) attach(p *Peer) {
	h.sup.attached(h)

	if h.opts.MaxPeers > 0 && h.registry.Get(p.ID) == nil && h.registry.Len() >= h.opts.MaxPeers {
		h.logger.Warn("peer limit reached, rejecting connection", "peer_id", p.ID, "limit", h.opts.MaxPeers)
		p.CloseAfter(protocol.AuthFail{Reason: "too many connections"}, protocol.ClosePolicy, "too many connections")
		return
	}

	p.lastSeenAt = time.Now()
	if old := h.registry.Register(p); old != nil {
		h.logger.Info("peer replaced by new connection", "peer_id", p.ID)
		old.Close(protocol.CloseReplaced, "replaced")
		h.audit("peer.replaced", old, nil)
		// The new process never saw requests sent to the old socket.
		for _, d := range h.tracker.FailByTarget(old.ID) {
			h.failDelegation(d, ErrTargetGone)
		}
	}
	p.authed.Store(true)

	ok := protocol.AuthOK{UserID: h.userID}
	if p.Role == protocol.RoleAgent {
		ok.AgentID = p.AgentID
		for _, id := range h.registry.AgentIDs() {
			if !p.Serves(id) {
				ok.AvailableAgents = append(ok.AvailableAgents, id)
			}
		}
	} else {
		ok.AvailableAgents = h.registry.AgentIDs()
	}
	p.Send(ok)

	h.logger.Info("peer connected", "peer_id", p.ID, "role", p.Role, "peers", h.registry.Len())
	h.audit("peer.connect", p, nil)

	if p.Role == protocol.RoleAgent {
		h.broadcastPresence()
		h.deliverQueued(p)
	}
}

func (h *Hub) detach(p *Peer) {
	if h.registry.Get(p.ID) != p {
		return
	}
	h.registry.Unregister(p.ID)
	p.Close(protocol.CloseNormal, "")

	h.logger.Info("peer disconnected", "peer_id", p.ID, "peers", h.registry.Len())
	h.audit("peer.disconnect", p, nil)

	if p.Role == protocol.RoleAgent {
		for _, d := range h.tracker.FailByTarget(p.ID) {
			h.failDelegation(d, ErrTargetGone)
		}
		h.broadcastPresence()
	}
}

// teardown fails all pending delegations and closes every peer, including
// peers whose attach is still queued.
func (h *Hub) teardown() {
	for _, d := range h.tracker.Drain() {
		h.failDelegation(d, ErrHubShutdown)
	}
	for _, p := range append(h.registry.AllAgents(), h.registry.AllBrowsers()...) {
		h.registry.Unregister(p.ID)
		p.CloseQueued(protocol.CloseGoingAway, "hub shutting down")
	}
	for {
		select {
		case ev := <-h.inbox:
			if a, ok := ev.(attachEvent); ok {
				a.peer.Close(protocol.CloseGoingAway, "hub shutting down")
			}
		default:
			h.logger.Debug("hub stopped")
			return
		}
	}
}

func (h *Hub) broadcastPresence() {
	h.fanOut(protocol.Presence{Agents: h.registry.Presence()})
}

// fanOut sends msg to every browser and returns how many accepted it.
func (h *Hub) fanOut(msg protocol.Message) int {
	data, err := protocol.Encode(msg)
	if err != nil {
		h.logger.Error("encode fan-out frame", "type", msg.MessageType(), "error", err)
		return 0
	}
	return h.fanOutRaw(data, nil)
}

func (h *Hub) fanOutRaw(data []byte, except *Peer) int {
	n := 0
	for _, b := range h.registry.AllBrowsers() {
		if b == except {
			continue
		}
		if b.SendRaw(data) {
			n++
		}
	}
	return n
}

// audit records a lifecycle event off the hub goroutine. Audit failures are
// logged and otherwise ignored.
func (h *Hub) audit(action string, p *Peer, detail map[string]any) {
	ev := &store.AuditEvent{UserID: h.userID, Action: action}
	if p != nil {
		ev.PeerID = p.ID
		ev.AgentID = p.AgentID
	}
	if detail != nil {
		ev.Detail, _ = json.Marshal(detail)
	}
	submitted := h.pool.Submit(func(ctx context.Context) {
		if err := h.store.LogAuditEvent(ctx, ev); err != nil {
			h.logger.Warn("failed to log audit event", "action", action, "error", err)
		}
	})
	if !submitted {
		h.logger.Debug("audit event dropped, pool saturated", "action", action)
	}
}

// Snapshot is a point-in-time view of one user's hub.
type Snapshot struct {
	UserID             string                   `json:"userId"`
	Browsers           int                      `json:"browsers"`
	Agents             []protocol.AgentPresence `json:"agents"`
	PendingDelegations int                      `json:"pendingDelegations"`
}

func (h *Hub) snapshot(ctx context.Context) (Snapshot, error) {
	ch := make(chan Snapshot, 1)
	posted := h.post(callEvent{fn: func() {
		ch <- Snapshot{
			UserID:             h.userID,
			Browsers:           len(h.registry.AllBrowsers()),
			Agents:             h.registry.Presence(),
			PendingDelegations: h.tracker.Len(),
		}
	}})
	if !posted {
		return Snapshot{UserID: h.userID, Agents: []protocol.AgentPresence{}}, nil
	}
	select {
	case s := <-ch:
		return s, nil
	case <-h.done:
		return Snapshot{UserID: h.userID, Agents: []protocol.AgentPresence{}}, nil
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
}

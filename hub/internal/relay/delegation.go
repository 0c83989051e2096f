package relay

import (
	"slices"
	"strings"
	"time"

	"github.com/amurg-ai/relay/pkg/protocol"
)

// Delegation is one in-flight agent-to-agent request.
type Delegation struct {
	RequestID     string
	FromAgentID   string
	FromPeerID    string
	TargetAgentID string
	TargetPeerID  string
	SessionKey    string
	Depth         int // depth of the request as the caller sent it
	CreatedAt     time.Time
	DeadlineAt    time.Time
}

// Tracker holds outstanding delegations keyed by request id. Like the
// registry it is owned by a single hub goroutine.
type Tracker struct {
	pending map[string]*Delegation
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{pending: make(map[string]*Delegation)}
}

// Add records d. It fails with ErrDuplicateRequest while another request
// with the same id is live.
func (t *Tracker) Add(d *Delegation) error {
	if _, ok := t.pending[d.RequestID]; ok {
		return ErrDuplicateRequest
	}
	t.pending[d.RequestID] = d
	return nil
}

// Get returns the live delegation for requestID.
func (t *Tracker) Get(requestID string) *Delegation {
	return t.pending[requestID]
}

// Resolve removes and returns the delegation for requestID if it exists and
// its deadline has not passed. Expired entries stay for Expire to report.
func (t *Tracker) Resolve(requestID string, now time.Time) (*Delegation, bool) {
	d, ok := t.pending[requestID]
	if !ok || !now.Before(d.DeadlineAt) {
		return nil, false
	}
	delete(t.pending, requestID)
	return d, true
}

// Expire removes and returns every delegation whose deadline is not after
// now, oldest deadline first.
func (t *Tracker) Expire(now time.Time) []*Delegation {
	var out []*Delegation
	for id, d := range t.pending {
		if !now.Before(d.DeadlineAt) {
			out = append(out, d)
			delete(t.pending, id)
		}
	}
	sortByDeadline(out)
	return out
}

// NextDeadline reports the nearest pending deadline.
func (t *Tracker) NextDeadline() (time.Time, bool) {
	var next time.Time
	for _, d := range t.pending {
		if next.IsZero() || d.DeadlineAt.Before(next) {
			next = d.DeadlineAt
		}
	}
	return next, !next.IsZero()
}

// FailByTarget removes and returns the delegations routed to peerID.
func (t *Tracker) FailByTarget(peerID string) []*Delegation {
	var out []*Delegation
	for id, d := range t.pending {
		if d.TargetPeerID == peerID {
			out = append(out, d)
			delete(t.pending, id)
		}
	}
	sortByDeadline(out)
	return out
}

// Drain removes and returns everything.
func (t *Tracker) Drain() []*Delegation {
	out := make([]*Delegation, 0, len(t.pending))
	for _, d := range t.pending {
		out = append(out, d)
	}
	clear(t.pending)
	sortByDeadline(out)
	return out
}

// Len returns the number of live delegations.
func (t *Tracker) Len() int { return len(t.pending) }

func sortByDeadline(ds []*Delegation) {
	slices.SortFunc(ds, func(a, b *Delegation) int {
		if c := a.DeadlineAt.Compare(b.DeadlineAt); c != 0 {
			return c
		}
		return strings.Compare(a.RequestID, b.RequestID)
	})
}

// delegate validates an agent.request and forwards it to its target with
// the depth incremented. Every rejection is answered with a synthetic
// agent.response so the caller never waits for nothing.
func (h *Hub) delegate(p *Peer, m *protocol.AgentRequest) {
	depth := m.HopDepth()
	reject := func(err error) {
		h.logger.Info("delegation rejected", "request_id", m.RequestID, "target", m.TargetAgentID, "reason", err)
		p.Send(protocol.AgentResponse{RequestID: m.RequestID, FromAgentID: m.TargetAgentID, Error: err.Error()})
		h.audit("delegation.rejected", p, map[string]any{
			"request_id": m.RequestID,
			"target":     m.TargetAgentID,
			"depth":      depth,
			"reason":     err.Error(),
		})
	}

	if depth >= h.opts.MaxDelegationDepth {
		reject(ErrDepthExceeded)
		return
	}
	if h.tracker.Get(m.RequestID) != nil {
		reject(ErrDuplicateRequest)
		return
	}
	target := h.registry.FindAgent(m.TargetAgentID)
	if target == nil {
		reject(ErrNoTarget)
		return
	}

	now := time.Now()
	from := senderAgent(p, m.FromAgentID)
	d := &Delegation{
		RequestID:     m.RequestID,
		FromAgentID:   from,
		FromPeerID:    p.ID,
		TargetAgentID: m.TargetAgentID,
		TargetPeerID:  target.ID,
		SessionKey:    m.SessionKey,
		Depth:         depth,
		CreatedAt:     now,
		DeadlineAt:    now.Add(h.opts.DelegationTimeout),
	}
	if err := h.tracker.Add(d); err != nil {
		reject(err)
		return
	}

	next := depth + 1
	fwd := *m
	fwd.Depth = &next
	fwd.FromAgentID = from
	target.Send(fwd)
	h.logger.Debug("delegation forwarded", "request_id", m.RequestID, "from", from, "target", m.TargetAgentID, "depth", next)
}

// respond matches an agent.response to its pending request. Late, unknown
// and misdirected responses are dropped.
func (h *Hub) respond(p *Peer, m *protocol.AgentResponse) {
	now := time.Now()
	h.expire(now)

	d := h.tracker.Get(m.RequestID)
	if d == nil {
		h.logger.Info("dropping late or unknown delegation response", "request_id", m.RequestID, "peer_id", p.ID)
		return
	}
	if d.TargetPeerID != p.ID {
		h.logger.Warn("delegation response from wrong peer", "request_id", m.RequestID, "peer_id", p.ID, "expected", d.TargetPeerID)
		return
	}
	if _, ok := h.tracker.Resolve(m.RequestID, now); !ok {
		return
	}

	m.FromAgentID = d.TargetAgentID
	caller := h.registry.Get(d.FromPeerID)
	if caller == nil {
		h.logger.Info("delegation caller gone, dropping response", "request_id", m.RequestID, "caller", d.FromPeerID)
		return
	}
	caller.Send(m)
}

// expire fails every delegation whose deadline passed. Each one produces
// exactly one timeout response because Expire removes it.
func (h *Hub) expire(now time.Time) {
	for _, d := range h.tracker.Expire(now) {
		h.logger.Info("delegation timed out", "request_id", d.RequestID, "target", d.TargetAgentID)
		h.failDelegation(d, ErrDelegationTimeout)
		h.audit("delegation.timeout", h.registry.Get(d.FromPeerID), map[string]any{
			"request_id": d.RequestID,
			"target":     d.TargetAgentID,
		})
	}
}

func (h *Hub) failDelegation(d *Delegation, err error) {
	caller := h.registry.Get(d.FromPeerID)
	if caller == nil {
		return
	}
	caller.Send(protocol.AgentResponse{RequestID: d.RequestID, FromAgentID: d.TargetAgentID, Error: err.Error()})
}

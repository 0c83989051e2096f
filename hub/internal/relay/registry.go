package relay

import (
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/amurg-ai/relay/pkg/protocol"
)

// Registry tracks the live peers of one user. It is not safe for concurrent
// use; only the owning hub goroutine touches it.
type Registry struct {
	peers  map[string]*Peer
	agents map[string]*Peer // agent id -> serving peer
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		peers:  make(map[string]*Peer),
		agents: make(map[string]*Peer),
	}
}

// Register adds p. A peer already registered under the same id is removed
// and returned so the caller can close it as replaced.
func (r *Registry) Register(p *Peer) (replaced *Peer) {
	if old, ok := r.peers[p.ID]; ok && old != p {
		replaced = old
	}
	if p.lastSeenAt.IsZero() {
		p.lastSeenAt = time.Now()
	}
	r.peers[p.ID] = p
	if p.Role == protocol.RoleAgent {
		r.settleClaims(p)
	}
	r.reindex()
	return replaced
}

// settleClaims leaves every agent id with exactly one serving peer. A primary
// id always belongs to the peer authenticated as it; a secondary id moves to
// the newest peer claiming it. Peers stop serving ids they lost.
func (r *Registry) settleClaims(p *Peer) {
	primaries := make(map[string]bool, len(r.peers))
	for _, q := range r.peers {
		if q.Role == protocol.RoleAgent && q.AgentID != "" {
			primaries[q.AgentID] = true
		}
	}
	p.Agents = slices.DeleteFunc(slices.Clone(p.Agents), func(id string) bool {
		return id != p.AgentID && primaries[id]
	})
	for _, q := range r.peers {
		if q == p || q.Role != protocol.RoleAgent {
			continue
		}
		q.Agents = slices.DeleteFunc(slices.Clone(q.Agents), func(id string) bool {
			return id != q.AgentID && p.Serves(id)
		})
	}
}

// Unregister removes the peer with the given id. Removing an unknown id is a
// no-op.
func (r *Registry) Unregister(id string) *Peer {
	p, ok := r.peers[id]
	if !ok {
		return nil
	}
	delete(r.peers, id)
	r.reindex()
	return p
}

// Get returns the peer registered under id.
func (r *Registry) Get(id string) *Peer {
	return r.peers[id]
}

// Touch records inbound activity for id.
func (r *Registry) Touch(id string, now time.Time) {
	if p, ok := r.peers[id]; ok {
		p.lastSeenAt = now
	}
}

// Len returns the number of live peers.
func (r *Registry) Len() int { return len(r.peers) }

// FindAgent resolves a routing target. An empty agentID selects the only
// connected agent peer and fails when there are none or several.
func (r *Registry) FindAgent(agentID string) *Peer {
	if agentID != "" {
		return r.agents[agentID]
	}
	var found *Peer
	for _, p := range r.peers {
		if p.Role != protocol.RoleAgent {
			continue
		}
		if found != nil {
			return nil
		}
		found = p
	}
	return found
}

// AllBrowsers returns browser peers ordered by id.
func (r *Registry) AllBrowsers() []*Peer {
	return r.byRole(protocol.RoleBrowser)
}

// AllAgents returns agent peers ordered by id.
func (r *Registry) AllAgents() []*Peer {
	return r.byRole(protocol.RoleAgent)
}

// AgentIDs lists every agent id currently reachable, sorted.
func (r *Registry) AgentIDs() []string {
	ids := make([]string, 0, len(r.agents))
	for id := range r.agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Presence describes the connected agents for presence frames.
func (r *Registry) Presence() []protocol.AgentPresence {
	out := make([]protocol.AgentPresence, 0, len(r.agents))
	for _, id := range r.AgentIDs() {
		p := r.agents[id]
		out = append(out, protocol.AgentPresence{
			AgentID:   id,
			AgentType: p.AgentType,
			Model:     p.Model,
			Connected: !p.offline,
		})
	}
	return out
}

func (r *Registry) byRole(role string) []*Peer {
	var out []*Peer
	for _, p := range r.peers {
		if p.Role == role {
			out = append(out, p)
		}
	}
	slices.SortFunc(out, func(a, b *Peer) int { return strings.Compare(a.ID, b.ID) })
	return out
}

// reindex rebuilds the agent id index from the peers' served ids. After
// settleClaims no id is served twice; primaries still win if one is.
func (r *Registry) reindex() {
	clear(r.agents)
	agents := r.AllAgents()
	slices.SortStableFunc(agents, func(a, b *Peer) int {
		return a.ConnectedAt.Compare(b.ConnectedAt)
	})
	for _, p := range agents {
		for _, id := range p.Agents[min(1, len(p.Agents)):] {
			r.agents[id] = p
		}
	}
	for _, p := range agents {
		if p.AgentID != "" {
			r.agents[p.AgentID] = p
		}
	}
}

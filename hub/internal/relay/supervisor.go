// Package relay implements the per-user connection relay: the registry of
// live peers, the delegation tracker, the hub actor that routes between
// them, and the supervisor that owns one hub per user.
package relay

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/amurg-ai/relay/hub/internal/auth"
	"github.com/amurg-ai/relay/hub/internal/config"
	"github.com/amurg-ai/relay/hub/internal/push"
	"github.com/amurg-ai/relay/hub/internal/store"
	"github.com/amurg-ai/relay/pkg/protocol"
	"github.com/gorilla/websocket"
)

// Options tunes the supervisor and its hubs.
type Options struct {
	MaxDelegationDepth int
	DelegationTimeout  time.Duration
	PingInterval       time.Duration // 0 disables pings
	MaxMissedPongs     int
	AuthTimeout        time.Duration
	IdleGrace          time.Duration
	SendQueueDepth     int
	MaxPeers           int // per user; 0 = unlimited
	StoreAttempts      int
	StoreBackoff       time.Duration
	Workers            int
	DecodeErrorLimit   int // 0 = never close on decode errors

	AllowedOrigins  []string
	MaxMessageBytes int64
}

// OptionsFromConfig maps hub configuration onto relay options.
func OptionsFromConfig(cfg *config.Config) Options {
	r := cfg.Relay
	return Options{
		MaxDelegationDepth: r.MaxDelegationDepth,
		DelegationTimeout:  r.DelegationTimeout.Duration,
		PingInterval:       r.PingInterval.Duration,
		MaxMissedPongs:     r.MaxMissedPongs,
		AuthTimeout:        r.AuthTimeout.Duration,
		IdleGrace:          r.IdleGrace.Duration,
		SendQueueDepth:     r.SendQueueDepth,
		MaxPeers:           r.MaxPeers,
		StoreAttempts:      r.StoreAttempts,
		StoreBackoff:       r.StoreBackoff.Duration,
		Workers:            r.Workers,
		DecodeErrorLimit:   r.DecodeErrorLimit,
		AllowedOrigins:     cfg.Server.AllowedOrigins,
		MaxMessageBytes:    cfg.Server.MaxMessageBytes,
	}
}

func (o *Options) applyDefaults() {
	d := config.DefaultRelay()
	if o.MaxDelegationDepth <= 0 {
		o.MaxDelegationDepth = d.MaxDelegationDepth
	}
	if o.DelegationTimeout <= 0 {
		o.DelegationTimeout = d.DelegationTimeout.Duration
	}
	if o.AuthTimeout <= 0 {
		o.AuthTimeout = d.AuthTimeout.Duration
	}
	if o.IdleGrace <= 0 {
		o.IdleGrace = d.IdleGrace.Duration
	}
	if o.SendQueueDepth <= 0 {
		o.SendQueueDepth = d.SendQueueDepth
	}
	if o.StoreAttempts <= 0 {
		o.StoreAttempts = d.StoreAttempts
	}
	if o.StoreBackoff <= 0 {
		o.StoreBackoff = d.StoreBackoff.Duration
	}
	if o.Workers <= 0 {
		o.Workers = d.Workers
	}
	if o.MaxMessageBytes <= 0 {
		o.MaxMessageBytes = 64 * 1024
	}
}

// Supervisor owns one Hub per user. Hubs are created on the first
// authenticated connection and retire after IdleGrace without peers.
type Supervisor struct {
	opts      Options
	validator auth.Validator
	store     store.Store
	push      push.Dispatcher
	pool      *Pool
	logger    *slog.Logger
	upgrader  websocket.Upgrader

	mu     sync.Mutex
	hubs   map[string]*Hub
	closed bool
}

// NewSupervisor creates a supervisor. The dispatcher may be nil, in which
// case notifications are dropped.
func NewSupervisor(v auth.Validator, s store.Store, d push.Dispatcher, opts Options, logger *slog.Logger) *Supervisor {
	opts.applyDefaults()
	logger = logger.With("component", "relay")
	if d == nil {
		d = push.Noop{Logger: logger}
	}
	return &Supervisor{
		opts:      opts,
		validator: v,
		store:     s,
		push:      d,
		pool:      NewPool(opts.Workers, 0),
		logger:    logger,
		upgrader:  makeUpgrader(opts.AllowedOrigins),
		hubs:      make(map[string]*Hub),
	}
}

// attach hands an authenticated peer to its user's hub, starting the hub if
// needed.
func (s *Supervisor) attach(p *Peer) (*Hub, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrShuttingDown
	}
	h, ok := s.hubs[p.UserID]
	if !ok {
		h = newHub(s, p.UserID)
		s.hubs[p.UserID] = h
		go h.run()
	}
	h.pendingAttach++
	s.mu.Unlock()

	if !h.post(attachEvent{peer: p}) {
		return nil, ErrShuttingDown
	}
	return h, nil
}

// attached is called by the hub once it handled an attach event.
func (s *Supervisor) attached(h *Hub) {
	s.mu.Lock()
	h.pendingAttach--
	s.mu.Unlock()
}

// retire removes an idle hub from the map. It refuses while an attach for
// the hub is in flight.
func (s *Supervisor) retire(h *Hub) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h.pendingAttach > 0 {
		return false
	}
	if s.hubs[h.userID] == h {
		delete(s.hubs, h.userID)
	}
	return true
}

// HubCount returns the number of live hubs.
func (s *Supervisor) HubCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.hubs)
}

// Snapshot reports the live state of userID's hub. A user without a hub
// gets an empty snapshot.
func (s *Supervisor) Snapshot(ctx context.Context, userID string) (Snapshot, error) {
	s.mu.Lock()
	h := s.hubs[userID]
	s.mu.Unlock()
	if h == nil {
		return Snapshot{UserID: userID, Agents: []protocol.AgentPresence{}}, nil
	}
	return h.snapshot(ctx)
}

// Shutdown stops every hub, failing pending delegations and closing all
// peers, then drains the I/O pool.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	hubs := make([]*Hub, 0, len(s.hubs))
	for _, h := range s.hubs {
		hubs = append(hubs, h)
	}
	clear(s.hubs)
	s.mu.Unlock()

	for _, h := range hubs {
		close(h.stop)
	}
	for _, h := range hubs {
		select {
		case <-h.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.logger.Info("relay stopped", "hubs", len(hubs))
	return s.pool.Stop(ctx)
}

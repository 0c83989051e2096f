// Package hubclient keeps an agent process's outbound WebSocket connection to
// the relay hub alive.
package hubclient

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/amurg-ai/relay/pkg/protocol"
)

var (
	// ErrReplaced is returned by Run when the hub closed the connection
	// because another process authenticated as the same agent.
	ErrReplaced = errors.New("replaced by another connection for this agent")

	ErrNotConnected = errors.New("not connected")

	errAuthRejected = errors.New("credential rejected")
)

// Options configures a Client.
type Options struct {
	URL              string
	AgentID          string
	AgentType        string
	Model            string
	Agents           []string
	Capabilities     []string
	MinBackoff       time.Duration
	MaxBackoff       time.Duration
	HandshakeTimeout time.Duration
	TLSSkipVerify    bool
}

// Frame is one inbound hub frame. Raw is the frame exactly as received.
type Frame struct {
	Msg protocol.Message
	Raw []byte
}

// Client manages the connection from an agent process to the hub.
type Client struct {
	opts   Options
	frames chan Frame
	logger *slog.Logger

	mu       sync.Mutex
	conn     *websocket.Conn
	authed   bool // conn passed auth; Send is refused before that
	token    string
	tokenSet chan struct{}
}

// New creates a client that authenticates with token.
func New(opts Options, token string, logger *slog.Logger) *Client {
	if opts.MinBackoff <= 0 {
		opts.MinBackoff = time.Second
	}
	if opts.MaxBackoff < opts.MinBackoff {
		opts.MaxBackoff = max(opts.MinBackoff, time.Minute)
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 10 * time.Second
	}
	return &Client{
		opts:     opts,
		frames:   make(chan Frame, 64),
		logger:   logger.With("component", "hub-client"),
		token:    token,
		tokenSet: make(chan struct{}, 1),
	}
}

// Frames delivers every hub frame except pings, which the client answers
// itself. The channel is closed when Run returns.
func (c *Client) Frames() <-chan Frame {
	return c.frames
}

// SetToken replaces the credential used for the next auth frame. A client
// waiting after a rejected credential reconnects right away.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
	select {
	case c.tokenSet <- struct{}{}:
	default:
	}
}

func (c *Client) currentToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

// Run connects and reconnects until ctx is canceled or the connection is
// replaced. Delays grow exponentially from MinBackoff to MaxBackoff and
// reset after every successful auth. Run may be called once.
func (c *Client) Run(ctx context.Context) error {
	defer close(c.frames)
	delay := c.opts.MinBackoff
	for {
		token := c.currentToken()
		authed, err := c.connectOnce(ctx, token)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		switch {
		case errors.Is(err, ErrReplaced):
			c.logger.Warn("connection replaced by another process, not reconnecting")
			return err
		case errors.Is(err, errAuthRejected):
			c.logger.Error("hub rejected credential, waiting for a new token")
			if err := c.waitForNewToken(ctx, token); err != nil {
				return err
			}
			delay = c.opts.MinBackoff
			continue
		case err != nil:
			c.logger.Warn("connection lost", "error", err)
		}

		if authed {
			delay = c.opts.MinBackoff
		}
		c.logger.Info("reconnecting", "delay", delay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay = min(delay*2, c.opts.MaxBackoff)
	}
}

func (c *Client) waitForNewToken(ctx context.Context, rejected string) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.tokenSet:
			if c.currentToken() != rejected {
				return nil
			}
		}
	}
}

// connectOnce runs one connection to completion. authed reports whether the
// hub accepted the credential during it.
func (c *Client) connectOnce(ctx context.Context, token string) (authed bool, err error) {
	dialer := websocket.Dialer{HandshakeTimeout: c.opts.HandshakeTimeout}
	if c.opts.TLSSkipVerify {
		dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	conn, _, err := dialer.DialContext(ctx, c.opts.URL, nil)
	if err != nil {
		return false, fmt.Errorf("dial hub: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	done := make(chan struct{})
	defer func() {
		close(done)
		c.mu.Lock()
		c.conn = nil
		c.authed = false
		c.mu.Unlock()
		_ = conn.Close()
	}()

	// ReadMessage does not observe ctx, so shutdown closes the socket.
	go func() {
		select {
		case <-ctx.Done():
			c.mu.Lock()
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"),
				time.Now().Add(time.Second))
			c.mu.Unlock()
			_ = conn.Close()
		case <-done:
		}
	}()

	hello := protocol.Auth{
		Token:        token,
		AgentID:      c.opts.AgentID,
		AgentType:    c.opts.AgentType,
		Agents:       c.opts.Agents,
		Model:        c.opts.Model,
		Capabilities: c.opts.Capabilities,
	}
	if err := c.write(hello, false); err != nil {
		return false, fmt.Errorf("send auth: %w", err)
	}

	rejected := false
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				switch ce.Code {
				case protocol.CloseReplaced:
					return authed, ErrReplaced
				case protocol.CloseAuthFailed:
					return authed, errAuthRejected
				}
			}
			if rejected {
				return authed, errAuthRejected
			}
			return authed, fmt.Errorf("read message: %w", err)
		}

		msg, err := protocol.Decode(data)
		if err != nil {
			c.logger.Warn("invalid frame from hub", "error", err)
			continue
		}

		switch m := msg.(type) {
		case *protocol.Ping:
			if err := c.write(protocol.Pong{TS: m.TS}, false); err != nil {
				return authed, fmt.Errorf("send pong: %w", err)
			}
			continue
		case *protocol.AuthOK:
			authed = true
			c.mu.Lock()
			c.authed = true
			c.mu.Unlock()
			c.logger.Info("connected to hub", "url", c.opts.URL, "user_id", m.UserID, "agent_id", m.AgentID)
		case *protocol.AuthFail:
			rejected = true
			c.logger.Warn("auth failed", "reason", m.Reason)
		}
		select {
		case c.frames <- Frame{Msg: msg, Raw: data}:
		case <-ctx.Done():
			return authed, ctx.Err()
		}
	}
}

// Send writes one frame to the hub. It fails with ErrNotConnected until the
// current connection is authenticated.
func (c *Client) Send(msg protocol.Message) error {
	return c.write(msg, true)
}

func (c *Client) write(msg protocol.Message, needAuth bool) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil || (needAuth && !c.authed) {
		return ErrNotConnected
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Close closes the current connection, if any. Run reconnects unless its
// context is canceled.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

package cmd

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/amurg-ai/relay/bridge/internal/hubclient"
	"github.com/amurg-ai/relay/pkg/protocol"
)

const maxLineBytes = 1 << 20

// lineWriter writes hub frames to the agent, one JSON document per line.
type lineWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lineWriter) write(frame []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.w.Write(frame); err != nil {
		return err
	}
	_, err := l.w.Write([]byte{'\n'})
	return err
}

// pump forwards the agent's stdout lines to the hub. Frames the hub would
// reject from an agent are dropped here with a warning.
type pump struct {
	send       func(protocol.Message) error
	logger     *slog.Logger
	retryEvery time.Duration // while disconnected
	retryFor   time.Duration
}

func (p *pump) run(ctx context.Context, r io.Reader) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLineBytes)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		msg, err := protocol.Decode(line)
		if err != nil {
			p.logger.Warn("dropping invalid frame from agent", "error", err)
			continue
		}
		typ := msg.MessageType()
		if typ == protocol.TypeAuth || !protocol.AllowedFrom(protocol.RoleAgent, typ) {
			p.logger.Warn("dropping frame agents may not send", "type", typ)
			continue
		}
		if err := p.deliver(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.logger.Warn("frame not delivered", "type", typ, "error", err)
		}
	}
	return sc.Err()
}

func (p *pump) deliver(ctx context.Context, msg protocol.Message) error {
	deadline := time.Now().Add(p.retryFor)
	for {
		err := p.send(msg)
		if !errors.Is(err, hubclient.ErrNotConnected) || time.Now().After(deadline) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.retryEvery):
		}
	}
}

type tokenSetter interface {
	SetToken(token string)
}

// reloadOnHangup re-reads the credential on every signal received on sigs.
func reloadOnHangup(ctx context.Context, sigs <-chan os.Signal, resolve func() (string, error), c tokenSetter, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-sigs:
			tok, err := resolve()
			if err != nil {
				logger.Error("token reload failed", "signal", sig, "error", err)
				continue
			}
			c.SetToken(tok)
			logger.Info("token reloaded", "signal", sig, "fingerprint", fingerprint(tok))
		}
	}
}

func fingerprint(tok string) string {
	if len(tok) <= 8 {
		return "****"
	}
	return fmt.Sprintf("%s…%s", tok[:4], tok[len(tok)-4:])
}

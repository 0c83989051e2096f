package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/amurg-ai/relay/bridge/internal/config"
	"github.com/amurg-ai/relay/bridge/internal/hubclient"
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Connect to the hub and pipe frames (default when no subcommand is given)",
		Args:  cobra.NoArgs,
		RunE:  runRun,
	}
	addRunFlags(cmd)
	return cmd
}

func addRunFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("url", "", "hub WebSocket URL (RELAY_BRIDGE_URL)")
	f.String("token-file", "", "file holding the agent credential, re-read on SIGHUP (RELAY_BRIDGE_TOKEN_FILE)")
	f.String("agent", "", "agent id to authenticate as (RELAY_BRIDGE_AGENT_ID)")
	f.StringSlice("also-serve", nil, "additional agent ids served by this process (RELAY_BRIDGE_AGENTS)")
	f.String("log-level", "", "debug, info, warn or error (RELAY_BRIDGE_LOG_LEVEL)")
}

// applyFlags overlays flags the user set onto the environment config.
func applyFlags(cmd *cobra.Command, cfg *config.Config) {
	f := cmd.Flags()
	if f.Changed("url") {
		cfg.URL, _ = f.GetString("url")
	}
	if f.Changed("token-file") {
		cfg.TokenFile, _ = f.GetString("token-file")
	}
	if f.Changed("agent") {
		cfg.AgentID, _ = f.GetString("agent")
	}
	if f.Changed("also-serve") {
		cfg.Agents, _ = f.GetStringSlice("also-serve")
	}
	if f.Changed("log-level") {
		cfg.LogLevel, _ = f.GetString("log-level")
	}
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	applyFlags(cmd, cfg)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	token, err := cfg.ResolveToken()
	if err != nil {
		return err
	}

	// stdout carries frames, so logs go to stderr.
	logger := newLogger(cfg.LogLevel, cfg.LogFormat, cmd.ErrOrStderr())
	out := &lineWriter{w: cmd.OutOrStdout()}

	client := hubclient.New(hubclient.Options{
		URL:           cfg.URL,
		AgentID:       cfg.AgentID,
		AgentType:     cfg.AgentType,
		Model:         cfg.Model,
		Agents:        cfg.Agents,
		Capabilities:  cfg.Capabilities,
		MinBackoff:    cfg.MinBackoff,
		MaxBackoff:    cfg.MaxBackoff,
		TLSSkipVerify: cfg.TLSSkipVerify,
	}, token, logger)

	written := make(chan struct{})
	go func() {
		defer close(written)
		for f := range client.Frames() {
			if err := out.write(f.Raw); err != nil {
				logger.Warn("writing frame to agent failed", "error", err)
			}
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go reloadOnHangup(ctx, hup, cfg.ResolveToken, client, logger)

	p := &pump{send: client.Send, logger: logger, retryEvery: 100 * time.Millisecond, retryFor: cfg.MaxBackoff}
	go func() {
		if err := p.run(ctx, cmd.InOrStdin()); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("reading agent output failed", "error", err)
		}
		logger.Info("agent input closed, stopping")
		cancel()
	}()

	logger.Info("relay bridge starting", "version", version, "url", cfg.URL, "agent_id", cfg.AgentID)
	err = client.Run(ctx)
	<-written
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func newLogger(level, format string, w io.Writer) *slog.Logger {
	lvl := slog.LevelInfo
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/amurg-ai/relay/hub/internal/config"
	"github.com/amurg-ai/relay/hub/internal/server"
)

const defaultConfigPath = "relay-hub.json"

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run [config-file]",
		Short: "Start the hub (default when no subcommand is given)",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runRun,
	}
}

func runRun(cmd *cobra.Command, args []string) error {
	configPath := resolveConfigPath(cmd, args, defaultConfigPath)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("error: %w", err)
	}

	logger := newLogger(cfg.Logging, os.Stdout)
	printBanner(cmd.ErrOrStderr(), configPath, cfg)

	srv, err := server.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("initialize hub: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("relay hub starting", "version", version, "config", configPath)

	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("hub error", "error", err)
		return err
	}

	logger.Info("hub stopped")
	return nil
}

func printBanner(w io.Writer, configPath string, cfg *config.Config) {
	cyan := color.New(color.FgCyan)
	green := color.New(color.FgGreen)
	gray := color.New(color.FgHiBlack)

	_, _ = cyan.Fprint(w, logo)
	_, _ = gray.Fprintf(w, "  version: %s\n\n", version)

	line := func(label, value string) {
		_, _ = green.Fprint(w, "  ▶ ")
		_, _ = fmt.Fprintf(w, "%-10s %s\n", label, value)
	}
	line("Config:", configPath)
	line("Listen:", cfg.Server.Addr)
	line("Storage:", cfg.Storage.Driver)
	line("Auth:", cfg.Auth.Provider)
	line("Push:", cfg.Push.Driver)
	if cfg.Server.TLSCert == "" {
		_, _ = color.New(color.FgYellow).Fprintln(w, "  ! TLS disabled")
	}
	_, _ = fmt.Fprintln(w)
}

// resolveConfigPath returns the config file path from (in priority order):
// 1. Positional argument
// 2. --config / -c flag
// 3. Default value
func resolveConfigPath(cmd *cobra.Command, args []string, defaultPath string) string {
	if len(args) > 0 {
		return args[0]
	}
	if f := cmd.Flag("config"); f != nil && f.Changed {
		return f.Value.String()
	}
	if f := cmd.Root().PersistentFlags().Lookup("config"); f != nil && f.Changed {
		return f.Value.String()
	}
	return defaultPath
}

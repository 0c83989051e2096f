package cmd

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/amurg-ai/relay/hub/internal/auth"
	"github.com/amurg-ai/relay/hub/internal/config"
)

func newTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint credentials for browsers and agents",
	}
	cmd.AddCommand(newBrowserTokenCmd())
	cmd.AddCommand(newAgentTokenCmd())
	cmd.AddCommand(newStaticTokenCmd())
	return cmd
}

func newBrowserTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "browser",
		Short: "Issue a browser JWT signed with auth.jwt_secret",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, cfg, err := loadAuthService(cmd)
			if err != nil {
				return err
			}
			if cfg.Auth.Provider != "builtin" {
				return errors.New("browser tokens come from the clerk provider when it is configured")
			}
			user, _ := cmd.Flags().GetString("user")
			name, _ := cmd.Flags().GetString("name")
			role, _ := cmd.Flags().GetString("role")
			if role != "user" && role != "admin" {
				return fmt.Errorf("role must be user or admin, got %q", role)
			}
			if name == "" {
				name = user
			}
			tok, err := svc.IssueToken(user, name, role)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().String("user", "", "user id (required)")
	cmd.Flags().String("name", "", "display name (defaults to the user id)")
	cmd.Flags().String("role", "user", "user or admin")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func newAgentTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Generate a time-limited agent token signed with auth.agent_token_secret",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, _, err := loadAuthService(cmd)
			if err != nil {
				return err
			}
			user, _ := cmd.Flags().GetString("user")
			agent, _ := cmd.Flags().GetString("agent")
			tok, err := svc.GenerateAgentToken(user, agent)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), tok)
			_, _ = fmt.Fprintln(cmd.ErrOrStderr(), color.HiBlackString("valid for %s", svc.AgentTokenLifetime()))
			return nil
		},
	}
	cmd.Flags().String("user", "", "user id (required)")
	cmd.Flags().String("agent", "", "agent id the token is bound to (required)")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("agent")
	return cmd
}

// newStaticTokenCmd needs no config: it prints a token and the entry to add
// to auth.agent_tokens.
func newStaticTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "static",
		Short: "Create a long-lived agent token and its auth.agent_tokens entry",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			user, _ := cmd.Flags().GetString("user")
			agent, _ := cmd.Flags().GetString("agent")
			tok, hash, err := auth.NewStaticToken()
			if err != nil {
				return err
			}
			entry, err := json.MarshalIndent(config.AgentTokenEntry{UserID: user, AgentID: agent, TokenHash: hash}, "", "  ")
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintln(out, tok)
			_, _ = fmt.Fprintln(out)
			_, _ = fmt.Fprintln(out, color.HiBlackString("Add to auth.agent_tokens:"))
			_, _ = fmt.Fprintln(out, string(entry))
			return nil
		},
	}
	cmd.Flags().String("user", "", "user id (required)")
	cmd.Flags().String("agent", "", "agent id (required)")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("agent")
	return cmd
}

func loadAuthService(cmd *cobra.Command) (*auth.Service, *config.Config, error) {
	cfg, err := config.Load(resolveConfigPath(cmd, nil, defaultConfigPath))
	if err != nil {
		return nil, nil, err
	}
	return auth.NewService(cfg.Auth), cfg, nil
}

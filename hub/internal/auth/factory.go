package auth

import (
	"fmt"

	"github.com/amurg-ai/relay/hub/internal/config"
)

// NewValidator creates the credential Validator selected by configuration.
// The returned Service mints tokens; with the clerk provider it still
// validates agent tokens.
func NewValidator(cfg config.AuthConfig) (Validator, *Service, error) {
	svc := NewService(cfg)
	switch cfg.Provider {
	case "clerk":
		clerk, err := NewClerkValidator(cfg.ClerkIssuer)
		if err != nil {
			return nil, nil, err
		}
		return &clerkWithAgents{ClerkValidator: clerk, svc: svc}, svc, nil
	case "builtin", "":
		return svc, svc, nil
	default:
		return nil, nil, fmt.Errorf("unknown auth provider: %q", cfg.Provider)
	}
}

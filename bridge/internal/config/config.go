// Package config loads relay-bridge settings from RELAY_BRIDGE_* variables.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config is the bridge configuration.
type Config struct {
	URL           string        `default:"ws://localhost:8080/ws"`
	Token         string        // inline credential
	TokenFile     string        `split_words:"true"` // read (and re-read on SIGHUP) instead of Token
	AgentID       string        `split_words:"true"`
	AgentType     string        `split_words:"true"`
	Model         string
	Agents        []string      // additional agent ids served by this process
	Capabilities  []string
	MinBackoff    time.Duration `split_words:"true" default:"1s"`
	MaxBackoff    time.Duration `split_words:"true" default:"60s"`
	TLSSkipVerify bool          `envconfig:"TLS_SKIP_VERIFY"`
	LogLevel      string        `split_words:"true" default:"info"`
	LogFormat     string        `split_words:"true" default:"text"`
}

// Load reads the environment. Validation is separate so command line flags
// can be applied in between.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("RELAY_BRIDGE", &cfg); err != nil {
		return nil, fmt.Errorf("environment: %w", err)
	}
	return &cfg, nil
}

// Validate checks the combined settings.
func (c *Config) Validate() error {
	u, err := url.Parse(c.URL)
	if err != nil {
		return fmt.Errorf("url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("url must use ws or wss, got %q", c.URL)
	}
	if c.Token == "" && c.TokenFile == "" {
		return errors.New("one of token or token_file is required")
	}
	if c.MinBackoff <= 0 || c.MaxBackoff < c.MinBackoff {
		return fmt.Errorf("backoff must satisfy 0 < min (%s) <= max (%s)", c.MinBackoff, c.MaxBackoff)
	}
	return nil
}

// ResolveToken returns the credential, reading TokenFile when set.
func (c *Config) ResolveToken() (string, error) {
	if c.TokenFile == "" {
		return c.Token, nil
	}
	data, err := os.ReadFile(c.TokenFile)
	if err != nil {
		return "", fmt.Errorf("read token file: %w", err)
	}
	tok := strings.TrimSpace(string(data))
	if tok == "" {
		return "", fmt.Errorf("token file %s is empty", c.TokenFile)
	}
	return tok, nil
}

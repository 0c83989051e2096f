// Package config handles relay hub configuration loading and validation.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// knownWeakSecrets is a blocklist of secrets that must never be used in production.
var knownWeakSecrets = map[string]bool{
	"local-dev-secret-for-testing-only-32chars!": true,
	"changeme": true,
	"secret":   true,
}

// GenerateRandomSecret returns a cryptographically random 64-character hex string
// suitable for use as a JWT or HMAC secret.
func GenerateRandomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Config is the top-level hub configuration.
type Config struct {
	Server    ServerConfig    `json:"server"`
	Auth      AuthConfig      `json:"auth"`
	Storage   StorageConfig   `json:"storage"`
	Relay     RelayConfig     `json:"relay"`
	Push      PushConfig      `json:"push"`
	Logging   LoggingConfig   `json:"logging"`
	RateLimit RateLimitConfig `json:"rate_limit,omitempty"`
}

// ServerConfig defines the hub's listener settings.
type ServerConfig struct {
	Addr            string   `json:"addr" split_words:"true"`                      // e.g. ":8080"
	TLSCert         string   `json:"tls_cert,omitempty" split_words:"true"`
	TLSKey          string   `json:"tls_key,omitempty" split_words:"true"`
	AllowedOrigins  []string `json:"allowed_origins,omitempty" split_words:"true"` // WebSocket/CORS origins; empty allows all
	MaxMessageBytes int64    `json:"max_message_bytes,omitempty" split_words:"true"`
}

// AuthConfig defines credential validation settings.
type AuthConfig struct {
	Provider           string            `json:"provider,omitempty" split_words:"true"`           // "builtin" (default) or "clerk"
	ClerkIssuer        string            `json:"clerk_issuer,omitempty" split_words:"true"`       // e.g. "https://foo.clerk.accounts.dev"
	JWTSecret          string            `json:"jwt_secret" split_words:"true"`
	JWTExpiry          Duration          `json:"jwt_expiry,omitempty" split_words:"true"`
	AgentTokenSecret   string            `json:"agent_token_secret,omitempty" split_words:"true"` // HMAC secret for time-limited agent tokens
	AgentTokenLifetime Duration          `json:"agent_token_lifetime,omitempty" split_words:"true"`
	AgentTokens        []AgentTokenEntry `json:"agent_tokens,omitempty" ignored:"true"`
}

// AgentTokenEntry is a long-lived agent credential. Only the bcrypt hash of
// the token is kept in the config file.
type AgentTokenEntry struct {
	UserID    string `json:"user_id"`
	AgentID   string `json:"agent_id"`
	TokenHash string `json:"token_hash"`
}

// StorageConfig defines database settings.
type StorageConfig struct {
	Driver         string   `json:"driver" split_words:"true"`                    // "sqlite" (default) or "postgres"
	DSN            string   `json:"dsn" split_words:"true"`                       // e.g. "relay.db" or ":memory:"
	Retention      Duration `json:"retention,omitempty" split_words:"true"`
	AuditRetention Duration `json:"audit_retention,omitempty" split_words:"true"` // defaults to Retention
}

// RelayConfig tunes the per-user hubs.
type RelayConfig struct {
	MaxDelegationDepth int      `json:"max_delegation_depth,omitempty" split_words:"true"`
	DelegationTimeout  Duration `json:"delegation_timeout,omitempty" split_words:"true"`
	PingInterval       Duration `json:"ping_interval,omitempty" split_words:"true"`
	MaxMissedPongs     int      `json:"max_missed_pongs,omitempty" split_words:"true"`
	AuthTimeout        Duration `json:"auth_timeout,omitempty" split_words:"true"`
	IdleGrace          Duration `json:"idle_grace,omitempty" split_words:"true"`         // how long an empty hub lingers
	SendQueueDepth     int      `json:"send_queue_depth,omitempty" split_words:"true"`
	MaxPeers           int      `json:"max_peers,omitempty" split_words:"true"`          // per user
	StoreAttempts      int      `json:"store_attempts,omitempty" split_words:"true"`
	StoreBackoff       Duration `json:"store_backoff,omitempty" split_words:"true"`
	Workers            int      `json:"workers,omitempty" split_words:"true"`            // blocking I/O pool size
	DecodeErrorLimit   int      `json:"decode_error_limit,omitempty" split_words:"true"` // 0 = never drop on decode errors
}

// PushConfig selects the push notification driver.
type PushConfig struct {
	Driver          string   `json:"driver,omitempty" split_words:"true"` // "none" (default), "webhook", "kafka", "slack"
	WebhookURL      string   `json:"webhook_url,omitempty" split_words:"true"`
	WebhookSecret   string   `json:"webhook_secret,omitempty" split_words:"true"`
	KafkaBrokers    []string `json:"kafka_brokers,omitempty" split_words:"true"`
	KafkaTopic      string   `json:"kafka_topic,omitempty" split_words:"true"`
	SlackWebhookURL string   `json:"slack_webhook_url,omitempty" split_words:"true"`
	SlackChannel    string   `json:"slack_channel,omitempty" split_words:"true"`
	Timeout         Duration `json:"timeout,omitempty" split_words:"true"`
}

// LoggingConfig defines logging settings.
type LoggingConfig struct {
	Level  string `json:"level,omitempty" split_words:"true"`
	Format string `json:"format,omitempty" split_words:"true"` // "json" or "text"
}

// RateLimitConfig limits HTTP API requests per user.
type RateLimitConfig struct {
	RequestsPerSecond float64 `json:"requests_per_second,omitempty" split_words:"true"` // default 10
	Burst             int     `json:"burst,omitempty" split_words:"true"`               // default 20
}

// Duration is a JSON-friendly time.Duration.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case string:
		dur, err := time.ParseDuration(val)
		if err != nil {
			return err
		}
		d.Duration = dur
	case float64:
		d.Duration = time.Duration(val) * time.Second
	default:
		return fmt.Errorf("invalid duration: %v", v)
	}
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// Decode implements envconfig.Decoder. Plain integers are seconds.
func (d *Duration) Decode(value string) error {
	if secs, err := strconv.ParseFloat(value, 64); err == nil {
		d.Duration = time.Duration(secs * float64(time.Second))
		return nil
	}
	dur, err := time.ParseDuration(value)
	if err != nil {
		return err
	}
	d.Duration = dur
	return nil
}

// Load reads a JSON, YAML or TOML config file, overlays RELAY_* environment
// variables, then validates and fills defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err = yamlToJSON(data)
	case ".toml":
		data, err = tomlToJSON(data)
	}
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, fmt.Errorf("environment overrides: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

// yamlToJSON re-encodes a YAML document so the json tags (and Duration's
// JSON decoding) apply to every format.
func yamlToJSON(data []byte) ([]byte, error) {
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	if doc == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(doc)
}

func tomlToJSON(data []byte) ([]byte, error) {
	var doc map[string]any
	if _, err := toml.Decode(string(data), &doc); err != nil {
		return nil, err
	}
	return json.Marshal(doc)
}

func (c *Config) applyEnv() error {
	sections := []struct {
		prefix string
		spec   any
	}{
		{"RELAY_SERVER", &c.Server},
		{"RELAY_AUTH", &c.Auth},
		{"RELAY_STORAGE", &c.Storage},
		{"RELAY_RELAY", &c.Relay},
		{"RELAY_PUSH", &c.Push},
		{"RELAY_LOGGING", &c.Logging},
		{"RELAY_RATE_LIMIT", &c.RateLimit},
	}
	for _, s := range sections {
		if err := envconfig.Process(s.prefix, s.spec); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	switch c.Auth.Provider {
	case "", "builtin":
		if c.Auth.JWTSecret == "" {
			return fmt.Errorf("auth.jwt_secret is required")
		}
	case "clerk":
		if c.Auth.ClerkIssuer == "" {
			return fmt.Errorf("auth.clerk_issuer is required when provider is clerk")
		}
	default:
		return fmt.Errorf("auth.provider %q is not supported", c.Auth.Provider)
	}
	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 characters")
	}
	if knownWeakSecrets[c.Auth.JWTSecret] {
		return fmt.Errorf("auth.jwt_secret is a well-known weak secret; generate a new one")
	}
	for i, e := range c.Auth.AgentTokens {
		if e.UserID == "" || e.AgentID == "" || e.TokenHash == "" {
			return fmt.Errorf("auth.agent_tokens[%d]: user_id, agent_id and token_hash are required", i)
		}
	}
	switch c.Storage.Driver {
	case "", "sqlite", "postgres":
	default:
		return fmt.Errorf("storage.driver %q is not supported", c.Storage.Driver)
	}
	switch c.Push.Driver {
	case "", "none":
	case "webhook":
		if c.Push.WebhookURL == "" {
			return fmt.Errorf("push.webhook_url is required when driver is webhook")
		}
	case "kafka":
		if len(c.Push.KafkaBrokers) == 0 || c.Push.KafkaTopic == "" {
			return fmt.Errorf("push.kafka_brokers and push.kafka_topic are required when driver is kafka")
		}
	case "slack":
		if c.Push.SlackWebhookURL == "" {
			return fmt.Errorf("push.slack_webhook_url is required when driver is slack")
		}
	default:
		return fmt.Errorf("push.driver %q is not supported", c.Push.Driver)
	}
	if c.Relay.MaxDelegationDepth < 0 {
		return fmt.Errorf("relay.max_delegation_depth must not be negative")
	}
	if c.Relay.DecodeErrorLimit < 0 {
		return fmt.Errorf("relay.decode_error_limit must not be negative")
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Server.MaxMessageBytes == 0 {
		c.Server.MaxMessageBytes = 64 * 1024 // 64KB
	}
	if c.Auth.Provider == "" {
		c.Auth.Provider = "builtin"
	}
	if c.Auth.JWTExpiry.Duration == 0 {
		c.Auth.JWTExpiry.Duration = 24 * time.Hour
	}
	if c.Auth.AgentTokenLifetime.Duration == 0 {
		c.Auth.AgentTokenLifetime.Duration = 1 * time.Hour
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "sqlite"
	}
	if c.Storage.DSN == "" {
		c.Storage.DSN = "relay.db"
	}
	if c.Storage.Retention.Duration == 0 {
		c.Storage.Retention.Duration = 30 * 24 * time.Hour // 30 days
	}
	if c.Storage.AuditRetention.Duration == 0 {
		c.Storage.AuditRetention.Duration = c.Storage.Retention.Duration
	}
	c.Relay.applyDefaults()
	if c.Push.Driver == "" {
		c.Push.Driver = "none"
	}
	if c.Push.Timeout.Duration == 0 {
		c.Push.Timeout.Duration = 10 * time.Second
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.RateLimit.RequestsPerSecond == 0 {
		c.RateLimit.RequestsPerSecond = 10
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = 20
	}
}

func (r *RelayConfig) applyDefaults() {
	if r.MaxDelegationDepth == 0 {
		r.MaxDelegationDepth = 3
	}
	if r.DelegationTimeout.Duration == 0 {
		r.DelegationTimeout.Duration = 5 * time.Minute
	}
	if r.PingInterval.Duration == 0 {
		r.PingInterval.Duration = 30 * time.Second
	}
	if r.MaxMissedPongs == 0 {
		r.MaxMissedPongs = 2
	}
	if r.AuthTimeout.Duration == 0 {
		r.AuthTimeout.Duration = 10 * time.Second
	}
	if r.IdleGrace.Duration == 0 {
		r.IdleGrace.Duration = 30 * time.Second
	}
	if r.SendQueueDepth == 0 {
		r.SendQueueDepth = 256
	}
	if r.MaxPeers == 0 {
		r.MaxPeers = 64
	}
	if r.StoreAttempts == 0 {
		r.StoreAttempts = 3
	}
	if r.StoreBackoff.Duration == 0 {
		r.StoreBackoff.Duration = 200 * time.Millisecond
	}
	if r.Workers == 0 {
		r.Workers = 16
	}
}

// DefaultRelay returns a RelayConfig with every default filled in.
func DefaultRelay() RelayConfig {
	var r RelayConfig
	r.applyDefaults()
	return r
}

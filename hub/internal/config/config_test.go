package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeTempConfig(t *testing.T, name, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	configJSON := `{
		"server": {
			"addr": ":8080",
			"allowed_origins": ["http://localhost:3000"],
			"max_message_bytes": 32768
		},
		"auth": {
			"jwt_secret": "my-super-secret-jwt-key-at-least-32",
			"jwt_expiry": "2h",
			"agent_token_secret": "hmac-secret",
			"agent_token_lifetime": "30m",
			"agent_tokens": [
				{"user_id": "u1", "agent_id": "main", "token_hash": "$2a$10$abc"}
			]
		},
		"storage": {
			"driver": "sqlite",
			"dsn": "test.db",
			"retention": "72h"
		},
		"relay": {
			"max_delegation_depth": 5,
			"delegation_timeout": 120,
			"ping_interval": "15s",
			"max_missed_pongs": 3,
			"idle_grace": "1m",
			"send_queue_depth": 32
		},
		"push": {
			"driver": "webhook",
			"webhook_url": "https://push.example.com/notify"
		},
		"logging": {
			"level": "debug",
			"format": "text"
		},
		"rate_limit": {
			"requests_per_second": 20,
			"burst": 40
		}
	}`

	path := writeTempConfig(t, "config.json", configJSON)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Addr != ":8080" {
		t.Errorf("Server.Addr: got %q, want %q", cfg.Server.Addr, ":8080")
	}
	if len(cfg.Server.AllowedOrigins) != 1 || cfg.Server.AllowedOrigins[0] != "http://localhost:3000" {
		t.Errorf("Server.AllowedOrigins: got %v", cfg.Server.AllowedOrigins)
	}
	if cfg.Server.MaxMessageBytes != 32768 {
		t.Errorf("Server.MaxMessageBytes: got %d, want 32768", cfg.Server.MaxMessageBytes)
	}

	if cfg.Auth.JWTExpiry.Duration != 2*time.Hour {
		t.Errorf("Auth.JWTExpiry: got %v, want 2h", cfg.Auth.JWTExpiry.Duration)
	}
	if cfg.Auth.AgentTokenLifetime.Duration != 30*time.Minute {
		t.Errorf("Auth.AgentTokenLifetime: got %v, want 30m", cfg.Auth.AgentTokenLifetime.Duration)
	}
	if len(cfg.Auth.AgentTokens) != 1 || cfg.Auth.AgentTokens[0].AgentID != "main" {
		t.Fatalf("Auth.AgentTokens: got %+v", cfg.Auth.AgentTokens)
	}

	if cfg.Storage.Retention.Duration != 72*time.Hour {
		t.Errorf("Storage.Retention: got %v, want 72h", cfg.Storage.Retention.Duration)
	}
	if cfg.Storage.AuditRetention.Duration != 72*time.Hour {
		t.Errorf("Storage.AuditRetention should follow Retention, got %v", cfg.Storage.AuditRetention.Duration)
	}

	if cfg.Relay.MaxDelegationDepth != 5 {
		t.Errorf("Relay.MaxDelegationDepth: got %d, want 5", cfg.Relay.MaxDelegationDepth)
	}
	if cfg.Relay.DelegationTimeout.Duration != 2*time.Minute {
		t.Errorf("Relay.DelegationTimeout: got %v, want 2m", cfg.Relay.DelegationTimeout.Duration)
	}
	if cfg.Relay.PingInterval.Duration != 15*time.Second {
		t.Errorf("Relay.PingInterval: got %v", cfg.Relay.PingInterval.Duration)
	}
	if cfg.Relay.MaxMissedPongs != 3 {
		t.Errorf("Relay.MaxMissedPongs: got %d", cfg.Relay.MaxMissedPongs)
	}
	if cfg.Relay.SendQueueDepth != 32 {
		t.Errorf("Relay.SendQueueDepth: got %d", cfg.Relay.SendQueueDepth)
	}

	if cfg.Push.Driver != "webhook" {
		t.Errorf("Push.Driver: got %q", cfg.Push.Driver)
	}
	if cfg.Push.Timeout.Duration != 10*time.Second {
		t.Errorf("Push.Timeout default: got %v", cfg.Push.Timeout.Duration)
	}

	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "text" {
		t.Errorf("Logging: got %+v", cfg.Logging)
	}
	if cfg.RateLimit.RequestsPerSecond != 20 || cfg.RateLimit.Burst != 40 {
		t.Errorf("RateLimit: got %+v", cfg.RateLimit)
	}
}

func TestLoadYAML(t *testing.T) {
	configYAML := `
server:
  addr: ":9090"
auth:
  jwt_secret: my-super-secret-jwt-key-at-least-32
relay:
  delegation_timeout: 90s
  max_peers: 8
storage:
  driver: postgres
  dsn: postgres://relay@localhost/relay
`
	path := writeTempConfig(t, "config.yaml", configYAML)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Addr != ":9090" {
		t.Errorf("Server.Addr: got %q", cfg.Server.Addr)
	}
	if cfg.Relay.DelegationTimeout.Duration != 90*time.Second {
		t.Errorf("Relay.DelegationTimeout: got %v", cfg.Relay.DelegationTimeout.Duration)
	}
	if cfg.Relay.MaxPeers != 8 {
		t.Errorf("Relay.MaxPeers: got %d", cfg.Relay.MaxPeers)
	}
	if cfg.Storage.Driver != "postgres" {
		t.Errorf("Storage.Driver: got %q", cfg.Storage.Driver)
	}
}

func TestLoadTOML(t *testing.T) {
	configTOML := `
[server]
addr = ":9191"
allowed_origins = ["https://app.example.com"]

[auth]
jwt_secret = "my-super-secret-jwt-key-at-least-32"

[relay]
delegation_timeout = "2m"
max_delegation_depth = 4

[push]
driver = "slack"
slack_webhook_url = "https://hooks.slack.com/services/T/B/X"
`
	path := writeTempConfig(t, "config.toml", configTOML)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Addr != ":9191" || len(cfg.Server.AllowedOrigins) != 1 {
		t.Errorf("Server: got %+v", cfg.Server)
	}
	if cfg.Relay.DelegationTimeout.Duration != 2*time.Minute || cfg.Relay.MaxDelegationDepth != 4 {
		t.Errorf("Relay: got %+v", cfg.Relay)
	}
	if cfg.Push.Driver != "slack" || cfg.Push.SlackWebhookURL == "" {
		t.Errorf("Push: got %+v", cfg.Push)
	}

	bad := writeTempConfig(t, "config.toml", "[server\naddr = ")
	if _, err := Load(bad); err == nil {
		t.Error("expected parse error for malformed TOML")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("RELAY_SERVER_ADDR", ":7070")
	t.Setenv("RELAY_RELAY_IDLE_GRACE", "45s")
	t.Setenv("RELAY_RELAY_MAX_DELEGATION_DEPTH", "2")
	t.Setenv("RELAY_PUSH_KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("RELAY_PUSH_KAFKA_TOPIC", "relay.push")
	t.Setenv("RELAY_PUSH_DRIVER", "kafka")

	path := writeTempConfig(t, "config.json", `{
		"server": {"addr": ":8080"},
		"auth": {"jwt_secret": "my-secret-key-for-testing-purposes"}
	}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Addr != ":7070" {
		t.Errorf("Server.Addr: got %q, want :7070", cfg.Server.Addr)
	}
	if cfg.Relay.IdleGrace.Duration != 45*time.Second {
		t.Errorf("Relay.IdleGrace: got %v", cfg.Relay.IdleGrace.Duration)
	}
	if cfg.Relay.MaxDelegationDepth != 2 {
		t.Errorf("Relay.MaxDelegationDepth: got %d", cfg.Relay.MaxDelegationDepth)
	}
	if len(cfg.Push.KafkaBrokers) != 2 || cfg.Push.KafkaBrokers[1] != "k2:9092" {
		t.Errorf("Push.KafkaBrokers: got %v", cfg.Push.KafkaBrokers)
	}
}

func TestValidateRequired(t *testing.T) {
	tests := []struct {
		name string
		json string
	}{
		{"missing addr", `{"server": {}, "auth": {"jwt_secret": "some-secret-value-long-enough-1234"}}`},
		{"missing secret", `{"server": {"addr": ":8080"}, "auth": {}}`},
		{"short secret", `{"server": {"addr": ":8080"}, "auth": {"jwt_secret": "short"}}`},
		{"weak secret", `{"server": {"addr": ":8080"}, "auth": {"jwt_secret": "local-dev-secret-for-testing-only-32chars!"}}`},
		{"clerk without issuer", `{"server": {"addr": ":8080"}, "auth": {"provider": "clerk"}}`},
		{"unknown provider", `{"server": {"addr": ":8080"}, "auth": {"provider": "ldap"}}`},
		{"bad storage driver", `{"server": {"addr": ":8080"}, "auth": {"jwt_secret": "my-secret-key-for-testing-purposes"}, "storage": {"driver": "mysql"}}`},
		{"webhook without url", `{"server": {"addr": ":8080"}, "auth": {"jwt_secret": "my-secret-key-for-testing-purposes"}, "push": {"driver": "webhook"}}`},
		{"kafka without topic", `{"server": {"addr": ":8080"}, "auth": {"jwt_secret": "my-secret-key-for-testing-purposes"}, "push": {"driver": "kafka", "kafka_brokers": ["k:9092"]}}`},
		{"slack without url", `{"server": {"addr": ":8080"}, "auth": {"jwt_secret": "my-secret-key-for-testing-purposes"}, "push": {"driver": "slack"}}`},
		{"incomplete agent token", `{"server": {"addr": ":8080"}, "auth": {"jwt_secret": "my-secret-key-for-testing-purposes", "agent_tokens": [{"agent_id": "a"}]}}`},
		{"bad duration", `{"server": {"addr": ":8080"}, "auth": {"jwt_secret": "my-secret-key-for-testing-purposes"}, "relay": {"idle_grace": "soon"}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeTempConfig(t, "config.json", tt.json)
			if _, err := Load(path); err == nil {
				t.Fatal("expected error, got nil")
			}
		})
	}
}

func TestApplyDefaults(t *testing.T) {
	minimal := `{
		"server": {"addr": ":8080"},
		"auth": {"jwt_secret": "my-secret-key-for-testing-purposes"}
	}`

	path := writeTempConfig(t, "config.json", minimal)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Auth.Provider != "builtin" {
		t.Errorf("default Auth.Provider: got %q", cfg.Auth.Provider)
	}
	if cfg.Auth.JWTExpiry.Duration != 24*time.Hour {
		t.Errorf("default JWTExpiry: got %v, want 24h", cfg.Auth.JWTExpiry.Duration)
	}
	if cfg.Storage.Driver != "sqlite" || cfg.Storage.DSN != "relay.db" {
		t.Errorf("default Storage: got %+v", cfg.Storage)
	}
	if cfg.Storage.Retention.Duration != 30*24*time.Hour {
		t.Errorf("default Storage.Retention: got %v, want 720h", cfg.Storage.Retention.Duration)
	}
	if cfg.Server.MaxMessageBytes != 64*1024 {
		t.Errorf("default Server.MaxMessageBytes: got %d", cfg.Server.MaxMessageBytes)
	}
	if cfg.Push.Driver != "none" {
		t.Errorf("default Push.Driver: got %q", cfg.Push.Driver)
	}

	want := RelayConfig{
		MaxDelegationDepth: 3,
		DelegationTimeout:  Duration{5 * time.Minute},
		PingInterval:       Duration{30 * time.Second},
		MaxMissedPongs:     2,
		AuthTimeout:        Duration{10 * time.Second},
		IdleGrace:          Duration{30 * time.Second},
		SendQueueDepth:     256,
		MaxPeers:           64,
		StoreAttempts:      3,
		StoreBackoff:       Duration{200 * time.Millisecond},
		Workers:            16,
	}
	if cfg.Relay != want {
		t.Errorf("default Relay:\n got %+v\nwant %+v", cfg.Relay, want)
	}
	if DefaultRelay() != want {
		t.Errorf("DefaultRelay() = %+v", DefaultRelay())
	}
}

func TestDurationDecode(t *testing.T) {
	var d Duration
	if err := d.Decode("90"); err != nil || d.Duration != 90*time.Second {
		t.Errorf("Decode(90) = %v, %v", d.Duration, err)
	}
	if err := d.Decode("250ms"); err != nil || d.Duration != 250*time.Millisecond {
		t.Errorf("Decode(250ms) = %v, %v", d.Duration, err)
	}
	if err := d.Decode("later"); err == nil {
		t.Error("expected error for invalid duration")
	}
}

func TestGenerateRandomSecret(t *testing.T) {
	s, err := GenerateRandomSecret()
	if err != nil {
		t.Fatal(err)
	}
	if len(s) != 64 {
		t.Errorf("expected 64 hex chars, got %d", len(s))
	}
}

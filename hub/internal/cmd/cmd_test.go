package cmd

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"

	"github.com/amurg-ai/relay/hub/internal/auth"
	"github.com/amurg-ai/relay/hub/internal/config"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd("1.2.3")
	out := &bytes.Buffer{}
	root.SetOut(out)
	root.SetErr(&bytes.Buffer{})
	root.SetIn(strings.NewReader(""))
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func writeConfig(t *testing.T) (string, *config.Config) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "relay-hub.json")
	if _, err := execute(t, "init", "--defaults", "--output", path); err != nil {
		t.Fatalf("init --defaults: %v", err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatal(err)
	}
	return path, cfg
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(out) != "relay-hub 1.2.3" {
		t.Errorf("version output = %q", out)
	}
}

func TestTokenBrowser(t *testing.T) {
	path, cfg := writeConfig(t)

	out, err := execute(t, "token", "browser", "-c", path, "--user", "u1", "--role", "admin")
	if err != nil {
		t.Fatal(err)
	}
	id, err := auth.NewService(cfg.Auth).Verify(t.Context(), strings.TrimSpace(out))
	if err != nil {
		t.Fatalf("minted token does not verify: %v", err)
	}
	if id.UserID != "u1" || id.Username != "u1" || id.Role != "admin" || id.AgentID != "" {
		t.Errorf("identity = %+v", id)
	}

	if _, err := execute(t, "token", "browser", "-c", path, "--user", "u1", "--role", "root"); err == nil {
		t.Error("expected error for unknown role")
	}
}

func TestTokenAgent(t *testing.T) {
	path, cfg := writeConfig(t)

	out, err := execute(t, "token", "agent", "-c", path, "--user", "u1", "--agent", "coder")
	if err != nil {
		t.Fatal(err)
	}
	id, err := auth.NewService(cfg.Auth).Verify(t.Context(), strings.TrimSpace(out))
	if err != nil {
		t.Fatal(err)
	}
	if id.UserID != "u1" || id.AgentID != "coder" {
		t.Errorf("identity = %+v", id)
	}

	if _, err := execute(t, "token", "agent", "-c", path, "--user", "u1"); err == nil {
		t.Error("expected error without --agent")
	}
}

func TestTokenStatic(t *testing.T) {
	out, err := execute(t, "token", "static", "--user", "u1", "--agent", "main")
	if err != nil {
		t.Fatal(err)
	}
	tok, rest, ok := strings.Cut(out, "\n")
	if !ok || !strings.HasPrefix(tok, "rat_") {
		t.Fatalf("output = %q", out)
	}

	var entry config.AgentTokenEntry
	if err := json.Unmarshal([]byte(rest[strings.Index(rest, "{"):]), &entry); err != nil {
		t.Fatalf("entry is not JSON: %v\n%s", err, rest)
	}
	svc := auth.NewService(config.AuthConfig{AgentTokens: []config.AgentTokenEntry{entry}})
	id, err := svc.Verify(t.Context(), tok)
	if err != nil {
		t.Fatal(err)
	}
	if id.UserID != "u1" || id.AgentID != "main" {
		t.Errorf("identity = %+v", id)
	}
}

func TestInitRefusesOverwrite(t *testing.T) {
	path, cfg := writeConfig(t)

	_, err := execute(t, "init", "--defaults", "--output", path)
	if err == nil || !strings.Contains(err.Error(), "already exists") {
		t.Fatalf("second init error = %v, want already exists", err)
	}
	again, err := config.Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if again.Auth.JWTSecret != cfg.Auth.JWTSecret {
		t.Error("existing config was overwritten")
	}

	if _, err := execute(t, "init", "--defaults", "--force", "--output", path); err != nil {
		t.Fatalf("init --force: %v", err)
	}
	forced, err := config.Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if forced.Auth.JWTSecret == cfg.Auth.JWTSecret {
		t.Error("--force did not regenerate secrets")
	}
}

func TestRunMissingConfig(t *testing.T) {
	_, err := execute(t, "run", filepath.Join(t.TempDir(), "nope.json"))
	if err == nil || !strings.Contains(err.Error(), "read config") {
		t.Errorf("run error = %v", err)
	}
}

func TestResolveConfigPath(t *testing.T) {
	newCmd := func(flagArgs ...string) *cobra.Command {
		root := NewRootCmd("dev")
		run, _, err := root.Find([]string{"run"})
		if err != nil {
			t.Fatal(err)
		}
		if err := root.PersistentFlags().Parse(flagArgs); err != nil {
			t.Fatal(err)
		}
		return run
	}

	if got := resolveConfigPath(newCmd(), nil, "default.json"); got != "default.json" {
		t.Errorf("default = %q", got)
	}
	if got := resolveConfigPath(newCmd("-c", "flag.json"), nil, "default.json"); got != "flag.json" {
		t.Errorf("flag = %q", got)
	}
	if got := resolveConfigPath(newCmd("-c", "flag.json"), []string{"arg.json"}, "default.json"); got != "arg.json" {
		t.Errorf("positional = %q", got)
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	newLogger(config.LoggingConfig{Level: "warn", Format: "json"}, &buf).Info("hidden")
	newLogger(config.LoggingConfig{Level: "warn", Format: "json"}, &buf).Warn("shown", "k", "v")
	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("want exactly one JSON record, got %q: %v", buf.String(), err)
	}
	if rec["msg"] != "shown" || rec["k"] != "v" {
		t.Errorf("record = %v", rec)
	}

	buf.Reset()
	newLogger(config.LoggingConfig{Level: "debug", Format: "text"}, &buf).Debug("plain")
	if !strings.Contains(buf.String(), "msg=plain") {
		t.Errorf("text output = %q", buf.String())
	}
}

func TestMain(m *testing.M) {
	// RELAY_* variables from the environment would leak into config.Load.
	for _, kv := range os.Environ() {
		if k, _, _ := strings.Cut(kv, "="); strings.HasPrefix(k, "RELAY_") {
			_ = os.Unsetenv(k)
		}
	}
	os.Exit(m.Run())
}

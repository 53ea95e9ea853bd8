package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// mockKeychain is a test double for the keychain interface.
type mockKeychain struct {
	value string
	err   error
}

func (m mockKeychain) Get(service, account string) (string, error) {
	return m.value, m.err
}

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

// TestDefaults verifies all default values are applied when loading an empty config file.
func TestDefaults(t *testing.T) {
	path := writeTempConfig(t, "")
	t.Setenv("SEABONE_REASONING_API_KEY", "")

	cfg, err := loadWith(path, mockKeychain{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Addr != "127.0.0.1:4100" {
		t.Errorf("Server.Addr = %q, want 127.0.0.1:4100", cfg.Server.Addr)
	}
	if cfg.Reasoning.Timeout != 90*time.Second {
		t.Errorf("Reasoning.Timeout = %v, want 90s", cfg.Reasoning.Timeout)
	}
	if cfg.Reasoning.Temperature != 0.7 {
		t.Errorf("Reasoning.Temperature = %v, want 0.7", cfg.Reasoning.Temperature)
	}
	if cfg.Context.MaxMessages != 100 || cfg.Context.KeepRecent != 15 || cfg.Context.TruncateOver != 100 {
		t.Errorf("Context = %+v", cfg.Context)
	}
	if cfg.Context.MaxRounds != 5 || cfg.Context.ToolResultLimit != 3000 {
		t.Errorf("Context = %+v", cfg.Context)
	}
	if cfg.Session.ResetMode != ResetManual || cfg.Session.LockWait != 5*time.Second {
		t.Errorf("Session = %+v", cfg.Session)
	}
	if !cfg.Maintenance.Archive || cfg.Maintenance.MaxEntries != 10000 {
		t.Errorf("Maintenance = %+v", cfg.Maintenance)
	}
	if cfg.Scheduler.Tick != time.Second {
		t.Errorf("Scheduler.Tick = %v, want 1s", cfg.Scheduler.Tick)
	}
	if len(cfg.Scheduler.Jobs) != 3 {
		t.Fatalf("len(Scheduler.Jobs) = %d, want 3", len(cfg.Scheduler.Jobs))
	}
	if cfg.Scheduler.Jobs[0].IsEnabled() {
		t.Error("morning-status should be disabled by default")
	}
	if j := cfg.Scheduler.Jobs[2]; j.Action != MaintenanceAction || !j.IsEnabled() {
		t.Errorf("maintenance job = %+v", j)
	}
}

// TestDeepMerge verifies nested maps merge key-wise and lists replace wholesale.
func TestDeepMerge(t *testing.T) {
	path := writeTempConfig(t, `
context:
  max_messages: 40
reasoning:
  timeout: 2m
providers:
  github:
    command: github-mcp
    args: ["--stdio"]
    env:
      GITHUB_TOKEN: abc
    timeout: 10s
  disabled-one:
    command: nope
    enabled: false
scheduler:
  jobs:
    - id: hourly
      schedule: "0 * * * *"
      action: say hi
`)
	t.Setenv("SEABONE_REASONING_API_KEY", "")

	cfg, err := loadWith(path, mockKeychain{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Context.MaxMessages != 40 {
		t.Errorf("Context.MaxMessages = %d, want 40", cfg.Context.MaxMessages)
	}
	if cfg.Context.KeepRecent != 15 {
		t.Errorf("Context.KeepRecent = %d, sibling default must survive", cfg.Context.KeepRecent)
	}
	if cfg.Reasoning.Timeout != 2*time.Minute {
		t.Errorf("Reasoning.Timeout = %v, want 2m", cfg.Reasoning.Timeout)
	}
	if cfg.Reasoning.Model != "deepseek-chat" {
		t.Errorf("Reasoning.Model = %q", cfg.Reasoning.Model)
	}

	gh, ok := cfg.Providers["github"]
	if !ok {
		t.Fatal("github provider missing")
	}
	if gh.Command != "github-mcp" || len(gh.Args) != 1 || gh.Env["GITHUB_TOKEN"] != "abc" || gh.Timeout != 10*time.Second {
		t.Errorf("github provider = %+v", gh)
	}
	if !gh.IsEnabled() {
		t.Error("github provider should default to enabled")
	}
	if cfg.Providers["disabled-one"].IsEnabled() {
		t.Error("disabled-one should be disabled")
	}

	if len(cfg.Scheduler.Jobs) != 1 || cfg.Scheduler.Jobs[0].ID != "hourly" {
		t.Errorf("Scheduler.Jobs = %+v, want the file list to replace the defaults", cfg.Scheduler.Jobs)
	}
}

// TestEnvOverride verifies that environment variables override config file values.
func TestEnvOverride(t *testing.T) {
	path := writeTempConfig(t, `
reasoning:
  api_key: file-key
  model: file-model
`)
	t.Setenv("SEABONE_REASONING_API_KEY", "env-key")
	t.Setenv("SEABONE_SESSION_LOCK_WAIT", "750ms")
	t.Setenv("SEABONE_MAINTENANCE_ARCHIVE", "false")
	t.Setenv("SEABONE_CONTEXT_MAX_ROUNDS", "not-a-number")

	cfg, err := loadWith(path, mockKeychain{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Reasoning.APIKey != "env-key" {
		t.Errorf("APIKey = %q, want %q", cfg.Reasoning.APIKey, "env-key")
	}
	if cfg.Reasoning.Model != "file-model" {
		t.Errorf("Model = %q, want file-model", cfg.Reasoning.Model)
	}
	if cfg.Session.LockWait != 750*time.Millisecond {
		t.Errorf("LockWait = %v, want 750ms", cfg.Session.LockWait)
	}
	if cfg.Maintenance.Archive {
		t.Error("Archive should be overridden to false")
	}
	if cfg.Context.MaxRounds != 5 {
		t.Errorf("MaxRounds = %d, an unparsable override must keep the configured value", cfg.Context.MaxRounds)
	}
}

// TestUnparsableFileFallsBackToDefaults verifies a broken file does not stop loading.
func TestUnparsableFileFallsBackToDefaults(t *testing.T) {
	path := writeTempConfig(t, "context: [unterminated")
	t.Setenv("SEABONE_REASONING_API_KEY", "")

	cfg, err := loadWith(path, mockKeychain{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Context.MaxMessages != 100 {
		t.Errorf("MaxMessages = %d, want default", cfg.Context.MaxMessages)
	}
}

// TestKeychainFallback verifies the secret store is consulted when no API key is in file or env.
func TestKeychainFallback(t *testing.T) {
	path := writeTempConfig(t, `# no api key in file`)
	t.Setenv("SEABONE_REASONING_API_KEY", "")

	cfg, err := loadWith(path, mockKeychain{value: "keychain-secret"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Reasoning.APIKey != "keychain-secret" {
		t.Errorf("APIKey = %q, want %q", cfg.Reasoning.APIKey, "keychain-secret")
	}
}

func TestValidate(t *testing.T) {
	cfg := defaults()
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "missing reasoning API key") {
		t.Fatalf("Validate() = %v, want missing key error", err)
	}

	cfg.Reasoning.APIKey = "k"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() = %v, want nil", err)
	}

	cfg.Session.ResetMode = "weekly"
	cfg.Scheduler.Jobs = append(cfg.Scheduler.Jobs, JobConfig{ID: "maintenance", Schedule: "* * * * *", Action: "x"})
	err = cfg.Validate()
	if err == nil {
		t.Fatal("Validate() = nil, want error")
	}
	for _, want := range []string{"reset_mode", "duplicate id"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %q", err, want)
		}
	}
}

func TestSetKeyPreservesOtherKeys(t *testing.T) {
	path := writeTempConfig(t, `
providers:
  fs:
    command: fs-mcp
`)
	if err := SetKey(path, "context.max_messages", "55"); err != nil {
		t.Fatalf("SetKey: %v", err)
	}
	if err := SetKey(path, "session.lock_wait", "3s"); err != nil {
		t.Fatalf("SetKey: %v", err)
	}
	if err := SetKey(path, "context.max_messages", "many"); err == nil {
		t.Error("expected error for non-integer value")
	}
	if err := SetKey(path, "reasoning.api_key", "x"); err == nil {
		t.Error("expected error for secret key")
	}
	if err := SetKey(path, "no.such.key", "x"); err == nil {
		t.Error("expected error for unknown key")
	}

	t.Setenv("SEABONE_REASONING_API_KEY", "")
	cfg, err := loadWith(path, mockKeychain{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Context.MaxMessages != 55 {
		t.Errorf("MaxMessages = %d, want 55", cfg.Context.MaxMessages)
	}
	if cfg.Session.LockWait != 3*time.Second {
		t.Errorf("LockWait = %v, want 3s", cfg.Session.LockWait)
	}
	if cfg.Providers["fs"].Command != "fs-mcp" {
		t.Errorf("provider lost after SetKey: %+v", cfg.Providers)
	}
}

func TestShowAllHidesSecrets(t *testing.T) {
	cfg := defaults()
	cfg.Reasoning.APIKey = "super-secret"
	for _, k := range ShowAll(cfg) {
		if k.Key == "reasoning.api_key" || strings.Contains(k.Value, "super-secret") {
			t.Errorf("secret leaked in ShowAll: %+v", k)
		}
	}
}

func TestWatchReloads(t *testing.T) {
	path := writeTempConfig(t, "context:\n  max_rounds: 3\n")
	t.Setenv("SEABONE_REASONING_API_KEY", "")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan Config, 4)
	done := make(chan error, 1)
	go func() { done <- Watch(ctx, path, nil, func(c Config) { got <- c }) }()

	// Give the watcher time to register before writing.
	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(path, []byte("context:\n  max_rounds: 7\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case c := <-got:
		if c.Context.MaxRounds != 7 {
			t.Errorf("MaxRounds = %d, want 7", c.Context.MaxRounds)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no reload observed")
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Watch returned %v", err)
	}
}

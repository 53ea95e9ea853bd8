package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"gopkg.in/yaml.v3"
)

type Config struct {
	DataDir     string                    `yaml:"data_dir"`
	Log         LogConfig                 `yaml:"log"`
	Server      ServerConfig              `yaml:"server"`
	Reasoning   ReasoningConfig           `yaml:"reasoning"`
	Context     ContextConfig             `yaml:"context"`
	Session     SessionConfig             `yaml:"session"`
	Maintenance MaintenanceConfig         `yaml:"maintenance"`
	Providers   map[string]ProviderConfig `yaml:"providers"`
	Scheduler   SchedulerConfig           `yaml:"scheduler"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

type ServerConfig struct {
	Addr     string `yaml:"addr"`
	MaxConns int    `yaml:"max_conns"`
	Token    string `yaml:"token"`
}

type ReasoningConfig struct {
	BaseURL     string        `yaml:"base_url"`
	APIKey      string        `yaml:"api_key"`
	Model       string        `yaml:"model"`
	MaxTokens   int           `yaml:"max_tokens"`
	Temperature float64       `yaml:"temperature"`
	Timeout     time.Duration `yaml:"timeout"`
}

// ContextConfig bounds what the orchestration loop sends to the reasoning
// service on each round.
type ContextConfig struct {
	MaxMessages      int `yaml:"max_messages"`
	KeepRecent       int `yaml:"keep_recent"`
	TruncateOver     int `yaml:"truncate_over"`
	CompactThreshold int `yaml:"compact_threshold"`
	MaxRounds        int `yaml:"max_rounds"`
	ToolResultLimit  int `yaml:"tool_result_limit"`
}

// Session reset modes.
const (
	ResetManual = "manual"
	ResetDaily  = "daily"
	ResetIdle   = "idle"
)

type SessionConfig struct {
	ResetMode   string        `yaml:"reset_mode"`
	ResetHour   int           `yaml:"reset_hour"`
	IdleMinutes int           `yaml:"idle_minutes"`
	LockWait    time.Duration `yaml:"lock_wait"`
}

type MaintenanceConfig struct {
	PruneAfterDays     int  `yaml:"prune_after_days"`
	MaxEntries         int  `yaml:"max_entries"`
	MaxDiskMB          int  `yaml:"max_disk_mb"`
	LogRetentionDays   int  `yaml:"log_retention_days"`
	Archive            bool `yaml:"archive"`
	AuditRetentionDays int  `yaml:"audit_retention_days"`
}

// ProviderConfig is the launch spec of one external tool provider.
type ProviderConfig struct {
	Command     string            `yaml:"command"`
	Args        []string          `yaml:"args,omitempty"`
	Env         map[string]string `yaml:"env,omitempty"`
	Dir         string            `yaml:"dir,omitempty"`
	Description string            `yaml:"description,omitempty"`
	Timeout     time.Duration     `yaml:"timeout,omitempty"`
	Enabled     *bool             `yaml:"enabled,omitempty"`
}

// IsEnabled reports whether the provider should be started. Providers are
// enabled unless explicitly disabled.
func (p ProviderConfig) IsEnabled() bool {
	return p.Enabled == nil || *p.Enabled
}

type SchedulerConfig struct {
	Tick time.Duration `yaml:"tick"`
	Jobs []JobConfig   `yaml:"jobs"`
}

type JobConfig struct {
	ID       string `yaml:"id"`
	Schedule string `yaml:"schedule"`
	Action   string `yaml:"action"`
	Enabled  *bool  `yaml:"enabled,omitempty"`
}

// IsEnabled reports whether the job may fire. Jobs are enabled unless
// explicitly disabled.
func (j JobConfig) IsEnabled() bool {
	return j.Enabled == nil || *j.Enabled
}

// MaintenanceAction is the reserved job action that runs maintenance
// instead of the orchestration loop.
const MaintenanceAction = "__maintenance__"

func defaults() Config {
	off := false
	return Config{
		DataDir: defaultDataDir(),
		Log:     LogConfig{Level: "info"},
		Server: ServerConfig{
			Addr:     "127.0.0.1:4100",
			MaxConns: 64,
		},
		Reasoning: ReasoningConfig{
			BaseURL:     "https://api.deepseek.com",
			Model:       "deepseek-chat",
			MaxTokens:   2048,
			Temperature: 0.7,
			Timeout:     90 * time.Second,
		},
		Context: ContextConfig{
			MaxMessages:      100,
			KeepRecent:       15,
			TruncateOver:     100,
			CompactThreshold: 100,
			MaxRounds:        5,
			ToolResultLimit:  3000,
		},
		Session: SessionConfig{
			ResetMode:   ResetManual,
			ResetHour:   4,
			IdleMinutes: 120,
			LockWait:    5 * time.Second,
		},
		Maintenance: MaintenanceConfig{
			PruneAfterDays:     30,
			MaxEntries:         10000,
			MaxDiskMB:          100,
			LogRetentionDays:   14,
			Archive:            true,
			AuditRetentionDays: 90,
		},
		Providers: map[string]ProviderConfig{},
		Scheduler: SchedulerConfig{
			Tick: time.Second,
			Jobs: []JobConfig{
				{
					ID:       "morning-status",
					Schedule: "0 8 * * *",
					Action:   "Morning status check. Review provider health and summarize anything that needs attention today.",
					Enabled:  &off,
				},
				{
					ID:       "stale-check",
					Schedule: "*/30 * * * *",
					Action:   "Check for stale or stuck work and report it briefly. Reply with nothing notable if all is well.",
					Enabled:  &off,
				},
				{
					ID:       "maintenance",
					Schedule: "0 3 * * *",
					Action:   MaintenanceAction,
				},
			},
		},
	}
}

// DefaultPath returns the config file location:
// $XDG_CONFIG_HOME/seabone/config.yaml, falling back to ~/.config.
func DefaultPath() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".config")
		} else {
			dir = "."
		}
	}
	return filepath.Join(dir, "seabone", "config.yaml")
}

// Load builds the configuration from defaults, the YAML file at path (or
// DefaultPath when empty), SEABONE_* environment variables and, for the
// reasoning API key, the platform secret store.
//
// The file is merged key-wise over the defaults: nested maps merge
// recursively, file values win, and lists replace the default list.
func Load(path string) (Config, error) {
	if path == "" {
		path = DefaultPath()
	}
	return loadWith(path, keychainReader{})
}

// keychain abstracts secret-store access for testing.
type keychain interface {
	Get(service, account string) (string, error)
}

func loadWith(path string, kc keychain) (Config, error) {
	base, err := toMap(defaults())
	if err != nil {
		return Config{}, err
	}

	file, err := readFileMap(path)
	if err != nil {
		return Config{}, err
	}
	merged := mergeMaps(base, file)

	cfg, err := decode(merged)
	if err != nil {
		return Config{}, fmt.Errorf("decoding %s: %w", path, err)
	}

	applyEnvOverrides(&cfg)

	if cfg.Reasoning.APIKey == "" {
		if key, err := kc.Get("seabone", "reasoning_api_key"); err == nil && key != "" {
			cfg.Reasoning.APIKey = key
		}
	}
	return cfg, nil
}

// Validate reports settings the server cannot run with.
func (c Config) Validate() error {
	var problems []string
	if c.Reasoning.APIKey == "" {
		problems = append(problems, "missing reasoning API key: set SEABONE_REASONING_API_KEY"+apiKeyHint())
	}
	switch c.Session.ResetMode {
	case ResetManual, ResetDaily, ResetIdle:
	default:
		problems = append(problems, fmt.Sprintf("session.reset_mode must be one of manual, daily, idle; got %q", c.Session.ResetMode))
	}
	if c.Session.ResetHour < 0 || c.Session.ResetHour > 23 {
		problems = append(problems, fmt.Sprintf("session.reset_hour must be 0-23; got %d", c.Session.ResetHour))
	}
	if c.Context.MaxRounds <= 0 {
		problems = append(problems, "context.max_rounds must be positive")
	}
	for name, p := range c.Providers {
		if p.IsEnabled() && p.Command == "" {
			problems = append(problems, fmt.Sprintf("providers.%s: missing command", name))
		}
	}
	seen := make(map[string]bool)
	for _, j := range c.Scheduler.Jobs {
		if j.ID == "" || j.Schedule == "" || j.Action == "" {
			problems = append(problems, fmt.Sprintf("scheduler job %q: id, schedule and action are required", j.ID))
		}
		if seen[j.ID] {
			problems = append(problems, fmt.Sprintf("scheduler job %q: duplicate id", j.ID))
		}
		seen[j.ID] = true
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// SessionsDir is where transcript files live.
func (c Config) SessionsDir() string { return filepath.Join(c.DataDir, "sessions") }

// WorkspaceDir holds the identity, profile and memory files.
func (c Config) WorkspaceDir() string { return filepath.Join(c.DataDir, "workspace") }

// ArchiveDir receives compressed copies of pruned transcripts.
func (c Config) ArchiveDir() string { return filepath.Join(c.DataDir, "archive") }

// TokenPath is where the generated API token is kept when none is configured.
func (c Config) TokenPath() string { return filepath.Join(c.DataDir, "api.token") }

func toMap(cfg Config) (map[string]any, error) {
	raw, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("encoding defaults: %w", err)
	}
	m := map[string]any{}
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decoding defaults: %w", err)
	}
	return m, nil
}

// readFileMap returns the parsed config file, or an empty map when the file
// does not exist. A file that cannot be parsed is reported on stderr and
// ignored.
func readFileMap(path string) (map[string]any, error) {
	m := map[string]any{}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return m, nil
		}
		fmt.Fprintf(os.Stderr, "[WARN] could not read config file %s: %v. Using default values.\n", path, err)
		return m, nil
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return m, nil
	}
	if err := yaml.Unmarshal(data, &m); err != nil {
		fmt.Fprintf(os.Stderr, "[WARN] could not parse config file %s: %v. Using default values.\n", path, err)
		return map[string]any{}, nil
	}
	return m, nil
}

func mergeMaps(dst, src map[string]any) map[string]any {
	for k, sv := range src {
		if sm, ok := sv.(map[string]any); ok {
			if dm, ok := dst[k].(map[string]any); ok {
				dst[k] = mergeMaps(dm, sm)
				continue
			}
		}
		dst[k] = sv
	}
	return dst
}

func decode(m map[string]any) (Config, error) {
	var cfg Config
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		WeaklyTypedInput: true,
		TagName:          "yaml",
		Result:           &cfg,
	})
	if err != nil {
		return Config{}, err
	}
	if err := dec.Decode(m); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// keychainReader reads secrets from the platform store.
type keychainReader struct{}

func (keychainReader) Get(service, account string) (string, error) {
	out, err := keychainGet(service, account)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

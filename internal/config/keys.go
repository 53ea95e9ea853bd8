package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kFloat
	kDuration
)

// keySpec binds a dotted config key to its environment variable and to the
// Config field it sets.
type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "data_dir", typ: kString, env: "SEABONE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.DataDir },
	},
	{
		key: "log.level", typ: kString, env: "SEABONE_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "server.addr", typ: kString, env: "SEABONE_SERVER_ADDR",
		apply:   func(cfg *Config, v any) { cfg.Server.Addr = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.Addr },
	},
	{
		key: "server.max_conns", typ: kInt, env: "SEABONE_SERVER_MAX_CONNS",
		apply:   func(cfg *Config, v any) { cfg.Server.MaxConns = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.MaxConns },
	},
	{
		key: "server.token", typ: kString, env: "SEABONE_API_TOKEN",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.Server.Token = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.Token },
	},
	{
		key: "reasoning.base_url", typ: kString, env: "SEABONE_REASONING_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Reasoning.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Reasoning.BaseURL },
	},
	{
		key: "reasoning.api_key", typ: kString, env: "SEABONE_REASONING_API_KEY",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.Reasoning.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Reasoning.APIKey },
	},
	{
		key: "reasoning.model", typ: kString, env: "SEABONE_REASONING_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Reasoning.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.Reasoning.Model },
	},
	{
		key: "reasoning.max_tokens", typ: kInt, env: "SEABONE_REASONING_MAX_TOKENS",
		apply:   func(cfg *Config, v any) { cfg.Reasoning.MaxTokens = v.(int) },
		extract: func(cfg Config) any { return cfg.Reasoning.MaxTokens },
	},
	{
		key: "reasoning.temperature", typ: kFloat, env: "SEABONE_REASONING_TEMPERATURE",
		apply:   func(cfg *Config, v any) { cfg.Reasoning.Temperature = v.(float64) },
		extract: func(cfg Config) any { return cfg.Reasoning.Temperature },
	},
	{
		key: "reasoning.timeout", typ: kDuration, env: "SEABONE_REASONING_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Reasoning.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Reasoning.Timeout },
	},
	{
		key: "context.max_messages", typ: kInt, env: "SEABONE_CONTEXT_MAX_MESSAGES",
		apply:   func(cfg *Config, v any) { cfg.Context.MaxMessages = v.(int) },
		extract: func(cfg Config) any { return cfg.Context.MaxMessages },
	},
	{
		key: "context.keep_recent", typ: kInt, env: "SEABONE_CONTEXT_KEEP_RECENT",
		apply:   func(cfg *Config, v any) { cfg.Context.KeepRecent = v.(int) },
		extract: func(cfg Config) any { return cfg.Context.KeepRecent },
	},
	{
		key: "context.truncate_over", typ: kInt, env: "SEABONE_CONTEXT_TRUNCATE_OVER",
		apply:   func(cfg *Config, v any) { cfg.Context.TruncateOver = v.(int) },
		extract: func(cfg Config) any { return cfg.Context.TruncateOver },
	},
	{
		key: "context.compact_threshold", typ: kInt, env: "SEABONE_CONTEXT_COMPACT_THRESHOLD",
		apply:   func(cfg *Config, v any) { cfg.Context.CompactThreshold = v.(int) },
		extract: func(cfg Config) any { return cfg.Context.CompactThreshold },
	},
	{
		key: "context.max_rounds", typ: kInt, env: "SEABONE_CONTEXT_MAX_ROUNDS",
		apply:   func(cfg *Config, v any) { cfg.Context.MaxRounds = v.(int) },
		extract: func(cfg Config) any { return cfg.Context.MaxRounds },
	},
	{
		key: "context.tool_result_limit", typ: kInt, env: "SEABONE_CONTEXT_TOOL_RESULT_LIMIT",
		apply:   func(cfg *Config, v any) { cfg.Context.ToolResultLimit = v.(int) },
		extract: func(cfg Config) any { return cfg.Context.ToolResultLimit },
	},
	{
		key: "session.reset_mode", typ: kString, env: "SEABONE_SESSION_RESET_MODE",
		apply:   func(cfg *Config, v any) { cfg.Session.ResetMode = v.(string) },
		extract: func(cfg Config) any { return cfg.Session.ResetMode },
	},
	{
		key: "session.reset_hour", typ: kInt, env: "SEABONE_SESSION_RESET_HOUR",
		apply:   func(cfg *Config, v any) { cfg.Session.ResetHour = v.(int) },
		extract: func(cfg Config) any { return cfg.Session.ResetHour },
	},
	{
		key: "session.idle_minutes", typ: kInt, env: "SEABONE_SESSION_IDLE_MINUTES",
		apply:   func(cfg *Config, v any) { cfg.Session.IdleMinutes = v.(int) },
		extract: func(cfg Config) any { return cfg.Session.IdleMinutes },
	},
	{
		key: "session.lock_wait", typ: kDuration, env: "SEABONE_SESSION_LOCK_WAIT",
		apply:   func(cfg *Config, v any) { cfg.Session.LockWait = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Session.LockWait },
	},
	{
		key: "maintenance.prune_after_days", typ: kInt, env: "SEABONE_MAINTENANCE_PRUNE_AFTER_DAYS",
		apply:   func(cfg *Config, v any) { cfg.Maintenance.PruneAfterDays = v.(int) },
		extract: func(cfg Config) any { return cfg.Maintenance.PruneAfterDays },
	},
	{
		key: "maintenance.max_entries", typ: kInt, env: "SEABONE_MAINTENANCE_MAX_ENTRIES",
		apply:   func(cfg *Config, v any) { cfg.Maintenance.MaxEntries = v.(int) },
		extract: func(cfg Config) any { return cfg.Maintenance.MaxEntries },
	},
	{
		key: "maintenance.max_disk_mb", typ: kInt, env: "SEABONE_MAINTENANCE_MAX_DISK_MB",
		apply:   func(cfg *Config, v any) { cfg.Maintenance.MaxDiskMB = v.(int) },
		extract: func(cfg Config) any { return cfg.Maintenance.MaxDiskMB },
	},
	{
		key: "maintenance.log_retention_days", typ: kInt, env: "SEABONE_MAINTENANCE_LOG_RETENTION_DAYS",
		apply:   func(cfg *Config, v any) { cfg.Maintenance.LogRetentionDays = v.(int) },
		extract: func(cfg Config) any { return cfg.Maintenance.LogRetentionDays },
	},
	{
		key: "maintenance.archive", typ: kBool, env: "SEABONE_MAINTENANCE_ARCHIVE",
		apply:   func(cfg *Config, v any) { cfg.Maintenance.Archive = v.(bool) },
		extract: func(cfg Config) any { return cfg.Maintenance.Archive },
	},
	{
		key: "maintenance.audit_retention_days", typ: kInt, env: "SEABONE_MAINTENANCE_AUDIT_RETENTION_DAYS",
		apply:   func(cfg *Config, v any) { cfg.Maintenance.AuditRetentionDays = v.(int) },
		extract: func(cfg Config) any { return cfg.Maintenance.AuditRetentionDays },
	},
	{
		key: "scheduler.tick", typ: kDuration, env: "SEABONE_SCHEDULER_TICK",
		apply:   func(cfg *Config, v any) { cfg.Scheduler.Tick = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Scheduler.Tick },
	},
}

func lookupSpec(key string) (keySpec, bool) {
	for _, s := range specs {
		if s.key == key {
			return s, true
		}
	}
	return keySpec{}, false
}

// parse converts raw into the Go value expected by the keySpec's apply func.
func (s keySpec) parse(raw string) (any, error) {
	switch s.typ {
	case kInt:
		return strconv.Atoi(raw)
	case kBool:
		return strconv.ParseBool(raw)
	case kFloat:
		return strconv.ParseFloat(raw, 64)
	case kDuration:
		return time.ParseDuration(raw)
	default:
		return raw, nil
	}
}

func (t keyType) String() string {
	switch t {
	case kInt:
		return "integer"
	case kBool:
		return "bool"
	case kFloat:
		return "float"
	case kDuration:
		return "duration"
	default:
		return "string"
	}
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := s.parse(raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse %s from env var %s=%q: %v. Using configured value.\n", s.typ, s.env, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
}

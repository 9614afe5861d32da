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
	kDuration
)

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
		key: "server.port", typ: kInt, env: "PRINTDESK_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.api_token", typ: kString, env: "PRINTDESK_API_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Server.APIToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.APIToken },
	},
	{
		key: "llm.base_url", typ: kString, env: "PRINTDESK_LLM_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.LLM.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.BaseURL },
	},
	{
		key: "llm.api_key", typ: kString, env: "PRINTDESK_LLM_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.LLM.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.APIKey },
	},
	{
		key: "llm.model", typ: kString, env: "PRINTDESK_LLM_MODEL",
		apply:   func(cfg *Config, v any) { cfg.LLM.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.Model },
	},
	{
		key: "llm.timeout", typ: kDuration, env: "PRINTDESK_LLM_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.LLM.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.LLM.Timeout },
	},
	{
		key: "storage.data_dir", typ: kString, env: "PRINTDESK_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "catalog.sheet_url", typ: kString, env: "PRINTDESK_CATALOG_SHEET_URL",
		apply:   func(cfg *Config, v any) { cfg.Catalog.SheetURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Catalog.SheetURL },
	},
	{
		key: "catalog.info_url", typ: kString, env: "PRINTDESK_CATALOG_INFO_URL",
		apply:   func(cfg *Config, v any) { cfg.Catalog.InfoURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Catalog.InfoURL },
	},
	{
		key: "catalog.refresh_interval", typ: kDuration, env: "PRINTDESK_CATALOG_REFRESH_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Catalog.RefreshInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Catalog.RefreshInterval },
	},
	{
		key: "catalog.export_url", typ: kString, env: "PRINTDESK_CATALOG_EXPORT_URL",
		apply:   func(cfg *Config, v any) { cfg.Catalog.ExportURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Catalog.ExportURL },
	},
	{
		key: "transport.webhook_url", typ: kString, env: "PRINTDESK_TRANSPORT_WEBHOOK_URL",
		apply:   func(cfg *Config, v any) { cfg.Transport.WebhookURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Transport.WebhookURL },
	},
	{
		key: "transport.webhook_token", typ: kString, env: "PRINTDESK_TRANSPORT_WEBHOOK_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Transport.WebhookToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Transport.WebhookToken },
	},
	{
		key: "session.history_word_budget", typ: kInt, env: "PRINTDESK_SESSION_HISTORY_WORD_BUDGET",
		apply:   func(cfg *Config, v any) { cfg.Session.HistoryWordBudget = v.(int) },
		extract: func(cfg Config) any { return cfg.Session.HistoryWordBudget },
	},
	{
		key: "session.ttl", typ: kDuration, env: "PRINTDESK_SESSION_TTL",
		apply:   func(cfg *Config, v any) { cfg.Session.TTL = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Session.TTL },
	},
	{
		key: "timers.debounce", typ: kDuration, env: "PRINTDESK_TIMERS_DEBOUNCE",
		apply:   func(cfg *Config, v any) { cfg.Timers.Debounce = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Timers.Debounce },
	},
	{
		key: "timers.idle_warning", typ: kDuration, env: "PRINTDESK_TIMERS_IDLE_WARNING",
		apply:   func(cfg *Config, v any) { cfg.Timers.IdleWarning = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Timers.IdleWarning },
	},
	{
		key: "timers.idle_expiry", typ: kDuration, env: "PRINTDESK_TIMERS_IDLE_EXPIRY",
		apply:   func(cfg *Config, v any) { cfg.Timers.IdleExpiry = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Timers.IdleExpiry },
	},
	{
		key: "timers.order_cooldown", typ: kDuration, env: "PRINTDESK_TIMERS_ORDER_COOLDOWN",
		apply:   func(cfg *Config, v any) { cfg.Timers.OrderCooldown = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Timers.OrderCooldown },
	},
	{
		key: "timers.human_escalation", typ: kDuration, env: "PRINTDESK_TIMERS_HUMAN_ESCALATION",
		apply:   func(cfg *Config, v any) { cfg.Timers.HumanEscalation = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Timers.HumanEscalation },
	},
	{
		key: "timers.abuse_blacklist", typ: kDuration, env: "PRINTDESK_TIMERS_ABUSE_BLACKLIST",
		apply:   func(cfg *Config, v any) { cfg.Timers.AbuseBlacklist = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Timers.AbuseBlacklist },
	},
	{
		key: "files.upload_dir", typ: kString, env: "PRINTDESK_FILES_UPLOAD_DIR",
		apply:   func(cfg *Config, v any) { cfg.Files.UploadDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Files.UploadDir },
	},
	{
		key: "files.max_upload_attempts", typ: kInt, env: "PRINTDESK_FILES_MAX_UPLOAD_ATTEMPTS",
		apply:   func(cfg *Config, v any) { cfg.Files.MaxUploadAttempts = v.(int) },
		extract: func(cfg Config) any { return cfg.Files.MaxUploadAttempts },
	},
	{
		key: "commands.conflict_policy", typ: kString, env: "PRINTDESK_COMMANDS_CONFLICT_POLICY",
		apply:   func(cfg *Config, v any) { cfg.Commands.ConflictPolicy = v.(string) },
		extract: func(cfg Config) any { return cfg.Commands.ConflictPolicy },
	},
	{
		key: "log.level", typ: kString, env: "PRINTDESK_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kDuration:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				d, err := time.ParseDuration(v)
				if err != nil {
					return fmt.Errorf("invalid duration for %s: %w", s.key, err)
				}
				s.apply(cfg, d)
			}
		}
	}
	return nil
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
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kDuration:
			if d, err := time.ParseDuration(raw); err == nil {
				s.apply(cfg, d)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse duration from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}

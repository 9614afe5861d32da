package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server    ServerConfig
	LLM       LLMConfig
	Storage   StorageConfig
	Catalog   CatalogConfig
	Transport TransportConfig
	Session   SessionConfig
	Timers    TimersConfig
	Files     FilesConfig
	Commands  CommandsConfig
	Log       LogConfig
}

type ServerConfig struct {
	Port     int
	APIToken string
}

type LLMConfig struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
}

type StorageConfig struct {
	DataDir string
}

type CatalogConfig struct {
	SheetURL        string
	InfoURL         string
	RefreshInterval time.Duration
	ExportURL       string
}

type TransportConfig struct {
	WebhookURL   string
	WebhookToken string
}

type SessionConfig struct {
	HistoryWordBudget int
	TTL               time.Duration
}

type TimersConfig struct {
	Debounce        time.Duration
	IdleWarning     time.Duration
	IdleExpiry      time.Duration
	OrderCooldown   time.Duration
	HumanEscalation time.Duration
	AbuseBlacklist  time.Duration
}

type FilesConfig struct {
	UploadDir         string
	MaxUploadAttempts int
}

type CommandsConfig struct {
	ConflictPolicy string
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	dataDir := defaultDataDir()
	return Config{
		Server: ServerConfig{
			Port: 4100,
		},
		LLM: LLMConfig{
			BaseURL: "https://openrouter.ai/api/v1",
			Model:   "openai/gpt-4o-mini",
			Timeout: 60 * time.Second,
		},
		Storage: StorageConfig{
			DataDir: dataDir,
		},
		Catalog: CatalogConfig{
			RefreshInterval: 15 * time.Minute,
		},
		Session: SessionConfig{
			HistoryWordBudget: 1500,
			TTL:               24 * time.Hour,
		},
		Timers: TimersConfig{
			Debounce:        4 * time.Second,
			IdleWarning:     10 * time.Minute,
			IdleExpiry:      20 * time.Minute,
			OrderCooldown:   30 * time.Minute,
			HumanEscalation: 2 * time.Hour,
			AbuseBlacklist:  24 * time.Hour,
		},
		Files: FilesConfig{
			UploadDir:         dataDir + "/uploads",
			MaxUploadAttempts: 3,
		},
		Commands: CommandsConfig{
			ConflictPolicy: "last_write_wins",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the JSON file backend, an optional .env file
// in the working directory, and environment variables.
//
// The backend is a JSON file at $XDG_CONFIG_HOME/printdesk/config.json.
// Environment variables (PRINTDESK_*) override backend values. Secrets
// (LLM API key, API token) are only read from the environment.
func Load() (Config, error) {
	// A missing .env is the normal case in production.
	_ = godotenv.Load()
	return loadWith(newFileBackend(configFilePath()))
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks the fields the server cannot start without.
func (c Config) Validate() error {
	if c.LLM.APIKey == "" {
		return fmt.Errorf("missing required config: LLM API key. Set it via environment variable PRINTDESK_LLM_API_KEY")
	}
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Session.HistoryWordBudget <= 0 {
		return fmt.Errorf("session.history_word_budget must be > 0")
	}
	if c.Timers.IdleExpiry <= c.Timers.IdleWarning {
		return fmt.Errorf("timers.idle_expiry (%s) must be longer than timers.idle_warning (%s)", c.Timers.IdleExpiry, c.Timers.IdleWarning)
	}
	if c.Files.MaxUploadAttempts <= 0 {
		return fmt.Errorf("files.max_upload_attempts must be > 0")
	}
	switch c.Commands.ConflictPolicy {
	case "last_write_wins", "reject_conflicts":
	default:
		return fmt.Errorf("commands.conflict_policy must be last_write_wins or reject_conflicts, got %q", c.Commands.ConflictPolicy)
	}
	return nil
}

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// mapBackend is an in-memory ConfigBackend for tests.
type mapBackend struct {
	strings map[string]string
	ints    map[string]int
}

func newMapBackend() *mapBackend {
	return &mapBackend{strings: map[string]string{}, ints: map[string]int{}}
}

func (m *mapBackend) GetString(key string) (string, bool, error) {
	v, ok := m.strings[key]
	return v, ok, nil
}

func (m *mapBackend) GetInt(key string) (int, bool, error) {
	v, ok := m.ints[key]
	return v, ok, nil
}

func (m *mapBackend) SetString(key, val string) error { m.strings[key] = val; return nil }
func (m *mapBackend) SetInt(key string, val int) error { m.ints[key] = val; return nil }
func (m *mapBackend) Delete(key string) error {
	delete(m.strings, key)
	delete(m.ints, key)
	return nil
}

func TestDefaults(t *testing.T) {
	t.Setenv("PRINTDESK_LLM_API_KEY", "test-key")

	cfg, err := loadWith(newMapBackend())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 4100 {
		t.Errorf("Server.Port = %d, want 4100", cfg.Server.Port)
	}
	if cfg.Session.HistoryWordBudget != 1500 {
		t.Errorf("Session.HistoryWordBudget = %d, want 1500", cfg.Session.HistoryWordBudget)
	}
	if cfg.Timers.Debounce != 4*time.Second {
		t.Errorf("Timers.Debounce = %v, want 4s", cfg.Timers.Debounce)
	}
	if cfg.Files.MaxUploadAttempts != 3 {
		t.Errorf("Files.MaxUploadAttempts = %d, want 3", cfg.Files.MaxUploadAttempts)
	}
	if cfg.Commands.ConflictPolicy != "last_write_wins" {
		t.Errorf("Commands.ConflictPolicy = %q, want last_write_wins", cfg.Commands.ConflictPolicy)
	}
}

func TestMissingAPIKey(t *testing.T) {
	t.Setenv("PRINTDESK_LLM_API_KEY", "")

	_, err := loadWith(newMapBackend())
	if err == nil {
		t.Fatal("expected error for missing API key")
	}
	if !strings.Contains(err.Error(), "PRINTDESK_LLM_API_KEY") {
		t.Errorf("error %q does not mention the env var", err)
	}
}

func TestBackendValues(t *testing.T) {
	t.Setenv("PRINTDESK_LLM_API_KEY", "test-key")

	b := newMapBackend()
	b.ints["server.port"] = 9000
	b.strings["timers.debounce"] = "1500ms"
	b.strings["llm.model"] = "anthropic/claude-sonnet-4"
	// Secrets are never read from the backend.
	b.strings["llm.api_key"] = "file-key"

	cfg, err := loadWith(b)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 9000 {
		t.Errorf("Server.Port = %d, want 9000", cfg.Server.Port)
	}
	if cfg.Timers.Debounce != 1500*time.Millisecond {
		t.Errorf("Timers.Debounce = %v, want 1.5s", cfg.Timers.Debounce)
	}
	if cfg.LLM.Model != "anthropic/claude-sonnet-4" {
		t.Errorf("LLM.Model = %q", cfg.LLM.Model)
	}
	if cfg.LLM.APIKey != "test-key" {
		t.Errorf("LLM.APIKey = %q, want env value", cfg.LLM.APIKey)
	}
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("PRINTDESK_LLM_API_KEY", "test-key")
	t.Setenv("PRINTDESK_SERVER_PORT", "7001")
	t.Setenv("PRINTDESK_TIMERS_IDLE_EXPIRY", "45m")

	b := newMapBackend()
	b.ints["server.port"] = 9000

	cfg, err := loadWith(b)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 7001 {
		t.Errorf("Server.Port = %d, want 7001", cfg.Server.Port)
	}
	if cfg.Timers.IdleExpiry != 45*time.Minute {
		t.Errorf("Timers.IdleExpiry = %v, want 45m", cfg.Timers.IdleExpiry)
	}
}

func TestInvalidEnvIgnored(t *testing.T) {
	t.Setenv("PRINTDESK_LLM_API_KEY", "test-key")
	t.Setenv("PRINTDESK_SERVER_PORT", "not-a-number")

	cfg, err := loadWith(newMapBackend())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 4100 {
		t.Errorf("Server.Port = %d, want default 4100", cfg.Server.Port)
	}
}

func TestValidateIdleOrdering(t *testing.T) {
	t.Setenv("PRINTDESK_LLM_API_KEY", "test-key")
	t.Setenv("PRINTDESK_TIMERS_IDLE_WARNING", "30m")
	t.Setenv("PRINTDESK_TIMERS_IDLE_EXPIRY", "10m")

	if _, err := loadWith(newMapBackend()); err == nil {
		t.Fatal("expected error when idle expiry is shorter than warning")
	}
}

func TestValidateConflictPolicy(t *testing.T) {
	t.Setenv("PRINTDESK_LLM_API_KEY", "test-key")
	t.Setenv("PRINTDESK_COMMANDS_CONFLICT_POLICY", "first_wins")

	if _, err := loadWith(newMapBackend()); err == nil {
		t.Fatal("expected error for unknown conflict policy")
	}
}

func TestFileBackendRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "printdesk", "config.json")

	b := newFileBackend(path)
	if err := setKeyIn(b, "server.port", "8123"); err != nil {
		t.Fatalf("setKeyIn: %v", err)
	}
	if err := setKeyIn(b, "timers.debounce", "2s"); err != nil {
		t.Fatalf("setKeyIn: %v", err)
	}

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("config file not written: %v", err)
	}

	reloaded := newFileBackend(path)
	port, ok, err := reloaded.GetInt("server.port")
	if err != nil || !ok || port != 8123 {
		t.Errorf("GetInt(server.port) = %d, %v, %v; want 8123", port, ok, err)
	}
	d, ok, err := reloaded.GetString("timers.debounce")
	if err != nil || !ok || d != "2s" {
		t.Errorf("GetString(timers.debounce) = %q, %v, %v; want 2s", d, ok, err)
	}
}

func TestSetKeyRejects(t *testing.T) {
	b := newMapBackend()

	if err := setKeyIn(b, "llm.api_key", "x"); err == nil {
		t.Error("expected error setting a secret")
	}
	if err := setKeyIn(b, "nope.key", "x"); err == nil {
		t.Error("expected error for unknown key")
	}
	if err := setKeyIn(b, "timers.debounce", "soon"); err == nil {
		t.Error("expected error for invalid duration")
	}
}

func TestShowAllHidesSecrets(t *testing.T) {
	cfg := defaults()
	cfg.LLM.APIKey = "sk-secret"

	for _, k := range ShowAll(cfg) {
		if k.Key == "llm.api_key" || k.Key == "server.api_token" {
			t.Errorf("ShowAll exposed secret key %s", k.Key)
		}
		if k.Value == "sk-secret" {
			t.Error("ShowAll exposed secret value")
		}
	}
}

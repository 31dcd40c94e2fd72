package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// mockKeychain is a test double for the Keychain interface.
type mockKeychain struct {
	values map[string]string
	setErr error
	sets   int
}

func (m *mockKeychain) Get(service, account string) (string, error) {
	v, ok := m.values[service+"/"+account]
	if !ok {
		return "", errors.New("not found")
	}
	return v, nil
}

func (m *mockKeychain) Set(service, account, value string) error {
	if m.setErr != nil {
		return m.setErr
	}
	if m.values == nil {
		m.values = make(map[string]string)
	}
	m.values[service+"/"+account] = value
	m.sets++
	return nil
}

// memBackend is an in-memory ConfigBackend.
type memBackend struct {
	data map[string]any
}

func newMemBackend(data map[string]any) *memBackend {
	if data == nil {
		data = make(map[string]any)
	}
	return &memBackend{data: data}
}

func (b *memBackend) GetString(key string) (string, bool, error) {
	v, ok := b.data[key]
	if !ok {
		return "", false, nil
	}
	s, _ := v.(string)
	return s, true, nil
}

func (b *memBackend) GetInt(key string) (int, bool, error) {
	v, ok := b.data[key]
	if !ok {
		return 0, false, nil
	}
	i, ok := v.(int)
	if !ok {
		return 0, true, errors.New("not an int")
	}
	return i, true, nil
}

func (b *memBackend) SetString(key, val string) error { b.data[key] = val; return nil }
func (b *memBackend) SetInt(key string, val int) error  { b.data[key] = val; return nil }
func (b *memBackend) Delete(key string) error           { delete(b.data, key); return nil }

func withKey() *mockKeychain {
	return &mockKeychain{values: map[string]string{"tutorai/openrouter_api_key": "kc-key"}}
}

// TestDefaults verifies all default values are applied when the backend is empty.
func TestDefaults(t *testing.T) {
	t.Setenv("TUTORAI_OPENROUTER_API_KEY", "")

	cfg, err := loadWith(newMemBackend(nil), withKey())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 4100 {
		t.Errorf("Server.Port = %d, want 4100", cfg.Server.Port)
	}
	if cfg.Providers.OpenRouterAPIKey != "kc-key" {
		t.Errorf("OpenRouterAPIKey = %q, want keychain value", cfg.Providers.OpenRouterAPIKey)
	}
	if cfg.Providers.Default != ProviderOpenRouter {
		t.Errorf("Providers.Default = %q", cfg.Providers.Default)
	}
	if cfg.Cache.TTL != time.Hour {
		t.Errorf("Cache.TTL = %v, want 1h", cfg.Cache.TTL)
	}
	if cfg.Budget.NearExhaustion != 0.10 {
		t.Errorf("Budget.NearExhaustion = %v, want 0.10", cfg.Budget.NearExhaustion)
	}
	if cfg.Quality.Threshold != 6 || !cfg.Quality.Enabled || cfg.Quality.MaxOptimizePasses != 1 {
		t.Errorf("Quality = %+v", cfg.Quality)
	}
	if cfg.Rewrite.Deadline != 30*time.Second || cfg.Rewrite.SameTierRetries != 1 {
		t.Errorf("Rewrite = %+v", cfg.Rewrite)
	}
}

// TestEnvOverride verifies that environment variables override backend values.
func TestEnvOverride(t *testing.T) {
	b := newMemBackend(map[string]any{
		"server.port":    5000,
		"budget.ceiling": "20",
	})
	t.Setenv("TUTORAI_OPENROUTER_API_KEY", "env-key")
	t.Setenv("TUTORAI_SERVER_PORT", "6000")
	t.Setenv("TUTORAI_CACHE_TTL", "2h")
	t.Setenv("TUTORAI_QUALITY_ENABLED", "false")
	t.Setenv("TUTORAI_BUDGET_NEAR_EXHAUSTION", "0.25")

	cfg, err := loadWith(b, &mockKeychain{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Providers.OpenRouterAPIKey != "env-key" {
		t.Errorf("OpenRouterAPIKey = %q, want env-key", cfg.Providers.OpenRouterAPIKey)
	}
	if cfg.Server.Port != 6000 {
		t.Errorf("Server.Port = %d, want 6000", cfg.Server.Port)
	}
	if cfg.Budget.Ceiling != 20 {
		t.Errorf("Budget.Ceiling = %v, want backend value 20", cfg.Budget.Ceiling)
	}
	if cfg.Cache.TTL != 2*time.Hour {
		t.Errorf("Cache.TTL = %v, want 2h", cfg.Cache.TTL)
	}
	if cfg.Quality.Enabled {
		t.Error("Quality.Enabled = true, want false")
	}
	if cfg.Budget.NearExhaustion != 0.25 {
		t.Errorf("NearExhaustion = %v, want 0.25", cfg.Budget.NearExhaustion)
	}
}

func TestBackendDurationsAndBadValues(t *testing.T) {
	b := newMemBackend(map[string]any{
		"rewrite.deadline":      "45s",
		"rewrite.retry_backoff": "not-a-duration",
	})
	t.Setenv("TUTORAI_OPENROUTER_API_KEY", "k")
	t.Setenv("TUTORAI_CACHE_CAPACITY", "many")

	cfg, err := loadWith(b, &mockKeychain{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Rewrite.Deadline != 45*time.Second {
		t.Errorf("Deadline = %v, want 45s", cfg.Rewrite.Deadline)
	}
	if cfg.Rewrite.RetryBackoff != 250*time.Millisecond {
		t.Errorf("RetryBackoff = %v, want default 250ms", cfg.Rewrite.RetryBackoff)
	}
	if cfg.Cache.Capacity != 10000 {
		t.Errorf("Capacity = %d, want default 10000", cfg.Cache.Capacity)
	}
}

func TestMissingAPIKey(t *testing.T) {
	t.Setenv("TUTORAI_OPENROUTER_API_KEY", "")
	t.Setenv("TUTORAI_PROVIDERS_DEFAULT", "")

	_, err := loadWith(newMemBackend(nil), &mockKeychain{})
	if err == nil {
		t.Fatal("expected error for missing API key")
	}
	if !strings.Contains(err.Error(), "TUTORAI_OPENROUTER_API_KEY") {
		t.Errorf("error should name the env var, got: %v", err)
	}
}

func TestLocalProviderNeedsNoKey(t *testing.T) {
	t.Setenv("TUTORAI_OPENROUTER_API_KEY", "")
	t.Setenv("TUTORAI_PROVIDERS_DEFAULT", "local")

	cfg, err := loadWith(newMemBackend(nil), &mockKeychain{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Providers.Default != ProviderLocal {
		t.Errorf("Providers.Default = %q", cfg.Providers.Default)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"unknown provider", func(c *Config) { c.Providers.Default = "azure" }, "unknown providers.default"},
		{"negative ceiling", func(c *Config) { c.Budget.Ceiling = -1 }, "budget.ceiling"},
		{"fraction too large", func(c *Config) { c.Budget.NearExhaustion = 1 }, "budget.near_exhaustion"},
		{"threshold out of range", func(c *Config) { c.Quality.Threshold = 11 }, "quality.threshold"},
		{"zero capacity", func(c *Config) { c.Cache.Capacity = 0 }, "cache.capacity"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaults()
			cfg.Providers.OpenRouterAPIKey = "k"
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Validate() = %v, want error containing %q", err, tt.want)
			}
		})
	}

	cfg := defaults()
	cfg.Providers.OpenRouterAPIKey = "k"
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults with key should validate, got %v", err)
	}
}

func TestLoadDotEnv(t *testing.T) {
	os.Unsetenv("TUTORAI_LOG_FILE")
	t.Cleanup(func() { os.Unsetenv("TUTORAI_LOG_FILE") })
	t.Setenv("TUTORAI_LOG_LEVEL", "debug")

	path := filepath.Join(t.TempDir(), ".env")
	content := "TUTORAI_LOG_FILE=/tmp/tutorai.log\nTUTORAI_LOG_LEVEL=error\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	loadDotEnv(path)

	cfg := defaults()
	applyEnvOverrides(&cfg)
	if cfg.Log.File != "/tmp/tutorai.log" {
		t.Errorf("Log.File = %q, want value from .env", cfg.Log.File)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, process env should win over .env", cfg.Log.Level)
	}
}

func TestLoadDotEnv_MissingFileIsIgnored(t *testing.T) {
	loadDotEnv(filepath.Join(t.TempDir(), "absent.env"))
}

func TestSetKey(t *testing.T) {
	b := newMemBackend(nil)

	if err := setKey(b, "server.port", "4500"); err != nil {
		t.Fatalf("setKey int: %v", err)
	}
	if b.data["server.port"] != 4500 {
		t.Errorf("server.port stored as %v", b.data["server.port"])
	}
	if err := setKey(b, "cache.ttl", "90m"); err != nil {
		t.Fatalf("setKey duration: %v", err)
	}
	if b.data["cache.ttl"] != "90m" {
		t.Errorf("cache.ttl stored as %v", b.data["cache.ttl"])
	}

	if err := setKey(b, "cache.ttl", "soon"); err == nil {
		t.Error("expected error for invalid duration")
	}
	if err := setKey(b, "providers.openrouter_api_key", "x"); err == nil || !strings.Contains(err.Error(), "secret") {
		t.Errorf("expected secret rejection, got %v", err)
	}
	if err := setKey(b, "no.such.key", "x"); err == nil {
		t.Error("expected error for unknown key")
	}

	t.Setenv("TUTORAI_OPENROUTER_API_KEY", "k")
	cfg, err := loadWith(b, &mockKeychain{})
	if err != nil {
		t.Fatalf("loadWith: %v", err)
	}
	if cfg.Server.Port != 4500 || cfg.Cache.TTL != 90*time.Minute {
		t.Errorf("round-trip: port=%d ttl=%v", cfg.Server.Port, cfg.Cache.TTL)
	}
}

func TestUnsetKey(t *testing.T) {
	b := newMemBackend(map[string]any{"server.port": 4500})

	if err := unsetKey(b, "server.port"); err != nil {
		t.Fatalf("unsetKey: %v", err)
	}
	if _, ok := b.data["server.port"]; ok {
		t.Error("server.port should be removed")
	}
	if err := unsetKey(b, "providers.openrouter_api_key"); err == nil {
		t.Error("expected secret rejection")
	}
	if err := unsetKey(b, "bogus"); err == nil {
		t.Error("expected error for unknown key")
	}
}

func TestShowAllHidesSecrets(t *testing.T) {
	cfg := defaults()
	cfg.Providers.OpenRouterAPIKey = "super-secret"

	infos := ShowAll(cfg)
	if len(infos) != len(ValidKeys()) {
		t.Errorf("ShowAll = %d keys, ValidKeys = %d", len(infos), len(ValidKeys()))
	}
	for _, ki := range infos {
		if strings.Contains(ki.Value, "super-secret") {
			t.Errorf("secret leaked via %s", ki.Key)
		}
		if !strings.HasPrefix(ki.EnvVar, "TUTORAI_") {
			t.Errorf("%s env var = %q", ki.Key, ki.EnvVar)
		}
	}
}

func TestGetAPIToken(t *testing.T) {
	kc := &mockKeychain{}

	first, err := GetAPIToken(kc)
	if err != nil {
		t.Fatalf("GetAPIToken: %v", err)
	}
	if len(first) != 36 {
		t.Errorf("token = %q, want a UUID", first)
	}

	second, err := GetAPIToken(kc)
	if err != nil {
		t.Fatalf("GetAPIToken: %v", err)
	}
	if second != first {
		t.Errorf("token changed between calls: %q vs %q", first, second)
	}
	if kc.sets != 1 {
		t.Errorf("Set called %d times, want 1", kc.sets)
	}
}

func TestGetAPIToken_StoreError(t *testing.T) {
	_, err := GetAPIToken(&mockKeychain{setErr: errors.New("read-only")})
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestParseLevel(t *testing.T) {
	if ParseLevel("DEBUG").String() != "DEBUG" || ParseLevel("warning").String() != "WARN" || ParseLevel("bogus").String() != "INFO" {
		t.Error("ParseLevel mapping mismatch")
	}
}

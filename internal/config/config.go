package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server    ServerConfig
	Storage   StorageConfig
	Log       LogConfig
	Providers ProvidersConfig
	Registry  RegistryConfig
	Budget    BudgetConfig
	Cache     CacheConfig
	Quality   QualityConfig
	Rewrite   RewriteConfig
	Callback  CallbackConfig
}

type ServerConfig struct {
	Port int
}

type StorageConfig struct {
	DataDir string
}

type LogConfig struct {
	Level string
	// File, when set, receives a rotated copy of the log.
	File      string
	MaxSizeMB int
}

type ProvidersConfig struct {
	Default          string
	OpenRouterAPIKey string
	OpenRouterURL    string
	OpenRouterRPS    float64
	LocalURL         string
	Timeout          time.Duration
}

type RegistryConfig struct {
	// File is a YAML or TOML model list. Empty means built-in defaults.
	File string
}

type BudgetConfig struct {
	Ceiling        float64
	NearExhaustion float64
}

type CacheConfig struct {
	TTL           time.Duration
	Capacity      int
	SweepInterval time.Duration
}

type QualityConfig struct {
	Enabled           bool
	Threshold         float64
	MaxOptimizePasses int
}

type RewriteConfig struct {
	Deadline         time.Duration
	SameTierRetries  int
	RetryBackoff     time.Duration
	BatchConcurrency int
	Temperature      float64
}

type CallbackConfig struct {
	URL          string
	PollInterval time.Duration
}

const (
	ProviderOpenRouter = "openrouter"
	ProviderLocal      = "local"
)

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4100,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Log: LogConfig{
			Level:     "info",
			MaxSizeMB: 50,
		},
		Providers: ProvidersConfig{
			Default:       ProviderOpenRouter,
			OpenRouterURL: "https://openrouter.ai/api/v1",
			OpenRouterRPS: 5,
			LocalURL:      "http://localhost:11434/v1",
			Timeout:       20 * time.Second,
		},
		Budget: BudgetConfig{
			Ceiling:        10,
			NearExhaustion: 0.10,
		},
		Cache: CacheConfig{
			TTL:           time.Hour,
			Capacity:      10000,
			SweepInterval: time.Minute,
		},
		Quality: QualityConfig{
			Enabled:           true,
			Threshold:         6,
			MaxOptimizePasses: 1,
		},
		Rewrite: RewriteConfig{
			Deadline:         30 * time.Second,
			SameTierRetries:  1,
			RetryBackoff:     250 * time.Millisecond,
			BatchConcurrency: 4,
			Temperature:      0.4,
		},
		Callback: CallbackConfig{
			PollInterval: 500 * time.Millisecond,
		},
	}
}

// Load reads configuration from the platform-native backend, a .env file in
// the working directory, environment variables, and the platform secret store.
//
// On macOS the backend is UserDefaults (domain: com.tutorai.app) and secrets
// fall back to macOS Keychain.
// On Linux the backend is a JSON file at $XDG_CONFIG_HOME/tutorai/config.json
// and secrets live in $XDG_DATA_HOME/tutorai/secrets.json.
//
// Environment variables (TUTORAI_*) override backend values on all platforms.
// Variables already set in the process environment win over .env entries.
func Load() (Config, error) {
	loadDotEnv(".env")
	return loadWith(newPlatformBackend(), NewKeychain())
}

func loadDotEnv(path string) {
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("could not read env file", "path", path, "error", err)
	}
}

func loadWith(b ConfigBackend, kc Keychain) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	// Try platform keychain for API key if still empty.
	if cfg.Providers.OpenRouterAPIKey == "" {
		if key, err := kc.Get(keychainService, "openrouter_api_key"); err == nil && key != "" {
			cfg.Providers.OpenRouterAPIKey = strings.TrimSpace(key)
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports settings that would make the service unusable.
func (c Config) Validate() error {
	switch c.Providers.Default {
	case ProviderOpenRouter:
		if c.Providers.OpenRouterAPIKey == "" {
			return fmt.Errorf("missing required config: OpenRouter API key. "+
				"Set it via environment variable TUTORAI_OPENROUTER_API_KEY%s", apiKeyHint())
		}
	case ProviderLocal:
		if c.Providers.LocalURL == "" {
			return fmt.Errorf("providers.default is %q but providers.local_url is empty", ProviderLocal)
		}
	default:
		return fmt.Errorf("unknown providers.default %q (want %q or %q)", c.Providers.Default, ProviderOpenRouter, ProviderLocal)
	}

	if c.Budget.Ceiling < 0 {
		return fmt.Errorf("budget.ceiling must not be negative, got %v", c.Budget.Ceiling)
	}
	if c.Budget.NearExhaustion < 0 || c.Budget.NearExhaustion >= 1 {
		return fmt.Errorf("budget.near_exhaustion must be in [0, 1), got %v", c.Budget.NearExhaustion)
	}
	if c.Quality.Threshold < 1 || c.Quality.Threshold > 10 {
		return fmt.Errorf("quality.threshold must be in [1, 10], got %v", c.Quality.Threshold)
	}
	if c.Cache.Capacity <= 0 {
		return fmt.Errorf("cache.capacity must be positive, got %d", c.Cache.Capacity)
	}
	return nil
}

// ParseLevel maps a log.level value to a slog level. Unknown values fall
// back to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

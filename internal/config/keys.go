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
		key: "server.port", typ: kInt, env: "TUTORAI_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "storage.data_dir", typ: kString, env: "TUTORAI_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "log.level", typ: kString, env: "TUTORAI_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "log.file", typ: kString, env: "TUTORAI_LOG_FILE",
		apply:   func(cfg *Config, v any) { cfg.Log.File = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.File },
	},
	{
		key: "log.max_size_mb", typ: kInt, env: "TUTORAI_LOG_MAX_SIZE_MB",
		apply:   func(cfg *Config, v any) { cfg.Log.MaxSizeMB = v.(int) },
		extract: func(cfg Config) any { return cfg.Log.MaxSizeMB },
	},
	{
		key: "providers.default", typ: kString, env: "TUTORAI_PROVIDERS_DEFAULT",
		apply:   func(cfg *Config, v any) { cfg.Providers.Default = v.(string) },
		extract: func(cfg Config) any { return cfg.Providers.Default },
	},
	{
		key: "providers.openrouter_api_key", typ: kString, env: "TUTORAI_OPENROUTER_API_KEY",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.Providers.OpenRouterAPIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Providers.OpenRouterAPIKey },
	},
	{
		key: "providers.openrouter_url", typ: kString, env: "TUTORAI_OPENROUTER_URL",
		apply:   func(cfg *Config, v any) { cfg.Providers.OpenRouterURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Providers.OpenRouterURL },
	},
	{
		key: "providers.openrouter_rps", typ: kFloat, env: "TUTORAI_OPENROUTER_RPS",
		apply:   func(cfg *Config, v any) { cfg.Providers.OpenRouterRPS = v.(float64) },
		extract: func(cfg Config) any { return cfg.Providers.OpenRouterRPS },
	},
	{
		key: "providers.local_url", typ: kString, env: "TUTORAI_LOCAL_URL",
		apply:   func(cfg *Config, v any) { cfg.Providers.LocalURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Providers.LocalURL },
	},
	{
		key: "providers.timeout", typ: kDuration, env: "TUTORAI_PROVIDERS_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Providers.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Providers.Timeout },
	},
	{
		key: "registry.file", typ: kString, env: "TUTORAI_REGISTRY_FILE",
		apply:   func(cfg *Config, v any) { cfg.Registry.File = v.(string) },
		extract: func(cfg Config) any { return cfg.Registry.File },
	},
	{
		key: "budget.ceiling", typ: kFloat, env: "TUTORAI_BUDGET_CEILING",
		apply:   func(cfg *Config, v any) { cfg.Budget.Ceiling = v.(float64) },
		extract: func(cfg Config) any { return cfg.Budget.Ceiling },
	},
	{
		key: "budget.near_exhaustion", typ: kFloat, env: "TUTORAI_BUDGET_NEAR_EXHAUSTION",
		apply:   func(cfg *Config, v any) { cfg.Budget.NearExhaustion = v.(float64) },
		extract: func(cfg Config) any { return cfg.Budget.NearExhaustion },
	},
	{
		key: "cache.ttl", typ: kDuration, env: "TUTORAI_CACHE_TTL",
		apply:   func(cfg *Config, v any) { cfg.Cache.TTL = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Cache.TTL },
	},
	{
		key: "cache.capacity", typ: kInt, env: "TUTORAI_CACHE_CAPACITY",
		apply:   func(cfg *Config, v any) { cfg.Cache.Capacity = v.(int) },
		extract: func(cfg Config) any { return cfg.Cache.Capacity },
	},
	{
		key: "cache.sweep_interval", typ: kDuration, env: "TUTORAI_CACHE_SWEEP_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Cache.SweepInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Cache.SweepInterval },
	},
	{
		key: "quality.enabled", typ: kBool, env: "TUTORAI_QUALITY_ENABLED",
		apply:   func(cfg *Config, v any) { cfg.Quality.Enabled = v.(bool) },
		extract: func(cfg Config) any { return cfg.Quality.Enabled },
	},
	{
		key: "quality.threshold", typ: kFloat, env: "TUTORAI_QUALITY_THRESHOLD",
		apply:   func(cfg *Config, v any) { cfg.Quality.Threshold = v.(float64) },
		extract: func(cfg Config) any { return cfg.Quality.Threshold },
	},
	{
		key: "quality.max_optimize_passes", typ: kInt, env: "TUTORAI_QUALITY_MAX_OPTIMIZE_PASSES",
		apply:   func(cfg *Config, v any) { cfg.Quality.MaxOptimizePasses = v.(int) },
		extract: func(cfg Config) any { return cfg.Quality.MaxOptimizePasses },
	},
	{
		key: "rewrite.deadline", typ: kDuration, env: "TUTORAI_REWRITE_DEADLINE",
		apply:   func(cfg *Config, v any) { cfg.Rewrite.Deadline = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Rewrite.Deadline },
	},
	{
		key: "rewrite.same_tier_retries", typ: kInt, env: "TUTORAI_REWRITE_SAME_TIER_RETRIES",
		apply:   func(cfg *Config, v any) { cfg.Rewrite.SameTierRetries = v.(int) },
		extract: func(cfg Config) any { return cfg.Rewrite.SameTierRetries },
	},
	{
		key: "rewrite.retry_backoff", typ: kDuration, env: "TUTORAI_REWRITE_RETRY_BACKOFF",
		apply:   func(cfg *Config, v any) { cfg.Rewrite.RetryBackoff = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Rewrite.RetryBackoff },
	},
	{
		key: "rewrite.batch_concurrency", typ: kInt, env: "TUTORAI_REWRITE_BATCH_CONCURRENCY",
		apply:   func(cfg *Config, v any) { cfg.Rewrite.BatchConcurrency = v.(int) },
		extract: func(cfg Config) any { return cfg.Rewrite.BatchConcurrency },
	},
	{
		key: "rewrite.temperature", typ: kFloat, env: "TUTORAI_REWRITE_TEMPERATURE",
		apply:   func(cfg *Config, v any) { cfg.Rewrite.Temperature = v.(float64) },
		extract: func(cfg Config) any { return cfg.Rewrite.Temperature },
	},
	{
		key: "callback.url", typ: kString, env: "TUTORAI_CALLBACK_URL",
		apply:   func(cfg *Config, v any) { cfg.Callback.URL = v.(string) },
		extract: func(cfg Config) any { return cfg.Callback.URL },
	},
	{
		key: "callback.poll_interval", typ: kDuration, env: "TUTORAI_CALLBACK_POLL_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Callback.PollInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Callback.PollInterval },
	},
}

// parse converts raw text to the key's type.
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

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		if s.typ == kInt {
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
			continue
		}

		raw, ok, err := b.GetString(s.key)
		if err != nil {
			return fmt.Errorf("reading %s: %w", s.key, err)
		}
		if !ok || (raw == "" && s.typ != kString) {
			continue
		}
		v, err := s.parse(raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse config key %s=%q: %v. Using default value.\n", s.key, raw, err)
			continue
		}
		s.apply(cfg, v)
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
		v, err := s.parse(raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
}

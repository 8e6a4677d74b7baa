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
		key: "server.port", typ: kInt, env: "DEALSYNC_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.api_token", typ: kString, env: "DEALSYNC_SERVER_API_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Server.APIToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.APIToken },
	},
	{
		key: "storage.data_dir", typ: kString, env: "DEALSYNC_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "provider.base_url", typ: kString, env: "DEALSYNC_PROVIDER_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Provider.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Provider.BaseURL },
	},
	{
		key: "provider.api_key", typ: kString, env: "DEALSYNC_PROVIDER_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Provider.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Provider.APIKey },
	},
	{
		key: "provider.timeout", typ: kDuration, env: "DEALSYNC_PROVIDER_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Provider.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Provider.Timeout },
	},
	{
		key: "ollama.base_url", typ: kString, env: "DEALSYNC_OLLAMA_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.BaseURL },
	},
	{
		key: "ollama.analysis_model", typ: kString, env: "DEALSYNC_OLLAMA_ANALYSIS_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.AnalysisModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.AnalysisModel },
	},
	{
		key: "bus.nats_url", typ: kString, env: "DEALSYNC_BUS_NATS_URL",
		apply:   func(cfg *Config, v any) { cfg.Bus.NATSURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Bus.NATSURL },
	},
	{
		key: "sync.intensive_interval", typ: kDuration, env: "DEALSYNC_SYNC_INTENSIVE_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Sync.IntensiveInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Sync.IntensiveInterval },
	},
	{
		key: "sync.intensive_max_attempts", typ: kInt, env: "DEALSYNC_SYNC_INTENSIVE_MAX_ATTEMPTS",
		apply:   func(cfg *Config, v any) { cfg.Sync.IntensiveMaxAttempts = v.(int) },
		extract: func(cfg Config) any { return cfg.Sync.IntensiveMaxAttempts },
	},
	{
		key: "sync.background_interval", typ: kDuration, env: "DEALSYNC_SYNC_BACKGROUND_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Sync.BackgroundInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Sync.BackgroundInterval },
	},
	{
		key: "sync.background_min_interval", typ: kDuration, env: "DEALSYNC_SYNC_BACKGROUND_MIN_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Sync.BackgroundMinInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Sync.BackgroundMinInterval },
	},
	{
		key: "momentum.worker_poll", typ: kDuration, env: "DEALSYNC_MOMENTUM_WORKER_POLL",
		apply:   func(cfg *Config, v any) { cfg.Momentum.WorkerPoll = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Momentum.WorkerPoll },
	},
	{
		key: "log.level", typ: kString, env: "DEALSYNC_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
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
			v, ok, err := b.GetDuration(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
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

// applySecrets fills secrets the environment left empty from the secret store.
func applySecrets(cfg *Config, ss secretStore) {
	for _, s := range specs {
		if !s.secret || s.extract(*cfg) != "" {
			continue
		}
		if v, err := ss.Get(s.key); err == nil && v != "" {
			s.apply(cfg, v)
		}
	}
}

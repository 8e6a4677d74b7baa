package config

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/adrg/xdg"
)

type Config struct {
	Server   ServerConfig
	Storage  StorageConfig
	Provider ProviderConfig
	Ollama   OllamaConfig
	Bus      BusConfig
	Sync     SyncConfig
	Momentum MomentumConfig
	Log      LogConfig
}

type ServerConfig struct {
	Port     int
	APIToken string
}

type StorageConfig struct {
	DataDir string
}

type ProviderConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

type OllamaConfig struct {
	BaseURL       string
	AnalysisModel string
}

// BusConfig selects the change-notification transport. An empty NATSURL
// means events stay in process.
type BusConfig struct {
	NATSURL string
}

type SyncConfig struct {
	IntensiveInterval     time.Duration
	IntensiveMaxAttempts  int
	BackgroundInterval    time.Duration
	BackgroundMinInterval time.Duration
}

type MomentumConfig struct {
	WorkerPoll time.Duration
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4100,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Provider: ProviderConfig{
			BaseURL: "https://api.meetings.example.com",
			Timeout: 30 * time.Second,
		},
		Ollama: OllamaConfig{
			BaseURL:       "http://localhost:11434",
			AnalysisModel: "mistral-nemo",
		},
		Sync: SyncConfig{
			IntensiveInterval:     2 * time.Minute,
			IntensiveMaxAttempts:  15,
			BackgroundInterval:    15 * time.Minute,
			BackgroundMinInterval: time.Minute,
		},
		Momentum: MomentumConfig{
			WorkerPoll: 2 * time.Second,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

func defaultDataDir() string {
	return filepath.Join(xdg.DataHome, "dealsync")
}

// Load reads configuration from the JSON file at
// $XDG_CONFIG_HOME/dealsync/config.json, then applies DEALSYNC_* environment
// overrides. Secrets come from the environment or from
// $XDG_DATA_HOME/dealsync/secrets.json.
func Load() (Config, error) {
	return loadWith(newFileBackend(configFilePath()), fileSecrets{path: secretsFilePath()})
}

// secretStore abstracts secret lookup for testing.
type secretStore interface {
	Get(account string) (string, error)
}

func loadWith(b ConfigBackend, ss secretStore) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)
	applySecrets(&cfg, ss)

	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func validate(cfg Config) error {
	if cfg.Provider.APIKey == "" {
		return fmt.Errorf("missing required config: provider API key. "+
			"Set it via environment variable DEALSYNC_PROVIDER_API_KEY or in %s", secretsFilePath())
	}
	if cfg.Provider.BaseURL == "" {
		return fmt.Errorf("missing required config: provider.base_url")
	}
	if cfg.Sync.IntensiveInterval <= 0 || cfg.Sync.BackgroundInterval <= 0 {
		return fmt.Errorf("sync intervals must be positive")
	}
	if cfg.Sync.IntensiveMaxAttempts <= 0 {
		return fmt.Errorf("sync.intensive_max_attempts must be positive, got %d", cfg.Sync.IntensiveMaxAttempts)
	}
	if cfg.Sync.BackgroundMinInterval > cfg.Sync.BackgroundInterval {
		return fmt.Errorf("sync.background_min_interval (%s) exceeds sync.background_interval (%s)",
			cfg.Sync.BackgroundMinInterval, cfg.Sync.BackgroundInterval)
	}
	return nil
}

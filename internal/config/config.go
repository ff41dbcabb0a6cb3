package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/daviddao/deskbeads/internal/desk"
)

// Config captures the settings the dk console needs.
type Config struct {
	Backend  BackendConfig  `yaml:"backend"`
	Sync     SyncConfig     `yaml:"sync"`
	Logging  LoggingConfig  `yaml:"logging"`
	Snapshot SnapshotConfig `yaml:"snapshot"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// BackendConfig configures access to the support backend.
type BackendConfig struct {
	BaseURL string        `yaml:"baseURL"`
	APIKey  string        `yaml:"apiKey"`
	Timeout time.Duration `yaml:"timeout"`
}

// SyncConfig controls background refresh, debouncing and pagination.
type SyncConfig struct {
	ListInterval    time.Duration `yaml:"listInterval"`
	SummaryInterval time.Duration `yaml:"summaryInterval"`
	ReconnectDelay  time.Duration `yaml:"reconnectDelay"`
	SearchDebounce  time.Duration `yaml:"searchDebounce"`
	ReconcileDelay  time.Duration `yaml:"reconcileDelay"`
	PageSize        int           `yaml:"pageSize"`
	ReadRetries     int           `yaml:"readRetries"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// SnapshotConfig controls the local last-known-good store.
type SnapshotConfig struct {
	Enabled bool          `yaml:"enabled"`
	Path    string        `yaml:"path"`
	MaxAge  time.Duration `yaml:"maxAge"`
}

// MetricsConfig controls the prometheus listener of dk watch.
type MetricsConfig struct {
	Address string `yaml:"address"`
}

// Load initialises Config from a YAML file and optional environment overrides.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("DESK_CONFIG")
	}

	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config file %s not found: %w", path, err)
			}
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Timing converts the sync settings for the controller.
func (c *Config) Timing() desk.Timing {
	return desk.Timing{
		ListInterval:    c.Sync.ListInterval,
		SummaryInterval: c.Sync.SummaryInterval,
		Backoff:         c.Sync.ReconnectDelay,
		Debounce:        c.Sync.SearchDebounce,
		ReconcileDelay:  c.Sync.ReconcileDelay,
		PageSize:        c.Sync.PageSize,
		ReadRetries:     c.Sync.ReadRetries,
	}
}

func defaultConfig() Config {
	return Config{
		Backend: BackendConfig{
			BaseURL: "http://127.0.0.1:8000",
			Timeout: 10 * time.Second,
		},
		Sync: SyncConfig{
			ListInterval:    8 * time.Second,
			SummaryInterval: 10 * time.Second,
			ReconnectDelay:  3 * time.Second,
			SearchDebounce:  350 * time.Millisecond,
			ReconcileDelay:  6 * time.Second,
			PageSize:        20,
			ReadRetries:     1,
		},
		Logging:  LoggingConfig{Level: "warn", JSON: false},
		Snapshot: SnapshotConfig{Enabled: true, MaxAge: 7 * 24 * time.Hour},
	}
}

func (c *Config) validate() error {
	if strings.TrimSpace(c.Backend.BaseURL) == "" {
		return errors.New("backend.baseURL must be set")
	}
	if c.Sync.PageSize < 1 || c.Sync.PageSize > 500 {
		return fmt.Errorf("sync.pageSize must be between 1 and 500, got %d", c.Sync.PageSize)
	}
	if c.Sync.ReadRetries < 0 {
		return fmt.Errorf("sync.readRetries must not be negative, got %d", c.Sync.ReadRetries)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DESK_BASE_URL"); v != "" {
		cfg.Backend.BaseURL = v
	}
	if v := os.Getenv("SUPPORT_API_KEY"); v != "" && cfg.Backend.APIKey == "" {
		cfg.Backend.APIKey = v
	}
	if v := os.Getenv("DESK_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Backend.Timeout = d
		}
	}
	if v := os.Getenv("DESK_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("DESK_LOG_FORMAT"); v == "json" {
		cfg.Logging.JSON = true
	}
	if v := os.Getenv("DESK_SNAPSHOT_PATH"); v != "" {
		cfg.Snapshot.Path = v
	}
	if v := os.Getenv("DESK_SNAPSHOT_ENABLED"); v != "" {
		cfg.Snapshot.Enabled = strings.EqualFold(v, "true") || strings.EqualFold(v, "1")
	}
	if v := os.Getenv("DESK_METRICS_ADDRESS"); v != "" {
		cfg.Metrics.Address = v
	}
	if v := os.Getenv("DESK_LIST_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Sync.ListInterval = d
		}
	}
	if v := os.Getenv("DESK_SUMMARY_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Sync.SummaryInterval = d
		}
	}
	if v := os.Getenv("DESK_PAGE_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Sync.PageSize = n
		}
	}
}

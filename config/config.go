// Package config loads the crawler settings from the environment and the site
// rules from sites.json.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"mangascraper/models"
)

// Storage drivers.
const (
	DriverNone     = "none"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config holds the runtime settings of a crawl. Once loaded it is read-only
// and handed to constructors.
type Config struct {
	// Output
	StoreRoot    string        `env:"STORE_ROOT"    envDefault:"~/manga"`
	OutputFormat models.Format `env:"OUTPUT_FORMAT" envDefault:"pdf"`
	JPEGQuality  int           `env:"JPEG_QUALITY"  envDefault:"90"`

	// Fetch pool
	GlobalConcurrency int           `env:"GLOBAL_CONCURRENCY" envDefault:"16"`
	HostConcurrency   int           `env:"HOST_CONCURRENCY"   envDefault:"4"`
	HostRate          float64       `env:"HOST_RATE"          envDefault:"2"`
	MaxRetries        int           `env:"MAX_RETRIES"        envDefault:"3"`
	RetryBaseDelay    time.Duration `env:"RETRY_BASE_DELAY"   envDefault:"1s"`
	RetryMaxDelay     time.Duration `env:"RETRY_MAX_DELAY"    envDefault:"30s"`
	FetchTimeout      time.Duration `env:"FETCH_TIMEOUT"      envDefault:"30s"`
	MaxPageBytes      int64         `env:"MAX_PAGE_BYTES"     envDefault:"20971520"`
	UserAgent         string        `env:"USER_AGENT"`

	// Discovery
	SitesFile            string        `env:"SITES_FILE"            envDefault:"./sites/sites.json"`
	DiscoveryConcurrency int           `env:"DISCOVERY_CONCURRENCY" envDefault:"2"`
	DiscoveryTimeout     time.Duration `env:"DISCOVERY_TIMEOUT"     envDefault:"60s"`
	BrowserExecPath      string        `env:"BROWSER_EXEC_PATH"`
	SkipExisting         bool          `env:"SKIP_EXISTING"         envDefault:"true"`

	// Assembly
	AssemblyWorkers int `env:"ASSEMBLY_WORKERS" envDefault:"2"`

	// Storage
	StorageDriver string `env:"STORAGE_DRIVER" envDefault:"none"`
	SQLitePath    string `env:"SQLITE_PATH"    envDefault:"~/manga/mangascraper.db"`
	DatabaseURL   string `env:"DATABASE_URL"`
	RedisURL      string `env:"REDIS_URL"`

	// Observability
	StatusAddr    string        `env:"STATUS_ADDR"`
	StatsInterval time.Duration `env:"STATS_INTERVAL" envDefault:"30s"`
	LogLevel      string        `env:"LOG_LEVEL"      envDefault:"info"`
	LogFormat     string        `env:"LOG_FORMAT"     envDefault:"json"`
}

// Load parses the environment into a Config, expands ~ in paths and checks
// the values.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: failed to parse environment variables: %w", err)
	}
	if err := cfg.Normalize(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Normalize expands paths and checks value ranges. Load calls it; callers
// that override fields from flags call it again.
func (c *Config) Normalize() error {
	var err error
	if c.StoreRoot, err = ExpandPath(c.StoreRoot); err != nil {
		return fmt.Errorf("config: STORE_ROOT: %w", err)
	}
	if c.SQLitePath, err = ExpandPath(c.SQLitePath); err != nil {
		return fmt.Errorf("config: SQLITE_PATH: %w", err)
	}
	if c.SitesFile, err = ExpandPath(c.SitesFile); err != nil {
		return fmt.Errorf("config: SITES_FILE: %w", err)
	}

	c.OutputFormat = models.Format(strings.ToLower(string(c.OutputFormat)))
	if !c.OutputFormat.Valid() {
		return fmt.Errorf("config: OUTPUT_FORMAT must be pdf or cbz, got %q", c.OutputFormat)
	}

	switch c.StorageDriver {
	case DriverNone, DriverSQLite:
	case DriverPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("config: DATABASE_URL is required for the postgres driver")
		}
	default:
		return fmt.Errorf("config: unknown STORAGE_DRIVER %q", c.StorageDriver)
	}

	if c.GlobalConcurrency < 1 || c.HostConcurrency < 1 {
		return fmt.Errorf("config: concurrency limits must be at least 1")
	}
	if c.HostConcurrency > c.GlobalConcurrency {
		c.HostConcurrency = c.GlobalConcurrency
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("config: MAX_RETRIES must not be negative")
	}
	if c.JPEGQuality < 1 || c.JPEGQuality > 100 {
		return fmt.Errorf("config: JPEG_QUALITY must be between 1 and 100")
	}
	if c.AssemblyWorkers < 1 {
		c.AssemblyWorkers = 1
	}
	if c.DiscoveryConcurrency < 1 {
		c.DiscoveryConcurrency = 1
	}
	return nil
}

// LogLevelValue maps LOG_LEVEL to a slog level, defaulting to info.
func (c *Config) LogLevelValue() slog.Level {
	switch strings.ToLower(c.LogLevel) {
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

// ExpandPath expands a leading ~ to the user's home directory, or returns the path as-is.
func ExpandPath(path string) (string, error) {
	if path == "~" || strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(homeDir, strings.TrimPrefix(path[1:], "/")), nil
	}
	return path, nil
}

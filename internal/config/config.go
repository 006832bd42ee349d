package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Directory DirectoryConfig `json:"directory" yaml:"directory" envconfig:"DIRECTORY"`
	Scanner   ScannerConfig   `json:"scanner" yaml:"scanner" envconfig:"SCANNER"`
	API       APIConfig       `json:"api" yaml:"api" envconfig:"API"`
	Storage   StorageConfig   `json:"storage" yaml:"storage" envconfig:"STORAGE"`
	Metrics   MetricsConfig   `json:"metrics" yaml:"metrics" envconfig:"METRICS"`
	Logging   LoggingConfig   `json:"logging" yaml:"logging" envconfig:"LOGGING"`

	mu       sync.RWMutex
	filePath string
}

type DirectoryConfig struct {
	BaseURL          string   `json:"base_url" yaml:"base_url" envconfig:"BASE_URL"`
	APIKey           string   `json:"api_key" yaml:"api_key" envconfig:"API_KEY"`
	AppID            int      `json:"app_id" yaml:"app_id" envconfig:"APP_ID"`
	Region           int      `json:"region" yaml:"region" envconfig:"REGION"`
	Maps             []string `json:"maps" yaml:"maps" envconfig:"MAPS"`
	ProbeCategory    string   `json:"probe_category" yaml:"probe_category" envconfig:"PROBE_CATEGORY"`
	ProbeMaxOffset   int      `json:"probe_max_offset" yaml:"probe_max_offset" envconfig:"PROBE_MAX_OFFSET"`
	MaxOffset        int      `json:"max_offset" yaml:"max_offset" envconfig:"MAX_OFFSET"`
	PageSize         int      `json:"page_size" yaml:"page_size" envconfig:"PAGE_SIZE"`
	PageDelayMs      int      `json:"page_delay_ms" yaml:"page_delay_ms" envconfig:"PAGE_DELAY_MS"`
	Workers          int      `json:"workers" yaml:"workers" envconfig:"WORKERS"`
	RequestTimeoutMs int      `json:"request_timeout_ms" yaml:"request_timeout_ms" envconfig:"REQUEST_TIMEOUT_MS"`
	SOCKS5Proxy      string   `json:"socks5_proxy" yaml:"socks5_proxy" envconfig:"SOCKS5_PROXY"`
}

type ScannerConfig struct {
	IntervalMs            int  `json:"interval_ms" yaml:"interval_ms" envconfig:"INTERVAL_MS"`
	ErrorBackoffMs        int  `json:"error_backoff_ms" yaml:"error_backoff_ms" envconfig:"ERROR_BACKOFF_MS"`
	CredentialWaitSeconds int  `json:"credential_wait_seconds" yaml:"credential_wait_seconds" envconfig:"CREDENTIAL_WAIT_SECONDS"`
	AutoSaveThreshold     int  `json:"auto_save_threshold" yaml:"auto_save_threshold" envconfig:"AUTO_SAVE_THRESHOLD"`
	AutoSaveCooldownSecs  int  `json:"auto_save_cooldown_seconds" yaml:"auto_save_cooldown_seconds" envconfig:"AUTO_SAVE_COOLDOWN_SECONDS"`
	MaxTransitions        int  `json:"max_transitions" yaml:"max_transitions" envconfig:"MAX_TRANSITIONS"`
	MaxMapHistory         int  `json:"max_map_history" yaml:"max_map_history" envconfig:"MAX_MAP_HISTORY"`
	MaxDisappeared        int  `json:"max_disappeared" yaml:"max_disappeared" envconfig:"MAX_DISAPPEARED"`
	CooldownRetentionSecs int  `json:"cooldown_retention_seconds" yaml:"cooldown_retention_seconds" envconfig:"COOLDOWN_RETENTION_SECONDS"`
	AutoStart             bool `json:"auto_start" yaml:"auto_start" envconfig:"AUTO_START"`
	SkipOnTotalFailure    bool `json:"skip_on_total_failure" yaml:"skip_on_total_failure" envconfig:"SKIP_ON_TOTAL_FAILURE"`
}

type APIConfig struct {
	Addr               string   `json:"addr" yaml:"addr" envconfig:"ADDR"`
	SecretEnv          string   `json:"secret_env" yaml:"secret_env" envconfig:"SECRET_ENV"`
	RateLimitPerMinute int      `json:"rate_limit_per_minute" yaml:"rate_limit_per_minute" envconfig:"RATE_LIMIT_PER_MINUTE"`
	EnableAuth         bool     `json:"enable_auth" yaml:"enable_auth" envconfig:"ENABLE_AUTH"`
	EnableIPRateLimit  bool     `json:"enable_ip_rate_limit" yaml:"enable_ip_rate_limit" envconfig:"ENABLE_IP_RATE_LIMIT"`
	AllowedOrigins     []string `json:"allowed_origins" yaml:"allowed_origins" envconfig:"ALLOWED_ORIGINS"`
	MaxSubscribers     int      `json:"max_subscribers" yaml:"max_subscribers" envconfig:"MAX_SUBSCRIBERS"`
	WriteTimeoutMs     int      `json:"ws_write_timeout_ms" yaml:"ws_write_timeout_ms" envconfig:"WS_WRITE_TIMEOUT_MS"`
}

type StorageConfig struct {
	Type     string `json:"type" yaml:"type" envconfig:"TYPE"` // "file", "sqlite", "redis", "mongodb", "memory"
	Path     string `json:"path" yaml:"path" envconfig:"PATH"`
	Database string `json:"database" yaml:"database" envconfig:"DATABASE"`
}

type MetricsConfig struct {
	Enabled   bool   `json:"enabled" yaml:"enabled" envconfig:"ENABLED"`
	Endpoint  string `json:"endpoint" yaml:"endpoint" envconfig:"ENDPOINT"`
	Namespace string `json:"namespace" yaml:"namespace" envconfig:"NAMESPACE"`
}

type LoggingConfig struct {
	Level  string `json:"level" yaml:"level" envconfig:"LEVEL"`
	Format string `json:"format" yaml:"format" envconfig:"FORMAT"`
}

// DefaultMaps is the category set scanned when none is configured
var DefaultMaps = []string{
	"de_ancient", "de_dust2", "de_inferno", "de_mirage", "de_nuke",
	"de_overpass", "de_train", "de_vertigo", "de_anubis", "de_grail", "de_jura",
	"de_brewery", "de_dogtown",
	"de_cache", "de_dust", "de_aztec", "de_italy", "de_cobblestone", "de_office",
}

const envPrefix = "SCANNER"

// Load reads configuration from a JSON or YAML file, then applies .env and
// environment overrides. A missing file is not an error.
func Load(filePath string) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Debug(".env file not found, using environment variables and file values")
	}

	cfg := &Config{}
	data, err := os.ReadFile(filePath)
	switch {
	case err == nil:
		if err := unmarshal(filePath, data, cfg); err != nil {
			return nil, err
		}
	case os.IsNotExist(err):
	default:
		return nil, fmt.Errorf("read config file: %w", err)
	}

	if err := envconfig.Process(envPrefix, cfg); err != nil {
		return nil, fmt.Errorf("process environment: %w", err)
	}
	if cfg.Directory.APIKey == "" {
		cfg.Directory.APIKey = os.Getenv("STEAM_API_KEY")
	}

	cfg.filePath = filePath
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

func unmarshal(filePath string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(filePath)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parse config YAML: %w", err)
		}
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parse config JSON: %w", err)
		}
	}
	return nil
}

// Default returns a configuration with every default applied
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Directory.BaseURL == "" {
		c.Directory.BaseURL = "https://api.steampowered.com"
	}
	if c.Directory.AppID == 0 {
		c.Directory.AppID = 730
	}
	if c.Directory.Region == 0 {
		c.Directory.Region = 44
	}
	if len(c.Directory.Maps) == 0 {
		c.Directory.Maps = append([]string(nil), DefaultMaps...)
	}
	if c.Directory.ProbeCategory == "" {
		c.Directory.ProbeCategory = "graphics_settings"
	}
	if c.Directory.ProbeMaxOffset == 0 {
		c.Directory.ProbeMaxOffset = 1000
	}
	if c.Directory.PageSize == 0 {
		c.Directory.PageSize = 100
	}
	if c.Directory.PageDelayMs == 0 {
		c.Directory.PageDelayMs = 100
	}
	if c.Directory.Workers == 0 {
		c.Directory.Workers = 10
	}
	if c.Directory.RequestTimeoutMs == 0 {
		c.Directory.RequestTimeoutMs = 10000
	}
	if c.Scanner.IntervalMs == 0 {
		c.Scanner.IntervalMs = 2000
	}
	if c.Scanner.ErrorBackoffMs == 0 {
		c.Scanner.ErrorBackoffMs = 5000
	}
	if c.Scanner.CredentialWaitSeconds == 0 {
		c.Scanner.CredentialWaitSeconds = 30
	}
	if c.Scanner.AutoSaveThreshold == 0 {
		c.Scanner.AutoSaveThreshold = 3
	}
	if c.Scanner.AutoSaveCooldownSecs == 0 {
		c.Scanner.AutoSaveCooldownSecs = 3600
	}
	if c.Scanner.MaxTransitions == 0 {
		c.Scanner.MaxTransitions = 10
	}
	if c.Scanner.MaxMapHistory == 0 {
		c.Scanner.MaxMapHistory = 20
	}
	if c.API.Addr == "" {
		c.API.Addr = ":8765"
	}
	if c.API.SecretEnv == "" {
		c.API.SecretEnv = "SCANNER_ADMIN_SECRET"
	}
	if c.API.RateLimitPerMinute == 0 {
		c.API.RateLimitPerMinute = 600
	}
	if len(c.API.AllowedOrigins) == 0 {
		c.API.AllowedOrigins = []string{"*"}
	}
	if c.API.MaxSubscribers == 0 {
		c.API.MaxSubscribers = 256
	}
	if c.API.WriteTimeoutMs == 0 {
		c.API.WriteTimeoutMs = 5000
	}
	if c.Storage.Type == "" {
		c.Storage.Type = "file"
	}
	if c.Storage.Path == "" {
		c.Storage.Path = "data"
	}
	if c.Storage.Database == "" {
		c.Storage.Database = "cs2scanner"
	}
	if c.Metrics.Endpoint == "" {
		c.Metrics.Endpoint = "/metrics"
	}
	if c.Metrics.Namespace == "" {
		c.Metrics.Namespace = "cs2scanner"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

// Reload reloads configuration from file
func (c *Config) Reload() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	newCfg, err := Load(c.filePath)
	if err != nil {
		return err
	}

	c.Directory = newCfg.Directory
	c.Scanner = newCfg.Scanner
	c.API = newCfg.API
	c.Storage = newCfg.Storage
	c.Metrics = newCfg.Metrics
	c.Logging = newCfg.Logging
	return nil
}

// Validate checks configuration validity
func (c *Config) Validate() error {
	if c.Directory.Workers < 1 || c.Directory.Workers > 100 {
		return fmt.Errorf("directory.workers must be between 1 and 100")
	}
	if c.Directory.PageSize < 1 || c.Directory.PageSize > 10000 {
		return fmt.Errorf("directory.page_size must be between 1 and 10000")
	}
	if c.Directory.MaxOffset < 0 || c.Directory.ProbeMaxOffset < 0 {
		return fmt.Errorf("directory offsets must not be negative")
	}
	if c.Directory.RequestTimeoutMs < 100 || c.Directory.RequestTimeoutMs > 300000 {
		return fmt.Errorf("directory.request_timeout_ms must be between 100 and 300000")
	}
	if c.Scanner.AutoSaveThreshold < 1 {
		return fmt.Errorf("scanner.auto_save_threshold must be positive")
	}
	if c.Scanner.MaxTransitions < 1 || c.Scanner.MaxMapHistory < 1 {
		return fmt.Errorf("scanner history caps must be positive")
	}
	if c.Scanner.MaxDisappeared < 0 || c.Scanner.CooldownRetentionSecs < 0 {
		return fmt.Errorf("scanner bounds must not be negative")
	}
	switch c.Storage.Type {
	case "file", "sqlite", "redis", "mongodb", "memory":
	default:
		return fmt.Errorf("storage type must be 'file', 'sqlite', 'redis', 'mongodb' or 'memory'")
	}
	return nil
}

// SecretFromEnv returns the shared API secret, empty when unset
func (c *APIConfig) SecretFromEnv() string {
	return os.Getenv(c.SecretEnv)
}

func (c *DirectoryConfig) PageDelay() time.Duration {
	return time.Duration(c.PageDelayMs) * time.Millisecond
}

func (c *DirectoryConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutMs) * time.Millisecond
}

func (c *ScannerConfig) Interval() time.Duration {
	return time.Duration(c.IntervalMs) * time.Millisecond
}

func (c *ScannerConfig) ErrorBackoff() time.Duration {
	return time.Duration(c.ErrorBackoffMs) * time.Millisecond
}

func (c *ScannerConfig) CredentialWait() time.Duration {
	return time.Duration(c.CredentialWaitSeconds) * time.Second
}

func (c *ScannerConfig) AutoSaveCooldown() time.Duration {
	return time.Duration(c.AutoSaveCooldownSecs) * time.Second
}

func (c *ScannerConfig) CooldownRetention() time.Duration {
	return time.Duration(c.CooldownRetentionSecs) * time.Second
}

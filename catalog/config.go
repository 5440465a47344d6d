package catalog

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/brickvault/catalog/internal/store"
)

// Config is read once at start and copied into the Service.
type Config struct {
	DBPath    string        `yaml:"db_path" env:"BRICKVAULT_DB_PATH"`
	Kinds     []string      `yaml:"kinds"`
	BatchSize int           `yaml:"batch_size"`
	FreshFor  time.Duration `yaml:"fresh_for"`
	Themes    []string      `yaml:"themes"`

	Session SessionConfig `yaml:"session"`
	Backup  BackupConfig  `yaml:"backup"`
	Images  ImagesConfig  `yaml:"images"`
	Log     LogConfig     `yaml:"log"`
}

// SessionConfig configures fetching.
type SessionConfig struct {
	Driver       string        `yaml:"driver" env:"BRICKVAULT_DRIVER"` // http | browser
	BaseURL      string        `yaml:"base_url"`
	Delay        time.Duration `yaml:"delay" env:"BRICKVAULT_DELAY"`
	FetchTimeout time.Duration `yaml:"fetch_timeout"`
	UserAgent    string        `yaml:"user_agent"`
	LoginPath    string        `yaml:"login_path"`
	Username     string        `yaml:"username" env:"BRICKVAULT_USERNAME"`
	Password     string        `yaml:"password" env:"BRICKVAULT_PASSWORD"`
	Retry        RetryConfig   `yaml:"retry"`
	Browser      BrowserConfig `yaml:"browser"`
}

// RetryConfig bounds retries of transient fetch failures.
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	Jitter      float64       `yaml:"jitter"`
}

// BrowserConfig configures the headless Chrome driver.
type BrowserConfig struct {
	RemoteURL        string   `yaml:"remote_url"`
	Headful          bool     `yaml:"headful"`
	ResourceBlocking []string `yaml:"resource_blocking"`
}

// BackupConfig configures pre-write snapshots.
type BackupConfig struct {
	Dir          string        `yaml:"dir" env:"BRICKVAULT_BACKUP_DIR"`
	Keep         int           `yaml:"keep"`
	MaxAge       time.Duration `yaml:"max_age"`
	CompressOver int64         `yaml:"compress_over"`
	S3           S3Config      `yaml:"s3"`
}

// S3Config enables the offsite mirror when Bucket is set. Without keys the
// AWS default credential chain applies.
type S3Config struct {
	Bucket          string `yaml:"bucket" env:"BRICKVAULT_S3_BUCKET"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	Prefix          string `yaml:"prefix"`
	PathStyle       bool   `yaml:"path_style"`
	AccessKeyID     string `yaml:"access_key_id" env:"BRICKVAULT_S3_ACCESS_KEY_ID"`
	SecretAccessKey string `yaml:"secret_access_key" env:"BRICKVAULT_S3_SECRET_ACCESS_KEY"`
}

// ImagesConfig configures image downloads.
type ImagesConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Dir      string        `yaml:"dir"`
	Timeout  time.Duration `yaml:"timeout"`
	MaxBytes int64         `yaml:"max_bytes"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `yaml:"level" env:"BRICKVAULT_LOG_LEVEL"`
	Format string `yaml:"format"`
}

// LoadConfig reads a YAML file (optional: an empty path means defaults
// only), applies BRICKVAULT_* environment overrides and fills defaults.
func LoadConfig(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("catalog: read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("catalog: parse config: %w", err)
		}
	}
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("catalog: environment: %w", err)
	}
	cfg.defaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) defaults() {
	if c.DBPath == "" {
		c.DBPath = "data/catalog.db"
	}
	if len(c.Kinds) == 0 {
		c.Kinds = []string{string(store.KindSet), string(store.KindSubComponent)}
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.Session.Driver == "" {
		c.Session.Driver = "http"
	}
	if c.Session.BaseURL == "" {
		c.Session.BaseURL = "https://www.brickeconomy.com"
	}
	if c.Session.Delay == 0 {
		c.Session.Delay = 2 * time.Second
	}
	if c.Session.FetchTimeout <= 0 {
		c.Session.FetchTimeout = 30 * time.Second
	}
	if c.Session.Retry.MaxAttempts == 0 {
		c.Session.Retry.MaxAttempts = 3
	}
	if c.Session.Retry.BaseDelay <= 0 {
		c.Session.Retry.BaseDelay = 2 * time.Second
	}
	if c.Session.Retry.MaxDelay <= 0 {
		c.Session.Retry.MaxDelay = 30 * time.Second
	}
	if c.Backup.Dir == "" {
		c.Backup.Dir = filepath.Join(filepath.Dir(c.DBPath), "backups")
	}
	if c.Backup.Keep == 0 {
		c.Backup.Keep = 10
	}
	if c.Backup.CompressOver == 0 {
		c.Backup.CompressOver = 50 << 20
	}
	if c.Images.Dir == "" {
		c.Images.Dir = filepath.Join(filepath.Dir(c.DBPath), "images")
	}
	if c.Images.Timeout <= 0 {
		c.Images.Timeout = 30 * time.Second
	}
	if c.Images.MaxBytes <= 0 {
		c.Images.MaxBytes = 8 << 20
	}
}

// Validate rejects settings the pipeline cannot honour.
func (c *Config) Validate() error {
	var errs []error
	if c.Session.Delay < 0 {
		errs = append(errs, errors.New("session.delay must not be negative"))
	}
	if c.Session.Retry.MaxAttempts < 1 {
		errs = append(errs, errors.New("session.retry.max_attempts must be at least 1"))
	}
	if c.Session.Retry.Jitter < 0 || c.Session.Retry.Jitter > 1 {
		errs = append(errs, errors.New("session.retry.jitter must be within [0,1]"))
	}
	switch c.Session.Driver {
	case "http", "browser":
	default:
		errs = append(errs, fmt.Errorf("session.driver %q: want http or browser", c.Session.Driver))
	}
	if c.Session.Username != "" && c.Session.Password == "" {
		errs = append(errs, errors.New("session.password is required with a username"))
	}
	for _, k := range c.Kinds {
		if _, err := store.ParseKind(k); err != nil {
			errs = append(errs, fmt.Errorf("kinds: %w", err))
		}
	}
	if c.Backup.Keep < 0 || c.Backup.MaxAge < 0 {
		errs = append(errs, errors.New("backup retention must not be negative"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("catalog: invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// targets reports whether kind is in the configured kind set.
func (c *Config) targets(kind store.Kind) bool {
	for _, k := range c.Kinds {
		if pk, err := store.ParseKind(k); err == nil && pk == kind {
			return true
		}
	}
	return false
}

// Package config loads the catalogsync configuration from YAML with
// environment overrides.
//
// Every leaf setting can be overridden by an environment variable named
// after its YAML path: "sync.poll_interval" becomes
// CATALOGSYNC_SYNC_POLL_INTERVAL.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/superfly/catalogsync/database"
	"github.com/superfly/catalogsync/notify"
	"github.com/superfly/catalogsync/ops"
	"github.com/superfly/catalogsync/origin"
	"github.com/superfly/catalogsync/s3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "CATALOGSYNC_"

// Catalog backends.
const (
	CatalogSQLite = "sqlite"
	CatalogMemory = "memory"
)

// Store backends.
const (
	StoreS3   = "s3"
	StoreDir  = "dir"
	StoreBolt = "bolt"
)

// Config is the full daemon configuration.
type Config struct {
	CatalogBackend string          `yaml:"catalog_backend"`
	Database       database.Config `yaml:"database"`
	Origin         origin.Config   `yaml:"origin"`
	Store          StoreConfig     `yaml:"store"`
	Sync           SyncConfig      `yaml:"sync"`
	Notify         NotifyConfig    `yaml:"notify"`
	Ops            ops.Config      `yaml:"ops"`
	Log            LogConfig       `yaml:"log"`
	LockPath       string          `yaml:"lock_path"`
}

// StoreConfig selects and configures the content store.
type StoreConfig struct {
	Backend     string        `yaml:"backend"`
	S3          s3.Config     `yaml:"s3"`
	Dir         string        `yaml:"dir"`
	BoltPath    string        `yaml:"bolt_path"`
	BoltTimeout time.Duration `yaml:"bolt_timeout"`
}

// SyncConfig tunes the pipeline.
type SyncConfig struct {
	Concurrency   int           `yaml:"concurrency"`
	PollInterval  time.Duration `yaml:"poll_interval"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
	NotifyTimeout time.Duration `yaml:"notify_timeout"`
}

// NotifyConfig configures notifications. Log notifications are always on.
type NotifyConfig struct {
	SMTP notify.SMTPConfig `yaml:"smtp"`
}

// LogConfig configures the root logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used for any unset field.
func Default() Config {
	return Config{
		CatalogBackend: CatalogSQLite,
		Database:       database.DefaultConfig(),
		Origin:         origin.DefaultConfig(),
		Store: StoreConfig{
			Backend:     StoreS3,
			S3:          s3.DefaultConfig(),
			Dir:         "/var/lib/catalogsync/blobs",
			BoltPath:    "/var/lib/catalogsync/blobs.db",
			BoltTimeout: time.Second,
		},
		Sync: SyncConfig{
			Concurrency:   5,
			PollInterval:  2 * time.Minute,
			RetryDelay:    60 * time.Second,
			NotifyTimeout: 30 * time.Second,
		},
		Ops:      ops.DefaultConfig(),
		Log:      LogConfig{Level: "info", Format: "json"},
		LockPath: "/var/lib/catalogsync/daemon.lock",
	}
}

// Load reads path over the defaults, applies environment overrides, and
// validates. An empty path loads defaults and environment only.
func Load(path string) (*Config, error) {
	v, err := newViper()
	if err != nil {
		return nil, err
	}

	if path != "" {
		contents, err := os.ReadFile(filepath.Clean(path))
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := v.ReadConfig(bytes.NewReader(contents)); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg := Default()
	if err := v.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "yaml"
	}); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// newViper returns a viper instance that knows every key of Config through
// its defaults, so AutomaticEnv can override any of them.
func newViper() (*viper.Viper, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(strings.TrimSuffix(EnvPrefix, "_"))
	v.SetEnvKeyReplacer(envKeyReplacer)
	v.AutomaticEnv()

	raw, err := yaml.Marshal(Default())
	if err != nil {
		return nil, fmt.Errorf("encode defaults: %w", err)
	}
	var defaults map[string]any
	if err := yaml.Unmarshal(raw, &defaults); err != nil {
		return nil, fmt.Errorf("decode defaults: %w", err)
	}
	setDefaults(v, "", defaults)
	return v, nil
}

func setDefaults(v *viper.Viper, prefix string, m map[string]any) {
	for k, val := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := val.(map[string]any); ok {
			setDefaults(v, key, nested)
			continue
		}
		v.SetDefault(key, val)
	}
}

var envKeyReplacer = strings.NewReplacer(".", "_")

// EnvVar returns the environment variable name for a YAML path such as
// "store.s3.bucket".
func EnvVar(yamlPath string) string {
	return EnvPrefix + strings.ToUpper(envKeyReplacer.Replace(yamlPath))
}

// EnvVars lists every supported override, sorted.
func EnvVars() []string {
	v, err := newViper()
	if err != nil {
		return nil
	}
	keys := v.AllKeys()
	names := make([]string, 0, len(keys))
	for _, k := range keys {
		names = append(names, EnvVar(k))
	}
	sort.Strings(names)
	return names
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	var errs []error

	switch c.CatalogBackend {
	case CatalogSQLite:
		if c.Database.Path == "" {
			errs = append(errs, errors.New("database.path is required for the sqlite catalog"))
		}
	case CatalogMemory:
	default:
		errs = append(errs, fmt.Errorf("catalog_backend must be %q or %q, got %q", CatalogSQLite, CatalogMemory, c.CatalogBackend))
	}

	if c.Origin.ConfigURL == "" {
		errs = append(errs, errors.New("origin.config_url is required"))
	}
	if c.Origin.AssetURL == "" {
		errs = append(errs, errors.New("origin.asset_url is required"))
	}

	switch c.Store.Backend {
	case StoreS3:
		if c.Store.S3.Bucket == "" {
			errs = append(errs, errors.New("store.s3.bucket is required for the s3 store"))
		}
	case StoreDir:
		if c.Store.Dir == "" {
			errs = append(errs, errors.New("store.dir is required for the dir store"))
		}
	case StoreBolt:
		if c.Store.BoltPath == "" {
			errs = append(errs, errors.New("store.bolt_path is required for the bolt store"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.backend must be one of s3, dir, bolt; got %q", c.Store.Backend))
	}

	if c.Sync.Concurrency <= 0 {
		errs = append(errs, fmt.Errorf("sync.concurrency must be positive, got %d", c.Sync.Concurrency))
	}
	if c.Sync.PollInterval <= 0 {
		errs = append(errs, errors.New("sync.poll_interval must be positive"))
	}
	if c.Sync.RetryDelay <= 0 {
		errs = append(errs, errors.New("sync.retry_delay must be positive"))
	}

	if err := c.Notify.SMTP.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("notify.smtp: %w", err))
	}

	switch c.Log.Format {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("log.format must be json or text, got %q", c.Log.Format))
	}

	return errors.Join(errs...)
}

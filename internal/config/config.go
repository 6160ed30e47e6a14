// Package config loads and validates converter configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix namespaces environment overrides, e.g. AARDWIKI_CONVERT_WORKERS.
const EnvPrefix = "AARDWIKI"

// Upload targets for the finished dictionary.
const (
	UploadNone  = "none"
	UploadLocal = "local"
	UploadGCS   = "gcs"
)

// Config captures all configuration knobs loaded via Viper.
type Config struct {
	Wiki     WikiConfig     `mapstructure:"wiki"`
	Convert  ConvertConfig  `mapstructure:"convert"`
	Output   OutputConfig   `mapstructure:"output"`
	Metadata MetadataConfig `mapstructure:"metadata"`
	SiteInfo SiteInfoConfig `mapstructure:"siteinfo"`
	Server   ServerConfig   `mapstructure:"server"`
	DB       DBConfig       `mapstructure:"db"`
	PubSub   PubSubConfig   `mapstructure:"pubsub"`
	Progress ProgressConfig `mapstructure:"progress"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// WikiConfig locates the article store.
type WikiConfig struct {
	DataDir string `mapstructure:"data_dir"`
	Lang    string `mapstructure:"lang"`
}

// ConvertConfig governs the conversion run.
type ConvertConfig struct {
	// Workers is the process pool size; 0 converts in-process.
	Workers        int `mapstructure:"workers"`
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
	Start          int `mapstructure:"start"`
	End            int `mapstructure:"end"`
	MaxItemStalls  int `mapstructure:"max_item_stalls"`
	// RespawnRate caps lost-worker replacements per second; 0 is unlimited.
	RespawnRate float64 `mapstructure:"respawn_rate"`
}

// OutputConfig sets the dictionary path and where it is uploaded.
type OutputConfig struct {
	Path      string `mapstructure:"path"`
	Upload    string `mapstructure:"upload"`
	LocalDir  string `mapstructure:"local_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// MetadataConfig feeds the dictionary metadata.
type MetadataConfig struct {
	Files         []string `mapstructure:"files"`
	LicenseFile   string   `mapstructure:"license_file"`
	CopyrightFile string   `mapstructure:"copyright_file"`
	DictVersion   string   `mapstructure:"dict_version"`
	DictUpdate    string   `mapstructure:"dict_update"`
	SearchDirs    []string `mapstructure:"search_dirs"`
}

// SiteInfoConfig controls siteinfo downloads.
type SiteInfoConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	UserAgent      string `mapstructure:"user_agent"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// ServerConfig controls the status server; port 0 disables it.
type ServerConfig struct {
	Port   int    `mapstructure:"port"`
	APIKey string `mapstructure:"api_key"`
}

// DBConfig controls access to the run history database.
type DBConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// PubSubConfig holds the run notification target.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// ProgressConfig tunes the progress hub.
type ProgressConfig struct {
	BufferSize    int `mapstructure:"buffer_size"`
	MaxBatch      int `mapstructure:"max_batch"`
	MaxWaitMs     int `mapstructure:"max_wait_ms"`
	SinkTimeoutMs int `mapstructure:"sink_timeout_ms"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// New returns a Viper instance with defaults and environment binding, ready
// for flags to be bound onto it.
func New() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

// Load builds a Config from an optional file and the environment.
func Load(path string) (Config, error) {
	return Read(New(), path)
}

// Read unmarshals v, after reading path into it when set.
func Read(v *viper.Viper, path string) (Config, error) {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("wiki.data_dir", "data")
	v.SetDefault("wiki.lang", "en")
	v.SetDefault("convert.workers", runtime.NumCPU())
	v.SetDefault("convert.timeout_seconds", 120)
	v.SetDefault("convert.start", 0)
	v.SetDefault("convert.end", 0)
	v.SetDefault("convert.max_item_stalls", 2)
	v.SetDefault("convert.respawn_rate", 5.0)
	v.SetDefault("output.upload", UploadNone)
	v.SetDefault("output.prefix", "dictionaries")
	v.SetDefault("metadata.search_dirs", []string{"."})
	v.SetDefault("siteinfo.base_url", "https://%s.wikipedia.org")
	v.SetDefault("siteinfo.user_agent", "aardwiki/1.0")
	v.SetDefault("siteinfo.timeout_seconds", 30)
	v.SetDefault("server.port", 0)
	v.SetDefault("db.max_conns", 4)
	v.SetDefault("db.min_conns", 0)
	v.SetDefault("db.max_conn_lifetime", time.Hour)
	v.SetDefault("progress.buffer_size", 1024)
	v.SetDefault("progress.max_batch", 256)
	v.SetDefault("progress.max_wait_ms", 500)
	v.SetDefault("progress.sink_timeout_ms", 10000)
	v.SetDefault("logging.development", false)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Wiki.DataDir) == "" {
		errs = append(errs, errors.New("wiki.data_dir is required"))
	}
	if strings.TrimSpace(c.Wiki.Lang) == "" {
		errs = append(errs, errors.New("wiki.lang is required"))
	}
	if c.Convert.Workers < 0 {
		errs = append(errs, errors.New("convert.workers must be >= 0"))
	}
	if c.Convert.TimeoutSeconds <= 0 {
		errs = append(errs, errors.New("convert.timeout_seconds must be > 0"))
	}
	if c.Convert.Start < 0 || c.Convert.End < 0 {
		errs = append(errs, errors.New("convert.start and convert.end must be >= 0"))
	}
	if c.Convert.End > 0 && c.Convert.End <= c.Convert.Start {
		errs = append(errs, errors.New("convert.end must be greater than convert.start"))
	}
	if c.Convert.RespawnRate < 0 {
		errs = append(errs, errors.New("convert.respawn_rate must be >= 0"))
	}
	if c.Convert.MaxItemStalls < 0 {
		errs = append(errs, errors.New("convert.max_item_stalls must be >= 0"))
	}
	switch c.Output.Upload {
	case UploadNone, "":
	case UploadLocal:
		if c.Output.LocalDir == "" {
			errs = append(errs, errors.New("output.local_dir must be set when output.upload is local"))
		}
	case UploadGCS:
		if c.Output.GCSBucket == "" {
			errs = append(errs, errors.New("output.gcs_bucket must be set when output.upload is gcs"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown output.upload %q", c.Output.Upload))
	}
	if c.Server.Port < 0 {
		errs = append(errs, errors.New("server.port must be >= 0"))
	}
	if (c.PubSub.TopicName == "") != (c.PubSub.ProjectID == "") {
		errs = append(errs, errors.New("pubsub.project_id and pubsub.topic_name must be set together"))
	}
	return errors.Join(errs...)
}

// Timeout is the pool stall timeout.
func (c ConvertConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// OutputPath returns the configured output path or <data_dir>/<lang>.jsonl.
func (c Config) OutputPath() string {
	if c.Output.Path != "" {
		return c.Output.Path
	}
	return filepath.Join(c.Wiki.DataDir, c.Wiki.Lang+".jsonl")
}

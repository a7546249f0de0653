package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jdmarch/encore/internal/metadata"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "ENCORE"

// Backends lists the accepted store backend names.
var Backends = []string{"filesystem", "sqlite", "badger", "pebble", "s3"}

// Config holds all configuration for encore
type Config struct {
	// Server configuration
	Listen    string `mapstructure:"listen"`
	DataDir   string `mapstructure:"data_dir"`
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"` // text or json

	// Store configuration
	Store StoreConfig `mapstructure:"store"`

	// Metrics configuration
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// StoreConfig defines the store backend configuration
type StoreConfig struct {
	Backend    string `mapstructure:"backend"` // filesystem, sqlite, badger, pebble, s3
	Location   string `mapstructure:"location"`
	Serializer string `mapstructure:"serializer"` // json, gob, yaml
	BufferSize int    `mapstructure:"buffer_size"`
	ReadOnly   bool   `mapstructure:"read_only"`

	// SQLite backend
	Table string `mapstructure:"table"`

	// Badger/Pebble backends
	InMemory   bool `mapstructure:"in_memory"`
	GCInterval int  `mapstructure:"gc_interval"` // seconds, 0 disables

	// S3 backend
	Bucket    string `mapstructure:"bucket"`
	Prefix    string `mapstructure:"prefix"`
	Region    string `mapstructure:"region"`
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
}

// MetricsConfig defines metrics configuration
type MetricsConfig struct {
	Enable bool   `mapstructure:"enable"`
	Path   string `mapstructure:"path"`
}

// Load loads configuration from defaults, an optional .env file, an
// optional config file, ENCORE_* environment variables and command line
// flags, in increasing order of precedence.
func Load(cmd *cobra.Command) (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Values from the env file sit just above the defaults
	envFile, _ := cmd.Flags().GetString("env-file")
	if err := loadEnvFile(v, envFile); err != nil {
		return nil, err
	}

	// Bind command line flags
	if err := bindFlags(cmd, v); err != nil {
		return nil, fmt.Errorf("failed to bind flags: %w", err)
	}

	// Read from config file if specified
	if configFile, _ := cmd.Flags().GetString("config"); configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Read from environment variables
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Unmarshal configuration
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Validate and setup defaults
	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("listen", ":8080")
	v.SetDefault("data_dir", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")

	// Store defaults
	v.SetDefault("store.backend", "filesystem")
	v.SetDefault("store.location", "") // Derived from data_dir when empty
	v.SetDefault("store.serializer", "json")
	v.SetDefault("store.buffer_size", 1<<20)
	v.SetDefault("store.read_only", false)
	v.SetDefault("store.table", "store")
	v.SetDefault("store.in_memory", false)
	v.SetDefault("store.gc_interval", 0)
	v.SetDefault("store.bucket", "")
	v.SetDefault("store.prefix", "")
	v.SetDefault("store.region", "us-east-1")
	v.SetDefault("store.endpoint", "")
	v.SetDefault("store.access_key", "")
	v.SetDefault("store.secret_key", "")

	// Metrics defaults
	v.SetDefault("metrics.enable", true)
	v.SetDefault("metrics.path", "/metrics")
}

// loadEnvFile reads KEY=value pairs from path and applies the ENCORE_*
// ones as defaults. A missing file is ignored. The process environment is
// left untouched.
func loadEnvFile(v *viper.Viper, path string) error {
	if path == "" {
		return nil
	}
	values, err := godotenv.Read(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read env file: %w", err)
	}

	for _, key := range v.AllKeys() {
		if value, ok := values[envName(key)]; ok {
			v.SetDefault(key, value)
		}
	}
	return nil
}

// envName returns the environment variable bound to a config key.
func envName(key string) string {
	return EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

func bindFlags(cmd *cobra.Command, v *viper.Viper) error {
	flags := map[string]string{
		"listen":     "listen",
		"data-dir":   "data_dir",
		"log-level":  "log_level",
		"log-format": "log_format",
		"backend":    "store.backend",
		"location":   "store.location",
		"serializer": "store.serializer",
		"buffer":     "store.buffer_size",
		"read-only":  "store.read_only",
		"table":      "store.table",
		"bucket":     "store.bucket",
	}

	for flag, key := range flags {
		f := cmd.Flags().Lookup(flag)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return err
		}
	}

	return nil
}

func validate(cfg *Config) error {
	if !slices.Contains(Backends, cfg.Store.Backend) {
		return fmt.Errorf("unknown store backend %q (expected one of %s)", cfg.Store.Backend, strings.Join(Backends, ", "))
	}
	if _, err := metadata.ByName(cfg.Store.Serializer); err != nil {
		return err
	}
	if cfg.Store.BufferSize <= 0 {
		return fmt.Errorf("store buffer_size must be positive, got %d", cfg.Store.BufferSize)
	}
	if cfg.Store.GCInterval < 0 {
		return fmt.Errorf("store gc_interval must not be negative")
	}
	switch cfg.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("unknown log format %q", cfg.LogFormat)
	}

	switch cfg.Store.Backend {
	case "s3":
		if cfg.Store.Bucket == "" {
			return fmt.Errorf("store bucket is required for the s3 backend")
		}
		return nil
	case "badger", "pebble":
		if cfg.Store.InMemory {
			return nil
		}
	}

	// Setup store location
	// If store.location is empty, build it from data_dir
	if cfg.Store.Location == "" {
		if cfg.DataDir == "" {
			return fmt.Errorf("data_dir or store location is required: specify via --data-dir flag, config file, or %s_DATA_DIR environment variable", EnvPrefix)
		}
		cfg.Store.Location = filepath.Join(cfg.DataDir, defaultLocation(cfg.Store.Backend))
	}
	if cfg.Store.Location == ":memory:" {
		return nil
	}

	// Make store location absolute if it's not already
	if !filepath.IsAbs(cfg.Store.Location) {
		abs, err := filepath.Abs(cfg.Store.Location)
		if err == nil {
			cfg.Store.Location = abs
		}
	}

	dir := cfg.Store.Location
	if cfg.Store.Backend == "sqlite" {
		dir = filepath.Dir(dir)
	}
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		logrus.Debugf("Creating store directory: %s", dir)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create store directory: %w", err)
		}
	}

	return nil
}

func defaultLocation(backend string) string {
	switch backend {
	case "sqlite":
		return "encore.db"
	case "badger", "pebble":
		return backend
	default:
		return "objects"
	}
}

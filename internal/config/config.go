package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Version is set at build time via -ldflags.
var Version = "dev"

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Reconcile ReconcileConfig `mapstructure:"reconcile"`
	Jobs      JobsConfig      `mapstructure:"jobs"`
	Import    ImportConfig    `mapstructure:"import"`
	Health    HealthConfig    `mapstructure:"health"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// DatabaseConfig holds database configuration.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// ReconcileConfig controls the download reconciliation pass.
type ReconcileConfig struct {
	Interval       time.Duration `mapstructure:"interval"`
	StuckThreshold time.Duration `mapstructure:"stuck_threshold"`
	ClientTimeout  time.Duration `mapstructure:"client_timeout"`
	Parallelism    int           `mapstructure:"parallelism"`
	WatchBlackhole bool          `mapstructure:"watch_blackhole"`
}

// JobsConfig controls the background job worker.
type JobsConfig struct {
	Interval    time.Duration `mapstructure:"interval"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	BatchSize   int           `mapstructure:"batch_size"`
}

// ImportConfig controls where completed downloads are placed.
type ImportConfig struct {
	LibraryPath string `mapstructure:"library_path"`
}

// HealthConfig controls periodic download client health checks.
type HealthConfig struct {
	ClientCheckInterval time.Duration `mapstructure:"client_check_interval"`
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8686,
		},
		Database: DatabaseConfig{
			Path: "./data/dlsync.db",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "console",
			MaxSizeMB:  10,
			MaxBackups: 5,
			MaxAgeDays: 30,
			Compress:   true,
		},
		Reconcile: ReconcileConfig{
			Interval:       time.Minute,
			StuckThreshold: time.Hour,
			ClientTimeout:  30 * time.Second,
			Parallelism:    4,
			WatchBlackhole: true,
		},
		Jobs: JobsConfig{
			Interval:    15 * time.Second,
			MaxAttempts: 5,
			BatchSize:   20,
		},
		Import: ImportConfig{
			LibraryPath: "./data/library",
		},
		Health: HealthConfig{
			ClientCheckInterval: 6 * time.Hour,
		},
	}
}

// Load reads configuration from file and environment variables.
// Priority: environment variables > config file > defaults
func Load(configPath string) (*Config, error) {
	// A missing .env is the normal case outside development.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("$HOME/.dlsync")
	}

	v.SetEnvPrefix("DLSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return cfg, nil
}

// setDefaults mirrors Default into viper so env-only deployments see them.
func setDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("server.host", d.Server.Host)
	v.SetDefault("server.port", d.Server.Port)

	v.SetDefault("database.path", d.Database.Path)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("logging.path", d.Logging.Path)
	v.SetDefault("logging.max_size_mb", d.Logging.MaxSizeMB)
	v.SetDefault("logging.max_backups", d.Logging.MaxBackups)
	v.SetDefault("logging.max_age_days", d.Logging.MaxAgeDays)
	v.SetDefault("logging.compress", d.Logging.Compress)

	v.SetDefault("reconcile.interval", d.Reconcile.Interval)
	v.SetDefault("reconcile.stuck_threshold", d.Reconcile.StuckThreshold)
	v.SetDefault("reconcile.client_timeout", d.Reconcile.ClientTimeout)
	v.SetDefault("reconcile.parallelism", d.Reconcile.Parallelism)
	v.SetDefault("reconcile.watch_blackhole", d.Reconcile.WatchBlackhole)

	v.SetDefault("jobs.interval", d.Jobs.Interval)
	v.SetDefault("jobs.max_attempts", d.Jobs.MaxAttempts)
	v.SetDefault("jobs.batch_size", d.Jobs.BatchSize)

	v.SetDefault("import.library_path", d.Import.LibraryPath)

	v.SetDefault("health.client_check_interval", d.Health.ClientCheckInterval)
}

// Address returns the server address string.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

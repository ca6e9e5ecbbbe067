package model

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// DatastoreConfig selects and configures the index datastore.
type DatastoreConfig struct {
	// Driver is "sqlite" or "postgres".
	Driver string `mapstructure:"driver" yaml:"driver"`

	// Path is the SQLite database file.
	Path string `mapstructure:"path" yaml:"path"`

	// DSN is the Postgres connection string.
	DSN string `mapstructure:"dsn" yaml:"dsn"`
}

// IndexerConfig controls the cooperative scheduler.
type IndexerConfig struct {
	// Interval is the delay between scheduler ticks.
	Interval time.Duration `mapstructure:"interval" yaml:"interval"`

	// TokensPerTick bounds the work done by a single tick.
	TokensPerTick int `mapstructure:"tokens_per_tick" yaml:"tokens_per_tick"`

	// NotifyEvery is how many walked messages pass between progress
	// notifications.
	NotifyEvery int `mapstructure:"notify_every" yaml:"notify_every"`
}

// IMAPAccountConfig describes one remote IMAP account. The password is
// read from the system keyring under "imap-<name>".
type IMAPAccountConfig struct {
	Name     string `mapstructure:"name" yaml:"name"`
	Host     string `mapstructure:"host" yaml:"host"`
	Port     string `mapstructure:"port" yaml:"port"`
	Username string `mapstructure:"username" yaml:"username"`
	TLS      bool   `mapstructure:"tls" yaml:"tls"`
}

// MailStoreConfig selects where headers are read from.
type MailStoreConfig struct {
	// Kind is "mbox" or "imap".
	Kind string `mapstructure:"kind" yaml:"kind"`

	// ProfileDir is the Thunderbird profile directory for the mbox store.
	ProfileDir string `mapstructure:"profile_dir" yaml:"profile_dir"`

	// IMAP lists the accounts for the imap store.
	IMAP []IMAPAccountConfig `mapstructure:"imap" yaml:"imap"`
}

// ListenerConfig configures the mutation event sources.
type ListenerConfig struct {
	// AMQPURL enables the AMQP event consumer when non-empty.
	AMQPURL string `mapstructure:"amqp_url" yaml:"amqp_url"`

	// Queue is the AMQP queue the consumer binds.
	Queue string `mapstructure:"queue" yaml:"queue"`

	// WatchFiles enables re-indexing of mbox files that change on disk.
	WatchFiles bool `mapstructure:"watch_files" yaml:"watch_files"`

	// PollInterval re-queues every account periodically; zero disables
	// polling. Useful for IMAP accounts, which push no events.
	PollInterval time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	// Addr is the listen address; empty disables the endpoint.
	Addr string `mapstructure:"addr" yaml:"addr"`
}

// LogConfig configures zap.
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// AppConfig is the top-level application configuration.
type AppConfig struct {
	Datastore DatastoreConfig `mapstructure:"datastore" yaml:"datastore"`
	Indexer   IndexerConfig   `mapstructure:"indexer" yaml:"indexer"`
	MailStore MailStoreConfig `mapstructure:"mail_store" yaml:"mail_store"`
	Listener  ListenerConfig  `mapstructure:"listener" yaml:"listener"`
	Metrics   MetricsConfig   `mapstructure:"metrics" yaml:"metrics"`
	Log       LogConfig       `mapstructure:"log" yaml:"log"`
}

// DefaultConfigPath returns the default path for the configuration file,
// located at ~/.config/mailindex/config.yaml.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "config.yaml")
	}
	return filepath.Join(home, ".config", "mailindex", "config.yaml")
}

// defaultDatabasePath returns ~/.local/share/mailindex/index.db.
func defaultDatabasePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "index.db"
	}
	return filepath.Join(home, ".local", "share", "mailindex", "index.db")
}

// DefaultAppConfig returns a sensible default configuration.
func DefaultAppConfig() *AppConfig {
	return &AppConfig{
		Datastore: DatastoreConfig{
			Driver: "sqlite",
			Path:   defaultDatabasePath(),
		},
		Indexer: IndexerConfig{
			Interval:      100 * time.Millisecond,
			TokensPerTick: 10,
			NotifyEvery:   50,
		},
		MailStore: MailStoreConfig{
			Kind: "mbox",
		},
		Listener: ListenerConfig{
			Queue: "mailindex.events",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// LoadConfig reads configuration from the given YAML file path using Viper.
// If the file does not exist, it returns a default configuration.
// Environment variables prefixed with MAILINDEX_ override file values
// (e.g. MAILINDEX_DATASTORE_DSN).
func LoadConfig(path string) (*AppConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("mailindex")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := DefaultAppConfig()
	v.SetDefault("datastore.driver", def.Datastore.Driver)
	v.SetDefault("datastore.path", def.Datastore.Path)
	v.SetDefault("datastore.dsn", "")
	v.SetDefault("indexer.interval", def.Indexer.Interval)
	v.SetDefault("indexer.tokens_per_tick", def.Indexer.TokensPerTick)
	v.SetDefault("indexer.notify_every", def.Indexer.NotifyEvery)
	v.SetDefault("mail_store.kind", def.MailStore.Kind)
	v.SetDefault("mail_store.profile_dir", "")
	v.SetDefault("listener.amqp_url", "")
	v.SetDefault("listener.queue", def.Listener.Queue)
	v.SetDefault("listener.watch_files", false)
	v.SetDefault("listener.poll_interval", time.Duration(0))
	v.SetDefault("metrics.addr", "")
	v.SetDefault("log.level", def.Log.Level)
	v.SetDefault("log.format", def.Log.Format)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		_, isPathErr := err.(*os.PathError)
		if !isPathErr && !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	cfg := DefaultAppConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config %s: %w", path, err)
	}

	for i := range cfg.MailStore.IMAP {
		if cfg.MailStore.IMAP[i].Port == "" {
			cfg.MailStore.IMAP[i].Port = "993"
		}
	}

	return cfg, nil
}

// Validate reports configuration values the indexer cannot run with.
func (c *AppConfig) Validate() error {
	switch c.Datastore.Driver {
	case "sqlite":
		if c.Datastore.Path == "" {
			return fmt.Errorf("datastore.path must be set for sqlite")
		}
	case "postgres":
		if c.Datastore.DSN == "" {
			return fmt.Errorf("datastore.dsn must be set for postgres")
		}
	default:
		return fmt.Errorf("unknown datastore.driver %q", c.Datastore.Driver)
	}

	switch c.MailStore.Kind {
	case "mbox", "imap":
	default:
		return fmt.Errorf("unknown mail_store.kind %q", c.MailStore.Kind)
	}

	if c.Indexer.Interval <= 0 {
		return fmt.Errorf("indexer.interval must be positive")
	}
	if c.Indexer.TokensPerTick <= 0 {
		return fmt.Errorf("indexer.tokens_per_tick must be positive")
	}
	if c.Indexer.NotifyEvery <= 0 {
		return fmt.Errorf("indexer.notify_every must be positive")
	}
	if c.Listener.PollInterval < 0 {
		return fmt.Errorf("listener.poll_interval must not be negative")
	}

	return nil
}

// SaveConfig writes the given configuration to a YAML file at path,
// creating parent directories if needed.
func SaveConfig(path string, cfg *AppConfig) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating config directory %s: %w", dir, err)
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.Set("datastore", cfg.Datastore)
	v.Set("indexer", cfg.Indexer)
	v.Set("mail_store", cfg.MailStore)
	v.Set("listener", cfg.Listener)
	v.Set("metrics", cfg.Metrics)
	v.Set("log", cfg.Log)

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}

	return nil
}

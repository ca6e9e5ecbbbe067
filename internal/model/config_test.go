package model

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	def := DefaultAppConfig()
	assert.Equal(t, def.Indexer, cfg.Indexer)
	assert.Equal(t, "sqlite", cfg.Datastore.Driver)
	assert.Equal(t, "mbox", cfg.MailStore.Kind)
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
datastore:
  driver: postgres
  dsn: postgres://localhost/mail
indexer:
  interval: 250ms
  tokens_per_tick: 3
mail_store:
  kind: imap
  imap:
    - name: work
      host: imap.example.com
      username: me
      tls: true
`), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Datastore.Driver)
	assert.Equal(t, 250*time.Millisecond, cfg.Indexer.Interval)
	assert.Equal(t, 3, cfg.Indexer.TokensPerTick)
	assert.Equal(t, 50, cfg.Indexer.NotifyEvery)
	require.Len(t, cfg.MailStore.IMAP, 1)
	assert.Equal(t, "993", cfg.MailStore.IMAP[0].Port)
	assert.True(t, cfg.MailStore.IMAP[0].TLS)
}

func TestLoadConfigEnvOverride(t *testing.T) {
	t.Setenv("MAILINDEX_INDEXER_TOKENS_PER_TICK", "42")

	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 42, cfg.Indexer.TokensPerTick)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*AppConfig)
	}{
		{"unknown driver", func(c *AppConfig) { c.Datastore.Driver = "oracle" }},
		{"postgres without dsn", func(c *AppConfig) { c.Datastore.Driver = "postgres" }},
		{"sqlite without path", func(c *AppConfig) { c.Datastore.Path = "" }},
		{"unknown mail store", func(c *AppConfig) { c.MailStore.Kind = "pop3" }},
		{"zero interval", func(c *AppConfig) { c.Indexer.Interval = 0 }},
		{"zero tokens", func(c *AppConfig) { c.Indexer.TokensPerTick = 0 }},
		{"zero notify", func(c *AppConfig) { c.Indexer.NotifyEvery = 0 }},
		{"negative poll interval", func(c *AppConfig) { c.Listener.PollInterval = -time.Second }},
	}

	require.NoError(t, DefaultAppConfig().Validate())

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultAppConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestSaveConfigRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "config.yaml")

	cfg := DefaultAppConfig()
	cfg.Datastore.Path = filepath.Join(t.TempDir(), "index.db")
	cfg.Listener.WatchFiles = true
	require.NoError(t, SaveConfig(path, cfg))

	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.Datastore.Path, loaded.Datastore.Path)
	assert.True(t, loaded.Listener.WatchFiles)
}

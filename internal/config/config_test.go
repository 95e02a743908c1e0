package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_RequiresURLs(t *testing.T) {
	_, err := Load("", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "source url is required")
}

func TestLoad_FromFile(t *testing.T) {
	path := writeConfig(t, `
source:
  url: https://source.test
target:
  url: https://target.test
  retries: 5
store:
  driver: memory
migration:
  posts_batch_size: 25
  include_media: false
  categories: [news, blog]
  category_mappings:
    news: article
`)

	cfg, err := Load(path, nil)
	require.NoError(t, err)
	assert.Equal(t, "https://source.test", cfg.Source.URL)
	assert.Equal(t, 5, cfg.Target.Retries)
	assert.Equal(t, "memory", cfg.Store.Driver)
	assert.Equal(t, 25, cfg.Migration.PostsBatchSize)
	assert.False(t, cfg.Migration.IncludeMedia)
	assert.Equal(t, []string{"news", "blog"}, cfg.Migration.Categories)
	assert.Equal(t, "article", cfg.Migration.CategoryMappings["news"])

	// Defaults survive for keys the file does not set
	assert.Equal(t, 3, cfg.Migration.MediaBatchSize)
	assert.Equal(t, 300*time.Second, cfg.Migration.StaleTTL())
	assert.Equal(t, 300*time.Second, cfg.Migration.LockTTL())
	assert.Equal(t, 10*24*time.Hour, cfg.Migration.HistoryRetention())
	assert.Equal(t, time.Duration(0), cfg.Migration.ExecutionCeiling())
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"), nil)
	require.Error(t, err)
}

func TestLoad_EnvironmentOverridesFile(t *testing.T) {
	path := writeConfig(t, `
source:
  url: https://source.test
target:
  url: https://target.test
  credential: from-file
`)
	t.Setenv("SITEMIGRATE_TARGET_CREDENTIAL", "from-env")
	t.Setenv("SITEMIGRATE_STORE_DRIVER", "redis")
	t.Setenv("SITEMIGRATE_REDIS_ADDR", "localhost:6379")

	cfg, err := Load(path, nil)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Target.Credential)
	assert.Equal(t, "redis", cfg.Store.Driver)
	assert.Equal(t, "localhost:6379", cfg.Store.RedisAddr)
}

func TestLoad_FlagsWin(t *testing.T) {
	t.Setenv("SITEMIGRATE_SOURCE_URL", "https://env-source.test")
	t.Setenv("SITEMIGRATE_TARGET_URL", "https://env-target.test")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(flags)
	require.NoError(t, flags.Parse([]string{
		"--target-url", "https://flag-target.test",
		"--posts-batch-size", "50",
		"--include-media=false",
		"--categories", "news,events",
		"--execution-ceiling", "30",
	}))

	cfg, err := Load("", flags)
	require.NoError(t, err)
	assert.Equal(t, "https://env-source.test", cfg.Source.URL)
	assert.Equal(t, "https://flag-target.test", cfg.Target.URL)
	assert.Equal(t, 50, cfg.Migration.PostsBatchSize)
	assert.False(t, cfg.Migration.IncludeMedia)
	assert.Equal(t, []string{"news", "events"}, cfg.Migration.Categories)
	assert.Equal(t, 30*time.Second, cfg.Migration.ExecutionCeiling())

	// Unchanged flags leave defaults alone
	assert.True(t, cfg.Migration.ShowProgress)
	assert.Equal(t, 3, cfg.Migration.MediaBatchSize)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := Default()
		cfg.Source.URL = "https://source.test"
		cfg.Target.URL = "https://target.test"
		return cfg
	}
	require.NoError(t, valid().validate())

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"missing target", func(c *Config) { c.Target.URL = "" }, "target url is required"},
		{"sqlite without path", func(c *Config) { c.Store.Path = "" }, "store path is required"},
		{"redis without addr", func(c *Config) { c.Store.Driver = "redis" }, "redis address is required"},
		{"unknown driver", func(c *Config) { c.Store.Driver = "etcd" }, "unknown store driver"},
		{"bucket missing", func(c *Config) { c.Media.Endpoint = "minio:9000" }, "media bucket is required"},
		{"negative batch", func(c *Config) { c.Migration.PostsBatchSize = -1 }, "batch sizes"},
		{"negative ceiling", func(c *Config) { c.Migration.ExecutionCeilingSeconds = -5 }, "execution ceiling"},
		{"zero stale ttl", func(c *Config) { c.Migration.StaleTTLSeconds = 0 }, "stale ttl"},
		{"zero lock ttl", func(c *Config) { c.Migration.LockTTLSeconds = 0 }, "lock ttl"},
		{"zero retries", func(c *Config) { c.Target.Retries = 0 }, "target retries"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}

	memory := valid()
	memory.Store.Driver = "memory"
	assert.NoError(t, memory.validate())
}

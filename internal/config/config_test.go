package config

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
wiki:
  data_dir: /srv/wiki
  lang: de
convert:
  workers: 6
  timeout_seconds: 45
  start: 10
  end: 500
  max_item_stalls: 3
output:
  path: /srv/out/de.jsonl
  upload: gcs
  gcs_bucket: dicts
metadata:
  dict_version: "2"
  files: [a.toml, b.toml]
server:
  port: 9090
  api_key: secret
pubsub:
  project_id: proj
  topic_name: runs
logging:
  development: true
`
	require.NoError(t, os.WriteFile(path, []byte(configYAML), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/srv/wiki", cfg.Wiki.DataDir)
	assert.Equal(t, "de", cfg.Wiki.Lang)
	assert.Equal(t, 6, cfg.Convert.Workers)
	assert.Equal(t, 45*time.Second, cfg.Convert.Timeout())
	assert.Equal(t, 10, cfg.Convert.Start)
	assert.Equal(t, 500, cfg.Convert.End)
	assert.Equal(t, 3, cfg.Convert.MaxItemStalls)
	assert.Equal(t, "/srv/out/de.jsonl", cfg.OutputPath())
	assert.Equal(t, UploadGCS, cfg.Output.Upload)
	assert.Equal(t, []string{"a.toml", "b.toml"}, cfg.Metadata.Files)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "runs", cfg.PubSub.TopicName)
	assert.True(t, cfg.Logging.Development)
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, runtime.NumCPU(), cfg.Convert.Workers)
	assert.Equal(t, 120*time.Second, cfg.Convert.Timeout())
	assert.Equal(t, 2, cfg.Convert.MaxItemStalls)
	assert.InDelta(t, 5.0, cfg.Convert.RespawnRate, 0)
	assert.Equal(t, UploadNone, cfg.Output.Upload)
	assert.Equal(t, "data/en.jsonl", cfg.OutputPath())
	assert.Equal(t, 0, cfg.Server.Port)
	assert.Equal(t, 256, cfg.Progress.MaxBatch)
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	t.Setenv("AARDWIKI_WIKI_LANG", "fr")
	t.Setenv("AARDWIKI_CONVERT_WORKERS", "0")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "fr", cfg.Wiki.Lang)
	assert.Equal(t, 0, cfg.Convert.Workers)
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	t.Parallel()

	valid := func() Config {
		return Config{
			Wiki:    WikiConfig{DataDir: "data", Lang: "en"},
			Convert: ConvertConfig{Workers: 2, TimeoutSeconds: 10},
		}
	}
	require.NoError(t, valid().Validate())

	cases := map[string]func(*Config){
		"missing data dir":  func(c *Config) { c.Wiki.DataDir = "" },
		"missing lang":      func(c *Config) { c.Wiki.Lang = " " },
		"negative workers":  func(c *Config) { c.Convert.Workers = -1 },
		"zero timeout":      func(c *Config) { c.Convert.TimeoutSeconds = 0 },
		"end before start":  func(c *Config) { c.Convert.Start, c.Convert.End = 5, 5 },
		"negative stalls":   func(c *Config) { c.Convert.MaxItemStalls = -1 },
		"negative respawn":  func(c *Config) { c.Convert.RespawnRate = -1 },
		"local without dir": func(c *Config) { c.Output.Upload = UploadLocal },
		"gcs without bucket": func(c *Config) {
			c.Output.Upload = UploadGCS
		},
		"unknown upload": func(c *Config) { c.Output.Upload = "ftp" },
		"negative port":  func(c *Config) { c.Server.Port = -1 },
		"half pubsub":    func(c *Config) { c.PubSub.TopicName = "runs" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			cfg := valid()
			mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func clearEnv(t *testing.T) {
	for _, k := range []string{EnvConfig, EnvDatabaseDSN, EnvOllamaURL, EnvOpenAIAPIKey, EnvListen} {
		t.Setenv(k, "")
	}
}

func TestDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.Equal(t, 5, cfg.Classify.BatchSize)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	path := writeFile(t, dir, "curator.yml", `
listen: ":9090"
database:
  driver: badger
  dsn: /var/lib/curator
feeds:
  source: direct
  poll_interval: 1h
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Listen)
	assert.Equal(t, "badger", cfg.Database.Driver)
	assert.Equal(t, SourceDirect, cfg.Feeds.Source)
	assert.Equal(t, time.Hour, cfg.Feeds.PollInterval)
	assert.Equal(t, "http://localhost:11434", cfg.Ollama.URL, "untouched defaults survive")
}

func TestIncludes(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	writeFile(t, dir, "base.yml", `
listen: ":7000"
ollama:
  url: http://base:11434
classify:
  batch_size: 3
`)
	writeFile(t, dir, "secrets.yml", `
openai:
  api_key: sk-included
`)
	path := writeFile(t, dir, "main.yml", `
include:
  - base.yml
  - secrets.yml
ollama:
  url: http://main:11434
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":7000", cfg.Listen)
	assert.Equal(t, "http://main:11434", cfg.Ollama.URL, "including file wins")
	assert.Equal(t, 3, cfg.Classify.BatchSize)
	assert.Equal(t, "sk-included", cfg.OpenAI.APIKey)
	assert.Empty(t, cfg.Include)
}

func TestIncludeLoop(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	writeFile(t, dir, "a.yml", "include: [b.yml]\n")
	path := writeFile(t, dir, "b.yml", "include: [a.yml]\n")

	_, err := Load(path)
	assert.ErrorIs(t, err, ErrIncludeLoop)
}

func TestEnvOverrides(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	path := writeFile(t, dir, "c.yml", "listen: \":1\"\n")
	t.Setenv(EnvConfig, path)
	t.Setenv(EnvListen, ":2")
	t.Setenv(EnvDatabaseDSN, "/tmp/x.db")
	t.Setenv(EnvOllamaURL, "http://gpu:11434")
	t.Setenv(EnvOpenAIAPIKey, "sk-env")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":2", cfg.Listen)
	assert.Equal(t, "/tmp/x.db", cfg.Database.DSN)
	assert.Equal(t, "http://gpu:11434", cfg.Ollama.URL)
	assert.Equal(t, "sk-env", cfg.OpenAI.APIKey)
}

func TestValidate(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	path := writeFile(t, dir, "bad.yml", `
database:
  driver: mongo
classify:
  provider: openai
log:
  level: loud
`)
	_, err := Load(path)
	require.ErrorIs(t, err, ErrInvalid)
	assert.ErrorContains(t, err, `unknown database.driver "mongo"`)
	assert.ErrorContains(t, err, "openai.api_key is required")
	assert.ErrorContains(t, err, `invalid log.level "loud"`)
}

func TestMissingFile(t *testing.T) {
	clearEnv(t)
	_, err := Load(filepath.Join(t.TempDir(), "nope.yml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestLogger(t *testing.T) {
	var buf bytes.Buffer
	Log{Level: "warn", Format: "json"}.Logger(&buf, false).Info("hidden")
	assert.Empty(t, buf.String())

	Log{Level: "warn", Format: "json"}.Logger(&buf, true).Debug("shown", "k", "v")
	assert.Contains(t, buf.String(), `"msg":"shown"`)
}

// Package config loads the service configuration from YAML files and the
// environment.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"

	"github.com/bryan-buckman/curator/internal/database"
)

var (
	ErrIncludeLoop = errors.New("config: include loop detected")
	ErrInvalid     = errors.New("config: invalid configuration")
)

// Environment variables that override file values.
const (
	EnvConfig       = "CURATOR_CONFIG"
	EnvDatabaseDSN  = "CURATOR_DATABASE_DSN"
	EnvOllamaURL    = "CURATOR_OLLAMA_URL"
	EnvOpenAIAPIKey = "CURATOR_OPENAI_API_KEY"
	EnvListen       = "CURATOR_LISTEN"
)

// Feed sources.
const (
	SourceRss2JSON = "rss2json"
	SourceDirect   = "direct"
)

// Classifier providers.
const (
	ProviderOllama = "ollama"
	ProviderOpenAI = "openai"
)

type Database struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

type Ollama struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

type OpenAI struct {
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model,omitempty"`
	BaseURL string `yaml:"base_url,omitempty"`
}

type Feeds struct {
	Source       string        `yaml:"source"`
	Rss2JSONURL  string        `yaml:"rss2json_url,omitempty"`
	Rss2JSONKey  string        `yaml:"rss2json_key,omitempty"`
	PollInterval time.Duration `yaml:"poll_interval"`
	Concurrency  int           `yaml:"concurrency,omitempty"`
}

type Classify struct {
	Provider  string `yaml:"provider"`
	BatchSize int    `yaml:"batch_size"`
}

type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config contains YAML-serializable configuration settings
type Config struct {
	Listen   string   `yaml:"listen"`
	Database Database `yaml:"database"`
	Ollama   Ollama   `yaml:"ollama"`
	OpenAI   OpenAI   `yaml:"openai,omitempty"`
	Feeds    Feeds    `yaml:"feeds"`
	Classify Classify `yaml:"classify"`
	Log      Log      `yaml:"log"`
	Include  []string `yaml:"include,omitempty"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Listen: ":8080",
		Database: Database{
			Driver: database.DriverSQLite,
			DSN:    "curator.db",
		},
		Ollama: Ollama{
			URL:     "http://localhost:11434",
			Timeout: 2 * time.Minute,
		},
		Feeds: Feeds{
			Source:       SourceRss2JSON,
			PollInterval: 30 * time.Minute,
		},
		Classify: Classify{
			Provider:  ProviderOllama,
			BatchSize: 5,
		},
		Log: Log{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load builds the configuration: defaults, then the file at path with its
// includes, then environment overrides. An empty path falls back to
// $CURATOR_CONFIG; if that is unset too, no file is read.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		path = os.Getenv(EnvConfig)
	}
	if path != "" {
		fileCfg, err := loadWithIncludes(path, make(map[string]bool))
		if err != nil {
			return nil, err
		}
		if err := mergo.Merge(cfg, fileCfg, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("merge config: %w", err)
		}
		cfg.Include = nil
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return &cfg, nil
}

// loadWithIncludes loads path after the files it includes, so the including
// file wins. Include paths are relative to the including file.
func loadWithIncludes(path string, visiting map[string]bool) (*Config, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	if visiting[abs] {
		return nil, fmt.Errorf("%w: %s", ErrIncludeLoop, path)
	}
	visiting[abs] = true
	defer delete(visiting, abs)

	cfg, err := loadFile(path)
	if err != nil {
		return nil, err
	}
	if len(cfg.Include) == 0 {
		return cfg, nil
	}

	base := &Config{}
	dir := filepath.Dir(path)
	for _, inc := range cfg.Include {
		if !filepath.IsAbs(inc) {
			inc = filepath.Join(dir, inc)
		}
		included, err := loadWithIncludes(inc, visiting)
		if err != nil {
			return nil, fmt.Errorf("include %s: %w", inc, err)
		}
		if err := mergo.Merge(base, included, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("merge %s: %w", inc, err)
		}
	}
	if err := mergo.Merge(base, cfg, mergo.WithOverride); err != nil {
		return nil, fmt.Errorf("merge %s: %w", path, err)
	}
	return base, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvDatabaseDSN); v != "" {
		c.Database.DSN = v
	}
	if v := os.Getenv(EnvOllamaURL); v != "" {
		c.Ollama.URL = v
	}
	if v := os.Getenv(EnvOpenAIAPIKey); v != "" {
		c.OpenAI.APIKey = v
	}
	if v := os.Getenv(EnvListen); v != "" {
		c.Listen = v
	}
}

// Validate checks the values that have a closed set of options.
func (c *Config) Validate() error {
	var errs []error
	switch c.Database.Driver {
	case database.DriverSQLite, database.DriverPostgres:
		if c.Database.DSN == "" {
			errs = append(errs, fmt.Errorf("database.dsn is required for %s", c.Database.Driver))
		}
	case database.DriverBadger:
	default:
		errs = append(errs, fmt.Errorf("unknown database.driver %q", c.Database.Driver))
	}
	switch c.Feeds.Source {
	case SourceRss2JSON, SourceDirect:
	default:
		errs = append(errs, fmt.Errorf("unknown feeds.source %q", c.Feeds.Source))
	}
	switch c.Classify.Provider {
	case ProviderOllama:
	case ProviderOpenAI:
		if c.OpenAI.APIKey == "" {
			errs = append(errs, fmt.Errorf("openai.api_key is required when classify.provider is openai"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown classify.provider %q", c.Classify.Provider))
	}
	if c.Classify.BatchSize < 1 {
		errs = append(errs, fmt.Errorf("classify.batch_size must be positive"))
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

func parseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("invalid log.level %q", s)
	}
	return l, nil
}

// Logger builds the logger described by the log section. verbose forces debug.
func (l Log) Logger(w io.Writer, verbose bool) *slog.Logger {
	level, err := parseLevel(l.Level)
	if err != nil || verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(l.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

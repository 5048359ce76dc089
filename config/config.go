// Package config loads tool configuration: defaults, then an optional YAML
// file, then environment overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/wbrown/superbpe/corpus"
	"github.com/wbrown/superbpe/dataset"
	"github.com/wbrown/superbpe/manifest"
	"gopkg.in/yaml.v3"
)

const (
	EnvLogLevel    = "SUPERBPE_LOG_LEVEL"
	EnvLogFormat   = "SUPERBPE_LOG_FORMAT"
	EnvLockTimeout = "SUPERBPE_LOCK_TIMEOUT"
	EnvWorkers     = "SUPERBPE_WORKERS"
	EnvHFToken     = "HF_TOKEN"
)

type Config struct {
	Log      LogConfig      `yaml:"log"`
	Lock     LockConfig     `yaml:"lock"`
	Corpus   CorpusConfig   `yaml:"corpus"`
	Evaluate EvaluateConfig `yaml:"evaluate"`
	Dataset  DatasetConfig  `yaml:"dataset"`
}

type LogConfig struct {
	// debug, info, warn or error
	Level string `yaml:"level"`
	// json or console
	Format      string   `yaml:"format"`
	OutputPaths []string `yaml:"output_paths"`
}

// LockConfig bounds the wait for truncation artifact locks.
type LockConfig struct {
	Timeout    time.Duration `yaml:"timeout"`
	RetryDelay time.Duration `yaml:"retry_delay"`
}

type CorpusConfig struct {
	Extensions     []string                   `yaml:"extensions"`
	Recursive      bool                       `yaml:"recursive"`
	Wraparound     bool                       `yaml:"wraparound"`
	TrainingSeed   int64                      `yaml:"training_seed"`
	EvaluationSeed int64                      `yaml:"evaluation_seed"`
	UnderBudget    manifest.UnderBudgetPolicy `yaml:"under_budget"`
}

type EvaluateConfig struct {
	Workers int `yaml:"workers"`
	// CacheDir holds downloaded tokenizers; empty means a temporary
	// directory.
	CacheDir string `yaml:"cache_dir"`
}

type DatasetConfig struct {
	BaseURL  string `yaml:"base_url"`
	Config   string `yaml:"config"`
	Split    string `yaml:"split"`
	PageSize int    `yaml:"page_size"`
	Token    string `yaml:"token"`
}

func Defaults() *Config {
	return &Config{
		Log: LogConfig{
			Level:       "info",
			Format:      "console",
			OutputPaths: []string{"stderr"},
		},
		Lock: LockConfig{
			Timeout:    corpus.DefaultLockTimeout,
			RetryDelay: corpus.DefaultRetryDelay,
		},
		Corpus: CorpusConfig{
			Extensions:     append([]string(nil), corpus.DefaultExtensions...),
			Wraparound:     true,
			TrainingSeed:   corpus.TrainingSeed,
			EvaluationSeed: corpus.EvaluationSeed,
			UnderBudget:    manifest.UnderBudgetWarn,
		},
		Evaluate: EvaluateConfig{
			Workers: 4,
		},
		Dataset: DatasetConfig{
			BaseURL:  dataset.DefaultBaseURL,
			Config:   dataset.DefaultConfig,
			Split:    dataset.DefaultSplit,
			PageSize: dataset.DefaultPageSize,
		},
	}
}

// Load builds the configuration. A path of "" skips the file.
func Load(path string) (*Config, error) {
	cfg := Defaults()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w",
				path, err)
		}
	}
	if err := cfg.loadFromEnv(); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

func (c *Config) loadFromEnv() error {
	if level := os.Getenv(EnvLogLevel); level != "" {
		c.Log.Level = level
	}
	if format := os.Getenv(EnvLogFormat); format != "" {
		c.Log.Format = format
	}
	if timeout := os.Getenv(EnvLockTimeout); timeout != "" {
		d, err := time.ParseDuration(timeout)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvLockTimeout, err)
		}
		c.Lock.Timeout = d
	}
	if workers := os.Getenv(EnvWorkers); workers != "" {
		n, err := strconv.Atoi(workers)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvWorkers, err)
		}
		c.Evaluate.Workers = n
	}
	if token := os.Getenv(EnvHFToken); token != "" {
		c.Dataset.Token = token
	}
	return nil
}

func (c *Config) Validate() error {
	if c.Lock.Timeout <= 0 {
		return fmt.Errorf("lock.timeout must be positive")
	}
	if c.Lock.RetryDelay <= 0 {
		return fmt.Errorf("lock.retry_delay must be positive")
	}
	if len(c.Corpus.Extensions) == 0 {
		return fmt.Errorf("corpus.extensions must not be empty")
	}
	if err := c.Corpus.UnderBudget.Validate(); err != nil {
		return fmt.Errorf("corpus.under_budget: %w", err)
	}
	if c.Evaluate.Workers <= 0 {
		return fmt.Errorf("evaluate.workers must be positive")
	}
	if c.Dataset.PageSize <= 0 {
		return fmt.Errorf("dataset.page_size must be positive")
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		return fmt.Errorf("log.format must be json or console, not %q",
			c.Log.Format)
	}
	return nil
}

// TruncatorOptions configures a truncator from the lock settings.
func (c *Config) TruncatorOptions() []corpus.TruncatorOption {
	return []corpus.TruncatorOption{
		corpus.WithLockTimeout(c.Lock.Timeout),
		corpus.WithRetryDelay(c.Lock.RetryDelay),
	}
}

// DatasetOptions configures a dataset stream from the dataset settings.
func (c *Config) DatasetOptions() []dataset.Option {
	opts := []dataset.Option{
		dataset.WithBaseURL(c.Dataset.BaseURL),
		dataset.WithConfig(c.Dataset.Config),
		dataset.WithSplit(c.Dataset.Split),
		dataset.WithPageSize(c.Dataset.PageSize),
	}
	if c.Dataset.Token != "" {
		opts = append(opts, dataset.WithToken(c.Dataset.Token))
	}
	return opts
}

// SamplerOptions configures a sampler shuffling with seed.
func (c *Config) SamplerOptions(seed int64) []corpus.SamplerOption {
	return []corpus.SamplerOption{
		corpus.WithSeed(seed),
		corpus.WithExtensions(c.Corpus.Extensions...),
		corpus.WithRecursive(c.Corpus.Recursive),
	}
}

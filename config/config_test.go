package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wbrown/superbpe/corpus"
	"github.com/wbrown/superbpe/manifest"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "superbpe.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, corpus.DefaultLockTimeout, cfg.Lock.Timeout)
	assert.True(t, cfg.Corpus.Wraparound)
	assert.Equal(t, int64(corpus.TrainingSeed), cfg.Corpus.TrainingSeed)
	assert.Equal(t, int64(corpus.EvaluationSeed), cfg.Corpus.EvaluationSeed)
	assert.Equal(t, manifest.UnderBudgetWarn, cfg.Corpus.UnderBudget)
	assert.Equal(t, []string{".txt"}, cfg.Corpus.Extensions)
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, `
log:
  level: debug
  format: json
lock:
  timeout: 30s
corpus:
  extensions: [".txt", ".md"]
  recursive: true
  wraparound: false
  under_budget: fail
evaluate:
  workers: 8
dataset:
  split: validation
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 30*time.Second, cfg.Lock.Timeout)
	assert.Equal(t, corpus.DefaultRetryDelay, cfg.Lock.RetryDelay)
	assert.Equal(t, []string{".txt", ".md"}, cfg.Corpus.Extensions)
	assert.True(t, cfg.Corpus.Recursive)
	assert.False(t, cfg.Corpus.Wraparound)
	assert.Equal(t, manifest.UnderBudgetFail, cfg.Corpus.UnderBudget)
	assert.Equal(t, 8, cfg.Evaluate.Workers)
	assert.Equal(t, "validation", cfg.Dataset.Split)
	assert.Equal(t, "default", cfg.Dataset.Config)
}

func TestLoad_Env(t *testing.T) {
	t.Setenv(EnvLogLevel, "warn")
	t.Setenv(EnvLockTimeout, "2m")
	t.Setenv(EnvWorkers, "3")
	t.Setenv(EnvHFToken, "hf_secret")
	path := writeConfig(t, "log:\n  level: debug\n")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, 2*time.Minute, cfg.Lock.Timeout)
	assert.Equal(t, 3, cfg.Evaluate.Workers)
	assert.Equal(t, "hf_secret", cfg.Dataset.Token)
	assert.Len(t, cfg.DatasetOptions(), 5)
}

func TestLoad_Invalid(t *testing.T) {
	cases := map[string]string{
		"policy":  "corpus:\n  under_budget: panic\n",
		"workers": "evaluate:\n  workers: 0\n",
		"format":  "log:\n  format: xml\n",
		"yaml":    "log: [\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body))
			assert.Error(t, err)
		})
	}

	t.Setenv(EnvWorkers, "many")
	_, err := Load("")
	assert.Error(t, err)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestNewLogger(t *testing.T) {
	for _, format := range []string{"console", "json"} {
		logger, err := NewLogger(LogConfig{Level: "debug", Format: format})
		require.NoError(t, err)
		assert.NotNil(t, logger)
	}
	_, err := NewLogger(LogConfig{Level: "chatty", Format: "json"})
	assert.Error(t, err)
}

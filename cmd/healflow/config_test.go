package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envFrom(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestLoadConfig_Defaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := loadConfig(envFrom(map[string]string{"HEALFLOW_HOME": dir}))
	require.NoError(t, err)

	assert.Equal(t, "libsql", cfg.Store)
	assert.Equal(t, filepath.Join(dir, "healflow.db"), cfg.DBPath)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "@every 1m", cfg.SweepCron)
	assert.Equal(t, Duration(5*time.Second), cfg.GracePeriod)
}

func TestLoadConfig_Layering(t *testing.T) {
	dir := t.TempDir()
	settings := `{"store":"memory","log_level":"debug","max_concurrency":8,"grace_period":"2s","classifier_rps":5}`
	require.NoError(t, os.WriteFile(settingsPath(dir), []byte(settings), 0o600))

	cfg, err := loadConfig(envFrom(map[string]string{
		"HEALFLOW_HOME":               dir,
		"HEALFLOW_LOG_LEVEL":          "warn",
		"HEALFLOW_POOL_SIZE":          "32",
		"HEALFLOW_CLASSIFIER_TIMEOUT": "750ms",
		"HEALFLOW_CLASSIFIER_URL":     "http://classifier:8080/classify",
	}))
	require.NoError(t, err)

	assert.Equal(t, "memory", cfg.Store, "settings.json")
	assert.Equal(t, 8, cfg.MaxConcurrency, "settings.json")
	assert.Equal(t, Duration(2*time.Second), cfg.GracePeriod, "settings.json")
	assert.Equal(t, 5.0, cfg.ClassifierRPS, "settings.json")
	assert.Equal(t, "warn", cfg.LogLevel, "env wins")
	assert.Equal(t, 32, cfg.PoolSize, "env")
	assert.Equal(t, Duration(750*time.Millisecond), cfg.ClassifierTimeout, "env")
	assert.Equal(t, "http://classifier:8080/classify", cfg.ClassifierURL)
}

func TestLoadConfig_Errors(t *testing.T) {
	tests := []struct {
		name     string
		settings string
		env      map[string]string
		want     string
	}{
		{"bad json", `{"store":`, nil, "parse"},
		{"bad duration", `{"grace_period":"soon"}`, nil, "parse"},
		{"numeric duration", `{"grace_period":5}`, nil, "duration must be a string"},
		{"unknown store", `{"store":"etcd"}`, nil, "unknown store"},
		{"redis without url", `{"store":"redis"}`, nil, "redis_url"},
		{"bad log format", "", map[string]string{"HEALFLOW_LOG_FORMAT": "xml"}, "log_format"},
		{"bad int env", "", map[string]string{"HEALFLOW_MAX_CONCURRENCY": "many"}, "HEALFLOW_MAX_CONCURRENCY"},
		{"bad duration env", "", map[string]string{"HEALFLOW_GRACE_PERIOD": "later"}, "HEALFLOW_GRACE_PERIOD"},
		{"bad rps env", "", map[string]string{"HEALFLOW_CLASSIFIER_RPS": "fast"}, "HEALFLOW_CLASSIFIER_RPS"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			if tt.settings != "" {
				require.NoError(t, os.WriteFile(settingsPath(dir), []byte(tt.settings), 0o600))
			}
			env := map[string]string{"HEALFLOW_HOME": dir}
			for k, v := range tt.env {
				env[k] = v
			}
			_, err := loadConfig(envFrom(env))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestDuration_MarshalJSON(t *testing.T) {
	b, err := Duration(90 * time.Second).MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `"1m30s"`, string(b))
}

package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Duration is a time.Duration that reads "30s"-style strings from JSON.
type Duration time.Duration

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string like \"30s\": %w", err)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Config holds all healflow configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	Store       string `json:"store"` // libsql | redis | memory
	DBPath      string `json:"db_path"`
	RedisURL    string `json:"redis_url"`
	RedisPrefix string `json:"redis_prefix"`

	LogLevel  string `json:"log_level"`
	LogFormat string `json:"log_format"` // text | json

	MaxConcurrency  int      `json:"max_concurrency"`
	PoolSize        int      `json:"pool_size"`
	GracePeriod     Duration `json:"grace_period"`
	AnalysisTimeout Duration `json:"analysis_timeout"`

	ClassifierURL     string   `json:"classifier_url"`
	ClassifierTimeout Duration `json:"classifier_timeout"`
	ClassifierRPS     float64  `json:"classifier_rps"`
	ClassifierQuery   string   `json:"classifier_query"`

	SweepCron   string `json:"sweep_cron"`
	MetricsAddr string `json:"metrics_addr"`
}

func defaultConfig(dir string) Config {
	return Config{
		Store:             "libsql",
		DBPath:            filepath.Join(dir, "healflow.db"),
		RedisPrefix:       "healflow",
		LogLevel:          "info",
		LogFormat:         "text",
		MaxConcurrency:    4,
		PoolSize:          16,
		GracePeriod:       Duration(5 * time.Second),
		AnalysisTimeout:   Duration(10 * time.Second),
		ClassifierTimeout: Duration(5 * time.Second),
		SweepCron:         "@every 1m",
	}
}

// healflowDir is $HEALFLOW_HOME, or ~/.healflow.
func healflowDir(getenv func(string) string) string {
	if v := getenv("HEALFLOW_HOME"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".healflow"
	}
	return filepath.Join(home, ".healflow")
}

func settingsPath(dir string) string {
	return filepath.Join(dir, "settings.json")
}

func loadConfig(getenv func(string) string) (Config, error) {
	dir := healflowDir(getenv)
	cfg := defaultConfig(dir)

	// Layer 2: settings.json (ignore if missing).
	data, err := os.ReadFile(settingsPath(dir))
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", settingsPath(dir), err)
		}
	case !os.IsNotExist(err):
		return cfg, fmt.Errorf("read %s: %w", settingsPath(dir), err)
	}

	// Layer 3: env vars override.
	if err := applyEnv(&cfg, getenv); err != nil {
		return cfg, err
	}
	return cfg, cfg.validate()
}

func applyEnv(cfg *Config, getenv func(string) string) error {
	str := map[string]*string{
		"HEALFLOW_STORE":            &cfg.Store,
		"HEALFLOW_DB_PATH":          &cfg.DBPath,
		"HEALFLOW_REDIS_URL":        &cfg.RedisURL,
		"HEALFLOW_REDIS_PREFIX":     &cfg.RedisPrefix,
		"HEALFLOW_LOG_LEVEL":        &cfg.LogLevel,
		"HEALFLOW_LOG_FORMAT":       &cfg.LogFormat,
		"HEALFLOW_CLASSIFIER_URL":   &cfg.ClassifierURL,
		"HEALFLOW_CLASSIFIER_QUERY": &cfg.ClassifierQuery,
		"HEALFLOW_SWEEP_CRON":       &cfg.SweepCron,
		"HEALFLOW_METRICS_ADDR":     &cfg.MetricsAddr,
	}
	for key, dst := range str {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}

	ints := map[string]*int{
		"HEALFLOW_MAX_CONCURRENCY": &cfg.MaxConcurrency,
		"HEALFLOW_POOL_SIZE":       &cfg.PoolSize,
	}
	for key, dst := range ints {
		if v := getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = n
		}
	}

	durs := map[string]*Duration{
		"HEALFLOW_GRACE_PERIOD":       &cfg.GracePeriod,
		"HEALFLOW_ANALYSIS_TIMEOUT":   &cfg.AnalysisTimeout,
		"HEALFLOW_CLASSIFIER_TIMEOUT": &cfg.ClassifierTimeout,
	}
	for key, dst := range durs {
		if v := getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = Duration(d)
		}
	}

	if v := getenv("HEALFLOW_CLASSIFIER_RPS"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("HEALFLOW_CLASSIFIER_RPS: %w", err)
		}
		cfg.ClassifierRPS = f
	}
	return nil
}

func (c Config) validate() error {
	switch c.Store {
	case "libsql", "memory":
	case "redis":
		if c.RedisURL == "" {
			return fmt.Errorf("store redis requires redis_url")
		}
	default:
		return fmt.Errorf("unknown store %q (want libsql, redis or memory)", c.Store)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("unknown log_format %q (want text or json)", c.LogFormat)
	}
	if c.MaxConcurrency < 0 || c.PoolSize < 0 {
		return fmt.Errorf("max_concurrency and pool_size must be >= 0")
	}
	return nil
}

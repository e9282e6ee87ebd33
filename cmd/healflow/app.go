package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"

	"github.com/rendis/healflow/internal/actions"
	"github.com/rendis/healflow/internal/classifier"
	"github.com/rendis/healflow/internal/engine"
	"github.com/rendis/healflow/internal/expressions"
	"github.com/rendis/healflow/internal/logging"
	"github.com/rendis/healflow/internal/metrics"
	"github.com/rendis/healflow/internal/store"
	"github.com/rendis/healflow/internal/validation"
	"github.com/rendis/healflow/pkg/schema"
)

// app is the wired process: store, handlers, engine and loader.
type app struct {
	cfg     Config
	logger  *slog.Logger
	store   store.Store
	engine  *engine.Engine
	loader  *validation.Loader
	metrics *metrics.Metrics
}

func newApp(ctx context.Context, cfg Config, logOut io.Writer) (*app, error) {
	logger := logging.New(logOut, cfg.LogLevel, cfg.LogFormat)

	st, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	reg := actions.NewRegistry()
	if err := actions.RegisterBuiltins(reg, actions.HTTPConfig{}); err != nil {
		_ = st.Close()
		return nil, err
	}

	cel, err := expressions.NewCELEngine()
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	wv, err := validation.NewWorkflowValidator(reg, cel.Compile)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	m := metrics.New()
	deps := engine.Deps{
		Store:    st,
		Handlers: reg,
		Logger:   logger,
		Tracer:   otel.Tracer("github.com/rendis/healflow"),
		Metrics:  m,
	}
	if cfg.ClassifierURL != "" {
		c, err := classifier.New(classifier.Config{
			URL:     cfg.ClassifierURL,
			Timeout: time.Duration(cfg.ClassifierTimeout),
			RPS:     cfg.ClassifierRPS,
			Query:   cfg.ClassifierQuery,
		}, logger)
		if err != nil {
			_ = st.Close()
			return nil, err
		}
		deps.Classifier = c
	}

	eng, err := engine.New(engine.Config{
		MaxConcurrency:  cfg.MaxConcurrency,
		PoolSize:        cfg.PoolSize,
		GracePeriod:     time.Duration(cfg.GracePeriod),
		AnalysisTimeout: time.Duration(cfg.AnalysisTimeout),
	}, deps)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	return &app{
		cfg:     cfg,
		logger:  logger,
		store:   st,
		engine:  eng,
		loader:  validation.NewLoader(wv),
		metrics: m,
	}, nil
}

// Close stops the engine before releasing the store so detaching runs can
// persist their last checkpoint.
func (a *app) Close() {
	a.engine.Close()
	if err := a.store.Close(); err != nil {
		a.logger.Warn("close store", "error", err)
	}
}

func openStore(ctx context.Context, cfg Config) (store.Store, error) {
	var st store.Store
	switch cfg.Store {
	case "memory":
		st = store.NewMemoryStore()
	case "redis":
		opts, err := goredis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis_url: %w", err)
		}
		st = store.NewRedisStore(goredis.NewClient(opts), cfg.RedisPrefix)
	default:
		path := cfg.DBPath
		if !strings.Contains(path, ":") {
			if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
				return nil, schema.NewErrorf(schema.ErrCodeStorage, "create database directory: %v", err).WithCause(err)
			}
			path = "file:" + path
		}
		ls, err := store.NewLibSQLStore(path)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeStorage, "open libsql store: %v", err).WithCause(err)
		}
		st = ls
	}

	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, schema.NewErrorf(schema.ErrCodeStorage, "migrate %s store: %v", cfg.Store, err).WithCause(err)
	}
	return st, nil
}

// ABOUTME: Builds the engine and its collaborators (store, cache, emitters, metrics, executors) from CLI config.
// ABOUTME: Returns a runtime whose Close releases files and database handles in reverse order.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/2389-research/pipewright/cache"
	"github.com/2389-research/pipewright/engine"
	"github.com/2389-research/pipewright/executors"
	"github.com/2389-research/pipewright/progress"
	"github.com/2389-research/pipewright/server"
	"github.com/2389-research/pipewright/store"
)

// runtime is everything a CLI mode needs.
type runtime struct {
	log      *zap.Logger
	engine   *engine.Engine
	events   *engine.Broadcaster
	metrics  *engine.Metrics
	gatherer *prometheus.Registry
	runs     server.RunLister
	progress *progress.Logger
	closers  []func() error
}

func newLogger(verbose bool) (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	return cfg.Build()
}

// build wires a runtime from cfg. log must not be nil.
func build(cfg config, log *zap.Logger) (*runtime, error) {
	rt := &runtime{log: log}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	rt.gatherer = reg
	rt.metrics = engine.NewMetrics(reg)
	rt.events = engine.NewBroadcaster(256, rt.metrics)
	rt.closers = append(rt.closers, func() error { rt.events.Close(); return nil })

	needsDir := cfg.storeKind == "fs" || cfg.storeKind == "sqlite" || cfg.cacheKind == "sqlite"
	var dataDir string
	if needsDir {
		dir, err := prepareDataDir(cfg.dataDir)
		if err != nil {
			rt.Close()
			return nil, err
		}
		dataDir = dir
	}

	var sqlite *store.SQLite
	openSQLite := func() (*store.SQLite, error) {
		if sqlite != nil {
			return sqlite, nil
		}
		db, err := store.OpenSQLite(filepath.Join(dataDir, "pipewright.db"))
		if err != nil {
			return nil, err
		}
		sqlite = db
		rt.closers = append(rt.closers, db.Close)
		return db, nil
	}

	var checkpoints engine.CheckpointStore
	switch cfg.storeKind {
	case "fs":
		fsStore, err := store.NewFS(filepath.Join(dataDir, "runs"))
		if err != nil {
			rt.Close()
			return nil, err
		}
		checkpoints, rt.runs = fsStore, fsStore
	case "sqlite":
		db, err := openSQLite()
		if err != nil {
			rt.Close()
			return nil, err
		}
		checkpoints, rt.runs = db, db
	case "memory":
		mem := store.NewMemory()
		checkpoints, rt.runs = mem, mem
	case "none", "":
	default:
		rt.Close()
		return nil, fmt.Errorf("unknown store %q (want fs, sqlite, memory, none)", cfg.storeKind)
	}

	var results engine.ResultCache
	switch cfg.cacheKind {
	case "memory":
		mem, err := cache.NewMemory(cfg.cacheSize)
		if err != nil {
			rt.Close()
			return nil, err
		}
		results = mem
	case "sqlite":
		db, err := openSQLite()
		if err != nil {
			rt.Close()
			return nil, err
		}
		if n, err := db.PurgeExpired(context.Background()); err != nil {
			log.Warn("purge expired cache entries", zap.Error(err))
		} else if n > 0 {
			log.Info("purged expired cache entries", zap.Int64("count", n))
		}
		results = db
	case "none", "":
	default:
		rt.Close()
		return nil, fmt.Errorf("unknown cache %q (want memory, sqlite, none)", cfg.cacheKind)
	}

	emitters := engine.MultiEmitter{rt.events}
	if cfg.progressDir != "" {
		pl, err := progress.NewLogger(cfg.progressDir, log)
		if err != nil {
			rt.Close()
			return nil, err
		}
		rt.progress = pl
		rt.closers = append(rt.closers, pl.Close)
		emitters = append(emitters, pl)
	}
	if cfg.verbose {
		emitters = append(emitters, eventLogger(log))
	}

	policy, err := engine.RetryPreset(cfg.retryPolicy)
	if err != nil {
		rt.Close()
		return nil, err
	}

	rt.engine = engine.New(engine.Config{
		Registry:           newRegistry(cfg),
		RetryPolicy:        policy,
		Cache:              results,
		CacheTTL:           cfg.cacheTTL,
		Checkpoints:        checkpoints,
		Emitter:            emitters,
		Logger:             log,
		Metrics:            rt.metrics,
		DefaultMaxAttempts: cfg.maxAttempts,
		TaskTimeout:        cfg.taskTimeout,
		MaxConcurrency:     cfg.concurrency,
	})
	return rt, nil
}

// newRegistry registers the built-in executors, plus openai.chat when an API
// key or a compatible endpoint is configured.
func newRegistry(cfg config) *engine.Registry {
	registry := engine.NewRegistry(executors.Builtins()...)
	if key := os.Getenv("OPENAI_API_KEY"); key != "" || cfg.openAIURL != "" {
		registry.Register(executors.NewOpenAIChat(key, cfg.openAIModel, cfg.openAIURL))
	}
	return registry
}

// Close releases resources in reverse order of acquisition.
func (rt *runtime) Close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			rt.log.Warn("close", zap.Error(err))
		}
	}
	rt.closers = nil
}

// eventLogger logs every engine event at debug level.
func eventLogger(log *zap.Logger) engine.Emitter {
	log = log.Named("events")
	return engine.EmitterFunc(func(e engine.Event) {
		fields := []zap.Field{
			zap.String("run_id", e.RunID),
			zap.String("type", string(e.Type)),
		}
		if e.NodeID != "" {
			fields = append(fields, zap.String("node_id", e.NodeID))
		}
		if e.Attempt > 0 {
			fields = append(fields, zap.Int("attempt", e.Attempt))
		}
		if e.Delay > 0 {
			fields = append(fields, zap.Duration("delay", e.Delay))
		}
		if e.CacheHit {
			fields = append(fields, zap.Bool("cache_hit", true))
		}
		if e.Error != "" {
			fields = append(fields, zap.String("error", e.Error))
		}
		log.Debug("event", fields...)
	})
}

package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmgilman/go/fs/billy"

	"swcache/internal/classify"
	"swcache/internal/lifecycle"
	"swcache/internal/mutation"
	"swcache/internal/partition"
	"swcache/internal/quota"
	"swcache/internal/server"
	"swcache/internal/strategy"
	"swcache/internal/worker"
)

const shutdownTimeout = 10 * time.Second

var (
	openStoreFn  = openStore
	newFetcherFn = func(timeout time.Duration) strategy.Fetcher { return strategy.NewHTTPFetcher(timeout) }
	stdout       io.Writer = os.Stdout
	stderr       io.Writer = os.Stderr
)

// runtime is one fully wired worker and the state behind it.
type runtime struct {
	opts   Options
	log    *slog.Logger
	store  partition.Store
	queue  *mutation.Queue
	engine *strategy.Engine
	life   *lifecycle.Manager
	worker *worker.Worker
}

// Prepare layers config file and environment under the flags and validates
// the result.
func Prepare(opts Options) (Options, error) {
	cfg, err := loadUserConfig(resolveConfigPath(opts.ConfigPath))
	if err != nil {
		return Options{}, err
	}
	merged, err := mergeOptions(opts, cfg)
	if err != nil {
		return Options{}, err
	}
	e, err := loadEnv(nil)
	if err != nil {
		return Options{}, err
	}
	merged, err = applyEnv(merged, e)
	if err != nil {
		return Options{}, err
	}
	if err := validateOptionsWithSource(merged); err != nil {
		return Options{}, err
	}
	return merged, nil
}

// Run serves the worker until ctx is done.
func Run(ctx context.Context, opts Options) error {
	if opts.WriteConfigExample {
		return writeConfigExample(opts.ConfigPath)
	}
	opts, err := Prepare(opts)
	if err != nil {
		return err
	}
	if opts.PrintEffectiveConfig {
		printEffectiveConfig(stdout, opts)
		return nil
	}

	logger, err := newLogger(stderr, opts.LogLevel, opts.LogFormat)
	if err != nil {
		return err
	}
	if created, err := ensureDefaultConfigFile(opts.ConfigPath); err != nil {
		logger.Warn("default config not written", "err", err)
	} else if created {
		logger.Info("created default config", "path", resolveConfigPath(opts.ConfigPath))
	}

	rt, err := build(ctx, opts, logger)
	if err != nil {
		return err
	}
	defer rt.close()

	if err := rt.start(ctx); err != nil {
		return err
	}

	origin, err := url.Parse(opts.Origin)
	if err != nil {
		return fmt.Errorf("parse origin: %w", err)
	}
	srv := server.New(logger, server.Config{Addr: opts.Listen, Origin: origin}, rt.worker, rt.queue)

	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	go func() {
		if err := watchConfig(watchCtx, resolveConfigPath(opts.ConfigPath), rt.worker, logger.With("component", "config")); err != nil {
			logger.Warn("config watch stopped", "err", err)
		}
	}()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Run() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	srv.Close(shutdownCtx)
	rt.engine.Background().Wait()
	return <-errCh
}

func build(ctx context.Context, opts Options, logger *slog.Logger) (*runtime, error) {
	if err := os.MkdirAll(opts.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	store, err := openStoreFn(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", opts.Store, err)
	}
	queue, err := mutation.Open(filepath.Join(opts.DataDir, "queue.db"))
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	c, err := classify.New(opts.Rules)
	if err != nil {
		_ = store.Close()
		_ = queue.Close()
		return nil, err
	}

	names := opts.names()
	fetcher := newFetcherFn(opts.FetchTimeout)
	sessions := worker.NewSessions(16, logger.With("component", "sessions"))
	engine := strategy.New(strategy.Config{
		Store:      store,
		Fetcher:    fetcher,
		Names:      names,
		Quota:      quota.New(store, opts.quotaMap(), logger.With("component", "quota")),
		Background: strategy.NewBackground(opts.RefreshWorkers, logger.With("component", "refresh")),
		RootURL:    strings.TrimRight(opts.Origin, "/") + "/",
		Logger:     logger.With("component", "strategy"),
	})
	life, err := lifecycle.New(lifecycle.Config{
		Store:    store,
		Storer:   engine,
		Fetcher:  fetcher,
		Names:    names,
		Origin:   opts.Origin,
		Manifest: opts.Manifest,
		Sessions: sessions,
		Logger:   logger.With("component", "lifecycle"),
	})
	if err != nil {
		_ = store.Close()
		_ = queue.Close()
		return nil, err
	}
	syncer := mutation.NewSyncer(queue, &mutation.HTTPReplayer{BaseURL: opts.Origin}, sessions, logger.With("component", "sync"))
	w := worker.New(worker.Config{
		Classifier: c,
		Engine:     engine,
		Lifecycle:  life,
		Syncer:     syncer,
		Sessions:   sessions,
		Fetcher:    fetcher,
		Logger:     logger.With("component", "worker"),
	})

	return &runtime{
		opts:   opts,
		log:    logger,
		store:  store,
		queue:  queue,
		engine: engine,
		life:   life,
		worker: w,
	}, nil
}

// start installs and activates the current cache version.
func (rt *runtime) start(ctx context.Context) error {
	if _, err := rt.worker.Handle(ctx, worker.InstallEvent{}); err != nil {
		return fmt.Errorf("install: %w", err)
	}
	res, err := rt.worker.Handle(ctx, worker.ActivateEvent{})
	if err != nil {
		return fmt.Errorf("activate: %w", err)
	}
	if len(res.Purged) > 0 {
		rt.log.Info("purged stale partitions", "partitions", res.Purged)
	}
	return nil
}

func (rt *runtime) close() {
	rt.engine.Background().Wait()
	if err := rt.queue.Close(); err != nil {
		rt.log.Warn("close queue", "err", err)
	}
	if err := rt.store.Close(); err != nil {
		rt.log.Warn("close store", "err", err)
	}
}

func openStore(ctx context.Context, opts Options) (partition.Store, error) {
	switch opts.Store {
	case "fs":
		root, err := filepath.Abs(filepath.Join(opts.DataDir, "cache"))
		if err != nil {
			return nil, err
		}
		return partition.NewFSStore(billy.NewLocal(), root)
	case "sqlite":
		return partition.OpenSQLiteStore(filepath.Join(opts.DataDir, "cache.db"))
	case "redis":
		s := partition.NewRedisStore(partition.RedisConfig{Addr: opts.RedisAddr, Namespace: opts.CachePrefix})
		if err := s.Ping(ctx); err != nil {
			_ = s.Close()
			return nil, err
		}
		return s, nil
	default:
		return nil, errors.New("unknown store " + opts.Store)
	}
}

// withRuntime runs fn against a wired worker that is not serving.
func withRuntime(ctx context.Context, opts Options, fn func(*runtime) error) error {
	opts, err := Prepare(opts)
	if err != nil {
		return err
	}
	logger, err := newLogger(stderr, opts.LogLevel, opts.LogFormat)
	if err != nil {
		return err
	}
	rt, err := build(ctx, opts, logger)
	if err != nil {
		return err
	}
	defer rt.close()
	return fn(rt)
}

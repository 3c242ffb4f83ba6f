package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/web3tea/doc-sentinel/capturer"
	"github.com/web3tea/doc-sentinel/config"
	"github.com/web3tea/doc-sentinel/pkg/log"
	"github.com/web3tea/doc-sentinel/processor"
	"github.com/web3tea/doc-sentinel/processor/filter"
	"github.com/web3tea/doc-sentinel/processor/transformer"
	"github.com/web3tea/doc-sentinel/scheduler"
	"github.com/web3tea/doc-sentinel/sink"
	"github.com/web3tea/doc-sentinel/store"
	"github.com/web3tea/doc-sentinel/trigger"
)

const defaultRetain = 7 * 24 * time.Hour

// loadConfig reads --config, or falls back to the defaults when the flag is
// empty, and applies the configured log level.
func loadConfig(c *cli.Command) (*config.Config, error) {
	var cfg *config.Config
	if path := c.String(configFlag.Name); path != "" {
		loaded, err := config.LoadFromFile(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	} else {
		d := config.DefaultConfig()
		if err := d.Validate(); err != nil {
			return nil, err
		}
		cfg = &d
	}

	lvl, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	log.SetGlobalLevel(lvl)
	return cfg, nil
}

// storage pairs the document store with the capturer reading its changes.
type storage struct {
	docs     store.Store
	pg       *store.PostgresStore
	capturer capturer.Capturer
}

func (s *storage) Close() error {
	return s.docs.Close()
}

func setupStorage(ctx context.Context, cfg *config.Config, logger *log.Logger) (*storage, error) {
	switch cfg.Capturer.Backend {
	case config.BackendMemory:
		logger.Warnf("using the in-memory store, documents are lost on exit")
		ms := store.NewMemoryStore()
		return &storage{
			docs:     ms,
			capturer: capturer.NewMemoryCapturer(ms, cfg.Capturer.Capturer(), logger),
		}, nil
	case config.BackendPostgres:
		pool, err := store.Connect(ctx, cfg.Database)
		if err != nil {
			return nil, err
		}
		pg := store.NewPostgresStore(pool, cfg.Schema, logger)
		return &storage{
			docs:     pg,
			pg:       pg,
			capturer: capturer.NewPostgresCapturer(pool, cfg.Schema, cfg.Capturer.Capturer(), logger),
		}, nil
	default:
		return nil, fmt.Errorf("unsupported capturer backend: %s", cfg.Capturer.Backend)
	}
}

func setupProcessor(cfg *config.Config, logger *log.Logger) (processor.Processor, error) {
	chain := processor.NewProcessorChain()

	if len(cfg.Processor.Filter.Types) > 0 {
		f, err := filter.NewKindFilter(cfg.Processor.Filter.Types...)
		if err != nil {
			return nil, err
		}
		chain.AddFilter(f)
	}
	if len(cfg.Processor.Filter.ExcludePaths) > 0 {
		f, err := filter.NewExcludePaths(cfg.Processor.Filter.ExcludePaths...)
		if err != nil {
			return nil, err
		}
		chain.AddFilter(f)
	}
	if len(cfg.Processor.Params) > 0 {
		chain.AddTransformer(transformer.NewStaticParams(cfg.Processor.Params))
	}
	if cfg.Processor.Debug {
		chain.AddFilter(filter.NewDebugFilter(logger))
		chain.AddTransformer(transformer.NewDebugTransformer(logger))
	}
	return chain, nil
}

// setupRouter registers one dispatcher per configured collection. The
// returned sinks must be closed by the caller.
func setupRouter(cfg *config.Config, router *trigger.Router, out io.Writer, logger *log.Logger) ([]sink.Sink, error) {
	sinks := make([]sink.Sink, 0, len(cfg.Collections))
	for _, coll := range cfg.Collections {
		s, err := sink.New(coll.Sink, out, logger)
		if err != nil {
			return sinks, err
		}
		sinks = append(sinks, s)

		_, err = router.Register(coll.Pattern, sink.Config(s, sink.Handlers{
			OnCreate:     coll.OnCreate,
			OnUpdate:     coll.OnUpdate,
			OnDelete:     coll.OnDelete,
			MaxRetries:   coll.MaxRetries,
			RetryTimeout: coll.RetryTimeout.Std(),
			MaskFields:   coll.MaskFields,
		}))
		if err != nil {
			return sinks, fmt.Errorf("register %s: %w", coll.Pattern, err)
		}
		logger.Infof("watching %s with %s sink", coll.Pattern, s.Type())
	}
	return sinks, nil
}

func closeSinks(sinks []sink.Sink) error {
	var errs []error
	for _, s := range sinks {
		errs = append(errs, s.Close())
	}
	return errors.Join(errs...)
}

func setupScheduler(cfg *config.Config, st *storage, logger *log.Logger) (*scheduler.Scheduler, error) {
	sched := scheduler.New(logger)
	for _, sc := range cfg.Schedules {
		var handler scheduler.Handler
		switch sc.Task {
		case config.TaskPruneChanges:
			if st.pg == nil {
				return nil, fmt.Errorf("schedule %s: %s needs the postgres backend", sc.Name, sc.Task)
			}
			handler = pruneChanges(st.pg, sc.Retain.Std())
		default:
			return nil, fmt.Errorf("schedule %s: unknown task %q", sc.Name, sc.Task)
		}

		var opts []scheduler.TaskOption
		if sc.TimeZone != "" {
			opts = append(opts, scheduler.WithTimeZone(sc.TimeZone))
		}
		if sc.Timeout > 0 {
			opts = append(opts, scheduler.WithTimeout(sc.Timeout.Std()))
		}
		if err := sched.Register(sc.Name, sc.Cron, handler, opts...); err != nil {
			return nil, err
		}
	}
	return sched, nil
}

func pruneChanges(pg *store.PostgresStore, retain time.Duration) scheduler.Handler {
	if retain <= 0 {
		retain = defaultRetain
	}
	return func(ctx context.Context, logger *log.Logger) error {
		n, err := pg.PruneChanges(ctx, retain)
		if err != nil {
			return err
		}
		logger.Infof("pruned %d settled changes older than %s", n, retain)
		return nil
	}
}

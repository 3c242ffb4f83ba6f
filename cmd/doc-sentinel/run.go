package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"github.com/web3tea/doc-sentinel/bus"
	"github.com/web3tea/doc-sentinel/config"
	"github.com/web3tea/doc-sentinel/idempotency"
	"github.com/web3tea/doc-sentinel/pkg/clock"
	"github.com/web3tea/doc-sentinel/pkg/log"
	"github.com/web3tea/doc-sentinel/sentinel"
	"github.com/web3tea/doc-sentinel/store"
	"github.com/web3tea/doc-sentinel/trigger"
)

var runCmd = &cli.Command{
	Name:  "run",
	Usage: "Watch document changes and run the configured handlers",
	Flags: []cli.Flag{configFlag},
	Action: func(ctx context.Context, c *cli.Command) error {
		cfg, err := loadConfig(c)
		if err != nil {
			return err
		}
		logger := log.NewLogger(cfg.AppName, os.Stdout)

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigChan)

		st, err := setupStorage(ctx, cfg, logger)
		if err != nil {
			return fmt.Errorf("failed to setup storage: %w", err)
		}
		defer st.Close()

		proc, err := setupProcessor(cfg, logger)
		if err != nil {
			return fmt.Errorf("failed to setup processor: %w", err)
		}

		router := trigger.NewRouter(idempotency.NewTracker(st.docs, logger), logger)
		sinks, err := setupRouter(cfg, router, os.Stdout, logger)
		defer closeSinks(sinks)
		if err != nil {
			return fmt.Errorf("failed to setup sinks: %w", err)
		}
		if len(sinks) == 0 {
			logger.Warnf("no collections configured, changes will only be acknowledged")
		}

		sched, err := setupScheduler(cfg, st, logger)
		if err != nil {
			return fmt.Errorf("failed to setup scheduler: %w", err)
		}

		s := sentinel.NewSentinel(st.capturer, proc, router,
			sentinel.WithConcurrency(cfg.Processor.MaxConcurrency),
			sentinel.WithLogger(logger),
		)
		if err := s.Start(ctx); err != nil {
			return fmt.Errorf("failed to start sentinel: %w", err)
		}
		logger.Infof("Sentinel system started successfully")

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			return sched.Run(gctx)
		})
		if cfg.Bus.Enabled {
			g.Go(func() error {
				return consumeWrites(gctx, cfg, st.docs, logger)
			})
		}
		g.Go(func() error {
			select {
			case sig := <-sigChan:
				logger.Infof("Received signal: %s", sig.String())
			case <-gctx.Done():
			}
			cancel()
			return nil
		})

		runErr := g.Wait()

		if err := s.Stop(); err != nil {
			return fmt.Errorf("failed to stop sentinel: %w", err)
		}
		logger.Infof("Sentinel system stopped successfully %+v", s.Stats())
		return runErr
	},
}

// consumeWrites applies write-document messages from the bus to the store
// until ctx is done.
func consumeWrites(ctx context.Context, cfg *config.Config, docs store.Store, logger *log.Logger) error {
	rc := cfg.Bus.Redis()
	client, err := bus.NewRedisClient(ctx, rc)
	if err != nil {
		return err
	}
	defer client.Close()

	schema, err := bus.CompileSchema(bus.WriteDocumentSchema, bus.WriteDocumentDefinition)
	if err != nil {
		return err
	}
	sub := &bus.Subscription[bus.WriteDocument]{
		Name:       "write-document",
		Schema:     schema,
		Handler:    bus.WriteDocumentHandler(docs, clock.Real{}),
		MaskFields: cfg.Bus.MaskFields,
		Logger:     logger,
	}
	return bus.NewRedisConsumer(client, rc, logger).Run(ctx, sub.Dispatch)
}

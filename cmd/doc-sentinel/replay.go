package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/web3tea/doc-sentinel/config"
	"github.com/web3tea/doc-sentinel/idempotency"
	"github.com/web3tea/doc-sentinel/pkg/log"
	"github.com/web3tea/doc-sentinel/store"
)

var replayCmd = &cli.Command{
	Name:      "replay",
	Usage:     "Clear the create bookkeeping of documents so their create handler runs again",
	ArgsUsage: "<path> [path...]",
	Flags:     []cli.Flag{configFlag},
	Action: func(ctx context.Context, c *cli.Command) error {
		if c.Args().Len() == 0 {
			return errors.New("at least one document path is required")
		}
		cfg, err := loadConfig(c)
		if err != nil {
			return err
		}
		if cfg.Capturer.Backend != config.BackendPostgres {
			return fmt.Errorf("replay needs the %s backend", config.BackendPostgres)
		}

		pool, err := store.Connect(ctx, cfg.Database)
		if err != nil {
			return err
		}
		logger := log.NewLogger(cfg.AppName, nil)
		docs := store.NewPostgresStore(pool, cfg.Schema, logger)
		defer docs.Close()

		return replay(ctx, idempotency.NewTracker(docs, logger), c.Args().Slice())
	},
}

func replay(ctx context.Context, tracker *idempotency.Tracker, paths []string) error {
	var errs []error
	for _, path := range paths {
		errs = append(errs, tracker.Clear(ctx, path, idempotency.PrefixOnCreate))
	}
	return errors.Join(errs...)
}

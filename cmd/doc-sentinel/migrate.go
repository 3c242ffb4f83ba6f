package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/web3tea/doc-sentinel/config"
	"github.com/web3tea/doc-sentinel/pkg/log"
	"github.com/web3tea/doc-sentinel/store"
)

var migrateCmd = &cli.Command{
	Name:  "migrate",
	Usage: "Create the documents table, the change outbox and the capture trigger",
	Flags: []cli.Flag{
		configFlag,
		&cli.BoolFlag{
			Name:  "print",
			Usage: "print the statements instead of executing them",
		},
	},
	Action: func(ctx context.Context, c *cli.Command) error {
		cfg, err := loadConfig(c)
		if err != nil {
			return err
		}

		if c.Bool("print") {
			for _, stmt := range cfg.Schema.WithDefaults().InstallStatements() {
				fmt.Fprintf(os.Stdout, "%s;\n\n", stmt)
			}
			return nil
		}

		if cfg.Capturer.Backend != config.BackendPostgres {
			return fmt.Errorf("migrate needs the %s backend", config.BackendPostgres)
		}

		pool, err := store.Connect(ctx, cfg.Database)
		if err != nil {
			return err
		}
		defer pool.Close()

		if err := store.Install(ctx, pool, cfg.Schema); err != nil {
			return err
		}
		log.Infof("installed schema into %s", cfg.Database.Database)
		return nil
	},
}

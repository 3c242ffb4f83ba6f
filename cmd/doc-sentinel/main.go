package main

import (
	"context"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/web3tea/doc-sentinel/pkg/log"
)

var configFlag = &cli.StringFlag{
	Name:    "config",
	Aliases: []string{"c"},
	Usage:   "path to a .toml, .json or .yaml config file",
}

func main() {
	cmd := &cli.Command{
		Name:  "doc-sentinel",
		Usage: "Run document lifecycle handlers for changes written to a document store",
		Commands: []*cli.Command{
			runCmd,
			migrateCmd,
			replayCmd,
			publishCmd,
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		log.Fatalf("%v", err)
	}
}

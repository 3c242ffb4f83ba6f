package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/urfave/cli/v3"

	"github.com/web3tea/doc-sentinel/bus"
)

var publishCmd = &cli.Command{
	Name:      "publish",
	Usage:     "Publish a write-document message to the bus",
	ArgsUsage: `'{"path":"users/u1","data":{"name":"ada"}}'`,
	Flags: []cli.Flag{
		configFlag,
		&cli.StringSliceFlag{
			Name:  "attr",
			Usage: "message attribute as key=value, may be repeated",
		},
	},
	Action: func(ctx context.Context, c *cli.Command) error {
		if c.Args().Len() != 1 {
			return errors.New("exactly one JSON message is required")
		}
		cfg, err := loadConfig(c)
		if err != nil {
			return err
		}
		attrs, err := parseAttrs(c.StringSlice("attr"))
		if err != nil {
			return err
		}

		client, err := bus.NewRedisClient(ctx, cfg.Bus.Redis())
		if err != nil {
			return err
		}
		defer client.Close()

		id, err := publishWrite(ctx, client, cfg.Bus.Stream, []byte(c.Args().First()), attrs)
		if err != nil {
			return err
		}
		fmt.Fprintln(os.Stdout, id)
		return nil
	},
}

// publishWrite rejects payloads the consumer would drop before they reach
// the stream.
func publishWrite(ctx context.Context, client redis.Cmdable, stream string, payload []byte, attrs map[string]string) (string, error) {
	schema, err := bus.CompileSchema(bus.WriteDocumentSchema, bus.WriteDocumentDefinition)
	if err != nil {
		return "", err
	}
	if err := schema.Validate(payload); err != nil {
		return "", err
	}
	return bus.Publish(ctx, client, stream, payload, attrs)
}

func parseAttrs(raw []string) (map[string]string, error) {
	attrs := make(map[string]string, len(raw))
	for _, kv := range raw {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid attribute %q, want key=value", kv)
		}
		if k == bus.PayloadField {
			return nil, fmt.Errorf("attribute %q is reserved", k)
		}
		attrs[k] = v
	}
	return attrs, nil
}

// Package sink provides ready-made handlers that report document changes.
package sink

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/web3tea/doc-sentinel/pkg/log"
	"github.com/web3tea/doc-sentinel/trigger"
)

type Sink interface {
	OnCreate(ctx context.Context, req trigger.CreateRequest) error
	OnUpdate(ctx context.Context, req trigger.UpdateRequest) error
	OnDelete(ctx context.Context, req trigger.DeleteRequest) error
	Close() error
	Type() string
}

// New builds a sink by type name: "console", "json" or "debug".
func New(typ string, out io.Writer, logger *log.Logger) (Sink, error) {
	switch typ {
	case "console", "":
		return NewConsoleSink(WithOutput(out)), nil
	case "json":
		return NewJSONSink(out), nil
	case "debug":
		return NewDebugSink(logger), nil
	default:
		return nil, fmt.Errorf("unknown sink type %q", typ)
	}
}

func CreateConfig(s Sink, maxRetries *int, maskFields []string) *trigger.CreateConfig {
	return &trigger.CreateConfig{Handler: s.OnCreate, MaxRetries: maxRetries, MaskFields: maskFields}
}

func UpdateConfig(s Sink, retryTimeout time.Duration, maskFields []string) *trigger.UpdateConfig {
	return &trigger.UpdateConfig{Handler: s.OnUpdate, RetryTimeout: retryTimeout, MaskFields: maskFields}
}

func DeleteConfig(s Sink) *trigger.DeleteConfig {
	return &trigger.DeleteConfig{Handler: s.OnDelete}
}

// Handlers selects which lifecycle events a sink handles for a collection.
type Handlers struct {
	OnCreate     bool
	OnUpdate     bool
	OnDelete     bool
	MaxRetries   *int
	RetryTimeout time.Duration
	MaskFields   []string
}

// Config builds the dispatcher config for s.
func Config(s Sink, h Handlers) trigger.Config {
	var cfg trigger.Config
	if h.OnCreate {
		cfg.OnCreate = CreateConfig(s, h.MaxRetries, h.MaskFields)
	}
	if h.OnUpdate {
		cfg.OnUpdate = UpdateConfig(s, h.RetryTimeout, h.MaskFields)
	}
	if h.OnDelete {
		cfg.OnDelete = DeleteConfig(s)
	}
	return cfg
}

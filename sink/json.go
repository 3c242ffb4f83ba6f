package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/web3tea/doc-sentinel/document"
	"github.com/web3tea/doc-sentinel/trigger"
)

// JSONSink writes one JSON line per change, for piping into other tools.
type JSONSink struct {
	out io.Writer
	mu  sync.Mutex
}

type jsonEvent struct {
	Kind       trigger.Kind      `json:"kind"`
	DeliveryID string            `json:"delivery_id"`
	Path       string            `json:"path"`
	ID         string            `json:"id"`
	AuthType   string            `json:"auth_type"`
	AuthID     string            `json:"auth_id,omitempty"`
	Params     map[string]string `json:"params,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
	Before     document.Record   `json:"before,omitempty"`
	After      document.Record   `json:"after,omitempty"`
}

func NewJSONSink(out io.Writer) *JSONSink {
	if out == nil {
		out = os.Stdout
	}
	return &JSONSink{out: out}
}

func (s *JSONSink) OnCreate(ctx context.Context, req trigger.CreateRequest) error {
	return s.write(trigger.KindCreate, req.Context, nil, req.Document)
}

func (s *JSONSink) OnUpdate(ctx context.Context, req trigger.UpdateRequest) error {
	return s.write(trigger.KindUpdate, req.Context, req.Before, req.After)
}

func (s *JSONSink) OnDelete(ctx context.Context, req trigger.DeleteRequest) error {
	return s.write(trigger.KindDelete, req.Context, req.Document, nil)
}

func (s *JSONSink) write(kind trigger.Kind, ectx trigger.EventContext, before, after document.Record) error {
	data, err := json.Marshal(jsonEvent{
		Kind:       kind,
		DeliveryID: ectx.DeliveryID,
		Path:       ectx.Path,
		ID:         ectx.CompoundID,
		AuthType:   ectx.AuthType,
		AuthID:     ectx.AuthID,
		Params:     ectx.Params,
		Timestamp:  ectx.Timestamp,
		Before:     before.WithoutBookkeeping(),
		After:      after.WithoutBookkeeping(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal %s event for %s: %w", kind, ectx.Path, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = fmt.Fprintln(s.out, string(data))
	return err
}

func (s *JSONSink) Close() error {
	return nil
}

func (s *JSONSink) Type() string {
	return "json"
}

var _ Sink = (*JSONSink)(nil)

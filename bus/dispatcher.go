// Package bus consumes messages from the message bus, validates them against
// a schema and hands them to typed handlers.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/web3tea/doc-sentinel/pkg/log"
	"github.com/web3tea/doc-sentinel/pkg/mask"
)

// RawMessage is a message as it came off the bus.
type RawMessage struct {
	ID          string
	Stream      string
	Payload     []byte
	Attributes  map[string]string
	PublishedAt time.Time
}

// Message is a validated message decoded into T.
type Message[T any] struct {
	Record T
	Logger *log.Logger
	Raw    RawMessage
}

type Handler[T any] func(ctx context.Context, msg Message[T]) error

// Subscription binds a schema and a handler to messages of one kind.
type Subscription[T any] struct {
	Name       string
	Schema     *Schema
	Handler    Handler[T]
	MaskFields []string
	Logger     *log.Logger
}

// Dispatch validates raw and runs the handler. Invalid messages are logged
// and dropped (nil). Handler errors are returned so the bus redelivers.
func (s *Subscription[T]) Dispatch(ctx context.Context, raw RawMessage) error {
	logger := s.Logger
	if logger == nil {
		logger = log.Nop()
	}
	logger = logger.WithGroup(s.Name).With("message_id", raw.ID)

	var data map[string]any
	if err := json.Unmarshal(raw.Payload, &data); err != nil {
		logger.With("errors", []FieldError{{Message: err.Error()}}).
			Warnf("dropping message: payload is not a JSON object")
		return nil
	}
	logger.With("data", mask.Fields(data, s.MaskFields)).Infof("message received")

	if s.Schema != nil {
		if err := s.Schema.Validate(raw.Payload); err != nil {
			var verr *ValidationError
			if errors.As(err, &verr) {
				logger.With("errors", verr.Errors).Warnf("dropping message: %v", verr)
				return nil
			}
			logger.Errorf("validation failed: %v", err)
			return err
		}
	}

	var record T
	if err := json.Unmarshal(raw.Payload, &record); err != nil {
		logger.With("errors", []FieldError{{Message: err.Error()}}).
			Warnf("dropping message: cannot decode into record")
		return nil
	}

	step := logger.StartStep(s.Name)
	defer step.End()

	if err := s.Handler(ctx, Message[T]{Record: record, Logger: step.Logger(), Raw: raw}); err != nil {
		logger.Errorf("handler failed: %v", err)
		return err
	}
	return nil
}

package sink

import (
	"context"

	"github.com/web3tea/doc-sentinel/document"
	"github.com/web3tea/doc-sentinel/pkg/log"
	"github.com/web3tea/doc-sentinel/trigger"
)

// DebugSink only logs which documents changed, at debug level.
type DebugSink struct {
	logger *log.Logger
}

func NewDebugSink(logger *log.Logger) *DebugSink {
	if logger == nil {
		logger = log.Nop()
	}
	return &DebugSink{logger: logger.WithGroup("sink")}
}

func (s *DebugSink) OnCreate(ctx context.Context, req trigger.CreateRequest) error {
	s.logger.Debugf("DebugSink create %s (%s): %d fields", req.Context.Path, req.Context.DeliveryID, len(req.Document))
	return nil
}

func (s *DebugSink) OnUpdate(ctx context.Context, req trigger.UpdateRequest) error {
	s.logger.Debugf("DebugSink update %s (%s): changed %v", req.Context.Path, req.Context.DeliveryID,
		document.DiffKeys(req.Before, req.After))
	return nil
}

func (s *DebugSink) OnDelete(ctx context.Context, req trigger.DeleteRequest) error {
	s.logger.Debugf("DebugSink delete %s (%s)", req.Context.Path, req.Context.DeliveryID)
	return nil
}

// Close implements Sink.
func (s *DebugSink) Close() error {
	s.logger.Debugf("DebugSink Close")
	return nil
}

// Type implements Sink.
func (s *DebugSink) Type() string {
	return "debug"
}

var _ Sink = (*DebugSink)(nil)

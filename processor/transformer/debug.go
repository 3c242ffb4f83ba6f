package transformer

import (
	"github.com/web3tea/doc-sentinel/capturer"
	"github.com/web3tea/doc-sentinel/pkg/log"
)

type DebugTransformer struct {
	logger *log.Logger
}

func NewDebugTransformer(logger *log.Logger) *DebugTransformer {
	if logger == nil {
		logger = log.Nop()
	}
	return &DebugTransformer{logger: logger.WithGroup("transformer")}
}

func (t *DebugTransformer) Name() string {
	return "debug"
}

// Process implements processor.EventProcessor.
func (t *DebugTransformer) Process(d *capturer.Delivery) (*capturer.Delivery, error) {
	t.logger.Debugf("transform delivery %s: %s (attempt %d)", d.Notification.DeliveryID, d.Notification.Path, d.Attempt)
	return d, nil
}

var _ Transformer = (*DebugTransformer)(nil)

package filter

import (
	"github.com/web3tea/doc-sentinel/capturer"
	"github.com/web3tea/doc-sentinel/pkg/log"
)

// DebugFilter keeps everything and logs what passes through.
type DebugFilter struct {
	logger *log.Logger
}

func NewDebugFilter(logger *log.Logger) *DebugFilter {
	if logger == nil {
		logger = log.Nop()
	}
	return &DebugFilter{logger: logger.WithGroup("filter")}
}

func (f *DebugFilter) Name() string {
	return "debug"
}

func (f *DebugFilter) Process(d *capturer.Delivery) (*capturer.Delivery, error) {
	f.logger.Debugf("filter delivery %s: %s", d.Notification.DeliveryID, d.Notification.Path)
	return d, nil
}

var _ Filter = (*DebugFilter)(nil)

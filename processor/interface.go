package processor

import (
	"github.com/web3tea/doc-sentinel/capturer"
)

// EventProcessor inspects a delivery before dispatch. Returning a nil
// delivery drops it; the caller acknowledges dropped deliveries.
type EventProcessor interface {
	Process(d *capturer.Delivery) (*capturer.Delivery, error)
}

type ProcessorComposite interface {
	AddFilter(processor EventProcessor)
	AddTransformer(processor EventProcessor)
}

type Processor interface {
	EventProcessor
	ProcessorComposite
}

// Package processor runs filters and transformers over deliveries before
// they reach the dispatchers.
package processor

import (
	"fmt"
	"sync"

	"github.com/web3tea/doc-sentinel/capturer"
)

// ProcessorChain runs every filter, then every transformer, in the order
// they were added.
type ProcessorChain struct {
	filterProcessor      []EventProcessor
	transformerProcessor []EventProcessor
	lk                   sync.Mutex
}

func NewProcessorChain() *ProcessorChain {
	return &ProcessorChain{
		filterProcessor:      make([]EventProcessor, 0),
		transformerProcessor: make([]EventProcessor, 0),
	}
}

// Process implements EventProcessor.
func (pc *ProcessorChain) Process(d *capturer.Delivery) (*capturer.Delivery, error) {
	pc.lk.Lock()
	chain := make([]EventProcessor, 0, len(pc.filterProcessor)+len(pc.transformerProcessor))
	chain = append(chain, pc.filterProcessor...)
	chain = append(chain, pc.transformerProcessor...)
	pc.lk.Unlock()

	current := d
	for _, p := range chain {
		processed, err := p.Process(current)
		if err != nil {
			return current, fmt.Errorf("process delivery %s: %w", current.Notification.DeliveryID, err)
		}
		if processed == nil {
			return nil, nil
		}
		current = processed
	}
	return current, nil
}

func (pc *ProcessorChain) AddFilter(processor EventProcessor) {
	pc.lk.Lock()
	defer pc.lk.Unlock()

	pc.filterProcessor = append(pc.filterProcessor, processor)
}

func (pc *ProcessorChain) AddTransformer(processor EventProcessor) {
	pc.lk.Lock()
	defer pc.lk.Unlock()

	pc.transformerProcessor = append(pc.transformerProcessor, processor)
}

var _ Processor = (*ProcessorChain)(nil)

package processor

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3tea/doc-sentinel/capturer"
	"github.com/web3tea/doc-sentinel/trigger"
)

type funcProcessor func(d *capturer.Delivery) (*capturer.Delivery, error)

func (f funcProcessor) Process(d *capturer.Delivery) (*capturer.Delivery, error) { return f(d) }

func delivery(path string) *capturer.Delivery {
	return &capturer.Delivery{ChangeID: 1, Attempt: 1, Notification: trigger.Notification{Path: path, DeliveryID: "1-1"}}
}

func TestProcessorChain(t *testing.T) {
	var order []string
	record := func(name string) EventProcessor {
		return funcProcessor(func(d *capturer.Delivery) (*capturer.Delivery, error) {
			order = append(order, name)
			return d, nil
		})
	}

	pc := NewProcessorChain()
	pc.AddTransformer(record("transform"))
	pc.AddFilter(record("filter-1"))
	pc.AddFilter(record("filter-2"))

	d := delivery("users/u1")
	out, err := pc.Process(d)
	require.NoError(t, err)
	assert.Same(t, d, out)
	assert.Equal(t, []string{"filter-1", "filter-2", "transform"}, order)
}

func TestProcessorChainDrop(t *testing.T) {
	transformed := false
	pc := NewProcessorChain()
	pc.AddFilter(funcProcessor(func(d *capturer.Delivery) (*capturer.Delivery, error) { return nil, nil }))
	pc.AddTransformer(funcProcessor(func(d *capturer.Delivery) (*capturer.Delivery, error) {
		transformed = true
		return d, nil
	}))

	out, err := pc.Process(delivery("users/u1"))
	require.NoError(t, err)
	assert.Nil(t, out)
	assert.False(t, transformed)
}

func TestProcessorChainError(t *testing.T) {
	boom := errors.New("boom")
	pc := NewProcessorChain()
	pc.AddFilter(funcProcessor(func(d *capturer.Delivery) (*capturer.Delivery, error) { return nil, boom }))

	d := delivery("users/u1")
	out, err := pc.Process(d)
	assert.ErrorIs(t, err, boom)
	assert.Same(t, d, out)
}

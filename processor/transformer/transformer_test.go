package transformer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3tea/doc-sentinel/capturer"
	"github.com/web3tea/doc-sentinel/trigger"
)

func TestStaticParams(t *testing.T) {
	tr := NewStaticParams(map[string]string{"region": "eu", "env": "prod"})

	d := &capturer.Delivery{Notification: trigger.Notification{Path: "users/u1", Params: map[string]string{"env": "staging"}}}
	out, err := tr.Process(d)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"region": "eu", "env": "staging"}, out.Notification.Params)
	assert.Equal(t, map[string]string{"env": "staging"}, d.Notification.Params)

	empty := NewStaticParams(nil)
	out, err = empty.Process(d)
	require.NoError(t, err)
	assert.Same(t, d, out)
}

func TestDebugTransformer(t *testing.T) {
	d := &capturer.Delivery{Attempt: 2}
	out, err := NewDebugTransformer(nil).Process(d)
	require.NoError(t, err)
	assert.Same(t, d, out)
}

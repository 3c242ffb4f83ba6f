package transformer

import (
	"maps"

	"github.com/web3tea/doc-sentinel/capturer"
)

// StaticParams adds fixed params (deployment name, region, ...) to every
// notification. Params already present win.
type StaticParams struct {
	params map[string]string
}

func NewStaticParams(params map[string]string) *StaticParams {
	return &StaticParams{params: maps.Clone(params)}
}

func (t *StaticParams) Name() string {
	return "static_params"
}

func (t *StaticParams) Process(d *capturer.Delivery) (*capturer.Delivery, error) {
	if len(t.params) == 0 {
		return d, nil
	}
	out := *d
	params := maps.Clone(t.params)
	maps.Copy(params, d.Notification.Params)
	out.Notification.Params = params
	return &out, nil
}

var _ Transformer = (*StaticParams)(nil)

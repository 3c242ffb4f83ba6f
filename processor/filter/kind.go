package filter

import (
	"fmt"

	"github.com/samber/lo"

	"github.com/web3tea/doc-sentinel/capturer"
	"github.com/web3tea/doc-sentinel/trigger"
)

// KindFilter keeps creates, updates or deletes as configured. Invalid
// notifications are kept so the dispatcher reports them.
type KindFilter struct {
	kinds map[trigger.Kind]struct{}
}

func NewKindFilter(kinds ...string) (*KindFilter, error) {
	known := []trigger.Kind{trigger.KindCreate, trigger.KindUpdate, trigger.KindDelete}
	f := &KindFilter{kinds: map[trigger.Kind]struct{}{}}
	for _, k := range kinds {
		kind := trigger.Kind(k)
		if !lo.Contains(known, kind) {
			return nil, fmt.Errorf("unknown event kind %q", k)
		}
		f.kinds[kind] = struct{}{}
	}
	return f, nil
}

func (f *KindFilter) Name() string {
	return "kind"
}

func (f *KindFilter) Process(d *capturer.Delivery) (*capturer.Delivery, error) {
	if len(f.kinds) == 0 {
		return d, nil
	}
	kind, err := trigger.Classify(d.Notification)
	if err != nil {
		return d, nil
	}
	if _, ok := f.kinds[kind]; !ok {
		return nil, nil
	}
	return d, nil
}

var _ Filter = (*KindFilter)(nil)

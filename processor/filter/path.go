package filter

import (
	"fmt"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/web3tea/doc-sentinel/capturer"
)

// ExcludePaths drops deliveries whose document path matches any glob, e.g.
// "audit/**" or "users/*/sessions/*".
type ExcludePaths struct {
	globs []string
}

func NewExcludePaths(globs ...string) (*ExcludePaths, error) {
	for _, g := range globs {
		if !doublestar.ValidatePattern(g) {
			return nil, fmt.Errorf("invalid path glob %q", g)
		}
	}
	return &ExcludePaths{globs: globs}, nil
}

func (f *ExcludePaths) Name() string {
	return "exclude_paths"
}

func (f *ExcludePaths) Process(d *capturer.Delivery) (*capturer.Delivery, error) {
	for _, g := range f.globs {
		// the pattern was validated, so Match cannot fail
		if ok, _ := doublestar.Match(g, d.Notification.Path); ok {
			return nil, nil
		}
	}
	return d, nil
}

var _ Filter = (*ExcludePaths)(nil)

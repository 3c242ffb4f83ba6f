package trigger

import (
	"context"
	"fmt"
	"maps"
	"sync"

	"github.com/web3tea/doc-sentinel/document"
	"github.com/web3tea/doc-sentinel/idempotency"
	"github.com/web3tea/doc-sentinel/pkg/log"
)

type route struct {
	pattern    document.Pattern
	dispatcher *Dispatcher
}

// Router sends each notification to the dispatcher registered for the first
// pattern matching its path, filling Params from the pattern wildcards.
type Router struct {
	tracker *idempotency.Tracker
	options []Option
	logger  *log.Logger

	mu     sync.RWMutex
	routes []route
}

func NewRouter(tracker *idempotency.Tracker, logger *log.Logger, options ...Option) *Router {
	if logger == nil {
		logger = log.Nop()
	}
	return &Router{
		tracker: tracker,
		options: append([]Option{WithLogger(logger)}, options...),
		logger:  logger.WithGroup("router"),
	}
}

// Register adds the handlers of the collection addressed by pattern, e.g.
// "users/{userId}/orders/{orderId}".
func (r *Router) Register(pattern string, cfg Config) (*Dispatcher, error) {
	p, err := document.ParsePattern(pattern)
	if err != nil {
		return nil, fmt.Errorf("register %q: %w", pattern, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, rt := range r.routes {
		if rt.pattern.String() == pattern {
			return nil, fmt.Errorf("register %q: already registered", pattern)
		}
	}
	d := NewDispatcher(pattern, cfg, r.tracker, r.options...)
	r.routes = append(r.routes, route{pattern: p, dispatcher: d})
	r.logger.Infof("registered handlers for %s (create=%t update=%t delete=%t)",
		pattern, cfg.hasCreate(), cfg.hasUpdate(), cfg.hasDelete())
	return d, nil
}

func (r *Router) Patterns() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.routes))
	for _, rt := range r.routes {
		out = append(out, rt.pattern.String())
	}
	return out
}

// Dispatch routes n. Paths no pattern matches are acknowledged.
func (r *Router) Dispatch(ctx context.Context, n Notification) error {
	r.mu.RLock()
	routes := r.routes
	r.mu.RUnlock()

	for _, rt := range routes {
		params, ok := rt.pattern.Match(n.Path)
		if !ok {
			continue
		}
		if len(n.Params) > 0 {
			merged := maps.Clone(n.Params)
			maps.Copy(merged, params)
			params = merged
		}
		n.Params = params
		return rt.dispatcher.Dispatch(ctx, n)
	}

	r.logger.Debugf("no handlers for %s, delivery %s acknowledged", n.Path, n.DeliveryID)
	return nil
}

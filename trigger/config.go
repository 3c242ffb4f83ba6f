package trigger

import (
	"context"
	"time"

	"github.com/samber/lo"
)

// DefaultRetryTimeout bounds the age of update notifications that are still
// worth handling.
const DefaultRetryTimeout = 600000 * time.Millisecond

type (
	CreateHandler func(ctx context.Context, req CreateRequest) error
	UpdateHandler func(ctx context.Context, req UpdateRequest) error
	DeleteHandler func(ctx context.Context, req DeleteRequest) error
)

// CreateConfig configures the create handler. A nil MaxRetries leaves the
// retry counter unbounded.
type CreateConfig struct {
	Handler    CreateHandler
	MaxRetries *int
	MaskFields []string
}

// UpdateConfig configures the update handler. Notifications older than
// RetryTimeout are dropped; zero means DefaultRetryTimeout.
type UpdateConfig struct {
	Handler      UpdateHandler
	RetryTimeout time.Duration
	MaskFields   []string
}

type DeleteConfig struct {
	Handler DeleteHandler
}

// Config holds the handlers of one collection. Any of them may be nil.
type Config struct {
	OnCreate *CreateConfig
	OnUpdate *UpdateConfig
	OnDelete *DeleteConfig
}

func (c Config) hasCreate() bool {
	return c.OnCreate != nil && c.OnCreate.Handler != nil
}

func (c Config) hasUpdate() bool {
	return c.OnUpdate != nil && c.OnUpdate.Handler != nil
}

func (c Config) hasDelete() bool {
	return c.OnDelete != nil && c.OnDelete.Handler != nil
}

func (c Config) createMask() []string {
	if c.OnCreate == nil {
		return nil
	}
	return c.OnCreate.MaskFields
}

func (c Config) updateMask() []string {
	if c.OnUpdate == nil {
		return nil
	}
	return c.OnUpdate.MaskFields
}

// deleteMask has no setting of its own; a deleted snapshot is masked with
// everything the other handlers mask.
func (c Config) deleteMask() []string {
	return lo.Uniq(append(append([]string{}, c.createMask()...), c.updateMask()...))
}

func (c Config) retryTimeout() time.Duration {
	if c.OnUpdate == nil || c.OnUpdate.RetryTimeout <= 0 {
		return DefaultRetryTimeout
	}
	return c.OnUpdate.RetryTimeout
}

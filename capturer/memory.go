package capturer

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/web3tea/doc-sentinel/pkg/clock"
	"github.com/web3tea/doc-sentinel/pkg/log"
	"github.com/web3tea/doc-sentinel/store"
)

// NewMemoryCapturer captures the writes of a MemoryStore with the same
// retry and lease rules as the Postgres outbox.
func NewMemoryCapturer(s *store.MemoryStore, cfg Config, logger *log.Logger) *OutboxCapturer {
	return newMemoryCapturer(s, cfg, logger, clock.Real{})
}

func newMemoryCapturer(s *store.MemoryStore, cfg Config, logger *log.Logger, clk clock.Clock) *OutboxCapturer {
	o := &memoryOutbox{clock: clk}
	s.OnChange(o.record)
	return newOutboxCapturer(o, cfg, logger)
}

type memoryChange struct {
	change
	nextAttemptAt time.Time
	lastErr       string
	done          bool
	abandoned     bool
}

type memoryOutbox struct {
	clock clock.Clock

	mu      sync.Mutex
	nextID  int64
	changes map[int64]*memoryChange
	wake    func()
}

func (o *memoryOutbox) record(c store.Change) {
	o.mu.Lock()
	if o.changes == nil {
		o.changes = map[int64]*memoryChange{}
	}
	o.nextID++
	now := o.clock.Now()
	mc := &memoryChange{
		change: change{
			ID:        o.nextID,
			Path:      c.Path,
			Before:    snapshot(c.Before),
			After:     snapshot(c.After),
			AuthType:  c.Auth.Type,
			ChangedAt: c.Time,
		},
		nextAttemptAt: now,
	}
	if c.Auth.ID != "" {
		id := c.Auth.ID
		mc.AuthID = &id
	}
	o.changes[mc.ID] = mc
	wake := o.wake
	o.mu.Unlock()

	if wake != nil {
		wake()
	}
}

func snapshot(doc map[string]any) []byte {
	if doc == nil {
		return nil
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil
	}
	return raw
}

func (o *memoryOutbox) claim(ctx context.Context, limit int, lease time.Duration) ([]change, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	now := o.clock.Now()
	var out []change
	for _, mc := range o.changes {
		if mc.done || mc.abandoned || mc.nextAttemptAt.After(now) {
			continue
		}
		out = append(out, mc.change)
	}
	sortChanges(out)
	if len(out) > limit {
		out = out[:limit]
	}
	for _, c := range out {
		o.changes[c.ID].nextAttemptAt = now.Add(lease)
	}
	return out, nil
}

func (o *memoryOutbox) complete(ctx context.Context, id int64) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if mc, ok := o.changes[id]; ok {
		mc.done = true
		mc.lastErr = ""
	}
	return nil
}

func (o *memoryOutbox) fail(ctx context.Context, id int64, attempts int, lastErr string, retryIn time.Duration, abandon bool) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	mc, ok := o.changes[id]
	if !ok || mc.done || mc.Attempts >= attempts {
		return nil
	}
	mc.Attempts = attempts
	mc.lastErr = lastErr
	mc.nextAttemptAt = o.clock.Now().Add(retryIn)
	mc.abandoned = abandon
	return nil
}

func (o *memoryOutbox) listen(ctx context.Context, wake func()) error {
	o.mu.Lock()
	o.wake = wake
	o.mu.Unlock()

	<-ctx.Done()

	o.mu.Lock()
	o.wake = nil
	o.mu.Unlock()
	return nil
}

// pending reports changes neither done nor abandoned.
func (o *memoryOutbox) pending() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for _, mc := range o.changes {
		if !mc.done && !mc.abandoned {
			n++
		}
	}
	return n
}

func sortChanges(changes []change) {
	sort.Slice(changes, func(i, j int) bool { return changes[i].ID < changes[j].ID })
}

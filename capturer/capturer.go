// Package capturer turns rows of the change outbox into deliveries for the
// dispatchers. Delivery is at-least-once: a row is handed out again until it
// is acknowledged, after a failed attempt or once its lease expires.
package capturer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/web3tea/doc-sentinel/pkg/log"
)

type Capturer interface {
	Start(ctx context.Context) error

	Stop() error

	Events() <-chan *Delivery

	// ACK settles a delivery. A nil result marks the change done; an error
	// schedules a retry, or abandons the change once MaxAttempts is reached.
	ACK(ctx context.Context, d *Delivery, result error) error
}

type Config struct {
	BatchSize       int
	PollInterval    time.Duration
	MaxAttempts     int
	BackoffBase     time.Duration
	BackoffMax      time.Duration
	LeaseTimeout    time.Duration
	EventBufferSize int
}

func DefaultConfig() Config {
	return Config{
		BatchSize:       100,
		PollInterval:    time.Second,
		MaxAttempts:     10,
		BackoffBase:     time.Second,
		BackoffMax:      5 * time.Minute,
		LeaseTimeout:    time.Minute,
		EventBufferSize: 32,
	}
}

// WithDefaults replaces unset fields with DefaultConfig values. MaxAttempts
// below zero means unbounded.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = d.BackoffBase
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = d.BackoffMax
	}
	if c.BackoffMax < c.BackoffBase {
		c.BackoffMax = c.BackoffBase
	}
	if c.LeaseTimeout <= 0 {
		c.LeaseTimeout = d.LeaseTimeout
	}
	if c.EventBufferSize <= 0 {
		c.EventBufferSize = d.EventBufferSize
	}
	return c
}

// Backoff is the delay before the attempt following the given failed one:
// base doubled per failure, capped at max.
func Backoff(base, max time.Duration, failedAttempt int) time.Duration {
	if failedAttempt < 1 {
		return base
	}
	shift := failedAttempt - 1
	if shift >= 32 {
		return max
	}
	d := base << shift
	if d <= 0 || d > max {
		return max
	}
	return d
}

// outbox is the storage side of a capturer.
type outbox interface {
	// claim leases up to limit pending changes whose next attempt is due.
	claim(ctx context.Context, limit int, lease time.Duration) ([]change, error)

	complete(ctx context.Context, id int64) error

	// fail records attempts failed attempts; the change becomes due again
	// after retryIn unless abandon is set.
	fail(ctx context.Context, id int64, attempts int, lastErr string, retryIn time.Duration, abandon bool) error

	// listen calls wake whenever new changes may be pending and blocks until
	// ctx is done or the notification source fails.
	listen(ctx context.Context, wake func()) error
}

// OutboxCapturer polls an outbox, woken early by change notifications.
type OutboxCapturer struct {
	outbox outbox
	cfg    Config
	logger *log.Logger

	events chan *Delivery
	wake   chan struct{}

	mu      sync.Mutex
	running bool
	stopped bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func newOutboxCapturer(o outbox, cfg Config, logger *log.Logger) *OutboxCapturer {
	if logger == nil {
		logger = log.Nop()
	}
	cfg = cfg.WithDefaults()
	return &OutboxCapturer{
		outbox: o,
		cfg:    cfg,
		logger: logger.WithGroup("capturer"),
		events: make(chan *Delivery, cfg.EventBufferSize),
		wake:   make(chan struct{}, 1),
	}
}

func (c *OutboxCapturer) Config() Config {
	return c.cfg
}

// Start implements Capturer.
func (c *OutboxCapturer) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return fmt.Errorf("capturer already running")
	}
	if c.stopped {
		return fmt.Errorf("capturer stopped")
	}

	ctx, c.cancel = context.WithCancel(ctx)
	c.running = true

	c.wg.Add(2)
	go c.listen(ctx)
	go c.poll(ctx)

	c.logger.Infof("capturer started (batch=%d poll=%s max_attempts=%d)",
		c.cfg.BatchSize, c.cfg.PollInterval, c.cfg.MaxAttempts)
	return nil
}

// Stop implements Capturer. Events is closed once the pollers exit.
func (c *OutboxCapturer) Stop() error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return fmt.Errorf("capturer not running")
	}
	c.running = false
	c.stopped = true
	c.cancel()
	c.mu.Unlock()

	c.wg.Wait()
	close(c.events)
	c.logger.Infof("capturer stopped")
	return nil
}

func (c *OutboxCapturer) Events() <-chan *Delivery {
	return c.events
}

func (c *OutboxCapturer) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// ACK implements Capturer.
func (c *OutboxCapturer) ACK(ctx context.Context, d *Delivery, result error) error {
	if result == nil {
		if err := c.outbox.complete(ctx, d.ChangeID); err != nil {
			return fmt.Errorf("ack change %d: %w", d.ChangeID, err)
		}
		c.logger.Debugf("change %d done after %d attempt(s)", d.ChangeID, d.Attempt)
		return nil
	}

	if c.cfg.MaxAttempts > 0 && d.Attempt >= c.cfg.MaxAttempts {
		c.logger.With("path", d.Notification.Path).
			Errorf("abandoning change %d after %d attempts: %v", d.ChangeID, d.Attempt, result)
		if err := c.outbox.fail(ctx, d.ChangeID, d.Attempt, result.Error(), 0, true); err != nil {
			return fmt.Errorf("abandon change %d: %w", d.ChangeID, err)
		}
		return nil
	}

	delay := Backoff(c.cfg.BackoffBase, c.cfg.BackoffMax, d.Attempt)
	c.logger.With("path", d.Notification.Path).
		Warnf("change %d failed on attempt %d, retrying in %s: %v", d.ChangeID, d.Attempt, delay, result)
	if err := c.outbox.fail(ctx, d.ChangeID, d.Attempt, result.Error(), delay, false); err != nil {
		return fmt.Errorf("reschedule change %d: %w", d.ChangeID, err)
	}
	return nil
}

func (c *OutboxCapturer) notify() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *OutboxCapturer) listen(ctx context.Context) {
	defer c.wg.Done()

	for {
		err := c.outbox.listen(ctx, c.notify)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			c.logger.Warnf("change notifications unavailable, polling only: %v", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(c.cfg.PollInterval):
		}
	}
}

func (c *OutboxCapturer) poll(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		c.drain(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-c.wake:
		}
	}
}

// drain claims batches until the outbox has nothing due. Changes claimed but
// not handed out before shutdown come back when their lease expires.
func (c *OutboxCapturer) drain(ctx context.Context) {
	for {
		changes, err := c.outbox.claim(ctx, c.cfg.BatchSize, c.cfg.LeaseTimeout)
		if err != nil {
			if ctx.Err() == nil {
				c.logger.Errorf("claim changes: %v", err)
			}
			return
		}
		for _, ch := range changes {
			d := ch.delivery()
			select {
			case c.events <- d:
			case <-ctx.Done():
				return
			}
		}
		if len(changes) < c.cfg.BatchSize {
			return
		}
	}
}

var _ Capturer = (*OutboxCapturer)(nil)

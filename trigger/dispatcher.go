package trigger

import (
	"context"
	"errors"

	"github.com/web3tea/doc-sentinel/document"
	"github.com/web3tea/doc-sentinel/idempotency"
	"github.com/web3tea/doc-sentinel/pkg/clock"
	"github.com/web3tea/doc-sentinel/pkg/log"
	"github.com/web3tea/doc-sentinel/pkg/mask"
)

// Dispatcher turns change notifications of one collection into handler
// calls. A returned error asks the platform to redeliver; nil means done.
type Dispatcher struct {
	name    string
	cfg     Config
	tracker *idempotency.Tracker
	clock   clock.Clock
	logger  *log.Logger
}

type Option func(*Dispatcher)

func WithClock(c clock.Clock) Option {
	return func(d *Dispatcher) {
		if c != nil {
			d.clock = c
		}
	}
}

func WithLogger(l *log.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

func NewDispatcher(name string, cfg Config, tracker *idempotency.Tracker, options ...Option) *Dispatcher {
	d := &Dispatcher{
		name:    name,
		cfg:     cfg,
		tracker: tracker,
		clock:   clock.Real{},
		logger:  log.Nop(),
	}
	for _, opt := range options {
		opt(d)
	}
	d.logger = d.logger.WithGroup(name)
	return d
}

func (d *Dispatcher) Name() string {
	return d.name
}

func (d *Dispatcher) Dispatch(ctx context.Context, n Notification) error {
	kind, err := Classify(n)
	if err != nil {
		// Redelivering a notification without snapshots cannot help.
		d.logger.Errorf("dropping notification %s: %v", n.DeliveryID, err)
		return nil
	}

	id := document.CompoundID(n.Path)
	ectx := EventContext{
		DeliveryID: n.DeliveryID,
		AuthType:   n.AuthType,
		AuthID:     n.AuthID,
		Params:     n.Params,
		Timestamp:  n.Timestamp,
		Path:       n.Path,
		CompoundID: id,
	}
	logger := d.logger.
		With("path", n.Path).
		With("id", id).
		With("delivery_id", n.DeliveryID).
		With("kind", string(kind))

	switch kind {
	case KindCreate:
		return d.onCreate(ctx, n.After, ectx, logger)
	case KindUpdate:
		return d.onUpdate(ctx, n, ectx, logger)
	default:
		return d.onDelete(ctx, n, ectx, logger)
	}
}

func (d *Dispatcher) onCreate(ctx context.Context, data document.Record, ectx EventContext, logger *log.Logger) error {
	logger.With("data", mask.Fields(data, d.cfg.createMask())).Infof("document created")

	if !d.cfg.hasCreate() {
		return nil
	}
	cfg := d.cfg.OnCreate

	res, err := d.tracker.Check(ctx, ectx.Path, idempotency.PrefixOnCreate, ectx.DeliveryID, cfg.MaxRetries)
	if err != nil {
		if errors.Is(err, idempotency.ErrMaxRetriesReached) {
			logger.Errorf("create handler will not run: %v", err)
			return err
		}
		logger.Errorf("idempotency check failed: %v", err)
		if resetErr := d.tracker.Reset(ctx, ectx.Path, idempotency.PrefixOnCreate); resetErr != nil {
			logger.Criticalf("failed to reset bookkeeping after %v: %v", err, resetErr)
		}
		return err
	}
	if res.HasBeenProcessed {
		logger.Infof("delivery already processed, skipping create handler")
		return nil
	}

	step := logger.StartStep("onCreate")
	defer step.End()

	err = cfg.Handler(ctx, CreateRequest{
		Context:  ectx,
		Document: res.Document.WithID(ectx.CompoundID),
		Logger:   step.Logger(),
	})
	if err != nil {
		logger.Errorf("create handler failed (%s, retries %d): %v", res.Outcome, res.State.Retries, err)
		return err
	}
	return nil
}

func (d *Dispatcher) onUpdate(ctx context.Context, n Notification, ectx EventContext, logger *log.Logger) error {
	if d.cfg.hasCreate() && idempotency.Cleared(n.After, idempotency.PrefixOnCreate) {
		logger.Infof("create bookkeeping is unset, replaying update as create")
		return d.onCreate(ctx, n.After, ectx, logger.With("replay", true))
	}

	logger.
		With("before", mask.Fields(n.Before, d.cfg.updateMask())).
		With("after", mask.Fields(n.After, d.cfg.updateMask())).
		Infof("document updated")

	d.checkMonotonic(n, logger)

	if !d.cfg.hasUpdate() {
		return nil
	}
	if document.OnlyBookkeepingChanged(n.Before, n.After) {
		logger.Debugf("only bookkeeping fields changed, skipping update handler")
		return nil
	}

	timeout := d.cfg.retryTimeout()
	if age := d.clock.Now().Sub(n.Timestamp); age > timeout {
		logger.Errorf("dropping stale update: notification is %s old, limit %s", age, timeout)
		return nil
	}

	step := logger.StartStep("onUpdate")
	defer step.End()

	err := d.cfg.OnUpdate.Handler(ctx, UpdateRequest{
		Context: ectx,
		Before:  n.Before.WithID(ectx.CompoundID),
		After:   n.After.WithID(ectx.CompoundID),
		Logger:  step.Logger(),
	})
	if err != nil {
		logger.Errorf("update handler failed: %v", err)
		return err
	}
	return nil
}

// checkMonotonic warns when data changed without updatedAt moving forward,
// which means some writer upstream does not maintain it. Processing goes on.
func (d *Dispatcher) checkMonotonic(n Notification, logger *log.Logger) {
	before, okBefore := n.Before.Time(document.FieldUpdatedAt)
	after, okAfter := n.After.Time(document.FieldUpdatedAt)
	if !okBefore || !okAfter {
		return
	}
	if !after.After(before) && document.DataChanged(n.Before, n.After) {
		logger.With("changed", document.DiffKeys(n.Before.WithoutBookkeeping(), n.After.WithoutBookkeeping())).
			Warnf("fields changed but %s did not advance (%s -> %s)", document.FieldUpdatedAt, before, after)
	}
}

func (d *Dispatcher) onDelete(ctx context.Context, n Notification, ectx EventContext, logger *log.Logger) error {
	logger.With("data", mask.Fields(n.Before, d.cfg.deleteMask())).Infof("document deleted")

	if !d.cfg.hasDelete() {
		return nil
	}

	step := logger.StartStep("onDelete")
	defer step.End()

	err := d.cfg.OnDelete.Handler(ctx, DeleteRequest{
		Context:  ectx,
		Document: n.Before.WithID(ectx.CompoundID),
		Logger:   step.Logger(),
	})
	if err != nil {
		logger.Errorf("delete handler failed: %v", err)
		return err
	}
	return nil
}

package idempotency

import (
	"context"
	"errors"
	"fmt"

	"github.com/web3tea/doc-sentinel/document"
	"github.com/web3tea/doc-sentinel/pkg/log"
	"github.com/web3tea/doc-sentinel/store"
)

var ErrMaxRetriesReached = errors.New("max retries reached")

// MaxRetriesReachedError is returned by Check when a delivery would push the
// retry counter past its limit. The handler must not run.
type MaxRetriesReachedError struct {
	Ref        string
	Prefix     string
	Retries    int
	MaxRetries int
}

func (e *MaxRetriesReachedError) Error() string {
	return fmt.Sprintf("%s: %s retries %d exceed max %d", e.Ref, e.Prefix, e.Retries, e.MaxRetries)
}

func (e *MaxRetriesReachedError) Is(target error) bool {
	return target == ErrMaxRetriesReached
}

type Result struct {
	HasBeenProcessed bool
	Document         document.Record
	State            State
	Outcome          Outcome
}

// Tracker records delivery ids on the documents they concern.
type Tracker struct {
	store  store.Store
	logger *log.Logger
}

func NewTracker(s store.Store, logger *log.Logger) *Tracker {
	if logger == nil {
		logger = log.Nop()
	}
	return &Tracker{store: s, logger: logger.WithGroup("idempotency")}
}

// errSkipWrite aborts an update that has nothing to persist.
var errSkipWrite = errors.New("skip write")

// Check decides whether deliveryID still has to be processed for ref and
// records the decision on the document in a single atomic update.
func (t *Tracker) Check(ctx context.Context, ref, prefix, deliveryID string, maxRetries *int) (Result, error) {
	var (
		current document.Record
		next    State
		outcome Outcome
	)

	doc, err := t.store.Update(ctx, ref, func(cur document.Record) (document.Record, error) {
		current = cur
		next, outcome = Next(ReadState(cur, prefix), deliveryID, maxRetries)
		switch outcome {
		case Duplicate, BudgetExceeded:
			return nil, errSkipWrite
		}
		return next.Apply(cur, prefix), nil
	})

	switch {
	case errors.Is(err, errSkipWrite) && outcome == Duplicate:
		t.logger.Infof("%s: delivery %s already processed", ref, deliveryID)
		return Result{HasBeenProcessed: true, Document: current, State: next, Outcome: outcome}, nil
	case errors.Is(err, errSkipWrite) && outcome == BudgetExceeded:
		return Result{}, t.exhaust(ctx, ref, prefix, next, maxRetries)
	case err != nil:
		return Result{}, fmt.Errorf("idempotency check %s: %w", ref, err)
	}

	t.logger.Debugf("%s: delivery %s is %s, retries %d", ref, deliveryID, outcome, next.Retries)
	return Result{Document: doc, State: next, Outcome: outcome}, nil
}

// exhaust persists the max-retries flag. A failure to do so is logged as
// critical; the caller always gets the MaxRetriesReached error.
func (t *Tracker) exhaust(ctx context.Context, ref, prefix string, st State, maxRetries *int) error {
	maxErr := &MaxRetriesReachedError{
		Ref:     ref,
		Prefix:  prefix,
		Retries: st.Retries,
	}
	if maxRetries != nil {
		maxErr.MaxRetries = *maxRetries
	}

	_, err := t.store.Update(ctx, ref, func(cur document.Record) (document.Record, error) {
		latest := ReadState(cur, prefix)
		latest.Phase = Exhausted
		if latest.EventID == "" {
			latest.EventID = st.EventID
		}
		latest.Retries = max(latest.Retries, st.Retries)
		return latest.Apply(cur, prefix), nil
	})
	if err != nil {
		t.logger.Criticalf("%s: failed to persist %s flag: %v (original error: %v)",
			ref, FieldsFor(prefix).MaxRetriesReached, err, maxErr)
		return maxErr
	}

	t.logger.Errorf("%s: %v", ref, maxErr)
	return maxErr
}

// Reset clears the recorded event id so the next delivery is treated as
// fresh. The retry counter is kept.
func (t *Tracker) Reset(ctx context.Context, ref, prefix string) error {
	_, err := t.store.Update(ctx, ref, func(cur document.Record) (document.Record, error) {
		cur[FieldsFor(prefix).EventID] = nil
		return cur, nil
	})
	if err != nil {
		return fmt.Errorf("reset %s bookkeeping of %s: %w", prefix, ref, err)
	}
	return nil
}

// Clear unsets every bookkeeping field of prefix. The resulting update is
// seen by the change dispatcher as a request to replay the create handler.
func (t *Tracker) Clear(ctx context.Context, ref, prefix string) error {
	f := FieldsFor(prefix)
	_, err := t.store.Update(ctx, ref, func(cur document.Record) (document.Record, error) {
		cur[f.EventID] = nil
		cur[f.Retries] = nil
		delete(cur, f.MaxRetriesReached)
		return cur, nil
	})
	if err != nil {
		return fmt.Errorf("clear %s bookkeeping of %s: %w", prefix, ref, err)
	}
	t.logger.Infof("%s: cleared %s bookkeeping", ref, prefix)
	return nil
}

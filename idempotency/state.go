// Package idempotency gives handlers at-most-once effect on top of an
// at-least-once delivery platform. The bookkeeping lives on the document
// itself under a field prefix, so no side table is needed.
package idempotency

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/web3tea/doc-sentinel/document"
)

// PrefixOnCreate namespaces the bookkeeping of create handlers.
const PrefixOnCreate = "_onCreate"

// Fields are the bookkeeping field names for one prefix.
type Fields struct {
	EventID           string
	Retries           string
	MaxRetriesReached string
}

func FieldsFor(prefix string) Fields {
	return Fields{
		EventID:           prefix + "EventId",
		Retries:           prefix + "Retries",
		MaxRetriesReached: prefix + "MaxRetriesReached",
	}
}

// Phase is the bookkeeping state of a document for one prefix.
type Phase int

const (
	// Unset: never delivered, or cleared on purpose to force a replay.
	Unset Phase = iota
	// Tracking: a delivery id and retry counter are recorded.
	Tracking
	// Exhausted: the retry budget was spent; the handler will not run again.
	Exhausted
)

func (p Phase) String() string {
	switch p {
	case Unset:
		return "unset"
	case Tracking:
		return "tracking"
	case Exhausted:
		return "exhausted"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

type State struct {
	Phase   Phase
	EventID string
	Retries int
}

// ReadState decodes the bookkeeping fields of doc.
func ReadState(doc document.Record, prefix string) State {
	f := FieldsFor(prefix)
	var st State

	if id, ok := doc[f.EventID].(string); ok && id != "" {
		st.EventID = id
		st.Phase = Tracking
	}
	if n, ok := toInt(doc[f.Retries]); ok {
		st.Retries = n
	}
	if reached, _ := doc[f.MaxRetriesReached].(bool); reached && st.Phase == Tracking {
		st.Phase = Exhausted
	}
	return st
}

// Cleared reports whether both the event id and the retry counter are unset,
// which is how an operator asks for a document to be processed as new again.
func Cleared(doc document.Record, prefix string) bool {
	f := FieldsFor(prefix)
	return doc[f.EventID] == nil && doc[f.Retries] == nil
}

// Apply writes st into a copy of doc.
func (st State) Apply(doc document.Record, prefix string) document.Record {
	f := FieldsFor(prefix)
	out := doc.Clone()
	if out == nil {
		out = document.Record{}
	}

	switch st.Phase {
	case Unset:
		out[f.EventID] = nil
	default:
		out[f.EventID] = st.EventID
		out[f.Retries] = st.Retries
	}
	if st.Phase == Exhausted {
		out[f.MaxRetriesReached] = true
	}
	return out
}

// Outcome is what a delivery means for the handler.
type Outcome int

const (
	// Duplicate: this delivery id is already recorded, skip the handler.
	Duplicate Outcome = iota
	// First: first delivery for the document, run the handler.
	First
	// Retry: a different delivery after an earlier attempt, run the handler.
	Retry
	// BudgetExceeded: the retry counter went past the limit, do not run.
	BudgetExceeded
)

func (o Outcome) String() string {
	switch o {
	case Duplicate:
		return "duplicate"
	case First:
		return "first"
	case Retry:
		return "retry"
	case BudgetExceeded:
		return "budget-exceeded"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Next is the transition function of the bookkeeping state machine. A nil
// maxRetries means the retry counter is unbounded.
func Next(st State, deliveryID string, maxRetries *int) (State, Outcome) {
	switch {
	case st.Phase != Unset && st.EventID == deliveryID:
		return st, Duplicate
	case st.Phase == Unset:
		return State{Phase: Tracking, EventID: deliveryID, Retries: 0}, First
	}

	retries := st.Retries + 1
	if maxRetries != nil && retries > *maxRetries {
		// The event id stays on the last attempt that was allowed to run, so
		// every further delivery keeps hitting the budget.
		return State{Phase: Exhausted, EventID: st.EventID, Retries: retries}, BudgetExceeded
	}
	return State{Phase: Tracking, EventID: deliveryID, Retries: retries}, Retry
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case float64:
		if n != math.Trunc(n) {
			return 0, false
		}
		return int(n), true
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, false
		}
		return int(i), true
	default:
		return 0, false
	}
}

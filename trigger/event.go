package trigger

import (
	"errors"
	"fmt"
	"time"

	"github.com/web3tea/doc-sentinel/document"
	"github.com/web3tea/doc-sentinel/pkg/log"
)

var ErrInvalidNotification = errors.New("invalid change notification")

// Kind is the lifecycle event a notification represents.
type Kind string

const (
	KindCreate Kind = "create"
	KindUpdate Kind = "update"
	KindDelete Kind = "delete"
)

// Notification is one delivery of a change to a single document. The same
// logical change may be delivered many times, out of order, with the same or
// different delivery ids.
type Notification struct {
	Path       string
	Before     document.Record
	After      document.Record
	DeliveryID string
	AuthType   string
	AuthID     string
	Params     map[string]string
	Timestamp  time.Time
}

// Classify derives the lifecycle event from which snapshots are present.
func Classify(n Notification) (Kind, error) {
	switch {
	case n.Before != nil && n.After != nil:
		return KindUpdate, nil
	case n.After != nil:
		return KindCreate, nil
	case n.Before != nil:
		return KindDelete, nil
	default:
		return "", fmt.Errorf("%w: %s has neither before nor after", ErrInvalidNotification, n.Path)
	}
}

// EventContext is handed to every handler alongside the document data.
type EventContext struct {
	DeliveryID string
	AuthType   string
	AuthID     string
	Params     map[string]string
	Timestamp  time.Time
	Path       string
	CompoundID string
}

type CreateRequest struct {
	Context  EventContext
	Document document.Record
	Logger   *log.Logger
}

type UpdateRequest struct {
	Context EventContext
	Before  document.Record
	After   document.Record
	Logger  *log.Logger
}

type DeleteRequest struct {
	Context  EventContext
	Document document.Record
	Logger   *log.Logger
}

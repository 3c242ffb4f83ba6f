package capturer

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/web3tea/doc-sentinel/document"
	"github.com/web3tea/doc-sentinel/trigger"
)

// Delivery is one attempt at processing a change.
type Delivery struct {
	// ChangeID is the outbox row id.
	ChangeID int64

	// Attempt starts at 1 and grows after every failed attempt. Redelivery
	// of an unacknowledged attempt keeps the number.
	Attempt int

	Notification trigger.Notification
}

// DeliveryID is "<change id>-<attempt>".
func DeliveryID(changeID int64, attempt int) string {
	return fmt.Sprintf("%d-%d", changeID, attempt)
}

// change is an outbox row as read by claim.
type change struct {
	ID        int64
	Path      string
	Before    []byte
	After     []byte
	AuthType  string
	AuthID    *string
	ChangedAt time.Time

	// Attempts is the number of failed attempts so far.
	Attempts int
}

func (c change) delivery() *Delivery {
	attempt := c.Attempts + 1
	n := trigger.Notification{
		Path:       c.Path,
		Before:     decodeSnapshot(c.Before),
		After:      decodeSnapshot(c.After),
		DeliveryID: DeliveryID(c.ID, attempt),
		AuthType:   c.AuthType,
		Timestamp:  c.ChangedAt,
	}
	if c.AuthID != nil {
		n.AuthID = *c.AuthID
	}
	return &Delivery{ChangeID: c.ID, Attempt: attempt, Notification: n}
}

// decodeSnapshot returns nil for an absent snapshot. A snapshot that is not
// a JSON object also decodes to nil, which the dispatcher reports as an
// invalid notification.
func decodeSnapshot(raw []byte) document.Record {
	if len(raw) == 0 {
		return nil
	}
	var doc document.Record
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil
	}
	return doc
}

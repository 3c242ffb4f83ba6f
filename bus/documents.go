package bus

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/web3tea/doc-sentinel/document"
	"github.com/web3tea/doc-sentinel/pkg/clock"
	"github.com/web3tea/doc-sentinel/store"
)

const WriteDocumentDefinition = "#WriteDocument"

// WriteDocumentSchema describes the messages accepted by the write-document
// subscription.
const WriteDocumentSchema = `
#WriteDocument: {
	path:    =~"^[^/]+/[^/]+(/[^/]+/[^/]+)*$"
	delete?: bool
	data?: close({[=~"^[^_]"]: _})
	auth?: {
		type: string & !=""
		id?:  string
	}
}
`

// WriteDocument asks the sentinel to write or delete a document. Writes
// merge data into the existing document and maintain createdAt/updatedAt.
type WriteDocument struct {
	Path   string          `json:"path"`
	Delete bool            `json:"delete,omitempty"`
	Data   document.Record `json:"data,omitempty"`
	Auth   *struct {
		Type string `json:"type"`
		ID   string `json:"id,omitempty"`
	} `json:"auth,omitempty"`
}

// WriteDocumentHandler applies WriteDocument messages to s.
func WriteDocumentHandler(s store.Store, clk clock.Clock) Handler[WriteDocument] {
	if clk == nil {
		clk = clock.Real{}
	}
	return func(ctx context.Context, msg Message[WriteDocument]) error {
		req := msg.Record
		if req.Auth != nil {
			ctx = store.WithAuth(ctx, req.Auth.Type, req.Auth.ID)
		}

		if req.Delete {
			if err := s.Delete(ctx, req.Path); err != nil {
				return fmt.Errorf("delete %s: %w", req.Path, err)
			}
			msg.Logger.Infof("deleted %s", req.Path)
			return nil
		}

		now := clk.Now().UTC().Format(time.RFC3339Nano)
		merge := func(current document.Record) (document.Record, error) {
			next := current.Clone()
			maps.Copy(next, req.Data)
			next[document.FieldUpdatedAt] = now
			if _, ok := current[document.FieldCreatedAt]; !ok {
				next[document.FieldCreatedAt] = now
			}
			return next, nil
		}

		_, err := s.Update(ctx, req.Path, merge)
		if errors.Is(err, store.ErrNotFound) {
			data := req.Data.Clone()
			if data == nil {
				data = document.Record{}
			}
			data[document.FieldCreatedAt] = now
			data[document.FieldUpdatedAt] = now
			err = s.Create(ctx, req.Path, data)
			// lost the race to another first write; merge into its document
			if errors.Is(err, store.ErrAlreadyExists) {
				_, err = s.Update(ctx, req.Path, merge)
			}
		}
		if err != nil {
			return fmt.Errorf("write %s: %w", req.Path, err)
		}
		msg.Logger.Infof("wrote %s", req.Path)
		return nil
	}
}

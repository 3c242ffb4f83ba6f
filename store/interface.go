package store

import (
	"context"
	"errors"

	"github.com/web3tea/doc-sentinel/document"
)

var (
	ErrNotFound      = errors.New("document not found")
	ErrAlreadyExists = errors.New("document already exists")
)

// UpdateFunc receives the current record and returns the record to persist.
// Returning an error aborts the update and nothing is written.
type UpdateFunc func(current document.Record) (document.Record, error)

// Store is the document store the dispatchers operate on.
type Store interface {
	// Get returns the document at path or ErrNotFound.
	Get(ctx context.Context, path string) (document.Record, error)

	// Set creates or replaces the document at path.
	Set(ctx context.Context, path string, data document.Record) error

	// Create writes the document only if path is free, else ErrAlreadyExists.
	Create(ctx context.Context, path string, data document.Record) error

	// Update atomically reads the document, applies fn and writes the result.
	// Concurrent updates of the same path are serialized.
	Update(ctx context.Context, path string, fn UpdateFunc) (document.Record, error)

	// Delete removes the document. Deleting a missing document is not an error.
	Delete(ctx context.Context, path string) error

	Close() error
}

type authKey struct{}

// Auth describes who performs a write. It ends up on the change notification.
type Auth struct {
	Type string
	ID   string
}

const AuthSystem = "system"

// WithAuth tags writes issued with ctx with the given principal.
func WithAuth(ctx context.Context, authType, authID string) context.Context {
	return context.WithValue(ctx, authKey{}, Auth{Type: authType, ID: authID})
}

// AuthFrom returns the principal attached by WithAuth, or the system principal.
func AuthFrom(ctx context.Context) Auth {
	if a, ok := ctx.Value(authKey{}).(Auth); ok && a.Type != "" {
		return a
	}
	return Auth{Type: AuthSystem}
}

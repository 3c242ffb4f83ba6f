package store

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/web3tea/doc-sentinel/document"
)

// Change is what MemoryStore reports to its watchers after every effective
// write, mirroring the rows the Postgres trigger records.
type Change struct {
	Path   string
	Before document.Record
	After  document.Record
	Auth   Auth
	Time   time.Time
}

// MemoryStore is an in-process Store used by tests and local runs.
type MemoryStore struct {
	mu       sync.Mutex
	docs     map[string]document.Record
	watchers []func(Change)

	// BeforeUpdate, when set, runs before every Update; a non-nil error fails
	// the update without touching the document.
	BeforeUpdate func(path string) error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: map[string]document.Record{}}
}

// OnChange registers a watcher. Watchers run synchronously after the write
// has been applied and the store lock released.
func (m *MemoryStore) OnChange(fn func(Change)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.watchers = append(m.watchers, fn)
}

func (m *MemoryStore) Get(ctx context.Context, path string) (document.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	doc, ok := m.docs[path]
	if !ok {
		return nil, fmt.Errorf("get %s: %w", path, ErrNotFound)
	}
	return doc.Clone(), nil
}

func (m *MemoryStore) Set(ctx context.Context, path string, data document.Record) error {
	m.mu.Lock()
	before := m.docs[path]
	after := data.Clone()
	if after == nil {
		after = document.Record{}
	}
	m.docs[path] = after
	watchers := m.watchers
	m.mu.Unlock()

	m.notify(ctx, watchers, path, before, after)
	return nil
}

func (m *MemoryStore) Create(ctx context.Context, path string, data document.Record) error {
	m.mu.Lock()
	if _, ok := m.docs[path]; ok {
		m.mu.Unlock()
		return fmt.Errorf("create %s: %w", path, ErrAlreadyExists)
	}
	after := data.Clone()
	if after == nil {
		after = document.Record{}
	}
	m.docs[path] = after
	watchers := m.watchers
	m.mu.Unlock()

	m.notify(ctx, watchers, path, nil, after)
	return nil
}

func (m *MemoryStore) Update(ctx context.Context, path string, fn UpdateFunc) (document.Record, error) {
	if m.BeforeUpdate != nil {
		if err := m.BeforeUpdate(path); err != nil {
			return nil, err
		}
	}

	m.mu.Lock()
	before, ok := m.docs[path]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("update %s: %w", path, ErrNotFound)
	}
	after, err := fn(before.Clone())
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	after = after.Clone()
	m.docs[path] = after
	watchers := m.watchers
	m.mu.Unlock()

	m.notify(ctx, watchers, path, before, after)
	return after.Clone(), nil
}

func (m *MemoryStore) Delete(ctx context.Context, path string) error {
	m.mu.Lock()
	before, ok := m.docs[path]
	delete(m.docs, path)
	watchers := m.watchers
	m.mu.Unlock()

	if ok {
		m.notify(ctx, watchers, path, before, nil)
	}
	return nil
}

func (m *MemoryStore) Close() error {
	return nil
}

func (m *MemoryStore) notify(ctx context.Context, watchers []func(Change), path string, before, after document.Record) {
	if before != nil && after != nil && reflect.DeepEqual(before, after) {
		return
	}
	c := Change{
		Path:   path,
		Before: before.Clone(),
		After:  after.Clone(),
		Auth:   AuthFrom(ctx),
		Time:   time.Now(),
	}
	for _, w := range watchers {
		w(c)
	}
}

var _ Store = (*MemoryStore)(nil)

package sentinel

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3tea/doc-sentinel/capturer"
	"github.com/web3tea/doc-sentinel/document"
	"github.com/web3tea/doc-sentinel/idempotency"
	"github.com/web3tea/doc-sentinel/processor"
	"github.com/web3tea/doc-sentinel/processor/filter"
	"github.com/web3tea/doc-sentinel/store"
	"github.com/web3tea/doc-sentinel/trigger"
)

type ack struct {
	id  string
	err error
}

type fakeCapturer struct {
	events   chan *capturer.Delivery
	startErr error

	mu   sync.Mutex
	acks []ack
}

func newFakeCapturer() *fakeCapturer {
	return &fakeCapturer{events: make(chan *capturer.Delivery, 16)}
}

func (f *fakeCapturer) Start(ctx context.Context) error { return f.startErr }

func (f *fakeCapturer) Stop() error { return nil }

func (f *fakeCapturer) Events() <-chan *capturer.Delivery { return f.events }

func (f *fakeCapturer) ACK(ctx context.Context, d *capturer.Delivery, result error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acks = append(f.acks, ack{id: d.Notification.DeliveryID, err: result})
	return nil
}

func (f *fakeCapturer) acked() []ack {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ack(nil), f.acks...)
}

type dispatchFunc func(ctx context.Context, n trigger.Notification) error

func (f dispatchFunc) Dispatch(ctx context.Context, n trigger.Notification) error { return f(ctx, n) }

type statusRecorder struct {
	mu       sync.Mutex
	statuses []Status
}

func (r *statusRecorder) ReportStatus(status Status, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, status)
}

func TestSentinelAcksEveryDelivery(t *testing.T) {
	fc := newFakeCapturer()
	boom := errors.New("boom")

	chain := processor.NewProcessorChain()
	exclude, err := filter.NewExcludePaths("audit/**")
	require.NoError(t, err)
	chain.AddFilter(exclude)

	var mu sync.Mutex
	var dispatched []string
	d := dispatchFunc(func(ctx context.Context, n trigger.Notification) error {
		mu.Lock()
		dispatched = append(dispatched, n.Path)
		mu.Unlock()
		if n.Path == "users/fail" {
			return boom
		}
		return nil
	})

	rec := &statusRecorder{}
	s := NewSentinel(fc, chain, d, WithConcurrency(2), WithStatusReporter(rec))
	require.NoError(t, s.Start(context.Background()))
	assert.Error(t, s.Start(context.Background()))
	assert.Equal(t, StatusRunning, s.Status())

	for i, path := range []string{"users/ok", "users/fail", "audit/a1"} {
		fc.events <- &capturer.Delivery{ChangeID: int64(i + 1), Attempt: 1, Notification: trigger.Notification{
			Path:       path,
			After:      document.Record{},
			DeliveryID: capturer.DeliveryID(int64(i+1), 1),
		}}
	}

	require.Eventually(t, func() bool { return len(fc.acked()) == 3 }, 5*time.Second, 10*time.Millisecond)

	results := map[string]error{}
	for _, a := range fc.acked() {
		results[a.id] = a.err
	}
	assert.NoError(t, results["1-1"])
	assert.ErrorIs(t, results["2-1"], boom)
	assert.NoError(t, results["3-1"])

	mu.Lock()
	assert.ElementsMatch(t, []string{"users/ok", "users/fail"}, dispatched)
	mu.Unlock()

	assert.Equal(t, Stats{Delivered: 3, Succeeded: 1, Failed: 1, Dropped: 1}, s.Stats())

	require.NoError(t, s.Stop())
	assert.Equal(t, StatusIdle, s.Status())
	assert.Error(t, s.Stop())

	rec.mu.Lock()
	assert.Equal(t, []Status{StatusStarting, StatusRunning, StatusStopping, StatusIdle}, rec.statuses)
	rec.mu.Unlock()
}

func TestSentinelStartFailure(t *testing.T) {
	fc := newFakeCapturer()
	fc.startErr = errors.New("no database")

	s := NewSentinel(fc, nil, dispatchFunc(func(ctx context.Context, n trigger.Notification) error { return nil }))
	assert.Error(t, s.Start(context.Background()))
	assert.Equal(t, StatusError, s.Status())

	fc.startErr = nil
	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Stop())
}

// A create whose handler fails once is retried under a new delivery id and
// succeeds; the tracker counted the retry on the document.
func TestSentinelEndToEnd(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()
	c := capturer.NewMemoryCapturer(ms, capturer.Config{
		PollInterval: 5 * time.Millisecond,
		BackoffBase:  10 * time.Millisecond,
	}, nil)

	router := trigger.NewRouter(idempotency.NewTracker(ms, nil), nil)

	var mu sync.Mutex
	var attempts []string
	maxRetries := 3
	_, err := router.Register("users/{userId}", trigger.Config{
		OnCreate: &trigger.CreateConfig{
			MaxRetries: &maxRetries,
			Handler: func(ctx context.Context, req trigger.CreateRequest) error {
				mu.Lock()
				defer mu.Unlock()
				attempts = append(attempts, req.Context.DeliveryID)
				if len(attempts) == 1 {
					return errors.New("first attempt fails")
				}
				return nil
			},
		},
	})
	require.NoError(t, err)

	s := NewSentinel(c, processor.NewProcessorChain(), router, WithConcurrency(1))
	require.NoError(t, s.Start(ctx))
	defer s.Stop()

	require.NoError(t, ms.Set(ctx, "users/u1", document.Record{"name": "ada"}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(attempts) == 2
	}, 5*time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []string{"1-1", "1-2"}, attempts)
	mu.Unlock()

	doc, err := ms.Get(ctx, "users/u1")
	require.NoError(t, err)
	assert.Equal(t, "1-2", doc["_onCreateEventId"])
	assert.EqualValues(t, 1, doc["_onCreateRetries"])
}

func TestSentinelStopLetsHandlerFinish(t *testing.T) {
	fc := newFakeCapturer()

	started := make(chan struct{})
	release := make(chan struct{})
	var handlerErr error
	d := dispatchFunc(func(ctx context.Context, n trigger.Notification) error {
		close(started)
		<-release
		handlerErr = ctx.Err()
		return handlerErr
	})

	s := NewSentinel(fc, nil, d, WithConcurrency(1))
	require.NoError(t, s.Start(context.Background()))

	fc.events <- &capturer.Delivery{ChangeID: 1, Attempt: 1, Notification: trigger.Notification{
		Path:       "users/u1",
		After:      document.Record{},
		DeliveryID: capturer.DeliveryID(1, 1),
	}}
	<-started

	stopped := make(chan error, 1)
	go func() { stopped <- s.Stop() }()

	// Stop waits for the worker, which is still inside the handler.
	require.Eventually(t, func() bool { return s.Status() == StatusStopping }, 5*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	close(release)
	require.NoError(t, <-stopped)

	assert.NoError(t, handlerErr)
	acks := fc.acked()
	require.Len(t, acks, 1)
	assert.Equal(t, "1-1", acks[0].id)
	assert.NoError(t, acks[0].err)
}

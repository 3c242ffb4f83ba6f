package capturer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yugabyte/pgx/v5/pgxpool"

	"github.com/web3tea/doc-sentinel/document"
	"github.com/web3tea/doc-sentinel/pkg/clock"
	"github.com/web3tea/doc-sentinel/store"
	"github.com/web3tea/doc-sentinel/trigger"
)

func TestBackoff(t *testing.T) {
	base, max := time.Second, time.Minute
	for _, tc := range []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{6, 32 * time.Second},
		{7, time.Minute},
		{100, time.Minute},
	} {
		assert.Equal(t, tc.want, Backoff(base, max, tc.attempt), "attempt %d", tc.attempt)
	}
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{MaxAttempts: -1, BackoffBase: time.Minute, BackoffMax: time.Second}.WithDefaults()
	assert.Equal(t, -1, cfg.MaxAttempts)
	assert.Equal(t, time.Minute, cfg.BackoffMax)
	assert.Equal(t, 100, cfg.BatchSize)
	assert.Equal(t, 10, Config{}.WithDefaults().MaxAttempts)
}

func TestChangeDelivery(t *testing.T) {
	at := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	uid := "u1"

	d := change{
		ID:        42,
		Path:      "users/u1",
		Before:    []byte(`{"name":"ada"}`),
		After:     []byte(`{"name":"ada l"}`),
		AuthType:  "user",
		AuthID:    &uid,
		ChangedAt: at,
		Attempts:  2,
	}.delivery()

	assert.Equal(t, int64(42), d.ChangeID)
	assert.Equal(t, 3, d.Attempt)
	assert.Equal(t, "42-3", d.Notification.DeliveryID)
	assert.Equal(t, "user", d.Notification.AuthType)
	assert.Equal(t, "u1", d.Notification.AuthID)
	assert.Equal(t, at, d.Notification.Timestamp)
	kind, err := trigger.Classify(d.Notification)
	require.NoError(t, err)
	assert.Equal(t, trigger.KindUpdate, kind)

	d = change{ID: 1, Path: "users/u1", After: []byte(`{}`), AuthType: "system"}.delivery()
	assert.Equal(t, "1-1", d.Notification.DeliveryID)
	assert.Nil(t, d.Notification.Before)
	assert.Equal(t, document.Record{}, d.Notification.After)
	assert.Empty(t, d.Notification.AuthID)

	d = change{ID: 2, Path: "users/u1", Before: []byte(`[1]`)}.delivery()
	_, err = trigger.Classify(d.Notification)
	assert.ErrorIs(t, err, trigger.ErrInvalidNotification)
}

func receive(t *testing.T, c Capturer) *Delivery {
	t.Helper()
	select {
	case d, ok := <-c.Events():
		require.True(t, ok, "events closed")
		return d
	case <-time.After(5 * time.Second):
		t.Fatal("no delivery")
		return nil
	}
}

func assertQuiet(t *testing.T, c Capturer) {
	t.Helper()
	select {
	case d := <-c.Events():
		t.Fatalf("unexpected delivery %s", d.Notification.DeliveryID)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryCapturerRetries(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	clk := clock.NewFixed(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))

	c := newMemoryCapturer(s, Config{
		PollInterval: 5 * time.Millisecond,
		MaxAttempts:  2,
		BackoffBase:  time.Second,
		BackoffMax:   time.Minute,
		LeaseTimeout: time.Hour,
	}, nil, clk)
	outbox := c.outbox.(*memoryOutbox)

	require.NoError(t, c.Start(ctx))
	assert.Error(t, c.Start(ctx))

	require.NoError(t, s.Set(store.WithAuth(ctx, "user", "u1"), "users/u1", document.Record{"name": "ada"}))

	d := receive(t, c)
	assert.Equal(t, "1-1", d.Notification.DeliveryID)
	assert.Equal(t, "users/u1", d.Notification.Path)
	assert.Equal(t, "ada", d.Notification.After["name"])
	assert.Equal(t, "u1", d.Notification.AuthID)

	// leased until ACKed
	assertQuiet(t, c)

	require.NoError(t, c.ACK(ctx, d, errors.New("boom")))
	assertQuiet(t, c)

	clk.Advance(time.Second)
	d = receive(t, c)
	assert.Equal(t, "1-2", d.Notification.DeliveryID)

	require.NoError(t, c.ACK(ctx, d, errors.New("boom again")))
	assert.Equal(t, 0, outbox.pending())
	clk.Advance(2 * time.Hour)
	assertQuiet(t, c)

	_, err := s.Update(ctx, "users/u1", func(cur document.Record) (document.Record, error) {
		cur["name"] = "ada l"
		return cur, nil
	})
	require.NoError(t, err)
	d = receive(t, c)
	assert.Equal(t, "2-1", d.Notification.DeliveryID)
	assert.Equal(t, "ada", d.Notification.Before["name"])
	require.NoError(t, c.ACK(ctx, d, nil))
	assert.Equal(t, 0, outbox.pending())

	// a late failure of an acknowledged change changes nothing
	require.NoError(t, c.ACK(ctx, d, errors.New("late")))
	assert.Equal(t, 0, outbox.pending())

	require.NoError(t, c.Stop())
	assert.Error(t, c.Stop())
	assert.Error(t, c.Start(ctx))
	_, open := <-c.Events()
	assert.False(t, open)
}

func TestMemoryCapturerLeaseExpiry(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	clk := clock.NewFixed(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	c := newMemoryCapturer(s, Config{PollInterval: 5 * time.Millisecond, LeaseTimeout: time.Minute}, nil, clk)

	require.NoError(t, c.Start(ctx))
	defer c.Stop()

	require.NoError(t, s.Set(ctx, "users/u1", document.Record{"n": 1}))
	first := receive(t, c)

	clk.Advance(time.Minute)
	again := receive(t, c)
	assert.Equal(t, first.Notification.DeliveryID, again.Notification.DeliveryID)
}

func TestMemoryCapturerBatches(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	c := NewMemoryCapturer(s, Config{BatchSize: 2, PollInterval: 5 * time.Millisecond, EventBufferSize: 16}, nil)

	for i := 0; i < 5; i++ {
		require.NoError(t, s.Set(ctx, fmt.Sprintf("users/u%d", i), document.Record{"i": i}))
	}
	require.NoError(t, c.Start(ctx))
	defer c.Stop()

	for i := 0; i < 5; i++ {
		d := receive(t, c)
		assert.Equal(t, int64(i+1), d.ChangeID)
		require.NoError(t, c.ACK(ctx, d, nil))
	}
}

func TestPostgresCapturer(t *testing.T) {
	connString := os.Getenv("DOC_SENTINEL_TEST_CONN_STRING")
	if connString == "" {
		t.Skip("DOC_SENTINEL_TEST_CONN_STRING not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, connString)
	require.NoError(t, err)
	defer pool.Close()

	schema := store.Schema{DocumentsTable: "capturer_test_documents", ChangesTable: "capturer_test_changes", Channel: "capturer_test"}
	require.NoError(t, store.Install(ctx, pool, schema))

	s := store.NewPostgresStore(pool, schema, nil)
	require.NoError(t, s.Delete(ctx, "users/pg"))
	_, err = pool.Exec(ctx, "TRUNCATE "+schema.Changes())
	require.NoError(t, err)

	c := NewPostgresCapturer(pool, schema, Config{PollInterval: 100 * time.Millisecond, MaxAttempts: 2, BackoffBase: 10 * time.Millisecond}, nil)
	require.NoError(t, c.Start(ctx))
	defer c.Stop()

	require.NoError(t, s.Set(store.WithAuth(ctx, "user", "pg"), "users/pg", document.Record{"name": "ann"}))

	d := receive(t, c)
	assert.Equal(t, "users/pg", d.Notification.Path)
	assert.Equal(t, 1, d.Attempt)
	assert.Equal(t, "pg", d.Notification.AuthID)
	require.NoError(t, c.ACK(ctx, d, errors.New("boom")))

	d = receive(t, c)
	assert.Equal(t, 2, d.Attempt)
	require.NoError(t, c.ACK(ctx, d, nil))
}

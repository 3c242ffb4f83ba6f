package main

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3tea/doc-sentinel/bus"
	"github.com/web3tea/doc-sentinel/capturer"
	"github.com/web3tea/doc-sentinel/config"
	"github.com/web3tea/doc-sentinel/document"
	"github.com/web3tea/doc-sentinel/idempotency"
	"github.com/web3tea/doc-sentinel/pkg/log"
	"github.com/web3tea/doc-sentinel/sentinel"
	"github.com/web3tea/doc-sentinel/store"
	"github.com/web3tea/doc-sentinel/trigger"
)

func memoryConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Capturer.Backend = config.BackendMemory
	cfg.Capturer.PollInterval = config.Duration(5 * time.Millisecond)
	cfg.Collections = []config.CollectionConfig{
		{Pattern: "users/{userId}", Sink: "json", OnCreate: true, OnUpdate: true, OnDelete: true},
	}
	cfg.Processor.Filter.ExcludePaths = []string{"audit/**"}
	cfg.Processor.Params = map[string]string{"env": "test"}
	return &cfg
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) Lines() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := strings.TrimSpace(b.buf.String())
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}

func TestPipelineWithMemoryBackend(t *testing.T) {
	ctx := context.Background()
	cfg := memoryConfig()
	logger := log.Nop()

	st, err := setupStorage(ctx, cfg, logger)
	require.NoError(t, err)
	defer st.Close()
	assert.Nil(t, st.pg)

	proc, err := setupProcessor(cfg, logger)
	require.NoError(t, err)

	out := &lockedBuffer{}
	router := trigger.NewRouter(idempotency.NewTracker(st.docs, logger), logger)
	sinks, err := setupRouter(cfg, router, out, logger)
	require.NoError(t, err)
	defer closeSinks(sinks)
	assert.Equal(t, []string{"users/{userId}"}, router.Patterns())

	s := sentinel.NewSentinel(st.capturer, proc, router, sentinel.WithConcurrency(1))
	require.NoError(t, s.Start(ctx))
	defer s.Stop()

	require.NoError(t, st.docs.Set(ctx, "audit/a1", document.Record{"msg": "ignored"}))
	require.NoError(t, st.docs.Set(ctx, "users/u1", document.Record{"name": "ada"}))

	require.Eventually(t, func() bool { return len(out.Lines()) >= 1 }, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return s.Stats().Succeeded >= 2 }, 5*time.Second, 10*time.Millisecond)

	var created map[string]any
	require.NoError(t, json.Unmarshal([]byte(out.Lines()[0]), &created))
	assert.Equal(t, "create", created["kind"])
	assert.Equal(t, "users/u1", created["path"])
	assert.Equal(t, map[string]any{"userId": "u1", "env": "test"}, created["params"])
	assert.GreaterOrEqual(t, s.Stats().Dropped, uint64(1))
}

func TestSetupProcessorRejectsBadFilters(t *testing.T) {
	cfg := memoryConfig()
	cfg.Processor.Filter.ExcludePaths = []string{"users/[a"}
	_, err := setupProcessor(cfg, log.Nop())
	assert.Error(t, err)
}

func TestSetupScheduler(t *testing.T) {
	cfg := memoryConfig()
	st := &storage{docs: store.NewMemoryStore()}

	sched, err := setupScheduler(cfg, st, log.Nop())
	require.NoError(t, err)
	assert.Empty(t, sched.Status())

	cfg.Schedules = []config.ScheduleConfig{{Name: "prune", Cron: "@daily", Task: config.TaskPruneChanges}}
	_, err = setupScheduler(cfg, st, log.Nop())
	assert.ErrorContains(t, err, "postgres")
}

func TestReplay(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()
	require.NoError(t, ms.Set(ctx, "users/u1", document.Record{
		"name":             "ada",
		"_onCreateEventId": "1-1",
		"_onCreateRetries": 0,
	}))

	tracker := idempotency.NewTracker(ms, nil)
	err := replay(ctx, tracker, []string{"users/u1", "users/ghost"})
	require.Error(t, err)
	assert.ErrorIs(t, err, store.ErrNotFound)

	doc, err := ms.Get(ctx, "users/u1")
	require.NoError(t, err)
	assert.True(t, idempotency.Cleared(doc, idempotency.PrefixOnCreate))
}

func TestPublishWrite(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	id, err := publishWrite(ctx, client, "writes", []byte(`{"path":"users/u1","data":{"name":"ada"}}`), map[string]string{"source": "cli"})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	_, err = publishWrite(ctx, client, "writes", []byte(`{"path":"users"}`), nil)
	var verr *bus.ValidationError
	assert.ErrorAs(t, err, &verr)

	entries, err := client.XRange(ctx, "writes", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "cli", entries[0].Values["source"])
}

func TestConsumeWritesAppliesMessages(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := memoryConfig()
	cfg.Bus = config.BusConfig{
		Enabled: true,
		Addr:    mr.Addr(),
		Stream:  "writes",
		Block:   config.Duration(20 * time.Millisecond),
	}

	ms := store.NewMemoryStore()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	_, err := publishWrite(context.Background(), client, "writes", []byte(`{"path":"users/u1","data":{"name":"ada"}}`), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- consumeWrites(ctx, cfg, ms, log.Nop()) }()

	require.Eventually(t, func() bool {
		doc, err := ms.Get(context.Background(), "users/u1")
		return err == nil && doc["name"] == "ada"
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("consumer did not stop")
	}
}

func TestParseAttrs(t *testing.T) {
	attrs, err := parseAttrs([]string{"source=cli", "trace=a=b"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"source": "cli", "trace": "a=b"}, attrs)

	_, err = parseAttrs([]string{"novalue"})
	assert.Error(t, err)
	_, err = parseAttrs([]string{bus.PayloadField + "=x"})
	assert.Error(t, err)
}

var _ capturer.Capturer = (*capturer.OutboxCapturer)(nil)

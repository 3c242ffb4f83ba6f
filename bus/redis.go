package bus

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/web3tea/doc-sentinel/pkg/log"
)

// PayloadField is the stream entry field holding the JSON payload. Every
// other string field of the entry becomes a RawMessage attribute.
const PayloadField = "payload"

// DefaultClaimIdle is how long a failed entry stays pending before Poll
// claims it again.
const DefaultClaimIdle = 30 * time.Second

type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	Stream    string
	Group     string
	Consumer  string
	Count     int64
	Block     time.Duration
	// ClaimIdle of 0 means DefaultClaimIdle; a negative value disables
	// redelivery of pending entries.
	ClaimIdle time.Duration
}

func (c RedisConfig) withDefaults() RedisConfig {
	if c.Group == "" {
		c.Group = "doc-sentinel"
	}
	if c.Consumer == "" {
		c.Consumer = "consumer-" + uuid.NewString()[:8]
	}
	if c.Count <= 0 {
		c.Count = 10
	}
	// BLOCK 0 would wait forever and never observe ctx cancellation.
	if c.Block <= 0 {
		c.Block = 2 * time.Second
	}
	if c.ClaimIdle == 0 {
		c.ClaimIdle = DefaultClaimIdle
	}
	return c
}

func NewRedisClient(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect redis %s: %w", cfg.Addr, err)
	}
	return client, nil
}

// Publish appends payload to stream and returns the entry id.
func Publish(ctx context.Context, client redis.Cmdable, stream string, payload []byte, attrs map[string]string) (string, error) {
	values := make(map[string]any, len(attrs)+1)
	for k, v := range attrs {
		values[k] = v
	}
	values[PayloadField] = string(payload)

	id, err := client.XAdd(ctx, &redis.XAddArgs{Stream: stream, Values: values}).Result()
	if err != nil {
		return "", fmt.Errorf("publish to %s: %w", stream, err)
	}
	return id, nil
}

// HandleFunc processes one message. A nil return acknowledges it; an error
// leaves it pending in the consumer group for redelivery.
type HandleFunc func(ctx context.Context, msg RawMessage) error

// RedisConsumer reads a Redis stream through a consumer group.
type RedisConsumer struct {
	client redis.Cmdable
	cfg    RedisConfig
	logger *log.Logger
}

func NewRedisConsumer(client redis.Cmdable, cfg RedisConfig, logger *log.Logger) *RedisConsumer {
	if logger == nil {
		logger = log.Nop()
	}
	cfg = cfg.withDefaults()
	return &RedisConsumer{
		client: client,
		cfg:    cfg,
		logger: logger.WithGroup("bus").With("stream", cfg.Stream).With("consumer", cfg.Consumer),
	}
}

func (c *RedisConsumer) Config() RedisConfig {
	return c.cfg
}

// EnsureGroup creates the stream and the consumer group if missing.
func (c *RedisConsumer) EnsureGroup(ctx context.Context) error {
	err := c.client.XGroupCreateMkStream(ctx, c.cfg.Stream, c.cfg.Group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group %s on %s: %w", c.cfg.Group, c.cfg.Stream, err)
	}
	return nil
}

// Run polls until ctx is done.
func (c *RedisConsumer) Run(ctx context.Context, handle HandleFunc) error {
	if err := c.EnsureGroup(ctx); err != nil {
		return err
	}
	c.logger.Infof("consuming group %s", c.cfg.Group)

	for {
		if ctx.Err() != nil {
			return nil
		}
		if _, err := c.Poll(ctx, handle); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Errorf("poll failed: %v", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
		}
	}
}

// Poll reclaims stale pending entries (when ClaimIdle is set), then reads one
// batch of new entries. It returns the number of messages handled.
func (c *RedisConsumer) Poll(ctx context.Context, handle HandleFunc) (int, error) {
	handled := 0

	if c.cfg.ClaimIdle > 0 {
		msgs, _, err := c.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   c.cfg.Stream,
			Group:    c.cfg.Group,
			Consumer: c.cfg.Consumer,
			MinIdle:  c.cfg.ClaimIdle,
			Start:    "0-0",
			Count:    c.cfg.Count,
		}).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return handled, fmt.Errorf("reclaim pending: %w", err)
		}
		for _, m := range msgs {
			c.process(ctx, m, handle)
			handled++
		}
	}

	streams, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.cfg.Group,
		Consumer: c.cfg.Consumer,
		Streams:  []string{c.cfg.Stream, ">"},
		Count:    c.cfg.Count,
		Block:    c.cfg.Block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return handled, nil
	}
	if err != nil {
		return handled, fmt.Errorf("read group: %w", err)
	}

	for _, st := range streams {
		for _, m := range st.Messages {
			c.process(ctx, m, handle)
			handled++
		}
	}
	return handled, nil
}

func (c *RedisConsumer) process(ctx context.Context, m redis.XMessage, handle HandleFunc) {
	raw := toRawMessage(c.cfg.Stream, m)
	if err := handle(ctx, raw); err != nil {
		c.logger.Warnf("message %s left pending for redelivery: %v", m.ID, err)
		return
	}
	if err := c.client.XAck(ctx, c.cfg.Stream, c.cfg.Group, m.ID).Err(); err != nil {
		c.logger.Errorf("ack message %s: %v", m.ID, err)
	}
}

func toRawMessage(stream string, m redis.XMessage) RawMessage {
	raw := RawMessage{
		ID:         m.ID,
		Stream:     stream,
		Attributes: map[string]string{},
	}
	for k, v := range m.Values {
		s := fmt.Sprint(v)
		if k == PayloadField {
			raw.Payload = []byte(s)
			continue
		}
		raw.Attributes[k] = s
	}
	// Stream ids start with the publish time in unix milliseconds.
	if ms, _, ok := strings.Cut(m.ID, "-"); ok {
		if n, err := strconv.ParseInt(ms, 10, 64); err == nil {
			raw.PublishedAt = time.UnixMilli(n).UTC()
		}
	}
	return raw
}

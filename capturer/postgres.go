package capturer

import (
	"context"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/yugabyte/pgx/v5"
	"github.com/yugabyte/pgx/v5/pgconn"
	"github.com/yugabyte/pgx/v5/pgxpool"

	"github.com/web3tea/doc-sentinel/pkg/log"
	"github.com/web3tea/doc-sentinel/store"
)

// NewPostgresCapturer reads the change outbox installed by store.Install.
// Several capturers may share one outbox; claims skip rows leased by others.
func NewPostgresCapturer(pool *pgxpool.Pool, schema store.Schema, cfg Config, logger *log.Logger) *OutboxCapturer {
	if logger == nil {
		logger = log.Nop()
	}
	o := &postgresOutbox{
		pool:   pool,
		schema: schema.WithDefaults(),
		logger: logger.WithGroup("capturer"),
	}
	return newOutboxCapturer(o, cfg, logger)
}

type postgresOutbox struct {
	pool   *pgxpool.Pool
	schema store.Schema
	logger *log.Logger
}

func (o *postgresOutbox) claim(ctx context.Context, limit int, lease time.Duration) ([]change, error) {
	rows, err := o.pool.Query(ctx, fmt.Sprintf(`
UPDATE %[1]s AS c
SET next_attempt_at = clock_timestamp() + make_interval(secs => $2)
FROM (
	SELECT id FROM %[1]s
	WHERE done_at IS NULL AND NOT abandoned AND next_attempt_at <= clock_timestamp()
	ORDER BY id
	LIMIT $1
	FOR UPDATE SKIP LOCKED
) AS due
WHERE c.id = due.id
RETURNING c.id, c.path, c.before, c.after, c.auth_type, c.auth_id, c.changed_at, c.attempts`, o.schema.Changes()),
		limit, lease.Seconds())
	if err != nil {
		return nil, fmt.Errorf("failed to claim changes: %w", err)
	}

	changes, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (change, error) {
		var c change
		err := row.Scan(&c.ID, &c.Path, &c.Before, &c.After, &c.AuthType, &c.AuthID, &c.ChangedAt, &c.Attempts)
		return c, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read claimed changes: %w", err)
	}

	// RETURNING does not preserve the subquery order.
	sortChanges(changes)
	return changes, nil
}

func (o *postgresOutbox) complete(ctx context.Context, id int64) error {
	_, err := o.pool.Exec(ctx, fmt.Sprintf(
		`UPDATE %s SET done_at = clock_timestamp(), last_error = NULL WHERE id = $1 AND done_at IS NULL`,
		o.schema.Changes()), id)
	return err
}

func (o *postgresOutbox) fail(ctx context.Context, id int64, attempts int, lastErr string, retryIn time.Duration, abandon bool) error {
	// A late ACK of an older attempt must not roll the counter back.
	_, err := o.pool.Exec(ctx, fmt.Sprintf(`
UPDATE %s
SET attempts = $2,
    last_error = $3,
    next_attempt_at = clock_timestamp() + make_interval(secs => $4),
    abandoned = $5
WHERE id = $1 AND done_at IS NULL AND attempts < $2`, o.schema.Changes()),
		id, attempts, lastErr, retryIn.Seconds(), abandon)
	return err
}

// listen holds a dedicated connection LISTENing on the change channel.
func (o *postgresOutbox) listen(ctx context.Context, wake func()) error {
	conn, err := pgx.ConnectConfig(ctx, o.pool.Config().ConnConfig)
	if err != nil {
		return fmt.Errorf("failed to open listen connection: %w", err)
	}
	defer conn.Close(context.Background())

	if _, err := conn.Exec(ctx, "LISTEN "+pq.QuoteIdentifier(o.schema.Channel)); err != nil {
		return fmt.Errorf("failed to listen on %s: %w", o.schema.Channel, err)
	}
	o.logger.Infof("listening on channel %s", o.schema.Channel)

	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil || pgconn.Timeout(err) {
				return nil
			}
			return fmt.Errorf("wait for notification: %w", err)
		}
		o.logger.Debugf("change %s notified", n.Payload)
		wake()
	}
}

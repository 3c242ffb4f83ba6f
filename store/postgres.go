package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/web3tea/doc-sentinel/document"
	"github.com/web3tea/doc-sentinel/pkg/log"
	"github.com/yugabyte/pgx/v5"
	"github.com/yugabyte/pgx/v5/pgxpool"
)

type DatabaseConfig struct {
	Hosts    []string `json:"hosts" yaml:"hosts" toml:"hosts"`
	Port     uint16   `json:"port" yaml:"port" toml:"port"`
	Username string   `json:"username" yaml:"username" toml:"username"`
	Password string   `json:"password" yaml:"password" toml:"password"`
	Database string   `json:"database" yaml:"database" toml:"database"`
}

// ConnString renders the config as a libpq keyword/value string. Extra hosts
// become fallbacks.
func (c DatabaseConfig) ConnString() (string, error) {
	if len(c.Hosts) == 0 {
		return "", fmt.Errorf("no database hosts provided")
	}

	parts := []string{"host=" + strings.Join(c.Hosts, ",")}
	if c.Port != 0 {
		parts = append(parts, fmt.Sprintf("port=%d", c.Port))
	}
	for _, kv := range [][2]string{
		{"user", c.Username},
		{"password", c.Password},
		{"dbname", c.Database},
	} {
		if strings.TrimSpace(kv[1]) != "" {
			parts = append(parts, kv[0]+"="+kv[1])
		}
	}
	return strings.Join(parts, " "), nil
}

// PostgresStore keeps documents as jsonb rows, one per path.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema Schema
	logger *log.Logger
}

func Connect(ctx context.Context, cfg DatabaseConfig) (*pgxpool.Pool, error) {
	connString, err := cfg.ConnString()
	if err != nil {
		return nil, fmt.Errorf("failed to build connection config: %w", err)
	}
	poolCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return pool, nil
}

func NewPostgresStore(pool *pgxpool.Pool, schema Schema, logger *log.Logger) *PostgresStore {
	if logger == nil {
		logger = log.Nop()
	}
	return &PostgresStore{
		pool:   pool,
		schema: schema.WithDefaults(),
		logger: logger,
	}
}

func (s *PostgresStore) Pool() *pgxpool.Pool {
	return s.pool
}

func (s *PostgresStore) Get(ctx context.Context, path string) (document.Record, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf("SELECT data FROM %s WHERE path = $1", s.schema.Documents()),
		path,
	).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("get %s: %w", path, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", path, err)
	}
	return decode(raw)
}

func (s *PostgresStore) Set(ctx context.Context, path string, data document.Record) error {
	raw, err := encode(data)
	if err != nil {
		return fmt.Errorf("set %s: %w", path, err)
	}
	return s.inTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, fmt.Sprintf(`
INSERT INTO %s (path, data) VALUES ($1, $2)
ON CONFLICT (path) DO UPDATE SET data = EXCLUDED.data, updated_at = now()`, s.schema.Documents()),
			path, raw)
		if err != nil {
			return fmt.Errorf("set %s: %w", path, err)
		}
		return nil
	})
}

func (s *PostgresStore) Create(ctx context.Context, path string, data document.Record) error {
	raw, err := encode(data)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	return s.inTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, fmt.Sprintf(`
INSERT INTO %s (path, data) VALUES ($1, $2)
ON CONFLICT (path) DO NOTHING`, s.schema.Documents()),
			path, raw)
		if err != nil {
			return fmt.Errorf("create %s: %w", path, err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("create %s: %w", path, ErrAlreadyExists)
		}
		return nil
	})
}

func (s *PostgresStore) Update(ctx context.Context, path string, fn UpdateFunc) (document.Record, error) {
	var result document.Record
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		var raw []byte
		err := tx.QueryRow(ctx,
			fmt.Sprintf("SELECT data FROM %s WHERE path = $1 FOR UPDATE", s.schema.Documents()),
			path,
		).Scan(&raw)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("update %s: %w", path, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("update %s: lock: %w", path, err)
		}

		current, err := decode(raw)
		if err != nil {
			return fmt.Errorf("update %s: %w", path, err)
		}
		next, err := fn(current)
		if err != nil {
			return err
		}
		encoded, err := encode(next)
		if err != nil {
			return fmt.Errorf("update %s: %w", path, err)
		}
		if _, err := tx.Exec(ctx,
			fmt.Sprintf("UPDATE %s SET data = $2, updated_at = now() WHERE path = $1", s.schema.Documents()),
			path, encoded,
		); err != nil {
			return fmt.Errorf("update %s: write: %w", path, err)
		}
		result = next
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *PostgresStore) Delete(ctx context.Context, path string) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			fmt.Sprintf("DELETE FROM %s WHERE path = $1", s.schema.Documents()),
			path,
		); err != nil {
			return fmt.Errorf("delete %s: %w", path, err)
		}
		return nil
	})
}

// PruneChanges removes acknowledged or abandoned outbox rows older than
// olderThan and returns how many were deleted.
func (s *PostgresStore) PruneChanges(ctx context.Context, olderThan time.Duration) (int64, error) {
	tag, err := s.pool.Exec(ctx, fmt.Sprintf(`
DELETE FROM %s
WHERE (done_at IS NOT NULL AND done_at < now() - make_interval(secs => $1))
   OR (abandoned AND changed_at < now() - make_interval(secs => $1))`, s.schema.Changes()),
		olderThan.Seconds())
	if err != nil {
		return 0, fmt.Errorf("failed to prune changes: %w", err)
	}
	s.logger.Infof("pruned %d change rows older than %s", tag.RowsAffected(), olderThan)
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// inTx runs fn in a transaction tagged with the caller's principal so the
// change trigger can record it.
func (s *PostgresStore) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
			s.logger.Warnf("rollback failed: %v", err)
		}
	}()

	auth := AuthFrom(ctx)
	if _, err := tx.Exec(ctx,
		"SELECT set_config('sentinel.auth_type', $1, true), set_config('sentinel.auth_id', $2, true)",
		auth.Type, auth.ID,
	); err != nil {
		return fmt.Errorf("failed to tag transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

func encode(data document.Record) ([]byte, error) {
	if data == nil {
		data = document.Record{}
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	return raw, nil
}

func decode(raw []byte) (document.Record, error) {
	var doc document.Record
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	if doc == nil {
		doc = document.Record{}
	}
	return doc, nil
}

var _ Store = (*PostgresStore)(nil)

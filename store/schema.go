package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/lib/pq"
	"github.com/yugabyte/pgx/v5/pgxpool"
)

const (
	defaultDocumentsTable = "documents"
	defaultChangesTable   = "document_changes"
	defaultChannel        = "document_changes"
)

// Schema names the relations the store and the capturer share.
type Schema struct {
	DocumentsTable string `json:"documents_table" yaml:"documents_table" toml:"documents_table"`
	ChangesTable   string `json:"changes_table" yaml:"changes_table" toml:"changes_table"`
	Channel        string `json:"channel" yaml:"channel" toml:"channel"`
}

func DefaultSchema() Schema {
	return Schema{
		DocumentsTable: defaultDocumentsTable,
		ChangesTable:   defaultChangesTable,
		Channel:        defaultChannel,
	}
}

// WithDefaults fills empty names.
func (s Schema) WithDefaults() Schema {
	d := DefaultSchema()
	if s.DocumentsTable == "" {
		s.DocumentsTable = d.DocumentsTable
	}
	if s.ChangesTable == "" {
		s.ChangesTable = d.ChangesTable
	}
	if s.Channel == "" {
		s.Channel = d.Channel
	}
	return s
}

// Documents returns the quoted documents table name.
func (s Schema) Documents() string {
	return quoteQualified(s.DocumentsTable)
}

// Changes returns the quoted change outbox table name.
func (s Schema) Changes() string {
	return quoteQualified(s.ChangesTable)
}

func (s Schema) triggerFunction() string {
	return quoteQualified(s.DocumentsTable + "_capture_change")
}

func (s Schema) triggerName() string {
	return pq.QuoteIdentifier(tableName(s.DocumentsTable) + "_capture_change")
}

// InstallStatements returns the DDL that creates the documents table, the
// change outbox and the trigger feeding it.
func (s Schema) InstallStatements() []string {
	s = s.WithDefaults()
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	path       text PRIMARY KEY,
	data       jsonb NOT NULL,
	created_at timestamptz NOT NULL DEFAULT now(),
	updated_at timestamptz NOT NULL DEFAULT now()
)`, s.Documents()),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id              bigserial PRIMARY KEY,
	path            text NOT NULL,
	before          jsonb,
	after           jsonb,
	auth_type       text NOT NULL DEFAULT 'system',
	auth_id         text,
	changed_at      timestamptz NOT NULL DEFAULT clock_timestamp(),
	attempts        integer NOT NULL DEFAULT 0,
	next_attempt_at timestamptz NOT NULL DEFAULT clock_timestamp(),
	last_error      text,
	done_at         timestamptz,
	abandoned       boolean NOT NULL DEFAULT false
)`, s.Changes()),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (next_attempt_at, id) WHERE done_at IS NULL AND NOT abandoned`,
			pq.QuoteIdentifier(tableName(s.ChangesTable)+"_pending_idx"), s.Changes()),
		fmt.Sprintf(`CREATE OR REPLACE FUNCTION %[1]s() RETURNS trigger LANGUAGE plpgsql AS $fn$
DECLARE
	v_change_id bigint;
	v_auth_type text := coalesce(nullif(current_setting('sentinel.auth_type', true), ''), 'system');
	v_auth_id   text := nullif(current_setting('sentinel.auth_id', true), '');
BEGIN
	IF TG_OP = 'INSERT' THEN
		INSERT INTO %[2]s (path, after, auth_type, auth_id)
		VALUES (NEW.path, NEW.data, v_auth_type, v_auth_id)
		RETURNING id INTO v_change_id;
	ELSIF TG_OP = 'UPDATE' THEN
		IF NEW.data IS NOT DISTINCT FROM OLD.data THEN
			RETURN NULL;
		END IF;
		INSERT INTO %[2]s (path, before, after, auth_type, auth_id)
		VALUES (NEW.path, OLD.data, NEW.data, v_auth_type, v_auth_id)
		RETURNING id INTO v_change_id;
	ELSE
		INSERT INTO %[2]s (path, before, auth_type, auth_id)
		VALUES (OLD.path, OLD.data, v_auth_type, v_auth_id)
		RETURNING id INTO v_change_id;
	END IF;
	PERFORM pg_notify(%[3]s, v_change_id::text);
	RETURN NULL;
END;
$fn$`, s.triggerFunction(), s.Changes(), pq.QuoteLiteral(s.Channel)),
		fmt.Sprintf(`DROP TRIGGER IF EXISTS %s ON %s`, s.triggerName(), s.Documents()),
		fmt.Sprintf(`CREATE TRIGGER %s AFTER INSERT OR UPDATE OR DELETE ON %s FOR EACH ROW EXECUTE FUNCTION %s()`,
			s.triggerName(), s.Documents(), s.triggerFunction()),
	}
}

// Install runs InstallStatements. It is idempotent.
func Install(ctx context.Context, pool *pgxpool.Pool, s Schema) error {
	for _, stmt := range s.InstallStatements() {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to install schema: %w", err)
		}
	}
	return nil
}

func quoteQualified(name string) string {
	if strings.Contains(name, ".") {
		parts := strings.SplitN(name, ".", 2)
		return pq.QuoteIdentifier(parts[0]) + "." + pq.QuoteIdentifier(parts[1])
	}
	return pq.QuoteIdentifier(name)
}

func tableName(name string) string {
	if i := strings.LastIndex(name, "."); i >= 0 {
		return name[i+1:]
	}
	return name
}

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/robertmeta/feedreader/model"
)

// schemaVersion is the version a freshly created database is at.
const schemaVersion = 1

const createSchema = `
CREATE TABLE feeds (
	url TEXT PRIMARY KEY NOT NULL,
	title TEXT,
	link TEXT,
	updated TEXT,
	author TEXT,
	user_title TEXT,
	http_etag TEXT,
	http_last_modified TEXT,
	stale INTEGER NOT NULL DEFAULT 0,
	last_updated TEXT,
	added TEXT NOT NULL
);

CREATE TABLE entries (
	id TEXT NOT NULL,
	feed TEXT NOT NULL,
	title TEXT,
	link TEXT,
	updated TEXT,
	author TEXT,
	published TEXT,
	summary TEXT,
	content TEXT,
	enclosures TEXT,
	read INTEGER NOT NULL DEFAULT 0,
	data_hash TEXT,
	first_updated TEXT NOT NULL,
	last_updated TEXT NOT NULL,
	PRIMARY KEY (id, feed),
	FOREIGN KEY (feed) REFERENCES feeds(url)
		ON UPDATE CASCADE
		ON DELETE CASCADE
);

CREATE INDEX idx_entries_last_updated ON entries(last_updated, feed, id);
`

// migration moves a database from version N to N+1.
type migration func(ctx context.Context, tx *sql.Tx) error

// migrations is keyed by the version being migrated from.
var migrations = map[int]migration{}

// migrate creates the schema on an empty database and runs any pending
// migrations on an existing one, all in a single transaction.
func (s *Store) migrate(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapError("begin migration", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS version (version INTEGER NOT NULL)`); err != nil {
		return wrapError("create version table", err)
	}

	var version int
	err = tx.QueryRowContext(ctx, `SELECT version FROM version`).Scan(&version)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := tx.ExecContext(ctx, createSchema); err != nil {
			return wrapError("create schema", err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO version VALUES (?)`, schemaVersion); err != nil {
			return wrapError("set schema version", err)
		}
	case err != nil:
		return wrapError("get schema version", err)
	case version > schemaVersion:
		return &model.StorageError{Message: fmt.Sprintf("invalid schema version %d, newest supported is %d", version, schemaVersion)}
	default:
		for from := version; from < schemaVersion; from++ {
			m, ok := migrations[from]
			if !ok {
				return fmt.Errorf("no migration from schema version %d", from)
			}
			if err := m(ctx, tx); err != nil {
				return wrapError(fmt.Sprintf("migrate from version %d", from), err)
			}
		}
		if _, err := tx.ExecContext(ctx, `UPDATE version SET version = ?`, schemaVersion); err != nil {
			return wrapError("set schema version", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return wrapError("commit migration", err)
	}
	return nil
}

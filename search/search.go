// Package search maintains a full-text index of entries using SQLite FTS5.
//
// The index lives in the same database as the entries and is derived
// from them: it can be dropped and rebuilt at any time. Update brings it
// in line with the entries table, tracking progress with a watermark on
// (last_updated, feed, id).
package search

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"strings"
	"unicode"

	"github.com/robertmeta/feedreader/model"
	"github.com/robertmeta/feedreader/store"
)

// DefaultChunkSize is the number of entries indexed per transaction.
const DefaultChunkSize = 256

const enableSQL = `
CREATE VIRTUAL TABLE IF NOT EXISTS entries_search USING fts5(
	title,
	summary,
	content,
	_id UNINDEXED,
	_feed UNINDEXED,
	tokenize = "porter unicode61 remove_diacritics 1"
);

CREATE TABLE IF NOT EXISTS entries_search_sync_state (
	last_updated TEXT NOT NULL,
	feed TEXT NOT NULL,
	id TEXT NOT NULL
);

CREATE TRIGGER IF NOT EXISTS entries_search_entries_delete
AFTER DELETE ON entries
BEGIN
	DELETE FROM entries_search WHERE _id = old.id AND _feed = old.feed;
END;
`

const disableSQL = `
DROP TRIGGER IF EXISTS entries_search_entries_delete;
DROP TABLE IF EXISTS entries_search_sync_state;
DROP TABLE IF EXISTS entries_search;
`

// Search is the full-text index over a Store.
type Search struct {
	store     *store.Store
	chunkSize int
}

// Option configures a Search.
type Option func(*Search)

// WithUpdateChunkSize sets how many entries Update indexes per transaction.
func WithUpdateChunkSize(n int) Option {
	return func(s *Search) {
		if n > 0 {
			s.chunkSize = n
		}
	}
}

// New returns the search index of st. It does not enable it.
func New(st *store.Store, opts ...Option) *Search {
	s := &Search{store: st, chunkSize: DefaultChunkSize}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Enable creates the index. Enabling an enabled index is a no-op.
func (s *Search) Enable(ctx context.Context) error {
	err := s.store.Update(ctx, func(tx *store.Tx) error {
		_, err := tx.Exec(ctx, enableSQL)
		return err
	})
	return wrapError("enable search", err)
}

// Disable drops the index. Entries are not touched.
func (s *Search) Disable(ctx context.Context) error {
	err := s.store.Update(ctx, func(tx *store.Tx) error {
		_, err := tx.Exec(ctx, disableSQL)
		return err
	})
	return wrapError("disable search", err)
}

// IsEnabled reports whether the index exists.
func (s *Search) IsEnabled(ctx context.Context) (bool, error) {
	rows, err := s.store.Query(ctx,
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name = 'entries_search'`)
	if err != nil {
		return false, wrapError("check search", err)
	}
	defer rows.Close()

	enabled := rows.Next()
	if err := rows.Err(); err != nil {
		return false, wrapError("check search", err)
	}
	return enabled, nil
}

// Update indexes every entry added or changed since the last call.
// Each chunk commits separately, so an interrupted Update keeps its progress.
func (s *Search) Update(ctx context.Context) error {
	for {
		var n int
		err := s.store.Update(ctx, func(tx *store.Tx) error {
			var err error
			n, err = s.updateChunk(ctx, tx)
			return err
		})
		if err != nil {
			return wrapError("update search", err)
		}
		if n < s.chunkSize {
			return nil
		}
	}
}

type indexRow struct {
	id, feed                string
	title, summary, content sql.NullString
	lastUpdated             string
}

func (s *Search) updateChunk(ctx context.Context, tx *store.Tx) (int, error) {
	query := `SELECT id, feed, title, summary, content, last_updated FROM entries`
	var args []any

	watermark, err := readWatermark(ctx, tx)
	if err != nil {
		return 0, err
	}
	if watermark != nil {
		query += ` WHERE (last_updated, feed, id) > (?, ?, ?)`
		args = append(args, watermark...)
	}
	query += ` ORDER BY last_updated, feed, id LIMIT ?`
	args = append(args, s.chunkSize)

	rows, err := tx.Query(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	var chunk []indexRow
	for rows.Next() {
		var r indexRow
		if err := rows.Scan(&r.id, &r.feed, &r.title, &r.summary, &r.content, &r.lastUpdated); err != nil {
			rows.Close()
			return 0, err
		}
		chunk = append(chunk, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}
	if len(chunk) == 0 {
		return 0, nil
	}

	for _, r := range chunk {
		if _, err := tx.Exec(ctx,
			`DELETE FROM entries_search WHERE _id = ? AND _feed = ?`, r.id, r.feed,
		); err != nil {
			return 0, err
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO entries_search (title, summary, content, _id, _feed) VALUES (?, ?, ?, ?, ?)`,
			stripNull(r.title), stripNull(r.summary), stripNull(r.content), r.id, r.feed,
		); err != nil {
			return 0, err
		}
	}

	last := chunk[len(chunk)-1]
	if _, err := tx.Exec(ctx, `DELETE FROM entries_search_sync_state`); err != nil {
		return 0, err
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO entries_search_sync_state (last_updated, feed, id) VALUES (?, ?, ?)`,
		last.lastUpdated, last.feed, last.id,
	); err != nil {
		return 0, err
	}
	return len(chunk), nil
}

func readWatermark(ctx context.Context, tx *store.Tx) ([]any, error) {
	rows, err := tx.Query(ctx, `SELECT last_updated, feed, id FROM entries_search_sync_state`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	var lastUpdated, feed, id string
	if err := rows.Scan(&lastUpdated, &feed, &id); err != nil {
		return nil, err
	}
	return []any{lastUpdated, feed, id}, nil
}

func stripNull(ns sql.NullString) any {
	if !ns.Valid {
		return nil
	}
	return StripHTML(ns.String)
}

// SearchEntries returns the entries matching query, most recently updated
// first, reading chunkSize results per query. Query syntax errors surface
// through the sequence as *model.InvalidSearchQueryError.
func (s *Search) SearchEntries(ctx context.Context, query string, chunkSize int) (iter.Seq2[model.EntrySearchResult, error], error) {
	if err := checkQuery(query); err != nil {
		return nil, err
	}
	if chunkSize <= 0 {
		return nil, fmt.Errorf("chunk size must be positive, got %d", chunkSize)
	}
	fetch := func(ctx context.Context, n int, after *store.Cursor) ([]model.EntrySearchResult, error) {
		return s.searchChunk(ctx, query, n, after)
	}
	return store.Paginate(ctx, chunkSize, fetch, resultCursor), nil
}

// ScanSearchEntries is SearchEntries with a single query that stays open,
// holding a read lock, until the sequence is exhausted or abandoned.
func (s *Search) ScanSearchEntries(ctx context.Context, query string) (iter.Seq2[model.EntrySearchResult, error], error) {
	if err := checkQuery(query); err != nil {
		return nil, err
	}
	return func(yield func(model.EntrySearchResult, error) bool) {
		sqlQuery, args := searchQuery(query, nil)
		rows, err := s.store.Query(ctx, sqlQuery, args...)
		if err != nil {
			yield(model.EntrySearchResult{}, queryError(query, err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			r, err := scanResult(rows)
			if err != nil {
				yield(model.EntrySearchResult{}, queryError(query, err))
				return
			}
			if !yield(r, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(model.EntrySearchResult{}, queryError(query, err))
		}
	}, nil
}

func (s *Search) searchChunk(ctx context.Context, query string, chunkSize int, after *store.Cursor) ([]model.EntrySearchResult, error) {
	sqlQuery, args := searchQuery(query, after)
	sqlQuery += ` LIMIT ?`
	args = append(args, chunkSize)

	rows, err := s.store.Query(ctx, sqlQuery, args...)
	if err != nil {
		return nil, queryError(query, err)
	}
	defer rows.Close()

	var results []model.EntrySearchResult
	for rows.Next() {
		r, err := scanResult(rows)
		if err != nil {
			return nil, queryError(query, err)
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, queryError(query, err)
	}
	return results, nil
}

func searchQuery(query string, after *store.Cursor) (string, []any) {
	sqlQuery := `
		SELECT
			entries.feed,
			entries.id,
			entries.last_updated,
			highlight(entries_search, 0, '<b>', '</b>'),
			snippet(entries_search, -1, '<b>', '</b>', '...', 16)
		FROM entries_search
		JOIN entries ON entries.id = entries_search._id AND entries.feed = entries_search._feed
		WHERE entries_search MATCH ?`
	args := []any{query}
	if after != nil {
		sqlQuery += ` AND (entries.last_updated, entries.feed, entries.id) < (?, ?, ?)`
		args = append(args, after.Args()...)
	}
	sqlQuery += ` ORDER BY entries.last_updated DESC, entries.feed DESC, entries.id DESC`
	return sqlQuery, args
}

func scanResult(rows *sql.Rows) (model.EntrySearchResult, error) {
	var (
		r              model.EntrySearchResult
		lastUpdated    string
		title, snippet sql.NullString
	)
	if err := rows.Scan(&r.FeedURL, &r.ID, &lastUpdated, &title, &snippet); err != nil {
		return r, err
	}
	t, err := store.ParseTime(lastUpdated)
	if err != nil {
		return r, err
	}
	r.LastUpdated = t
	r.Title = title.String
	r.Snippet = snippet.String
	return r, nil
}

func resultCursor(r model.EntrySearchResult) *store.Cursor {
	return store.NewCursor(r.LastUpdated, r.FeedURL, r.ID)
}

// checkQuery rejects what FTS5 would otherwise fail on obscurely.
func checkQuery(query string) error {
	for _, r := range query {
		if unicode.IsControl(r) && !unicode.IsSpace(r) {
			return &model.InvalidSearchQueryError{Query: query, Err: errors.New("query contains control characters")}
		}
	}
	return nil
}

// ftsErrors are fragments of SQLite messages caused by malformed queries.
var ftsErrors = []string{
	"fts5:",
	"unterminated string",
	"no such column",
	"unknown special query",
}

func queryError(query string, err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	for _, frag := range ftsErrors {
		if strings.Contains(msg, frag) {
			return &model.InvalidSearchQueryError{Query: query, Err: err}
		}
	}
	return wrapError("search entries", err)
}

// wrapError maps store failures onto search errors.
func wrapError(action string, err error) error {
	if err == nil {
		return nil
	}
	var (
		storageErr *model.StorageError
		searchErr  *model.SearchError
		notEnabled *model.SearchNotEnabledError
		invalid    *model.InvalidSearchQueryError
	)
	switch {
	case errors.As(err, &searchErr), errors.As(err, &notEnabled), errors.As(err, &invalid):
		return err
	case strings.Contains(err.Error(), "no such table: entries_search"):
		return &model.SearchNotEnabledError{}
	case errors.As(err, &storageErr):
		return &model.SearchError{Message: "failed to " + action, Err: storageErr.Err}
	case store.IsOperational(err):
		return &model.SearchError{Message: "failed to " + action, Err: err}
	}
	return fmt.Errorf("failed to %s: %w", action, err)
}

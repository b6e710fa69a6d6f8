package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"iter"
	"time"

	"github.com/robertmeta/feedreader/model"
)

const entryColumns = `feed, id, title, link, updated, author, published,
	summary, content, enclosures, read, first_updated, last_updated`

// GetEntryForUpdate returns the stored state of an entry, or nil if it does not exist.
func (s *Store) GetEntryForUpdate(ctx context.Context, feedURL, id string) (*model.EntryForUpdate, error) {
	return getEntryForUpdate(ctx, s.db, feedURL, id)
}

// GetEntryForUpdate is GetEntryForUpdate inside the transaction.
func (t *Tx) GetEntryForUpdate(ctx context.Context, feedURL, id string) (*model.EntryForUpdate, error) {
	return getEntryForUpdate(ctx, t.tx, feedURL, id)
}

func getEntryForUpdate(ctx context.Context, q querier, feedURL, id string) (*model.EntryForUpdate, error) {
	var updated, hash sql.NullString
	err := q.QueryRowContext(ctx,
		`SELECT updated, data_hash FROM entries WHERE feed = ? AND id = ?`,
		feedURL, id,
	).Scan(&updated, &hash)
	if errNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapError("get entry for update", err)
	}
	t, err := scanTime(updated)
	if err != nil {
		return nil, err
	}
	return &model.EntryForUpdate{Updated: t, Hash: hash.String}, nil
}

// MaxEntryLastUpdated returns the greatest entry last_updated,
// or nil if there are no entries.
func (t *Tx) MaxEntryLastUpdated(ctx context.Context) (*time.Time, error) {
	var last sql.NullString
	err := t.tx.QueryRowContext(ctx, `SELECT max(last_updated) FROM entries`).Scan(&last)
	if err != nil {
		return nil, wrapError("get max last_updated", err)
	}
	return scanTime(last)
}

// AddOrUpdateEntries writes every intent of seq in one transaction.
func (s *Store) AddOrUpdateEntries(ctx context.Context, seq iter.Seq2[model.EntryUpdateIntent, error]) error {
	return s.Update(ctx, func(tx *Tx) error {
		return tx.AddOrUpdateEntries(ctx, seq)
	})
}

// AddOrUpdateEntries consumes seq in a single pass. The producer may call
// GetEntryForUpdate on the same transaction between yields.
//
// Existing entries keep their read flag and first_updated.
func (t *Tx) AddOrUpdateEntries(ctx context.Context, seq iter.Seq2[model.EntryUpdateIntent, error]) error {
	stmt, err := t.tx.PrepareContext(ctx, `
		INSERT INTO entries (
			id, feed, title, link, updated, author, published,
			summary, content, enclosures, data_hash, first_updated, last_updated
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id, feed) DO UPDATE SET
			title = excluded.title,
			link = excluded.link,
			updated = excluded.updated,
			author = excluded.author,
			published = excluded.published,
			summary = excluded.summary,
			content = excluded.content,
			enclosures = excluded.enclosures,
			data_hash = excluded.data_hash,
			last_updated = excluded.last_updated`)
	if err != nil {
		return wrapError("prepare entry upsert", err)
	}
	defer stmt.Close()

	for intent, err := range seq {
		if err != nil {
			return err
		}
		e := intent.Entry
		enclosures, err := marshalEnclosures(e.Enclosures)
		if err != nil {
			return err
		}
		firstUpdated := intent.LastUpdated
		if intent.FirstUpdated != nil {
			firstUpdated = *intent.FirstUpdated
		}
		_, err = stmt.ExecContext(ctx,
			e.ID, e.FeedURL,
			emptyToNull(e.Title), emptyToNull(e.Link), nullTime(e.Updated), emptyToNull(e.Author),
			nullTime(e.Published), emptyToNull(e.Summary), emptyToNull(e.Content),
			enclosures, intent.Hash,
			formatTime(firstUpdated), formatTime(intent.LastUpdated),
		)
		if isForeignKey(err) {
			return &model.FeedNotFoundError{URL: e.FeedURL}
		}
		if err != nil {
			return wrapError("add or update entry", err)
		}
	}
	return nil
}

// MarkAsReadUnread sets the read flag of an entry.
func (s *Store) MarkAsReadUnread(ctx context.Context, feedURL, id string, read bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE entries SET read = ? WHERE feed = ? AND id = ?`,
		boolToInt(read), feedURL, id,
	)
	if err != nil {
		return wrapError("mark entry read", err)
	}
	return requireAffected(res, &model.EntryNotFoundError{FeedURL: feedURL, ID: id})
}

// GetEntry returns a single entry.
func (s *Store) GetEntry(ctx context.Context, feedURL, id string) (model.Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+entryColumns+` FROM entries WHERE feed = ? AND id = ?`,
		feedURL, id,
	)
	if err != nil {
		return model.Entry{}, wrapError("get entry", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return model.Entry{}, wrapError("get entry", err)
		}
		return model.Entry{}, &model.EntryNotFoundError{FeedURL: feedURL, ID: id}
	}
	return scanEntry(rows)
}

// GetEntries returns at most chunkSize entries matching filter, newest
// first, strictly after the after cursor (nil starts at the beginning).
// All rows are read and released before returning.
func (s *Store) GetEntries(ctx context.Context, filter EntryFilter, chunkSize int, after *Cursor) ([]model.Entry, error) {
	if chunkSize <= 0 {
		return nil, fmt.Errorf("chunk size must be positive, got %d", chunkSize)
	}
	query, args := entriesQuery(filter, after)
	query += ` LIMIT ?`
	args = append(args, chunkSize)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapError("query entries", err)
	}
	defer rows.Close()

	entries := make([]model.Entry, 0, chunkSize)
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapError("iterate entries", err)
	}
	return entries, nil
}

// ScanEntries streams every entry matching filter with a single query.
//
// The read stays open, and SQLite keeps its shared lock, until the
// sequence is exhausted or the consumer stops; writers block meanwhile.
// Prefer Paginate over GetEntries.
func (s *Store) ScanEntries(ctx context.Context, filter EntryFilter) iter.Seq2[model.Entry, error] {
	return func(yield func(model.Entry, error) bool) {
		query, args := entriesQuery(filter, nil)
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			yield(model.Entry{}, wrapError("query entries", err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			e, err := scanEntry(rows)
			if err != nil {
				yield(model.Entry{}, err)
				return
			}
			if !yield(e, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(model.Entry{}, wrapError("iterate entries", err))
		}
	}
}

func entriesQuery(filter EntryFilter, after *Cursor) (string, []any) {
	where, args := filter.clauses()
	if after != nil {
		where = append(where, `(last_updated, feed, id) < (?, ?, ?)`)
		args = append(args, after.Args()...)
	}
	query := `SELECT ` + entryColumns + ` FROM entries` + whereClause(where) +
		` ORDER BY last_updated DESC, feed DESC, id DESC`
	return query, args
}

func scanEntry(rows *sql.Rows) (model.Entry, error) {
	var (
		e                                     model.Entry
		title, link, author, summary, content sql.NullString
		updated, published, enclosures        sql.NullString
		firstUpdated, lastUpdated             string
		read                                  int
	)
	err := rows.Scan(&e.FeedURL, &e.ID, &title, &link, &updated, &author, &published,
		&summary, &content, &enclosures, &read, &firstUpdated, &lastUpdated)
	if err != nil {
		return e, wrapError("scan entry", err)
	}
	e.Title = title.String
	e.Link = link.String
	e.Author = author.String
	e.Summary = summary.String
	e.Content = content.String
	e.Read = read != 0
	if e.Updated, err = scanTime(updated); err != nil {
		return e, err
	}
	if e.Published, err = scanTime(published); err != nil {
		return e, err
	}
	if e.FirstUpdated, err = parseTime(firstUpdated); err != nil {
		return e, err
	}
	if e.LastUpdated, err = parseTime(lastUpdated); err != nil {
		return e, err
	}
	if enclosures.Valid {
		if err := json.Unmarshal([]byte(enclosures.String), &e.Enclosures); err != nil {
			return e, fmt.Errorf("failed to decode enclosures of %s: %w", e.ID, err)
		}
	}
	return e, nil
}

func marshalEnclosures(enclosures []model.Enclosure) (any, error) {
	if len(enclosures) == 0 {
		return nil, nil
	}
	blob, err := json.Marshal(enclosures)
	if err != nil {
		return nil, fmt.Errorf("failed to encode enclosures: %w", err)
	}
	return string(blob), nil
}

// EntryCursor returns the cursor positioned at e.
func EntryCursor(e model.Entry) *Cursor {
	return NewCursor(e.LastUpdated, e.FeedURL, e.ID)
}

// Cursor is a position in (last_updated, feed, id) order.
type Cursor struct {
	lastUpdated time.Time
	feedURL     string
	id          string
}

// NewCursor returns a cursor positioned at the given row.
func NewCursor(lastUpdated time.Time, feedURL, id string) *Cursor {
	return &Cursor{lastUpdated: lastUpdated, feedURL: feedURL, id: id}
}

// Args returns the query arguments for a (last_updated, feed, id) row-value comparison.
func (c *Cursor) Args() []any {
	return []any{formatTime(c.lastUpdated), c.feedURL, c.id}
}

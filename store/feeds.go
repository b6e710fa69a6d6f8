package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/robertmeta/feedreader/model"
)

// FeedFilter selects feeds. The zero value selects all of them.
type FeedFilter struct {
	URL string
}

const feedColumns = `url, title, link, updated, author, user_title,
	http_etag, http_last_modified, stale, last_updated, added`

// AddFeed inserts a new feed with only its URL and added time set.
func (s *Store) AddFeed(ctx context.Context, url string, now time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO feeds (url, added) VALUES (?, ?)`,
		url, formatTime(now),
	)
	if isConstraint(err) {
		return &model.FeedExistsError{URL: url}
	}
	return wrapError("add feed", err)
}

// RemoveFeed deletes a feed and, through the foreign key, all its entries.
func (s *Store) RemoveFeed(ctx context.Context, url string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM feeds WHERE url = ?`, url)
	if err != nil {
		return wrapError("remove feed", err)
	}
	return requireAffected(res, &model.FeedNotFoundError{URL: url})
}

// GetFeeds returns the feeds matching filter in the given order.
func (s *Store) GetFeeds(ctx context.Context, filter FeedFilter, sort FeedSort) ([]model.Feed, error) {
	query := `SELECT ` + feedColumns + ` FROM feeds`
	var args []any
	if filter.URL != "" {
		query += ` WHERE url = ?`
		args = append(args, filter.URL)
	}
	switch sort {
	case SortAdded:
		query += ` ORDER BY added DESC, url`
	default:
		query += ` ORDER BY lower(coalesce(user_title, title, '')), url`
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapError("query feeds", err)
	}
	defer rows.Close()

	var feeds []model.Feed
	for rows.Next() {
		f, err := scanFeed(rows)
		if err != nil {
			return nil, err
		}
		feeds = append(feeds, f)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapError("iterate feeds", err)
	}
	return feeds, nil
}

// GetFeed returns a single feed by URL.
func (s *Store) GetFeed(ctx context.Context, url string) (model.Feed, error) {
	feeds, err := s.GetFeeds(ctx, FeedFilter{URL: url}, SortTitle)
	if err != nil {
		return model.Feed{}, err
	}
	if len(feeds) == 0 {
		return model.Feed{}, &model.FeedNotFoundError{URL: url}
	}
	return feeds[0], nil
}

// SetFeedUserTitle sets or, with nil, clears the user-provided title.
func (s *Store) SetFeedUserTitle(ctx context.Context, url string, title *string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE feeds SET user_title = ? WHERE url = ?`,
		nullString(title), url,
	)
	if err != nil {
		return wrapError("set feed user title", err)
	}
	return requireAffected(res, &model.FeedNotFoundError{URL: url})
}

// SetFeedStale sets the stale flag; the next successful update clears it.
func (s *Store) SetFeedStale(ctx context.Context, url string, stale bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE feeds SET stale = ? WHERE url = ?`,
		boolToInt(stale), url,
	)
	if err != nil {
		return wrapError("set feed stale", err)
	}
	return requireAffected(res, &model.FeedNotFoundError{URL: url})
}

// GetFeedsForUpdate returns reconciliation snapshots ordered by URL.
// An empty url selects all feeds; newOnly selects feeds never updated.
func (s *Store) GetFeedsForUpdate(ctx context.Context, url string, newOnly bool) ([]model.FeedForUpdate, error) {
	query := `SELECT url, updated, http_etag, http_last_modified, stale, last_updated FROM feeds`
	var where []string
	var args []any
	if url != "" {
		where = append(where, `url = ?`)
		args = append(args, url)
	}
	if newOnly {
		where = append(where, `last_updated IS NULL`)
	}
	query += whereClause(where) + ` ORDER BY url`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapError("query feeds for update", err)
	}
	defer rows.Close()

	var feeds []model.FeedForUpdate
	for rows.Next() {
		var (
			f                                model.FeedForUpdate
			updated, etag, modified, lastUpd sql.NullString
			stale                            int
		)
		if err := rows.Scan(&f.URL, &updated, &etag, &modified, &stale, &lastUpd); err != nil {
			return nil, wrapError("scan feed for update", err)
		}
		if f.Updated, err = scanTime(updated); err != nil {
			return nil, err
		}
		if f.LastUpdated, err = scanTime(lastUpd); err != nil {
			return nil, err
		}
		f.HTTPETag = scanString(etag)
		f.HTTPLastModified = scanString(modified)
		f.Stale = stale != 0
		feeds = append(feeds, f)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapError("iterate feeds for update", err)
	}
	return feeds, nil
}

// UpdateFeedLastUpdated only bumps last_updated.
func (t *Tx) UpdateFeedLastUpdated(ctx context.Context, url string, now time.Time) error {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE feeds SET last_updated = ? WHERE url = ?`,
		formatTime(now), url,
	)
	if err != nil {
		return wrapError("update feed last updated", err)
	}
	return requireAffected(res, &model.FeedNotFoundError{URL: url})
}

// UpdateFeed replaces the feed metadata and validators and clears stale.
// An intent without Feed data only bumps last_updated.
func (t *Tx) UpdateFeed(ctx context.Context, intent model.FeedUpdateIntent) error {
	if intent.Feed == nil {
		return t.UpdateFeedLastUpdated(ctx, intent.URL, intent.LastUpdated)
	}
	f := intent.Feed
	res, err := t.tx.ExecContext(ctx, `
		UPDATE feeds SET
			title = ?,
			link = ?,
			updated = ?,
			author = ?,
			http_etag = ?,
			http_last_modified = ?,
			stale = 0,
			last_updated = ?
		WHERE url = ?`,
		emptyToNull(f.Title), emptyToNull(f.Link), nullTime(f.Updated), emptyToNull(f.Author),
		nullString(intent.HTTPETag), nullString(intent.HTTPLastModified),
		formatTime(intent.LastUpdated), intent.URL,
	)
	if err != nil {
		return wrapError("update feed", err)
	}
	return requireAffected(res, &model.FeedNotFoundError{URL: intent.URL})
}

func scanFeed(rows *sql.Rows) (model.Feed, error) {
	var (
		f                                                  model.Feed
		title, link, author                                sql.NullString
		updated, userTitle, etag, modified, lastUpd, added sql.NullString
		stale                                              int
	)
	err := rows.Scan(&f.URL, &title, &link, &updated, &author, &userTitle,
		&etag, &modified, &stale, &lastUpd, &added)
	if err != nil {
		return f, wrapError("scan feed", err)
	}
	f.Title = title.String
	f.Link = link.String
	f.Author = author.String
	f.UserTitle = scanString(userTitle)
	f.HTTPETag = scanString(etag)
	f.HTTPLastModified = scanString(modified)
	f.Stale = stale != 0
	if f.Updated, err = scanTime(updated); err != nil {
		return f, err
	}
	if f.LastUpdated, err = scanTime(lastUpd); err != nil {
		return f, err
	}
	if f.Added, err = parseTime(added.String); err != nil {
		return f, err
	}
	return f, nil
}

func requireAffected(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return wrapError("get rows affected", err)
	}
	if n == 0 {
		return notFound
	}
	return nil
}

// errNoRows reports whether err means the query matched nothing.
func errNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

package reader

import (
	"context"
	"errors"
	"time"

	"github.com/robertmeta/feedreader/model"
	"github.com/robertmeta/feedreader/store"
	"github.com/robertmeta/feedreader/updater"
	"golang.org/x/sync/errgroup"
)

// UpdateOptions selects the feeds UpdateFeeds retrieves.
type UpdateOptions struct {
	// NewOnly selects feeds that were never updated.
	NewOnly bool
}

// UpdatedFeed summarizes the update of one feed.
type UpdatedFeed struct {
	URL        string             `json:"url"`
	New        int                `json:"new"`
	Updated    int                `json:"updated"`
	FeedUpdate updater.FeedUpdate `json:"-"`
	Err        error              `json:"-"`
}

// UpdateFeed retrieves and reconciles a single feed.
// Parse failures are returned as *model.ParseError.
func (r *Reader) UpdateFeed(ctx context.Context, ref model.FeedRef) (UpdatedFeed, error) {
	url, err := feedURL(ref)
	if err != nil {
		return UpdatedFeed{}, err
	}
	feeds, err := r.store.GetFeedsForUpdate(ctx, url, false)
	if err != nil {
		return UpdatedFeed{}, err
	}
	if len(feeds) == 0 {
		return UpdatedFeed{}, &model.FeedNotFoundError{URL: url}
	}

	old := feeds[0]
	result, err := r.parse(ctx, old)
	if err != nil {
		return UpdatedFeed{URL: url, Err: err}, err
	}
	return r.reconcile(ctx, old, result)
}

type parsed struct {
	feed   model.FeedForUpdate
	result model.ParseResult
	err    error
}

// UpdateFeeds retrieves and reconciles all feeds.
//
// Feeds are retrieved in parallel by up to WithWorkers goroutines;
// reconciliation and writes happen one feed at a time on the calling
// goroutine. A feed that fails to parse or disappears meanwhile is
// logged, reported in its UpdatedFeed.Err and skipped; any other error
// stops the update and is returned.
func (r *Reader) UpdateFeeds(ctx context.Context, opts UpdateOptions) ([]UpdatedFeed, error) {
	feeds, err := r.store.GetFeedsForUpdate(ctx, "", opts.NewOnly)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan parsed)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.workers)
	go func() {
		defer close(results)
		for _, f := range feeds {
			if gctx.Err() != nil {
				break
			}
			g.Go(func() error {
				result, err := r.parse(gctx, f)
				select {
				case results <- parsed{feed: f, result: result, err: err}:
					return nil
				case <-gctx.Done():
					return gctx.Err()
				}
			})
		}
		_ = g.Wait()
	}()

	var updated []UpdatedFeed
	for p := range results {
		uf, err := r.updateParsed(ctx, p)
		if err != nil {
			cancel()
			for range results {
			}
			return updated, err
		}
		updated = append(updated, uf)
	}
	if err := ctx.Err(); err != nil {
		return updated, err
	}
	return updated, nil
}

func (r *Reader) updateParsed(ctx context.Context, p parsed) (UpdatedFeed, error) {
	log := r.logger.With("feed", p.feed.URL)

	var parseErr *model.ParseError
	if errors.As(p.err, &parseErr) {
		log.Error("update feed: error while getting/parsing feed", "err", p.err)
		return UpdatedFeed{URL: p.feed.URL, Err: p.err}, nil
	}
	if p.err != nil {
		return UpdatedFeed{}, p.err
	}

	uf, err := r.reconcile(ctx, p.feed, p.result)
	var notFound *model.FeedNotFoundError
	if errors.As(err, &notFound) {
		log.Info("update feed: feed removed during update")
		return UpdatedFeed{URL: p.feed.URL, Err: err}, nil
	}
	return uf, err
}

// parse retrieves a feed. Stale feeds are retrieved unconditionally.
func (r *Reader) parse(ctx context.Context, f model.FeedForUpdate) (model.ParseResult, error) {
	etag, lastModified := f.HTTPETag, f.HTTPLastModified
	if f.Stale {
		etag, lastModified = nil, nil
	}
	return r.parser.Parse(ctx, f.URL, etag, lastModified)
}

// reconcile writes a parse result in one transaction, then runs the
// post-entry-add hooks for the new entries.
func (r *Reader) reconcile(ctx context.Context, old model.FeedForUpdate, result model.ParseResult) (UpdatedFeed, error) {
	var res updater.Result
	err := r.store.Update(ctx, func(tx *store.Tx) error {
		// Taken inside the write transaction so timestamps follow commit order.
		now, err := r.updateTime(ctx, tx)
		if err != nil {
			return err
		}
		res, err = updater.Update(ctx, old, now, result, tx, r.logger)
		return err
	})
	if err != nil {
		return UpdatedFeed{URL: old.URL, Err: err}, err
	}

	for _, entry := range res.NewEntries {
		for _, hook := range r.hooks {
			hook(ctx, r, res.Feed, entry)
		}
	}

	return UpdatedFeed{
		URL:        old.URL,
		New:        len(res.NewEntries),
		Updated:    len(res.UpdatedEntries),
		FeedUpdate: res.FeedUpdate,
	}, nil
}

// updateTime is the current time, moved past the newest entry
// last_updated if the clock went backwards; last_updated never decreases.
func (r *Reader) updateTime(ctx context.Context, tx *store.Tx) (time.Time, error) {
	now := r.now()
	last, err := tx.MaxEntryLastUpdated(ctx)
	if err != nil {
		return time.Time{}, err
	}
	if last != nil && !now.After(*last) {
		r.logger.Warn("clock is behind the newest entry, using a later time", "now", now, "last_updated", *last)
		now = last.Add(time.Microsecond)
	}
	return now, nil
}

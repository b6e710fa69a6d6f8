// Package updater reconciles a freshly parsed feed against its stored state.
//
// It decides which entries are new, which changed and which are
// unchanged, assigns the synthetic last_updated timestamps that keep
// feed order stable, and issues the writes through a Writer in one pass.
package updater

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"github.com/robertmeta/feedreader/model"
)

// Writer is the write side of storage used during reconciliation.
// *store.Tx implements it.
type Writer interface {
	GetEntryForUpdate(ctx context.Context, feedURL, id string) (*model.EntryForUpdate, error)
	AddOrUpdateEntries(ctx context.Context, seq iter.Seq2[model.EntryUpdateIntent, error]) error
	UpdateFeed(ctx context.Context, intent model.FeedUpdateIntent) error
	UpdateFeedLastUpdated(ctx context.Context, url string, now time.Time) error
}

// FeedUpdate is what happened to the feed row.
type FeedUpdate int

const (
	// FeedUpdateNone means the feed row was not written.
	FeedUpdateNone FeedUpdate = iota
	// FeedUpdateLastUpdated means only last_updated was bumped.
	FeedUpdateLastUpdated
	// FeedUpdateFull means metadata and validators were replaced.
	FeedUpdateFull
)

func (u FeedUpdate) String() string {
	switch u {
	case FeedUpdateNone:
		return "none"
	case FeedUpdateLastUpdated:
		return "last-updated"
	case FeedUpdateFull:
		return "full"
	default:
		return fmt.Sprintf("FeedUpdate(%d)", int(u))
	}
}

// Result summarizes one reconciliation.
type Result struct {
	// Feed is the parsed feed; only URL is set when the feed was not modified.
	Feed           model.FeedData
	NewEntries     []model.EntryData
	UpdatedEntries []model.EntryData
	FeedUpdate     FeedUpdate
}

// Update reconciles result against old and writes the outcome through w.
// now must already be truncated to microseconds.
func Update(ctx context.Context, old model.FeedForUpdate, now time.Time, result model.ParseResult, w Writer, logger *slog.Logger) (Result, error) {
	logger = logger.With("feed", old.URL)

	switch r := result.(type) {
	case model.NotModified:
		// The feed shouldn't be considered new anymore.
		logger.Info("feed not modified, skipping")
		if err := w.UpdateFeedLastUpdated(ctx, old.URL, now); err != nil {
			return Result{}, err
		}
		return Result{Feed: model.FeedData{URL: old.URL}, FeedUpdate: FeedUpdateLastUpdated}, nil
	case model.Modified:
		return updateModified(ctx, old, now, r, w, logger)
	default:
		return Result{}, fmt.Errorf("unexpected parse result %T for feed %s", result, old.URL)
	}
}

func updateModified(ctx context.Context, old model.FeedForUpdate, now time.Time, parsed model.Modified, w Writer, logger *slog.Logger) (Result, error) {
	stale := old.Stale
	old = ProcessOldFeed(old, logger)

	feed := parsed.Feed
	feed.URL = old.URL
	feed.Updated = normalizeTime(feed.Updated)
	res := Result{Feed: feed}

	// Walking the parsed entries backwards gives the first one
	// the greatest last_updated.
	seq := func(yield func(model.EntryUpdateIntent, error) bool) {
		var k time.Duration
		for i := len(parsed.Entries) - 1; i >= 0; i-- {
			entry := parsed.Entries[i]
			entry.FeedURL = old.URL
			entry.Updated = normalizeTime(entry.Updated)
			entry.Published = normalizeTime(entry.Published)

			prior, err := w.GetEntryForUpdate(ctx, old.URL, entry.ID)
			if err != nil {
				yield(model.EntryUpdateIntent{}, err)
				return
			}

			elog := logger.With("entry", entry.ID)
			if !ShouldUpdateEntry(entry, prior, stale) {
				elog.Debug("entry not updated, skipping")
				continue
			}
			if prior != nil && entry.Updated == nil {
				elog.Debug("entry has no updated, keeping the stored one")
				entry.Updated = prior.Updated
			}

			intent := model.EntryUpdateIntent{
				Entry:       entry,
				LastUpdated: now.Add(k * time.Microsecond),
				Hash:        entry.Hash(),
			}
			k++
			if prior == nil {
				first := now
				intent.FirstUpdated = &first
				res.NewEntries = append(res.NewEntries, entry)
				elog.Debug("entry added")
			} else {
				res.UpdatedEntries = append(res.UpdatedEntries, entry)
				elog.Debug("entry updated")
			}

			if !yield(intent, nil) {
				return
			}
		}
	}
	if err := w.AddOrUpdateEntries(ctx, seq); err != nil {
		return Result{}, err
	}

	logger.Info("feed updated", "new", len(res.NewEntries), "updated", len(res.UpdatedEntries))

	switch {
	case ShouldUpdateFeed(old, feed, stale, logger):
		res.FeedUpdate = FeedUpdateFull
		err := w.UpdateFeed(ctx, model.FeedUpdateIntent{
			URL:              old.URL,
			LastUpdated:      now,
			Feed:             &feed,
			HTTPETag:         parsed.HTTPETag,
			HTTPLastModified: parsed.HTTPLastModified,
		})
		if err != nil {
			return Result{}, err
		}
	case len(res.NewEntries) > 0 || len(res.UpdatedEntries) > 0:
		res.FeedUpdate = FeedUpdateLastUpdated
		if err := w.UpdateFeedLastUpdated(ctx, old.URL, now); err != nil {
			return Result{}, err
		}
	}

	return res, nil
}

// normalizeTime brings a parser timestamp to the precision it is stored
// with, so comparing it with a stored one is exact.
func normalizeTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	n := t.UTC().Truncate(time.Microsecond)
	return &n
}

// ProcessOldFeed drops the stored updated time and HTTP validators of a
// stale feed so the next pass treats everything as new.
func ProcessOldFeed(old model.FeedForUpdate, logger *slog.Logger) model.FeedForUpdate {
	if !old.Stale {
		return old
	}
	logger.Info("feed marked as stale, ignoring updated, http_etag and http_last_modified")
	old.Updated = nil
	old.HTTPETag = nil
	old.HTTPLastModified = nil
	return old
}

// ShouldUpdateFeed reports whether the feed metadata must be replaced.
// old must have gone through ProcessOldFeed.
func ShouldUpdateFeed(old model.FeedForUpdate, feed model.FeedData, stale bool, logger *slog.Logger) bool {
	switch {
	case old.LastUpdated == nil:
		logger.Info("feed has no last_updated, treating as updated")
		return true
	case feed.Updated == nil:
		logger.Info("feed has no updated, treating as updated")
		return true
	case stale:
		return true
	case old.Updated == nil || feed.Updated.After(*old.Updated):
		return true
	}
	// Some feeds have entries newer than the feed.
	logger.Info("feed not updated, updating entries anyway")
	return false
}

// ShouldUpdateEntry reports whether entry must be written given its
// stored state (nil if the entry does not exist yet).
//
// Without a source updated time, an existing entry is rewritten only if
// its content hash changed.
func ShouldUpdateEntry(entry model.EntryData, stored *model.EntryForUpdate, stale bool) bool {
	switch {
	case stored == nil:
		return true
	case stale:
		return true
	case entry.Updated == nil:
		return entry.Hash() != stored.Hash
	case stored.Updated == nil:
		return true
	default:
		return entry.Updated.After(*stored.Updated)
	}
}

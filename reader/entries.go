package reader

import (
	"context"
	"iter"

	"github.com/robertmeta/feedreader/model"
	"github.com/robertmeta/feedreader/store"
)

// EntryFilter selects entries. The zero value selects all of them.
type EntryFilter struct {
	Which store.Which
	// Feed, if set, restricts entries to one feed.
	Feed          model.FeedRef
	HasEnclosures *bool
}

func (f EntryFilter) resolve() (store.EntryFilter, error) {
	filter := store.EntryFilter{Which: f.Which, HasEnclosures: f.HasEnclosures}
	if f.Feed != nil {
		url, err := feedURL(f.Feed)
		if err != nil {
			return store.EntryFilter{}, err
		}
		filter.FeedURL = url
	}
	return filter, filter.Validate()
}

// GetEntries returns the entries matching filter, most recently updated
// first. Entries are read lazily, in chunks; iterating again starts over.
func (r *Reader) GetEntries(ctx context.Context, f EntryFilter) (iter.Seq2[model.Entry, error], error) {
	filter, err := f.resolve()
	if err != nil {
		return nil, err
	}
	if r.chunkSize == 0 {
		return r.store.ScanEntries(ctx, filter), nil
	}
	fetch := func(ctx context.Context, n int, after *store.Cursor) ([]model.Entry, error) {
		return r.store.GetEntries(ctx, filter, n, after)
	}
	return store.Paginate(ctx, r.chunkSize, fetch, store.EntryCursor), nil
}

// GetEntry returns a single entry.
func (r *Reader) GetEntry(ctx context.Context, ref model.EntryRef) (model.Entry, error) {
	key, err := entryKey(ref)
	if err != nil {
		return model.Entry{}, err
	}
	return r.store.GetEntry(ctx, key.FeedURL, key.ID)
}

// MarkAsRead marks an entry as read.
func (r *Reader) MarkAsRead(ctx context.Context, ref model.EntryRef) error {
	return r.markAsReadUnread(ctx, ref, true)
}

// MarkAsUnread marks an entry as unread.
func (r *Reader) MarkAsUnread(ctx context.Context, ref model.EntryRef) error {
	return r.markAsReadUnread(ctx, ref, false)
}

func (r *Reader) markAsReadUnread(ctx context.Context, ref model.EntryRef, read bool) error {
	key, err := entryKey(ref)
	if err != nil {
		return err
	}
	return r.store.MarkAsReadUnread(ctx, key.FeedURL, key.ID, read)
}

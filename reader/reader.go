// Package reader is the feedreader engine: it keeps feeds and their
// entries up to date in a SQLite store and exposes read, update and
// search operations over them.
//
// A Reader is safe for concurrent use, except for AddPostEntryAddHook
// and AddLinkFilter, which must not run concurrently with other methods.
package reader

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/robertmeta/feedreader/feed"
	"github.com/robertmeta/feedreader/model"
	"github.com/robertmeta/feedreader/search"
	"github.com/robertmeta/feedreader/store"
)

// Parser retrieves and parses a feed. etag and lastModified are the
// validators from the previous retrieval, if any.
// Failures must be reported as *model.ParseError.
type Parser interface {
	Parse(ctx context.Context, url string, etag, lastModified *string) (model.ParseResult, error)
}

// PostEntryAddHook is called once for every new entry, after it is stored.
type PostEntryAddHook func(ctx context.Context, r *Reader, feed model.FeedData, entry model.EntryData)

// LinkFilter returns extra links to show next to an enclosure.
type LinkFilter func(enc model.Enclosure, entry model.Entry) []model.Link

// Reader is the feed reader engine.
type Reader struct {
	store       *store.Store
	search      *search.Search
	parser      Parser
	logger      *slog.Logger
	workers     int
	clock       func() time.Time
	chunkSize   int
	hooks       []PostEntryAddHook
	linkFilters []LinkFilter
	ownsStore   bool
}

// New opens (creating it if needed) the database at path.
// Use ":memory:" for a throwaway database.
func New(path string, opts ...Option) (*Reader, error) {
	s := newSettings(opts)
	st, err := store.New(path, s.storeOpts...)
	if err != nil {
		return nil, err
	}
	r := newReader(st, s)
	r.ownsStore = true
	return r, nil
}

// NewWithStore returns a Reader over an already open store.
// Close does not close st.
func NewWithStore(st *store.Store, opts ...Option) *Reader {
	return newReader(st, newSettings(opts))
}

func newSettings(opts []Option) settings {
	s := settings{
		workers:   DefaultWorkers,
		clock:     time.Now,
		chunkSize: DefaultChunkSize,
	}
	for _, opt := range opts {
		opt(&s)
	}
	if s.parser == nil {
		s.parser = feed.NewFetcher()
	}
	if s.logger == nil {
		s.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return s
}

func newReader(st *store.Store, s settings) *Reader {
	return &Reader{
		store:       st,
		search:      search.New(st),
		parser:      s.parser,
		logger:      s.logger,
		workers:     s.workers,
		clock:       s.clock,
		chunkSize:   s.chunkSize,
		hooks:       s.hooks,
		linkFilters: s.linkFilters,
	}
}

// Close closes the underlying store if the Reader opened it.
func (r *Reader) Close() error {
	if !r.ownsStore {
		return nil
	}
	return r.store.Close()
}

// now returns the current time as stored: UTC, microsecond precision.
func (r *Reader) now() time.Time {
	return r.clock().UTC().Truncate(time.Microsecond)
}

func feedURL(ref model.FeedRef) (string, error) {
	if ref == nil {
		return "", errors.New("feed is required")
	}
	url := ref.FeedKey()
	if err := (&model.Feed{URL: url}).Validate(); err != nil {
		return "", err
	}
	return url, nil
}

func entryKey(ref model.EntryRef) (model.EntryKey, error) {
	if ref == nil {
		return model.EntryKey{}, errors.New("entry is required")
	}
	key := ref.EntryKey()
	if key.FeedURL == "" || key.ID == "" {
		return key, errors.New("entry feed URL and id are required")
	}
	return key, nil
}

// AddFeed subscribes to a feed. It is retrieved on the next update.
func (r *Reader) AddFeed(ctx context.Context, ref model.FeedRef) error {
	url, err := feedURL(ref)
	if err != nil {
		return err
	}
	return r.store.AddFeed(ctx, url, r.now())
}

// RemoveFeed unsubscribes from a feed and deletes its entries.
func (r *Reader) RemoveFeed(ctx context.Context, ref model.FeedRef) error {
	url, err := feedURL(ref)
	if err != nil {
		return err
	}
	return r.store.RemoveFeed(ctx, url)
}

// GetFeeds returns all feeds in the given order.
func (r *Reader) GetFeeds(ctx context.Context, sort store.FeedSort) ([]model.Feed, error) {
	sort, err := store.ParseFeedSort(string(sort))
	if err != nil {
		return nil, err
	}
	return r.store.GetFeeds(ctx, store.FeedFilter{}, sort)
}

// GetFeed returns a single feed.
func (r *Reader) GetFeed(ctx context.Context, ref model.FeedRef) (model.Feed, error) {
	url, err := feedURL(ref)
	if err != nil {
		return model.Feed{}, err
	}
	return r.store.GetFeed(ctx, url)
}

// SetFeedUserTitle sets a title that overrides the one in the feed;
// nil removes it.
func (r *Reader) SetFeedUserTitle(ctx context.Context, ref model.FeedRef, title *string) error {
	url, err := feedURL(ref)
	if err != nil {
		return err
	}
	return r.store.SetFeedUserTitle(ctx, url, title)
}

// MarkFeedStale makes the next update ignore cached validators and
// timestamps, rewriting the feed and all its entries.
func (r *Reader) MarkFeedStale(ctx context.Context, ref model.FeedRef) error {
	url, err := feedURL(ref)
	if err != nil {
		return err
	}
	return r.store.SetFeedStale(ctx, url, true)
}

// AddPostEntryAddHook registers a hook called for every new entry.
func (r *Reader) AddPostEntryAddHook(h PostEntryAddHook) {
	r.hooks = append(r.hooks, h)
}

// AddLinkFilter registers an enclosure link filter.
func (r *Reader) AddLinkFilter(f LinkFilter) {
	r.linkFilters = append(r.linkFilters, f)
}

// EnclosureLinks returns the links of every filter for enc, in
// registration order.
func (r *Reader) EnclosureLinks(enc model.Enclosure, entry model.Entry) []model.Link {
	var links []model.Link
	for _, f := range r.linkFilters {
		links = append(links, f(enc, entry)...)
	}
	return links
}

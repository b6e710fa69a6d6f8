package reader

import (
	"log/slog"
	"time"

	"github.com/robertmeta/feedreader/store"
)

// DefaultChunkSize is how many entries each query of GetEntries and
// SearchEntries reads.
const DefaultChunkSize = 256

// DefaultWorkers is how many feeds UpdateFeeds retrieves in parallel.
const DefaultWorkers = 4

type settings struct {
	parser      Parser
	logger      *slog.Logger
	workers     int
	clock       func() time.Time
	chunkSize   int
	hooks       []PostEntryAddHook
	linkFilters []LinkFilter
	storeOpts   []store.Option
}

// Option configures a Reader.
type Option func(*settings)

// WithParser sets the parser used to retrieve feeds.
// The default is a feed.Fetcher.
func WithParser(p Parser) Option {
	return func(s *settings) {
		s.parser = p
	}
}

// WithLogger sets the logger. By default nothing is logged.
func WithLogger(l *slog.Logger) Option {
	return func(s *settings) {
		s.logger = l
	}
}

// WithWorkers sets how many feeds are retrieved in parallel.
func WithWorkers(n int) Option {
	return func(s *settings) {
		if n > 0 {
			s.workers = n
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *settings) {
		s.clock = now
	}
}

// WithChunkSize sets how many rows each query of GetEntries and
// SearchEntries reads. Zero reads everything with a single query that
// holds the database read lock until iteration ends; it exists for
// testing and should not be used otherwise.
func WithChunkSize(n int) Option {
	return func(s *settings) {
		if n >= 0 {
			s.chunkSize = n
		}
	}
}

// WithPostEntryAddHook registers a hook called for every new entry.
func WithPostEntryAddHook(h PostEntryAddHook) Option {
	return func(s *settings) {
		s.hooks = append(s.hooks, h)
	}
}

// WithLinkFilter registers an enclosure link filter.
func WithLinkFilter(f LinkFilter) Option {
	return func(s *settings) {
		s.linkFilters = append(s.linkFilters, f)
	}
}

// WithStoreOptions passes options to store.New. Ignored by NewWithStore.
func WithStoreOptions(opts ...store.Option) Option {
	return func(s *settings) {
		s.storeOpts = append(s.storeOpts, opts...)
	}
}

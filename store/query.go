package store

import (
	"context"
	"fmt"
	"iter"
	"strings"
)

// Which selects entries by read state.
type Which string

const (
	WhichAll    Which = "all"
	WhichRead   Which = "read"
	WhichUnread Which = "unread"
)

// ParseWhich parses "all", "read" or "unread". Empty means all.
func ParseWhich(s string) (Which, error) {
	switch w := Which(strings.ToLower(s)); w {
	case "":
		return WhichAll, nil
	case WhichAll, WhichRead, WhichUnread:
		return w, nil
	default:
		return "", fmt.Errorf("invalid which: %s (expected all, read or unread)", s)
	}
}

// FeedSort is the order GetFeeds returns feeds in.
type FeedSort string

const (
	// SortTitle orders by the user title if set, the feed title otherwise,
	// case-insensitively, then by URL.
	SortTitle FeedSort = "title"
	// SortAdded orders by added time, newest first, then by URL.
	SortAdded FeedSort = "added"
)

// ParseFeedSort parses "title" or "added". Empty means title.
func ParseFeedSort(s string) (FeedSort, error) {
	switch sort := FeedSort(strings.ToLower(s)); sort {
	case "":
		return SortTitle, nil
	case SortTitle, SortAdded:
		return sort, nil
	default:
		return "", fmt.Errorf("invalid sort: %s (expected title or added)", s)
	}
}

// ParseHasEnclosures parses a tri-state flag: "" means any,
// otherwise yes/no/true/false.
func ParseHasEnclosures(s string) (*bool, error) {
	var v bool
	switch strings.ToLower(s) {
	case "":
		return nil, nil
	case "yes", "true", "1":
		v = true
	case "no", "false", "0":
		v = false
	default:
		return nil, fmt.Errorf("invalid has-enclosures: %s (expected yes or no)", s)
	}
	return &v, nil
}

// EntryFilter selects entries. The zero value selects all of them.
type EntryFilter struct {
	Which         Which
	FeedURL       string
	HasEnclosures *bool
}

// Validate checks the enumerated fields.
func (f EntryFilter) Validate() error {
	switch f.Which {
	case "", WhichAll, WhichRead, WhichUnread:
		return nil
	default:
		return fmt.Errorf("invalid which: %s (expected all, read or unread)", f.Which)
	}
}

func (f EntryFilter) clauses() ([]string, []any) {
	var where []string
	var args []any
	switch f.Which {
	case WhichRead:
		where = append(where, `read = 1`)
	case WhichUnread:
		where = append(where, `read = 0`)
	}
	if f.FeedURL != "" {
		where = append(where, `feed = ?`)
		args = append(args, f.FeedURL)
	}
	if f.HasEnclosures != nil {
		if *f.HasEnclosures {
			where = append(where, `coalesce(json_array_length(enclosures), 0) > 0`)
		} else {
			where = append(where, `coalesce(json_array_length(enclosures), 0) = 0`)
		}
	}
	return where, args
}

// BuildEntryFilter constructs an EntryFilter from CLI flags.
func BuildEntryFilter(which, feedURL, hasEnclosures string) (EntryFilter, error) {
	filter := EntryFilter{FeedURL: feedURL}

	w, err := ParseWhich(which)
	if err != nil {
		return filter, fmt.Errorf("failed to parse --which flag: %w", err)
	}
	filter.Which = w

	enc, err := ParseHasEnclosures(hasEnclosures)
	if err != nil {
		return filter, fmt.Errorf("failed to parse --has-enclosures flag: %w", err)
	}
	filter.HasEnclosures = enc

	return filter, nil
}

func whereClause(conds []string) string {
	if len(conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(conds, " AND ")
}

// ChunkFunc returns up to chunkSize items strictly after the cursor.
type ChunkFunc[T any] func(ctx context.Context, chunkSize int, after *Cursor) ([]T, error)

// Paginate turns a chunk function into a lazy sequence. Each chunk is a
// separate query, so no read is held open while the consumer runs.
// Iteration stops at the first empty chunk or error.
func Paginate[T any](ctx context.Context, chunkSize int, fetch ChunkFunc[T], cursor func(T) *Cursor) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		var after *Cursor
		for {
			chunk, err := fetch(ctx, chunkSize, after)
			if err != nil {
				var zero T
				yield(zero, err)
				return
			}
			if len(chunk) == 0 {
				return
			}
			for _, item := range chunk {
				if !yield(item, nil) {
					return
				}
			}
			after = cursor(chunk[len(chunk)-1])
		}
	}
}

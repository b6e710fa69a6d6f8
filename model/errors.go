package model

import "fmt"

// FeedNotFoundError is returned when a feed does not exist.
type FeedNotFoundError struct {
	URL string
}

func (e *FeedNotFoundError) Error() string {
	return fmt.Sprintf("feed not found: %s", e.URL)
}

// FeedExistsError is returned when adding a feed that already exists.
type FeedExistsError struct {
	URL string
}

func (e *FeedExistsError) Error() string {
	return fmt.Sprintf("feed exists: %s", e.URL)
}

// EntryNotFoundError is returned when an entry does not exist.
type EntryNotFoundError struct {
	FeedURL string
	ID      string
}

func (e *EntryNotFoundError) Error() string {
	return fmt.Sprintf("entry not found: %s (feed %s)", e.ID, e.FeedURL)
}

// ParseError wraps any failure to retrieve or parse a feed.
type ParseError struct {
	URL string
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("error while getting/parsing feed %s: %v", e.URL, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// StorageError means the datastore is unavailable, locked or corrupt.
type StorageError struct {
	Message string
	Err     error
}

func (e *StorageError) Error() string {
	if e.Err == nil {
		return "storage error: " + e.Message
	}
	return fmt.Sprintf("storage error: %s: %v", e.Message, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// SearchError is the search index counterpart of StorageError.
type SearchError struct {
	Message string
	Err     error
}

func (e *SearchError) Error() string {
	if e.Err == nil {
		return "search error: " + e.Message
	}
	return fmt.Sprintf("search error: %s: %v", e.Message, e.Err)
}

func (e *SearchError) Unwrap() error {
	return e.Err
}

// SearchNotEnabledError is returned when using a disabled search index.
type SearchNotEnabledError struct{}

func (e *SearchNotEnabledError) Error() string {
	return "search error: operation requires search to be enabled"
}

// InvalidSearchQueryError is returned for query text the index cannot parse.
type InvalidSearchQueryError struct {
	Query string
	Err   error
}

func (e *InvalidSearchQueryError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("invalid search query: %q", e.Query)
	}
	return fmt.Sprintf("invalid search query: %q: %v", e.Query, e.Err)
}

func (e *InvalidSearchQueryError) Unwrap() error {
	return e.Err
}

// Package model defines the core data structures for feedreader.
package model

import (
	"errors"
	"time"
)

// Feed represents a subscribed RSS/Atom feed, as stored.
type Feed struct {
	URL              string     `json:"url"`
	Title            string     `json:"title,omitempty"`
	UserTitle        *string    `json:"user_title,omitempty"`
	Link             string     `json:"link,omitempty"`
	Author           string     `json:"author,omitempty"`
	Updated          *time.Time `json:"updated,omitempty"`
	Added            time.Time  `json:"added"`
	LastUpdated      *time.Time `json:"last_updated,omitempty"`
	HTTPETag         *string    `json:"-"`
	HTTPLastModified *string    `json:"-"`
	Stale            bool       `json:"stale,omitempty"`
}

// Validate checks if the feed has required fields.
func (f *Feed) Validate() error {
	if f.URL == "" {
		return errors.New("feed URL is required")
	}
	return nil
}

// DisplayTitle returns the user title if set, the feed title otherwise.
func (f *Feed) DisplayTitle() string {
	if f.UserTitle != nil {
		return *f.UserTitle
	}
	return f.Title
}

// FeedKey makes a Feed usable wherever a FeedRef is accepted.
func (f Feed) FeedKey() string {
	return f.URL
}

// Enclosure is an external file attached to an entry (e.g. a podcast episode).
type Enclosure struct {
	Href   string `json:"href"`
	Type   string `json:"type,omitempty"`
	Length int64  `json:"length,omitempty"`
}

// Entry represents a single RSS/Atom entry, as stored.
type Entry struct {
	FeedURL      string      `json:"feed_url"`
	ID           string      `json:"id"`
	Title        string      `json:"title,omitempty"`
	Link         string      `json:"link,omitempty"`
	Author       string      `json:"author,omitempty"`
	Published    *time.Time  `json:"published,omitempty"`
	Updated      *time.Time  `json:"updated,omitempty"`
	Summary      string      `json:"summary,omitempty"`
	Content      string      `json:"content,omitempty"`
	Enclosures   []Enclosure `json:"enclosures,omitempty"`
	Read         bool        `json:"read"`
	FirstUpdated time.Time   `json:"first_updated"`
	LastUpdated  time.Time   `json:"last_updated"`
}

// IsUnread returns true if the entry hasn't been read.
func (e *Entry) IsUnread() bool {
	return !e.Read
}

// HasEnclosures reports whether the entry has any enclosures.
func (e *Entry) HasEnclosures() bool {
	return len(e.Enclosures) > 0
}

// EntryKey makes an Entry usable wherever an EntryRef is accepted.
func (e Entry) EntryKey() EntryKey {
	return EntryKey{FeedURL: e.FeedURL, ID: e.ID}
}

// FeedData is the feed metadata a parser extracts from a document.
type FeedData struct {
	URL     string     `json:"url"`
	Title   string     `json:"title,omitempty"`
	Link    string     `json:"link,omitempty"`
	Author  string     `json:"author,omitempty"`
	Updated *time.Time `json:"updated,omitempty"`
}

// EntryData is an entry as a parser extracts it.
//
// FeedURL is empty when the entry leaves the parser; the updater fills it in.
type EntryData struct {
	FeedURL    string      `json:"feed_url,omitempty"`
	ID         string      `json:"id"`
	Title      string      `json:"title,omitempty"`
	Link       string      `json:"link,omitempty"`
	Author     string      `json:"author,omitempty"`
	Published  *time.Time  `json:"published,omitempty"`
	Updated    *time.Time  `json:"updated,omitempty"`
	Summary    string      `json:"summary,omitempty"`
	Content    string      `json:"content,omitempty"`
	Enclosures []Enclosure `json:"enclosures,omitempty"`
}

// FeedForUpdate is the stored state of a feed the updater needs.
type FeedForUpdate struct {
	URL              string
	Updated          *time.Time
	HTTPETag         *string
	HTTPLastModified *string
	Stale            bool
	LastUpdated      *time.Time
}

// EntryForUpdate is the stored state of an entry the updater needs.
// A nil *EntryForUpdate means the entry does not exist yet.
type EntryForUpdate struct {
	Updated *time.Time
	Hash    string
}

// FeedUpdateIntent describes a feed write.
// A nil Feed means only LastUpdated changes.
type FeedUpdateIntent struct {
	URL              string
	LastUpdated      time.Time
	Feed             *FeedData
	HTTPETag         *string
	HTTPLastModified *string
}

// EntryUpdateIntent describes an entry insert or update.
// FirstUpdated is set only for new entries.
type EntryUpdateIntent struct {
	Entry        EntryData
	LastUpdated  time.Time
	FirstUpdated *time.Time
	Hash         string
}

// IsNew reports whether the intent inserts a new entry.
func (i EntryUpdateIntent) IsNew() bool {
	return i.FirstUpdated != nil
}

// ParseResult is what a parser returns: either Modified or NotModified.
type ParseResult interface {
	parseResult()
}

// Modified carries a freshly parsed feed.
type Modified struct {
	Feed             FeedData
	Entries          []EntryData
	HTTPETag         *string
	HTTPLastModified *string
}

// NotModified means the cached validators matched; there is no payload.
type NotModified struct{}

func (Modified) parseResult()    {}
func (NotModified) parseResult() {}

// FeedRef is accepted wherever a feed is identified:
// either a bare FeedURL or a handle such as Feed.
type FeedRef interface {
	FeedKey() string
}

// FeedURL is a bare feed identifier.
type FeedURL string

// FeedKey implements FeedRef.
func (u FeedURL) FeedKey() string {
	return string(u)
}

// EntryRef is accepted wherever an entry is identified:
// either a bare EntryKey or a handle such as Entry.
type EntryRef interface {
	EntryKey() EntryKey
}

// EntryKey is the canonical (feed URL, entry id) pair.
type EntryKey struct {
	FeedURL string
	ID      string
}

// EntryKey implements EntryRef.
func (k EntryKey) EntryKey() EntryKey {
	return k
}

// Link is an extra link rendered next to an enclosure.
type Link struct {
	Label string `json:"label"`
	URL   string `json:"url"`
}

// EntrySearchResult is one search hit.
type EntrySearchResult struct {
	FeedURL     string    `json:"feed_url"`
	ID          string    `json:"id"`
	LastUpdated time.Time `json:"last_updated"`
	Title       string    `json:"title,omitempty"`
	Snippet     string    `json:"snippet,omitempty"`
}

// EntryKey makes a search result usable wherever an EntryRef is accepted.
func (r EntrySearchResult) EntryKey() EntryKey {
	return EntryKey{FeedURL: r.FeedURL, ID: r.ID}
}

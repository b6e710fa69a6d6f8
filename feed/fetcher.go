// Package feed provides RSS/Atom feed retrieval and parsing for feedreader.
package feed

import (
	"context"
	"fmt"
	"io"
	"net/http"
	neturl "net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"
	"github.com/robertmeta/feedreader/model"
)

// DefaultUserAgent is sent with every HTTP request.
const DefaultUserAgent = "feedreader/1.0 (+https://github.com/robertmeta/feedreader)"

// Fetcher retrieves and parses feeds. It implements reader.Parser.
type Fetcher struct {
	parser    *gofeed.Parser
	client    *http.Client
	userAgent string
}

// FetcherOption configures a Fetcher.
type FetcherOption func(*Fetcher)

// WithHTTPClient sets the HTTP client used for requests.
func WithHTTPClient(c *http.Client) FetcherOption {
	return func(f *Fetcher) {
		f.client = c
	}
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) FetcherOption {
	return func(f *Fetcher) {
		f.userAgent = ua
	}
}

// NewFetcher creates a new Fetcher.
func NewFetcher(opts ...FetcherOption) *Fetcher {
	f := &Fetcher{
		parser:    gofeed.NewParser(),
		client:    &http.Client{Timeout: 30 * time.Second},
		userAgent: DefaultUserAgent,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Parse retrieves and parses the feed at url.
//
// For HTTP(S) URLs the cached validators are sent as If-None-Match and
// If-Modified-Since; a 304 response yields model.NotModified. file: URLs
// and plain paths are read from disk. Every failure is a *model.ParseError.
func (f *Fetcher) Parse(ctx context.Context, url string, etag, lastModified *string) (model.ParseResult, error) {
	u, err := neturl.Parse(url)
	if err != nil {
		return nil, &model.ParseError{URL: url, Err: err}
	}

	switch u.Scheme {
	case "http", "https":
		return f.fetch(ctx, url, etag, lastModified)
	case "file":
		return f.parseFile(url, u.Path)
	case "":
		return f.parseFile(url, url)
	default:
		return nil, &model.ParseError{URL: url, Err: fmt.Errorf("unsupported scheme %q", u.Scheme)}
	}
}

func (f *Fetcher) fetch(ctx context.Context, url string, etag, lastModified *string) (model.ParseResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &model.ParseError{URL: url, Err: err}
	}
	req.Header.Set("User-Agent", f.userAgent)
	if etag != nil {
		req.Header.Set("If-None-Match", *etag)
	}
	if lastModified != nil {
		req.Header.Set("If-Modified-Since", *lastModified)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, &model.ParseError{URL: url, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		return model.NotModified{}, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &model.ParseError{URL: url, Err: gofeed.HTTPError{
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
		}}
	}

	result, err := f.parse(url, resp.Body)
	if err != nil {
		return nil, err
	}
	result.HTTPETag = header(resp, "ETag")
	result.HTTPLastModified = header(resp, "Last-Modified")
	return result, nil
}

func (f *Fetcher) parseFile(url, path string) (model.ParseResult, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, &model.ParseError{URL: url, Err: err}
	}
	defer file.Close()

	result, err := f.parse(url, file)
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (f *Fetcher) parse(url string, r io.Reader) (model.Modified, error) {
	parsed, err := f.parser.Parse(r)
	if err != nil {
		return model.Modified{}, &model.ParseError{URL: url, Err: err}
	}
	return convert(parsed, url), nil
}

// ParseString parses feed content from a string.
func (f *Fetcher) ParseString(content string) (model.Modified, error) {
	if content == "" {
		return model.Modified{}, fmt.Errorf("feed content is empty")
	}

	parsed, err := f.parser.ParseString(content)
	if err != nil {
		return model.Modified{}, fmt.Errorf("failed to parse feed: %w", err)
	}
	return convert(parsed, ""), nil
}

func header(resp *http.Response, name string) *string {
	v := resp.Header.Get(name)
	if v == "" {
		return nil
	}
	return &v
}

// convert converts a gofeed.Feed to our model types.
func convert(gf *gofeed.Feed, url string) model.Modified {
	feed := model.FeedData{
		URL:     url,
		Title:   gf.Title,
		Link:    gf.Link,
		Author:  authorName(gf.Authors),
		Updated: normalizeTime(gf.UpdatedParsed),
	}

	// Use feed link if URL not provided
	if feed.URL == "" {
		feed.URL = gf.Link
	}

	entries := make([]model.EntryData, 0, len(gf.Items))
	for _, item := range gf.Items {
		entry, ok := convertItem(item)
		if !ok {
			continue
		}
		entries = append(entries, entry)
	}

	return model.Modified{Feed: feed, Entries: entries}
}

// convertItem converts a gofeed.Item to a model.EntryData.
// Items with neither a GUID nor a link cannot be identified and are skipped.
func convertItem(item *gofeed.Item) (model.EntryData, bool) {
	entry := model.EntryData{
		ID:        item.GUID,
		Title:     item.Title,
		Link:      item.Link,
		Author:    authorName(item.Authors),
		Published: normalizeTime(item.PublishedParsed),
		Updated:   normalizeTime(item.UpdatedParsed),
		Summary:   item.Description,
		Content:   item.Content,
	}

	// Use link as GUID if GUID is missing
	if entry.ID == "" {
		entry.ID = item.Link
	}
	if entry.ID == "" {
		return entry, false
	}

	for _, enc := range item.Enclosures {
		if enc == nil || enc.URL == "" {
			continue
		}
		length, _ := strconv.ParseInt(strings.TrimSpace(enc.Length), 10, 64)
		entry.Enclosures = append(entry.Enclosures, model.Enclosure{
			Href:   enc.URL,
			Type:   enc.Type,
			Length: length,
		})
	}

	return entry, true
}

func authorName(authors []*gofeed.Person) string {
	for _, a := range authors {
		if a == nil {
			continue
		}
		if a.Name != "" {
			return a.Name
		}
		if a.Email != "" {
			return a.Email
		}
	}
	return ""
}

// normalizeTime converts to UTC with microsecond precision, the
// precision timestamps are stored with.
func normalizeTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	n := t.UTC().Truncate(time.Microsecond)
	return &n
}

package feed

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mmcdole/gofeed"
	"github.com/robertmeta/feedreader/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFetcher_ParseRSS2(t *testing.T) {
	// Read RSS 2.0 fixture
	data, err := os.ReadFile("../testdata/rss2.xml")
	require.NoError(t, err)

	fetcher := NewFetcher()
	result, err := fetcher.ParseString(string(data))
	require.NoError(t, err)

	// Verify feed metadata
	assert.Equal(t, "Test RSS Feed", result.Feed.Title)
	assert.Equal(t, "https://example.com/", result.Feed.URL)
	require.NotNil(t, result.Feed.Updated)
	assert.Equal(t, time.Date(2021, 1, 5, 10, 0, 0, 0, time.UTC), *result.Feed.Updated)

	// Verify entries
	entries := result.Entries
	require.Len(t, entries, 3, "Should parse 3 entries from RSS feed")

	// Check first entry
	assert.Equal(t, "First Test Entry", entries[0].Title)
	assert.Equal(t, "https://example.com/entry-1", entries[0].Link)
	assert.Equal(t, "entry-1", entries[0].ID)
	assert.Equal(t, "Alice", entries[0].Author)
	assert.Equal(t, "Summary of the first entry", entries[0].Summary)
	assert.Contains(t, entries[0].Content, "first test entry")
	require.NotNil(t, entries[0].Published)
	assert.Equal(t, time.UTC, entries[0].Published.Location())
	assert.Empty(t, entries[0].FeedURL, "feed identity is filled in later")

	// Check second entry
	assert.Equal(t, "entry-2", entries[1].ID)
	assert.Equal(t, []model.Enclosure{{Href: "https://example.com/episode-2.mp3", Type: "audio/mpeg", Length: 12345}}, entries[1].Enclosures)

	// Third entry has no guid: the link identifies it
	assert.Equal(t, "https://example.com/entry-3", entries[2].ID)
}

func TestFetcher_ParseAtom(t *testing.T) {
	// Read Atom fixture
	data, err := os.ReadFile("../testdata/atom.xml")
	require.NoError(t, err)

	fetcher := NewFetcher()
	result, err := fetcher.ParseString(string(data))
	require.NoError(t, err)

	// Verify feed metadata
	assert.Equal(t, "Test Atom Feed", result.Feed.Title)
	assert.Equal(t, "Bob", result.Feed.Author)

	// Verify entries
	entries := result.Entries
	require.Len(t, entries, 2, "Should parse 2 entries from Atom feed")

	// Check first entry
	assert.Equal(t, "First Atom Entry", entries[0].Title)
	assert.Equal(t, "https://example.com/atom-entry-1", entries[0].Link)
	assert.Equal(t, "atom-entry-1", entries[0].ID)
	assert.Contains(t, entries[0].Content, "HTML content")
	require.NotNil(t, entries[0].Updated)
	assert.Equal(t, time.Date(2021, 1, 5, 12, 0, 0, 0, time.UTC), *entries[0].Updated)
	require.NotNil(t, entries[0].Published)

	// Check second entry
	assert.Equal(t, "Second Atom Entry", entries[1].Title)
	assert.Nil(t, entries[1].Published)
}

func TestFetcher_ParseInvalidFeed(t *testing.T) {
	fetcher := NewFetcher()

	// Test with invalid XML
	_, err := fetcher.ParseString("<invalid>xml</broken>")
	assert.Error(t, err, "Should error on invalid XML")

	// Test with empty string
	_, err = fetcher.ParseString("")
	assert.Error(t, err, "Should error on empty string")

	// Test with non-feed XML
	_, err = fetcher.ParseString("<?xml version='1.0'?><root><item>not a feed</item></root>")
	assert.Error(t, err, "Should error on non-feed XML")
}

func TestFetcher_SkipsEntriesWithoutID(t *testing.T) {
	minimalRSS := `<?xml version="1.0"?>
<rss version="2.0">
  <channel>
    <title>Minimal Feed</title>
    <item>
      <title>Entry with no content</title>
      <link>https://example.com/minimal</link>
      <guid>minimal-1</guid>
    </item>
    <item>
      <title>Entry with no id at all</title>
    </item>
  </channel>
</rss>`

	fetcher := NewFetcher()
	result, err := fetcher.ParseString(minimalRSS)
	require.NoError(t, err)
	require.Len(t, result.Entries, 1)

	// Should handle missing content gracefully
	assert.Equal(t, "Entry with no content", result.Entries[0].Title)
	assert.Equal(t, "", result.Entries[0].Content) // Empty content is OK
}

func TestFetcher_HTTPConditionalGet(t *testing.T) {
	data, err := os.ReadFile("../testdata/rss2.xml")
	require.NoError(t, err)

	const etag = `"v1"`
	const lastModified = "Tue, 05 Jan 2021 10:00:00 GMT"
	var gotUserAgent string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUserAgent = r.Header.Get("User-Agent")
		if r.Header.Get("If-None-Match") == etag {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", etag)
		w.Header().Set("Last-Modified", lastModified)
		w.Header().Set("Content-Type", "application/rss+xml")
		w.Write(data)
	}))
	defer srv.Close()

	fetcher := NewFetcher(WithHTTPClient(srv.Client()), WithUserAgent("test-agent"))
	ctx := context.Background()

	result, err := fetcher.Parse(ctx, srv.URL, nil, nil)
	require.NoError(t, err)
	modified, ok := result.(model.Modified)
	require.True(t, ok, "got %T", result)
	assert.Len(t, modified.Entries, 3)
	require.NotNil(t, modified.HTTPETag)
	assert.Equal(t, etag, *modified.HTTPETag)
	require.NotNil(t, modified.HTTPLastModified)
	assert.Equal(t, lastModified, *modified.HTTPLastModified)
	assert.Equal(t, "test-agent", gotUserAgent)

	result, err = fetcher.Parse(ctx, srv.URL, modified.HTTPETag, modified.HTTPLastModified)
	require.NoError(t, err)
	assert.Equal(t, model.NotModified{}, result)
}

func TestFetcher_HTTPErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/missing":
			http.NotFound(w, r)
		default:
			w.Write([]byte("<html><body>not a feed</body></html>"))
		}
	}))
	defer srv.Close()

	fetcher := NewFetcher(WithHTTPClient(srv.Client()))
	ctx := context.Background()

	_, err := fetcher.Parse(ctx, srv.URL+"/missing", nil, nil)
	var parseErr *model.ParseError
	require.True(t, errors.As(err, &parseErr))
	assert.Equal(t, srv.URL+"/missing", parseErr.URL)
	var httpErr gofeed.HTTPError
	require.True(t, errors.As(err, &httpErr))
	assert.Equal(t, http.StatusNotFound, httpErr.StatusCode)

	_, err = fetcher.Parse(ctx, srv.URL+"/html", nil, nil)
	assert.True(t, errors.As(err, &parseErr))

	_, err = fetcher.Parse(ctx, "gopher://example.com/feed", nil, nil)
	assert.True(t, errors.As(err, &parseErr))
}

func TestFetcher_LocalFiles(t *testing.T) {
	ctx := context.Background()
	path, err := filepath.Abs("../testdata/atom.xml")
	require.NoError(t, err)

	fetcher := NewFetcher()

	for _, url := range []string{path, "file://" + path} {
		result, err := fetcher.Parse(ctx, url, nil, nil)
		require.NoError(t, err)
		modified, ok := result.(model.Modified)
		require.True(t, ok)
		assert.Equal(t, url, modified.Feed.URL)
		assert.Len(t, modified.Entries, 2)
		assert.Nil(t, modified.HTTPETag)
	}

	_, err = fetcher.Parse(ctx, filepath.Join(t.TempDir(), "missing.xml"), nil, nil)
	var parseErr *model.ParseError
	assert.True(t, errors.As(err, &parseErr))
}

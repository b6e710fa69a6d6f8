package updater

import (
	"context"
	"errors"
	"io"
	"iter"
	"log/slog"
	"testing"
	"time"

	"github.com/robertmeta/feedreader/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	t0 = time.Date(2010, 1, 1, 0, 0, 0, 0, time.UTC)
	t1 = t0.Add(time.Hour)
	t2 = t0.Add(2 * time.Hour)
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

// fakeWriter keeps entries and feed writes in memory.
type fakeWriter struct {
	entries map[string]storedEntry
	feeds   []model.FeedUpdateIntent
	bumps   []time.Time
	err     error
}

type storedEntry struct {
	intent model.EntryUpdateIntent
	first  time.Time
}

func newFakeWriter() *fakeWriter {
	return &fakeWriter{entries: map[string]storedEntry{}}
}

func (w *fakeWriter) GetEntryForUpdate(ctx context.Context, feedURL, id string) (*model.EntryForUpdate, error) {
	if w.err != nil {
		return nil, w.err
	}
	e, ok := w.entries[feedURL+"\x00"+id]
	if !ok {
		return nil, nil
	}
	return &model.EntryForUpdate{Updated: e.intent.Entry.Updated, Hash: e.intent.Hash}, nil
}

func (w *fakeWriter) AddOrUpdateEntries(ctx context.Context, seq iter.Seq2[model.EntryUpdateIntent, error]) error {
	for intent, err := range seq {
		if err != nil {
			return err
		}
		key := intent.Entry.FeedURL + "\x00" + intent.Entry.ID
		first := intent.LastUpdated
		if old, ok := w.entries[key]; ok {
			first = old.first
		} else if intent.FirstUpdated != nil {
			first = *intent.FirstUpdated
		}
		w.entries[key] = storedEntry{intent: intent, first: first}
	}
	return nil
}

func (w *fakeWriter) UpdateFeed(ctx context.Context, intent model.FeedUpdateIntent) error {
	w.feeds = append(w.feeds, intent)
	return nil
}

func (w *fakeWriter) UpdateFeedLastUpdated(ctx context.Context, url string, now time.Time) error {
	w.bumps = append(w.bumps, now)
	return nil
}

func (w *fakeWriter) lastUpdated(feedURL, id string) time.Time {
	return w.entries[feedURL+"\x00"+id].intent.LastUpdated
}

func ptr[T any](v T) *T {
	return &v
}

func ids(entries []model.EntryData) []string {
	var out []string
	for _, e := range entries {
		out = append(out, e.ID)
	}
	return out
}

func TestUpdate_NewFeedScenario(t *testing.T) {
	ctx := context.Background()
	w := newFakeWriter()
	old := model.FeedForUpdate{URL: "f1"}
	parsed := model.Modified{
		Feed:    model.FeedData{Title: "Feed"},
		Entries: []model.EntryData{{ID: "e1", Title: "one"}, {ID: "e2", Title: "two"}},
	}

	res, err := Update(ctx, old, t0, parsed, w, discard)
	require.NoError(t, err)

	assert.Equal(t, []string{"e2", "e1"}, ids(res.NewEntries), "processed in reverse parsed order")
	assert.Empty(t, res.UpdatedEntries)
	assert.Equal(t, FeedUpdateFull, res.FeedUpdate)
	assert.Equal(t, "f1", res.Feed.URL)
	assert.True(t, w.lastUpdated("f1", "e1").After(w.lastUpdated("f1", "e2")))
	assert.Equal(t, t0, w.lastUpdated("f1", "e2"))
	assert.Equal(t, t0.Add(time.Microsecond), w.lastUpdated("f1", "e1"))

	require.Len(t, w.feeds, 1)
	assert.Equal(t, t0, w.feeds[0].LastUpdated)
	require.NotNil(t, w.feeds[0].Feed)
	assert.Equal(t, "Feed", w.feeds[0].Feed.Title)

	for _, e := range res.NewEntries {
		assert.Nil(t, e.Updated, "a new entry without updated stays without one")
		assert.Equal(t, "f1", e.FeedURL)
	}

	// Same content again, entries still without updated: nothing changes.
	old.LastUpdated = &t0
	res, err = Update(ctx, old, t1, parsed, w, discard)
	require.NoError(t, err)
	assert.Empty(t, res.NewEntries)
	assert.Empty(t, res.UpdatedEntries)
	assert.Equal(t, t0, w.lastUpdated("f1", "e1"))

	// Changed content without updated is an update keeping the old updated.
	parsed.Entries[1].Title = "two, edited"
	res, err = Update(ctx, old, t2, parsed, w, discard)
	require.NoError(t, err)
	assert.Empty(t, res.NewEntries)
	assert.Equal(t, []string{"e2"}, ids(res.UpdatedEntries))
	assert.Equal(t, t2, w.lastUpdated("f1", "e2"))
	assert.Equal(t, t0, w.entries["f1\x00e2"].first)
}

func TestUpdate_Idempotent(t *testing.T) {
	ctx := context.Background()
	w := newFakeWriter()
	old := model.FeedForUpdate{URL: "feed"}
	parsed := model.Modified{
		Feed: model.FeedData{Updated: &t1},
		Entries: []model.EntryData{
			{ID: "1", Updated: &t1},
			{ID: "2", Updated: &t0},
			{ID: "3"},
		},
	}

	res, err := Update(ctx, old, t1, parsed, w, discard)
	require.NoError(t, err)
	assert.Len(t, res.NewEntries, 3)

	old.LastUpdated = &t1
	old.Updated = &t1
	res, err = Update(ctx, old, t2, parsed, w, discard)
	require.NoError(t, err)
	assert.Empty(t, res.NewEntries)
	assert.Empty(t, res.UpdatedEntries)
	assert.Equal(t, FeedUpdateNone, res.FeedUpdate)
	assert.Len(t, w.feeds, 1)
	assert.Empty(t, w.bumps)
}

func TestUpdate_SubMicrosecondTimesIdempotent(t *testing.T) {
	ctx := context.Background()
	w := newFakeWriter()
	old := model.FeedForUpdate{URL: "feed"}
	updated := t0.Add(123 * time.Nanosecond)
	published := t0.Add(456 * time.Nanosecond).In(time.FixedZone("X", 3600))
	parsed := model.Modified{
		Feed:    model.FeedData{Updated: &updated},
		Entries: []model.EntryData{{ID: "1", Updated: &updated, Published: &published}},
	}

	res, err := Update(ctx, old, t1, parsed, w, discard)
	require.NoError(t, err)
	require.Len(t, res.NewEntries, 1)
	assert.Equal(t, t0, *res.NewEntries[0].Updated)
	assert.Equal(t, t0, *res.NewEntries[0].Published)
	assert.Equal(t, time.UTC, res.NewEntries[0].Published.Location())
	require.Len(t, w.feeds, 1)
	assert.Equal(t, t0, *w.feeds[0].Feed.Updated)

	// The stored values are what a store returns: microsecond precision.
	old.LastUpdated = &t1
	old.Updated = w.feeds[0].Feed.Updated
	res, err = Update(ctx, old, t2, parsed, w, discard)
	require.NoError(t, err)
	assert.Empty(t, res.NewEntries)
	assert.Empty(t, res.UpdatedEntries)
	assert.Equal(t, FeedUpdateNone, res.FeedUpdate)
	assert.Equal(t, t1, w.lastUpdated("feed", "1"))
	assert.Equal(t, time.Duration(123), updated.Sub(t0), "the parser result is not modified")
}

func TestUpdate_EntryNewerThanFeed(t *testing.T) {
	ctx := context.Background()
	w := newFakeWriter()
	w.entries["feed\x001"] = storedEntry{intent: model.EntryUpdateIntent{
		Entry: model.EntryData{FeedURL: "feed", ID: "1", Updated: &t0},
	}}
	old := model.FeedForUpdate{URL: "feed", Updated: &t1, LastUpdated: &t1}
	parsed := model.Modified{
		Feed:    model.FeedData{Updated: &t1},
		Entries: []model.EntryData{{ID: "1", Updated: &t1}},
	}

	res, err := Update(ctx, old, t2, parsed, w, discard)
	require.NoError(t, err)
	assert.Equal(t, []string{"1"}, ids(res.UpdatedEntries))
	assert.Equal(t, FeedUpdateLastUpdated, res.FeedUpdate)
	assert.Empty(t, w.feeds)
	assert.Equal(t, []time.Time{t2}, w.bumps)
}

func TestUpdate_OlderEntrySkipped(t *testing.T) {
	ctx := context.Background()
	w := newFakeWriter()
	w.entries["feed\x001"] = storedEntry{intent: model.EntryUpdateIntent{
		Entry: model.EntryData{FeedURL: "feed", ID: "1", Updated: &t1},
	}}
	old := model.FeedForUpdate{URL: "feed", Updated: &t1, LastUpdated: &t1}
	parsed := model.Modified{
		Feed:    model.FeedData{Updated: &t1},
		Entries: []model.EntryData{{ID: "1", Updated: &t0, Title: "older"}},
	}

	res, err := Update(ctx, old, t2, parsed, w, discard)
	require.NoError(t, err)
	assert.Empty(t, res.UpdatedEntries)
	assert.Equal(t, FeedUpdateNone, res.FeedUpdate)
}

func TestUpdate_Stale(t *testing.T) {
	ctx := context.Background()
	w := newFakeWriter()
	w.entries["feed\x001"] = storedEntry{intent: model.EntryUpdateIntent{
		Entry: model.EntryData{FeedURL: "feed", ID: "1", Updated: &t1},
	}}
	old := model.FeedForUpdate{
		URL:         "feed",
		Updated:     &t1,
		LastUpdated: &t1,
		HTTPETag:    ptr("etag"),
		Stale:       true,
	}
	parsed := model.Modified{
		Feed:     model.FeedData{Updated: &t0},
		Entries:  []model.EntryData{{ID: "1", Updated: &t0}, {ID: "2"}},
		HTTPETag: ptr("new-etag"),
	}

	res, err := Update(ctx, old, t2, parsed, w, discard)
	require.NoError(t, err)
	assert.Equal(t, []string{"1"}, ids(res.UpdatedEntries), "stale overrides the updated comparison")
	assert.Equal(t, []string{"2"}, ids(res.NewEntries))
	assert.Equal(t, FeedUpdateFull, res.FeedUpdate, "stale overrides the feed comparison")
	require.Len(t, w.feeds, 1)
	assert.Equal(t, "new-etag", *w.feeds[0].HTTPETag)
}

func TestUpdate_StaleKeepsOldEntryUpdated(t *testing.T) {
	ctx := context.Background()
	w := newFakeWriter()
	w.entries["feed\x001"] = storedEntry{intent: model.EntryUpdateIntent{
		Entry: model.EntryData{FeedURL: "feed", ID: "1", Updated: &t1},
	}}
	old := model.FeedForUpdate{URL: "feed", LastUpdated: &t1, Stale: true}
	parsed := model.Modified{Entries: []model.EntryData{{ID: "1"}}}

	res, err := Update(ctx, old, t2, parsed, w, discard)
	require.NoError(t, err)
	require.Len(t, res.UpdatedEntries, 1)
	require.NotNil(t, res.UpdatedEntries[0].Updated)
	assert.Equal(t, t1, *res.UpdatedEntries[0].Updated)
}

func TestUpdate_NotModified(t *testing.T) {
	ctx := context.Background()
	w := newFakeWriter()
	old := model.FeedForUpdate{URL: "feed", Stale: true}

	res, err := Update(ctx, old, t1, model.NotModified{}, w, discard)
	require.NoError(t, err)
	assert.Empty(t, res.NewEntries)
	assert.Empty(t, res.UpdatedEntries)
	assert.Equal(t, FeedUpdateLastUpdated, res.FeedUpdate)
	assert.Equal(t, []time.Time{t1}, w.bumps)
	assert.Empty(t, w.feeds, "not modified never rewrites metadata or clears stale")
	assert.Empty(t, w.entries)
}

func TestUpdate_OrderWithSkippedEntries(t *testing.T) {
	ctx := context.Background()
	w := newFakeWriter()
	w.entries["feed\x00b"] = storedEntry{intent: model.EntryUpdateIntent{
		Entry: model.EntryData{FeedURL: "feed", ID: "b", Updated: &t1},
	}}
	old := model.FeedForUpdate{URL: "feed", LastUpdated: &t0}
	parsed := model.Modified{Entries: []model.EntryData{
		{ID: "a", Updated: &t0},
		{ID: "b", Updated: &t1},
		{ID: "c", Updated: &t0},
		{ID: "d", Updated: &t0},
	}}

	_, err := Update(ctx, old, t2, parsed, w, discard)
	require.NoError(t, err)

	// b is unchanged and gets no timestamp; the others stay contiguous.
	assert.Equal(t, t2, w.lastUpdated("feed", "d"))
	assert.Equal(t, t2.Add(time.Microsecond), w.lastUpdated("feed", "c"))
	assert.Equal(t, t2.Add(2*time.Microsecond), w.lastUpdated("feed", "a"))
}

func TestUpdate_WriterError(t *testing.T) {
	boom := errors.New("boom")
	w := newFakeWriter()
	w.err = boom
	parsed := model.Modified{Entries: []model.EntryData{{ID: "1"}}}

	_, err := Update(context.Background(), model.FeedForUpdate{URL: "feed"}, t0, parsed, w, discard)
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, w.feeds)
}

func TestShouldUpdateFeed(t *testing.T) {
	tests := []struct {
		name   string
		old    model.FeedForUpdate
		feed   model.FeedData
		stale  bool
		expect bool
	}{
		{name: "never updated", old: model.FeedForUpdate{}, feed: model.FeedData{Updated: &t0}, expect: true},
		{name: "new has no updated", old: model.FeedForUpdate{LastUpdated: &t0, Updated: &t1}, expect: true},
		{name: "old has no updated", old: model.FeedForUpdate{LastUpdated: &t0}, feed: model.FeedData{Updated: &t0}, expect: true},
		{name: "newer", old: model.FeedForUpdate{LastUpdated: &t0, Updated: &t0}, feed: model.FeedData{Updated: &t1}, expect: true},
		{name: "same", old: model.FeedForUpdate{LastUpdated: &t0, Updated: &t1}, feed: model.FeedData{Updated: &t1}, expect: false},
		{name: "older", old: model.FeedForUpdate{LastUpdated: &t0, Updated: &t1}, feed: model.FeedData{Updated: &t0}, expect: false},
		{name: "older but stale", old: model.FeedForUpdate{LastUpdated: &t0, Updated: &t1}, feed: model.FeedData{Updated: &t0}, stale: true, expect: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expect, ShouldUpdateFeed(tt.old, tt.feed, tt.stale, discard))
		})
	}
}

func TestShouldUpdateEntry(t *testing.T) {
	entry := model.EntryData{ID: "1", Title: "title"}
	sameHash := entry.Hash()

	tests := []struct {
		name   string
		entry  model.EntryData
		stored *model.EntryForUpdate
		stale  bool
		expect bool
	}{
		{name: "new", entry: entry, expect: true},
		{name: "no updated, same content", entry: entry, stored: &model.EntryForUpdate{Hash: sameHash}, expect: false},
		{name: "no updated, same content, stored has updated", entry: entry, stored: &model.EntryForUpdate{Updated: &t0, Hash: sameHash}, expect: false},
		{name: "no updated, changed content", entry: entry, stored: &model.EntryForUpdate{Hash: "other"}, expect: true},
		{name: "no updated, stale", entry: entry, stored: &model.EntryForUpdate{Hash: sameHash}, stale: true, expect: true},
		{name: "stored has no updated", entry: model.EntryData{ID: "1", Updated: &t0}, stored: &model.EntryForUpdate{}, expect: true},
		{name: "newer", entry: model.EntryData{ID: "1", Updated: &t1}, stored: &model.EntryForUpdate{Updated: &t0}, expect: true},
		{name: "same", entry: model.EntryData{ID: "1", Updated: &t0}, stored: &model.EntryForUpdate{Updated: &t0}, expect: false},
		{name: "older", entry: model.EntryData{ID: "1", Updated: &t0}, stored: &model.EntryForUpdate{Updated: &t1}, expect: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expect, ShouldUpdateEntry(tt.entry, tt.stored, tt.stale))
		})
	}
}

func TestProcessOldFeed(t *testing.T) {
	old := model.FeedForUpdate{URL: "feed", Updated: &t0, LastUpdated: &t0, HTTPETag: ptr("e"), HTTPLastModified: ptr("m")}
	assert.Equal(t, old, ProcessOldFeed(old, discard))

	old.Stale = true
	got := ProcessOldFeed(old, discard)
	assert.Nil(t, got.Updated)
	assert.Nil(t, got.HTTPETag)
	assert.Nil(t, got.HTTPLastModified)
	assert.Equal(t, &t0, got.LastUpdated)
}

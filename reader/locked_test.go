package reader

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"path/filepath"
	"testing"

	"github.com/robertmeta/feedreader/model"
	"github.com/robertmeta/feedreader/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// lockDatabase takes an exclusive lock on the database at path from a
// separate connection and returns a function that releases it.
func lockDatabase(t *testing.T, path string) (unlock func()) {
	t.Helper()
	ctx := context.Background()

	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	conn, err := db.Conn(ctx)
	require.NoError(t, err)
	_, err = conn.ExecContext(ctx, "BEGIN EXCLUSIVE")
	require.NoError(t, err)

	return func() {
		_, _ = conn.ExecContext(ctx, "ROLLBACK")
		conn.Close()
		db.Close()
	}
}

func newFileReader(t *testing.T, opts ...Option) (*Reader, string) {
	t.Helper()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "db.sqlite")

	parser := newFakeParser()
	clock := &fakeClock{now: t0}
	opts = append([]Option{
		WithParser(parser),
		WithClock(clock.Now),
		WithStoreOptions(store.WithTimeout(0)),
	}, opts...)
	r, err := New(path, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })

	require.NoError(t, r.AddFeed(ctx, model.FeedURL("f")))
	parser.set("f", modified("f",
		model.EntryData{ID: "1", Title: "one gopher"},
		model.EntryData{ID: "2", Title: "two gophers"},
		model.EntryData{ID: "3", Title: "three gophers"},
	))
	_, err = r.UpdateFeed(ctx, model.FeedURL("f"))
	require.NoError(t, err)
	require.NoError(t, r.EnableSearch(ctx))
	require.NoError(t, r.UpdateSearch(ctx))
	return r, path
}

func firstErr[T any](seq iter.Seq2[T, error]) error {
	for _, err := range seq {
		if err != nil {
			return err
		}
	}
	return nil
}

// Sequences returned before the database gets locked
// fail only once iteration starts.
func TestReader_LockedAfterSequenceReturned(t *testing.T) {
	for _, chunkSize := range []int{0, 2, DefaultChunkSize} {
		t.Run(fmt.Sprintf("GetEntries/chunk=%d", chunkSize), func(t *testing.T) {
			ctx := context.Background()
			r, path := newFileReader(t, WithChunkSize(chunkSize))

			seq, err := r.GetEntries(ctx, EntryFilter{})
			require.NoError(t, err)

			unlock := lockDatabase(t, path)
			err = firstErr(seq)
			var storageErr *model.StorageError
			assert.True(t, errors.As(err, &storageErr), "%v", err)

			unlock()
			entries := collect(t, seq, nil)
			assert.Len(t, entries, 3)
		})

		t.Run(fmt.Sprintf("SearchEntries/chunk=%d", chunkSize), func(t *testing.T) {
			ctx := context.Background()
			r, path := newFileReader(t, WithChunkSize(chunkSize))

			seq, err := r.SearchEntries(ctx, "gophers")
			require.NoError(t, err)

			unlock := lockDatabase(t, path)
			err = firstErr(seq)
			var searchErr *model.SearchError
			assert.True(t, errors.As(err, &searchErr), "%v", err)

			unlock()
			results := collect(t, seq, nil)
			assert.Len(t, results, 3)
		})
	}
}

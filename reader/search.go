package reader

import (
	"context"
	"iter"

	"github.com/robertmeta/feedreader/model"
)

// EnableSearch creates the full-text index. It is filled by UpdateSearch.
func (r *Reader) EnableSearch(ctx context.Context) error {
	return r.search.Enable(ctx)
}

// DisableSearch drops the full-text index.
func (r *Reader) DisableSearch(ctx context.Context) error {
	return r.search.Disable(ctx)
}

// IsSearchEnabled reports whether the full-text index exists.
func (r *Reader) IsSearchEnabled(ctx context.Context) (bool, error) {
	return r.search.IsEnabled(ctx)
}

// UpdateSearch indexes entries added or changed since the last call.
func (r *Reader) UpdateSearch(ctx context.Context) error {
	return r.search.Update(ctx)
}

// SearchEntries returns the entries matching query, most recently
// updated first. Malformed queries fail with *model.InvalidSearchQueryError,
// either here or while iterating.
func (r *Reader) SearchEntries(ctx context.Context, query string) (iter.Seq2[model.EntrySearchResult, error], error) {
	if r.chunkSize == 0 {
		return r.search.ScanSearchEntries(ctx, query)
	}
	return r.search.SearchEntries(ctx, query, r.chunkSize)
}

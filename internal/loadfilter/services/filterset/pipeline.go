package filterset

import (
	"context"
	"fmt"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/CMSgov/beneficiary-fhir-data-sub006/internal/loadfilter/domain"
)

// The functions in this file hold the refresh logic. They take their I/O as a
// BatchFetcher and touch no Manager state, so they can be tested without a
// DataSource or a timer.

// BatchFetcher returns every batch of one file.
type BatchFetcher func(ctx context.Context, fileID int64) ([]domain.IngestedBatch, error)

// BuildFilter fetches the full batch set of the tuple's file and builds its filter.
func BuildFilter(ctx context.Context, tuple domain.FileTuple, fetch BatchFetcher, factory SetFactory, fpRate float64) (*FileFilter, error) {
	batches, err := fetch(ctx, tuple.FileID)
	if err != nil {
		return nil, fmt.Errorf("fetching batches for file %d: %w", tuple.FileID, err)
	}
	return NewFileFilter(tuple.FileID, tuple.FileCreatedAt, batches, factory, fpRate)
}

// BuildFilters builds one filter per tuple with at most concurrency fetches in flight.
// The result keeps the order of tuples. The first error cancels the remaining builds.
func BuildFilters(ctx context.Context, tuples []domain.FileTuple, fetch BatchFetcher, factory SetFactory, fpRate float64, concurrency int) ([]*FileFilter, error) {
	if concurrency < 1 {
		concurrency = 1
	}
	out := make([]*FileFilter, len(tuples))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for i, t := range tuples {
		g.Go(func() error {
			f, err := BuildFilter(ctx, t, fetch, factory, fpRate)
			if err != nil {
				return err
			}
			out[i] = f
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// UpdateFilters returns a new list holding existing filters, with any filter whose
// FileID appears in rebuilt replaced by the rebuilt one, sorted descending by FirstUpdated.
// existing is not modified.
func UpdateFilters(existing, rebuilt []*FileFilter) []*FileFilter {
	replaced := make(map[int64]struct{}, len(rebuilt))
	for _, f := range rebuilt {
		replaced[f.FileID] = struct{}{}
	}

	result := make([]*FileFilter, 0, len(existing)+len(rebuilt))
	for _, f := range existing {
		if _, ok := replaced[f.FileID]; !ok {
			result = append(result, f)
		}
	}
	seen := make(map[int64]struct{}, len(rebuilt))
	for i := len(rebuilt) - 1; i >= 0; i-- {
		f := rebuilt[i]
		if _, dup := seen[f.FileID]; dup {
			continue
		}
		seen[f.FileID] = struct{}{}
		result = append(result, f)
	}
	sortFilters(result)
	return result
}

// TrimFilters returns the filters whose FileID is still among files. Only deletes.
func TrimFilters(existing []*FileFilter, files []domain.IngestedFile) []*FileFilter {
	present := make(map[int64]struct{}, len(files))
	for _, f := range files {
		present[f.FileID] = struct{}{}
	}

	result := make([]*FileFilter, 0, len(existing))
	for _, f := range existing {
		if _, ok := present[f.FileID]; ok {
			result = append(result, f)
		}
	}
	return result
}

// sortFilters orders filters newest file first. The lookup scan's early exit depends on it.
func sortFilters(filters []*FileFilter) {
	sort.SliceStable(filters, func(i, j int) bool {
		return filters[i].FirstUpdated.After(filters[j].FirstUpdated)
	})
}

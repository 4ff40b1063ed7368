package filterset

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CMSgov/beneficiary-fhir-data-sub006/internal/loadfilter/domain"
)

func buildAll(t *testing.T, src *MemSource) []*FileFilter {
	t.Helper()
	tuples, err := src.FileTuplesAfter(context.Background(), 0)
	require.NoError(t, err)
	filters, err := BuildFilters(context.Background(), tuples, src.BatchesForFile, &exactFactory{}, 0.01, 2)
	require.NoError(t, err)
	return filters
}

func TestBuildFilters_FileWithoutBatchesIsSkipped(t *testing.T) {
	src := NewMemSource().AddFile(1, at(2))
	assert.Empty(t, buildAll(t, src))
}

func TestBuildFilters_One(t *testing.T) {
	src := NewMemSource().AddFile(1, at(0)).AddBatch(1, 1, at(4), "567834")
	filters := buildAll(t, src)
	require.Len(t, filters, 1)

	f := filters[0]
	assert.True(t, f.MatchesDateRange(rng(at(1), at(2))))
	assert.Equal(t, 1, f.BatchCount)
	assert.True(t, f.MightContain("567834"))
	assert.False(t, f.MightContain("1"))
}

func TestBuildFilters_ManyKeepTupleOrder(t *testing.T) {
	src := NewMemSource().
		AddFile(1, at(1)).AddFile(2, at(11)).AddFile(3, at(21)).
		AddBatch(1, 1, at(4), "A").AddBatch(2, 2, at(14), "A").AddBatch(3, 3, at(24), "A")
	filters := buildAll(t, src)
	require.Len(t, filters, 3)
	assert.Equal(t, int64(3), filters[0].FileID)
	assert.Equal(t, int64(2), filters[1].FileID)
	assert.Equal(t, int64(1), filters[2].FileID)
}

func TestBuildFilters_BoundsConcurrency(t *testing.T) {
	var inFlight, peak atomic.Int64
	fetch := func(ctx context.Context, fileID int64) ([]domain.IngestedBatch, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		inFlight.Add(-1)
		return []domain.IngestedBatch{batch(fileID, fileID, at(int(fileID)), "K")}, nil
	}

	var tuples []domain.FileTuple
	for i := int64(1); i <= 12; i++ {
		tuples = append(tuples, domain.FileTuple{FileID: i, FileCreatedAt: at(int(i))})
	}
	filters, err := BuildFilters(context.Background(), tuples, fetch, &exactFactory{}, 0.01, 3)
	require.NoError(t, err)
	require.Len(t, filters, 12)
	assert.LessOrEqual(t, peak.Load(), int64(3))
	for i, f := range filters {
		assert.Equal(t, tuples[i].FileID, f.FileID)
	}
}

func TestBuildFilters_Errors(t *testing.T) {
	boom := errors.New("db down")
	t.Run("fetch error", func(t *testing.T) {
		fetch := func(context.Context, int64) ([]domain.IngestedBatch, error) { return nil, boom }
		_, err := BuildFilters(context.Background(), []domain.FileTuple{{FileID: 1}}, fetch, &exactFactory{}, 0.01, 1)
		assert.ErrorIs(t, err, boom)
	})
	t.Run("no batches", func(t *testing.T) {
		fetch := func(context.Context, int64) ([]domain.IngestedBatch, error) { return nil, nil }
		_, err := BuildFilters(context.Background(), []domain.FileTuple{{FileID: 1}}, fetch, &exactFactory{}, 0.01, 0)
		assert.ErrorIs(t, err, domain.ErrInvalidInput)
	})
}

func TestUpdateFilters(t *testing.T) {
	src1 := NewMemSource().
		AddFile(1, at(1)).AddFile(2, at(11)).AddFile(3, at(21)).
		AddBatch(1, 1, at(4), "A").AddBatch(3, 2, at(14), "A").AddBatch(5, 3, at(24), "A")
	filters1 := UpdateFilters(nil, buildAll(t, src1))
	require.Len(t, filters1, 3)
	assert.Equal(t, int64(1), filters1[2].FileID)
	assert.Equal(t, 1, filters1[2].BatchCount)

	// file 1 gains a batch: its filter is replaced, not duplicated
	src2 := NewMemSource().AddFile(1, at(1)).AddBatch(1, 1, at(4), "A").AddBatch(2, 1, at(9), "B")
	filters2 := UpdateFilters(filters1, buildAll(t, src2))
	require.Len(t, filters2, 3)
	assert.Equal(t, int64(1), filters2[2].FileID)
	assert.Equal(t, 2, filters2[2].BatchCount)

	// a new file sorts first
	src3 := NewMemSource().AddFile(4, at(31)).AddBatch(7, 4, at(34), "A")
	filters3 := UpdateFilters(filters1, buildAll(t, src3))
	require.Len(t, filters3, 4)
	assert.Equal(t, int64(4), filters3[0].FileID)
	assert.Equal(t, int64(1), filters3[3].FileID)

	// the input list is untouched
	assert.Equal(t, 1, filters1[2].BatchCount)
}

func TestUpdateFilters_DuplicateRebuildLastWins(t *testing.T) {
	a, err := NewFileFilter(1, at(0), []domain.IngestedBatch{batch(1, 1, at(1), "A")}, &exactFactory{}, 0.01)
	require.NoError(t, err)
	b, err := NewFileFilter(1, at(0), []domain.IngestedBatch{batch(1, 1, at(1), "A"), batch(2, 1, at(2), "B")}, &exactFactory{}, 0.01)
	require.NoError(t, err)

	got := UpdateFilters(nil, []*FileFilter{a, b})
	require.Len(t, got, 1)
	assert.Same(t, b, got[0])
}

func TestTrimFilters(t *testing.T) {
	src := NewMemSource().
		AddFile(1, at(1)).AddFile(2, at(11)).
		AddBatch(1, 1, at(4), "A").AddBatch(2, 1, at(9), "A").AddBatch(3, 2, at(14), "A")
	filters := UpdateFilters(nil, buildAll(t, src))
	require.Len(t, filters, 2)

	files := []domain.IngestedFile{{FileID: 2, CreatedAt: at(11)}}
	trimmed := TrimFilters(filters, files)
	require.Len(t, trimmed, 1)
	assert.Same(t, filters[0], trimmed[0])

	assert.Empty(t, TrimFilters(filters, nil))
}

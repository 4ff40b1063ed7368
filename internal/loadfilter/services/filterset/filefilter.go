package filterset

import (
	"fmt"
	"time"

	"github.com/CMSgov/beneficiary-fhir-data-sub006/internal/loadfilter/domain"
)

// FileFilter answers "might this ingested file contain records for key?" together
// with the interval [FirstUpdated, LastUpdated] the file's batches cover.
// A FileFilter is immutable once NewFileFilter returns; a file that gains batches
// gets a new FileFilter.
type FileFilter struct {
	FileID       int64
	BatchCount   int
	FirstUpdated time.Time
	LastUpdated  time.Time

	membership ApproximateSet
}

// NewFileFilter builds a filter over every member key of every batch.
// The set is sized for len(first batch members) × len(batches), assuming batches
// are of roughly equal size. An empty batch list is an ErrInvalidInput.
func NewFileFilter(fileID int64, firstUpdated time.Time, batches []domain.IngestedBatch, factory SetFactory, fpRate float64) (*FileFilter, error) {
	if len(batches) == 0 {
		return nil, fmt.Errorf("%w: file %d has no batches", domain.ErrInvalidInput, fileID)
	}

	capacity := uint64(len(batches[0].MemberKeys)) * uint64(len(batches))
	set := factory.New(capacity, fpRate)

	lastUpdated := firstUpdated
	for _, b := range batches {
		for _, key := range b.MemberKeys {
			set.Add([]byte(key))
		}
		if b.CreatedAt.After(lastUpdated) {
			lastUpdated = b.CreatedAt
		}
	}

	return &FileFilter{
		FileID:       fileID,
		BatchCount:   len(batches),
		FirstUpdated: firstUpdated,
		LastUpdated:  lastUpdated,
		membership:   set,
	}, nil
}

// MightContain never returns false for a key that was in one of the file's batches.
func (f *FileFilter) MightContain(key string) bool {
	return f.membership.MightContain([]byte(key))
}

// MatchesDateRange reports whether [FirstUpdated, LastUpdated] overlaps r.
// A nil range matches every filter.
func (f *FileFilter) MatchesDateRange(r *domain.DateRange) bool {
	if r == nil {
		return true
	}
	return r.Overlaps(f.FirstUpdated, f.LastUpdated)
}

// BitSize and ApproximateCount describe the underlying set, for logging.
func (f *FileFilter) BitSize() uint            { return f.membership.BitSize() }
func (f *FileFilter) ApproximateCount() uint32 { return f.membership.ApproximateCount() }

func (f *FileFilter) String() string {
	return fmt.Sprintf("FileFilter[file=%d batches=%d first=%s last=%s]",
		f.FileID, f.BatchCount, f.FirstUpdated.UTC().Format(time.RFC3339), f.LastUpdated.UTC().Format(time.RFC3339))
}

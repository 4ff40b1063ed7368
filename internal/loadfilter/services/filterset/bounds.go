package filterset

import (
	"time"

	"github.com/CMSgov/beneficiary-fhir-data-sub006/internal/loadfilter/domain"
)

// CalcUpperBound returns the newest MaxBatchCreatedAt among tuples when it is after
// refreshTime, and refreshTime otherwise. refreshTime must already be discounted by
// the replica delay.
func CalcUpperBound(tuples []domain.FileTuple, refreshTime time.Time) time.Time {
	upper := refreshTime
	for _, t := range tuples {
		if t.MaxBatchCreatedAt.After(upper) {
			upper = t.MaxBatchCreatedAt
		}
	}
	return upper
}

// CalcLowerBound returns the oldest CreatedAt among files, or previous when files is empty.
func CalcLowerBound(files []domain.IngestedFile, previous time.Time) time.Time {
	if len(files) == 0 {
		return previous
	}
	lower := files[0].CreatedAt
	for _, f := range files[1:] {
		if f.CreatedAt.Before(lower) {
			lower = f.CreatedAt
		}
	}
	return lower
}

package filterset

import (
	"context"
	"time"

	"github.com/CMSgov/beneficiary-fhir-data-sub006/internal/loadfilter/domain"
)

// ApproximateSet is the minimal interface a FileFilter needs from its membership structure.
// Implementations must never return false from MightContain for a key that was added.
type ApproximateSet interface {
	Add(key []byte)
	MightContain(key []byte) bool
	BitSize() uint
	ApproximateCount() uint32
}

// SetFactory builds an empty ApproximateSet sized for capacity members at fpRate.
type SetFactory interface {
	New(capacity uint64, fpRate float64) ApproximateSet
}

// DataSource is the backing store's ingestion bookkeeping, as seen by the refresh loop.
// Empty tables report a batch id of 0.
type DataSource interface {
	MaxBatchID(ctx context.Context) (int64, error)
	MinBatchID(ctx context.Context) (int64, error)
	// FileTuplesAfter returns one tuple per file that has a batch with id > batchID,
	// ordered descending by FileCreatedAt.
	FileTuplesAfter(ctx context.Context, batchID int64) ([]domain.FileTuple, error)
	CurrentFiles(ctx context.Context) ([]domain.IngestedFile, error)
	BatchesForFile(ctx context.Context, fileID int64) ([]domain.IngestedBatch, error)
}

// DecisionKey identifies one IsResultSetEmpty question.
type DecisionKey struct {
	Key   string
	Range domain.DateRange
}

// Decision is a cached IsResultSetEmpty answer. Generation ties it to the
// snapshot it was computed against; answers from older snapshots are ignored.
type Decision struct {
	Empty      bool
	Generation uint64
}

// CacheStats reports lightweight decision cache metrics.
type CacheStats struct {
	Capacity  int
	Size      int
	Hits      uint64
	Misses    uint64
	Evictions uint64
}

// DecisionCache memoises lookup answers between publishes.
type DecisionCache interface {
	Get(key DecisionKey) (Decision, bool)
	Put(key DecisionKey, d Decision)
	Len() int
	Purge()
	Stats() CacheStats
}

// Lookup and refresh outcomes reported to a Recorder.
const (
	LookupEmpty       = "empty"
	LookupMaybe       = "maybe"
	LookupOutOfBounds = "out_of_bounds"

	RefreshUnchanged = "unchanged"
	RefreshPublished = "published"
	RefreshFailed    = "failed"
)

// Recorder receives manager events for metrics. All methods must be cheap and non-blocking.
type Recorder interface {
	Lookup(outcome string, cached bool)
	Refresh(outcome string, elapsed time.Duration)
	Published(filters int, lower, upper time.Time)
}

type noopRecorder struct{}

func (noopRecorder) Lookup(string, bool)                 {}
func (noopRecorder) Refresh(string, time.Duration)       {}
func (noopRecorder) Published(int, time.Time, time.Time) {}

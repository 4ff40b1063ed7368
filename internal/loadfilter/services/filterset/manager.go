package filterset

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/CMSgov/beneficiary-fhir-data-sub006/internal/loadfilter/common/clock"
	"github.com/CMSgov/beneficiary-fhir-data-sub006/internal/loadfilter/common/log"
	"github.com/CMSgov/beneficiary-fhir-data-sub006/internal/loadfilter/domain"
)

// DefaultReplicaDelaySeconds is the replica lag estimate used by the daemon unless configured.
const DefaultReplicaDelaySeconds = 5

// Options configures a Manager. Source and Factory are required.
type Options struct {
	Source  DataSource
	Factory SetFactory

	// FPRate is the target false-positive rate of each per-file filter.
	FPRate float64

	// ReplicaDelaySeconds discounts the refresh time when computing the known upper bound.
	// Zero makes bounds deterministic in tests.
	ReplicaDelaySeconds int

	// BuildConcurrency bounds concurrent filter builds during a refresh. Defaults to 1.
	BuildConcurrency int

	Cache    DecisionCache
	Recorder Recorder
	Clock    clock.Clock
	Logger   log.Logger
}

// snapshot is one published generation of manager state. It is never mutated
// after being stored; refresh builds a new one and swaps the pointer.
type snapshot struct {
	filters         []*FileFilter
	knownLowerBound time.Time
	knownUpperBound time.Time
	minBatchID      int64
	maxBatchID      int64
	generation      uint64
}

// Manager holds the current filter set and answers "is this result set empty?"
// from memory. Lookups read the current snapshot without locking. Refresh does
// its I/O and filter construction on private state and publishes by swapping
// the snapshot pointer.
type Manager struct {
	source       DataSource
	factory      SetFactory
	fpRate       float64
	replicaDelay int
	concurrency  int
	cache        DecisionCache
	recorder     Recorder
	clock        clock.Clock
	logger       log.Logger

	current atomic.Pointer[snapshot]
	// ready is set by the first refresh that reaches the source, even one with nothing to publish.
	ready atomic.Bool

	// refreshMu serialises Refresh and Set. Lookups never take it.
	refreshMu sync.Mutex
}

// NewManager constructs a Manager with an empty, unpublished filter set.
func NewManager(opts Options) (*Manager, error) {
	if opts.Source == nil {
		return nil, fmt.Errorf("%w: data source is required", domain.ErrInvalidInput)
	}
	if opts.Factory == nil {
		return nil, fmt.Errorf("%w: set factory is required", domain.ErrInvalidInput)
	}
	if opts.ReplicaDelaySeconds < 0 {
		return nil, fmt.Errorf("%w: replica delay must not be negative", domain.ErrInvalidInput)
	}
	if opts.BuildConcurrency < 1 {
		opts.BuildConcurrency = 1
	}
	if opts.Recorder == nil {
		opts.Recorder = noopRecorder{}
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.Logger == nil {
		opts.Logger = log.NewNoopLogger()
	}

	m := &Manager{
		source:       opts.Source,
		factory:      opts.Factory,
		fpRate:       opts.FPRate,
		replicaDelay: opts.ReplicaDelaySeconds,
		concurrency:  opts.BuildConcurrency,
		cache:        opts.Cache,
		recorder:     opts.Recorder,
		clock:        opts.Clock,
		logger:       opts.Logger,
	}
	m.current.Store(&snapshot{})
	return m, nil
}

// IsResultSetEmpty reports whether a query for key over r is known to return nothing.
// true means the caller may skip the real query; false means the result may be
// non-empty or the manager cannot tell. An empty key is an ErrInvalidInput.
func (m *Manager) IsResultSetEmpty(key string, r *domain.DateRange) (bool, error) {
	if key == "" {
		return false, fmt.Errorf("%w: key must not be empty", domain.ErrInvalidInput)
	}

	s := m.current.Load()
	if !s.inKnownBounds(r) {
		// Out of bounds has to be treated as an unknown result.
		m.recorder.Lookup(LookupOutOfBounds, false)
		return false, nil
	}

	dk := DecisionKey{Key: key, Range: *r}
	if m.cache != nil {
		if d, ok := m.cache.Get(dk); ok && d.Generation == s.generation {
			m.recorder.Lookup(outcome(d.Empty), true)
			return d.Empty, nil
		}
	}

	empty := s.scan(key, r)
	if m.cache != nil {
		m.cache.Put(dk, Decision{Empty: empty, Generation: s.generation})
	}
	m.recorder.Lookup(outcome(empty), false)
	return empty, nil
}

// IsInKnownBounds reports whether r lies within the interval the filter set has
// complete information about. It is false for a nil range or an empty filter set.
func (m *Manager) IsInKnownBounds(r *domain.DateRange) bool {
	return m.current.Load().inKnownBounds(r)
}

func (s *snapshot) inKnownBounds(r *domain.DateRange) bool {
	if r == nil || len(s.filters) == 0 {
		return false
	}
	return r.Within(s.knownLowerBound, s.knownUpperBound)
}

// scan walks the filters newest first. Once a filter's LastUpdated is before the
// range's lower bound every remaining filter is older too, so the scan stops.
// This assumes the pipeline never backfills an old file with newer batches.
func (s *snapshot) scan(key string, r *domain.DateRange) bool {
	for _, f := range s.filters {
		if f.MatchesDateRange(r) {
			if f.MightContain(key) {
				return false
			}
		} else if r.HasLower() && f.LastUpdated.Before(r.Lower) {
			break
		}
	}
	return true
}

func outcome(empty bool) string {
	if empty {
		return LookupEmpty
	}
	return LookupMaybe
}

// Refresh polls the DataSource and publishes a new snapshot when batches were added
// or trimmed. It is safe to call concurrently with lookups and with itself.
// Failures are logged and leave the published state untouched; the returned error
// wraps domain.ErrRefreshFailure and is informational only.
func (m *Manager) Refresh(ctx context.Context) (err error) {
	m.refreshMu.Lock()
	defer m.refreshMu.Unlock()

	start := m.clock.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic: %v", domain.ErrRefreshFailure, r)
		}
		if err != nil {
			m.logger.Error(map[string]any{"error": err}, "Error found refreshing loaded file filters")
			m.recorder.Refresh(RefreshFailed, m.clock.Now().Sub(start))
		}
	}()

	cur := m.current.Load()
	next, changed, err := m.computeNext(ctx, cur, start)
	if err != nil {
		return fmt.Errorf("%w: %w", domain.ErrRefreshFailure, err)
	}
	if !changed {
		m.ready.Store(true)
		m.recorder.Refresh(RefreshUnchanged, m.clock.Now().Sub(start))
		return nil
	}

	m.publish(next)
	m.recorder.Refresh(RefreshPublished, m.clock.Now().Sub(start))
	return nil
}

// computeNext derives the next snapshot from cur without touching shared state.
// start is the local time taken before any source query.
func (m *Manager) computeNext(ctx context.Context, cur *snapshot, start time.Time) (*snapshot, bool, error) {
	next := *cur
	changed := false

	// New batches: rebuild the filters of every file they touched.
	maxBatchID, err := m.source.MaxBatchID(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("fetching max batch id: %w", err)
	}
	if maxBatchID != cur.maxBatchID {
		tuples, err := m.source.FileTuplesAfter(ctx, cur.maxBatchID)
		if err != nil {
			return nil, false, fmt.Errorf("fetching file tuples after batch %d: %w", cur.maxBatchID, err)
		}
		rebuilt, err := BuildFilters(ctx, tuples, m.source.BatchesForFile, m.factory, m.fpRate, m.concurrency)
		if err != nil {
			return nil, false, fmt.Errorf("building filters: %w", err)
		}
		for _, f := range rebuilt {
			m.logger.Info(map[string]any{
				"file_id":     f.FileID,
				"batches":     f.BatchCount,
				"bit_size":    f.BitSize(),
				"cardinality": f.ApproximateCount(),
			}, "Built a filter for loaded file")
		}
		next.filters = UpdateFilters(cur.filters, rebuilt)

		// The upper bound should come from the pipeline's clock, but this runs on the
		// server. Discount local time by the replica delay to cover lag and skew.
		refreshTime := start.Add(-time.Duration(m.replicaDelay) * time.Second)
		upper := CalcUpperBound(tuples, refreshTime)
		if upper.After(cur.knownUpperBound) {
			next.knownUpperBound = upper
		}
		next.maxBatchID = maxBatchID
		changed = true
		m.logger.Info(map[string]any{"max_batch_id": maxBatchID, "files": len(tuples)}, "Refreshed loaded file filters")
	}

	// Trimmed batches: drop filters whose file no longer exists.
	minBatchID, err := m.source.MinBatchID(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("fetching min batch id: %w", err)
	}
	if minBatchID != cur.minBatchID {
		files, err := m.source.CurrentFiles(ctx)
		if err != nil {
			return nil, false, fmt.Errorf("fetching current files: %w", err)
		}
		before := len(next.filters)
		next.filters = TrimFilters(next.filters, files)
		lower := CalcLowerBound(files, cur.knownLowerBound)
		if lower.After(cur.knownLowerBound) {
			next.knownLowerBound = lower
		}
		next.minBatchID = minBatchID
		changed = true
		m.logger.Info(map[string]any{
			"min_batch_id": minBatchID,
			"removed":      before - len(next.filters),
		}, "Trimmed loaded file filters")
	}

	return &next, changed, nil
}

// publish makes s the current snapshot. Callers hold refreshMu.
func (m *Manager) publish(s *snapshot) {
	s.generation = m.current.Load().generation + 1
	m.current.Store(s)
	m.ready.Store(true)
	if m.cache != nil {
		m.cache.Purge()
	}
	m.recorder.Published(len(s.filters), s.knownLowerBound, s.knownUpperBound)
	m.logger.Debug(map[string]any{"state": m.String()}, "Published filter set")
}

// Set publishes the given state directly, bypassing Refresh. Intended for tests
// and bootstrapping. filters is copied and sorted.
func (m *Manager) Set(filters []*FileFilter, knownLowerBound, knownUpperBound time.Time, minBatchID, maxBatchID int64) {
	m.refreshMu.Lock()
	defer m.refreshMu.Unlock()

	fs := make([]*FileFilter, len(filters))
	copy(fs, filters)
	sortFilters(fs)
	m.publish(&snapshot{
		filters:         fs,
		knownLowerBound: knownLowerBound,
		knownUpperBound: knownUpperBound,
		minBatchID:      minBatchID,
		maxBatchID:      maxBatchID,
	})
}

// Run refreshes after initialDelay and then every interval after the previous
// refresh finished, until ctx is cancelled.
func (m *Manager) Run(ctx context.Context, initialDelay, interval time.Duration) {
	timer := time.NewTimer(initialDelay)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info(nil, "Filter refresh loop stopped")
			return
		case <-timer.C:
		}
		_ = m.Refresh(ctx)
		timer.Reset(interval)
	}
}

// KnownUpperBound is the newest time the filter set has complete information for.
// Callers stamp it on responses as "current as of".
func (m *Manager) KnownUpperBound() (time.Time, error) {
	s := m.current.Load()
	if s.generation == 0 {
		return time.Time{}, domain.ErrNotInitialized
	}
	return s.knownUpperBound, nil
}

// KnownLowerBound is the oldest time the filter set has complete information for.
func (m *Manager) KnownLowerBound() (time.Time, error) {
	s := m.current.Load()
	if s.generation == 0 {
		return time.Time{}, domain.ErrNotInitialized
	}
	return s.knownLowerBound, nil
}

// Filters returns a copy of the current filter list, newest file first.
func (m *Manager) Filters() []*FileFilter {
	s := m.current.Load()
	out := make([]*FileFilter, len(s.filters))
	copy(out, s.filters)
	return out
}

func (m *Manager) MinBatchID() int64 { return m.current.Load().minBatchID }

func (m *Manager) MaxBatchID() int64 { return m.current.Load().maxBatchID }

func (m *Manager) ReplicaDelaySeconds() int { return m.replicaDelay }

// Generation counts publishes. Zero means nothing has been published yet.
func (m *Manager) Generation() uint64 { return m.current.Load().generation }

// Ready reports whether a refresh has succeeded or state was Set. An empty source
// makes the manager ready without a publish.
func (m *Manager) Ready() bool { return m.ready.Load() }

func (m *Manager) String() string {
	s := m.current.Load()
	return fmt.Sprintf("Manager[filters=%d knownLowerBound=%s knownUpperBound=%s minBatchID=%d maxBatchID=%d replicaDelay=%ds]",
		len(s.filters),
		s.knownLowerBound.UTC().Format(time.RFC3339),
		s.knownUpperBound.UTC().Format(time.RFC3339),
		s.minBatchID, s.maxBatchID, m.replicaDelay)
}

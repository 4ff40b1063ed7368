package filterset

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/CMSgov/beneficiary-fhir-data-sub006/internal/loadfilter/domain"
)

// --- fakes ---

// exactSet is an ApproximateSet with no false positives, so tests are deterministic.
type exactSet struct {
	keys  map[string]struct{}
	calls atomic.Int64
}

func (s *exactSet) Add(key []byte) { s.keys[string(key)] = struct{}{} }

func (s *exactSet) MightContain(key []byte) bool {
	s.calls.Add(1)
	_, ok := s.keys[string(key)]
	return ok
}

func (s *exactSet) BitSize() uint            { return uint(len(s.keys)) }
func (s *exactSet) ApproximateCount() uint32 { return uint32(len(s.keys)) }

type exactFactory struct {
	mu         sync.Mutex
	capacities []uint64
}

func (f *exactFactory) New(capacity uint64, fpRate float64) ApproximateSet {
	f.mu.Lock()
	f.capacities = append(f.capacities, capacity)
	f.mu.Unlock()
	return &exactSet{keys: make(map[string]struct{})}
}

// MemSource is an in-memory DataSource mirroring the loaded_files/loaded_batches tables.
type MemSource struct {
	mu      sync.Mutex
	files   map[int64]domain.IngestedFile
	batches []domain.IngestedBatch

	// Err* inject failures into the matching method.
	ErrMax, ErrMin, ErrTuples, ErrFiles, ErrBatches error

	batchCalls atomic.Int64
}

func NewMemSource() *MemSource {
	return &MemSource{files: make(map[int64]domain.IngestedFile)}
}

func (s *MemSource) AddFile(id int64, created time.Time) *MemSource {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[id] = domain.IngestedFile{FileID: id, CreatedAt: created}
	return s
}

func (s *MemSource) AddBatch(id, fileID int64, created time.Time, keys ...string) *MemSource {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, domain.IngestedBatch{BatchID: id, FileID: fileID, CreatedAt: created, MemberKeys: keys})
	return s
}

// RemoveFile deletes a file and its batches, the way the pipeline trims.
func (s *MemSource) RemoveFile(id int64) *MemSource {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.files, id)
	kept := s.batches[:0]
	for _, b := range s.batches {
		if b.FileID != id {
			kept = append(kept, b)
		}
	}
	s.batches = kept
	return s
}

func (s *MemSource) MaxBatchID(context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ErrMax != nil {
		return 0, s.ErrMax
	}
	var max int64
	for _, b := range s.batches {
		if b.BatchID > max {
			max = b.BatchID
		}
	}
	return max, nil
}

func (s *MemSource) MinBatchID(context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ErrMin != nil {
		return 0, s.ErrMin
	}
	var min int64
	for i, b := range s.batches {
		if i == 0 || b.BatchID < min {
			min = b.BatchID
		}
	}
	return min, nil
}

func (s *MemSource) FileTuplesAfter(_ context.Context, after int64) ([]domain.FileTuple, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ErrTuples != nil {
		return nil, s.ErrTuples
	}
	byFile := map[int64]domain.FileTuple{}
	for _, b := range s.batches {
		if b.BatchID <= after {
			continue
		}
		f, ok := s.files[b.FileID]
		if !ok {
			continue
		}
		t, seen := byFile[b.FileID]
		if !seen {
			t = domain.FileTuple{FileID: f.FileID, FileCreatedAt: f.CreatedAt, MaxBatchCreatedAt: b.CreatedAt}
		} else if b.CreatedAt.After(t.MaxBatchCreatedAt) {
			t.MaxBatchCreatedAt = b.CreatedAt
		}
		byFile[b.FileID] = t
	}
	out := make([]domain.FileTuple, 0, len(byFile))
	for _, t := range byFile {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FileCreatedAt.After(out[j].FileCreatedAt) })
	return out, nil
}

func (s *MemSource) CurrentFiles(context.Context) ([]domain.IngestedFile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ErrFiles != nil {
		return nil, s.ErrFiles
	}
	out := make([]domain.IngestedFile, 0, len(s.files))
	for _, f := range s.files {
		out = append(out, f)
	}
	return out, nil
}

func (s *MemSource) BatchesForFile(_ context.Context, fileID int64) ([]domain.IngestedBatch, error) {
	s.batchCalls.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ErrBatches != nil {
		return nil, s.ErrBatches
	}
	var out []domain.IngestedBatch
	for _, b := range s.batches {
		if b.FileID == fileID {
			out = append(out, b)
		}
	}
	return out, nil
}

func (s *MemSource) SetErrBatches(err error) {
	s.mu.Lock()
	s.ErrBatches = err
	s.mu.Unlock()
}

var _ DataSource = (*MemSource)(nil)

// mapCache is a DecisionCache backed by a plain map.
type mapCache struct {
	mu     sync.Mutex
	m      map[DecisionKey]Decision
	purges int
	hits   uint64
}

func newMapCache() *mapCache { return &mapCache{m: make(map[DecisionKey]Decision)} }

func (c *mapCache) Get(k DecisionKey) (Decision, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.m[k]
	if ok {
		c.hits++
	}
	return d, ok
}

func (c *mapCache) Put(k DecisionKey, d Decision) {
	c.mu.Lock()
	c.m[k] = d
	c.mu.Unlock()
}

func (c *mapCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.m)
}

func (c *mapCache) Purge() {
	c.mu.Lock()
	c.purges++
	c.m = make(map[DecisionKey]Decision)
	c.mu.Unlock()
}

func (c *mapCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CacheStats{Size: len(c.m), Hits: c.hits}
}

// --- helpers ---

var base = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func at(sec int) time.Time { return base.Add(time.Duration(sec) * time.Second) }

func rng(lower, upper time.Time) *domain.DateRange {
	return &domain.DateRange{Lower: lower, Upper: upper}
}

func batch(id, fileID int64, created time.Time, keys ...string) domain.IngestedBatch {
	return domain.IngestedBatch{BatchID: id, FileID: fileID, CreatedAt: created, MemberKeys: keys}
}

package boltsource

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"time"

	bbolt "go.etcd.io/bbolt"

	"github.com/CMSgov/beneficiary-fhir-data-sub006/internal/loadfilter/domain"
	"github.com/CMSgov/beneficiary-fhir-data-sub006/internal/loadfilter/services/filterset"
)

var (
	bucketFiles   = []byte("files")
	bucketBatches = []byte("batches")
)

// errCorrupt marks a record that does not decode.
var errCorrupt = errors.New("boltsource: corrupt record")

// Store keeps the pipeline's ingestion bookkeeping in a bbolt database.
// Files are keyed by file id, batches by batch id; both ids come from the
// bucket sequence so batch ids grow monotonically with insertion order.
//
// Batch values are fileID(8) | createdUnixNano(8) | keyCount(4) followed by
// keyLen(4) | key for each member key, all big-endian.
type Store struct {
	db *bbolt.DB
}

// Stats describes the record counts of a Store.
type Stats struct {
	Files   int
	Batches int
}

// New opens (or creates) a Bolt database at path and ensures buckets exist.
func New(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketFiles); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(bucketBatches); err != nil {
			return err
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// MaxBatchID returns the highest batch id, or 0 when there are no batches.
func (s *Store) MaxBatchID(ctx context.Context) (int64, error) {
	return s.edgeBatchID(ctx, (*bbolt.Cursor).Last)
}

// MinBatchID returns the lowest batch id, or 0 when there are no batches.
func (s *Store) MinBatchID(ctx context.Context) (int64, error) {
	return s.edgeBatchID(ctx, (*bbolt.Cursor).First)
}

func (s *Store) edgeBatchID(ctx context.Context, move func(*bbolt.Cursor) ([]byte, []byte)) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	var id int64
	err := s.db.View(func(tx *bbolt.Tx) error {
		if k, _ := move(tx.Bucket(bucketBatches).Cursor()); k != nil {
			id = decodeID(k)
		}
		return nil
	})
	return id, err
}

// FileTuplesAfter returns one tuple per file with a batch whose id is greater
// than batchID, newest file first. Batches of files that no longer exist are ignored.
func (s *Store) FileTuplesAfter(ctx context.Context, batchID int64) ([]domain.FileTuple, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []domain.FileTuple
	err := s.db.View(func(tx *bbolt.Tx) error {
		files := tx.Bucket(bucketFiles)
		byFile := make(map[int64]int)
		c := tx.Bucket(bucketBatches).Cursor()
		for k, v := c.Seek(encodeID(batchID + 1)); k != nil; k, v = c.Next() {
			fileID, created, _, err := decodeBatchValue(v)
			if err != nil {
				return fmt.Errorf("batch %d: %w", decodeID(k), err)
			}
			if i, seen := byFile[fileID]; seen {
				if created.After(out[i].MaxBatchCreatedAt) {
					out[i].MaxBatchCreatedAt = created
				}
				continue
			}
			fv := files.Get(encodeID(fileID))
			if fv == nil {
				continue
			}
			fileCreated, err := decodeTime(fv)
			if err != nil {
				return fmt.Errorf("file %d: %w", fileID, err)
			}
			byFile[fileID] = len(out)
			out = append(out, domain.FileTuple{FileID: fileID, FileCreatedAt: fileCreated, MaxBatchCreatedAt: created})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].FileCreatedAt.After(out[j].FileCreatedAt) })
	return out, nil
}

// CurrentFiles lists every file, in file id order.
func (s *Store) CurrentFiles(ctx context.Context) ([]domain.IngestedFile, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []domain.IngestedFile
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketFiles).ForEach(func(k, v []byte) error {
			created, err := decodeTime(v)
			if err != nil {
				return fmt.Errorf("file %d: %w", decodeID(k), err)
			}
			out = append(out, domain.IngestedFile{FileID: decodeID(k), CreatedAt: created})
			return nil
		})
	})
	return out, err
}

// BatchesForFile returns every batch of fileID in batch id order.
func (s *Store) BatchesForFile(ctx context.Context, fileID int64) ([]domain.IngestedBatch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []domain.IngestedBatch
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketBatches).ForEach(func(k, v []byte) error {
			fid, created, keys, err := decodeBatchValue(v)
			if err != nil {
				return fmt.Errorf("batch %d: %w", decodeID(k), err)
			}
			if fid == fileID {
				out = append(out, domain.IngestedBatch{BatchID: decodeID(k), FileID: fid, CreatedAt: created, MemberKeys: keys})
			}
			return nil
		})
	})
	return out, err
}

// Below are the pipeline-side writers.

// PutFile records a new file and returns its id.
func (s *Store) PutFile(created time.Time) (int64, error) {
	var id int64
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketFiles)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		id = int64(seq)
		return b.Put(encodeID(id), encodeTime(created))
	})
	return id, err
}

// PutBatch records a batch of an existing file and returns its id.
func (s *Store) PutBatch(fileID int64, created time.Time, memberKeys []string) (int64, error) {
	var id int64
	err := s.db.Update(func(tx *bbolt.Tx) error {
		if tx.Bucket(bucketFiles).Get(encodeID(fileID)) == nil {
			return fmt.Errorf("%w: file %d does not exist", domain.ErrInvalidInput, fileID)
		}
		b := tx.Bucket(bucketBatches)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		id = int64(seq)
		batch, err := domain.NewIngestedBatch(id, fileID, created, memberKeys)
		if err != nil {
			return err
		}
		return b.Put(encodeID(id), encodeBatchValue(batch))
	})
	return id, err
}

// DeleteFile removes a file and all of its batches.
func (s *Store) DeleteFile(fileID int64) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return deleteFiles(tx, map[int64]struct{}{fileID: {}})
	})
}

// TrimFilesBefore removes every file created before cutoff, with its batches,
// and returns how many files were removed.
func (s *Store) TrimFilesBefore(cutoff time.Time) (int, error) {
	var n int
	err := s.db.Update(func(tx *bbolt.Tx) error {
		doomed := make(map[int64]struct{})
		if err := tx.Bucket(bucketFiles).ForEach(func(k, v []byte) error {
			created, err := decodeTime(v)
			if err != nil {
				return err
			}
			if created.Before(cutoff) {
				doomed[decodeID(k)] = struct{}{}
			}
			return nil
		}); err != nil {
			return err
		}
		n = len(doomed)
		return deleteFiles(tx, doomed)
	})
	return n, err
}

func deleteFiles(tx *bbolt.Tx, ids map[int64]struct{}) error {
	if len(ids) == 0 {
		return nil
	}
	files := tx.Bucket(bucketFiles)
	for id := range ids {
		if err := files.Delete(encodeID(id)); err != nil {
			return err
		}
	}
	batches := tx.Bucket(bucketBatches)
	var doomed [][]byte
	if err := batches.ForEach(func(k, v []byte) error {
		fileID, _, _, err := decodeBatchValue(v)
		if err != nil {
			return err
		}
		if _, ok := ids[fileID]; ok {
			doomed = append(doomed, append([]byte(nil), k...))
		}
		return nil
	}); err != nil {
		return err
	}
	// Deleting inside ForEach is not allowed, so delete after the walk.
	for _, k := range doomed {
		if err := batches.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

// Stats counts the stored files and batches.
func (s *Store) Stats() (Stats, error) {
	var st Stats
	err := s.db.View(func(tx *bbolt.Tx) error {
		st.Files = tx.Bucket(bucketFiles).Stats().KeyN
		st.Batches = tx.Bucket(bucketBatches).Stats().KeyN
		return nil
	})
	return st, err
}

func encodeID(id int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(id))
	return buf
}

func decodeID(b []byte) int64 { return int64(binary.BigEndian.Uint64(b)) }

func encodeTime(t time.Time) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(t.UnixNano()))
	return buf
}

func decodeTime(b []byte) (time.Time, error) {
	if len(b) != 8 {
		return time.Time{}, errCorrupt
	}
	return time.Unix(0, int64(binary.BigEndian.Uint64(b))).UTC(), nil
}

func encodeBatchValue(b domain.IngestedBatch) []byte {
	size := 20
	for _, k := range b.MemberKeys {
		size += 4 + len(k)
	}
	buf := make([]byte, 20, size)
	binary.BigEndian.PutUint64(buf[0:8], uint64(b.FileID))
	binary.BigEndian.PutUint64(buf[8:16], uint64(b.CreatedAt.UnixNano()))
	binary.BigEndian.PutUint32(buf[16:20], uint32(len(b.MemberKeys)))
	for _, k := range b.MemberKeys {
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(k)))
		buf = append(buf, k...)
	}
	return buf
}

func decodeBatchValue(v []byte) (fileID int64, created time.Time, keys []string, err error) {
	if len(v) < 20 {
		return 0, time.Time{}, nil, errCorrupt
	}
	fileID = int64(binary.BigEndian.Uint64(v[0:8]))
	created = time.Unix(0, int64(binary.BigEndian.Uint64(v[8:16]))).UTC()
	n := binary.BigEndian.Uint32(v[16:20])
	rest := v[20:]
	// Each key needs at least its 4-byte length.
	if uint64(n)*4 > uint64(len(rest)) {
		return 0, time.Time{}, nil, errCorrupt
	}
	keys = make([]string, 0, n)
	for i := uint32(0); i < n; i++ {
		if len(rest) < 4 {
			return 0, time.Time{}, nil, errCorrupt
		}
		l := binary.BigEndian.Uint32(rest[:4])
		rest = rest[4:]
		if uint64(l) > uint64(len(rest)) {
			return 0, time.Time{}, nil, errCorrupt
		}
		keys = append(keys, string(rest[:l]))
		rest = rest[l:]
	}
	if len(rest) != 0 {
		return 0, time.Time{}, nil, errCorrupt
	}
	return fileID, created, keys, nil
}

var _ filterset.DataSource = (*Store)(nil)

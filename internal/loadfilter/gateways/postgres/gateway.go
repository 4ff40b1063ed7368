package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/CMSgov/beneficiary-fhir-data-sub006/internal/loadfilter/common/log"
	"github.com/CMSgov/beneficiary-fhir-data-sub006/internal/loadfilter/domain"
	"github.com/CMSgov/beneficiary-fhir-data-sub006/internal/loadfilter/services/filterset"
)

const (
	queryMaxBatchID = `SELECT max(loaded_batch_id) FROM loaded_batches`
	queryMinBatchID = `SELECT min(loaded_batch_id) FROM loaded_batches`

	queryFileTuplesAfter = `SELECT f.loaded_file_id, f.created, max(b.created)
FROM loaded_files f
JOIN loaded_batches b ON b.loaded_file_id = f.loaded_file_id
WHERE b.loaded_batch_id > $1
GROUP BY f.loaded_file_id, f.created
ORDER BY f.created DESC`

	queryCurrentFiles = `SELECT loaded_file_id, created FROM loaded_files`

	queryBatchesForFile = `SELECT loaded_batch_id, loaded_file_id, beneficiaries, created
FROM loaded_batches
WHERE loaded_file_id = $1
ORDER BY loaded_batch_id`
)

// Options tunes the gateway. Zero values pick defaults.
type Options struct {
	// QueryTimeout bounds each attempt of each query.
	QueryTimeout time.Duration
	Retry        RetryConfig
	Logger       log.Logger
}

// Gateway reads the pipeline's loaded_files and loaded_batches tables.
type Gateway struct {
	db      *sql.DB
	timeout time.Duration
	retry   RetryConfig
	logger  log.Logger
}

var sqlOpen = sql.Open

// Open connects to dsn with the postgres driver and verifies the connection.
func Open(ctx context.Context, dsn string, opts Options) (*Gateway, error) {
	db, err := sqlOpen("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening postgres connection: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	g := New(db, opts)
	pingCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	return g, nil
}

// New wraps an existing database handle.
func New(db *sql.DB, opts Options) *Gateway {
	if opts.QueryTimeout <= 0 {
		opts.QueryTimeout = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = log.NewNoopLogger()
	}
	return &Gateway{
		db:      db,
		timeout: opts.QueryTimeout,
		retry:   opts.Retry.withDefaults(),
		logger:  opts.Logger,
	}
}

func (g *Gateway) Close() error { return g.db.Close() }

// do runs one query with a fresh timeout per attempt.
func (g *Gateway) do(ctx context.Context, name string, fn func(context.Context) error) error {
	return retry(ctx, g.logger, name, g.retry, func(ctx context.Context) error {
		qctx, cancel := context.WithTimeout(ctx, g.timeout)
		defer cancel()
		return fn(qctx)
	})
}

// MaxBatchID returns the highest loaded_batch_id, or 0 for an empty table.
func (g *Gateway) MaxBatchID(ctx context.Context) (int64, error) {
	return g.scalarID(ctx, "max_batch_id", queryMaxBatchID)
}

// MinBatchID returns the lowest loaded_batch_id, or 0 for an empty table.
func (g *Gateway) MinBatchID(ctx context.Context) (int64, error) {
	return g.scalarID(ctx, "min_batch_id", queryMinBatchID)
}

func (g *Gateway) scalarID(ctx context.Context, name, query string) (int64, error) {
	var id sql.NullInt64
	err := g.do(ctx, name, func(ctx context.Context) error {
		return g.db.QueryRowContext(ctx, query).Scan(&id)
	})
	if err != nil {
		return 0, err
	}
	return id.Int64, nil
}

// FileTuplesAfter returns (file id, file created, newest batch created) for every
// file with a batch newer than batchID, newest file first.
func (g *Gateway) FileTuplesAfter(ctx context.Context, batchID int64) ([]domain.FileTuple, error) {
	var out []domain.FileTuple
	err := g.do(ctx, "file_tuples_after", func(ctx context.Context) error {
		out = out[:0]
		rows, err := g.db.QueryContext(ctx, queryFileTuplesAfter, batchID)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var t domain.FileTuple
			if err := rows.Scan(&t.FileID, &t.FileCreatedAt, &t.MaxBatchCreatedAt); err != nil {
				return err
			}
			out = append(out, t)
		}
		return rows.Err()
	})
	return out, err
}

func (g *Gateway) CurrentFiles(ctx context.Context) ([]domain.IngestedFile, error) {
	var out []domain.IngestedFile
	err := g.do(ctx, "current_files", func(ctx context.Context) error {
		out = out[:0]
		rows, err := g.db.QueryContext(ctx, queryCurrentFiles)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var f domain.IngestedFile
			if err := rows.Scan(&f.FileID, &f.CreatedAt); err != nil {
				return err
			}
			out = append(out, f)
		}
		return rows.Err()
	})
	return out, err
}

// BatchesForFile returns every batch of fileID. The beneficiaries column is a
// comma-separated list of member keys.
func (g *Gateway) BatchesForFile(ctx context.Context, fileID int64) ([]domain.IngestedBatch, error) {
	var out []domain.IngestedBatch
	err := g.do(ctx, "batches_for_file", func(ctx context.Context) error {
		out = out[:0]
		rows, err := g.db.QueryContext(ctx, queryBatchesForFile, fileID)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var (
				b       domain.IngestedBatch
				members sql.NullString
			)
			if err := rows.Scan(&b.BatchID, &b.FileID, &members, &b.CreatedAt); err != nil {
				return err
			}
			b.MemberKeys = domain.ParseMemberKeys(members.String)
			out = append(out, b)
		}
		return rows.Err()
	})
	return out, err
}

var _ filterset.DataSource = (*Gateway)(nil)

package domain

import (
	"fmt"
	"strings"
	"time"
)

// IngestedFile is one atomic unit of ingestion written by the pipeline.
type IngestedFile struct {
	FileID    int64
	CreatedAt time.Time
}

// IngestedBatch is a sub-unit of a file. MemberKeys are the beneficiary keys
// touched by the batch. BatchID ordering is the authoritative "what's new" signal.
type IngestedBatch struct {
	BatchID    int64
	FileID     int64
	CreatedAt  time.Time
	MemberKeys []string
}

// FileTuple is the narrow projection used to decide which filters to rebuild:
// the file id, the file creation time and the newest batch creation time in that file.
type FileTuple struct {
	FileID            int64
	FileCreatedAt     time.Time
	MaxBatchCreatedAt time.Time
}

// NewIngestedBatch constructs a batch and validates its fields.
func NewIngestedBatch(batchID, fileID int64, createdAt time.Time, memberKeys []string) (IngestedBatch, error) {
	b := IngestedBatch{
		BatchID:    batchID,
		FileID:     fileID,
		CreatedAt:  createdAt,
		MemberKeys: memberKeys,
	}
	if err := b.Validate(); err != nil {
		return IngestedBatch{}, err
	}
	return b, nil
}

// Validate checks the batch for required fields.
func (b IngestedBatch) Validate() error {
	if b.BatchID <= 0 {
		return fmt.Errorf("%w: batch id must be positive, got %d", ErrInvalidInput, b.BatchID)
	}
	if b.FileID <= 0 {
		return fmt.Errorf("%w: file id must be positive, got %d", ErrInvalidInput, b.FileID)
	}
	if b.CreatedAt.IsZero() {
		return fmt.Errorf("%w: batch createdAt must be set", ErrInvalidInput)
	}
	return nil
}

// ParseMemberKeys splits the pipeline's comma-separated member column.
// Whitespace is trimmed and empty entries are dropped.
func ParseMemberKeys(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	keys := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			keys = append(keys, p)
		}
	}
	return keys
}

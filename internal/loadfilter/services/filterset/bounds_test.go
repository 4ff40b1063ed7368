package filterset

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/CMSgov/beneficiary-fhir-data-sub006/internal/loadfilter/domain"
)

func TestCalcUpperBound(t *testing.T) {
	refresh := at(100)
	tests := []struct {
		name   string
		tuples []domain.FileTuple
		want   time.Time
	}{
		{"no tuples", nil, refresh},
		{"all older than refresh", []domain.FileTuple{
			{FileID: 1, FileCreatedAt: at(0), MaxBatchCreatedAt: at(50)},
			{FileID: 2, FileCreatedAt: at(10), MaxBatchCreatedAt: at(90)},
		}, refresh},
		{"data newer than refresh", []domain.FileTuple{
			{FileID: 1, FileCreatedAt: at(0), MaxBatchCreatedAt: at(50)},
			{FileID: 2, FileCreatedAt: at(95), MaxBatchCreatedAt: at(120)},
			{FileID: 3, FileCreatedAt: at(96), MaxBatchCreatedAt: at(110)},
		}, at(120)},
		{"equal to refresh", []domain.FileTuple{
			{FileID: 1, FileCreatedAt: at(0), MaxBatchCreatedAt: refresh},
		}, refresh},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CalcUpperBound(tt.tuples, refresh))
		})
	}
}

func TestCalcLowerBound(t *testing.T) {
	prev := at(5)
	tests := []struct {
		name  string
		files []domain.IngestedFile
		want  time.Time
	}{
		{"no files keeps previous", nil, prev},
		{"single file", []domain.IngestedFile{{FileID: 1, CreatedAt: at(30)}}, at(30)},
		{"min of many", []domain.IngestedFile{
			{FileID: 3, CreatedAt: at(30)},
			{FileID: 1, CreatedAt: at(10)},
			{FileID: 2, CreatedAt: at(20)},
		}, at(10)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CalcLowerBound(tt.files, prev))
		})
	}
}

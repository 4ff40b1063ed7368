package bloom

import (
	bitsbloom "github.com/bits-and-blooms/bloom/v3"

	"github.com/CMSgov/beneficiary-fhir-data-sub006/internal/loadfilter/services/filterset"
)

// factory implements filterset.SetFactory with Bloom filters sized by Size.
type factory struct{}

// NewFactory returns a SetFactory producing Bloom filters.
func NewFactory() filterset.SetFactory { return factory{} }

// New constructs an empty Bloom filter sized for capacity members at fpRate.
func (factory) New(capacity uint64, fpRate float64) filterset.ApproximateSet {
	m, k := Size(capacity, fpRate)
	return &filter{bf: bitsbloom.New(uint(m), uint(k))}
}

var _ filterset.SetFactory = factory{}

package bloom

import (
	bitsbloom "github.com/bits-and-blooms/bloom/v3"
)

// filter adapts a bits-and-blooms BloomFilter to filterset.ApproximateSet.
// Add is only called while a per-file filter is being built; once published the
// filter is read-only and MightContain is safe from any number of goroutines.
type filter struct {
	bf *bitsbloom.BloomFilter
}

func (f *filter) Add(key []byte) {
	f.bf.Add(key)
}

func (f *filter) MightContain(key []byte) bool {
	return f.bf.Test(key)
}

// BitSize is the number of bits (m) backing the filter.
func (f *filter) BitSize() uint {
	return f.bf.Cap()
}

// ApproximateCount estimates how many distinct keys were added.
func (f *filter) ApproximateCount() uint32 {
	return f.bf.ApproximatedSize()
}

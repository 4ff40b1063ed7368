package bloom

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFactory_New_Basic(t *testing.T) {
	bf := NewFactory().New(128, 0.01)
	require.NotNil(t, bf)

	key := []byte("567834")
	assert.False(t, bf.MightContain(key), "unexpected positive before add")
	bf.Add(key)
	assert.True(t, bf.MightContain(key), "expected maybe after add")
}

func TestFactory_New_Defaults(t *testing.T) {
	// capacity=0 and invalid fp → internal defaults apply; filter still usable
	bf := NewFactory().New(0, 0)
	key := []byte("default-case")
	bf.Add(key)
	assert.True(t, bf.MightContain(key))
}

func TestFilter_NoFalseNegatives(t *testing.T) {
	const n = 10_000
	bf := NewFactory().New(n, 0.01)
	for i := 0; i < n; i++ {
		bf.Add([]byte(fmt.Sprintf("bene-%06d", i)))
	}
	for i := 0; i < n; i++ {
		key := fmt.Sprintf("bene-%06d", i)
		require.True(t, bf.MightContain([]byte(key)), "false negative for %s", key)
	}
}

func TestFilter_FalsePositiveRateIsBounded(t *testing.T) {
	const n = 5_000
	const trials = 50_000
	bf := NewFactory().New(n, 0.01)
	for i := 0; i < n; i++ {
		bf.Add([]byte(fmt.Sprintf("present-%d", i)))
	}
	fp := 0
	for i := 0; i < trials; i++ {
		if bf.MightContain([]byte(fmt.Sprintf("absent-%d", i))) {
			fp++
		}
	}
	// 1% target; allow generous slack for hash variance.
	assert.Less(t, float64(fp)/trials, 0.03)
}

func TestFilter_StatsReflectSizing(t *testing.T) {
	f := NewFactory().New(1000, 0.01).(*filter)
	m, _ := Size(1000, 0.01)
	assert.Equal(t, uint(m), f.BitSize())
	assert.Equal(t, uint32(0), f.ApproximateCount())

	for i := 0; i < 100; i++ {
		f.Add([]byte(fmt.Sprintf("k%d", i)))
	}
	assert.InDelta(t, 100, float64(f.ApproximateCount()), 10)
}

func TestFilter_ConcurrentReadsAfterBuild(t *testing.T) {
	f := NewFactory().New(256, 0.01)
	keys := [][]byte{[]byte("a"), []byte("b"), []byte("c")}
	for _, k := range keys {
		f.Add(k)
	}

	var wg sync.WaitGroup
	for r := 0; r < 8; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 10_000; i++ {
				if !f.MightContain(keys[i%3]) {
					t.Errorf("false negative during concurrent reads")
					return
				}
			}
		}()
	}
	wg.Wait()
}

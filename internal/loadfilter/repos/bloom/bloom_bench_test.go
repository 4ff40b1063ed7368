package bloom

import (
	"fmt"
	"testing"
)

func benchMakeKeys(n int, prefix string) [][]byte {
	out := make([][]byte, n)
	for i := 0; i < n; i++ {
		out[i] = []byte(fmt.Sprintf("%s-%07d", prefix, i))
	}
	return out
}

func BenchmarkBloom_Positive(b *testing.B) {
	const n = 100_000
	bf := NewFactory().New(n, 0.01)
	keys := benchMakeKeys(n, "present")
	for _, k := range keys {
		bf.Add(k)
	}

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = bf.MightContain(keys[i%len(keys)])
	}
}

func BenchmarkBloom_Negative(b *testing.B) {
	const n = 100_000
	bf := NewFactory().New(n, 0.01)
	for _, k := range benchMakeKeys(n, "present") {
		bf.Add(k)
	}
	absent := benchMakeKeys(n, "absent")

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = bf.MightContain(absent[i%len(absent)])
	}
}

package rand

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFloat64Range(t *testing.T) {
	for i := 0; i < 1000; i++ {
		f := Float64()
		require.GreaterOrEqual(t, f, 0.0)
		require.Less(t, f, 1.0)
	}
}

func BenchmarkFloat64(b *testing.B) {
	for i := 0; i < b.N; i++ {
		Float64()
	}
}

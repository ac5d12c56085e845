// Package rand provides a process-wide, mutex-guarded PCG source seeded from
// crypto/rand. It is not suitable for anything security sensitive.
package rand

import (
	cryptorand "crypto/rand"
	"encoding/binary"
	"math/rand/v2"
	"sync"
)

const bytesInUint64 = 8

var defaultSource = newSource()

func newSource() *source {
	seed := make([]byte, bytesInUint64*2)

	if _, err := cryptorand.Read(seed); err != nil {
		panic("unreachable")
	}

	return &source{
		//nolint:gosec // no security required
		rng: rand.New(rand.NewPCG(
			binary.LittleEndian.Uint64(seed[:8]),
			binary.LittleEndian.Uint64(seed[8:]),
		)),
	}
}

type source struct {
	mut sync.Mutex
	rng *rand.Rand
}

// Float64 returns a pseudo-random number in [0.0, 1.0).
func Float64() float64 {
	defaultSource.mut.Lock()
	defer defaultSource.mut.Unlock()
	return defaultSource.rng.Float64()
}

// Package backoff computes reconnection delays.
//
// The delay for attempt n (zero-indexed) is Base * Factor^n. With the zero
// values of Max and Jitter the result is exact and reproducible, which is what
// the reconnection tests rely on.
package backoff

import (
	"errors"
	"math"
	"time"

	"github.com/tetherws/tether/internal/rand"
)

var (
	ErrNegativeBase  = errors.New("backoff: base delay cannot be negative")
	ErrInvalidFactor = errors.New("backoff: factor must be >= 1")
	ErrNegativeMax   = errors.New("backoff: max delay cannot be negative")
	ErrInvalidJitter = errors.New("backoff: jitter must be within [0, 1]")
)

// Policy describes exponential backoff without internal state.
type Policy struct {
	// Base is the delay before the first retry.
	Base time.Duration
	// Factor is the multiplicative growth per attempt.
	Factor float64
	// Max caps the delay. Zero means uncapped.
	Max time.Duration
	// Jitter adds a random fraction of the computed delay, in [0, Jitter).
	// Zero keeps delays deterministic.
	Jitter float64
}

// Default matches the historical client behaviour: 1s base, doubling, no cap, no jitter.
func Default() Policy {
	return Policy{
		Base:   time.Second,
		Factor: 2,
	}
}

func (p Policy) Validate() error {
	if p.Base < 0 {
		return ErrNegativeBase
	}
	if p.Factor < 1 || math.IsNaN(p.Factor) || math.IsInf(p.Factor, 0) {
		return ErrInvalidFactor
	}
	if p.Max < 0 {
		return ErrNegativeMax
	}
	if p.Jitter < 0 || p.Jitter > 1 {
		return ErrInvalidJitter
	}
	return nil
}

// Delay returns Base * Factor^attempt, capped at Max when set,
// with jitter applied last. Negative attempts are treated as zero.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	d := float64(p.Base) * math.Pow(p.Factor, float64(attempt))
	if p.Max > 0 && d > float64(p.Max) {
		d = float64(p.Max)
	}

	if p.Jitter > 0 {
		d += d * p.Jitter * rand.Float64()
	}

	return clamp(d)
}

// clamp converts d to a Duration, saturating instead of overflowing.
func clamp(d float64) time.Duration {
	if math.IsNaN(d) || d <= 0 {
		return 0
	}
	if d >= float64(math.MaxInt64) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

package backoff

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDelayIsExponential(t *testing.T) {
	p := Policy{Base: time.Second, Factor: 2}

	for n := 0; n < 20; n++ {
		want := time.Duration(float64(time.Second) * math.Pow(2, float64(n)))
		assert.Equal(t, want, p.Delay(n), "attempt %d", n)
	}
}

func TestDelayScenario(t *testing.T) {
	p := Policy{Base: 1, Factor: 2}

	assert.Equal(t, time.Duration(1), p.Delay(0))
	assert.Equal(t, time.Duration(2), p.Delay(1))
	assert.Equal(t, time.Duration(4), p.Delay(2))
}

func TestDelayIsDeterministic(t *testing.T) {
	p := Policy{Base: 250 * time.Millisecond, Factor: 1.5}

	for n := 0; n < 10; n++ {
		require.Equal(t, p.Delay(n), p.Delay(n))
	}
}

func TestDelayFactorOne(t *testing.T) {
	p := Policy{Base: 3 * time.Second, Factor: 1}
	assert.Equal(t, 3*time.Second, p.Delay(0))
	assert.Equal(t, 3*time.Second, p.Delay(7))
}

func TestDelayNegativeAttempt(t *testing.T) {
	p := Default()
	assert.Equal(t, time.Second, p.Delay(-3))
}

func TestDelayCappedAtMax(t *testing.T) {
	p := Policy{Base: time.Second, Factor: 2, Max: 5 * time.Second}

	assert.Equal(t, 4*time.Second, p.Delay(2))
	assert.Equal(t, 5*time.Second, p.Delay(3))
	assert.Equal(t, 5*time.Second, p.Delay(100))
}

func TestDelayOverflow(t *testing.T) {
	p := Policy{Base: time.Hour, Factor: 10}
	assert.Equal(t, time.Duration(math.MaxInt64), p.Delay(1000))
}

func TestDelayJitterBounds(t *testing.T) {
	p := Policy{Base: time.Second, Factor: 2, Jitter: 0.25}

	for i := 0; i < 200; i++ {
		d := p.Delay(1)
		require.GreaterOrEqual(t, d, 2*time.Second)
		require.Less(t, d, 2500*time.Millisecond)
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		policy Policy
		err    error
	}{
		{"default", Default(), nil},
		{"negative base", Policy{Base: -1, Factor: 2}, ErrNegativeBase},
		{"factor below one", Policy{Base: 1, Factor: 0.5}, ErrInvalidFactor},
		{"nan factor", Policy{Base: 1, Factor: math.NaN()}, ErrInvalidFactor},
		{"negative max", Policy{Base: 1, Factor: 2, Max: -1}, ErrNegativeMax},
		{"jitter too large", Policy{Base: 1, Factor: 2, Jitter: 1.5}, ErrInvalidJitter},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			err := c.policy.Validate()
			if c.err == nil {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, c.err)
		})
	}
}

package keepalive_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tetherws/tether/pkg/keepalive"
)

func TestProbesUntilStopped(t *testing.T) {
	var pings atomic.Int32
	p := keepalive.PingerFunc(func(context.Context) error {
		pings.Add(1)
		return nil
	})

	m := keepalive.Start(context.Background(), p, keepalive.Config{Interval: 10 * time.Millisecond}, func(error) {
		t.Error("unexpected failure")
	})

	require.Eventually(t, func() bool { return pings.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	m.Stop()
	m.Stop()

	stopped := pings.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, stopped, pings.Load())
	assert.NoError(t, m.Err())
	assert.Equal(t, int64(stopped), m.Probes())
}

func TestFirstFailureIsReportedOnce(t *testing.T) {
	boom := errors.New("boom")
	var pings atomic.Int32
	p := keepalive.PingerFunc(func(context.Context) error {
		if pings.Add(1) == 2 {
			return boom
		}
		return nil
	})

	failures := make(chan error, 4)
	m := keepalive.Start(context.Background(), p, keepalive.Config{Interval: 10 * time.Millisecond}, func(err error) {
		failures <- err
	})

	select {
	case err := <-failures:
		assert.ErrorIs(t, err, boom)
	case <-time.After(2 * time.Second):
		t.Fatal("failure not reported")
	}

	<-m.Done()
	assert.ErrorIs(t, m.Err(), boom)
	assert.Equal(t, int32(2), pings.Load())
	assert.Empty(t, failures)
	m.Stop()
}

func TestProbeTimeout(t *testing.T) {
	p := keepalive.PingerFunc(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	failed := make(chan error, 1)
	m := keepalive.Start(context.Background(), p, keepalive.Config{
		Interval: 10 * time.Millisecond,
		Timeout:  20 * time.Millisecond,
	}, func(err error) { failed <- err })
	defer m.Stop()

	select {
	case err := <-failed:
		assert.ErrorIs(t, err, keepalive.ErrProbeTimeout)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout not reported")
	}
}

func TestStopDuringProbeIsNotAFailure(t *testing.T) {
	entered := make(chan struct{})
	p := keepalive.PingerFunc(func(ctx context.Context) error {
		close(entered)
		<-ctx.Done()
		return ctx.Err()
	})

	m := keepalive.Start(context.Background(), p, keepalive.Config{Interval: 5 * time.Millisecond, Timeout: time.Minute}, func(err error) {
		t.Errorf("unexpected failure: %v", err)
	})

	<-entered
	m.Stop()
	assert.NoError(t, m.Err())
}

func TestParentContextStopsMonitor(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	m := keepalive.Start(ctx, keepalive.PingerFunc(func(context.Context) error { return nil }),
		keepalive.Config{Interval: time.Hour}, nil)

	cancel()
	select {
	case <-m.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("monitor did not exit")
	}
}

func TestDisabled(t *testing.T) {
	m := keepalive.Start(context.Background(), keepalive.PingerFunc(func(context.Context) error {
		t.Error("probe sent while disabled")
		return nil
	}), keepalive.Config{}, nil)

	select {
	case <-m.Done():
	default:
		t.Fatal("disabled monitor should be done immediately")
	}
	m.Stop()
	assert.Zero(t, m.Probes())
}

// Package keepalive probes a live session at a fixed interval and reports
// the first failed probe.
package keepalive

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Pinger is the part of a session the monitor needs.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingerFunc adapts a function to Pinger.
type PingerFunc func(ctx context.Context) error

func (f PingerFunc) Ping(ctx context.Context) error {
	return f(ctx)
}

// ErrProbeTimeout is reported when a single probe does not complete within
// Config.Timeout.
var ErrProbeTimeout = errors.New("keepalive: probe timed out")

type Config struct {
	// Interval between probes. A non-positive value disables the monitor.
	Interval time.Duration

	// Timeout bounds each probe. Zero means the probe is bounded by Interval.
	Timeout time.Duration
}

// Monitor runs until the first probe fails, Stop is called, or the context
// given to Start is done. It never restarts.
type Monitor struct {
	cfg       Config
	pinger    Pinger
	onFailure func(error)

	cancel context.CancelFunc
	done   chan struct{}

	stopOnce sync.Once
	probes   atomic.Int64

	mu  sync.Mutex
	err error
}

// Start launches a monitor for p. onFailure is called at most once, from the
// monitor goroutine, with the probe error.
func Start(ctx context.Context, p Pinger, cfg Config, onFailure func(error)) *Monitor {
	ctx, cancel := context.WithCancel(ctx)
	m := &Monitor{
		cfg:       cfg,
		pinger:    p,
		onFailure: onFailure,
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	if cfg.Interval <= 0 {
		close(m.done)
		return m
	}

	go m.loop(ctx)
	return m
}

func (m *Monitor) loop(ctx context.Context) {
	defer close(m.done)

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if err := m.probe(ctx); err != nil {
			// Stop racing with a probe is not a failure.
			if ctx.Err() != nil {
				return
			}
			m.mu.Lock()
			m.err = err
			m.mu.Unlock()
			if m.onFailure != nil {
				m.onFailure(err)
			}
			return
		}
	}
}

func (m *Monitor) probe(ctx context.Context) error {
	timeout := m.cfg.Timeout
	if timeout <= 0 {
		timeout = m.cfg.Interval
	}
	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	m.probes.Add(1)
	err := m.pinger.Ping(pctx)
	if err == nil {
		return nil
	}
	if errors.Is(pctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return fmt.Errorf("%w after %s: %w", ErrProbeTimeout, timeout, err)
	}
	return err
}

// Stop halts the monitor and waits for its goroutine to exit.
// It is safe to call more than once and from multiple goroutines.
func (m *Monitor) Stop() {
	m.stopOnce.Do(m.cancel)
	<-m.done
}

// Done is closed when the monitor goroutine has exited.
func (m *Monitor) Done() <-chan struct{} {
	return m.done
}

// Err returns the probe failure that ended the monitor, if any.
func (m *Monitor) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// Probes reports how many probes were sent.
func (m *Monitor) Probes() int64 {
	return m.probes.Load()
}

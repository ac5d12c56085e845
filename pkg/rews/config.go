package rews

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/tetherws/tether/pkg/backoff"
	"github.com/tetherws/tether/pkg/logger"
	"github.com/tetherws/tether/pkg/metrics"
	"github.com/tetherws/tether/pkg/queue"
)

const (
	DefaultMaxRetries        = 5
	DefaultKeepaliveInterval = 30 * time.Second
	DefaultKeepaliveTimeout  = 10 * time.Second
	DefaultReceiveTimeout    = 60 * time.Second
	DefaultConnectTimeout    = 10 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
	DefaultCloseTimeout      = 5 * time.Second
)

// Config controls one Supervisor.
type Config struct {
	Endpoint string
	Header   http.Header

	// MaxRetries is the number of consecutive failed connection attempts
	// after which Run gives up with ErrRetriesExhausted.
	MaxRetries int
	Backoff    backoff.Policy

	// KeepaliveInterval is the probe period. Zero disables keepalive.
	KeepaliveInterval time.Duration
	KeepaliveTimeout  time.Duration

	// ReceiveTimeout bounds each wait for an inbound message. Expiry is not
	// an error; the loop keeps waiting. Zero waits indefinitely.
	ReceiveTimeout time.Duration
	ConnectTimeout time.Duration
	WriteTimeout   time.Duration
	CloseTimeout   time.Duration

	// InitialMessage is sent after every successful connect, before any
	// queued message. Nil sends nothing.
	InitialMessage []byte
}

func DefaultConfig(endpoint string) Config {
	return Config{
		Endpoint:          endpoint,
		Header:            http.Header{},
		MaxRetries:        DefaultMaxRetries,
		Backoff:           backoff.Default(),
		KeepaliveInterval: DefaultKeepaliveInterval,
		KeepaliveTimeout:  DefaultKeepaliveTimeout,
		ReceiveTimeout:    DefaultReceiveTimeout,
		ConnectTimeout:    DefaultConnectTimeout,
		WriteTimeout:      DefaultWriteTimeout,
		CloseTimeout:      DefaultCloseTimeout,
		InitialMessage:    []byte("{}"),
	}
}

func (c Config) Validate() error {
	if c.Endpoint == "" {
		return fmt.Errorf("%w: endpoint is required", ErrInvalidConfig)
	}
	if c.MaxRetries < 1 {
		return fmt.Errorf("%w: max retries must be at least 1, got %d", ErrInvalidConfig, c.MaxRetries)
	}
	if err := c.Backoff.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	for name, d := range map[string]time.Duration{
		"keepalive interval": c.KeepaliveInterval,
		"keepalive timeout":  c.KeepaliveTimeout,
		"receive timeout":    c.ReceiveTimeout,
		"connect timeout":    c.ConnectTimeout,
		"write timeout":      c.WriteTimeout,
		"close timeout":      c.CloseTimeout,
	} {
		if d < 0 {
			return fmt.Errorf("%w: %s must not be negative", ErrInvalidConfig, name)
		}
	}
	return nil
}

var (
	// ErrRetriesExhausted is the only runtime failure Run reports.
	// The concrete error is *RetriesExhaustedError.
	ErrRetriesExhausted = errors.New("rews: connection retries exhausted")

	// ErrQueued is returned by Send when writing to the live session failed.
	// The message was kept and will be delivered after reconnecting.
	ErrQueued = errors.New("rews: send failed, message queued for redelivery")

	ErrClosed         = errors.New("rews: supervisor is closed")
	ErrAlreadyRunning = errors.New("rews: supervisor is already running")
	ErrInvalidConfig  = errors.New("rews: invalid config")
)

type RetriesExhaustedError struct {
	Attempts int
	Last     error
}

func (e *RetriesExhaustedError) Error() string {
	return fmt.Sprintf("%v after %d attempts: %v", ErrRetriesExhausted, e.Attempts, e.Last)
}

func (e *RetriesExhaustedError) Is(target error) bool {
	return target == ErrRetriesExhausted
}

func (e *RetriesExhaustedError) Unwrap() error {
	return e.Last
}

// Handler receives every inbound message, one at a time, from the receive loop.
// A handler may call Close; that Close cancels Run without waiting for it, so
// use Done to observe the end of the shutdown.
type Handler interface {
	HandleMessage(ctx context.Context, payload []byte)
}

type HandlerFunc func(ctx context.Context, payload []byte)

func (f HandlerFunc) HandleMessage(ctx context.Context, payload []byte) {
	f(ctx, payload)
}

// Sleeper waits for d or until ctx is done, returning ctx.Err() in the latter case.
type Sleeper func(ctx context.Context, d time.Duration) error

type Option func(s *Supervisor)

func WithLogger(l logger.Logger) Option {
	return func(s *Supervisor) { s.logger = l }
}

func WithHandler(h Handler) Option {
	return func(s *Supervisor) { s.handler = h }
}

// WithQueue replaces the default unbounded outbound queue.
func WithQueue(q *queue.Queue[[]byte]) Option {
	return func(s *Supervisor) { s.queue = q }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Supervisor) { s.metrics = m }
}

// WithStateObserver registers fn to be called after every state transition.
// fn must not call back into the Supervisor's Close.
func WithStateObserver(fn func(from, to State)) Option {
	return func(s *Supervisor) { s.observer = fn }
}

func WithSleeper(fn Sleeper) Option {
	return func(s *Supervisor) { s.sleep = fn }
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

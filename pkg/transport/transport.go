// Package transport defines the session capability the reconnecting client
// consumes. Frame encoding, TLS and the HTTP upgrade handshake live in the
// adapters under this directory; callers only see opaque payloads.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrConnectionClosed reports that the session is no longer usable.
	// Adapters wrap the underlying cause with it.
	ErrConnectionClosed = errors.New("transport: connection closed")

	// ErrTimeout reports that a bounded operation ran out of time without
	// the session being affected, such as a Receive with nothing to read.
	ErrTimeout = errors.New("transport: timeout")

	// ErrPongTimeout reports that the peer did not answer a previous ping in time.
	ErrPongTimeout = errors.New("transport: pong not received in time")
)

// HandshakeError is returned by Dial when the connection could not be upgraded.
type HandshakeError struct {
	// StatusCode is the HTTP status of the upgrade response, or 0 when
	// no response was received.
	StatusCode int
	Err        error
}

func (e *HandshakeError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("transport: handshake failed with status %d: %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("transport: handshake failed: %v", e.Err)
}

func (e *HandshakeError) Unwrap() error {
	return e.Err
}

// Session is an established bidirectional connection.
//
// Send, Ping and Close may be called concurrently with Receive.
// Implementations serialise concurrent Sends.
type Session interface {
	// ID identifies the session in logs.
	ID() string
	// Send writes one message. A failure wraps ErrConnectionClosed when the
	// session can no longer be written to.
	Send(ctx context.Context, payload []byte) error
	// Receive blocks for the next inbound message. It returns ErrTimeout when
	// ctx expires, and an error wrapping ErrConnectionClosed once the peer or
	// the network ended the session.
	Receive(ctx context.Context) ([]byte, error)
	// Ping sends a heartbeat probe.
	Ping(ctx context.Context) error
	// Close performs a best-effort close handshake and releases the connection.
	// Calling Close more than once is a no-op.
	Close(ctx context.Context) error
}

// Dialer establishes sessions.
type Dialer interface {
	Dial(ctx context.Context, endpoint string, header http.Header) (Session, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, endpoint string, header http.Header) (Session, error)

func (f DialerFunc) Dial(ctx context.Context, endpoint string, header http.Header) (Session, error) {
	return f(ctx, endpoint, header)
}

// ContextError maps a finished context to the transport error taxonomy:
// an expired deadline becomes ErrTimeout, cancellation stays context.Canceled.
func ContextError(ctx context.Context) error {
	err := ctx.Err()
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	return err
}

// IsTimeout reports whether err is a benign timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded)
}

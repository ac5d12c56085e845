// Package mock provides a scripted transport for supervisor tests.
package mock

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/tetherws/tether/pkg/transport"
)

// ErrDialRefused is returned by dials that the script makes fail.
var ErrDialRefused = &transport.HandshakeError{
	StatusCode: http.StatusServiceUnavailable,
	Err:        errors.New("mock: dial refused"),
}

// Dialer is a transport.Dialer whose outcome is scripted by the test.
//
// Configure fields before handing the dialer to the code under test.
type Dialer struct {
	// FailFirst makes the first n dials fail with ErrDialRefused.
	FailFirst int

	// OnDial, when set, runs on every attempt (1-based) and a non-nil
	// result fails the dial. It replaces FailFirst.
	OnDial func(ctx context.Context, attempt int) error

	// OnSession runs on every new session before Dial returns it.
	OnSession func(s *Session)

	mu        sync.Mutex
	attempts  int
	sessions  []*Session
	open      int
	maxOpen   int
	sent      [][]byte
	headers   []http.Header
	endpoints []string
	dialedAt  []time.Time
	ready     chan *Session
}

var _ transport.Dialer = (*Dialer)(nil)

func Create() *Dialer {
	return &Dialer{ready: make(chan *Session, 64)}
}

func (d *Dialer) Dial(ctx context.Context, endpoint string, header http.Header) (transport.Session, error) {
	d.mu.Lock()
	d.attempts++
	attempt := d.attempts
	d.endpoints = append(d.endpoints, endpoint)
	d.headers = append(d.headers, header.Clone())
	d.dialedAt = append(d.dialedAt, time.Now())
	d.mu.Unlock()

	if d.OnDial != nil {
		if err := d.OnDial(ctx, attempt); err != nil {
			return nil, err
		}
	} else if attempt <= d.FailFirst {
		return nil, ErrDialRefused
	}
	if ctx.Err() != nil {
		return nil, transport.ContextError(ctx)
	}

	s := &Session{
		id:     fmt.Sprintf("mock-%d", attempt),
		dialer: d,
		inbox:  transport.NewInbox(16),
	}

	d.mu.Lock()
	d.sessions = append(d.sessions, s)
	d.open++
	if d.open > d.maxOpen {
		d.maxOpen = d.open
	}
	d.mu.Unlock()

	if d.OnSession != nil {
		d.OnSession(s)
	}

	select {
	case d.ready <- s:
	default:
	}
	return s, nil
}

func (d *Dialer) Attempts() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.attempts
}

// DialTimes returns when each attempt started.
func (d *Dialer) DialTimes() []time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]time.Time(nil), d.dialedAt...)
}

func (d *Dialer) Headers() []http.Header {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]http.Header(nil), d.headers...)
}

func (d *Dialer) Sessions() []*Session {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Session(nil), d.sessions...)
}

// Open reports sessions dialed and not yet closed.
func (d *Dialer) Open() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.open
}

// MaxOpen reports the highest number of simultaneously open sessions.
func (d *Dialer) MaxOpen() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.maxOpen
}

// Sent returns every successfully sent payload across all sessions, in order.
func (d *Dialer) Sent() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.sent))
	for _, p := range d.sent {
		out = append(out, string(p))
	}
	return out
}

// NextSession waits for the next session produced by Dial.
func (d *Dialer) NextSession(timeout time.Duration) (*Session, error) {
	select {
	case s := <-d.ready:
		return s, nil
	case <-time.After(timeout):
		return nil, errors.New("mock: no session dialed in time")
	}
}

type Session struct {
	id     string
	dialer *Dialer
	inbox  *transport.Inbox

	mu       sync.Mutex
	sent     [][]byte
	sendFail func(payload []byte) error
	pingErr  error
	pings    int
	closes   int
}

var _ transport.Session = (*Session)(nil)

func (s *Session) ID() string {
	return s.id
}

// FailSends makes Send return the result of fn when it is non-nil.
func (s *Session) FailSends(fn func(payload []byte) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sendFail = fn
}

func (s *Session) FailPings(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pingErr = err
}

// Deliver queues an inbound message.
func (s *Session) Deliver(payload []byte) bool {
	return s.inbox.Push(payload)
}

// Drop simulates the peer going away.
func (s *Session) Drop(err error) {
	if err == nil {
		err = errors.New("mock: dropped by peer")
	}
	s.inbox.CloseWithError(fmt.Errorf("%w: %w", transport.ErrConnectionClosed, err))
}

func (s *Session) Send(ctx context.Context, payload []byte) error {
	if err := s.inbox.Err(); err != nil {
		return err
	}
	if ctx.Err() != nil {
		return transport.ContextError(ctx)
	}

	s.mu.Lock()
	fail := s.sendFail
	s.mu.Unlock()
	if fail != nil {
		if err := fail(payload); err != nil {
			return err
		}
	}

	cp := append([]byte(nil), payload...)
	s.mu.Lock()
	s.sent = append(s.sent, cp)
	s.mu.Unlock()

	s.dialer.mu.Lock()
	s.dialer.sent = append(s.dialer.sent, cp)
	s.dialer.mu.Unlock()
	return nil
}

func (s *Session) Receive(ctx context.Context) ([]byte, error) {
	return s.inbox.Receive(ctx)
}

func (s *Session) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pings++
	if s.pingErr != nil {
		return s.pingErr
	}
	return s.inbox.Err()
}

func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closes++
	first := s.closes == 1
	s.mu.Unlock()

	s.inbox.CloseWithError(fmt.Errorf("%w: closed locally", transport.ErrConnectionClosed))
	if first {
		s.dialer.mu.Lock()
		s.dialer.open--
		s.dialer.mu.Unlock()
	}
	return nil
}

func (s *Session) Sent() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.sent))
	for _, p := range s.sent {
		out = append(out, string(p))
	}
	return out
}

func (s *Session) Pings() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pings
}

func (s *Session) Closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}

// Package rews keeps one logical websocket connection alive.
//
// A Supervisor dials through a transport.Dialer, sends a configured initial
// message, flushes messages queued while it was offline, probes the session
// with keepalive pings and delivers inbound messages to a Handler. When the
// session breaks it is torn down and redialed with exponential backoff until
// the retry budget is spent.
package rews

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/tetherws/tether/pkg/keepalive"
	"github.com/tetherws/tether/pkg/logger"
	"github.com/tetherws/tether/pkg/metrics"
	"github.com/tetherws/tether/pkg/queue"
	"github.com/tetherws/tether/pkg/transport"
)

// Reasons a live session is abandoned.
var (
	errKeepaliveFailed = errors.New("keepalive probe failed")
	errSendFailed      = errors.New("send failed")
	errPrimeFailed     = errors.New("session priming failed")
)

type Supervisor struct {
	cfg      Config
	dialer   transport.Dialer
	queue    *queue.Queue[[]byte]
	handler  Handler
	logger   logger.Logger
	metrics  *metrics.Metrics
	observer func(from, to State)
	sleep    Sleeper

	mu           sync.Mutex
	state        State
	session      transport.Session
	ready        bool // session primed; direct sends allowed
	breakSession context.CancelCauseFunc
	retries      int
	connects     int64
	lastErr      error
	running      bool
	closing      bool
	cancelRun    context.CancelFunc
	done         chan struct{}
	doneOnce     sync.Once

	// handling is set while the Handler runs on the receive loop.
	handling atomic.Bool

	// sendMu orders direct sends against the initial message and queue flush,
	// so nothing submitted after a reconnect overtakes queued messages.
	sendMu sync.Mutex
}

// New validates cfg and returns a Supervisor in StateDisconnected.
func New(dialer transport.Dialer, cfg Config, opts ...Option) (*Supervisor, error) {
	if dialer == nil {
		return nil, fmt.Errorf("%w: dialer is required", ErrInvalidConfig)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Supervisor{
		cfg:    cfg,
		dialer: dialer,
		logger: logger.Nop(),
		sleep:  sleep,
		state:  StateDisconnected,
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.queue == nil {
		s.queue = queue.New[[]byte]()
	}
	if s.logger == nil {
		s.logger = logger.Nop()
	}

	s.metrics.SetState(s.state.String())
	return s, nil
}

func (s *Supervisor) transitionTo(newState State) error {
	s.mu.Lock()
	from := s.state
	next, err := from.TransitionTo(newState)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.state = next
	s.mu.Unlock()

	s.logger.Debug("rews: state transitioned", "from", from, "to", next)
	s.metrics.SetState(next.String())
	if s.observer != nil {
		s.observer(from, next)
	}
	return nil
}

func (s *Supervisor) mustTransitionTo(newState State) {
	if err := s.transitionTo(newState); err != nil {
		panic(fmt.Sprintf("BUG: %v", err))
	}
}

// Run connects and keeps the connection alive until ctx is done, Close is
// called, or the retry budget is exhausted.
//
// It returns nil after a graceful shutdown and a *RetriesExhaustedError
// (matching ErrRetriesExhausted) when it gave up. A Supervisor runs at most
// once; afterwards it is in a terminal state.
func (s *Supervisor) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.closing || s.state.Terminal() {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.running {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	ctx, cancel := context.WithCancel(ctx)
	s.running = true
	s.cancelRun = cancel
	s.mu.Unlock()

	defer s.markDone()
	defer cancel()

	err := s.loop(ctx)
	if errors.Is(err, ErrRetriesExhausted) {
		s.logger.Error("rews: giving up", "endpoint", s.cfg.Endpoint, "error", err)
		s.metrics.RetriesExhausted()
		s.mustTransitionTo(StateTerminated)
		return err
	}

	s.shutdown()
	return nil
}

func (s *Supervisor) loop(ctx context.Context) error {
	for {
		sess, err := s.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		cause := s.serve(ctx, sess)
		if ctx.Err() != nil {
			// shutdown releases the session.
			return nil
		}
		s.teardown(sess, cause)

		if err := s.backoff(ctx); err != nil {
			return nil
		}
	}
}

// backoff waits before redialing a session that broke after connecting.
func (s *Supervisor) backoff(ctx context.Context) error {
	s.mu.Lock()
	retries := s.retries
	s.mu.Unlock()

	delay := s.cfg.Backoff.Delay(retries)
	s.logger.Info("rews: reconnecting after backoff", "endpoint", s.cfg.Endpoint, "delay", delay)
	s.metrics.ObserveBackoff(delay)
	return s.sleep(ctx, delay)
}

// connect dials until a session is established, ctx is done or the retry
// budget is spent. Every failure is followed by a backoff wait.
func (s *Supervisor) connect(ctx context.Context) (transport.Session, error) {
	for {
		s.mustTransitionTo(StateConnecting)
		s.metrics.ConnectAttempt()

		s.mu.Lock()
		attempt := s.retries + 1
		s.mu.Unlock()
		s.logger.Info("rews: connecting", "endpoint", s.cfg.Endpoint, "attempt", attempt)

		sess, err := s.dial(ctx)
		if err == nil {
			if ctx.Err() != nil {
				s.closeSession(sess)
				return nil, ctx.Err()
			}
			s.install(sess)
			return sess, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		s.mu.Lock()
		s.retries++
		retries := s.retries
		s.lastErr = err
		s.mu.Unlock()

		s.metrics.ConnectFailure(failureReason(err))
		s.mustTransitionTo(StateDisconnected)

		delay := s.cfg.Backoff.Delay(retries - 1)
		s.logger.Warn("rews: connection attempt failed",
			"endpoint", s.cfg.Endpoint, "attempt", retries, "delay", delay, "error", err)
		s.metrics.ObserveBackoff(delay)

		if err := s.sleep(ctx, delay); err != nil {
			return nil, err
		}
		if retries >= s.cfg.MaxRetries {
			return nil, &RetriesExhaustedError{Attempts: retries, Last: err}
		}
	}
}

func (s *Supervisor) dial(ctx context.Context) (transport.Session, error) {
	if s.cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.ConnectTimeout)
		defer cancel()
	}
	return s.dialer.Dial(ctx, s.cfg.Endpoint, s.cfg.Header.Clone())
}

func failureReason(err error) string {
	var hsErr *transport.HandshakeError
	switch {
	case errors.As(err, &hsErr):
		return "handshake"
	case transport.IsTimeout(err):
		return "timeout"
	default:
		return "other"
	}
}

func (s *Supervisor) install(sess transport.Session) {
	s.mu.Lock()
	s.session = sess
	s.ready = false
	s.retries = 0
	s.connects++
	s.mu.Unlock()

	s.metrics.Connected()
	s.mustTransitionTo(StateConnected)
	s.logger.Info("rews: connected", "endpoint", s.cfg.Endpoint, "session", sess.ID())
}

// serve owns sess until it breaks or ctx is done, and returns the cause.
// The keepalive monitor is stopped before serve returns.
func (s *Supervisor) serve(ctx context.Context, sess transport.Session) error {
	sctx, breakSession := context.WithCancelCause(ctx)
	defer breakSession(nil)

	s.mu.Lock()
	s.breakSession = breakSession
	s.mu.Unlock()

	if err := s.prime(sctx, sess); err != nil {
		return fmt.Errorf("%w: %w", errPrimeFailed, err)
	}

	mon := keepalive.Start(sctx, sess, keepalive.Config{
		Interval: s.cfg.KeepaliveInterval,
		Timeout:  s.cfg.KeepaliveTimeout,
	}, func(err error) {
		s.metrics.KeepaliveFailure()
		breakSession(fmt.Errorf("%w: %w", errKeepaliveFailed, err))
	})
	defer mon.Stop()

	return s.receiveLoop(sctx, sess)
}

// prime sends the initial message and flushes the queue. Direct sends are
// held off until it completes.
func (s *Supervisor) prime(ctx context.Context, sess transport.Session) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	if s.cfg.InitialMessage != nil {
		if err := s.write(ctx, sess, s.cfg.InitialMessage); err != nil {
			return fmt.Errorf("initial message: %w", err)
		}
	}

	n, err := s.queue.Flush(ctx, func(ctx context.Context, payload []byte) error {
		return s.write(ctx, sess, payload)
	})
	s.metrics.MessagesSent(n)
	s.metrics.SetQueueDepth(s.queue.Len())
	if n > 0 {
		s.logger.Debug("rews: flushed queued messages", "session", sess.ID(), "count", n)
	}
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.ready = true
	s.mu.Unlock()
	return nil
}

func (s *Supervisor) write(ctx context.Context, sess transport.Session, payload []byte) error {
	if s.cfg.WriteTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.WriteTimeout)
		defer cancel()
	}
	return sess.Send(ctx, payload)
}

func (s *Supervisor) receiveLoop(ctx context.Context, sess transport.Session) error {
	for {
		msg, err := s.receive(ctx, sess)
		if err != nil {
			if ctx.Err() != nil {
				return context.Cause(ctx)
			}
			if transport.IsTimeout(err) {
				continue
			}
			return err
		}

		s.metrics.MessageReceived()
		s.dispatch(ctx, msg)
	}
}

func (s *Supervisor) receive(ctx context.Context, sess transport.Session) ([]byte, error) {
	if s.cfg.ReceiveTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.ReceiveTimeout)
		defer cancel()
	}
	return sess.Receive(ctx)
}

func (s *Supervisor) dispatch(ctx context.Context, msg []byte) {
	if s.handler == nil {
		return
	}
	s.handling.Store(true)
	defer func() {
		s.handling.Store(false)
		if r := recover(); r != nil {
			s.metrics.HandlerPanic()
			s.logger.Error("rews: message handler panicked", "panic", r)
		}
	}()
	s.handler.HandleMessage(ctx, msg)
}

func disconnectReason(cause error) string {
	switch {
	case errors.Is(cause, errKeepaliveFailed):
		return "keepalive"
	case errors.Is(cause, errSendFailed):
		return "send"
	case errors.Is(cause, errPrimeFailed):
		return "flush"
	default:
		return "receive"
	}
}

func (s *Supervisor) teardown(sess transport.Session, cause error) {
	s.mu.Lock()
	s.session = nil
	s.ready = false
	s.breakSession = nil
	s.lastErr = cause
	s.mu.Unlock()

	s.closeSession(sess)
	s.metrics.Disconnected(disconnectReason(cause))
	s.logger.Warn("rews: session lost", "session", sess.ID(), "error", cause)
	s.mustTransitionTo(StateDisconnected)
}

// closeSession releases sess. Close errors are logged, never returned.
func (s *Supervisor) closeSession(sess transport.Session) {
	ctx := context.Background()
	if s.cfg.CloseTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.CloseTimeout)
		defer cancel()
	}
	if err := sess.Close(ctx); err != nil {
		s.logger.Warn("rews: failed to close session", "session", sess.ID(), "error", err)
	}
}

func (s *Supervisor) shutdown() {
	s.mu.Lock()
	sess := s.session
	s.session = nil
	s.ready = false
	s.breakSession = nil
	s.mu.Unlock()

	s.mustTransitionTo(StateClosing)
	if sess != nil {
		s.closeSession(sess)
	}
	if n := s.queue.Len(); n > 0 {
		s.logger.Warn("rews: closed with undelivered messages", "count", n)
	}
	s.mustTransitionTo(StateClosed)
	s.logger.Info("rews: closed", "endpoint", s.cfg.Endpoint)
}

// Send delivers payload to the live session, or queues it when there is none.
//
// A nil error means the message was written or queued. ErrQueued means the
// write failed; the message is queued and the session is being replaced.
// Send returns ErrClosed once Close was called or Run has ended.
func (s *Supervisor) Send(ctx context.Context, payload []byte) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	s.mu.Lock()
	if s.closing || s.state.Terminal() {
		s.mu.Unlock()
		return ErrClosed
	}
	sess, ready := s.session, s.ready
	s.mu.Unlock()

	if sess == nil || !ready {
		return s.enqueue(payload)
	}

	err := s.write(ctx, sess, payload)
	if err == nil {
		s.metrics.MessageSent()
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	s.markBroken(sess, err)
	if qerr := s.enqueue(payload); qerr != nil {
		return errors.Join(err, qerr)
	}
	return fmt.Errorf("%w: %w", ErrQueued, err)
}

func (s *Supervisor) enqueue(payload []byte) error {
	if err := s.queue.Enqueue(append([]byte(nil), payload...)); err != nil {
		return fmt.Errorf("rews: enqueue: %w", err)
	}
	s.metrics.MessageQueued()
	s.metrics.SetQueueDepth(s.queue.Len())
	return nil
}

// markBroken abandons sess if it is still the live session.
func (s *Supervisor) markBroken(sess transport.Session, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.session != sess {
		return
	}
	s.ready = false
	if s.breakSession != nil {
		s.breakSession(fmt.Errorf("%w: %w", errSendFailed, err))
	}
}

// Close stops the Supervisor and releases the session. It waits for Run to
// unwind or for ctx to be done, whichever comes first. Calling Close again,
// or after Run gave up, is a no-op.
//
// While a Handler is running Close only cancels Run, since Run cannot unwind
// before the handler returns.
func (s *Supervisor) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return nil
	}
	alreadyClosing := s.closing
	s.closing = true
	running, cancel := s.running, s.cancelRun
	s.mu.Unlock()

	if !running {
		if !alreadyClosing {
			s.mustTransitionTo(StateClosing)
			s.mustTransitionTo(StateClosed)
			s.markDone()
		}
		return nil
	}

	cancel()
	if s.handling.Load() {
		return nil
	}
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed once the Supervisor has reached a terminal state.
func (s *Supervisor) Done() <-chan struct{} {
	return s.done
}

func (s *Supervisor) markDone() {
	s.doneOnce.Do(func() { close(s.done) })
}

// State returns the current connection state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Pending returns a copy of the queued messages in delivery order.
func (s *Supervisor) Pending() [][]byte {
	return s.queue.Pending()
}

type Stats struct {
	State     State
	Retries   int
	Queued    int
	SessionID string
	Connects  int64
	LastError error
}

func (s *Supervisor) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Stats{
		State:     s.state,
		Retries:   s.retries,
		Queued:    s.queue.Len(),
		Connects:  s.connects,
		LastError: s.lastErr,
	}
	if s.session != nil {
		st.SessionID = s.session.ID()
	}
	return st
}

// Endpoint returns the configured endpoint.
func (s *Supervisor) Endpoint() string {
	return s.cfg.Endpoint
}

// Package gorillaws implements transport.Dialer on top of gorilla/websocket.
package gorillaws

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/uuid"
	gorilla "github.com/gorilla/websocket"

	"github.com/tetherws/tether/pkg/logger"
	"github.com/tetherws/tether/pkg/transport"
)

const (
	defaultWriteTimeout = 10 * time.Second
	defaultCloseTimeout = time.Second
	defaultInboxSize    = 64
)

// DefaultDialer is the gorilla dialer used when Dialer.Dialer is nil.
//
// It is gorilla's default dialer with compression enabled. The handshake is
// bounded by the context passed to Dial rather than HandshakeTimeout.
var DefaultDialer = &gorilla.Dialer{
	Proxy:             gorilla.DefaultDialer.Proxy,
	HandshakeTimeout:  gorilla.DefaultDialer.HandshakeTimeout,
	EnableCompression: true,
}

// Dialer dials gorilla websocket sessions.
type Dialer struct {
	Dialer *gorilla.Dialer

	// MessageType is the frame type used by Send.
	MessageType transport.MessageType

	// WriteTimeout bounds each write when the caller's context has no deadline.
	WriteTimeout time.Duration

	// PongWait makes Ping fail with transport.ErrPongTimeout when no pong
	// has arrived within this duration. Zero disables the check.
	PongWait time.Duration

	// ReadLimit caps inbound message size in bytes. Zero means no limit.
	ReadLimit int64

	Logger logger.Logger
}

type Option func(d *Dialer)

func WithMessageType(mt transport.MessageType) Option {
	return func(d *Dialer) { d.MessageType = mt }
}

func WithWriteTimeout(timeout time.Duration) Option {
	return func(d *Dialer) { d.WriteTimeout = timeout }
}

func WithPongWait(wait time.Duration) Option {
	return func(d *Dialer) { d.PongWait = wait }
}

func WithReadLimit(limit int64) Option {
	return func(d *Dialer) { d.ReadLimit = limit }
}

func WithLogger(l logger.Logger) Option {
	return func(d *Dialer) { d.Logger = l }
}

func WithGorillaDialer(gd *gorilla.Dialer) Option {
	return func(d *Dialer) { d.Dialer = gd }
}

func New(opts ...Option) *Dialer {
	d := &Dialer{
		WriteTimeout: defaultWriteTimeout,
		Logger:       logger.Nop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

var _ transport.Dialer = (*Dialer)(nil)

func (d *Dialer) Dial(ctx context.Context, endpoint string, header http.Header) (transport.Session, error) {
	gd := d.Dialer
	if gd == nil {
		gd = DefaultDialer
	}

	conn, res, err := gd.DialContext(ctx, endpoint, header)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %w", transport.ContextError(ctx), err)
		}
		status := 0
		if res != nil {
			status = res.StatusCode
			res.Body.Close()
		}
		return nil, &transport.HandshakeError{StatusCode: status, Err: err}
	}
	res.Body.Close()

	if d.ReadLimit > 0 {
		conn.SetReadLimit(d.ReadLimit)
	}

	return newSession(conn, d), nil
}

// Session is a connected gorilla websocket.
type Session struct {
	id   string
	conn *gorilla.Conn

	messageType  int
	writeTimeout time.Duration
	pongWait     time.Duration

	// writeMu serialises data frames; gorilla supports one concurrent writer.
	// Control frames go through WriteControl, which is safe without it.
	writeMu sync.Mutex

	inbox    *transport.Inbox
	lastPong atomic.Int64

	closeOnce sync.Once
	logger    logger.Logger
}

var _ transport.Session = (*Session)(nil)

func newSession(conn *gorilla.Conn, d *Dialer) *Session {
	s := &Session{
		id:           newSessionID(),
		conn:         conn,
		messageType:  gorilla.TextMessage,
		writeTimeout: d.WriteTimeout,
		pongWait:     d.PongWait,
		inbox:        transport.NewInbox(defaultInboxSize),
		logger:       d.Logger,
	}
	if s.logger == nil {
		s.logger = logger.Nop()
	}
	if d.MessageType == transport.BinaryMessage {
		s.messageType = gorilla.BinaryMessage
	}

	s.lastPong.Store(time.Now().UnixNano())
	conn.SetPongHandler(func(string) error {
		s.lastPong.Store(time.Now().UnixNano())
		return nil
	})

	// Runs until the connection fails or Close is called.
	go s.readLoop()

	return s
}

func newSessionID() string {
	id, err := uuid.NewV4()
	if err != nil {
		return fmt.Sprintf("session-%d", time.Now().UnixNano())
	}
	return id.String()
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) readLoop() {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			s.inbox.CloseWithError(classifyError(err))
			s.logger.Debug("gorillaws: read loop stopped", "session", s.id, "error", err)
			return
		}
		if !s.inbox.Push(data) {
			return
		}
	}
}

// classifyError maps gorilla read and write errors onto the transport errors.
// gorilla treats every read or write failure as permanent, so all of them
// end the session.
func classifyError(err error) error {
	var closeErr *gorilla.CloseError
	switch {
	case errors.As(err, &closeErr),
		errors.Is(err, net.ErrClosed),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, gorilla.ErrCloseSent):
		return fmt.Errorf("%w: %w", transport.ErrConnectionClosed, err)
	default:
		return fmt.Errorf("%w: read failed: %w", transport.ErrConnectionClosed, err)
	}
}

func (s *Session) deadline(ctx context.Context, fallback time.Duration) time.Time {
	if d, ok := ctx.Deadline(); ok {
		return d
	}
	if fallback > 0 {
		return time.Now().Add(fallback)
	}
	return time.Time{}
}

func (s *Session) Send(ctx context.Context, payload []byte) error {
	if err := s.inbox.Err(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return transport.ContextError(ctx)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.conn.SetWriteDeadline(s.deadline(ctx, s.writeTimeout)); err != nil {
		return classifyError(err)
	}
	if err := s.conn.WriteMessage(s.messageType, payload); err != nil {
		return classifyError(err)
	}
	return nil
}

func (s *Session) Receive(ctx context.Context) ([]byte, error) {
	return s.inbox.Receive(ctx)
}

func (s *Session) Ping(ctx context.Context) error {
	if err := s.inbox.Err(); err != nil {
		return err
	}

	if s.pongWait > 0 {
		since := time.Since(time.Unix(0, s.lastPong.Load()))
		if since > s.pongWait {
			return fmt.Errorf("%w: last pong %s ago", transport.ErrPongTimeout, since.Round(time.Millisecond))
		}
	}

	if err := s.conn.WriteControl(gorilla.PingMessage, nil, s.deadline(ctx, s.writeTimeout)); err != nil {
		return classifyError(err)
	}
	return nil
}

// Close sends a normal-closure frame, bounded by ctx or one second,
// then closes the underlying connection regardless of the outcome.
func (s *Session) Close(ctx context.Context) error {
	var err error
	s.closeOnce.Do(func() {
		s.inbox.CloseWithError(fmt.Errorf("%w: closed locally", transport.ErrConnectionClosed))

		msg := gorilla.FormatCloseMessage(gorilla.CloseNormalClosure, "")
		writeErr := s.conn.WriteControl(gorilla.CloseMessage, msg, s.deadline(ctx, defaultCloseTimeout))
		if writeErr != nil && !errors.Is(writeErr, gorilla.ErrCloseSent) {
			s.logger.Debug("gorillaws: failed to write close message", "session", s.id, "error", writeErr)
		}

		if closeErr := s.conn.Close(); closeErr != nil && !errors.Is(closeErr, net.ErrClosed) {
			err = fmt.Errorf("gorillaws: close: %w", closeErr)
		}
	})
	return err
}

// Package gws implements transport.Dialer on top of lxzan/gws.
//
// gws drives each connection from its own read loop and reports inbound
// frames through callbacks; the session turns those callbacks into the
// pull-style Receive that transport.Session exposes.
package gws

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/uuid"
	"github.com/lxzan/gws"

	"github.com/tetherws/tether/pkg/logger"
	"github.com/tetherws/tether/pkg/transport"
)

const (
	closeNormalClosure  = 1000
	defaultWriteTimeout = 10 * time.Second
	defaultInboxSize    = 64
)

type Dialer struct {
	MessageType       transport.MessageType
	WriteTimeout      time.Duration
	PongWait          time.Duration
	ReadLimit         int
	TLSConfig         *tls.Config
	PermessageDeflate bool
	Logger            logger.Logger
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

func WithReadLimit(limit int) Option {
	return func(d *Dialer) { d.ReadLimit = limit }
}

func WithTLSConfig(cfg *tls.Config) Option {
	return func(d *Dialer) { d.TLSConfig = cfg }
}

func WithCompression(enabled bool) Option {
	return func(d *Dialer) { d.PermessageDeflate = enabled }
}

func WithLogger(l logger.Logger) Option {
	return func(d *Dialer) { d.Logger = l }
}

func New(opts ...Option) *Dialer {
	d := &Dialer{
		WriteTimeout:      defaultWriteTimeout,
		PermessageDeflate: true,
		Logger:            logger.Nop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

var _ transport.Dialer = (*Dialer)(nil)

type dialResult struct {
	conn *gws.Conn
	res  *http.Response
	err  error
}

// Dial performs the handshake. gws has no context-aware dial, so the
// handshake runs in its own goroutine and a connection that completes after
// ctx is done is closed immediately.
func (d *Dialer) Dial(ctx context.Context, endpoint string, header http.Header) (transport.Session, error) {
	if ctx.Err() != nil {
		return nil, transport.ContextError(ctx)
	}

	s := newSession(d)

	option := &gws.ClientOption{
		Addr:          endpoint,
		RequestHeader: header.Clone(),
		TlsConfig:     d.TLSConfig.Clone(),
		PermessageDeflate: gws.PermessageDeflate{
			Enabled: d.PermessageDeflate,
		},
	}
	if d.ReadLimit > 0 {
		option.ReadMaxPayloadSize = d.ReadLimit
	}
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining > 0 {
			option.HandshakeTimeout = remaining
		}
	}

	resultCh := make(chan dialResult, 1)
	go func() {
		conn, res, err := gws.NewClient(s.handler(), option)
		resultCh <- dialResult{conn: conn, res: res, err: err}
	}()

	var result dialResult
	select {
	case <-ctx.Done():
		go func() {
			if late := <-resultCh; late.err == nil {
				late.conn.NetConn().Close()
			}
		}()
		return nil, transport.ContextError(ctx)
	case result = <-resultCh:
	}

	if result.err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %w", transport.ContextError(ctx), result.err)
		}
		status := 0
		if result.res != nil {
			status = result.res.StatusCode
		}
		return nil, &transport.HandshakeError{StatusCode: status, Err: result.err}
	}

	s.conn = result.conn
	go s.conn.ReadLoop()

	return s, nil
}

type Session struct {
	id   string
	conn *gws.Conn

	opcode       gws.Opcode
	writeTimeout time.Duration
	pongWait     time.Duration

	writeMu sync.Mutex

	inbox    *transport.Inbox
	lastPong atomic.Int64

	closeOnce sync.Once
	logger    logger.Logger
}

var _ transport.Session = (*Session)(nil)

func newSession(d *Dialer) *Session {
	s := &Session{
		id:           newSessionID(),
		opcode:       gws.OpcodeText,
		writeTimeout: d.WriteTimeout,
		pongWait:     d.PongWait,
		inbox:        transport.NewInbox(defaultInboxSize),
		logger:       d.Logger,
	}
	if s.logger == nil {
		s.logger = logger.Nop()
	}
	if d.MessageType == transport.BinaryMessage {
		s.opcode = gws.OpcodeBinary
	}
	s.lastPong.Store(time.Now().UnixNano())
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

func (s *Session) handler() gws.Event {
	return &eventHandler{session: s}
}

type eventHandler struct {
	session *Session
}

func (h *eventHandler) OnOpen(socket *gws.Conn) {}

func (h *eventHandler) OnClose(socket *gws.Conn, err error) {
	h.session.logger.Debug("gws: connection closed", "session", h.session.id, "error", err)
	if err == nil {
		err = errors.New("closed by peer")
	}
	h.session.inbox.CloseWithError(fmt.Errorf("%w: %w", transport.ErrConnectionClosed, err))
}

func (h *eventHandler) OnPing(socket *gws.Conn, payload []byte) {
	if err := socket.WritePong(payload); err != nil {
		h.session.logger.Debug("gws: failed to write pong", "session", h.session.id, "error", err)
	}
}

func (h *eventHandler) OnPong(socket *gws.Conn, payload []byte) {
	h.session.lastPong.Store(time.Now().UnixNano())
}

func (h *eventHandler) OnMessage(socket *gws.Conn, message *gws.Message) {
	defer message.Close()

	// The message buffer is pooled and reused once closed.
	data := append([]byte(nil), message.Bytes()...)
	h.session.inbox.Push(data)
}

func (s *Session) deadline(ctx context.Context) time.Time {
	if d, ok := ctx.Deadline(); ok {
		return d
	}
	if s.writeTimeout > 0 {
		return time.Now().Add(s.writeTimeout)
	}
	return time.Time{}
}

func (s *Session) write(ctx context.Context, fn func() error) error {
	if err := s.inbox.Err(); err != nil {
		return err
	}
	if ctx.Err() != nil {
		return transport.ContextError(ctx)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.conn.SetWriteDeadline(s.deadline(ctx)); err != nil {
		return fmt.Errorf("%w: %w", transport.ErrConnectionClosed, err)
	}
	if err := fn(); err != nil {
		return fmt.Errorf("%w: %w", transport.ErrConnectionClosed, err)
	}
	return nil
}

func (s *Session) Send(ctx context.Context, payload []byte) error {
	return s.write(ctx, func() error {
		return s.conn.WriteMessage(s.opcode, payload)
	})
}

func (s *Session) Receive(ctx context.Context) ([]byte, error) {
	return s.inbox.Receive(ctx)
}

func (s *Session) Ping(ctx context.Context) error {
	if s.pongWait > 0 {
		since := time.Since(time.Unix(0, s.lastPong.Load()))
		if since > s.pongWait {
			return fmt.Errorf("%w: last pong %s ago", transport.ErrPongTimeout, since.Round(time.Millisecond))
		}
	}
	return s.write(ctx, func() error {
		return s.conn.WritePing(nil)
	})
}

func (s *Session) Close(ctx context.Context) error {
	var err error
	s.closeOnce.Do(func() {
		s.inbox.CloseWithError(fmt.Errorf("%w: closed locally", transport.ErrConnectionClosed))

		s.writeMu.Lock()
		_ = s.conn.SetWriteDeadline(s.deadline(ctx))
		// WriteClose also tears down the read loop, which reports OnClose.
		s.conn.WriteClose(closeNormalClosure, nil)
		s.writeMu.Unlock()

		if closeErr := s.conn.NetConn().Close(); closeErr != nil && !errors.Is(closeErr, net.ErrClosed) {
			err = fmt.Errorf("gws: close: %w", closeErr)
		}
	})
	return err
}

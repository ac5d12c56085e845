// Package fakews provides an in-process websocket server for tests.
//
// The server is implemented using the `gws` library. It records every
// handshake and inbound message and lets tests reject handshakes, drop
// connections, broadcast frames and stop answering pings.
package fakews

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/lxzan/gws"
)

// Message is one inbound frame as seen by the server.
type Message struct {
	Conn    int
	Binary  bool
	Payload []byte
}

type Server struct {
	httpServer *httptest.Server
	upgrader   *gws.Upgrader

	mu          sync.Mutex
	conns       map[*gws.Conn]int
	nextConn    int
	handshakes  []http.Header
	rejectCount int
	rejectCode  int
	messages    []Message
	echo        bool
	ignorePings bool
	pings       int

	notify chan struct{}
}

type handler struct {
	server *Server
}

// NewServer starts a server on a loopback port.
func NewServer() *Server {
	s := newServer()
	s.httpServer = httptest.NewServer(http.HandlerFunc(s.serveHTTP))
	return s
}

// NewTLSServer starts a server that only accepts wss:// connections. Clients
// must trust the certificate returned by CertificatePEM.
func NewTLSServer() *Server {
	s := newServer()
	s.httpServer = httptest.NewTLSServer(http.HandlerFunc(s.serveHTTP))
	return s
}

func newServer() *Server {
	s := &Server{
		conns:  make(map[*gws.Conn]int),
		notify: make(chan struct{}, 1),
	}
	s.upgrader = gws.NewUpgrader(&handler{server: s}, &gws.ServerOption{})
	return s
}

// CertificatePEM returns the PEM encoded certificate of a TLS server.
func (s *Server) CertificatePEM() []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: s.httpServer.Certificate().Raw})
}

// ClientTLSConfig trusts the certificate of a TLS server.
func (s *Server) ClientTLSConfig() *tls.Config {
	pool := x509.NewCertPool()
	pool.AddCert(s.httpServer.Certificate())
	return &tls.Config{RootCAs: pool}
}

func (s *Server) serveHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.handshakes = append(s.handshakes, r.Header.Clone())
	if s.rejectCount > 0 {
		s.rejectCount--
		code := s.rejectCode
		s.mu.Unlock()
		http.Error(w, "rejected", code)
		s.signal()
		return
	}
	s.mu.Unlock()

	conn, err := s.upgrader.Upgrade(w, r)
	if err != nil {
		return
	}

	s.mu.Lock()
	s.nextConn++
	s.conns[conn] = s.nextConn
	s.mu.Unlock()
	s.signal()

	go conn.ReadLoop()
}

// URL returns the ws:// (or wss://) address of the server.
func (s *Server) URL() string {
	return "ws" + strings.TrimPrefix(s.httpServer.URL, "http")
}

// Stop closes every connection and the listener.
func (s *Server) Stop() {
	s.DropAll()
	s.httpServer.Close()
}

// RejectHandshakes makes the next n upgrade requests fail with status.
func (s *Server) RejectHandshakes(n, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejectCount = n
	s.rejectCode = status
}

func (s *Server) SetEcho(echo bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.echo = echo
}

// SetIgnorePings stops the server from answering pings with pongs.
func (s *Server) SetIgnorePings(ignore bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ignorePings = ignore
}

func (s *Server) Handshakes() []http.Header {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]http.Header(nil), s.handshakes...)
}

func (s *Server) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.messages...)
}

// Payloads returns inbound payloads as strings, in arrival order.
func (s *Server) Payloads() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.messages))
	for _, m := range s.messages {
		out = append(out, string(m.Payload))
	}
	return out
}

func (s *Server) Pings() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pings
}

// OpenConns reports the number of currently open connections.
func (s *Server) OpenConns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// DropAll closes the network connection of every client without a close frame.
func (s *Server) DropAll() {
	for _, conn := range s.snapshot() {
		conn.NetConn().Close()
	}
}

// CloseAll sends a close frame with code and reason to every client.
func (s *Server) CloseAll(code uint16, reason string) {
	for _, conn := range s.snapshot() {
		conn.WriteClose(code, []byte(reason))
	}
}

// Broadcast writes payload as a text frame to every client.
func (s *Server) Broadcast(payload []byte) error {
	var errs []error
	for _, conn := range s.snapshot() {
		errs = append(errs, conn.WriteMessage(gws.OpcodeText, payload))
	}
	return errors.Join(errs...)
}

// WaitFor polls cond until it holds or timeout elapses.
// Every server event wakes the poller early.
func (s *Server) WaitFor(timeout time.Duration, cond func() bool) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()

	for {
		if cond() {
			return true
		}
		select {
		case <-deadline.C:
			return cond()
		case <-s.notify:
		case <-tick.C:
		}
	}
}

func (s *Server) snapshot() []*gws.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	conns := make([]*gws.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	return conns
}

func (s *Server) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (h *handler) OnOpen(socket *gws.Conn) {}

func (h *handler) OnClose(socket *gws.Conn, err error) {
	h.server.mu.Lock()
	delete(h.server.conns, socket)
	h.server.mu.Unlock()
	h.server.signal()
}

func (h *handler) OnPing(socket *gws.Conn, payload []byte) {
	h.server.mu.Lock()
	h.server.pings++
	ignore := h.server.ignorePings
	h.server.mu.Unlock()
	h.server.signal()

	if !ignore {
		_ = socket.WritePong(payload)
	}
}

func (h *handler) OnPong(socket *gws.Conn, payload []byte) {}

func (h *handler) OnMessage(socket *gws.Conn, message *gws.Message) {
	defer message.Close()

	payload := append([]byte(nil), message.Bytes()...)

	h.server.mu.Lock()
	h.server.messages = append(h.server.messages, Message{
		Conn:    h.server.conns[socket],
		Binary:  message.Opcode == gws.OpcodeBinary,
		Payload: payload,
	})
	echo := h.server.echo
	h.server.mu.Unlock()
	h.server.signal()

	if echo {
		_ = socket.WriteMessage(message.Opcode, payload)
	}
}


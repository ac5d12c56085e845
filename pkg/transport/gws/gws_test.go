package gws_test

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tetherws/tether/internal/fakews"
	"github.com/tetherws/tether/pkg/transport"
	"github.com/tetherws/tether/pkg/transport/gws"
)

func dial(t *testing.T, srv *fakews.Server, opts ...gws.Option) transport.Session {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s, err := gws.New(opts...).Dial(ctx, srv.URL(), http.Header{"Authorization": {"Bearer t0ken"}})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s
}

func TestSendAndReceive(t *testing.T) {
	srv := fakews.NewServer()
	defer srv.Stop()
	srv.SetEcho(true)

	s := dial(t, srv)
	assert.NotEmpty(t, s.ID())

	require.NoError(t, s.Send(context.Background(), []byte(`{"hello":"world"}`)))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	got, err := s.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, `{"hello":"world"}`, string(got))

	require.Len(t, srv.Handshakes(), 1)
	assert.Equal(t, "Bearer t0ken", srv.Handshakes()[0].Get("Authorization"))
	assert.False(t, srv.Messages()[0].Binary)
}

func TestBinaryMessages(t *testing.T) {
	srv := fakews.NewServer()
	defer srv.Stop()

	s := dial(t, srv, gws.WithMessageType(transport.BinaryMessage))
	require.NoError(t, s.Send(context.Background(), []byte{0xa1, 0x01}))

	require.True(t, srv.WaitFor(5*time.Second, func() bool { return len(srv.Messages()) == 1 }))
	assert.True(t, srv.Messages()[0].Binary)
}

func TestHandshakeRejected(t *testing.T) {
	srv := fakews.NewServer()
	defer srv.Stop()
	srv.RejectHandshakes(1, http.StatusServiceUnavailable)

	_, err := gws.New().Dial(context.Background(), srv.URL(), nil)
	require.Error(t, err)

	var hsErr *transport.HandshakeError
	require.ErrorAs(t, err, &hsErr)
	assert.Equal(t, http.StatusServiceUnavailable, hsErr.StatusCode)
}

func TestDialCanceled(t *testing.T) {
	srv := fakews.NewServer()
	defer srv.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := gws.New().Dial(ctx, srv.URL(), nil)
	require.ErrorIs(t, err, context.Canceled)
}

func TestPeerDropEndsReceive(t *testing.T) {
	srv := fakews.NewServer()
	defer srv.Stop()

	s := dial(t, srv)
	require.True(t, srv.WaitFor(5*time.Second, func() bool { return srv.OpenConns() == 1 }))
	srv.CloseAll(1001, "going away")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := s.Receive(ctx)
	require.ErrorIs(t, err, transport.ErrConnectionClosed)

	assert.ErrorIs(t, s.Send(context.Background(), []byte("late")), transport.ErrConnectionClosed)
}

func TestPing(t *testing.T) {
	srv := fakews.NewServer()
	defer srv.Stop()

	s := dial(t, srv)
	require.NoError(t, s.Ping(context.Background()))
	require.True(t, srv.WaitFor(5*time.Second, func() bool { return srv.Pings() == 1 }))
}

func TestPongTimeout(t *testing.T) {
	srv := fakews.NewServer()
	defer srv.Stop()
	srv.SetIgnorePings(true)

	s := dial(t, srv, gws.WithPongWait(50*time.Millisecond))
	require.NoError(t, s.Ping(context.Background()))

	time.Sleep(100 * time.Millisecond)
	err := s.Ping(context.Background())
	require.ErrorIs(t, err, transport.ErrPongTimeout)
}

func TestCloseIsIdempotent(t *testing.T) {
	srv := fakews.NewServer()
	defer srv.Stop()

	s := dial(t, srv)
	require.True(t, srv.WaitFor(5*time.Second, func() bool { return srv.OpenConns() == 1 }))

	require.NoError(t, s.Close(context.Background()))
	require.NoError(t, s.Close(context.Background()))

	assert.True(t, srv.WaitFor(5*time.Second, func() bool { return srv.OpenConns() == 0 }))
	assert.ErrorIs(t, s.Send(context.Background(), []byte("x")), transport.ErrConnectionClosed)
}

func TestReadLimit(t *testing.T) {
	srv := fakews.NewServer()
	defer srv.Stop()

	s := dial(t, srv, gws.WithReadLimit(16))
	require.True(t, srv.WaitFor(5*time.Second, func() bool { return srv.OpenConns() == 1 }))
	require.NoError(t, srv.Broadcast([]byte(`{"payload":"larger than sixteen bytes"}`)))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := s.Receive(ctx)
	require.Error(t, err)
	assert.NotErrorIs(t, err, transport.ErrTimeout)
}

func TestTLS(t *testing.T) {
	srv := fakews.NewTLSServer()
	defer srv.Stop()
	srv.SetEcho(true)

	s := dial(t, srv, gws.WithTLSConfig(srv.ClientTLSConfig()), gws.WithCompression(false))
	require.NoError(t, s.Send(context.Background(), []byte("secure")))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	got, err := s.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "secure", string(got))

	_, err = gws.New().Dial(ctx, srv.URL(), nil)
	require.Error(t, err, "untrusted certificate must be rejected")
}

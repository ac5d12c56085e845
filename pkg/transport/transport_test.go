package transport

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInboxDeliversBeforeClose(t *testing.T) {
	in := NewInbox(2)
	require.True(t, in.Push([]byte("a")))
	require.True(t, in.Push([]byte("b")))

	cause := errors.New("eof")
	in.CloseWithError(cause)

	msg, err := in.Receive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "a", string(msg))

	msg, err = in.Receive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "b", string(msg))

	_, err = in.Receive(context.Background())
	require.ErrorIs(t, err, cause)
	assert.Equal(t, cause, in.Err())
	assert.False(t, in.Push([]byte("c")))
}

func TestInboxCloseDefaultsToConnectionClosed(t *testing.T) {
	in := NewInbox(0)
	require.NoError(t, in.Err())

	in.CloseWithError(nil)
	in.CloseWithError(errors.New("ignored"))

	_, err := in.Receive(context.Background())
	require.ErrorIs(t, err, ErrConnectionClosed)
}

func TestInboxReceiveTimeout(t *testing.T) {
	in := NewInbox(0)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := in.Receive(ctx)
	require.ErrorIs(t, err, ErrTimeout)
	assert.True(t, IsTimeout(err))
}

func TestInboxReceiveCancelled(t *testing.T) {
	in := NewInbox(0)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := in.Receive(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.False(t, IsTimeout(err))
}

func TestInboxPushUnblocksOnClose(t *testing.T) {
	in := NewInbox(0)

	pushed := make(chan bool)
	go func() { pushed <- in.Push([]byte("x")) }()

	in.CloseWithError(ErrConnectionClosed)
	assert.False(t, <-pushed)
}

func TestHandshakeError(t *testing.T) {
	cause := errors.New("bad handshake")

	err := error(&HandshakeError{StatusCode: http.StatusServiceUnavailable, Err: cause})
	assert.Contains(t, err.Error(), "503")
	require.ErrorIs(t, err, cause)

	var he *HandshakeError
	require.ErrorAs(t, err, &he)
	assert.Equal(t, http.StatusServiceUnavailable, he.StatusCode)

	assert.NotContains(t, (&HandshakeError{Err: cause}).Error(), "status")
}

func TestDialerFunc(t *testing.T) {
	var gotEndpoint string
	d := DialerFunc(func(_ context.Context, endpoint string, _ http.Header) (Session, error) {
		gotEndpoint = endpoint
		return nil, errors.New("nope")
	})

	_, err := d.Dial(context.Background(), "ws://example", nil)
	require.Error(t, err)
	assert.Equal(t, "ws://example", gotEndpoint)
}

func TestParseMessageType(t *testing.T) {
	mt, err := ParseMessageType("binary")
	require.NoError(t, err)
	assert.Equal(t, BinaryMessage, mt)
	assert.Equal(t, "binary", mt.String())

	mt, err = ParseMessageType("")
	require.NoError(t, err)
	assert.Equal(t, TextMessage, mt)

	_, err = ParseMessageType("morse")
	require.Error(t, err)
}

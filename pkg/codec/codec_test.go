package codec_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tetherws/tether/pkg/codec"
	"github.com/tetherws/tether/pkg/transport"
)

type event struct {
	Type  string `json:"type" cbor:"type"`
	Value int    `json:"value" cbor:"value"`
}

func TestByName(t *testing.T) {
	for name, want := range map[string]transport.MessageType{
		"":     transport.TextMessage,
		"json": transport.TextMessage,
		"JSON": transport.TextMessage,
		"cbor": transport.BinaryMessage,
	} {
		c, err := codec.ByName(name)
		require.NoError(t, err, name)
		assert.Equal(t, want, c.MessageType(), name)
	}

	_, err := codec.ByName("xml")
	assert.Error(t, err)
}

func TestJSONInitialMessage(t *testing.T) {
	data, err := codec.JSON().Marshal(map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, "{}", string(data))
}

func TestJSONDecode(t *testing.T) {
	var got event
	require.NoError(t, codec.JSON().Unmarshal([]byte(`{"type":"tick","value":3}`), &got))
	assert.Equal(t, event{Type: "tick", Value: 3}, got)
}

func TestCBORIsDeterministic(t *testing.T) {
	c, err := codec.CBOR()
	require.NoError(t, err)

	a, err := c.Marshal(map[string]any{"b": 1, "a": 2})
	require.NoError(t, err)
	b, err := c.Marshal(map[string]any{"a": 2, "b": 1})
	require.NoError(t, err)
	assert.Equal(t, a, b)

	var decoded map[string]any
	require.NoError(t, c.Unmarshal(a, &decoded))
	assert.Len(t, decoded, 2)
}

func TestStreamingEncoder(t *testing.T) {
	c, err := codec.CBOR()
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, c.NewEncoder(&buf).Encode(event{Type: "x", Value: 1}))

	var got event
	require.NoError(t, c.NewDecoder(&buf).Decode(&got))
	assert.Equal(t, event{Type: "x", Value: 1}, got)
}

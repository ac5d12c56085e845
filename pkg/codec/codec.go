// Package codec turns structured values into websocket payloads and back.
package codec

import (
	"fmt"
	"io"
	"strings"

	"github.com/tetherws/tether/pkg/transport"
)

type Encoder interface {
	Encode(v any) error
}

type Decoder interface {
	Decode(v any) error
}

type Marshaler interface {
	Marshal(v any) ([]byte, error)
	NewEncoder(w io.Writer) Encoder
}

type Unmarshaler interface {
	Unmarshal(data []byte, dst any) error
	NewDecoder(r io.Reader) Decoder
}

// Codec pairs a Marshaler and Unmarshaler with the frame type its output
// should travel in.
type Codec interface {
	Marshaler
	Unmarshaler
	Name() string
	MessageType() transport.MessageType
}

// ByName returns the codec registered under name: "json" (the default for an
// empty name) or "cbor".
func ByName(name string) (Codec, error) {
	switch strings.ToLower(name) {
	case "", "json":
		return JSON(), nil
	case "cbor":
		return CBOR()
	default:
		return nil, fmt.Errorf("codec: unknown codec %q", name)
	}
}

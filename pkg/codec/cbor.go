package codec

import (
	"fmt"
	"io"
	"reflect"

	"github.com/fxamacker/cbor/v2"

	"github.com/tetherws/tether/pkg/transport"
)

// cborCodec encodes deterministically so equal values give equal payloads.
type cborCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

func CBOR() (Codec, error) {
	enc, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		return nil, fmt.Errorf("codec: cbor encode mode: %w", err)
	}
	dec, err := cbor.DecOptions{
		// Decode maps into map[string]any rather than map[any]any.
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		return nil, fmt.Errorf("codec: cbor decode mode: %w", err)
	}
	return &cborCodec{enc: enc, dec: dec}, nil
}

func (*cborCodec) Name() string { return "cbor" }

func (*cborCodec) MessageType() transport.MessageType { return transport.BinaryMessage }

func (c *cborCodec) Marshal(v any) ([]byte, error) {
	return c.enc.Marshal(v)
}

func (c *cborCodec) NewEncoder(w io.Writer) Encoder {
	return c.enc.NewEncoder(w)
}

func (c *cborCodec) Unmarshal(data []byte, dst any) error {
	return c.dec.Unmarshal(data, dst)
}

func (c *cborCodec) NewDecoder(r io.Reader) Decoder {
	return c.dec.NewDecoder(r)
}

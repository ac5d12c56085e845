package codec

import (
	"io"

	"github.com/goccy/go-json"

	"github.com/tetherws/tether/pkg/transport"
)

type jsonCodec struct{}

func JSON() Codec {
	return jsonCodec{}
}

func (jsonCodec) Name() string { return "json" }

func (jsonCodec) MessageType() transport.MessageType { return transport.TextMessage }

func (jsonCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) NewEncoder(w io.Writer) Encoder {
	return json.NewEncoder(w)
}

func (jsonCodec) Unmarshal(data []byte, dst any) error {
	return json.Unmarshal(data, dst)
}

func (jsonCodec) NewDecoder(r io.Reader) Decoder {
	return json.NewDecoder(r)
}

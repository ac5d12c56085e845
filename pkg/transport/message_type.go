package transport

import "fmt"

// MessageType selects the frame type adapters use for outbound payloads.
type MessageType int

const (
	TextMessage MessageType = iota
	BinaryMessage
)

func (t MessageType) String() string {
	switch t {
	case TextMessage:
		return "text"
	case BinaryMessage:
		return "binary"
	default:
		return "unknown"
	}
}

func ParseMessageType(s string) (MessageType, error) {
	switch s {
	case "text", "":
		return TextMessage, nil
	case "binary":
		return BinaryMessage, nil
	default:
		return 0, fmt.Errorf("transport: unknown message type %q", s)
	}
}

package protocol

import (
	"context"
	"fmt"
	"math"
	"strings"
)

// Codec turns messages into bus payloads and back.
type Codec interface {
	Name() string
	Encode(msg Message) ([]byte, error)
	Decode(kind Kind, data []byte) (Message, error)
}

// NewCodec returns the codec registered under name (json, cbor or proto).
func NewCodec(name string) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "json":
		return JSONCodec{}, nil
	case "cbor":
		return NewCBORCodec()
	case "proto", "protobuf":
		return ProtoCodec{}, nil
	default:
		return nil, fmt.Errorf("protocol: unknown codec %q", name)
	}
}

// Transport is the bus surface a Sender needs.
type Transport interface {
	Publish(ctx context.Context, topic string, data []byte) error
}

// Sender encodes messages and publishes them on their kind's topic.
type Sender struct {
	transport Transport
	codec     Codec
	topics    Topics
}

func NewSender(transport Transport, codec Codec, topics Topics) *Sender {
	return &Sender{transport: transport, codec: codec, topics: topics}
}

func (s *Sender) Send(ctx context.Context, msg Message) error {
	data, err := s.codec.Encode(msg)
	if err != nil {
		return fmt.Errorf("encode %s: %w", msg.Kind(), err)
	}
	topic := s.topics.Name(msg.Kind())
	if err := s.transport.Publish(ctx, topic, data); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Decode resolves the topic and decodes the payload. Unknown topics are malformed.
func Decode(codec Codec, topics Topics, topic string, data []byte) (Message, error) {
	kind, ok := topics.KindOf(topic)
	if !ok {
		return nil, fmt.Errorf("%w: unknown topic %q", ErrMalformed, topic)
	}
	return codec.Decode(kind, data)
}

// integral accepts a float only when it holds an exact integer within the 2^53 range.
func integral(f float64) (int64, bool) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) || math.Abs(f) > 1<<53 {
		return 0, false
	}
	return int64(f), true
}

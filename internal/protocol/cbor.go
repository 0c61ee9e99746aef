package protocol

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// CBORCodec encodes the wire map as deterministic CBOR.
type CBORCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

func NewCBORCodec() (*CBORCodec, error) {
	enc, err := cbor.EncOptions{
		Sort:        cbor.SortCoreDeterministic,
		IndefLength: cbor.IndefLengthForbidden,
	}.EncMode()
	if err != nil {
		return nil, fmt.Errorf("failed to create CBOR encoder: %w", err)
	}
	dec, err := cbor.DecOptions{
		DupMapKey:       cbor.DupMapKeyEnforcedAPF,
		IndefLength:     cbor.IndefLengthForbidden,
		MaxMapPairs:     16,
		MaxNestedLevels: 4,
	}.DecMode()
	if err != nil {
		return nil, fmt.Errorf("failed to create CBOR decoder: %w", err)
	}
	return &CBORCodec{enc: enc, dec: dec}, nil
}

func (c *CBORCodec) Name() string { return "cbor" }

func (c *CBORCodec) Encode(msg Message) ([]byte, error) {
	f, err := fields(msg)
	if err != nil {
		return nil, err
	}
	return c.enc.Marshal(f)
}

func (c *CBORCodec) Decode(kind Kind, data []byte) (Message, error) {
	var m map[string]any
	if err := c.dec.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, kind, err)
	}
	return fromFields(kind, mapFields(m))
}

// mapFields reads values produced by the CBOR decoder.
type mapFields map[string]any

func (m mapFields) Int(key string) (int64, bool) {
	switch v := m[key].(type) {
	case int64:
		return v, true
	case uint64:
		if v > 1<<63-1 {
			return 0, false
		}
		return int64(v), true
	case float64:
		return integral(v)
	default:
		return 0, false
	}
}

func (m mapFields) String(key string) (string, bool) {
	v, ok := m[key].(string)
	return v, ok
}

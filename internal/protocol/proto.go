package protocol

import (
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// ProtoCodec carries the wire map as a google.protobuf.Struct.
// Struct numbers are doubles, so integer fields must stay within 2^53.
type ProtoCodec struct{}

func (ProtoCodec) Name() string { return "proto" }

func (ProtoCodec) Encode(msg Message) ([]byte, error) {
	f, err := fields(msg)
	if err != nil {
		return nil, err
	}
	st, err := structpb.NewStruct(f)
	if err != nil {
		return nil, fmt.Errorf("build struct: %w", err)
	}
	return proto.MarshalOptions{Deterministic: true}.Marshal(st)
}

func (ProtoCodec) Decode(kind Kind, data []byte) (Message, error) {
	st := &structpb.Struct{}
	if err := proto.Unmarshal(data, st); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, kind, err)
	}
	return fromFields(kind, structFields{st: st})
}

type structFields struct {
	st *structpb.Struct
}

func (s structFields) Int(key string) (int64, bool) {
	v, ok := s.st.GetFields()[key]
	if !ok {
		return 0, false
	}
	n, ok := v.GetKind().(*structpb.Value_NumberValue)
	if !ok {
		return 0, false
	}
	return integral(n.NumberValue)
}

func (s structFields) String(key string) (string, bool) {
	v, ok := s.st.GetFields()[key]
	if !ok {
		return "", false
	}
	str, ok := v.GetKind().(*structpb.Value_StringValue)
	if !ok {
		return "", false
	}
	return str.StringValue, true
}

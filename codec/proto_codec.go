package codec

import (
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// ProtoCodec encodes a message as a google.protobuf.ListValue.
// Pros: compact, schema-free, readable by any protobuf runtime.
// Cons: numbers are doubles on the wire, so integers travel as tagged strings.
type ProtoCodec struct{}

func (c *ProtoCodec) Encode(data []any) ([]byte, error) {
	l, err := lower(data, modeProto)
	if err != nil {
		return nil, err
	}
	list, err := structpb.NewList(l.([]any))
	if err != nil {
		return nil, fmt.Errorf("codec: %w", err)
	}
	return proto.Marshal(list)
}

func (c *ProtoCodec) Decode(b []byte) ([]any, error) {
	var list structpb.ListValue
	if err := proto.Unmarshal(b, &list); err != nil {
		return nil, fmt.Errorf("codec: %w", err)
	}
	r, err := raise(list.AsSlice(), protoNumber)
	if err != nil {
		return nil, err
	}
	return r.([]any), nil
}

func (c *ProtoCodec) Type() Type {
	return TypeProto
}

func protoNumber(v any) (any, error) {
	f, ok := v.(float64)
	if !ok {
		return nil, fmt.Errorf("%w %T", errUnsupported, v)
	}
	return f, nil
}

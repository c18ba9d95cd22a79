// Package codec turns the data of a channel message into bytes and back, so
// messages can cross a byte stream.
//
// Both codecs carry the channel-native payload tree: nil, bool, string,
// int64, uint64, float64, []byte, []any, map[string]any and PortRef. Values
// neither JSON nor structpb can hold directly are lowered to single-key
// objects first:
//
//	{"$b": "<base64>"}   []byte
//	{"$p": "<id>"}       PortRef
//	{"$u": "<decimal>"}  uint64
//	{"$i": "<decimal>"}  int64 (proto only; numbers there are doubles)
//	{"$f": "<float>"}    integral or non-finite float64 (JSON only)
//
// Map keys starting with '$' are escaped by doubling the '$'.
package codec

import (
	"encoding/base64"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

type Type byte

const (
	TypeJSON  Type = 0
	TypeProto Type = 1
)

func (t Type) String() string {
	switch t {
	case TypeJSON:
		return "json"
	case TypeProto:
		return "proto"
	}
	return "codec(" + strconv.Itoa(int(t)) + ")"
}

// ParseType maps a codec name to its Type.
func ParseType(name string) (Type, error) {
	switch strings.ToLower(name) {
	case "json":
		return TypeJSON, nil
	case "proto", "protobuf":
		return TypeProto, nil
	}
	return 0, fmt.Errorf("codec: unknown codec %q", name)
}

// PortRef stands for a port inside an encoded message. The transport maps it
// to one of its numbered sub-channels.
type PortRef uint32

type Codec interface {
	Encode(data []any) ([]byte, error)
	Decode(b []byte) ([]any, error)
	Type() Type // 0=JSON, 1=Proto
}

func GetCodec(t Type) (Codec, error) {
	switch t {
	case TypeJSON:
		return &JSONCodec{}, nil
	case TypeProto:
		return &ProtoCodec{}, nil
	}
	return nil, fmt.Errorf("codec: unknown codec type %d", t)
}

const (
	tagBytes = "$b"
	tagPort  = "$p"
	tagUint  = "$u"
	tagInt   = "$i"
	tagFloat = "$f"
)

var errUnsupported = errors.New("codec: unsupported value")

type mode uint8

const (
	modeJSON mode = iota
	modeProto
)

func tagged(tag, s string) map[string]any { return map[string]any{tag: s} }

// lower rewrites v into a tree the target format holds without loss.
func lower(v any, m mode) (any, error) {
	switch x := v.(type) {
	case nil, bool, string:
		return v, nil
	case int:
		return lowerInt(int64(x), m), nil
	case int8:
		return lowerInt(int64(x), m), nil
	case int16:
		return lowerInt(int64(x), m), nil
	case int32:
		return lowerInt(int64(x), m), nil
	case int64:
		return lowerInt(x, m), nil
	case uint:
		return tagged(tagUint, strconv.FormatUint(uint64(x), 10)), nil
	case uint8:
		return tagged(tagUint, strconv.FormatUint(uint64(x), 10)), nil
	case uint16:
		return tagged(tagUint, strconv.FormatUint(uint64(x), 10)), nil
	case uint32:
		return tagged(tagUint, strconv.FormatUint(uint64(x), 10)), nil
	case uint64:
		return tagged(tagUint, strconv.FormatUint(x, 10)), nil
	case float32:
		return lowerFloat(float64(x), m), nil
	case float64:
		return lowerFloat(x, m), nil
	case []byte:
		return tagged(tagBytes, base64.StdEncoding.EncodeToString(x)), nil
	case PortRef:
		return tagged(tagPort, strconv.FormatUint(uint64(x), 10)), nil
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			l, err := lower(e, m)
			if err != nil {
				return nil, err
			}
			out[i] = l
		}
		return out, nil
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			l, err := lower(e, m)
			if err != nil {
				return nil, err
			}
			if strings.HasPrefix(k, "$") {
				k = "$" + k
			}
			out[k] = l
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w %T", errUnsupported, v)
}

func lowerInt(n int64, m mode) any {
	if m == modeProto {
		return tagged(tagInt, strconv.FormatInt(n, 10))
	}
	return n
}

func lowerFloat(f float64, m mode) any {
	if m == modeJSON && (math.IsInf(f, 0) || math.IsNaN(f) || f == math.Trunc(f)) {
		return tagged(tagFloat, strconv.FormatFloat(f, 'g', -1, 64))
	}
	return f
}

// raise undoes lower. number converts the format's own numbers.
func raise(v any, number func(any) (any, error)) (any, error) {
	switch x := v.(type) {
	case nil, bool, string:
		return v, nil
	case []any:
		for i, e := range x {
			r, err := raise(e, number)
			if err != nil {
				return nil, err
			}
			x[i] = r
		}
		return x, nil
	case map[string]any:
		if len(x) == 1 {
			for k, e := range x {
				if r, ok, err := untag(k, e); ok {
					return r, err
				}
			}
		}
		out := make(map[string]any, len(x))
		for k, e := range x {
			if strings.HasPrefix(k, "$") {
				if !strings.HasPrefix(k, "$$") {
					return nil, fmt.Errorf("codec: unescaped key %q", k)
				}
				k = k[1:]
			}
			r, err := raise(e, number)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	}
	return number(v)
}

func untag(tag string, v any) (any, bool, error) {
	switch tag {
	case tagBytes, tagPort, tagUint, tagInt, tagFloat:
	default:
		return nil, false, nil
	}
	s, ok := v.(string)
	if !ok {
		return nil, true, fmt.Errorf("codec: %s holds %T, not a string", tag, v)
	}
	var (
		r   any
		err error
	)
	switch tag {
	case tagBytes:
		r, err = base64.StdEncoding.DecodeString(s)
	case tagPort:
		var id uint64
		id, err = strconv.ParseUint(s, 10, 32)
		r = PortRef(id)
	case tagUint:
		r, err = strconv.ParseUint(s, 10, 64)
	case tagInt:
		r, err = strconv.ParseInt(s, 10, 64)
	case tagFloat:
		r, err = strconv.ParseFloat(s, 64)
	}
	if err != nil {
		return nil, true, fmt.Errorf("codec: bad %s value: %w", tag, err)
	}
	return r, true, nil
}

package port

import (
	"bytes"
	"fmt"
)

// clone deep-copies a channel-native value. Ports are swapped for the handles
// created by the transfer; a port missing from moved is an error.
func clone(v any, moved map[*Port]*Port) (any, error) {
	switch x := v.(type) {
	case nil, bool, string,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		return v, nil
	case []byte:
		if x == nil {
			return x, nil
		}
		return bytes.Clone(x), nil
	case []any:
		if x == nil {
			return x, nil
		}
		out := make([]any, len(x))
		for i, e := range x {
			c, err := clone(e, moved)
			if err != nil {
				return nil, err
			}
			out[i] = c
		}
		return out, nil
	case map[string]any:
		if x == nil {
			return x, nil
		}
		out := make(map[string]any, len(x))
		for k, e := range x {
			c, err := clone(e, moved)
			if err != nil {
				return nil, err
			}
			out[k] = c
		}
		return out, nil
	case *Port:
		n, ok := moved[x]
		if !ok {
			return nil, fmt.Errorf("%w: %v is not in the transfer list", ErrDataClone, x)
		}
		return n, nil
	default:
		return nil, fmt.Errorf("%w: unsupported type %T", ErrDataClone, v)
	}
}

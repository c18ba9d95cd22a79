package codec

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// JSONCodec uses Go's standard library encoding/json for serialization.
// Pros: human-readable, cross-language, easy to debug.
// Cons: slower due to reflection + string parsing, tagged values are verbose.
type JSONCodec struct{}

func (c *JSONCodec) Encode(data []any) ([]byte, error) {
	l, err := lower(data, modeJSON)
	if err != nil {
		return nil, err
	}
	return json.Marshal(l)
}

func (c *JSONCodec) Decode(b []byte) ([]any, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var data []any
	if err := dec.Decode(&data); err != nil {
		return nil, fmt.Errorf("codec: %w", err)
	}
	if data == nil {
		return nil, fmt.Errorf("codec: message is not an array")
	}
	r, err := raise(data, jsonNumber)
	if err != nil {
		return nil, err
	}
	return r.([]any), nil
}

func (c *JSONCodec) Type() Type {
	return TypeJSON
}

// jsonNumber reads integers as int64 and everything else as float64, which
// is how lower wrote them.
func jsonNumber(v any) (any, error) {
	n, ok := v.(json.Number)
	if !ok {
		return nil, fmt.Errorf("%w %T", errUnsupported, v)
	}
	if strings.ContainsAny(string(n), ".eE") {
		return n.Float64()
	}
	return n.Int64()
}

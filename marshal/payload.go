package marshal

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strconv"

	"google.golang.org/protobuf/proto"

	"portrpc/port"
)

func encode(rv reflect.Value) (any, error) {
	t := rv.Type()
	pl := planFor(t)
	if pl.err != nil {
		return nil, pl.err
	}

	switch pl.kind {
	case kindPort:
		return rv.Interface(), nil
	case kindBridge:
		if t.Kind() == reflect.Pointer && rv.IsNil() {
			return nil, nil
		}
		return rv.Interface().(Marshaler).MarshalPayload()
	case kindBool:
		return rv.Bool(), nil
	case kindString:
		return rv.String(), nil
	case kindInt:
		return rv.Int(), nil
	case kindUint:
		return rv.Uint(), nil
	case kindFloat:
		return rv.Float(), nil
	case kindBytes:
		if rv.IsNil() {
			return []byte(nil), nil
		}
		return bytes.Clone(rv.Bytes()), nil
	case kindAny:
		if rv.IsNil() {
			return nil, nil
		}
		return encode(rv.Elem())
	case kindList, kindSlice:
		if rv.IsNil() {
			return nil, nil
		}
		return encodeSeq(rv)
	case kindArray:
		return encodeSeq(rv)
	case kindMap, kindStringMap:
		if rv.IsNil() {
			return nil, nil
		}
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			e, err := encode(iter.Value())
			if err != nil {
				return nil, fmt.Errorf("key %q: %w", iter.Key().String(), err)
			}
			out[iter.Key().String()] = e
		}
		return out, nil
	case kindProto:
		if rv.IsNil() {
			return nil, nil
		}
		return proto.Marshal(rv.Interface().(proto.Message))
	case kindJSON:
		b, err := json.Marshal(rv.Interface())
		if err != nil {
			return nil, err
		}
		return decodeJSONTree(b)
	}
	return nil, fmt.Errorf("no encoder for %s", t)
}

func encodeSeq(rv reflect.Value) (any, error) {
	out := make([]any, rv.Len())
	for i := range out {
		e, err := encode(rv.Index(i))
		if err != nil {
			return nil, fmt.Errorf("index %d: %w", i, err)
		}
		out[i] = e
	}
	return out, nil
}

func decode(p any, t reflect.Type) (reflect.Value, error) {
	pl := planFor(t)
	if pl.err != nil {
		return reflect.Value{}, pl.err
	}
	v := reflect.New(t).Elem()

	switch pl.kind {
	case kindPort:
		if p == nil {
			return v, nil
		}
		q, ok := p.(*port.Port)
		if !ok {
			return v, mismatch(p, "port")
		}
		v.Set(reflect.ValueOf(q))
	case kindBridge:
		if t.Kind() == reflect.Pointer && t.Implements(unmarshalerType) {
			if p == nil {
				return v, nil
			}
			n := reflect.New(t.Elem())
			if err := n.Interface().(Unmarshaler).UnmarshalPayload(p); err != nil {
				return v, err
			}
			v.Set(n)
			return v, nil
		}
		if err := v.Addr().Interface().(Unmarshaler).UnmarshalPayload(p); err != nil {
			return v, err
		}
	case kindBool:
		b, ok := p.(bool)
		if !ok {
			return v, mismatch(p, "bool")
		}
		v.SetBool(b)
	case kindString:
		s, ok := p.(string)
		if !ok {
			return v, mismatch(p, "string")
		}
		v.SetString(s)
	case kindInt:
		i, err := toInt64(p)
		if err != nil {
			return v, err
		}
		if v.OverflowInt(i) {
			return v, fmt.Errorf("value %d overflows %s", i, t)
		}
		v.SetInt(i)
	case kindUint:
		u, err := toUint64(p)
		if err != nil {
			return v, err
		}
		if v.OverflowUint(u) {
			return v, fmt.Errorf("value %d overflows %s", u, t)
		}
		v.SetUint(u)
	case kindFloat:
		f, err := toFloat64(p)
		if err != nil {
			return v, err
		}
		if v.OverflowFloat(f) {
			return v, fmt.Errorf("value %g overflows %s", f, t)
		}
		v.SetFloat(f)
	case kindBytes:
		if p == nil {
			return v, nil
		}
		b, ok := p.([]byte)
		if !ok {
			return v, mismatch(p, "bytes")
		}
		v.SetBytes(b)
	case kindAny:
		if p != nil {
			v.Set(reflect.ValueOf(p))
		}
	case kindList:
		if p == nil {
			return v, nil
		}
		l, ok := p.([]any)
		if !ok {
			return v, mismatch(p, "list")
		}
		v.Set(reflect.ValueOf(l))
	case kindMap:
		if p == nil {
			return v, nil
		}
		m, ok := p.(map[string]any)
		if !ok {
			return v, mismatch(p, "map")
		}
		v.Set(reflect.ValueOf(m))
	case kindSlice:
		if p == nil {
			return v, nil
		}
		l, ok := p.([]any)
		if !ok {
			return v, mismatch(p, "list")
		}
		v.Set(reflect.MakeSlice(t, len(l), len(l)))
		if err := decodeSeq(l, v); err != nil {
			return v, err
		}
	case kindArray:
		l, ok := p.([]any)
		if !ok {
			return v, mismatch(p, "list")
		}
		if len(l) != t.Len() {
			return v, fmt.Errorf("expected %d elements, got %d", t.Len(), len(l))
		}
		if err := decodeSeq(l, v); err != nil {
			return v, err
		}
	case kindStringMap:
		if p == nil {
			return v, nil
		}
		m, ok := p.(map[string]any)
		if !ok {
			return v, mismatch(p, "map")
		}
		v.Set(reflect.MakeMapWithSize(t, len(m)))
		for k, e := range m {
			ev, err := decode(e, t.Elem())
			if err != nil {
				return v, fmt.Errorf("key %q: %w", k, err)
			}
			v.SetMapIndex(reflect.ValueOf(k).Convert(t.Key()), ev)
		}
	case kindProto:
		if p == nil {
			return v, nil
		}
		b, ok := p.([]byte)
		if !ok {
			return v, mismatch(p, "bytes")
		}
		n := reflect.New(t.Elem())
		if err := proto.Unmarshal(b, n.Interface().(proto.Message)); err != nil {
			return v, err
		}
		v.Set(n)
	case kindJSON:
		b, err := json.Marshal(p)
		if err != nil {
			return v, err
		}
		n := reflect.New(t)
		if err := json.Unmarshal(b, n.Interface()); err != nil {
			return v, err
		}
		v.Set(n.Elem())
	default:
		return v, fmt.Errorf("no decoder for %s", t)
	}
	return v, nil
}

func decodeSeq(l []any, v reflect.Value) error {
	et := v.Type().Elem()
	for i, e := range l {
		ev, err := decode(e, et)
		if err != nil {
			return fmt.Errorf("index %d: %w", i, err)
		}
		v.Index(i).Set(ev)
	}
	return nil
}

// decodeJSONTree parses b into a payload tree with integral numbers as int64
// (or uint64 when too large) and the rest as float64.
func decodeJSONTree(b []byte) (any, error) {
	d := json.NewDecoder(bytes.NewReader(b))
	d.UseNumber()
	var v any
	if err := d.Decode(&v); err != nil {
		return nil, err
	}
	return normalize(v), nil
}

func normalize(v any) any {
	switch x := v.(type) {
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i
		}
		if u, err := strconv.ParseUint(x.String(), 10, 64); err == nil {
			return u
		}
		f, _ := x.Float64()
		return f
	case []any:
		for i, e := range x {
			x[i] = normalize(e)
		}
	case map[string]any:
		for k, e := range x {
			x[k] = normalize(e)
		}
	}
	return v
}

func toInt64(p any) (int64, error) {
	if n, ok := p.(json.Number); ok {
		if i, err := n.Int64(); err == nil {
			return i, nil
		}
		f, err := n.Float64()
		if err != nil {
			return 0, err
		}
		return floatToInt(f)
	}
	rv := reflect.ValueOf(p)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int(), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		u := rv.Uint()
		if u > math.MaxInt64 {
			return 0, fmt.Errorf("value %d overflows int64", u)
		}
		return int64(u), nil
	case reflect.Float32, reflect.Float64:
		return floatToInt(rv.Float())
	}
	return 0, mismatch(p, "number")
}

func toUint64(p any) (uint64, error) {
	if n, ok := p.(json.Number); ok {
		if u, err := strconv.ParseUint(n.String(), 10, 64); err == nil {
			return u, nil
		}
		f, err := n.Float64()
		if err != nil {
			return 0, err
		}
		return floatToUint(f)
	}
	rv := reflect.ValueOf(p)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		i := rv.Int()
		if i < 0 {
			return 0, fmt.Errorf("negative value %d for unsigned target", i)
		}
		return uint64(i), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return rv.Uint(), nil
	case reflect.Float32, reflect.Float64:
		return floatToUint(rv.Float())
	}
	return 0, mismatch(p, "number")
}

func toFloat64(p any) (float64, error) {
	if n, ok := p.(json.Number); ok {
		return n.Float64()
	}
	rv := reflect.ValueOf(p)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int()), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return float64(rv.Uint()), nil
	case reflect.Float32, reflect.Float64:
		return rv.Float(), nil
	}
	return 0, mismatch(p, "number")
}

func floatToInt(f float64) (int64, error) {
	if f != math.Trunc(f) {
		return 0, fmt.Errorf("value %g is not integral", f)
	}
	if f < -(1<<63) || f >= 1<<63 {
		return 0, fmt.Errorf("value %g overflows int64", f)
	}
	return int64(f), nil
}

func floatToUint(f float64) (uint64, error) {
	if f != math.Trunc(f) {
		return 0, fmt.Errorf("value %g is not integral", f)
	}
	if f < 0 || f >= 1<<64 {
		return 0, fmt.Errorf("value %g overflows uint64", f)
	}
	return uint64(f), nil
}

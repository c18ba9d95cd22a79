// Package marshal converts typed Go values to and from channel-native payloads.
//
// Every concrete type resolves once to a plan, cached per reflect.Type, in
// priority order:
//
//  1. native bridge: *port.Port, booleans, strings, every integer and float
//     kind, []byte, any, []any, map[string]any, and types implementing
//     Marshaler/Unmarshaler. Slices, arrays and string-keyed maps of bridge
//     types are bridged element by element.
//  2. structural: protobuf messages become wire bytes; other structs,
//     pointers and integer-keyed maps go through encoding/json and become a
//     tree of map[string]any, []any, string, bool, int64 and float64.
//  3. anything else is rejected with rpcerr.ErrUnsupportedType.
//
// Integers are canonicalised to int64/uint64 and floats to float64 on the
// wire; decoding accepts any numeric payload that fits the target.
package marshal

import (
	"errors"
	"fmt"
	"reflect"

	"portrpc/port"
	"portrpc/rpcerr"
)

// Marshaler is implemented by types that produce their own payload.
type Marshaler interface {
	MarshalPayload() (any, error)
}

// Unmarshaler is implemented by pointers to types that rebuild themselves
// from a payload.
type Unmarshaler interface {
	UnmarshalPayload(p any) error
}

// Transferable is implemented by bridge types whose payload carries ports.
// It is called on the zero value.
type Transferable interface {
	NeedsTransfer() bool
}

// Checker is implemented by bridge types whose postability depends on other
// types, such as generic containers. It is called on the zero value.
type Checker interface {
	CheckPayload() error
}

// ToPayload converts v to its channel-native form.
func ToPayload(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	return Encode(reflect.ValueOf(v))
}

// Encode converts rv to its channel-native form.
func Encode(rv reflect.Value) (any, error) {
	t := rv.Type()
	if err := Check(t); err != nil {
		return nil, err
	}
	p, err := encode(rv)
	if err != nil {
		return nil, wrap(err, func(cause error) *rpcerr.Error {
			return rpcerr.SerializeFailed(TypeName(t), cause)
		})
	}
	return p, nil
}

// FromPayload decodes p into a T.
func FromPayload[T any](p any) (T, error) {
	v, err := Decode(p, reflect.TypeFor[T]())
	if err != nil {
		var zero T
		return zero, err
	}
	out, _ := v.Interface().(T)
	return out, nil
}

// Decode decodes p into a value of type t.
func Decode(p any, t reflect.Type) (reflect.Value, error) {
	if err := Check(t); err != nil {
		return reflect.Value{}, err
	}
	v, err := decode(p, t)
	if err != nil {
		return reflect.Value{}, wrap(err, func(cause error) *rpcerr.Error {
			return rpcerr.DeserializeFailed(TypeName(t), cause)
		})
	}
	return v, nil
}

// Check reports whether values of type t can be posted.
func Check(t reflect.Type) error {
	if t == nil {
		return rpcerr.UnsupportedType("nil")
	}
	return planFor(t).err
}

// NeedsTransfer reports whether payloads of type t may carry ports and must
// therefore be transfer-marked when posted.
func NeedsTransfer(t reflect.Type) bool {
	if t == nil {
		return false
	}
	return planFor(t).transfer
}

// TransferOf is NeedsTransfer for a static type.
func TransferOf[T any]() bool {
	return NeedsTransfer(reflect.TypeFor[T]())
}

// TypeName is the name used for t in errors.
func TypeName(t reflect.Type) string {
	if t == nil {
		return "nil"
	}
	return t.String()
}

// Ports returns every port reachable from payload p, in encounter order and
// without duplicates.
func Ports(p any) []*port.Port {
	var out []*port.Port
	seen := map[*port.Port]bool{}
	var walk func(v any)
	walk = func(v any) {
		switch x := v.(type) {
		case *port.Port:
			if x != nil && !seen[x] {
				seen[x] = true
				out = append(out, x)
			}
		case []any:
			for _, e := range x {
				walk(e)
			}
		case map[string]any:
			for _, e := range x {
				walk(e)
			}
		}
	}
	walk(p)
	return out
}

// wrap leaves taxonomy errors raised by nested marshalling untouched.
func wrap(err error, as func(error) *rpcerr.Error) error {
	var e *rpcerr.Error
	if errors.As(err, &e) {
		return err
	}
	return as(err)
}

func mismatch(p any, want string) error {
	return fmt.Errorf("expected %s, got %T", want, p)
}

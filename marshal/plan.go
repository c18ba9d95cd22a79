package marshal

import (
	"encoding"
	"encoding/json"
	"fmt"
	"reflect"
	"sync"

	"google.golang.org/protobuf/proto"

	"portrpc/port"
	"portrpc/rpcerr"
)

type kind uint8

const (
	kindPort kind = iota + 1
	kindBridge
	kindBool
	kindString
	kindInt
	kindUint
	kindFloat
	kindBytes
	kindAny
	kindList
	kindMap
	kindSlice
	kindArray
	kindStringMap
	kindProto
	kindJSON
)

type plan struct {
	kind     kind
	transfer bool
	err      error
}

var (
	portType            = reflect.TypeFor[*port.Port]()
	listType            = reflect.TypeFor[[]any]()
	mapType             = reflect.TypeFor[map[string]any]()
	marshalerType       = reflect.TypeFor[Marshaler]()
	unmarshalerType     = reflect.TypeFor[Unmarshaler]()
	transferableType    = reflect.TypeFor[Transferable]()
	checkerType         = reflect.TypeFor[Checker]()
	protoMessageType    = reflect.TypeFor[proto.Message]()
	jsonMarshalerType   = reflect.TypeFor[json.Marshaler]()
	textMarshalerType   = reflect.TypeFor[encoding.TextMarshaler]()
	jsonUnmarshalerType = reflect.TypeFor[json.Unmarshaler]()
)

var plans sync.Map // reflect.Type -> *plan

func planFor(t reflect.Type) *plan {
	return resolve(t, map[reflect.Type]bool{})
}

func resolve(t reflect.Type, seen map[reflect.Type]bool) *plan {
	if p, ok := plans.Load(t); ok {
		return p.(*plan)
	}
	if seen[t] {
		// recursive type; the outer resolution decides
		return &plan{}
	}
	seen[t] = true
	p := build(t, seen)
	delete(seen, t)
	actual, _ := plans.LoadOrStore(t, p)
	return actual.(*plan)
}

func unsupported(t reflect.Type, cause error) *rpcerr.Error {
	e := rpcerr.UnsupportedType(TypeName(t))
	e.Err = cause
	return e
}

func build(t reflect.Type, seen map[reflect.Type]bool) *plan {
	switch {
	case t == portType:
		return &plan{kind: kindPort, transfer: true}
	case t.Implements(marshalerType):
		return bridgePlan(t)
	case t.Implements(protoMessageType) && t.Kind() == reflect.Pointer:
		return &plan{kind: kindProto}
	}

	switch t.Kind() {
	case reflect.Bool:
		return &plan{kind: kindBool}
	case reflect.String:
		return &plan{kind: kindString}
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return &plan{kind: kindInt}
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return &plan{kind: kindUint}
	case reflect.Float32, reflect.Float64:
		return &plan{kind: kindFloat}
	case reflect.Interface:
		if t.NumMethod() != 0 {
			return &plan{err: unsupported(t, fmt.Errorf("interface with methods"))}
		}
		return &plan{kind: kindAny, transfer: true}
	case reflect.Slice:
		if t == listType {
			return &plan{kind: kindList, transfer: true}
		}
		if t.Elem().Kind() == reflect.Uint8 && !t.Elem().Implements(marshalerType) {
			return &plan{kind: kindBytes}
		}
		return elemPlan(kindSlice, t, seen)
	case reflect.Array:
		return elemPlan(kindArray, t, seen)
	case reflect.Map:
		if t == mapType {
			return &plan{kind: kindMap, transfer: true}
		}
		if t.Key().Kind() == reflect.String {
			return elemPlan(kindStringMap, t, seen)
		}
		return jsonPlan(t)
	case reflect.Struct, reflect.Pointer:
		return jsonPlan(t)
	default:
		return &plan{err: unsupported(t, nil)}
	}
}

func elemPlan(k kind, t reflect.Type, seen map[reflect.Type]bool) *plan {
	ep := resolve(t.Elem(), seen)
	if ep.err != nil {
		return &plan{err: unsupported(t, ep.err)}
	}
	return &plan{kind: k, transfer: ep.transfer}
}

// sample returns a value of t to call zero-value methods on. Pointer types
// get a pointer to a zero element so value-receiver methods do not panic.
func sample(t reflect.Type) any {
	if t.Kind() == reflect.Pointer {
		return reflect.New(t.Elem()).Interface()
	}
	return reflect.Zero(t).Interface()
}

func bridgePlan(t reflect.Type) *plan {
	if !t.Implements(unmarshalerType) && !reflect.PointerTo(t).Implements(unmarshalerType) {
		return &plan{err: unsupported(t, fmt.Errorf("implements Marshaler but not Unmarshaler"))}
	}
	p := &plan{kind: kindBridge}
	if t.Implements(transferableType) {
		p.transfer = sample(t).(Transferable).NeedsTransfer()
	}
	if t.Implements(checkerType) {
		if err := sample(t).(Checker).CheckPayload(); err != nil {
			p.err = unsupported(t, err)
		}
	}
	return p
}

func jsonPlan(t reflect.Type) *plan {
	if err := checkJSON(t, map[reflect.Type]bool{}); err != nil {
		return &plan{err: unsupported(t, err)}
	}
	return &plan{kind: kindJSON}
}

// checkJSON walks a type that will go through encoding/json and rejects what
// json cannot carry, including nested bridge types.
func checkJSON(t reflect.Type, seen map[reflect.Type]bool) error {
	if seen[t] {
		return nil
	}
	seen[t] = true

	if t == portType || t.Implements(marshalerType) {
		return fmt.Errorf("%s cannot be nested in a structural type", t)
	}
	if t.Implements(jsonMarshalerType) || reflect.PointerTo(t).Implements(jsonUnmarshalerType) {
		return nil
	}

	switch t.Kind() {
	case reflect.Bool, reflect.String,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr,
		reflect.Float32, reflect.Float64:
		return nil
	case reflect.Interface:
		if t.NumMethod() != 0 {
			return fmt.Errorf("interface %s", t)
		}
		return nil
	case reflect.Pointer, reflect.Slice, reflect.Array:
		return checkJSON(t.Elem(), seen)
	case reflect.Map:
		switch t.Key().Kind() {
		case reflect.String,
			reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
			reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		default:
			if !t.Key().Implements(textMarshalerType) {
				return fmt.Errorf("map key %s", t.Key())
			}
		}
		return checkJSON(t.Elem(), seen)
	case reflect.Struct:
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			if !f.IsExported() && !f.Anonymous {
				continue
			}
			if f.Tag.Get("json") == "-" {
				continue
			}
			if err := checkJSON(f.Type, seen); err != nil {
				return fmt.Errorf("field %s: %w", f.Name, err)
			}
		}
		return nil
	default:
		return fmt.Errorf("%s kind %s", t, t.Kind())
	}
}

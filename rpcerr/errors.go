// Package rpcerr defines the error taxonomy shared by every portrpc component.
//
// All failures surface as *Error values carrying a Kind. Callers match them
// with errors.Is against the exported sentinels:
//
//	if errors.Is(err, rpcerr.ErrUnknownProcedure) { ... }
//
// Errors produced by the remote side (dispatch misses, decode failures) travel
// back through the reply channel in their Payload form and are rebuilt with
// FromPayload, so both sides observe the same Kind.
package rpcerr

import (
	"errors"
	"fmt"
)

// Kind classifies an Error.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindCreationFailed
	KindSerializeFailed
	KindDeserializeFailed
	KindUnsupportedType
	KindPostFailed
	KindReceiveFailed
	KindClientUnavailable
	KindUnknownProcedure
	KindCallbackFailed
	KindRejected
)

var kindNames = [...]string{
	KindUnknown:           "Unknown",
	KindCreationFailed:    "CreationFailed",
	KindSerializeFailed:   "SerializeFailed",
	KindDeserializeFailed: "DeserializeFailed",
	KindUnsupportedType:   "UnsupportedType",
	KindPostFailed:        "PostFailed",
	KindReceiveFailed:     "ReceiveFailed",
	KindClientUnavailable: "ClientUnavailable",
	KindUnknownProcedure:  "UnknownProcedure",
	KindCallbackFailed:    "CallbackFailed",
	KindRejected:          "Rejected",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// ParseKind is the inverse of Kind.String. Unrecognised names map to KindUnknown.
func ParseKind(name string) Kind {
	for k, n := range kindNames {
		if n == name {
			return Kind(k)
		}
	}
	return KindUnknown
}

// Error is the concrete error type of the taxonomy.
type Error struct {
	Kind     Kind
	TypeName string // type involved in creation and marshalling failures
	Name     string // procedure name for KindUnknownProcedure
	Err      error  // underlying cause, may be nil
}

// Sentinels for errors.Is. They carry only a Kind.
var (
	ErrCreationFailed    = &Error{Kind: KindCreationFailed}
	ErrSerializeFailed   = &Error{Kind: KindSerializeFailed}
	ErrDeserializeFailed = &Error{Kind: KindDeserializeFailed}
	ErrUnsupportedType   = &Error{Kind: KindUnsupportedType}
	ErrPostFailed        = &Error{Kind: KindPostFailed}
	ErrReceiveFailed     = &Error{Kind: KindReceiveFailed}
	ErrClientUnavailable = &Error{Kind: KindClientUnavailable}
	ErrUnknownProcedure  = &Error{Kind: KindUnknownProcedure}
	ErrCallbackFailed    = &Error{Kind: KindCallbackFailed}
	ErrRejected          = &Error{Kind: KindRejected}
)

func (e *Error) Error() string {
	var msg string
	switch e.Kind {
	case KindCreationFailed:
		msg = "failed to create " + e.TypeName
	case KindSerializeFailed:
		msg = "failed to serialize type " + e.TypeName
	case KindDeserializeFailed:
		msg = "failed to deserialize type " + e.TypeName
	case KindUnsupportedType:
		msg = "unsupported type " + e.TypeName
	case KindPostFailed:
		msg = "failed to post message"
	case KindReceiveFailed:
		msg = "failed to receive message"
	case KindClientUnavailable:
		msg = "client unavailable"
	case KindUnknownProcedure:
		msg = "unknown procedure " + e.Name
	case KindCallbackFailed:
		msg = "callback failed"
	case KindRejected:
		msg = "request rejected"
	default:
		msg = "rpc error"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is a sentinel (or any *Error) of the same Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf returns the Kind of the first *Error in err's chain, or KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

func CreationFailed(typeName string, err error) *Error {
	return &Error{Kind: KindCreationFailed, TypeName: typeName, Err: err}
}

func SerializeFailed(typeName string, err error) *Error {
	return &Error{Kind: KindSerializeFailed, TypeName: typeName, Err: err}
}

func DeserializeFailed(typeName string, err error) *Error {
	return &Error{Kind: KindDeserializeFailed, TypeName: typeName, Err: err}
}

func UnsupportedType(typeName string) *Error {
	return &Error{Kind: KindUnsupportedType, TypeName: typeName}
}

func PostFailed(err error) *Error {
	return &Error{Kind: KindPostFailed, Err: err}
}

func ReceiveFailed(err error) *Error {
	return &Error{Kind: KindReceiveFailed, Err: err}
}

func UnknownProcedure(name string) *Error {
	return &Error{Kind: KindUnknownProcedure, Name: name}
}

func CallbackFailed(err error) *Error {
	return &Error{Kind: KindCallbackFailed, Err: err}
}

func Rejected(err error) *Error {
	return &Error{Kind: KindRejected, Err: err}
}

// Payload returns the channel-native form of err used in error replies.
// Errors outside the taxonomy are reported as KindUnknown with their message.
func Payload(err error) map[string]any {
	var e *Error
	if !errors.As(err, &e) {
		return map[string]any{
			"kind":    KindUnknown.String(),
			"message": err.Error(),
		}
	}
	p := map[string]any{"kind": e.Kind.String()}
	if e.TypeName != "" {
		p["type"] = e.TypeName
	}
	if e.Name != "" {
		p["name"] = e.Name
	}
	if e.Err != nil {
		p["message"] = e.Err.Error()
	}
	return p
}

// FromPayload rebuilds an *Error from its Payload form.
func FromPayload(p any) (*Error, error) {
	m, ok := p.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("rpcerr: error payload is %T, not a map", p)
	}
	kind, _ := m["kind"].(string)
	e := &Error{Kind: ParseKind(kind)}
	e.TypeName, _ = m["type"].(string)
	e.Name, _ = m["name"].(string)
	if msg, _ := m["message"].(string); msg != "" {
		e.Err = errors.New(msg)
	}
	return e, nil
}

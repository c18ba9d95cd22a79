package marshal

import (
	"fmt"
	"reflect"

	"go.uber.org/multierr"
)

const (
	tagOk  = "Ok"
	tagErr = "Err"
)

// Result is a fallible value that crosses the channel as ["Ok", v] or
// ["Err", e]. Application failures travel as a successful RPC carrying an
// Err result.
type Result[T, E any] struct {
	ok    bool
	value T
	err   E
}

func Ok[T, E any](v T) Result[T, E] {
	return Result[T, E]{ok: true, value: v}
}

func Err[T, E any](e E) Result[T, E] {
	return Result[T, E]{err: e}
}

func (r Result[T, E]) IsOk() bool { return r.ok }

// Value returns the success value, or the zero T for an Err result.
func (r Result[T, E]) Value() T { return r.value }

// ErrValue returns the failure value, or the zero E for an Ok result.
func (r Result[T, E]) ErrValue() E { return r.err }

func (r Result[T, E]) String() string {
	if r.ok {
		return fmt.Sprintf("Ok(%v)", r.value)
	}
	return fmt.Sprintf("Err(%v)", r.err)
}

func (r Result[T, E]) MarshalPayload() (any, error) {
	if r.ok {
		p, err := ToPayload(r.value)
		if err != nil {
			return nil, err
		}
		return []any{tagOk, p}, nil
	}
	p, err := ToPayload(r.err)
	if err != nil {
		return nil, err
	}
	return []any{tagErr, p}, nil
}

func (r *Result[T, E]) UnmarshalPayload(p any) error {
	ok, v, err := splitTagged(p)
	if err != nil {
		return err
	}
	if ok {
		value, err := FromPayload[T](v)
		if err != nil {
			return err
		}
		*r = Ok[T, E](value)
		return nil
	}
	e, err := FromPayload[E](v)
	if err != nil {
		return err
	}
	*r = Err[T](e)
	return nil
}

func (Result[T, E]) NeedsTransfer() bool {
	return TransferOf[T]() || TransferOf[E]()
}

func (Result[T, E]) CheckPayload() error {
	return multierr.Combine(
		Check(reflect.TypeFor[T]()),
		Check(reflect.TypeFor[E]()),
	)
}

// Tagged is the dynamically typed form of a Result, used where the value type
// is only known through reflection.
type Tagged struct {
	OK    bool
	Value any
}

func (t Tagged) MarshalPayload() (any, error) {
	p, err := ToPayload(t.Value)
	if err != nil {
		return nil, err
	}
	if t.OK {
		return []any{tagOk, p}, nil
	}
	return []any{tagErr, p}, nil
}

// UnmarshalPayload keeps the value in payload form.
func (t *Tagged) UnmarshalPayload(p any) error {
	ok, v, err := splitTagged(p)
	if err != nil {
		return err
	}
	*t = Tagged{OK: ok, Value: v}
	return nil
}

// NeedsTransfer is true since the value type is not known statically.
func (Tagged) NeedsTransfer() bool { return true }

func splitTagged(p any) (bool, any, error) {
	l, ok := p.([]any)
	if !ok || len(l) != 2 {
		return false, nil, fmt.Errorf("expected a tagged pair, got %T", p)
	}
	switch l[0] {
	case tagOk:
		return true, l[1], nil
	case tagErr:
		return false, l[1], nil
	}
	return false, nil, fmt.Errorf("unknown result tag %v", l[0])
}

package server

import (
	"context"
	"fmt"
	"reflect"
	"unicode"
	"unicode/utf8"

	"portrpc/marshal"
	"portrpc/message"
	"portrpc/rpcerr"
)

type outKind uint8

const (
	outNone       outKind = iota // func(...)
	outValue                     // func(...) T
	outError                     // func(...) error
	outValueError                // func(...) (T, error)
	outAsync                     // func(...) <-chan T
)

var (
	errorType   = reflect.TypeFor[error]()
	contextType = reflect.TypeFor[context.Context]()
)

// Procedure is one dispatchable operation, built from a method or a free
// function by reflection.
type Procedure struct {
	name     string
	fn       reflect.Value
	hasCtx   bool
	args     []reflect.Type
	out      outKind
	result   reflect.Type // T, nil for outNone and outError
	transfer bool
}

// NewProcedure inspects fn and checks that every argument and result type can
// be posted.
//
// Accepted shapes, each with an optional leading context.Context:
//
//	func(args...)
//	func(args...) T
//	func(args...) error
//	func(args...) (T, error)
//	func(args...) <-chan T
func NewProcedure(name string, fn reflect.Value) (*Procedure, error) {
	if fn.Kind() != reflect.Func || fn.IsNil() {
		return nil, fmt.Errorf("rpc: procedure %s is %s, not a function", name, fn.Kind())
	}
	ft := fn.Type()
	if ft.IsVariadic() {
		return nil, fmt.Errorf("rpc: procedure %s is variadic", name)
	}

	p := &Procedure{name: name, fn: fn}
	first := 0
	if ft.NumIn() > 0 && ft.In(0) == contextType {
		p.hasCtx = true
		first = 1
	}
	for i := first; i < ft.NumIn(); i++ {
		at := ft.In(i)
		if err := marshal.Check(at); err != nil {
			return nil, fmt.Errorf("rpc: procedure %s argument %d: %w", name, i-first, err)
		}
		p.args = append(p.args, at)
	}

	switch {
	case ft.NumOut() == 0:
		p.out = outNone
	case ft.NumOut() == 1 && ft.Out(0) == errorType:
		p.out = outError
	case ft.NumOut() == 1 && ft.Out(0).Kind() == reflect.Chan && ft.Out(0).ChanDir()&reflect.RecvDir != 0:
		p.out = outAsync
		p.result = ft.Out(0).Elem()
	case ft.NumOut() == 1:
		p.out = outValue
		p.result = ft.Out(0)
	case ft.NumOut() == 2 && ft.Out(1) == errorType:
		p.out = outValueError
		p.result = ft.Out(0)
	default:
		return nil, fmt.Errorf("rpc: procedure %s has unsupported results %s", name, ft)
	}
	if p.result != nil {
		if err := marshal.Check(p.result); err != nil {
			return nil, fmt.Errorf("rpc: procedure %s result: %w", name, err)
		}
		p.transfer = marshal.NeedsTransfer(p.result)
	}
	return p, nil
}

func (p *Procedure) Name() string { return p.name }

// NumArgs is the number of arguments carried on the wire.
func (p *Procedure) NumArgs() int { return len(p.args) }

// Result is the type of the produced value, nil when the function produces
// none. For asynchronous functions it is the channel element type.
func (p *Procedure) Result() reflect.Type { return p.result }

// Invoke decodes payload arguments, calls the function and builds the
// response, without any locking.
func (p *Procedure) Invoke(ctx context.Context, args []any, errorReplies bool) *message.Response {
	in, err := p.decodeArgs(ctx, args)
	if err != nil {
		return &message.Response{Err: err}
	}
	out, err := p.call(in)
	if err != nil {
		return &message.Response{Err: err}
	}
	return p.respond(out, errorReplies)
}

// decodeArgs decodes positional arguments; a count mismatch is a decode
// failure.
func (p *Procedure) decodeArgs(ctx context.Context, args []any) ([]reflect.Value, error) {
	if len(args) != len(p.args) {
		return nil, rpcerr.DeserializeFailed(p.name+" arguments",
			fmt.Errorf("expected %d, got %d", len(p.args), len(args)))
	}
	in := make([]reflect.Value, 0, len(args)+1)
	if p.hasCtx {
		in = append(in, reflect.ValueOf(ctx))
	}
	for i, a := range args {
		v, err := marshal.Decode(a, p.args[i])
		if err != nil {
			return nil, err
		}
		in = append(in, v)
	}
	return in, nil
}

// call invokes the function, turning a panic into an error.
func (p *Procedure) call(in []reflect.Value) (out []reflect.Value, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("procedure %s panicked: %v", p.name, r)
		}
	}()
	return p.fn.Call(in), nil
}

// respond turns the function results into a response. With errorReplies, a
// returned error becomes a CallbackFailed error reply instead of an Err
// result.
func (p *Procedure) respond(out []reflect.Value, errorReplies bool) *message.Response {
	switch p.out {
	case outNone:
		return &message.Response{}
	case outValue:
		return p.value(out[0])
	case outError:
		if err, _ := out[0].Interface().(error); err != nil {
			if errorReplies {
				return &message.Response{Err: rpcerr.CallbackFailed(err)}
			}
			return tagged(marshal.Tagged{Value: err.Error()}, false)
		}
		if errorReplies {
			return &message.Response{}
		}
		return tagged(marshal.Tagged{OK: true}, false)
	case outValueError:
		if err, _ := out[1].Interface().(error); err != nil {
			if errorReplies {
				return &message.Response{Err: rpcerr.CallbackFailed(err)}
			}
			return tagged(marshal.Tagged{Value: err.Error()}, false)
		}
		if errorReplies {
			return p.value(out[0])
		}
		return tagged(marshal.Tagged{OK: true, Value: out[0].Interface()}, p.transfer)
	case outAsync:
		ch := out[0]
		return &message.Response{Tail: func(ctx context.Context) *message.Response {
			chosen, v, ok := reflect.Select([]reflect.SelectCase{
				{Dir: reflect.SelectRecv, Chan: ch},
				{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(ctx.Done())},
			})
			switch {
			case chosen == 1:
				return &message.Response{Err: rpcerr.ReceiveFailed(ctx.Err())}
			case !ok:
				return &message.Response{Err: rpcerr.ReceiveFailed(
					fmt.Errorf("procedure %s closed its result channel", p.name))}
			}
			return p.value(v)
		}}
	}
	return &message.Response{Err: fmt.Errorf("procedure %s: unknown result shape", p.name)}
}

func (p *Procedure) value(v reflect.Value) *message.Response {
	payload, err := marshal.Encode(v)
	if err != nil {
		return &message.Response{Err: err}
	}
	return &message.Response{Value: payload, Transfer: p.transfer}
}

func tagged(t marshal.Tagged, transfer bool) *message.Response {
	payload, err := t.MarshalPayload()
	if err != nil {
		return &message.Response{Err: rpcerr.SerializeFailed("result", err)}
	}
	return &message.Response{Value: payload, Transfer: transfer}
}

// methodProcedures scans the exported methods of rcvr.
func methodProcedures(rcvr reflect.Value, naming func(string) string) (map[string]*Procedure, error) {
	procs := make(map[string]*Procedure)
	typ := rcvr.Type()
	for i := 0; i < typ.NumMethod(); i++ {
		m := typ.Method(i)
		if !m.IsExported() {
			continue
		}
		name := naming(m.Name)
		p, err := NewProcedure(name, rcvr.Method(i))
		if err != nil {
			return nil, err
		}
		if _, dup := procs[name]; dup {
			return nil, fmt.Errorf("rpc: duplicate procedure name %q", name)
		}
		procs[name] = p
	}
	return procs, nil
}

// LowerFirst is the default naming: Add becomes add.
func LowerFirst(name string) string {
	r, size := utf8.DecodeRuneInString(name)
	return string(unicode.ToLower(r)) + name[size:]
}

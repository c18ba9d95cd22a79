// Package message defines the envelope every portrpc message is built with and
// the wire shapes exchanged between the call and dispatch engines.
//
// Wire shapes, all carried as the data array of one port message:
//
//	call        [name, arg1, ..., argN, replyPort]
//	reply       [value]
//	error reply ["*error", {"kind", "type", "name", "message"}]
//	handshake   ["*handshake"]
//	release     ["release"]
//	invoke      ["invoke", arg1, ..., argN, replyPort]
//
// An error reply has two fields, so it can never be mistaken for a success
// reply, which always has exactly one.
package message

import (
	"errors"
	"reflect"

	"portrpc/marshal"
	"portrpc/port"
)

const (
	Handshake = "*handshake"
	Release   = "release"
	Invoke    = "invoke"
	ErrorTag  = "*error"
)

// ErrConsumed is returned when an envelope is used after it was sent or
// discarded.
var ErrConsumed = errors.New("message: envelope already consumed")

// SendFunc posts one message; port.Endpoint.Send has this shape.
type SendFunc func(data []any, transfer []*port.Port) error

// Envelope is an outgoing message under construction: an ordered field list
// whose first field is the operation name, plus the parallel transfer list.
// An envelope is sent at most once.
type Envelope struct {
	fields   []any
	transfer []*port.Port
	consumed bool
}

func New(name string) *Envelope {
	return &Envelope{fields: []any{name}}
}

// Name returns the operation name.
func (e *Envelope) Name() string {
	name, _ := e.fields[0].(string)
	return name
}

// Post marshals v and appends it. When v's type needs transfer, the ports
// held by the payload are added to the transfer list.
func (e *Envelope) Post(v any) error {
	if e.consumed {
		return ErrConsumed
	}
	p, err := marshal.ToPayload(v)
	if err != nil {
		return err
	}
	transfer := v != nil && marshal.NeedsTransfer(reflect.TypeOf(v))
	return e.PostPayload(p, transfer)
}

// PostAll posts each argument in order.
func (e *Envelope) PostAll(args ...any) error {
	for _, a := range args {
		if err := e.Post(a); err != nil {
			return err
		}
	}
	return nil
}

// PostPayload appends an already marshalled payload. With transfer set, the
// payload itself is transferred if it is a port, otherwise every port nested
// in it.
func (e *Envelope) PostPayload(p any, transfer bool) error {
	if e.consumed {
		return ErrConsumed
	}
	e.fields = append(e.fields, p)
	if !transfer {
		return nil
	}
	for _, q := range marshal.Ports(p) {
		if !e.transferring(q) {
			e.transfer = append(e.transfer, q)
		}
	}
	return nil
}

func (e *Envelope) transferring(q *port.Port) bool {
	for _, t := range e.transfer {
		if t == q {
			return true
		}
	}
	return false
}

// Fields returns a copy of the field list.
func (e *Envelope) Fields() []any {
	return append([]any(nil), e.fields...)
}

// Transfer returns a copy of the transfer list.
func (e *Envelope) Transfer() []*port.Port {
	return append([]*port.Port(nil), e.transfer...)
}

// Send hands the envelope to send. It consumes the envelope even on failure.
func (e *Envelope) Send(send SendFunc) error {
	if e.consumed {
		return ErrConsumed
	}
	e.consumed = true
	return send(e.fields, e.transfer)
}

// Discard consumes an unsent envelope and closes the ports it would have
// transferred.
func (e *Envelope) Discard() {
	if e.consumed {
		return
	}
	e.consumed = true
	for _, q := range e.transfer {
		q.Close()
	}
}

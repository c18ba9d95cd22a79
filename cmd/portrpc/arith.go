package main

import (
	"context"
	"errors"
	"time"
)

var errDivByZero = errors.New("division by zero")

// Arith is the demo service.
type Arith struct {
	calls int
}

func (a *Arith) Add(x, y int64) int64 { a.calls++; return x + y }

func (a *Arith) Sub(x, y int64) int64 { a.calls++; return x - y }

func (a *Arith) Mul(x, y int64) int64 { a.calls++; return x * y }

func (a *Arith) Div(x, y float64) (float64, error) {
	a.calls++
	if y == 0 {
		return 0, errDivByZero
	}
	return x / y, nil
}

func (a *Arith) Sum(xs []float64) float64 {
	a.calls++
	var s float64
	for _, x := range xs {
		s += x
	}
	return s
}

// Calls counts the calls served by this connection's instance.
func (a *Arith) Calls() int { return a.calls }

// Sleep answers after d without holding the service.
func (a *Arith) Sleep(ctx context.Context, d time.Duration) <-chan string {
	ch := make(chan string, 1)
	go func() {
		select {
		case <-time.After(d):
			ch <- "slept " + d.String()
		case <-ctx.Done():
		}
	}()
	return ch
}

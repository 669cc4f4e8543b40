package durable

import (
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Handle is the deferred result of a durable operation.
//
// Creating an operation starts its registration in a background goroutine
// right away; Await waits for registration and then for the outcome. This
// lets workflow code start several operations before waiting on any of them:
//
//	a := durable.Step(dc, "fetch-a", fetchA)
//	b := durable.Step(dc, "fetch-b", fetchB)
//	va, errA := a.Await()
//	vb, errB := b.Await()
//
// A registration failure is held by the handle and returned from Await. It
// is never reported anywhere else, so a handle that is never awaited drops it.
type Handle[T any] struct {
	registered chan struct{}
	regErr     error
	deferred   func() (T, error)

	once   sync.Once
	result T
	err    error
}

// registerFunc performs an operation's registration phase and returns its
// deferred phase.
type registerFunc[T any] func() (func() (T, error), error)

func newHandle[T any]() *Handle[T] {
	return &Handle[T]{registered: make(chan struct{})}
}

// start runs register in the background. It must be called exactly once.
func (h *Handle[T]) start(register registerFunc[T]) {
	go func() {
		defer close(h.registered)
		defer func() {
			if r := recover(); r != nil {
				h.regErr = fmt.Errorf("operation registration panicked: %v", r)
			}
		}()
		h.deferred, h.regErr = register()
	}()
}

func startHandle[T any](register registerFunc[T]) *Handle[T] {
	h := newHandle[T]()
	h.start(register)
	return h
}

// Done is closed once registration has finished.
func (h *Handle[T]) Done() <-chan struct{} { return h.registered }

// Await blocks until the operation has an outcome and returns it. The
// deferred phase runs once; later calls return the cached outcome.
func (h *Handle[T]) Await() (T, error) {
	<-h.registered
	h.once.Do(func() {
		if h.regErr != nil {
			h.err = h.regErr
			return
		}
		if h.deferred != nil {
			h.result, h.err = h.deferred()
		}
	})
	return h.result, h.err
}

// resolved returns a deferred phase that yields v and err as they are.
func resolved[T any](v T, err error) func() (T, error) {
	return func() (T, error) { return v, err }
}

// AwaitAll awaits every handle concurrently and returns the results in
// argument order. The error is the first one returned by any handle; every
// handle is still awaited to completion.
func AwaitAll[T any](handles ...*Handle[T]) ([]T, error) {
	out := make([]T, len(handles))
	var g errgroup.Group
	for i, h := range handles {
		g.Go(func() error {
			v, err := h.Await()
			out[i] = v
			return err
		})
	}
	return out, g.Wait()
}

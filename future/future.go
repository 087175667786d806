// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package future provides single-assignment asynchronous results.
//
// A Promise is the producing side, a Future the consuming side. The first
// of SetValue, SetError or SetCanceled wins; later calls are ignored and
// report false. Callbacks registered with Then fire exactly once, in
// registration order, including when registered after completion.
package future

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	ErrCanceled      = errors.New("future canceled")
	ErrTimeout       = errors.New("future timeout")
	ErrBrokenPromise = errors.New("promise broken")
)

// State of a future.
type State int32

const (
	Running State = iota
	FinishedWithValue
	FinishedWithError
	Canceled
)

func (s State) String() string {
	switch s {
	case Running:
		return "Running"
	case FinishedWithValue:
		return "FinishedWithValue"
	case FinishedWithError:
		return "FinishedWithError"
	case Canceled:
		return "Canceled"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Executor runs callbacks. *eventloop.EventLoop and *eventloop.Strand
// implement it.
type Executor interface {
	Post(fn func())
}

type shared[T any] struct {
	mu        sync.Mutex
	state     State
	val       T
	err       error
	done      chan struct{}
	callbacks []func(*Future[T])
	exec      Executor

	onCancel        func()
	cancelRequested bool
}

// Promise is the write side of a Future.
type Promise[T any] struct {
	s *shared[T]
}

// Future is the read side of a Promise. Futures are cheap handles and may be
// copied freely.
type Future[T any] struct {
	s *shared[T]
}

// NewPromise returns a promise whose callbacks run synchronously on the
// goroutine completing it.
func NewPromise[T any]() *Promise[T] {
	return &Promise[T]{s: &shared[T]{done: make(chan struct{})}}
}

// NewPromiseOn returns a promise whose callbacks are posted to exec.
func NewPromiseOn[T any](exec Executor) *Promise[T] {
	p := NewPromise[T]()
	p.s.exec = exec
	return p
}

// Future returns the read side.
func (p *Promise[T]) Future() *Future[T] { return &Future[T]{s: p.s} }

// SetValue completes the future with v.
func (p *Promise[T]) SetValue(v T) bool {
	return p.s.finish(FinishedWithValue, v, nil)
}

// SetError completes the future with err.
func (p *Promise[T]) SetError(err error) bool {
	if err == nil {
		err = ErrBrokenPromise
	}
	var zero T
	return p.s.finish(FinishedWithError, zero, err)
}

// SetCanceled completes the future as canceled.
func (p *Promise[T]) SetCanceled() bool {
	var zero T
	return p.s.finish(Canceled, zero, ErrCanceled)
}

// Complete sets the value when err is nil, the error otherwise.
func (p *Promise[T]) Complete(v T, err error) bool {
	if err != nil {
		if errors.Is(err, ErrCanceled) {
			return p.SetCanceled()
		}
		return p.SetError(err)
	}
	return p.SetValue(v)
}

// OnCancel registers fn to run when a consumer requests cancellation. If
// cancellation was already requested fn runs immediately.
func (p *Promise[T]) OnCancel(fn func()) {
	p.s.mu.Lock()
	if p.s.cancelRequested && p.s.state == Running {
		p.s.mu.Unlock()
		fn()
		return
	}
	p.s.onCancel = fn
	p.s.mu.Unlock()
}

// IsCancelRequested reports whether a consumer asked for cancellation.
func (p *Promise[T]) IsCancelRequested() bool {
	p.s.mu.Lock()
	defer p.s.mu.Unlock()
	return p.s.cancelRequested
}

func (s *shared[T]) finish(st State, v T, err error) bool {
	s.mu.Lock()
	if s.state != Running {
		s.mu.Unlock()
		return false
	}
	s.state, s.val, s.err = st, v, err
	cbs := s.callbacks
	s.callbacks = nil
	s.onCancel = nil
	close(s.done)
	s.mu.Unlock()

	f := &Future[T]{s: s}
	for _, cb := range cbs {
		s.run(cb, f)
	}
	return true
}

func (s *shared[T]) run(cb func(*Future[T]), f *Future[T]) {
	if s.exec != nil {
		s.exec.Post(func() { cb(f) })
		return
	}
	cb(f)
}

// State returns the current state.
func (f *Future[T]) State() State {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	return f.s.state
}

// IsRunning reports whether the future is not yet terminal.
func (f *Future[T]) IsRunning() bool { return f.State() == Running }

// IsFinished reports whether the future reached a terminal state.
func (f *Future[T]) IsFinished() bool { return f.State() != Running }

// HasValue reports whether the future finished with a value.
func (f *Future[T]) HasValue() bool { return f.State() == FinishedWithValue }

// HasError reports whether the future finished with an error.
func (f *Future[T]) HasError() bool { return f.State() == FinishedWithError }

// IsCanceled reports whether the future was canceled.
func (f *Future[T]) IsCanceled() bool { return f.State() == Canceled }

// Done returns a channel closed once the future is terminal.
func (f *Future[T]) Done() <-chan struct{} { return f.s.done }

// Wait blocks until the future is terminal or timeout elapses, and returns
// the state at that point. A negative timeout waits forever.
func (f *Future[T]) Wait(timeout time.Duration) State {
	if timeout < 0 {
		<-f.s.done
		return f.State()
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-f.s.done:
	case <-t.C:
	}
	return f.State()
}

// Get blocks until the future is terminal or ctx is done.
func (f *Future[T]) Get(ctx context.Context) (T, error) {
	select {
	case <-f.s.done:
		return f.Result()
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Value waits up to timeout and returns the value. It fails with
// ErrTimeout if the future is still running.
func (f *Future[T]) Value(timeout time.Duration) (T, error) {
	if f.Wait(timeout) == Running {
		var zero T
		return zero, ErrTimeout
	}
	return f.Result()
}

// Result returns the value and error without blocking. A running future
// reports ErrTimeout.
func (f *Future[T]) Result() (T, error) {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	if f.s.state == Running {
		var zero T
		return zero, ErrTimeout
	}
	return f.s.val, f.s.err
}

// Err returns the error of a terminal future, nil otherwise.
func (f *Future[T]) Err() error {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	return f.s.err
}

// Then registers cb to run once the future is terminal.
func (f *Future[T]) Then(cb func(*Future[T])) {
	f.s.mu.Lock()
	if f.s.state == Running {
		f.s.callbacks = append(f.s.callbacks, cb)
		f.s.mu.Unlock()
		return
	}
	f.s.mu.Unlock()
	f.s.run(cb, f)
}

// Cancel requests cancellation. The producer decides whether to honor it; a
// terminal future is unaffected.
func (f *Future[T]) Cancel() {
	f.s.mu.Lock()
	if f.s.state != Running || f.s.cancelRequested {
		f.s.mu.Unlock()
		return
	}
	f.s.cancelRequested = true
	fn := f.s.onCancel
	f.s.onCancel = nil
	f.s.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// FromValue returns a future already holding v.
func FromValue[T any](v T) *Future[T] {
	p := NewPromise[T]()
	p.SetValue(v)
	return p.Future()
}

// FromError returns a future already failed with err.
func FromError[T any](err error) *Future[T] {
	p := NewPromise[T]()
	p.SetError(err)
	return p.Future()
}

// Map returns a future holding fn applied to f's value. Errors and
// cancellation propagate; canceling the result cancels f.
func Map[T, U any](f *Future[T], fn func(T) (U, error)) *Future[U] {
	p := NewPromise[U]()
	p.OnCancel(f.Cancel)
	f.Then(func(f *Future[T]) {
		v, err := f.Result()
		if err != nil {
			p.Complete(*new(U), err)
			return
		}
		p.Complete(fn(v))
	})
	return p.Future()
}

// AndThen chains an asynchronous step after f.
func AndThen[T, U any](f *Future[T], fn func(T) *Future[U]) *Future[U] {
	p := NewPromise[U]()
	p.OnCancel(f.Cancel)
	f.Then(func(f *Future[T]) {
		v, err := f.Result()
		if err != nil {
			p.Complete(*new(U), err)
			return
		}
		next := fn(v)
		p.OnCancel(next.Cancel)
		next.Then(func(n *Future[U]) {
			p.Complete(n.Result())
		})
	})
	return p.Future()
}

// All waits for every future and returns their values in order. It fails
// with the first error observed.
func All[T any](fs ...*Future[T]) *Future[[]T] {
	p := NewPromise[[]T]()
	if len(fs) == 0 {
		p.SetValue(nil)
		return p.Future()
	}
	var (
		mu      sync.Mutex
		pending = len(fs)
		out     = make([]T, len(fs))
	)
	p.OnCancel(func() {
		for _, f := range fs {
			f.Cancel()
		}
	})
	for i, f := range fs {
		f.Then(func(f *Future[T]) {
			v, err := f.Result()
			if err != nil {
				p.Complete(nil, err)
				return
			}
			mu.Lock()
			out[i] = v
			pending--
			last := pending == 0
			mu.Unlock()
			if last {
				p.SetValue(out)
			}
		})
	}
	return p.Future()
}

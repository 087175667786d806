// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package eventloop provides the runtime that executes callbacks: a fixed
// pool of worker goroutines fed by an unbounded FIFO queue, and strands
// that serialize tasks on top of it.
//
// Network I/O never runs here. Calls decoded by a socket reader are handed
// to an object, which schedules its handler on a loop or strand so handler
// code cannot stall the connection.
package eventloop

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/luxfi/qimessaging/future"
)

// ErrStopped is returned when the loop no longer accepts tasks.
var ErrStopped = errors.New("event loop stopped")

var log = logrus.WithField("category", "qimessaging.eventloop")

// EventLoop is a pool of workers draining a shared task queue.
type EventLoop struct {
	name string
	size int

	cond    *sync.Cond
	queue   []func()
	stopped bool
	wg      sync.WaitGroup
}

// New starts a loop with size workers. A size of zero or less uses one
// worker per logical CPU.
func New(name string, size int) *EventLoop {
	if size <= 0 {
		size = runtime.NumCPU()
	}
	l := &EventLoop{
		name: name,
		size: size,
		cond: sync.NewCond(&sync.Mutex{}),
	}
	l.wg.Add(size)
	for i := 0; i < size; i++ {
		go l.worker()
	}
	log.WithFields(logrus.Fields{"loop": name, "workers": size}).Debug("event loop started")
	return l
}

// Name returns the loop name.
func (l *EventLoop) Name() string { return l.name }

// Size returns the number of workers.
func (l *EventLoop) Size() int { return l.size }

type loopKey struct{}

// Post queues fn. It never blocks. A task posted after Stop runs on its own
// goroutine, so completion callbacks are never lost; use TryPost to refuse
// new work instead.
func (l *EventLoop) Post(fn func()) {
	if err := l.TryPost(fn); err != nil {
		log.WithField("loop", l.name).Debug("loop stopped, running task on its own goroutine")
		go l.run(fn)
	}
}

// TryPost queues fn, or returns ErrStopped once Stop was called.
func (l *EventLoop) TryPost(fn func()) error {
	l.cond.L.Lock()
	if l.stopped {
		l.cond.L.Unlock()
		return fmt.Errorf("%w: %s", ErrStopped, l.name)
	}
	l.queue = append(l.queue, fn)
	l.cond.L.Unlock()
	l.cond.Signal()
	return nil
}

// Stopped reports whether Stop was called.
func (l *EventLoop) Stopped() bool {
	l.cond.L.Lock()
	defer l.cond.L.Unlock()
	return l.stopped
}

// WithLoop marks ctx as belonging to a task running on l.
func WithLoop(ctx context.Context, l *EventLoop) context.Context {
	return context.WithValue(ctx, loopKey{}, l)
}

// OnLoop reports whether ctx was handed out by a task running on l, either
// directly or through one of its strands.
func OnLoop(ctx context.Context, l *EventLoop) bool {
	if ctx == nil {
		return false
	}
	if cur, _ := ctx.Value(loopKey{}).(*EventLoop); cur == l {
		return true
	}
	s, _ := ctx.Value(strandKey{}).(*Strand)
	return s != nil && s.loop == l
}

// PostDelayed queues fn after d elapses. The returned function cancels the
// task if it has not been queued yet.
func (l *EventLoop) PostDelayed(d time.Duration, fn func()) (cancel func() bool) {
	t := time.AfterFunc(d, func() { l.Post(fn) })
	return t.Stop
}

// Pending returns the number of queued tasks.
func (l *EventLoop) Pending() int {
	l.cond.L.Lock()
	defer l.cond.L.Unlock()
	return len(l.queue)
}

func (l *EventLoop) worker() {
	defer l.wg.Done()
	for {
		l.cond.L.Lock()
		for len(l.queue) == 0 && !l.stopped {
			l.cond.Wait()
		}
		if len(l.queue) == 0 {
			l.cond.L.Unlock()
			return
		}
		fn := l.queue[0]
		l.queue[0] = nil
		l.queue = l.queue[1:]
		l.cond.L.Unlock()

		l.run(fn)
	}
}

func (l *EventLoop) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.WithFields(logrus.Fields{"loop": l.name, "panic": r}).Error("task panicked")
		}
	}()
	fn()
}

// Stop refuses new tasks, lets workers drain the queue and waits for them.
func (l *EventLoop) Stop() {
	l.cond.L.Lock()
	if l.stopped {
		l.cond.L.Unlock()
		l.wg.Wait()
		return
	}
	l.stopped = true
	l.cond.L.Unlock()
	l.cond.Broadcast()
	l.wg.Wait()
	log.WithField("loop", l.name).Debug("event loop stopped")
}

// Async runs fn on l and returns its result as a future.
func Async[T any](l *EventLoop, fn func() (T, error)) *future.Future[T] {
	p := future.NewPromise[T]()
	err := l.TryPost(func() {
		defer func() {
			if r := recover(); r != nil {
				p.SetError(fmt.Errorf("task panicked: %v", r))
			}
		}()
		p.Complete(fn())
	})
	if err != nil {
		p.SetError(err)
	}
	return p.Future()
}

// AsyncContext is like Async but skips fn when ctx is already done by the
// time the task runs, and cancels the task's context when the future is
// canceled.
func AsyncContext[T any](ctx context.Context, l *EventLoop, fn func(context.Context) (T, error)) *future.Future[T] {
	ctx, cancel := context.WithCancel(ctx)
	p := future.NewPromise[T]()
	p.OnCancel(cancel)
	err := l.TryPost(func() {
		defer cancel()
		ctx := WithLoop(ctx, l)
		if err := ctx.Err(); err != nil {
			if errors.Is(err, context.Canceled) {
				p.SetCanceled()
			} else {
				p.SetError(err)
			}
			return
		}
		v, err := fn(ctx)
		if errors.Is(err, context.Canceled) {
			p.SetCanceled()
			return
		}
		p.Complete(v, err)
	})
	if err != nil {
		cancel()
		p.SetError(err)
	}
	return p.Future()
}

var (
	defaultOnce sync.Once
	defaultLoop *EventLoop
)

// Default returns a process-wide loop for callers that do not build their
// own. Sessions do not use it; each builds its own loop unless given one
// with session.WithEventLoop.
func Default() *EventLoop {
	defaultOnce.Do(func() {
		defaultLoop = New("default", 0)
	})
	return defaultLoop
}

// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package eventloop

import (
	"context"
	"sync"
)

type strandKey struct{}

// Strand runs tasks one at a time, in submission order, on its loop's
// workers. Two tasks of one strand never overlap even though they may run
// on different workers.
type Strand struct {
	loop *EventLoop

	mu      sync.Mutex
	queue   []func(context.Context)
	running bool
}

// NewStrand returns a strand scheduling on l.
func NewStrand(l *EventLoop) *Strand {
	return &Strand{loop: l}
}

// Post queues fn. It implements future.Executor.
func (s *Strand) Post(fn func()) {
	s.PostContext(func(context.Context) { fn() })
}

// PostContext queues fn. The context passed to fn is marked as running in
// the strand, see InStrand.
func (s *Strand) PostContext(fn func(ctx context.Context)) {
	s.mu.Lock()
	s.queue = append(s.queue, fn)
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()
	s.loop.Post(s.drain)
}

// Dispatch runs fn inline when ctx already belongs to a task of s, and
// queues it otherwise.
func (s *Strand) Dispatch(ctx context.Context, fn func(ctx context.Context)) {
	if InStrand(ctx, s) {
		fn(ctx)
		return
	}
	s.PostContext(fn)
}

// drain executes a single task then reschedules itself so a busy strand
// does not monopolize a worker.
func (s *Strand) drain() {
	s.mu.Lock()
	if len(s.queue) == 0 {
		s.running = false
		s.mu.Unlock()
		return
	}
	fn := s.queue[0]
	s.queue[0] = nil
	s.queue = s.queue[1:]
	s.mu.Unlock()

	ctx := context.WithValue(context.Background(), strandKey{}, s)
	s.loop.run(func() { fn(ctx) })

	s.mu.Lock()
	if len(s.queue) == 0 {
		s.running = false
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.loop.Post(s.drain)
}

// InStrand reports whether ctx was handed out by a task running on s.
func InStrand(ctx context.Context, s *Strand) bool {
	if ctx == nil {
		return false
	}
	cur, _ := ctx.Value(strandKey{}).(*Strand)
	return cur == s
}

// WithStrand marks ctx as running in s. Handlers that derive their context
// from a strand task keep the marking.
func WithStrand(ctx context.Context, s *Strand) context.Context {
	return context.WithValue(ctx, strandKey{}, s)
}

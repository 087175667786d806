// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package eventloop

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAsyncReturnsResult(t *testing.T) {
	l := New("test", 2)
	defer l.Stop()

	f := Async(l, func() (int, error) { return 7, nil })
	v, err := f.Value(time.Second)
	require.NoError(t, err)
	assert.Equal(t, 7, v)

	boom := errors.New("boom")
	g := Async(l, func() (int, error) { return 0, boom })
	_, err = g.Value(time.Second)
	assert.ErrorIs(t, err, boom)
}

func TestPanicFailsFuture(t *testing.T) {
	l := New("test", 1)
	defer l.Stop()

	f := Async(l, func() (int, error) { panic("oops") })
	_, err := f.Value(time.Second)
	require.Error(t, err)

	// The worker survives.
	v, err := Async(l, func() (int, error) { return 1, nil }).Value(time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, v)
}

func TestStopDrainsQueue(t *testing.T) {
	l := New("test", 1)
	var n atomic.Int32
	for i := 0; i < 100; i++ {
		l.Post(func() { n.Add(1) })
	}
	l.Stop()
	assert.EqualValues(t, 100, n.Load())

	_, err := Async(l, func() (int, error) { return 0, nil }).Value(time.Second)
	assert.ErrorIs(t, err, ErrStopped)
}

func TestStoppedLoopFailsNewWork(t *testing.T) {
	l := New("test", 1)
	l.Stop()
	assert.True(t, l.Stopped())

	assert.ErrorIs(t, l.TryPost(func() {}), ErrStopped)

	f := AsyncContext(context.Background(), l, func(context.Context) (int, error) { return 1, nil })
	_, err := f.Value(time.Second)
	assert.ErrorIs(t, err, ErrStopped)

	// Plain posts still run so completions are not lost.
	done := make(chan struct{})
	l.Post(func() { close(done) })
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("task posted after Stop never ran")
	}

	ran := make(chan struct{})
	NewStrand(l).Post(func() { close(ran) })
	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("strand task posted after Stop never ran")
	}
}

func TestOnLoop(t *testing.T) {
	l := New("test", 1)
	defer l.Stop()
	other := New("other", 1)
	defer other.Stop()

	assert.False(t, OnLoop(context.Background(), l))

	f := AsyncContext(context.Background(), l, func(ctx context.Context) (bool, error) {
		return OnLoop(ctx, l) && !OnLoop(ctx, other), nil
	})
	ok, err := f.Value(time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	s := NewStrand(l)
	got := make(chan bool, 1)
	s.PostContext(func(ctx context.Context) { got <- OnLoop(ctx, l) })
	assert.True(t, <-got)
}

func TestStrandIsFIFOAndExclusive(t *testing.T) {
	l := New("test", 8)
	defer l.Stop()
	s := NewStrand(l)

	var (
		mu      sync.Mutex
		order   []int
		active  atomic.Int32
		overlap atomic.Bool
		wg      sync.WaitGroup
	)
	const n = 200
	wg.Add(n)
	for i := 0; i < n; i++ {
		s.Post(func() {
			defer wg.Done()
			if active.Add(1) > 1 {
				overlap.Store(true)
			}
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			active.Add(-1)
		})
	}
	wg.Wait()

	assert.False(t, overlap.Load())
	require.Len(t, order, n)
	for i, v := range order {
		assert.Equal(t, i, v)
	}
}

func TestStrandDispatchInline(t *testing.T) {
	l := New("test", 2)
	defer l.Stop()
	s := NewStrand(l)

	done := make(chan bool, 1)
	s.PostContext(func(ctx context.Context) {
		assert.True(t, InStrand(ctx, s))
		inline := false
		s.Dispatch(ctx, func(context.Context) { inline = true })
		done <- inline
	})
	select {
	case inline := <-done:
		assert.True(t, inline)
	case <-time.After(time.Second):
		t.Fatal("strand task did not run")
	}
	assert.False(t, InStrand(context.Background(), s))
}

func TestAsyncContextCancel(t *testing.T) {
	l := New("test", 1)
	defer l.Stop()

	block := make(chan struct{})
	l.Post(func() { <-block })

	f := AsyncContext(context.Background(), l, func(ctx context.Context) (int, error) {
		return 1, nil
	})
	f.Cancel()
	close(block)
	_, err := f.Value(time.Second)
	assert.Error(t, err)
	assert.True(t, f.IsCanceled())
}

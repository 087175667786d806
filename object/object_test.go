// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package object

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/qimessaging/eventloop"
	"github.com/luxfi/qimessaging/value"
)

func newEcho(t *testing.T, loop *eventloop.EventLoop) (*GenericObject, *Builder) {
	t.Helper()
	b := NewBuilder()
	id, err := b.AdvertiseFunc("reply", func(s string) string { return s })
	require.NoError(t, err)
	assert.Equal(t, FirstMemberID, id)

	_, err = b.AdvertiseFunc("add", func(a, b int32) int32 { return a + b })
	require.NoError(t, err)
	_, err = b.AdvertiseFunc("add", func(a, b string) string { return a + b })
	require.NoError(t, err)
	_, err = b.AdvertiseFunc("fail", func() error { return errors.New("nope") })
	require.NoError(t, err)
	_, err = b.AdvertiseFunc("join", func(sep string, parts ...string) string { return strings.Join(parts, sep) })
	require.NoError(t, err)
	_, err = b.AdvertiseSignal("tick", "(i)")
	require.NoError(t, err)
	_, err = b.AdvertiseSignal("internal", "()", Private())
	require.NoError(t, err)
	_, err = b.AdvertiseProperty("volume", "i", int32(10))
	require.NoError(t, err)

	obj, err := b.Object(loop)
	require.NoError(t, err)
	return obj, b
}

func TestMetaObjectIDsAndSignatures(t *testing.T) {
	loop := eventloop.New("test", 2)
	defer loop.Stop()
	obj, _ := newEcho(t, loop)
	mo := obj.MetaObject()

	m, err := mo.FindMethod("reply", []value.Type{value.StringType})
	require.NoError(t, err)
	assert.Equal(t, "reply::(s)", m.Signature())
	assert.Equal(t, "s", m.ReturnSignature)

	_, ok := mo.SignalID("tick")
	assert.True(t, ok)
	pid, ok := mo.PropertyID("volume")
	require.True(t, ok)
	sid, ok := mo.SignalID("volume")
	require.True(t, ok)
	assert.Equal(t, pid, sid)

	pub := mo.Public()
	_, ok = pub.SignalID("internal")
	assert.False(t, ok)
	_, ok = mo.SignalID("internal")
	assert.True(t, ok)

	for id := range mo.Methods {
		assert.GreaterOrEqual(t, id, FirstMemberID)
	}
}

func TestDuplicateMember(t *testing.T) {
	b := NewBuilder()
	_, err := b.AdvertiseSignal("s", "(i)")
	require.NoError(t, err)
	_, err = b.AdvertiseSignal("s", "(s)")
	assert.ErrorIs(t, err, ErrDuplicateMember)
	_, err = b.AdvertiseProperty("s", "i", nil)
	assert.ErrorIs(t, err, ErrDuplicateMember)
}

func TestMetaObjectValueRoundTrip(t *testing.T) {
	_, b := newEcho(t, eventloop.Default())
	mo := b.MetaObject().Public()
	v := mo.ToValue()
	assert.Same(t, MetaObjectType, v.Type())

	back, err := MetaObjectFromValue(v)
	require.NoError(t, err)
	assert.Equal(t, mo.Methods, back.Methods)
	assert.Equal(t, mo.Signals, back.Signals)
	assert.Equal(t, mo.Properties, back.Properties)
}

func TestCallByName(t *testing.T) {
	loop := eventloop.New("test", 2)
	defer loop.Stop()
	obj, _ := newEcho(t, loop)
	ao := AnyObject{Object: obj}
	ctx := context.Background()

	got, err := CallAs[string](ctx, ao, "reply", "ping")
	require.NoError(t, err)
	assert.Equal(t, "ping", got)

	sum, err := CallAs[int32](ctx, ao, "add", int32(2), int32(3))
	require.NoError(t, err)
	assert.EqualValues(t, 5, sum)

	cat, err := CallAs[string](ctx, ao, "add", "a", "b")
	require.NoError(t, err)
	assert.Equal(t, "ab", cat)

	joined, err := CallAs[string](ctx, ao, "join", "-", "x", "y", "z")
	require.NoError(t, err)
	assert.Equal(t, "x-y-z", joined)

	_, err = ao.Call(ctx, "fail").Get(ctx)
	assert.EqualError(t, err, "nope")

	_, err = ao.Call(ctx, "missing").Get(ctx)
	assert.ErrorIs(t, err, ErrMethodNotFound)

	_, err = obj.CallID(ctx, 9999, nil).Get(ctx)
	assert.ErrorIs(t, err, ErrMethodNotFound)

	_, err = ao.Call(ctx, "reply::(s)", []int{1}).Get(ctx)
	assert.ErrorIs(t, err, ErrArgumentConversion)
}

func TestSignalDelivery(t *testing.T) {
	obj, _ := newEcho(t, eventloop.Default())
	ao := AnyObject{Object: obj}
	ctx := context.Background()

	var got []int32
	link, err := ao.Connect(ctx, "tick", func(args []value.Value) {
		v, err := value.As[int32](args[0])
		require.NoError(t, err)
		got = append(got, v)
	}, nil).Get(ctx)
	require.NoError(t, err)

	require.NoError(t, obj.Emit(ctx, "tick", 42))
	assert.Equal(t, []int32{42}, got)

	_, err = ao.Disconnect(ctx, link).Get(ctx)
	require.NoError(t, err)
	require.NoError(t, obj.Emit(ctx, "tick", 43))
	assert.Equal(t, []int32{42}, got)

	assert.Error(t, obj.Emit(ctx, "tick", "not a number"))
}

func TestPropertySetEmits(t *testing.T) {
	obj, _ := newEcho(t, eventloop.Default())
	ao := AnyObject{Object: obj}
	ctx := context.Background()

	v, err := ao.Property(ctx, "volume").Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, "10", v.String())

	var changes atomic.Int32
	_, err = ao.Connect(ctx, "volume", func([]value.Value) { changes.Add(1) }, nil).Get(ctx)
	require.NoError(t, err)

	_, err = ao.SetProperty(ctx, "volume", 11).Get(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, changes.Load())

	v, err = ao.Property(ctx, "volume").Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, "11", v.String())

	_, err = ao.SetProperty(ctx, "volume", "loud").Get(ctx)
	assert.ErrorIs(t, err, ErrArgumentConversion)
}

func TestSingleThreadSerializesHandlers(t *testing.T) {
	loop := eventloop.New("test", 8)
	defer loop.Stop()

	var (
		active  atomic.Int32
		overlap atomic.Bool
	)
	b := NewBuilder()
	_, err := b.AdvertiseFunc("work", func() {
		if active.Add(1) > 1 {
			overlap.Store(true)
		}
		time.Sleep(time.Millisecond)
		active.Add(-1)
	}, WithCallType(CallQueued))
	require.NoError(t, err)
	obj, err := b.Object(loop)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := AnyObject{Object: obj}.Call(context.Background(), "work").Value(5 * time.Second)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.False(t, overlap.Load())
}

func TestReentrantCallRunsInline(t *testing.T) {
	loop := eventloop.New("test", 1)
	defer loop.Stop()

	b := NewBuilder()
	var self *GenericObject
	_, err := b.AdvertiseFunc("inner", func() int32 { return 1 })
	require.NoError(t, err)
	_, err = b.AdvertiseFunc("outer", func(ctx context.Context) (int32, error) {
		// Waiting on a queued call from inside the strand would deadlock.
		return CallAs[int32](ctx, AnyObject{Object: self}, "inner")
	})
	require.NoError(t, err)
	self, err = b.Object(loop)
	require.NoError(t, err)

	v, err := CallAs[int32](context.Background(), AnyObject{Object: self}, "outer")
	require.NoError(t, err)
	assert.EqualValues(t, 1, v)
}

func TestAutoCallFromOutsideLoopIsQueued(t *testing.T) {
	loop := eventloop.New("test", 2)
	defer loop.Stop()

	release := make(chan struct{})
	b := NewBuilder()
	_, err := b.AdvertiseFunc("wait", func() int32 {
		<-release
		return 3
	})
	require.NoError(t, err)
	b.SetThreadingModel(MultiThread)
	obj, err := b.Object(loop)
	require.NoError(t, err)

	// Would block here if the handler ran on this goroutine.
	f := AnyObject{Object: obj}.Call(context.Background(), "wait")
	assert.True(t, f.IsRunning())
	close(release)
	v, err := f.Value(time.Second)
	require.NoError(t, err)
	i, _ := v.ToInt()
	assert.EqualValues(t, 3, i)
}

func TestReentrantMultiThreadCallRunsInline(t *testing.T) {
	loop := eventloop.New("test", 1)
	defer loop.Stop()

	b := NewBuilder()
	var self *GenericObject
	_, err := b.AdvertiseFunc("inner", func() int32 { return 1 })
	require.NoError(t, err)
	_, err = b.AdvertiseFunc("outer", func(ctx context.Context) (int32, error) {
		// The only worker is busy here, so a queued inner call would never run.
		return CallAs[int32](ctx, AnyObject{Object: self}, "inner")
	})
	require.NoError(t, err)
	b.SetThreadingModel(MultiThread)
	self, err = b.Object(loop)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	v, err := CallAs[int32](ctx, AnyObject{Object: self}, "outer")
	require.NoError(t, err)
	assert.EqualValues(t, 1, v)
}

func TestCallOnStoppedLoopFails(t *testing.T) {
	for _, model := range []ThreadingModel{SingleThread, MultiThread} {
		loop := eventloop.New("test", 1)
		b := NewBuilder()
		_, err := b.AdvertiseFunc("reply", func(s string) string { return s })
		require.NoError(t, err)
		b.SetThreadingModel(model)
		obj, err := b.Object(loop)
		require.NoError(t, err)
		loop.Stop()

		_, err = AnyObject{Object: obj}.Call(context.Background(), "reply", "x").Value(time.Second)
		assert.ErrorIs(t, err, eventloop.ErrStopped)
	}
}

func TestCancelCall(t *testing.T) {
	b := NewBuilder()
	started := make(chan struct{})
	_, err := b.AdvertiseFunc("block", func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}, WithCallType(CallQueued))
	require.NoError(t, err)
	b.SetThreadingModel(MultiThread)
	obj, err := b.Object(eventloop.Default())
	require.NoError(t, err)

	f := AnyObject{Object: obj}.Call(context.Background(), "block")
	<-started
	f.Cancel()
	f.Wait(time.Second)
	assert.True(t, f.IsCanceled())
}

func TestUnwrap(t *testing.T) {
	obj, _ := newEcho(t, eventloop.Default())
	v := value.From(AnyObject{Object: obj})
	assert.Equal(t, value.KindObject, v.Kind())
	got, err := Unwrap(v)
	require.NoError(t, err)
	assert.Same(t, obj, got)

	_, err = Unwrap(value.From("x"))
	assert.Error(t, err)
}

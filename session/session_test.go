// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/qimessaging/eventloop"
	"github.com/luxfi/qimessaging/future"
	"github.com/luxfi/qimessaging/object"
	"github.com/luxfi/qimessaging/transport"
	"github.com/luxfi/qimessaging/value"
)

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func newSession(t *testing.T, name string) *Session {
	t.Helper()
	loop := eventloop.New(name, 4)
	s := New(WithEventLoop(loop))
	t.Cleanup(func() {
		_ = s.Close()
		loop.Stop()
	})
	return s
}

func newMaster(t *testing.T) (*Session, string) {
	t.Helper()
	m := newSession(t, "master")
	u, err := m.ListenStandalone("tcp://127.0.0.1:0")
	require.NoError(t, err)
	return m, u.String()
}

type echoService struct {
	obj     *object.GenericObject
	started chan struct{}
}

func newEchoObject(t *testing.T, loop *eventloop.EventLoop) *echoService {
	t.Helper()
	e := &echoService{started: make(chan struct{}, 8)}
	b := object.NewBuilder()
	_, err := b.AdvertiseFunc("reply", func(s string) string { return s })
	require.NoError(t, err)
	_, err = b.AdvertiseSignal("tick", "(i)")
	require.NoError(t, err)
	_, err = b.AdvertiseFunc("block", func(ctx context.Context) error {
		e.started <- struct{}{}
		<-ctx.Done()
		return ctx.Err()
	})
	require.NoError(t, err)
	_, err = b.AdvertiseFunc("child", func() (object.Object, error) {
		cb := object.NewBuilder()
		if _, err := cb.AdvertiseFunc("reply", func(s string) string { return "child:" + s }); err != nil {
			return nil, err
		}
		return cb.Object(loop)
	})
	require.NoError(t, err)
	_, err = b.AdvertiseFunc("callback", func(ctx context.Context, o object.Object) (string, error) {
		return object.CallAs[string](ctx, object.AnyObject{Object: o}, "reply", "from-server")
	})
	require.NoError(t, err)
	_, err = b.AdvertiseProperty("volume", "i", int32(10))
	require.NoError(t, err)
	b.SetThreadingModel(object.MultiThread)

	e.obj, err = b.Object(loop)
	require.NoError(t, err)
	return e
}

func newEchoServer(t *testing.T, master string) (*Session, *echoService) {
	t.Helper()
	ctx := testContext(t)
	s := newSession(t, "server")
	require.NoError(t, s.Connect(ctx, master))
	_, err := s.Listen("tcp://127.0.0.1:0")
	require.NoError(t, err)
	e := newEchoObject(t, s.EventLoop())
	id, err := s.RegisterService(ctx, "echo", e.obj)
	require.NoError(t, err)
	assert.Greater(t, id, uint32(1))
	return s, e
}

func newClient(t *testing.T, master string) *Session {
	t.Helper()
	c := newSession(t, "client")
	require.NoError(t, c.Connect(testContext(t), master))
	return c
}

func TestCallThroughDirectory(t *testing.T) {
	_, master := newMaster(t)
	newEchoServer(t, master)
	client := newClient(t, master)
	ctx := testContext(t)

	echo, err := client.Service(ctx, "echo")
	require.NoError(t, err)
	_, remote := echo.Object.(*RemoteObject)
	assert.True(t, remote)

	got, err := object.CallAs[string](ctx, echo, "reply", "ping")
	require.NoError(t, err)
	assert.Equal(t, "ping", got)

	again, err := client.Service(ctx, "echo")
	require.NoError(t, err)
	assert.Same(t, echo.Object, again.Object)

	services, err := client.Services(ctx)
	require.NoError(t, err)
	var names []string
	for _, s := range services {
		names = append(names, s.Name)
	}
	assert.ElementsMatch(t, []string{"ServiceDirectory", "echo"}, names)
}

func TestUnknownService(t *testing.T) {
	_, master := newMaster(t)
	client := newClient(t, master)
	ctx := testContext(t)

	_, err := client.Service(ctx, "nope")
	assert.ErrorIs(t, err, ErrServiceNotFound)

	idle := New()
	defer idle.Close()
	_, err = idle.Service(ctx, "echo")
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestRegisterRequiresEndpoint(t *testing.T) {
	_, master := newMaster(t)
	s := newClient(t, master)
	e := newEchoObject(t, s.EventLoop())
	_, err := s.RegisterService(testContext(t), "echo", e.obj)
	assert.ErrorIs(t, err, ErrNotListening)
}

func TestSignalSubscription(t *testing.T) {
	_, master := newMaster(t)
	_, e := newEchoServer(t, master)
	client := newClient(t, master)
	ctx := testContext(t)

	echo, err := client.Service(ctx, "echo")
	require.NoError(t, err)
	ticks := make(chan int64, 8)
	link, err := echo.Connect(ctx, "tick", func(args []value.Value) {
		i, _ := args[0].ToInt()
		ticks <- i
	}, nil).Get(ctx)
	require.NoError(t, err)

	require.NoError(t, e.obj.Emit(ctx, "tick", int32(42)))
	select {
	case got := <-ticks:
		assert.Equal(t, int64(42), got)
	case <-ctx.Done():
		t.Fatal("tick not delivered")
	}

	_, err = echo.Disconnect(ctx, link).Get(ctx)
	require.NoError(t, err)
	require.NoError(t, e.obj.Emit(ctx, "tick", int32(43)))
	select {
	case got := <-ticks:
		t.Fatalf("tick %d delivered after disconnect", got)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestEventOrdering(t *testing.T) {
	_, master := newMaster(t)
	_, e := newEchoServer(t, master)
	client := newClient(t, master)
	ctx := testContext(t)

	echo, err := client.Service(ctx, "echo")
	require.NoError(t, err)
	const n = 100
	ticks := make(chan int64, n)
	_, err = echo.Connect(ctx, "tick", func(args []value.Value) {
		i, _ := args[0].ToInt()
		ticks <- i
	}, nil).Get(ctx)
	require.NoError(t, err)

	for i := 0; i < n; i++ {
		require.NoError(t, e.obj.Emit(ctx, "tick", int32(i)))
	}
	for i := 0; i < n; i++ {
		select {
		case got := <-ticks:
			require.Equal(t, int64(i), got)
		case <-ctx.Done():
			t.Fatalf("only %d ticks delivered", i)
		}
	}
}

func TestServerLossFailsPendingCalls(t *testing.T) {
	_, master := newMaster(t)
	server, e := newEchoServer(t, master)
	client := newClient(t, master)
	ctx := testContext(t)

	echo, err := client.Service(ctx, "echo")
	require.NoError(t, err)
	calls := make([]*future.Future[value.Value], 3)
	for i := range calls {
		calls[i] = echo.Call(ctx, "block")
	}
	<-e.started
	require.NoError(t, server.Close())

	for _, f := range calls {
		_, err := f.Get(ctx)
		assert.ErrorIs(t, err, transport.ErrConnectionLost)
	}

	assert.Eventually(t, func() bool {
		_, err := client.Service(ctx, "echo")
		return err != nil
	}, 5*time.Second, 20*time.Millisecond)
}

func TestCancelCall(t *testing.T) {
	_, master := newMaster(t)
	_, e := newEchoServer(t, master)
	client := newClient(t, master)
	ctx := testContext(t)

	echo, err := client.Service(ctx, "echo")
	require.NoError(t, err)
	callCtx, cancel := context.WithCancel(ctx)
	f := echo.Call(callCtx, "block")
	<-e.started
	cancel()

	_, err = f.Get(ctx)
	assert.ErrorIs(t, err, future.ErrCanceled)
	assert.True(t, f.IsCanceled())
}

func TestObjectsTravelBothWays(t *testing.T) {
	_, master := newMaster(t)
	newEchoServer(t, master)
	client := newClient(t, master)
	ctx := testContext(t)

	echo, err := client.Service(ctx, "echo")
	require.NoError(t, err)

	child, err := object.CallAs[object.AnyObject](ctx, echo, "child")
	require.NoError(t, err)
	got, err := object.CallAs[string](ctx, child, "reply", "x")
	require.NoError(t, err)
	assert.Equal(t, "child:x", got)
	ro, ok := child.Object.(*RemoteObject)
	require.True(t, ok)
	assert.Greater(t, ro.ObjectID(), uint32(1))
	require.NoError(t, ro.Close(ctx))
	_, err = object.CallAs[string](ctx, child, "reply", "y")
	assert.ErrorIs(t, err, ErrObjectNotFound)
}

func TestHandlerCallsBackOverSameSocket(t *testing.T) {
	_, master := newMaster(t)
	newEchoServer(t, master)
	client := newClient(t, master)
	ctx := testContext(t)

	echo, err := client.Service(ctx, "echo")
	require.NoError(t, err)

	// The server handler waits on a call to an object hosted by the client,
	// whose reply arrives on the socket that delivered the outer call.
	local := newEchoObject(t, client.EventLoop())
	for i := 0; i < 3; i++ {
		got, err := object.CallAs[string](ctx, echo, "callback", local.obj)
		require.NoError(t, err)
		assert.Equal(t, "from-server", got)
	}
}

func TestRemoteProperties(t *testing.T) {
	_, master := newMaster(t)
	newEchoServer(t, master)
	client := newClient(t, master)
	ctx := testContext(t)

	echo, err := client.Service(ctx, "echo")
	require.NoError(t, err)
	v, err := echo.Property(ctx, "volume").Get(ctx)
	require.NoError(t, err)
	i, err := v.ToInt()
	require.NoError(t, err)
	assert.Equal(t, int64(10), i)

	changes := make(chan int64, 1)
	_, err = echo.Connect(ctx, "volume", func(args []value.Value) {
		i, _ := args[0].ToInt()
		changes <- i
	}, nil).Get(ctx)
	require.NoError(t, err)

	_, err = echo.SetProperty(ctx, "volume", int32(11)).Get(ctx)
	require.NoError(t, err)
	select {
	case got := <-changes:
		assert.Equal(t, int64(11), got)
	case <-ctx.Done():
		t.Fatal("property change not delivered")
	}
	v, err = echo.Property(ctx, "volume").Get(ctx)
	require.NoError(t, err)
	i, _ = v.ToInt()
	assert.Equal(t, int64(11), i)
}

func TestLocalServiceResolvesDirectly(t *testing.T) {
	_, master := newMaster(t)
	server, e := newEchoServer(t, master)
	echo, err := server.Service(testContext(t), "echo")
	require.NoError(t, err)
	assert.Same(t, object.Object(e.obj), echo.Object)
}

func TestUnregisterForgetsService(t *testing.T) {
	_, master := newMaster(t)
	server := newSession(t, "server")
	ctx := testContext(t)
	require.NoError(t, server.Connect(ctx, master))
	_, err := server.Listen("tcp://127.0.0.1:0")
	require.NoError(t, err)
	e := newEchoObject(t, server.EventLoop())
	id, err := server.RegisterService(ctx, "echo", e.obj)
	require.NoError(t, err)

	client := newClient(t, master)
	_, err = client.Service(ctx, "echo")
	require.NoError(t, err)

	require.NoError(t, server.UnregisterService(ctx, id))
	assert.Eventually(t, func() bool {
		_, err := client.Service(ctx, "echo")
		return err != nil
	}, 5*time.Second, 20*time.Millisecond)
}

func TestStandaloneDirectoryIsLocal(t *testing.T) {
	m, _ := newMaster(t)
	require.NotNil(t, m.Directory())
	dir, err := m.DirectoryObject()
	require.NoError(t, err)
	assert.Same(t, object.Object(m.Directory().Object()), dir.Object)
	assert.NotEmpty(t, m.Endpoints())

	_, err = m.ListenStandalone("tcp://127.0.0.1:0")
	assert.ErrorIs(t, err, ErrAlreadyAttached)
}

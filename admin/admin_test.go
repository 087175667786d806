// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/qimessaging/eventloop"
	"github.com/luxfi/qimessaging/object"
	"github.com/luxfi/qimessaging/session"
)

func newAdmin(t *testing.T) (*session.Session, string) {
	t.Helper()
	loop := eventloop.New("admin-test", 4)
	sess := session.New(session.WithEventLoop(loop))
	t.Cleanup(func() {
		_ = sess.Close()
		loop.Stop()
	})
	_, err := sess.ListenStandalone("tcp://127.0.0.1:0")
	require.NoError(t, err)

	b := object.NewBuilder()
	_, err = b.AdvertiseFunc("reply", func(s string) string { return s })
	require.NoError(t, err)
	obj, err := b.Object(loop)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = sess.RegisterService(ctx, "echo", obj)
	require.NoError(t, err)

	srv, err := NewServer(sess)
	require.NoError(t, err)
	addr, err := srv.ListenAndServe("127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })
	return sess, addr.String()
}

func TestClientDirectory(t *testing.T) {
	sess, addr := newAdmin(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := NewClient("http://"+addr, WithHeader("X-Request-Id", "1"))
	require.NoError(t, err)
	assert.Equal(t, "http://"+addr+RPCPath, c.URL())

	services, err := c.Services(ctx)
	require.NoError(t, err)
	var names []string
	for _, s := range services {
		names = append(names, s.Name)
	}
	assert.ElementsMatch(t, []string{"ServiceDirectory", "echo"}, names)

	one, err := c.Service(ctx, "echo")
	require.NoError(t, err)
	assert.Equal(t, "echo", one.Name)
	assert.Equal(t, sess.ID(), one.SessionID)

	_, err = c.Service(ctx, "nope")
	assert.ErrorContains(t, err, "service not found")

	machine, err := c.MachineID(ctx)
	require.NoError(t, err)
	assert.Equal(t, sess.Directory().MachineID(), machine)
}

func TestClientRejectsBadAddress(t *testing.T) {
	_, err := NewClient("tcp://127.0.0.1:9559")
	assert.Error(t, err)
}

func TestClientDoesNotRetryLocalRefusal(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	c, err := NewClient("http://"+addr, WithAttempts(5), WithBackoff(time.Second))
	require.NoError(t, err)
	start := time.Now()
	_, err = c.Services(context.Background())
	assert.ErrorIs(t, err, syscall.ECONNREFUSED)
	assert.Less(t, time.Since(start), time.Second)
}

func TestClientRetriesUnavailable(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"jsonrpc":"2.0","result":{"machineId":"m-1"},"id":1}`)
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL, WithBackoff(10*time.Millisecond))
	require.NoError(t, err)
	id, err := c.MachineID(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "m-1", id)
	assert.EqualValues(t, 3, hits.Load())

	hits.Store(0)
	c, err = NewClient(srv.URL, WithBackoff(10*time.Millisecond), WithAttempts(2))
	require.NoError(t, err)
	_, err = c.MachineID(context.Background())
	assert.ErrorIs(t, err, ErrStatus)
	assert.EqualValues(t, 2, hits.Load())
}

func TestHealthz(t *testing.T) {
	sess, addr := newAdmin(t)
	resp, err := http.Get(fmt.Sprintf("http://%s%s", addr, HealthzPath))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var reply healthzReply
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&reply))
	assert.Equal(t, "ok", reply.Status)
	assert.Equal(t, sess.ID(), reply.Session)
	assert.NotEmpty(t, reply.Endpoints)
}

func TestWebSocketEntryPoint(t *testing.T) {
	_, addr := newAdmin(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	loop := eventloop.New("admin-client", 2)
	defer loop.Stop()
	client := session.New(session.WithEventLoop(loop))
	defer client.Close()
	require.NoError(t, client.Connect(ctx, fmt.Sprintf("ws://%s%s", addr, WSPath)))

	echo, err := client.Service(ctx, "echo")
	require.NoError(t, err)
	got, err := object.CallAs[string](ctx, echo, "reply", "over ws")
	require.NoError(t, err)
	assert.Equal(t, "over ws", got)
}

func TestOptions(t *testing.T) {
	o := NewOptions([]Option{WithHeader("A", "1"), WithQueryParam("q", "x"), WithAttempts(0)})
	assert.Equal(t, "1", o.Headers().Get("A"))
	assert.Equal(t, "q=x", o.QueryParams().Encode())
	assert.Equal(t, 1, o.attempts)

	c, err := NewClient("http://127.0.0.1:1/custom", WithQueryParam("q", "x"))
	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:1/custom?q=x", c.URL())
}

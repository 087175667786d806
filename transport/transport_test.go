// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package transport

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/qimessaging/codec"
	"github.com/luxfi/qimessaging/future"
	"github.com/luxfi/qimessaging/message"
	"github.com/luxfi/qimessaging/value"
)

// echoHandler answers every call with its own payload.
func echoHandler(s *Socket) Handler {
	return HandlerFunc(func(s *Socket, m *message.Message) {
		if m.Type != message.TypeCall {
			return
		}
		r := message.NewReply(m, message.TypeReply)
		r.Payload = m.Payload
		_ = s.Send(r)
	})
}

func stringCall(t *testing.T, action uint32, text string) *message.Message {
	t.Helper()
	m := message.New(message.TypeCall, message.Address{Service: 2, Object: message.ObjectMain, Action: action})
	require.NoError(t, m.SetValue(value.NewString(text), value.StringType, codec.Options{}))
	return m
}

func replyString(t *testing.T, m *message.Message) string {
	t.Helper()
	v, err := m.Value(value.StringType, codec.Options{})
	require.NoError(t, err)
	s, err := v.ToString()
	require.NoError(t, err)
	return s
}

func listen(t *testing.T, h ConnectionHandler, endpoint string, opts ...ServerOption) (*Server, URL) {
	t.Helper()
	srv := NewServer(h, opts...)
	t.Cleanup(func() { _ = srv.Close() })
	u, err := srv.Listen(endpoint)
	require.NoError(t, err)
	return srv, u
}

func TestParseURL(t *testing.T) {
	u, err := ParseURL("127.0.0.1:1234")
	require.NoError(t, err)
	assert.Equal(t, URL{Scheme: SchemeTCP, Host: "127.0.0.1", Port: 1234}, u)

	u, err = ParseURL("tcps://example.com")
	require.NoError(t, err)
	assert.Equal(t, DefaultPort, u.Port)
	assert.Equal(t, "tcps://example.com:9559", u.String())

	u, err = ParseURL("ws://localhost:8080/qi")
	require.NoError(t, err)
	assert.Equal(t, "/qi", u.Path)
	assert.True(t, u.IsLoopback())

	_, err = ParseURL("udp://127.0.0.1:1")
	assert.ErrorIs(t, err, ErrUnsupportedScheme)

	_, err = ParseURL("tcp://127.0.0.1:99999")
	assert.ErrorIs(t, err, ErrInvalidURL)

	assert.True(t, MustParseURL("tcp://0.0.0.0:0").IsAnyAddress())
	assert.Contains(t, AvailableTransports(), SchemeWebSocket)
}

func TestCallReply(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, u := listen(t, echoHandler, "tcp://127.0.0.1:0")
	require.NotZero(t, u.Port)

	s, err := Dial(ctx, u.String())
	require.NoError(t, err)
	defer s.Close()

	assert.True(t, s.IsConnected())
	assert.True(t, s.Stream().SharedCapability(codec.CapMetaObjectCache))

	reply, err := s.Call(ctx, stringCall(t, 100, "ping")).Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, message.TypeReply, reply.Type)
	assert.Equal(t, "ping", replyString(t, reply))
	assert.Zero(t, s.PendingCalls())
}

func TestRemoteError(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, u := listen(t, func(*Socket) Handler {
		return HandlerFunc(func(s *Socket, m *message.Message) {
			r := message.NewReply(m, message.TypeError)
			r.SetError("boom")
			_ = s.Send(r)
		})
	}, "tcp://127.0.0.1:0")

	s, err := Dial(ctx, u.String())
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Call(ctx, stringCall(t, 100, "x")).Get(ctx)
	var remote *message.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "boom", remote.Message)
}

func TestMessageOrdering(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var (
		mu   sync.Mutex
		seen []uint32
	)
	_, u := listen(t, func(*Socket) Handler {
		return HandlerFunc(func(_ *Socket, m *message.Message) {
			mu.Lock()
			seen = append(seen, m.Action)
			mu.Unlock()
		})
	}, "tcp://127.0.0.1:0")

	s, err := Dial(ctx, u.String())
	require.NoError(t, err)
	defer s.Close()

	const n = 200
	for i := 0; i < n; i++ {
		m := message.New(message.TypePost, message.Address{Service: 2, Object: 1, Action: uint32(100 + i)})
		require.NoError(t, s.Send(m))
	}
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == n
	}, 5*time.Second, 10*time.Millisecond)
	for i, a := range seen {
		require.Equal(t, uint32(100+i), a)
	}
}

func TestDisconnectFailsPendingCalls(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	received := make(chan struct{}, 3)
	srv, u := listen(t, func(*Socket) Handler {
		return HandlerFunc(func(*Socket, *message.Message) { received <- struct{}{} })
	}, "tcp://127.0.0.1:0")

	s, err := Dial(ctx, u.String())
	require.NoError(t, err)

	disconnected := make(chan error, 1)
	s.OnDisconnected(func(err error) { disconnected <- err })

	var calls []*future.Future[*message.Message]
	for i := 0; i < 3; i++ {
		calls = append(calls, s.Call(ctx, stringCall(t, 100, "wait")))
	}
	for i := 0; i < 3; i++ {
		<-received
	}
	require.Equal(t, 3, s.PendingCalls())

	require.NoError(t, srv.Close())
	for _, f := range calls {
		_, err := f.Get(ctx)
		assert.ErrorIs(t, err, ErrConnectionLost)
	}
	select {
	case <-disconnected:
	case <-ctx.Done():
		t.Fatal("disconnect callback did not run")
	}
	assert.Equal(t, StateDisconnected, s.State())
	assert.ErrorIs(t, s.Send(message.New(message.TypePost, message.Address{})), ErrClosed)

	late := make(chan struct{})
	s.OnDisconnected(func(error) { close(late) })
	<-late
}

func TestCancelForwardsToPeer(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, u := listen(t, func(*Socket) Handler {
		return HandlerFunc(func(s *Socket, m *message.Message) {
			if m.Type != message.TypeCancel {
				return
			}
			id, err := m.CancelTarget()
			if err != nil {
				return
			}
			r := message.New(message.TypeCanceled, m.Address)
			r.ID = id
			_ = s.Send(r)
		})
	}, "tcp://127.0.0.1:0")

	s, err := Dial(ctx, u.String())
	require.NoError(t, err)
	defer s.Close()

	f := s.Call(ctx, stringCall(t, 100, "slow"))
	f.Cancel()
	_, err = f.Get(ctx)
	assert.ErrorIs(t, err, future.ErrCanceled)
	assert.True(t, f.IsCanceled())
}

func TestConnectionRefused(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	_, err = Dial(context.Background(), "tcp://"+addr, WithConnectTimeout(2*time.Second))
	assert.ErrorIs(t, err, ErrConnectionRefused)
}

func TestAuthentication(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	secret := []byte("s3cret")
	_, u := listen(t, echoHandler, "tcp://127.0.0.1:0", WithAuthVerifier(&JWTVerifier{Secret: secret}))

	_, err := Dial(ctx, u.String())
	assert.ErrorIs(t, err, ErrAuthentication)

	bad, err := NewToken([]byte("other"), "client", time.Minute)
	require.NoError(t, err)
	_, err = Dial(ctx, u.String(), WithAuthToken(bad))
	assert.ErrorIs(t, err, ErrAuthentication)

	good, err := NewToken(secret, "client", time.Minute)
	require.NoError(t, err)
	s, err := Dial(ctx, u.String(), WithAuthToken(good))
	require.NoError(t, err)
	defer s.Close()

	state, ok := s.Stream().RemoteCapability(codec.CapAuthState)
	require.True(t, ok)
	text, err := state.Unwrap().ToString()
	require.NoError(t, err)
	assert.Equal(t, AuthStateDone, text)

	reply, err := s.Call(ctx, stringCall(t, 100, "ok")).Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ok", replyString(t, reply))
}

func selfSigned(t *testing.T) tls.Certificate {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "127.0.0.1"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1")},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}
}

func TestTLS(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cert := selfSigned(t)
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	require.NoError(t, err)
	pool := x509.NewCertPool()
	pool.AddCert(leaf)

	_, u := listen(t, echoHandler, "tcps://127.0.0.1:0",
		WithServerTLSConfig(&tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}))

	_, err = Dial(ctx, u.String())
	assert.ErrorIs(t, err, ErrTLSHandshake)

	s, err := Dial(ctx, u.String(), WithTLSConfig(&tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}))
	require.NoError(t, err)
	defer s.Close()

	reply, err := s.Call(ctx, stringCall(t, 100, "secure")).Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, "secure", replyString(t, reply))
}

func TestWebSocket(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, u := listen(t, echoHandler, "ws://127.0.0.1:0/qi")
	assert.Equal(t, "/qi", u.Path)

	s, err := Dial(ctx, u.String())
	require.NoError(t, err)
	defer s.Close()

	reply, err := s.Call(ctx, stringCall(t, 100, "framed")).Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, "framed", replyString(t, reply))
}

func TestSocketCacheSharesConnect(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	srv, u := listen(t, echoHandler, "tcp://127.0.0.1:0")
	cache := NewSocketCache()
	defer cache.Close()

	var fs []*future.Future[*Socket]
	for i := 0; i < 8; i++ {
		fs = append(fs, cache.Socket(ctx, u.String()))
	}
	first, err := fs[0].Get(ctx)
	require.NoError(t, err)
	for _, f := range fs[1:] {
		s, err := f.Get(ctx)
		require.NoError(t, err)
		assert.Same(t, first, s)
	}
	assert.Equal(t, 1, cache.Len())
	require.Eventually(t, func() bool { return len(srv.Sockets()) == 1 }, time.Second, 10*time.Millisecond)

	again, err := cache.Socket(ctx, u.String()).Get(ctx)
	require.NoError(t, err)
	assert.Same(t, first, again)

	require.NoError(t, first.Close())
	require.Eventually(t, func() bool { return cache.Len() == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestSocketForSkipsDeadEndpoints(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	dead := "tcp://" + l.Addr().String()
	require.NoError(t, l.Close())

	_, u := listen(t, echoHandler, "tcp://127.0.0.1:0")
	cache := NewSocketCache(WithConnectTimeout(time.Second))
	defer cache.Close()

	s, err := cache.SocketFor(ctx, []string{dead, u.String()}).Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, u.Port, s.URL().Port)

	_, err = cache.SocketFor(ctx, []string{dead}).Get(ctx)
	assert.ErrorIs(t, err, ErrNoEndpoint)
	assert.ErrorIs(t, err, ErrConnectionRefused)
}

func TestEndpointsExpandWildcard(t *testing.T) {
	srv, u := listen(t, echoHandler, "tcp://0.0.0.0:0")
	eps := srv.Endpoints()
	require.NotEmpty(t, eps)
	for _, ep := range eps {
		assert.Equal(t, u.Port, ep.Port)
		assert.False(t, ep.IsAnyAddress())
	}
}

func TestSocketContext(t *testing.T) {
	_, ok := SocketFromContext(context.Background())
	assert.False(t, ok)
	s := &Socket{}
	got, ok := SocketFromContext(WithSocket(context.Background(), s))
	require.True(t, ok)
	assert.Same(t, s, got)
}

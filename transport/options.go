// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package transport

import (
	"crypto/tls"
	"time"

	"github.com/luxfi/qimessaging/eventloop"
	"github.com/luxfi/qimessaging/message"
)

// DefaultConnectTimeout bounds a connect when the context has no deadline.
const DefaultConnectTimeout = 10 * time.Second

// DialOption configures outgoing connections.
type DialOption func(*dialOptions)

type dialOptions struct {
	tlsConfig  *tls.Config
	timeout    time.Duration
	authToken  string
	maxPayload int
	loop       *eventloop.EventLoop
	handler    Handler
}

func newDialOptions(opts []DialOption) *dialOptions {
	o := &dialOptions{
		timeout:    DefaultConnectTimeout,
		maxPayload: message.DefaultMaxPayload,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// WithTLSConfig sets the client TLS configuration for tcps and tcpsm
// endpoints.
func WithTLSConfig(c *tls.Config) DialOption {
	return func(o *dialOptions) { o.tlsConfig = c }
}

// WithConnectTimeout bounds the connect and the capability handshake.
func WithConnectTimeout(d time.Duration) DialOption {
	return func(o *dialOptions) { o.timeout = d }
}

// WithAuthToken sends token in the capability handshake.
func WithAuthToken(token string) DialOption {
	return func(o *dialOptions) { o.authToken = token }
}

// WithMaxPayload bounds the payload size accepted from the peer.
func WithMaxPayload(n int) DialOption {
	return func(o *dialOptions) { o.maxPayload = n }
}

// WithEventLoop makes reply continuations run on loop instead of the
// socket's reader goroutine.
func WithEventLoop(l *eventloop.EventLoop) DialOption {
	return func(o *dialOptions) { o.loop = l }
}

// WithHandler installs h on the socket before it starts reading, so calls
// and events from the peer are never dropped.
func WithHandler(h Handler) DialOption {
	return func(o *dialOptions) { o.handler = h }
}

// ServerOption configures a Server.
type ServerOption func(*serverOptions)

type serverOptions struct {
	tlsConfig  *tls.Config
	verifier   AuthVerifier
	maxPayload int
	loop       *eventloop.EventLoop
}

func newServerOptions(opts []ServerOption) *serverOptions {
	o := &serverOptions{maxPayload: message.DefaultMaxPayload}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// WithServerTLSConfig sets the certificate used by tcps and tcpsm
// listeners. tcpsm listeners also require and verify client certificates.
func WithServerTLSConfig(c *tls.Config) ServerOption {
	return func(o *serverOptions) { o.tlsConfig = c }
}

// WithAuthVerifier makes accepted sockets authenticate their peer during the
// capability handshake.
func WithAuthVerifier(v AuthVerifier) ServerOption {
	return func(o *serverOptions) { o.verifier = v }
}

// WithServerMaxPayload bounds the payload size accepted from clients.
func WithServerMaxPayload(n int) ServerOption {
	return func(o *serverOptions) { o.maxPayload = n }
}

// WithServerEventLoop makes reply continuations of accepted sockets run on
// loop.
func WithServerEventLoop(l *eventloop.EventLoop) ServerOption {
	return func(o *serverOptions) { o.loop = l }
}

// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package session

import (
	"crypto/tls"
	"errors"
	"time"

	"github.com/luxfi/qimessaging/directory"
	"github.com/luxfi/qimessaging/eventloop"
	"github.com/luxfi/qimessaging/transport"
)

var (
	// ErrServiceNotFound is returned when the directory has no ready service
	// with the requested name.
	ErrServiceNotFound = directory.ErrServiceNotFound
	ErrNotConnected    = errors.New("session is not connected to a directory")
	ErrNotListening    = errors.New("session has no endpoint to advertise")
	ErrObjectNotFound  = errors.New("object not found")
	ErrClosed          = errors.New("session closed")
	ErrAlreadyAttached = errors.New("session already has a directory")
)

// Option configures a Session.
type Option func(*options)

type options struct {
	loop      *eventloop.EventLoop
	tlsConfig *tls.Config
	serverTLS *tls.Config
	token     string
	verifier  transport.AuthVerifier
	timeout   time.Duration
}

func newOptions(opts []Option) *options {
	o := &options{timeout: transport.DefaultConnectTimeout}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// WithEventLoop makes the session run handlers and continuations on loop.
// Without it the session owns a loop sized to the number of CPUs.
func WithEventLoop(l *eventloop.EventLoop) Option {
	return func(o *options) { o.loop = l }
}

// WithTLSConfig sets the TLS configuration of outgoing tcps and tcpsm
// connections.
func WithTLSConfig(c *tls.Config) Option {
	return func(o *options) { o.tlsConfig = c }
}

// WithServerTLSConfig sets the certificate of tcps and tcpsm listeners.
func WithServerTLSConfig(c *tls.Config) Option {
	return func(o *options) { o.serverTLS = c }
}

// WithAuthToken presents token in the handshake of outgoing connections.
func WithAuthToken(token string) Option {
	return func(o *options) { o.token = token }
}

// WithAuthVerifier authenticates incoming connections.
func WithAuthVerifier(v transport.AuthVerifier) Option {
	return func(o *options) { o.verifier = v }
}

// WithConnectTimeout bounds outgoing connects.
func WithConnectTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

func (o *options) dialOptions(h transport.Handler, loop *eventloop.EventLoop) []transport.DialOption {
	opts := []transport.DialOption{
		transport.WithHandler(h),
		transport.WithEventLoop(loop),
		transport.WithConnectTimeout(o.timeout),
	}
	if o.tlsConfig != nil {
		opts = append(opts, transport.WithTLSConfig(o.tlsConfig))
	}
	if o.token != "" {
		opts = append(opts, transport.WithAuthToken(o.token))
	}
	return opts
}

func (o *options) serverOptions(loop *eventloop.EventLoop) []transport.ServerOption {
	opts := []transport.ServerOption{transport.WithServerEventLoop(loop)}
	if o.serverTLS != nil {
		opts = append(opts, transport.WithServerTLSConfig(o.serverTLS))
	}
	if o.verifier != nil {
		opts = append(opts, transport.WithAuthVerifier(o.verifier))
	}
	return opts
}

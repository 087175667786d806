// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/luxfi/qimessaging/message"
)

const keepAlive = 30 * time.Second

// streamConn frames messages over a byte stream.
type streamConn struct {
	c net.Conn
	r *message.Reader
}

func newStreamConn(c net.Conn, maxPayload int) *streamConn {
	return &streamConn{c: c, r: message.NewReader(c, maxPayload)}
}

func (s *streamConn) ReadMessage() (*message.Message, error) { return s.r.Next() }

func (s *streamConn) WriteMessage(m *message.Message) error { return message.WriteTo(s.c, m) }

func (s *streamConn) Close() error { return s.c.Close() }

func (s *streamConn) LocalAddr() net.Addr { return s.c.LocalAddr() }

func (s *streamConn) RemoteAddr() net.Addr { return s.c.RemoteAddr() }

func clientTLSConfig(u URL, base *tls.Config) *tls.Config {
	var c *tls.Config
	if base != nil {
		c = base.Clone()
	} else {
		c = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	if c.ServerName == "" && !c.InsecureSkipVerify {
		c.ServerName = u.Host
	}
	return c
}

func dialTCP(ctx context.Context, u URL, o *dialOptions) (Conn, error) {
	d := net.Dialer{KeepAlive: keepAlive}
	var (
		c   net.Conn
		err error
	)
	switch u.Scheme {
	case SchemeTLS, SchemeMutualTLS:
		if u.Scheme == SchemeMutualTLS && (o.tlsConfig == nil || len(o.tlsConfig.Certificates) == 0) {
			return nil, fmt.Errorf("%w: %s requires a client certificate", ErrTLSHandshake, u)
		}
		td := tls.Dialer{NetDialer: &d, Config: clientTLSConfig(u, o.tlsConfig)}
		c, err = td.DialContext(ctx, "tcp", u.Address())
	default:
		c, err = d.DialContext(ctx, "tcp", u.Address())
	}
	if err != nil {
		return nil, classifyDialError(ctx, u.String(), err)
	}
	return newStreamConn(c, o.maxPayload), nil
}

type tcpListener struct {
	l          net.Listener
	endpoint   URL
	tlsConfig  *tls.Config
	maxPayload int
}

func listenTCP(u URL, o *serverOptions) (Listener, error) {
	var cfg *tls.Config
	switch u.Scheme {
	case SchemeTLS, SchemeMutualTLS:
		if o.tlsConfig == nil || (len(o.tlsConfig.Certificates) == 0 && o.tlsConfig.GetCertificate == nil) {
			return nil, fmt.Errorf("%w: %s requires a server certificate", ErrTLSHandshake, u)
		}
		cfg = o.tlsConfig.Clone()
		if u.Scheme == SchemeMutualTLS {
			cfg.ClientAuth = tls.RequireAndVerifyClientCert
		}
	}
	l, err := net.Listen("tcp", u.Address())
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", u, err)
	}
	ep := u
	if a, ok := l.Addr().(*net.TCPAddr); ok {
		ep.Port = a.Port
	}
	return &tcpListener{l: l, endpoint: ep, tlsConfig: cfg, maxPayload: o.maxPayload}, nil
}

func (t *tcpListener) Accept() (Conn, error) {
	c, err := t.l.Accept()
	if err != nil {
		return nil, err
	}
	if tc, ok := c.(*net.TCPConn); ok {
		_ = tc.SetKeepAlive(true)
		_ = tc.SetKeepAlivePeriod(keepAlive)
	}
	if t.tlsConfig != nil {
		c = tls.Server(c, t.tlsConfig)
	}
	return newStreamConn(c, t.maxPayload), nil
}

func (t *tcpListener) Close() error { return t.l.Close() }

func (t *tcpListener) Endpoint() URL { return t.endpoint }

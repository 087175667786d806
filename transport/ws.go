// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/luxfi/qimessaging/message"
)

// wsConn carries one message per binary websocket frame.
type wsConn struct {
	c          *websocket.Conn
	maxPayload int
}

func newWSConn(c *websocket.Conn, maxPayload int) *wsConn {
	if maxPayload <= 0 {
		maxPayload = message.DefaultMaxPayload
	}
	c.SetReadLimit(int64(maxPayload) + message.HeaderSize)
	return &wsConn{c: c, maxPayload: maxPayload}
}

func (w *wsConn) ReadMessage() (*message.Message, error) {
	for {
		typ, p, err := w.c.ReadMessage()
		if err != nil {
			return nil, err
		}
		if typ != websocket.BinaryMessage {
			continue
		}
		return message.Decode(p, w.maxPayload)
	}
}

func (w *wsConn) WriteMessage(m *message.Message) error {
	return w.c.WriteMessage(websocket.BinaryMessage, message.Encode(m))
}

func (w *wsConn) Close() error { return w.c.Close() }

func (w *wsConn) LocalAddr() net.Addr { return w.c.LocalAddr() }

func (w *wsConn) RemoteAddr() net.Addr { return w.c.RemoteAddr() }

func dialWS(ctx context.Context, u URL, o *dialOptions) (Conn, error) {
	d := websocket.Dialer{
		HandshakeTimeout: o.timeout,
		TLSClientConfig:  o.tlsConfig,
	}
	path := u.Path
	if path == "" {
		path = "/"
	}
	c, resp, err := d.DialContext(ctx, "ws://"+u.Address()+path, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, classifyDialError(ctx, u.String(), err)
	}
	return newWSConn(c, o.maxPayload), nil
}

// WSAcceptor upgrades HTTP requests to message connections. It is both an
// http.Handler, so it can be mounted on an existing router, and a Listener
// handed to Server.Serve.
type WSAcceptor struct {
	upgrader   websocket.Upgrader
	endpoint   URL
	maxPayload int

	conns     chan Conn
	done      chan struct{}
	closeOnce sync.Once
	srv       *http.Server
}

// NewWSAcceptor returns an acceptor advertising endpoint.
func NewWSAcceptor(endpoint URL, maxPayload int) *WSAcceptor {
	return &WSAcceptor{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		endpoint:   endpoint,
		maxPayload: maxPayload,
		conns:      make(chan Conn),
		done:       make(chan struct{}),
	}
}

func (a *WSAcceptor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).Debug("websocket upgrade failed")
		return
	}
	select {
	case a.conns <- newWSConn(c, a.maxPayload):
	case <-a.done:
		_ = c.Close()
	}
}

// Accept returns the next upgraded connection.
func (a *WSAcceptor) Accept() (Conn, error) {
	select {
	case c := <-a.conns:
		return c, nil
	case <-a.done:
		return nil, net.ErrClosed
	}
}

// Close stops accepting. Connections already handed out stay open.
func (a *WSAcceptor) Close() error {
	a.closeOnce.Do(func() {
		close(a.done)
		if a.srv != nil {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			_ = a.srv.Shutdown(ctx)
		}
	})
	return nil
}

// Endpoint returns the advertised endpoint.
func (a *WSAcceptor) Endpoint() URL { return a.endpoint }

func listenWS(u URL, o *serverOptions) (Listener, error) {
	l, err := net.Listen("tcp", u.Address())
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", u, err)
	}
	ep := u
	if a, ok := l.Addr().(*net.TCPAddr); ok {
		ep.Port = a.Port
	}
	if ep.Path == "" {
		ep.Path = "/"
	}
	a := NewWSAcceptor(ep, o.maxPayload)
	r := mux.NewRouter()
	r.Handle(ep.Path, a)
	a.srv = &http.Server{Handler: r, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := a.srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).WithField("endpoint", ep.String()).Warn("websocket listener stopped")
		}
	}()
	return a, nil
}

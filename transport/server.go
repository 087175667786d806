// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package transport

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// ConnectionHandler is called for every accepted socket before it starts
// reading. The returned Handler receives the socket's calls.
type ConnectionHandler func(s *Socket) Handler

// Server accepts sockets on any number of endpoints.
type Server struct {
	opts    *serverOptions
	onConn  ConnectionHandler
	closed  atomic.Bool
	mu      sync.Mutex
	lis     []Listener
	sockets map[*Socket]struct{}
}

// NewServer returns a server handing accepted sockets to onConn.
func NewServer(onConn ConnectionHandler, opts ...ServerOption) *Server {
	return &Server{
		opts:    newServerOptions(opts),
		onConn:  onConn,
		sockets: make(map[*Socket]struct{}),
	}
}

// Listen binds endpoint and starts accepting. The returned URL has port 0
// resolved.
func (s *Server) Listen(endpoint string) (URL, error) {
	u, err := ParseURL(endpoint)
	if err != nil {
		return URL{}, err
	}
	sch, _ := lookupTransport(u.Scheme)
	l, err := sch.listen(u, s.opts)
	if err != nil {
		return URL{}, err
	}
	if err := s.Serve(l); err != nil {
		return URL{}, err
	}
	return l.Endpoint(), nil
}

// Serve accepts sockets from l until the server is closed.
func (s *Server) Serve(l Listener) error {
	s.mu.Lock()
	if s.closed.Load() {
		s.mu.Unlock()
		_ = l.Close()
		return ErrClosed
	}
	s.lis = append(s.lis, l)
	s.mu.Unlock()

	log.WithField("endpoint", l.Endpoint().String()).Info("listening")
	go s.acceptLoop(l)
	return nil
}

func (s *Server) acceptLoop(l Listener) {
	for {
		c, err := l.Accept()
		if err != nil {
			if s.closed.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			log.WithError(err).Warn("accept failed")
			time.Sleep(10 * time.Millisecond)
			continue
		}
		s.accept(c, l.Endpoint().Scheme)
	}
}

func (s *Server) accept(c Conn, scheme string) {
	peer := URL{Scheme: scheme}
	if a, ok := c.RemoteAddr().(*net.TCPAddr); ok {
		peer.Host = a.IP.String()
		peer.Port = a.Port
	} else if c.RemoteAddr() != nil {
		peer.Host = c.RemoteAddr().String()
	}

	sock := newSocket(c, peer, true, s.opts.loop, nil)
	sock.verifier = s.opts.verifier
	sock.state.Store(int32(StateConnected))
	if s.onConn != nil {
		sock.handler = s.onConn(sock)
	}

	s.mu.Lock()
	if s.closed.Load() {
		s.mu.Unlock()
		_ = c.Close()
		return
	}
	s.sockets[sock] = struct{}{}
	s.mu.Unlock()

	sock.OnDisconnected(func(error) {
		s.mu.Lock()
		delete(s.sockets, sock)
		s.mu.Unlock()
	})
	log.WithFields(logrus.Fields{"socket": sock.id, "peer": peer.String()}).Info("accepted")
	sock.start()
}

// Endpoints returns the bound endpoints. Wildcard hosts are expanded to the
// addresses of the local interfaces.
func (s *Server) Endpoints() []URL {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []URL
	for _, l := range s.lis {
		out = append(out, expandEndpoint(l.Endpoint())...)
	}
	return out
}

// Sockets returns the connected sockets.
func (s *Server) Sockets() []*Socket {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Socket, 0, len(s.sockets))
	for sock := range s.sockets {
		out = append(out, sock)
	}
	return out
}

// Close stops every listener and disconnects every socket.
func (s *Server) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.mu.Lock()
	lis := s.lis
	s.lis = nil
	socks := make([]*Socket, 0, len(s.sockets))
	for sock := range s.sockets {
		socks = append(socks, sock)
	}
	s.mu.Unlock()

	var errs []error
	for _, l := range lis {
		if err := l.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
	}
	for _, sock := range socks {
		_ = sock.Close()
	}
	return errors.Join(errs...)
}

func expandEndpoint(u URL) []URL {
	if !u.IsAnyAddress() {
		return []URL{u}
	}
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		log.WithError(err).Warn("cannot list interface addresses")
		return []URL{u}
	}
	var out []URL
	for _, a := range addrs {
		ipnet, ok := a.(*net.IPNet)
		if !ok || ipnet.IP.To4() == nil {
			continue
		}
		e := u
		e.Host = ipnet.IP.String()
		if ipnet.IP.IsLoopback() {
			out = append([]URL{e}, out...)
		} else {
			out = append(out, e)
		}
	}
	if len(out) == 0 {
		return []URL{u}
	}
	return out
}

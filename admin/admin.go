// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package admin serves an HTTP surface next to a session: a JSON-RPC 2.0
// endpoint describing the directory, a liveness probe and a websocket
// entry point onto the object bus.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	rpc "github.com/gorilla/rpc/v2"
	"github.com/gorilla/rpc/v2/json2"
	"github.com/sirupsen/logrus"

	"github.com/luxfi/qimessaging/session"
	"github.com/luxfi/qimessaging/transport"
)

var log = logrus.WithField("category", "qimessaging.admin")

const (
	RPCPath     = "/rpc"
	HealthzPath = "/healthz"
	WSPath      = "/ws"
)

// Server is the admin HTTP server of one session.
type Server struct {
	sess   *session.Session
	router *mux.Router

	mu   sync.Mutex
	http *http.Server
	ws   *transport.WSAcceptor
	addr net.Addr
}

func NewServer(sess *session.Session) (*Server, error) {
	s := &Server{sess: sess, router: mux.NewRouter()}

	rpcServer := rpc.NewServer()
	rpcServer.RegisterCodec(json2.NewCodec(), "application/json")
	rpcServer.RegisterCodec(json2.NewCodec(), "application/json;charset=UTF-8")
	if err := rpcServer.RegisterService(&DirectoryService{dir: sess.DirectoryObject}, "Directory"); err != nil {
		return nil, err
	}
	s.router.Handle(RPCPath, rpcServer).Methods(http.MethodPost)
	s.router.HandleFunc(HealthzPath, s.healthz).Methods(http.MethodGet)
	return s, nil
}

// Router returns the router, for mounting extra routes.
func (s *Server) Router() *mux.Router { return s.router }

type healthzReply struct {
	Status    string   `json:"status"`
	Session   string   `json:"session"`
	Endpoints []string `json:"endpoints"`
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	reply := healthzReply{Status: "ok", Session: s.sess.ID()}
	for _, u := range s.sess.Endpoints() {
		reply.Endpoints = append(reply.Endpoints, u.String())
	}
	if !s.sess.IsConnected() {
		reply.Status = "detached"
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(reply)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(reply)
}

// ListenAndServe binds address and serves in the background. Websocket
// peers reaching /ws join the session as if they had connected to a ws://
// endpoint.
func (s *Server) ListenAndServe(address string) (net.Addr, error) {
	l, err := net.Listen("tcp", address)
	if err != nil {
		return nil, err
	}
	tcp := l.Addr().(*net.TCPAddr)
	host := tcp.IP.String()
	if tcp.IP.IsUnspecified() {
		host = "0.0.0.0"
	}
	ws := transport.NewWSAcceptor(transport.URL{Scheme: transport.SchemeWebSocket, Host: host, Port: tcp.Port, Path: WSPath}, 0)
	if err := s.sess.Serve(ws); err != nil {
		_ = l.Close()
		return nil, err
	}
	s.router.Handle(WSPath, ws)

	srv := &http.Server{Handler: s.router, ReadHeaderTimeout: 10 * time.Second}
	s.mu.Lock()
	s.http = srv
	s.ws = ws
	s.addr = l.Addr()
	s.mu.Unlock()

	go func() {
		if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("admin server stopped")
		}
	}()
	log.WithField("address", l.Addr().String()).Info("admin server listening")
	return l.Addr(), nil
}

// Addr returns the bound address, nil before ListenAndServe.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Shutdown stops the HTTP server and the websocket acceptor.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv, ws := s.http, s.ws
	s.mu.Unlock()
	if ws != nil {
		_ = ws.Close()
	}
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

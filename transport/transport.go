// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package transport

import (
	"context"
	"net"
	"sort"
	"sync"

	"github.com/luxfi/qimessaging/message"
)

// Conn carries whole messages between two peers.
type Conn interface {
	ReadMessage() (*message.Message, error)
	WriteMessage(m *message.Message) error
	Close() error
	LocalAddr() net.Addr
	RemoteAddr() net.Addr
}

// Listener accepts connections on one endpoint.
type Listener interface {
	Accept() (Conn, error)
	Close() error
	// Endpoint returns the bound endpoint, with port 0 resolved.
	Endpoint() URL
}

type dialFunc func(ctx context.Context, u URL, o *dialOptions) (Conn, error)
type listenFunc func(u URL, o *serverOptions) (Listener, error)

type scheme struct {
	dial   dialFunc
	listen listenFunc
}

var (
	transportsMu sync.RWMutex
	transports   = map[string]scheme{
		SchemeTCP:       {dialTCP, listenTCP},
		SchemeTLS:       {dialTCP, listenTCP},
		SchemeMutualTLS: {dialTCP, listenTCP},
		SchemeWebSocket: {dialWS, listenWS},
	}
)

// registerTransport adds or replaces the implementation of an endpoint
// scheme.
func registerTransport(name string, dial dialFunc, listen listenFunc) {
	transportsMu.Lock()
	defer transportsMu.Unlock()
	transports[name] = scheme{dial, listen}
}

func lookupTransport(name string) (scheme, bool) {
	transportsMu.RLock()
	defer transportsMu.RUnlock()
	s, ok := transports[name]
	return s, ok
}

// AvailableTransports returns the supported endpoint schemes.
func AvailableTransports() []string {
	transportsMu.RLock()
	defer transportsMu.RUnlock()
	result := make([]string, 0, len(transports))
	for name := range transports {
		result = append(result, name)
	}
	sort.Strings(result)
	return result
}

// HasTransport reports whether scheme name is supported.
func HasTransport(name string) bool {
	_, ok := lookupTransport(name)
	return ok
}

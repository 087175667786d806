// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package gateway re-exposes the services of an upstream directory through
// a local directory, so that peers which cannot reach the upstream hosts
// directly can still use them.
package gateway

import (
	"context"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/luxfi/qimessaging/directory"
	"github.com/luxfi/qimessaging/object"
	"github.com/luxfi/qimessaging/session"
	"github.com/luxfi/qimessaging/transport"
	"github.com/luxfi/qimessaging/value"
)

var log = logrus.WithField("category", "qimessaging.gateway")

var ErrNotListening = errors.New("gateway must listen before attaching")

// Gateway mirrors every ready upstream service into its own standalone
// session. Calls and subscriptions on a mirrored service are relayed to the
// upstream object.
type Gateway struct {
	upstream *session.Session
	local    *session.Session

	mu       sync.Mutex
	mirrored map[string]uint32
	closed   bool
}

// New returns a gateway. opts apply to both the upstream and the local
// session.
func New(opts ...session.Option) *Gateway {
	return &Gateway{
		upstream: session.New(opts...),
		local:    session.New(opts...),
		mirrored: make(map[string]uint32),
	}
}

// Listen serves the local directory and the mirrored services on endpoint.
func (g *Gateway) Listen(endpoint string) (transport.URL, error) {
	if g.local.Directory() == nil {
		return g.local.ListenStandalone(endpoint)
	}
	return g.local.Listen(endpoint)
}

// Endpoints returns where the gateway can be reached.
func (g *Gateway) Endpoints() []transport.URL { return g.local.Endpoints() }

// Local returns the session hosting the mirrored services.
func (g *Gateway) Local() *session.Session { return g.local }

// Attach connects to the upstream directory, mirrors its ready services
// and keeps following its registrations.
func (g *Gateway) Attach(ctx context.Context, upstream string) error {
	if len(g.local.Endpoints()) == 0 {
		return ErrNotListening
	}
	if err := g.upstream.Connect(ctx, upstream); err != nil {
		return err
	}
	dir, err := g.upstream.DirectoryObject()
	if err != nil {
		return err
	}
	if ro, ok := dir.Object.(*session.RemoteObject); ok {
		ro.Socket().OnDisconnected(func(error) { g.dropAll() })
	}

	_, err = dir.Connect(ctx, "serviceRegistered", func(args []value.Value) {
		if name, err := args[1].ToString(); err == nil {
			go g.mirror(context.Background(), name)
		}
	}, nil).Get(ctx)
	if err != nil {
		return err
	}
	_, err = dir.Connect(ctx, "serviceUnregistered", func(args []value.Value) {
		if name, err := args[1].ToString(); err == nil {
			go g.unmirror(context.Background(), name)
		}
	}, nil).Get(ctx)
	if err != nil {
		return err
	}

	infos, err := g.upstream.Services(ctx)
	if err != nil {
		return err
	}
	for _, info := range infos {
		if err := g.mirror(ctx, info.Name); err != nil {
			log.WithError(err).WithField("service", info.Name).Warn("cannot mirror service")
		}
	}
	log.WithFields(logrus.Fields{"upstream": upstream, "services": len(infos)}).Info("gateway attached")
	return nil
}

// Mirrored returns the names of the services currently relayed.
func (g *Gateway) Mirrored() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	names := make([]string, 0, len(g.mirrored))
	for name := range g.mirrored {
		names = append(names, name)
	}
	return names
}

func (g *Gateway) mirror(ctx context.Context, name string) error {
	if name == directory.Name {
		return nil
	}
	g.mu.Lock()
	_, done := g.mirrored[name]
	closed := g.closed
	g.mu.Unlock()
	if done || closed {
		return nil
	}

	obj, err := g.upstream.Service(ctx, name)
	if err != nil {
		return err
	}
	id, err := g.local.RegisterService(ctx, name, obj.Object)
	if err != nil {
		if errors.Is(err, directory.ErrDuplicateServiceName) {
			return nil
		}
		return err
	}
	g.mu.Lock()
	g.mirrored[name] = id
	g.mu.Unlock()
	log.WithFields(logrus.Fields{"service": name, "id": id}).Debug("service mirrored")
	return nil
}

func (g *Gateway) unmirror(ctx context.Context, name string) {
	g.mu.Lock()
	id, ok := g.mirrored[name]
	delete(g.mirrored, name)
	g.mu.Unlock()
	if !ok {
		return
	}
	if err := g.local.UnregisterService(ctx, id); err != nil {
		log.WithError(err).WithField("service", name).Debug("cannot drop mirrored service")
	}
}

func (g *Gateway) dropAll() {
	g.mu.Lock()
	names := make([]string, 0, len(g.mirrored))
	for name := range g.mirrored {
		names = append(names, name)
	}
	g.mu.Unlock()
	for _, name := range names {
		g.unmirror(context.Background(), name)
	}
	log.Warn("upstream directory lost, mirrored services dropped")
}

// Service resolves name on the local side, as a peer of the gateway would.
func (g *Gateway) Service(ctx context.Context, name string) (object.AnyObject, error) {
	return g.local.Service(ctx, name)
}

// Close shuts down both sessions.
func (g *Gateway) Close() error {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()
	return errors.Join(g.local.Close(), g.upstream.Close())
}

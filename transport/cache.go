// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/luxfi/qimessaging/future"
)

// SocketCache shares outgoing sockets by endpoint. Concurrent requests for
// the same endpoint wait on a single connect.
type SocketCache struct {
	opts []DialOption

	mu      sync.Mutex
	closed  bool
	sockets map[string]*Socket
	dialing map[string]*future.Future[*Socket]
}

// NewSocketCache returns a cache dialing with opts.
func NewSocketCache(opts ...DialOption) *SocketCache {
	return &SocketCache{
		opts:    opts,
		sockets: make(map[string]*Socket),
		dialing: make(map[string]*future.Future[*Socket]),
	}
}

// Socket returns a connected socket to endpoint, dialing when none is
// cached.
func (c *SocketCache) Socket(ctx context.Context, endpoint string) *future.Future[*Socket] {
	u, err := ParseURL(endpoint)
	if err != nil {
		return future.FromError[*Socket](err)
	}
	key := u.String()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return future.FromError[*Socket](ErrClosed)
	}
	if s, ok := c.sockets[key]; ok && s.IsConnected() {
		c.mu.Unlock()
		return future.FromValue(s)
	}
	if f, ok := c.dialing[key]; ok {
		c.mu.Unlock()
		return f
	}
	p := future.NewPromise[*Socket]()
	c.dialing[key] = p.Future()
	c.mu.Unlock()

	go c.dial(context.WithoutCancel(ctx), key, p)
	return p.Future()
}

func (c *SocketCache) dial(ctx context.Context, key string, p *future.Promise[*Socket]) {
	s, err := Dial(ctx, key, c.opts...)

	c.mu.Lock()
	delete(c.dialing, key)
	if err != nil {
		c.mu.Unlock()
		p.SetError(err)
		return
	}
	if c.closed {
		c.mu.Unlock()
		_ = s.Close()
		p.SetError(ErrClosed)
		return
	}
	c.sockets[key] = s
	c.mu.Unlock()

	s.OnDisconnected(func(error) {
		c.mu.Lock()
		if c.sockets[key] == s {
			delete(c.sockets, key)
		}
		c.mu.Unlock()
	})
	p.SetValue(s)
}

// SocketFor tries endpoints in order and returns the first that connects.
func (c *SocketCache) SocketFor(ctx context.Context, endpoints []string) *future.Future[*Socket] {
	if len(endpoints) == 0 {
		return future.FromError[*Socket](ErrNoEndpoint)
	}
	p := future.NewPromise[*Socket]()
	go func() {
		var errs []error
		for _, ep := range endpoints {
			s, err := c.Socket(ctx, ep).Get(ctx)
			if err == nil {
				p.SetValue(s)
				return
			}
			errs = append(errs, fmt.Errorf("%s: %w", ep, err))
			if ctx.Err() != nil {
				break
			}
		}
		p.SetError(fmt.Errorf("%w: %w", ErrNoEndpoint, errors.Join(errs...)))
	}()
	return p.Future()
}

// Insert caches an already connected socket under endpoint.
func (c *SocketCache) Insert(endpoint string, s *Socket) error {
	u, err := ParseURL(endpoint)
	if err != nil {
		return err
	}
	key := u.String()
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.sockets[key] = s
	c.mu.Unlock()
	s.OnDisconnected(func(error) {
		c.mu.Lock()
		if c.sockets[key] == s {
			delete(c.sockets, key)
		}
		c.mu.Unlock()
	})
	return nil
}

// Len returns the number of cached sockets.
func (c *SocketCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sockets)
}

// Close disconnects every cached socket. Connects in flight fail with
// ErrClosed.
func (c *SocketCache) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	socks := make([]*Socket, 0, len(c.sockets))
	for _, s := range c.sockets {
		socks = append(socks, s)
	}
	c.sockets = make(map[string]*Socket)
	c.mu.Unlock()
	for _, s := range socks {
		_ = s.Close()
	}
	return nil
}

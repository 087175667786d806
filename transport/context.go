// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package transport

import "context"

type socketKey struct{}

// WithSocket returns a context carrying the socket a call arrived on.
func WithSocket(ctx context.Context, s *Socket) context.Context {
	return context.WithValue(ctx, socketKey{}, s)
}

// SocketFromContext returns the socket stored by WithSocket.
func SocketFromContext(ctx context.Context) (*Socket, bool) {
	s, ok := ctx.Value(socketKey{}).(*Socket)
	return s, ok
}

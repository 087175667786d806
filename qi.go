// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package qi

import (
	"context"

	"github.com/luxfi/qimessaging/session"
	"github.com/luxfi/qimessaging/transport"
)

// DefaultEndpoint is where a directory listens unless told otherwise.
const DefaultEndpoint = "tcp://127.0.0.1:9559"

// Connect returns a session attached to the directory at endpoint.
func Connect(ctx context.Context, endpoint string, opts ...session.Option) (*session.Session, error) {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	s := session.New(opts...)
	if err := s.Connect(ctx, endpoint); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// ListenStandalone returns a session hosting a directory on endpoint, along
// with the bound endpoint.
func ListenStandalone(endpoint string, opts ...session.Option) (*session.Session, transport.URL, error) {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	s := session.New(opts...)
	u, err := s.ListenStandalone(endpoint)
	if err != nil {
		_ = s.Close()
		return nil, transport.URL{}, err
	}
	return s, u, nil
}

// AvailableTransports returns the endpoint schemes that can be dialed and
// listened on.
func AvailableTransports() []string { return transport.AvailableTransports() }

// HasTransport reports whether scheme is supported.
func HasTransport(scheme string) bool { return transport.HasTransport(scheme) }

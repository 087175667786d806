// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"syscall"
)

var (
	ErrInvalidURL        = errors.New("invalid endpoint")
	ErrUnsupportedScheme = errors.New("unsupported endpoint scheme")
	ErrConnectionRefused = errors.New("connection refused")
	ErrTimeout           = errors.New("connection timeout")
	ErrTLSHandshake      = errors.New("tls handshake failed")
	ErrConnectionLost    = errors.New("connection lost")
	ErrClosed            = errors.New("socket closed")
	ErrAuthentication    = errors.New("authentication failed")
	ErrNoEndpoint        = errors.New("no reachable endpoint")
)

// classifyDialError maps a dial failure onto the connect-time sentinels.
func classifyDialError(ctx context.Context, addr string, err error) error {
	var (
		netErr  net.Error
		recErr  tls.RecordHeaderError
		certErr *tls.CertificateVerificationError
		unkAuth x509.UnknownAuthorityError
		hostErr x509.HostnameError
	)
	switch {
	case errors.Is(err, context.DeadlineExceeded) || ctx.Err() == context.DeadlineExceeded:
		return fmt.Errorf("%w: %s: %w", ErrTimeout, addr, err)
	case errors.As(err, &netErr) && netErr.Timeout():
		return fmt.Errorf("%w: %s: %w", ErrTimeout, addr, err)
	case errors.Is(err, syscall.ECONNREFUSED):
		return fmt.Errorf("%w: %s: %w", ErrConnectionRefused, addr, err)
	case errors.As(err, &recErr), errors.As(err, &certErr), errors.As(err, &unkAuth), errors.As(err, &hostErr):
		return fmt.Errorf("%w: %s: %w", ErrTLSHandshake, addr, err)
	}
	return fmt.Errorf("connecting to %s: %w", addr, err)
}

// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package transport

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
)

// Endpoint schemes.
const (
	SchemeTCP       = "tcp"   // plain TCP
	SchemeTLS       = "tcps"  // TCP with TLS
	SchemeMutualTLS = "tcpsm" // TCP with TLS and client certificates
	SchemeWebSocket = "ws"    // one websocket binary frame per message
)

// DefaultPort is used when an endpoint has no port.
const DefaultPort = 9559

// URL is a parsed endpoint such as tcp://127.0.0.1:9559.
type URL struct {
	Scheme string
	Host   string
	Port   int
	// Path is only meaningful for websocket endpoints.
	Path string
}

// ParseURL parses an endpoint. A missing scheme means tcp, a missing port
// DefaultPort.
func ParseURL(s string) (URL, error) {
	u, err := url.Parse(s)
	if err != nil || u.Scheme == "" || u.Host == "" {
		u, err = url.Parse(SchemeTCP + "://" + s)
		if err != nil {
			return URL{}, fmt.Errorf("%w: %q", ErrInvalidURL, s)
		}
	}
	if !HasTransport(u.Scheme) {
		return URL{}, fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}
	out := URL{Scheme: u.Scheme, Host: u.Hostname(), Port: DefaultPort, Path: u.Path}
	if p := u.Port(); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 || n > 65535 {
			return URL{}, fmt.Errorf("%w: bad port in %q", ErrInvalidURL, s)
		}
		out.Port = n
	}
	if out.Host == "" {
		return URL{}, fmt.Errorf("%w: no host in %q", ErrInvalidURL, s)
	}
	return out, nil
}

// MustParseURL is like ParseURL but panics on error.
func MustParseURL(s string) URL {
	u, err := ParseURL(s)
	if err != nil {
		panic(err)
	}
	return u
}

// Address returns host:port.
func (u URL) Address() string {
	return net.JoinHostPort(u.Host, strconv.Itoa(u.Port))
}

// IsLoopback reports whether the host is a loopback address or localhost.
func (u URL) IsLoopback() bool {
	if u.Host == "localhost" {
		return true
	}
	ip := net.ParseIP(u.Host)
	return ip != nil && ip.IsLoopback()
}

// IsAnyAddress reports whether the host is a wildcard listen address.
func (u URL) IsAnyAddress() bool {
	ip := net.ParseIP(u.Host)
	return ip != nil && ip.IsUnspecified()
}

func (u URL) String() string {
	return u.Scheme + "://" + u.Address() + u.Path
}

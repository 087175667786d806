// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package config

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"

	"github.com/luxfi/qimessaging/eventloop"
	"github.com/luxfi/qimessaging/session"
	"github.com/luxfi/qimessaging/transport"
)

var ErrNoCertificates = errors.New("no certificates found in CA file")

func (c TLSConfig) enabled() bool {
	return c.CertFile != "" || c.CAFile != ""
}

func (c TLSConfig) pool() (*x509.CertPool, error) {
	if c.CAFile == "" {
		return nil, nil
	}
	pem, err := os.ReadFile(c.CAFile)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("%w: %s", ErrNoCertificates, c.CAFile)
	}
	return pool, nil
}

// Build returns the TLS configuration for listeners and for dialing. Both
// are nil when no TLS file is configured.
func (c TLSConfig) Build() (server, client *tls.Config, err error) {
	if !c.enabled() {
		return nil, nil, nil
	}
	pool, err := c.pool()
	if err != nil {
		return nil, nil, err
	}
	client = &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}
	if c.CertFile == "" {
		return nil, client, nil
	}
	cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
	if err != nil {
		return nil, nil, err
	}
	client.Certificates = []tls.Certificate{cert}
	server = &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientCAs:    pool,
		MinVersion:   tls.VersionTLS12,
	}
	return server, client, nil
}

// SessionOptions turns the configuration into session options running on
// loop.
func (c *Config) SessionOptions(loop *eventloop.EventLoop) ([]session.Option, error) {
	opts := []session.Option{session.WithConnectTimeout(c.Timeout())}
	if loop != nil {
		opts = append(opts, session.WithEventLoop(loop))
	}
	server, client, err := c.TLS.Build()
	if err != nil {
		return nil, fmt.Errorf("tls: %w", err)
	}
	if server != nil {
		opts = append(opts, session.WithServerTLSConfig(server))
	}
	if client != nil {
		opts = append(opts, session.WithTLSConfig(client))
	}
	if c.Auth.Secret != "" {
		opts = append(opts, session.WithAuthVerifier(&transport.JWTVerifier{Secret: []byte(c.Auth.Secret)}))
	}
	if c.Auth.Token != "" {
		opts = append(opts, session.WithAuthToken(c.Auth.Token))
	}
	return opts, nil
}

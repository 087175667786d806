// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package admin

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"syscall"
	"time"

	"github.com/gorilla/rpc/v2/json2"
	"github.com/sirupsen/logrus"

	"github.com/luxfi/qimessaging/directory"
)

var ErrStatus = errors.New("unexpected HTTP status")

// Client queries a service directory through its admin endpoint.
type Client struct {
	uri  *url.URL
	http *http.Client
	opts *Options
}

// NewClient returns a client for the admin endpoint at address. A bare
// http://host:port address targets RPCPath.
func NewClient(address string, options ...Option) (*Client, error) {
	u, err := url.Parse(address)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("admin address %q: scheme must be http or https", address)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = RPCPath
	}
	o := NewOptions(options)
	if len(o.queryParams) > 0 {
		q := u.Query()
		for k, vs := range o.queryParams {
			q[k] = vs
		}
		u.RawQuery = q.Encode()
	}
	return &Client{
		uri:  u,
		http: &http.Client{Timeout: o.timeout},
		opts: o,
	}, nil
}

// URL returns the JSON-RPC endpoint the client posts to.
func (c *Client) URL() string { return c.uri.String() }

// Services lists the ready services.
func (c *Client) Services(ctx context.Context) ([]directory.ServiceInfo, error) {
	var reply ServicesReply
	if err := c.Call(ctx, "Directory.Services", &ServicesArgs{}, &reply); err != nil {
		return nil, err
	}
	return reply.Services, nil
}

// Service returns the record of the named service.
func (c *Client) Service(ctx context.Context, name string) (directory.ServiceInfo, error) {
	var reply ServiceReply
	if err := c.Call(ctx, "Directory.Service", &ServiceArgs{Name: name}, &reply); err != nil {
		return directory.ServiceInfo{}, err
	}
	return reply.Service, nil
}

// MachineID returns the machine id of the directory host.
func (c *Client) MachineID(ctx context.Context) (string, error) {
	var reply MachineIDReply
	if err := c.Call(ctx, "Directory.MachineID", &ServicesArgs{}, &reply); err != nil {
		return "", err
	}
	return reply.MachineID, nil
}

// Call issues a JSON-RPC 2.0 request and decodes the result into reply.
// Only failures that may clear up on their own are retried: a dropped
// connection, an unavailable directory, or a refused connection to a
// remote host. Errors returned by the directory itself are final.
func (c *Client) Call(ctx context.Context, method string, params, reply any) error {
	body, err := json2.EncodeClientRequest(method, params)
	if err != nil {
		return fmt.Errorf("encode %s: %w", method, err)
	}
	wait := c.opts.backoff
	for attempt := 1; ; attempt++ {
		retry, err := c.post(ctx, body, reply)
		if err == nil {
			return nil
		}
		if !retry || attempt >= c.opts.attempts {
			return fmt.Errorf("%s: %w", method, err)
		}
		log.WithError(err).WithFields(logrus.Fields{"method": method, "attempt": attempt}).Debug("retrying admin request")
		select {
		case <-ctx.Done():
			return fmt.Errorf("%s: %w", method, errors.Join(ctx.Err(), err))
		case <-time.After(wait):
		}
		wait *= 2
	}
}

func (c *Client) post(ctx context.Context, body []byte, reply any) (retry bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.uri.String(), bytes.NewReader(body))
	if err != nil {
		return false, err
	}
	req.Header = c.opts.headers.Clone()
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return c.transient(err), err
	}
	defer closeBody(resp.Body)

	switch {
	case resp.StatusCode == http.StatusServiceUnavailable,
		resp.StatusCode == http.StatusBadGateway,
		resp.StatusCode == http.StatusGatewayTimeout:
		return true, fmt.Errorf("%w: %s", ErrStatus, resp.Status)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return false, fmt.Errorf("%w: %s", ErrStatus, resp.Status)
	}
	return false, json2.DecodeClientResponse(resp.Body, reply)
}

// transient reports whether a transport failure is worth another attempt.
// A refused connection to this machine means no admin endpoint listens
// there, so it is not retried.
func (c *Client) transient(err error) bool {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	case errors.Is(err, syscall.ECONNREFUSED):
		return !c.loopback()
	case errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.EPIPE),
		errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return true
	}
	var nerr net.Error
	return errors.As(err, &nerr) && nerr.Timeout()
}

func (c *Client) loopback() bool {
	host := c.uri.Hostname()
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func closeBody(body io.ReadCloser) {
	if body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, body)
	_ = body.Close()
}

// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package admin

import (
	"net/http"
	"net/url"
	"time"
)

const (
	defaultAttempts = 3
	defaultBackoff  = 500 * time.Millisecond
	defaultTimeout  = 30 * time.Second
)

// Option configures a Client.
type Option func(*Options)

type Options struct {
	headers     http.Header
	queryParams url.Values
	attempts    int
	backoff     time.Duration
	timeout     time.Duration
}

func NewOptions(ops []Option) *Options {
	o := &Options{
		headers:     http.Header{},
		queryParams: url.Values{},
		attempts:    defaultAttempts,
		backoff:     defaultBackoff,
		timeout:     defaultTimeout,
	}
	for _, op := range ops {
		op(o)
	}
	if o.attempts < 1 {
		o.attempts = 1
	}
	return o
}

func (o *Options) Headers() http.Header { return o.headers }

func (o *Options) QueryParams() url.Values { return o.queryParams }

func WithHeader(key, val string) Option {
	return func(o *Options) { o.headers.Set(key, val) }
}

func WithQueryParam(key, val string) Option {
	return func(o *Options) { o.queryParams.Set(key, val) }
}

// WithAttempts bounds how many times a request is sent.
func WithAttempts(n int) Option {
	return func(o *Options) { o.attempts = n }
}

// WithBackoff sets the wait before the first retry. It doubles after each
// attempt.
func WithBackoff(d time.Duration) Option {
	return func(o *Options) { o.backoff = d }
}

// WithTimeout bounds each HTTP exchange.
func WithTimeout(d time.Duration) Option {
	return func(o *Options) { o.timeout = d }
}

// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package transport moves messages between peers. A Socket owns one
// connection: a reader goroutine reconstructs messages and routes replies
// to the calls waiting for them, and a writer goroutine drains an unbounded
// queue so that Send never blocks the caller.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lithammer/shortuuid/v4"
	"github.com/sirupsen/logrus"

	"github.com/luxfi/qimessaging/codec"
	"github.com/luxfi/qimessaging/eventloop"
	"github.com/luxfi/qimessaging/future"
	"github.com/luxfi/qimessaging/message"
	"github.com/luxfi/qimessaging/value"
)

var log = logrus.WithField("category", "qimessaging.transport")

// closeGrace bounds how long Close waits for queued messages to flush.
const closeGrace = 2 * time.Second

// State is the connection state of a Socket.
type State int32

const (
	StateConnecting State = iota
	StateConnected
	StateDisconnecting
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	case StateDisconnected:
		return "disconnected"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Handler receives the messages a socket does not route itself: calls,
// posts, events and cancels. HandleMessage runs on the reader goroutine, so
// messages are seen in the order they were sent; it must not block.
type Handler interface {
	HandleMessage(s *Socket, m *message.Message)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(s *Socket, m *message.Message)

func (f HandlerFunc) HandleMessage(s *Socket, m *message.Message) { f(s, m) }

// Socket is one message connection to a peer.
type Socket struct {
	id       string
	url      URL
	server   bool
	conn     Conn
	stream   *codec.StreamContext
	loop     *eventloop.EventLoop
	verifier AuthVerifier
	handler  Handler

	state         atomic.Int32
	authenticated atomic.Bool

	mu           sync.Mutex
	pending      map[uint32]*future.Promise[*message.Message]
	onDisconnect []func(error)
	err          error

	out       outbox
	done      chan struct{}
	closeOnce sync.Once
}

func newSocket(conn Conn, u URL, server bool, loop *eventloop.EventLoop, h Handler) *Socket {
	s := &Socket{
		id:      shortuuid.New(),
		url:     u,
		server:  server,
		conn:    conn,
		stream:  codec.NewStreamContext(),
		loop:    loop,
		handler: h,
		pending: make(map[uint32]*future.Promise[*message.Message]),
		done:    make(chan struct{}),
	}
	s.out.cond = sync.NewCond(&sync.Mutex{})
	return s
}

func (s *Socket) start() {
	go s.readLoop()
	go s.writeLoop()
}

// Dial connects to endpoint and performs the capability handshake. Without
// a deadline on ctx the connect is bounded by WithConnectTimeout.
func Dial(ctx context.Context, endpoint string, opts ...DialOption) (*Socket, error) {
	u, err := ParseURL(endpoint)
	if err != nil {
		return nil, err
	}
	o := newDialOptions(opts)
	sch, _ := lookupTransport(u.Scheme)
	if _, ok := ctx.Deadline(); !ok && o.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
	}
	conn, err := sch.dial(ctx, u, o)
	if err != nil {
		return nil, err
	}
	s := newSocket(conn, u, false, o.loop, o.handler)
	s.start()
	if err := s.handshake(ctx, o.authToken); err != nil {
		s.terminate(err)
		return nil, err
	}
	s.state.CompareAndSwap(int32(StateConnecting), int32(StateConnected))
	log.WithFields(logrus.Fields{"socket": s.id, "endpoint": u.String()}).Info("connected")
	return s, nil
}

func (s *Socket) handshake(ctx context.Context, token string) error {
	caps := s.stream.LocalCapabilities()
	if token != "" {
		caps[codec.CapAuthToken] = value.NewString(token)
	}
	m := message.New(message.TypeCapability, message.Address{})
	if err := m.SetValue(codec.CapabilitiesValue(caps), codec.CapabilitiesType, codec.Options{}); err != nil {
		return err
	}
	reply, err := s.Call(ctx, m).Get(ctx)
	switch {
	case err == nil:
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: capability handshake with %s", ErrTimeout, s.url)
	case errors.Is(err, ErrAuthentication):
		return err
	default:
		var remote *message.RemoteError
		if errors.As(err, &remote) {
			return fmt.Errorf("%w: %w", ErrAuthentication, err)
		}
		return err
	}
	v, err := reply.Value(codec.CapabilitiesType, codec.Options{})
	if err != nil {
		return fmt.Errorf("capability answer: %w", err)
	}
	remote, err := codec.ParseCapabilities(v)
	if err != nil {
		return err
	}
	s.stream.SetRemoteCapabilities(remote)
	return nil
}

// ID returns an identifier used in logs.
func (s *Socket) ID() string { return s.id }

// URL returns the peer endpoint.
func (s *Socket) URL() URL { return s.url }

// IsServer reports whether the socket was accepted by a Server.
func (s *Socket) IsServer() bool { return s.server }

// Stream returns the capability and metaobject cache state of the
// connection.
func (s *Socket) Stream() *codec.StreamContext { return s.stream }

// EventLoop returns the loop reply continuations run on, nil when they run
// on the reader goroutine.
func (s *Socket) EventLoop() *eventloop.EventLoop { return s.loop }

// LocalAddr returns the local network address.
func (s *Socket) LocalAddr() net.Addr { return s.conn.LocalAddr() }

// RemoteAddr returns the remote network address.
func (s *Socket) RemoteAddr() net.Addr { return s.conn.RemoteAddr() }

// State returns the connection state.
func (s *Socket) State() State { return State(s.state.Load()) }

// IsConnected reports whether messages can be sent.
func (s *Socket) IsConnected() bool { return s.State() == StateConnected }

// Done is closed once the socket is disconnected.
func (s *Socket) Done() <-chan struct{} { return s.done }

// Err returns the reason of the disconnection, nil while connected.
func (s *Socket) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// OnDisconnected registers fn to run once when the socket disconnects. It
// runs immediately when the socket is already disconnected.
func (s *Socket) OnDisconnected(fn func(err error)) {
	s.mu.Lock()
	if s.pending == nil {
		err := s.err
		s.mu.Unlock()
		fn(err)
		return
	}
	s.onDisconnect = append(s.onDisconnect, fn)
	s.mu.Unlock()
}

// Send queues m for writing.
func (s *Socket) Send(m *message.Message) error {
	switch s.State() {
	case StateDisconnecting, StateDisconnected:
		return fmt.Errorf("%w: %s", ErrClosed, s.url)
	}
	if !s.out.push(m) {
		return fmt.Errorf("%w: %s", ErrClosed, s.url)
	}
	log.WithFields(logrus.Fields{"socket": s.id, "message": m.String()}).Debug("send")
	return nil
}

func (s *Socket) newPromise() *future.Promise[*message.Message] {
	if s.loop != nil {
		return future.NewPromiseOn[*message.Message](s.loop)
	}
	return future.NewPromise[*message.Message]()
}

// Call sends m and returns a future holding the answer: a Reply (or
// Capability) message, a *message.RemoteError for an Error message, or
// cancellation for a Canceled message. Canceling the future, or ctx, asks
// the peer to cancel when it supports it.
func (s *Socket) Call(ctx context.Context, m *message.Message) *future.Future[*message.Message] {
	p := s.newPromise()
	f := p.Future()

	s.mu.Lock()
	if s.pending == nil {
		err := s.err
		s.mu.Unlock()
		return future.FromError[*message.Message](fmt.Errorf("%w: %v", ErrConnectionLost, err))
	}
	s.pending[m.ID] = p
	s.mu.Unlock()

	p.OnCancel(func() { s.cancelCall(m) })
	if err := s.Send(m); err != nil {
		s.take(m.ID)
		p.SetError(err)
		return f
	}
	if ctx != nil && ctx.Done() != nil {
		stop := context.AfterFunc(ctx, f.Cancel)
		f.Then(func(*future.Future[*message.Message]) { stop() })
	}
	return f
}

func (s *Socket) cancelCall(call *message.Message) {
	if !s.stream.SharedCapability(codec.CapRemoteCancelableCalls) {
		return
	}
	c := message.New(message.TypeCancel, call.Address)
	c.SetCancelTarget(call.ID)
	if err := s.Send(c); err != nil {
		log.WithError(err).WithField("socket", s.id).Debug("cannot send cancel")
	}
}

func (s *Socket) take(id uint32) *future.Promise[*message.Message] {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pending[id]
	if !ok {
		return nil
	}
	delete(s.pending, id)
	return p
}

// PendingCalls returns the number of calls waiting for an answer.
func (s *Socket) PendingCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Close flushes queued messages and disconnects. Pending calls fail with
// ErrConnectionLost.
func (s *Socket) Close() error {
	if !s.state.CompareAndSwap(int32(StateConnected), int32(StateDisconnecting)) &&
		!s.state.CompareAndSwap(int32(StateConnecting), int32(StateDisconnecting)) {
		return nil
	}
	s.out.close()
	time.AfterFunc(closeGrace, func() { _ = s.conn.Close() })
	return nil
}

func (s *Socket) readLoop() {
	for {
		m, err := s.conn.ReadMessage()
		if err != nil {
			s.terminate(err)
			return
		}
		log.WithFields(logrus.Fields{"socket": s.id, "message": m.String()}).Debug("recv")
		s.dispatch(m)
	}
}

func (s *Socket) writeLoop() {
	for {
		m, ok := s.out.pop()
		if !ok {
			break
		}
		if err := s.conn.WriteMessage(m); err != nil {
			s.terminate(err)
			return
		}
	}
	_ = s.conn.Close()
}

func (s *Socket) dispatch(m *message.Message) {
	switch m.Type {
	case message.TypeReply, message.TypeError, message.TypeCanceled:
		s.resolve(m)
		return
	case message.TypeCapability:
		if p := s.take(m.ID); p != nil {
			p.SetValue(m)
			return
		}
		s.answerCapability(m)
		return
	}
	if s.verifier != nil && !s.authenticated.Load() {
		if m.Type == message.TypeCall {
			s.replyError(m, fmt.Errorf("%w: handshake required", ErrAuthentication))
		}
		return
	}
	if s.handler == nil {
		if m.Type == message.TypeCall {
			s.replyError(m, fmt.Errorf("no handler for %s", m.Address))
		}
		return
	}
	s.handler.HandleMessage(s, m)
}

func (s *Socket) resolve(m *message.Message) {
	p := s.take(m.ID)
	if p == nil {
		log.WithFields(logrus.Fields{"socket": s.id, "message": m.String()}).Debug("answer to unknown call")
		return
	}
	switch m.Type {
	case message.TypeReply:
		p.SetValue(m)
	case message.TypeError:
		p.SetError(m.Error())
	case message.TypeCanceled:
		p.SetCanceled()
	}
}

func (s *Socket) replyError(call *message.Message, err error) {
	r := message.NewReply(call, message.TypeError)
	r.SetError(err.Error())
	_ = s.Send(r)
}

func (s *Socket) answerCapability(m *message.Message) {
	v, err := m.Value(codec.CapabilitiesType, codec.Options{})
	if err != nil {
		s.replyError(m, err)
		return
	}
	caps, err := codec.ParseCapabilities(v)
	if err != nil {
		s.replyError(m, err)
		return
	}
	s.stream.SetRemoteCapabilities(caps)

	answer := s.stream.LocalCapabilities()
	if s.verifier != nil {
		extra, err := s.verifier.Verify(caps)
		if err != nil {
			log.WithError(err).WithFields(logrus.Fields{"socket": s.id, "peer": s.conn.RemoteAddr().String()}).Warn("client rejected")
			s.replyError(m, err)
			_ = s.Close()
			return
		}
		for k, v := range extra {
			answer[k] = v
		}
		s.authenticated.Store(true)
	}
	r := message.NewReply(m, message.TypeCapability)
	if err := r.SetValue(codec.CapabilitiesValue(answer), codec.CapabilitiesType, codec.Options{}); err != nil {
		s.replyError(m, err)
		return
	}
	_ = s.Send(r)
}

func (s *Socket) terminate(cause error) {
	s.closeOnce.Do(func() {
		local := s.State() == StateDisconnecting
		s.state.Store(int32(StateDisconnected))
		if local || errors.Is(cause, net.ErrClosed) {
			cause = ErrClosed
		}

		s.mu.Lock()
		pending := s.pending
		s.pending = nil
		cbs := s.onDisconnect
		s.onDisconnect = nil
		s.err = cause
		s.mu.Unlock()

		s.out.close()
		_ = s.conn.Close()
		for _, p := range pending {
			p.SetError(fmt.Errorf("%w: %v", ErrConnectionLost, cause))
		}
		close(s.done)

		entry := log.WithFields(logrus.Fields{"socket": s.id, "endpoint": s.url.String()})
		if local || errors.Is(cause, ErrClosed) {
			entry.Info("disconnected")
		} else {
			entry.WithError(cause).Warn("connection lost")
		}
		for _, cb := range cbs {
			cb(cause)
		}
	})
}

// outbox is the unbounded write queue.
type outbox struct {
	cond   *sync.Cond
	queue  []*message.Message
	closed bool
}

func (o *outbox) push(m *message.Message) bool {
	o.cond.L.Lock()
	if o.closed {
		o.cond.L.Unlock()
		return false
	}
	o.queue = append(o.queue, m)
	o.cond.L.Unlock()
	o.cond.Signal()
	return true
}

// pop blocks for the next message. Once closed it drains what is left and
// then reports false.
func (o *outbox) pop() (*message.Message, bool) {
	o.cond.L.Lock()
	defer o.cond.L.Unlock()
	for len(o.queue) == 0 && !o.closed {
		o.cond.Wait()
	}
	if len(o.queue) == 0 {
		return nil, false
	}
	m := o.queue[0]
	o.queue[0] = nil
	o.queue = o.queue[1:]
	return m, true
}

func (o *outbox) close() {
	o.cond.L.Lock()
	o.closed = true
	o.cond.L.Unlock()
	o.cond.Broadcast()
}

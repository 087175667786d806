// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package session ties objects to the network. A Session connects to a
// service directory, resolves services into proxies, and serves its own
// objects to peers. A standalone session hosts the directory itself.
package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/lithammer/shortuuid/v4"
	"github.com/sirupsen/logrus"

	"github.com/luxfi/qimessaging/codec"
	"github.com/luxfi/qimessaging/directory"
	"github.com/luxfi/qimessaging/eventloop"
	"github.com/luxfi/qimessaging/future"
	"github.com/luxfi/qimessaging/message"
	"github.com/luxfi/qimessaging/object"
	"github.com/luxfi/qimessaging/transport"
	"github.com/luxfi/qimessaging/value"
)

var log = logrus.WithField("category", "qimessaging.session")

// Objects handed out on sockets a session dialed get ids from this base
// upwards, objects handed out on accepted sockets stay below it, so both
// ends of a socket can tell who hosts an id.
const clientObjectBase uint32 = 1 << 31

type objectKey struct {
	sock    *transport.Socket
	service uint32
	object  uint32
}

type callKey struct {
	sock *transport.Socket
	id   uint32
}

// Session is a participant of the object bus.
type Session struct {
	id       string
	opts     *options
	loop     *eventloop.EventLoop
	ownsLoop bool
	cache    *transport.SocketCache

	nextServerObject atomic.Uint32
	nextClientObject atomic.Uint32

	mu         sync.Mutex
	closed     bool
	server     *transport.Server
	dir        object.AnyObject
	dirSock    *transport.Socket
	standalone *directory.Directory
	services   map[string]*future.Future[object.AnyObject]
	mains      map[uint32]*boundObject
	transients map[objectKey]*boundObject
	proxies    map[objectKey]*RemoteObject
	inflight   map[callKey]context.CancelFunc
	tracked    map[*transport.Socket]struct{}
}

var _ transport.Handler = (*Session)(nil)

// New returns an unconnected session.
func New(opts ...Option) *Session {
	o := newOptions(opts)
	s := &Session{
		id:         shortuuid.New(),
		opts:       o,
		loop:       o.loop,
		services:   make(map[string]*future.Future[object.AnyObject]),
		mains:      make(map[uint32]*boundObject),
		transients: make(map[objectKey]*boundObject),
		proxies:    make(map[objectKey]*RemoteObject),
		inflight:   make(map[callKey]context.CancelFunc),
		tracked:    make(map[*transport.Socket]struct{}),
	}
	if s.loop == nil {
		s.loop = eventloop.New("session", runtime.NumCPU())
		s.ownsLoop = true
	}
	s.nextServerObject.Store(message.ObjectMain)
	s.cache = transport.NewSocketCache(o.dialOptions(s, s.loop)...)
	return s
}

// ID identifies the session in service registrations.
func (s *Session) ID() string { return s.id }

// EventLoop returns the loop handlers and continuations run on.
func (s *Session) EventLoop() *eventloop.EventLoop { return s.loop }

// Directory returns the directory hosted by a standalone session.
func (s *Session) Directory() *directory.Directory {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.standalone
}

// DirectoryObject returns the directory the session is attached to, local
// or remote.
func (s *Session) DirectoryObject() (object.AnyObject, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.dir.IsValid() {
		return object.AnyObject{}, ErrNotConnected
	}
	return s.dir, nil
}

// IsConnected reports whether the session is attached to a directory.
func (s *Session) IsConnected() bool {
	_, err := s.DirectoryObject()
	return err == nil
}

func (s *Session) codecOptions(sock *transport.Socket, service uint32) codec.Options {
	return codec.Options{
		Stream:  sock.Stream(),
		Objects: &serializer{sess: s, sock: sock, service: service},
	}
}

// Connect attaches the session to the directory listening at endpoint.
func (s *Session) Connect(ctx context.Context, endpoint string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.dir.IsValid() {
		s.mu.Unlock()
		return ErrAlreadyAttached
	}
	s.mu.Unlock()

	sock, err := s.cache.Socket(ctx, endpoint).Get(ctx)
	if err != nil {
		return err
	}
	s.track(sock)
	mo, err := s.fetchMetaObject(ctx, sock, message.ServiceDirectory)
	if err != nil {
		return fmt.Errorf("fetching directory: %w", err)
	}
	ro := s.proxy(sock, message.ServiceDirectory, message.ObjectMain, mo)
	dir := object.AnyObject{Object: ro}

	s.mu.Lock()
	s.dir = dir
	s.dirSock = sock
	s.mu.Unlock()

	sock.OnDisconnected(func(err error) {
		s.mu.Lock()
		if s.dirSock == sock {
			s.dir = object.AnyObject{}
			s.dirSock = nil
			s.services = make(map[string]*future.Future[object.AnyObject])
		}
		s.mu.Unlock()
		log.WithError(err).WithField("endpoint", sock.URL().String()).Warn("lost the service directory")
	})

	_, err = dir.Connect(ctx, "serviceUnregistered", func(args []value.Value) {
		if name, err := args[1].ToString(); err == nil {
			s.forgetService(name)
		}
	}, nil).Get(ctx)
	if err != nil {
		return fmt.Errorf("watching directory: %w", err)
	}
	log.WithFields(logrus.Fields{"session": s.id, "directory": sock.URL().String()}).Info("connected to directory")
	return nil
}

func (s *Session) fetchMetaObject(ctx context.Context, sock *transport.Socket, service uint32) (*object.MetaObject, error) {
	m := message.New(message.TypeCall, message.Address{Service: service, Object: message.ObjectMain, Action: message.ActionMetaObject})
	opts := s.codecOptions(sock, service)
	if err := m.SetValue(value.Tuple(value.NewUint(value.UInt32Type, uint64(message.ObjectMain))), objectIDType, opts); err != nil {
		return nil, err
	}
	reply, err := sock.Call(ctx, m).Get(ctx)
	if err != nil {
		return nil, err
	}
	v, err := reply.Value(object.MetaObjectType, opts)
	if err != nil {
		return nil, err
	}
	return object.MetaObjectFromValue(v)
}

func (s *Session) forgetService(name string) {
	s.mu.Lock()
	delete(s.services, name)
	s.mu.Unlock()
}

// Service resolves name into an object. Results are cached until the
// service is unregistered or the directory connection is lost.
func (s *Session) Service(ctx context.Context, name string) (object.AnyObject, error) {
	return s.ServiceAsync(ctx, name).Get(ctx)
}

// ServiceAsync is the asynchronous form of Service.
func (s *Session) ServiceAsync(ctx context.Context, name string) *future.Future[object.AnyObject] {
	s.mu.Lock()
	if f, ok := s.services[name]; ok {
		s.mu.Unlock()
		return f
	}
	dir := s.dir
	if !dir.IsValid() {
		s.mu.Unlock()
		return future.FromError[object.AnyObject](ErrNotConnected)
	}
	p := future.NewPromiseOn[object.AnyObject](s.loop)
	f := p.Future()
	s.services[name] = f
	s.mu.Unlock()

	go func() {
		obj, err := s.resolve(ctx, dir, name)
		if err != nil {
			s.mu.Lock()
			if s.services[name] == f {
				delete(s.services, name)
			}
			s.mu.Unlock()
			p.SetError(err)
			return
		}
		p.SetValue(obj)
	}()
	return f
}

func (s *Session) resolve(ctx context.Context, dir object.AnyObject, name string) (object.AnyObject, error) {
	info, err := object.CallAs[directory.ServiceInfo](ctx, dir, "service", name)
	if err != nil {
		return object.AnyObject{}, err
	}
	if info.SessionID == s.id {
		s.mu.Lock()
		b := s.mains[info.ServiceID]
		s.mu.Unlock()
		if b != nil {
			return object.AnyObject{Object: b.obj}, nil
		}
	}
	sock, err := s.cache.SocketFor(ctx, info.Endpoints).Get(ctx)
	if err != nil {
		return object.AnyObject{}, fmt.Errorf("service %s: %w", name, err)
	}
	s.track(sock)
	sock.OnDisconnected(func(error) { s.forgetService(name) })
	mo, err := s.fetchMetaObject(ctx, sock, info.ServiceID)
	if err != nil {
		return object.AnyObject{}, fmt.Errorf("service %s: %w", name, err)
	}
	return object.AnyObject{Object: s.proxy(sock, info.ServiceID, message.ObjectMain, mo)}, nil
}

// Services lists the ready services of the directory.
func (s *Session) Services(ctx context.Context) ([]directory.ServiceInfo, error) {
	dir, err := s.DirectoryObject()
	if err != nil {
		return nil, err
	}
	return object.CallAs[[]directory.ServiceInfo](ctx, dir, "services")
}

// RegisterService publishes obj under name and returns its service id.
// The session must listen on at least one endpoint first.
func (s *Session) RegisterService(ctx context.Context, name string, obj object.Object) (uint32, error) {
	dir, err := s.DirectoryObject()
	if err != nil {
		return 0, err
	}
	eps := s.Endpoints()
	if len(eps) == 0 {
		return 0, ErrNotListening
	}
	info := directory.ServiceInfo{
		Name:      name,
		MachineID: directory.LocalMachineID(),
		ProcessID: uint32(os.Getpid()),
		Endpoints: urlStrings(eps),
		SessionID: s.id,
	}
	id, err := object.CallAs[uint32](ctx, dir, "registerService", info)
	if err != nil {
		return 0, err
	}
	b := newBoundObject(name, id, message.ObjectMain, obj)
	s.mu.Lock()
	s.mains[id] = b
	s.mu.Unlock()

	if _, err := dir.Call(ctx, "serviceReady", id).Get(ctx); err != nil {
		s.dropMain(id)
		_, _ = dir.Call(context.WithoutCancel(ctx), "unregisterService", id).Get(ctx)
		return 0, err
	}
	return id, nil
}

// UnregisterService removes service id from the directory and stops
// serving it.
func (s *Session) UnregisterService(ctx context.Context, id uint32) error {
	dir, err := s.DirectoryObject()
	if err != nil {
		return err
	}
	_, err = dir.Call(ctx, "unregisterService", id).Get(ctx)
	s.dropMain(id)
	return err
}

func (s *Session) dropMain(id uint32) {
	s.mu.Lock()
	b := s.mains[id]
	delete(s.mains, id)
	s.mu.Unlock()
	if b != nil {
		b.dropSocket(nil)
	}
}

// Listen serves the session's objects on endpoint and returns the bound
// endpoint.
func (s *Session) Listen(endpoint string) (transport.URL, error) {
	srv, err := s.transportServer()
	if err != nil {
		return transport.URL{}, err
	}
	u, err := srv.Listen(endpoint)
	if err != nil {
		return transport.URL{}, err
	}
	s.refreshSelf()
	return u, nil
}

// Serve accepts peers from an existing listener, such as a websocket
// acceptor mounted on an HTTP router.
func (s *Session) Serve(l transport.Listener) error {
	srv, err := s.transportServer()
	if err != nil {
		return err
	}
	if err := srv.Serve(l); err != nil {
		return err
	}
	s.refreshSelf()
	return nil
}

func (s *Session) transportServer() (*transport.Server, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if s.server == nil {
		s.server = transport.NewServer(func(sock *transport.Socket) transport.Handler {
			s.track(sock)
			return s
		}, s.opts.serverOptions(s.loop)...)
	}
	return s.server, nil
}

// ListenStandalone hosts a service directory in this session and serves it
// on endpoint.
func (s *Session) ListenStandalone(endpoint string) (transport.URL, error) {
	d, err := directory.New(s.loop)
	if err != nil {
		return transport.URL{}, err
	}
	s.mu.Lock()
	if s.dir.IsValid() {
		s.mu.Unlock()
		return transport.URL{}, ErrAlreadyAttached
	}
	s.standalone = d
	s.dir = object.AnyObject{Object: d.Object()}
	s.mains[message.ServiceDirectory] = newBoundObject(directory.Name, message.ServiceDirectory, message.ObjectMain, d.Object())
	s.mu.Unlock()

	u, err := s.Listen(endpoint)
	if err != nil {
		s.mu.Lock()
		s.standalone = nil
		s.dir = object.AnyObject{}
		delete(s.mains, message.ServiceDirectory)
		s.mu.Unlock()
		return transport.URL{}, err
	}
	return u, nil
}

func (s *Session) refreshSelf() {
	s.mu.Lock()
	d := s.standalone
	s.mu.Unlock()
	if d != nil {
		d.RegisterSelf(urlStrings(s.Endpoints()), s.id, uint32(os.Getpid()))
	}
}

// Endpoints returns the endpoints peers can reach the session on.
func (s *Session) Endpoints() []transport.URL {
	s.mu.Lock()
	srv := s.server
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Endpoints()
}

func urlStrings(us []transport.URL) []string {
	out := make([]string, len(us))
	for i, u := range us {
		out[i] = u.String()
	}
	return out
}

// Close stops serving and disconnects every socket.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	srv := s.server
	s.dir = object.AnyObject{}
	s.dirSock = nil
	s.mu.Unlock()

	var errs []error
	if srv != nil {
		errs = append(errs, srv.Close())
	}
	errs = append(errs, s.cache.Close())
	if s.ownsLoop {
		s.loop.Stop()
	}
	log.WithField("session", s.id).Info("session closed")
	return errors.Join(errs...)
}

// track makes the session forget everything tied to sock once it
// disconnects.
func (s *Session) track(sock *transport.Socket) {
	s.mu.Lock()
	if _, ok := s.tracked[sock]; ok {
		s.mu.Unlock()
		return
	}
	s.tracked[sock] = struct{}{}
	s.mu.Unlock()
	sock.OnDisconnected(func(error) { s.dropSocket(sock) })
}

func (s *Session) dropSocket(sock *transport.Socket) {
	s.mu.Lock()
	delete(s.tracked, sock)
	var dropped []*boundObject
	for k, b := range s.transients {
		if k.sock == sock {
			dropped = append(dropped, b)
			delete(s.transients, k)
		}
	}
	for k := range s.proxies {
		if k.sock == sock {
			delete(s.proxies, k)
		}
	}
	var cancels []context.CancelFunc
	for k, cancel := range s.inflight {
		if k.sock == sock {
			cancels = append(cancels, cancel)
			delete(s.inflight, k)
		}
	}
	mains := make([]*boundObject, 0, len(s.mains))
	for _, b := range s.mains {
		mains = append(mains, b)
	}
	s.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	for _, b := range mains {
		b.dropSocket(sock)
	}
	for _, b := range dropped {
		b.dropSocket(nil)
	}
}

// proxy returns the proxy for (service, obj) on sock, creating it on first
// use.
func (s *Session) proxy(sock *transport.Socket, service, obj uint32, mo *object.MetaObject) *RemoteObject {
	k := objectKey{sock, service, obj}
	s.mu.Lock()
	defer s.mu.Unlock()
	if ro, ok := s.proxies[k]; ok {
		return ro
	}
	ro := newRemoteObject(s, sock, service, obj, mo)
	s.proxies[k] = ro
	return ro
}

func (s *Session) forgetProxy(ro *RemoteObject) {
	k := objectKey{ro.sock, ro.service, ro.object}
	s.mu.Lock()
	if s.proxies[k] == ro {
		delete(s.proxies, k)
	}
	s.mu.Unlock()
}

// hostsLocally reports whether object id obj on sock is served by this
// end of the socket.
func hostsLocally(sock *transport.Socket, obj uint32) bool {
	if sock.IsServer() {
		return obj < clientObjectBase
	}
	return obj >= clientObjectBase
}

func (s *Session) lookup(sock *transport.Socket, service, obj uint32) *boundObject {
	s.mu.Lock()
	defer s.mu.Unlock()
	if obj == message.ObjectMain {
		return s.mains[service]
	}
	return s.transients[objectKey{sock, service, obj}]
}

// bind hosts obj for the peer behind sock, reusing an existing binding.
func (s *Session) bind(sock *transport.Socket, service uint32, obj object.Object) *boundObject {
	s.mu.Lock()
	defer s.mu.Unlock()
	// Main ids are only meaningful to peers that connected to us.
	if sock.IsServer() {
		for _, b := range s.mains {
			if b.obj == obj {
				return b
			}
		}
	}
	for k, b := range s.transients {
		if k.sock == sock && b.obj == obj {
			return b
		}
	}
	var id uint32
	if sock.IsServer() {
		id = s.nextServerObject.Add(1)
	} else {
		id = clientObjectBase + s.nextClientObject.Add(1)
	}
	b := newBoundObject("", service, id, obj)
	s.transients[objectKey{sock, service, id}] = b
	return b
}

func (s *Session) terminate(sock *transport.Socket, service, obj uint32) error {
	if obj == message.ObjectMain {
		return fmt.Errorf("%w: service %d cannot be terminated", ErrObjectNotFound, service)
	}
	k := objectKey{sock, service, obj}
	s.mu.Lock()
	b, ok := s.transients[k]
	delete(s.transients, k)
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %d.%d", ErrObjectNotFound, service, obj)
	}
	b.dropSocket(nil)
	return nil
}

// serializer hosts objects sent on sock and builds proxies for objects
// received from it.
type serializer struct {
	sess    *Session
	sock    *transport.Socket
	service uint32
}

func (z *serializer) SerializeObject(x any) (codec.ObjectInfo, error) {
	obj, err := object.Unwrap(value.NewObject(x))
	if err != nil {
		return codec.ObjectInfo{}, err
	}
	if obj == nil {
		return codec.ObjectInfo{ObjectID: codec.NullObjectID}, nil
	}
	if ro, ok := obj.(*RemoteObject); ok && ro.sock == z.sock {
		return codec.ObjectInfo{MetaObject: ro.meta, ServiceID: ro.service, ObjectID: ro.object}, nil
	}
	return z.sess.bind(z.sock, z.service, obj).info(), nil
}

func (z *serializer) DeserializeObject(info codec.ObjectInfo) (any, error) {
	if hostsLocally(z.sock, info.ObjectID) {
		b := z.sess.lookup(z.sock, info.ServiceID, info.ObjectID)
		if b == nil {
			return nil, fmt.Errorf("%w: %d.%d", ErrObjectNotFound, info.ServiceID, info.ObjectID)
		}
		return b.obj, nil
	}
	return z.sess.proxy(z.sock, info.ServiceID, info.ObjectID, info.MetaObject), nil
}

// HandleMessage serves the calls, posts, events and cancels arriving on
// sock.
func (s *Session) HandleMessage(sock *transport.Socket, m *message.Message) {
	switch m.Type {
	case message.TypeCall, message.TypePost:
		s.handleCall(sock, m)
	case message.TypeEvent:
		s.mu.Lock()
		ro := s.proxies[objectKey{sock, m.Service, m.Object}]
		s.mu.Unlock()
		if ro != nil {
			ro.deliver(m)
		}
	case message.TypeCancel:
		target, err := m.CancelTarget()
		if err != nil {
			return
		}
		s.mu.Lock()
		cancel := s.inflight[callKey{sock, target}]
		s.mu.Unlock()
		if cancel != nil {
			cancel()
		}
	default:
		log.WithField("message", m.String()).Debug("unexpected message")
	}
}

func (s *Session) handleCall(sock *transport.Socket, m *message.Message) {
	b := s.lookup(sock, m.Service, m.Object)
	if b == nil {
		if m.Type == message.TypeCall {
			r := message.NewReply(m, message.TypeError)
			r.SetError(fmt.Sprintf("%s: %s", ErrObjectNotFound, m.Address))
			_ = sock.Send(r)
		}
		return
	}
	opts := s.codecOptions(sock, m.Service)
	base := transport.WithSocket(context.Background(), sock)
	if m.Type == message.TypePost && m.Action >= object.FirstMemberID {
		if err := s.post(base, b, m, opts); err != nil {
			log.WithError(err).WithField("message", m.String()).Debug("post failed")
		}
		return
	}

	ctx, cancel := context.WithCancel(base)

	var (
		f   *future.Future[value.Value]
		ret value.Type
	)
	if m.Action < object.FirstMemberID {
		f, ret = s.builtin(ctx, sock, b, m, opts)
	} else {
		f, ret = s.invoke(ctx, b, m, opts)
	}
	if m.Type == message.TypePost {
		f.Then(func(*future.Future[value.Value]) { cancel() })
		return
	}

	k := callKey{sock, m.ID}
	s.mu.Lock()
	s.inflight[k] = cancel
	s.mu.Unlock()
	f.Then(func(f *future.Future[value.Value]) {
		s.mu.Lock()
		delete(s.inflight, k)
		s.mu.Unlock()
		cancel()
		s.answer(sock, m, f, ret, opts)
	})
}

func (s *Session) invoke(ctx context.Context, b *boundObject, m *message.Message, opts codec.Options) (*future.Future[value.Value], value.Type) {
	mm, ok := b.meta.Method(m.Action)
	if !ok {
		return future.FromError[value.Value](fmt.Errorf("%w: id %d", object.ErrMethodNotFound, m.Action)), value.VoidType
	}
	pt, err := value.ParseType(mm.ParametersSignature)
	if err != nil {
		return future.FromError[value.Value](err), value.VoidType
	}
	rt, err := mm.ReturnType()
	if err != nil {
		return future.FromError[value.Value](err), value.VoidType
	}
	args, err := decodeArgs(m, pt, opts)
	if err != nil {
		return future.FromError[value.Value](err), rt
	}
	return b.obj.CallID(ctx, m.Action, args), rt
}

func (s *Session) post(ctx context.Context, b *boundObject, m *message.Message, opts codec.Options) error {
	var sig string
	if ms, ok := b.meta.Signal(m.Action); ok {
		sig = ms.Signature
	} else if mm, ok := b.meta.Method(m.Action); ok {
		sig = mm.ParametersSignature
	} else {
		return fmt.Errorf("%w: id %d", object.ErrSignalNotFound, m.Action)
	}
	t, err := value.ParseType(sig)
	if err != nil {
		return err
	}
	args, err := decodeArgs(m, t, opts)
	if err != nil {
		return err
	}
	return b.obj.PostID(ctx, m.Action, args)
}

func (s *Session) answer(sock *transport.Socket, call *message.Message, f *future.Future[value.Value], ret value.Type, opts codec.Options) {
	var r *message.Message
	switch {
	case f.IsCanceled():
		r = message.NewReply(call, message.TypeCanceled)
	case f.HasError():
		r = message.NewReply(call, message.TypeError)
		r.SetError(f.Err().Error())
	default:
		v, _ := f.Result()
		r = message.NewReply(call, message.TypeReply)
		if err := r.SetValue(v, ret, opts); err != nil {
			r = message.NewReply(call, message.TypeError)
			r.SetError(fmt.Sprintf("encoding result of %s: %v", call.Address, err))
		}
	}
	if err := sock.Send(r); err != nil {
		log.WithError(err).WithField("message", r.String()).Debug("cannot answer")
	}
}

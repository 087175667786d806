// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/luxfi/qimessaging/codec"
	"github.com/luxfi/qimessaging/eventloop"
	"github.com/luxfi/qimessaging/future"
	"github.com/luxfi/qimessaging/message"
	"github.com/luxfi/qimessaging/object"
	"github.com/luxfi/qimessaging/transport"
	"github.com/luxfi/qimessaging/value"
)

// RemoteObject is a proxy for an object served by a peer. Member accesses
// become messages on the peer's socket. Events are delivered to local
// subscribers on the session's event loop, in emission order.
type RemoteObject struct {
	sess    *Session
	sock    *transport.Socket
	service uint32
	object  uint32
	meta    *object.MetaObject
	events  *eventloop.Strand

	mu   sync.Mutex
	subs map[uint32]map[object.LinkID]object.Subscriber
}

var _ object.Object = (*RemoteObject)(nil)

func newRemoteObject(s *Session, sock *transport.Socket, service, obj uint32, mo *object.MetaObject) *RemoteObject {
	return &RemoteObject{
		sess:    s,
		sock:    sock,
		service: service,
		object:  obj,
		meta:    mo,
		events:  eventloop.NewStrand(s.loop),
		subs:    make(map[uint32]map[object.LinkID]object.Subscriber),
	}
}

// ServiceID returns the service the object belongs to.
func (r *RemoteObject) ServiceID() uint32 { return r.service }

// ObjectID returns the object id within the service.
func (r *RemoteObject) ObjectID() uint32 { return r.object }

// Socket returns the socket the object is reached through.
func (r *RemoteObject) Socket() *transport.Socket { return r.sock }

// MetaObject returns the description fetched from the peer.
func (r *RemoteObject) MetaObject() *object.MetaObject { return r.meta }

func (r *RemoteObject) String() string {
	return fmt.Sprintf("remote %d.%d@%s", r.service, r.object, r.sock.URL())
}

func (r *RemoteObject) opts() codec.Options {
	return r.sess.codecOptions(r.sock, r.service)
}

func (r *RemoteObject) send(t message.Type, action uint32, args value.Value, argType value.Type) (*message.Message, error) {
	m := message.New(t, message.Address{Service: r.service, Object: r.object, Action: action})
	if err := m.SetValue(args, argType, r.opts()); err != nil {
		return nil, err
	}
	return m, nil
}

func (r *RemoteObject) call(ctx context.Context, action uint32, args value.Value, argType, retType value.Type) *future.Future[value.Value] {
	m, err := r.send(message.TypeCall, action, args, argType)
	if err != nil {
		return future.FromError[value.Value](err)
	}
	return future.Map(r.sock.Call(ctx, m), func(reply *message.Message) (value.Value, error) {
		return reply.Value(retType, r.opts())
	})
}

// CallID calls method id on the peer.
func (r *RemoteObject) CallID(ctx context.Context, id uint32, args []value.Value) *future.Future[value.Value] {
	mm, ok := r.meta.Method(id)
	if !ok {
		return future.FromError[value.Value](fmt.Errorf("%w: id %d", object.ErrMethodNotFound, id))
	}
	conv, err := object.PrepareArgs(mm, args)
	if err != nil {
		return future.FromError[value.Value](err)
	}
	pt, err := value.ParseType(mm.ParametersSignature)
	if err != nil {
		return future.FromError[value.Value](err)
	}
	rt, err := mm.ReturnType()
	if err != nil {
		return future.FromError[value.Value](err)
	}
	return r.call(ctx, id, value.NewTuple(pt, conv), pt, rt)
}

// PostID emits signal id on the peer, or calls method id without waiting.
func (r *RemoteObject) PostID(_ context.Context, id uint32, args []value.Value) error {
	var (
		t   value.Type
		err error
	)
	if sig, ok := r.meta.Signal(id); ok {
		t, err = value.ParseType(sig.Signature)
	} else if mm, ok := r.meta.Method(id); ok {
		if args, err = object.PrepareArgs(mm, args); err == nil {
			t, err = value.ParseType(mm.ParametersSignature)
		}
	} else {
		err = fmt.Errorf("%w: id %d", object.ErrSignalNotFound, id)
	}
	if err != nil {
		return err
	}
	tt, ok := t.(*value.TupleType)
	if !ok || tt.Len() != len(args) {
		return &object.ArityError{Member: fmt.Sprint(id), Want: tupleLen(t), Got: len(args)}
	}
	m, err := r.send(message.TypePost, id, value.NewTuple(t, args), t)
	if err != nil {
		return err
	}
	return r.sock.Send(m)
}

func tupleLen(t value.Type) int {
	if tt, ok := t.(*value.TupleType); ok {
		return tt.Len()
	}
	return 1
}

// ConnectID subscribes sub to signal id. The subscription is active on the
// peer once the returned future holds the link.
func (r *RemoteObject) ConnectID(ctx context.Context, id uint32, sub object.Subscriber) *future.Future[object.LinkID] {
	if _, ok := r.meta.Signal(id); !ok {
		return future.FromError[object.LinkID](fmt.Errorf("%w: id %d", object.ErrSignalNotFound, id))
	}
	if sub.Handler == nil {
		return future.FromError[object.LinkID](fmt.Errorf("%w: nil subscriber", object.ErrInvalidHandler))
	}
	link := object.NewLinkID()
	r.mu.Lock()
	if r.subs[id] == nil {
		r.subs[id] = make(map[object.LinkID]object.Subscriber)
	}
	r.subs[id][link] = sub
	r.mu.Unlock()

	args := value.Tuple(
		value.NewUint(value.UInt32Type, uint64(r.object)),
		value.NewUint(value.UInt32Type, uint64(id)),
		value.NewUint(value.UInt64Type, uint64(link)),
	)
	f := r.call(ctx, message.ActionRegisterEvent, args, registerEventType, value.UInt64Type)
	lf := future.Map(f, func(value.Value) (object.LinkID, error) { return link, nil })
	lf.Then(func(lf *future.Future[object.LinkID]) {
		if lf.Err() != nil {
			r.removeSub(id, link)
		}
	})
	return lf
}

func (r *RemoteObject) removeSub(id uint32, link object.LinkID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.subs[id][link]; !ok {
		return false
	}
	delete(r.subs[id], link)
	return true
}

// Disconnect removes a subscription made with ConnectID.
func (r *RemoteObject) Disconnect(ctx context.Context, link object.LinkID) *future.Future[struct{}] {
	signal, found := uint32(0), false
	r.mu.Lock()
	for id, subs := range r.subs {
		if _, ok := subs[link]; ok {
			delete(subs, link)
			signal, found = id, true
			break
		}
	}
	r.mu.Unlock()
	if !found {
		return future.FromError[struct{}](fmt.Errorf("%w: no link %d", object.ErrSignalNotFound, link))
	}
	args := value.Tuple(
		value.NewUint(value.UInt32Type, uint64(r.object)),
		value.NewUint(value.UInt32Type, uint64(signal)),
		value.NewUint(value.UInt64Type, uint64(link)),
	)
	f := r.call(ctx, message.ActionUnregisterEvent, args, registerEventType, value.VoidType)
	return future.Map(f, func(value.Value) (struct{}, error) { return struct{}{}, nil })
}

// PropertyID reads property id from the peer.
func (r *RemoteObject) PropertyID(ctx context.Context, id uint32) *future.Future[value.Value] {
	p, ok := r.meta.Property(id)
	if !ok {
		return future.FromError[value.Value](fmt.Errorf("%w: id %d", object.ErrPropertyNotFound, id))
	}
	t, err := value.ParseType(p.Signature)
	if err != nil {
		return future.FromError[value.Value](err)
	}
	args := value.Tuple(value.NewDynamic(value.NewUint(value.UInt32Type, uint64(id))))
	f := r.call(ctx, message.ActionProperty, args, propertyType, value.DynamicType)
	return future.Map(f, func(v value.Value) (value.Value, error) {
		out, _, err := v.Unwrap().Convert(t)
		return out, err
	})
}

// SetPropertyID writes property id on the peer.
func (r *RemoteObject) SetPropertyID(ctx context.Context, id uint32, v value.Value) *future.Future[struct{}] {
	if _, ok := r.meta.Property(id); !ok {
		return future.FromError[struct{}](fmt.Errorf("%w: id %d", object.ErrPropertyNotFound, id))
	}
	args := value.Tuple(
		value.NewDynamic(value.NewUint(value.UInt32Type, uint64(id))),
		value.NewDynamic(v),
	)
	f := r.call(ctx, message.ActionSetProperty, args, setPropertyType, value.VoidType)
	return future.Map(f, func(value.Value) (struct{}, error) { return struct{}{}, nil })
}

// Close releases the object on the peer. Services stay registered; only
// objects the peer handed out are terminated.
func (r *RemoteObject) Close(ctx context.Context) error {
	r.sess.forgetProxy(r)
	if r.object == message.ObjectMain {
		return nil
	}
	args := value.Tuple(value.NewUint(value.UInt32Type, uint64(r.object)))
	_, err := r.call(ctx, message.ActionTerminate, args, objectIDType, value.VoidType).Get(ctx)
	return err
}

// deliver hands an event message to the local subscribers of its signal.
func (r *RemoteObject) deliver(m *message.Message) {
	sig, ok := r.meta.Signal(m.Action)
	if !ok {
		log.WithField("event", m.Address.String()).Debug("event for unknown signal")
		return
	}
	t, err := value.ParseType(sig.Signature)
	if err != nil {
		return
	}
	v, err := m.Value(t, r.opts())
	if err != nil {
		log.WithError(err).WithFields(logrus.Fields{"event": m.Address.String(), "signal": sig.Name}).Warn("cannot decode event")
		return
	}
	args, err := v.Elements()
	if err != nil {
		return
	}

	r.mu.Lock()
	subs := make([]object.Subscriber, 0, len(r.subs[m.Action]))
	for _, sub := range r.subs[m.Action] {
		subs = append(subs, sub)
	}
	r.mu.Unlock()

	e := &object.Emission{Context: context.Background(), Signal: m.Action, Args: args}
	for _, sub := range subs {
		h := sub.Handler
		exec := sub.Executor
		if exec == nil {
			exec = r.events
		}
		exec.Post(func() { h(e) })
	}
}

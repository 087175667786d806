// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package session

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/luxfi/qimessaging/buffer"
	"github.com/luxfi/qimessaging/codec"
	"github.com/luxfi/qimessaging/future"
	"github.com/luxfi/qimessaging/message"
	"github.com/luxfi/qimessaging/object"
	"github.com/luxfi/qimessaging/transport"
	"github.com/luxfi/qimessaging/value"
)

// Payload types of the built-in actions.
var (
	registerEventType    = value.TupleOf(value.UInt32Type, value.UInt32Type, value.UInt64Type)
	registerEventSigType = value.TupleOf(value.UInt32Type, value.UInt32Type, value.UInt64Type, value.StringType)
	objectIDType         = value.TupleOf(value.UInt32Type)
	propertyType         = value.TupleOf(value.DynamicType)
	setPropertyType      = value.TupleOf(value.DynamicType, value.DynamicType)
	propertyNamesType    = value.ListOf(value.StringType)
)

type linkKey struct {
	sock   *transport.Socket
	remote uint64
}

// boundObject is an object reachable at (service, id). Services are bound
// with id 1; objects handed to a peer get a fresh id on that peer's socket.
type boundObject struct {
	name    string
	service uint32
	id      uint32
	obj     object.Object
	meta    *object.MetaObject

	mu    sync.Mutex
	links map[linkKey]object.LinkID
}

func newBoundObject(name string, service, id uint32, obj object.Object) *boundObject {
	return &boundObject{
		name:    name,
		service: service,
		id:      id,
		obj:     obj,
		meta:    obj.MetaObject().Public(),
		links:   make(map[linkKey]object.LinkID),
	}
}

func (b *boundObject) info() codec.ObjectInfo {
	return codec.ObjectInfo{MetaObject: b.meta, ServiceID: b.service, ObjectID: b.id}
}

func (b *boundObject) addLink(sock *transport.Socket, remote uint64, local object.LinkID) {
	b.mu.Lock()
	b.links[linkKey{sock, remote}] = local
	b.mu.Unlock()
}

func (b *boundObject) takeLink(sock *transport.Socket, remote uint64) (object.LinkID, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	k := linkKey{sock, remote}
	l, ok := b.links[k]
	delete(b.links, k)
	return l, ok
}

// dropSocket removes the subscriptions made through sock, or all of them
// when sock is nil.
func (b *boundObject) dropSocket(sock *transport.Socket) {
	b.mu.Lock()
	var locals []object.LinkID
	for k, l := range b.links {
		if sock == nil || k.sock == sock {
			locals = append(locals, l)
			delete(b.links, k)
		}
	}
	b.mu.Unlock()
	for _, l := range locals {
		b.obj.Disconnect(context.Background(), l)
	}
}

func decodeArgs(m *message.Message, t value.Type, opts codec.Options) ([]value.Value, error) {
	v, err := m.Value(t, opts)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", object.ErrArgumentConversion, m.Address, err)
	}
	return v.Elements()
}

func uintArg(v value.Value) uint64 {
	u, _ := v.ToUint()
	return u
}

// builtin answers the actions every bound object supports.
func (s *Session) builtin(ctx context.Context, sock *transport.Socket, b *boundObject, m *message.Message, opts codec.Options) (*future.Future[value.Value], value.Type) {
	fail := func(err error) (*future.Future[value.Value], value.Type) {
		return future.FromError[value.Value](err), value.VoidType
	}
	switch m.Action {
	case message.ActionRegisterEvent, message.ActionRegisterEventWithSignature:
		t := registerEventType
		if m.Action == message.ActionRegisterEventWithSignature {
			t = registerEventSigType
		}
		args, err := decodeArgs(m, t, opts)
		if err != nil {
			return fail(err)
		}
		signal, remote := uint32(uintArg(args[1])), uintArg(args[2])
		sig, ok := b.meta.Signal(signal)
		if !ok {
			return fail(fmt.Errorf("%w: id %d", object.ErrSignalNotFound, signal))
		}
		sigType, err := value.ParseType(sig.Signature)
		if err != nil {
			return fail(err)
		}
		sub := object.Subscriber{Handler: s.forwarder(sock, b, signal, sigType)}
		f := future.Map(b.obj.ConnectID(ctx, signal, sub), func(l object.LinkID) (value.Value, error) {
			b.addLink(sock, remote, l)
			return value.NewUint(value.UInt64Type, remote), nil
		})
		return f, value.UInt64Type

	case message.ActionUnregisterEvent:
		args, err := decodeArgs(m, registerEventType, opts)
		if err != nil {
			return fail(err)
		}
		local, ok := b.takeLink(sock, uintArg(args[2]))
		if !ok {
			return fail(fmt.Errorf("%w: no link %d", object.ErrSignalNotFound, uintArg(args[2])))
		}
		return future.Map(b.obj.Disconnect(ctx, local), func(struct{}) (value.Value, error) {
			return value.Void(), nil
		}), value.VoidType

	case message.ActionMetaObject:
		return future.FromValue(b.meta.ToValue()), object.MetaObjectType

	case message.ActionTerminate:
		args, err := decodeArgs(m, objectIDType, opts)
		if err != nil {
			return fail(err)
		}
		if err := s.terminate(sock, b.service, uint32(uintArg(args[0]))); err != nil {
			return fail(err)
		}
		return future.FromValue(value.Void()), value.VoidType

	case message.ActionProperty:
		args, err := decodeArgs(m, propertyType, opts)
		if err != nil {
			return fail(err)
		}
		id, err := propertyID(b.meta, args[0])
		if err != nil {
			return fail(err)
		}
		return b.obj.PropertyID(ctx, id), value.DynamicType

	case message.ActionSetProperty:
		args, err := decodeArgs(m, setPropertyType, opts)
		if err != nil {
			return fail(err)
		}
		id, err := propertyID(b.meta, args[0])
		if err != nil {
			return fail(err)
		}
		return future.Map(b.obj.SetPropertyID(ctx, id, args[1].Unwrap()), func(struct{}) (value.Value, error) {
			return value.Void(), nil
		}), value.VoidType

	case message.ActionProperties:
		ids := make([]uint32, 0, len(b.meta.Properties))
		for id := range b.meta.Properties {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		names := make([]value.Value, len(ids))
		for i, id := range ids {
			names[i] = value.NewString(b.meta.Properties[id].Name)
		}
		return future.FromValue(value.NewList(propertyNamesType, names)), propertyNamesType
	}
	return fail(fmt.Errorf("%w: action %d", object.ErrMethodNotFound, m.Action))
}

// propertyID resolves a property given by id or by name.
func propertyID(mo *object.MetaObject, v value.Value) (uint32, error) {
	v = v.Unwrap()
	if v.Kind() == value.KindString {
		name, _ := v.ToString()
		id, ok := mo.PropertyID(name)
		if !ok {
			return 0, fmt.Errorf("%w: %s", object.ErrPropertyNotFound, name)
		}
		return id, nil
	}
	u, err := v.ToUint()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", object.ErrPropertyNotFound, err)
	}
	if _, ok := mo.Property(uint32(u)); !ok {
		return 0, fmt.Errorf("%w: id %d", object.ErrPropertyNotFound, u)
	}
	return uint32(u), nil
}

// forwarder sends emissions of signal to the subscriber behind sock. The
// arguments are encoded once per socket and emission.
func (s *Session) forwarder(sock *transport.Socket, b *boundObject, signal uint32, sigType value.Type) func(e *object.Emission) {
	return func(e *object.Emission) {
		if !sock.IsConnected() {
			return
		}
		payload, err := e.Memo(sock, func() (any, error) {
			return codec.Marshal(value.NewTuple(sigType, e.Args), s.codecOptions(sock, b.service))
		})
		if err != nil {
			log.WithError(err).WithFields(logrus.Fields{"service": b.service, "signal": signal}).Warn("cannot encode event")
			return
		}
		m := message.New(message.TypeEvent, message.Address{Service: b.service, Object: b.id, Action: signal})
		m.Payload = payload.(*buffer.Buffer)
		_ = sock.Send(m)
	}
}

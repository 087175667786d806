// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package object implements the service-side object model: the MetaObject
// describing an object's methods, signals and properties, the Builder that
// advertises them, and GenericObject which dispatches calls by member id.
//
// Remote proxies implement the same Object interface, so code holding an
// AnyObject does not need to know whether the object is local.
package object

import (
	"context"
	"errors"
	"fmt"
	"reflect"

	"github.com/sirupsen/logrus"

	"github.com/luxfi/qimessaging/eventloop"
	"github.com/luxfi/qimessaging/future"
	"github.com/luxfi/qimessaging/value"
)

var log = logrus.WithField("category", "qimessaging.object")

// Object is anything whose members can be reached by id.
type Object interface {
	MetaObject() *MetaObject
	CallID(ctx context.Context, method uint32, args []value.Value) *future.Future[value.Value]
	PostID(ctx context.Context, member uint32, args []value.Value) error
	ConnectID(ctx context.Context, signal uint32, sub Subscriber) *future.Future[LinkID]
	Disconnect(ctx context.Context, link LinkID) *future.Future[struct{}]
	PropertyID(ctx context.Context, property uint32) *future.Future[value.Value]
	SetPropertyID(ctx context.Context, property uint32, v value.Value) *future.Future[struct{}]
}

func init() {
	value.RegisterObjectInterface(reflect.TypeOf((*Object)(nil)).Elem())
}

// GenericObject dispatches member accesses to the handlers registered with
// a Builder.
type GenericObject struct {
	uid   string
	meta  *MetaObject
	model ThreadingModel

	loop   *eventloop.EventLoop
	strand *eventloop.Strand

	methods    map[uint32]*methodSpec
	signals    map[uint32]*Signal
	properties map[uint32]*Property
}

var _ Object = (*GenericObject)(nil)

// UID returns an identifier unique to this object instance.
func (o *GenericObject) UID() string { return o.uid }

// MetaObject returns the object's description, private signals included.
func (o *GenericObject) MetaObject() *MetaObject { return o.meta }

// ThreadingModel returns the object's threading model.
func (o *GenericObject) ThreadingModel() ThreadingModel { return o.model }

// CallID invokes method id with args.
func (o *GenericObject) CallID(ctx context.Context, id uint32, args []value.Value) *future.Future[value.Value] {
	m, ok := o.methods[id]
	if !ok {
		return future.FromError[value.Value](fmt.Errorf("%w: id %d", ErrMethodNotFound, id))
	}
	conv, err := PrepareArgs(m.meta, args)
	if err != nil {
		return future.FromError[value.Value](err)
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)
	p := future.NewPromise[value.Value]()
	p.OnCancel(cancel)

	err = o.schedule(ctx, m.callType, func(ctx context.Context) {
		defer cancel()
		res, err := o.invoke(ctx, m, conv)
		switch {
		case errors.Is(err, context.Canceled):
			p.SetCanceled()
		case err != nil:
			p.SetError(err)
		default:
			p.SetValue(res)
		}
	})
	if err != nil {
		cancel()
		p.SetError(err)
	}
	return p.Future()
}

// schedule runs fn according to ct. Auto calls run inline only when they
// are re-entrant: made from a handler already running in the object's
// strand, or on its loop for multithreaded objects. Anything else, calls
// read from a socket included, is queued.
func (o *GenericObject) schedule(ctx context.Context, ct CallType, fn func(context.Context)) error {
	if ct == CallDirect {
		fn(ctx)
		return nil
	}
	if o.strand != nil {
		if ct == CallAuto && eventloop.InStrand(ctx, o.strand) {
			fn(ctx)
			return nil
		}
		if o.loop.Stopped() {
			return eventloop.ErrStopped
		}
		o.strand.PostContext(func(context.Context) {
			fn(eventloop.WithStrand(ctx, o.strand))
		})
		return nil
	}
	if ct == CallAuto && eventloop.OnLoop(ctx, o.loop) {
		fn(ctx)
		return nil
	}
	return o.loop.TryPost(func() { fn(eventloop.WithLoop(ctx, o.loop)) })
}

func (o *GenericObject) invoke(ctx context.Context, m *methodSpec, args []value.Value) (res value.Value, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.WithFields(logrus.Fields{"method": m.meta.Signature(), "panic": r}).Error("method handler panicked")
			err = fmt.Errorf("%s: handler panicked: %v", m.meta.Name, r)
		}
	}()
	if err := ctx.Err(); err != nil {
		return value.Value{}, err
	}
	res, err = m.fn(ctx, args)
	if err != nil {
		return value.Value{}, err
	}
	if !res.IsValid() {
		res = value.Void()
	}
	out, _, err := res.Convert(m.ret)
	if err != nil {
		return value.Value{}, fmt.Errorf("%s: bad return value: %w", m.meta.Name, err)
	}
	return out, nil
}

// PostID emits signal id with args, or calls method id discarding the
// result.
func (o *GenericObject) PostID(ctx context.Context, id uint32, args []value.Value) error {
	if s, ok := o.signals[id]; ok {
		return s.Emit(ctx, args)
	}
	if _, ok := o.methods[id]; ok {
		f := o.CallID(ctx, id, args)
		f.Then(func(f *future.Future[value.Value]) {
			if err := f.Err(); err != nil && !f.IsCanceled() {
				log.WithError(err).WithField("member", id).Debug("posted call failed")
			}
		})
		return nil
	}
	return fmt.Errorf("%w: id %d", ErrSignalNotFound, id)
}

// ConnectID subscribes sub to signal id.
func (o *GenericObject) ConnectID(_ context.Context, id uint32, sub Subscriber) *future.Future[LinkID] {
	s, ok := o.signals[id]
	if !ok {
		return future.FromError[LinkID](fmt.Errorf("%w: id %d", ErrSignalNotFound, id))
	}
	if sub.Handler == nil {
		return future.FromError[LinkID](fmt.Errorf("%w: nil subscriber", ErrInvalidHandler))
	}
	return future.FromValue(s.Connect(sub))
}

// Disconnect removes the subscription link.
func (o *GenericObject) Disconnect(_ context.Context, link LinkID) *future.Future[struct{}] {
	for _, s := range o.signals {
		if s.Disconnect(link) {
			return future.FromValue(struct{}{})
		}
	}
	return future.FromError[struct{}](fmt.Errorf("%w: no link %d", ErrSignalNotFound, link))
}

// PropertyID returns the current value of property id.
func (o *GenericObject) PropertyID(_ context.Context, id uint32) *future.Future[value.Value] {
	p, ok := o.properties[id]
	if !ok {
		return future.FromError[value.Value](fmt.Errorf("%w: id %d", ErrPropertyNotFound, id))
	}
	return future.FromValue(p.Get())
}

// SetPropertyID sets property id and notifies its subscribers.
func (o *GenericObject) SetPropertyID(ctx context.Context, id uint32, v value.Value) *future.Future[struct{}] {
	p, ok := o.properties[id]
	if !ok {
		return future.FromError[struct{}](fmt.Errorf("%w: id %d", ErrPropertyNotFound, id))
	}
	if err := p.Set(ctx, v); err != nil {
		return future.FromError[struct{}](err)
	}
	return future.FromValue(struct{}{})
}

// Signal returns the signal with id.
func (o *GenericObject) Signal(id uint32) (*Signal, bool) {
	s, ok := o.signals[id]
	return s, ok
}

// SignalByName returns the named signal.
func (o *GenericObject) SignalByName(name string) (*Signal, bool) {
	id, ok := o.meta.SignalID(name)
	if !ok {
		return nil, false
	}
	return o.Signal(id)
}

// Property returns the named property.
func (o *GenericObject) Property(name string) (*Property, bool) {
	id, ok := o.meta.PropertyID(name)
	if !ok {
		return nil, false
	}
	p, ok := o.properties[id]
	return p, ok
}

// Emit fires the named signal.
func (o *GenericObject) Emit(ctx context.Context, name string, args ...any) error {
	s, ok := o.SignalByName(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrSignalNotFound, name)
	}
	vals := make([]value.Value, len(args))
	for i, a := range args {
		vals[i] = value.From(a)
	}
	return s.Emit(ctx, vals)
}

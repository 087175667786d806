// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package object

import (
	"context"
	"fmt"

	"github.com/luxfi/qimessaging/future"
	"github.com/luxfi/qimessaging/value"
)

// AnyObject adds name-based access on top of an Object.
type AnyObject struct {
	Object
}

// IsValid reports whether the handle points to an object.
func (o AnyObject) IsValid() bool { return o.Object != nil }

func toValues(args []any) ([]value.Value, []value.Type) {
	vals := make([]value.Value, len(args))
	types := make([]value.Type, len(args))
	for i, a := range args {
		vals[i] = value.From(a)
		types[i] = vals[i].Type()
	}
	return vals, types
}

func (o AnyObject) resolve(name string, args []any) (MetaMethod, []value.Value, error) {
	if o.Object == nil {
		return MetaMethod{}, nil, fmt.Errorf("%w: null object", ErrMethodNotFound)
	}
	vals, types := toValues(args)
	m, err := o.MetaObject().FindMethod(name, types)
	if err != nil {
		return MetaMethod{}, nil, err
	}
	conv, err := PrepareArgs(m, vals)
	if err != nil {
		return MetaMethod{}, nil, err
	}
	return m, conv, nil
}

// Call invokes the named method. name may carry a parameter signature,
// as in "reply::(s)", to pick an overload.
func (o AnyObject) Call(ctx context.Context, name string, args ...any) *future.Future[value.Value] {
	m, conv, err := o.resolve(name, args)
	if err != nil {
		return future.FromError[value.Value](err)
	}
	return o.CallID(ctx, m.UID, conv)
}

// Post invokes the named method or emits the named signal without waiting
// for a result.
func (o AnyObject) Post(ctx context.Context, name string, args ...any) error {
	if o.Object == nil {
		return fmt.Errorf("%w: null object", ErrSignalNotFound)
	}
	if id, ok := o.MetaObject().SignalID(name); ok {
		vals, _ := toValues(args)
		return o.PostID(ctx, id, vals)
	}
	m, conv, err := o.resolve(name, args)
	if err != nil {
		return err
	}
	return o.PostID(ctx, m.UID, conv)
}

// Connect subscribes handler to the named signal. The handler runs on exec,
// or synchronously with the emission when exec is nil.
func (o AnyObject) Connect(ctx context.Context, signal string, handler func(args []value.Value), exec future.Executor) *future.Future[LinkID] {
	if o.Object == nil {
		return future.FromError[LinkID](fmt.Errorf("%w: null object", ErrSignalNotFound))
	}
	id, ok := o.MetaObject().SignalID(signal)
	if !ok {
		return future.FromError[LinkID](fmt.Errorf("%w: %s", ErrSignalNotFound, signal))
	}
	return o.ConnectID(ctx, id, Subscriber{
		Handler:  func(e *Emission) { handler(e.Args) },
		Executor: exec,
	})
}

// Property reads the named property.
func (o AnyObject) Property(ctx context.Context, name string) *future.Future[value.Value] {
	if o.Object == nil {
		return future.FromError[value.Value](fmt.Errorf("%w: null object", ErrPropertyNotFound))
	}
	id, ok := o.MetaObject().PropertyID(name)
	if !ok {
		return future.FromError[value.Value](fmt.Errorf("%w: %s", ErrPropertyNotFound, name))
	}
	return o.PropertyID(ctx, id)
}

// SetProperty writes the named property.
func (o AnyObject) SetProperty(ctx context.Context, name string, v any) *future.Future[struct{}] {
	if o.Object == nil {
		return future.FromError[struct{}](fmt.Errorf("%w: null object", ErrPropertyNotFound))
	}
	id, ok := o.MetaObject().PropertyID(name)
	if !ok {
		return future.FromError[struct{}](fmt.Errorf("%w: %s", ErrPropertyNotFound, name))
	}
	return o.SetPropertyID(ctx, id, value.From(v))
}

// CallAs calls the named method and converts the result to T.
func CallAs[T any](ctx context.Context, o AnyObject, name string, args ...any) (T, error) {
	v, err := o.Call(ctx, name, args...).Get(ctx)
	if err != nil {
		var zero T
		return zero, err
	}
	var zero T
	if _, ok := any(zero).(AnyObject); ok {
		obj, err := Unwrap(v)
		if err != nil {
			return zero, err
		}
		return any(AnyObject{Object: obj}).(T), nil
	}
	return value.As[T](v)
}

// Unwrap returns the Object behind a value of the object kind.
func Unwrap(v value.Value) (Object, error) {
	x, err := v.Unwrap().ToObject()
	if err != nil {
		return nil, err
	}
	switch obj := x.(type) {
	case AnyObject:
		return obj.Object, nil
	case *AnyObject:
		return obj.Object, nil
	case Object:
		return obj, nil
	}
	return nil, fmt.Errorf("%w: %T is not an object", value.ErrTypeMismatch, x)
}

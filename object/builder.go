// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package object

import (
	"context"
	"fmt"
	"reflect"

	"github.com/lithammer/shortuuid/v4"

	"github.com/luxfi/qimessaging/eventloop"
	"github.com/luxfi/qimessaging/value"
)

// FirstMemberID is the id of the first advertised member. Lower ids are
// reserved for the built-in actions every bound object answers.
const FirstMemberID uint32 = 100

// ThreadingModel selects how an object's handlers may overlap.
type ThreadingModel int

const (
	// SingleThread runs the object's handlers one at a time on a strand.
	SingleThread ThreadingModel = iota
	// MultiThread lets handlers run concurrently.
	MultiThread
)

// CallType selects where a method handler runs.
type CallType int

const (
	// CallAuto runs re-entrant calls inline and queues the others.
	CallAuto CallType = iota
	// CallDirect always runs on the caller's goroutine.
	CallDirect
	// CallQueued always goes through the object's queue.
	CallQueued
)

// MethodFunc is the generic method handler. args already match the
// advertised parameter types.
type MethodFunc func(ctx context.Context, args []value.Value) (value.Value, error)

type methodOptions struct {
	callType          CallType
	description       string
	returnDescription string
	paramNames        []string
}

// MethodOption customizes an advertised method.
type MethodOption func(*methodOptions)

// WithCallType sets the method call type. The default is CallAuto.
func WithCallType(ct CallType) MethodOption {
	return func(o *methodOptions) { o.callType = ct }
}

// WithDescription documents the method.
func WithDescription(desc string) MethodOption {
	return func(o *methodOptions) { o.description = desc }
}

// WithReturnDescription documents the returned value.
func WithReturnDescription(desc string) MethodOption {
	return func(o *methodOptions) { o.returnDescription = desc }
}

// WithParameterNames names the parameters in order.
func WithParameterNames(names ...string) MethodOption {
	return func(o *methodOptions) { o.paramNames = names }
}

type signalOptions struct {
	private bool
}

// SignalOption customizes an advertised signal.
type SignalOption func(*signalOptions)

// Private keeps the signal out of the metaobject sent to remote peers.
func Private() SignalOption {
	return func(o *signalOptions) { o.private = true }
}

type methodSpec struct {
	meta     MetaMethod
	ret      value.Type
	fn       MethodFunc
	callType CallType
}

type propertySpec struct {
	meta    MetaProperty
	typ     value.Type
	initial value.Value
}

// Builder accumulates members and produces objects sharing one immutable
// MetaObject. Member ids are allocated in advertisement order starting at
// FirstMemberID.
type Builder struct {
	nextID      uint32
	model       ThreadingModel
	description string

	methods    map[uint32]*methodSpec
	signals    map[uint32]MetaSignal
	properties map[uint32]*propertySpec
	names      map[string]uint32

	meta *MetaObject
}

// NewBuilder returns an empty builder for single-threaded objects.
func NewBuilder() *Builder {
	return &Builder{
		nextID:     FirstMemberID,
		methods:    make(map[uint32]*methodSpec),
		signals:    make(map[uint32]MetaSignal),
		properties: make(map[uint32]*propertySpec),
		names:      make(map[string]uint32),
	}
}

// SetThreadingModel selects the threading model of built objects.
func (b *Builder) SetThreadingModel(m ThreadingModel) *Builder {
	b.model = m
	return b
}

// SetDescription sets the object description.
func (b *Builder) SetDescription(desc string) *Builder {
	b.description = desc
	b.meta = nil
	return b
}

func (b *Builder) allocate(key string) (uint32, error) {
	if _, ok := b.names[key]; ok {
		return 0, fmt.Errorf("%w: %s", ErrDuplicateMember, key)
	}
	id := b.nextID
	b.nextID++
	b.names[key] = id
	b.meta = nil
	return id, nil
}

func tupleSignature(sig string) (value.Type, error) {
	if sig == "" {
		return value.TupleOf(), nil
	}
	t, err := value.ParseType(sig)
	if err != nil {
		return nil, err
	}
	if t.Kind() != value.KindTuple {
		t = value.TupleOf(t)
	}
	return t, nil
}

// AdvertiseMethod adds a method taking paramsSig (a tuple signature, or a
// single element) and returning returnSig.
func (b *Builder) AdvertiseMethod(name, paramsSig, returnSig string, fn MethodFunc, opts ...MethodOption) (uint32, error) {
	if fn == nil {
		return 0, fmt.Errorf("%w: nil handler for %s", ErrInvalidHandler, name)
	}
	params, err := tupleSignature(paramsSig)
	if err != nil {
		return 0, fmt.Errorf("method %s: %w", name, err)
	}
	if returnSig == "" {
		returnSig = "v"
	}
	ret, err := value.ParseType(returnSig)
	if err != nil {
		return 0, fmt.Errorf("method %s: %w", name, err)
	}
	var o methodOptions
	for _, opt := range opts {
		opt(&o)
	}
	psig := params.Signature().String()
	id, err := b.allocate("method:" + name + "::" + psig)
	if err != nil {
		return 0, err
	}
	mm := MetaMethod{
		UID:                 id,
		ReturnSignature:     ret.Signature().String(),
		Name:                name,
		ParametersSignature: psig,
		Description:         o.description,
		ReturnDescription:   o.returnDescription,
	}
	for _, n := range o.paramNames {
		mm.Parameters = append(mm.Parameters, MetaMethodParameter{Name: n})
	}
	b.methods[id] = &methodSpec{meta: mm, ret: ret, fn: fn, callType: o.callType}
	return id, nil
}

// AdvertiseFunc adds a method backed by an ordinary Go function. The
// signature is derived from fn's parameter and result types. fn may take a
// leading context.Context, may be variadic, and may return a value, an
// error, or a value and an error.
func (b *Builder) AdvertiseFunc(name string, fn any, opts ...MethodOption) (uint32, error) {
	params, ret, h, err := reflectFunc(fn)
	if err != nil {
		return 0, fmt.Errorf("method %s: %w", name, err)
	}
	return b.AdvertiseMethod(name, value.TupleOf(params...).Signature().String(), ret.Signature().String(), h, opts...)
}

// AdvertiseSignal adds a signal whose arguments match sig.
func (b *Builder) AdvertiseSignal(name, sig string, opts ...SignalOption) (uint32, error) {
	t, err := tupleSignature(sig)
	if err != nil {
		return 0, fmt.Errorf("signal %s: %w", name, err)
	}
	var o signalOptions
	for _, opt := range opts {
		opt(&o)
	}
	id, err := b.allocate("signal:" + name)
	if err != nil {
		return 0, err
	}
	b.signals[id] = MetaSignal{UID: id, Name: name, Signature: t.Signature().String(), Private: o.private}
	return id, nil
}

// AdvertiseProperty adds a property of type sig holding initial (nil for
// the zero value). A change signal with the same name and id is added too.
func (b *Builder) AdvertiseProperty(name, sig string, initial any) (uint32, error) {
	t, err := value.ParseType(sig)
	if err != nil {
		return 0, fmt.Errorf("property %s: %w", name, err)
	}
	var init value.Value
	if initial != nil {
		init = value.From(initial)
		if _, _, err := init.Convert(t); err != nil {
			return 0, fmt.Errorf("property %s: %w", name, err)
		}
	}
	if _, ok := b.names["signal:"+name]; ok {
		return 0, fmt.Errorf("%w: signal:%s", ErrDuplicateMember, name)
	}
	id, err := b.allocate("property:" + name)
	if err != nil {
		return 0, err
	}
	b.names["signal:"+name] = id
	b.properties[id] = &propertySpec{
		meta:    MetaProperty{UID: id, Name: name, Signature: t.Signature().String()},
		typ:     t,
		initial: init,
	}
	b.signals[id] = MetaSignal{UID: id, Name: name, Signature: value.TupleOf(t).Signature().String()}
	return id, nil
}

// MetaObject returns the description of the members advertised so far.
func (b *Builder) MetaObject() *MetaObject {
	if b.meta != nil {
		return b.meta
	}
	mo := &MetaObject{
		Methods:     make(map[uint32]MetaMethod, len(b.methods)),
		Signals:     make(map[uint32]MetaSignal, len(b.signals)),
		Properties:  make(map[uint32]MetaProperty, len(b.properties)),
		Description: b.description,
	}
	for id, m := range b.methods {
		mo.Methods[id] = m.meta
	}
	for id, s := range b.signals {
		mo.Signals[id] = s
	}
	for id, p := range b.properties {
		mo.Properties[id] = p.meta
	}
	b.meta = mo
	return mo
}

// Object instantiates a GenericObject scheduling on loop. Each call yields
// an independent object with its own signal subscriptions and property
// values.
func (b *Builder) Object(loop *eventloop.EventLoop) (*GenericObject, error) {
	if loop == nil {
		loop = eventloop.Default()
	}
	o := &GenericObject{
		uid:        shortuuid.New(),
		meta:       b.MetaObject(),
		model:      b.model,
		loop:       loop,
		methods:    make(map[uint32]*methodSpec, len(b.methods)),
		signals:    make(map[uint32]*Signal, len(b.signals)),
		properties: make(map[uint32]*Property, len(b.properties)),
	}
	if b.model == SingleThread {
		o.strand = eventloop.NewStrand(loop)
	}
	for id, m := range b.methods {
		o.methods[id] = m
	}
	for id, p := range b.properties {
		prop, err := newProperty(id, p.meta.Name, p.typ, p.initial)
		if err != nil {
			return nil, err
		}
		o.properties[id] = prop
		o.signals[id] = prop.Signal()
	}
	for id, s := range b.signals {
		if _, ok := o.signals[id]; ok {
			continue
		}
		t, err := value.ParseType(s.Signature)
		if err != nil {
			return nil, err
		}
		o.signals[id] = newSignal(id, s.Name, t)
	}
	return o, nil
}

var (
	ctxType = reflect.TypeOf((*context.Context)(nil)).Elem()
	errType = reflect.TypeOf((*error)(nil)).Elem()
)

func reflectFunc(fn any) ([]value.Type, value.Type, MethodFunc, error) {
	rv := reflect.ValueOf(fn)
	if rv.Kind() != reflect.Func || rv.IsNil() {
		return nil, nil, nil, fmt.Errorf("%w: %T is not a function", ErrInvalidHandler, fn)
	}
	ft := rv.Type()

	first := 0
	if ft.NumIn() > 0 && ft.In(0) == ctxType {
		first = 1
	}
	var params []value.Type
	var goParams []reflect.Type
	for i := first; i < ft.NumIn(); i++ {
		in := ft.In(i)
		goParams = append(goParams, in)
		t := value.TypeOfReflect(in)
		if ft.IsVariadic() && i == ft.NumIn()-1 {
			t = value.VarArgsOf(value.TypeOfReflect(in.Elem()))
		}
		if t.Kind() == value.KindUnknown {
			return nil, nil, nil, fmt.Errorf("%w: unsupported parameter type %s", ErrInvalidHandler, in)
		}
		params = append(params, t)
	}

	ret := value.VoidType
	retErr := -1
	switch ft.NumOut() {
	case 0:
	case 1:
		if ft.Out(0) == errType {
			retErr = 0
		} else {
			ret = value.TypeOfReflect(ft.Out(0))
		}
	case 2:
		if ft.Out(1) != errType {
			return nil, nil, nil, fmt.Errorf("%w: second result of %s must be error", ErrInvalidHandler, ft)
		}
		ret = value.TypeOfReflect(ft.Out(0))
		retErr = 1
	default:
		return nil, nil, nil, fmt.Errorf("%w: too many results in %s", ErrInvalidHandler, ft)
	}
	if ret.Kind() == value.KindUnknown {
		return nil, nil, nil, fmt.Errorf("%w: unsupported result type in %s", ErrInvalidHandler, ft)
	}

	h := func(ctx context.Context, args []value.Value) (value.Value, error) {
		in := make([]reflect.Value, 0, len(goParams)+first)
		if first == 1 {
			in = append(in, reflect.ValueOf(&ctx).Elem())
		}
		for i, a := range args {
			ptr := reflect.New(goParams[i])
			if err := a.AssignTo(ptr.Interface()); err != nil {
				return value.Value{}, wrapArg(ft.String(), i, err)
			}
			in = append(in, ptr.Elem())
		}
		var out []reflect.Value
		if ft.IsVariadic() {
			out = rv.CallSlice(in)
		} else {
			out = rv.Call(in)
		}
		if retErr >= 0 {
			if err, _ := out[retErr].Interface().(error); err != nil {
				return value.Value{}, err
			}
		}
		if ret == value.VoidType {
			return value.Void(), nil
		}
		return value.From(out[0].Interface()), nil
	}
	return params, ret, h, nil
}

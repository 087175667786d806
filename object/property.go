// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package object

import (
	"context"
	"fmt"
	"sync"

	"github.com/luxfi/qimessaging/buffer"
	"github.com/luxfi/qimessaging/value"
)

// Property is a typed value whose changes are announced on a signal sharing
// the property's id.
type Property struct {
	id   uint32
	name string
	typ  value.Type

	mu  sync.RWMutex
	val value.Value

	changed *Signal
}

func newProperty(id uint32, name string, typ value.Type, initial value.Value) (*Property, error) {
	if !initial.IsValid() {
		initial = zeroOf(typ)
	}
	v, _, err := initial.Convert(typ)
	if err != nil {
		return nil, fmt.Errorf("initial value of %s: %w", name, err)
	}
	return &Property{
		id:      id,
		name:    name,
		typ:     typ,
		val:     v.Clone(),
		changed: newSignal(id, name, value.TupleOf(typ)),
	}, nil
}

// ID returns the property id.
func (p *Property) ID() uint32 { return p.id }

// Name returns the property name.
func (p *Property) Name() string { return p.name }

// Type returns the property descriptor.
func (p *Property) Type() value.Type { return p.typ }

// Signal returns the change signal.
func (p *Property) Signal() *Signal { return p.changed }

// Get returns the current value.
func (p *Property) Get() value.Value {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.val
}

// Set converts v, stores it and emits the change signal.
func (p *Property) Set(ctx context.Context, v value.Value) error {
	c, _, err := v.Convert(p.typ)
	if err != nil {
		return fmt.Errorf("%w: property %s: %w", ErrArgumentConversion, p.name, err)
	}
	c = c.Clone()
	p.mu.Lock()
	p.val = c
	p.mu.Unlock()
	return p.changed.Emit(ctx, []value.Value{c})
}

// zeroOf returns the zero value of t.
func zeroOf(t value.Type) value.Value {
	switch tt := t.(type) {
	case *value.IntType:
		if tt.IsBool() {
			return value.NewBool(false)
		}
		if tt.Signed() {
			return value.NewInt(t, 0)
		}
		return value.NewUint(t, 0)
	case *value.FloatType:
		return value.NewFloat(t, 0)
	case *value.ListType:
		return value.NewList(t, nil)
	case *value.MapType:
		return value.NewMap(t, nil)
	case *value.OptionalType:
		return value.None(t)
	case *value.TupleType:
		members := make([]value.Value, tt.Len())
		for i := range members {
			members[i] = zeroOf(tt.Member(i))
		}
		return value.NewTuple(t, members)
	}
	switch t.Kind() {
	case value.KindString:
		return value.NewString("")
	case value.KindDynamic:
		return value.NewDynamic(value.Void())
	case value.KindObject:
		return value.NewObject(nil)
	case value.KindRaw:
		return value.NewRaw(buffer.New())
	}
	return value.Void()
}

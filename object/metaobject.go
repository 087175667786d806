// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package object

import (
	"fmt"
	"sort"
	"strings"

	"github.com/luxfi/qimessaging/signature"
	"github.com/luxfi/qimessaging/value"
)

// MetaMethodParameter documents one method parameter.
type MetaMethodParameter struct {
	Name        string `qi:"name"`
	Description string `qi:"description"`
}

// MetaMethod describes a callable method. ParametersSignature is a tuple
// signature such as "(si)".
type MetaMethod struct {
	UID                 uint32                `qi:"uid"`
	ReturnSignature     string                `qi:"returnSignature"`
	Name                string                `qi:"name"`
	ParametersSignature string                `qi:"parametersSignature"`
	Description         string                `qi:"description"`
	Parameters          []MetaMethodParameter `qi:"parameters"`
	ReturnDescription   string                `qi:"returnDescription"`
}

// Signature returns name::(params).
func (m MetaMethod) Signature() string {
	return m.Name + "::" + m.ParametersSignature
}

// ParameterTypes returns the parameter descriptors.
func (m MetaMethod) ParameterTypes() ([]value.Type, error) {
	t, err := value.ParseType(m.ParametersSignature)
	if err != nil {
		return nil, err
	}
	tt, ok := t.(*value.TupleType)
	if !ok {
		return nil, fmt.Errorf("%w: parameters of %s are not a tuple", signature.ErrMalformed, m.Name)
	}
	return tt.Members(), nil
}

// ReturnType returns the return descriptor.
func (m MetaMethod) ReturnType() (value.Type, error) {
	return value.ParseType(m.ReturnSignature)
}

// MetaSignal describes a signal. Private signals stay local and are never
// shown to remote peers.
type MetaSignal struct {
	UID       uint32 `qi:"uid"`
	Name      string `qi:"name"`
	Signature string `qi:"signature"`
	Private   bool   `qi:"-"`
}

// ArgumentTypes returns the descriptors of the signal arguments.
func (s MetaSignal) ArgumentTypes() ([]value.Type, error) {
	t, err := value.ParseType(s.Signature)
	if err != nil {
		return nil, err
	}
	if tt, ok := t.(*value.TupleType); ok {
		return tt.Members(), nil
	}
	return []value.Type{t}, nil
}

// MetaProperty describes a property. Its UID is shared with the signal
// emitted when the property changes.
type MetaProperty struct {
	UID       uint32 `qi:"uid"`
	Name      string `qi:"name"`
	Signature string `qi:"signature"`
}

// MetaObject is the immutable description of what an object exposes.
type MetaObject struct {
	Methods     map[uint32]MetaMethod   `qi:"methods"`
	Signals     map[uint32]MetaSignal   `qi:"signals"`
	Properties  map[uint32]MetaProperty `qi:"properties"`
	Description string                  `qi:"description"`
}

// MetaObjectType is the wire descriptor of a MetaObject.
var MetaObjectType = value.TypeOf[MetaObject]()

// ToValue returns the MetaObject as a value of MetaObjectType.
func (mo *MetaObject) ToValue() value.Value {
	return value.From(*mo)
}

// MetaObjectFromValue rebuilds a MetaObject from its value form.
func MetaObjectFromValue(v value.Value) (*MetaObject, error) {
	mo, err := value.As[MetaObject](v)
	if err != nil {
		return nil, fmt.Errorf("decoding metaobject: %w", err)
	}
	if mo.Methods == nil {
		mo.Methods = map[uint32]MetaMethod{}
	}
	if mo.Signals == nil {
		mo.Signals = map[uint32]MetaSignal{}
	}
	if mo.Properties == nil {
		mo.Properties = map[uint32]MetaProperty{}
	}
	return &mo, nil
}

// Public returns mo without its private signals. mo itself is returned when
// it has none.
func (mo *MetaObject) Public() *MetaObject {
	private := false
	for _, s := range mo.Signals {
		private = private || s.Private
	}
	if !private {
		return mo
	}
	out := &MetaObject{
		Methods:     mo.Methods,
		Signals:     make(map[uint32]MetaSignal, len(mo.Signals)),
		Properties:  mo.Properties,
		Description: mo.Description,
	}
	for id, s := range mo.Signals {
		if !s.Private {
			out.Signals[id] = s
		}
	}
	return out
}

// Method returns the method with the given id.
func (mo *MetaObject) Method(id uint32) (MetaMethod, bool) {
	m, ok := mo.Methods[id]
	return m, ok
}

// Signal returns the signal with the given id.
func (mo *MetaObject) Signal(id uint32) (MetaSignal, bool) {
	s, ok := mo.Signals[id]
	return s, ok
}

// Property returns the property with the given id.
func (mo *MetaObject) Property(id uint32) (MetaProperty, bool) {
	p, ok := mo.Properties[id]
	return p, ok
}

// MethodsByName returns the overloads of name ordered by id.
func (mo *MetaObject) MethodsByName(name string) []MetaMethod {
	var out []MetaMethod
	for _, m := range mo.Methods {
		if m.Name == name {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UID < out[j].UID })
	return out
}

// SignalID returns the id of the named signal.
func (mo *MetaObject) SignalID(name string) (uint32, bool) {
	name, _, _ = strings.Cut(name, "::")
	for id, s := range mo.Signals {
		if s.Name == name {
			return id, true
		}
	}
	return 0, false
}

// PropertyID returns the id of the named property.
func (mo *MetaObject) PropertyID(name string) (uint32, bool) {
	for id, p := range mo.Properties {
		if p.Name == name {
			return id, true
		}
	}
	return 0, false
}

// FindMethod resolves a method from a name, or a name::(params) signature,
// and the types of the arguments about to be passed. When several overloads
// accept the arguments the one needing the fewest conversions wins.
func (mo *MetaObject) FindMethod(name string, args []value.Type) (MetaMethod, error) {
	name, params, full := strings.Cut(name, "::")
	candidates := mo.MethodsByName(name)
	if full {
		for _, m := range candidates {
			if m.ParametersSignature == params {
				return m, nil
			}
		}
		return MetaMethod{}, fmt.Errorf("%w: %s::%s", ErrMethodNotFound, name, params)
	}
	switch len(candidates) {
	case 0:
		return MetaMethod{}, fmt.Errorf("%w: %s", ErrMethodNotFound, name)
	case 1:
		return candidates[0], nil
	}

	best, bestScore := -1, -1
	for i, m := range candidates {
		score, ok := matchScore(m, args)
		if !ok {
			continue
		}
		if score > bestScore {
			best, bestScore = i, score
		}
	}
	if best < 0 {
		return MetaMethod{}, fmt.Errorf("%w: no overload of %s accepts %d arguments", ErrMethodNotFound, name, len(args))
	}
	return candidates[best], nil
}

func matchScore(m MetaMethod, args []value.Type) (int, bool) {
	params, err := m.ParameterTypes()
	if err != nil {
		return 0, false
	}
	variadic := len(params) > 0 && params[len(params)-1].Kind() == value.KindVarArgs
	if !variadic && len(params) != len(args) {
		return 0, false
	}
	if variadic && len(args) < len(params)-1 {
		return 0, false
	}
	score := 0
	for i, a := range args {
		var p value.Type
		if variadic && i >= len(params)-1 {
			p = params[len(params)-1].(*value.ListType).Elem()
		} else {
			p = params[i]
		}
		switch {
		case p == a:
			score += 2
		case value.CanConvert(a, p):
			score++
		default:
			return 0, false
		}
	}
	return score, true
}

// PrepareArgs converts args to the parameter types of m, folding trailing
// arguments into the variadic parameter when m has one.
func PrepareArgs(m MetaMethod, args []value.Value) ([]value.Value, error) {
	params, err := m.ParameterTypes()
	if err != nil {
		return nil, err
	}
	if n := len(params); n > 0 && params[n-1].Kind() == value.KindVarArgs {
		last := params[n-1]
		folded := len(args) == n && (args[n-1].Kind() == value.KindList || args[n-1].Kind() == value.KindVarArgs)
		if !folded {
			if len(args) < n-1 {
				return nil, &ArityError{Member: m.Name, Want: n - 1, Got: len(args)}
			}
			elem := last.(*value.ListType).Elem()
			rest := make([]value.Value, 0, len(args)-(n-1))
			for i, a := range args[n-1:] {
				c, _, err := a.Convert(elem)
				if err != nil {
					return nil, wrapArg(m.Name, n-1+i, err)
				}
				rest = append(rest, c)
			}
			args = append(append([]value.Value(nil), args[:n-1]...), value.NewList(last, rest))
		}
	}
	if len(args) != len(params) {
		return nil, &ArityError{Member: m.Name, Want: len(params), Got: len(args)}
	}
	out := make([]value.Value, len(args))
	for i, a := range args {
		c, _, err := a.Convert(params[i])
		if err != nil {
			return nil, wrapArg(m.Name, i, err)
		}
		out[i] = c
	}
	return out, nil
}

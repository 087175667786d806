// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package object

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/luxfi/qimessaging/future"
	"github.com/luxfi/qimessaging/value"
)

// LinkID identifies a subscription. Ids are unique in the process.
type LinkID uint64

// InvalidLink is never returned by a successful Connect.
const InvalidLink LinkID = 0

var nextLink atomic.Uint64

// NewLinkID allocates a process-unique link id.
func NewLinkID() LinkID { return LinkID(nextLink.Add(1)) }

// Emission is one firing of a signal as seen by subscribers. Subscribers
// that serialize the arguments can share the work through Memo.
type Emission struct {
	Context context.Context
	Signal  uint32
	Args    []value.Value

	mu   sync.Mutex
	memo map[any]any
}

// Memo returns the value cached under key, computing it with build on first
// use. Errors are not cached.
func (e *Emission) Memo(key any, build func() (any, error)) (any, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if v, ok := e.memo[key]; ok {
		return v, nil
	}
	v, err := build()
	if err != nil {
		return nil, err
	}
	if e.memo == nil {
		e.memo = make(map[any]any)
	}
	e.memo[key] = v
	return v, nil
}

// Subscriber receives emissions. With a nil Executor the handler runs
// synchronously on the emitting goroutine.
type Subscriber struct {
	Handler  func(e *Emission)
	Executor future.Executor
}

type subscription struct {
	link LinkID
	sub  Subscriber
}

// Signal holds the subscribers of one advertised signal.
type Signal struct {
	id   uint32
	name string
	typ  value.Type

	mu   sync.Mutex
	subs map[LinkID]subscription

	// onSubscribers is called when the signal gains its first subscriber or
	// loses its last one.
	onSubscribers func(has bool)
}

func newSignal(id uint32, name string, typ value.Type) *Signal {
	return &Signal{id: id, name: name, typ: typ, subs: make(map[LinkID]subscription)}
}

// ID returns the signal id.
func (s *Signal) ID() uint32 { return s.id }

// Name returns the signal name.
func (s *Signal) Name() string { return s.name }

// Type returns the tuple descriptor of the signal arguments.
func (s *Signal) Type() value.Type { return s.typ }

// SetOnSubscribers installs fn, called on transitions between having and
// not having subscribers.
func (s *Signal) SetOnSubscribers(fn func(has bool)) {
	s.mu.Lock()
	s.onSubscribers = fn
	s.mu.Unlock()
}

// Connect adds sub and returns its link.
func (s *Signal) Connect(sub Subscriber) LinkID {
	return s.connectAs(NewLinkID(), sub)
}

func (s *Signal) connectAs(link LinkID, sub Subscriber) LinkID {
	s.mu.Lock()
	first := len(s.subs) == 0
	s.subs[link] = subscription{link: link, sub: sub}
	cb := s.onSubscribers
	s.mu.Unlock()
	if first && cb != nil {
		cb(true)
	}
	return link
}

// Disconnect removes the subscription and reports whether it existed.
func (s *Signal) Disconnect(link LinkID) bool {
	s.mu.Lock()
	_, ok := s.subs[link]
	delete(s.subs, link)
	last := ok && len(s.subs) == 0
	cb := s.onSubscribers
	s.mu.Unlock()
	if last && cb != nil {
		cb(false)
	}
	return ok
}

// SubscriberCount returns the number of live subscriptions.
func (s *Signal) SubscriberCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// Emit delivers args to every subscriber present at call time, in link
// order. Args are converted to the signal's argument types first.
func (s *Signal) Emit(ctx context.Context, args []value.Value) error {
	conv, err := s.convert(args)
	if err != nil {
		return err
	}
	s.mu.Lock()
	subs := make([]subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()
	sort.Slice(subs, func(i, j int) bool { return subs[i].link < subs[j].link })

	e := &Emission{Context: ctx, Signal: s.id, Args: conv}
	for _, sub := range subs {
		h := sub.sub.Handler
		if sub.sub.Executor == nil {
			h(e)
			continue
		}
		sub.sub.Executor.Post(func() { h(e) })
	}
	return nil
}

func (s *Signal) convert(args []value.Value) ([]value.Value, error) {
	tt, ok := s.typ.(*value.TupleType)
	if !ok {
		return args, nil
	}
	if tt.Len() != len(args) {
		return nil, &ArityError{Member: s.name, Want: tt.Len(), Got: len(args)}
	}
	out := make([]value.Value, len(args))
	for i, a := range args {
		c, _, err := a.Convert(tt.Member(i))
		if err != nil {
			return nil, wrapArg(s.name, i, err)
		}
		out[i] = c
	}
	return out, nil
}

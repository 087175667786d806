// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package codec

import (
	"fmt"
	"sort"
	"sync"

	"github.com/luxfi/qimessaging/object"
	"github.com/luxfi/qimessaging/value"
)

// Capability names exchanged in the connection handshake.
const (
	CapClientServerSocket    = "ClientServerSocket"
	CapMetaObjectCache       = "MetaObjectCache"
	CapMessageFlags          = "MessageFlags"
	CapRemoteCancelableCalls = "RemoteCancelableCalls"
	CapAuthToken             = "auth_token"
	CapAuthState             = "auth_state"
)

// CapabilitiesType is the descriptor of a capability map.
var CapabilitiesType = value.MapOf(value.StringType, value.DynamicType)

// DefaultCapabilities returns the capabilities advertised by this library.
func DefaultCapabilities() map[string]value.Value {
	return map[string]value.Value{
		CapClientServerSocket:    value.NewBool(true),
		CapMetaObjectCache:       value.NewBool(true),
		CapMessageFlags:          value.NewBool(true),
		CapRemoteCancelableCalls: value.NewBool(true),
	}
}

// StreamContext is the state two peers share over one connection: the
// capabilities each side advertised and the metaobject caches.
type StreamContext struct {
	mu     sync.Mutex
	local  map[string]value.Value
	remote map[string]value.Value

	sendCache map[*object.MetaObject]uint32
	recvCache map[uint32]*object.MetaObject
	nextCache uint32
}

// NewStreamContext returns a context advertising DefaultCapabilities.
func NewStreamContext() *StreamContext {
	return &StreamContext{
		local:     DefaultCapabilities(),
		remote:    map[string]value.Value{},
		sendCache: map[*object.MetaObject]uint32{},
		recvCache: map[uint32]*object.MetaObject{},
	}
}

// SetLocalCapability sets a capability advertised to the peer.
func (s *StreamContext) SetLocalCapability(name string, v value.Value) {
	s.mu.Lock()
	s.local[name] = v
	s.mu.Unlock()
}

// LocalCapabilities returns a copy of the local capabilities.
func (s *StreamContext) LocalCapabilities() map[string]value.Value {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyCaps(s.local)
}

// SetRemoteCapabilities merges the capabilities received from the peer.
func (s *StreamContext) SetRemoteCapabilities(caps map[string]value.Value) {
	s.mu.Lock()
	for k, v := range caps {
		s.remote[k] = v
	}
	s.mu.Unlock()
}

// RemoteCapability returns a capability advertised by the peer.
func (s *StreamContext) RemoteCapability(name string) (value.Value, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.remote[name]
	return v, ok
}

// SharedCapability reports whether both sides advertised name as true.
func (s *StreamContext) SharedCapability(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return truthy(s.local[name]) && truthy(s.remote[name])
}

func truthy(v value.Value) bool {
	if !v.IsValid() {
		return false
	}
	b, err := v.Unwrap().ToBool()
	return err == nil && b
}

// SendCacheSet returns the cache id of mo and whether this is its first use
// on the connection, in which case the metaobject must be transmitted.
func (s *StreamContext) SendCacheSet(mo *object.MetaObject) (uint32, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.sendCache[mo]; ok {
		return id, false
	}
	s.nextCache++
	s.sendCache[mo] = s.nextCache
	return s.nextCache, true
}

// ReceiveCacheSet records a metaobject transmitted by the peer.
func (s *StreamContext) ReceiveCacheSet(id uint32, mo *object.MetaObject) {
	s.mu.Lock()
	s.recvCache[id] = mo
	s.mu.Unlock()
}

// ReceiveCacheGet returns a metaobject previously transmitted by the peer.
func (s *StreamContext) ReceiveCacheGet(id uint32) (*object.MetaObject, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	mo, ok := s.recvCache[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownMetaObject, id)
	}
	return mo, nil
}

func copyCaps(m map[string]value.Value) map[string]value.Value {
	out := make(map[string]value.Value, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// CapabilitiesValue packs caps into a value of CapabilitiesType with keys in
// sorted order.
func CapabilitiesValue(caps map[string]value.Value) value.Value {
	keys := make([]string, 0, len(caps))
	for k := range caps {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	entries := make([]value.MapEntry, len(keys))
	for i, k := range keys {
		entries[i] = value.MapEntry{Key: value.NewString(k), Value: value.NewDynamic(caps[k])}
	}
	return value.NewMap(CapabilitiesType, entries)
}

// ParseCapabilities unpacks a capability map.
func ParseCapabilities(v value.Value) (map[string]value.Value, error) {
	c, _, err := v.Unwrap().Convert(CapabilitiesType)
	if err != nil {
		return nil, fmt.Errorf("capabilities: %w", err)
	}
	entries, err := c.Entries()
	if err != nil {
		return nil, err
	}
	out := make(map[string]value.Value, len(entries))
	for _, e := range entries {
		k, err := e.Key.ToString()
		if err != nil {
			return nil, err
		}
		out[k] = e.Value.Unwrap()
	}
	return out, nil
}

package packet

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"
)

var (
	ErrInvalidID      = errors.New("packet: id is invalid")
	ErrNilPacket      = errors.New("packet: packet is nil")
	ErrReservedType   = errors.New("packet: keepalive marker cannot be registered")
	ErrDuplicateID    = errors.New("packet: id already registered")
	ErrDuplicateType  = errors.New("packet: type already registered")
	ErrNotFound       = errors.New("packet: no packet registered")
	ErrRegistryFrozen = errors.New("packet: registry is frozen")
	ErrNilRegistry    = errors.New("packet: registry is nil")
)

type entry struct {
	factory Factory
	typ     reflect.Type
}

// Registry maps packet ids to packet types in both directions.
//
// A Registry is safe for concurrent use. Freeze it before handing it to a
// connection so the id table cannot change under a live stream.
type Registry struct {
	mu     sync.RWMutex
	byID   map[int32]entry
	byType map[reflect.Type]int32
	frozen bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byID:   make(map[int32]entry),
		byType: make(map[reflect.Type]int32),
	}
}

// Register binds id to the type produced by f. A failed call leaves the registry unchanged.
func (r *Registry) Register(id int32, f Factory) error {
	if id < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidID, id)
	}
	if f == nil {
		return ErrNilPacket
	}
	proto := f()
	if proto == nil || reflect.ValueOf(proto).Kind() == reflect.Pointer && reflect.ValueOf(proto).IsNil() {
		return ErrNilPacket
	}
	if IsKeepAlive(proto) {
		return ErrReservedType
	}
	typ := reflect.TypeOf(proto)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return ErrRegistryFrozen
	}
	if _, ok := r.byID[id]; ok {
		return fmt.Errorf("%w: %d", ErrDuplicateID, id)
	}
	if prev, ok := r.byType[typ]; ok {
		return fmt.Errorf("%w: %s already has id %d", ErrDuplicateType, typ, prev)
	}
	r.byID[id] = entry{factory: f, typ: typ}
	r.byType[typ] = id
	return nil
}

// MustRegister is Register that panics on error, for static packet tables.
func (r *Registry) MustRegister(id int32, f Factory) {
	if err := r.Register(id, f); err != nil {
		panic(err)
	}
}

// IDOf returns the id registered for p's concrete type, KeepAliveID for the
// keepalive marker, or Unregistered.
func (r *Registry) IDOf(p Packet) int32 {
	if p == nil {
		return Unregistered
	}
	if IsKeepAlive(p) {
		return KeepAliveID
	}
	if r == nil {
		return Unregistered
	}
	if id, ok := r.lookupType(reflect.TypeOf(p)); ok {
		return id
	}
	return Unregistered
}

// Lookup returns the factory registered under id.
func (r *Registry) Lookup(id int32) (Factory, error) {
	if r != nil {
		if e, ok := r.lookupID(id); ok {
			return e.factory, nil
		}
	}
	return nil, fmt.Errorf("%w: id %d", ErrNotFound, id)
}

// New returns a fresh instance of the type registered under id.
func (r *Registry) New(id int32) (Packet, error) {
	f, err := r.Lookup(id)
	if err != nil {
		return nil, err
	}
	p := f()
	if p == nil {
		return nil, fmt.Errorf("%w: factory for id %d returned nil", ErrNilPacket, id)
	}
	return p, nil
}

// IDs returns the registered ids in ascending order.
func (r *Registry) IDs() []int32 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]int32, 0, len(r.byID))
	for id := range r.byID {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Len returns the number of registered ids.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// Clone returns an unfrozen copy that shares no state with r.
func (r *Registry) Clone() *Registry {
	out := NewRegistry()
	if r == nil {
		return out
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for id, e := range r.byID {
		out.byID[id] = e
		out.byType[e.typ] = id
	}
	return out
}

// Freeze makes the registry read-only.
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

// Frozen reports whether Freeze was called.
func (r *Registry) Frozen() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.frozen
}

func (r *Registry) lookupID(id int32) (entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byID[id]
	return e, ok
}

func (r *Registry) lookupType(typ reflect.Type) (int32, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byType[typ]
	return id, ok
}

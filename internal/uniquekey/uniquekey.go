// Package uniquekey implements the process-wide sentinel tokens used
// throughout Lanes as collision-free registry keys: unlike a string, two
// UniqueKeys are never equal unless they are the same declared constant,
// so packages that don't trust each other can still share one VM registry
// without fear of a name clash.
package uniquekey

import "sync/atomic"

var counter atomic.Uint64

// Key is a process-wide constant token. Equality is by identity: Key
// values are only ever produced by New, and two Keys compare equal (==)
// iff they were produced by the same New call.
//
// Keys are comparable and safe for use as map keys and in sets.
type Key struct {
	id   uint64
	name string // diagnostic only, not part of identity
}

// New allocates a fresh, never-reused Key. name is carried purely for
// diagnostics (panics, debug dumps) and plays no role in equality.
func New(name string) Key {
	return Key{id: counter.Add(1), name: name}
}

// String returns a diagnostic representation; never parse it back.
func (k Key) String() string {
	if k.name == "" {
		return "uniquekey#0"
	}
	return k.name
}

// Registry is a per-VM slot store keyed by Key, standing in for "push the
// key onto a VM's stack", "test whether a stack slot equals the key", and
// "set/get the associated registry slot" from spec.md §4.1: in a value
// model without a literal operand stack, the registry slot itself is the
// primitive, and Key equality plays the role stack comparison would.
//
// Registry is NOT safe for concurrent use by itself; callers that share a
// Registry across goroutines (e.g. a keeper's VM) must guard it with their
// own mutex, exactly as spec.md requires for keeper/VM access in general.
type Registry struct {
	slots map[Key]any
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{slots: make(map[Key]any)}
}

// Get returns the value stored under k, or (nil, false) if unset.
func (r *Registry) Get(k Key) (any, bool) {
	v, ok := r.slots[k]
	return v, ok
}

// Set stores v under k, lazily creating the slot on first use per
// spec.md §4.1 ("Registry subtables referenced by UniqueKey are lazily
// created on first set").
func (r *Registry) Set(k Key, v any) {
	if r.slots == nil {
		r.slots = make(map[Key]any)
	}
	r.slots[k] = v
}

// Delete clears the slot for k, a no-op if it was never set.
func (r *Registry) Delete(k Key) {
	delete(r.slots, k)
}

// Sub returns the nested *Registry stored at k, creating an empty one on
// first access — the "optional subtable" from spec.md §4.1.
func (r *Registry) Sub(k Key) *Registry {
	v, ok := r.Get(k)
	if ok {
		if sub, ok := v.(*Registry); ok {
			return sub
		}
	}
	sub := NewRegistry()
	r.Set(k, sub)
	return sub
}

// Well-known sentinels shared across every VM/keeper in a universe. These
// correspond to the registry keys spec.md's design notes call out by name:
// the universe full/light pointers, the nil-in-collections sentinel, and
// the batched-receive marker.
var (
	Universe        = New("lanes.universe")
	UniverseLite    = New("lanes.universe.lite")
	NilSentinel     = New("lanes.nil")
	Batched         = New("lanes.linda.batched")
	CancelError     = New("lanes.cancel_error")
	FunctionLookup  = New("lanes.lookup.functions")
	TableLookup     = New("lanes.lookup.tables")
	UserdataClone   = New("lanes.lookup.userdata_clone")
	DeepLookup      = New("lanes.deep.metatables")
	MetatableCache  = New("lanes.copier.metatable_cache")
	LaneSelf        = New("lanes.lane.self")
	KeeperFifoRoot  = New("lanes.keeper.fifos")
	Allocator       = New("lanes.allocator")
)

// Package vm supplies the minimal value space and per-interpreter heap
// that the rest of Lanes builds on. spec.md (§1) treats "the host VM's C
// API" as a given external collaborator; this package is that given
// substrate for the Go edition — a small, self-contained value model
// (nil/bool/number/string, tables, functions, light userdata) plus a
// State type standing in for one VM's heap, registry and globals table.
//
// Nothing here is itself one of the nine components spec.md names (C1–C9
// in SPEC_FULL.md §2); it exists only so the copier (internal/copier),
// deep userdata machinery (internal/deep) and keeper/linda/lane layers
// have a concrete, walkable value graph to operate on.
package vm

import (
	"fmt"
	"sync/atomic"

	"github.com/oriys/lanes/internal/uniquekey"
)

// Value is any value that can live in a Table, be an upvalue, or be an
// argument/result crossing the copier. It is deliberately just `any`:
// nil, bool, int64, float64, string, *Table, *Function, LightUserdata,
// *Cloneable, or a deep proxy (internal/deep.Proxy) are all valid Values.
type Value = any

var tableIDs atomic.Uint64

// Table is a full table value. Identity is the pointer (*Table); two
// Tables are "the same table" iff they are the same pointer, which is
// exactly the identity the copier's cache (spec.md §4.5.3) keys on.
type Table struct {
	id      uint64
	meta    *Table
	data    map[any]Value
	keyOrder []any
}

// NewTable creates an empty table.
func NewTable() *Table {
	return &Table{id: tableIDs.Add(1), data: make(map[any]Value)}
}

// ID is a stable per-process identity token, used by the copier's
// identity-cache instead of an unsafe.Pointer-as-map-key trick.
func (t *Table) ID() uint64 { return t.id }

// Get returns the value at key and whether it was present.
func (t *Table) Get(key any) (Value, bool) {
	v, ok := t.data[key]
	return v, ok
}

// Set stores value at key, or removes key if value is nil (Lua table
// semantics: assigning nil removes the key).
func (t *Table) Set(key any, value Value) {
	if value == nil {
		if _, ok := t.data[key]; ok {
			delete(t.data, key)
			t.removeFromOrder(key)
		}
		return
	}
	if _, ok := t.data[key]; !ok {
		t.keyOrder = append(t.keyOrder, key)
	}
	t.data[key] = value
}

func (t *Table) removeFromOrder(key any) {
	for i, k := range t.keyOrder {
		if k == key {
			t.keyOrder = append(t.keyOrder[:i], t.keyOrder[i+1:]...)
			return
		}
	}
}

// Len reports the number of entries.
func (t *Table) Len() int { return len(t.data) }

// Meta returns the table's metatable, or nil.
func (t *Table) Meta() *Table { return t.meta }

// SetMeta installs (or clears, with nil) the table's metatable.
func (t *Table) SetMeta(m *Table) { t.meta = m }

// Range iterates entries in insertion order (arbitrary but stable — spec.md
// §4.5.3 only requires "arbitrary order", stability just makes tests
// deterministic). Stop early by returning false from fn.
func (t *Table) Range(fn func(key any, value Value) bool) {
	for _, k := range t.keyOrder {
		v, ok := t.data[k]
		if !ok {
			continue
		}
		if !fn(k, v) {
			return
		}
	}
}

// LanesIgnore reports whether this table's metatable sets the
// `lanesignore` field, which short-circuits the copier to nil per
// spec.md §4.5.2 ("For any non-POD value, a metatable field
// `lanesignore = true` short-circuits to nil").
func (t *Table) LanesIgnore() bool {
	if t.meta == nil {
		return false
	}
	v, ok := t.meta.Get("lanesignore")
	return ok && v == true
}

var funcIDs atomic.Uint64

// NativeFn is a function implemented in Go, the equivalent of a C
// function bound into the host VM. It cannot be dumped/reconstructed by
// value (spec.md §4.5.4 "Native"); it can only cross VMs by name lookup.
type NativeFn func(args []Value) ([]Value, error)

// Template is the shared, immutable "chunk" behind a bytecode-style
// function: spec.md's Bytecode sub-kind dumps a function's code once and
// reconstructs a closure from it in the destination, sharing only the
// code, never the closure. Template plays the role of that dumped code:
// it is looked up (not copied) by the copier, and Make rebuilds a fresh
// closure around copied upvalues.
type Template struct {
	ChunkName string
	Make      func(upvalues []Value) NativeFn
}

// Function is either a bytecode-style closure (Template != nil, carries
// Upvalues that the copier must walk) or a native function (Native !=
// nil, opaque, transferred only via the lookup database).
type Function struct {
	id uint64

	Template *Template
	Upvalues []Value

	Native     NativeFn
	LookupName string // set once registered in some VM's lookup DB
}

// NewClosure creates a bytecode-style function value from a template and
// a set of captured upvalues.
func NewClosure(tmpl *Template, upvalues []Value) *Function {
	return &Function{id: funcIDs.Add(1), Template: tmpl, Upvalues: upvalues}
}

// NewNative wraps a Go function as a native (non-dumpable) Lanes function.
func NewNative(name string, fn NativeFn) *Function {
	return &Function{id: funcIDs.Add(1), Native: fn, LookupName: name}
}

// ID is the per-process identity used for the copier's function cache
// entries (so a function copied twice in one call yields one destination
// function, per spec.md §8 "identity of functions copied twice... is
// preserved via the cache").
func (f *Function) ID() uint64 { return f.id }

// IsNative reports whether f can only cross VMs via name lookup.
func (f *Function) IsNative() bool { return f.Native != nil }

// Call invokes the function with args, looking at whichever of
// Native/Template.Make produced a callable.
func (f *Function) Call(args []Value) ([]Value, error) {
	if f.Native != nil {
		return f.Native(args)
	}
	if f.Template != nil {
		return f.Template.Make(f.Upvalues)(args)
	}
	return nil, fmt.Errorf("lanes: function has neither native body nor template")
}

// LightUserdata is an inert, opaque pointer-sized value: it is pushed by
// identity and never walked by the copier (spec.md §4.5.2, "light
// userdata: Push pointer"). Two LightUserdata values are the same handle
// iff Tag compares equal.
type LightUserdata struct {
	Tag any
}

// Cloneable is spec.md §4.4's "cloneable userdata": non-shared but
// transferrable. The copier clones Payload into a new destination value
// via Class.Clone rather than sharing a reference the way a deep proxy
// does.
type Cloneable struct {
	Class   *CloneableClass
	Payload any
}

// CloneableClass is the per-type descriptor for cloneable userdata,
// analogous to a metatable carrying a clone_op hook (spec.md §4.4). Name
// is the fully-qualified identity used to rematerialize a
// UserdataCloneSentinel on the other side of a keeper boundary.
type CloneableClass struct {
	Name  string
	Clone func(src any) (any, error)
}

// State is one VM's heap: a registry for sentinel-keyed slots and a
// globals table. It plays the role of spec.md's "VM" wherever the spec
// says a value is pushed/read/walked "in" a VM.
type State struct {
	Name     string
	Registry *uniquekey.Registry
	Globals  *Table
}

// New creates a fresh, empty VM heap.
func New(name string) *State {
	return &State{
		Name:     name,
		Registry: uniquekey.NewRegistry(),
		Globals:  NewTable(),
	}
}

// Package deep implements spec.md §4.4's deep userdata machinery: a
// reference-counted object that can be referenced from any number of
// VMs simultaneously while living exactly once off-VM, surfaced in each
// VM as a thin Proxy. Exactly one destruction happens, when the last
// proxy anywhere is collected.
//
// The proxy cache is weak-valued (spec.md §3, "Proxy... a weak-valued
// 'proxy cache' maps prelude → proxy") so that a VM holding no live
// reference to a deep object doesn't itself keep that object's proxy
// alive. This package leans on Go 1.24's weak.Pointer and
// runtime.AddCleanup for that, which are the direct idiomatic-Go
// equivalents of a weak table plus a __gc metamethod.
package deep

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"weak"

	"github.com/oriys/lanes/internal/uniquekey"
	"github.com/oriys/lanes/internal/vm"
)

// Magic is the header stamp every Prelude must carry; PushDeepUserdata
// rejects any prelude a Factory produced without it, per spec.md §4.4
// ("verifies the returned prelude's magic stamp").
const Magic uint32 = 0x4c414e45 // "LANE"

// Prelude is the header prefix common to every deep object (spec.md §3).
// The payload itself lives in whatever concrete type a Factory chooses;
// Prelude only carries the bookkeeping every deep object needs.
type Prelude struct {
	Magic    uint32
	refcount atomic.Int32
	Factory  Factory
	Payload  any // the factory-defined payload (e.g. *linda.Linda)
}

// Refcount returns the current live-proxy count across all VMs. Exposed
// for tests verifying spec.md §8's refcount-equals-live-proxies law; not
// meant to gate application logic (refcount semantics are internal).
func (p *Prelude) Refcount() int32 { return p.refcount.Load() }

// Factory is the polymorphic descriptor spec.md §4.4 requires: one
// instance per deep type, identified by its address (Go interface
// identity over a pointer receiver gives us exactly that).
type Factory interface {
	// NewInternal constructs a fresh instance, refcount 0.
	NewInternal() (*Prelude, error)
	// DeleteInternal destroys an instance. Called exactly once, when the
	// refcount reaches zero, or to unwind a failed construction.
	DeleteInternal(p *Prelude)
	// ModuleName reports the module that must be required-on-receive in
	// lane bodies that didn't create the object themselves, if any.
	ModuleName() (name string, ok bool)
}

var funcProxyIDs atomic.Uint64

// Proxy is a full userdata in some VM whose payload is a pointer to a
// Prelude (spec.md §3). UserValues holds the uv_count extra slots a
// caller requested (e.g. a lane's gc-callback slot, spec.md §3's "Lane"
// fields list).
type Proxy struct {
	id         uint64
	Prelude    *Prelude
	UserValues []vm.Value
}

// ID is a per-process identity for the copier's cache.
func (p *Proxy) ID() uint64 { return p.id }

type proxyCache struct {
	mu sync.Mutex
	m  map[*Prelude]weak.Pointer[Proxy]
}

func cacheFor(state *vm.State) *proxyCache {
	if v, ok := state.Registry.Get(uniquekey.DeepLookup); ok {
		return v.(*proxyCache)
	}
	c := &proxyCache{m: make(map[*Prelude]weak.Pointer[Proxy])}
	state.Registry.Set(uniquekey.DeepLookup, c)
	return c
}

// Mode selects the require-on-receive behavior of PushDeepProxy, mirroring
// spec.md §4.4's copier mode parameter.
type Mode int

const (
	// ModeLaneBody is the ordinary child-VM/parent-VM direction; a
	// factory's declared module is required into the destination if it
	// isn't already loaded there.
	ModeLaneBody Mode = iota
	// ModeKeeper is either direction across a keeper boundary; no
	// require-on-receive happens (keepers don't load user modules).
	ModeKeeper
)

// RequireHook, if set, is invoked to ensure a module is loaded in a
// destination VM before a proxy for a factory declaring that module is
// handed back to lane-body code. Loading real scripting-language modules
// is out of scope (spec.md §1's "library loading" collaborator); the hook
// lets an embedder wire that in without this package needing to know
// about it.
var RequireHook func(dest *vm.State, moduleName string)

// PushDeepProxy installs or retrieves the per-VM proxy for prelude in
// dest, per spec.md §4.4. A cache hit returns the existing proxy
// unchanged; a cache miss creates one, increments the refcount by
// exactly one unit, and arranges for that unit to be released when the
// new proxy is collected.
func PushDeepProxy(dest *vm.State, prelude *Prelude, uvCount int, mode Mode) *Proxy {
	cache := cacheFor(dest)
	cache.mu.Lock()
	if wp, ok := cache.m[prelude]; ok {
		if p := wp.Value(); p != nil {
			cache.mu.Unlock()
			return p
		}
	}
	p := &Proxy{id: funcProxyIDs.Add(1), Prelude: prelude, UserValues: make([]vm.Value, uvCount)}
	prelude.refcount.Add(1)
	cache.m[prelude] = weak.Make(p)
	cache.mu.Unlock()

	runtime.AddCleanup(p, onProxyCollected, prelude)

	if mode == ModeLaneBody && RequireHook != nil {
		if name, ok := prelude.Factory.ModuleName(); ok {
			RequireHook(dest, name)
		}
	}
	return p
}

// onProxyCollected is the wrapper finalizer of spec.md §4.4: "wrap it so
// the wrapper runs the user __gc first [not applicable here — user
// finalizers are a lane concern, see internal/lane] and then performs
// decrement-and-maybe-delete".
func onProxyCollected(prelude *Prelude) {
	if prelude.refcount.Add(-1) == 0 {
		prelude.Factory.DeleteInternal(prelude)
	}
}

// PushDeepUserdata is the factory-driven constructor of spec.md §4.4:
// calls NewInternal, verifies the magic stamp, and produces the first
// proxy. Any failure past NewInternal unwinds via DeleteInternal so the
// freshly-allocated prelude is never leaked.
func PushDeepUserdata(dest *vm.State, factory Factory, uvCount int) (*Proxy, error) {
	prelude, err := factory.NewInternal()
	if err != nil {
		return nil, err
	}
	if prelude.Magic != Magic {
		factory.DeleteInternal(prelude)
		return nil, fmt.Errorf("lanes: deep factory %T returned a prelude with bad magic stamp", factory)
	}
	prelude.Factory = factory
	return PushDeepProxy(dest, prelude, uvCount, ModeLaneBody), nil
}

// ToDeep returns the prelude behind v iff v is a proxy created by
// exactly this factory (spec.md §4.4: "if and only if the value at index
// is a proxy whose factory matches").
func ToDeep(v vm.Value, factory Factory) (*Prelude, bool) {
	p, ok := v.(*Proxy)
	if !ok {
		return nil, false
	}
	if p.Prelude.Factory != factory {
		return nil, false
	}
	return p.Prelude, true
}

// DeleteDeepObject always invokes DeleteInternal through the prelude's
// own factory pointer (spec.md §4.4), independent of refcount — used by
// callers unwinding a half-built object before any proxy was published.
func DeleteDeepObject(prelude *Prelude) {
	prelude.Factory.DeleteInternal(prelude)
}

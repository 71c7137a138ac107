// Package allocator implements spec.md §4.3's pluggable, optionally
// mutex-protected allocator facade. A real embedded VM threads an
// (alloc_func, ud) pair through every state; Go's runtime allocator
// already does the job for ordinary code, but Lanes still needs the
// facade itself so that a universe can (a) share one external,
// non-reentrant allocator safely across every child VM, and (b) hand
// each child VM a freshly built allocator via a factory callback.
package allocator

import (
	"sync"

	"github.com/oriys/lanes/internal/uniquekey"
	"github.com/oriys/lanes/internal/vm"
)

// RawAlloc mirrors the C API's lua_Alloc: given the previous block and
// its old/new sizes it resizes, allocates or frees. Go has no manual
// pointers to hand back, so the block travels as a slice; nsize == 0
// means free, and the return value is the (possibly reallocated) block.
type RawAlloc func(block []byte, osize, nsize int) []byte

// Allocator pairs a RawAlloc with the opaque "ud" spec.md's signature
// threads alongside it, exactly as lua_newstate/lua_setallocf do.
type Allocator struct {
	Alloc RawAlloc
	UD    any
}

// Default wraps Go's own allocator: a plain make-and-copy, with no
// serialization, suitable whenever a universe doesn't override it.
func Default() Allocator {
	return Allocator{Alloc: func(block []byte, osize, nsize int) []byte {
		if nsize == 0 {
			return nil
		}
		nb := make([]byte, nsize)
		copy(nb, block)
		return nb
	}}
}

// Protected serializes every call to a behind a mutex, for spec.md
// §4.3's ALLOCATOR_PROTECTED mode: several child VMs sharing one
// external, non-reentrant allocator can now call it concurrently
// without corrupting its internal state.
func Protected(a Allocator) Allocator {
	var mu sync.Mutex
	alloc := a.Alloc
	return Allocator{
		UD: a.UD,
		Alloc: func(block []byte, osize, nsize int) []byte {
			mu.Lock()
			defer mu.Unlock()
			return alloc(block, osize, nsize)
		},
	}
}

// Factory builds a fresh Allocator for one child VM, spec.md §4.3's
// factory-callback allocator mode. Build must not close over any
// particular VM's state — the no-upvalues constraint the spec calls
// out, since a factory may run before the calling lane has a VM of its
// own set up yet. Callers enforce this simply by writing Factory values
// as named, non-closing functions.
type Factory func(vmName string) Allocator

// Install attaches a to state's registry, returning a restore func that
// puts back whatever allocator (if any) was installed before — spec.md
// §4.3's "restore the original allocator on teardown".
func Install(state *vm.State, a Allocator) (restore func()) {
	prev, had := state.Registry.Get(uniquekey.Allocator)
	state.Registry.Set(uniquekey.Allocator, a)
	return func() {
		if had {
			state.Registry.Set(uniquekey.Allocator, prev)
		} else {
			state.Registry.Delete(uniquekey.Allocator)
		}
	}
}

// Of returns the allocator installed on state, or Default() if none was.
func Of(state *vm.State) Allocator {
	if v, ok := state.Registry.Get(uniquekey.Allocator); ok {
		return v.(Allocator)
	}
	return Default()
}

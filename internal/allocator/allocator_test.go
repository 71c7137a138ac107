package allocator

import (
	"sync"
	"testing"

	"github.com/oriys/lanes/internal/vm"
)

func TestDefaultAllocAndFree(t *testing.T) {
	a := Default()

	block := a.Alloc(nil, 0, 8)
	if len(block) != 8 {
		t.Fatalf("Alloc(nil, 0, 8) len = %d, want 8", len(block))
	}

	copy(block, []byte("abcdefgh"))
	grown := a.Alloc(block, 8, 16)
	if len(grown) != 16 {
		t.Fatalf("Alloc grow len = %d, want 16", len(grown))
	}
	if string(grown[:8]) != "abcdefgh" {
		t.Fatalf("Alloc grow did not preserve contents: %q", grown[:8])
	}

	freed := a.Alloc(grown, 16, 0)
	if freed != nil {
		t.Fatalf("Alloc with nsize=0 returned %v, want nil", freed)
	}
}

func TestProtectedSerializesCalls(t *testing.T) {
	var concurrent int
	var maxConcurrent int
	var mu sync.Mutex

	raw := Allocator{Alloc: func(block []byte, osize, nsize int) []byte {
		mu.Lock()
		concurrent++
		if concurrent > maxConcurrent {
			maxConcurrent = concurrent
		}
		mu.Unlock()

		mu.Lock()
		concurrent--
		mu.Unlock()
		return make([]byte, nsize)
	}}

	protected := Protected(raw)

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			protected.Alloc(nil, 0, 4)
		}()
	}
	wg.Wait()

	if maxConcurrent > 1 {
		t.Fatalf("Protected allowed %d concurrent calls into the underlying allocator, want at most 1", maxConcurrent)
	}
}

func TestProtectedPreservesUD(t *testing.T) {
	raw := Allocator{Alloc: Default().Alloc, UD: "opaque"}
	protected := Protected(raw)
	if protected.UD != "opaque" {
		t.Fatalf("Protected dropped UD: got %v, want %q", protected.UD, "opaque")
	}
}

func TestInstallAndRestore(t *testing.T) {
	state := vm.New("test")

	restoreOuter := Install(state, Default())
	custom := Allocator{Alloc: func(block []byte, osize, nsize int) []byte { return make([]byte, nsize) }}
	restoreInner := Install(state, custom)

	if got := Of(state); got.Alloc == nil {
		t.Fatal("Of returned an allocator with a nil Alloc after Install")
	}

	restoreInner()
	// After restoring the inner installation, the outer Default() should be back.
	outerAgain := Of(state)
	if outerAgain.Alloc == nil {
		t.Fatal("Of returned a nil-Alloc allocator after restoring inner installation")
	}

	restoreOuter()
	// No explicit allocator was installed before the outer one, so restoring
	// it should clear the registry slot; Of then falls back to Default().
	fallback := Of(state)
	if fallback.Alloc == nil {
		t.Fatal("Of fallback after full restore returned a nil-Alloc allocator")
	}
}

func TestOfDefaultsWhenUnset(t *testing.T) {
	state := vm.New("fresh")
	a := Of(state)
	if a.Alloc == nil {
		t.Fatal("Of on a state with no installed allocator returned a nil Alloc")
	}
	block := a.Alloc(nil, 0, 4)
	if len(block) != 4 {
		t.Fatalf("fallback allocator Alloc len = %d, want 4", len(block))
	}
}

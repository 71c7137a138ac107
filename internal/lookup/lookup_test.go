package lookup

import (
	"testing"

	"github.com/oriys/lanes/internal/vm"
)

func TestRegisterAndResolve(t *testing.T) {
	db := New()
	fn := vm.NewNative("math.add", func(args []vm.Value) ([]vm.Value, error) { return args, nil })

	if err := db.Register("math.add", fn); err != nil {
		t.Fatalf("Register returned error: %v", err)
	}

	got, ok := db.Resolve("math.add")
	if !ok || got.(*vm.Function) != fn {
		t.Fatalf("Resolve(math.add) = (%v, %v), want the registered function", got, ok)
	}

	name, ok := db.NameOf(fn)
	if !ok || name != "math.add" {
		t.Fatalf("NameOf = (%q, %v), want (\"math.add\", true)", name, ok)
	}
	if fn.LookupName != "math.add" {
		t.Fatalf("Register did not set fn.LookupName, got %q", fn.LookupName)
	}
}

func TestRegisterRejectsNonNameable(t *testing.T) {
	db := New()
	tmpl := &vm.Template{ChunkName: "x", Make: func(u []vm.Value) vm.NativeFn {
		return func(args []vm.Value) ([]vm.Value, error) { return nil, nil }
	}}
	closure := vm.NewClosure(tmpl, nil)

	if err := db.Register("x.y", closure); err == nil {
		t.Fatal("Register succeeded on a non-native (bytecode) function")
	}
	if err := db.Register("plain", 5); err == nil {
		t.Fatal("Register succeeded on a plain int value")
	}
}

func TestResolveMissingName(t *testing.T) {
	db := New()
	if _, ok := db.Resolve("nope"); ok {
		t.Fatal("Resolve found a binding that was never registered")
	}
}

func TestNameOfUnregisteredValue(t *testing.T) {
	db := New()
	fn := vm.NewNative("unregistered", func(args []vm.Value) ([]vm.Value, error) { return nil, nil })
	if _, ok := db.NameOf(fn); ok {
		t.Fatal("NameOf found a name for a function that was never registered")
	}
}

func TestPopulateShortestNameWins(t *testing.T) {
	shared := vm.NewTable()
	shared.Set("leaf", true)

	root := vm.NewTable()
	a := vm.NewTable()
	a.Set("shared", shared)
	root.Set("a", a)
	root.Set("direct", shared) // same object, shorter path

	db := New()
	db.Populate(map[string]vm.Value{"": root})

	name, ok := db.NameOf(shared)
	if !ok {
		t.Fatal("Populate did not register the shared table under any name")
	}
	if name != "direct" {
		t.Fatalf("NameOf(shared) = %q, want %q (shortest path)", name, "direct")
	}
}

func TestPopulateTieBreaksLexicographically(t *testing.T) {
	shared := vm.NewTable()

	root := vm.NewTable()
	root.Set("zzz", shared)
	root.Set("aaa", shared)

	db := New()
	db.Populate(map[string]vm.Value{"": root})

	name, ok := db.NameOf(shared)
	if !ok || name != "aaa" {
		t.Fatalf("NameOf(shared) = (%q, %v), want (\"aaa\", true)", name, ok)
	}
}

func TestPopulateWalksNestedTables(t *testing.T) {
	leafFn := vm.NewNative("native.leaf", func(args []vm.Value) ([]vm.Value, error) { return nil, nil })

	inner := vm.NewTable()
	inner.Set("fn", leafFn)

	root := vm.NewTable()
	root.Set("mod", inner)

	db := New()
	db.Populate(map[string]vm.Value{"": root})

	got, ok := db.Resolve("mod/fn")
	if !ok || got.(*vm.Function) != leafFn {
		t.Fatalf("Resolve(mod/fn) = (%v, %v), want the nested native function", got, ok)
	}
}

func TestPopulateMultipleRootsDeterministic(t *testing.T) {
	tbl := vm.NewTable()

	db1 := New()
	db1.Populate(map[string]vm.Value{"zzz": tbl, "aaa": tbl})
	name1, _ := db1.NameOf(tbl)

	db2 := New()
	db2.Populate(map[string]vm.Value{"zzz": tbl, "aaa": tbl})
	name2, _ := db2.NameOf(tbl)

	if name1 != name2 {
		t.Fatalf("Populate produced different winning names across runs: %q vs %q", name1, name2)
	}
	if name1 != "aaa" {
		t.Fatalf("NameOf(tbl) = %q, want %q (lexicographically smaller root)", name1, "aaa")
	}
}

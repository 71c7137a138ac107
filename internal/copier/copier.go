// Package copier implements spec.md §4.5's inter-state copier: the
// value-graph translator that moves arguments, results and linda
// payloads between VM heaps. It is cycle-safe (an identity cache keyed
// by source object, §4.5.3), type-dispatching (§4.5.2), and direction
// aware — lane-to-lane copies resolve native functions and well-known
// tables directly against the destination's lookup database, while
// keeper-boundary copies substitute lookup.FunctionLookupSentinel /
// TableLookupSentinel / UserdataCloneSentinel values so a keeper VM
// never ends up holding a live reference to another VM's globals.
package copier

import (
	"fmt"
	"strings"

	"github.com/oriys/lanes/internal/deep"
	"github.com/oriys/lanes/internal/lookup"
	"github.com/oriys/lanes/internal/metrics"
	"github.com/oriys/lanes/internal/vm"
)

// Mode selects the copy direction, per spec.md §4.5.1's three cases.
type Mode int

const (
	// ModeLaneBody is an ordinary lane-to-lane (or lane-to-parent) copy:
	// native functions and registered tables resolve by name directly
	// against the destination's own lookup database.
	ModeLaneBody Mode = iota
	// ModeToKeeper copies lane-body values into a keeper's table: native
	// functions/registered tables become lookup sentinels instead of
	// being resolved, since a keeper VM has no lookup database of its
	// own to resolve against.
	ModeToKeeper
	// ModeFromKeeper copies a keeper's stored values back out to a
	// lane-body VM, reversing whatever sentinel substitution ModeToKeeper
	// performed.
	ModeFromKeeper
)

// Result is the inter_copy/inter_move outcome spec.md §4.5.1 describes.
type Result int

const (
	// Success means every requested value copied cleanly.
	Success Result = iota
	// NotEnoughValues means the source held fewer values than the
	// operation required. Nothing in this module returns it: CopyValues
	// always copies exactly len(values) entries and reports only Success
	// or Error, and the keeper signals a short fifo with ErrLindaEmpty.
	NotEnoughValues
	// Error means copying failed outright; see the accompanying error
	// for the breadcrumb path to the offending value.
	Error
)

// Context is the per-call copy state spec.md §4.5.6 describes: the
// identity cache that makes cycles and shared references copy once, and
// the breadcrumb path used to build readable errors. A Context is used
// for exactly one CopyValues/CopyValue call and then discarded — reusing
// one across calls would make unrelated copies share cache entries.
type Context struct {
	Mode     Mode
	SourceDB *lookup.DB
	DestDB   *lookup.DB

	cache map[uint64]vm.Value
	path  []string
}

// NewContext creates a fresh copy context. SourceDB and DestDB may be
// nil when the copy direction never needs to resolve or register a
// name (e.g. copying into a keeper never consults DestDB).
func NewContext(mode Mode, sourceDB, destDB *lookup.DB) *Context {
	return &Context{Mode: mode, SourceDB: sourceDB, DestDB: destDB, cache: make(map[uint64]vm.Value)}
}

func (c *Context) pushPath(seg string) { c.path = append(c.path, seg) }
func (c *Context) popPath()            { c.path = c.path[:len(c.path)-1] }

func (c *Context) wrap(err error) error {
	if len(c.path) == 0 {
		return fmt.Errorf("lanes: copy: %w", err)
	}
	return fmt.Errorf("lanes: copy %s: %w", strings.Join(c.path, "."), err)
}

// CopyValues copies each of values into dest, in order, stopping at the
// first error. On success it returns the full translated slice and
// Success; on failure it returns the values successfully translated so
// far, Error, and a breadcrumbed error identifying which value failed
// and why.
func CopyValues(ctx *Context, dest *vm.State, values []vm.Value) ([]vm.Value, Result, error) {
	out := make([]vm.Value, 0, len(values))
	for i, v := range values {
		ctx.pushPath(fmt.Sprintf("arg[%d]", i))
		cv, err := CopyValue(ctx, dest, v)
		ctx.popPath()
		if err != nil {
			return out, Error, err
		}
		out = append(out, cv)
	}
	return out, Success, nil
}

// CopyPackage copies a whole module-export table, the inter_copy_package
// analogue of spec.md §4.5.7: a host require() implementation copies a
// freshly loaded module's export table into a requiring VM through this
// entry point rather than through CopyValue directly, so the intent
// ("this is a whole package, not an ordinary table argument") is visible
// at call sites.
func CopyPackage(ctx *Context, dest *vm.State, pkg *vm.Table) (*vm.Table, error) {
	ctx.pushPath("package")
	defer ctx.popPath()
	cv, err := CopyValue(ctx, dest, pkg)
	if err != nil {
		return nil, err
	}
	t, ok := cv.(*vm.Table)
	if !ok {
		return nil, ctx.wrap(fmt.Errorf("package value copied to a non-table"))
	}
	return t, nil
}

// CopyValue translates a single value from its source VM into dest,
// dispatching on v's concrete type per spec.md §4.5.2. Tables and
// functions consult ctx's identity cache first, so a value referenced
// twice (or cyclically) in the source graph is copied once and shared
// in the destination exactly as it was shared in the source.
func CopyValue(ctx *Context, dest *vm.State, v vm.Value) (vm.Value, error) {
	cv, err := copyValue(ctx, dest, v)
	if err != nil {
		metrics.RecordCopierError(fmt.Sprintf("%T", v))
	}
	return cv, err
}

func copyValue(ctx *Context, dest *vm.State, v vm.Value) (vm.Value, error) {
	switch x := v.(type) {
	case nil, bool, int64, float64, string:
		// Plain-old-data: copied by value, no cache entry needed.
		return x, nil

	case vm.LightUserdata:
		// Pushed by identity; never walked.
		return x, nil

	case *vm.Table:
		return ctx.copyTable(dest, x)

	case *vm.Function:
		return ctx.copyFunction(dest, x)

	case *vm.Cloneable:
		return ctx.copyCloneable(x)

	case *deep.Proxy:
		mode := deep.ModeLaneBody
		if ctx.Mode != ModeLaneBody {
			mode = deep.ModeKeeper
		}
		return deep.PushDeepProxy(dest, x.Prelude, len(x.UserValues), mode), nil

	case *lookup.FunctionLookupSentinel:
		return ctx.resolveFunctionSentinel(x)

	case *lookup.TableLookupSentinel:
		return ctx.resolveTableSentinel(x)

	case *lookup.UserdataCloneSentinel:
		return ctx.resolveCloneSentinel(x)

	default:
		return nil, ctx.wrap(fmt.Errorf("value of type %T cannot cross lanes", v))
	}
}

func (ctx *Context) copyTable(dest *vm.State, t *vm.Table) (vm.Value, error) {
	if t.LanesIgnore() {
		// spec.md §4.5.2: lanesignore=true on the metatable short-circuits to nil.
		return nil, nil
	}
	if cached, ok := ctx.cache[t.ID()]; ok {
		return cached, nil
	}

	// Well-known tables (the standard library, a registered module table)
	// transfer by lookup, never by value, in every direction — spec.md
	// §4.5.4's treatment of native functions applies equally to tables.
	if ctx.SourceDB != nil {
		if name, ok := ctx.SourceDB.NameOf(t); ok {
			if ctx.Mode == ModeLaneBody {
				if ctx.DestDB == nil {
					return nil, ctx.wrap(fmt.Errorf("table %q requires a destination lookup database", name))
				}
				dv, ok := ctx.DestDB.Resolve(name)
				if !ok {
					return nil, ctx.wrap(fmt.Errorf("table %q not found in destination lookup database", name))
				}
				ctx.cache[t.ID()] = dv
				return dv, nil
			}
			sentinel := &lookup.TableLookupSentinel{Name: name}
			ctx.cache[t.ID()] = sentinel
			return sentinel, nil
		}
	}

	destTable := vm.NewTable()
	ctx.cache[t.ID()] = destTable // before recursing: makes self-referential tables safe

	if meta := t.Meta(); meta != nil {
		ctx.pushPath("<metatable>")
		dm, err := ctx.copyTable(dest, meta)
		ctx.popPath()
		if err != nil {
			return nil, err
		}
		if dmt, ok := dm.(*vm.Table); ok {
			destTable.SetMeta(dmt)
		}
	}

	var walkErr error
	t.Range(func(key any, value vm.Value) bool {
		ctx.pushPath(fmt.Sprintf("[%v]", key))
		dk, err := copyValue(ctx, dest, key)
		if err != nil {
			// spec's VT_KEY context: an un-copyable key (a thread key, or
			// a native function with no lookup entry) drops its whole
			// pair silently rather than failing the entire table copy.
			ctx.popPath()
			return true
		}
		dvVal, err := copyValue(ctx, dest, value)
		ctx.popPath()
		if err != nil {
			walkErr = err
			return false
		}
		destTable.Set(dk, dvVal)
		return true
	})
	if walkErr != nil {
		return nil, walkErr
	}
	return destTable, nil
}

func (ctx *Context) copyFunction(dest *vm.State, f *vm.Function) (vm.Value, error) {
	if cached, ok := ctx.cache[f.ID()]; ok {
		return cached, nil
	}

	if f.IsNative() {
		name := f.LookupName
		if name == "" && ctx.SourceDB != nil {
			name, _ = ctx.SourceDB.NameOf(f)
		}
		if name == "" {
			return nil, ctx.wrap(fmt.Errorf("native function has no lookup-database entry and cannot cross lanes"))
		}
		if ctx.Mode == ModeLaneBody {
			if ctx.DestDB == nil {
				return nil, ctx.wrap(fmt.Errorf("function %q requires a destination lookup database", name))
			}
			dv, ok := ctx.DestDB.Resolve(name)
			if !ok {
				return nil, ctx.wrap(fmt.Errorf("function %q not found in destination lookup database", name))
			}
			ctx.cache[f.ID()] = dv
			return dv, nil
		}
		sentinel := &lookup.FunctionLookupSentinel{Name: name}
		ctx.cache[f.ID()] = sentinel
		return sentinel, nil
	}

	// Bytecode path: the Template (the "dumped code") is shared, never
	// copied; only the captured upvalues need translating.
	upvalues := make([]vm.Value, len(f.Upvalues))
	destFn := vm.NewClosure(f.Template, upvalues)
	ctx.cache[f.ID()] = destFn // before recursing: makes self-referential closures safe
	for i, uv := range f.Upvalues {
		ctx.pushPath(fmt.Sprintf("upvalue[%d]", i))
		cv, err := copyValue(ctx, dest, uv)
		ctx.popPath()
		if err != nil {
			return nil, err
		}
		upvalues[i] = cv
	}
	return destFn, nil
}

func (ctx *Context) copyCloneable(c *vm.Cloneable) (vm.Value, error) {
	cloned, err := c.Class.Clone(c.Payload)
	if err != nil {
		return nil, ctx.wrap(fmt.Errorf("cloneable %q: %w", c.Class.Name, err))
	}
	if ctx.Mode == ModeToKeeper {
		return &lookup.UserdataCloneSentinel{ClassName: c.Class.Name, Payload: cloned}, nil
	}
	return &vm.Cloneable{Class: c.Class, Payload: cloned}, nil
}

func (ctx *Context) resolveFunctionSentinel(s *lookup.FunctionLookupSentinel) (vm.Value, error) {
	if ctx.Mode != ModeFromKeeper {
		return nil, ctx.wrap(fmt.Errorf("function lookup sentinel %q encountered outside a keeper boundary", s.Name))
	}
	if ctx.DestDB == nil {
		return nil, ctx.wrap(fmt.Errorf("function %q requires a destination lookup database", s.Name))
	}
	dv, ok := ctx.DestDB.Resolve(s.Name)
	if !ok {
		return nil, ctx.wrap(fmt.Errorf("function %q not found in destination lookup database", s.Name))
	}
	return dv, nil
}

func (ctx *Context) resolveTableSentinel(s *lookup.TableLookupSentinel) (vm.Value, error) {
	if ctx.Mode != ModeFromKeeper {
		return nil, ctx.wrap(fmt.Errorf("table lookup sentinel %q encountered outside a keeper boundary", s.Name))
	}
	if ctx.DestDB == nil {
		return nil, ctx.wrap(fmt.Errorf("table %q requires a destination lookup database", s.Name))
	}
	dv, ok := ctx.DestDB.Resolve(s.Name)
	if !ok {
		return nil, ctx.wrap(fmt.Errorf("table %q not found in destination lookup database", s.Name))
	}
	return dv, nil
}

// cloneableClasses is the process-wide registry cloneable userdata
// classes are published to, so a UserdataCloneSentinel crossing back out
// of a keeper can find the class that knows how to wrap its payload
// again. Classes are normally singletons installed at program startup,
// the same way a deep.Factory is.
var cloneableClasses = map[string]*vm.CloneableClass{}

// RegisterCloneableClass publishes c under c.Name so sentinels can be
// rematerialized. Intended to be called once per class at startup.
func RegisterCloneableClass(c *vm.CloneableClass) {
	cloneableClasses[c.Name] = c
}

func (ctx *Context) resolveCloneSentinel(s *lookup.UserdataCloneSentinel) (vm.Value, error) {
	if ctx.Mode != ModeFromKeeper {
		return nil, ctx.wrap(fmt.Errorf("userdata clone sentinel %q encountered outside a keeper boundary", s.ClassName))
	}
	class, ok := cloneableClasses[s.ClassName]
	if !ok {
		return nil, ctx.wrap(fmt.Errorf("cloneable class %q is not registered", s.ClassName))
	}
	cloned, err := class.Clone(s.Payload)
	if err != nil {
		return nil, ctx.wrap(fmt.Errorf("cloneable %q: %w", s.ClassName, err))
	}
	return &vm.Cloneable{Class: class, Payload: cloned}, nil
}

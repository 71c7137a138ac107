// Package lookup implements spec.md §4.2's function lookup database: a
// per-VM bidirectional map between names and the native functions
// and tables that cannot be transferred by value (native functions have
// no dumpable code; well-known tables like the standard library need a
// stable cross-VM identity). The copier (internal/copier) consults this
// database whenever it meets a native function, and substitutes/reverses
// FunctionLookupSentinel/TableLookupSentinel values when crossing a
// keeper boundary so keepers never hold direct references to host
// globals.
package lookup

import (
	"fmt"
	"sort"
	"sync"

	"github.com/oriys/lanes/internal/vm"
)

type objKey struct {
	kind byte // 't' table, 'f' function
	id   uint64
}

// DB is one VM's lookup database, populated once from stable roots
// (globals plus any registered modules) and treated as immutable during
// normal operation, per spec.md §9 ("Strategy: populate the database
// once per VM from stable roots... and treat it as immutable").
type DB struct {
	mu      sync.RWMutex
	forward map[objKey]string
	reverse map[string]vm.Value
}

// New creates an empty lookup database.
func New() *DB {
	return &DB{forward: make(map[objKey]string), reverse: make(map[string]vm.Value)}
}

func keyOf(v vm.Value) (objKey, bool) {
	switch x := v.(type) {
	case *vm.Table:
		return objKey{'t', x.ID()}, true
	case *vm.Function:
		if !x.IsNative() {
			return objKey{}, false
		}
		return objKey{'f', x.ID()}, true
	default:
		return objKey{}, false
	}
}

type frontierItem struct {
	path string
	val  vm.Value
}

// Populate performs the recursive walk spec.md §4.2 describes: breadth
// first per depth, starting at the given named roots (typically
// {"": globals} plus one entry per registered module), so that the
// shallowest name to reach any given object wins. When two paths reach
// the same object at the same depth, the shorter name wins; ties of
// equal length are broken by taking the lexicographically smaller name.
func (db *DB) Populate(roots map[string]vm.Value) {
	visited := make(map[objKey]bool)
	var frontier []frontierItem
	// Deterministic seed order so Populate is reproducible across runs.
	names := make([]string, 0, len(roots))
	for name := range roots {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		frontier = append(frontier, frontierItem{name, roots[name]})
	}

	for len(frontier) > 0 {
		type candidate struct {
			key  objKey
			name string
			val  vm.Value
		}
		winners := make(map[objKey]candidate)
		for _, item := range frontier {
			key, ok := keyOf(item.val)
			if !ok || visited[key] {
				continue
			}
			w, have := winners[key]
			if !have || betterName(item.path, w.name) {
				winners[key] = candidate{key, item.path, item.val}
			}
		}

		var next []frontierItem
		winnerNames := make([]string, 0, len(winners))
		byName := make(map[string]candidate, len(winners))
		for _, w := range winners {
			winnerNames = append(winnerNames, w.name)
			byName[w.name] = w
		}
		sort.Strings(winnerNames)
		for _, name := range winnerNames {
			w := byName[name]
			visited[w.key] = true
			db.assign(w.key, w.name, w.val)
			if tbl, ok := w.val.(*vm.Table); ok {
				var childKeys []string
				tbl.Range(func(k any, _ vm.Value) bool {
					if ks, ok := k.(string); ok {
						childKeys = append(childKeys, ks)
					}
					return true
				})
				sort.Strings(childKeys)
				for _, ks := range childKeys {
					cv, _ := tbl.Get(ks)
					childPath := ks
					if w.name != "" {
						childPath = w.name + "/" + ks
					}
					next = append(next, frontierItem{childPath, cv})
				}
			}
		}
		frontier = next
	}
}

func betterName(a, b string) bool {
	if len(a) != len(b) {
		return len(a) < len(b)
	}
	return a < b
}

func (db *DB) assign(key objKey, name string, v vm.Value) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.forward[key] = name
	db.reverse[name] = v
}

// Register directly binds a single name to a native function or table,
// for callers (e.g. a lane installing one extra host function) that
// don't want a full Populate walk.
func (db *DB) Register(name string, v vm.Value) error {
	key, ok := keyOf(v)
	if !ok {
		return fmt.Errorf("lanes: lookup.Register: %T is not nameable", v)
	}
	db.assign(key, name, v)
	if fn, ok := v.(*vm.Function); ok {
		fn.LookupName = name
	}
	return nil
}

// NameOf returns the name bound to v, if any.
func (db *DB) NameOf(v vm.Value) (string, bool) {
	key, ok := keyOf(v)
	if !ok {
		return "", false
	}
	db.mu.RLock()
	defer db.mu.RUnlock()
	name, ok := db.forward[key]
	return name, ok
}

// Resolve looks up the value bound to name.
func (db *DB) Resolve(name string) (vm.Value, bool) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	v, ok := db.reverse[name]
	return v, ok
}

// FunctionLookupSentinel stands in for a native function while it
// transits a keeper VM, per spec.md §4.5.4: "In ToKeeper mode, substitute
// a FunctionLookupSentinel closure holding the name; FromKeeper reverses
// this." Keepers never hold a live reference to a host native function.
type FunctionLookupSentinel struct {
	Name string
}

// TableLookupSentinel is the table analogue used when a table found in
// the source VM's lookup DB crosses a keeper boundary (spec.md §4.5.4,
// "keepers never hold references to host tables").
type TableLookupSentinel struct {
	Name string
}

// UserdataCloneSentinel represents a cloneable userdata in transit
// through a keeper: its fields carry the class's fully-qualified name
// and the source payload, to be rematerialized on the other side
// (spec.md §4.4).
type UserdataCloneSentinel struct {
	ClassName string
	Payload   any
}

// Package keeper implements spec.md §4.6's keeper machinery: a small
// fixed-size pool of dedicated VMs, each guarded by its own mutex, that
// hold the actual FIFO-per-key contents behind every linda. A linda
// never stores values itself; it only ever calls into its assigned
// keeper, which copies arguments in (internal/copier, ModeToKeeper),
// performs the requested queue operation against plain Go slices, and
// copies results back out (ModeFromKeeper).
package keeper

import (
	"errors"
	"strconv"
	"sync"

	"github.com/oriys/lanes/internal/copier"
	"github.com/oriys/lanes/internal/lookup"
	"github.com/oriys/lanes/internal/metrics"
	"github.com/oriys/lanes/internal/vm"
)

// Op identifies a keeper operation, spec.md §4.6.2's "keeper_call
// dispatch sequence" request kinds.
type Op int

const (
	OpSend Op = iota
	OpReceive
	OpReceiveBatched
	OpLimit
	OpSet
	OpGet
	OpCount
	OpClear
	OpDump
)

// Errors a keeper op can signal back to the linda layer, which decides
// whether to wait-and-retry (full/empty) or surface a user error.
var (
	// ErrLindaFull means the targeted key's fifo is at its configured
	// limit; the caller should block on read_happened and retry.
	ErrLindaFull = errors.New("lanes: linda key is at its limit")
	// ErrLindaEmpty means fewer values are queued than requested; the
	// caller should block on write_happened and retry.
	ErrLindaEmpty = errors.New("lanes: linda key has no (or too few) values")
	// ErrKeeperFull means the keeper's total stored-item budget
	// (spec.md §4.6's GC-threshold guard — keepers never run a real
	// garbage collector, so an unbounded sender could otherwise exhaust
	// memory silently) has been reached.
	ErrKeeperFull = errors.New("lanes: keeper has reached its total item budget")
)

type fifoKey struct {
	linda uint64
	key   string
}

type fifo struct {
	items []vm.Value
	limit int // 0 = unlimited
}

// Keeper is one dedicated VM plus the mutex guarding it. Unlike the
// recursive lock a C port needs (a metamethod invoked while already
// holding the keeper's lock could re-enter), a plain sync.Mutex
// suffices here: every keeper op is a single, non-reentrant Go call,
// so there is no path that revisits the same Keeper while already
// holding its lock.
type Keeper struct {
	idx   int
	mu    sync.Mutex
	state *vm.State
	fifos map[fifoKey]*fifo

	// MaxTotalItems bounds the sum of every fifo's length in this
	// keeper; 0 means unlimited. Checked on OpSend/OpSet.
	MaxTotalItems int
}

// Pool is the fixed-size keeper pool a Universe owns (spec.md §4.9).
type Pool struct {
	keepers []*Keeper
}

// NewPool creates n keepers, each with its own fresh VM state named
// "keeper-<i>" and the given per-keeper item budget (0 = unlimited).
func NewPool(n int, maxTotalItems int) *Pool {
	p := &Pool{keepers: make([]*Keeper, n)}
	for i := range p.keepers {
		p.keepers[i] = &Keeper{
			idx:           i,
			state:         vm.New(stateName(i)),
			fifos:         make(map[fifoKey]*fifo),
			MaxTotalItems: maxTotalItems,
		}
	}
	return p
}

func stateName(i int) string {
	const digits = "0123456789"
	if i < 10 {
		return "keeper-" + string(digits[i])
	}
	// Pools beyond 10 keepers are unusual but not invalid; fall back to
	// a simple manual itoa.
	var buf []byte
	for i > 0 {
		buf = append([]byte{digits[i%10]}, buf...)
		i /= 10
	}
	return "keeper-" + string(buf)
}

// Index reports k's slot within its pool, for introspection/tracing.
func (k *Keeper) Index() int { return k.idx }

// Len reports the pool size.
func (p *Pool) Len() int { return len(p.keepers) }

// ByIndex returns the keeper at the given pool slot directly, used when
// a linda's group assignment names a keeper explicitly (spec.md §4.6.1).
func (p *Pool) ByIndex(i int) *Keeper { return p.keepers[i%len(p.keepers)] }

// Select picks a keeper for a linda: groupID >= 0 pins it to that slot
// (mod pool size) so related lindas can be co-located deliberately;
// groupID < 0 hashes the linda's own identity across the pool (spec.md
// §4.6.1, "group, or hashed address mod pool size").
func (p *Pool) Select(groupID int, lindaID uint64) *Keeper {
	if groupID >= 0 {
		return p.keepers[groupID%len(p.keepers)]
	}
	return p.keepers[lindaID%uint64(len(p.keepers))]
}

// Close tears down every keeper's VM, spec.md §4.9's "close keepers"
// shutdown step. Keepers hold no resources beyond their in-memory fifos
// and VM state, so Close just releases them for GC.
func (p *Pool) Close() {
	for _, k := range p.keepers {
		k.mu.Lock()
		k.fifos = nil
		k.mu.Unlock()
	}
}

// Call is the keeper_call dispatch sequence of spec.md §4.6.2: copy the
// caller's arguments into the keeper's VM (ModeToKeeper), perform the
// operation against the keeper's own state under its mutex, then copy
// any results back out to the caller's VM (ModeFromKeeper). callerDB is
// the caller's lookup database, consulted on the way in (to recognize
// native functions/registered tables) and the way out (to resolve the
// sentinels those became).
func (k *Keeper) Call(callerState *vm.State, callerDB *lookup.DB, op Op, lindaID uint64, key string, args []vm.Value) ([]vm.Value, error) {
	inCtx := copier.NewContext(copier.ModeToKeeper, callerDB, nil)
	kArgs, _, err := copier.CopyValues(inCtx, k.state, args)
	if err != nil {
		return nil, err
	}

	k.mu.Lock()
	kResults, opErr := k.dispatch(op, lindaID, key, kArgs)
	k.mu.Unlock()
	if opErr != nil {
		return nil, opErr
	}

	outCtx := copier.NewContext(copier.ModeFromKeeper, nil, callerDB)
	results, _, err := copier.CopyValues(outCtx, callerState, kResults)
	return results, err
}

func (k *Keeper) totalItems() int {
	n := 0
	for _, f := range k.fifos {
		n += len(f.items)
	}
	return n
}

func (k *Keeper) fifoFor(linda uint64, key string) *fifo {
	fk := fifoKey{linda, key}
	f, ok := k.fifos[fk]
	if !ok {
		f = &fifo{}
		k.fifos[fk] = f
	}
	return f
}

// dispatch runs op against the keeper's own fifos. Called with k.mu
// held. kArgs/results are already in the keeper's own VM's value space.
func (k *Keeper) dispatch(op Op, lindaID uint64, key string, kArgs []vm.Value) ([]vm.Value, error) {
	switch op {
	case OpSend:
		f := k.fifoFor(lindaID, key)
		if f.limit > 0 && len(f.items)+len(kArgs) > f.limit {
			return nil, ErrLindaFull
		}
		if k.MaxTotalItems > 0 && k.totalItems()+len(kArgs) > k.MaxTotalItems {
			metrics.RecordKeeperFull()
			return nil, ErrKeeperFull
		}
		f.items = append(f.items, kArgs...)
		metrics.SetLindaFifoDepth(keyLabel(lindaID), key, len(f.items))
		return nil, nil

	case OpReceive:
		f := k.fifoFor(lindaID, key)
		if len(f.items) == 0 {
			return nil, ErrLindaEmpty
		}
		v := f.items[0]
		f.items = f.items[1:]
		metrics.SetLindaFifoDepth(keyLabel(lindaID), key, len(f.items))
		return []vm.Value{v}, nil

	case OpReceiveBatched:
		min, max := batchBounds(kArgs)
		f := k.fifoFor(lindaID, key)
		if len(f.items) < min {
			return nil, ErrLindaEmpty
		}
		n := max
		if n > len(f.items) {
			n = len(f.items)
		}
		out := append([]vm.Value(nil), f.items[:n]...)
		f.items = f.items[n:]
		metrics.SetLindaFifoDepth(keyLabel(lindaID), key, len(f.items))
		return out, nil

	case OpLimit:
		f := k.fifoFor(lindaID, key)
		prev := int64(f.limit)
		if n, ok := asInt(kArgs, 0); ok {
			f.limit = int(n)
		}
		return []vm.Value{prev}, nil

	case OpSet:
		f := k.fifoFor(lindaID, key)
		if f.limit > 0 && len(kArgs) > f.limit {
			return nil, ErrLindaFull
		}
		if k.MaxTotalItems > 0 && k.totalItems()-len(f.items)+len(kArgs) > k.MaxTotalItems {
			metrics.RecordKeeperFull()
			return nil, ErrKeeperFull
		}
		f.items = append([]vm.Value(nil), kArgs...)
		metrics.SetLindaFifoDepth(keyLabel(lindaID), key, len(f.items))
		return nil, nil

	case OpGet:
		f := k.fifoFor(lindaID, key)
		n := 1
		if v, ok := asInt(kArgs, 0); ok {
			n = int(v)
		}
		if n > len(f.items) {
			n = len(f.items)
		}
		return append([]vm.Value(nil), f.items[:n]...), nil

	case OpCount:
		f := k.fifoFor(lindaID, key)
		return []vm.Value{int64(len(f.items))}, nil

	case OpClear:
		if f, ok := k.fifos[fifoKey{lindaID, key}]; ok {
			metrics.RecordKeeperItemsCollected(len(f.items))
		}
		delete(k.fifos, fifoKey{lindaID, key})
		metrics.SetLindaFifoDepth(keyLabel(lindaID), key, 0)
		return nil, nil

	case OpDump:
		dump := vm.NewTable()
		for fk, f := range k.fifos {
			if fk.linda != lindaID {
				continue
			}
			dump.Set(fk.key, int64(len(f.items)))
		}
		return []vm.Value{dump}, nil

	default:
		return nil, errors.New("lanes: unknown keeper op")
	}
}

// keyLabel renders a linda's id as the low-cardinality label used by the
// fifo-depth gauge; lindas don't carry their display name into the
// keeper, so the numeric id stands in.
func keyLabel(lindaID uint64) string {
	return strconv.FormatUint(lindaID, 10)
}

func asInt(args []vm.Value, i int) (int64, bool) {
	if i >= len(args) {
		return 0, false
	}
	n, ok := args[i].(int64)
	return n, ok
}

func batchBounds(args []vm.Value) (min, max int) {
	min, max = 1, 1
	if n, ok := asInt(args, 0); ok {
		min = int(n)
	}
	if n, ok := asInt(args, 1); ok {
		max = int(n)
	}
	if max < min {
		max = min
	}
	return min, max
}

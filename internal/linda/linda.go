// Package linda implements spec.md §4.7's linda: the multi-key
// rendezvous object lane bodies actually interact with. A Linda is
// itself deep userdata (internal/deep) backed by one keeper
// (internal/keeper) chosen at construction time; every operation is a
// ProtectedCall-wrapped round trip through that keeper, with blocking
// send/receive implemented as a check-keeper / wait-on-condvar / retry
// loop bound to the linda's own mutex.
package linda

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oriys/lanes/internal/deep"
	"github.com/oriys/lanes/internal/keeper"
	"github.com/oriys/lanes/internal/lookup"
	"github.com/oriys/lanes/internal/metrics"
	"github.com/oriys/lanes/internal/observability"
	"github.com/oriys/lanes/internal/vm"
)

// ErrCancelled is returned by any blocking operation on a linda that has
// been cancelled (spec.md §4.7's cancel(who) semantics).
var ErrCancelled = errors.New("lanes: linda was cancelled")

var nextID atomic.Uint64

// Linda is the rendezvous object. Name is purely diagnostic; identity is
// the id assigned at construction, which also seeds the keeper pool's
// hashed selection when no explicit group was requested.
type Linda struct {
	id      uint64
	Name    string
	groupID int
	kpr     *keeper.Keeper

	mu            sync.Mutex
	writeHappened *sync.Cond // broadcast whenever a send/set succeeds
	readHappened  *sync.Cond // broadcast whenever a receive succeeds

	cancelled   atomic.Bool
	cancelledBy atomic.Pointer[string]
}

// ID is the linda's process-wide identity.
func (l *Linda) ID() uint64 { return l.id }

// Cancelled reports whether Cancel has been called, and by whom.
func (l *Linda) Cancelled() (bool, string) {
	who := ""
	if p := l.cancelledBy.Load(); p != nil {
		who = *p
	}
	return l.cancelled.Load(), who
}

// Cancel marks the linda cancelled and wakes every blocked waiter, per
// spec.md §4.7's cancel(who) operation. who is a caller-supplied label
// (typically the cancelling lane's name) surfaced through Cancelled.
func (l *Linda) Cancel(who string) {
	l.cancelled.Store(true)
	l.cancelledBy.Store(&who)
	l.mu.Lock()
	l.writeHappened.Broadcast()
	l.readHappened.Broadcast()
	l.mu.Unlock()
}

// Factory is the deep.Factory for lindas, usually one instance per
// universe sharing that universe's keeper pool.
type Factory struct {
	Pool *keeper.Pool
}

// NewFactory creates a linda factory bound to pool.
func NewFactory(pool *keeper.Pool) *Factory { return &Factory{Pool: pool} }

func (f *Factory) NewInternal() (*deep.Prelude, error) {
	l := &Linda{id: nextID.Add(1)}
	l.writeHappened = sync.NewCond(&l.mu)
	l.readHappened = sync.NewCond(&l.mu)
	l.groupID = -1
	l.kpr = f.Pool.Select(l.groupID, l.id)
	return &deep.Prelude{Magic: deep.Magic, Payload: l}, nil
}

func (f *Factory) DeleteInternal(p *deep.Prelude) {
	l, _ := p.Payload.(*Linda)
	if l == nil {
		return
	}
	l.Cancel("linda garbage collected")
}

func (f *Factory) ModuleName() (string, bool) { return "", false }

// New constructs a fresh linda and returns both its cross-VM proxy (to
// hand to lane bodies) and the concrete Linda for local use.
func New(dest *vm.State, factory *Factory, name string, groupID int) (*deep.Proxy, *Linda, error) {
	proxy, err := deep.PushDeepUserdata(dest, factory, 0)
	if err != nil {
		return nil, nil, err
	}
	l := proxy.Prelude.Payload.(*Linda)
	l.Name = name
	if groupID >= 0 {
		l.groupID = groupID
		l.kpr = factory.Pool.Select(groupID, l.id)
	}
	return proxy, l, nil
}

// FromProxy extracts the Linda behind a proxy created by factory, or
// (nil, false) if proxy isn't one of factory's.
func FromProxy(proxy *deep.Proxy, factory *Factory) (*Linda, bool) {
	prelude, ok := deep.ToDeep(proxy, factory)
	if !ok {
		return nil, false
	}
	l, ok := prelude.Payload.(*Linda)
	return l, ok
}

// protectedCall wraps a keeper round trip so a panic inside keeper
// dispatch (an invariant violation, not an ordinary full/empty signal)
// becomes an error instead of unwinding into the calling lane, the
// ProtectedCall safety net spec.md §4.7 calls for.
func protectedCall(fn func() ([]vm.Value, error)) (res []vm.Value, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("lanes: linda protected call: %v", r)
		}
	}()
	return fn()
}

// waitOn blocks on cond until broadcast, ctx is done, or the linda is
// cancelled, whichever comes first. The caller must already hold l.mu;
// per sync.Cond's contract it is released for the duration of the wait
// and re-acquired before this returns. Holding l.mu continuously from
// the readiness check that preceded this call through the Wait itself
// is what makes the check-and-wait atomic with respect to any
// Broadcast, which likewise only ever runs with l.mu held — otherwise a
// sender/receiver could pop or push a value and broadcast in the gap
// between our check and our Wait, and the wakeup would be lost forever.
func (l *Linda) waitOn(ctx context.Context, cond *sync.Cond) error {
	stop := context.AfterFunc(ctx, func() {
		l.mu.Lock()
		cond.Broadcast()
		l.mu.Unlock()
	})
	cond.Wait()
	stop()

	if l.cancelled.Load() {
		return ErrCancelled
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return nil
}

// Send blocks until values fit under key's limit (or ctx is done, or the
// linda is cancelled), per spec.md §4.7.1. It always sends values as one
// atomic unit: either every value queues, or none do.
func (l *Linda) Send(ctx context.Context, callerState *vm.State, callerDB *lookup.DB, key string, values []vm.Value) error {
	ctx, span := observability.StartSpan(ctx, "linda.send",
		observability.AttrLindaName.String(l.Name),
		observability.AttrLindaKey.String(key),
		observability.AttrKeeperIdx.Int(l.kpr.Index()),
	)
	defer span.End()

	start := time.Now()
	// l.mu is held for the whole check/wait loop, not just around each
	// Broadcast: the readiness check (the keeper call below) and the
	// decision to wait must be atomic with respect to a concurrent
	// Receive's Broadcast, or a wakeup fired between our check and our
	// Wait call would be lost (see waitOn).
	l.mu.Lock()
	defer l.mu.Unlock()
	for {
		if l.cancelled.Load() {
			metrics.RecordLindaSend("error")
			observability.SetSpanError(span, ErrCancelled)
			return ErrCancelled
		}
		_, err := protectedCall(func() ([]vm.Value, error) {
			return l.kpr.Call(callerState, callerDB, keeper.OpSend, l.id, key, values)
		})
		if err == nil {
			l.writeHappened.Broadcast()
			metrics.RecordLindaSend("ok")
			metrics.RecordLindaWait("send", float64(time.Since(start).Milliseconds()))
			observability.SetSpanOK(span)
			return nil
		}
		if !errors.Is(err, keeper.ErrLindaFull) && !errors.Is(err, keeper.ErrKeeperFull) {
			metrics.RecordLindaSend("error")
			observability.SetSpanError(span, err)
			return err
		}
		if werr := l.waitOn(ctx, l.readHappened); werr != nil {
			metrics.RecordLindaSend("full")
			observability.SetSpanError(span, werr)
			return werr
		}
	}
}

// Receive blocks until one value is available at key, per spec.md §4.7.2.
func (l *Linda) Receive(ctx context.Context, callerState *vm.State, callerDB *lookup.DB, key string) (vm.Value, error) {
	ctx, span := observability.StartSpan(ctx, "linda.receive",
		observability.AttrLindaName.String(l.Name),
		observability.AttrLindaKey.String(key),
		observability.AttrKeeperIdx.Int(l.kpr.Index()),
	)
	defer span.End()

	start := time.Now()
	// Same check-and-wait discipline as Send: hold l.mu across the whole
	// loop body so the emptiness check and the Wait are atomic against a
	// concurrent Send's Broadcast.
	l.mu.Lock()
	defer l.mu.Unlock()
	for {
		if l.cancelled.Load() {
			metrics.RecordLindaReceive("error")
			observability.SetSpanError(span, ErrCancelled)
			return nil, ErrCancelled
		}
		res, err := protectedCall(func() ([]vm.Value, error) {
			return l.kpr.Call(callerState, callerDB, keeper.OpReceive, l.id, key, nil)
		})
		if err == nil {
			l.readHappened.Broadcast()
			var v vm.Value
			if len(res) > 0 {
				v = res[0]
			}
			metrics.RecordLindaReceive("ok")
			metrics.RecordLindaWait("receive", float64(time.Since(start).Milliseconds()))
			observability.SetSpanOK(span)
			return v, nil
		}
		if !errors.Is(err, keeper.ErrLindaEmpty) {
			metrics.RecordLindaReceive("error")
			observability.SetSpanError(span, err)
			return nil, err
		}
		if werr := l.waitOn(ctx, l.writeHappened); werr != nil {
			metrics.RecordLindaReceive("empty")
			observability.SetSpanError(span, werr)
			return nil, werr
		}
	}
}

// ReceiveBatched blocks until at least min values are queued at key, then
// returns between min and max of them, per spec.md §9's decision that
// batched receive is a distinct method rather than a sentinel-key
// overload of Receive.
func (l *Linda) ReceiveBatched(ctx context.Context, callerState *vm.State, callerDB *lookup.DB, key string, min, max int) ([]vm.Value, error) {
	start := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	for {
		if l.cancelled.Load() {
			metrics.RecordLindaReceive("error")
			return nil, ErrCancelled
		}
		res, err := protectedCall(func() ([]vm.Value, error) {
			return l.kpr.Call(callerState, callerDB, keeper.OpReceiveBatched, l.id, key, []vm.Value{int64(min), int64(max)})
		})
		if err == nil {
			l.readHappened.Broadcast()
			metrics.RecordLindaReceive("ok")
			metrics.RecordLindaWait("receive_batched", float64(time.Since(start).Milliseconds()))
			return res, nil
		}
		if !errors.Is(err, keeper.ErrLindaEmpty) {
			metrics.RecordLindaReceive("error")
			return nil, err
		}
		if werr := l.waitOn(ctx, l.writeHappened); werr != nil {
			metrics.RecordLindaReceive("empty")
			return nil, werr
		}
	}
}

// Set replaces key's entire contents with values (non-blocking; returns
// ErrLindaFull/ErrKeeperFull immediately rather than waiting).
func (l *Linda) Set(callerState *vm.State, callerDB *lookup.DB, key string, values []vm.Value) error {
	_, err := protectedCall(func() ([]vm.Value, error) {
		return l.kpr.Call(callerState, callerDB, keeper.OpSet, l.id, key, values)
	})
	if err == nil {
		l.mu.Lock()
		l.writeHappened.Broadcast()
		l.mu.Unlock()
	}
	return err
}

// Get peeks at up to count queued values at key without removing them.
func (l *Linda) Get(callerState *vm.State, callerDB *lookup.DB, key string, count int) ([]vm.Value, error) {
	return protectedCall(func() ([]vm.Value, error) {
		return l.kpr.Call(callerState, callerDB, keeper.OpGet, l.id, key, []vm.Value{int64(count)})
	})
}

// Count returns the number of values currently queued at key.
func (l *Linda) Count(callerState *vm.State, callerDB *lookup.DB, key string) (int64, error) {
	res, err := protectedCall(func() ([]vm.Value, error) {
		return l.kpr.Call(callerState, callerDB, keeper.OpCount, l.id, key, nil)
	})
	if err != nil {
		return 0, err
	}
	if len(res) == 0 {
		return 0, nil
	}
	n, _ := res[0].(int64)
	return n, nil
}

// Limit sets key's fifo capacity (0 disables the limit) and returns the
// previous limit.
func (l *Linda) Limit(callerState *vm.State, callerDB *lookup.DB, key string, n int) (int64, error) {
	res, err := protectedCall(func() ([]vm.Value, error) {
		return l.kpr.Call(callerState, callerDB, keeper.OpLimit, l.id, key, []vm.Value{int64(n)})
	})
	if err != nil {
		return 0, err
	}
	if len(res) == 0 {
		return 0, nil
	}
	prev, _ := res[0].(int64)
	return prev, nil
}

// Clear discards every value queued at key.
func (l *Linda) Clear(callerState *vm.State, callerDB *lookup.DB, key string) error {
	_, err := protectedCall(func() ([]vm.Value, error) {
		return l.kpr.Call(callerState, callerDB, keeper.OpClear, l.id, key, nil)
	})
	return err
}

// Dump returns a table mapping every key this linda's keeper holds a
// fifo for to its current depth, for introspection. Keys whose fifo
// exists but is currently empty appear with depth 0.
func (l *Linda) Dump(callerState *vm.State, callerDB *lookup.DB) (*vm.Table, error) {
	res, err := protectedCall(func() ([]vm.Value, error) {
		return l.kpr.Call(callerState, callerDB, keeper.OpDump, l.id, "", nil)
	})
	if err != nil {
		return nil, err
	}
	if len(res) == 0 {
		return vm.NewTable(), nil
	}
	t, _ := res[0].(*vm.Table)
	if t == nil {
		t = vm.NewTable()
	}
	return t, nil
}

// Package universe implements spec.md §4.9's universe: the root object
// a process creates once, owning the keeper pool, the shared lookup
// database, the linda factory, and the set of lanes currently tracked
// against it. Shutdown runs the spec's ordered sequence: cancel every
// self-destructing lane, poll until they've all exited (or time out
// with a zombie-lane error), release the bootstrap linda, close the
// keepers, restore whatever allocator was installed before, and mark
// the universe destructed.
package universe

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/oriys/lanes/internal/allocator"
	"github.com/oriys/lanes/internal/deep"
	"github.com/oriys/lanes/internal/keeper"
	"github.com/oriys/lanes/internal/lane"
	"github.com/oriys/lanes/internal/linda"
	"github.com/oriys/lanes/internal/lookup"
	"github.com/oriys/lanes/internal/metrics"
	"github.com/oriys/lanes/internal/uniquekey"
	"github.com/oriys/lanes/internal/vm"
)

// ErrZombieLanes is wrapped by ZombieLanesError, returned when Shutdown's
// deadline passes with self-destructing lanes still running.
var ErrZombieLanes = errors.New("lanes: universe shutdown timed out with lanes still running")

// ErrDestroyed is returned by any operation attempted on a universe
// after Shutdown has completed.
var ErrDestroyed = errors.New("lanes: universe has been shut down")

// ZombieLanesError names the lanes that forced a Shutdown timeout.
type ZombieLanesError struct{ Names []string }

func (e *ZombieLanesError) Error() string {
	return fmt.Sprintf("lanes: %d lane(s) did not exit before the shutdown deadline: %s",
		len(e.Names), strings.Join(e.Names, ", "))
}

func (e *ZombieLanesError) Unwrap() error { return ErrZombieLanes }

// Config configures a new Universe.
type Config struct {
	KeeperPoolSize     int // number of keeper VMs; spec.md §4.6 default is small (e.g. 1)
	KeeperMaxItems     int // 0 = unlimited per-keeper item budget
	Allocator          allocator.Allocator
	AllocatorProtected bool // wrap Allocator in allocator.Protected before installing it
}

// DefaultConfig returns sane defaults: a single keeper, no item cap, the
// stock Go allocator, serialized.
func DefaultConfig() Config {
	return Config{KeeperPoolSize: 1, KeeperMaxItems: 0, Allocator: allocator.Default(), AllocatorProtected: true}
}

// Universe is the root object. Exactly one exists per embedding process
// in the ordinary case, though nothing here prevents running several
// independent ones (e.g. in tests).
type Universe struct {
	mu         sync.Mutex
	instanceID string
	state      *vm.State

	keepers      *keeper.Pool
	lindaFactory *linda.Factory
	lookupDB     *lookup.DB

	restoreAllocator func()
	bootstrapLinda   *deep.Proxy

	lanes           map[uint64]*lane.Lane
	selfDestructing map[uint64]*lane.Lane
	destroyed       bool

	totalSpawned atomic.Uint64
}

// New constructs a universe: a fresh root VM state, the keeper pool, the
// shared lookup database (populated by the caller via LookupDB().Populate),
// the linda factory, and a dedicated bootstrap linda used internally
// (e.g. by a timer facility layered on top) and released on Shutdown.
func New(cfg Config) *Universe {
	u := &Universe{
		instanceID:      uuid.New().String(),
		state:           vm.New("universe"),
		keepers:         keeper.NewPool(cfg.KeeperPoolSize, cfg.KeeperMaxItems),
		lookupDB:        lookup.New(),
		lanes:           make(map[uint64]*lane.Lane),
		selfDestructing: make(map[uint64]*lane.Lane),
	}
	u.state.Registry.Set(uniquekey.Universe, u)
	u.lindaFactory = linda.NewFactory(u.keepers)
	alloc := cfg.Allocator
	if alloc.Alloc == nil {
		alloc = allocator.Default()
	}
	if cfg.AllocatorProtected {
		alloc = allocator.Protected(alloc)
	}
	u.restoreAllocator = allocator.Install(u.state, alloc)

	proxy, _, err := linda.New(u.state, u.lindaFactory, "lanes-bootstrap-timer", -1)
	if err == nil {
		u.bootstrapLinda = proxy
	}
	return u
}

// LookupDB returns the universe's shared lookup database. Callers
// populate it once, at startup, before spawning any lane — spec.md §9's
// "populate once per VM family, treat as immutable" strategy.
func (u *Universe) LookupDB() *lookup.DB { return u.lookupDB }

// InstanceID returns the process-unique identifier generated for this
// universe, used to tell daemons apart in logs and introspection output
// when more than one runs behind the same load balancer.
func (u *Universe) InstanceID() string { return u.instanceID }

// NewLinda creates a new linda against this universe's keeper pool.
// groupID < 0 lets the pool hash-select a keeper; groupID >= 0 pins it.
func (u *Universe) NewLinda(name string, groupID int) (*deep.Proxy, *linda.Linda, error) {
	u.mu.Lock()
	destroyed := u.destroyed
	u.mu.Unlock()
	if destroyed {
		return nil, nil, ErrDestroyed
	}
	return linda.New(u.state, u.lindaFactory, name, groupID)
}

// SpawnLane constructs, registers and starts a lane against this
// universe. If selfDestruct is true, the lane is hard-cancelled
// automatically during Shutdown instead of being left to the caller to
// Join beforehand — spec.md §4.9's self-destruct chain.
func (u *Universe) SpawnLane(cfg lane.Config, selfDestruct bool) (*lane.Lane, error) {
	u.mu.Lock()
	if u.destroyed {
		u.mu.Unlock()
		return nil, ErrDestroyed
	}
	if cfg.LookupDB == nil {
		cfg.LookupDB = u.lookupDB
	}
	l := lane.New(cfg)
	u.lanes[l.ID()] = l
	if selfDestruct {
		u.selfDestructing[l.ID()] = l
	}
	activeLanes, selfDestructing := len(u.lanes), len(u.selfDestructing)
	u.mu.Unlock()

	u.totalSpawned.Add(1)
	metrics.RecordLaneSpawned()
	metrics.SetActiveLanes(activeLanes, selfDestructing)
	started := time.Now()
	l.Start(cfg)

	go func() {
		_, _ = l.Join(context.Background())
		metrics.RecordLaneFinished(l.Status().String(), float64(time.Since(started).Milliseconds()))
		u.mu.Lock()
		delete(u.lanes, l.ID())
		delete(u.selfDestructing, l.ID())
		activeLanes, selfDestructing := len(u.lanes), len(u.selfDestructing)
		u.mu.Unlock()
		metrics.SetActiveLanes(activeLanes, selfDestructing)
	}()

	return l, nil
}

// Stats is a point-in-time snapshot of universe activity, exposed to
// internal/introspect.
type Stats struct {
	InstanceID      string
	ActiveLanes     int
	SelfDestructing int
	TotalSpawned    uint64
	KeeperPoolSize  int
}

// Stats returns a snapshot of the universe's current activity.
func (u *Universe) Stats() Stats {
	u.mu.Lock()
	defer u.mu.Unlock()
	return Stats{
		InstanceID:      u.instanceID,
		ActiveLanes:     len(u.lanes),
		SelfDestructing: len(u.selfDestructing),
		TotalSpawned:    u.totalSpawned.Load(),
		KeeperPoolSize:  u.keepers.Len(),
	}
}

// Shutdown runs spec.md §4.9's ordered teardown sequence. pollInterval
// governs how often self-destructing lanes are re-checked while waiting
// for them to exit; ctx's deadline (if any) bounds the whole wait, past
// which a *ZombieLanesError is returned instead of blocking forever.
func (u *Universe) Shutdown(ctx context.Context, pollInterval time.Duration) error {
	u.mu.Lock()
	if u.destroyed {
		u.mu.Unlock()
		return nil
	}
	for _, l := range u.selfDestructing {
		l.CancelHard()
	}
	u.mu.Unlock()

	if pollInterval <= 0 {
		pollInterval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		u.mu.Lock()
		remaining := len(u.selfDestructing)
		u.mu.Unlock()
		if remaining == 0 {
			break
		}
		select {
		case <-ctx.Done():
			u.mu.Lock()
			names := make([]string, 0, len(u.selfDestructing))
			for _, l := range u.selfDestructing {
				names = append(names, l.Name)
			}
			u.mu.Unlock()
			return &ZombieLanesError{Names: names}
		case <-ticker.C:
		}
	}

	u.mu.Lock()
	u.bootstrapLinda = nil // release the bootstrap timer linda
	u.mu.Unlock()

	u.keepers.Close()
	if u.restoreAllocator != nil {
		u.restoreAllocator()
	}

	u.mu.Lock()
	u.destroyed = true
	u.lanes = nil
	u.selfDestructing = nil
	u.mu.Unlock()
	return nil
}

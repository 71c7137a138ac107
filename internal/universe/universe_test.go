package universe

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/oriys/lanes/internal/lane"
	"github.com/oriys/lanes/internal/vm"
)

func TestNewAssignsDistinctInstanceIDs(t *testing.T) {
	a := New(DefaultConfig())
	b := New(DefaultConfig())
	if a.InstanceID() == "" {
		t.Fatal("InstanceID() is empty")
	}
	if a.InstanceID() == b.InstanceID() {
		t.Fatal("two distinct universes share an InstanceID")
	}
}

func TestNewLindaAndSpawnLane(t *testing.T) {
	u := New(DefaultConfig())

	_, l, err := u.NewLinda("test", -1)
	if err != nil {
		t.Fatalf("NewLinda returned error: %v", err)
	}
	if l == nil {
		t.Fatal("NewLinda returned a nil Linda")
	}

	body := vm.NewNative("test.echo", func(args []vm.Value) ([]vm.Value, error) { return args, nil })
	lane1, err := u.SpawnLane(lane.Config{Name: "worker", Body: body, Args: []vm.Value{int64(1)}}, false)
	if err != nil {
		t.Fatalf("SpawnLane returned error: %v", err)
	}
	if _, err := lane1.Join(context.Background()); err != nil {
		t.Fatalf("Join returned error: %v", err)
	}

	stats := u.Stats()
	if stats.TotalSpawned != 1 {
		t.Fatalf("Stats().TotalSpawned = %d, want 1", stats.TotalSpawned)
	}
}

func TestShutdownWaitsForSelfDestructingLanesToFinish(t *testing.T) {
	u := New(DefaultConfig())

	started := make(chan struct{})
	body := vm.NewNative("test.quick", func(args []vm.Value) ([]vm.Value, error) {
		close(started)
		time.Sleep(10 * time.Millisecond)
		return nil, nil
	})
	spawned, err := u.SpawnLane(lane.Config{Name: "quick", Body: body}, true)
	if err != nil {
		t.Fatalf("SpawnLane returned error: %v", err)
	}

	<-started // a cancel that lands before the body starts settles the lane as Cancelled
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := u.Shutdown(ctx, 5*time.Millisecond); err != nil {
		t.Fatalf("Shutdown returned error: %v", err)
	}

	if spawned.Status() != lane.StatusDone {
		t.Fatalf("self-destructing lane Status() after Shutdown = %v, want Done", spawned.Status())
	}
}

func TestShutdownTimesOutWithZombieLanesError(t *testing.T) {
	u := New(DefaultConfig())

	started := make(chan struct{})
	body := vm.NewNative("test.ignoresCancel", func(args []vm.Value) ([]vm.Value, error) {
		close(started)
		select {} // never returns, never checks its context — simulates a zombie
	})
	cfg := lane.Config{Name: "stuck", Body: body}
	if _, err := u.SpawnLane(cfg, true); err != nil {
		t.Fatalf("SpawnLane returned error: %v", err)
	}

	<-started
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := u.Shutdown(ctx, 5*time.Millisecond)
	var zombieErr *ZombieLanesError
	if !errors.As(err, &zombieErr) {
		t.Fatalf("Shutdown error = %v, want a *ZombieLanesError", err)
	}
	if !errors.Is(err, ErrZombieLanes) {
		t.Fatal("ZombieLanesError does not unwrap to ErrZombieLanes")
	}
}

func TestShutdownIsIdempotent(t *testing.T) {
	u := New(DefaultConfig())

	if err := u.Shutdown(context.Background(), time.Millisecond); err != nil {
		t.Fatalf("first Shutdown returned error: %v", err)
	}
	if err := u.Shutdown(context.Background(), time.Millisecond); err != nil {
		t.Fatalf("second Shutdown (no-op) returned error: %v", err)
	}
}

func TestOperationsAfterShutdownFail(t *testing.T) {
	u := New(DefaultConfig())
	if err := u.Shutdown(context.Background(), time.Millisecond); err != nil {
		t.Fatalf("Shutdown returned error: %v", err)
	}

	if _, _, err := u.NewLinda("late", -1); !errors.Is(err, ErrDestroyed) {
		t.Fatalf("NewLinda after Shutdown = %v, want ErrDestroyed", err)
	}
	body := vm.NewNative("test.noop", func(args []vm.Value) ([]vm.Value, error) { return nil, nil })
	if _, err := u.SpawnLane(lane.Config{Name: "late", Body: body}, false); !errors.Is(err, ErrDestroyed) {
		t.Fatalf("SpawnLane after Shutdown = %v, want ErrDestroyed", err)
	}
}

func TestConfigAllocatorProtectedToggle(t *testing.T) {
	cfgOn := DefaultConfig()
	cfgOn.AllocatorProtected = true
	uOn := New(cfgOn)
	if uOn == nil {
		t.Fatal("New returned nil")
	}

	cfgOff := DefaultConfig()
	cfgOff.AllocatorProtected = false
	uOff := New(cfgOff)
	if uOff == nil {
		t.Fatal("New returned nil")
	}
}

func TestLookupDBIsAvailable(t *testing.T) {
	u := New(DefaultConfig())
	if u.LookupDB() == nil {
		t.Fatal("LookupDB() returned nil")
	}
}

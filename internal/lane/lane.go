// Package lane implements spec.md §4.8's lane: one goroutine bound to
// its own OS thread for its entire lifetime (runtime.LockOSThread),
// running a body function against a freshly constructed VM heap, with
// monotonic status tracking, two-axis cancellation, and an ordered
// finalizer chain that always runs before the lane reaches a terminal
// status.
package lane

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oriys/lanes/internal/affinity"
	"github.com/oriys/lanes/internal/logging"
	"github.com/oriys/lanes/internal/lookup"
	"github.com/oriys/lanes/internal/observability"
	"github.com/oriys/lanes/internal/uniquekey"
	"github.com/oriys/lanes/internal/vm"
)

// Status is a lane's lifecycle state. Transitions are monotonic: once a
// lane reaches any status >= Done, it never changes status again.
type Status int32

const (
	StatusPending Status = iota
	StatusRunning
	StatusDone
	StatusError
	StatusCancelled
	StatusKilled
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusRunning:
		return "running"
	case StatusDone:
		return "done"
	case StatusError:
		return "error"
	case StatusCancelled:
		return "cancelled"
	case StatusKilled:
		return "killed"
	default:
		return "unknown"
	}
}

func isTerminal(s Status) bool { return s >= StatusDone }

// ErrCancelled is the error a lane's Err() carries when its body (or one
// of the blocking linda operations it performed) observed cancellation.
var ErrCancelled = errors.New("lanes: lane was cancelled")

// ErrKilled is the error Join reports for a lane that was Kill'd before
// (or while) running.
var ErrKilled = errors.New("lanes: lane was killed")

var nextID atomic.Uint64

// Config describes a lane to construct. Body stands in for the
// scripting-language chunk a real embedding would load: a vm.Function,
// either bytecode-style (Template) or a native Go closure, invoked with
// Args in the lane's own fresh VM.
type Config struct {
	Name        string
	Body        *vm.Function
	Args        []vm.Value
	Globals     *vm.Table  // extra entries merged into the lane's own globals
	LookupDB    *lookup.DB // shared, treated as immutable (spec.md §9)
	Priority    int        // 0 = don't touch OS scheduling priority
	CPUAffinity []int      // empty = don't touch OS thread affinity
}

// Lane is one running (or finished) lane.
type Lane struct {
	id   uint64
	Name string

	state *vm.State
	db    *lookup.DB

	status atomic.Int32

	ctx          context.Context
	hardCancelFn context.CancelFunc
	softFlag     atomic.Bool

	done      chan struct{}
	closeOnce sync.Once

	// resultMu guards results/err: run() and Kill() race to settle the
	// lane's terminal outcome, and a concurrent Join/Result/Results/Err
	// can observe done closed by whichever of them wins while the other
	// is still touching these fields.
	resultMu   sync.Mutex
	results    []vm.Value
	err        error
	finalizers []*vm.Function
}

// ID is the lane's process-wide identity.
func (l *Lane) ID() uint64 { return l.id }

// Status reports the lane's current lifecycle state.
func (l *Lane) Status() Status { return Status(l.status.Load()) }

func (l *Lane) transition(to Status) bool {
	for {
		cur := Status(l.status.Load())
		if isTerminal(cur) {
			return false
		}
		if l.status.CompareAndSwap(int32(cur), int32(to)) {
			return true
		}
	}
}

func (l *Lane) finish() { l.closeOnce.Do(func() { close(l.done) }) }

// New constructs a lane in Pending status; call Start to actually run
// it. Separating construction from Start lets a universe register the
// lane (e.g. in a tracking list, spec.md §4.9) before its body can
// possibly finish.
func New(cfg Config) *Lane {
	ctx, cancel := context.WithCancel(context.Background())
	l := &Lane{
		id:           nextID.Add(1),
		Name:         cfg.Name,
		ctx:          ctx,
		hardCancelFn: cancel,
		done:         make(chan struct{}),
	}
	return l
}

// Start transitions the lane to Running and launches its goroutine. A
// no-op if the lane isn't Pending (e.g. already Kill'd before starting).
func (l *Lane) Start(cfg Config) {
	if !l.status.CompareAndSwap(int32(StatusPending), int32(StatusRunning)) {
		if isTerminal(l.Status()) {
			l.finish()
		}
		return
	}
	go l.run(cfg)
}

// run is the lane's dedicated goroutine body. It locks the goroutine to
// its OS thread for the lane's whole lifetime — spec.md §4.8's
// one-lane-one-OS-thread model — applies any requested scheduling
// priority/affinity, builds the lane's own VM heap, runs the body
// through a panic-safe wrapper, then always runs the finalizer chain
// before settling into a terminal status.
func (l *Lane) run(cfg Config) {
	defer l.finish()

	_, span := observability.StartSpan(l.ctx, "lane.run",
		observability.AttrLaneName.String(l.Name),
		observability.AttrLaneID.Int64(int64(l.id)),
	)
	defer span.End()
	started := time.Now()

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if cfg.Priority != 0 {
		_ = affinity.SetThreadPriority(cfg.Priority)
	}
	if len(cfg.CPUAffinity) > 0 {
		_ = affinity.SetThreadAffinity(cfg.CPUAffinity)
	}

	l.state = vm.New(l.Name)
	l.db = cfg.LookupDB
	if cfg.Globals != nil {
		cfg.Globals.Range(func(k any, v vm.Value) bool {
			l.state.Globals.Set(k, v)
			return true
		})
	}
	// Registering a self-pointer lets native functions exposed to the
	// lane body (e.g. a "lane.set_finalizer" binding) reach this Lane
	// without the body itself ever seeing a raw *Lane value.
	l.state.Registry.Set(uniquekey.LaneSelf, l)

	results, bodyErr := l.callBody(cfg.Body, cfg.Args)
	finalErr := l.runFinalizers(bodyErr)

	var targetStatus Status
	switch {
	case finalErr == nil:
		targetStatus = StatusDone
	case errors.Is(finalErr, ErrCancelled):
		targetStatus = StatusCancelled
	case errors.Is(finalErr, context.Canceled) && l.ctx.Err() != nil:
		// A linda wait interrupted by this lane's own hard cancel returns
		// the context's error; settle it as a cancellation too.
		targetStatus = StatusCancelled
		finalErr = fmt.Errorf("%w: %w", ErrCancelled, finalErr)
	default:
		targetStatus = StatusError
	}

	// Kill() may be settling the lane concurrently; only whichever of
	// run()/Kill() wins the transition gets to write results/err, and
	// resultMu makes that write-or-skip decision atomic with Join and
	// friends reading the same fields.
	l.resultMu.Lock()
	won := l.transition(targetStatus)
	if won {
		l.results = results
		l.err = finalErr
	}
	l.resultMu.Unlock()

	switch targetStatus {
	case StatusDone:
		observability.SetSpanOK(span)
	case StatusCancelled:
		observability.SetSpanError(span, finalErr)
	default:
		observability.SetSpanError(span, finalErr)
		logger := logging.Op()
		if sc := span.SpanContext(); sc.IsValid() {
			logger = logging.OpWithTrace(sc.TraceID().String(), sc.SpanID().String())
		}
		logger.Error("lane body failed", "lane_name", l.Name, "lane_id", l.id, "error", finalErr)
	}
	span.SetAttributes(
		observability.AttrLaneStatus.String(l.Status().String()),
		observability.AttrDurationMs.Int64(time.Since(started).Milliseconds()),
	)
}

// callBody invokes body, converting any panic into an ordinary error —
// spec.md §4.8's error-handler wrapping around the lane body, the
// equivalent of running the chunk under a protected call.
func (l *Lane) callBody(body *vm.Function, args []vm.Value) (results []vm.Value, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("lanes: lane %q body panicked: %v", l.Name, r)
		}
	}()
	if l.softFlag.Load() {
		return nil, ErrCancelled
	}
	return body.Call(args)
}

// RegisterFinalizer appends fn to the lane's finalizer chain. Only
// meaningful when called from within the lane's own body (finalizers
// are not safe to register from another goroutine); a native function
// bound into the lane's globals is the usual caller.
func (l *Lane) RegisterFinalizer(fn *vm.Function) {
	l.finalizers = append(l.finalizers, fn)
}

// runFinalizers runs every registered finalizer in registration order,
// always — even if the body already failed or was cancelled — passing
// the body's error message (or nil) as each finalizer's sole argument.
// The first finalizer to itself error or panic replaces a nil bodyErr
// and the rest of the chain is skipped; it never overwrites a bodyErr
// that was already set.
func (l *Lane) runFinalizers(bodyErr error) error {
	finalErr := bodyErr
	var errArg vm.Value
	if bodyErr != nil {
		errArg = bodyErr.Error()
	}
	for _, fn := range l.finalizers {
		ferr := l.callFinalizer(fn, errArg)
		if ferr != nil {
			if finalErr == nil {
				finalErr = ferr
			}
			break
		}
	}
	return finalErr
}

func (l *Lane) callFinalizer(fn *vm.Function, errArg vm.Value) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("lanes: lane %q finalizer panicked: %v", l.Name, r)
		}
	}()
	_, err = fn.Call([]vm.Value{errArg})
	return err
}

// Context returns the lane's own cancellation context, to be threaded
// into any blocking linda operation the body performs, so a hard cancel
// interrupts it promptly.
func (l *Lane) Context() context.Context { return l.ctx }

// CancelRequested reports whether a soft or hard cancel was requested.
// Lane bodies that want cooperative cancellation checkpoints (the
// closest Go analogue to a debug-hook check between VM instructions)
// should poll this between steps of their own work.
func (l *Lane) CancelRequested() bool { return l.softFlag.Load() }

// CancelSoft requests cooperative cancellation: CancelRequested starts
// reporting true, but any blocking operation already (or later) in
// progress is left to return on its own terms.
func (l *Lane) CancelSoft() { l.softFlag.Store(true) }

// CancelHard requests cooperative cancellation AND cancels the lane's
// context immediately, so any blocking linda Send/Receive/ReceiveBatched
// the body is waiting in returns context.Canceled right away; a body that
// passes that error back ends in StatusCancelled with an Err() that
// matches ErrCancelled — spec.md §4.8's two-axis cancellation.
func (l *Lane) CancelHard() {
	l.softFlag.Store(true)
	l.hardCancelFn()
}

// Kill forcibly terminates the lane, distinct from Cancel per spec.md
// §9's resolved Open Question. A goroutine cannot be preempted the way
// an OS thread can, so Kill cancels the hard context (unblocking any
// linda wait) and immediately settles the lane into Killed status
// without waiting for the body goroutine to actually return — Join
// stops waiting right away, and any eventual result from the still-
// running goroutine (if it never checks CancelRequested) is discarded.
func (l *Lane) Kill() {
	l.softFlag.Store(true)
	l.hardCancelFn()
	l.resultMu.Lock()
	won := l.transition(StatusKilled)
	if won {
		l.err = ErrKilled
	}
	l.resultMu.Unlock()
	if won {
		l.finish()
	}
}

// Join blocks until the lane reaches a terminal status or ctx is done,
// whichever comes first, returning the lane's results and error.
func (l *Lane) Join(ctx context.Context) ([]vm.Value, error) {
	select {
	case <-l.done:
		l.resultMu.Lock()
		defer l.resultMu.Unlock()
		return l.results, l.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Result returns the i'th (0-based) value the lane's body returned,
// spec.md's lane-indexing access pattern, valid only after Join returns.
func (l *Lane) Result(i int) (vm.Value, bool) {
	l.resultMu.Lock()
	defer l.resultMu.Unlock()
	if i < 0 || i >= len(l.results) {
		return nil, false
	}
	return l.results[i], true
}

// Results returns every value the lane's body returned.
func (l *Lane) Results() []vm.Value {
	l.resultMu.Lock()
	defer l.resultMu.Unlock()
	return l.results
}

// Err returns the lane's terminal error, if any.
func (l *Lane) Err() error {
	l.resultMu.Lock()
	defer l.resultMu.Unlock()
	return l.err
}

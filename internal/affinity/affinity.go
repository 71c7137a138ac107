// Package affinity wires spec.md §4.10's set_thread_priority /
// set_thread_affinity surface onto the real OS thread a lane is
// running on. It only makes sense once that goroutine has called
// runtime.LockOSThread — calling these before that pins settings to
// whatever thread happens to be under the calling goroutine at the
// moment, which is never what a caller wants.
package affinity

import "runtime"

// unsupportedError is returned on platforms with no priority/affinity
// syscalls wired up.
type unsupportedError struct{ op string }

func (e *unsupportedError) Error() string {
	return "lanes: " + e.op + " is not supported on " + runtime.GOOS
}

func unsupported(op string) error { return &unsupportedError{op} }

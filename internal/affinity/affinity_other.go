//go:build !linux

package affinity

// SetThreadPriority is unsupported outside Linux.
func SetThreadPriority(niceValue int) error { return unsupported("set_thread_priority") }

// SetThreadAffinity is unsupported outside Linux.
func SetThreadAffinity(cpus []int) error { return unsupported("set_thread_affinity") }

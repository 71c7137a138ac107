//go:build linux

package affinity

import "golang.org/x/sys/unix"

// SetThreadPriority sets the calling OS thread's scheduling priority
// (nice value) via setpriority(PRIO_PROCESS, 0, ...), spec.md §4.10.
// Caller must have already called runtime.LockOSThread.
func SetThreadPriority(niceValue int) error {
	return unix.Setpriority(unix.PRIO_PROCESS, 0, niceValue)
}

// SetThreadAffinity pins the calling OS thread to the given set of CPU
// indices via sched_setaffinity, spec.md §4.10. Caller must have already
// called runtime.LockOSThread.
func SetThreadAffinity(cpus []int) error {
	var set unix.CPUSet
	set.Zero()
	for _, cpu := range cpus {
		set.Set(cpu)
	}
	return unix.SchedSetaffinity(0, &set)
}

//go:build linux

package queue

import "golang.org/x/sys/unix"

// pinToCPU restricts the calling OS thread to cpu. The caller must hold the
// thread with runtime.LockOSThread.
func pinToCPU(cpu int) error {
	var set unix.CPUSet
	set.Zero()
	set.Set(cpu)
	return unix.SchedSetaffinity(0, &set)
}

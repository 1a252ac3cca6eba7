// Package uring submits file I/O through io_uring for the uringdisk driver.
// A Ring has one submitter and at most one reaper; they may run on different
// goroutines at the same time.
package uring

import (
	"errors"
	"syscall"
)

// ErrRingFull is returned by the Prep methods when the submission queue has
// no free entry. Submit and try again.
var ErrRingFull = errors.New("submission queue full")

// ErrClosed is returned by Wait once the ring is closed.
var ErrClosed = errors.New("ring closed")

// Ring provides the io_uring operations the driver needs
type Ring interface {
	// PrepRead queues a read of len(buf) bytes at off. buf must stay
	// reachable until its completion is reaped.
	PrepRead(buf []byte, off uint64, userData uint64) error

	// PrepWrite queues a write of buf at off.
	PrepWrite(buf []byte, off uint64, userData uint64) error

	// PrepFsync queues an fsync of the file.
	PrepFsync(userData uint64) error

	// PrepNop queues an operation that completes immediately, used to wake
	// a blocked reaper.
	PrepNop(userData uint64) error

	// Submit hands every queued entry to the kernel and returns how many
	// were submitted.
	Submit() (int, error)

	// Reap passes every available completion to fn without blocking and
	// returns how many there were.
	Reap(fn func(Result)) int

	// Wait blocks until at least one completion is available, then reaps
	// like Reap.
	Wait(fn func(Result)) (int, error)

	// Close releases the ring. The caller must make sure no Wait is blocked.
	Close() error
}

// Result is one completion
type Result struct {
	UserData uint64
	Value    int32 // bytes transferred, or a negative errno
}

// Err returns the completion's error, or nil
func (r Result) Err() error {
	if r.Value < 0 {
		return syscall.Errno(-r.Value)
	}
	return nil
}

// Config contains configuration for creating a ring
type Config struct {
	Entries uint32 // Submission queue size
	FD      int    // File every operation targets
}

//go:build linux

package uring

import (
	"errors"
	"fmt"
	"syscall"
	"unsafe"

	"github.com/pawelgaczynski/giouring"
)

type ioRing struct {
	ring *giouring.Ring
	fd   int
}

// NewRing creates a kernel io_uring. It fails where io_uring is unavailable
// or disabled, in which case NewSyncRing is the fallback.
func NewRing(config Config) (Ring, error) {
	ring, err := giouring.CreateRing(config.Entries)
	if err != nil {
		return nil, fmt.Errorf("create io_uring with %d entries: %w", config.Entries, err)
	}
	return &ioRing{ring: ring, fd: config.FD}, nil
}

func (r *ioRing) sqe() (*giouring.SubmissionQueueEntry, error) {
	sqe := r.ring.GetSQE()
	if sqe == nil {
		return nil, ErrRingFull
	}
	return sqe, nil
}

func bufAddr(buf []byte) uintptr {
	if len(buf) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&buf[0]))
}

func (r *ioRing) PrepRead(buf []byte, off uint64, userData uint64) error {
	sqe, err := r.sqe()
	if err != nil {
		return err
	}
	sqe.PrepareRead(r.fd, bufAddr(buf), uint32(len(buf)), off)
	sqe.UserData = userData
	return nil
}

func (r *ioRing) PrepWrite(buf []byte, off uint64, userData uint64) error {
	sqe, err := r.sqe()
	if err != nil {
		return err
	}
	sqe.PrepareWrite(r.fd, bufAddr(buf), uint32(len(buf)), off)
	sqe.UserData = userData
	return nil
}

func (r *ioRing) PrepFsync(userData uint64) error {
	sqe, err := r.sqe()
	if err != nil {
		return err
	}
	sqe.PrepareFsync(r.fd, 0)
	sqe.UserData = userData
	return nil
}

func (r *ioRing) PrepNop(userData uint64) error {
	sqe, err := r.sqe()
	if err != nil {
		return err
	}
	sqe.PrepareNop()
	sqe.UserData = userData
	return nil
}

func (r *ioRing) Submit() (int, error) {
	for {
		n, err := r.ring.Submit()
		if errors.Is(err, syscall.EINTR) {
			continue
		}
		return int(n), err
	}
}

func (r *ioRing) Reap(fn func(Result)) int {
	n := 0
	for {
		cqe, err := r.ring.PeekCQE()
		if err != nil || cqe == nil {
			return n
		}
		res := Result{UserData: cqe.UserData, Value: cqe.Res}
		r.ring.CQESeen(cqe)
		fn(res)
		n++
	}
}

func (r *ioRing) Wait(fn func(Result)) (int, error) {
	for {
		cqe, err := r.ring.WaitCQE()
		if errors.Is(err, syscall.EINTR) {
			continue
		}
		if err != nil {
			return 0, err
		}
		res := Result{UserData: cqe.UserData, Value: cqe.Res}
		r.ring.CQESeen(cqe)
		fn(res)
		return 1 + r.Reap(fn), nil
	}
}

func (r *ioRing) Close() error {
	if r.ring != nil {
		r.ring.QueueExit()
		r.ring = nil
	}
	return nil
}

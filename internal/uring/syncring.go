//go:build unix

package uring

import (
	"sync"

	"golang.org/x/sys/unix"
)

type syncOp struct {
	kind     uint8
	buf      []byte
	off      int64
	userData uint64
}

const (
	opRead uint8 = iota
	opWrite
	opFsync
	opNop
)

// syncRing executes queued operations with plain system calls when they are
// submitted. It behaves like a ring whose device completes instantly.
type syncRing struct {
	fd      int
	entries int

	sq []syncOp

	mu     sync.Mutex
	cond   *sync.Cond
	cq     []Result
	closed bool
}

// NewSyncRing creates a Ring that performs I/O synchronously at Submit.
func NewSyncRing(config Config) Ring {
	entries := int(config.Entries)
	if entries <= 0 {
		entries = 1
	}
	r := &syncRing{fd: config.FD, entries: entries}
	r.cond = sync.NewCond(&r.mu)
	return r
}

func (r *syncRing) prep(op syncOp) error {
	if len(r.sq) >= r.entries {
		return ErrRingFull
	}
	r.sq = append(r.sq, op)
	return nil
}

func (r *syncRing) PrepRead(buf []byte, off uint64, userData uint64) error {
	return r.prep(syncOp{kind: opRead, buf: buf, off: int64(off), userData: userData})
}

func (r *syncRing) PrepWrite(buf []byte, off uint64, userData uint64) error {
	return r.prep(syncOp{kind: opWrite, buf: buf, off: int64(off), userData: userData})
}

func (r *syncRing) PrepFsync(userData uint64) error {
	return r.prep(syncOp{kind: opFsync, userData: userData})
}

func (r *syncRing) PrepNop(userData uint64) error {
	return r.prep(syncOp{kind: opNop, userData: userData})
}

func (r *syncRing) exec(op syncOp) int32 {
	var (
		n   int
		err error
	)
	switch op.kind {
	case opRead:
		n, err = unix.Pread(r.fd, op.buf, op.off)
	case opWrite:
		n, err = unix.Pwrite(r.fd, op.buf, op.off)
	case opFsync:
		err = unix.Fsync(r.fd)
	}
	if err != nil {
		if errno, ok := err.(unix.Errno); ok {
			return -int32(errno)
		}
		return -int32(unix.EIO)
	}
	return int32(n)
}

func (r *syncRing) Submit() (int, error) {
	ops := r.sq
	r.sq = nil

	results := make([]Result, len(ops))
	for i, op := range ops {
		results[i] = Result{UserData: op.userData, Value: r.exec(op)}
	}

	r.mu.Lock()
	r.cq = append(r.cq, results...)
	r.mu.Unlock()
	r.cond.Broadcast()
	return len(ops), nil
}

func (r *syncRing) take() []Result {
	done := r.cq
	r.cq = nil
	return done
}

func (r *syncRing) Reap(fn func(Result)) int {
	r.mu.Lock()
	done := r.take()
	r.mu.Unlock()
	for _, res := range done {
		fn(res)
	}
	return len(done)
}

func (r *syncRing) Wait(fn func(Result)) (int, error) {
	r.mu.Lock()
	for len(r.cq) == 0 && !r.closed {
		r.cond.Wait()
	}
	if len(r.cq) == 0 {
		r.mu.Unlock()
		return 0, ErrClosed
	}
	done := r.take()
	r.mu.Unlock()

	for _, res := range done {
		fn(res)
	}
	return len(done), nil
}

func (r *syncRing) Close() error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.cond.Broadcast()
	return nil
}

package blk

import (
	"fmt"
	"sync/atomic"
	"time"
)

// Op is the operation a request carries.
type Op uint8

const (
	OpRead Op = iota
	OpWrite
	OpFlush
	OpDiscard
	OpWriteZeroes
)

func (o Op) String() string {
	switch o {
	case OpRead:
		return "read"
	case OpWrite:
		return "write"
	case OpFlush:
		return "flush"
	case OpDiscard:
		return "discard"
	case OpWriteZeroes:
		return "write_zeroes"
	default:
		return fmt.Sprintf("op_%d", uint8(o))
	}
}

// Request lifecycle states
const (
	RqIdle       uint32 = iota // on the free list
	RqStaged                   // tag allocated, waiting for the runner
	RqInFlight                 // handed to the driver
	RqCompleting               // completion announced, not yet ended
)

// Request is the layer's per-tag request header. Its address is stable for
// the life of the tag set; drivers embed it as the first field of a larger
// allocation that carries their per-request payload.
type Request struct {
	ref    atomic.Int32
	state  atomic.Uint32
	status atomic.Uint32
	gen    atomic.Uint64

	Tag       int
	HctxIdx   uint32
	Op        Op
	Sector    uint64
	NrSectors uint32
	Data      []byte

	submitNs int64
	endIO    func(Status)
	hctx     *HwCtx
}

// State returns the request's lifecycle state.
func (rq *Request) State() uint32 {
	return rq.state.Load()
}

// Status returns the status recorded by the last completion.
func (rq *Request) Status() Status {
	return Status(rq.status.Load())
}

// Gen returns the slot's generation. It changes every time the tag is
// allocated.
func (rq *Request) Gen() uint64 {
	return rq.gen.Load()
}

// Hctx returns the hardware context the request's tag belongs to.
func (rq *Request) Hctx() *HwCtx {
	return rq.hctx
}

// SubmitTime returns when the request was staged.
func (rq *Request) SubmitTime() time.Time {
	return time.Unix(0, rq.submitNs)
}

// MarkInFlight moves a staged request to in-flight. It is called right before
// the request is handed to the driver.
func (rq *Request) MarkInFlight() bool {
	return rq.state.CompareAndSwap(RqStaged, RqInFlight)
}

// RefIncNotZero takes a reference unless the count already dropped to zero.
func RefIncNotZero(rq *Request) bool {
	for {
		old := rq.ref.Load()
		if old == 0 {
			return false
		}
		if rq.ref.CompareAndSwap(old, old+1) {
			return true
		}
	}
}

// RefDecNotLast drops a reference unless it is the last one. It returns the
// count observed when the drop was refused.
func RefDecNotLast(rq *Request) (int32, bool) {
	for {
		old := rq.ref.Load()
		if old <= 1 {
			return old, false
		}
		if rq.ref.CompareAndSwap(old, old-1) {
			return old - 1, true
		}
	}
}

// RefPutAndTest drops a reference and reports whether it was the last.
func RefPutAndTest(rq *Request) bool {
	return rq.ref.Add(-1) == 0
}

// RefRead returns the current reference count.
func RefRead(rq *Request) int32 {
	return rq.ref.Load()
}

// StoreRef overwrites the reference count. Only fault-injection tests use it.
func StoreRef(rq *Request, n int32) {
	rq.ref.Store(n)
}

// CompleteRequest records st and runs the driver's completion entry. It
// returns false without doing anything if the request is not in flight,
// which catches double completion.
func CompleteRequest(rq *Request, st Status) bool {
	if !rq.state.CompareAndSwap(RqInFlight, RqCompleting) {
		return false
	}
	rq.status.Store(uint32(st))
	rq.hctx.Queue.Set.Ops.Complete(rq)
	return true
}

// CompleteRequestGen is CompleteRequest for a caller that captured gen when
// the request was issued. A completion meant for an earlier use of the tag
// returns false and leaves the current request alone.
func CompleteRequestGen(rq *Request, gen uint64, st Status) bool {
	if rq.gen.Load() != gen {
		return false
	}
	if !rq.state.CompareAndSwap(RqInFlight, RqCompleting) {
		return false
	}
	// the generation is stable from here until the request is freed
	if rq.gen.Load() != gen {
		rq.state.Store(RqInFlight)
		return false
	}
	rq.status.Store(uint32(st))
	rq.hctx.Queue.Set.Ops.Complete(rq)
	return true
}

// EndRequest drops the layer's reference with status st. The request returns
// to its context's free list once no references remain.
func EndRequest(rq *Request, st Status) {
	rq.status.Store(uint32(st))
	if RefPutAndTest(rq) {
		rq.free()
	}
}

func (rq *Request) free() {
	endIO := rq.endIO
	st := rq.Status()
	hctx := rq.hctx

	rq.endIO = nil
	rq.Data = nil
	rq.submitNs = 0
	rq.state.Store(RqIdle)

	if endIO != nil {
		endIO(st)
	}
	hctx.putTag(rq.Tag)
}

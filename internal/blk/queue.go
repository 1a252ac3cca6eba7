package blk

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"syscall"
	"time"
	"unsafe"
)

// ErrQueueDying is returned by Submit once the queue stopped admitting I/O.
var ErrQueueDying = errors.New("queue is shutting down")

// InitError reports a construction entry (InitHctx or InitRequest) that
// returned a nonzero errno. Ret is the raw return value.
type InitError struct {
	Op   string
	Hctx uint32
	Tag  int // -1 when not per request
	Ret  int
}

// Errno returns the positive errno carried by Ret.
func (e *InitError) Errno() syscall.Errno {
	if e.Ret < 0 {
		return syscall.Errno(-e.Ret)
	}
	return syscall.Errno(e.Ret)
}

func (e *InitError) Error() string {
	if e.Tag >= 0 {
		return fmt.Sprintf("%s hctx %d tag %d: %v", e.Op, e.Hctx, e.Tag, e.Errno())
	}
	return fmt.Sprintf("%s hctx %d: %v", e.Op, e.Hctx, e.Errno())
}

func (e *InitError) Unwrap() error {
	return e.Errno()
}

// HwCtx is one hardware dispatch context. DriverData is written by the
// driver's InitHctx entry and read by every later entry for this context.
type HwCtx struct {
	Index      uint32
	Type       MapType
	DriverData unsafe.Pointer
	Queue      *Queue

	rqs      []*Request
	tags     chan int
	staged   chan *Request
	inflight atomic.Int32
	live     atomic.Bool
}

// Staged returns the channel of requests waiting for dispatch.
func (h *HwCtx) Staged() <-chan *Request {
	return h.staged
}

// Inflight returns how many tags are currently allocated.
func (h *HwCtx) Inflight() int {
	return int(h.inflight.Load())
}

// Live reports whether InitHctx succeeded and ExitHctx has not run.
func (h *HwCtx) Live() bool {
	return h.live.Load()
}

// AllocRequest takes a free tag without blocking. The returned request
// holds one layer reference and is staged but not queued for dispatch.
func (h *HwCtx) AllocRequest() *Request {
	select {
	case tag := <-h.tags:
		return h.prepare(tag)
	default:
		return nil
	}
}

func (h *HwCtx) allocRequestWait(ctx context.Context) (*Request, error) {
	select {
	case tag := <-h.tags:
		return h.prepare(tag), nil
	case <-h.Queue.dyingCh:
		return nil, ErrQueueDying
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (h *HwCtx) prepare(tag int) *Request {
	h.inflight.Add(1)
	rq := h.rqs[tag]
	rq.gen.Add(1)
	rq.hctx = h
	rq.status.Store(uint32(StatusOK))
	rq.ref.Store(1)
	rq.state.Store(RqStaged)
	rq.submitNs = time.Now().UnixNano()
	return rq
}

func (h *HwCtx) putTag(tag int) {
	h.tags <- tag
	h.inflight.Add(-1)
}

// IO describes one block operation submitted to a queue.
type IO struct {
	Op        Op
	Sector    uint64
	NrSectors uint32
	Data      []byte
	Poll      bool
	CPU       int // routing hint; negative means round robin
}

// Queue is a logical device queue: one QueueData pointer shared by every
// hardware context built from the tag set.
type Queue struct {
	Set       *TagSet
	QueueData unsafe.Pointer
	Hctxs     []*HwCtx

	nextCPU   atomic.Uint32
	dying     atomic.Bool
	dyingCh   chan struct{}
	admitting atomic.Int32
}

// NewQueue creates one hardware context per tag set queue and runs InitHctx
// for each. If any context fails, the ones already built are torn down.
func NewQueue(set *TagSet, queueData unsafe.Pointer) (*Queue, error) {
	if set.Rqs == nil {
		return nil, fmt.Errorf("tag set not allocated")
	}

	q := &Queue{
		Set:       set,
		QueueData: queueData,
		Hctxs:     make([]*HwCtx, set.NrHwQueues),
		dyingCh:   make(chan struct{}),
	}

	for idx := uint32(0); idx < set.NrHwQueues; idx++ {
		h := &HwCtx{
			Index:  idx,
			Type:   set.HctxType(idx),
			Queue:  q,
			rqs:    set.Rqs[idx],
			tags:   make(chan int, set.QueueDepth),
			staged: make(chan *Request, set.QueueDepth),
		}
		for tag := range h.rqs {
			h.rqs[tag].hctx = h
			h.tags <- tag
		}
		q.Hctxs[idx] = h

		if ret := set.Ops.InitHctx(h, set.DriverData, idx); ret != 0 {
			q.Cleanup()
			return nil, &InitError{Op: "init_hctx", Hctx: idx, Tag: -1, Ret: ret}
		}
		h.live.Store(true)
	}

	return q, nil
}

// Cleanup runs ExitHctx once for every live context. The caller must have
// stopped all dispatch on the queue.
func (q *Queue) Cleanup() {
	for idx, h := range q.Hctxs {
		if h == nil || !h.live.Load() {
			continue
		}
		q.Set.Ops.ExitHctx(h, uint32(idx))
		h.live.Store(false)
	}
}

// SetDying stops admission of new I/O and wakes submitters waiting for a
// tag. It is safe to call more than once.
func (q *Queue) SetDying() {
	if q.dying.CompareAndSwap(false, true) {
		close(q.dyingCh)
	}
}

// Dying reports whether admission is stopped.
func (q *Queue) Dying() bool {
	return q.dying.Load()
}

// Inflight returns the number of allocated tags across all contexts.
func (q *Queue) Inflight() int {
	n := 0
	for _, h := range q.Hctxs {
		n += h.Inflight()
	}
	return n
}

// Quiesced reports whether no Submit is past its admission check and no tag
// is allocated. Once Dying is set, a true result means no request can be
// staged any more.
func (q *Queue) Quiesced() bool {
	// admitting first: a Submit still in flight holds it until its request
	// is staged and counted in Inflight
	if q.admitting.Load() != 0 {
		return false
	}
	return q.Inflight() == 0
}

// MapHctx picks the context for io using the tag set's CPU maps.
func (q *Queue) MapHctx(io *IO) *HwCtx {
	cpu := io.CPU
	if cpu < 0 {
		cpu = int(q.nextCPU.Add(1) - 1)
	}
	cpu %= q.Set.NrCPUs

	t := MapDefault
	if io.Poll {
		t = MapPoll
	}
	return q.Hctxs[q.Set.Map[t][cpu]]
}

// Submit allocates a tag for io (waiting for one if the context is full),
// stages the request for its context's runner and returns. endIO runs
// exactly once when the request ends.
func (q *Queue) Submit(ctx context.Context, io *IO, endIO func(Status)) error {
	q.admitting.Add(1)
	defer q.admitting.Add(-1)
	if q.dying.Load() {
		return ErrQueueDying
	}

	h := q.MapHctx(io)
	if !h.live.Load() {
		return fmt.Errorf("hctx %d is not live", h.Index)
	}
	rq, err := h.allocRequestWait(ctx)
	if err != nil {
		return err
	}

	rq.Op = io.Op
	rq.Sector = io.Sector
	rq.NrSectors = io.NrSectors
	rq.Data = io.Data
	rq.endIO = endIO

	h.staged <- rq
	return nil
}

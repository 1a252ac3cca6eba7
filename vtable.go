package blkmq

import (
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/ehrlich-b/go-blkmq/internal/blk"
	"github.com/ehrlich-b/go-blkmq/internal/constants"
	"github.com/ehrlich-b/go-blkmq/internal/logging"
)

// hardware context slot states
const (
	slotUninit uint32 = iota
	slotInitializing
	slotActive
	slotTornDown
	slotFailed
)

// hctxSlot tracks one hardware context index of a disk. It outlives the
// context's driver state so a call that arrives before InitHctx or after
// ExitHctx is caught instead of reading a dangling pointer.
type hctxSlot struct {
	state    atomic.Uint32
	gen      atomic.Uint64
	inflight atomic.Int32
}

// queueBox is what a disk's queue data pointer refers to: the driver's queue
// state plus the disk's slot arena and event sinks.
type queueBox[QD any] struct {
	qd    QD
	slots []hctxSlot
	obs   Observer
	log   *logging.Logger
}

func boxOf[QD any](q *blk.Queue) *queueBox[QD] {
	return (*queueBox[QD])(q.QueueData)
}

// core is the non-generic part shared by a tag set's trampolines.
type core struct {
	log        *logging.Logger
	obs        Observer
	violations atomic.Uint64
	last       atomic.Pointer[Error]
}

// violation records a broken dispatch contract. Violations are never
// swallowed: every one is logged at error level, counted, and reported to obs.
func (c *core) violation(e *Error, obs ...Observer) {
	c.violations.Add(1)
	c.last.Store(e)
	if len(obs) == 0 {
		obs = []Observer{c.obs}
	}
	for _, o := range obs {
		o.ObserveViolation(e.Op)
	}
	c.log.Violation(e.Op, e.Hctx, e.Tag, e)
}

// vtable holds everything the trampolines need for one driver type. The
// dispatch table built from it is the only thing the layer sees.
type vtable[RD, QD, HD, TD any] struct {
	ops    Operations[RD, QD, HD, TD]
	poller Poller[HD]
	mapper QueueMapper
	core   *core
}

func newVTable[RD, QD, HD, TD any](ops Operations[RD, QD, HD, TD], c *core) *vtable[RD, QD, HD, TD] {
	vt := &vtable[RD, QD, HD, TD]{ops: ops, core: c}
	vt.poller, _ = ops.(Poller[HD])
	vt.mapper, _ = ops.(QueueMapper)
	return vt
}

// build returns the dispatch table. Entries for capabilities the driver does
// not implement stay nil so the layer never calls them.
func (vt *vtable[RD, QD, HD, TD]) build() *blk.Ops {
	ops := &blk.Ops{
		QueueRQ:     vt.queueRQ,
		CommitRQs:   vt.commitRQs,
		Complete:    vt.complete,
		InitHctx:    vt.initHctx,
		ExitHctx:    vt.exitHctx,
		InitRequest: vt.initRequest,
		ExitRequest: vt.exitRequest,
	}
	if vt.poller != nil {
		ops.Poll = vt.poll
	}
	if vt.mapper != nil {
		ops.MapQueues = vt.mapQueues
	}
	return ops
}

// enter admits one dispatch call on h. It fails if the context is not active,
// in which case the driver must not be called.
func (vt *vtable[RD, QD, HD, TD]) enter(op string, h *blk.HwCtx, tag int) (*queueBox[QD], *hctxSlot, bool) {
	qb := boxOf[QD](h.Queue)
	if qb == nil || int(h.Index) >= len(qb.slots) {
		vt.core.violation(&Error{Op: op, Hctx: int(h.Index), Tag: tag, Code: ErrCodePrecondition, Msg: "unknown hardware context"})
		return nil, nil, false
	}
	slot := &qb.slots[h.Index]
	slot.inflight.Add(1)
	if slot.state.Load() != slotActive {
		slot.inflight.Add(-1)
		vt.core.violation(&Error{Op: op, Hctx: int(h.Index), Tag: tag, Code: ErrCodePrecondition, Msg: "hardware context not active"}, qb.obs)
		return qb, nil, false
	}
	return qb, slot, true
}

func (vt *vtable[RD, QD, HD, TD]) queueRQ(h *blk.HwCtx, bd *blk.QueueRqData) blk.Status {
	raw := bd.Rq
	qb, slot, ok := vt.enter("queue_rq", h, raw.Tag)
	if !ok {
		return blk.StatusIOErr
	}
	defer slot.inflight.Add(-1)

	rq := requestOf[RD](raw)
	if rq.payload.Load() != payloadLive {
		vt.core.violation(NewRequestError("queue_rq", h.Index, raw.Tag, ErrCodePrecondition, "request payload not constructed"), qb.obs)
		return blk.StatusIOErr
	}
	if !blk.RefIncNotZero(raw) {
		e := *ErrRetired
		e.Op, e.Hctx, e.Tag = "queue_rq", int(h.Index), raw.Tag
		vt.core.violation(&e, qb.obs)
		return blk.StatusIOErr
	}

	gen := raw.Gen()
	err := vt.ops.QueueRQ(borrow[HD](h.DriverData), qb.qd, rq, bd.Last)
	if err == nil {
		qb.obs.ObserveSubmit(h.Index, blk.StatusOK)
		return blk.StatusOK
	}
	if raw.Gen() != gen || raw.State() != blk.RqInFlight {
		// the driver completed rq and then failed it: the completion already
		// ended it, so report success to keep the layer from ending it again
		e := NewRequestError("queue_rq", h.Index, raw.Tag, ErrCodeConsistency, "request completed by a failed submit")
		e.Inner = err
		vt.core.violation(e, qb.obs)
		return blk.StatusOK
	}

	// the driver kept nothing: give back the reference taken for it
	if _, ok := blk.RefDecNotLast(raw); !ok {
		e := *ErrRefUnderflow
		e.Op, e.Hctx, e.Tag, e.Inner = "queue_rq", int(h.Index), raw.Tag, err
		vt.core.violation(&e, qb.obs)
	}
	st := ToStatus(err)
	if st == blk.StatusOK {
		st = blk.StatusIOErr
	}
	qb.obs.ObserveSubmit(h.Index, st)
	if !st.Busy() {
		qb.log.Debug("queue_rq failed", "hctx", h.Index, "tag", raw.Tag, "status", st.String(), "error", err)
	}
	return st
}

func (vt *vtable[RD, QD, HD, TD]) commitRQs(h *blk.HwCtx) {
	qb, slot, ok := vt.enter("commit_rqs", h, -1)
	if !ok {
		return
	}
	defer slot.inflight.Add(-1)

	vt.ops.CommitRQs(borrow[HD](h.DriverData), qb.qd)
	qb.obs.ObserveCommit(h.Index)
}

func (vt *vtable[RD, QD, HD, TD]) poll(h *blk.HwCtx) int {
	qb, slot, ok := vt.enter("poll", h, -1)
	if !ok {
		return 0
	}
	defer slot.inflight.Add(-1)

	found := vt.poller.Poll(borrow[HD](h.DriverData))
	qb.obs.ObservePoll(h.Index, found)
	if found {
		return 1
	}
	return 0
}

// complete runs under blk.CompleteRequest, which already guarantees the
// request was in flight and is completed only once.
func (vt *vtable[RD, QD, HD, TD]) complete(raw *blk.Request) {
	rq := requestOf[RD](raw)
	h := raw.Hctx()
	qb := boxOf[QD](h.Queue)

	vt.ops.Complete(rq)

	if _, ok := blk.RefDecNotLast(raw); !ok {
		e := *ErrRefUnderflow
		e.Op, e.Hctx, e.Tag = "complete", int(raw.HctxIdx), raw.Tag
		vt.core.violation(&e, qb.obs)
	}

	st := raw.Status()
	latency := time.Since(raw.SubmitTime())
	qb.obs.ObserveComplete(raw.Op, uint64(raw.NrSectors)<<constants.SectorShift, uint64(latency.Nanoseconds()), st)
	blk.EndRequest(raw, st)
}

func (vt *vtable[RD, QD, HD, TD]) initHctx(h *blk.HwCtx, tagSetData unsafe.Pointer, idx uint32) int {
	qb := boxOf[QD](h.Queue)
	slot := &qb.slots[idx]
	if !slot.state.CompareAndSwap(slotUninit, slotInitializing) &&
		!slot.state.CompareAndSwap(slotTornDown, slotInitializing) {
		e := NewHctxError("init_hctx", idx, ErrCodePrecondition, "hardware context index is active or failed")
		vt.core.violation(e, qb.obs)
		return -int(errnoOf(e))
	}

	hd, err := vt.ops.InitHctx(borrow[TD](tagSetData), idx)
	if err != nil {
		slot.state.Store(slotFailed)
		qb.log.Error("init_hctx failed", "hctx", idx, "error", err)
		return -int(errnoOf(err))
	}

	h.DriverData = intoForeign(hd)
	slot.gen.Add(1)
	slot.state.Store(slotActive)
	qb.obs.ObserveHctx(idx, true)
	return 0
}

func (vt *vtable[RD, QD, HD, TD]) exitHctx(h *blk.HwCtx, idx uint32) {
	qb := boxOf[QD](h.Queue)
	slot := &qb.slots[idx]
	if !slot.state.CompareAndSwap(slotActive, slotTornDown) {
		vt.core.violation(NewHctxError("exit_hctx", idx, ErrCodePrecondition, "hardware context not active"), qb.obs)
		return
	}
	if n := slot.inflight.Load(); n > 0 {
		// keep the state alive; exit may be retried once the calls return
		vt.core.violation(NewHctxError("exit_hctx", idx, ErrCodePrecondition, "dispatch calls still in flight"), qb.obs)
		slot.state.Store(slotActive)
		return
	}

	hd := fromForeign[HD](h.DriverData)
	h.DriverData = nil
	release(hd)
	qb.obs.ObserveHctx(idx, false)
}

func (vt *vtable[RD, QD, HD, TD]) initRequest(set *blk.TagSet, raw *blk.Request, hctxIdx uint32, _ uint32) int {
	rq := requestOf[RD](raw)
	if !rq.payload.CompareAndSwap(payloadUninit, payloadConstructing) {
		e := NewRequestError("init_request", hctxIdx, raw.Tag, ErrCodePrecondition, "payload already constructed")
		vt.core.violation(e)
		return -int(errnoOf(e))
	}

	if init := vt.ops.NewRequestData(borrow[TD](set.DriverData)); init != nil {
		if err := init(&rq.data); err != nil {
			var zero RD
			rq.data = zero
			rq.payload.Store(payloadDead)
			vt.core.log.Error("request payload construction failed", "hctx", hctxIdx, "tag", raw.Tag, "error", err)
			return -int(errnoOf(err))
		}
	}

	rq.core = vt.core
	rq.payload.Store(payloadLive)
	vt.core.obs.ObservePayload(true)
	return 0
}

func (vt *vtable[RD, QD, HD, TD]) exitRequest(_ *blk.TagSet, raw *blk.Request, hctxIdx uint32) {
	rq := requestOf[RD](raw)
	if !rq.payload.CompareAndSwap(payloadLive, payloadDead) {
		vt.core.violation(NewRequestError("exit_request", hctxIdx, raw.Tag, ErrCodePrecondition, "payload not live"))
		return
	}

	release(&rq.data)
	var zero RD
	rq.data = zero
	vt.core.obs.ObservePayload(false)
}

func (vt *vtable[RD, QD, HD, TD]) mapQueues(set *blk.TagSet) {
	blk.MapQueuesDefault(set)
	vt.mapper.MapQueues(&QueueMap{set: set})
}

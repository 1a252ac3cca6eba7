package blk

import (
	"errors"
	"unsafe"
)

// QueueRqData is what the layer hands to the submit entry.
type QueueRqData struct {
	Rq   *Request
	Last bool
}

// Ops is the dispatch table a driver exposes to the layer. A nil optional
// entry (Poll, MapQueues) means the capability is absent and the layer never
// calls it.
//
// Handle validity preconditions the layer guarantees to every entry:
//   - QueueRQ, CommitRQs, Poll: hctx was set up by InitHctx and not yet passed
//     to ExitHctx; QueueRQ/CommitRQs calls for one hctx never overlap.
//   - QueueRQ: bd.Rq holds a positive reference owned by the layer.
//   - Complete: rq was accepted by QueueRQ and completed exactly once.
//   - InitHctx/ExitHctx: never concurrent with any other call on that hctx.
//   - InitRequest/ExitRequest: bracketed by tag set allocation and teardown.
//   - MapQueues: the tag set's requests are fully constructed.
type Ops struct {
	QueueRQ     func(hctx *HwCtx, bd *QueueRqData) Status
	CommitRQs   func(hctx *HwCtx)
	Complete    func(rq *Request)
	Poll        func(hctx *HwCtx) int
	InitHctx    func(hctx *HwCtx, tagSetData unsafe.Pointer, idx uint32) int
	ExitHctx    func(hctx *HwCtx, idx uint32)
	InitRequest func(set *TagSet, rq *Request, hctxIdx uint32, numaNode uint32) int
	ExitRequest func(set *TagSet, rq *Request, hctxIdx uint32)
	MapQueues   func(set *TagSet)
}

// Validate checks that every mandatory entry is present.
func (o *Ops) Validate() error {
	if o == nil {
		return errors.New("nil dispatch table")
	}
	switch {
	case o.QueueRQ == nil:
		return errors.New("dispatch table lacks queue_rq")
	case o.CommitRQs == nil:
		return errors.New("dispatch table lacks commit_rqs")
	case o.Complete == nil:
		return errors.New("dispatch table lacks complete")
	case o.InitHctx == nil || o.ExitHctx == nil:
		return errors.New("dispatch table lacks hctx lifecycle entries")
	case o.InitRequest == nil || o.ExitRequest == nil:
		return errors.New("dispatch table lacks request lifecycle entries")
	}
	return nil
}

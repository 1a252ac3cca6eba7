package blkmq

import (
	"sync/atomic"
	"unsafe"

	"github.com/ehrlich-b/go-blkmq/internal/blk"
	"github.com/ehrlich-b/go-blkmq/internal/constants"
)

// payload lifecycle
const (
	payloadUninit uint32 = iota
	payloadConstructing
	payloadLive
	payloadDead
)

// Request is the driver's view of one request slot. The layer's header comes
// first so the slot is a single allocation shared by both sides; the payload
// lives right after it for the whole life of the tag set.
//
// The reference count is shared with the layer. A driver only touches a
// request while it holds the reference QueueRQ gave it, and gives that
// reference back by calling Complete exactly once.
type Request[RD any] struct {
	raw     blk.Request
	data    RD
	payload atomic.Uint32
	core    *core
}

func requestOf[RD any](raw *blk.Request) *Request[RD] {
	return (*Request[RD])(unsafe.Pointer(raw))
}

func newRequestSlot[RD any]() *blk.Request {
	return &new(Request[RD]).raw
}

// Data returns the request's payload. Submission and completion may run on
// different goroutines; the driver synchronizes access to mutable fields.
func (rq *Request[RD]) Data() *RD {
	return &rq.data
}

// Tag returns the slot index within the request's hardware context.
func (rq *Request[RD]) Tag() int {
	return rq.raw.Tag
}

// HwIndex returns the index of the hardware context the slot belongs to.
func (rq *Request[RD]) HwIndex() uint32 {
	return rq.raw.HctxIdx
}

func (rq *Request[RD]) Op() Op {
	return rq.raw.Op
}

// Sector returns the starting sector (512 bytes each).
func (rq *Request[RD]) Sector() uint64 {
	return rq.raw.Sector
}

// Sectors returns the transfer length in sectors.
func (rq *Request[RD]) Sectors() uint32 {
	return rq.raw.NrSectors
}

// Len returns the transfer length in bytes.
func (rq *Request[RD]) Len() uint32 {
	return rq.raw.NrSectors << constants.SectorShift
}

// Offset returns the byte offset of the first sector.
func (rq *Request[RD]) Offset() int64 {
	return int64(rq.raw.Sector << constants.SectorShift)
}

// Buffer returns the data buffer: the source of a write, the destination of
// a read, nil for operations without data.
func (rq *Request[RD]) Buffer() []byte {
	return rq.raw.Data
}

// Refcount returns the current reference count.
func (rq *Request[RD]) Refcount() int32 {
	return blk.RefRead(&rq.raw)
}

// Generation identifies the current use of the slot. A driver that can see
// completions arrive after the tag was reused captures it in QueueRQ and
// finishes the request with CompleteGen.
func (rq *Request[RD]) Generation() uint64 {
	return rq.raw.Gen()
}

// Complete announces that the driver finished rq. A nil err completes it
// successfully; anything else is mapped to a block status. Completing a
// request that is not in flight is reported as a consistency violation and
// otherwise ignored.
func (rq *Request[RD]) Complete(err error) {
	if blk.CompleteRequest(&rq.raw, ToStatus(err)) {
		return
	}
	if rq.core != nil {
		rq.core.violation(&Error{
			Op:   "complete",
			Hctx: int(rq.raw.HctxIdx),
			Tag:  rq.raw.Tag,
			Code: ErrCodeConsistency,
			Msg:  "request completed while not in flight",
		})
	}
}

// CompleteGen is Complete for the use of the slot identified by gen. A
// completion for an earlier use is reported as a consistency violation and
// the request now holding the tag is left alone.
func (rq *Request[RD]) CompleteGen(gen uint64, err error) {
	if blk.CompleteRequestGen(&rq.raw, gen, ToStatus(err)) {
		return
	}
	if rq.core == nil {
		return
	}
	msg := "request completed while not in flight"
	if rq.raw.Gen() != gen {
		msg = "stale completion for a reused tag"
	}
	rq.core.violation(&Error{
		Op:   "complete",
		Hctx: int(rq.raw.HctxIdx),
		Tag:  rq.raw.Tag,
		Code: ErrCodeConsistency,
		Msg:  msg,
	})
}

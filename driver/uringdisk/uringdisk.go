//go:build unix

// Package uringdisk is a blkmq driver that serves requests from a file
// through one io_uring per hardware context. Reads, writes and flushes go
// through the ring; entries queued by QueueRQ are submitted when the layer
// marks the last request of a batch or commits. Completions are reaped by a
// per-context goroutine, or by the layer's poll calls on poll contexts.
package uringdisk

import (
	"errors"
	"fmt"
	"sync/atomic"

	blkmq "github.com/ehrlich-b/go-blkmq"
	"github.com/ehrlich-b/go-blkmq/backend"
	"github.com/ehrlich-b/go-blkmq/internal/constants"
	"github.com/ehrlich-b/go-blkmq/internal/interfaces"
	"github.com/ehrlich-b/go-blkmq/internal/logging"
	"github.com/ehrlich-b/go-blkmq/internal/uring"
)

// RingKind selects the ring implementation
type RingKind int

const (
	// RingAuto uses io_uring and falls back to synchronous I/O where the
	// kernel refuses to create a ring
	RingAuto RingKind = iota
	// RingKernel requires io_uring
	RingKernel
	// RingSync always performs I/O synchronously at submit time
	RingSync
)

// wakeToken is the user data of the no-op that stops a reaper. Request user
// data is tag+1.
const wakeToken = 0

// Config configures a Driver
type Config struct {
	Ring        RingKind
	RingEntries uint32 // Submission queue size per context (default: queue depth)

	// Geometry of the tag set the driver is used with
	NrHwQueues   uint32
	NrPollQueues uint32
	QueueDepth   int

	Logger *logging.Logger
}

// TagSetConfig returns the tag set configuration matching c
func (c Config) TagSetConfig() blkmq.TagSetConfig {
	cfg := blkmq.DefaultTagSetConfig()
	cfg.NrHwQueues = c.NrHwQueues
	cfg.NrPollQueues = c.NrPollQueues
	cfg.QueueDepth = c.QueueDepth
	cfg.Logger = c.Logger
	return cfg
}

// Target is the tag set state: the file every context submits to. It is
// closed with the tag set.
type Target struct {
	file *backend.File
}

// NewTarget wraps an open file store
func NewTarget(f *backend.File) *Target {
	return &Target{file: f}
}

// Size returns the capacity in bytes
func (t *Target) Size() int64 {
	return t.file.Size()
}

// Stats returns the file store's statistics
func (t *Target) Stats() map[string]interface{} {
	var sb interfaces.StatBackend = t.file
	return sb.Stats()
}

// Release implements blkmq.Releaser
func (t *Target) Release() {
	t.file.Close()
}

// Cmd is the per-request payload
type Cmd struct {
	hw *Hw
	qd *Queue
}

// Queue is the per-disk state
type Queue struct {
	Submitted atomic.Uint64 // ring entries submitted
	Completed atomic.Uint64
	Errors    atomic.Uint64
	Released  atomic.Bool
}

// Release implements blkmq.Releaser
func (q *Queue) Release() {
	q.Released.Store(true)
}

// Hw is the per-context state: a ring and the requests it carries.
type Hw struct {
	index  uint32
	ring   uring.Ring
	polled bool
	target *Target
	log    *logging.Logger

	queued   int // prepared but not submitted, runner only
	slots    []atomic.Pointer[blkmq.Request[Cmd]]
	inflight atomic.Int32

	stopping atomic.Bool
	done     chan struct{}
}

// Inflight returns requests handed to the ring that have not completed
func (h *Hw) Inflight() int {
	return int(h.inflight.Load())
}

// Release implements blkmq.Releaser
func (h *Hw) Release() {
	if h.done != nil {
		h.stopping.Store(true)
		if err := h.ring.PrepNop(wakeToken); err == nil {
			h.ring.Submit()
		}
		<-h.done
	}
	h.ring.Close()
}

// Driver implements blkmq.Operations and blkmq.Poller over a Target
type Driver struct {
	cfg Config
	log *logging.Logger
}

// New creates a driver
func New(cfg Config) *Driver {
	if cfg.NrHwQueues == 0 {
		cfg.NrHwQueues = constants.DefaultNrHwQueues
	}
	if cfg.QueueDepth == 0 {
		cfg.QueueDepth = constants.DefaultQueueDepth
	}
	if cfg.RingEntries == 0 {
		cfg.RingEntries = uint32(cfg.QueueDepth)
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	return &Driver{cfg: cfg, log: cfg.Logger}
}

// Config returns the driver's configuration with defaults applied
func (d *Driver) Config() Config {
	return d.cfg
}

// CheckGeometry implements blkmq.GeometryChecker. The configured queue
// counts decide which contexts get a reaper and the depth sizes the per
// context slot table, so all three must match the tag set.
func (d *Driver) CheckGeometry(cfg blkmq.TagSetConfig) error {
	if cfg.NrHwQueues != d.cfg.NrHwQueues || cfg.NrPollQueues != d.cfg.NrPollQueues || cfg.QueueDepth != d.cfg.QueueDepth {
		return fmt.Errorf("driver configured for %d hw queues (%d poll) of depth %d, tag set has %d (%d poll) of depth %d",
			d.cfg.NrHwQueues, d.cfg.NrPollQueues, d.cfg.QueueDepth, cfg.NrHwQueues, cfg.NrPollQueues, cfg.QueueDepth)
	}
	return nil
}

// NewRequestData implements blkmq.Operations. The payload needs no setup.
func (d *Driver) NewRequestData(*Target) blkmq.Init[Cmd] {
	return nil
}

// InitHctx implements blkmq.Operations
func (d *Driver) InitHctx(td *Target, idx uint32) (*Hw, error) {
	ring, err := d.newRing(td)
	if err != nil {
		return nil, blkmq.WrapError("init_hctx", err)
	}

	hw := &Hw{
		index:  idx,
		ring:   ring,
		polled: idx >= d.cfg.NrHwQueues-d.cfg.NrPollQueues,
		target: td,
		log:    d.log.WithHctx(idx),
		slots:  make([]atomic.Pointer[blkmq.Request[Cmd]], d.cfg.QueueDepth),
	}
	if !hw.polled {
		hw.done = make(chan struct{})
		go hw.reaper()
	}
	hw.log.Debug("uringdisk context ready", "polled", hw.polled, "entries", d.cfg.RingEntries)
	return hw, nil
}

func (d *Driver) newRing(td *Target) (uring.Ring, error) {
	cfg := uring.Config{Entries: d.cfg.RingEntries, FD: td.file.Fd()}
	switch d.cfg.Ring {
	case RingSync:
		return uring.NewSyncRing(cfg), nil
	case RingKernel:
		return uring.NewRing(cfg)
	}
	ring, err := uring.NewRing(cfg)
	if err != nil {
		d.log.Warn("io_uring unavailable, using synchronous I/O", "error", err)
		return uring.NewSyncRing(cfg), nil
	}
	return ring, nil
}

// QueueRQ implements blkmq.Operations
func (d *Driver) QueueRQ(hd *Hw, qd *Queue, rq *blkmq.Request[Cmd], isLast bool) error {
	size := hd.target.Size()
	if rq.Op() != blkmq.OpFlush && rq.Offset()+int64(rq.Len()) > size {
		qd.Errors.Add(1)
		return blkmq.NewRequestError("queue_rq", hd.index, rq.Tag(), blkmq.ErrCodeIOError,
			fmt.Sprintf("%s at %d+%d beyond end of %d byte file", rq.Op(), rq.Offset(), rq.Len(), size))
	}
	if rq.Tag() >= len(hd.slots) {
		return blkmq.NewRequestError("queue_rq", hd.index, rq.Tag(), blkmq.ErrCodeInvalidParameters, "tag beyond configured queue depth")
	}

	cmd := rq.Data()
	cmd.hw, cmd.qd = hd, qd

	switch rq.Op() {
	case blkmq.OpDiscard, blkmq.OpWriteZeroes:
		// no ring opcode used here: run it now and complete in place
		hd.inflight.Add(1)
		rq.Complete(hd.zeroRange(rq))
		return nil
	}

	hd.slots[rq.Tag()].Store(rq)
	err := hd.prep(rq)
	if errors.Is(err, uring.ErrRingFull) {
		hd.submit(qd)
		err = hd.prep(rq)
	}
	if err != nil {
		hd.slots[rq.Tag()].Store(nil)
		if errors.Is(err, uring.ErrRingFull) {
			return blkmq.ErrBusy
		}
		return blkmq.WrapError("queue_rq", err)
	}

	hd.inflight.Add(1)
	hd.queued++
	if isLast {
		hd.submit(qd)
	}
	return nil
}

func (h *Hw) prep(rq *blkmq.Request[Cmd]) error {
	ud := uint64(rq.Tag()) + 1
	off := uint64(rq.Offset())
	switch rq.Op() {
	case blkmq.OpRead:
		return h.ring.PrepRead(rq.Buffer(), off, ud)
	case blkmq.OpWrite:
		return h.ring.PrepWrite(rq.Buffer(), off, ud)
	case blkmq.OpFlush:
		return h.ring.PrepFsync(ud)
	}
	return blkmq.NewError("queue_rq", blkmq.ErrCodeNotSupported, rq.Op().String())
}

func (h *Hw) zeroRange(rq *blkmq.Request[Cmd]) error {
	err := h.target.file.Discard(rq.Offset(), int64(rq.Len()))
	if err == nil {
		return nil
	}
	if rq.Op() == blkmq.OpDiscard {
		return blkmq.WrapError("discard", err)
	}
	zero := make([]byte, rq.Len())
	if _, err := h.target.file.WriteAt(zero, rq.Offset()); err != nil {
		return blkmq.WrapError("write_zeroes", err)
	}
	return nil
}

func (h *Hw) submit(qd *Queue) {
	if h.queued == 0 {
		return
	}
	n, err := h.ring.Submit()
	if err != nil {
		h.log.Error("ring submit failed", "queued", h.queued, "error", err)
		return
	}
	qd.Submitted.Add(uint64(n))
	h.queued -= n
}

// CommitRQs implements blkmq.Operations
func (d *Driver) CommitRQs(hd *Hw, qd *Queue) {
	hd.submit(qd)
}

// Poll implements blkmq.Poller
func (d *Driver) Poll(hd *Hw) bool {
	return hd.ring.Reap(hd.complete) > 0
}

// Complete implements blkmq.Operations
func (d *Driver) Complete(rq *blkmq.Request[Cmd]) {
	cmd := rq.Data()
	cmd.hw.inflight.Add(-1)
	cmd.qd.Completed.Add(1)
}

func (h *Hw) reaper() {
	defer close(h.done)
	for !h.stopping.Load() {
		if _, err := h.ring.Wait(h.complete); err != nil {
			if !errors.Is(err, uring.ErrClosed) {
				h.log.Error("ring wait failed", "error", err)
			}
			return
		}
	}
}

func (h *Hw) complete(res uring.Result) {
	if res.UserData == wakeToken {
		return
	}
	tag := int(res.UserData - 1)
	rq := h.slots[tag].Swap(nil)
	if rq == nil {
		h.log.Error("completion for idle tag", "tag", tag)
		return
	}

	err := res.Err()
	if err == nil && rq.Op() != blkmq.OpFlush && res.Value != int32(rq.Len()) {
		err = blkmq.NewRequestError(rq.Op().String(), h.index, tag, blkmq.ErrCodeIOError,
			fmt.Sprintf("short transfer: %d of %d bytes", res.Value, rq.Len()))
	}
	if err != nil {
		rq.Data().qd.Errors.Add(1)
		err = blkmq.WrapError(rq.Op().String(), err)
	}
	rq.Complete(err)
}

// Compile-time interface checks
var (
	_ blkmq.Operations[Cmd, *Queue, *Hw, *Target] = (*Driver)(nil)
	_ blkmq.Poller[*Hw]                           = (*Driver)(nil)
	_ blkmq.GeometryChecker                       = (*Driver)(nil)
)

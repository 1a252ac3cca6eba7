// Package memdisk is a blkmq driver that serves requests from an
// interfaces.Backend, a RAM store by default. It batches submissions until the
// layer marks the last request of a batch or commits, and can complete from
// the runner, from a per-context completion goroutine, or only when polled.
package memdisk

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	blkmq "github.com/ehrlich-b/go-blkmq"
	"github.com/ehrlich-b/go-blkmq/backend"
	"github.com/ehrlich-b/go-blkmq/internal/interfaces"
	"github.com/ehrlich-b/go-blkmq/internal/logging"
)

// Mode selects how accepted requests are completed
type Mode int

const (
	// ModeInline completes a batch from the runner that kicked it
	ModeInline Mode = iota
	// ModeAsync hands kicked batches to a per-context completion goroutine
	ModeAsync
	// ModePoll executes kicked batches but reports them only when polled.
	// Default-type contexts of a polled disk behave like ModeAsync.
	ModePoll
)

func (m Mode) String() string {
	switch m {
	case ModeInline:
		return "inline"
	case ModeAsync:
		return "async"
	case ModePoll:
		return "poll"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// ParseMode parses the String form of a Mode
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(s) {
	case "inline", "":
		return ModeInline, nil
	case "async":
		return ModeAsync, nil
	case "poll":
		return ModePoll, nil
	}
	return 0, fmt.Errorf("unknown completion mode %q (inline, async, poll)", s)
}

// irqDepth bounds the batches waiting for a completion goroutine
const irqDepth = 64

// Config configures a Driver
type Config struct {
	Mode Mode

	// MaxInflight caps accepted-but-incomplete requests per context. Beyond
	// it QueueRQ reports busy and the layer requeues. 0 means no cap.
	MaxInflight int

	// NrHwQueues and NrPollQueues must match the tag set in ModePoll so the
	// driver knows which contexts are polled (the last NrPollQueues).
	NrHwQueues   uint32
	NrPollQueues uint32

	Logger *logging.Logger
}

// Cmd is the per-request payload. It is constructed once per tag.
type Cmd struct {
	store *Store
	hw    *Hw
	qd    *Queue
	err   error

	// Dispatches counts how many times this slot was handed to the driver
	Dispatches uint64
}

// Store is the tag set state: the backend every disk of the tag set serves.
// It is released with the tag set and closes the backend.
type Store struct {
	backend interfaces.Backend
	slots   atomic.Int64
}

// NewStore wraps b. A nil b gets a RAM store of size bytes.
func NewStore(b interfaces.Backend, size int64) *Store {
	if b == nil {
		b = backend.NewMemory(size)
	}
	return &Store{backend: b}
}

// Backend returns the wrapped backend
func (s *Store) Backend() interfaces.Backend {
	return s.backend
}

// Slots returns how many request payloads are constructed
func (s *Store) Slots() int64 {
	return s.slots.Load()
}

// Stats returns the backend's own statistics, or nil if it keeps none
func (s *Store) Stats() map[string]interface{} {
	if sb, ok := s.backend.(interfaces.StatBackend); ok {
		return sb.Stats()
	}
	return nil
}

// Release implements blkmq.Releaser
func (s *Store) Release() {
	s.backend.Close()
}

// Queue is the per-disk state: operation counters shared by the disk's
// contexts.
type Queue struct {
	Reads    atomic.Uint64
	Writes   atomic.Uint64
	Flushes  atomic.Uint64
	Discards atomic.Uint64
	Errors   atomic.Uint64
	Commits  atomic.Uint64
	Released atomic.Bool
}

// Release implements blkmq.Releaser
func (q *Queue) Release() {
	q.Released.Store(true)
}

// Hw is the per-context state
type Hw struct {
	index  uint32
	mode   Mode
	polled bool
	store  *Store
	log    *logging.Logger

	// pending is only touched by the context's runner
	pending  []*blkmq.Request[Cmd]
	inflight atomic.Int32

	irq  chan []*blkmq.Request[Cmd]
	done chan struct{}

	cqMu sync.Mutex
	cq   []*blkmq.Request[Cmd]
}

// Inflight returns accepted requests that have not completed
func (h *Hw) Inflight() int {
	return int(h.inflight.Load())
}

// Release implements blkmq.Releaser
func (h *Hw) Release() {
	if h.irq != nil {
		close(h.irq)
		<-h.done
	}
}

// Driver implements blkmq.Operations over a Store
type Driver struct {
	cfg Config
	log *logging.Logger
}

// New creates a driver. Use NewPolled for ModePoll.
func New(cfg Config) *Driver {
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	return &Driver{cfg: cfg, log: cfg.Logger}
}

// NewRequestData implements blkmq.Operations
func (d *Driver) NewRequestData(td *Store) blkmq.Init[Cmd] {
	return func(c *Cmd) error {
		c.store = td
		td.slots.Add(1)
		return nil
	}
}

// QueueRQ implements blkmq.Operations
func (d *Driver) QueueRQ(hd *Hw, qd *Queue, rq *blkmq.Request[Cmd], isLast bool) error {
	if d.cfg.MaxInflight > 0 && hd.Inflight() >= d.cfg.MaxInflight {
		return blkmq.ErrBusy
	}

	size := hd.store.backend.Size()
	if rq.Op() != blkmq.OpFlush && rq.Offset()+int64(rq.Len()) > size {
		qd.Errors.Add(1)
		return blkmq.NewRequestError("queue_rq", hd.index, rq.Tag(), blkmq.ErrCodeIOError,
			fmt.Sprintf("%s at %d+%d beyond end of %d byte store", rq.Op(), rq.Offset(), rq.Len(), size))
	}

	cmd := rq.Data()
	cmd.hw, cmd.qd, cmd.err = hd, qd, nil
	cmd.Dispatches++

	hd.inflight.Add(1)
	hd.pending = append(hd.pending, rq)
	if isLast {
		hd.kick()
	}
	return nil
}

// CommitRQs implements blkmq.Operations
func (d *Driver) CommitRQs(hd *Hw, qd *Queue) {
	qd.Commits.Add(1)
	hd.kick()
}

// Complete implements blkmq.Operations
func (d *Driver) Complete(rq *blkmq.Request[Cmd]) {
	cmd := rq.Data()
	cmd.hw.inflight.Add(-1)

	qd := cmd.qd
	if cmd.err != nil {
		qd.Errors.Add(1)
	}
	switch rq.Op() {
	case blkmq.OpRead:
		qd.Reads.Add(1)
	case blkmq.OpWrite, blkmq.OpWriteZeroes:
		qd.Writes.Add(1)
	case blkmq.OpFlush:
		qd.Flushes.Add(1)
	case blkmq.OpDiscard:
		qd.Discards.Add(1)
	}
}

// CheckGeometry implements blkmq.GeometryChecker. In ModePoll the configured
// queue counts decide which contexts are polled, so they must match the tag
// set.
func (d *Driver) CheckGeometry(cfg blkmq.TagSetConfig) error {
	if d.cfg.Mode != ModePoll {
		return nil
	}
	if cfg.NrHwQueues != d.cfg.NrHwQueues || cfg.NrPollQueues != d.cfg.NrPollQueues {
		return fmt.Errorf("driver configured for %d hw queues (%d poll), tag set has %d (%d poll)",
			d.cfg.NrHwQueues, d.cfg.NrPollQueues, cfg.NrHwQueues, cfg.NrPollQueues)
	}
	return nil
}

// InitHctx implements blkmq.Operations
func (d *Driver) InitHctx(td *Store, idx uint32) (*Hw, error) {
	hw := &Hw{
		index: idx,
		mode:  d.cfg.Mode,
		store: td,
		log:   d.log.WithHctx(idx),
	}
	if d.cfg.Mode == ModePoll {
		if d.cfg.NrPollQueues == 0 || d.cfg.NrPollQueues >= d.cfg.NrHwQueues {
			return nil, blkmq.NewHctxError("init_hctx", idx, blkmq.ErrCodeInvalidParameters,
				fmt.Sprintf("poll mode needs 0 < poll queues (%d) < hw queues (%d)", d.cfg.NrPollQueues, d.cfg.NrHwQueues))
		}
		hw.polled = idx >= d.cfg.NrHwQueues-d.cfg.NrPollQueues
	}

	if hw.mode == ModeAsync || (hw.mode == ModePoll && !hw.polled) {
		hw.irq = make(chan []*blkmq.Request[Cmd], irqDepth)
		hw.done = make(chan struct{})
		go hw.irqLoop()
	}
	hw.log.Debug("memdisk context ready", "mode", hw.mode.String(), "polled", hw.polled)
	return hw, nil
}

// kick executes everything queued since the last kick.
func (h *Hw) kick() {
	if len(h.pending) == 0 {
		return
	}
	batch := h.pending
	h.pending = nil

	switch {
	case h.polled:
		for _, rq := range batch {
			h.execute(rq)
		}
		h.cqMu.Lock()
		h.cq = append(h.cq, batch...)
		h.cqMu.Unlock()
	case h.irq != nil:
		h.irq <- batch
	default:
		for _, rq := range batch {
			h.execute(rq)
			rq.Complete(rq.Data().err)
		}
	}
}

func (h *Hw) irqLoop() {
	defer close(h.done)
	for batch := range h.irq {
		for _, rq := range batch {
			h.execute(rq)
			rq.Complete(rq.Data().err)
		}
	}
}

// reap completes every request waiting on the completion ring.
func (h *Hw) reap() int {
	h.cqMu.Lock()
	done := h.cq
	h.cq = nil
	h.cqMu.Unlock()

	for _, rq := range done {
		rq.Complete(rq.Data().err)
	}
	return len(done)
}

func (h *Hw) execute(rq *blkmq.Request[Cmd]) {
	cmd := rq.Data()
	cmd.err = execute(h.store.backend, rq)
	if cmd.err != nil {
		h.log.Debug("request failed", "tag", rq.Tag(), "op", rq.Op().String(), "error", cmd.err)
	}
}

func execute(b interfaces.Backend, rq *blkmq.Request[Cmd]) error {
	off := rq.Offset()
	switch rq.Op() {
	case blkmq.OpRead:
		buf := rq.Buffer()
		n, err := b.ReadAt(buf, off)
		if err != nil {
			return blkmq.WrapError("read", err)
		}
		clear(buf[n:])
		return nil

	case blkmq.OpWrite:
		if _, err := b.WriteAt(rq.Buffer(), off); err != nil {
			return blkmq.WrapError("write", err)
		}
		return nil

	case blkmq.OpFlush:
		flush := b.Flush
		if sb, ok := b.(interfaces.SyncBackend); ok {
			flush = sb.Sync
		}
		if err := flush(); err != nil {
			return blkmq.WrapError("flush", err)
		}
		return nil

	case blkmq.OpDiscard:
		db, ok := b.(interfaces.DiscardBackend)
		if !ok {
			return blkmq.NewError("discard", blkmq.ErrCodeNotSupported, "backend cannot discard")
		}
		if err := db.Discard(off, int64(rq.Len())); err != nil {
			return blkmq.WrapError("discard", err)
		}
		return nil

	case blkmq.OpWriteZeroes:
		if zb, ok := b.(interfaces.WriteZeroesBackend); ok {
			if err := zb.WriteZeroes(off, int64(rq.Len())); err != nil {
				return blkmq.WrapError("write_zeroes", err)
			}
			return nil
		}
		return writeZeroes(b, off, int64(rq.Len()))
	}
	return blkmq.NewError("execute", blkmq.ErrCodeNotSupported, rq.Op().String())
}

var zeroBlock [64 << 10]byte

func writeZeroes(b interfaces.Backend, off, length int64) error {
	for length > 0 {
		n := int64(len(zeroBlock))
		if n > length {
			n = length
		}
		if _, err := b.WriteAt(zeroBlock[:n], off); err != nil {
			return blkmq.WrapError("write_zeroes", err)
		}
		off += n
		length -= n
	}
	return nil
}

// PollDriver is a Driver that also implements blkmq.Poller
type PollDriver struct {
	*Driver
}

// NewPolled creates a driver in ModePoll
func NewPolled(cfg Config) *PollDriver {
	cfg.Mode = ModePoll
	return &PollDriver{Driver: New(cfg)}
}

// Poll implements blkmq.Poller
func (d *PollDriver) Poll(hd *Hw) bool {
	return hd.reap() > 0
}

// Compile-time interface checks
var (
	_ blkmq.Operations[Cmd, *Queue, *Hw, *Store] = (*Driver)(nil)
	_ blkmq.Operations[Cmd, *Queue, *Hw, *Store] = (*PollDriver)(nil)
	_ blkmq.Poller[*Hw]                          = (*PollDriver)(nil)
	_ blkmq.GeometryChecker                      = (*Driver)(nil)
	_ blkmq.Releaser                             = (*Store)(nil)
)

package blkmq

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/google/uuid"

	"github.com/ehrlich-b/go-blkmq/internal/blk"
	"github.com/ehrlich-b/go-blkmq/internal/constants"
	"github.com/ehrlich-b/go-blkmq/internal/logging"
	"github.com/ehrlich-b/go-blkmq/internal/queue"
)

// DiskParams contains parameters for creating a disk
type DiskParams struct {
	Name             string // Optional disk name used in logs
	LogicalBlockSize int    // Logical block size in bytes (default: 512)
	MaxBatch         int    // Requests per runner batch (default: 32)
	ReadOnly         bool   // Reject writes, discards and write-zeroes

	// CPUAffinity pins the runner of context i to CPUAffinity[i%len]. Empty
	// leaves runners unpinned.
	CPUAffinity []int
}

// DefaultParams returns default disk parameters
func DefaultParams() DiskParams {
	return DiskParams{
		LogicalBlockSize: constants.DefaultLogicalBlockSize,
		MaxBatch:         constants.DefaultMaxBatch,
	}
}

// Options contains additional options for disk creation
type Options struct {
	// Context for cancellation (if nil, uses context.Background()). Cancelling
	// it stops admission and the runners; requests still staged end with
	// StatusOffline. Close must still be called to tear the disk down.
	Context context.Context

	// Logger for lifecycle messages (if nil, uses logging.Default())
	Logger *logging.Logger

	// Observer for dispatch events. Events always reach the disk's own
	// Metrics as well.
	Observer Observer
}

// DiskState represents the current state of a disk
type DiskState string

const (
	// DiskStateRunning indicates the disk is accepting and dispatching I/O
	DiskStateRunning DiskState = "running"
	// DiskStateStopping indicates Close is draining in-flight requests
	DiskStateStopping DiskState = "stopping"
	// DiskStateStopped indicates every hardware context has been torn down
	DiskStateStopped DiskState = "stopped"
)

// AnyCPU lets the disk spread submissions over CPUs round robin.
const AnyCPU = -1

// IO is one block operation submitted to a disk
type IO struct {
	Op     Op
	Sector uint64
	// Data is the write source or read destination. Its length, a multiple
	// of SectorSize, sets the transfer size.
	Data []byte
	// Sectors sets the transfer size for operations without data (discard,
	// write-zeroes).
	Sectors uint32
	// Poll routes the request to a poll-type context when there is one.
	Poll bool
	// CPU picks the context through the tag set's CPU map. The zero value is
	// CPU 0; use AnyCPU to spread load.
	CPU int
}

// Disk is a logical device queue built on a tag set: one set of hardware
// contexts, one queue state value and one runner per context.
type Disk struct {
	ID   uuid.UUID
	Name string

	q       *blk.Queue
	runners []*queue.Runner
	params  DiskParams
	nrPoll  uint32
	release func()

	ctx    context.Context
	cancel context.CancelFunc

	closeMu sync.Mutex
	state   atomic.Value // DiskState

	metrics  *Metrics
	observer Observer
	log      *logging.Logger
}

// NewDisk brings up every hardware context of ts with qd as the shared queue
// state and starts one runner per context. The disk takes ownership of qd; it
// is destroyed when ts is closed, after the disk's contexts and every request
// payload.
//
// Example:
//
//	ts, err := blkmq.NewTagSet(drv, pool, blkmq.DefaultTagSetConfig())
//	disk, err := blkmq.NewDisk(ts, &myQueue{}, blkmq.DefaultParams(), nil)
//	err = disk.Submit(ctx, blkmq.IO{Op: blkmq.OpRead, Data: buf, CPU: blkmq.AnyCPU})
func NewDisk[RD, QD, HD, TD any](ts *TagSet[RD, QD, HD, TD], qd QD, params DiskParams, options *Options) (*Disk, error) {
	if options == nil {
		options = &Options{}
	}
	ctx := options.Context
	if ctx == nil {
		ctx = context.Background()
	}
	if params.LogicalBlockSize == 0 {
		params.LogicalBlockSize = constants.DefaultLogicalBlockSize
	}
	if params.LogicalBlockSize < SectorSize || params.LogicalBlockSize&(params.LogicalBlockSize-1) != 0 {
		return nil, NewError("new_disk", ErrCodeInvalidParameters, fmt.Sprintf("invalid logical block size %d", params.LogicalBlockSize))
	}
	if params.MaxBatch <= 0 {
		params.MaxBatch = constants.DefaultMaxBatch
	}

	if err := ts.acquire(); err != nil {
		return nil, WrapError("new_disk", err)
	}

	id := uuid.New()
	name := params.Name
	if name == "" {
		name = "blkmq-" + id.String()[:8]
	}
	log := options.Logger
	if log == nil {
		log = logging.Default()
	}
	log = log.WithDisk(name)

	metrics := NewMetrics()
	observer := Observers(NewMetricsObserver(metrics), options.Observer)

	qb := &queueBox[QD]{
		qd:    qd,
		slots: make([]hctxSlot, ts.set.NrHwQueues),
		obs:   observer,
		log:   log,
	}
	q, err := blk.NewQueue(ts.set, unsafe.Pointer(qb))
	if err != nil {
		ts.retire(qd)
		return nil, constructionError("new_disk", "hardware context bring-up failed", err)
	}

	d := &Disk{
		ID:       id,
		Name:     name,
		q:        q,
		params:   params,
		nrPoll:   ts.set.NrPollQueues,
		release:  func() { ts.retire(qd) },
		metrics:  metrics,
		observer: observer,
		log:      log,
	}
	d.state.Store(DiskStateRunning)
	d.ctx, d.cancel = context.WithCancel(ctx)

	d.runners = make([]*queue.Runner, len(q.Hctxs))
	for i, h := range q.Hctxs {
		cpu := -1
		if len(params.CPUAffinity) > 0 {
			cpu = params.CPUAffinity[i%len(params.CPUAffinity)]
		}
		r, err := queue.NewRunner(d.ctx, queue.Config{
			Hctx:     h,
			MaxBatch: params.MaxBatch,
			CPU:      cpu,
			Logger:   log.WithHctx(h.Index),
			Observer: observer,
		})
		if err == nil {
			err = r.Start()
		}
		if err != nil {
			d.teardown()
			return nil, WrapError("new_disk", fmt.Errorf("start runner %d: %w", i, err))
		}
		d.runners[i] = r
	}

	go d.watch()

	log.Info("disk ready", "id", id.String(), "hw_queues", len(q.Hctxs), "poll_queues", d.nrPoll,
		"depth", ts.set.QueueDepth, "block_size", params.LogicalBlockSize)
	return d, nil
}

// watch stops admission once the disk's context is cancelled. The runners
// exit on their own; Close reaps whatever they left staged.
func (d *Disk) watch() {
	<-d.ctx.Done()
	d.q.SetDying()
	if d.state.CompareAndSwap(DiskStateRunning, DiskStateStopping) {
		d.log.Warn("disk context cancelled, admission stopped", "inflight", d.q.Inflight(), "error", d.ctx.Err())
	}
}

// teardown stops runners, exits every live context and hands the queue state
// back to the tag set. The caller makes sure nothing is in flight.
func (d *Disk) teardown() {
	d.cancel()
	for _, r := range d.runners {
		if r != nil {
			r.Close()
		}
	}
	d.runners = nil
	d.q.Cleanup()
	d.metrics.Stop()
	d.release()
	d.state.Store(DiskStateStopped)
}

func (d *Disk) toBlkIO(io *IO) (*blk.IO, error) {
	sectors := io.Sectors
	switch io.Op {
	case OpRead, OpWrite:
		if len(io.Data) == 0 || len(io.Data)%SectorSize != 0 {
			return nil, NewError("submit", ErrCodeInvalidParameters, fmt.Sprintf("%s buffer of %d bytes is not a whole number of sectors", io.Op, len(io.Data)))
		}
		sectors = uint32(len(io.Data) >> constants.SectorShift)
	case OpFlush:
		sectors = 0
	case OpDiscard, OpWriteZeroes:
		if sectors == 0 {
			return nil, NewError("submit", ErrCodeInvalidParameters, fmt.Sprintf("%s needs a sector count", io.Op))
		}
	default:
		return nil, NewError("submit", ErrCodeNotSupported, io.Op.String())
	}
	if d.params.ReadOnly && io.Op != OpRead && io.Op != OpFlush {
		return nil, NewError("submit", ErrCodeNotSupported, fmt.Sprintf("%s on read-only disk", io.Op))
	}

	return &blk.IO{
		Op:        io.Op,
		Sector:    io.Sector,
		NrSectors: sectors,
		Data:      io.Data,
		Poll:      io.Poll && d.nrPoll > 0,
		CPU:       io.CPU,
	}, nil
}

// SubmitAsync queues io and returns once it holds a tag. done runs exactly
// once, from completion context, with the request's outcome. ctx bounds only
// the wait for a free tag.
func (d *Disk) SubmitAsync(ctx context.Context, io IO, done func(error)) error {
	bio, err := d.toBlkIO(&io)
	if err != nil {
		return err
	}
	err = d.q.Submit(ctx, bio, func(st Status) {
		if done != nil {
			done(StatusError(st))
		}
	})
	switch {
	case err == nil:
		return nil
	case err == blk.ErrQueueDying:
		return ErrClosed
	default:
		return WrapError("submit", err)
	}
}

// Submit queues io and waits for it to complete. ctx bounds only the wait for
// a free tag: once the driver has the request it runs to completion.
func (d *Disk) Submit(ctx context.Context, io IO) error {
	done := make(chan error, 1)
	if err := d.SubmitAsync(ctx, io, func(err error) { done <- err }); err != nil {
		return err
	}
	return <-done
}

// Close stops admitting I/O, waits for in-flight requests to complete, then
// stops the runners and tears every hardware context down exactly once. If ctx
// expires first the disk stays in the stopping state and Close may be called
// again.
func (d *Disk) Close(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	d.closeMu.Lock()
	defer d.closeMu.Unlock()

	if d.State() == DiskStateStopped {
		return nil
	}
	d.q.SetDying()
	d.state.Store(DiskStateStopping)

	if err := d.drain(ctx); err != nil {
		d.log.Warn("close interrupted while draining", "inflight", d.q.Inflight(), "error", err)
		return WrapError("close", err)
	}

	d.teardown()
	d.log.Info("disk stopped")
	return nil
}

func (d *Disk) drain(ctx context.Context) error {
	if d.q.Quiesced() {
		return nil
	}
	ticker := time.NewTicker(constants.DrainPollInterval)
	defer ticker.Stop()
	for {
		d.reapOrphans()
		if d.q.Quiesced() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// reapOrphans ends the staged requests of contexts whose runner has exited,
// and polls their poll contexts so accepted requests can still complete.
func (d *Disk) reapOrphans() {
	for i, r := range d.runners {
		select {
		case <-r.Done():
		default:
			continue
		}
		h := d.q.Hctxs[i]
		if n := blk.AbortStaged(h, blk.StatusOffline); n > 0 {
			d.log.Warn("ended staged requests of stopped runner", "hctx", h.Index, "count", n)
		}
		if h.Type == blk.MapPoll && h.Inflight() > 0 {
			blk.PollOnce(h)
		}
	}
}

// State returns the current state of the disk
func (d *Disk) State() DiskState {
	if d == nil {
		return DiskStateStopped
	}
	return d.state.Load().(DiskState)
}

// IsRunning returns true if the disk is accepting I/O
func (d *Disk) IsRunning() bool {
	return d.State() == DiskStateRunning
}

// Inflight returns how many requests hold a tag
func (d *Disk) Inflight() int {
	return d.q.Inflight()
}

// DiskInfo contains information about a disk
type DiskInfo struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	State        DiskState `json:"state"`
	NrHwQueues   int       `json:"nr_hw_queues"`
	NrPollQueues int       `json:"nr_poll_queues"`
	QueueDepth   int       `json:"queue_depth"`
	BlockSize    int       `json:"block_size"`
	ReadOnly     bool      `json:"read_only"`
	Inflight     int       `json:"inflight"`
	Running      bool      `json:"running"`
}

// Info returns information about the disk
func (d *Disk) Info() DiskInfo {
	if d == nil {
		return DiskInfo{}
	}
	state := d.State()
	return DiskInfo{
		ID:           d.ID.String(),
		Name:         d.Name,
		State:        state,
		NrHwQueues:   len(d.q.Hctxs),
		NrPollQueues: int(d.nrPoll),
		QueueDepth:   d.q.Set.QueueDepth,
		BlockSize:    d.params.LogicalBlockSize,
		ReadOnly:     d.params.ReadOnly,
		Inflight:     d.q.Inflight(),
		Running:      state == DiskStateRunning,
	}
}

// Metrics returns the live metrics for the disk
func (d *Disk) Metrics() *Metrics {
	if d == nil {
		return nil
	}
	return d.metrics
}

// MetricsSnapshot returns a point-in-time snapshot of disk metrics
func (d *Disk) MetricsSnapshot() MetricsSnapshot {
	if d == nil || d.metrics == nil {
		return MetricsSnapshot{}
	}
	return d.metrics.Snapshot()
}

package blkmq

import (
	"fmt"
	"runtime"
	"sync"

	"github.com/google/uuid"

	"github.com/ehrlich-b/go-blkmq/internal/blk"
	"github.com/ehrlich-b/go-blkmq/internal/constants"
	"github.com/ehrlich-b/go-blkmq/internal/logging"
)

// TagSetConfig sizes a tag set
type TagSetConfig struct {
	NrHwQueues   uint32 // Hardware contexts (default: 1)
	NrPollQueues uint32 // How many of them are poll-type; needs a Poller driver
	QueueDepth   int    // Request slots per context (default: 128)
	NrCPUs       int    // CPUs covered by the maps (default: runtime.NumCPU())

	// Logger for lifecycle messages and violations (if nil, uses logging.Default())
	Logger *logging.Logger

	// Observer for payload lifecycle and violations outside any disk
	Observer Observer
}

// DefaultTagSetConfig returns a single-queue configuration
func DefaultTagSetConfig() TagSetConfig {
	return TagSetConfig{
		NrHwQueues: constants.DefaultNrHwQueues,
		QueueDepth: constants.DefaultQueueDepth,
		NrCPUs:     runtime.NumCPU(),
	}
}

// TagSet owns a driver's request pool and its tag set state. Every Disk built
// from it shares the pool's dispatch table and borrows the tag set state.
type TagSet[RD, QD, HD, TD any] struct {
	ID uuid.UUID

	set  *blk.TagSet
	vt   *vtable[RD, QD, HD, TD]
	core *core

	mu      sync.Mutex
	disks   int
	retired []QD
	closed  bool
}

// NewTagSet builds the dispatch table for ops and allocates the request pool,
// constructing every request payload from td. The tag set takes ownership of
// td: it is released by Close, or right away if construction fails.
func NewTagSet[RD, QD, HD, TD any](ops Operations[RD, QD, HD, TD], td TD, cfg TagSetConfig) (*TagSet[RD, QD, HD, TD], error) {
	if ops == nil {
		release(td)
		return nil, NewError("new_tag_set", ErrCodeInvalidParameters, "nil operations")
	}

	def := DefaultTagSetConfig()
	if cfg.NrHwQueues == 0 {
		cfg.NrHwQueues = def.NrHwQueues
	}
	if cfg.QueueDepth == 0 {
		cfg.QueueDepth = def.QueueDepth
	}
	if cfg.NrCPUs == 0 {
		cfg.NrCPUs = def.NrCPUs
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	if cfg.Observer == nil {
		cfg.Observer = NoOpObserver{}
	}

	if cfg.QueueDepth < 0 || cfg.QueueDepth > constants.MaxQueueDepth {
		release(td)
		return nil, NewError("new_tag_set", ErrCodeInvalidParameters,
			fmt.Sprintf("queue depth %d out of range (1..%d)", cfg.QueueDepth, constants.MaxQueueDepth))
	}

	if gc, ok := ops.(GeometryChecker); ok {
		if err := gc.CheckGeometry(cfg); err != nil {
			release(td)
			return nil, &Error{Op: "new_tag_set", Hctx: -1, Tag: -1, Code: ErrCodeInvalidParameters, Msg: "driver geometry mismatch", Inner: err}
		}
	}

	c := &core{log: cfg.Logger, obs: cfg.Observer}
	vt := newVTable(ops, c)
	if cfg.NrPollQueues > 0 && vt.poller == nil {
		release(td)
		return nil, NewError("new_tag_set", ErrCodeNotSupported, "poll queues requested but the driver does not implement Poll")
	}

	ts := &TagSet[RD, QD, HD, TD]{
		ID:   uuid.New(),
		vt:   vt,
		core: c,
		set: &blk.TagSet{
			Ops:          vt.build(),
			NrHwQueues:   cfg.NrHwQueues,
			NrPollQueues: cfg.NrPollQueues,
			QueueDepth:   cfg.QueueDepth,
			NrCPUs:       cfg.NrCPUs,
			DriverData:   intoForeign(td),
		},
	}

	if err := blk.AllocTagSet(ts.set, newRequestSlot[RD]); err != nil {
		release(fromForeign[TD](ts.set.DriverData))
		ts.set.DriverData = nil
		return nil, constructionError("new_tag_set", "request pool allocation failed", err)
	}

	c.log.Debug("tag set ready", "id", ts.ID.String(), "hw_queues", cfg.NrHwQueues,
		"poll_queues", cfg.NrPollQueues, "depth", cfg.QueueDepth, "cpus", cfg.NrCPUs,
		"poll", ts.HasPoll(), "map_queues", ts.HasMapQueues())
	return ts, nil
}

// HasPoll reports whether the dispatch table carries a poll entry.
func (ts *TagSet[RD, QD, HD, TD]) HasPoll() bool {
	return ts.set.Ops.Poll != nil
}

// HasMapQueues reports whether the driver supplies its own CPU mapping.
func (ts *TagSet[RD, QD, HD, TD]) HasMapQueues() bool {
	return ts.set.Ops.MapQueues != nil
}

func (ts *TagSet[RD, QD, HD, TD]) NrHwQueues() uint32 {
	return ts.set.NrHwQueues
}

func (ts *TagSet[RD, QD, HD, TD]) NrPollQueues() uint32 {
	return ts.set.NrPollQueues
}

func (ts *TagSet[RD, QD, HD, TD]) QueueDepth() int {
	return ts.set.QueueDepth
}

// Map returns a copy of the CPU map of type t.
func (ts *TagSet[RD, QD, HD, TD]) Map(t MapType) []uint32 {
	return append([]uint32(nil), ts.set.Map[t]...)
}

// Violations returns how many dispatch contract violations were detected.
func (ts *TagSet[RD, QD, HD, TD]) Violations() uint64 {
	return ts.core.violations.Load()
}

// LastViolation returns the most recent violation, or nil.
func (ts *TagSet[RD, QD, HD, TD]) LastViolation() error {
	if e := ts.core.last.Load(); e != nil {
		return e
	}
	return nil
}

func (ts *TagSet[RD, QD, HD, TD]) acquire() error {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if ts.closed {
		return ErrClosed
	}
	ts.disks++
	return nil
}

// retire takes back a closed disk's queue state. It is destroyed with the
// tag set, after every payload.
func (ts *TagSet[RD, QD, HD, TD]) retire(qd QD) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.retired = append(ts.retired, qd)
	ts.disks--
}

// Close destroys every request payload, then the queue state of every disk
// that used the tag set, then the tag set state. It fails with ErrDeviceBusy
// while any disk is still open.
func (ts *TagSet[RD, QD, HD, TD]) Close() error {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if ts.closed {
		return nil
	}
	if ts.disks > 0 {
		e := *ErrDeviceBusy
		e.Op, e.Msg = "close_tag_set", fmt.Sprintf("%d disks still open", ts.disks)
		return &e
	}
	ts.closed = true

	blk.FreeTagSet(ts.set)
	for i := range ts.retired {
		release(ts.retired[i])
	}
	ts.retired = nil
	release(fromForeign[TD](ts.set.DriverData))
	ts.set.DriverData = nil

	ts.core.log.Debug("tag set closed", "id", ts.ID.String())
	return nil
}

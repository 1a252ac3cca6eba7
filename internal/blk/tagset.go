package blk

import (
	"fmt"
	"unsafe"
)

// MapType selects which CPU map a request is routed through.
type MapType int

const (
	MapDefault MapType = iota
	MapPoll
	NrMapTypes
)

func (t MapType) String() string {
	if t == MapPoll {
		return "poll"
	}
	return "default"
}

// TagSet is the request pool backing every hardware context of a queue.
// The last NrPollQueues contexts are poll-type.
type TagSet struct {
	Ops          *Ops
	NrHwQueues   uint32
	NrPollQueues uint32
	QueueDepth   int
	NrCPUs       int
	DriverData   unsafe.Pointer

	// Map[t][cpu] is the hctx index serving cpu for map type t.
	Map [NrMapTypes][]uint32

	// Rqs[hctx][tag]
	Rqs [][]*Request
}

// NrDefaultQueues returns how many contexts serve the default map.
func (set *TagSet) NrDefaultQueues() uint32 {
	return set.NrHwQueues - set.NrPollQueues
}

// HctxType returns whether index idx is a default or poll context.
func (set *TagSet) HctxType(idx uint32) MapType {
	if idx >= set.NrDefaultQueues() {
		return MapPoll
	}
	return MapDefault
}

func (set *TagSet) validate() error {
	if err := set.Ops.Validate(); err != nil {
		return err
	}
	if set.NrHwQueues == 0 {
		return fmt.Errorf("tag set needs at least one hardware queue")
	}
	if set.NrPollQueues >= set.NrHwQueues {
		return fmt.Errorf("poll queues (%d) must leave at least one default queue (of %d)", set.NrPollQueues, set.NrHwQueues)
	}
	if set.NrPollQueues > 0 && set.Ops.Poll == nil {
		return fmt.Errorf("poll queues requested but the driver cannot poll")
	}
	if set.QueueDepth <= 0 {
		return fmt.Errorf("invalid queue depth %d", set.QueueDepth)
	}
	if set.NrCPUs <= 0 {
		return fmt.Errorf("invalid cpu count %d", set.NrCPUs)
	}
	return nil
}

// AllocTagSet allocates QueueDepth requests per hardware context through
// alloc, constructs each payload with InitRequest and builds the CPU maps.
// On failure every payload constructed so far is torn down again.
func AllocTagSet(set *TagSet, alloc func() *Request) error {
	if err := set.validate(); err != nil {
		return err
	}

	set.Rqs = make([][]*Request, set.NrHwQueues)
	for idx := uint32(0); idx < set.NrHwQueues; idx++ {
		set.Rqs[idx] = make([]*Request, 0, set.QueueDepth)
		for tag := 0; tag < set.QueueDepth; tag++ {
			rq := alloc()
			rq.Tag = tag
			rq.HctxIdx = idx
			if ret := set.Ops.InitRequest(set, rq, idx, 0); ret != 0 {
				FreeTagSet(set)
				return &InitError{Op: "init_request", Hctx: idx, Tag: tag, Ret: ret}
			}
			set.Rqs[idx] = append(set.Rqs[idx], rq)
		}
	}

	for t := range set.Map {
		set.Map[t] = make([]uint32, set.NrCPUs)
	}
	if set.Ops.MapQueues != nil {
		set.Ops.MapQueues(set)
	} else {
		MapQueuesDefault(set)
	}
	if err := set.checkMaps(); err != nil {
		FreeTagSet(set)
		return err
	}
	return nil
}

// FreeTagSet tears down every constructed payload.
func FreeTagSet(set *TagSet) {
	for idx, rqs := range set.Rqs {
		for _, rq := range rqs {
			set.Ops.ExitRequest(set, rq, uint32(idx))
		}
	}
	set.Rqs = nil
}

// MapQueuesDefault spreads CPUs round robin over each map type's contexts.
// With no poll contexts the poll map falls back to the default contexts.
func MapQueuesDefault(set *TagSet) {
	nrDefault := set.NrDefaultQueues()
	for cpu := 0; cpu < set.NrCPUs; cpu++ {
		set.Map[MapDefault][cpu] = uint32(cpu) % nrDefault
		if set.NrPollQueues == 0 {
			set.Map[MapPoll][cpu] = set.Map[MapDefault][cpu]
			continue
		}
		set.Map[MapPoll][cpu] = nrDefault + uint32(cpu)%set.NrPollQueues
	}
}

func (set *TagSet) checkMaps() error {
	for t, m := range set.Map {
		if len(m) != set.NrCPUs {
			return fmt.Errorf("%s map has %d entries for %d cpus", MapType(t), len(m), set.NrCPUs)
		}
		for cpu, idx := range m {
			if idx >= set.NrHwQueues {
				return fmt.Errorf("%s map sends cpu %d to hctx %d (have %d)", MapType(t), cpu, idx, set.NrHwQueues)
			}
		}
	}
	return nil
}

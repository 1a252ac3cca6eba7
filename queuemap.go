package blkmq

import (
	"fmt"

	"github.com/ehrlich-b/go-blkmq/internal/blk"
)

// MapType selects the default or poll CPU map.
type MapType = blk.MapType

const (
	MapDefault = blk.MapDefault
	MapPoll    = blk.MapPoll
)

// QueueMap is the view of a tag set's CPU maps handed to QueueMapper. The
// default assignment is already filled in when MapQueues runs.
type QueueMap struct {
	set *blk.TagSet
}

// NrCPUs returns how many CPUs the maps cover.
func (m *QueueMap) NrCPUs() int {
	return m.set.NrCPUs
}

// NrHwQueues returns the total number of hardware contexts.
func (m *QueueMap) NrHwQueues() uint32 {
	return m.set.NrHwQueues
}

// NrPollQueues returns how many of the contexts are poll-type. They are the
// last indices.
func (m *QueueMap) NrPollQueues() uint32 {
	return m.set.NrPollQueues
}

// Get returns the context serving cpu in map t.
func (m *QueueMap) Get(t MapType, cpu int) uint32 {
	return m.set.Map[t][cpu]
}

// Set routes cpu to hardware context hw in map t. Out of range values are
// rejected without changing the map.
func (m *QueueMap) Set(t MapType, cpu int, hw uint32) error {
	if t < 0 || t >= blk.NrMapTypes {
		return fmt.Errorf("unknown map type %d", t)
	}
	if cpu < 0 || cpu >= m.set.NrCPUs {
		return fmt.Errorf("cpu %d out of range (have %d)", cpu, m.set.NrCPUs)
	}
	if hw >= m.set.NrHwQueues {
		return fmt.Errorf("hctx %d out of range (have %d)", hw, m.set.NrHwQueues)
	}
	m.set.Map[t][cpu] = hw
	return nil
}

// Default resets both maps to the round robin assignment.
func (m *QueueMap) Default() {
	blk.MapQueuesDefault(m.set)
}

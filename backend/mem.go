// Package backend provides the stores the example drivers serve requests from
package backend

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ehrlich-b/go-blkmq/internal/interfaces"
)

// shardSize is the span of bytes guarded by one lock. Requests from different
// hardware contexts rarely touch the same shard, so they do not serialize.
const shardSize = 1 << 20

// Memory provides a RAM-based store
type Memory struct {
	data   []byte
	size   int64
	shards []sync.RWMutex

	closed atomic.Bool
	reads  atomic.Uint64
	writes atomic.Uint64
	zeroed atomic.Uint64
	syncs  atomic.Uint64
}

// NewMemory creates a new memory store of the specified size
func NewMemory(size int64) *Memory {
	return &Memory{
		data:   make([]byte, size),
		size:   size,
		shards: make([]sync.RWMutex, (size+shardSize-1)/shardSize+1),
	}
}

// span returns the shard range covering [off, off+n).
func (m *Memory) span(off, n int64) (int64, int64) {
	if n <= 0 {
		return off / shardSize, off / shardSize
	}
	return off / shardSize, (off + n - 1) / shardSize
}

func (m *Memory) rlock(off, n int64) func() {
	first, last := m.span(off, n)
	for i := first; i <= last; i++ {
		m.shards[i].RLock()
	}
	return func() {
		for i := first; i <= last; i++ {
			m.shards[i].RUnlock()
		}
	}
}

func (m *Memory) lock(off, n int64) func() {
	first, last := m.span(off, n)
	for i := first; i <= last; i++ {
		m.shards[i].Lock()
	}
	return func() {
		for i := first; i <= last; i++ {
			m.shards[i].Unlock()
		}
	}
}

// clip bounds a transfer of n bytes at off to the store.
func (m *Memory) clip(off int64, n int) int64 {
	available := m.size - off
	if int64(n) > available {
		return available
	}
	return int64(n)
}

// ReadAt implements the Backend interface. Reads past the end are short.
func (m *Memory) ReadAt(p []byte, off int64) (int, error) {
	if m.closed.Load() {
		return 0, fmt.Errorf("memory store closed")
	}
	if off < 0 {
		return 0, fmt.Errorf("negative offset %d", off)
	}
	if off >= m.size {
		return 0, nil
	}

	n := m.clip(off, len(p))
	unlock := m.rlock(off, n)
	copied := copy(p[:n], m.data[off:off+n])
	unlock()

	m.reads.Add(1)
	return copied, nil
}

// WriteAt implements the Backend interface
func (m *Memory) WriteAt(p []byte, off int64) (int, error) {
	if m.closed.Load() {
		return 0, fmt.Errorf("memory store closed")
	}
	if off < 0 || off >= m.size {
		return 0, fmt.Errorf("write at %d beyond end of store (%d bytes)", off, m.size)
	}

	n := m.clip(off, len(p))
	unlock := m.lock(off, n)
	copied := copy(m.data[off:off+n], p[:n])
	unlock()

	m.writes.Add(1)
	if copied < len(p) {
		return copied, fmt.Errorf("short write: %d of %d bytes fit", copied, len(p))
	}
	return copied, nil
}

// Size implements the Backend interface
func (m *Memory) Size() int64 {
	return m.size
}

// Close implements the Backend interface
func (m *Memory) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	unlock := m.lock(0, m.size)
	m.data = nil
	unlock()
	return nil
}

// Flush implements the Backend interface
func (m *Memory) Flush() error {
	return nil
}

// Discard implements the DiscardBackend interface
func (m *Memory) Discard(offset, length int64) error {
	if m.closed.Load() {
		return fmt.Errorf("memory store closed")
	}
	if offset < 0 || length < 0 {
		return fmt.Errorf("invalid range %d+%d", offset, length)
	}
	if offset >= m.size {
		return nil
	}

	end := offset + length
	if end > m.size {
		end = m.size
	}

	unlock := m.lock(offset, end-offset)
	clear(m.data[offset:end])
	unlock()

	m.zeroed.Add(uint64(end - offset))
	return nil
}

// WriteZeroes implements the WriteZeroesBackend interface
func (m *Memory) WriteZeroes(offset, length int64) error {
	return m.Discard(offset, length)
}

// Sync implements the SyncBackend interface. RAM is always durable, so it
// only counts the call.
func (m *Memory) Sync() error {
	if m.closed.Load() {
		return fmt.Errorf("memory store closed")
	}
	m.syncs.Add(1)
	return nil
}

// SyncRange implements the SyncBackend interface
func (m *Memory) SyncRange(offset, length int64) error {
	if offset < 0 || length < 0 || offset+length > m.size {
		return fmt.Errorf("invalid sync range %d+%d (size %d)", offset, length, m.size)
	}
	return m.Sync()
}

// Stats implements the StatBackend interface
func (m *Memory) Stats() map[string]interface{} {
	return map[string]interface{}{
		"type":         "memory",
		"size":         m.size,
		"shards":       len(m.shards),
		"reads":        m.reads.Load(),
		"writes":       m.writes.Load(),
		"zeroed_bytes": m.zeroed.Load(),
		"syncs":        m.syncs.Load(),
	}
}

// Compile-time interface checks
var (
	_ interfaces.Backend            = (*Memory)(nil)
	_ interfaces.DiscardBackend     = (*Memory)(nil)
	_ interfaces.WriteZeroesBackend = (*Memory)(nil)
	_ interfaces.SyncBackend        = (*Memory)(nil)
	_ interfaces.StatBackend        = (*Memory)(nil)
)

package backend

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMemory(t *testing.T) {
	mem := NewMemory(3*shardSize + 10)
	defer mem.Close()

	assert.Equal(t, int64(3*shardSize+10), mem.Size())
	assert.Len(t, mem.shards, 5)
}

func TestMemoryReadWrite(t *testing.T) {
	mem := NewMemory(1024)
	defer mem.Close()

	testData := []byte("Hello, blkmq!")
	n, err := mem.WriteAt(testData, 0)
	require.NoError(t, err)
	assert.Equal(t, len(testData), n)

	readBuf := make([]byte, len(testData))
	n, err = mem.ReadAt(readBuf, 0)
	require.NoError(t, err)
	assert.Equal(t, len(testData), n)
	assert.Equal(t, testData, readBuf)
}

func TestMemoryBoundaryConditions(t *testing.T) {
	mem := NewMemory(100)
	defer mem.Close()

	buf := make([]byte, 50)
	n, err := mem.ReadAt(buf, 80)
	require.NoError(t, err)
	assert.Equal(t, 20, n, "reads past the end are short")

	n, err = mem.ReadAt(buf, 200)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	n, err = mem.WriteAt([]byte("test"), 98)
	assert.Error(t, err, "a write that does not fit reports a short write")
	assert.Equal(t, 2, n)

	_, err = mem.WriteAt([]byte("test"), 101)
	assert.Error(t, err)

	_, err = mem.ReadAt(buf, -1)
	assert.Error(t, err)
}

func TestMemoryCrossShard(t *testing.T) {
	mem := NewMemory(2 * shardSize)
	defer mem.Close()

	data := bytes.Repeat([]byte{0xab}, 8192)
	off := int64(shardSize - 4096)
	_, err := mem.WriteAt(data, off)
	require.NoError(t, err)

	got := make([]byte, len(data))
	_, err = mem.ReadAt(got, off)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestMemoryDiscard(t *testing.T) {
	mem := NewMemory(100)
	defer mem.Close()

	testData := []byte("Hello, World!")
	_, err := mem.WriteAt(testData, 0)
	require.NoError(t, err)

	require.NoError(t, mem.Discard(0, 5))
	require.NoError(t, mem.WriteZeroes(95, 50), "ranges past the end are clipped")

	readBuf := make([]byte, len(testData))
	_, err = mem.ReadAt(readBuf, 0)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, 5), readBuf[:5])
	assert.Equal(t, testData[5:], readBuf[5:])

	assert.Error(t, mem.Discard(-1, 5))
}

func TestMemoryConcurrentWriters(t *testing.T) {
	mem := NewMemory(4 * shardSize)
	defer mem.Close()

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			block := bytes.Repeat([]byte{byte(w + 1)}, 4096)
			for i := 0; i < 64; i++ {
				off := int64((w*64 + i) * 4096)
				if _, err := mem.WriteAt(block, off); err != nil {
					t.Error(err)
					return
				}
			}
		}(w)
	}
	wg.Wait()

	buf := make([]byte, 4096)
	for w := 0; w < 8; w++ {
		_, err := mem.ReadAt(buf, int64(w*64*4096))
		require.NoError(t, err)
		assert.Equal(t, byte(w+1), buf[0])
	}
}

func TestMemoryClosed(t *testing.T) {
	mem := NewMemory(1024)
	require.NoError(t, mem.Close())
	require.NoError(t, mem.Close())

	_, err := mem.ReadAt(make([]byte, 4), 0)
	assert.Error(t, err)
	_, err = mem.WriteAt(make([]byte, 4), 0)
	assert.Error(t, err)
}

func TestMemoryStats(t *testing.T) {
	mem := NewMemory(1024)
	defer mem.Close()

	mem.WriteAt([]byte{1}, 0)
	mem.ReadAt(make([]byte, 1), 0)
	mem.Discard(0, 512)

	stats := mem.Stats()
	assert.Equal(t, "memory", stats["type"])
	assert.Equal(t, int64(1024), stats["size"])
	assert.Equal(t, uint64(1), stats["reads"])
	assert.Equal(t, uint64(1), stats["writes"])
	assert.Equal(t, uint64(512), stats["zeroed_bytes"])
}

func TestFileStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disk.img")
	f, err := OpenFile(path, 64<<10)
	require.NoError(t, err)

	data := bytes.Repeat([]byte{0x5a}, 4096)
	_, err = f.WriteAt(data, 8192)
	require.NoError(t, err)
	require.NoError(t, f.Flush())

	got := make([]byte, 4096)
	_, err = f.ReadAt(got, 8192)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	_, err = f.WriteAt(data, 64<<10-100)
	assert.Error(t, err)

	switch err := f.Discard(8192, 4096); {
	case errors.Is(err, syscall.EOPNOTSUPP):
		t.Log("hole punching not supported by the temp filesystem")
	default:
		require.NoError(t, err)
		_, err = f.ReadAt(got, 8192)
		require.NoError(t, err)
		assert.Equal(t, make([]byte, 4096), got)
	}

	assert.Equal(t, uint64(1), f.Stats()["syncs"])
	require.NoError(t, f.Close())

	reopened, err := OpenFile(path, 0)
	require.NoError(t, err)
	defer reopened.Close()
	assert.Equal(t, int64(64<<10), reopened.Size())

	_, err = OpenFile(filepath.Join(t.TempDir(), "missing.img"), 0)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestSyncCounting(t *testing.T) {
	mem := NewMemory(1024)
	require.NoError(t, mem.Sync())
	require.NoError(t, mem.SyncRange(512, 512))
	assert.Error(t, mem.SyncRange(512, 1024), "range beyond the store")
	assert.Equal(t, uint64(2), mem.Stats()["syncs"])
	mem.Close()
	assert.Error(t, mem.Sync())

	f, err := OpenFile(filepath.Join(t.TempDir(), "disk.img"), 64<<10)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, f.Sync())
	require.NoError(t, f.SyncRange(0, 4096))
	require.NoError(t, f.Flush())
	assert.Error(t, f.SyncRange(60<<10, 8<<10))
	assert.Equal(t, uint64(3), f.Stats()["syncs"])
}

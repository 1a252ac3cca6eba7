//go:build unix

package uring

import (
	"bytes"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tempFile(t *testing.T, size int64) *os.File {
	t.Helper()
	f, err := os.OpenFile(filepath.Join(t.TempDir(), "ring.img"), os.O_RDWR|os.O_CREATE, 0o644)
	require.NoError(t, err)
	require.NoError(t, f.Truncate(size))
	t.Cleanup(func() { f.Close() })
	return f
}

// rings returns every Ring implementation that works here.
func rings(t *testing.T, f *os.File, entries uint32) map[string]Ring {
	cfg := Config{Entries: entries, FD: int(f.Fd())}
	out := map[string]Ring{"sync": NewSyncRing(cfg)}
	if r, err := NewRing(cfg); err == nil {
		out["io_uring"] = r
	} else {
		t.Logf("kernel ring unavailable: %v", err)
	}
	return out
}

func TestRingReadWrite(t *testing.T) {
	f := tempFile(t, 1<<20)
	for name, r := range rings(t, f, 8) {
		t.Run(name, func(t *testing.T) {
			defer r.Close()

			data := bytes.Repeat([]byte{0x7e}, 4096)
			require.NoError(t, r.PrepWrite(data, 8192, 1))
			require.NoError(t, r.PrepFsync(2))
			n, err := r.Submit()
			require.NoError(t, err)
			assert.Equal(t, 2, n)

			results := map[uint64]Result{}
			collect := func(res Result) { results[res.UserData] = res }
			for len(results) < 2 {
				_, err := r.Wait(collect)
				require.NoError(t, err)
			}
			assert.Equal(t, int32(4096), results[1].Value)
			assert.NoError(t, results[2].Err())

			got := make([]byte, 4096)
			require.NoError(t, r.PrepRead(got, 8192, 3))
			_, err = r.Submit()
			require.NoError(t, err)
			_, err = r.Wait(collect)
			require.NoError(t, err)
			assert.Equal(t, int32(4096), results[3].Value)
			assert.Equal(t, data, got)
		})
	}
}

func TestRingFull(t *testing.T) {
	f := tempFile(t, 4096)
	r := NewSyncRing(Config{Entries: 2, FD: int(f.Fd())})
	defer r.Close()

	require.NoError(t, r.PrepNop(1))
	require.NoError(t, r.PrepNop(2))
	assert.ErrorIs(t, r.PrepNop(3), ErrRingFull)

	_, err := r.Submit()
	require.NoError(t, err)
	assert.Equal(t, 2, r.Reap(func(Result) {}))
	assert.Equal(t, 0, r.Reap(func(Result) {}))
}

func TestSyncRingWaitWakesOnClose(t *testing.T) {
	f := tempFile(t, 4096)
	r := NewSyncRing(Config{Entries: 4, FD: int(f.Fd())})

	var wg sync.WaitGroup
	wg.Add(1)
	var waitErr error
	go func() {
		defer wg.Done()
		_, waitErr = r.Wait(func(Result) {})
	}()

	require.NoError(t, r.Close())
	wg.Wait()
	assert.ErrorIs(t, waitErr, ErrClosed)
}

func TestResultErr(t *testing.T) {
	assert.NoError(t, Result{Value: 512}.Err())
	assert.ErrorIs(t, Result{Value: -int32(syscall.EIO)}.Err(), syscall.EIO)

	r := NewSyncRing(Config{Entries: 1, FD: -1})
	defer r.Close()
	require.NoError(t, r.PrepRead(make([]byte, 16), 0, 9))
	_, err := r.Submit()
	require.NoError(t, err)
	var res Result
	r.Reap(func(got Result) { res = got })
	assert.ErrorIs(t, res.Err(), syscall.EBADF)
}

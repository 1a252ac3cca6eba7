//go:build linux

package backend

import (
	"os"

	"golang.org/x/sys/unix"
)

func punchHole(f *os.File, offset, length int64) error {
	return unix.Fallocate(int(f.Fd()), unix.FALLOC_FL_PUNCH_HOLE|unix.FALLOC_FL_KEEP_SIZE, offset, length)
}

func syncRange(f *os.File, offset, length int64) error {
	return unix.SyncFileRange(int(f.Fd()), offset, length,
		unix.SYNC_FILE_RANGE_WAIT_BEFORE|unix.SYNC_FILE_RANGE_WRITE|unix.SYNC_FILE_RANGE_WAIT_AFTER)
}

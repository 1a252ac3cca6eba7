//go:build !linux

package backend

import (
	"os"
)

// punchHole zeroes the range since there is no portable hole punching.
func punchHole(f *os.File, offset, length int64) error {
	zero := make([]byte, 64<<10)
	for length > 0 {
		n := int64(len(zero))
		if n > length {
			n = length
		}
		if _, err := f.WriteAt(zero[:n], offset); err != nil {
			return err
		}
		offset += n
		length -= n
	}
	return nil
}

// syncRange syncs the whole file since range sync is Linux only.
func syncRange(f *os.File, _, _ int64) error {
	return f.Sync()
}

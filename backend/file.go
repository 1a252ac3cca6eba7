package backend

import (
	"fmt"
	"os"
	"sync/atomic"

	"github.com/ehrlich-b/go-blkmq/internal/interfaces"
)

// File is a store backed by a regular file or block device
type File struct {
	f    *os.File
	size int64

	syncs atomic.Uint64
}

// OpenFile opens path as a store. When size is positive the file is created if
// needed and truncated or extended to size; otherwise its current size is used.
func OpenFile(path string, size int64) (*File, error) {
	flags := os.O_RDWR
	if size > 0 {
		flags |= os.O_CREATE
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", path, err)
	}

	if size > 0 {
		if err := f.Truncate(size); err != nil {
			f.Close()
			return nil, fmt.Errorf("size store %s: %w", path, err)
		}
	} else {
		st, err := f.Stat()
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("stat store %s: %w", path, err)
		}
		size = st.Size()
	}

	return &File{f: f, size: size}, nil
}

// Fd returns the file descriptor for drivers that submit I/O directly.
func (s *File) Fd() int {
	return int(s.f.Fd())
}

// ReadAt implements the Backend interface
func (s *File) ReadAt(p []byte, off int64) (int, error) {
	return s.f.ReadAt(p, off)
}

// WriteAt implements the Backend interface
func (s *File) WriteAt(p []byte, off int64) (int, error) {
	if off+int64(len(p)) > s.size {
		return 0, fmt.Errorf("write at %d+%d beyond end of store (%d bytes)", off, len(p), s.size)
	}
	return s.f.WriteAt(p, off)
}

// Size implements the Backend interface
func (s *File) Size() int64 {
	return s.size
}

// Close implements the Backend interface
func (s *File) Close() error {
	return s.f.Close()
}

// Flush implements the Backend interface
func (s *File) Flush() error {
	return s.Sync()
}

// Sync implements the SyncBackend interface
func (s *File) Sync() error {
	s.syncs.Add(1)
	return s.f.Sync()
}

// SyncRange implements the SyncBackend interface
func (s *File) SyncRange(offset, length int64) error {
	if offset < 0 || length < 0 || offset+length > s.size {
		return fmt.Errorf("invalid sync range %d+%d (size %d)", offset, length, s.size)
	}
	s.syncs.Add(1)
	return syncRange(s.f, offset, length)
}

// Discard implements the DiscardBackend interface
func (s *File) Discard(offset, length int64) error {
	if offset >= s.size {
		return nil
	}
	if offset+length > s.size {
		length = s.size - offset
	}
	return punchHole(s.f, offset, length)
}

// Stats implements the StatBackend interface
func (s *File) Stats() map[string]interface{} {
	return map[string]interface{}{
		"type":  "file",
		"path":  s.f.Name(),
		"size":  s.size,
		"syncs": s.syncs.Load(),
	}
}

var (
	_ interfaces.DiscardBackend = (*File)(nil)
	_ interfaces.SyncBackend    = (*File)(nil)
	_ interfaces.StatBackend    = (*File)(nil)
)

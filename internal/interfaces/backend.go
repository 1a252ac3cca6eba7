// Package interfaces defines the storage capabilities the example drivers
// execute requests against.
package interfaces

// Backend is the storage a block driver reads and writes. Its shape follows
// io.ReaderAt and io.WriterAt so files and in-memory stores fit directly.
type Backend interface {
	// ReadAt reads len(p) bytes into p starting at offset off.
	// Implementations must not retain p.
	ReadAt(p []byte, off int64) (n int, err error)

	// WriteAt writes len(p) bytes from p at offset off. It must return a
	// non-nil error if it returns n < len(p).
	// Implementations must not retain p.
	WriteAt(p []byte, off int64) (n int, err error)

	// Size returns the capacity in bytes.
	Size() int64

	// Close releases the store. No other method may be called afterwards.
	Close() error

	// Flush makes completed writes durable. It backs OpFlush.
	Flush() error
}

// DiscardBackend is implemented by stores that can deallocate a range.
// Drivers fail OpDiscard with "not supported" when it is missing.
type DiscardBackend interface {
	Backend

	// Discard deallocates [offset, offset+length). Later reads of the range
	// return zeros.
	Discard(offset, length int64) error
}

// WriteZeroesBackend is implemented by stores that can zero a range without a
// data buffer. Drivers fall back to writing a zero buffer when it is missing.
type WriteZeroesBackend interface {
	Backend

	WriteZeroes(offset, length int64) error
}

// SyncBackend is implemented by stores with range-level durability control.
type SyncBackend interface {
	Backend

	Sync() error
	SyncRange(offset, length int64) error
}

// StatBackend is implemented by stores that report their own statistics.
type StatBackend interface {
	Backend

	// Stats returns store-specific statistics keyed by name.
	Stats() map[string]interface{}
}

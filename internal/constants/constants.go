package constants

import "time"

// Default configuration constants
const (
	// DefaultQueueDepth is the default number of request slots per hardware context
	DefaultQueueDepth = 128

	// DefaultNrHwQueues is the default number of hardware contexts
	DefaultNrHwQueues = 1

	// DefaultLogicalBlockSize is the default logical block size in bytes
	DefaultLogicalBlockSize = 512

	// SectorShift converts between sectors and bytes
	SectorShift = 9

	// DefaultMaxBatch caps how many staged requests a runner hands to the driver in one batch
	DefaultMaxBatch = 32

	// MaxQueueDepth is the largest per-context depth the tag allocator accepts
	MaxQueueDepth = 4096
)

// Timing constants for dispatch
const (
	// RequeueDelay is how long a runner waits before retrying a batch the driver reported busy
	RequeueDelay = 100 * time.Microsecond

	// DrainPollInterval is the interval Disk.Close checks for in-flight requests
	DrainPollInterval = time.Millisecond
)

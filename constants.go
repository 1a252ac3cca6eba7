package blkmq

import (
	"github.com/ehrlich-b/go-blkmq/internal/blk"
	"github.com/ehrlich-b/go-blkmq/internal/constants"
)

// Re-export constants for public API
const (
	DefaultQueueDepth       = constants.DefaultQueueDepth
	DefaultNrHwQueues       = constants.DefaultNrHwQueues
	DefaultLogicalBlockSize = constants.DefaultLogicalBlockSize
	DefaultMaxBatch         = constants.DefaultMaxBatch
	MaxQueueDepth           = constants.MaxQueueDepth
	SectorSize              = 1 << constants.SectorShift
)

// Status is the dispatch layer's completion status.
type Status = blk.Status

const (
	StatusOK          = blk.StatusOK
	StatusNotSupp     = blk.StatusNotSupp
	StatusTimeout     = blk.StatusTimeout
	StatusNoSpace     = blk.StatusNoSpace
	StatusMedium      = blk.StatusMedium
	StatusResource    = blk.StatusResource
	StatusIOErr       = blk.StatusIOErr
	StatusAgain       = blk.StatusAgain
	StatusDevResource = blk.StatusDevResource
	StatusOffline     = blk.StatusOffline
)

// Op is the operation a request carries.
type Op = blk.Op

const (
	OpRead        = blk.OpRead
	OpWrite       = blk.OpWrite
	OpFlush       = blk.OpFlush
	OpDiscard     = blk.OpDiscard
	OpWriteZeroes = blk.OpWriteZeroes
)

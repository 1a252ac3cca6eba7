// Package blk is the block dispatch layer the driver core plugs into: it owns
// request objects, hardware contexts, CPU-to-context maps and the status
// domain, and calls into drivers only through an Ops table.
package blk

import (
	"fmt"
	"syscall"
)

// Status is the dispatch layer's completion status. Values follow the Linux
// blk_status_t numbering so they can be logged and compared against kernel
// traces.
type Status uint8

const (
	StatusOK                 Status = 0
	StatusNotSupp            Status = 1
	StatusTimeout            Status = 2
	StatusNoSpace            Status = 3
	StatusTransport          Status = 4
	StatusTarget             Status = 5
	StatusResvConflict       Status = 6
	StatusMedium             Status = 7
	StatusProtection         Status = 8
	StatusResource           Status = 9
	StatusIOErr              Status = 10
	StatusDMRequeue          Status = 11
	StatusAgain              Status = 12
	StatusDevResource        Status = 13
	StatusZoneOpenResource   Status = 14
	StatusZoneActiveResource Status = 15
	StatusOffline            Status = 16
	StatusDurationLimit      Status = 17
)

var statusNames = [...]string{
	StatusOK:                 "ok",
	StatusNotSupp:            "operation not supported",
	StatusTimeout:            "timeout",
	StatusNoSpace:            "critical space allocation",
	StatusTransport:          "recoverable transport",
	StatusTarget:             "critical target",
	StatusResvConflict:       "reservation conflict",
	StatusMedium:             "critical medium",
	StatusProtection:         "protection",
	StatusResource:           "kernel resource",
	StatusIOErr:              "I/O",
	StatusDMRequeue:          "dm internal retry",
	StatusAgain:              "nonblocking retry",
	StatusDevResource:        "device resource",
	StatusZoneOpenResource:   "open zones exceeded",
	StatusZoneActiveResource: "active zones exceeded",
	StatusOffline:            "device offline",
	StatusDurationLimit:      "duration limit exceeded",
}

func (s Status) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("status(%d)", uint8(s))
}

// Busy reports whether the status asks the layer to requeue rather than fail.
func (s Status) Busy() bool {
	return s == StatusResource || s == StatusDevResource
}

// ToErrno returns the errno a status surfaces as. StatusOK maps to 0.
func (s Status) ToErrno() syscall.Errno {
	for _, e := range errnoTable {
		if e.status == s {
			return e.errno
		}
	}
	return syscall.EIO
}

// StatusFromErrno maps an errno (sign ignored) to a status. Unknown values
// become StatusIOErr.
func StatusFromErrno(errno syscall.Errno) Status {
	if errno == 0 {
		return StatusOK
	}
	for _, e := range errnoTable {
		if e.errno == errno {
			return e.status
		}
	}
	return StatusIOErr
}

type errnoEntry struct {
	status Status
	errno  syscall.Errno
}

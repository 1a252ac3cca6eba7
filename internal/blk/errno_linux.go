//go:build linux

package blk

import (
	"syscall"

	"golang.org/x/sys/unix"
)

var errnoTable = []errnoEntry{
	{StatusOK, 0},
	{StatusNotSupp, syscall.Errno(unix.EOPNOTSUPP)},
	{StatusTimeout, syscall.Errno(unix.ETIMEDOUT)},
	{StatusNoSpace, syscall.Errno(unix.ENOSPC)},
	{StatusTransport, syscall.Errno(unix.ENOLINK)},
	{StatusTarget, syscall.Errno(unix.EREMOTEIO)},
	{StatusResvConflict, syscall.Errno(unix.EBADE)},
	{StatusMedium, syscall.Errno(unix.ENODATA)},
	{StatusProtection, syscall.Errno(unix.EILSEQ)},
	{StatusResource, syscall.Errno(unix.ENOMEM)},
	{StatusDevResource, syscall.Errno(unix.EBUSY)},
	{StatusAgain, syscall.Errno(unix.EAGAIN)},
	{StatusOffline, syscall.Errno(unix.ENODEV)},
	{StatusDMRequeue, syscall.Errno(unix.EREMCHG)},
	{StatusZoneOpenResource, syscall.Errno(unix.ETOOMANYREFS)},
	{StatusZoneActiveResource, syscall.Errno(unix.EOVERFLOW)},
	{StatusDurationLimit, syscall.Errno(unix.ETIME)},
	{StatusIOErr, syscall.Errno(unix.EIO)},
}

//go:build !linux

package blk

import "syscall"

var errnoTable = []errnoEntry{
	{StatusOK, 0},
	{StatusNotSupp, syscall.EOPNOTSUPP},
	{StatusTimeout, syscall.ETIMEDOUT},
	{StatusNoSpace, syscall.ENOSPC},
	{StatusResource, syscall.ENOMEM},
	{StatusDevResource, syscall.EBUSY},
	{StatusAgain, syscall.EAGAIN},
	{StatusOffline, syscall.ENODEV},
	{StatusIOErr, syscall.EIO},
}

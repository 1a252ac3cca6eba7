package blkmq

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"syscall"

	"github.com/ehrlich-b/go-blkmq/internal/blk"
)

// Error is a structured blkmq error with dispatch context and status mapping
type Error struct {
	Op     string        // Entry or call that failed (e.g. "queue_rq", "init_hctx")
	Hctx   int           // Hardware context index (-1 if not applicable)
	Tag    int           // Request tag (-1 if not applicable)
	Code   ErrorCode     // High-level error category
	Status Status        // Block status the error surfaces as (0 = derive from Code)
	Errno  syscall.Errno // errno (0 if not applicable)
	Msg    string        // Human-readable message
	Inner  error         // Wrapped error
}

// Error implements the error interface
func (e *Error) Error() string {
	var parts []string

	if e.Op != "" {
		parts = append(parts, "op="+e.Op)
	}
	if e.Hctx >= 0 {
		parts = append(parts, fmt.Sprintf("hctx=%d", e.Hctx))
	}
	if e.Tag >= 0 {
		parts = append(parts, fmt.Sprintf("tag=%d", e.Tag))
	}
	if e.Errno != 0 {
		parts = append(parts, fmt.Sprintf("errno=%d", e.Errno))
	}

	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}
	if e.Inner != nil && e.Msg != e.Inner.Error() {
		msg += ": " + e.Inner.Error()
	}

	if len(parts) > 0 {
		return fmt.Sprintf("blkmq: %s (%s)", msg, strings.Join(parts, " "))
	}
	return "blkmq: " + msg
}

// Unwrap returns the wrapped error for errors.Is/As support
func (e *Error) Unwrap() error {
	return e.Inner
}

// Is matches another *Error by code. A target carrying a message matches
// only errors with the same message, which keeps sentinels like
// ErrRefUnderflow distinct from other violations of the same code.
func (e *Error) Is(target error) bool {
	te, ok := target.(*Error)
	if !ok || te == nil {
		return false
	}
	if e.Code != te.Code {
		return false
	}
	return te.Msg == "" || te.Msg == e.Msg
}

// ErrorCode represents high-level error categories
type ErrorCode string

const (
	ErrCodeBusy              ErrorCode = "device busy"
	ErrCodeResource          ErrorCode = "out of resources"
	ErrCodeIOError           ErrorCode = "I/O error"
	ErrCodeNotSupported      ErrorCode = "operation not supported"
	ErrCodeTimeout           ErrorCode = "timeout"
	ErrCodeNoSpace           ErrorCode = "no space left"
	ErrCodeOffline           ErrorCode = "device offline"
	ErrCodeMedium            ErrorCode = "medium error"
	ErrCodeInvalidParameters ErrorCode = "invalid parameters"
	ErrCodeInUse             ErrorCode = "in use"
	ErrCodeConsistency       ErrorCode = "consistency violation"
	ErrCodePrecondition      ErrorCode = "precondition violation"
	ErrCodeConstruction      ErrorCode = "construction failed"
)

// Sentinel errors
var (
	// ErrBusy is returned by QueueRQ when the device cannot take the request
	// right now. The layer requeues the request instead of failing it.
	ErrBusy = &Error{Hctx: -1, Tag: -1, Code: ErrCodeBusy}

	// ErrRefUnderflow reports a reference drop that would have retired a
	// request the layer still owns.
	ErrRefUnderflow = &Error{Hctx: -1, Tag: -1, Code: ErrCodeConsistency, Msg: "reference count underflow"}

	// ErrRetired reports a request handed to the driver after its last
	// reference was dropped.
	ErrRetired = &Error{Hctx: -1, Tag: -1, Code: ErrCodeConsistency, Msg: "request already retired"}

	// ErrDeviceBusy is returned by TagSet.Close while disks still use it.
	ErrDeviceBusy = &Error{Hctx: -1, Tag: -1, Code: ErrCodeInUse}

	// ErrClosed is returned for I/O on a disk that is shutting down.
	ErrClosed = &Error{Hctx: -1, Tag: -1, Code: ErrCodeOffline, Msg: "disk closed"}

	ErrInvalidParameters = &Error{Hctx: -1, Tag: -1, Code: ErrCodeInvalidParameters}
)

// NewError creates a new structured error
func NewError(op string, code ErrorCode, msg string) *Error {
	return &Error{Op: op, Hctx: -1, Tag: -1, Code: code, Msg: msg}
}

// NewErrorWithErrno creates a new structured error with errno
func NewErrorWithErrno(op string, code ErrorCode, errno syscall.Errno) *Error {
	return &Error{Op: op, Hctx: -1, Tag: -1, Code: code, Errno: errno, Msg: errno.Error()}
}

// NewHctxError creates an error tied to a hardware context
func NewHctxError(op string, hctx uint32, code ErrorCode, msg string) *Error {
	return &Error{Op: op, Hctx: int(hctx), Tag: -1, Code: code, Msg: msg}
}

// NewRequestError creates an error tied to one request slot
func NewRequestError(op string, hctx uint32, tag int, code ErrorCode, msg string) *Error {
	return &Error{Op: op, Hctx: int(hctx), Tag: tag, Code: code, Msg: msg}
}

// WrapError wraps an existing error with blkmq context
func WrapError(op string, inner error) *Error {
	if inner == nil {
		return nil
	}

	// If it's already a structured error, just update the operation
	var be *Error
	if errors.As(inner, &be) {
		cp := *be
		cp.Op = op
		return &cp
	}

	var errno syscall.Errno
	if errors.As(inner, &errno) {
		return &Error{
			Op:    op,
			Hctx:  -1,
			Tag:   -1,
			Code:  mapErrnoToCode(errno),
			Errno: errno,
			Msg:   errno.Error(),
			Inner: inner,
		}
	}

	code := ErrCodeIOError
	if errors.Is(inner, context.DeadlineExceeded) {
		code = ErrCodeTimeout
	}
	return &Error{Op: op, Hctx: -1, Tag: -1, Code: code, Msg: inner.Error(), Inner: inner}
}

// StatusError returns the error a completion status surfaces as, or nil for
// StatusOK.
func StatusError(st Status) error {
	if st == blk.StatusOK {
		return nil
	}
	return &Error{
		Hctx:   -1,
		Tag:    -1,
		Code:   codeForStatus(st),
		Status: st,
		Errno:  st.ToErrno(),
		Msg:    st.String() + " error",
	}
}

// ToStatus maps a driver error into the block status domain. nil is
// StatusOK; errors with no better mapping become StatusIOErr.
func ToStatus(err error) Status {
	if err == nil {
		return blk.StatusOK
	}

	var be *Error
	if errors.As(err, &be) {
		if be.Status != blk.StatusOK {
			return be.Status
		}
		if be.Errno != 0 {
			return blk.StatusFromErrno(be.Errno)
		}
		return statusForCode(be.Code)
	}

	var errno syscall.Errno
	if errors.As(err, &errno) {
		return blk.StatusFromErrno(errno)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return blk.StatusTimeout
	}
	return blk.StatusIOErr
}

// errnoOf returns the positive errno err surfaces as at the dispatch table
// boundary. It never returns 0 for a non-nil error.
func errnoOf(err error) syscall.Errno {
	if err == nil {
		return 0
	}
	var be *Error
	if errors.As(err, &be) && be.Errno != 0 {
		return be.Errno
	}
	var errno syscall.Errno
	if errors.As(err, &errno) && errno != 0 {
		return errno
	}
	switch {
	case errors.As(err, &be) && be.Code == ErrCodeInvalidParameters:
		return syscall.EINVAL
	case errors.As(err, &be) && be.Code == ErrCodePrecondition:
		return syscall.EEXIST
	}
	if e := ToStatus(err).ToErrno(); e != 0 {
		return e
	}
	return syscall.EIO
}

// errFromErrno converts a negative errno returned by a dispatch entry.
func errFromErrno(op string, ret int) *Error {
	if ret == 0 {
		return nil
	}
	if ret < 0 {
		ret = -ret
	}
	return WrapError(op, syscall.Errno(ret))
}

// constructionError wraps a failed construction step. When a driver
// construction entry returned the errno, the error keeps its value along
// with the context index and tag.
func constructionError(op, msg string, err error) *Error {
	e := &Error{Op: op, Hctx: -1, Tag: -1, Code: ErrCodeConstruction, Msg: msg, Inner: err}
	var ie *blk.InitError
	if errors.As(err, &ie) {
		inner := errFromErrno(ie.Op, ie.Ret)
		inner.Hctx, inner.Tag = int(ie.Hctx), ie.Tag
		e.Hctx, e.Tag, e.Errno, e.Inner = inner.Hctx, inner.Tag, inner.Errno, inner
	}
	return e
}

func statusForCode(code ErrorCode) Status {
	switch code {
	case ErrCodeBusy:
		return blk.StatusDevResource
	case ErrCodeResource:
		return blk.StatusResource
	case ErrCodeNotSupported:
		return blk.StatusNotSupp
	case ErrCodeTimeout:
		return blk.StatusTimeout
	case ErrCodeNoSpace:
		return blk.StatusNoSpace
	case ErrCodeOffline:
		return blk.StatusOffline
	case ErrCodeMedium:
		return blk.StatusMedium
	default:
		return blk.StatusIOErr
	}
}

func codeForStatus(st Status) ErrorCode {
	switch st {
	case blk.StatusDevResource:
		return ErrCodeBusy
	case blk.StatusResource:
		return ErrCodeResource
	case blk.StatusNotSupp:
		return ErrCodeNotSupported
	case blk.StatusTimeout:
		return ErrCodeTimeout
	case blk.StatusNoSpace:
		return ErrCodeNoSpace
	case blk.StatusOffline:
		return ErrCodeOffline
	case blk.StatusMedium:
		return ErrCodeMedium
	default:
		return ErrCodeIOError
	}
}

// mapErrnoToCode maps syscall errno to blkmq error codes
func mapErrnoToCode(errno syscall.Errno) ErrorCode {
	switch errno {
	case syscall.EBUSY, syscall.EAGAIN:
		return ErrCodeBusy
	case syscall.ENOMEM:
		return ErrCodeResource
	case syscall.EINVAL, syscall.E2BIG, syscall.ERANGE:
		return ErrCodeInvalidParameters
	case syscall.ENOSYS, syscall.EOPNOTSUPP:
		return ErrCodeNotSupported
	case syscall.ENOSPC:
		return ErrCodeNoSpace
	case syscall.ETIMEDOUT:
		return ErrCodeTimeout
	case syscall.ENODEV:
		return ErrCodeOffline
	case syscall.EEXIST:
		return ErrCodePrecondition
	default:
		return ErrCodeIOError
	}
}

// IsCode checks if an error matches a specific error code
func IsCode(err error, code ErrorCode) bool {
	var be *Error
	if errors.As(err, &be) {
		return be.Code == code
	}
	return false
}

// IsErrno checks if an error matches a specific errno
func IsErrno(err error, errno syscall.Errno) bool {
	var be *Error
	if errors.As(err, &be) {
		return be.Errno == errno
	}
	return false
}

// IsStatus reports whether err surfaces as status st.
func IsStatus(err error, st Status) bool {
	return ToStatus(err) == st
}

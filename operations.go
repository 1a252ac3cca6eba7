// Package blkmq lets a block driver plug into a multiqueue dispatch layer.
//
// A driver implements Operations over four state types:
//
//	RD  per-request payload, embedded in every request slot
//	QD  queue state, shared by every hardware context of one Disk
//	HD  hardware context state, one per dispatch queue
//	TD  tag set state, shared by everything built from one TagSet
//
// NewTagSet turns the implementation into the layer's dispatch table once and
// allocates the request pool. NewDisk brings up the hardware contexts and
// starts one runner per context. From then on the layer calls the driver only
// through the dispatch table, whose entries check every lifecycle and
// reference-count precondition before the driver sees a call.
package blkmq

// Init constructs one request payload in place. It runs once per request slot
// when the tag set is allocated, never per I/O.
type Init[RD any] func(slot *RD) error

// Operations is the behavior a driver supplies. All methods are synchronous
// and must not block on the device; a device that cannot take more work
// reports ErrBusy from QueueRQ.
type Operations[RD, QD, HD, TD any] interface {
	// NewRequestData returns the constructor for one request payload. A nil
	// Init leaves the payload at its zero value.
	NewRequestData(td TD) Init[RD]

	// QueueRQ submits rq. When isLast is false more requests of the same batch
	// follow and the driver may defer kicking the device until CommitRQs or
	// a later isLast=true call. On success the driver owns one reference and
	// must eventually call rq.Complete. On error it must not have retained
	// anything.
	QueueRQ(hd HD, qd QD, rq *Request[RD], isLast bool) error

	// CommitRQs flushes submissions deferred under isLast=false. Failures are
	// reported through the completion of the affected requests.
	CommitRQs(hd HD, qd QD)

	// Complete runs when a request the driver accepted is completed, right
	// before the driver's reference is dropped.
	Complete(rq *Request[RD])

	// InitHctx builds the state for hardware context idx.
	InitHctx(td TD, idx uint32) (HD, error)
}

// Poller is implemented by drivers that can service poll queues. Poll checks
// for completions on hd and reports whether it found any.
type Poller[HD any] interface {
	Poll(hd HD) bool
}

// GeometryChecker is implemented by drivers whose own configuration must
// agree with the tag set they serve. NewTagSet refuses the tag set when
// CheckGeometry fails.
type GeometryChecker interface {
	CheckGeometry(cfg TagSetConfig) error
}

// QueueMapper is implemented by drivers that assign CPUs to hardware
// contexts themselves.
type QueueMapper interface {
	MapQueues(m *QueueMap)
}

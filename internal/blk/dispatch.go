package blk

// DispatchOne hands one staged request to the driver. Failures other than
// busy end the request with the returned status; a busy request goes back to
// the staged state so it can be retried.
func DispatchOne(h *HwCtx, rq *Request, last bool) Status {
	if !rq.MarkInFlight() {
		// not ours to end: someone else moved it out of the staged state
		return StatusIOErr
	}

	st := h.Queue.Set.Ops.QueueRQ(h, &QueueRqData{Rq: rq, Last: last})
	switch {
	case st == StatusOK:
	case st.Busy():
		rq.state.CompareAndSwap(RqInFlight, RqStaged)
	default:
		EndRequest(rq, st)
	}
	return st
}

// DispatchList submits list in order, flagging the final element as last.
// A busy status stops the batch and the unsent remainder is returned for
// requeue. CommitRQs runs once if anything was queued but the driver never
// saw an accepted last request.
func DispatchList(h *HwCtx, list []*Request) []*Request {
	var (
		queued  int
		errored bool
		rest    []*Request
	)

	for i, rq := range list {
		st := DispatchOne(h, rq, i == len(list)-1)
		if st == StatusOK {
			queued++
			continue
		}
		if st.Busy() {
			rest = list[i:]
			break
		}
		errored = true
	}

	if queued > 0 && (len(rest) > 0 || errored) {
		h.Queue.Set.Ops.CommitRQs(h)
	}
	return rest
}

// PollOnce runs the driver's poll entry for h and reports whether it found
// completions. Contexts of drivers without poll support never find any.
func PollOnce(h *HwCtx) bool {
	poll := h.Queue.Set.Ops.Poll
	if poll == nil {
		return false
	}
	return poll(h) > 0
}

// AbortStaged ends every request still waiting in h's staged channel.
func AbortStaged(h *HwCtx, st Status) int {
	n := 0
	for {
		select {
		case rq := <-h.staged:
			EndRequest(rq, st)
			n++
		default:
			return n
		}
	}
}

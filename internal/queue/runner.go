package queue

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/ehrlich-b/go-blkmq/internal/blk"
	"github.com/ehrlich-b/go-blkmq/internal/constants"
)

// Runner drives one hardware context: it collects staged requests into
// batches, hands them to the driver through the dispatch table and retries
// the remainder when the driver reports busy. Poll-type contexts are polled
// for completions while they have requests in flight.
//
// A runner is the only caller of the submit, commit and poll entries for its
// context, which is what serializes them.
type Runner struct {
	hctx     *blk.HwCtx
	index    uint32
	maxBatch int
	cpu      int
	polled   bool

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	logger   Logger
	observer Observer

	batch   []*blk.Request
	requeue []*blk.Request
}

type Logger interface {
	Printf(format string, args ...interface{})
	Debugf(format string, args ...interface{})
}

// Observer receives runner events
type Observer interface {
	ObserveBatch(hctx uint32, size int)
	ObserveRequeue(hctx uint32, n int)
	ObserveQueueDepth(hctx uint32, depth uint32)
}

type Config struct {
	Hctx     *blk.HwCtx
	MaxBatch int // Requests per batch (default: constants.DefaultMaxBatch)
	CPU      int // CPU to pin the runner thread to; negative disables pinning
	Logger   Logger
	Observer Observer
}

// NewRunner creates a runner for config.Hctx. It does not start it.
func NewRunner(ctx context.Context, config Config) (*Runner, error) {
	if config.Hctx == nil {
		return nil, fmt.Errorf("runner needs a hardware context")
	}
	if !config.Hctx.Live() {
		return nil, fmt.Errorf("hctx %d is not live", config.Hctx.Index)
	}
	if config.MaxBatch <= 0 {
		config.MaxBatch = constants.DefaultMaxBatch
	}

	ctx, cancel := context.WithCancel(ctx)
	r := &Runner{
		hctx:     config.Hctx,
		index:    config.Hctx.Index,
		maxBatch: config.MaxBatch,
		cpu:      config.CPU,
		polled:   config.Hctx.Type == blk.MapPoll,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		logger:   config.Logger,
		observer: config.Observer,
		batch:    make([]*blk.Request, 0, config.MaxBatch),
		requeue:  make([]*blk.Request, 0, config.MaxBatch),
	}

	if r.logger != nil {
		r.logger.Debugf("created runner for hctx %d (type=%s, batch=%d, cpu=%d)", r.index, config.Hctx.Type, r.maxBatch, r.cpu)
	}
	return r, nil
}

// Start begins processing staged requests
func (r *Runner) Start() error {
	if r.logger != nil {
		r.logger.Printf("Starting runner for hctx %d", r.index)
	}
	go r.ioLoop()
	return nil
}

// Stop stops the runner and waits for its loop to exit. Requests the runner
// still held for a retry are ended with StatusOffline.
func (r *Runner) Stop() error {
	if r.cancel != nil {
		r.cancel()
	}
	<-r.done
	return nil
}

// Close stops the runner and fails every request still staged on its
// context.
func (r *Runner) Close() error {
	r.Stop()
	if n := blk.AbortStaged(r.hctx, blk.StatusOffline); n > 0 && r.logger != nil {
		r.logger.Printf("hctx %d: aborted %d staged requests", r.index, n)
	}
	return nil
}

// Done is closed when the loop has exited.
func (r *Runner) Done() <-chan struct{} {
	return r.done
}

func (r *Runner) ioLoop() {
	defer close(r.done)

	// Dispatch for one context stays on one OS thread, optionally pinned.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if r.cpu >= 0 {
		if err := pinToCPU(r.cpu); err != nil {
			if r.logger != nil {
				r.logger.Printf("hctx %d: cannot pin to cpu %d: %v", r.index, r.cpu, err)
			}
		} else if r.logger != nil {
			r.logger.Debugf("hctx %d: pinned to cpu %d", r.index, r.cpu)
		}
	}

	for {
		r.batch = r.batch[:0]
		if len(r.requeue) > 0 {
			r.batch = append(r.batch, r.requeue...)
			r.requeue = r.requeue[:0]
		} else if !r.wait() {
			if r.logger != nil {
				r.logger.Debugf("hctx %d: I/O loop stopping", r.index)
			}
			return
		}

		r.fill()
		if r.observer != nil {
			r.observer.ObserveBatch(r.index, len(r.batch))
		}

		rest := blk.DispatchList(r.hctx, r.batch)

		if r.observer != nil {
			r.observer.ObserveQueueDepth(r.index, uint32(r.hctx.Inflight()))
		}
		if len(rest) == 0 {
			continue
		}

		r.requeue = append(r.requeue, rest...)
		if r.observer != nil {
			r.observer.ObserveRequeue(r.index, len(rest))
		}
		if !r.backoff() {
			r.abort()
			return
		}
	}
}

// wait blocks until at least one staged request is in r.batch. Poll-type
// contexts poll for completions instead of sleeping while they have requests
// in flight. It returns false once the runner is cancelled.
func (r *Runner) wait() bool {
	staged := r.hctx.Staged()
	for {
		// staged requests left after cancellation are ended by the owner
		if r.ctx.Err() != nil {
			return false
		}
		if r.polled && r.hctx.Inflight() > 0 {
			select {
			case <-r.ctx.Done():
				return false
			case rq := <-staged:
				r.batch = append(r.batch, rq)
				return true
			default:
			}
			if !blk.PollOnce(r.hctx) {
				runtime.Gosched()
			}
			continue
		}

		select {
		case <-r.ctx.Done():
			return false
		case rq := <-staged:
			r.batch = append(r.batch, rq)
			return true
		}
	}
}

// fill tops the batch up with whatever is already staged, without blocking.
func (r *Runner) fill() {
	staged := r.hctx.Staged()
	for len(r.batch) < r.maxBatch {
		select {
		case rq := <-staged:
			r.batch = append(r.batch, rq)
		default:
			return
		}
	}
}

// backoff waits before a busy batch is retried. Poll contexts keep polling
// meanwhile since the device only frees space as completions are reaped.
func (r *Runner) backoff() bool {
	if r.polled {
		blk.PollOnce(r.hctx)
	}
	t := time.NewTimer(constants.RequeueDelay)
	defer t.Stop()
	select {
	case <-r.ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (r *Runner) abort() {
	for _, rq := range r.requeue {
		blk.EndRequest(rq, blk.StatusOffline)
	}
	if len(r.requeue) > 0 && r.logger != nil {
		r.logger.Printf("hctx %d: dropped %d requeued requests on shutdown", r.index, len(r.requeue))
	}
	r.requeue = r.requeue[:0]
}

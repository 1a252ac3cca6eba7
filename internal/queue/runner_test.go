package queue

import (
	"context"
	"sync"
	"testing"
	"time"
	"unsafe"

	"github.com/ehrlich-b/go-blkmq/internal/blk"
)

// testDriver completes accepted requests inside QueueRQ unless hold is set,
// in which case they wait for Poll.
type testDriver struct {
	mu      sync.Mutex
	busy    int
	hold    bool
	held    []*blk.Request
	lasts   []bool
	commits int
}

func (d *testDriver) ops() *blk.Ops {
	return &blk.Ops{
		QueueRQ: func(h *blk.HwCtx, bd *blk.QueueRqData) blk.Status {
			d.mu.Lock()
			if d.busy > 0 {
				d.busy--
				d.mu.Unlock()
				return blk.StatusDevResource
			}
			blk.RefIncNotZero(bd.Rq)
			d.lasts = append(d.lasts, bd.Last)
			hold := d.hold
			if hold {
				d.held = append(d.held, bd.Rq)
			}
			d.mu.Unlock()

			if !hold {
				blk.CompleteRequest(bd.Rq, blk.StatusOK)
			}
			return blk.StatusOK
		},
		CommitRQs: func(*blk.HwCtx) {
			d.mu.Lock()
			d.commits++
			d.mu.Unlock()
		},
		Complete: func(rq *blk.Request) {
			blk.RefDecNotLast(rq)
			blk.EndRequest(rq, rq.Status())
		},
		Poll: func(*blk.HwCtx) int {
			d.mu.Lock()
			held := d.held
			d.held = nil
			d.mu.Unlock()
			for _, rq := range held {
				blk.CompleteRequest(rq, blk.StatusOK)
			}
			return len(held)
		},
		InitHctx:    func(*blk.HwCtx, unsafe.Pointer, uint32) int { return 0 },
		ExitHctx:    func(*blk.HwCtx, uint32) {},
		InitRequest: func(*blk.TagSet, *blk.Request, uint32, uint32) int { return 0 },
		ExitRequest: func(*blk.TagSet, *blk.Request, uint32) {},
	}
}

type testObserver struct {
	mu       sync.Mutex
	batches  []int
	requeued int
}

func (o *testObserver) ObserveBatch(_ uint32, size int) {
	o.mu.Lock()
	o.batches = append(o.batches, size)
	o.mu.Unlock()
}

func (o *testObserver) ObserveRequeue(_ uint32, n int) {
	o.mu.Lock()
	o.requeued += n
	o.mu.Unlock()
}

func (o *testObserver) ObserveQueueDepth(uint32, uint32) {}

func (o *testObserver) requeues() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.requeued
}

type nopLogger struct{}

func (nopLogger) Printf(string, ...interface{}) {}
func (nopLogger) Debugf(string, ...interface{}) {}

func newTestQueue(t *testing.T, d *testDriver, nrHw, nrPoll uint32, depth int) *blk.Queue {
	t.Helper()
	set := &blk.TagSet{Ops: d.ops(), NrHwQueues: nrHw, NrPollQueues: nrPoll, QueueDepth: depth, NrCPUs: 2}
	if err := blk.AllocTagSet(set, func() *blk.Request { return &blk.Request{} }); err != nil {
		t.Fatalf("AllocTagSet: %v", err)
	}
	q, err := blk.NewQueue(set, nil)
	if err != nil {
		t.Fatalf("NewQueue: %v", err)
	}
	return q
}

// submit stages n requests and returns a channel receiving each end status.
func submit(t *testing.T, q *blk.Queue, n int, poll bool) <-chan blk.Status {
	t.Helper()
	done := make(chan blk.Status, n)
	for i := 0; i < n; i++ {
		io := &blk.IO{Op: blk.OpWrite, Sector: uint64(i), NrSectors: 1, Poll: poll, CPU: 0}
		if err := q.Submit(context.Background(), io, func(st blk.Status) { done <- st }); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}
	return done
}

func expect(t *testing.T, done <-chan blk.Status, n int, want blk.Status) {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for i := 0; i < n; i++ {
		select {
		case st := <-done:
			if st != want {
				t.Errorf("request %d ended with %s, want %s", i, st, want)
			}
		case <-timeout:
			t.Fatalf("only %d of %d requests ended", i, n)
		}
	}
}

func TestNewRunnerValidation(t *testing.T) {
	if _, err := NewRunner(context.Background(), Config{}); err == nil {
		t.Error("expected error for missing hardware context")
	}

	q := newTestQueue(t, &testDriver{}, 1, 0, 4)
	q.Cleanup()
	if _, err := NewRunner(context.Background(), Config{Hctx: q.Hctxs[0]}); err == nil {
		t.Error("expected error for torn down hardware context")
	}
}

func TestRunnerBatches(t *testing.T) {
	d := &testDriver{}
	q := newTestQueue(t, d, 1, 0, 8)
	obs := &testObserver{}

	done := submit(t, q, 5, false)
	r, err := NewRunner(context.Background(), Config{Hctx: q.Hctxs[0], MaxBatch: 4, CPU: -1, Logger: nopLogger{}, Observer: obs})
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	r.Start()
	expect(t, done, 5, blk.StatusOK)
	r.Stop()

	obs.mu.Lock()
	defer obs.mu.Unlock()
	if len(obs.batches) != 2 || obs.batches[0] != 4 || obs.batches[1] != 1 {
		t.Errorf("batches = %v, want [4 1]", obs.batches)
	}
	want := []bool{false, false, false, true, true}
	for i := range want {
		if d.lasts[i] != want[i] {
			t.Errorf("last flags = %v, want %v", d.lasts, want)
			break
		}
	}
	if d.commits != 0 {
		t.Errorf("commits = %d, want 0", d.commits)
	}
	if q.Inflight() != 0 {
		t.Errorf("inflight = %d after completion", q.Inflight())
	}
}

func TestRunnerRequeuesBusy(t *testing.T) {
	d := &testDriver{busy: 3}
	q := newTestQueue(t, d, 1, 0, 4)
	obs := &testObserver{}

	done := submit(t, q, 1, false)
	r, err := NewRunner(context.Background(), Config{Hctx: q.Hctxs[0], CPU: -1, Observer: obs})
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	r.Start()
	defer r.Stop()

	expect(t, done, 1, blk.StatusOK)
	if got := obs.requeues(); got != 3 {
		t.Errorf("requeued = %d, want 3", got)
	}
}

func TestRunnerPollsPollContexts(t *testing.T) {
	d := &testDriver{hold: true}
	q := newTestQueue(t, d, 2, 1, 4)
	h := q.Hctxs[1]
	if h.Type != blk.MapPoll {
		t.Fatalf("hctx 1 type = %s, want poll", h.Type)
	}

	done := submit(t, q, 3, true)
	r, err := NewRunner(context.Background(), Config{Hctx: h, CPU: 0, Logger: nopLogger{}})
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	r.Start()
	defer r.Stop()

	expect(t, done, 3, blk.StatusOK)
	if h.Inflight() != 0 {
		t.Errorf("poll context inflight = %d after polling", h.Inflight())
	}
}

func TestRunnerStopDropsRequeued(t *testing.T) {
	d := &testDriver{busy: 1 << 30}
	q := newTestQueue(t, d, 1, 0, 4)
	obs := &testObserver{}

	done := submit(t, q, 2, false)
	r, err := NewRunner(context.Background(), Config{Hctx: q.Hctxs[0], CPU: -1, Observer: obs})
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	r.Start()

	deadline := time.Now().Add(5 * time.Second)
	for obs.requeues() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("runner never requeued")
		}
		time.Sleep(time.Millisecond)
	}
	r.Close()

	expect(t, done, 2, blk.StatusOffline)
	if q.Inflight() != 0 {
		t.Errorf("inflight = %d after close", q.Inflight())
	}
}

func TestRunnerCloseAbortsStaged(t *testing.T) {
	q := newTestQueue(t, &testDriver{}, 1, 0, 4)
	r, err := NewRunner(context.Background(), Config{Hctx: q.Hctxs[0], CPU: -1})
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	r.Start()
	r.Stop()

	select {
	case <-r.Done():
	default:
		t.Fatal("Done not closed after Stop")
	}

	done := submit(t, q, 3, false)
	r.Close()
	expect(t, done, 3, blk.StatusOffline)
}

func TestRunnerContextCancel(t *testing.T) {
	q := newTestQueue(t, &testDriver{}, 1, 0, 4)
	ctx, cancel := context.WithCancel(context.Background())
	r, err := NewRunner(ctx, Config{Hctx: q.Hctxs[0], CPU: -1})
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	r.Start()
	cancel()

	select {
	case <-r.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("runner did not exit on context cancel")
	}
}

func TestRunnerCancelledLeavesStaged(t *testing.T) {
	d := &testDriver{}
	q := newTestQueue(t, d, 1, 0, 4)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r, err := NewRunner(ctx, Config{Hctx: q.Hctxs[0], CPU: -1})
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}

	done := submit(t, q, 3, false)
	r.Start()
	select {
	case <-r.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("runner did not exit")
	}

	d.mu.Lock()
	dispatched := len(d.lasts)
	d.mu.Unlock()
	if dispatched != 0 {
		t.Errorf("cancelled runner dispatched %d requests", dispatched)
	}
	if n := blk.AbortStaged(q.Hctxs[0], blk.StatusOffline); n != 3 {
		t.Errorf("AbortStaged ended %d requests, want 3", n)
	}
	expect(t, done, 3, blk.StatusOffline)
}

package blkmq

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/go-blkmq/internal/logging"
)

func newMockDisk(t *testing.T, drv mockOps, cfg TagSetConfig, params DiskParams) (*Disk, *TagSet[MockCmd, *MockQueue, *MockHw, *MockPool], *MockQueue) {
	t.Helper()
	ts, _ := newMockTagSet(t, drv, cfg)
	qd := &MockQueue{}
	disk, err := NewDisk(ts, qd, params, &Options{Logger: logging.Nop()})
	require.NoError(t, err)
	return disk, ts, qd
}

func closeAll(t *testing.T, disk *Disk, ts *TagSet[MockCmd, *MockQueue, *MockHw, *MockPool]) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, disk.Close(ctx))
	require.NoError(t, ts.Close())
}

func TestDiskSubmitRoundTrip(t *testing.T) {
	drv := NewMockDriver(CompleteInline)
	disk, ts, qd := newMockDisk(t, drv, TagSetConfig{NrHwQueues: 2, QueueDepth: 8, NrCPUs: 2}, DefaultParams())

	ctx := context.Background()
	buf := make([]byte, 4096)
	require.NoError(t, disk.Submit(ctx, IO{Op: OpWrite, Sector: 0, Data: buf, CPU: 0}))
	require.NoError(t, disk.Submit(ctx, IO{Op: OpRead, Sector: 0, Data: buf, CPU: 1}))
	require.NoError(t, disk.Submit(ctx, IO{Op: OpFlush, CPU: AnyCPU}))
	require.NoError(t, disk.Submit(ctx, IO{Op: OpDiscard, Sector: 8, Sectors: 8, CPU: AnyCPU}))

	snap := disk.MetricsSnapshot()
	assert.Equal(t, uint64(4), snap.Submits)
	assert.Equal(t, uint64(1), snap.ReadOps)
	assert.Equal(t, uint64(1), snap.WriteOps)
	assert.Equal(t, uint64(4096), snap.ReadBytes)
	assert.Equal(t, uint64(4), snap.TotalOps)
	assert.Equal(t, uint64(2), snap.HctxInits)
	assert.Equal(t, int64(4), qd.Submits.Load())

	calls := drv.Calls()
	require.Len(t, calls, 4)
	assert.Equal(t, uint32(0), calls[0].Hctx)
	assert.Equal(t, uint32(1), calls[1].Hctx)

	info := disk.Info()
	assert.Equal(t, DiskStateRunning, info.State)
	assert.Equal(t, 2, info.NrHwQueues)
	assert.Equal(t, 8, info.QueueDepth)
	assert.True(t, info.Running)

	closeAll(t, disk, ts)
	assert.Equal(t, DiskStateStopped, disk.State())
	for idx := uint32(0); idx < 2; idx++ {
		inits, exits := drv.HctxCounts(idx)
		assert.Equal(t, 1, inits)
		assert.Equal(t, 1, exits)
	}
	assert.Equal(t, int32(1), qd.Released.Load())
	assert.Equal(t, uint64(0), ts.Violations())
}

func TestDiskSubmitValidation(t *testing.T) {
	drv := NewMockDriver(CompleteInline)
	params := DefaultParams()
	params.ReadOnly = true
	disk, ts, _ := newMockDisk(t, drv, TagSetConfig{NrHwQueues: 1, QueueDepth: 2, NrCPUs: 1}, params)
	defer closeAll(t, disk, ts)

	ctx := context.Background()
	tests := []struct {
		name string
		io   IO
		code ErrorCode
	}{
		{"empty read", IO{Op: OpRead}, ErrCodeInvalidParameters},
		{"partial sector", IO{Op: OpRead, Data: make([]byte, 100)}, ErrCodeInvalidParameters},
		{"discard without length", IO{Op: OpDiscard}, ErrCodeInvalidParameters},
		{"write on read-only", IO{Op: OpWrite, Data: make([]byte, 512)}, ErrCodeNotSupported},
		{"unknown op", IO{Op: Op(42)}, ErrCodeNotSupported},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := disk.Submit(ctx, tt.io)
			require.Error(t, err)
			assert.True(t, IsCode(err, tt.code), err.Error())
		})
	}
	assert.Empty(t, drv.Calls())
}

func TestDiskSubmitErrorsSurfaceAsStatus(t *testing.T) {
	drv := NewMockDriver(CompleteInline)
	disk, ts, _ := newMockDisk(t, drv, TagSetConfig{NrHwQueues: 1, QueueDepth: 2, NrCPUs: 1}, DefaultParams())
	defer closeAll(t, disk, ts)
	ctx := context.Background()
	buf := make([]byte, 512)

	drv.FailNext(1, NewError("queue_rq", ErrCodeNoSpace, "full"))
	err := disk.Submit(ctx, IO{Op: OpWrite, Data: buf})
	require.Error(t, err)
	assert.True(t, IsStatus(err, StatusNoSpace))

	drv.SetCompletionError(NewError("read", ErrCodeMedium, "bad sector"))
	err = disk.Submit(ctx, IO{Op: OpRead, Data: buf})
	require.Error(t, err)
	assert.True(t, IsStatus(err, StatusMedium))
	drv.SetCompletionError(nil)

	require.NoError(t, disk.Submit(ctx, IO{Op: OpRead, Data: buf}))

	snap := disk.MetricsSnapshot()
	assert.Equal(t, uint64(1), snap.SubmitErrors)
	assert.Equal(t, uint64(1), snap.ReadErrors)
}

func TestDiskBusyIsRequeued(t *testing.T) {
	drv := NewMockDriver(CompleteInline)
	disk, ts, _ := newMockDisk(t, drv, TagSetConfig{NrHwQueues: 1, QueueDepth: 2, NrCPUs: 1}, DefaultParams())
	defer closeAll(t, disk, ts)

	drv.SetBusy(3)
	require.NoError(t, disk.Submit(context.Background(), IO{Op: OpRead, Data: make([]byte, 512)}))

	assert.Len(t, drv.Calls(), 4)
	snap := disk.MetricsSnapshot()
	assert.Equal(t, uint64(3), snap.SubmitBusy)
	assert.Equal(t, uint64(3), snap.Requeues)
	assert.Equal(t, uint64(1), snap.Submits)
	assert.Equal(t, int64(1), drv.Completes())
}

func TestDiskPollQueues(t *testing.T) {
	drv := NewMockPollDriver()
	disk, ts, _ := newMockDisk(t, drv, TagSetConfig{NrHwQueues: 2, NrPollQueues: 1, QueueDepth: 4, NrCPUs: 2}, DefaultParams())
	defer closeAll(t, disk, ts)

	buf := make([]byte, 512)
	for i := 0; i < 4; i++ {
		require.NoError(t, disk.Submit(context.Background(), IO{Op: OpRead, Data: buf, Poll: true, CPU: AnyCPU}))
	}

	for _, c := range drv.Calls() {
		assert.Equal(t, uint32(1), c.Hctx, "poll I/O goes to the poll context")
	}
	assert.Greater(t, drv.Polls(), int64(0))
	snap := disk.MetricsSnapshot()
	assert.Greater(t, snap.PollHits, uint64(0))
	assert.Equal(t, uint64(4), snap.ReadOps)
}

func TestDiskKickCompletesBatches(t *testing.T) {
	drv := NewMockDriver(CompleteOnKick)
	params := DefaultParams()
	params.MaxBatch = 8
	disk, ts, _ := newMockDisk(t, drv, TagSetConfig{NrHwQueues: 1, QueueDepth: 16, NrCPUs: 1}, params)
	defer closeAll(t, disk, ts)

	var wg sync.WaitGroup
	var failed atomic.Int32
	buf := make([]byte, 512)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		require.NoError(t, disk.SubmitAsync(context.Background(), IO{Op: OpRead, Data: buf}, func(err error) {
			if err != nil {
				failed.Add(1)
			}
			wg.Done()
		}))
	}
	wg.Wait()

	// every accepted request was completed, either by an isLast kick or by a commit
	assert.Equal(t, int64(16), drv.Completes())
	assert.Equal(t, int32(0), failed.Load())
}

func TestTagSetCloseBusyWhileDiskOpen(t *testing.T) {
	drv := NewMockDriver(CompleteInline)
	disk, ts, qd := newMockDisk(t, drv, TagSetConfig{NrHwQueues: 1, QueueDepth: 2, NrCPUs: 1}, DefaultParams())

	err := ts.Close()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDeviceBusy)
	assert.Equal(t, int32(0), qd.Released.Load())

	closeAll(t, disk, ts)
	assert.Equal(t, int32(1), qd.Released.Load())

	_, err = NewDisk(ts, &MockQueue{}, DefaultParams(), &Options{Logger: logging.Nop()})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestDiskCloseWaitsForInflight(t *testing.T) {
	drv := NewMockDriver(CompleteManual)
	disk, ts, _ := newMockDisk(t, drv, TagSetConfig{NrHwQueues: 1, QueueDepth: 4, NrCPUs: 1}, DefaultParams())

	done := make(chan error, 1)
	require.NoError(t, disk.SubmitAsync(context.Background(), IO{Op: OpRead, Data: make([]byte, 512)}, func(err error) { done <- err }))
	require.Eventually(t, func() bool { return drv.Pending() == 1 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := disk.Close(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, DiskStateStopping, disk.State())
	inits, exits := drv.HctxCounts(0)
	assert.Equal(t, 1, inits)
	assert.Equal(t, 0, exits, "contexts stay up while a request is in flight")

	err = disk.Submit(context.Background(), IO{Op: OpRead, Data: make([]byte, 512)})
	assert.ErrorIs(t, err, ErrClosed)

	assert.Equal(t, 1, drv.CompletePending(nil))
	assert.NoError(t, <-done)
	closeAll(t, disk, ts)

	_, exits = drv.HctxCounts(0)
	assert.Equal(t, 1, exits)
}

func TestDiskStress(t *testing.T) {
	const (
		nrQueues  = 4
		perQueue  = 256
		submitter = 4
	)
	drv := NewMockDriver(CompleteAsync)
	disk, ts, qd := newMockDisk(t, drv, TagSetConfig{NrHwQueues: nrQueues, QueueDepth: 16, NrCPUs: nrQueues}, DefaultParams())

	var completed atomic.Int64
	var wg sync.WaitGroup
	for q := 0; q < nrQueues; q++ {
		for s := 0; s < submitter; s++ {
			wg.Add(1)
			go func(cpu int) {
				defer wg.Done()
				buf := make([]byte, 512)
				for i := 0; i < perQueue/submitter; i++ {
					if err := disk.Submit(context.Background(), IO{Op: OpWrite, Data: buf, CPU: cpu}); err == nil {
						completed.Add(1)
					}
				}
			}(q)
		}
	}
	wg.Wait()

	assert.Equal(t, int64(nrQueues*perQueue), completed.Load())
	assert.Equal(t, int64(nrQueues*perQueue), qd.Submits.Load())
	assert.Equal(t, int64(nrQueues*perQueue), drv.Completes())
	assert.Equal(t, uint64(0), ts.Violations())
	assert.Equal(t, 0, disk.Inflight())

	perHctx := make(map[uint32]int)
	for _, c := range drv.Calls() {
		perHctx[c.Hctx]++
	}
	for q := uint32(0); q < nrQueues; q++ {
		assert.Equal(t, perQueue, perHctx[q])
	}

	closeAll(t, disk, ts)
}

type recordingObserver struct {
	NoOpObserver
	mu         sync.Mutex
	violations []string
	hctxUp     int
	hctxDown   int
}

func (o *recordingObserver) ObserveViolation(op string) {
	o.mu.Lock()
	o.violations = append(o.violations, op)
	o.mu.Unlock()
}

func (o *recordingObserver) ObserveHctx(_ uint32, up bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if up {
		o.hctxUp++
	} else {
		o.hctxDown++
	}
}

func TestDiskObserverSeesLifecycle(t *testing.T) {
	drv := NewMockDriver(CompleteInline)
	ts, _ := newMockTagSet(t, drv, TagSetConfig{NrHwQueues: 3, QueueDepth: 2, NrCPUs: 1})
	obs := &recordingObserver{}
	disk, err := NewDisk(ts, &MockQueue{}, DefaultParams(), &Options{Logger: logging.Nop(), Observer: obs})
	require.NoError(t, err)

	closeAll(t, disk, ts)
	assert.Equal(t, 3, obs.hctxUp)
	assert.Equal(t, 3, obs.hctxDown)
	assert.Empty(t, obs.violations)
	assert.Equal(t, uint64(3), disk.MetricsSnapshot().HctxExits)
}

func TestNewDiskRejectsBadBlockSize(t *testing.T) {
	ts, _ := newMockTagSet(t, NewMockDriver(CompleteInline), TagSetConfig{NrHwQueues: 1, QueueDepth: 1, NrCPUs: 1})
	params := DefaultParams()
	params.LogicalBlockSize = 1000

	_, err := NewDisk(ts, &MockQueue{}, params, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidParameters))
	require.NoError(t, ts.Close())
}

func TestCloseRacingSubmitsEndsEveryAcceptedRequest(t *testing.T) {
	for iter := 0; iter < 40; iter++ {
		drv := NewMockDriver(CompleteAsync)
		disk, ts, _ := newMockDisk(t, drv, TagSetConfig{NrHwQueues: 2, QueueDepth: 4, NrCPUs: 2}, DefaultParams())

		var accepted, done atomic.Int64
		var wg sync.WaitGroup
		buf := make([]byte, SectorSize)
		for w := 0; w < 8; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					err := disk.SubmitAsync(context.Background(), IO{Op: OpWrite, Data: buf, CPU: AnyCPU}, func(error) {
						done.Add(1)
					})
					if err != nil {
						assert.ErrorIs(t, err, ErrClosed)
						return
					}
					accepted.Add(1)
				}
			}()
		}

		time.Sleep(time.Duration(iter%4) * 100 * time.Microsecond)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		require.NoError(t, disk.Close(ctx), "iteration %d", iter)
		cancel()

		joined := make(chan struct{})
		go func() {
			wg.Wait()
			close(joined)
		}()
		select {
		case <-joined:
		case <-time.After(5 * time.Second):
			t.Fatalf("iteration %d: submitter stuck after Close", iter)
		}

		assert.Equal(t, accepted.Load(), done.Load(), "iteration %d", iter)
		assert.Equal(t, 0, disk.Inflight())
		require.NoError(t, ts.Close())
		assert.Equal(t, uint64(0), ts.Violations())
	}
}

// gatedDriver holds its first QueueRQ call until gate is closed.
type gatedDriver struct {
	*MockDriver
	once    sync.Once
	entered chan struct{}
	gate    chan struct{}
}

func (d *gatedDriver) QueueRQ(hd *MockHw, qd *MockQueue, rq *Request[MockCmd], isLast bool) error {
	d.once.Do(func() {
		close(d.entered)
		<-d.gate
	})
	return d.MockDriver.QueueRQ(hd, qd, rq, isLast)
}

func TestContextCancelStopsAdmissionAndCloseSucceeds(t *testing.T) {
	drv := &gatedDriver{MockDriver: NewMockDriver(CompleteInline), entered: make(chan struct{}), gate: make(chan struct{})}
	ts, _ := newMockTagSet(t, drv, TagSetConfig{NrHwQueues: 1, QueueDepth: 4, NrCPUs: 1})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	disk, err := NewDisk(ts, &MockQueue{}, DefaultParams(), &Options{Context: ctx, Logger: logging.Nop()})
	require.NoError(t, err)

	endA, endB := make(chan error, 2), make(chan error, 2)
	buf := make([]byte, SectorSize)
	require.NoError(t, disk.SubmitAsync(context.Background(), IO{Op: OpWrite, Data: buf}, func(err error) { endA <- err }))
	select {
	case <-drv.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("first request never reached the driver")
	}
	// the runner is inside QueueRQ, so this one stays staged
	require.NoError(t, disk.SubmitAsync(context.Background(), IO{Op: OpWrite, Data: buf}, func(err error) { endB <- err }))

	cancel()
	require.Eventually(t, func() bool { return !disk.IsRunning() }, 5*time.Second, time.Millisecond)
	assert.Equal(t, DiskStateStopping, disk.State())
	assert.ErrorIs(t, disk.SubmitAsync(context.Background(), IO{Op: OpWrite, Data: buf}, nil), ErrClosed)
	close(drv.gate)

	closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer closeCancel()
	require.NoError(t, disk.Close(closeCtx))
	assert.Equal(t, DiskStateStopped, disk.State())

	assert.NoError(t, <-endA)
	errB := <-endB
	assert.True(t, IsStatus(errB, StatusOffline), "got %v", errB)
	assert.Empty(t, endA)
	assert.Empty(t, endB)

	_, exits := drv.HctxCounts(0)
	assert.Equal(t, 1, exits)
	require.NoError(t, ts.Close())
	assert.Equal(t, uint64(0), ts.Violations())
}

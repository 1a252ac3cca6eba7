package prometheus

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	blkmq "github.com/ehrlich-b/go-blkmq"
	"github.com/ehrlich-b/go-blkmq/driver/memdisk"
	"github.com/ehrlich-b/go-blkmq/internal/logging"
)

func TestObserverRecords(t *testing.T) {
	reg := prometheus.NewRegistry()
	o := NewObserver(reg, "test0")

	o.ObserveSubmit(1, blkmq.StatusOK)
	o.ObserveSubmit(1, blkmq.StatusOK)
	o.ObserveSubmit(1, blkmq.StatusResource)
	assert.Equal(t, 2.0, testutil.ToFloat64(o.Submits.WithLabelValues("1", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(o.Submits.WithLabelValues("1", blkmq.StatusResource.String())))

	o.ObserveComplete(blkmq.OpRead, 4096, 50_000, blkmq.StatusOK)
	o.ObserveComplete(blkmq.OpRead, 4096, 50_000, blkmq.StatusIOErr)
	assert.Equal(t, 1.0, testutil.ToFloat64(o.Completions.WithLabelValues("read", "ok")))
	assert.Equal(t, 4096.0, testutil.ToFloat64(o.Bytes.WithLabelValues("read")), "failed requests move no bytes")

	o.ObserveCommit(0)
	o.ObservePoll(2, true)
	o.ObservePoll(2, false)
	o.ObservePoll(2, false)
	o.ObserveRequeue(0, 3)
	o.ObserveQueueDepth(0, 7)
	assert.Equal(t, 1.0, testutil.ToFloat64(o.Commits.WithLabelValues("0")))
	assert.Equal(t, 2.0, testutil.ToFloat64(o.Polls.WithLabelValues("2", "false")))
	assert.Equal(t, 3.0, testutil.ToFloat64(o.Requeues.WithLabelValues("0")))
	assert.Equal(t, 7.0, testutil.ToFloat64(o.QueueDepth.WithLabelValues("0")))

	o.ObserveHctx(0, true)
	assert.Equal(t, 1.0, testutil.ToFloat64(o.HctxUp.WithLabelValues("0")))
	o.ObserveHctx(0, false)
	assert.Equal(t, 0.0, testutil.ToFloat64(o.HctxUp.WithLabelValues("0")))

	o.ObservePayload(true)
	o.ObservePayload(true)
	o.ObservePayload(false)
	assert.Equal(t, 1.0, testutil.ToFloat64(o.Payloads))

	o.ObserveViolation("queue_rq")
	assert.Equal(t, 1.0, testutil.ToFloat64(o.Violations.WithLabelValues("queue_rq")))
}

func TestObserverSharedRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	a := NewObserver(reg, "a")
	b := NewObserver(reg, "b")

	a.ObserveCommit(0)
	b.ObserveCommit(0)
	b.ObserveCommit(0)
	assert.Equal(t, 1.0, testutil.ToFloat64(a.Commits))
	assert.Equal(t, 2.0, testutil.ToFloat64(b.Commits))

	assert.Panics(t, func() { NewObserver(reg, "a") }, "a disk label registers once")
}

func TestObserverOnDisk(t *testing.T) {
	reg := prometheus.NewRegistry()
	obs := NewObserver(reg, "mem0")

	store := memdisk.NewStore(nil, 1<<20)
	ts, err := blkmq.NewTagSet[memdisk.Cmd, *memdisk.Queue, *memdisk.Hw, *memdisk.Store](
		memdisk.New(memdisk.Config{Logger: logging.Nop()}), store,
		blkmq.TagSetConfig{NrHwQueues: 2, QueueDepth: 8, NrCPUs: 2, Logger: logging.Nop(), Observer: obs})
	require.NoError(t, err)
	assert.Equal(t, 16.0, testutil.ToFloat64(obs.Payloads))

	disk, err := blkmq.NewDisk(ts, &memdisk.Queue{}, blkmq.DefaultParams(), &blkmq.Options{Logger: logging.Nop(), Observer: obs})
	require.NoError(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(obs.HctxUp.WithLabelValues("1")))

	ctx := context.Background()
	data := bytes.Repeat([]byte{7}, 4096)
	require.NoError(t, disk.Submit(ctx, blkmq.IO{Op: blkmq.OpWrite, Data: data, CPU: 1}))
	require.NoError(t, disk.Submit(ctx, blkmq.IO{Op: blkmq.OpRead, Data: make([]byte, 4096), CPU: 1}))

	assert.Equal(t, 1.0, testutil.ToFloat64(obs.Completions.WithLabelValues("write", "ok")))
	assert.Equal(t, 4096.0, testutil.ToFloat64(obs.Bytes.WithLabelValues("read")))
	assert.Equal(t, 2.0, testutil.ToFloat64(obs.Submits.WithLabelValues("1", "ok")))

	closeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, disk.Close(closeCtx))
	assert.Equal(t, 0.0, testutil.ToFloat64(obs.HctxUp.WithLabelValues("1")))

	require.NoError(t, ts.Close())
	assert.Equal(t, 0.0, testutil.ToFloat64(obs.Payloads))
}

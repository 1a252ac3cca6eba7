package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"syscall"
	"time"

	units "github.com/docker/go-units"
	"github.com/olekukonko/tablewriter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	blkmq "github.com/ehrlich-b/go-blkmq"
	"github.com/ehrlich-b/go-blkmq/internal/loadgen"
	"github.com/ehrlich-b/go-blkmq/internal/logging"
	blkprom "github.com/ehrlich-b/go-blkmq/metrics/prometheus"
)

const closeTimeout = 10 * time.Second

// bench brings up a tag set and a disk on ops, runs the configured load and
// reports. The tag set takes td and the disk takes qd.
func bench[RD, QD, HD, TD any](out io.Writer, cfg *benchConfig, name string, ops blkmq.Operations[RD, QD, HD, TD], td TD, qd QD) error {
	log := cfg.Logger.WithDisk(name)

	reg := prometheus.NewRegistry()
	obs := blkprom.NewObserver(reg, name)
	stop := serveMetrics(cfg.MetricsAddr, reg, log)
	defer stop()

	tsCfg := cfg.tagSetConfig()
	tsCfg.Observer = obs
	ts, err := blkmq.NewTagSet(ops, td, tsCfg)
	if err != nil {
		return fmt.Errorf("create tag set: %w", err)
	}
	defer func() {
		if err := ts.Close(); err != nil {
			log.Error("tag set close failed", "error", err)
		}
	}()

	disk, err := blkmq.NewDisk(ts, qd, cfg.diskParams(name), &blkmq.Options{Logger: log, Observer: obs})
	if err != nil {
		return fmt.Errorf("create disk: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	log.Info("load starting", "workers", cfg.Load.Workers, "block_size", units.BytesSize(float64(cfg.Load.BlockSize)),
		"pattern", cfg.Load.Pattern.String(), "duration", cfg.Load.Duration, "ops", cfg.Load.Ops)
	res, runErr := loadgen.Run(ctx, disk, cfg.Load)

	closeCtx, closeCancel := context.WithTimeout(context.Background(), closeTimeout)
	defer closeCancel()
	if err := disk.Close(closeCtx); err != nil {
		return fmt.Errorf("close disk: %w", err)
	}
	if runErr != nil {
		return runErr
	}

	printReport(out, name, disk.Info(), res, disk.MetricsSnapshot())
	if st, ok := any(td).(storeStats); ok {
		printStoreStats(out, st.Stats())
	}
	if res.FirstErr != nil {
		log.Warn("requests failed", "count", res.Errors, "first", res.FirstErr)
	}
	return nil
}

// serveMetrics exposes reg on addr until the returned func is called. An
// empty addr serves nothing.
func serveMetrics(addr string, reg *prometheus.Registry, log *logging.Logger) func() {
	if addr == "" {
		return func() {}
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server failed", "addr", addr, "error", err)
		}
	}()
	log.Info("serving metrics", "addr", addr)

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}
}

func newTable(w io.Writer, headers ...string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetHeader(headers)
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(true)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetTablePadding("  ")
	table.SetNoWhiteSpace(true)
	return table
}

// storeStats is implemented by tag set states whose backing store reports
// its own statistics.
type storeStats interface {
	Stats() map[string]interface{}
}

func printStoreStats(w io.Writer, stats map[string]interface{}) {
	if len(stats) == 0 {
		return
	}
	keys := make([]string, 0, len(stats))
	for k := range stats {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	fmt.Fprintln(w)
	table := newTable(w, "Store", "Value")
	for _, k := range keys {
		table.Append([]string{k, fmt.Sprint(stats[k])})
	}
	table.Render()
}

func nanos(ns uint64) string {
	return time.Duration(ns).String()
}

func count(n uint64) string {
	return strconv.FormatUint(n, 10)
}

func printReport(w io.Writer, name string, info blkmq.DiskInfo, res loadgen.Result, snap blkmq.MetricsSnapshot) {
	fmt.Fprintf(w, "%s: %d hw queues (%d poll), depth %d\n\n", name, info.NrHwQueues, info.NrPollQueues, info.QueueDepth)

	table := newTable(w, "Metric", "Value")
	table.Append([]string{"elapsed", res.Elapsed.Round(time.Millisecond).String()})
	table.Append([]string{"requests", count(res.Ops)})
	table.Append([]string{"reads / writes", count(res.Reads) + " / " + count(res.Writes)})
	table.Append([]string{"failed", count(res.Errors)})
	table.Append([]string{"iops", strconv.FormatFloat(res.IOPS(), 'f', 0, 64)})
	table.Append([]string{"throughput", units.BytesSize(res.Throughput()) + "/s"})
	table.Append([]string{"latency avg", nanos(snap.AvgLatencyNs)})
	table.Append([]string{"latency p50", nanos(snap.LatencyP50Ns)})
	table.Append([]string{"latency p99", nanos(snap.LatencyP99Ns)})
	table.Append([]string{"latency p99.9", nanos(snap.LatencyP999Ns)})
	table.Append([]string{"avg batch", strconv.FormatFloat(snap.AvgBatchSize, 'f', 1, 64)})
	table.Append([]string{"avg queue depth", strconv.FormatFloat(snap.AvgQueueDepth, 'f', 1, 64)})
	table.Append([]string{"busy / requeued", count(snap.SubmitBusy) + " / " + count(snap.Requeues)})
	table.Append([]string{"commits", count(snap.Commits)})
	table.Append([]string{"polls (hits)", count(snap.Polls) + " (" + count(snap.PollHits) + ")"})
	table.Append([]string{"violations", count(snap.Violations)})
	table.Render()
}

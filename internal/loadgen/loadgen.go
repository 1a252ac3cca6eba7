// Package loadgen drives a disk with concurrent synthetic I/O.
package loadgen

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	blkmq "github.com/ehrlich-b/go-blkmq"
	"github.com/ehrlich-b/go-blkmq/internal/logging"
	"github.com/ehrlich-b/go-blkmq/internal/queue"
)

// Pattern selects how workers pick offsets
type Pattern int

const (
	// Sequential strides each worker through the span in block order
	Sequential Pattern = iota
	// Random picks block-aligned offsets uniformly
	Random
)

func (p Pattern) String() string {
	if p == Random {
		return "random"
	}
	return "sequential"
}

// ParsePattern parses the String form of a Pattern
func ParsePattern(s string) (Pattern, error) {
	switch strings.ToLower(s) {
	case "seq", "sequential", "":
		return Sequential, nil
	case "rand", "random":
		return Random, nil
	}
	return 0, fmt.Errorf("unknown pattern %q (sequential, random)", s)
}

// Target is what the generator submits to. *blkmq.Disk implements it.
type Target interface {
	Submit(ctx context.Context, io blkmq.IO) error
}

// Config describes a run
type Config struct {
	Workers     int     // Concurrent submitters (default: 1)
	BlockSize   int     // Bytes per request, a multiple of the sector size (default: 4KB)
	ReadPercent int     // Share of reads, 0..100
	Pattern     Pattern // Offset selection
	Span        int64   // Bytes of the disk to cover; must hold at least one block
	Poll        bool    // Route requests to poll contexts

	// A run stops after Ops requests, after Duration, or when ctx is done,
	// whichever comes first. At least one of Ops and Duration must be set.
	Ops      uint64
	Duration time.Duration

	Seed   int64
	Logger *logging.Logger
}

// Result summarizes a run
type Result struct {
	Ops      uint64
	Reads    uint64
	Writes   uint64
	Errors   uint64
	Bytes    uint64
	Elapsed  time.Duration
	FirstErr error
}

// IOPS returns completed requests per second
func (r Result) IOPS() float64 {
	if r.Elapsed <= 0 {
		return 0
	}
	return float64(r.Ops) / r.Elapsed.Seconds()
}

// Throughput returns bytes per second
func (r Result) Throughput() float64 {
	if r.Elapsed <= 0 {
		return 0
	}
	return float64(r.Bytes) / r.Elapsed.Seconds()
}

func (c *Config) validate() error {
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.BlockSize == 0 {
		c.BlockSize = 4096
	}
	if c.Logger == nil {
		c.Logger = logging.Default()
	}
	switch {
	case c.BlockSize < 0 || c.BlockSize%blkmq.SectorSize != 0:
		return fmt.Errorf("block size %d is not a positive multiple of %d", c.BlockSize, blkmq.SectorSize)
	case c.ReadPercent < 0 || c.ReadPercent > 100:
		return fmt.Errorf("read percent %d out of range", c.ReadPercent)
	case c.Span < int64(c.BlockSize):
		return fmt.Errorf("span %d smaller than one block of %d", c.Span, c.BlockSize)
	case c.Ops == 0 && c.Duration <= 0:
		return errors.New("run needs an op count or a duration")
	}
	return nil
}

type stats struct {
	ops, reads, writes, errors, bytes atomic.Uint64

	errOnce  sync.Once
	firstErr error
}

// Run drives target with cfg until the run ends and reports what completed.
// Request failures are counted, not returned; the returned error is for an
// invalid configuration only.
func Run(ctx context.Context, target Target, cfg Config) (Result, error) {
	if err := cfg.validate(); err != nil {
		return Result{}, err
	}
	if cfg.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Duration)
		defer cancel()
	}

	var (
		st      stats
		claimed atomic.Uint64
		wg      sync.WaitGroup
	)
	blocks := cfg.Span / int64(cfg.BlockSize)

	cfg.Logger.Debug("load run starting", "workers", cfg.Workers, "block_size", cfg.BlockSize,
		"pattern", cfg.Pattern.String(), "read_percent", cfg.ReadPercent, "blocks", blocks)

	start := time.Now()
	for w := 0; w < cfg.Workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			worker(ctx, target, &cfg, w, blocks, &claimed, &st)
		}(w)
	}
	wg.Wait()

	res := Result{
		Ops:      st.ops.Load(),
		Reads:    st.reads.Load(),
		Writes:   st.writes.Load(),
		Errors:   st.errors.Load(),
		Bytes:    st.bytes.Load(),
		Elapsed:  time.Since(start),
		FirstErr: st.firstErr,
	}
	cfg.Logger.Debug("load run finished", "ops", res.Ops, "errors", res.Errors, "elapsed", res.Elapsed)
	return res, nil
}

func worker(ctx context.Context, target Target, cfg *Config, w int, blocks int64, claimed *atomic.Uint64, st *stats) {
	rng := rand.New(rand.NewSource(cfg.Seed + int64(w)))
	buf := queue.GetBuffer(uint32(cfg.BlockSize))
	defer queue.PutBuffer(buf)
	for i := range buf {
		buf[i] = byte(w + i)
	}

	next := int64(w) % blocks
	for ctx.Err() == nil {
		if cfg.Ops > 0 && claimed.Add(1) > cfg.Ops {
			return
		}

		block := next
		if cfg.Pattern == Random {
			block = rng.Int63n(blocks)
		} else {
			next = (next + int64(cfg.Workers)) % blocks
		}

		op := blkmq.OpWrite
		if rng.Intn(100) < cfg.ReadPercent {
			op = blkmq.OpRead
		}

		io := blkmq.IO{
			Op:     op,
			Sector: uint64(block*int64(cfg.BlockSize)) / blkmq.SectorSize,
			Data:   buf,
			Poll:   cfg.Poll,
			CPU:    w,
		}
		if err := target.Submit(ctx, io); err != nil {
			if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
				return
			}
			st.errors.Add(1)
			st.errOnce.Do(func() { st.firstErr = err })
			continue
		}

		st.ops.Add(1)
		st.bytes.Add(uint64(len(buf)))
		if op == blkmq.OpRead {
			st.reads.Add(1)
		} else {
			st.writes.Add(1)
		}
	}
}

package commands

import (
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	units "github.com/docker/go-units"
	"github.com/spf13/cobra"

	blkmq "github.com/ehrlich-b/go-blkmq"
	"github.com/ehrlich-b/go-blkmq/internal/loadgen"
	"github.com/ehrlich-b/go-blkmq/internal/logging"
)

// benchConfig is the resolved configuration of one run
type benchConfig struct {
	Size         int64
	NrHwQueues   uint32
	NrPollQueues uint32
	QueueDepth   int
	MaxBatch     int
	Pin          bool
	MetricsAddr  string

	Load   loadgen.Config
	Logger *logging.Logger
}

// addCommonFlags registers the flags shared by every benchmark. Viper keys
// are the flag names.
func addCommonFlags(cmd *cobra.Command) {
	f := cmd.PersistentFlags()
	f.String("size", "256MiB", "disk capacity")
	f.Uint32("queues", 4, "hardware contexts")
	f.Uint32("poll-queues", 0, "how many of the hardware contexts are poll-type")
	f.Int("depth", blkmq.DefaultQueueDepth, "request slots per hardware context")
	f.Int("batch", blkmq.DefaultMaxBatch, "requests per runner batch")
	f.Bool("pin", false, "pin runners to CPUs")

	f.Int("workers", runtime.NumCPU(), "concurrent submitters")
	f.String("block-size", "4KiB", "bytes per request")
	f.Int("read-percent", 70, "share of reads, 0..100")
	f.String("pattern", "random", "offset pattern: sequential or random")
	f.Duration("duration", 5*time.Second, "run time (0 with --ops runs until the count)")
	f.Uint64("ops", 0, "stop after this many requests (0: duration only)")
	f.Int64("seed", 1, "random seed")
	f.Bool("poll", false, "route requests to poll contexts")

	f.String("log-level", "info", "debug, info, warn or error")
	f.String("metrics-addr", "", "serve Prometheus metrics on this address during the run")

	v.BindPFlags(f)
}

func readConfig() error {
	v.SetEnvPrefix("BLKMQ")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if cfgFile == "" {
		return nil
	}
	v.SetConfigFile(cfgFile)
	if err := v.ReadInConfig(); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("config file not found: %s", cfgFile)
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
	return nil
}

// loadConfig resolves flags, config file and environment into a benchConfig.
func loadConfig() (*benchConfig, error) {
	size, err := units.RAMInBytes(v.GetString("size"))
	if err != nil {
		return nil, fmt.Errorf("invalid size: %w", err)
	}
	blockSize, err := units.RAMInBytes(v.GetString("block-size"))
	if err != nil {
		return nil, fmt.Errorf("invalid block size: %w", err)
	}
	pattern, err := loadgen.ParsePattern(v.GetString("pattern"))
	if err != nil {
		return nil, err
	}

	logCfg := logging.DefaultConfig()
	logCfg.Level = logging.ParseLevel(v.GetString("log-level"))
	logger := logging.NewLogger(logCfg)
	logging.SetDefault(logger)

	cfg := &benchConfig{
		Size:         size,
		NrHwQueues:   v.GetUint32("queues"),
		NrPollQueues: v.GetUint32("poll-queues"),
		QueueDepth:   v.GetInt("depth"),
		MaxBatch:     v.GetInt("batch"),
		Pin:          v.GetBool("pin"),
		MetricsAddr:  v.GetString("metrics-addr"),
		Logger:       logger,
		Load: loadgen.Config{
			Workers:     v.GetInt("workers"),
			BlockSize:   int(blockSize),
			ReadPercent: v.GetInt("read-percent"),
			Pattern:     pattern,
			Span:        size,
			Poll:        v.GetBool("poll"),
			Ops:         v.GetUint64("ops"),
			Duration:    v.GetDuration("duration"),
			Seed:        v.GetInt64("seed"),
			Logger:      logger,
		},
	}
	if cfg.Load.Ops > 0 && !v.IsSet("duration") {
		cfg.Load.Duration = 0
	}
	return cfg, nil
}

func (c *benchConfig) tagSetConfig() blkmq.TagSetConfig {
	return blkmq.TagSetConfig{
		NrHwQueues:   c.NrHwQueues,
		NrPollQueues: c.NrPollQueues,
		QueueDepth:   c.QueueDepth,
		NrCPUs:       runtime.NumCPU(),
		Logger:       c.Logger,
	}
}

func (c *benchConfig) diskParams(name string) blkmq.DiskParams {
	params := blkmq.DefaultParams()
	params.Name = name
	params.MaxBatch = c.MaxBatch
	if c.Pin {
		for cpu := 0; cpu < runtime.NumCPU(); cpu++ {
			params.CPUAffinity = append(params.CPUAffinity, cpu)
		}
	}
	return params
}

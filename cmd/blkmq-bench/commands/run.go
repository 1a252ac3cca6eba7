package commands

import (
	"github.com/spf13/cobra"

	blkmq "github.com/ehrlich-b/go-blkmq"
	"github.com/ehrlich-b/go-blkmq/driver/memdisk"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Benchmark the in-memory driver",
	Long: `Run a load against a RAM disk served by the memdisk driver.

Examples:
  # Four contexts completing from their own goroutines
  blkmq-bench run --mode async --queues 4

  # Two of four contexts polled, every request routed to them
  blkmq-bench run --mode poll --queues 4 --poll-queues 2 --poll`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		mode, err := memdisk.ParseMode(v.GetString("mode"))
		if err != nil {
			return err
		}

		dcfg := memdisk.Config{
			Mode:         mode,
			MaxInflight:  v.GetInt("max-inflight"),
			NrHwQueues:   cfg.NrHwQueues,
			NrPollQueues: cfg.NrPollQueues,
			Logger:       cfg.Logger,
		}
		var ops blkmq.Operations[memdisk.Cmd, *memdisk.Queue, *memdisk.Hw, *memdisk.Store]
		if mode == memdisk.ModePoll {
			ops = memdisk.NewPolled(dcfg)
		} else {
			ops = memdisk.New(dcfg)
		}

		return bench(cmd.OutOrStdout(), cfg, "memdisk-"+mode.String(), ops, memdisk.NewStore(nil, cfg.Size), &memdisk.Queue{})
	},
}

func init() {
	runCmd.Flags().String("mode", "inline", "completion mode: inline, async or poll")
	runCmd.Flags().Int("max-inflight", 0, "per-context admission limit (0: none)")
	v.BindPFlags(runCmd.Flags())
}

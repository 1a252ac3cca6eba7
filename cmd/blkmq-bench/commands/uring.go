//go:build unix

package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ehrlich-b/go-blkmq/backend"
	"github.com/ehrlich-b/go-blkmq/driver/uringdisk"
)

var uringCmd = &cobra.Command{
	Use:   "uring <file>",
	Short: "Benchmark the io_uring driver against a file",
	Long: `Run a load against a file served by the uringdisk driver. The file is
created if needed and sized to --size; --size 0 keeps the size of an
existing file.

Examples:
  blkmq-bench uring /var/tmp/disk.img --size 1GiB --queues 2
  blkmq-bench uring /var/tmp/disk.img --size 0 --ring kernel --poll-queues 1 --poll`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ring, err := parseRing(v.GetString("ring"))
		if err != nil {
			return err
		}

		f, err := backend.OpenFile(args[0], cfg.Size)
		if err != nil {
			return err
		}
		cfg.Load.Span = f.Size()

		drv := uringdisk.New(uringdisk.Config{
			Ring:         ring,
			RingEntries:  v.GetUint32("ring-entries"),
			NrHwQueues:   cfg.NrHwQueues,
			NrPollQueues: cfg.NrPollQueues,
			QueueDepth:   cfg.QueueDepth,
			Logger:       cfg.Logger,
		})
		return bench[uringdisk.Cmd, *uringdisk.Queue, *uringdisk.Hw, *uringdisk.Target](cmd.OutOrStdout(), cfg, "uringdisk", drv, uringdisk.NewTarget(f), &uringdisk.Queue{})
	},
}

func parseRing(s string) (uringdisk.RingKind, error) {
	switch strings.ToLower(s) {
	case "auto", "":
		return uringdisk.RingAuto, nil
	case "kernel":
		return uringdisk.RingKernel, nil
	case "sync":
		return uringdisk.RingSync, nil
	}
	return 0, fmt.Errorf("unknown ring %q (auto, kernel, sync)", s)
}

func init() {
	uringCmd.Flags().String("ring", "auto", "ring implementation: auto, kernel or sync")
	uringCmd.Flags().Uint32("ring-entries", 0, "submission queue entries per context (0: queue depth)")
	v.BindPFlags(uringCmd.Flags())
	rootCmd.AddCommand(uringCmd)
}

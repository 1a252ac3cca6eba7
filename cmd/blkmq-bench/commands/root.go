// Package commands implements the blkmq-bench command line.
package commands

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	// Version information injected at build time.
	Version = "dev"
	Commit  = "none"

	cfgFile string
	v       = viper.New()
)

var rootCmd = &cobra.Command{
	Use:   "blkmq-bench",
	Short: "Drive the blkmq dispatch layer with synthetic load",
	Long: `blkmq-bench builds a tag set and a disk on one of the bundled drivers,
runs a concurrent load against it and prints what the dispatch layer saw.

Every flag can also be set in a YAML config file (--config) or through an
environment variable: BLKMQ_<FLAG> with dashes as underscores, for example
BLKMQ_BLOCK_SIZE=16KiB.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return readConfig()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "blkmq-bench %s (%s)\n", Version, Commit)
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "YAML config file")
	addCommonFlags(rootCmd)

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.CompletionOptions.DisableDefaultCmd = true
}

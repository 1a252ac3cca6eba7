package main

import (
	"fmt"
	"os"

	"github.com/ehrlich-b/go-blkmq/cmd/blkmq-bench/commands"
)

// Build-time variables injected via ldflags
var (
	version = "dev"
	commit  = "none"
)

func main() {
	commands.Version = version
	commands.Commit = commit

	if err := commands.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

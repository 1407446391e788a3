// Command fabcomm drives rank-to-rank tagged transfers through the direct and
// buffered communicators, either as in-process ranks or as one rank of a
// gossip-bootstrapped job.
package main

import (
	"errors"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/rocketbitz/fabcomm/cmd/fabcomm/commands"
	"github.com/rocketbitz/fabcomm/comm"
)

var (
	// Version is set at build time
	Version = "dev"
	// Commit is set at build time
	Commit = "none"
)

func main() {
	rootCmd := commands.NewRootCmd(fmt.Sprintf("%s (commit: %s)", Version, Commit))
	if err := rootCmd.Execute(); err != nil {
		if errors.Is(err, comm.ErrBootstrap) {
			zap.L().Fatal("bootstrap failed", zap.Error(err))
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

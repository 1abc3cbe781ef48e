// Command gocsp runs a Cubesat Space Protocol node: it loads a YAML
// configuration, brings up the configured interfaces, and serves the
// router loop until interrupted.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/automaxprocs/maxprocs"
	"go.uber.org/zap"
)

func main() {
	log, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintln(os.Stderr, "gocsp: building logger:", err)
		os.Exit(1)
	}
	defer log.Sync() //nolint:errcheck

	undo, err := maxprocs.Set(maxprocs.Logger(log.Sugar().Infof))
	defer undo()
	if err != nil {
		log.Warn("failed to set GOMAXPROCS", zap.Error(err))
	}

	root := newRootCmd(log)
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(log *zap.Logger) *cobra.Command {
	root := &cobra.Command{
		Use:   "gocsp",
		Short: "Run and inspect Cubesat Space Protocol nodes",
		Long: `gocsp is a userspace implementation of the Cubesat Space Protocol.

Use 'gocsp run' to bring up a node from a YAML configuration file and
serve it until interrupted, or 'gocsp route' to validate a configuration's
routing table without starting anything.`,
		SilenceUsage: true,
	}
	root.AddCommand(newRunCmd(log))
	root.AddCommand(newRouteCmd())
	root.AddCommand(newIdentCmd())
	return root
}

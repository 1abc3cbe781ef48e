package main

import (
	"fmt"
	"runtime"
	"runtime/debug"

	"github.com/spf13/cobra"
)

func newIdentCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ident",
		Short: "Print the build identity gocsp reports over the IDENT service port",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println(identString())
			return nil
		},
	}
}

// identString is the build identity this binary reports locally; a running
// node's IDENT service port (service.PortCSPIdent) reports its own variant
// of the same information to remote callers.
func identString() string {
	version := "(unknown)"
	if bi, ok := debug.ReadBuildInfo(); ok && bi.Main.Version != "" {
		version = bi.Main.Version
	}
	return fmt.Sprintf("gocsp %s (%s)", version, runtime.Version())
}

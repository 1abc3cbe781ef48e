package main

import (
	"fmt"
	"os"

	gocsp "github.com/gocsp/gocsp"
	"github.com/gocsp/gocsp/pkg/iface"
	"github.com/gocsp/gocsp/pkg/rtable"
	"github.com/gocsp/gocsp/pkg/wire"
	"github.com/spf13/cobra"
)

func newRouteCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "route",
		Short: "Validate a configuration's interfaces and routing table without starting a node",
		RunE: func(cmd *cobra.Command, args []string) error {
			return printRoutes(configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to the node's YAML configuration (required)")
	cmd.MarkFlagRequired("config") //nolint:errcheck

	return cmd
}

func printRoutes(configPath string) error {
	f, err := os.Open(configPath)
	if err != nil {
		return fmt.Errorf("gocsp: open config: %w", err)
	}
	defer f.Close()

	cfg, err := gocsp.LoadConfig(f)
	if err != nil {
		return fmt.Errorf("gocsp: load config: %w", err)
	}

	ifaces := iface.NewList()
	for _, ic := range cfg.Interfaces {
		stub := &iface.Interface{Name: ic.Name, Address: ic.Address}
		if err := ifaces.Register(stub); err != nil {
			return fmt.Errorf("gocsp: register %q: %w", ic.Name, err)
		}
		fmt.Printf("%-10s address=%d netmask=%d peer=%s\n", ic.Name, ic.Address, ic.Netmask, ic.Peer)
	}

	if cfg.RouteTable != "" {
		lookup := func(name string) *iface.Interface { return ifaces.GetByName(name) }
		rt := rtable.New(cfg.RouteMax, wire.HostBits(cfg.WireVersion))
		n, err := rt.Load(cfg.RouteTable, lookup)
		if err != nil {
			return fmt.Errorf("gocsp: route table: %w", err)
		}
		fmt.Printf("loaded %d route entries\n", n)
		fmt.Print(rt.Save())
	}
	return nil
}

package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	gocsp "github.com/gocsp/gocsp"
	"github.com/gocsp/gocsp/pkg/iface"
	"github.com/gocsp/gocsp/pkg/iface/udpif"
	"github.com/gocsp/gocsp/pkg/rtable"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func newRunCmd(log *zap.Logger) *cobra.Command {
	var configPath string
	var adminAddr string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Bring up a node from a configuration file and serve it",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNode(cmd.Context(), log, configPath, adminAddr)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to the node's YAML configuration (required)")
	cmd.Flags().StringVar(&adminAddr, "admin", ":2112", "address to serve Prometheus metrics on; empty disables it")
	cmd.MarkFlagRequired("config") //nolint:errcheck

	return cmd
}

func runNode(ctx context.Context, log *zap.Logger, configPath, adminAddr string) error {
	f, err := os.Open(configPath)
	if err != nil {
		return fmt.Errorf("gocsp: open config: %w", err)
	}
	defer f.Close()

	cfg, err := gocsp.LoadConfig(f)
	if err != nil {
		return fmt.Errorf("gocsp: load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, cancel, err := gocsp.New(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("gocsp: build stack: %w", err)
	}
	defer cancel()

	drivers, err := bringUpInterfaces(s, cfg)
	if err != nil {
		return err
	}

	if cfg.RouteTable != "" {
		lookup := func(name string) *iface.Interface { return s.Ifaces.GetByName(name) }
		if _, err := s.Routes.Load(cfg.RouteTable, lookup); err != nil {
			return fmt.Errorf("gocsp: load route table: %w", err)
		}
	}

	if adminAddr != "" {
		go serveMetrics(log, adminAddr, s)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, d := range drivers {
		g.Go(func() error { return d.RunRx(gctx) })
	}
	g.Go(func() error { return s.Run(gctx) })

	log.Info("gocsp node started", zap.Uint16("address", cfg.Address), zap.Int("interfaces", len(drivers)))
	err = g.Wait()
	if gctx.Err() != nil {
		return nil
	}
	return err
}

func bringUpInterfaces(s *gocsp.Stack, cfg gocsp.Config) ([]*udpif.Driver, error) {
	drivers := make([]*udpif.Driver, 0, len(cfg.Interfaces))
	for _, ic := range cfg.Interfaces {
		laddr, err := net.ResolveUDPAddr("udp", ic.Listen)
		if err != nil {
			return nil, fmt.Errorf("gocsp: resolve listen address for %q: %w", ic.Name, err)
		}
		raddr, err := net.ResolveUDPAddr("udp", ic.Peer)
		if err != nil {
			return nil, fmt.Errorf("gocsp: resolve peer address for %q: %w", ic.Name, err)
		}
		conn, err := net.ListenUDP("udp", laddr)
		if err != nil {
			return nil, fmt.Errorf("gocsp: listen for %q: %w", ic.Name, err)
		}
		d, err := udpif.New(conn, raddr, ic.Name, ic.Address, s.Pool, s.Input)
		if err != nil {
			return nil, fmt.Errorf("gocsp: build interface %q: %w", ic.Name, err)
		}
		if err := s.Ifaces.Register(d.Interface()); err != nil {
			return nil, fmt.Errorf("gocsp: register interface %q: %w", ic.Name, err)
		}
		via := ic.Via
		if via == 0 {
			via = rtable.NoVia
		}
		if err := s.Routes.Set(ic.Address, ic.Netmask, d.Interface(), via); err != nil {
			return nil, fmt.Errorf("gocsp: route for %q: %w", ic.Name, err)
		}
		drivers = append(drivers, d)
	}
	return drivers, nil
}

func serveMetrics(log *zap.Logger, addr string, s *gocsp.Stack) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.Metrics(), promhttp.HandlerOpts{}))
	if err := http.ListenAndServe(addr, mux); err != nil { //nolint:gosec
		log.Warn("metrics server stopped", zap.Error(err))
	}
}

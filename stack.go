// Package gocsp assembles the per-node Cubesat Space Protocol stack: the
// routing table, connection table, interface registry, input FIFO, wire
// codec and router loop, wired together the way caddy.Context wires a
// module's lifetime to its config and metrics registry.
package gocsp

import (
	"context"
	"fmt"

	"github.com/gocsp/gocsp/pkg/bridge"
	"github.com/gocsp/gocsp/pkg/conn"
	"github.com/gocsp/gocsp/pkg/dedup"
	"github.com/gocsp/gocsp/pkg/fifo"
	"github.com/gocsp/gocsp/pkg/iface"
	"github.com/gocsp/gocsp/pkg/iface/loopif"
	"github.com/gocsp/gocsp/pkg/integrity"
	"github.com/gocsp/gocsp/pkg/pool"
	"github.com/gocsp/gocsp/pkg/router"
	"github.com/gocsp/gocsp/pkg/rtable"
	"github.com/gocsp/gocsp/pkg/service"
	"github.com/gocsp/gocsp/pkg/socket"
	"github.com/gocsp/gocsp/pkg/wire"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Stack is one node's complete CSP runtime: every built-in package wired
// together around a shared pool and FIFO, plus the loopback interface and
// service-port handler every node carries regardless of deployment.
type Stack struct {
	context.Context

	ID     uuid.UUID
	Config Config
	Log    *zap.Logger

	Pool    *pool.Pool
	Routes  *rtable.Table
	Ifaces  *iface.List
	Conns   *conn.Table
	Input   *fifo.FIFO
	Codec   wire.Codec
	Keys    *integrity.KeyStore
	Dedup   *dedup.Guard
	Router  *router.Router
	Sockets *socket.API
	Service *service.Handler

	Bridge *bridge.Bridge

	loop *iface.Interface

	registry     *prometheus.Registry
	poolOccupied prometheus.GaugeFunc

	cleanupFuncs []func()
}

// New builds a Stack from cfg, registering the always-present loopback
// interface and its default route, and returns it along with a cancel
// func that runs every registered cleanup hook, following caddy.Context's
// NewContext/wrappedCancel pattern.
func New(ctx context.Context, cfg Config, log *zap.Logger) (*Stack, context.CancelFunc, error) {
	if log == nil {
		log = zap.NewNop()
	}

	c, cancel := context.WithCancel(ctx)

	s := &Stack{
		Context:  c,
		ID:       uuid.New(),
		Config:   cfg,
		Log:      log,
		Pool:     pool.New(cfg.PoolCount, log),
		Routes:   rtable.New(cfg.RouteMax, wire.HostBits(cfg.WireVersion)),
		Ifaces:   iface.NewList(),
		Input:    fifo.New(cfg.FIFOInput, log),
		Codec:    wire.New(cfg.WireVersion),
		Keys:     integrity.NewKeyStore(),
		Dedup:    dedup.New(cfg.DedupSize),
		registry: prometheus.NewRegistry(),
	}
	s.Conns = conn.NewTable(cfg.ConnMax, s.Pool)

	s.Router = router.New(s.Input, s.Dedup, s.Routes, s.Ifaces, s.Conns, s.Pool, s.Codec, s.Keys, log)
	s.Sockets = socket.New(s.Conns, s.Pool, s.Router, s.Keys, cfg.Address, log)

	if err := s.registerLoopback(); err != nil {
		cancel()
		return nil, nil, err
	}

	svcSocket := s.Sockets.Socket(conn.FlagConnLess)
	if err := s.Sockets.Bind(svcSocket, conn.AnyPort); err != nil {
		cancel()
		return nil, nil, NewError("stack: bind service socket", CodeInval, err)
	}
	s.Service = service.NewHandler(s.Pool, s.Router.Transmit, service.Hooks{}, log)
	s.runServiceDispatch(svcSocket)

	s.initMetrics()

	wrappedCancel := func() {
		cancel()
		for _, f := range s.cleanupFuncs {
			f()
		}
	}
	return s, wrappedCancel, nil
}

// OnCancel registers f to run when the stack's cancel func is invoked,
// mirroring caddy.Context.OnCancel.
func (s *Stack) OnCancel(f func()) {
	s.cleanupFuncs = append(s.cleanupFuncs, f)
}

// registerLoopback wires the always-present "loop" interface (spec §4.H)
// and installs it as the 0/0 default route, so any destination with no more
// specific entry is handed to the loopback interface, which re-enqueues it
// on the stack's input FIFO.
func (s *Stack) registerLoopback() error {
	s.loop = loopif.New(s.Config.Address, s.Input)
	if err := s.Ifaces.Register(s.loop); err != nil {
		return NewError("stack: register loopback", CodeInval, err)
	}
	if err := s.Routes.Set(0, 0, s.loop, 0); err != nil {
		return NewError("stack: default route", CodeInval, err)
	}
	return nil
}

// runServiceDispatch starts a goroutine draining sock's inbound channel
// into the built-in service handler. The socket is bound ANY, so this is
// the catch-all for every destination port nothing else claims; anything
// that isn't one of the well-known service ports is simply freed, the same
// way csp_service_handler's default case discards unrecognized requests.
func (s *Stack) runServiceDispatch(sock *conn.Socket) {
	go func() {
		for {
			select {
			case <-s.Context.Done():
				return
			case p, ok := <-sock.Recv():
				if !ok {
					return
				}
				if !service.IsServicePort(p.DestinationPort) {
					s.Pool.Free(p)
					continue
				}
				s.Service.Handle(s.Context, p)
			}
		}
	}()
}

// AttachBridge configures a split-horizon bridge between ifaceA and
// ifaceB, both of which must already be registered with s.Ifaces. Their
// drivers must enqueue onto the returned Bridge's own Input FIFO (in
// addition to s.Input for anything also addressed locally), since the
// bridge drains a queue separate from the router's.
func (s *Stack) AttachBridge(ifaceA, ifaceB *iface.Interface, capacity int) (*bridge.Bridge, error) {
	br, err := bridge.New(ifaceA, ifaceB, capacity, s.Pool, s.Codec, s.Log)
	if err != nil {
		return nil, fmt.Errorf("stack: attach bridge: %w", err)
	}
	br.LocalAddress = func(addr uint16) bool { return s.Ifaces.GetByAddr(addr) != nil }
	s.Bridge = br
	return br, nil
}

// Run drives the router loop until ctx is cancelled or it returns an
// error. If a bridge is attached, it runs alongside the router; once both
// have stopped, the router's error is returned if there is one, otherwise
// the bridge's.
func (s *Stack) Run(ctx context.Context) error {
	if s.Bridge == nil {
		return s.Router.Run(ctx)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- s.Bridge.Run(ctx) }()

	routerErr := s.Router.Run(ctx)
	bridgeErr := <-errCh
	if routerErr != nil {
		return routerErr
	}
	return bridgeErr
}

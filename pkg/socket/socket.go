// Package socket implements the service-delivery API of spec §4.I: the
// blocking socket/connect/accept/send/read surface user code calls,
// layered over pkg/conn's connection table and pkg/router's egress path.
package socket

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"time"

	"github.com/gocsp/gocsp/pkg/conn"
	"github.com/gocsp/gocsp/pkg/integrity"
	"github.com/gocsp/gocsp/pkg/packet"
	"github.com/gocsp/gocsp/pkg/pool"
	"github.com/gocsp/gocsp/pkg/router"
	"go.uber.org/zap"
)

// FirstEphemeralPort is the lowest port number Connect assigns
// automatically to outbound connections, leaving ports below it free for
// explicit Bind calls (services), mirroring common socket API convention.
const FirstEphemeralPort = 16

// API is the service-delivery surface bound to one node's stack.
type API struct {
	Conns     *conn.Table
	Pool      *pool.Pool
	Router    *router.Router
	Keys      *integrity.KeyStore
	RDPConfig conn.RDPConfig
	LocalAddr uint16
	Log       *zap.Logger
}

// New constructs a socket API bound to the given stack components.
func New(ct *conn.Table, p *pool.Pool, r *router.Router, keys *integrity.KeyStore, localAddr uint16, log *zap.Logger) *API {
	if log == nil {
		log = zap.NewNop()
	}
	return &API{
		Conns:     ct,
		Pool:      p,
		Router:    r,
		Keys:      keys,
		RDPConfig: conn.DefaultRDPConfig(),
		LocalAddr: localAddr,
		Log:       log,
	}
}

// Socket creates a new, unbound socket with the given requirement flags.
func (a *API) Socket(flags conn.SocketFlags) *conn.Socket {
	return a.Conns.NewSocket(flags)
}

// Bind binds s to a local port. Use conn.AnyPort to register the catch-all
// fallback socket.
func (a *API) Bind(s *conn.Socket, port uint8) error {
	return a.Conns.Bind(s, port)
}

// Listen marks a bound, RDP-flagged socket ready to accept incoming
// connections; backlog sizing is fixed at construction (pkg/conn's
// channel-buffered accept queue), so this only validates the socket is
// usable as a listener.
func (a *API) Listen(s *conn.Socket, backlog int) error {
	if s.Flags&conn.FlagRDPRequired == 0 {
		return fmt.Errorf("socket: listen: socket was not created with RDP required")
	}
	s.Backlog = backlog
	return nil
}

// Accept blocks until a handshake-completed connection is available on s's
// backlog, ctx is done, or the optional timeout elapses (timeout<=0 waits
// indefinitely, per spec §5's MAX_TIMEOUT convention).
func (a *API) Accept(ctx context.Context, s *conn.Socket, timeout time.Duration) (*conn.Connection, error) {
	waitCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	select {
	case c := <-s.Accept():
		return c, nil
	case <-waitCtx.Done():
		return nil, waitCtx.Err()
	}
}

func randomPort() (uint8, error) {
	// Ports are 6 bits on the wire in both identifier versions.
	n, err := rand.Int(rand.Reader, big.NewInt(64-FirstEphemeralPort))
	if err != nil {
		return 0, fmt.Errorf("socket: allocate ephemeral port: %w", err)
	}
	return uint8(FirstEphemeralPort + n.Int64()), nil
}

// Connect opens an outbound connection to (dst, dport). When opts includes
// FlagRDPRequired it performs the RDP three-way handshake and blocks until
// OPEN or timeout; otherwise it returns a connection-oriented plain
// connection immediately usable with Send/Read, with no peer handshake.
func (a *API) Connect(ctx context.Context, priority packet.Priority, dst uint16, dport uint8, opts conn.SocketFlags, timeout time.Duration) (*conn.Connection, error) {
	sport, err := randomPort()
	if err != nil {
		return nil, err
	}
	idOut := packet.Identifier{Priority: priority, Source: a.LocalAddr, Destination: dst, SourcePort: sport, DestinationPort: dport}
	idIn := packet.Identifier{Priority: priority, Source: dst, Destination: a.LocalAddr, SourcePort: dport, DestinationPort: sport}

	c, err := a.Conns.Allocate(idIn, idOut, conn.KindConnectionOriented, a.Router.Transmit)
	if err != nil {
		return nil, fmt.Errorf("socket: connect: %w", err)
	}

	if opts&conn.FlagRDPRequired == 0 {
		return c, nil
	}

	rdp := conn.NewRDP(c, a.RDPConfig, opts, a.Keys, a.Log)
	waitCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if err := rdp.Connect(waitCtx); err != nil {
		a.Conns.Close(c, 0)
		return nil, fmt.Errorf("socket: connect: %w", err)
	}
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		switch rdp.State() {
		case conn.RDPOpen:
			return c, nil
		case conn.RDPClosed, conn.RDPTimedOut:
			a.Conns.Close(c, 0)
			return nil, fmt.Errorf("socket: connect: handshake failed in state %s", rdp.State())
		}
		select {
		case <-ticker.C:
		case <-waitCtx.Done():
			a.Conns.Close(c, 0)
			return nil, waitCtx.Err()
		}
	}
}

// Send transmits data over c. RDP connections enqueue it for sliding-window
// delivery, applying the same socket-required integrity transforms that
// armed the connection's handshake; plain connection-oriented sends apply
// the requested transforms (in CRC32 -> HMAC -> XTEA order, per spec §4.L)
// and transmit a single packet directly.
func (a *API) Send(ctx context.Context, c *conn.Connection, data []byte, flags packet.Flags) error {
	if c.RDP != nil {
		return c.RDP.Send(ctx, data)
	}
	p, err := a.Pool.Get(ctx)
	if err != nil {
		return fmt.Errorf("socket: send: %w", err)
	}
	p.SetID(c.IDOut)
	p.SetData(data)

	if err := integrity.ApplyRequired(p, flags, a.Keys); err != nil {
		a.Pool.Free(p)
		return fmt.Errorf("socket: send: %w", err)
	}
	return c.Transmit(ctx, p)
}

// Read returns the next payload received on c, stripped of RDP framing
// (HandleIncoming already delivers bare payloads); for plain connections it
// blocks on the same per-priority queues.
func (a *API) Read(ctx context.Context, c *conn.Connection) (*packet.Packet, error) {
	return c.Read(ctx)
}

// Close tears down c; by identifies the closing party for diagnostics (0
// for "local user").
func (a *API) Close(c *conn.Connection, by byte) {
	a.Conns.Close(c, by)
}

// SendTo transmits a single connection-less datagram without allocating
// connection-table state, for sockets created without FlagRDPRequired.
func (a *API) SendTo(ctx context.Context, priority packet.Priority, dst uint16, dport, sport uint8, data []byte) error {
	p, err := a.Pool.Get(ctx)
	if err != nil {
		return fmt.Errorf("socket: sendto: %w", err)
	}
	p.SetID(packet.Identifier{Priority: priority, Source: a.LocalAddr, Destination: dst, SourcePort: sport, DestinationPort: dport})
	p.SetData(data)
	return a.Router.Transmit(ctx, p)
}

// RecvFrom blocks until a connection-less packet arrives on s, or ctx is
// done / timeout elapses.
func (a *API) RecvFrom(ctx context.Context, s *conn.Socket, timeout time.Duration) (*packet.Packet, error) {
	waitCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	select {
	case p := <-s.Recv():
		return p, nil
	case <-waitCtx.Done():
		return nil, waitCtx.Err()
	}
}

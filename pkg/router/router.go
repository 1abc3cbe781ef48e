// Package router implements the router task of spec §4.G: a single
// goroutine that drains pkg/fifo in priority order, deduplicates via
// pkg/dedup, decides local-delivery versus pkg/rtable forwarding, and
// applies the socket-level integrity requirements of spec §4.L before
// handing payloads to pkg/conn connections or sockets.
package router

import (
	"context"
	"errors"
	"time"

	"github.com/gocsp/gocsp/pkg/conn"
	"github.com/gocsp/gocsp/pkg/dedup"
	"github.com/gocsp/gocsp/pkg/fifo"
	"github.com/gocsp/gocsp/pkg/iface"
	"github.com/gocsp/gocsp/pkg/integrity"
	"github.com/gocsp/gocsp/pkg/packet"
	"github.com/gocsp/gocsp/pkg/pool"
	"github.com/gocsp/gocsp/pkg/rtable"
	"github.com/gocsp/gocsp/pkg/wire"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// TickInterval bounds how long Dequeue blocks between RDP housekeeping
// sweeps when the FIFO is idle.
const TickInterval = 200 * time.Millisecond

// Router ties every stack subsystem together to move packets from
// interfaces to local sockets/connections or onward to the next hop.
type Router struct {
	FIFO   *fifo.FIFO
	Dedup  *dedup.Guard
	RTable *rtable.Table
	Ifaces *iface.List
	Conns  *conn.Table
	Pool   *pool.Pool
	Codec  wire.Codec
	Keys   *integrity.KeyStore
	Log    *zap.Logger

	// LocalAddress, when non-nil, reports whether addr is one of this
	// node's own addresses (independent of any registered interface),
	// used to recognize the loopback/default local identity.
	LocalAddress func(addr uint16) bool
}

// New constructs a Router; Log defaults to a no-op logger if nil.
func New(f *fifo.FIFO, d *dedup.Guard, rt *rtable.Table, ifl *iface.List, ct *conn.Table, p *pool.Pool, codec wire.Codec, keys *integrity.KeyStore, log *zap.Logger) *Router {
	if log == nil {
		log = zap.NewNop()
	}
	return &Router{FIFO: f, Dedup: d, RTable: rt, Ifaces: ifl, Conns: ct, Pool: p, Codec: codec, Keys: keys, Log: log}
}

// Run drives the router loop until ctx is cancelled or the loop returns an
// error. The loop runs as the single goroutine of an errgroup, and the RDP
// housekeeping sweep runs inside it each time a dequeue waits TickInterval
// without a packet.
func (r *Router) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.loop(gctx) })
	return g.Wait()
}

func (r *Router) loop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		item, ok, err := r.FIFO.Dequeue(ctx, TickInterval)
		if err != nil {
			return err
		}
		if !ok {
			r.tickRDP(ctx)
			continue
		}
		r.handle(ctx, item)
	}
}

// tickRDP drives retransmission/timeout housekeeping for every
// connection-oriented slot currently carrying an RDP control block.
func (r *Router) tickRDP(ctx context.Context) {
	// The connection table does not expose direct slot iteration to avoid
	// leaking its locking discipline; callers that need this (us) go
	// through Conns.Each, added for exactly this purpose.
	r.Conns.Each(func(c *conn.Connection) {
		if c.RDP != nil {
			c.RDP.Tick(ctx)
		}
	})
}

func (r *Router) handle(ctx context.Context, item fifo.Item) {
	p := item.Packet
	in := item.Iface

	if err := r.Codec.Strip(p); err != nil {
		in.IncFrame()
		r.Pool.Free(p)
		return
	}

	if r.Dedup.Check(p) {
		r.Pool.Free(p)
		return
	}

	if r.isLocal(p.Destination) {
		r.deliverLocal(ctx, p, in)
		return
	}

	r.forward(ctx, p, in)
}

// isLocal reports whether dst is any of this stack's own addresses, or the
// broadcast address of any registered interface's subnet (spec §4.G step 3),
// in which case the packet is delivered locally rather than forwarded.
func (r *Router) isLocal(dst uint16) bool {
	if r.LocalAddress != nil && r.LocalAddress(dst) {
		return true
	}
	if r.Ifaces.GetByAddr(dst) != nil {
		return true
	}
	broadcast := false
	r.Ifaces.Each(func(ifc *iface.Interface) {
		if !broadcast && r.Codec.IsBroadcast(dst, ifc.Netmask) {
			broadcast = true
		}
	})
	return broadcast
}

func (r *Router) forward(ctx context.Context, p *packet.Packet, in *iface.Interface) {
	entry, ok := r.RTable.Find(p.Destination)
	if !ok {
		in.IncDrop()
		r.Pool.Free(p)
		return
	}
	if err := r.Codec.Prepend(p); err != nil {
		in.IncTxError()
		r.Pool.Free(p)
		return
	}
	if err := entry.Iface.Tx(ctx, entry.Via, p, false); err != nil {
		entry.Iface.IncTxError()
		r.Pool.Free(p)
		return
	}
	entry.Iface.IncTx(p.Length)
}

// deliverLocal applies the packet's declared integrity transforms and then
// routes the payload. A tuple match against an already-established
// connection (either side of an active Connect, or a prior Accept) always
// takes precedence over port-bind lookup, since a connection's ephemeral
// local port is never itself bound to a listening socket. Only traffic with
// no matching connection consults the port-bound socket table: direct
// delivery for connection-less sockets, or acceptance of a first-seen RDP
// SYN for a listening socket.
func (r *Router) deliverLocal(ctx context.Context, p *packet.Packet, in *iface.Interface) {
	if err := r.verify(p); err != nil {
		in.IncAuthErr()
		r.Pool.Free(p)
		return
	}

	if c, found := r.Conns.Lookup(p.Source, p.SourcePort, p.Destination, p.DestinationPort); found {
		if c.RDP != nil {
			c.RDP.HandleIncoming(ctx, p, func(payload *packet.Packet) {
				if !c.EnqueueRx(payload) {
					in.IncDrop()
					r.Pool.Free(payload)
				}
			})
			return
		}
		if !c.EnqueueRx(p) {
			in.IncDrop()
			r.Pool.Free(p)
		}
		return
	}

	sock, ok := r.Conns.LookupBind(p.DestinationPort)
	if !ok {
		in.IncDrop()
		r.Pool.Free(p)
		return
	}
	if !r.flagsSatisfy(sock, p) {
		in.IncAuthErr()
		r.Pool.Free(p)
		return
	}

	if sock.IsConnLess() {
		if !sock.Enqueue(p) {
			in.IncDrop()
			r.Pool.Free(p)
		}
		return
	}

	if p.Flags.Has(packet.FlagRDP) && sock.Flags&conn.FlagRDPRequired != 0 {
		r.acceptNewRDP(ctx, p, sock, in)
		return
	}
	in.IncDrop()
	r.Pool.Free(p)
}

// acceptNewRDP allocates a passive connection for a first-seen SYN,
// attaches a listening RDP control block, and offers the connection to the
// socket's accept queue once the handshake completes.
func (r *Router) acceptNewRDP(ctx context.Context, p *packet.Packet, sock *conn.Socket, in *iface.Interface) {
	idIn := packet.Identifier{
		Source: p.Source, Destination: p.Destination,
		SourcePort: p.SourcePort, DestinationPort: p.DestinationPort,
	}
	idOut := packet.Identifier{
		Source: p.Destination, Destination: p.Source,
		SourcePort: p.DestinationPort, DestinationPort: p.SourcePort,
	}
	c, err := r.Conns.Allocate(idIn, idOut, conn.KindConnectionOriented, r.transmit)
	if err != nil {
		in.IncDrop()
		r.Pool.Free(p)
		return
	}
	rdp := conn.NewRDP(c, conn.DefaultRDPConfig(), sock.Flags, r.Keys, r.Log)
	rdp.Listen()
	rdp.OnOpen = func(opened *conn.Connection) {
		if !sock.OfferAccept(opened) {
			r.Conns.Close(opened, 0)
		}
	}
	c.RDP.HandleIncoming(ctx, p, nil)
}

// Transmit wire-encodes p and sends it via the rtable-resolved next hop. It
// is the single egress path shared by the router's own passive RDP accepts
// and the service layer's active sends/connects (pkg/socket), so every
// outbound packet — regardless of which layer originated it — goes through
// the same routing and interface-stats bookkeeping.
func (r *Router) Transmit(ctx context.Context, p *packet.Packet) error {
	return r.transmit(ctx, p)
}

// transmit is the TransmitFunc wired into connections allocated by the
// router itself (passive RDP accepts): wire-encode, then send via the
// rtable-resolved next hop exactly as outbound socket traffic does.
func (r *Router) transmit(ctx context.Context, p *packet.Packet) error {
	if err := r.Codec.Prepend(p); err != nil {
		r.Pool.Free(p)
		return err
	}
	entry, ok := r.RTable.Find(p.Destination)
	if !ok {
		r.Pool.Free(p)
		return errNoRoute
	}
	if err := entry.Iface.Tx(ctx, entry.Via, p, true); err != nil {
		entry.Iface.IncTxError()
		r.Pool.Free(p)
		return err
	}
	entry.Iface.IncTx(p.Length)
	return nil
}

var errNoRoute = errors.New("router: no route to destination")

// flagsSatisfy reports whether p's wire flags (the transforms actually
// applied by the sender) satisfy sock's declared requirements.
func (r *Router) flagsSatisfy(sock *conn.Socket, p *packet.Packet) bool {
	if sock.Flags&conn.FlagHMACRequired != 0 && !p.Flags.Has(packet.FlagHMAC) {
		return false
	}
	if sock.Flags&conn.FlagCRCRequired != 0 && !p.Flags.Has(packet.FlagCRC32) {
		return false
	}
	if sock.Flags&conn.FlagXTEARequired != 0 && !p.Flags.Has(packet.FlagXTEA) {
		return false
	}
	return true
}

// verify reverses, in order, whichever of XTEA/HMAC/CRC32 the sender
// applied (XTEA decrypt, then HMAC verify, then CRC32 verify), per spec
// §4.L's receive-side ordering.
func (r *Router) verify(p *packet.Packet) error {
	if p.Flags.Has(packet.FlagXTEA) {
		if err := r.Keys.XTEADecrypt(p, [2]uint32{0, 0}); err != nil {
			return err
		}
	}
	if p.Flags.Has(packet.FlagHMAC) {
		if err := r.Keys.HMACVerify(p); err != nil {
			return err
		}
	}
	if p.Flags.Has(packet.FlagCRC32) {
		if err := integrity.CRC32Verify(p); err != nil {
			return err
		}
	}
	return nil
}

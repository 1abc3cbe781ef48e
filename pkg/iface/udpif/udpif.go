// Package udpif implements a UDP-tunnel interface driver: each registered
// peer is a single UDP socket pair, the simplest possible stand-in for a
// point-to-point radio or CAN-to-IP bridge link. Grounded on the refcounted
// listener-reuse pattern of the teacher's listen.go/listeners.go, generalized
// here to a single long-lived *net.UDPConn per interface rather than a pool
// of ephemeral listeners.
package udpif

import (
	"context"
	"fmt"
	"net"

	"github.com/gocsp/gocsp/pkg/fifo"
	"github.com/gocsp/gocsp/pkg/iface"
	"github.com/gocsp/gocsp/pkg/packet"
	"github.com/gocsp/gocsp/pkg/pool"
)

// Driver owns one UDP socket tunneling wire-encoded frames to/from a single
// fixed peer address.
type Driver struct {
	conn *net.UDPConn
	peer *net.UDPAddr
	pool *pool.Pool
	fifo *fifo.FIFO
	ifc  *iface.Interface
}

// New adopts the caller-opened UDP socket conn (which must not be nil) as an
// interface named name, bound to the stack's logical addr, tunneling frames
// to peer. p and f back the
// receive loop's packet allocation and delivery.
func New(conn *net.UDPConn, peer *net.UDPAddr, name string, addr uint16, p *pool.Pool, f *fifo.FIFO) (*Driver, error) {
	if conn == nil {
		return nil, fmt.Errorf("udpif: conn must not be nil")
	}
	if peer == nil {
		return nil, fmt.Errorf("udpif: peer must not be nil")
	}
	d := &Driver{conn: conn, peer: peer, pool: p, fifo: f}
	d.ifc = &iface.Interface{Name: name, Address: addr}
	d.ifc.Tx = d.tx
	return d, nil
}

// Interface returns the registry entry for this driver, for iface.List.Register.
func (d *Driver) Interface() *iface.Interface { return d.ifc }

func (d *Driver) tx(ctx context.Context, via uint16, p *packet.Packet, fromMe bool) error {
	_, err := d.conn.WriteToUDP(p.Data(), d.peer)
	if err != nil {
		return fmt.Errorf("udpif: write: %w", err)
	}
	d.pool.Free(p)
	return nil
}

// RunRx blocks reading datagrams from the socket and enqueuing each as a
// wire-encoded frame arriving on this interface, until ctx is cancelled or
// the socket is closed. Datagrams larger than the pool's packet cell MTU are
// dropped and counted as frame errors.
func (d *Driver) RunRx(ctx context.Context) error {
	buf := make([]byte, packet.MaxMTU+1)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		n, _, err := d.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("udpif: read: %w", err)
		}
		if n > packet.MaxMTU {
			d.ifc.IncFrame()
			continue
		}
		cell, err := d.pool.Get(ctx)
		if err != nil {
			return err
		}
		cell.SetData(buf[:n])
		d.ifc.IncRx(n)
		if !d.fifo.Enqueue(cell, d.ifc) {
			d.pool.Free(cell)
		}
	}
}

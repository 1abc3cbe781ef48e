// Package loopif implements the always-present loopback interface described
// in original_source's csp_if_lo.c: any packet transmitted toward it is
// handed straight back to the router's input FIFO as if newly received.
package loopif

import (
	"context"
	"fmt"

	"github.com/gocsp/gocsp/pkg/fifo"
	"github.com/gocsp/gocsp/pkg/iface"
	"github.com/gocsp/gocsp/pkg/packet"
)

// Name is the reserved interface name rtable.Save excludes from persistence.
const Name = "loop"

// New builds the loopback interface, bound to addr (the node's own address)
// and wired to re-enqueue every transmitted packet onto f as if it had just
// arrived on the wire.
func New(addr uint16, f *fifo.FIFO) *iface.Interface {
	lo := &iface.Interface{Name: Name, Address: addr, Default: false}
	lo.Tx = func(ctx context.Context, via uint16, p *packet.Packet, fromMe bool) error {
		if !f.Enqueue(p, lo) {
			return fmt.Errorf("loopif: input fifo full")
		}
		return nil
	}
	return lo
}

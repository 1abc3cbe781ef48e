// Package bridge implements the two-interface split-horizon forwarder of
// spec §4.N: packets arriving on one bridged interface are repeated onto the
// other verbatim, unless addressed to this node, and a packet is never
// repeated back out the interface it arrived on.
package bridge

import (
	"context"
	"fmt"
	"time"

	"github.com/gocsp/gocsp/pkg/fifo"
	"github.com/gocsp/gocsp/pkg/iface"
	"github.com/gocsp/gocsp/pkg/pool"
	"github.com/gocsp/gocsp/pkg/wire"
	"go.uber.org/zap"
)

// TickInterval bounds how long Dequeue blocks between idle wakeups, mirroring
// the router's own housekeeping cadence.
const TickInterval = 200 * time.Millisecond

// Bridge repeats traffic between exactly two registered interfaces. It owns
// a dedicated input FIFO: drivers for A and B must be wired to enqueue there
// instead of (or in addition to, for traffic also addressed locally) the
// main router FIFO.
type Bridge struct {
	A, B  *iface.Interface
	Input *fifo.FIFO
	Pool  *pool.Pool
	Codec wire.Codec
	Log   *zap.Logger

	// LocalAddress reports whether addr belongs to this node, in which case
	// the packet is not bridging traffic and is dropped here: it is expected
	// to have also been queued to the stack's own router FIFO by the driver.
	LocalAddress func(addr uint16) bool
}

// New constructs a Bridge between a and b. capacity sizes the dedicated
// input FIFO.
func New(a, b *iface.Interface, capacity int, p *pool.Pool, codec wire.Codec, log *zap.Logger) (*Bridge, error) {
	if a == nil || b == nil {
		return nil, fmt.Errorf("bridge: both interfaces are required")
	}
	if a.Name == b.Name {
		return nil, fmt.Errorf("bridge: interfaces must be distinct")
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Bridge{A: a, B: b, Input: fifo.New(capacity, log), Pool: p, Codec: codec, Log: log}, nil
}

// Run drains the bridge's input FIFO until ctx is cancelled.
func (br *Bridge) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		item, ok, err := br.Input.Dequeue(ctx, TickInterval)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		br.handle(ctx, item)
	}
}

func (br *Bridge) handle(ctx context.Context, item fifo.Item) {
	p := item.Packet
	in := item.Iface

	if err := br.Codec.Strip(p); err != nil {
		in.IncFrame()
		br.Pool.Free(p)
		return
	}

	if br.LocalAddress != nil && br.LocalAddress(p.Destination) {
		// Local traffic is the main router's concern, not this bridge's.
		br.Pool.Free(p)
		return
	}

	out := br.other(in)
	if out == nil {
		in.IncDrop()
		br.Pool.Free(p)
		return
	}

	if err := br.Codec.Prepend(p); err != nil {
		in.IncTxError()
		br.Pool.Free(p)
		return
	}
	if err := out.Tx(ctx, 0, p, false); err != nil {
		out.IncTxError()
		br.Pool.Free(p)
		return
	}
	out.IncTx(p.Length)
	br.Log.Debug("bridge: forwarded",
		zap.String("from", in.Name), zap.String("to", out.Name),
		zap.Uint16("src", p.Source), zap.Uint16("dst", p.Destination))
}

// other returns the bridge partner of in (split horizon: never the same
// interface traffic arrived on), or nil if in is neither A nor B.
func (br *Bridge) other(in *iface.Interface) *iface.Interface {
	switch in {
	case br.A:
		return br.B
	case br.B:
		return br.A
	default:
		return nil
	}
}

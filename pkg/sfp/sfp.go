// Package sfp implements the fragmentation protocol of spec §4.K: chunking
// an arbitrary-size blob across multiple packets carried over a connection,
// each fragment prefixed with an {offset, total_size} header, reassembled by
// the receiver with a mismatch-aborts-reassembly rule.
package sfp

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/gocsp/gocsp/pkg/conn"
	"github.com/gocsp/gocsp/pkg/packet"
	"github.com/gocsp/gocsp/pkg/pool"
)

// HeaderSize is the header's encoded size: two big-endian uint32 fields.
const HeaderSize = 8

// MaxChunk is the largest slice of user data a single fragment can carry,
// bounded by the cell payload minus the SFP header.
const MaxChunk = packet.MaxMTU - HeaderSize

func encodeHeader(offset, total uint32) []byte {
	var b [HeaderSize]byte
	binary.BigEndian.PutUint32(b[0:4], offset)
	binary.BigEndian.PutUint32(b[4:8], total)
	return b[:]
}

func decodeHeader(b []byte) (offset, total uint32, err error) {
	if len(b) < HeaderSize {
		return 0, 0, fmt.Errorf("sfp: header too short")
	}
	return binary.BigEndian.Uint32(b[0:4]), binary.BigEndian.Uint32(b[4:8]), nil
}

// Send splits data into fragments sized to fit mtu (the caller's interface
// or path MTU, e.g. a KISS/serial link narrower than packet.MaxMTU) and
// transmits each over c, stamping the FRAG flag and {offset,total_size}
// header on every fragment. mtu is clamped to MaxChunk+HeaderSize so a
// caller-supplied value larger than the packet pool's own cell size can
// never produce an oversized fragment.
func Send(ctx context.Context, p *pool.Pool, c *conn.Connection, data []byte, mtu int) error {
	if mtu > packet.MaxMTU {
		mtu = packet.MaxMTU
	}
	chunkSize := mtu - HeaderSize
	if chunkSize <= 0 {
		return fmt.Errorf("sfp: send: mtu %d too small for %d-byte header", mtu, HeaderSize)
	}

	total := uint32(len(data))
	if total == 0 {
		return sendFragment(ctx, p, c, nil, 0, 0)
	}
	for offset := uint32(0); offset < total; offset += uint32(chunkSize) {
		end := offset + uint32(chunkSize)
		if end > total {
			end = total
		}
		if err := sendFragment(ctx, p, c, data[offset:end], offset, total); err != nil {
			return fmt.Errorf("sfp: send: fragment at offset %d: %w", offset, err)
		}
	}
	return nil
}

func sendFragment(ctx context.Context, p *pool.Pool, c *conn.Connection, chunk []byte, offset, total uint32) error {
	pk, err := p.Get(ctx)
	if err != nil {
		return err
	}
	pk.SetID(c.IDOut)
	pk.Flags |= packet.FlagFRAG
	body := append(encodeHeader(offset, total), chunk...)
	pk.SetData(body)
	return c.Transmit(ctx, pk)
}

// Reassembler accumulates fragments for one in-flight blob. Not safe for
// concurrent use; callers serialize fragments per connection (the router
// delivers them in order already, per spec §4.G).
type Reassembler struct {
	total   uint32
	buf     []byte
	started bool
}

// Feed consumes one fragment's header-prefixed payload, returning the
// complete reassembled blob once the final fragment (offset+len == total)
// arrives, or ok=false while reassembly is still in progress. A header
// whose declared total disagrees with a prior fragment's aborts the
// reassembly (spec §4.K "mismatch aborts reassembly") and returns an error.
func (r *Reassembler) Feed(p *packet.Packet) (blob []byte, ok bool, err error) {
	offset, total, err := decodeHeader(p.Data())
	if err != nil {
		return nil, false, err
	}
	chunk := p.Data()[HeaderSize:]

	if !r.started {
		r.started = true
		r.total = total
		r.buf = make([]byte, 0, total)
	} else if r.total != total {
		r.reset()
		return nil, false, fmt.Errorf("sfp: reassembly aborted: total_size changed from %d to %d", r.total, total)
	}

	if int(offset) != len(r.buf) {
		r.reset()
		return nil, false, fmt.Errorf("sfp: reassembly aborted: out-of-order offset %d (expected %d)", offset, len(r.buf))
	}

	r.buf = append(r.buf, chunk...)
	if uint32(len(r.buf)) >= r.total {
		out := r.buf
		r.reset()
		return out, true, nil
	}
	return nil, false, nil
}

func (r *Reassembler) reset() {
	r.started = false
	r.total = 0
	r.buf = nil
}

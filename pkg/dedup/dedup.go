// Package dedup implements the router-ingress replay guard of spec §4.F: a
// bounded ring of recent packet CRC32 values (over identifier+payload),
// default size 8, keyed on header+payload per the Open Question resolution
// in spec §9.
package dedup

import (
	"sync"
	"sync/atomic"

	"github.com/gocsp/gocsp/pkg/integrity"
	"github.com/gocsp/gocsp/pkg/packet"
)

// DefaultSize is the ring capacity used by libcsp's 0x7 bitmask ring.
const DefaultSize = 8

// Guard is a fixed-size ring of recently seen packet CRCs.
type Guard struct {
	mu    sync.Mutex
	ring  []uint32
	mask  uint32
	next  uint32
	count uint32

	hits uint64
}

// New returns a Guard with the given ring size, rounded up to the next
// power of two (the ring is indexed with a bitmask, matching the source's
// 0x7 mask for a size-8 ring).
func New(size int) *Guard {
	n := 1
	for n < size {
		n <<= 1
	}
	return &Guard{ring: make([]uint32, n), mask: uint32(n - 1)}
}

// crcOf computes the CRC32 over a packet's full identifier tuple and
// payload, per spec's explicit "header + payload" resolution.
func crcOf(p *packet.Packet) uint32 {
	var hdr [8]byte
	hdr[0] = byte(p.Priority)
	hdr[1] = byte(p.Source >> 8)
	hdr[2] = byte(p.Source)
	hdr[3] = byte(p.Destination >> 8)
	hdr[4] = byte(p.Destination)
	hdr[5] = p.SourcePort
	hdr[6] = p.DestinationPort
	hdr[7] = byte(p.Flags)
	buf := make([]byte, 0, len(hdr)+p.Length)
	buf = append(buf, hdr[:]...)
	buf = append(buf, p.Data()...)
	return integrity.CRC32(buf)
}

// Check computes p's CRC32(header+payload), scans the ring for a match,
// and appends the CRC on a miss. It reports true if p is a duplicate of
// something seen within the last DefaultSize (or configured size) packets.
func (g *Guard) Check(p *packet.Packet) bool {
	crc := crcOf(p)

	g.mu.Lock()
	defer g.mu.Unlock()

	n := uint32(len(g.ring))
	limit := g.count
	if limit > n {
		limit = n
	}
	for i := uint32(0); i < limit; i++ {
		idx := (g.next - 1 - i) & g.mask
		if g.ring[idx] == crc {
			atomic.AddUint64(&g.hits, 1)
			return true
		}
	}
	g.ring[g.next&g.mask] = crc
	g.next++
	g.count++
	return false
}

// Hits returns the number of packets Check has identified as duplicates
// since construction, for the router's dedup-hit metric.
func (g *Guard) Hits() uint64 {
	return atomic.LoadUint64(&g.hits)
}

// Package packet defines the in-memory unit of transport shared by every
// layer of the stack: header fields, payload, and the bookkeeping a packet
// carries while it moves between the buffer pool, queues, and connections.
package packet

import "sync/atomic"

// Priority levels, highest first. Only four are defined by the protocol.
type Priority uint8

const (
	PriorityCritical Priority = 0
	PriorityHigh     Priority = 1
	PriorityNormal   Priority = 2
	PriorityLow      Priority = 3
)

// NumPriorities is the number of distinct priority levels.
const NumPriorities = 4

// Flags are the per-packet wire flags carried in the identifier.
type Flags uint16

const (
	FlagFRAG  Flags = 0x80
	FlagHMAC  Flags = 0x08
	FlagXTEA  Flags = 0x04
	FlagRDP   Flags = 0x02
	FlagCRC32 Flags = 0x01
)

func (f Flags) Has(bit Flags) bool { return f&bit != 0 }

// MaxMTU bounds the payload a single packet cell can hold. Interfaces with
// smaller MTUs simply use less of the cell.
const MaxMTU = 256

// PaddingBytes is the opaque front region reserved for the largest driver
// header a registered interface may need to prepend (e.g. a CAN or
// Ethernet frame header) before the CSP identifier.
const PaddingBytes = 20

// Packet is a fixed-size contiguous cell. The zero value is not meaningful;
// cells are only produced by a pool.Pool.
type Packet struct {
	// Padding is scratch space interface drivers may use for their own
	// framing before the identifier is written at the front of Payload.
	Padding [PaddingBytes]byte

	// Identifier fields, decoded from the wire header by pkg/wire.
	Priority       Priority
	Source         uint16
	Destination    uint16
	SourcePort     uint8
	DestinationPort uint8
	Flags          Flags

	// Length is the number of valid bytes in Payload.
	Length int
	// Payload holds header trailers (HMAC/CRC32) in addition to user data
	// once appended; Length always reflects the current valid extent.
	Payload [MaxMTU]byte

	// Reassembly scratch fields. Valid only while a packet is owned by the
	// subsystem that placed it there (an interface driver's CAN/SFP
	// reassembler); meaningless anywhere else.
	CFPID    uint32
	RxCount  int
	Remain   int
	LastUsed int64
	Next     *Packet

	refcount int32
	slot     int
}

// Slot returns the owning pool's slot index for this cell, used by the pool
// to validate frees and by the connection table for cheap identity checks.
func (p *Packet) Slot() int { return p.slot }

// SetSlot is called once by the owning pool at construction time.
func (p *Packet) SetSlot(i int) { p.slot = i }

// Refcount returns the current reference count (for tests/diagnostics).
func (p *Packet) Refcount() int32 { return atomic.LoadInt32(&p.refcount) }

// Reset clears header fields and length, but not the slot or backing array,
// matching the source's "not zeroed on allocation" buffer contract; callers
// that need a cleared header call this explicitly (pool.Get does).
func (p *Packet) Reset() {
	p.Priority = 0
	p.Source = 0
	p.Destination = 0
	p.SourcePort = 0
	p.DestinationPort = 0
	p.Flags = 0
	p.Length = 0
	p.CFPID = 0
	p.RxCount = 0
	p.Remain = 0
	p.LastUsed = 0
	p.Next = nil
	atomic.StoreInt32(&p.refcount, 1)
}

// incRef is used by pool.RefcInc; kept unexported so refcount can only be
// mutated through the pool, preserving the ownership invariants of spec §3.
func (p *Packet) incRef() int32 { return atomic.AddInt32(&p.refcount, 1) }

// decRef is used by pool.Free; returns the refcount after decrement.
func (p *Packet) decRef() int32 { return atomic.AddInt32(&p.refcount, -1) }

// IncRef and DecRef expose incRef/decRef to the pool package without making
// them part of the stable public API surface of Packet itself.
func (p *Packet) IncRef() int32 { return p.incRef() }
func (p *Packet) DecRef() int32 { return p.decRef() }

// Data returns the valid payload slice.
func (p *Packet) Data() []byte { return p.Payload[:p.Length] }

// SetData copies b into the payload, growing Length. Panics if b would not
// fit; callers are expected to have already checked against the interface
// MTU, matching the source's compile-time MTU contract.
func (p *Packet) SetData(b []byte) {
	if len(b) > len(p.Payload) {
		panic("packet: payload exceeds MTU")
	}
	n := copy(p.Payload[:], b)
	p.Length = n
}

// Append grows the payload by b, used by integrity transforms appending
// trailers (HMAC, CRC32) after the user payload.
func (p *Packet) Append(b []byte) {
	if p.Length+len(b) > len(p.Payload) {
		panic("packet: append exceeds MTU")
	}
	n := copy(p.Payload[p.Length:], b)
	p.Length += n
}

// Truncate shrinks Length by n bytes, used when stripping a verified
// trailer from the tail of the payload.
func (p *Packet) Truncate(n int) {
	if n > p.Length {
		n = p.Length
	}
	p.Length -= n
}

// Identifier is the decoded wire identifier tuple, independent of v1/v2
// encoding (pkg/wire is the only thing aware of the bit layout).
type Identifier struct {
	Priority        Priority
	Source          uint16
	Destination     uint16
	DestinationPort uint8
	SourcePort      uint8
	Flags           Flags
}

// ID returns the packet's current identifier tuple.
func (p *Packet) ID() Identifier {
	return Identifier{
		Priority:        p.Priority,
		Source:          p.Source,
		Destination:     p.Destination,
		DestinationPort: p.DestinationPort,
		SourcePort:      p.SourcePort,
		Flags:           p.Flags,
	}
}

// SetID stamps the packet's identifier fields from id.
func (p *Packet) SetID(id Identifier) {
	p.Priority = id.Priority
	p.Source = id.Source
	p.Destination = id.Destination
	p.DestinationPort = id.DestinationPort
	p.SourcePort = id.SourcePort
	p.Flags = id.Flags
}

// Package wire implements the two CSP identifier wire formats of spec §4.B
// and §6: v1 (32-bit) and v2 (48-bit), both big-endian. Only one version is
// active for the lifetime of a process (Version is set once at Stack
// construction and never changed), matching the source's global config bit.
package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/gocsp/gocsp/pkg/packet"
)

// Version selects which identifier layout Prepend/Strip/SetupRx use.
type Version int

const (
	V1 Version = 1
	V2 Version = 2
)

// Sizes, in bytes, of the encoded identifier for each version.
const (
	HeaderSizeV1 = 4
	HeaderSizeV2 = 6
)

// HostBits and MaxNodeID per version, from spec §4.B's table.
func HostBits(v Version) uint {
	if v == V2 {
		return 14
	}
	return 5
}

func MaxNodeID(v Version) uint16 {
	if v == V2 {
		return 16383
	}
	return 31
}

// Codec packs/unpacks packet identifiers for a fixed wire Version.
type Codec struct {
	Version Version
}

func New(v Version) Codec { return Codec{Version: v} }

// HeaderSize returns the encoded identifier size for the codec's version.
func (c Codec) HeaderSize() int {
	if c.Version == V2 {
		return HeaderSizeV2
	}
	return HeaderSizeV1
}

// encode packs p's identifier fields into the wire layout for c.Version.
func (c Codec) encode(p *packet.Packet) uint64 {
	if c.Version == V2 {
		// [pri:2][dst:14][src:14][dport:6][sport:6][flags:6] -- 48 bits
		return uint64(p.Priority&0x3)<<46 |
			uint64(p.Destination&0x3FFF)<<32 |
			uint64(p.Source&0x3FFF)<<18 |
			uint64(p.DestinationPort&0x3F)<<12 |
			uint64(p.SourcePort&0x3F)<<6 |
			uint64(p.Flags&0x3F)
	}
	// v1: [pri:2][src:5][dst:5][dport:6][sport:6][flags:8] -- 32 bits
	return uint64(p.Priority&0x3)<<30 |
		uint64(p.Source&0x1F)<<25 |
		uint64(p.Destination&0x1F)<<20 |
		uint64(p.DestinationPort&0x3F)<<14 |
		uint64(p.SourcePort&0x3F)<<8 |
		uint64(p.Flags&0xFF)
}

// decode unpacks id into p's identifier fields for c.Version.
func (c Codec) decode(id uint64, p *packet.Packet) {
	if c.Version == V2 {
		p.Priority = packet.Priority((id >> 46) & 0x3)
		p.Destination = uint16((id >> 32) & 0x3FFF)
		p.Source = uint16((id >> 18) & 0x3FFF)
		p.DestinationPort = uint8((id >> 12) & 0x3F)
		p.SourcePort = uint8((id >> 6) & 0x3F)
		p.Flags = packet.Flags(id & 0x3F)
		return
	}
	p.Priority = packet.Priority((id >> 30) & 0x3)
	p.Source = uint16((id >> 25) & 0x1F)
	p.Destination = uint16((id >> 20) & 0x1F)
	p.DestinationPort = uint8((id >> 14) & 0x3F)
	p.SourcePort = uint8((id >> 8) & 0x3F)
	p.Flags = packet.Flags(id & 0xFF)
}

func (c Codec) putID(buf []byte, id uint64) {
	if c.Version == V2 {
		var tmp [8]byte
		binary.BigEndian.PutUint64(tmp[:], id<<16) // top 48 bits of a 64-bit field
		copy(buf, tmp[:6])
		return
	}
	binary.BigEndian.PutUint32(buf, uint32(id))
}

func (c Codec) getID(buf []byte) uint64 {
	if c.Version == V2 {
		var tmp [8]byte
		copy(tmp[:6], buf)
		return binary.BigEndian.Uint64(tmp[:]) >> 16
	}
	return uint64(binary.BigEndian.Uint32(buf))
}

// Prepend writes the identifier at the front of the packet's payload,
// shifting existing payload bytes forward by HeaderSize() and growing
// Length accordingly. Used by the sender just before handing the packet to
// an interface's tx function.
func (c Codec) Prepend(p *packet.Packet) error {
	n := c.HeaderSize()
	if p.Length+n > len(p.Payload) {
		return fmt.Errorf("wire: prepend: %w", errTruncated)
	}
	copy(p.Payload[n:p.Length+n], p.Payload[:p.Length])
	c.putID(p.Payload[:n], c.encode(p))
	p.Length += n
	return nil
}

// Strip reads the identifier from the front of the packet's payload,
// decodes it into the packet's fields, and advances the payload so Data()
// returns only the user bytes. Called by the router (and the bridge) on
// each packet taken from its input FIFO.
func (c Codec) Strip(p *packet.Packet) error {
	n := c.HeaderSize()
	if p.Length < n {
		return fmt.Errorf("wire: strip: %w", errTruncated)
	}
	id := c.getID(p.Payload[:n])
	c.decode(id, p)
	copy(p.Payload[:p.Length-n], p.Payload[n:p.Length])
	p.Length -= n
	return nil
}

// SetupRx positions a freshly-received packet such that the identifier
// area is at the front of the payload, without decoding it. Used by
// drivers that reassemble raw frames into a packet cell and need to hand
// off a packet whose payload begins exactly at the identifier, before
// Strip is called by the router/interface boundary.
func (c Codec) SetupRx(p *packet.Packet) {
	// In this Go model the identifier is always written at offset 0 by
	// Prepend, so SetupRx is a no-op placeholder preserved for drivers
	// that build packets by other means (e.g. directly filling Payload
	// from a socket read) and want an explicit, named step before Strip.
}

// IsBroadcast reports whether addr's host bits (per c.Version) are all
// ones relative to netmask (number of network bits).
func (c Codec) IsBroadcast(addr uint16, netmask int) bool {
	hostBits := int(HostBits(c.Version)) - netmask
	if hostBits <= 0 {
		return false
	}
	mask := uint16(1)<<uint(hostBits) - 1
	return addr&mask == mask
}

var errTruncated = fmt.Errorf("truncated or reserved identifier")

package dedup_test

import (
	"testing"

	"github.com/gocsp/gocsp/pkg/dedup"
	"github.com/gocsp/gocsp/pkg/packet"
	"github.com/stretchr/testify/require"
)

func samplePacket() *packet.Packet {
	var p packet.Packet
	p.Reset()
	p.Source = 1
	p.Destination = 2
	p.SetData([]byte("payload"))
	return &p
}

func TestFirstPacketIsNeverADuplicate(t *testing.T) {
	g := dedup.New(8)
	require.False(t, g.Check(samplePacket()))
}

func TestExactRepeatWithinWindowIsDuplicate(t *testing.T) {
	g := dedup.New(8)
	p := samplePacket()
	require.False(t, g.Check(p))
	require.True(t, g.Check(p), "identical header+payload arriving again must be flagged")
}

func TestDifferentPayloadIsNotADuplicate(t *testing.T) {
	g := dedup.New(8)
	p1 := samplePacket()
	p2 := samplePacket()
	p2.SetData([]byte("different"))
	require.False(t, g.Check(p1))
	require.False(t, g.Check(p2))
}

func TestAmongEightIdenticalAtMostOneDelivered(t *testing.T) {
	g := dedup.New(8)
	delivered := 0
	p := samplePacket()
	for i := 0; i < 8; i++ {
		if !g.Check(p) {
			delivered++
		}
	}
	require.Equal(t, 1, delivered)
}

func TestHitsCountsOnlyDuplicates(t *testing.T) {
	g := dedup.New(8)
	p := samplePacket()
	require.False(t, g.Check(p))
	require.Equal(t, uint64(0), g.Hits())

	g.Check(p)
	g.Check(p)
	require.Equal(t, uint64(2), g.Hits())
}

func TestRingEvictsOldestAfterWindowPasses(t *testing.T) {
	g := dedup.New(8)
	first := samplePacket()
	require.False(t, g.Check(first))

	// push 8 distinct packets through so `first`'s CRC is evicted
	for i := 0; i < 8; i++ {
		p := samplePacket()
		p.SourcePort = uint8(i + 1)
		g.Check(p)
	}
	require.False(t, g.Check(first), "after 8 newer entries, the original CRC should have been evicted")
}

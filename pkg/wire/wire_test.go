package wire_test

import (
	"testing"

	"github.com/gocsp/gocsp/pkg/packet"
	"github.com/gocsp/gocsp/pkg/wire"
	"github.com/stretchr/testify/require"
)

func TestPrependStripRoundTripV1(t *testing.T) {
	c := wire.New(wire.V1)
	var p packet.Packet
	p.Reset()
	p.SetData([]byte("abc"))
	p.Priority = packet.PriorityHigh
	p.Source = 3
	p.Destination = 9
	p.SourcePort = 10
	p.DestinationPort = 20
	p.Flags = packet.FlagCRC32

	require.NoError(t, c.Prepend(&p))
	require.Equal(t, wire.HeaderSizeV1+3, p.Length)

	var rx packet.Packet
	rx.Reset()
	rx.SetData(p.Data())
	require.NoError(t, c.Strip(&rx))

	require.Equal(t, packet.PriorityHigh, rx.Priority)
	require.EqualValues(t, 3, rx.Source)
	require.EqualValues(t, 9, rx.Destination)
	require.EqualValues(t, 10, rx.SourcePort)
	require.EqualValues(t, 20, rx.DestinationPort)
	require.Equal(t, packet.FlagCRC32, rx.Flags)
	require.Equal(t, []byte("abc"), rx.Data())
}

func TestPrependStripRoundTripV2(t *testing.T) {
	c := wire.New(wire.V2)
	var p packet.Packet
	p.Reset()
	p.SetData([]byte{1, 2, 3, 4})
	p.Priority = packet.PriorityCritical
	p.Source = 1000
	p.Destination = 16000
	p.SourcePort = 63
	p.DestinationPort = 1
	p.Flags = packet.FlagHMAC | packet.FlagRDP

	require.NoError(t, c.Prepend(&p))
	require.Equal(t, wire.HeaderSizeV2+4, p.Length)

	var rx packet.Packet
	rx.Reset()
	rx.SetData(p.Data())
	require.NoError(t, c.Strip(&rx))

	require.EqualValues(t, 1000, rx.Source)
	require.EqualValues(t, 16000, rx.Destination)
	require.EqualValues(t, 63, rx.SourcePort)
	require.EqualValues(t, 1, rx.DestinationPort)
	require.Equal(t, packet.FlagHMAC|packet.FlagRDP, rx.Flags)
	require.Equal(t, []byte{1, 2, 3, 4}, rx.Data())
}

func TestStripTruncatedReturnsError(t *testing.T) {
	c := wire.New(wire.V1)
	var p packet.Packet
	p.Reset()
	p.SetData([]byte{1, 2})
	require.Error(t, c.Strip(&p))
}

func TestIsBroadcastV1(t *testing.T) {
	c := wire.New(wire.V1)
	// host bits = 5 - netmask within the v1 5-bit address space, so
	// netmask 3 leaves 2 host bits
	require.True(t, c.IsBroadcast(0b00011, 3))  // low 2 bits all ones
	require.False(t, c.IsBroadcast(0b00010, 3)) // not all ones
}

package bridge_test

import (
	"context"
	"testing"
	"time"

	"github.com/gocsp/gocsp/pkg/bridge"
	"github.com/gocsp/gocsp/pkg/iface"
	"github.com/gocsp/gocsp/pkg/packet"
	"github.com/gocsp/gocsp/pkg/pool"
	"github.com/gocsp/gocsp/pkg/wire"
	"github.com/stretchr/testify/require"
)

func TestForwardsFromAToBNotBackToA(t *testing.T) {
	p := pool.New(8, nil)
	codec := wire.New(wire.V1)

	var bRx []*packet.Packet
	a := &iface.Interface{Name: "a", Address: 1}
	b := &iface.Interface{Name: "b", Address: 2}
	a.Tx = func(ctx context.Context, via uint16, pk *packet.Packet, fromMe bool) error {
		t.Fatalf("must never forward back out the arrival interface")
		return nil
	}
	b.Tx = func(ctx context.Context, via uint16, pk *packet.Packet, fromMe bool) error {
		bRx = append(bRx, pk)
		return nil
	}

	br, err := bridge.New(a, b, 8, p, codec, nil)
	require.NoError(t, err)
	br.LocalAddress = func(addr uint16) bool { return false }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go br.Run(ctx)

	pk, err := p.Get(context.Background())
	require.NoError(t, err)
	pk.SetID(packet.Identifier{Source: 5, Destination: 9, SourcePort: 1, DestinationPort: 1})
	pk.SetData([]byte("hop"))
	require.NoError(t, codec.Prepend(pk))
	br.Input.Enqueue(pk, a)

	require.Eventually(t, func() bool { return len(bRx) == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, uint16(5), bRx[0].Source)
	require.Equal(t, uint16(9), bRx[0].Destination)
}

func TestLocalAddressedPacketIsDroppedNotForwarded(t *testing.T) {
	p := pool.New(8, nil)
	codec := wire.New(wire.V1)

	a := &iface.Interface{Name: "a", Address: 1}
	b := &iface.Interface{Name: "b", Address: 2}
	forwarded := false
	a.Tx = func(ctx context.Context, via uint16, pk *packet.Packet, fromMe bool) error { return nil }
	b.Tx = func(ctx context.Context, via uint16, pk *packet.Packet, fromMe bool) error {
		forwarded = true
		return nil
	}

	br, err := bridge.New(a, b, 8, p, codec, nil)
	require.NoError(t, err)
	br.LocalAddress = func(addr uint16) bool { return addr == 2 }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go br.Run(ctx)

	pk, err := p.Get(context.Background())
	require.NoError(t, err)
	pk.SetID(packet.Identifier{Source: 5, Destination: 2, SourcePort: 1, DestinationPort: 1})
	require.NoError(t, codec.Prepend(pk))
	br.Input.Enqueue(pk, a)

	require.Never(t, func() bool { return forwarded }, 200*time.Millisecond, 10*time.Millisecond)
}

package router

import (
	"context"
	"testing"
	"time"

	"github.com/gocsp/gocsp/pkg/conn"
	"github.com/gocsp/gocsp/pkg/dedup"
	"github.com/gocsp/gocsp/pkg/fifo"
	"github.com/gocsp/gocsp/pkg/iface"
	"github.com/gocsp/gocsp/pkg/integrity"
	"github.com/gocsp/gocsp/pkg/packet"
	"github.com/gocsp/gocsp/pkg/pool"
	"github.com/gocsp/gocsp/pkg/rtable"
	"github.com/gocsp/gocsp/pkg/wire"
	"github.com/stretchr/testify/require"
)

func newTestRouter(t *testing.T, localAddr uint16) (*Router, *pool.Pool, *iface.Interface) {
	t.Helper()
	p := pool.New(32, nil)
	f := fifo.New(16, nil)
	d := dedup.New(8)
	rt := rtable.New(16, wire.HostBits(wire.V1))
	ifl := iface.NewList()
	ct := conn.NewTable(4, p)
	codec := wire.New(wire.V1)
	keys := integrity.NewKeyStore()

	r := New(f, d, rt, ifl, ct, p, codec, keys, nil)
	r.LocalAddress = func(addr uint16) bool { return addr == localAddr }

	in := &iface.Interface{Name: "eth0", Address: localAddr}
	require.NoError(t, ifl.Register(in))
	return r, p, in
}

func buildIncoming(t *testing.T, p *pool.Pool, codec wire.Codec, src, dst uint16, sport, dport uint8, payload []byte) *packet.Packet {
	t.Helper()
	pk, err := p.Get(context.Background())
	require.NoError(t, err)
	pk.Source = src
	pk.Destination = dst
	pk.SourcePort = sport
	pk.DestinationPort = dport
	pk.SetData(payload)
	require.NoError(t, codec.Prepend(pk))
	return pk
}

func TestLocalDeliveryToConnLessSocket(t *testing.T) {
	r, p, in := newTestRouter(t, 1)
	sock := r.Conns.NewSocket(conn.FlagConnLess)
	require.NoError(t, r.Conns.Bind(sock, 5))

	pk := buildIncoming(t, p, r.Codec, 2, 1, 9, 5, []byte("hello"))
	r.handle(context.Background(), fifo.Item{Packet: pk, Iface: in})

	select {
	case delivered := <-sock.Recv():
		require.Equal(t, []byte("hello"), delivered.Data())
	case <-time.After(time.Second):
		t.Fatal("packet was not delivered to the bound socket")
	}
}

func TestForwardUsesRoutingTable(t *testing.T) {
	r, p, in := newTestRouter(t, 1)

	var txDst uint16
	out := &iface.Interface{Name: "can0", Address: 9}
	out.Tx = func(ctx context.Context, via uint16, pk *packet.Packet, fromMe bool) error {
		txDst = pk.Destination
		r.Pool.Free(pk)
		return nil
	}

	require.NoError(t, r.RTable.Set(3, 5, out, rtable.NoVia))

	pk := buildIncoming(t, p, r.Codec, 2, 3, 9, 5, []byte("fwd"))
	r.handle(context.Background(), fifo.Item{Packet: pk, Iface: in})

	require.Equal(t, uint16(3), txDst)
}

func TestUnknownDestinationIsDropped(t *testing.T) {
	r, p, in := newTestRouter(t, 1)
	before := p.Remaining()

	pk := buildIncoming(t, p, r.Codec, 2, 99, 9, 5, []byte("lost"))
	r.handle(context.Background(), fifo.Item{Packet: pk, Iface: in})

	require.Equal(t, before, p.Remaining(), "the dropped packet must be returned to the pool")
}

func TestBroadcastDestinationDeliveredLocally(t *testing.T) {
	p := pool.New(32, nil)
	f := fifo.New(16, nil)
	d := dedup.New(8)
	rt := rtable.New(16, wire.HostBits(wire.V1))
	ifl := iface.NewList()
	ct := conn.NewTable(4, p)
	codec := wire.New(wire.V1)
	keys := integrity.NewKeyStore()

	r := New(f, d, rt, ifl, ct, p, codec, keys, nil)
	r.LocalAddress = func(addr uint16) bool { return addr == 1 }

	// 2 host bits (HostBits(V1)=5, Netmask=3), so address 3 (0b011) has both
	// host bits set and is this interface's subnet broadcast address.
	in := &iface.Interface{Name: "eth0", Address: 1, Netmask: 3}
	require.NoError(t, ifl.Register(in))

	sock := r.Conns.NewSocket(conn.FlagConnLess)
	require.NoError(t, r.Conns.Bind(sock, 5))

	const broadcastAddr = 3
	pk := buildIncoming(t, p, r.Codec, 2, broadcastAddr, 9, 5, []byte("bcast"))
	r.handle(context.Background(), fifo.Item{Packet: pk, Iface: in})

	select {
	case delivered := <-sock.Recv():
		require.Equal(t, []byte("bcast"), delivered.Data())
	case <-time.After(time.Second):
		t.Fatal("broadcast-addressed packet was not delivered locally")
	}
}

func TestDuplicatePacketDroppedByDedup(t *testing.T) {
	r, p, in := newTestRouter(t, 1)
	sock := r.Conns.NewSocket(conn.FlagConnLess)
	require.NoError(t, r.Conns.Bind(sock, 5))

	pk1 := buildIncoming(t, p, r.Codec, 2, 1, 9, 5, []byte("dup"))
	r.handle(context.Background(), fifo.Item{Packet: pk1, Iface: in})
	<-sock.Recv()

	pk2 := buildIncoming(t, p, r.Codec, 2, 1, 9, 5, []byte("dup"))
	r.handle(context.Background(), fifo.Item{Packet: pk2, Iface: in})

	select {
	case <-sock.Recv():
		t.Fatal("an exact repeat within the dedup window must not be delivered twice")
	case <-time.After(100 * time.Millisecond):
	}
}

package socket_test

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
	"github.com/gocsp/gocsp/pkg/router"
	"github.com/gocsp/gocsp/pkg/rtable"
	"github.com/gocsp/gocsp/pkg/socket"
	"github.com/gocsp/gocsp/pkg/wire"
	"github.com/stretchr/testify/require"
)

// node is a minimal, self-contained stack instance. Both nodes in this test
// share a single packet pool, modeling two logical CSP addresses on one
// shared buffer arena the way a single spacecraft OBC might run both ends
// of a loopback-tested link.
type node struct {
	fifo   *fifo.FIFO
	ifaces *iface.List
	rt     *rtable.Table
	conns  *conn.Table
	router *router.Router
	api    *socket.API
}

func newNode(t *testing.T, p *pool.Pool, addr uint16) *node {
	t.Helper()
	f := fifo.New(32, nil)
	ifl := iface.NewList()
	rt := rtable.New(16, wire.HostBits(wire.V1))
	ct := conn.NewTable(4, p)
	codec := wire.New(wire.V1)
	keys := integrity.NewKeyStore()
	r := router.New(f, dedup.New(8), rt, ifl, ct, p, codec, keys, nil)
	r.LocalAddress = func(a uint16) bool { return a == addr }
	api := socket.New(ct, p, r, keys, addr, nil)
	return &node{fifo: f, ifaces: ifl, rt: rt, conns: ct, router: r, api: api}
}

// wireTogether connects a's outbound traffic for dst directly into b's
// FIFO as though received on bIface, and vice versa.
func wireTogether(t *testing.T, a, b *node, aAddr, bAddr uint16) {
	t.Helper()
	aIface := &iface.Interface{Name: "link", Address: aAddr}
	bIface := &iface.Interface{Name: "link", Address: bAddr}
	require.NoError(t, a.ifaces.Register(aIface))
	require.NoError(t, b.ifaces.Register(bIface))

	aIface.Tx = func(ctx context.Context, via uint16, p *packet.Packet, fromMe bool) error {
		b.fifo.Enqueue(p, bIface)
		return nil
	}
	bIface.Tx = func(ctx context.Context, via uint16, p *packet.Packet, fromMe bool) error {
		a.fifo.Enqueue(p, aIface)
		return nil
	}

	require.NoError(t, a.rt.Set(bAddr, int(wire.HostBits(wire.V1)), aIface, rtable.NoVia))
	require.NoError(t, b.rt.Set(aAddr, int(wire.HostBits(wire.V1)), bIface, rtable.NoVia))
}

func TestRDPConnectAcceptSendRead(t *testing.T) {
	p := pool.New(64, nil)
	client := newNode(t, p, 1)
	server := newNode(t, p, 2)
	wireTogether(t, client, server, 1, 2)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go client.router.Run(ctx)
	go server.router.Run(ctx)

	sock := server.api.Socket(conn.FlagRDPRequired)
	require.NoError(t, server.api.Bind(sock, 7))
	require.NoError(t, server.api.Listen(sock, 4))

	type acceptResult struct {
		c   *conn.Connection
		err error
	}
	accepted := make(chan acceptResult, 1)
	go func() {
		c, err := server.api.Accept(ctx, sock, 2*time.Second)
		accepted <- acceptResult{c, err}
	}()

	clientConn, err := client.api.Connect(ctx, packet.PriorityNormal, 2, 7, conn.FlagRDPRequired, 2*time.Second)
	require.NoError(t, err)

	res := <-accepted
	require.NoError(t, res.err)
	serverConn := res.c

	require.NoError(t, client.api.Send(ctx, clientConn, []byte("hello rdp"), 0))

	readCtx, readCancel := context.WithTimeout(ctx, 2*time.Second)
	defer readCancel()
	payload, err := server.api.Read(readCtx, serverConn)
	require.NoError(t, err)
	require.Equal(t, []byte("hello rdp"), payload.Data())
}

func TestRDPConnectWithCRCRequiredStillEstablishes(t *testing.T) {
	p := pool.New(64, nil)
	client := newNode(t, p, 1)
	server := newNode(t, p, 2)
	wireTogether(t, client, server, 1, 2)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go client.router.Run(ctx)
	go server.router.Run(ctx)

	// A socket that requires both RDP sequencing and a CRC32 trailer on
	// every packet. Before the initial SYN carried the required transform,
	// the server's flagsSatisfy check rejected it and the handshake could
	// never complete.
	required := conn.FlagRDPRequired | conn.FlagCRCRequired
	sock := server.api.Socket(required)
	require.NoError(t, server.api.Bind(sock, 7))
	require.NoError(t, server.api.Listen(sock, 4))

	type acceptResult struct {
		c   *conn.Connection
		err error
	}
	accepted := make(chan acceptResult, 1)
	go func() {
		c, err := server.api.Accept(ctx, sock, 2*time.Second)
		accepted <- acceptResult{c, err}
	}()

	clientConn, err := client.api.Connect(ctx, packet.PriorityNormal, 2, 7, required, 2*time.Second)
	require.NoError(t, err, "handshake must succeed even though every packet now also carries a CRC32 trailer")

	res := <-accepted
	require.NoError(t, res.err)
	serverConn := res.c

	require.NoError(t, client.api.Send(ctx, clientConn, []byte("crc checked"), 0))

	readCtx, readCancel := context.WithTimeout(ctx, 2*time.Second)
	defer readCancel()
	payload, err := server.api.Read(readCtx, serverConn)
	require.NoError(t, err)
	require.Equal(t, []byte("crc checked"), payload.Data())
}

func TestConnLessSendToRecvFrom(t *testing.T) {
	p := pool.New(32, nil)
	client := newNode(t, p, 1)
	server := newNode(t, p, 2)
	wireTogether(t, client, server, 1, 2)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go client.router.Run(ctx)
	go server.router.Run(ctx)

	sock := server.api.Socket(conn.FlagConnLess)
	require.NoError(t, server.api.Bind(sock, 9))

	require.NoError(t, client.api.SendTo(ctx, packet.PriorityNormal, 2, 9, 5, []byte("ping")))

	pk, err := server.api.RecvFrom(ctx, sock, 2*time.Second)
	require.NoError(t, err)
	require.Equal(t, []byte("ping"), pk.Data())
}

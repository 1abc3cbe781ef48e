package loopif_test

import (
	"context"
	"testing"

	"github.com/gocsp/gocsp/pkg/fifo"
	"github.com/gocsp/gocsp/pkg/iface/loopif"
	"github.com/gocsp/gocsp/pkg/packet"
	"github.com/gocsp/gocsp/pkg/pool"
	"github.com/stretchr/testify/require"
)

func TestTransmitReenqueuesToFIFO(t *testing.T) {
	f := fifo.New(8, nil)
	lo := loopif.New(1, f)

	p := pool.New(2, nil)
	pk, err := p.Get(context.Background())
	require.NoError(t, err)
	pk.SetData([]byte("loop"))

	require.NoError(t, lo.Tx(context.Background(), 0, pk, true))

	item, ok, err := f.Dequeue(context.Background(), 0)
	require.NoError(t, err)
	require.True(t, ok)
	require.Same(t, lo, item.Iface)
	require.Equal(t, []byte("loop"), item.Packet.Data())
}

package fifo_test

import (
	"context"
	"testing"
	"time"

	"github.com/gocsp/gocsp/pkg/fifo"
	"github.com/gocsp/gocsp/pkg/iface"
	"github.com/gocsp/gocsp/pkg/packet"
	"github.com/stretchr/testify/require"
)

func TestDequeuePicksHighestPriorityFirst(t *testing.T) {
	f := fifo.New(16, nil)
	low := &packet.Packet{Priority: packet.PriorityLow}
	crit := &packet.Packet{Priority: packet.PriorityCritical}

	require.True(t, f.Enqueue(low, nil))
	require.True(t, f.Enqueue(crit, nil))

	it, ok, err := f.Dequeue(context.Background(), time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	require.Same(t, crit, it.Packet, "critical priority must be dispatched before low")
}

func TestDequeueTimeoutReturnsNotOkNoError(t *testing.T) {
	f := fifo.New(4, nil)
	_, ok, err := f.Dequeue(context.Background(), 20*time.Millisecond)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestEnqueueOverflowDropsAndIncrementsCounter(t *testing.T) {
	f := fifo.New(4, nil) // 1 slot per priority level
	i := &iface.Interface{Name: "x"}
	p1 := &packet.Packet{Priority: packet.PriorityNormal}
	p2 := &packet.Packet{Priority: packet.PriorityNormal}

	require.True(t, f.Enqueue(p1, i))
	require.False(t, f.Enqueue(p2, i), "second enqueue at the same priority should overflow the 1-slot queue")
	require.EqualValues(t, 1, i.Stats().Drop)
}

func TestAllowDropLogPacesAfterBurst(t *testing.T) {
	f := fifo.New(4, nil)
	allowed := 0
	for i := 0; i < 10; i++ {
		if f.AllowDropLog() {
			allowed++
		}
	}
	require.Less(t, allowed, 10, "burst of 10 should exceed the limiter's initial token bucket")
	require.Greater(t, allowed, 0)
}

func TestDequeueCtxCancelPropagatesError(t *testing.T) {
	f := fifo.New(4, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := f.Dequeue(ctx, time.Second)
	require.Error(t, err)
}

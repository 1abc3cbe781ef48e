// Package fifo implements the QoS input FIFO of spec §4.E: one priority
// queue per level when QoS is enabled (always, in this implementation),
// fed by interface drivers and drained by the router in strict priority
// order, plus an ISR-safe non-blocking enqueue path.
package fifo

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/gocsp/gocsp/pkg/iface"
	"github.com/gocsp/gocsp/pkg/packet"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Item is one entry in the FIFO: a packet paired with the interface it
// arrived on, as required for local-delivery vs forward decisions.
type Item struct {
	Packet *packet.Packet
	Iface  *iface.Interface
}

// FIFO is a bounded, priority-ordered input queue. capacity (FIFO_INPUT in
// spec terms) is split evenly across the priority levels; once a packet's
// own level is full, Enqueue/EnqueueISR drop it and increment the owning
// interface's drop counter, even if other levels still have room.
type FIFO struct {
	queues   [packet.NumPriorities]chan Item
	event    chan struct{}
	dropRate *rate.Limiter // paces drop-log noise, not drops themselves
	log      *zap.Logger

	depth int64 // diagnostics: current total queued items
}

// New returns a FIFO with capacity/NumPriorities slots per priority level
// (at least one each). log may be nil, in which case overflow is still counted on the
// owning interface but never logged.
func New(capacity int, log *zap.Logger) *FIFO {
	if log == nil {
		log = zap.NewNop()
	}
	f := &FIFO{
		event:    make(chan struct{}, capacity),
		dropRate: rate.NewLimiter(rate.Limit(5), 5),
		log:      log,
	}
	per := capacity / packet.NumPriorities
	if per < 1 {
		per = 1
	}
	for i := range f.queues {
		f.queues[i] = make(chan Item, per)
	}
	return f
}

// Enqueue publishes (p, i) onto its priority's queue and posts one event
// token, blocking the caller only as long as it takes to check the queue
// (never indefinitely): on overflow it drops the packet and increments
// i.Drop, matching spec §4.E's overflow behavior, and returns false.
func (f *FIFO) Enqueue(p *packet.Packet, i *iface.Interface) bool {
	q := f.queues[p.Priority]
	select {
	case q <- Item{Packet: p, Iface: i}:
		atomic.AddInt64(&f.depth, 1)
		select {
		case f.event <- struct{}{}:
		default:
		}
		return true
	default:
		if i != nil {
			i.IncDrop()
		}
		f.logDrop(i)
		return false
	}
}

// EnqueueISR is the non-blocking variant for interrupt-equivalent (driver
// rx) contexts. taskWoken reports whether a blocked Dequeue call was (or
// will be) woken by this enqueue — metadata only, per spec §9; callers that
// don't care may ignore it.
func (f *FIFO) EnqueueISR(p *packet.Packet, i *iface.Interface) (ok, taskWoken bool) {
	q := f.queues[p.Priority]
	select {
	case q <- Item{Packet: p, Iface: i}:
		atomic.AddInt64(&f.depth, 1)
		woken := false
		select {
		case f.event <- struct{}{}:
			woken = true
		default:
		}
		return true, woken
	default:
		if i != nil {
			i.IncDrop()
		}
		f.logDrop(i)
		return false, false
	}
}

// Dequeue blocks until an item is available or timeout elapses, then drains
// the highest-priority non-empty queue. A zero timeout waits indefinitely
// (spec §5 MAX_TIMEOUT convention is modeled as timeout<=0).
func (f *FIFO) Dequeue(ctx context.Context, timeout time.Duration) (Item, bool, error) {
	waitCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		waitCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	select {
	case <-f.event:
		// fall through to priority scan below
	case <-waitCtx.Done():
		if ctx.Err() != nil {
			return Item{}, false, ctx.Err()
		}
		return Item{}, false, nil // timeout: caller ticks RDP and continues
	}
	for p := packet.Priority(0); int(p) < packet.NumPriorities; p++ {
		select {
		case it := <-f.queues[p]:
			atomic.AddInt64(&f.depth, -1)
			return it, true, nil
		default:
		}
	}
	// Event token fired but the item it represented for was already taken
	// by a racing dequeuer; treat as a spurious wakeup.
	return Item{}, false, nil
}

// Depth returns the current total number of queued items, for diagnostics.
func (f *FIFO) Depth() int64 { return atomic.LoadInt64(&f.depth) }

// AllowDropLog reports whether the caller may emit one more "queue full,
// dropping packet" log line right now. Overflow drops themselves are never
// rate-limited (every drop still increments the interface counter); this
// only paces how noisy the router's logging gets under sustained overflow.
func (f *FIFO) AllowDropLog() bool { return f.dropRate.Allow() }

// logDrop emits a rate-limited warning for an overflow drop. Exposed
// indirectly via AllowDropLog for callers that want to fold their own
// fields into the line; Enqueue/EnqueueISR use it directly so every
// overflow path gets the same pacing without each driver wiring it itself.
func (f *FIFO) logDrop(i *iface.Interface) {
	if !f.dropRate.Allow() {
		return
	}
	name := "?"
	if i != nil {
		name = i.Name
	}
	f.log.Warn("input fifo full, dropping packet", zap.String("interface", name), zap.Int64("depth", f.Depth()))
}

// Package pool implements the fixed-count packet buffer pool of spec §4.A:
// a bounded free list of packet.Packet cells with reference counting, no
// dynamic growth, and a non-blocking ISR-safe allocation path.
package pool

import (
	"context"
	"sync/atomic"

	"github.com/gocsp/gocsp/pkg/packet"
	"go.uber.org/zap"
)

// Pool is a fixed-count arena of packet cells. The zero value is not
// usable; construct with New. Safe for concurrent use.
type Pool struct {
	cells []packet.Packet
	free  chan *packet.Packet
	log   *zap.Logger

	allocated int64 // diagnostics only
}

// New allocates count cells up front and fills the free list. Matches the
// source's "allocated once per process" contract (spec §4.A).
func New(count int, log *zap.Logger) *Pool {
	if log == nil {
		log = zap.NewNop()
	}
	p := &Pool{
		cells: make([]packet.Packet, count),
		free:  make(chan *packet.Packet, count),
		log:   log,
	}
	for i := range p.cells {
		p.cells[i].SetSlot(i)
		p.free <- &p.cells[i]
	}
	return p
}

// Count returns the total number of cells in the pool.
func (p *Pool) Count() int { return cap(p.free) }

// Remaining returns the number of cells currently on the free list. At
// quiescence this equals Count(); any smaller value indicates cells are in
// use somewhere in the stack (the leak-detection property of spec §4.A).
func (p *Pool) Remaining() int { return len(p.free) }

// Get allocates a cell, blocking until one is free or ctx is done. The
// returned cell's header fields are cleared (but payload bytes are not
// zeroed, matching "contents are not zeroed on allocation").
func (p *Pool) Get(ctx context.Context) (*packet.Packet, error) {
	select {
	case c := <-p.free:
		c.Reset()
		atomic.AddInt64(&p.allocated, 1)
		return c, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// GetISR is the non-blocking variant callable from an interrupt-equivalent
// (driver rx callback) context: it never blocks, returning ok=false
// immediately if the pool is exhausted.
func (p *Pool) GetISR() (c *packet.Packet, ok bool) {
	select {
	case c = <-p.free:
		c.Reset()
		atomic.AddInt64(&p.allocated, 1)
		return c, true
	default:
		return nil, false
	}
}

// Free decrements the cell's refcount; at zero it is returned to the free
// list. A nil packet is a no-op, matching spec's idempotent-free property.
// Freeing a cell with a refcount that is already zero (a double free) is
// logged and ignored rather than corrupting the free list a second time.
func (p *Pool) Free(c *packet.Packet) {
	if c == nil {
		return
	}
	n := c.DecRef()
	switch {
	case n > 0:
		return
	case n == 0:
		atomic.AddInt64(&p.allocated, -1)
		p.free <- c
	default:
		p.log.Error("double free of packet cell", zap.Int("slot", c.Slot()))
	}
}

// RefcInc increments the cell's reference count; the next Free will not
// release it. Used when a packet is simultaneously queued and retained.
func (p *Pool) RefcInc(c *packet.Packet) {
	if c == nil {
		return
	}
	c.IncRef()
}

// Clone allocates a new cell and copies the full contents of c into it,
// including header fields, length, and payload bytes, but not ownership
// state (the clone starts with refcount 1).
func (p *Pool) Clone(ctx context.Context, c *packet.Packet) (*packet.Packet, error) {
	if c == nil {
		return nil, nil
	}
	n, err := p.Get(ctx)
	if err != nil {
		return nil, err
	}
	n.Priority = c.Priority
	n.Source = c.Source
	n.Destination = c.Destination
	n.SourcePort = c.SourcePort
	n.DestinationPort = c.DestinationPort
	n.Flags = c.Flags
	n.Length = c.Length
	n.Payload = c.Payload
	n.CFPID = c.CFPID
	n.RxCount = c.RxCount
	n.Remain = c.Remain
	n.LastUsed = c.LastUsed
	return n, nil
}

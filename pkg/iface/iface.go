// Package iface implements the interface registry of spec §4.D: an
// append-only list of named interfaces, each bound to a driver tx function,
// with monotonic traffic counters and default-route promotion.
package iface

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gocsp/gocsp/pkg/packet"
)

// MaxNameLength is the longest name an interface may be registered under.
const MaxNameLength = 10

// TxFunc sends p out the interface toward via (or directly, if via is the
// interface's own NoVia sentinel value handled by the router). Drivers must
// free p on success; forwarding failures are surfaced as an error so the
// router can try the next rtable.SearchBackward candidate.
type TxFunc func(ctx context.Context, via uint16, p *packet.Packet, fromMe bool) error

// Stats are the monotonic per-interface counters of spec §3. Updated
// without locking; readers may observe monotonic, possibly slightly stale,
// values (spec §5 "Shared resources").
type Stats struct {
	Tx, Rx, TxError, RxError, Drop, AuthErr, Frame uint64
	TxBytes, RxBytes                               uint64
}

// Interface is a named binding of driver code to the stack.
type Interface struct {
	Name       string
	Address    uint16
	Netmask    int
	Default    bool
	Tx         TxFunc
	DriverData any

	stats Stats
	next  *Interface
}

func (i *Interface) IncTx(n int)      { atomic.AddUint64(&i.stats.Tx, 1); atomic.AddUint64(&i.stats.TxBytes, uint64(n)) }
func (i *Interface) IncRx(n int)      { atomic.AddUint64(&i.stats.Rx, 1); atomic.AddUint64(&i.stats.RxBytes, uint64(n)) }
func (i *Interface) IncTxError()      { atomic.AddUint64(&i.stats.TxError, 1) }
func (i *Interface) IncRxError()      { atomic.AddUint64(&i.stats.RxError, 1) }
func (i *Interface) IncDrop()         { atomic.AddUint64(&i.stats.Drop, 1) }
func (i *Interface) IncAuthErr()      { atomic.AddUint64(&i.stats.AuthErr, 1) }
func (i *Interface) IncFrame()        { atomic.AddUint64(&i.stats.Frame, 1) }

// Stats returns a point-in-time snapshot of the interface's counters.
func (i *Interface) Stats() Stats {
	return Stats{
		Tx:      atomic.LoadUint64(&i.stats.Tx),
		Rx:      atomic.LoadUint64(&i.stats.Rx),
		TxError: atomic.LoadUint64(&i.stats.TxError),
		RxError: atomic.LoadUint64(&i.stats.RxError),
		Drop:    atomic.LoadUint64(&i.stats.Drop),
		AuthErr: atomic.LoadUint64(&i.stats.AuthErr),
		Frame:   atomic.LoadUint64(&i.stats.Frame),
		TxBytes: atomic.LoadUint64(&i.stats.TxBytes),
		RxBytes: atomic.LoadUint64(&i.stats.RxBytes),
	}
}

// List is the singly-linked, append-only interface registry.
type List struct {
	mu   sync.RWMutex
	head *Interface
	tail *Interface
}

// NewList returns an empty registry.
func NewList() *List { return &List{} }

// Register appends iface to the list. Names must be unique and at most
// MaxNameLength bytes.
func (l *List) Register(i *Interface) error {
	if len(i.Name) == 0 || len(i.Name) > MaxNameLength {
		return fmt.Errorf("iface: register %q: name must be 1..%d bytes", i.Name, MaxNameLength)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for c := l.head; c != nil; c = c.next {
		if c.Name == i.Name {
			return fmt.Errorf("iface: register %q: name already in use", i.Name)
		}
	}
	if l.head == nil {
		l.head = i
	} else {
		l.tail.next = i
	}
	l.tail = i
	return nil
}

// GetByName returns the interface named name, or nil.
func (l *List) GetByName(name string) *Interface {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for c := l.head; c != nil; c = c.next {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// GetByAddr returns the interface whose local address equals addr, or nil.
func (l *List) GetByAddr(addr uint16) *Interface {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for c := l.head; c != nil; c = c.next {
		if c.Address == addr {
			return c
		}
	}
	return nil
}

// GetBySubnet returns the interface whose (address, netmask) subnet
// contains addr, or nil.
func (l *List) GetBySubnet(addr uint16, hostBits uint) *Interface {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for c := l.head; c != nil; c = c.next {
		prefixBits := int(hostBits) - c.Netmask
		if prefixBits < 0 {
			continue
		}
		shift := uint(prefixBits)
		if (c.Address >> shift) == (addr >> shift) {
			return c
		}
	}
	return nil
}

// GetByIndex returns the i'th registered interface (0-based) in insertion
// order, or nil if out of range.
func (l *List) GetByIndex(idx int) *Interface {
	l.mu.RLock()
	defer l.mu.RUnlock()
	i := 0
	for c := l.head; c != nil; c = c.next {
		if i == idx {
			return c
		}
		i++
	}
	return nil
}

// Each calls fn for every registered interface in insertion order.
func (l *List) Each(fn func(*Interface)) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for c := l.head; c != nil; c = c.next {
		fn(c)
	}
}

// CheckDefault promotes every registered interface to Default=true when
// none currently has the flag set, guaranteeing routing never fails purely
// for lack of a default route (spec §4.D).
func (l *List) CheckDefault() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for c := l.head; c != nil; c = c.next {
		if c.Default {
			return
		}
	}
	for c := l.head; c != nil; c = c.next {
		c.Default = true
	}
}

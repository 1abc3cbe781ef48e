// Package conn implements the connection table of spec §4.H and the
// embedded RDP control block of spec §4.J (kept in one package because the
// two are tightly coupled in every real implementation consulted, the
// teacher's own UsagePool-style refcounted bookkeeping included — see
// DESIGN.md). It also implements socket port binding.
package conn

import (
	"context"
	"fmt"
	"sync"

	"github.com/gocsp/gocsp/pkg/packet"
	"github.com/gocsp/gocsp/pkg/pool"
)

// State is a connection's lifecycle state (spec §3: CLOSED or OPEN; RDP
// connections additionally pass through the finer-grained states tracked
// in RDPState.state).
type State int

const (
	StateClosed State = iota
	StateOpen
)

// Kind distinguishes connection-less from connection-oriented use.
type Kind int

const (
	KindConnectionLess Kind = iota
	KindConnectionOriented
)

// MaxBindPort bounds the port namespace (spec §6).
const MaxBindPort = 255

// AnyPort is the wildcard destination port a socket may bind to, consulted
// only when no exact bound port matches.
const AnyPort uint8 = 255

// TransmitFunc sends a fully-formed packet out the wire on behalf of a
// connection (wire header + integrity transforms + rtable/iface lookup),
// supplied by the layer that owns those subsystems (the root package's
// service API) so that pkg/conn itself has no dependency on wire codecs or
// interface drivers.
type TransmitFunc func(ctx context.Context, p *packet.Packet) error

// DeliverFunc hands a fully reassembled/ordered payload packet to user
// code; for RDP connections this is called once per in-order payload.
type DeliverFunc func(p *packet.Packet)

// SocketFlags are the per-socket requirements of spec §4 "Socket".
type SocketFlags uint8

const (
	FlagConnLess    SocketFlags = 1 << iota
	FlagHMACRequired
	FlagCRCRequired
	FlagXTEARequired
	FlagRDPRequired
)

// Socket is a passive binding of a local port to a user endpoint.
type Socket struct {
	Flags   SocketFlags
	Port    uint8
	Backlog int

	accept chan *Connection  // incoming connection-oriented conns awaiting Accept
	recv   chan *packet.Packet // direct delivery queue for connection-less sockets
	closed bool
	mu     sync.Mutex
}

func newSocket(flags SocketFlags) *Socket {
	return &Socket{
		Flags:  flags,
		accept: make(chan *Connection, 16),
		recv:   make(chan *packet.Packet, 64),
	}
}

// IsConnLess reports whether the socket was created without RDP/streaming
// semantics (spec's CONN-LESS flag).
func (s *Socket) IsConnLess() bool { return s.Flags&FlagConnLess != 0 }

// Enqueue places an incoming connection-less packet directly on the
// socket's receive queue (spec §4.G local-delivery rule); returns false if
// the queue is full.
func (s *Socket) Enqueue(p *packet.Packet) bool {
	select {
	case s.recv <- p:
		return true
	default:
		return false
	}
}

// Recv exposes the connection-less receive channel for the service layer's
// RecvFrom implementation.
func (s *Socket) Recv() <-chan *packet.Packet { return s.recv }

// OfferAccept places a newly-allocated connection on the socket's accept
// backlog; returns false (and the connection should be closed by the
// caller) if the backlog is full.
func (s *Socket) OfferAccept(c *Connection) bool {
	select {
	case s.accept <- c:
		return true
	default:
		return false
	}
}

// Accept exposes the accept channel for the service layer's Accept
// implementation.
func (s *Socket) Accept() <-chan *Connection { return s.accept }

// Close marks the socket closed, as reported by IsClosed; it is idempotent
// and safe to call concurrently with Enqueue/OfferAccept. Enqueue and
// OfferAccept do not consult the flag and keep accepting afterward.
func (s *Socket) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

// IsClosed reports whether Close has been called.
func (s *Socket) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Connection is a single 4-tuple binding with its own receive queues and
// optional RDP state.
type Connection struct {
	mu sync.Mutex

	slot  int
	state State
	kind  Kind

	IDIn  packet.Identifier
	IDOut packet.Identifier

	rx [packet.NumPriorities]chan *packet.Packet

	openedBy byte
	closedBy byte

	RDP *RDPState

	transmit TransmitFunc
	pool     *pool.Pool

	closedCh chan struct{}
}

// State returns the connection's coarse lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Tuple returns the (src, sport, dst, dport) identifying this connection's
// inbound template, used for exact-match lookups.
func (c *Connection) Tuple() (src uint16, sport uint8, dst uint16, dport uint8) {
	return c.IDIn.Source, c.IDIn.SourcePort, c.IDIn.Destination, c.IDIn.DestinationPort
}

// Transmit sends p out via the connection's wired TransmitFunc (installed
// by whichever layer allocated the connection), for use by higher-level
// protocols layered on top of a plain connection (pkg/sfp).
func (c *Connection) Transmit(ctx context.Context, p *packet.Packet) error {
	return c.transmit(ctx, p)
}

// EnqueueRx places p on the connection's per-priority receive queue,
// returning false (and leaving p for the caller to free) if full.
func (c *Connection) EnqueueRx(p *packet.Packet) bool {
	select {
	case c.rx[p.Priority] <- p:
		return true
	default:
		return false
	}
}

// Read dequeues the next payload in strict priority order (Critical, then
// High, Normal, Low), blocking until one is available, the connection
// closes, or ctx is done. Each priority level is tried as its own
// non-blocking select so that, unlike a single select listing every
// priority as a case, a lower-priority item already queued can never win a
// pseudo-random select pick over a higher-priority one (mirrors
// pkg/fifo.FIFO.Dequeue's descending scan).
func (c *Connection) Read(ctx context.Context) (*packet.Packet, error) {
	for {
		for prio := packet.PriorityCritical; int(prio) < packet.NumPriorities; prio++ {
			select {
			case p := <-c.rx[prio]:
				return p, nil
			default:
			}
		}
		select {
		case p := <-c.rx[packet.PriorityCritical]:
			return p, nil
		case p := <-c.rx[packet.PriorityHigh]:
			return p, nil
		case p := <-c.rx[packet.PriorityNormal]:
			return p, nil
		case p := <-c.rx[packet.PriorityLow]:
			return p, nil
		case <-c.closedCh:
			return nil, fmt.Errorf("conn: read: connection closed")
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Table is the fixed-size connection pool of spec §4.H.
type Table struct {
	mu    sync.Mutex
	slots []Connection

	portMu sync.RWMutex
	ports  map[uint8]*Socket
	any    *Socket

	pool *pool.Pool
}

// NewTable allocates a fixed pool of capacity connection slots.
func NewTable(capacity int, p *pool.Pool) *Table {
	t := &Table{
		slots: make([]Connection, capacity),
		ports: make(map[uint8]*Socket),
		pool:  p,
	}
	for i := range t.slots {
		t.slots[i].slot = i
		t.slots[i].pool = p
	}
	return t
}

// NewSocket constructs a socket with the given requirement flags. It is
// not usable for delivery until bound via Bind.
func (t *Table) NewSocket(flags SocketFlags) *Socket { return newSocket(flags) }

// Bind installs port -> socket. AnyPort registers the wildcard fallback.
func (t *Table) Bind(s *Socket, port uint8) error {
	t.portMu.Lock()
	defer t.portMu.Unlock()
	if port == AnyPort {
		if t.any != nil {
			return fmt.Errorf("conn: bind: ANY already bound")
		}
		t.any = s
		s.Port = port
		return nil
	}
	if port > MaxBindPort {
		return fmt.Errorf("conn: bind: port %d exceeds MAX_BIND_PORT", port)
	}
	if _, used := t.ports[port]; used {
		return fmt.Errorf("conn: bind: port %d already in use", port)
	}
	t.ports[port] = s
	s.Port = port
	return nil
}

// LookupBind resolves the socket bound to port, falling back to the ANY
// wildcard socket if no exact binding exists.
func (t *Table) LookupBind(port uint8) (*Socket, bool) {
	t.portMu.RLock()
	defer t.portMu.RUnlock()
	if s, ok := t.ports[port]; ok {
		return s, true
	}
	if t.any != nil {
		return t.any, true
	}
	return nil, false
}

// Allocate claims the first CLOSED slot for a new connection, initializing
// its identifier templates and clearing its queues. Returns a nil
// *Connection and an error on exhaustion.
func (t *Table) Allocate(idIn, idOut packet.Identifier, kind Kind, tx TransmitFunc) (*Connection, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.slots {
		c := &t.slots[i]
		c.mu.Lock()
		if c.state == StateClosed {
			c.state = StateOpen
			c.kind = kind
			c.IDIn = idIn
			c.IDOut = idOut
			c.transmit = tx
			c.openedBy = 0
			c.closedBy = 0
			c.RDP = nil
			c.closedCh = make(chan struct{})
			for p := range c.rx {
				c.rx[p] = make(chan *packet.Packet, 16)
			}
			c.mu.Unlock()
			return c, nil
		}
		c.mu.Unlock()
	}
	return nil, fmt.Errorf("conn: allocate: connection table exhausted")
}

// Lookup performs an exact 4-tuple match over OPEN slots.
func (t *Table) Lookup(src uint16, sport uint8, dst uint16, dport uint8) (*Connection, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.slots {
		c := &t.slots[i]
		c.mu.Lock()
		if c.state == StateOpen && c.IDIn.Source == src && c.IDIn.SourcePort == sport &&
			c.IDIn.Destination == dst && c.IDIn.DestinationPort == dport {
			c.mu.Unlock()
			return c, true
		}
		c.mu.Unlock()
	}
	return nil, false
}

// Each calls fn for every OPEN connection in slot order, used by the
// router's RDP housekeeping sweep. fn runs with the table lock held, so it
// must not call Allocate, Lookup or Each on the same Table.
func (t *Table) Each(fn func(c *Connection)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.slots {
		c := &t.slots[i]
		c.mu.Lock()
		open := c.state == StateOpen
		c.mu.Unlock()
		if open {
			fn(c)
		}
	}
}

// Close drains c's receive queues (freeing each packet), marks it CLOSED,
// and records by. Safe to call from either peer, and idempotent.
func (t *Table) Close(c *Connection, by byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed {
		return
	}
	c.state = StateClosed
	c.closedBy = by
	for p := range c.rx {
		for {
			select {
			case pkt := <-c.rx[p]:
				t.pool.Free(pkt)
			default:
				goto nextQueue
			}
		}
	nextQueue:
	}
	close(c.closedCh)
	c.RDP = nil
}

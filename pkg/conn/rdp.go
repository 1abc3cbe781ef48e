package conn

import (
	"context"
	"encoding/binary"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/gocsp/gocsp/pkg/integrity"
	"github.com/gocsp/gocsp/pkg/packet"
	"go.uber.org/zap"
)

// requiredTransforms translates a socket's declared integrity requirements
// into the packet.Flags ApplyRequired should apply to every packet the
// resulting RDP control block transmits, so the handshake's own SYN/ACK
// traffic satisfies the same requirement the receiver's flagsSatisfy check
// (pkg/router) enforces on the first-seen SYN.
func requiredTransforms(flags SocketFlags) packet.Flags {
	var want packet.Flags
	if flags&FlagCRCRequired != 0 {
		want |= packet.FlagCRC32
	}
	if flags&FlagHMACRequired != 0 {
		want |= packet.FlagHMAC
	}
	if flags&FlagXTEARequired != 0 {
		want |= packet.FlagXTEA
	}
	return want
}

// RDPConnState is the state machine of spec §4.J.
type RDPConnState int

const (
	RDPClosed RDPConnState = iota
	RDPListen
	RDPSynSent
	RDPSynRcvd
	RDPOpen
	RDPCloseWait
	RDPTimedOut
)

func (s RDPConnState) String() string {
	switch s {
	case RDPClosed:
		return "CLOSED"
	case RDPListen:
		return "LISTEN"
	case RDPSynSent:
		return "SYN_SENT"
	case RDPSynRcvd:
		return "SYN_RCVD"
	case RDPOpen:
		return "OPEN"
	case RDPCloseWait:
		return "CLOSE_WAIT"
	case RDPTimedOut:
		return "TIMED_OUT"
	default:
		return "UNKNOWN"
	}
}

// rdpFlag bits, internal to this implementation. The RDP header
// {seq, ack, flags, window, eack...} is written in front of the payload,
// not appended after it.
type rdpFlag uint8

const (
	rdpSYN rdpFlag = 1 << iota
	rdpACK
	rdpFIN
	rdpRST
	rdpEACK
)

// RDPConfig tunes the window, retry budget and timers of spec §4.J. Tick
// enforces PacketTimeout and ConnTimeout; DelayedAck is carried but not read.
type RDPConfig struct {
	Window         int
	MaxRetries     int
	PacketTimeout  time.Duration
	DelayedAck     time.Duration
	ConnTimeout    time.Duration
}

// DefaultRDPConfig matches libcsp's conservative satellite-link defaults.
func DefaultRDPConfig() RDPConfig {
	return RDPConfig{
		Window:        4,
		MaxRetries:    10,
		PacketTimeout: 3 * time.Second,
		DelayedAck:    100 * time.Millisecond,
		ConnTimeout:   60 * time.Second,
	}
}

type retxEntry struct {
	seq    uint16
	p      *packet.Packet
	sentAt time.Time
	tries  int
}

// RDPState is the sliding-window control block embedded in a Connection
// once RDP is negotiated (spec §4.J). Access is serialized by the owning
// Connection's mutex; callers must hold c.mu (or call only through
// Connection/RDPState methods, which take it internally).
type RDPState struct {
	conn *Connection
	cfg  RDPConfig
	log  *zap.Logger

	want packet.Flags
	keys *integrity.KeyStore

	state RDPConnState

	sndNxt uint16 // next sequence number to assign to outbound data
	sndUna uint16 // oldest unacknowledged sequence number
	rcvNxt uint16 // next in-order sequence expected from peer

	retx []retxEntry    // ordered by seq, oldest first
	ooo  []*packet.Packet // out-of-order receive buffer, by seq

	retriesLeft int
	lastActive  time.Time

	retransmits uint64

	// OnOpen, if set, is invoked exactly once when the passive (server) side
	// completes its handshake and transitions SYN_RCVD -> OPEN, so the
	// router can offer the now-usable connection to the listening socket's
	// accept queue.
	OnOpen func(*Connection)
}

// NewRDP attaches an RDP control block to c, initializing sequence state
// for an active OPEN (client-initiated connect). reqFlags is the owning
// socket's declared requirements (conn.FlagHMACRequired and friends);
// every packet this control block transmits — control and data alike —
// has the corresponding transforms applied via keys, so the connection can
// actually establish against a peer enforcing those same requirements.
// keys may be nil only if reqFlags requires none of HMAC/CRC32/XTEA.
func NewRDP(c *Connection, cfg RDPConfig, reqFlags SocketFlags, keys *integrity.KeyStore, log *zap.Logger) *RDPState {
	if log == nil {
		log = zap.NewNop()
	}
	r := &RDPState{
		conn:        c,
		cfg:         cfg,
		log:         log,
		want:        requiredTransforms(reqFlags),
		keys:        keys,
		state:       RDPClosed,
		retriesLeft: cfg.MaxRetries,
		lastActive:  time.Time{},
	}
	c.RDP = r
	return r
}

// State returns the current RDP state.
func (r *RDPState) State() RDPConnState {
	r.conn.mu.Lock()
	defer r.conn.mu.Unlock()
	return r.state
}

// Retransmits reports how many retransmission-queue entries Tick has
// resent over this connection's lifetime, for the router's metrics.
func (r *RDPState) Retransmits() uint64 {
	return atomic.LoadUint64(&r.retransmits)
}

func encodeRDPHeader(seq, ack uint16, flags rdpFlag, window uint8, eack []uint16) []byte {
	buf := make([]byte, 6+2*len(eack))
	binary.BigEndian.PutUint16(buf[0:2], seq)
	binary.BigEndian.PutUint16(buf[2:4], ack)
	buf[4] = byte(flags)
	buf[5] = window
	for i, s := range eack {
		binary.BigEndian.PutUint16(buf[6+2*i:8+2*i], s)
	}
	return buf
}

type rdpHeader struct {
	seq, ack uint16
	flags    rdpFlag
	window   uint8
	eack     []uint16
}

func decodeRDPHeader(b []byte) (rdpHeader, error) {
	if len(b) < 6 {
		return rdpHeader{}, fmt.Errorf("conn: rdp: header too short")
	}
	h := rdpHeader{
		seq:    binary.BigEndian.Uint16(b[0:2]),
		ack:    binary.BigEndian.Uint16(b[2:4]),
		flags:  rdpFlag(b[4]),
		window: b[5],
	}
	rest := b[6:]
	for len(rest) >= 2 {
		h.eack = append(h.eack, binary.BigEndian.Uint16(rest[:2]))
		rest = rest[2:]
	}
	return h, nil
}

// Connect initiates the active three-way handshake: transmits a SYN and
// transitions to SYN_SENT. The caller (service layer) is responsible for
// waiting on the connection's open signal or timing out.
func (r *RDPState) Connect(ctx context.Context) error {
	r.conn.mu.Lock()
	if r.state != RDPClosed {
		r.conn.mu.Unlock()
		return fmt.Errorf("conn: rdp: connect called from state %s", r.state)
	}
	r.state = RDPSynSent
	seq := r.sndNxt
	r.sndNxt++
	r.conn.mu.Unlock()

	return r.sendControl(ctx, seq, 0, rdpSYN, nil)
}

// Listen marks the control block passive, awaiting an incoming SYN.
func (r *RDPState) Listen() {
	r.conn.mu.Lock()
	defer r.conn.mu.Unlock()
	r.state = RDPListen
}

func (r *RDPState) sendControl(ctx context.Context, seq, ack uint16, flags rdpFlag, eack []uint16) error {
	p, err := r.conn.pool.Get(ctx)
	if err != nil {
		return fmt.Errorf("conn: rdp: send control: %w", err)
	}
	p.SetID(r.conn.IDOut)
	p.Flags |= packet.FlagRDP
	p.SetData(encodeRDPHeader(seq, ack, flags, uint8(r.cfg.Window), eack))
	if err := integrity.ApplyRequired(p, r.want, r.keys); err != nil {
		r.conn.pool.Free(p)
		return fmt.Errorf("conn: rdp: send control: %w", err)
	}
	return r.conn.transmit(ctx, p)
}

// Send transmits a data payload under RDP sequencing, retaining a copy in
// the retransmission queue until acknowledged.
func (r *RDPState) Send(ctx context.Context, data []byte) error {
	r.conn.mu.Lock()
	if r.state != RDPOpen {
		r.conn.mu.Unlock()
		return fmt.Errorf("conn: rdp: send called from state %s", r.state)
	}
	if len(r.retx) >= r.cfg.Window {
		r.conn.mu.Unlock()
		return fmt.Errorf("conn: rdp: send window full")
	}
	seq := r.sndNxt
	r.sndNxt++
	r.conn.mu.Unlock()

	p, err := r.conn.pool.Get(ctx)
	if err != nil {
		return fmt.Errorf("conn: rdp: send: %w", err)
	}
	p.SetID(r.conn.IDOut)
	p.Flags |= packet.FlagRDP
	body := append([]byte(nil), data...)
	hdr := encodeRDPHeader(seq, 0, rdpACK, uint8(r.cfg.Window), nil)
	p.SetData(append(hdr, body...))
	if err := integrity.ApplyRequired(p, r.want, r.keys); err != nil {
		r.conn.pool.Free(p)
		return fmt.Errorf("conn: rdp: send: %w", err)
	}

	cp, err := r.conn.pool.Clone(ctx, p)
	if err != nil {
		r.conn.pool.Free(p)
		return fmt.Errorf("conn: rdp: send: clone for retransmission: %w", err)
	}

	r.conn.mu.Lock()
	r.retx = append(r.retx, retxEntry{seq: seq, p: cp, sentAt: time.Now(), tries: 1})
	r.conn.mu.Unlock()

	return r.conn.transmit(ctx, p)
}

// seqLess returns a < b under 16-bit sequence-number wraparound rules.
func seqLess(a, b uint16) bool { return int16(a-b) < 0 }

// HandleIncoming processes an inbound RDP-flagged packet, advancing the
// state machine, acknowledging or NAK'ing as needed, and delivering
// in-order payloads to deliver. The packet is always freed by this
// function or handed to deliver (which takes ownership).
func (r *RDPState) HandleIncoming(ctx context.Context, p *packet.Packet, deliver DeliverFunc) {
	h, err := decodeRDPHeader(p.Data())
	if err != nil {
		r.conn.pool.Free(p)
		return
	}

	r.conn.mu.Lock()
	state := r.state
	r.lastActive = time.Now()

	switch {
	case state == RDPListen && h.flags&rdpSYN != 0:
		r.rcvNxt = h.seq + 1
		r.state = RDPSynRcvd
		seq := r.sndNxt
		r.sndNxt++
		ack := r.rcvNxt
		r.conn.mu.Unlock()
		r.conn.pool.Free(p)
		go r.sendControl(ctx, seq, ack, rdpSYN|rdpACK, nil)
		return

	case state == RDPSynSent && h.flags&rdpSYN != 0 && h.flags&rdpACK != 0:
		r.rcvNxt = h.seq + 1
		r.sndUna = h.ack
		r.state = RDPOpen
		seq := r.sndNxt
		r.sndNxt++
		ack := r.rcvNxt
		r.conn.mu.Unlock()
		r.conn.pool.Free(p)
		go r.sendControl(ctx, seq, ack, rdpACK, nil)
		return

	case state == RDPSynRcvd && h.flags&rdpACK != 0:
		r.sndUna = h.ack
		r.state = RDPOpen
		onOpen := r.OnOpen
		r.conn.mu.Unlock()
		r.conn.pool.Free(p)
		if onOpen != nil {
			onOpen(r.conn)
		}
		return

	case h.flags&rdpRST != 0:
		r.state = RDPClosed
		r.conn.mu.Unlock()
		r.conn.pool.Free(p)
		return

	case h.flags&rdpFIN != 0:
		r.state = RDPCloseWait
		r.conn.mu.Unlock()
		r.conn.pool.Free(p)
		return
	}

	// Data/ACK processing while OPEN.
	r.ackRetx(h.ack)
	for _, s := range h.eack {
		r.ackRetxSeq(s)
	}

	payload := p.Data()[6+2*len(h.eack):]
	hasPayload := len(payload) > 0

	if !hasPayload {
		r.conn.mu.Unlock()
		r.conn.pool.Free(p)
		return
	}

	if h.seq == r.rcvNxt {
		r.rcvNxt++
		drained := r.deliverOOOLocked()
		ack := r.rcvNxt
		r.conn.mu.Unlock()

		if deliver != nil {
			cp, err := r.conn.pool.Clone(ctx, p)
			if err == nil {
				cp.SetData(payload)
				deliver(cp)
			}
		}
		r.conn.pool.Free(p)
		for _, d := range drained {
			if deliver != nil {
				deliver(d)
			} else {
				r.conn.pool.Free(d)
			}
		}
		go r.sendControl(ctx, r.sndNxt, ack, rdpACK, nil)
		return
	}

	if seqLess(r.rcvNxt, h.seq) {
		// Out of order: buffer for later and EACK the sender.
		cp, err := r.conn.pool.Clone(ctx, p)
		if err == nil {
			cp.SetData(payload)
			cp.CFPID = uint32(h.seq)
			r.ooo = append(r.ooo, cp)
			sort.Slice(r.ooo, func(i, j int) bool { return r.ooo[i].CFPID < r.ooo[j].CFPID })
		}
		eack := r.pendingEACKLocked()
		ack := r.rcvNxt
		r.conn.mu.Unlock()
		r.conn.pool.Free(p)
		go r.sendControl(ctx, r.sndNxt, ack, rdpACK|rdpEACK, eack)
		return
	}

	// Duplicate/old segment: re-ACK, drop.
	ack := r.rcvNxt
	r.conn.mu.Unlock()
	r.conn.pool.Free(p)
	go r.sendControl(ctx, r.sndNxt, ack, rdpACK, nil)
}

// deliverOOOLocked drains and returns any buffered out-of-order packets
// that are now contiguous with rcvNxt. Caller holds conn.mu and is
// responsible for delivering or freeing the returned packets after
// unlocking.
func (r *RDPState) deliverOOOLocked() []*packet.Packet {
	var drained []*packet.Packet
	for len(r.ooo) > 0 && uint16(r.ooo[0].CFPID) == r.rcvNxt {
		drained = append(drained, r.ooo[0])
		r.rcvNxt++
		r.ooo = r.ooo[1:]
	}
	return drained
}

func (r *RDPState) pendingEACKLocked() []uint16 {
	seqs := make([]uint16, 0, len(r.ooo))
	for _, p := range r.ooo {
		seqs = append(seqs, uint16(p.CFPID))
	}
	return seqs
}

// ackRetx removes every retransmission-queue entry with seq < ack
// (cumulative acknowledgement).
func (r *RDPState) ackRetx(ack uint16) {
	kept := r.retx[:0]
	for _, e := range r.retx {
		if seqLess(e.seq, ack) {
			r.conn.pool.Free(e.p)
			continue
		}
		kept = append(kept, e)
	}
	r.retx = kept
}

// ackRetxSeq removes a single selectively-acknowledged entry (EACK).
func (r *RDPState) ackRetxSeq(seq uint16) {
	kept := r.retx[:0]
	for _, e := range r.retx {
		if e.seq == seq {
			r.conn.pool.Free(e.p)
			continue
		}
		kept = append(kept, e)
	}
	r.retx = kept
}

// Tick drives the retransmission and inactivity timers: it resends entries
// older than PacketTimeout (up to MaxRetries, then transitions to
// TIMED_OUT), and transitions to TIMED_OUT if ConnTimeout has elapsed with
// no activity. Reaching TIMED_OUT only changes the RDP state: the table slot
// stays OPEN and its queues are not drained. DelayedAck is not consulted;
// ACKs are sent as soon as a packet is handled. Called periodically by the
// router's idle housekeeping sweep.
func (r *RDPState) Tick(ctx context.Context) {
	r.conn.mu.Lock()
	if r.state != RDPOpen && r.state != RDPSynSent && r.state != RDPSynRcvd {
		r.conn.mu.Unlock()
		return
	}
	if !r.lastActive.IsZero() && time.Since(r.lastActive) > r.cfg.ConnTimeout {
		r.state = RDPTimedOut
		r.conn.mu.Unlock()
		return
	}
	now := time.Now()
	var toResend []retxEntry
	for i := range r.retx {
		if now.Sub(r.retx[i].sentAt) >= r.cfg.PacketTimeout {
			if r.retriesLeft <= 0 {
				r.state = RDPTimedOut
				r.conn.mu.Unlock()
				return
			}
			r.retriesLeft--
			r.retx[i].sentAt = now
			r.retx[i].tries++
			atomic.AddUint64(&r.retransmits, 1)
			toResend = append(toResend, r.retx[i])
		}
	}
	r.conn.mu.Unlock()

	for _, e := range toResend {
		cp, err := r.conn.pool.Clone(ctx, e.p)
		if err != nil {
			continue
		}
		r.conn.transmit(ctx, cp)
	}
}

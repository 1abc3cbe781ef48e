// Package service implements the built-in responders of spec §4.M: a set of
// well-known destination ports that, when delivered to an ANY-bound socket,
// reply automatically by reusing the incoming packet rather than requiring
// user code to handle them.
package service

import (
	"context"
	"encoding/binary"
	"fmt"
	"runtime"
	"time"

	"github.com/gocsp/gocsp/pkg/conn"
	"github.com/gocsp/gocsp/pkg/packet"
	"github.com/gocsp/gocsp/pkg/pool"
	"go.uber.org/zap"
)

// Well-known service ports, matching libcsp's csp_service_handler.c switch.
const (
	PortCSPPing     uint8 = 1
	PortCSPPS       uint8 = 2
	PortCSPMemFree  uint8 = 3
	PortCSPReboot   uint8 = 4
	PortCSPBufFree  uint8 = 5
	PortCSPUptime   uint8 = 7
	PortCSPIdent    uint8 = 8
	PortCSPShutdown uint8 = 9
)

// Magic words gating the destructive reboot/shutdown handlers.
const (
	MagicReboot   uint32 = 0x80078007
	MagicShutdown uint32 = 0x25252525
)

// Hooks lets the embedding application supply the platform-specific bits the
// handler contract references (task list, reboot, shutdown, identity
// string), defaulting to harmless stand-ins when left nil.
type Hooks struct {
	// ProcessList returns a task-list description for PS, analogous to
	// FreeRTOS's vTaskList. Defaults to a one-line "no task list available".
	ProcessList func() string

	// OnReboot is invoked after a valid reboot magic word; the process is
	// expected not to return from this call in a real deployment.
	OnReboot func()

	// OnShutdown is invoked after a valid shutdown magic word.
	OnShutdown func()

	// Ident returns the version/build identification string for IDENT.
	Ident func() string
}

// Handler answers the built-in service ports of spec §4.M over a single
// ANY-bound connection-less socket, in the style of csp_service_handler:
// every packet delivered here either gets turned into a reply in place or
// is freed and dropped.
type Handler struct {
	pool  *pool.Pool
	tx    conn.TransmitFunc
	hooks Hooks
	log   *zap.Logger

	started time.Time
}

// NewHandler constructs a service handler that transmits replies via tx
// (typically the router's Transmit) and reports pool occupancy from p.
func NewHandler(p *pool.Pool, tx conn.TransmitFunc, hooks Hooks, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{pool: p, tx: tx, hooks: hooks, log: log, started: time.Now()}
}

// Handle dispatches p by its destination port, mutating the packet in place
// and transmitting it as the reply, or freeing it if the port is not one of
// the built-ins or the request fails validation. p is always consumed: it is
// either handed to tx or freed before Handle returns.
func (h *Handler) Handle(ctx context.Context, p *packet.Packet) {
	switch p.DestinationPort {
	case PortCSPPing:
		// Echo: no change to the payload, just swap src/dst and send back.

	case PortCSPPS:
		list := "no task list available"
		if h.hooks.ProcessList != nil {
			list = h.hooks.ProcessList()
		}
		p.SetData([]byte(list))

	case PortCSPMemFree:
		var m runtime.MemStats
		runtime.ReadMemStats(&m)
		h.replyUint32(p, uint32(m.HeapIdle))

	case PortCSPBufFree:
		h.replyUint32(p, uint32(h.pool.Remaining()))

	case PortCSPUptime:
		h.replyUint32(p, uint32(time.Since(h.started).Seconds()))

	case PortCSPIdent:
		ident := fmt.Sprintf("gocsp (%s) built with %s", time.Now().Format("2006-01-02"), runtime.Version())
		if h.hooks.Ident != nil {
			ident = h.hooks.Ident()
		}
		p.SetData([]byte(ident))

	case PortCSPReboot:
		if !h.checkMagic(p, MagicReboot) {
			h.pool.Free(p)
			return
		}
		if h.hooks.OnReboot != nil {
			h.hooks.OnReboot()
		}

	case PortCSPShutdown:
		if !h.checkMagic(p, MagicShutdown) {
			h.pool.Free(p)
			return
		}
		if h.hooks.OnShutdown != nil {
			h.hooks.OnShutdown()
		}

	default:
		h.pool.Free(p)
		return
	}

	h.reply(ctx, p)
}

// IsServicePort reports whether port is one of the built-in responder ports,
// used by the caller (the stack's ANY socket dispatcher) to decide whether a
// packet belongs to this handler at all.
func IsServicePort(port uint8) bool {
	switch port {
	case PortCSPPing, PortCSPPS, PortCSPMemFree, PortCSPBufFree, PortCSPUptime,
		PortCSPIdent, PortCSPReboot, PortCSPShutdown:
		return true
	default:
		return false
	}
}

func (h *Handler) checkMagic(p *packet.Packet, want uint32) bool {
	if len(p.Data()) < 4 {
		return false
	}
	return binary.BigEndian.Uint32(p.Data()[:4]) == want
}

func (h *Handler) replyUint32(p *packet.Packet, v uint32) {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	p.SetData(buf[:])
}

// reply swaps the identifier's source/destination so the incoming packet
// becomes its own reply, then transmits it, freeing it on transmit failure.
func (h *Handler) reply(ctx context.Context, p *packet.Packet) {
	id := p.ID()
	id.Source, id.Destination = id.Destination, id.Source
	id.SourcePort, id.DestinationPort = id.DestinationPort, id.SourcePort
	p.SetID(id)

	if err := h.tx(ctx, p); err != nil {
		h.log.Debug("service handler: reply failed", zap.Error(err), zap.Uint8("port", id.SourcePort))
		h.pool.Free(p)
	}
}

// Package kissif implements a KISS-framed serial interface driver, the Go
// equivalent of original_source's csp_if_kiss.c/csp_if_kiss.h: frames are
// delimited by FEND bytes with FESC-based byte stuffing, carried over any
// io.ReadWriter (a real UART in production, a pipe or buffer in tests).
package kissif

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/gocsp/gocsp/pkg/fifo"
	"github.com/gocsp/gocsp/pkg/iface"
	"github.com/gocsp/gocsp/pkg/packet"
	"github.com/gocsp/gocsp/pkg/pool"
)

// KISS framing bytes (standard KISS protocol, matching csp_if_kiss's framing).
const (
	fend byte = 0xC0
	fesc byte = 0xDB
	tfend byte = 0xDC
	tfesc byte = 0xDD

	// cmdData is the KISS command nibble for a data frame (the only command
	// this driver emits or accepts; other command values are skipped as
	// unsupported, matching csp_if_kiss treating anything but data as noise).
	cmdData byte = 0x00
)

// rxMode mirrors csp_kiss_mode_t's four-state receive state machine.
type rxMode int

const (
	modeNotStarted rxMode = iota
	modeStarted
	modeEscaped
	modeSkipFrame
)

// Driver frames outbound packets and decodes inbound bytes into packets over
// a single serial-like transport.
type Driver struct {
	rw   io.ReadWriter
	pool *pool.Pool
	fifo *fifo.FIFO
	ifc  *iface.Interface

	mu   sync.Mutex
	mode rxMode
	buf  []byte
}

// New constructs a KISS driver named name, bound to addr, framing over rw.
func New(rw io.ReadWriter, name string, addr uint16, p *pool.Pool, f *fifo.FIFO) *Driver {
	d := &Driver{rw: rw, pool: p, fifo: f, mode: modeNotStarted}
	d.ifc = &iface.Interface{Name: name, Address: addr}
	d.ifc.Tx = d.tx
	return d
}

// Interface returns the registry entry for this driver.
func (d *Driver) Interface() *iface.Interface { return d.ifc }

// tx frames p's wire-encoded bytes with FEND/FESC stuffing and writes them.
func (d *Driver) tx(ctx context.Context, via uint16, p *packet.Packet, fromMe bool) error {
	frame := encode(p.Data())
	_, err := d.rw.Write(frame)
	if err != nil {
		return fmt.Errorf("kissif: write: %w", err)
	}
	d.pool.Free(p)
	return nil
}

// encode wraps data in a KISS data frame: FEND, command byte, stuffed data,
// FEND.
func encode(data []byte) []byte {
	out := make([]byte, 0, len(data)+4)
	out = append(out, fend, cmdData)
	for _, b := range data {
		switch b {
		case fend:
			out = append(out, fesc, tfend)
		case fesc:
			out = append(out, fesc, tfesc)
		default:
			out = append(out, b)
		}
	}
	out = append(out, fend)
	return out
}

// RunRx reads bytes from the transport one at a time, feeding RxByte, until
// ctx is cancelled or the transport returns an error.
func (d *Driver) RunRx(ctx context.Context) error {
	var b [1]byte
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		n, err := d.rw.Read(b[:])
		if n > 0 {
			d.RxByte(ctx, b[0])
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("kissif: read: %w", err)
		}
	}
}

// RxByte feeds one received byte through the KISS decode state machine,
// mirroring csp_kiss_rx. On a complete frame it allocates a packet cell,
// copies the decoded bytes in, and enqueues it for the router.
func (d *Driver) RxByte(ctx context.Context, b byte) {
	d.mu.Lock()

	switch d.mode {
	case modeNotStarted:
		if b == fend {
			d.mode = modeStarted
			d.buf = nil
		}
		d.mu.Unlock()
		return

	case modeStarted:
		switch {
		case b == fend:
			// FEND both ends the current frame (if any data accumulated) and
			// re-arms for the next one; back-to-back FENDs are idle padding.
			frame := d.buf
			d.buf = nil
			d.mu.Unlock()
			if len(frame) > 0 {
				d.deliver(ctx, frame)
			}
			return
		case b == cmdData && d.buf == nil:
			// First byte after FEND is the command nibble; data follows.
			d.buf = []byte{}
			d.mu.Unlock()
			return
		case d.buf == nil:
			// Any other command byte: not a data frame, skip to the next FEND.
			d.mode = modeSkipFrame
			d.mu.Unlock()
			return
		case b == fesc:
			d.mode = modeEscaped
			d.mu.Unlock()
			return
		default:
			d.buf = append(d.buf, b)
			d.mu.Unlock()
			return
		}

	case modeEscaped:
		switch b {
		case tfend:
			d.buf = append(d.buf, fend)
		case tfesc:
			d.buf = append(d.buf, fesc)
		default:
			d.mode = modeSkipFrame
			d.mu.Unlock()
			return
		}
		d.mode = modeStarted
		d.mu.Unlock()
		return

	case modeSkipFrame:
		if b == fend {
			d.mode = modeNotStarted
		}
		d.mu.Unlock()
		return
	}
	d.mu.Unlock()
}

// deliver allocates a packet cell for a fully decoded frame and hands it to
// the router's input FIFO.
func (d *Driver) deliver(ctx context.Context, data []byte) {
	cell, err := d.pool.Get(ctx)
	if err != nil {
		return
	}
	cell.SetData(data)
	d.ifc.IncRx(len(data))
	if !d.fifo.Enqueue(cell, d.ifc) {
		d.pool.Free(cell)
	}
}

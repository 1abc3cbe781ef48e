// Package rtable implements the CIDR-style routing table of spec §4.C:
// longest-prefix match over a flat, bounded array of route entries, with a
// string load/save format borrowed verbatim from libcsp's csp_rtable_load
// (see DESIGN.md).
package rtable

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/gocsp/gocsp/pkg/iface"
	"golang.org/x/sync/singleflight"
)

// NoVia means the destination is reached directly through the interface,
// without an intermediate hop address.
const NoVia uint16 = 0xFFFF

// Entry is one routing table row.
type Entry struct {
	Address uint16
	Netmask int // number of network (prefix) bits
	Via     uint16
	Iface   *iface.Interface
}

// Table is a flat array of up to Capacity entries, protected by a short
// critical section for writers (spec §5). Readers see a consistent
// snapshot of any single entry; there is no torn-write hazard because Find
// takes the read lock for its whole scan.
type Table struct {
	mu       sync.RWMutex
	entries  []Entry
	capacity int
	hostBits uint
	sf       singleflight.Group
}

// New returns an empty table bounded at capacity entries, with hostBits
// used to interpret netmask-as-prefix-bits against the address space of
// the active wire.Version (5 for v1, 14 for v2).
func New(capacity int, hostBits uint) *Table {
	return &Table{capacity: capacity, hostBits: hostBits}
}

// Set inserts or updates the (dst, mask, iface) entry. If an entry with the
// same (address, netmask) already exists, its Via and interface are
// overwritten (matching libcsp's csp_rtable_set semantics). Rejects a nil iface or a
// mask wider than the address space.
func (t *Table) Set(dst uint16, netmask int, i *iface.Interface, via uint16) error {
	if i == nil {
		return fmt.Errorf("rtable: set: interface must not be nil")
	}
	if netmask > int(t.hostBits) {
		return fmt.Errorf("rtable: set: mask %d exceeds host-bit width %d", netmask, t.hostBits)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for idx := range t.entries {
		if t.entries[idx].Address == dst && t.entries[idx].Netmask == netmask {
			t.entries[idx].Via = via
			t.entries[idx].Iface = i
			return nil
		}
	}
	if len(t.entries) >= t.capacity {
		return fmt.Errorf("rtable: set: table full (capacity %d)", t.capacity)
	}
	t.entries = append(t.entries, Entry{Address: dst, Netmask: netmask, Via: via, Iface: i})
	return nil
}

// prefixMatches reports whether addr falls within entry's (address,
// netmask) subnet, given the table's hostBits address width.
func (t *Table) prefixMatches(e Entry, addr uint16) bool {
	hostBits := int(t.hostBits) - e.Netmask
	if hostBits < 0 {
		hostBits = 0
	}
	shift := uint(hostBits)
	if e.Netmask == 0 || shift >= 16 {
		return true // netmask 0: matches everything
	}
	return (e.Address >> shift) == (addr >> shift)
}

// Find returns the longest-prefix match for dst. Ties (equal mask length)
// are broken in favor of the entry with the larger index (last write
// wins), per spec §4.C.
func (t *Table) Find(dst uint16) (Entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	best := -1
	bestMask := -1
	for idx, e := range t.entries {
		if !t.prefixMatches(e, dst) {
			continue
		}
		if e.Netmask >= bestMask {
			bestMask = e.Netmask
			best = idx
		}
	}
	if best < 0 {
		return Entry{}, false
	}
	return t.entries[best], true
}

// SearchBackward iterates candidate matches for dst starting just before
// from's position (by value equality) backward through the table, so
// callers can retry alternate routes after a tx failure. It returns
// ok=false once no more candidates exist.
func (t *Table) SearchBackward(dst uint16, from *Entry) (Entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	start := len(t.entries) - 1
	if from != nil {
		for idx, e := range t.entries {
			if e == *from {
				start = idx - 1
				break
			}
		}
	}
	for idx := start; idx >= 0; idx-- {
		if t.prefixMatches(t.entries[idx], dst) {
			return t.entries[idx], true
		}
	}
	return Entry{}, false
}

// Clear removes all entries.
func (t *Table) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = nil
}

// Lookup is a name -> *iface.Interface resolver used while parsing Load
// strings.
type Lookup func(name string) *iface.Interface

// Load parses comma-separated entries of the form
// "<addr>[/mask] <iface> [via]" (see DESIGN.md), rejecting invalid
// addresses or unknown interfaces atomically: the whole string is first
// parsed and validated into a pending set of entries, and only applied to
// the table if every entry parses cleanly, matching spec §4.C's "no
// partial application in dry-run" requirement. Concurrent Load calls for
// the same exact string are collapsed via singleflight.
func (t *Table) Load(s string, resolve Lookup) (int, error) {
	_, err, _ := t.sf.Do(s, func() (any, error) {
		parts := strings.Split(s, ",")
		pending := make([]Entry, 0, len(parts))
		for _, raw := range parts {
			raw = strings.TrimSpace(raw)
			if raw == "" {
				continue
			}
			fields := strings.Fields(raw)
			if len(fields) < 2 || len(fields) > 3 {
				return nil, fmt.Errorf("rtable: load: malformed entry %q", raw)
			}
			addrSpec := fields[0]
			ifaceName := fields[1]
			netmask := int(t.hostBits)
			addrStr := addrSpec
			if i := strings.IndexByte(addrSpec, '/'); i >= 0 {
				addrStr = addrSpec[:i]
				m, err := strconv.Atoi(addrSpec[i+1:])
				if err != nil {
					return nil, fmt.Errorf("rtable: load: bad mask in %q: %w", raw, err)
				}
				netmask = m
			}
			addr, err := strconv.Atoi(addrStr)
			if err != nil {
				return nil, fmt.Errorf("rtable: load: bad address in %q: %w", raw, err)
			}
			ifc := resolve(ifaceName)
			if ifc == nil {
				return nil, fmt.Errorf("rtable: load: unknown interface %q", ifaceName)
			}
			via := NoVia
			if len(fields) == 3 {
				v, err := strconv.Atoi(fields[2])
				if err != nil {
					return nil, fmt.Errorf("rtable: load: bad via in %q: %w", raw, err)
				}
				via = uint16(v)
			}
			pending = append(pending, Entry{Address: uint16(addr), Netmask: netmask, Via: via, Iface: ifc})
		}
		for _, e := range pending {
			if err := t.Set(e.Address, e.Netmask, e.Iface, e.Via); err != nil {
				return nil, err
			}
		}
		return len(pending), nil
	})
	if err != nil {
		return 0, err
	}
	t.mu.RLock()
	n := len(t.entries)
	t.mu.RUnlock()
	return n, nil
}

// Save serializes the current table as a comma-separated string in the
// Load format, excluding any entry whose interface is named "loop" (the
// loopback interface is never part of the persisted table, spec §4.C).
func (t *Table) Save() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var b strings.Builder
	first := true
	for _, e := range t.entries {
		if e.Iface != nil && e.Iface.Name == "loop" {
			continue
		}
		if !first {
			b.WriteString(", ")
		}
		first = false
		fmt.Fprintf(&b, "%d/%d %s", e.Address, e.Netmask, e.Iface.Name)
		if e.Via != NoVia {
			fmt.Fprintf(&b, " %d", e.Via)
		}
	}
	return b.String()
}

// Entries returns a copy of the table in insertion order, for iteration or
// diagnostics.
func (t *Table) Entries() []Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Entry, len(t.entries))
	copy(out, t.entries)
	return out
}

// Package integrity implements the three packet transforms of spec §4.L:
// CRC32 (Castagnoli, appended as a 4-byte trailer), HMAC-SHA1 (truncated to
// 4 bytes), and XTEA encryption. Transform order on transmit is
// CRC32 -> HMAC -> XTEA-encrypt; on receive, XTEA-decrypt -> HMAC -> CRC32,
// per spec §4.L.
package integrity

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"sync"

	"github.com/gocsp/gocsp/internal/xtea"
	"github.com/gocsp/gocsp/pkg/packet"
)

// HMACLength is the number of trailer bytes HMAC verification uses,
// truncated from the full 20-byte SHA-1 HMAC output.
const HMACLength = 4

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// CRC32 computes the Castagnoli CRC32 of data, exposed standalone for
// reuse by pkg/dedup (spec §4.F requires header+payload CRC32), matching
// libcsp's shared csp_crc32_memory helper (see SPEC_FULL.md).
func CRC32(data []byte) uint32 { return crc32.Checksum(data, castagnoli) }

// CRC32Append computes the CRC32 of p's current payload and appends it as
// a 4-byte big-endian trailer, growing Length.
func CRC32Append(p *packet.Packet) error {
	sum := CRC32(p.Data())
	var trailer [4]byte
	binary.BigEndian.PutUint32(trailer[:], sum)
	p.Append(trailer[:])
	return nil
}

// CRC32Verify recomputes the CRC32 over the payload preceding the trailer
// and compares it to the trailer; on success it strips the trailer. On
// mismatch it returns an error and leaves the packet untouched so the
// caller can count it as a frame error without acting on bad data.
func CRC32Verify(p *packet.Packet) error {
	if p.Length < 4 {
		return fmt.Errorf("integrity: crc32 verify: %w", errShort)
	}
	body := p.Data()[:p.Length-4]
	want := binary.BigEndian.Uint32(p.Data()[p.Length-4:])
	got := CRC32(body)
	if got != want {
		return fmt.Errorf("integrity: crc32 verify: %w", errMismatch)
	}
	p.Truncate(4)
	return nil
}

var (
	errShort    = fmt.Errorf("trailer truncated")
	errMismatch = fmt.Errorf("checksum mismatch")
)

// KeyStore holds the process-wide HMAC and XTEA keys (spec §9 "capability
// record"/"Global state": explicit fields on a struct supplied to the
// Stack, not package-level mutable globals).
type KeyStore struct {
	mu       sync.RWMutex
	hmacKey  []byte
	xteaKey  []byte
}

// NewKeyStore returns an empty key store; SetHMACKey/SetXTEAKey must be
// called before the corresponding transform is used.
func NewKeyStore() *KeyStore { return &KeyStore{} }

func (k *KeyStore) SetHMACKey(key []byte) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.hmacKey = append([]byte(nil), key...)
}

func (k *KeyStore) SetXTEAKey(key []byte) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.xteaKey = append([]byte(nil), key...)
}

func (k *KeyStore) hmac() []byte {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.hmacKey
}

func (k *KeyStore) xtea() []byte {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.xteaKey
}

// HMACAppend appends a 4-byte truncated HMAC-SHA1 of p's current payload,
// keyed by the store's process-wide key.
func (k *KeyStore) HMACAppend(p *packet.Packet) error {
	key := k.hmac()
	if key == nil {
		return fmt.Errorf("integrity: hmac append: %w", errNoKey)
	}
	mac := hmac.New(sha1.New, key)
	mac.Write(p.Data())
	sum := mac.Sum(nil)
	p.Append(sum[:HMACLength])
	return nil
}

// HMACVerify checks and strips the trailing truncated HMAC.
func (k *KeyStore) HMACVerify(p *packet.Packet) error {
	key := k.hmac()
	if key == nil {
		return fmt.Errorf("integrity: hmac verify: %w", errNoKey)
	}
	if p.Length < HMACLength {
		return fmt.Errorf("integrity: hmac verify: %w", errShort)
	}
	body := p.Data()[:p.Length-HMACLength]
	trailer := p.Data()[p.Length-HMACLength:]

	mac := hmac.New(sha1.New, key)
	mac.Write(body)
	sum := mac.Sum(nil)
	if !hmac.Equal(sum[:HMACLength], trailer) {
		return fmt.Errorf("integrity: hmac verify: %w", errMismatch)
	}
	p.Truncate(HMACLength)
	return nil
}

var errNoKey = fmt.Errorf("key not configured")

// XTEAEncrypt encrypts p's current payload in place using the store's
// XTEA key and the given IV (caller-chosen, e.g. derived from a packet
// counter); CTR-like mode means encryption and decryption are the same
// operation.
func (k *KeyStore) XTEAEncrypt(p *packet.Packet, iv [2]uint32) error {
	return k.xteaCrypt(p, iv)
}

// XTEADecrypt reverses XTEAEncrypt given the same key/IV.
func (k *KeyStore) XTEADecrypt(p *packet.Packet, iv [2]uint32) error {
	return k.xteaCrypt(p, iv)
}

func (k *KeyStore) xteaCrypt(p *packet.Packet, iv [2]uint32) error {
	key := k.xtea()
	if key == nil {
		return fmt.Errorf("integrity: xtea: %w", errNoKey)
	}
	c, err := xtea.New(key)
	if err != nil {
		return fmt.Errorf("integrity: xtea: %w", err)
	}
	c.CryptCTR(p.Payload[:p.Length], iv)
	return nil
}

// ApplyRequired appends/encrypts p's payload with whichever of
// CRC32/HMAC/XTEA are set in want, in transmit order (CRC32 -> HMAC ->
// XTEA-encrypt, per spec §4.L), setting the matching packet.Flags bit for
// each transform actually applied. Shared by every outbound path — plain
// connection-oriented sends (pkg/socket) and RDP control/data/retransmit
// packets (pkg/conn) alike — so a socket's declared requirements are
// honored identically regardless of which layer builds the packet.
func ApplyRequired(p *packet.Packet, want packet.Flags, keys *KeyStore) error {
	if want.Has(packet.FlagCRC32) {
		if err := CRC32Append(p); err != nil {
			return fmt.Errorf("integrity: apply: %w", err)
		}
		p.Flags |= packet.FlagCRC32
	}
	if want.Has(packet.FlagHMAC) {
		if err := keys.HMACAppend(p); err != nil {
			return fmt.Errorf("integrity: apply: %w", err)
		}
		p.Flags |= packet.FlagHMAC
	}
	if want.Has(packet.FlagXTEA) {
		if err := keys.XTEAEncrypt(p, [2]uint32{0, 0}); err != nil {
			return fmt.Errorf("integrity: apply: %w", err)
		}
		p.Flags |= packet.FlagXTEA
	}
	return nil
}

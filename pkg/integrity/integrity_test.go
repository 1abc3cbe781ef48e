package integrity_test

import (
	"testing"

	"github.com/gocsp/gocsp/pkg/integrity"
	"github.com/gocsp/gocsp/pkg/packet"
	"github.com/stretchr/testify/require"
)

func newPacket(data []byte) *packet.Packet {
	var p packet.Packet
	p.Reset()
	p.SetData(data)
	return &p
}

func TestCRC32AppendVerifyIsIdentity(t *testing.T) {
	p := newPacket([]byte{0x01, 0x02, 0x03, 0x04})
	require.NoError(t, integrity.CRC32Append(p))
	require.NoError(t, integrity.CRC32Verify(p))
	require.Equal(t, []byte{0x01, 0x02, 0x03, 0x04}, p.Data())
}

func TestCRC32VerifyDetectsBitFlip(t *testing.T) {
	p := newPacket([]byte{0x01, 0x02, 0x03, 0x04})
	require.NoError(t, integrity.CRC32Append(p))

	p.Payload[1] ^= 0x01 // flip bit 0 of byte 2, per spec scenario 2
	require.Error(t, integrity.CRC32Verify(p))
}

func TestHMACAppendVerifyIsIdentity(t *testing.T) {
	ks := integrity.NewKeyStore()
	ks.SetHMACKey([]byte("a shared secret key"))

	p := newPacket([]byte("hello"))
	require.NoError(t, ks.HMACAppend(p))
	require.NoError(t, ks.HMACVerify(p))
	require.Equal(t, []byte("hello"), p.Data())
}

func TestHMACVerifyFailsWithWrongKey(t *testing.T) {
	ks := integrity.NewKeyStore()
	ks.SetHMACKey([]byte("key-one"))
	p := newPacket([]byte("hello"))
	require.NoError(t, ks.HMACAppend(p))

	other := integrity.NewKeyStore()
	other.SetHMACKey([]byte("key-two"))
	require.Error(t, other.HMACVerify(p))
}

func TestXTEAEncryptDecryptIsIdentity(t *testing.T) {
	ks := integrity.NewKeyStore()
	ks.SetXTEAKey([]byte("0123456789abcdef"))
	iv := [2]uint32{1, 2}

	p := newPacket([]byte("a secret payload"))
	plain := append([]byte(nil), p.Data()...)

	require.NoError(t, ks.XTEAEncrypt(p, iv))
	require.NotEqual(t, plain, p.Data())

	require.NoError(t, ks.XTEADecrypt(p, iv))
	require.Equal(t, plain, p.Data())
}

func TestCRC32MemoryHelperSharedByDedup(t *testing.T) {
	require.Equal(t, integrity.CRC32([]byte("abc")), integrity.CRC32([]byte("abc")))
	require.NotEqual(t, integrity.CRC32([]byte("abc")), integrity.CRC32([]byte("abd")))
}

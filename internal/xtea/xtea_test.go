package xtea_test

import (
	"bytes"
	"testing"

	"github.com/gocsp/gocsp/internal/xtea"
	"github.com/stretchr/testify/require"
)

var testKey = []byte("0123456789abcdef")

func TestEncryptDecryptBlockIsIdentity(t *testing.T) {
	c, err := xtea.New(testKey)
	require.NoError(t, err)

	plain := []byte("ABCDEFGH")
	var enc, dec [8]byte
	c.EncryptBlock(enc[:], plain)
	require.NotEqual(t, plain, enc[:])

	c.DecryptBlock(dec[:], enc[:])
	require.Equal(t, plain, dec[:])
}

func TestCryptCTRRoundTrip(t *testing.T) {
	c, err := xtea.New(testKey)
	require.NoError(t, err)

	plain := []byte("the quick brown fox jumps over the lazy dog, 1234567890")
	buf := append([]byte(nil), plain...)
	iv := [2]uint32{0xdeadbeef, 0x1}

	c.CryptCTR(buf, iv)
	require.False(t, bytes.Equal(buf, plain), "ciphertext should differ from plaintext")

	c.CryptCTR(buf, iv)
	require.Equal(t, plain, buf, "decrypting with the same key/IV must recover the plaintext")
}

func TestNewRejectsBadKeySize(t *testing.T) {
	_, err := xtea.New([]byte("short"))
	require.Error(t, err)
}

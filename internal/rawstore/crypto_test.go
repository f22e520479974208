package rawstore

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCipher(t *testing.T) *frameCipher {
	t.Helper()
	secret := make([]byte, secretSize)
	_, err := io.ReadFull(rand.Reader, secret)
	require.NoError(t, err)
	c, err := newFrameCipher(secret)
	require.NoError(t, err)
	return c
}

func TestFrameCipher_SealOpen(t *testing.T) {
	c := newTestCipher(t)
	payload := []byte("layered encryption round trip")
	sum := sha256.Sum256(payload)

	salt, err := newSalt()
	require.NoError(t, err)

	ciphertext, err := c.seal(sum[:], payload, salt)
	require.NoError(t, err)
	assert.NotContains(t, string(ciphertext), "round trip")

	got, err := c.open(sum[:], ciphertext, salt)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestFrameCipher_WrongSaltFails(t *testing.T) {
	c := newTestCipher(t)
	payload := []byte("salted")
	sum := sha256.Sum256(payload)

	salt, err := newSalt()
	require.NoError(t, err)
	otherSalt, err := newSalt()
	require.NoError(t, err)

	ciphertext, err := c.seal(sum[:], payload, salt)
	require.NoError(t, err)

	_, err = c.open(sum[:], ciphertext, otherSalt)
	assert.ErrorIs(t, err, ErrCorruption)
}

func TestFrameCipher_TamperDetected(t *testing.T) {
	c := newTestCipher(t)
	payload := []byte("authenticated")
	sum := sha256.Sum256(payload)

	salt, err := newSalt()
	require.NoError(t, err)
	ciphertext, err := c.seal(sum[:], payload, salt)
	require.NoError(t, err)

	ciphertext[len(ciphertext)-1] ^= 0x01
	_, err = c.open(sum[:], ciphertext, salt)
	assert.ErrorIs(t, err, ErrCorruption)
}

func TestFrameCipher_Checksum(t *testing.T) {
	c := newTestCipher(t)
	id := bytes.Repeat([]byte{0xAB}, sha256.Size)
	ciphertext := []byte("opaque bytes")

	sum := c.checksum(7, id, ciphertext)
	assert.True(t, c.verifyChecksum(7, id, ciphertext, sum))
	assert.False(t, c.verifyChecksum(8, id, ciphertext, sum))
	assert.False(t, c.verifyChecksum(7, id, []byte("other bytes"), sum))
}

func TestApplyKeystream_SelfInverse(t *testing.T) {
	id := bytes.Repeat([]byte{0x42}, sha256.Size)
	original := []byte("obfuscation layer is reversible and deterministic")

	data := append([]byte(nil), original...)
	applyKeystream(id, data)
	assert.NotEqual(t, original, data)

	applyKeystream(id, data)
	assert.Equal(t, original, data)
}

func TestNewFrameCipher_RejectsShortSecret(t *testing.T) {
	_, err := newFrameCipher([]byte("short"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

package rawstore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hkdf"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
)

const (
	secretSize = 32 // persisted store secret
	saltSize   = 16 // per-record HKDF salt
	keySize    = 32 // AES-256
)

// obfuscationSeed is the fixed per-installation constant for the first
// encryption layer. It provides deterministic obfuscation independent of key
// material; confidentiality comes from the AES-GCM layer on top.
const obfuscationSeed = "mira.frame.obfuscation.v1"

// HKDF info strings separate the payload key and checksum key domains.
const (
	infoFrameKey = "mira.frame.key.v1"
	infoHMACKey  = "mira.frame.hmac.v1"
)

// frameCipher implements the layered record encryption:
//
//  1. deterministic keystream obfuscation seeded by obfuscationSeed,
//  2. AES-256-GCM keyed by HKDF(secret, per-record salt),
//  3. privacy class left as plaintext header metadata (handled by the store).
type frameCipher struct {
	secret  []byte
	hmacKey []byte
}

// newFrameCipher derives the checksum key from the persisted secret.
func newFrameCipher(secret []byte) (*frameCipher, error) {
	if len(secret) != secretSize {
		return nil, fmt.Errorf("%w: secret must be %d bytes, got %d", ErrInvalidConfig, secretSize, len(secret))
	}
	hmacKey, err := hkdf.Key(sha256.New, secret, nil, infoHMACKey, keySize)
	if err != nil {
		return nil, fmt.Errorf("deriving hmac key: %w", err)
	}
	return &frameCipher{secret: secret, hmacKey: hmacKey}, nil
}

// seal applies both encryption layers to payload. The returned ciphertext is
// nonce || GCM(obfuscated payload). id binds the keystream to the record.
func (c *frameCipher) seal(id []byte, payload []byte, salt []byte) ([]byte, error) {
	obfuscated := make([]byte, len(payload))
	copy(obfuscated, payload)
	applyKeystream(id, obfuscated)

	gcm, err := c.aead(salt)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}

	return gcm.Seal(nonce, nonce, obfuscated, id), nil
}

// open reverses seal. Authentication failure means the stored bytes do not
// match what was appended.
func (c *frameCipher) open(id []byte, ciphertext []byte, salt []byte) ([]byte, error) {
	gcm, err := c.aead(salt)
	if err != nil {
		return nil, err
	}

	if len(ciphertext) < gcm.NonceSize() {
		return nil, fmt.Errorf("%w: ciphertext shorter than nonce", ErrCorruption)
	}
	nonce, sealed := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]

	obfuscated, err := gcm.Open(nil, nonce, sealed, id)
	if err != nil {
		return nil, fmt.Errorf("%w: authentication failed", ErrCorruption)
	}

	applyKeystream(id, obfuscated)
	return obfuscated, nil
}

// checksum computes the record HMAC over the sequence number, frame ID and
// ciphertext. Verified on every read.
func (c *frameCipher) checksum(seq uint64, id []byte, ciphertext []byte) []byte {
	mac := hmac.New(sha256.New, c.hmacKey)
	var seqBuf [8]byte
	binary.BigEndian.PutUint64(seqBuf[:], seq)
	mac.Write(seqBuf[:])
	mac.Write(id)
	mac.Write(ciphertext)
	return mac.Sum(nil)
}

// verifyChecksum compares in constant time.
func (c *frameCipher) verifyChecksum(seq uint64, id, ciphertext, want []byte) bool {
	return hmac.Equal(c.checksum(seq, id, ciphertext), want)
}

// aead builds the AES-256-GCM cipher for a record salt.
func (c *frameCipher) aead(salt []byte) (cipher.AEAD, error) {
	key, err := hkdf.Key(sha256.New, c.secret, salt, infoFrameKey, keySize)
	if err != nil {
		return nil, fmt.Errorf("deriving frame key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}
	return gcm, nil
}

// applyKeystream XORs data with a deterministic keystream derived from the
// obfuscation seed and the frame ID. Self-inverse.
func applyKeystream(id []byte, data []byte) {
	var counter [8]byte
	var block [sha256.Size]byte
	for i := 0; i < len(data); i += sha256.Size {
		binary.BigEndian.PutUint64(counter[:], uint64(i/sha256.Size))
		h := sha256.New()
		h.Write([]byte(obfuscationSeed))
		h.Write(id)
		h.Write(counter[:])
		h.Sum(block[:0])
		for j := 0; j < sha256.Size && i+j < len(data); j++ {
			data[i+j] ^= block[j]
		}
	}
}

// newSalt generates a per-record random salt.
func newSalt() ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("generating salt: %w", err)
	}
	return salt, nil
}

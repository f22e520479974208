// Package rawstore implements the append-only encrypted frame log.
//
// The log is the single source of truth for raw interaction content. Frames
// are content-addressed (SHA-256 of the plaintext payload), sequence-numbered,
// encrypted at rest and checksummed. No operation shrinks, reorders or
// mutates previously appended bytes; deletion is a logical tombstone record.
package rawstore

import (
	"errors"
	"time"

	"github.com/Interstitch/MIRA2-sub003/internal/privacy"
)

// Sentinel errors for raw store operations.
var (
	// ErrNotFound is returned when a frame does not exist or is tombstoned.
	ErrNotFound = errors.New("frame not found")

	// ErrIntegrity indicates an append-only violation: an attempted rewrite
	// of an existing frame ID with different bytes. Always surfaced, never
	// silently recovered.
	ErrIntegrity = errors.New("append-only integrity violation")

	// ErrCorruption indicates a specific frame is unreadable (checksum or
	// authentication mismatch). The frame is excluded from iteration; the
	// caller is not aborted.
	ErrCorruption = errors.New("frame corrupted")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("raw store closed")

	// ErrInvalidConfig indicates invalid store configuration.
	ErrInvalidConfig = errors.New("invalid raw store configuration")
)

// Frame is an immutable raw record. The store exclusively owns frames and
// never mutates one after append.
type Frame struct {
	// ID is the hex SHA-256 of the plaintext payload.
	ID string

	// Payload is the decrypted frame content.
	Payload []byte

	// Class is the privacy classification assigned at append time. It is
	// stored as plaintext header metadata so classification-aware operations
	// never require decryption.
	Class privacy.Class

	// CreatedAt is the append timestamp.
	CreatedAt time.Time

	// SequenceNo is the strictly increasing append position.
	SequenceNo uint64
}

// recordKind distinguishes payload frames from tombstone markers in the log.
type recordKind uint8

const (
	kindFrame     recordKind = 0
	kindTombstone recordKind = 1
)

package rawstore

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/Interstitch/MIRA2-sub003/internal/privacy"
)

// timeNow is a variable for testing purposes (allows mocking time).
var timeNow = time.Now

// rawstoreTracer for OpenTelemetry instrumentation.
var rawstoreTracer = otel.Tracer("mira.rawstore")

const (
	logFileName = "frames.log"
	keyFileName = ".frame_key"

	// fileMagic identifies the log format version.
	fileMagic = "MIRAFRM1"

	// recordHeaderSize is the fixed per-record header:
	// seq(8) created_at(8) class(1) kind(1) id(32) salt(16) checksum(32) cipher_len(4).
	recordHeaderSize = 8 + 8 + 1 + 1 + sha256.Size + saltSize + sha256.Size + 4

	// maxPayloadSize bounds a single frame payload.
	maxPayloadSize = 10 * 1024 * 1024 // 10MB
)

// Config holds raw store configuration.
type Config struct {
	// Path is the directory for the frame log.
	Path string

	// KeyPath is the location of the persisted 32-byte secret.
	// Default: {Path}/.frame_key
	KeyPath string
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.KeyPath == "" && c.Path != "" {
		c.KeyPath = filepath.Join(c.Path, keyFileName)
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Path == "" {
		return fmt.Errorf("%w: path required", ErrInvalidConfig)
	}
	if strings.Contains(filepath.Clean(c.Path), "..") {
		return fmt.Errorf("%w: path contains directory traversal: %s", ErrInvalidConfig, c.Path)
	}
	return nil
}

// frameLoc is the in-memory index entry for an appended record.
type frameLoc struct {
	seq        uint64
	offset     int64
	cipherLen  uint32
	createdAt  int64
	class      privacy.Class
	tombstoned bool
}

// Store is the append-only encrypted frame log.
//
// Appends are serialized by a narrow critical section covering sequence
// assignment and the durable write. Readers resolve offsets from the index
// under a read lock and use ReadAt, so they never block on writers beyond
// that critical section.
type Store struct {
	mu     sync.RWMutex
	file   *os.File
	cipher *frameCipher
	logger *zap.Logger
	closed bool

	index   map[string]*frameLoc // frame ID (hex) -> location
	bySeq   []*frameLoc          // append order, frame records only
	nextSeq uint64
	size    int64 // committed file size
}

// Open opens (or creates) the frame log at cfg.Path.
//
// The log is scanned forward on open to rebuild the in-memory index. A
// trailing record whose declared length exceeds the remaining file size is an
// incomplete crashed write: it is discarded, not an error.
func Open(cfg Config, logger *zap.Logger) (*Store, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	if err := os.MkdirAll(cfg.Path, 0o700); err != nil {
		return nil, fmt.Errorf("creating directory %s: %w", cfg.Path, err)
	}

	secret, err := loadOrCreateSecret(cfg.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("initializing key material: %w", err)
	}
	cipher, err := newFrameCipher(secret)
	if err != nil {
		return nil, err
	}

	file, err := os.OpenFile(filepath.Join(cfg.Path, logFileName), os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("opening frame log: %w", err)
	}

	s := &Store{
		file:    file,
		cipher:  cipher,
		logger:  logger.Named("rawstore"),
		index:   make(map[string]*frameLoc),
		nextSeq: 1,
	}

	if err := s.scan(); err != nil {
		file.Close()
		return nil, fmt.Errorf("scanning frame log: %w", err)
	}

	s.logger.Info("raw store opened",
		zap.String("path", cfg.Path),
		zap.Int("frames", len(s.index)),
		zap.Uint64("next_sequence", s.nextSeq),
	)
	return s, nil
}

// loadOrCreateSecret loads the persisted store secret, creating it with 0600
// permissions on first use. The secret is random, never derived from content.
func loadOrCreateSecret(keyPath string) ([]byte, error) {
	secret, err := os.ReadFile(keyPath)
	if err == nil {
		if len(secret) != secretSize {
			return nil, fmt.Errorf("%w: key file %s has %d bytes, want %d", ErrInvalidConfig, keyPath, len(secret), secretSize)
		}
		return secret, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("reading key file: %w", err)
	}

	secret = make([]byte, secretSize)
	if _, err := io.ReadFull(rand.Reader, secret); err != nil {
		return nil, fmt.Errorf("generating secret: %w", err)
	}

	f, err := os.OpenFile(keyPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, fmt.Errorf("creating key file: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(secret); err != nil {
		return nil, fmt.Errorf("writing key file: %w", err)
	}
	return secret, nil
}

// scan rebuilds the index by a single forward pass over the log. Caller has
// exclusive access (called from Open only).
func (s *Store) scan() error {
	info, err := s.file.Stat()
	if err != nil {
		return err
	}
	fileSize := info.Size()

	if fileSize == 0 {
		if _, err := s.file.Write([]byte(fileMagic)); err != nil {
			return fmt.Errorf("writing magic: %w", err)
		}
		s.size = int64(len(fileMagic))
		return nil
	}

	magic := make([]byte, len(fileMagic))
	if _, err := s.file.ReadAt(magic, 0); err != nil || string(magic) != fileMagic {
		return fmt.Errorf("%w: unrecognized log header", ErrInvalidConfig)
	}

	offset := int64(len(fileMagic))
	header := make([]byte, recordHeaderSize)
	for offset < fileSize {
		if fileSize-offset < recordHeaderSize {
			s.logger.Warn("discarding incomplete trailing record",
				zap.Int64("offset", offset),
				zap.Int64("remaining", fileSize-offset))
			break
		}
		if _, err := s.file.ReadAt(header, offset); err != nil {
			return fmt.Errorf("reading header at %d: %w", offset, err)
		}

		seq, createdAt, class, kind, id, _, _, cipherLen := parseHeader(header)
		if fileSize-offset-recordHeaderSize < int64(cipherLen) {
			s.logger.Warn("discarding incomplete trailing record",
				zap.Int64("offset", offset),
				zap.Uint64("sequence", seq))
			break
		}

		idHex := hex.EncodeToString(id)
		switch kind {
		case kindTombstone:
			if loc, ok := s.index[idHex]; ok {
				loc.tombstoned = true
			}
		case kindFrame:
			if existing, ok := s.index[idHex]; ok && !existing.tombstoned {
				s.logger.Warn("duplicate frame record in log, keeping first",
					zap.String("frame_id", idHex),
					zap.Uint64("sequence", seq))
			} else {
				loc := &frameLoc{
					seq:       seq,
					offset:    offset,
					cipherLen: cipherLen,
					createdAt: createdAt,
					class:     class,
				}
				s.index[idHex] = loc
				s.bySeq = append(s.bySeq, loc)
			}
		}

		if seq >= s.nextSeq {
			s.nextSeq = seq + 1
		}
		offset += recordHeaderSize + int64(cipherLen)
	}

	// Drop any incomplete tail so the next append starts at a record boundary.
	if offset < fileSize {
		if err := s.file.Truncate(offset); err != nil {
			return fmt.Errorf("truncating incomplete tail: %w", err)
		}
	}
	s.size = offset
	return nil
}

// Append appends a payload with its privacy class and returns the new Frame.
//
// Re-appending identical content is idempotent: the existing frame is
// returned and no new sequence number is consumed. A content hash that
// already exists with different stored bytes fails with ErrIntegrity.
func (s *Store) Append(ctx context.Context, payload []byte, class privacy.Class) (*Frame, error) {
	ctx, span := rawstoreTracer.Start(ctx, "Store.Append")
	defer span.End()

	if len(payload) == 0 {
		return nil, fmt.Errorf("payload cannot be empty")
	}
	if len(payload) > maxPayloadSize {
		return nil, fmt.Errorf("payload exceeds %d bytes", maxPayloadSize)
	}

	sum := sha256.Sum256(payload)
	id := sum[:]
	idHex := hex.EncodeToString(id)
	span.SetAttributes(
		attribute.String("frame_id", idHex),
		attribute.String("privacy_class", class.String()),
	)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	if loc, ok := s.index[idHex]; ok && !loc.tombstoned {
		existing, err := s.readFrame(loc, idHex)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, fmt.Errorf("%w: existing frame %s unreadable: %v", ErrIntegrity, idHex, err)
		}
		if !bytes.Equal(existing.Payload, payload) {
			err := fmt.Errorf("%w: frame %s exists with different bytes", ErrIntegrity, idHex)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		span.SetAttributes(attribute.Bool("idempotent", true))
		span.SetStatus(codes.Ok, "duplicate append")
		return existing, nil
	}

	loc, err := s.appendRecordLocked(kindFrame, id, payload, class)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	// Tombstoned IDs are revived by reinsert: the index now points at the new
	// record, old bytes untouched.
	s.index[idHex] = loc
	s.bySeq = append(s.bySeq, loc)

	span.SetAttributes(attribute.Int64("sequence", int64(loc.seq)))
	span.SetStatus(codes.Ok, "success")

	s.logger.Debug("frame appended",
		zap.String("frame_id", idHex),
		zap.Uint64("sequence", loc.seq),
		zap.String("privacy_class", class.String()),
	)

	return &Frame{
		ID:         idHex,
		Payload:    payload,
		Class:      class,
		CreatedAt:  time.Unix(0, loc.createdAt),
		SequenceNo: loc.seq,
	}, nil
}

// appendRecordLocked encrypts, checksums and durably writes one record.
// Caller must hold the write lock; this is the single-writer critical section.
func (s *Store) appendRecordLocked(kind recordKind, id []byte, payload []byte, class privacy.Class) (*frameLoc, error) {
	salt, err := newSalt()
	if err != nil {
		return nil, err
	}

	seq := s.nextSeq
	ciphertext, err := s.cipher.seal(id, payload, salt)
	if err != nil {
		return nil, fmt.Errorf("sealing frame: %w", err)
	}
	sum := s.cipher.checksum(seq, id, ciphertext)
	createdAt := timeNow().UnixNano()

	buf := make([]byte, recordHeaderSize+len(ciphertext))
	writeHeader(buf, seq, createdAt, class, kind, id, salt, sum, uint32(len(ciphertext)))
	copy(buf[recordHeaderSize:], ciphertext)

	if _, err := s.file.WriteAt(buf, s.size); err != nil {
		return nil, fmt.Errorf("writing record: %w", err)
	}
	if err := s.file.Sync(); err != nil {
		return nil, fmt.Errorf("syncing log: %w", err)
	}

	loc := &frameLoc{
		seq:       seq,
		offset:    s.size,
		cipherLen: uint32(len(ciphertext)),
		createdAt: createdAt,
		class:     class,
	}
	s.size += int64(len(buf))
	s.nextSeq = seq + 1
	return loc, nil
}

// Get returns the frame with the given ID.
// Returns ErrNotFound for unknown or tombstoned IDs and ErrCorruption when
// the stored bytes fail checksum or authentication.
func (s *Store) Get(ctx context.Context, id string) (*Frame, error) {
	_, span := rawstoreTracer.Start(ctx, "Store.Get")
	defer span.End()
	span.SetAttributes(attribute.String("frame_id", id))

	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, ErrClosed
	}
	loc, ok := s.index[id]
	if ok && loc.tombstoned {
		ok = false
	}
	var locCopy frameLoc
	if ok {
		locCopy = *loc
	}
	s.mu.RUnlock()

	if !ok {
		span.SetStatus(codes.Error, "not found")
		return nil, ErrNotFound
	}

	frame, err := s.readFrame(&locCopy, id)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetStatus(codes.Ok, "success")
	return frame, nil
}

// GetClass returns the privacy class of a frame without decrypting it.
// The class is stored as plaintext header metadata.
func (s *Store) GetClass(id string) (privacy.Class, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return privacy.Private, ErrClosed
	}
	loc, ok := s.index[id]
	if !ok || loc.tombstoned {
		return privacy.Private, ErrNotFound
	}
	return loc.class, nil
}

// Tombstone logically deletes a frame. The original bytes are never
// overwritten; a tombstone record is appended instead.
func (s *Store) Tombstone(ctx context.Context, id string) error {
	_, span := rawstoreTracer.Start(ctx, "Store.Tombstone")
	defer span.End()
	span.SetAttributes(attribute.String("frame_id", id))

	idBytes, err := hex.DecodeString(id)
	if err != nil || len(idBytes) != sha256.Size {
		span.SetStatus(codes.Error, "invalid id")
		return ErrNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	loc, ok := s.index[id]
	if !ok || loc.tombstoned {
		span.SetStatus(codes.Error, "not found")
		return ErrNotFound
	}

	if _, err := s.appendRecordLocked(kindTombstone, idBytes, []byte{0}, loc.class); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	loc.tombstoned = true

	span.SetStatus(codes.Ok, "success")
	s.logger.Info("frame tombstoned", zap.String("frame_id", id))
	return nil
}

// Iterate calls fn for every live frame with sequence number >= sinceSeq in
// append order. Corrupt frames are skipped and logged; tombstoned frames are
// excluded. Restartable from any sequence number. Stops with the callback's
// error or the context's.
func (s *Store) Iterate(ctx context.Context, sinceSeq uint64, fn func(*Frame) error) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return ErrClosed
	}
	locs := make([]frameLoc, 0, len(s.bySeq))
	for _, loc := range s.bySeq {
		if loc.seq < sinceSeq || loc.tombstoned {
			continue
		}
		locs = append(locs, *loc)
	}
	s.mu.RUnlock()

	for i := range locs {
		if err := ctx.Err(); err != nil {
			return err
		}
		frame, err := s.readFrame(&locs[i], "")
		if err != nil {
			if errors.Is(err, ErrCorruption) {
				s.logger.Warn("skipping corrupt frame during iteration",
					zap.Uint64("sequence", locs[i].seq),
					zap.Error(err))
				continue
			}
			return err
		}
		if err := fn(frame); err != nil {
			return err
		}
	}
	return nil
}

// LastSequence returns the highest assigned sequence number.
func (s *Store) LastSequence() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nextSeq - 1
}

// Len returns the number of live (non-tombstoned) frames.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, loc := range s.index {
		if !loc.tombstoned {
			n++
		}
	}
	return n
}

// TombstonedIDs returns the IDs of all tombstoned frames. The index
// reconciler uses this to purge derived records for deleted frames.
func (s *Store) TombstonedIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []string
	for id, loc := range s.index {
		if loc.tombstoned {
			ids = append(ids, id)
		}
	}
	return ids
}

// Close closes the underlying log file.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.file.Close()
}

// readFrame reads and decrypts the record at loc. It works on a loc snapshot
// without the lock: committed records are immutable and ReadAt is safe under
// concurrent appends.
func (s *Store) readFrame(loc *frameLoc, wantID string) (*Frame, error) {
	buf := make([]byte, recordHeaderSize+int64(loc.cipherLen))
	if _, err := s.file.ReadAt(buf, loc.offset); err != nil {
		return nil, fmt.Errorf("reading record at %d: %w", loc.offset, err)
	}

	seq, createdAt, class, _, id, salt, sum, cipherLen := parseHeader(buf[:recordHeaderSize])
	ciphertext := buf[recordHeaderSize : recordHeaderSize+int(cipherLen)]

	if !s.cipher.verifyChecksum(seq, id, ciphertext, sum) {
		return nil, fmt.Errorf("%w: checksum mismatch at sequence %d", ErrCorruption, seq)
	}

	payload, err := s.cipher.open(id, ciphertext, salt)
	if err != nil {
		return nil, err
	}

	idHex := hex.EncodeToString(id)
	if wantID != "" && idHex != wantID {
		return nil, fmt.Errorf("%w: record at %d holds frame %s, want %s", ErrCorruption, loc.offset, idHex, wantID)
	}
	if check := sha256.Sum256(payload); hex.EncodeToString(check[:]) != idHex {
		return nil, fmt.Errorf("%w: payload hash mismatch for frame %s", ErrCorruption, idHex)
	}

	return &Frame{
		ID:         idHex,
		Payload:    payload,
		Class:      class,
		CreatedAt:  time.Unix(0, createdAt),
		SequenceNo: seq,
	}, nil
}

// writeHeader serializes the fixed record header into buf.
func writeHeader(buf []byte, seq uint64, createdAt int64, class privacy.Class, kind recordKind, id, salt, sum []byte, cipherLen uint32) {
	binary.BigEndian.PutUint64(buf[0:8], seq)
	binary.BigEndian.PutUint64(buf[8:16], uint64(createdAt))
	buf[16] = byte(class)
	buf[17] = byte(kind)
	copy(buf[18:50], id)
	copy(buf[50:66], salt)
	copy(buf[66:98], sum)
	binary.BigEndian.PutUint32(buf[98:102], cipherLen)
}

// parseHeader deserializes the fixed record header.
func parseHeader(buf []byte) (seq uint64, createdAt int64, class privacy.Class, kind recordKind, id, salt, sum []byte, cipherLen uint32) {
	seq = binary.BigEndian.Uint64(buf[0:8])
	createdAt = int64(binary.BigEndian.Uint64(buf[8:16]))
	class = privacy.Class(buf[16])
	kind = recordKind(buf[17])
	id = append([]byte(nil), buf[18:50]...)
	salt = append([]byte(nil), buf[50:66]...)
	sum = append([]byte(nil), buf[66:98]...)
	cipherLen = binary.BigEndian.Uint32(buf[98:102])
	return
}

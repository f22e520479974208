package rawstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Interstitch/MIRA2-sub003/internal/privacy"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	store, err := Open(Config{Path: dir}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store, dir
}

func TestAppendGet_RoundTrip(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	payload := []byte("Chose Redis for session storage")
	frame, err := store.Append(ctx, payload, privacy.Public)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), frame.SequenceNo)
	assert.Len(t, frame.ID, 64)

	got, err := store.Get(ctx, frame.ID)
	require.NoError(t, err)
	assert.Equal(t, payload, got.Payload)
	assert.Equal(t, privacy.Public, got.Class)
	assert.Equal(t, frame.SequenceNo, got.SequenceNo)
}

func TestAppend_Idempotent(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	first, err := store.Append(ctx, []byte("same content"), privacy.Public)
	require.NoError(t, err)

	second, err := store.Append(ctx, []byte("same content"), privacy.Public)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.SequenceNo, second.SequenceNo)
	assert.Equal(t, uint64(1), store.LastSequence())
}

func TestAppend_SequencesStrictlyIncrease(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	for i, content := range []string{"one", "two", "three"} {
		frame, err := store.Append(ctx, []byte(content), privacy.Public)
		require.NoError(t, err)
		assert.Equal(t, uint64(i+1), frame.SequenceNo)
	}
}

func TestGet_NotFound(t *testing.T) {
	store, _ := newTestStore(t)

	_, err := store.Get(context.Background(), "00deadbeef00deadbeef00deadbeef00deadbeef00deadbeef00deadbeef0000")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTombstone(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	frame, err := store.Append(ctx, []byte("to be forgotten"), privacy.Public)
	require.NoError(t, err)

	require.NoError(t, store.Tombstone(ctx, frame.ID))

	_, err = store.Get(ctx, frame.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	// Tombstoning twice reports not found.
	assert.ErrorIs(t, store.Tombstone(ctx, frame.ID), ErrNotFound)

	// Tombstoned frames are excluded from iteration.
	var seen int
	require.NoError(t, store.Iterate(ctx, 0, func(*Frame) error {
		seen++
		return nil
	}))
	assert.Zero(t, seen)
}

func TestTombstone_SurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(Config{Path: dir}, zap.NewNop())
	require.NoError(t, err)
	ctx := context.Background()

	frame, err := store.Append(ctx, []byte("ephemeral"), privacy.Sensitive)
	require.NoError(t, err)
	keep, err := store.Append(ctx, []byte("durable"), privacy.Public)
	require.NoError(t, err)
	require.NoError(t, store.Tombstone(ctx, frame.ID))
	require.NoError(t, store.Close())

	reopened, err := Open(Config{Path: dir}, zap.NewNop())
	require.NoError(t, err)
	defer reopened.Close()

	_, err = reopened.Get(ctx, frame.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	got, err := reopened.Get(ctx, keep.ID)
	require.NoError(t, err)
	assert.Equal(t, []byte("durable"), got.Payload)
}

func TestReopen_PreservesSequence(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(Config{Path: dir}, zap.NewNop())
	require.NoError(t, err)
	ctx := context.Background()

	_, err = store.Append(ctx, []byte("first"), privacy.Public)
	require.NoError(t, err)
	_, err = store.Append(ctx, []byte("second"), privacy.Public)
	require.NoError(t, err)
	require.NoError(t, store.Close())

	reopened, err := Open(Config{Path: dir}, zap.NewNop())
	require.NoError(t, err)
	defer reopened.Close()

	frame, err := reopened.Append(ctx, []byte("third"), privacy.Public)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), frame.SequenceNo)
}

func TestEncryptionAtRest(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(Config{Path: dir}, zap.NewNop())
	require.NoError(t, err)

	secretText := []byte("the launch code is 0000")
	_, err = store.Append(context.Background(), secretText, privacy.Private)
	require.NoError(t, err)
	require.NoError(t, store.Close())

	raw, err := os.ReadFile(filepath.Join(dir, logFileName))
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "launch code")
}

func TestGetClass_WithoutDecryption(t *testing.T) {
	store, _ := newTestStore(t)

	frame, err := store.Append(context.Background(), []byte("classified note"), privacy.Private)
	require.NoError(t, err)

	class, err := store.GetClass(frame.ID)
	require.NoError(t, err)
	assert.Equal(t, privacy.Private, class)
}

func TestIterate_SinceSequence(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	for _, content := range []string{"a", "b", "c", "d"} {
		_, err := store.Append(ctx, []byte(content), privacy.Public)
		require.NoError(t, err)
	}

	var got []uint64
	require.NoError(t, store.Iterate(ctx, 3, func(f *Frame) error {
		got = append(got, f.SequenceNo)
		return nil
	}))
	assert.Equal(t, []uint64{3, 4}, got)
}

func TestIterate_Cancellation(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	for _, content := range []string{"a", "b"} {
		_, err := store.Append(ctx, []byte(content), privacy.Public)
		require.NoError(t, err)
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	err := store.Iterate(cancelled, 0, func(*Frame) error {
		t.Fatal("callback should not run after cancellation")
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCorruption_DetectedAndExcluded(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(Config{Path: dir}, zap.NewNop())
	require.NoError(t, err)
	ctx := context.Background()

	victim, err := store.Append(ctx, []byte("will be corrupted"), privacy.Public)
	require.NoError(t, err)
	survivor, err := store.Append(ctx, []byte("stays intact"), privacy.Public)
	require.NoError(t, err)
	require.NoError(t, store.Close())

	// Flip a ciphertext byte inside the first record.
	logPath := filepath.Join(dir, logFileName)
	raw, err := os.ReadFile(logPath)
	require.NoError(t, err)
	corruptAt := len(fileMagic) + recordHeaderSize + 2
	raw[corruptAt] ^= 0xFF
	require.NoError(t, os.WriteFile(logPath, raw, 0o600))

	reopened, err := Open(Config{Path: dir}, zap.NewNop())
	require.NoError(t, err)
	defer reopened.Close()

	_, err = reopened.Get(ctx, victim.ID)
	assert.ErrorIs(t, err, ErrCorruption)

	// Iteration skips the corrupt frame rather than aborting.
	var survivors []string
	require.NoError(t, reopened.Iterate(ctx, 0, func(f *Frame) error {
		survivors = append(survivors, f.ID)
		return nil
	}))
	assert.Equal(t, []string{survivor.ID}, survivors)
}

func TestCrashedWrite_IgnoredOnOpen(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(Config{Path: dir}, zap.NewNop())
	require.NoError(t, err)
	ctx := context.Background()

	complete, err := store.Append(ctx, []byte("committed"), privacy.Public)
	require.NoError(t, err)
	require.NoError(t, store.Close())

	// Simulate a crash mid-write: truncate inside the second record.
	store2, err := Open(Config{Path: dir}, zap.NewNop())
	require.NoError(t, err)
	_, err = store2.Append(ctx, []byte("torn write"), privacy.Public)
	require.NoError(t, err)
	require.NoError(t, store2.Close())

	logPath := filepath.Join(dir, logFileName)
	info, err := os.Stat(logPath)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(logPath, info.Size()-7))

	reopened, err := Open(Config{Path: dir}, zap.NewNop())
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.Get(ctx, complete.ID)
	require.NoError(t, err)
	assert.Equal(t, []byte("committed"), got.Payload)
	assert.Equal(t, 1, reopened.Len())

	// The log stays appendable after discarding the torn tail.
	_, err = reopened.Append(ctx, []byte("after recovery"), privacy.Public)
	require.NoError(t, err)
}

func TestKeyFile_Permissions(t *testing.T) {
	_, dir := newTestStore(t)

	info, err := os.Stat(filepath.Join(dir, keyFileName))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestOpen_InvalidConfig(t *testing.T) {
	_, err := Open(Config{}, zap.NewNop())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestConcurrentAppendAndGet(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	first, err := store.Append(ctx, []byte("anchor"), privacy.Public)
	require.NoError(t, err)

	done := make(chan error, 2)
	go func() {
		for i := 0; i < 50; i++ {
			if _, err := store.Append(ctx, []byte("writer-"+string(rune('a'+i%26))+string(rune('0'+i/26))), privacy.Public); err != nil {
				done <- err
				return
			}
		}
		done <- nil
	}()
	go func() {
		for i := 0; i < 50; i++ {
			if _, err := store.Get(ctx, first.ID); err != nil {
				done <- err
				return
			}
		}
		done <- nil
	}()

	require.NoError(t, <-done)
	require.NoError(t, <-done)
}

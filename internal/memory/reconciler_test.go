package memory

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/Interstitch/MIRA2-sub003/internal/privacy"
	"github.com/Interstitch/MIRA2-sub003/internal/rawstore"
	"github.com/Interstitch/MIRA2-sub003/internal/vectorstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type reconcilerEnv struct {
	raw        *rawstore.Store
	index      *Index
	vectors    vectorstore.Store
	reconciler *Reconciler
	watermark  string
}

func newReconcilerEnv(t *testing.T) *reconcilerEnv {
	t.Helper()

	dir := t.TempDir()
	raw, err := rawstore.Open(rawstore.Config{Path: dir}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = raw.Close() })

	ix, _, vectors := newTestIndex(t)
	watermark := DefaultWatermarkPath(dir)

	return &reconcilerEnv{
		raw:        raw,
		index:      ix,
		vectors:    vectors,
		reconciler: NewReconciler(raw, ix, watermark, time.Minute, zap.NewNop()),
		watermark:  watermark,
	}
}

func (e *reconcilerEnv) totalRecords(t *testing.T) int {
	t.Helper()
	ctx := context.Background()
	total := 0
	for _, collection := range testCollections().All() {
		exists, err := e.vectors.CollectionExists(ctx, collection)
		require.NoError(t, err)
		if !exists {
			continue
		}
		n, err := e.vectors.Count(ctx, collection)
		require.NoError(t, err)
		total += n
	}
	return total
}

func TestReconciler_RebuildsIndexFromLog(t *testing.T) {
	ctx := context.Background()
	env := newReconcilerEnv(t)

	// Frames reach the log without going through the index, as if the
	// index were lost or the indexer was down at store time.
	_, err := env.raw.Append(ctx, []byte("chose redis for session storage"), privacy.Public)
	require.NoError(t, err)
	_, err = env.raw.Append(ctx, []byte("we talked about lunch plans"), privacy.Public)
	require.NoError(t, err)

	require.NoError(t, env.reconciler.ReconcileOnce(ctx))
	assert.Equal(t, 2, env.totalRecords(t))

	hits, err := env.index.Query(ctx, "session storage decision", nil, 5)
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, "chose redis for session storage", hits[0].Record.Text)
}

func TestReconciler_Idempotent(t *testing.T) {
	ctx := context.Background()
	env := newReconcilerEnv(t)

	_, err := env.raw.Append(ctx, []byte("reconcile me twice"), privacy.Public)
	require.NoError(t, err)

	require.NoError(t, env.reconciler.ReconcileOnce(ctx))
	after1 := env.totalRecords(t)

	// Force a full re-scan: even without the watermark the sweep must
	// converge on the same state.
	require.NoError(t, os.Remove(env.watermark))
	require.NoError(t, env.reconciler.ReconcileOnce(ctx))
	after2 := env.totalRecords(t)

	assert.Equal(t, after1, after2)
}

func TestReconciler_WatermarkAdvancesAndRestarts(t *testing.T) {
	ctx := context.Background()
	env := newReconcilerEnv(t)

	_, err := env.raw.Append(ctx, []byte("first batch of content"), privacy.Public)
	require.NoError(t, err)
	require.NoError(t, env.reconciler.ReconcileOnce(ctx))

	data, err := os.ReadFile(env.watermark)
	require.NoError(t, err)
	seq, err := strconv.ParseUint(string(data), 10, 64)
	require.NoError(t, err)
	assert.Equal(t, env.raw.LastSequence(), seq)

	// New frames after the watermark are picked up by the next sweep.
	_, err = env.raw.Append(ctx, []byte("second batch of content"), privacy.Public)
	require.NoError(t, err)
	require.NoError(t, env.reconciler.ReconcileOnce(ctx))
	assert.Equal(t, 2, env.totalRecords(t))
}

func TestReconciler_SkipsPrivateFrames(t *testing.T) {
	ctx := context.Background()
	env := newReconcilerEnv(t)

	_, err := env.raw.Append(ctx, []byte("totally private thought"), privacy.Private)
	require.NoError(t, err)
	_, err = env.raw.Append(ctx, []byte("public remark"), privacy.Public)
	require.NoError(t, err)

	require.NoError(t, env.reconciler.ReconcileOnce(ctx))
	assert.Equal(t, 1, env.totalRecords(t))
}

func TestReconciler_PurgesTombstonedRecords(t *testing.T) {
	ctx := context.Background()
	env := newReconcilerEnv(t)

	frame, err := env.raw.Append(ctx, []byte("indexed then deleted"), privacy.Public)
	require.NoError(t, err)
	_, err = env.index.IndexFrame(ctx, frame)
	require.NoError(t, err)
	require.Equal(t, 1, env.totalRecords(t))

	require.NoError(t, env.raw.Tombstone(ctx, frame.ID))
	require.NoError(t, env.reconciler.ReconcileOnce(ctx))

	assert.Equal(t, 0, env.totalRecords(t))
}

func TestReconciler_MalformedWatermarkRebuilds(t *testing.T) {
	ctx := context.Background()
	env := newReconcilerEnv(t)

	_, err := env.raw.Append(ctx, []byte("content behind a bad watermark"), privacy.Public)
	require.NoError(t, err)

	require.NoError(t, os.MkdirAll(filepath.Dir(env.watermark), 0o700))
	require.NoError(t, os.WriteFile(env.watermark, []byte("not-a-number"), 0o600))

	require.NoError(t, env.reconciler.ReconcileOnce(ctx))
	assert.Equal(t, 1, env.totalRecords(t))
}

package services

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/Interstitch/MIRA2-sub003/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.Config{}
	cfg.ApplyDefaults()
	cfg.RawStore.Path = filepath.Join(dir, "rawstore")
	cfg.VectorStore.Provider = "chromem"
	cfg.VectorStore.Chromem.Path = filepath.Join(dir, "vectors")
	// TEI avoids the fastembed model download; nothing dials the URL
	// until an embed call happens.
	cfg.Embedding.Provider = "tei"
	cfg.Embedding.BaseURL = "http://localhost:18080"
	require.NoError(t, cfg.Validate())
	return cfg
}

func TestBuild_WiresAllComponents(t *testing.T) {
	reg, err := Build(context.Background(), testConfig(t), zap.NewNop())
	require.NoError(t, err)
	defer reg.Close()

	assert.NotNil(t, reg.RawStore())
	assert.NotNil(t, reg.Classifier())
	assert.NotNil(t, reg.VectorStore())
	assert.NotNil(t, reg.Embedder())
	assert.NotNil(t, reg.Memory())
	assert.NotNil(t, reg.Reconciler())
}

func TestBuild_InvalidVectorProvider(t *testing.T) {
	cfg := testConfig(t)
	cfg.VectorStore.Provider = "pinecone"

	_, err := Build(context.Background(), cfg, zap.NewNop())
	require.Error(t, err)
}

func TestRegistry_CloseIsClean(t *testing.T) {
	reg, err := Build(context.Background(), testConfig(t), zap.NewNop())
	require.NoError(t, err)
	assert.NoError(t, reg.Close())
}

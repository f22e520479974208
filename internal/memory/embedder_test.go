package memory

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Interstitch/MIRA2-sub003/internal/cache"
	"github.com/Interstitch/MIRA2-sub003/internal/config"
	"github.com/Interstitch/MIRA2-sub003/internal/vectorstore"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testDim = 64

// frameIDFor computes the content hash the raw store would assign.
func frameIDFor(payload string) string {
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}

// tokenVector builds a normalized bag-of-words vector, so texts sharing
// tokens score higher than unrelated texts.
func tokenVector(text string) []float32 {
	v := make([]float32, testDim)
	for _, token := range strings.Fields(strings.ToLower(text)) {
		token = strings.Trim(token, ".,!?;:\"'()")
		if token == "" {
			continue
		}
		h := fnv.New32a()
		h.Write([]byte(token))
		v[h.Sum32()%testDim]++
	}
	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	if norm == 0 {
		v[0] = 1
		return v
	}
	norm = math.Sqrt(norm)
	for i := range v {
		v[i] = float32(float64(v[i]) / norm)
	}
	return v
}

// stubEmbedder is a deterministic embedding provider for tests. It counts
// calls and can be told to fail, or to return no vectors without an error
// the way a misbehaving remote provider might.
type stubEmbedder struct {
	mu    sync.Mutex
	calls int
	fail  bool
	empty bool
}

func (e *stubEmbedder) embed(text string) ([]float32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.fail {
		return nil, fmt.Errorf("embedder down")
	}
	e.calls++
	return tokenVector(text), nil
}

func (e *stubEmbedder) EmbedDocuments(_ context.Context, texts []string) ([][]float32, error) {
	e.mu.Lock()
	empty := e.empty
	e.mu.Unlock()
	if empty {
		return [][]float32{}, nil
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := e.embed(t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (e *stubEmbedder) EmbedQuery(_ context.Context, text string) ([]float32, error) {
	return e.embed(text)
}

func (e *stubEmbedder) Dimension() int { return testDim }
func (e *stubEmbedder) Close() error   { return nil }

func (e *stubEmbedder) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

func testCollections() config.CollectionsConfig {
	return config.CollectionsConfig{
		Conversational: "conversational",
		Technical:      "technical",
		Private:        "private",
	}
}

func newTestIndex(t *testing.T) (*Index, *stubEmbedder, vectorstore.Store) {
	t.Helper()
	store, err := vectorstore.NewChromemStore(vectorstore.ChromemConfig{
		Path:       t.TempDir(),
		VectorSize: testDim,
	}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	embedder := &stubEmbedder{}
	embedCache := cache.New(time.Hour, 256)
	ix := NewIndex(store, embedder, embedCache, testCollections(), zap.NewNop())
	return ix, embedder, store
}

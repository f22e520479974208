package memory

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"time"

	"github.com/Interstitch/MIRA2-sub003/internal/cache"
	"github.com/Interstitch/MIRA2-sub003/internal/config"
	"github.com/Interstitch/MIRA2-sub003/internal/embeddings"
	"github.com/Interstitch/MIRA2-sub003/internal/privacy"
	"github.com/Interstitch/MIRA2-sub003/internal/rawstore"
	"github.com/Interstitch/MIRA2-sub003/internal/vectorstore"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

var indexTracer = otel.Tracer("mira.memory.index")

// technicalPattern routes frames that read like engineering content into
// the technical collection. Routing must be deterministic from the frame
// alone so that reconciliation reproduces the same placement.
var technicalPattern = regexp.MustCompile(`(?i)` + "```" +
	`|\b(func|package|import|struct|interface|config|server|database|redis|postgres|sql|api|endpoint|deploy|docker|kubernetes|bug|fix|error|refactor|library|dependency|migration|schema|cache|queue|latency)\b`)

// Index maintains the semantic projection of the raw frame log inside an
// external vector store.
type Index struct {
	vectors     vectorstore.Store
	embedder    embeddings.Provider
	embedCache  *cache.Cache
	collections config.CollectionsConfig
	logger      *zap.Logger
}

// NewIndex creates a semantic index over the given vector store and
// embedding provider. The embedding cache memoizes content-hash to vector
// so identical text is embedded once.
func NewIndex(vectors vectorstore.Store, embedder embeddings.Provider, embedCache *cache.Cache, collections config.CollectionsConfig, logger *zap.Logger) *Index {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Index{
		vectors:     vectors,
		embedder:    embedder,
		embedCache:  embedCache,
		collections: collections,
		logger:      logger.Named("memory.index"),
	}
}

// EnsureCollections creates every configured collection.
func (ix *Index) EnsureCollections(ctx context.Context) error {
	for _, name := range ix.collections.All() {
		if err := ix.vectors.EnsureCollection(ctx, name, ix.embedder.Dimension()); err != nil {
			return fmt.Errorf("%w: ensuring collection %s: %v", ErrCollaborator, name, err)
		}
	}
	return nil
}

// collectionFor assigns a frame to its index partition. Sensitive frames
// always land in the private collection, which unscoped recall never
// touches.
func (ix *Index) collectionFor(frame *rawstore.Frame) string {
	if frame.Class == privacy.Sensitive {
		return ix.collections.Private
	}
	if technicalPattern.Match(frame.Payload) {
		return ix.collections.Technical
	}
	return ix.collections.Conversational
}

// IndexFrame embeds a frame's payload and upserts it into the vector
// store. Private frames are refused with ErrRejected; the orchestrator
// already skips them, this is the second line of defense. Re-indexing the
// same frame overwrites the same record.
func (ix *Index) IndexFrame(ctx context.Context, frame *rawstore.Frame) (*Record, error) {
	ctx, span := indexTracer.Start(ctx, "Index.IndexFrame")
	defer span.End()

	span.SetAttributes(attribute.String("frame_id", frame.ID))

	if frame.Class == privacy.Private {
		span.SetStatus(codes.Ok, "rejected")
		return nil, fmt.Errorf("%w: private frames are never indexed", ErrRejected)
	}

	text := string(frame.Payload)
	vector, err := ix.embedDocument(ctx, text)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	record := &Record{
		ID:            RecordID(frame.ID),
		Collection:    ix.collectionFor(frame),
		Text:          text,
		SourceFrameID: frame.ID,
		Metadata: map[string]string{
			"frame_id":   frame.ID,
			"class":      frame.Class.String(),
			"created_at": frame.CreatedAt.UTC().Format(time.RFC3339Nano),
		},
	}

	if err := ix.vectors.EnsureCollection(ctx, record.Collection, ix.embedder.Dimension()); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("%w: ensuring collection %s: %v", ErrCollaborator, record.Collection, err)
	}

	point := vectorstore.Point{
		ID:       record.ID,
		Vector:   vector,
		Text:     text,
		Metadata: record.Metadata,
	}
	if err := ix.vectors.Upsert(ctx, record.Collection, []vectorstore.Point{point}); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("%w: upserting into %s: %v", ErrCollaborator, record.Collection, err)
	}

	span.SetAttributes(attribute.String("collection", record.Collection))
	span.SetStatus(codes.Ok, "indexed")
	ix.logger.Debug("indexed frame",
		zap.String("frame_id", frame.ID),
		zap.String("collection", record.Collection),
	)
	return record, nil
}

// Query embeds the query text and searches the given collections,
// merging per-collection results by descending score with an ascending
// created_at tie-break. An empty collection list means all queryable
// collections; the private collection is only searched when named
// explicitly.
func (ix *Index) Query(ctx context.Context, text string, collections []string, topK int) ([]Hit, error) {
	ctx, span := indexTracer.Start(ctx, "Index.Query")
	defer span.End()

	if topK <= 0 {
		return nil, fmt.Errorf("topK must be positive, got %d", topK)
	}
	if len(collections) == 0 {
		collections = ix.collections.Queryable()
	}
	span.SetAttributes(
		attribute.StringSlice("collections", collections),
		attribute.Int("top_k", topK),
	)

	vector, err := ix.embedQuery(ctx, text)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	var hits []Hit
	for _, collection := range collections {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		points, err := ix.vectors.Query(ctx, collection, vector, topK)
		if err != nil {
			if errors.Is(err, vectorstore.ErrCollectionNotFound) {
				continue
			}
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, fmt.Errorf("%w: querying %s: %v", ErrCollaborator, collection, err)
		}

		for _, p := range points {
			hits = append(hits, Hit{
				Record: Record{
					ID:            p.ID,
					Collection:    collection,
					Text:          p.Text,
					Metadata:      p.Metadata,
					SourceFrameID: p.Metadata["frame_id"],
				},
				Score:     p.Score,
				CreatedAt: parseCreatedAt(p.Metadata["created_at"]),
			})
		}
	}

	sortHits(hits)
	if len(hits) > topK {
		hits = hits[:topK]
	}

	span.SetAttributes(attribute.Int("results_count", len(hits)))
	span.SetStatus(codes.Ok, "success")
	return hits, nil
}

// DeleteFrame removes the frame's derived record from every collection.
// Missing records are not an error, so the call is idempotent.
func (ix *Index) DeleteFrame(ctx context.Context, frameID string) error {
	ctx, span := indexTracer.Start(ctx, "Index.DeleteFrame")
	defer span.End()

	recordID := RecordID(frameID)
	span.SetAttributes(attribute.String("record_id", recordID))

	for _, collection := range ix.collections.All() {
		err := ix.vectors.Delete(ctx, collection, []string{recordID})
		if err != nil && !errors.Is(err, vectorstore.ErrCollectionNotFound) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return fmt.Errorf("%w: deleting from %s: %v", ErrCollaborator, collection, err)
		}
	}

	span.SetStatus(codes.Ok, "success")
	return nil
}

// embedDocument returns the passage embedding for text, memoized by
// content hash.
func (ix *Index) embedDocument(ctx context.Context, text string) ([]float32, error) {
	key := cache.EmbeddingKey("doc\x00" + text)
	if v, ok := ix.embedCache.Get(key); ok {
		return v.([]float32), nil
	}

	vectors, err := ix.embedder.EmbedDocuments(ctx, []string{text})
	if err != nil {
		return nil, fmt.Errorf("%w: embedding document: %v", ErrCollaborator, err)
	}
	if len(vectors) != 1 {
		return nil, fmt.Errorf("%w: embedding document: got %d vectors for 1 input", ErrCollaborator, len(vectors))
	}
	ix.embedCache.Put(key, vectors[0])
	return vectors[0], nil
}

// embedQuery returns the query embedding for text. Query and document
// encodings differ for BGE-style models, so they cache under distinct keys.
func (ix *Index) embedQuery(ctx context.Context, text string) ([]float32, error) {
	key := cache.EmbeddingKey("query\x00" + text)
	if v, ok := ix.embedCache.Get(key); ok {
		return v.([]float32), nil
	}

	vector, err := ix.embedder.EmbedQuery(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("%w: embedding query: %v", ErrCollaborator, err)
	}
	ix.embedCache.Put(key, vector)
	return vector, nil
}

// sortHits orders by descending score, then ascending created_at (older
// first), then record ID, keeping repeated identical queries stable.
func sortHits(hits []Hit) {
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		if !hits[i].CreatedAt.Equal(hits[j].CreatedAt) {
			return hits[i].CreatedAt.Before(hits[j].CreatedAt)
		}
		return hits[i].Record.ID < hits[j].Record.ID
	})
}

func parseCreatedAt(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

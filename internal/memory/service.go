package memory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Interstitch/MIRA2-sub003/internal/cache"
	"github.com/Interstitch/MIRA2-sub003/internal/config"
	"github.com/Interstitch/MIRA2-sub003/internal/logging"
	"github.com/Interstitch/MIRA2-sub003/internal/privacy"
	"github.com/Interstitch/MIRA2-sub003/internal/rawstore"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

var serviceTracer = otel.Tracer("mira.memory.service")

// Service is the retrieval orchestrator. It owns the store and recall
// pipelines and the query-result cache.
type Service struct {
	raw        *rawstore.Store
	classifier *privacy.Classifier
	index      *Index
	queryCache *cache.Cache
	cfg        config.MemoryConfig
	logger     *zap.Logger
}

// NewService wires the orchestrator.
func NewService(raw *rawstore.Store, classifier *privacy.Classifier, index *Index, queryCache *cache.Cache, cfg config.MemoryConfig, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		raw:        raw,
		classifier: classifier,
		index:      index,
		queryCache: queryCache,
		cfg:        cfg,
		logger:     logger.Named("memory"),
	}
}

// StoreOptions adjusts a single Store call.
type StoreOptions struct {
	// Hint overrides the detected privacy class.
	Hint *privacy.Class
}

// StoreResult reports what happened to stored content. Success means the
// raw append succeeded; Searchable reports whether the content also made
// it into the semantic index.
type StoreResult struct {
	FrameID    string
	RecordID   string
	Collection string
	Class      privacy.Class

	// Searchable is false when indexing was skipped by policy or failed.
	// The content is still durable and can be re-indexed by the
	// reconciler.
	Searchable bool
}

// RecallResult is one ranked recall hit, resolved against the raw store.
type RecallResult struct {
	RecordID   string
	FrameID    string
	Collection string

	// Text is the frame payload fetched from the raw store, not the
	// index copy.
	Text string

	Score     float32
	CreatedAt time.Time
}

// RecallOptions adjusts a single Recall call.
type RecallOptions struct {
	// Collection restricts the search to one collection. Naming the
	// private collection explicitly is the only way to search it.
	Collection string

	// TopK bounds the result count. Zero means the configured default.
	TopK int
}

// Store classifies content, appends it to the raw store and indexes it
// when the privacy class permits.
//
// The raw append is the durability guarantee: its failure fails the whole
// call. Indexing is best-effort; a failure degrades the result to stored
// but not searchable.
func (s *Service) Store(ctx context.Context, content string, opts StoreOptions) (*StoreResult, error) {
	ctx, span := serviceTracer.Start(ctx, "Service.Store")
	defer span.End()

	if content == "" {
		return nil, fmt.Errorf("content cannot be empty")
	}

	class := s.classifier.Classify(content, opts.Hint)
	span.SetAttributes(attribute.String("class", class.String()))

	frame, err := s.raw.Append(ctx, []byte(content), class)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	result := &StoreResult{
		FrameID: frame.ID,
		Class:   class,
	}

	if !class.Indexable() {
		span.SetStatus(codes.Ok, "stored, not indexable")
		return result, nil
	}

	record, err := s.index.IndexFrame(ctx, frame)
	if err != nil {
		if !errors.Is(err, ErrRejected) {
			fields := append(logging.ContextFields(ctx),
				zap.String("frame_id", frame.ID),
				zap.Error(err),
			)
			s.logger.Warn("stored but not searchable", fields...)
		}
		span.SetStatus(codes.Ok, "stored, index degraded")
		return result, nil
	}

	result.Searchable = true
	result.RecordID = record.ID
	result.Collection = record.Collection

	s.invalidateQueries(record.Collection)

	span.SetAttributes(attribute.String("collection", record.Collection))
	span.SetStatus(codes.Ok, "stored and indexed")
	return result, nil
}

// invalidateQueries clears cached query results whose scope could include
// a record stored into collection: same-collection scopes and unscoped
// queries. Over-invalidation is fine, stale results are not.
func (s *Service) invalidateQueries(collection string) {
	s.queryCache.Invalidate(func(key string) bool {
		scope := cache.QueryKeyCollection(key)
		return scope == "" || scope == collection
	})
}

// Recall searches the semantic index and resolves each hit against the
// raw store. Hits whose backing frame is tombstoned or corrupt are
// dropped, not errors. A cancelled call returns no partial results.
func (s *Service) Recall(ctx context.Context, query string, opts RecallOptions) ([]RecallResult, error) {
	ctx, span := serviceTracer.Start(ctx, "Service.Recall")
	defer span.End()

	if query == "" {
		return nil, fmt.Errorf("query cannot be empty")
	}
	topK := opts.TopK
	if topK <= 0 {
		topK = s.cfg.DefaultTopK
	}
	span.SetAttributes(
		attribute.String("collection", opts.Collection),
		attribute.Int("top_k", topK),
	)

	key := cache.QueryKey(query, opts.Collection)
	if v, ok := s.queryCache.Get(key); ok {
		cached := v.([]RecallResult)
		span.SetAttributes(attribute.Bool("cache_hit", true))
		span.SetStatus(codes.Ok, "cache hit")
		out := make([]RecallResult, len(cached))
		copy(out, cached)
		return out, nil
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var scope []string
	if opts.Collection != "" {
		scope = []string{opts.Collection}
	}

	hits, err := s.index.Query(ctx, query, scope, topK)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	results := make([]RecallResult, 0, len(hits))
	for _, hit := range hits {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		frame, err := s.raw.Get(ctx, hit.Record.SourceFrameID)
		if err != nil {
			if errors.Is(err, rawstore.ErrNotFound) || errors.Is(err, rawstore.ErrCorruption) {
				s.logger.Debug("dropping dead recall hit",
					zap.String("record_id", hit.Record.ID),
					zap.String("frame_id", hit.Record.SourceFrameID),
					zap.Error(err),
				)
				continue
			}
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}

		results = append(results, RecallResult{
			RecordID:   hit.Record.ID,
			FrameID:    frame.ID,
			Collection: hit.Record.Collection,
			Text:       string(frame.Payload),
			Score:      hit.Score,
			CreatedAt:  frame.CreatedAt,
		})
	}

	// The cache keeps its own copy so callers mutating their slice cannot
	// pollute later cache hits.
	cached := make([]RecallResult, len(results))
	copy(cached, results)
	s.queryCache.Put(key, cached)

	span.SetAttributes(attribute.Int("results_count", len(results)))
	span.SetStatus(codes.Ok, "success")
	return results, nil
}

// Forget tombstones a frame and removes its derived record from the
// index. The tombstone is durable even when the index delete fails; the
// reconciler purges the leftover record on its next sweep.
func (s *Service) Forget(ctx context.Context, frameID string) error {
	ctx, span := serviceTracer.Start(ctx, "Service.Forget")
	defer span.End()

	span.SetAttributes(attribute.String("frame_id", frameID))

	if err := s.raw.Tombstone(ctx, frameID); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	s.queryCache.Clear()

	if err := s.index.DeleteFrame(ctx, frameID); err != nil {
		fields := append(logging.ContextFields(ctx),
			zap.String("frame_id", frameID),
			zap.Error(err),
		)
		s.logger.Warn("tombstoned but index delete failed, reconciler will purge", fields...)
	}

	span.SetStatus(codes.Ok, "success")
	return nil
}

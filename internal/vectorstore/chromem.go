package vectorstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/philippgille/chromem-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

var chromemTracer = otel.Tracer("mira.vectorstore.chromem")

// ChromemConfig holds configuration for the embedded chromem backend.
type ChromemConfig struct {
	// Path is the directory for the persistent database.
	Path string

	// Compress enables gzip compression of persisted collections.
	Compress bool

	// VectorSize is the expected embedding dimensionality. Vectors of a
	// different length are rejected at Upsert.
	VectorSize int
}

// ApplyDefaults sets default values for unset fields.
func (c *ChromemConfig) ApplyDefaults() {
	if c.Path == "" {
		c.Path = "~/.local/share/mira/chromem"
	}
	if c.VectorSize == 0 {
		c.VectorSize = 384
	}
}

// Validate validates the configuration.
func (c ChromemConfig) Validate() error {
	if c.Path == "" {
		return fmt.Errorf("%w: path required", ErrInvalidConfig)
	}
	if c.VectorSize <= 0 {
		return fmt.Errorf("%w: vector size must be positive, got %d", ErrInvalidConfig, c.VectorSize)
	}
	return nil
}

// ChromemStore is a Store backed by an embedded chromem-go database.
// It needs no external process, which makes it the default backend.
type ChromemStore struct {
	db     *chromem.DB
	config ChromemConfig
	logger *zap.Logger

	mu     sync.Mutex
	closed bool
}

var _ Store = (*ChromemStore)(nil)

// NewChromemStore opens or creates a persistent chromem database at the
// configured path.
func NewChromemStore(config ChromemConfig, logger *zap.Logger) (*ChromemStore, error) {
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	path, err := expandPath(config.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	db, err := chromem.NewPersistentDB(path, config.Compress)
	if err != nil {
		return nil, fmt.Errorf("opening chromem database at %s: %w", path, err)
	}

	logger.Info("opened chromem vector store",
		zap.String("path", path),
		zap.Bool("compress", config.Compress),
		zap.Int("vector_size", config.VectorSize),
	)

	return &ChromemStore{
		db:     db,
		config: config,
		logger: logger.Named("vectorstore.chromem"),
	}, nil
}

// expandPath expands a leading ~ to the user's home directory.
func expandPath(path string) (string, error) {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolving home directory: %w", err)
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
	}
	return path, nil
}

// rejectingEmbeddingFunc returns an embedding func that always errors.
// Vectors are computed upstream, so chromem must never embed on its own.
// Passing nil would silently select chromem's OpenAI default.
func rejectingEmbeddingFunc() chromem.EmbeddingFunc {
	return func(ctx context.Context, text string) ([]float32, error) {
		return nil, fmt.Errorf("vectors are precomputed upstream, store-side embedding is disabled")
	}
}

func (s *ChromemStore) checkOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

// EnsureCollection creates the collection if it does not already exist.
// chromem does not pin a vector size per collection, so the size check
// happens at Upsert instead.
func (s *ChromemStore) EnsureCollection(ctx context.Context, name string, vectorSize int) error {
	_, span := chromemTracer.Start(ctx, "ChromemStore.EnsureCollection")
	defer span.End()

	span.SetAttributes(attribute.String("collection", name))

	if err := s.checkOpen(); err != nil {
		return err
	}
	if err := ValidateCollectionName(name); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	if vectorSize > 0 && vectorSize != s.config.VectorSize {
		err := fmt.Errorf("%w: vector size %d does not match configured %d", ErrInvalidConfig, vectorSize, s.config.VectorSize)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	if _, err := s.db.GetOrCreateCollection(name, nil, rejectingEmbeddingFunc()); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("ensuring collection %s: %w", name, err)
	}

	span.SetStatus(codes.Ok, "success")
	return nil
}

// CollectionExists reports whether the named collection exists.
func (s *ChromemStore) CollectionExists(ctx context.Context, name string) (bool, error) {
	_, span := chromemTracer.Start(ctx, "ChromemStore.CollectionExists")
	defer span.End()

	if err := s.checkOpen(); err != nil {
		return false, err
	}
	if err := ValidateCollectionName(name); err != nil {
		return false, err
	}

	return s.db.GetCollection(name, rejectingEmbeddingFunc()) != nil, nil
}

// ListCollections returns the names of all collections.
func (s *ChromemStore) ListCollections(ctx context.Context) ([]string, error) {
	_, span := chromemTracer.Start(ctx, "ChromemStore.ListCollections")
	defer span.End()

	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	collections := s.db.ListCollections()
	names := make([]string, 0, len(collections))
	for name := range collections {
		names = append(names, name)
	}

	span.SetAttributes(attribute.Int("collection_count", len(names)))
	return names, nil
}

// Upsert writes points into a collection.
func (s *ChromemStore) Upsert(ctx context.Context, collection string, points []Point) error {
	ctx, span := chromemTracer.Start(ctx, "ChromemStore.Upsert")
	defer span.End()

	span.SetAttributes(
		attribute.String("collection", collection),
		attribute.Int("point_count", len(points)),
	)

	if err := s.checkOpen(); err != nil {
		return err
	}
	if err := ValidateCollectionName(collection); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	if len(points) == 0 {
		return nil
	}

	docs := make([]chromem.Document, len(points))
	for i, p := range points {
		if p.ID == "" {
			return fmt.Errorf("point %d: id required", i)
		}
		if len(p.Vector) != s.config.VectorSize {
			return fmt.Errorf("point %s: vector size %d does not match configured %d", p.ID, len(p.Vector), s.config.VectorSize)
		}
		metadata := make(map[string]string, len(p.Metadata))
		for k, v := range p.Metadata {
			metadata[k] = v
		}
		docs[i] = chromem.Document{
			ID:        p.ID,
			Content:   p.Text,
			Embedding: p.Vector,
			Metadata:  metadata,
		}
	}

	coll, err := s.db.GetOrCreateCollection(collection, nil, rejectingEmbeddingFunc())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("ensuring collection %s: %w", collection, err)
	}

	if err := coll.AddDocuments(ctx, docs, 1); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("upserting %d points into %s: %w", len(points), collection, err)
	}

	span.SetStatus(codes.Ok, "success")
	s.logger.Debug("upserted points",
		zap.String("collection", collection),
		zap.Int("count", len(points)),
	)
	return nil
}

// Query returns up to topK points closest to the given vector.
func (s *ChromemStore) Query(ctx context.Context, collection string, vector []float32, topK int) ([]ScoredPoint, error) {
	ctx, span := chromemTracer.Start(ctx, "ChromemStore.Query")
	defer span.End()

	span.SetAttributes(
		attribute.String("collection", collection),
		attribute.Int("top_k", topK),
	)

	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if err := ValidateCollectionName(collection); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if topK <= 0 {
		return nil, fmt.Errorf("topK must be positive, got %d", topK)
	}
	if len(vector) != s.config.VectorSize {
		return nil, fmt.Errorf("query vector size %d does not match configured %d", len(vector), s.config.VectorSize)
	}

	coll := s.db.GetCollection(collection, rejectingEmbeddingFunc())
	if coll == nil {
		span.SetStatus(codes.Error, "collection not found")
		return nil, fmt.Errorf("%w: %s", ErrCollectionNotFound, collection)
	}

	// chromem requires nResults <= document count.
	count := coll.Count()
	if count == 0 {
		return []ScoredPoint{}, nil
	}
	if topK > count {
		topK = count
	}

	results, err := coll.QueryEmbedding(ctx, vector, topK, nil, nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("querying collection %s: %w", collection, err)
	}

	scored := make([]ScoredPoint, len(results))
	for i, r := range results {
		metadata := make(map[string]string, len(r.Metadata))
		for k, v := range r.Metadata {
			metadata[k] = v
		}
		scored[i] = ScoredPoint{
			Point: Point{
				ID:       r.ID,
				Vector:   r.Embedding,
				Text:     r.Content,
				Metadata: metadata,
			},
			Score: r.Similarity,
		}
	}

	span.SetAttributes(attribute.Int("results_count", len(scored)))
	span.SetStatus(codes.Ok, "success")
	return scored, nil
}

// Delete removes points by ID. IDs that are not present are skipped.
func (s *ChromemStore) Delete(ctx context.Context, collection string, ids []string) error {
	ctx, span := chromemTracer.Start(ctx, "ChromemStore.Delete")
	defer span.End()

	span.SetAttributes(
		attribute.String("collection", collection),
		attribute.Int("id_count", len(ids)),
	)

	if err := s.checkOpen(); err != nil {
		return err
	}
	if err := ValidateCollectionName(collection); err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}

	coll := s.db.GetCollection(collection, rejectingEmbeddingFunc())
	if coll == nil {
		span.SetStatus(codes.Error, "collection not found")
		return fmt.Errorf("%w: %s", ErrCollectionNotFound, collection)
	}

	if err := coll.Delete(ctx, nil, nil, ids...); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("deleting %d points from %s: %w", len(ids), collection, err)
	}

	span.SetStatus(codes.Ok, "success")
	s.logger.Debug("deleted points",
		zap.String("collection", collection),
		zap.Int("count", len(ids)),
	)
	return nil
}

// Count returns the number of points in a collection.
func (s *ChromemStore) Count(ctx context.Context, collection string) (int, error) {
	_, span := chromemTracer.Start(ctx, "ChromemStore.Count")
	defer span.End()

	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	if err := ValidateCollectionName(collection); err != nil {
		return 0, err
	}

	coll := s.db.GetCollection(collection, rejectingEmbeddingFunc())
	if coll == nil {
		return 0, fmt.Errorf("%w: %s", ErrCollectionNotFound, collection)
	}
	return coll.Count(), nil
}

// Close marks the store closed. chromem persists on write, so there is
// nothing to flush.
func (s *ChromemStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

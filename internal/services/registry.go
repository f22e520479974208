// Package services wires the memory subsystem's components and provides
// accessor methods for each one.
package services

import (
	"context"
	"fmt"

	"github.com/Interstitch/MIRA2-sub003/internal/cache"
	"github.com/Interstitch/MIRA2-sub003/internal/config"
	"github.com/Interstitch/MIRA2-sub003/internal/embeddings"
	"github.com/Interstitch/MIRA2-sub003/internal/memory"
	"github.com/Interstitch/MIRA2-sub003/internal/privacy"
	"github.com/Interstitch/MIRA2-sub003/internal/rawstore"
	"github.com/Interstitch/MIRA2-sub003/internal/vectorstore"
	"go.uber.org/zap"
)

// Registry provides access to all subsystem services.
type Registry interface {
	RawStore() *rawstore.Store
	Classifier() *privacy.Classifier
	VectorStore() vectorstore.Store
	Embedder() embeddings.Provider
	Memory() *memory.Service
	Reconciler() *memory.Reconciler

	// Close shuts down every owned component. Safe to call once.
	Close() error
}

// registry is the concrete implementation of Registry.
type registry struct {
	rawStore    *rawstore.Store
	classifier  *privacy.Classifier
	vectorStore vectorstore.Store
	embedder    embeddings.Provider
	memory      *memory.Service
	reconciler  *memory.Reconciler
	logger      *zap.Logger
}

// Build constructs every component from validated configuration, bottom-up:
// raw store, classifier, vector store, embedder, caches, index,
// orchestrator, reconciler.
func Build(ctx context.Context, cfg *config.Config, logger *zap.Logger) (Registry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	raw, err := rawstore.Open(rawstore.Config{
		Path:    cfg.RawStore.Path,
		KeyPath: cfg.RawStore.KeyPath,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("opening raw store: %w", err)
	}

	classifier, err := privacy.NewClassifier(nil)
	if err != nil {
		raw.Close()
		return nil, fmt.Errorf("building classifier: %w", err)
	}

	vectors, err := vectorstore.New(ctx, cfg.VectorStore, logger)
	if err != nil {
		raw.Close()
		return nil, fmt.Errorf("building vector store: %w", err)
	}

	embedder, err := embeddings.NewProvider(cfg.Embedding)
	if err != nil {
		vectors.Close()
		raw.Close()
		return nil, fmt.Errorf("building embedding provider: %w", err)
	}

	embedCache := cache.New(cfg.Cache.EmbeddingTTL.Duration(), cfg.Cache.EmbeddingMaxEntries)
	queryCache := cache.New(cfg.Cache.QueryTTL.Duration(), cfg.Cache.QueryMaxEntries)

	index := memory.NewIndex(vectors, embedder, embedCache, cfg.Memory.Collections, logger)
	svc := memory.NewService(raw, classifier, index, queryCache, cfg.Memory, logger)
	reconciler := memory.NewReconciler(raw, index,
		memory.DefaultWatermarkPath(cfg.RawStore.Path),
		cfg.Memory.ReconcileInterval.Duration(), logger)

	return &registry{
		rawStore:    raw,
		classifier:  classifier,
		vectorStore: vectors,
		embedder:    embedder,
		memory:      svc,
		reconciler:  reconciler,
		logger:      logger.Named("services"),
	}, nil
}

func (r *registry) RawStore() *rawstore.Store        { return r.rawStore }
func (r *registry) Classifier() *privacy.Classifier  { return r.classifier }
func (r *registry) VectorStore() vectorstore.Store   { return r.vectorStore }
func (r *registry) Embedder() embeddings.Provider    { return r.embedder }
func (r *registry) Memory() *memory.Service          { return r.memory }
func (r *registry) Reconciler() *memory.Reconciler   { return r.reconciler }

// Close shuts components down in reverse construction order, reporting
// the first failure but attempting every close.
func (r *registry) Close() error {
	var firstErr error
	if err := r.embedder.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("closing embedder: %w", err)
	}
	if err := r.vectorStore.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("closing vector store: %w", err)
	}
	if err := r.rawStore.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("closing raw store: %w", err)
	}
	return firstErr
}

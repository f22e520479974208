// Package vectorstore provides vector storage backends for the semantic index.
//
// Stores operate on precomputed vectors. Embedding happens upstream so that
// the same vector can be written once and queried many times without the
// store needing access to an embedding provider.
package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"regexp"
)

// Sentinel errors for vector store operations.
var (
	// ErrInvalidConfig indicates the store configuration is invalid.
	ErrInvalidConfig = errors.New("invalid vector store config")

	// ErrInvalidCollectionName indicates a collection name failed validation.
	ErrInvalidCollectionName = errors.New("invalid collection name")

	// ErrCollectionNotFound indicates the named collection does not exist.
	ErrCollectionNotFound = errors.New("collection not found")

	// ErrStoreClosed indicates an operation on a closed store.
	ErrStoreClosed = errors.New("vector store closed")
)

// collectionNamePattern validates collection names.
// Pattern: lowercase letters, numbers, underscores, 1-64 characters.
var collectionNamePattern = regexp.MustCompile(`^[a-z0-9_]{1,64}$`)

// ValidateCollectionName validates a collection name against naming rules.
// Rejects uppercase, special characters, path traversal, and spaces.
func ValidateCollectionName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: collection name cannot be empty", ErrInvalidCollectionName)
	}
	if !collectionNamePattern.MatchString(name) {
		return fmt.Errorf("%w: must match ^[a-z0-9_]{1,64}$, got %q", ErrInvalidCollectionName, name)
	}
	return nil
}

// Store is the interface for vector storage backends.
//
// All implementations must be safe for concurrent use.
type Store interface {
	// EnsureCollection creates the collection if it does not already exist.
	EnsureCollection(ctx context.Context, name string, vectorSize int) error

	// CollectionExists reports whether the named collection exists.
	CollectionExists(ctx context.Context, name string) (bool, error)

	// ListCollections returns the names of all collections.
	ListCollections(ctx context.Context) ([]string, error)

	// Upsert writes points into a collection. Writing a point with an
	// existing ID replaces the stored point.
	Upsert(ctx context.Context, collection string, points []Point) error

	// Query returns up to topK points closest to the given vector,
	// ordered by descending similarity.
	Query(ctx context.Context, collection string, vector []float32, topK int) ([]ScoredPoint, error)

	// Delete removes points by ID. Missing IDs are not an error.
	Delete(ctx context.Context, collection string, ids []string) error

	// Count returns the number of points in a collection.
	Count(ctx context.Context, collection string) (int, error)

	// Close releases backend resources.
	Close() error
}

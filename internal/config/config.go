// Package config provides configuration loading for the mira memory subsystem.
//
// Configuration is loaded from a YAML file with environment variable
// overrides. Values are validated once at load time; components consume
// already-validated values and never re-check ranges.
package config

import (
	"errors"
	"fmt"
	"time"
)

// ErrConfig indicates an invalid configuration value. Fatal at startup.
var ErrConfig = errors.New("invalid configuration")

// Config holds the complete memory subsystem configuration.
type Config struct {
	RawStore    RawStoreConfig    `koanf:"rawstore"`
	Memory      MemoryConfig      `koanf:"memory"`
	Cache       CacheConfig       `koanf:"cache"`
	VectorStore VectorStoreConfig `koanf:"vectorstore"`
	Embedding   EmbeddingConfig   `koanf:"embedding"`
	Logging     LoggingConfig     `koanf:"logging"`
}

// RawStoreConfig holds append-only frame log configuration.
type RawStoreConfig struct {
	// Path is the directory holding the frame log and key material.
	Path string `koanf:"path"`

	// KeyPath is the location of the persisted encryption secret.
	// Default: {Path}/.frame_key
	KeyPath string `koanf:"key_path"`

	// RetentionDays bounds how long tombstoned frames are kept before
	// compaction is allowed to reclaim them. 0 means keep forever.
	RetentionDays int `koanf:"retention_days"`
}

// MemoryConfig holds semantic index and orchestrator configuration.
type MemoryConfig struct {
	// Collections maps logical partitions to collection names.
	Collections CollectionsConfig `koanf:"collections"`

	// DefaultTopK is the result count used when a recall does not specify one.
	DefaultTopK int `koanf:"default_top_k"`

	// ReconcileInterval is how often the background reconciler sweeps the
	// frame log for unindexed frames.
	ReconcileInterval Duration `koanf:"reconcile_interval"`
}

// CollectionsConfig names the semantic index partitions.
type CollectionsConfig struct {
	Conversational string `koanf:"conversational"`
	Technical      string `koanf:"technical"`
	Private        string `koanf:"private"`
}

// All returns every configured collection name, private last.
func (c CollectionsConfig) All() []string {
	return []string{c.Conversational, c.Technical, c.Private}
}

// Queryable returns the collections included in unscoped recall.
// The private collection is never part of this set.
func (c CollectionsConfig) Queryable() []string {
	return []string{c.Conversational, c.Technical}
}

// CacheConfig holds cache layer configuration.
type CacheConfig struct {
	// EmbeddingTTL is the lifetime of cached embeddings. Embeddings of
	// identical text never change, so this defaults long (24h).
	EmbeddingTTL Duration `koanf:"embedding_ttl"`

	// EmbeddingMaxEntries bounds the embedding cache size.
	EmbeddingMaxEntries int `koanf:"embedding_max_entries"`

	// QueryTTL is the lifetime of cached query results. Underlying data can
	// change between queries, so this defaults short (30s).
	QueryTTL Duration `koanf:"query_ttl"`

	// QueryMaxEntries bounds the query-result cache size.
	QueryMaxEntries int `koanf:"query_max_entries"`
}

// VectorStoreConfig selects and configures the vector search backend.
type VectorStoreConfig struct {
	// Provider is "chromem" (embedded, default) or "qdrant" (external server).
	Provider string `koanf:"provider"`

	Chromem ChromemConfig `koanf:"chromem"`
	Qdrant  QdrantConfig  `koanf:"qdrant"`
}

// ChromemConfig holds embedded chromem-go settings.
type ChromemConfig struct {
	// Path is the directory for persistent vector storage.
	Path string `koanf:"path"`

	// Compress enables gzip compression for stored data.
	Compress bool `koanf:"compress"`

	// VectorSize is the expected embedding dimension.
	VectorSize int `koanf:"vector_size"`
}

// QdrantConfig holds external Qdrant gRPC settings.
type QdrantConfig struct {
	Host       string `koanf:"host"`
	Port       int    `koanf:"port"`
	UseTLS     bool   `koanf:"use_tls"`
	VectorSize int    `koanf:"vector_size"`
	APIKey     Secret `koanf:"api_key"`
}

// EmbeddingConfig selects and configures the embedding provider.
type EmbeddingConfig struct {
	// Provider is "fastembed" (local, default), "tei" or "openai".
	Provider string `koanf:"provider"`

	// Model is the embedding model name.
	Model string `koanf:"model"`

	// BaseURL is the endpoint for the TEI provider.
	BaseURL string `koanf:"base_url"`

	// APIKey authenticates the openai provider.
	APIKey Secret `koanf:"api_key"`

	// CacheDir is the model cache directory for the fastembed provider.
	CacheDir string `koanf:"cache_dir"`
}

// LoggingConfig holds structured logging configuration.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `koanf:"level"`

	// Format is "json" (default) or "console".
	Format string `koanf:"format"`
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.RawStore.Path == "" {
		c.RawStore.Path = "~/.config/mira/rawstore"
	}
	if c.Memory.Collections.Conversational == "" {
		c.Memory.Collections.Conversational = "conversational"
	}
	if c.Memory.Collections.Technical == "" {
		c.Memory.Collections.Technical = "technical"
	}
	if c.Memory.Collections.Private == "" {
		c.Memory.Collections.Private = "private"
	}
	if c.Memory.DefaultTopK == 0 {
		c.Memory.DefaultTopK = 10
	}
	if c.Memory.ReconcileInterval == 0 {
		c.Memory.ReconcileInterval = Duration(5 * time.Minute)
	}
	if c.Cache.EmbeddingTTL == 0 {
		c.Cache.EmbeddingTTL = Duration(24 * time.Hour)
	}
	if c.Cache.EmbeddingMaxEntries == 0 {
		c.Cache.EmbeddingMaxEntries = 4096
	}
	if c.Cache.QueryTTL == 0 {
		c.Cache.QueryTTL = Duration(30 * time.Second)
	}
	if c.Cache.QueryMaxEntries == 0 {
		c.Cache.QueryMaxEntries = 256
	}
	if c.VectorStore.Provider == "" {
		c.VectorStore.Provider = "chromem"
	}
	if c.VectorStore.Chromem.Path == "" {
		c.VectorStore.Chromem.Path = "~/.config/mira/vectorstore"
	}
	if c.VectorStore.Chromem.VectorSize == 0 {
		c.VectorStore.Chromem.VectorSize = 384
	}
	if c.VectorStore.Qdrant.Host == "" {
		c.VectorStore.Qdrant.Host = "localhost"
	}
	if c.VectorStore.Qdrant.Port == 0 {
		c.VectorStore.Qdrant.Port = 6334
	}
	if c.VectorStore.Qdrant.VectorSize == 0 {
		c.VectorStore.Qdrant.VectorSize = 384
	}
	if c.Embedding.Provider == "" {
		c.Embedding.Provider = "fastembed"
	}
	if c.Embedding.Model == "" {
		c.Embedding.Model = "BAAI/bge-small-en-v1.5"
	}
	if c.Embedding.BaseURL == "" {
		c.Embedding.BaseURL = "http://localhost:8080"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

// Validate checks the configuration for out-of-range values.
// Returns an error wrapping ErrConfig on the first violation.
func (c *Config) Validate() error {
	if c.RawStore.RetentionDays < 0 {
		return fmt.Errorf("%w: rawstore retention_days cannot be negative: %d", ErrConfig, c.RawStore.RetentionDays)
	}
	if c.Cache.EmbeddingTTL < 0 || c.Cache.QueryTTL < 0 {
		return fmt.Errorf("%w: cache TTLs cannot be negative", ErrConfig)
	}
	if c.Cache.EmbeddingMaxEntries < 1 {
		return fmt.Errorf("%w: embedding_max_entries must be positive: %d", ErrConfig, c.Cache.EmbeddingMaxEntries)
	}
	if c.Cache.QueryMaxEntries < 1 {
		return fmt.Errorf("%w: query_max_entries must be positive: %d", ErrConfig, c.Cache.QueryMaxEntries)
	}
	if c.Memory.DefaultTopK < 1 {
		return fmt.Errorf("%w: default_top_k must be positive: %d", ErrConfig, c.Memory.DefaultTopK)
	}
	if c.Memory.ReconcileInterval < 0 {
		return fmt.Errorf("%w: reconcile_interval cannot be negative", ErrConfig)
	}
	switch c.VectorStore.Provider {
	case "chromem", "qdrant":
	default:
		return fmt.Errorf("%w: unknown vectorstore provider %q (supported: chromem, qdrant)", ErrConfig, c.VectorStore.Provider)
	}
	if c.VectorStore.Chromem.VectorSize < 1 {
		return fmt.Errorf("%w: chromem vector_size must be positive: %d", ErrConfig, c.VectorStore.Chromem.VectorSize)
	}
	if c.VectorStore.Qdrant.Port <= 0 || c.VectorStore.Qdrant.Port > 65535 {
		return fmt.Errorf("%w: invalid qdrant port: %d", ErrConfig, c.VectorStore.Qdrant.Port)
	}
	switch c.Embedding.Provider {
	case "fastembed", "tei", "openai":
	default:
		return fmt.Errorf("%w: unknown embedding provider %q (supported: fastembed, tei, openai)", ErrConfig, c.Embedding.Provider)
	}
	seen := make(map[string]bool, 3)
	for _, name := range c.Memory.Collections.All() {
		if name == "" {
			return fmt.Errorf("%w: collection names cannot be empty", ErrConfig)
		}
		if seen[name] {
			return fmt.Errorf("%w: duplicate collection name %q", ErrConfig, name)
		}
		seen[name] = true
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("%w: unknown log level %q", ErrConfig, c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("%w: unknown log format %q", ErrConfig, c.Logging.Format)
	}
	return nil
}

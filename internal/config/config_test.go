package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func defaultConfig(t *testing.T) *Config {
	t.Helper()
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

func TestApplyDefaults(t *testing.T) {
	cfg := defaultConfig(t)

	assert.Equal(t, "chromem", cfg.VectorStore.Provider)
	assert.Equal(t, 384, cfg.VectorStore.Chromem.VectorSize)
	assert.Equal(t, "fastembed", cfg.Embedding.Provider)
	assert.Equal(t, "BAAI/bge-small-en-v1.5", cfg.Embedding.Model)
	assert.Equal(t, 10, cfg.Memory.DefaultTopK)
	assert.Equal(t, 24*time.Hour, cfg.Cache.EmbeddingTTL.Duration())
	assert.Equal(t, 30*time.Second, cfg.Cache.QueryTTL.Duration())
	assert.Equal(t, "conversational", cfg.Memory.Collections.Conversational)
	assert.Equal(t, "private", cfg.Memory.Collections.Private)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestValidate_Defaults(t *testing.T) {
	cfg := defaultConfig(t)
	require.NoError(t, cfg.Validate())
}

func TestValidate_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"negative retention", func(c *Config) { c.RawStore.RetentionDays = -1 }},
		{"negative query ttl", func(c *Config) { c.Cache.QueryTTL = Duration(-time.Second) }},
		{"zero embedding capacity", func(c *Config) { c.Cache.EmbeddingMaxEntries = 0 }},
		{"zero query capacity", func(c *Config) { c.Cache.QueryMaxEntries = -3 }},
		{"zero top k", func(c *Config) { c.Memory.DefaultTopK = 0 }},
		{"unknown vectorstore provider", func(c *Config) { c.VectorStore.Provider = "pinecone" }},
		{"unknown embedding provider", func(c *Config) { c.Embedding.Provider = "cohere" }},
		{"bad qdrant port", func(c *Config) { c.VectorStore.Qdrant.Port = 70000 }},
		{"empty collection name", func(c *Config) { c.Memory.Collections.Technical = "" }},
		{"duplicate collections", func(c *Config) { c.Memory.Collections.Technical = c.Memory.Collections.Private }},
		{"unknown log level", func(c *Config) { c.Logging.Level = "verbose" }},
		{"unknown log format", func(c *Config) { c.Logging.Format = "logfmt" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig(t)
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrConfig)
		})
	}
}

func TestCollections_Queryable_ExcludesPrivate(t *testing.T) {
	cfg := defaultConfig(t)
	queryable := cfg.Memory.Collections.Queryable()
	assert.NotContains(t, queryable, cfg.Memory.Collections.Private)
	assert.Len(t, queryable, 2)
}

func TestSecret_Redaction(t *testing.T) {
	s := Secret("sk-super-secret")
	assert.Equal(t, "[REDACTED]", s.String())
	assert.Equal(t, "sk-super-secret", s.Value())
	assert.True(t, s.IsSet())

	data, err := s.MarshalJSON()
	require.NoError(t, err)
	assert.NotContains(t, string(data), "super-secret")
}

func TestDuration_UnmarshalText(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("90s")))
	assert.Equal(t, 90*time.Second, d.Duration())

	require.Error(t, d.UnmarshalText([]byte("-5m")))
	require.Error(t, d.UnmarshalText([]byte("not-a-duration")))
}

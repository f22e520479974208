package vectorstore

import (
	"context"
	"fmt"

	"github.com/Interstitch/MIRA2-sub003/internal/config"
	"go.uber.org/zap"
)

// New builds a Store from configuration.
//
// Providers:
//   - "chromem": embedded persistent database, no external process
//   - "qdrant": external Qdrant server over gRPC
func New(ctx context.Context, cfg config.VectorStoreConfig, logger *zap.Logger) (Store, error) {
	switch cfg.Provider {
	case "chromem":
		return NewChromemStore(ChromemConfig{
			Path:       cfg.Chromem.Path,
			Compress:   cfg.Chromem.Compress,
			VectorSize: cfg.Chromem.VectorSize,
		}, logger)
	case "qdrant":
		return NewQdrantStore(ctx, QdrantConfig{
			Host:       cfg.Qdrant.Host,
			Port:       cfg.Qdrant.Port,
			UseTLS:     cfg.Qdrant.UseTLS,
			VectorSize: cfg.Qdrant.VectorSize,
			APIKey:     cfg.Qdrant.APIKey.Value(),
		}, logger)
	default:
		return nil, fmt.Errorf("%w: unknown provider %q", ErrInvalidConfig, cfg.Provider)
	}
}

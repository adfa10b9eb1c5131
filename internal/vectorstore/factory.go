package vectorstore

import (
	"context"
	"fmt"

	"github.com/fyrsmithlabs/docqa/internal/config"
	"go.uber.org/zap"
)

// NewStore builds the Store selected by cfg.VectorStore.Provider:
//   - "chromem" (default): embedded database persisted under chromem_path
//   - "qdrant": external Qdrant server over gRPC
//
// The collection is created if it does not exist yet. Collections are sized
// from the embedder's Dimension when it reports one, and from
// embeddings.dimension otherwise.
func NewStore(ctx context.Context, cfg *config.Config, embedder Embedder, logger *zap.Logger) (Store, error) {
	vs := cfg.VectorStore
	dim := vectorSize(cfg, embedder)

	switch vs.Provider {
	case "chromem", "":
		s, err := NewChromemStore(ChromemConfig{
			Path:       vs.ChromemPath,
			Compress:   vs.ChromemCompress,
			Collection: vs.Collection,
			VectorSize: dim,
		}, embedder, logger)
		if err != nil {
			return nil, err
		}
		if err := s.EnsureCollection(ctx); err != nil {
			return nil, err
		}
		return s, nil

	case "qdrant":
		s, err := NewQdrantStore(QdrantConfig{
			Host:       vs.QdrantHost,
			Port:       vs.QdrantPort,
			Collection: vs.Collection,
			VectorSize: uint64(dim),
			UseTLS:     vs.QdrantUseTLS,
		}, embedder, logger)
		if err != nil {
			return nil, err
		}
		if err := s.EnsureCollection(ctx); err != nil {
			_ = s.Close()
			return nil, err
		}
		return s, nil

	default:
		return nil, fmt.Errorf("%w: unsupported vectorstore provider %q (supported: chromem, qdrant)", ErrInvalidConfig, vs.Provider)
	}
}

// vectorSize prefers the size the embedding model actually produces.
func vectorSize(cfg *config.Config, embedder Embedder) int {
	if d, ok := embedder.(interface{ Dimension() int }); ok && d.Dimension() > 0 {
		return d.Dimension()
	}
	return cfg.Embeddings.Dimension
}

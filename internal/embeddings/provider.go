// Package embeddings provides embedding generation via multiple providers.
//
// Azure OpenAI and OpenAI go through langchaingo, TEI is called over HTTP,
// and FastEmbed runs ONNX models locally (cgo builds only). Every provider
// returned by NewProvider is instrumented with OpenTelemetry metrics.
package embeddings

import (
	"errors"
	"fmt"

	"github.com/fyrsmithlabs/docqa/internal/config"
	"github.com/fyrsmithlabs/docqa/internal/vectorstore"
	"go.uber.org/zap"
)

var (
	// ErrEmptyInput indicates empty or nil input texts.
	ErrEmptyInput = errors.New("empty or nil input texts")

	// ErrInvalidConfig indicates invalid configuration.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrEmbeddingFailed indicates embedding generation failure.
	ErrEmbeddingFailed = errors.New("embedding generation failed")
)

// Provider is an embedding backend.
type Provider interface {
	vectorstore.Embedder
	// Dimension returns the embedding dimension for the current model.
	Dimension() int
	// Close releases resources held by the provider.
	Close() error
}

// NewProvider creates the provider selected by cfg.Embeddings.Provider.
func NewProvider(cfg *config.Config, logger *zap.Logger) (Provider, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	ec := cfg.Embeddings

	var (
		p   Provider
		err error
	)
	switch ec.Provider {
	case "azure", "":
		p, err = NewLangChainProvider(LangChainConfig{
			Azure:      true,
			BaseURL:    cfg.Azure.Endpoint,
			APIKey:     cfg.Azure.APIKey.Value(),
			APIVersion: cfg.Azure.APIVersion,
			Model:      cfg.Azure.EmbeddingDeployment,
			Dimension:  ec.Dimension,
		})
	case "openai":
		p, err = NewLangChainProvider(LangChainConfig{
			BaseURL:   ec.BaseURL,
			APIKey:    ec.APIKey.Value(),
			Model:     ec.Model,
			Dimension: ec.Dimension,
		})
	case "tei":
		p, err = NewTEIProvider(TEIConfig{
			BaseURL:   ec.BaseURL,
			Model:     ec.Model,
			APIKey:    ec.APIKey.Value(),
			Dimension: ec.Dimension,
		})
	case "fastembed":
		p, err = NewFastEmbedProvider(FastEmbedConfig{
			Model:    ec.Model,
			CacheDir: ec.CacheDir,
		})
	default:
		return nil, fmt.Errorf("%w: unknown provider %q", ErrInvalidConfig, ec.Provider)
	}
	if err != nil {
		return nil, err
	}

	name := ec.Model
	if ec.Provider == "azure" || ec.Provider == "" {
		name = cfg.Azure.EmbeddingDeployment
	}
	logger.Info("embedding provider ready",
		zap.String("provider", ec.Provider),
		zap.String("model", name),
		zap.Int("dimension", p.Dimension()),
	)
	return Instrument(p, name, logger), nil
}

// detectDimensionFromModel guesses a model's output size from its name,
// falling back to 384.
func detectDimensionFromModel(model string) int {
	return config.ModelDimension(model)
}

func fastEmbedModelDimension(model string) (int, bool) {
	return config.KnownModelDimension(model)
}

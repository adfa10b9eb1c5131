package embeddings

import (
	"context"
	"fmt"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/openai"
)

// LangChainConfig configures an OpenAI-compatible embedder.
type LangChainConfig struct {
	// Azure selects the Azure OpenAI API; Model is then the deployment name.
	Azure bool

	// BaseURL is the API endpoint. Empty means api.openai.com.
	BaseURL string

	APIKey     string
	APIVersion string

	// Model is the embedding model, or the Azure deployment name.
	Model string

	// Dimension is the model's output size. Zero detects it from Model.
	Dimension int

	// BatchSize bounds the texts sent per request. Default: 16
	BatchSize int
}

// Validate validates the configuration.
func (c LangChainConfig) Validate() error {
	if c.Model == "" {
		return fmt.Errorf("%w: model required", ErrInvalidConfig)
	}
	if c.APIKey == "" {
		return fmt.Errorf("%w: api key required", ErrInvalidConfig)
	}
	if c.Azure && c.BaseURL == "" {
		return fmt.Errorf("%w: azure endpoint required", ErrInvalidConfig)
	}
	return nil
}

// LangChainProvider embeds through langchaingo's OpenAI client.
type LangChainProvider struct {
	embedder  *embeddings.EmbedderImpl
	dimension int
}

// NewLangChainProvider creates an OpenAI or Azure OpenAI embedder.
func NewLangChainProvider(cfg LangChainConfig) (*LangChainProvider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 16
	}

	opts := []openai.Option{
		openai.WithToken(cfg.APIKey),
		openai.WithEmbeddingModel(cfg.Model),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}
	if cfg.Azure {
		opts = append(opts, openai.WithAPIType(openai.APITypeAzure))
		if cfg.APIVersion != "" {
			opts = append(opts, openai.WithAPIVersion(cfg.APIVersion))
		}
	}

	llm, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating OpenAI client: %w", err)
	}

	embedder, err := embeddings.NewEmbedder(llm,
		embeddings.WithBatchSize(cfg.BatchSize),
		embeddings.WithStripNewLines(false),
	)
	if err != nil {
		return nil, fmt.Errorf("creating embedder: %w", err)
	}

	dim := cfg.Dimension
	if dim == 0 {
		dim = detectDimensionFromModel(cfg.Model)
	}
	return &LangChainProvider{embedder: embedder, dimension: dim}, nil
}

// EmbedDocuments implements vectorstore.Embedder.
func (p *LangChainProvider) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("%w: texts cannot be empty", ErrEmptyInput)
	}
	vectors, err := p.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		return nil, wrapProviderError(ctx, err)
	}
	return vectors, nil
}

// EmbedQuery implements vectorstore.Embedder.
func (p *LangChainProvider) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, fmt.Errorf("%w: text cannot be empty", ErrEmptyInput)
	}
	vector, err := p.embedder.EmbedQuery(ctx, text)
	if err != nil {
		return nil, wrapProviderError(ctx, err)
	}
	return vector, nil
}

// Dimension returns the embedding dimension.
func (p *LangChainProvider) Dimension() int { return p.dimension }

// Close is a no-op; the client holds no resources.
func (p *LangChainProvider) Close() error { return nil }

// wrapProviderError keeps context errors recognizable with errors.Is so
// callers can tell cancellation and timeouts from model failures.
func wrapProviderError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%w: %w", ctxErr, err)
	}
	return fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)
}

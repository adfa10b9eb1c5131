// Package llm generates answers from prompts through langchaingo chat models.
//
// Generation parameters are passed per call. Calls are rate limited per
// generator but never retried; a failure is returned to the caller as is.
package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/docqa/internal/config"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var tracer = otel.Tracer("docqa.llm")

var (
	// ErrInvalidConfig indicates a generator cannot be built.
	ErrInvalidConfig = errors.New("invalid llm configuration")

	// ErrGenerationFailed wraps model failures.
	ErrGenerationFailed = errors.New("generation failed")
)

// Options are the per-call generation parameters.
type Options struct {
	Temperature float64
	MaxTokens   int
}

// Generator produces text for a prompt.
type Generator interface {
	Generate(ctx context.Context, prompt string, opts Options) (string, error)
}

// LangChainGenerator adapts a langchaingo model to Generator.
type LangChainGenerator struct {
	model   llms.Model
	name    string
	limiter *rate.Limiter
}

// NewLangChainGenerator wraps model. requestsPerMinute <= 0 disables rate
// limiting.
func NewLangChainGenerator(model llms.Model, name string, requestsPerMinute int) *LangChainGenerator {
	limiter := rate.NewLimiter(rate.Inf, 0)
	if requestsPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(requestsPerMinute)), max(1, requestsPerMinute/10))
	}
	return &LangChainGenerator{model: model, name: name, limiter: limiter}
}

// Generate implements Generator. The model output is returned verbatim.
func (g *LangChainGenerator) Generate(ctx context.Context, prompt string, opts Options) (string, error) {
	ctx, span := tracer.Start(ctx, "LangChainGenerator.Generate")
	defer span.End()
	span.SetAttributes(
		attribute.String("model", g.name),
		attribute.Float64("temperature", opts.Temperature),
		attribute.Int("max_tokens", opts.MaxTokens),
		attribute.Int("prompt_length", len(prompt)),
	)

	if err := g.limiter.Wait(ctx); err != nil {
		// Wait fails early when the deadline would pass before a token.
		if ctx.Err() == nil {
			err = fmt.Errorf("%w: %v", context.DeadlineExceeded, err)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("rate limiter: %w", err)
	}

	callOpts := []llms.CallOption{llms.WithTemperature(opts.Temperature)}
	if opts.MaxTokens > 0 {
		callOpts = append(callOpts, llms.WithMaxTokens(opts.MaxTokens))
	}

	text, err := llms.GenerateFromSinglePrompt(ctx, g.model, prompt, callOpts...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", wrapError(ctx, err)
	}

	span.SetAttributes(attribute.Int("answer_length", len(text)))
	span.SetStatus(codes.Ok, "success")
	return text, nil
}

// wrapError keeps context errors recognizable with errors.Is so callers
// can tell cancellation and timeouts from model failures.
func wrapError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%w: %w", ctxErr, err)
	}
	return fmt.Errorf("%w: %v", ErrGenerationFailed, err)
}

// NewGenerator builds the generator selected by cfg.LLM.Provider.
func NewGenerator(cfg *config.Config, logger *zap.Logger) (Generator, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	lc := cfg.LLM

	var (
		model llms.Model
		name  string
		err   error
	)
	switch lc.Provider {
	case "azure", "":
		name = cfg.Azure.ChatDeployment
		if cfg.Azure.Endpoint == "" || !cfg.Azure.APIKey.IsSet() || name == "" {
			return nil, fmt.Errorf("%w: azure endpoint, api key and deployment are required", ErrInvalidConfig)
		}
		opts := []openai.Option{
			openai.WithAPIType(openai.APITypeAzure),
			openai.WithBaseURL(cfg.Azure.Endpoint),
			openai.WithToken(cfg.Azure.APIKey.Value()),
			openai.WithModel(name),
		}
		if cfg.Azure.APIVersion != "" {
			opts = append(opts, openai.WithAPIVersion(cfg.Azure.APIVersion))
		}
		model, err = openai.New(opts...)

	case "openai":
		name = lc.Model
		if !lc.APIKey.IsSet() {
			return nil, fmt.Errorf("%w: llm.api_key required for openai", ErrInvalidConfig)
		}
		opts := []openai.Option{openai.WithToken(lc.APIKey.Value()), openai.WithModel(name)}
		if lc.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(lc.BaseURL))
		}
		model, err = openai.New(opts...)

	case "anthropic":
		name = lc.Model
		if !lc.APIKey.IsSet() {
			return nil, fmt.Errorf("%w: llm.api_key required for anthropic", ErrInvalidConfig)
		}
		opts := []anthropic.Option{anthropic.WithToken(lc.APIKey.Value()), anthropic.WithModel(name)}
		if lc.BaseURL != "" {
			opts = append(opts, anthropic.WithBaseURL(lc.BaseURL))
		}
		model, err = anthropic.New(opts...)

	case "ollama":
		name = lc.Model
		opts := []ollama.Option{ollama.WithModel(name)}
		if lc.BaseURL != "" {
			opts = append(opts, ollama.WithServerURL(lc.BaseURL))
		}
		model, err = ollama.New(opts...)

	default:
		return nil, fmt.Errorf("%w: unknown provider %q", ErrInvalidConfig, lc.Provider)
	}
	if err != nil {
		return nil, fmt.Errorf("creating %s client: %w", lc.Provider, err)
	}

	logger.Info("llm provider ready",
		zap.String("provider", lc.Provider),
		zap.String("model", name),
		zap.Int("requests_per_minute", lc.RequestsPerMinute),
	)
	return NewLangChainGenerator(model, name, lc.RequestsPerMinute), nil
}

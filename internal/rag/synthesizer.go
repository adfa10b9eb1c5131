package rag

import (
	"context"
	"strings"
	"time"

	"github.com/fyrsmithlabs/docqa/internal/llm"
	"github.com/fyrsmithlabs/docqa/internal/vectorstore"
	"github.com/tmc/langchaingo/prompts"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	// DefaultTemperature is the sampling temperature when a query names none.
	DefaultTemperature = 0.7

	// DefaultMaxTokens bounds the answer length when a query names none.
	DefaultMaxTokens = 1000
)

const answerTemplate = `You are a helpful assistant that answers questions using only the provided context.
Use the following pieces of context to answer the question at the end.
If the context does not contain the answer, say that you don't know. Do not make up an answer.

Context:
{{.context}}

Question: {{.question}}

Answer:`

// Source is one retrieved chunk backing an answer.
type Source struct {
	ID       string               `json:"id"`
	Content  string               `json:"content"`
	Metadata vectorstore.Metadata `json:"metadata"`
	Score    float32              `json:"score"`
}

// Answer is a generated answer with the sources it was grounded on, in
// retrieval order.
type Answer struct {
	Text        string   `json:"answer"`
	Sources     []Source `json:"sources"`
	Query       string   `json:"query"`
	TopK        int      `json:"top_k"`
	Temperature float64  `json:"temperature"`
	MaxTokens   int      `json:"max_tokens"`
}

// Synthesizer builds the answer prompt and calls the generator.
type Synthesizer struct {
	generator llm.Generator
	prompt    prompts.PromptTemplate
	timeout   time.Duration
	logger    *zap.Logger
	tracer    trace.Tracer
}

// NewSynthesizer creates a Synthesizer. timeout bounds each generation call;
// zero means no bound.
func NewSynthesizer(generator llm.Generator, timeout time.Duration, logger *zap.Logger) *Synthesizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Synthesizer{
		generator: generator,
		prompt:    prompts.NewPromptTemplate(answerTemplate, []string{"context", "question"}),
		timeout:   timeout,
		logger:    logger,
		tracer:    defaultTracer,
	}
}

// Prompt renders the prompt for question over sources.
func (s *Synthesizer) Prompt(question string, sources []vectorstore.Entry) (string, error) {
	texts := make([]string, len(sources))
	for i, e := range sources {
		texts[i] = e.Text
	}
	return s.prompt.Format(map[string]any{
		"context":  strings.Join(texts, "\n\n"),
		"question": question,
	})
}

// Answer generates an answer to question from sources. The generated text
// is returned verbatim. Any generation failure fails the call.
func (s *Synthesizer) Answer(ctx context.Context, question string, sources []vectorstore.Entry, opts llm.Options) (*Answer, error) {
	ctx, span := s.tracer.Start(ctx, "Synthesizer.Answer")
	defer span.End()
	span.SetAttributes(attribute.Int("sources", len(sources)))

	prompt, err := s.Prompt(question, sources)
	if err != nil {
		return nil, Wrap(KindGeneration, "prompt", err)
	}

	genCtx, cancel := withTimeout(ctx, s.timeout)
	text, err := s.generator.Generate(genCtx, prompt, opts)
	cancel()
	if err != nil {
		span.RecordError(err)
		return nil, Wrap(KindGeneration, "generate", err)
	}

	out := &Answer{
		Text:        text,
		Sources:     make([]Source, len(sources)),
		Query:       question,
		Temperature: opts.Temperature,
		MaxTokens:   opts.MaxTokens,
	}
	for i, e := range sources {
		out.Sources[i] = Source{ID: e.ID, Content: e.Text, Metadata: e.Metadata, Score: e.Score}
	}
	return out, nil
}

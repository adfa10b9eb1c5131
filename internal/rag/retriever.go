package rag

import (
	"context"
	"time"

	"github.com/fyrsmithlabs/docqa/internal/vectorstore"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// DefaultTopK is the number of chunks retrieved when a query names none.
const DefaultTopK = 5

// Retriever finds the chunks most similar to a query. It reads the store on
// every call and keeps no state of its own.
type Retriever struct {
	store    vectorstore.Store
	embedder vectorstore.Embedder
	timeout  time.Duration
	logger   *zap.Logger
	tracer   trace.Tracer
}

// NewRetriever creates a Retriever. embedder must be the one used at
// ingestion. timeout bounds the query embedding; zero means no bound.
func NewRetriever(store vectorstore.Store, embedder vectorstore.Embedder, timeout time.Duration, logger *zap.Logger) *Retriever {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Retriever{store: store, embedder: embedder, timeout: timeout, logger: logger, tracer: defaultTracer}
}

// Retrieve returns up to k entries ranked by similarity to text. k < 1 is
// treated as 1.
func (r *Retriever) Retrieve(ctx context.Context, text string, k int) ([]vectorstore.Entry, error) {
	ctx, span := r.tracer.Start(ctx, "Retriever.Retrieve")
	defer span.End()

	if k < 1 {
		k = 1
	}
	span.SetAttributes(attribute.Int("top_k", k))

	embedCtx, cancel := withTimeout(ctx, r.timeout)
	vector, err := r.embedder.EmbedQuery(embedCtx, text)
	cancel()
	if err != nil {
		span.RecordError(err)
		return nil, Wrap(KindEmbedding, "embed", err)
	}

	entries, err := r.store.Search(ctx, vector, k)
	if err != nil {
		span.RecordError(err)
		return nil, Wrap(KindIndex, "search", err)
	}

	span.SetAttributes(attribute.Int("results", len(entries)))
	r.logger.Debug("retrieved chunks", zap.Int("top_k", k), zap.Int("results", len(entries)))
	return entries, nil
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

// Package rag answers questions about uploaded documents.
//
// Uploads are normalized, chunked, embedded and written to a vector store.
// A query is embedded with the same embedder, the most similar chunks are
// retrieved, and a language model answers from those chunks alone. The
// answer is returned with its sources in retrieval order.
//
// Every Service operation fails with an *Error whose Kind tells callers what
// went wrong. Cancellation and timeouts have their own kinds and are never
// reported as model failures.
package rag

import "go.opentelemetry.io/otel"

var defaultTracer = otel.Tracer("docqa.rag")

package rag

import (
	"context"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/fyrsmithlabs/docqa/internal/chunker"
	"github.com/fyrsmithlabs/docqa/internal/normalize"
	"github.com/fyrsmithlabs/docqa/internal/vectorstore"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// UploadFile is one uploaded document.
type UploadFile struct {
	Filename    string
	ContentType string
	Content     []byte
}

// ChunkParams are the per-upload chunking parameters.
type ChunkParams = chunker.Params

// Ingestor turns uploaded files into records ready for indexing.
type Ingestor struct {
	logger    *zap.Logger
	tracer    trace.Tracer
	normalize func(raw string, format normalize.Format) normalize.Result
}

// NewIngestor creates an Ingestor.
func NewIngestor(logger *zap.Logger) *Ingestor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ingestor{logger: logger, tracer: defaultTracer, normalize: normalize.Normalize}
}

// Prepare decodes, normalizes and chunks file. Each chunk becomes one record
// carrying the file's metadata; embeddings are left empty.
func (i *Ingestor) Prepare(ctx context.Context, file UploadFile, params ChunkParams) ([]vectorstore.Record, error) {
	_, span := i.tracer.Start(ctx, "Ingestor.Prepare")
	defer span.End()
	span.SetAttributes(attribute.String("filename", file.Filename))

	if strings.TrimSpace(file.Filename) == "" {
		return nil, newError(KindValidation, "decode", "file has no name")
	}
	if !utf8.Valid(file.Content) {
		return nil, newError(KindDecode, "decode", "%s is not valid UTF-8 text", file.Filename)
	}
	raw := strings.TrimPrefix(string(file.Content), "\ufeff")

	format := normalize.DetectFormat(file.Filename, file.ContentType)
	norm := i.normalize(raw, format)
	if norm.FallbackApplied {
		i.logger.Warn("normalization fell back to plain text",
			zap.String("filename", file.Filename),
			zap.String("format", string(format)),
			zap.String("kind", string(KindNormalization)),
			zap.String("reason", norm.FallbackReason))
	}

	chunks, err := chunker.Split(norm.Text, params.Size, params.Overlap)
	if err != nil {
		return nil, Wrap(KindChunking, "chunk", err)
	}
	if len(chunks) == 0 {
		return nil, newError(KindValidation, "chunk", "%s has no text content", file.Filename)
	}

	fileType := strings.ToLower(filepath.Ext(file.Filename))
	records := make([]vectorstore.Record, len(chunks))
	for n, c := range chunks {
		records[n] = vectorstore.Record{
			Text: c.Text,
			Metadata: vectorstore.Metadata{
				Filename:     file.Filename,
				FileType:     fileType,
				Format:       string(norm.Format),
				Source:       file.Filename,
				ChunkIndex:   c.Index,
				TotalChunks:  c.Total,
				ChunkSize:    c.Size,
				ChunkOverlap: c.Overlap,
			},
		}
	}

	span.SetAttributes(
		attribute.String("format", string(norm.Format)),
		attribute.Int("chunks", len(records)),
		attribute.Bool("fallback", norm.FallbackApplied),
	)
	return records, nil
}

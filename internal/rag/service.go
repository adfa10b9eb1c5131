package rag

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/fyrsmithlabs/docqa/internal/chunker"
	"github.com/fyrsmithlabs/docqa/internal/config"
	"github.com/fyrsmithlabs/docqa/internal/events"
	"github.com/fyrsmithlabs/docqa/internal/llm"
	"github.com/fyrsmithlabs/docqa/internal/vectorstore"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Config holds request defaults and model call timeouts.
type Config struct {
	Chunk             ChunkParams
	TopK              int
	Temperature       float64
	MaxTokens         int
	EmbeddingTimeout  time.Duration
	GenerationTimeout time.Duration
}

// DefaultConfig returns chunks of 1000/200, top_k 5, temperature 0.7,
// max_tokens 1000 and no timeouts.
func DefaultConfig() Config {
	return Config{
		Chunk:       chunker.DefaultParams(),
		TopK:        DefaultTopK,
		Temperature: DefaultTemperature,
		MaxTokens:   DefaultMaxTokens,
	}
}

// ConfigFrom extracts the service settings from the application config.
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		Chunk:             ChunkParams{Size: cfg.Chunking.Size, Overlap: cfg.Chunking.Overlap},
		TopK:              cfg.Query.TopK,
		Temperature:       cfg.Query.Temperature,
		MaxTokens:         cfg.Query.MaxTokens,
		EmbeddingTimeout:  cfg.Timeouts.Embedding.Duration(),
		GenerationTimeout: cfg.Timeouts.Generation.Duration(),
	}
}

// Query is one question with its generation parameters.
type Query struct {
	Text        string
	TopK        int
	Temperature float64
	MaxTokens   int
}

// FileError reports why one uploaded file was not indexed.
type FileError struct {
	Filename string `json:"filename"`
	Kind     Kind   `json:"kind"`
	Message  string `json:"message"`
}

// UploadResult lists the files indexed by an upload, in request order, and
// the files that failed.
type UploadResult struct {
	Count     int         `json:"document_count"`
	Filenames []string    `json:"document_names"`
	Chunks    int         `json:"chunks"`
	Failed    []FileError `json:"failed,omitempty"`
}

// DocumentInfo describes one indexed chunk.
type DocumentInfo struct {
	ID       string               `json:"id"`
	Metadata vectorstore.Metadata `json:"metadata"`
	Preview  string               `json:"content_preview"`
}

// Stats summarizes the collection.
type Stats struct {
	Collection string         `json:"collection_name"`
	Provider   string         `json:"provider"`
	Location   string         `json:"persist_location"`
	Entries    int            `json:"total_entries"`
	Documents  int            `json:"total_documents"`
	FileTypes  map[string]int `json:"file_types"`
}

// Option configures a Service.
type Option func(*Service)

// WithEvents publishes document lifecycle events to p.
func WithEvents(p events.Publisher) Option {
	return func(s *Service) {
		if p != nil {
			s.events = p
		}
	}
}

// WithTracer records spans of the service and its stages with t.
func WithTracer(t trace.Tracer) Option {
	return func(s *Service) {
		if t == nil {
			return
		}
		s.tracer = t
		s.ingestor.tracer = t
		s.retriever.tracer = t
		s.synth.tracer = t
	}
}

// Service is the document QA pipeline. It is safe for concurrent use.
type Service struct {
	store     vectorstore.Store
	embedder  vectorstore.Embedder
	ingestor  *Ingestor
	retriever *Retriever
	synth     *Synthesizer
	events    events.Publisher
	cfg       Config
	logger    *zap.Logger
	tracer    trace.Tracer
}

// NewService creates a Service. embedder is shared by ingestion and
// retrieval and must be the one the store was built with.
func NewService(store vectorstore.Store, embedder vectorstore.Embedder, generator llm.Generator, cfg Config, logger *zap.Logger, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, newError(KindConfiguration, "init", "vector store cannot be nil")
	}
	if embedder == nil {
		return nil, newError(KindConfiguration, "init", "embedder cannot be nil")
	}
	if generator == nil {
		return nil, newError(KindConfiguration, "init", "generator cannot be nil")
	}
	if err := cfg.Chunk.Validate(); err != nil {
		return nil, Wrap(KindConfiguration, "init", err)
	}
	if cfg.TopK < 1 {
		cfg.TopK = DefaultTopK
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Service{
		store:     store,
		embedder:  embedder,
		ingestor:  NewIngestor(logger),
		retriever: NewRetriever(store, embedder, cfg.EmbeddingTimeout, logger),
		synth:     NewSynthesizer(generator, cfg.GenerationTimeout, logger),
		events:    events.Nop{},
		cfg:       cfg,
		logger:    logger,
		tracer:    defaultTracer,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Defaults returns the request defaults.
func (s *Service) Defaults() Config {
	return s.cfg
}

// NewQuery returns a query for text with the default parameters.
func (s *Service) NewQuery(text string) Query {
	return Query{
		Text:        text,
		TopK:        s.cfg.TopK,
		Temperature: s.cfg.Temperature,
		MaxTokens:   s.cfg.MaxTokens,
	}
}

// Upload indexes files. Each file is processed on its own: a failure is
// recorded in UploadResult.Failed and the remaining files are still
// processed. Invalid params reject the whole request before anything is
// written. If ctx ends, processing stops and the files indexed so far stay
// indexed.
func (s *Service) Upload(ctx context.Context, files []UploadFile, params ChunkParams) (*UploadResult, error) {
	ctx, span := s.tracer.Start(ctx, "Service.Upload")
	defer span.End()
	span.SetAttributes(attribute.Int("files", len(files)))

	if len(files) == 0 {
		return nil, newError(KindValidation, "upload", "no files provided")
	}
	if err := params.Validate(); err != nil {
		return nil, Wrap(KindChunking, "upload", err)
	}

	result := &UploadResult{Filenames: []string{}}
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return result, Wrap(KindCanceled, "upload", err)
		}

		ids, err := s.ingest(ctx, f, params)
		if err != nil {
			DocumentsIngested.WithLabelValues("error").Inc()
			if ctxErr := ctx.Err(); ctxErr != nil {
				return result, Wrap(KindCanceled, "upload", ctxErr)
			}
			var re *Error
			if !errors.As(err, &re) {
				re = &Error{Kind: KindIndex, Op: "upload", Message: err.Error(), Err: err}
			}
			s.logger.Warn("document not indexed",
				zap.String("filename", f.Filename),
				zap.String("kind", string(re.Kind)),
				zap.String("op", re.Op),
				zap.Error(err))
			result.Failed = append(result.Failed, FileError{Filename: f.Filename, Kind: re.Kind, Message: re.Message})
			continue
		}

		DocumentsIngested.WithLabelValues("success").Inc()
		ChunksIndexed.Add(float64(len(ids)))
		result.Count++
		result.Filenames = append(result.Filenames, f.Filename)
		result.Chunks += len(ids)

		s.publish(ctx, events.Event{Type: events.TypeIngested, Filename: f.Filename, EntryIDs: ids, Chunks: len(ids)})
	}

	s.logger.Info("upload processed",
		zap.Int("indexed", result.Count),
		zap.Int("failed", len(result.Failed)),
		zap.Int("chunks", result.Chunks))
	return result, nil
}

// ingest indexes one file. Embedding happens before anything is written so
// a failed or canceled file leaves the index untouched.
func (s *Service) ingest(ctx context.Context, f UploadFile, params ChunkParams) ([]string, error) {
	records, err := s.ingestor.Prepare(ctx, f, params)
	if err != nil {
		return nil, err
	}

	texts := make([]string, len(records))
	for i, r := range records {
		texts[i] = r.Text
	}
	embedCtx, cancel := withTimeout(ctx, s.cfg.EmbeddingTimeout)
	vectors, err := s.embedder.EmbedDocuments(embedCtx, texts)
	cancel()
	if err != nil {
		return nil, Wrap(KindEmbedding, "embed", err)
	}
	if len(vectors) != len(records) {
		return nil, newError(KindEmbedding, "embed", "embedder returned %d vectors for %d chunks", len(vectors), len(records))
	}
	for i := range records {
		records[i].Embedding = vectors[i]
	}

	if err := ctx.Err(); err != nil {
		return nil, Wrap(KindCanceled, "index", err)
	}
	ids, err := s.store.Insert(ctx, records)
	if err != nil {
		return nil, Wrap(KindIndex, "index", err)
	}

	s.logger.Info("document indexed",
		zap.String("filename", f.Filename),
		zap.Int("chunks", len(ids)))
	return ids, nil
}

// Query answers q from the most similar indexed chunks.
func (s *Service) Query(ctx context.Context, q Query) (answer *Answer, err error) {
	ctx, span := s.tracer.Start(ctx, "Service.Query")
	defer span.End()

	start := time.Now()
	defer func() {
		outcome := "answered"
		if err != nil {
			outcome = string(KindOf(err))
			span.RecordError(err)
		}
		QueriesTotal.WithLabelValues(outcome).Inc()
		QueryDuration.Observe(time.Since(start).Seconds())
	}()

	if strings.TrimSpace(q.Text) == "" {
		return nil, newError(KindValidation, "query", "query text cannot be empty")
	}
	if q.Temperature < 0 {
		return nil, newError(KindValidation, "query", "temperature cannot be negative, got %g", q.Temperature)
	}
	if q.MaxTokens < 0 {
		return nil, newError(KindValidation, "query", "max_tokens cannot be negative, got %d", q.MaxTokens)
	}
	k := max(q.TopK, 1)
	span.SetAttributes(attribute.Int("top_k", k))

	sources, err := s.retriever.Retrieve(ctx, q.Text, k)
	if err != nil {
		s.logFailure("query retrieval failed", err)
		return nil, err
	}

	answer, err = s.synth.Answer(ctx, q.Text, sources, llm.Options{Temperature: q.Temperature, MaxTokens: q.MaxTokens})
	if err != nil {
		s.logFailure("answer generation failed", err)
		return nil, err
	}
	answer.TopK = k

	s.logger.Info("query answered",
		zap.Int("top_k", k),
		zap.Int("sources", len(sources)),
		zap.Duration("duration", time.Since(start)))
	return answer, nil
}

// ListDocuments returns every indexed chunk in insertion order with a
// content preview.
func (s *Service) ListDocuments(ctx context.Context) ([]DocumentInfo, error) {
	entries, err := s.store.List(ctx)
	if err != nil {
		err = Wrap(KindIndex, "list", err)
		s.logFailure("listing documents failed", err)
		return nil, err
	}
	docs := make([]DocumentInfo, len(entries))
	for i, e := range entries {
		docs[i] = DocumentInfo{ID: e.ID, Metadata: e.Metadata, Preview: e.Text}
	}
	return docs, nil
}

// DeleteDocument removes one chunk and reports whether it existed.
func (s *Service) DeleteDocument(ctx context.Context, id string) (bool, error) {
	if strings.TrimSpace(id) == "" {
		return false, newError(KindValidation, "delete", "document id cannot be empty")
	}
	found, err := s.store.Delete(ctx, id)
	if err != nil {
		err = Wrap(KindIndex, "delete", err)
		s.logFailure("deleting document failed", err, zap.String("id", id))
		return false, err
	}
	if found {
		s.logger.Info("document deleted", zap.String("id", id))
		s.publish(ctx, events.Event{Type: events.TypeDeleted, EntryIDs: []string{id}})
	}
	return found, nil
}

// ClearDocuments removes every indexed chunk. The collection stays.
func (s *Service) ClearDocuments(ctx context.Context) error {
	if err := s.store.DeleteAll(ctx); err != nil {
		err = Wrap(KindIndex, "clear", err)
		s.logFailure("clearing documents failed", err)
		return err
	}
	s.logger.Info("all documents cleared")
	s.publish(ctx, events.Event{Type: events.TypeCleared})
	return nil
}

// Stats summarizes the collection: entry count, distinct source documents
// and chunks per file type.
func (s *Service) Stats(ctx context.Context) (*Stats, error) {
	info, err := s.store.Info(ctx)
	if err != nil {
		err = Wrap(KindIndex, "stats", err)
		s.logFailure("collection info failed", err)
		return nil, err
	}
	entries, err := s.store.List(ctx)
	if err != nil {
		err = Wrap(KindIndex, "stats", err)
		s.logFailure("collection listing failed", err)
		return nil, err
	}

	stats := &Stats{
		Collection: info.Name,
		Provider:   info.Provider,
		Location:   info.Location,
		Entries:    len(entries),
		FileTypes:  map[string]int{},
	}
	sources := map[string]struct{}{}
	for _, e := range entries {
		ft := e.Metadata.FileType
		if ft == "" {
			ft = "unknown"
		}
		stats.FileTypes[ft]++
		sources[e.Metadata.Source] = struct{}{}
	}
	stats.Documents = len(sources)
	return stats, nil
}

func (s *Service) publish(ctx context.Context, ev events.Event) {
	if info, err := s.store.Info(ctx); err == nil {
		ev.Collection = info.Name
	}
	if err := s.events.Publish(context.WithoutCancel(ctx), ev); err != nil {
		s.logger.Warn("publishing event failed",
			zap.String("type", string(ev.Type)),
			zap.Error(err))
	}
}

func (s *Service) logFailure(msg string, err error, fields ...zap.Field) {
	kind := KindOf(err)
	fields = append(fields, zap.String("kind", string(kind)), zap.Error(err))
	if kind == KindCanceled {
		s.logger.Debug(msg, fields...)
		return
	}
	s.logger.Error(msg, fields...)
}

package vectorstore

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	chromem "github.com/philippgille/chromem-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

var chromemTracer = otel.Tracer("docqa.vectorstore.chromem")

const providerChromem = "chromem"

// ChromemConfig holds configuration for the embedded chromem-go database.
type ChromemConfig struct {
	// Path is the directory for persistent storage. "~" is expanded.
	Path string

	// Compress enables gzip compression of the persisted files.
	Compress bool

	// Collection is the collection name.
	Collection string

	// VectorSize is the expected embedding dimension. It is used to
	// enumerate a collection reopened from disk; when it disagrees with the
	// stored entries the size is re-learned from the embedder.
	VectorSize int
}

// ApplyDefaults sets default values for unset fields.
func (c *ChromemConfig) ApplyDefaults() {
	if c.Path == "" {
		c.Path = "./chroma_db"
	}
	if c.Collection == "" {
		c.Collection = DefaultCollection
	}
}

// Validate validates the configuration.
func (c *ChromemConfig) Validate() error {
	if c.VectorSize <= 0 {
		return fmt.Errorf("%w: vector size must be positive", ErrInvalidConfig)
	}
	return ValidateCollectionName(c.Collection)
}

// ChromemStore implements Store on chromem-go, an embedded vector database
// that keeps documents in memory and persists each one to disk.
type ChromemStore struct {
	db       *chromem.DB
	embedder Embedder
	config   ChromemConfig
	path     string
	logger   *zap.Logger

	// mu is held for writing by every mutation, so the collection size
	// cannot change between a Count and the query sized from it.
	mu      sync.RWMutex
	dim     atomic.Int64
	seq     int64
	seqInit bool
}

// NewChromemStore opens (or creates) the database at config.Path.
func NewChromemStore(config ChromemConfig, embedder Embedder, logger *zap.Logger) (*ChromemStore, error) {
	if embedder == nil {
		return nil, fmt.Errorf("%w: embedder is required", ErrInvalidConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	path, err := expandPath(config.Path)
	if err != nil {
		return nil, fmt.Errorf("expanding path: %w", err)
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("creating directory %s: %w", path, err)
	}

	db, err := chromem.NewPersistentDB(path, config.Compress)
	if err != nil {
		return nil, fmt.Errorf("%w: opening chromem db: %v", ErrConnectionFailed, err)
	}

	s := &ChromemStore{
		db:       db,
		embedder: embedder,
		config:   config,
		path:     path,
		logger:   logger,
	}
	s.dim.Store(int64(config.VectorSize))

	logger.Info("chromem store opened",
		zap.String("path", path),
		zap.String("collection", config.Collection),
		zap.Bool("compress", config.Compress),
		zap.Int("vector_size", config.VectorSize),
	)
	return s, nil
}

func expandPath(path string) (string, error) {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	return filepath.Abs(path)
}

func (s *ChromemStore) embeddingFunc() chromem.EmbeddingFunc {
	return func(ctx context.Context, text string) ([]float32, error) {
		return s.embedder.EmbedQuery(ctx, text)
	}
}

// collection returns the collection or nil when it does not exist yet.
func (s *ChromemStore) collection() *chromem.Collection {
	return s.db.GetCollection(s.config.Collection, s.embeddingFunc())
}

// EnsureCollection creates the collection if it is absent.
func (s *ChromemStore) EnsureCollection(ctx context.Context) error {
	_, err := s.db.GetOrCreateCollection(s.config.Collection, nil, s.embeddingFunc())
	if err != nil {
		return fmt.Errorf("creating collection %s: %w", s.config.Collection, err)
	}
	return nil
}

// Insert implements Store.
func (s *ChromemStore) Insert(ctx context.Context, records []Record) (ids []string, err error) {
	defer observe(providerChromem, "insert", time.Now(), &err)
	ctx, span := chromemTracer.Start(ctx, "ChromemStore.Insert")
	defer span.End()
	span.SetAttributes(
		attribute.String("collection", s.config.Collection),
		attribute.Int("record_count", len(records)),
	)

	if len(records) == 0 {
		return nil, nil
	}

	vectors, err := embedRecords(ctx, s.embedder, records)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	col, err := s.db.GetOrCreateCollection(s.config.Collection, nil, s.embeddingFunc())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("creating collection %s: %w", s.config.Collection, err)
	}
	if err := s.initSeq(ctx, col); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if dim := int(s.dim.Load()); col.Count() > 0 && len(vectors[0]) != dim {
		err = fmt.Errorf("%w: collection has %d, got %d", ErrDimensionMismatch, dim, len(vectors[0]))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	s.dim.Store(int64(len(vectors[0])))

	docs := make([]chromem.Document, len(records))
	ids = make([]string, len(records))
	for i, r := range records {
		ids[i] = uuid.NewString()
		docs[i] = chromem.Document{
			ID:        ids[i],
			Content:   r.Text,
			Metadata:  r.Metadata.toStrings(s.seq + int64(i) + 1),
			Embedding: normalized(vectors[i]),
		}
	}

	if err := col.AddDocuments(ctx, docs, 1); err != nil {
		s.rollback(col, ids)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("adding documents to %s: %w", s.config.Collection, err)
	}
	s.seq += int64(len(records))
	Entries.WithLabelValues(providerChromem).Set(float64(col.Count()))

	span.SetAttributes(attribute.Int("inserted", len(ids)))
	span.SetStatus(codes.Ok, "success")
	return ids, nil
}

// initSeq loads the highest stored sequence number once per process.
// Callers hold mu.
func (s *ChromemStore) initSeq(ctx context.Context, col *chromem.Collection) error {
	if s.seqInit {
		return nil
	}
	entries, err := s.all(ctx, col)
	if err != nil {
		return fmt.Errorf("reading sequence numbers: %w", err)
	}
	for _, e := range entries {
		if e.Seq > s.seq {
			s.seq = e.Seq
		}
	}
	s.seqInit = true
	return nil
}

// rollback removes whatever part of a failed batch was written.
func (s *ChromemStore) rollback(col *chromem.Collection, ids []string) {
	ctx := context.Background()
	for _, id := range ids {
		if _, err := col.GetByID(ctx, id); err != nil {
			continue
		}
		if err := col.Delete(ctx, nil, nil, id); err != nil {
			s.logger.Error("rollback of partial insert failed", zap.String("id", id), zap.Error(err))
		}
	}
}

// all returns every entry in the collection in insertion order. chromem has
// no scan, so this queries with a basis vector and n equal to the count.
// Callers hold mu.
func (s *ChromemStore) all(ctx context.Context, col *chromem.Collection) ([]Entry, error) {
	n := col.Count()
	if n == 0 {
		return nil, nil
	}
	dim := int(s.dim.Load())
	results, err := col.QueryEmbedding(ctx, basisVector(dim), n, nil, nil)
	if err != nil {
		// A reopened collection may hold vectors of another size than
		// configured. The embedder's output size is the stored one unless
		// the model changed.
		stored, derr := s.embedderDimension(ctx)
		if derr != nil || stored == dim || stored == 0 {
			return nil, err
		}
		results, err = col.QueryEmbedding(ctx, basisVector(stored), n, nil, nil)
		if err != nil {
			return nil, err
		}
		s.logger.Warn("configured vector size differs from stored entries",
			zap.String("collection", s.config.Collection),
			zap.Int("configured", dim),
			zap.Int("stored", stored),
		)
		s.dim.Store(int64(stored))
	}
	entries := toEntries(results)
	sortBySeq(entries)
	return entries, nil
}

func (s *ChromemStore) embedderDimension(ctx context.Context) (int, error) {
	v, err := s.embedder.EmbedQuery(ctx, "dimension")
	if err != nil {
		return 0, err
	}
	return len(v), nil
}

func basisVector(dim int) []float32 {
	v := make([]float32, max(dim, 1))
	v[0] = 1
	return v
}

// Search implements Store.
func (s *ChromemStore) Search(ctx context.Context, embedding []float32, k int) (entries []Entry, err error) {
	defer observe(providerChromem, "search", time.Now(), &err)
	ctx, span := chromemTracer.Start(ctx, "ChromemStore.Search")
	defer span.End()
	span.SetAttributes(attribute.Int("k", k))

	if k < 1 {
		return nil, fmt.Errorf("%w, got %d", ErrInvalidK, k)
	}
	if len(embedding) == 0 {
		return nil, fmt.Errorf("%w: empty query embedding", ErrDimensionMismatch)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	col := s.collection()
	if col == nil || col.Count() == 0 {
		span.SetStatus(codes.Ok, "empty")
		return []Entry{}, nil
	}

	// Every entry is scored so ties at the cut are resolved by sequence.
	results, err := col.QueryEmbedding(ctx, normalized(embedding), col.Count(), nil, nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("querying %s: %w", s.config.Collection, err)
	}

	entries = toEntries(results)
	rankEntries(entries)
	if len(entries) > k {
		entries = entries[:k]
	}

	span.SetAttributes(attribute.Int("results_count", len(entries)))
	span.SetStatus(codes.Ok, "success")
	return entries, nil
}

// Delete implements Store.
func (s *ChromemStore) Delete(ctx context.Context, id string) (found bool, err error) {
	defer observe(providerChromem, "delete", time.Now(), &err)
	ctx, span := chromemTracer.Start(ctx, "ChromemStore.Delete")
	defer span.End()
	span.SetAttributes(attribute.String("id", id))

	s.mu.Lock()
	defer s.mu.Unlock()

	col := s.collection()
	if col == nil || id == "" {
		return false, nil
	}
	if _, err := col.GetByID(ctx, id); err != nil {
		return false, nil
	}
	if err := col.Delete(ctx, nil, nil, id); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return false, fmt.Errorf("deleting %s: %w", id, err)
	}
	Entries.WithLabelValues(providerChromem).Set(float64(col.Count()))

	span.SetStatus(codes.Ok, "success")
	return true, nil
}

// DeleteAll implements Store by enumerating every id and deleting in batches.
func (s *ChromemStore) DeleteAll(ctx context.Context) (err error) {
	defer observe(providerChromem, "delete_all", time.Now(), &err)
	ctx, span := chromemTracer.Start(ctx, "ChromemStore.DeleteAll")
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()

	col := s.collection()
	if col == nil {
		return nil
	}
	entries, err := s.all(ctx, col)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("enumerating %s: %w", s.config.Collection, err)
	}

	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}
	for start := 0; start < len(ids); start += deleteBatchSize {
		end := min(start+deleteBatchSize, len(ids))
		if err := col.Delete(ctx, nil, nil, ids[start:end]...); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return fmt.Errorf("deleting batch from %s: %w", s.config.Collection, err)
		}
	}
	Entries.WithLabelValues(providerChromem).Set(float64(col.Count()))

	span.SetAttributes(attribute.Int("deleted", len(ids)))
	span.SetStatus(codes.Ok, "success")
	s.logger.Info("collection cleared", zap.String("collection", s.config.Collection), zap.Int("deleted", len(ids)))
	return nil
}

// List implements Store.
func (s *ChromemStore) List(ctx context.Context) (entries []Entry, err error) {
	defer observe(providerChromem, "list", time.Now(), &err)
	ctx, span := chromemTracer.Start(ctx, "ChromemStore.List")
	defer span.End()

	s.mu.RLock()
	defer s.mu.RUnlock()

	col := s.collection()
	if col == nil {
		return []Entry{}, nil
	}
	entries, err = s.all(ctx, col)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("listing %s: %w", s.config.Collection, err)
	}
	for i := range entries {
		entries[i].Text = Preview(entries[i].Text)
		entries[i].Embedding = nil
		entries[i].Score = 0
	}
	if entries == nil {
		entries = []Entry{}
	}
	span.SetStatus(codes.Ok, "success")
	return entries, nil
}

// Count implements Store.
func (s *ChromemStore) Count(context.Context) (int, error) {
	col := s.collection()
	if col == nil {
		return 0, nil
	}
	return col.Count(), nil
}

// Info implements Store.
func (s *ChromemStore) Info(ctx context.Context) (*CollectionInfo, error) {
	n, err := s.Count(ctx)
	if err != nil {
		return nil, err
	}
	return &CollectionInfo{
		Name:      s.config.Collection,
		Provider:  providerChromem,
		Location:  s.path,
		Count:     n,
		Dimension: int(s.dim.Load()),
	}, nil
}

// Close implements Store. chromem writes each document on insert, so there
// is nothing to flush.
func (s *ChromemStore) Close() error {
	return nil
}

func toEntries(results []chromem.Result) []Entry {
	entries := make([]Entry, len(results))
	for i, r := range results {
		md, seq := metadataFromStrings(r.Metadata)
		entries[i] = Entry{
			ID:        r.ID,
			Text:      r.Content,
			Metadata:  md,
			Embedding: r.Embedding,
			Score:     r.Similarity,
			Seq:       seq,
		}
	}
	return entries
}

// normalized returns v scaled to unit length, so dot product equals cosine.
func normalized(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return v
	}
	norm := float32(math.Sqrt(sum))
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = x / norm
	}
	return out
}

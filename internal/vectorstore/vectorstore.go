// Package vectorstore persists embedded document chunks and answers
// similarity queries over them.
//
// A Store owns one named collection. Entries get a fresh UUID on insert and
// an insertion sequence number, which orders List output and breaks
// similarity ties in Search. Two backends are provided: ChromemStore
// (embedded, persisted to disk) and QdrantStore (external server over gRPC).
package vectorstore

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"unicode/utf8"
)

const (
	// PreviewLength is the number of runes List keeps from each entry.
	PreviewLength = 100

	// PreviewEllipsis is appended to truncated previews.
	PreviewEllipsis = "..."

	// DefaultCollection is the collection used when none is configured.
	DefaultCollection = "rag_documents"

	// deleteBatchSize bounds the ids sent in one delete call.
	deleteBatchSize = 256
)

var (
	// ErrInvalidConfig indicates a store cannot be built from its config.
	ErrInvalidConfig = errors.New("invalid vector store configuration")

	// ErrInvalidCollectionName indicates a collection name failed validation.
	ErrInvalidCollectionName = errors.New("invalid collection name")

	// ErrEmbeddingFailed wraps failures of the injected Embedder.
	ErrEmbeddingFailed = errors.New("embedding failed")

	// ErrInvalidK is returned by Search for k < 1.
	ErrInvalidK = errors.New("k must be at least 1")

	// ErrDimensionMismatch indicates an embedding of the wrong length.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")

	// ErrConnectionFailed indicates the backend could not be reached.
	ErrConnectionFailed = errors.New("vector store connection failed")
)

// Embedder turns text into vectors. The same instance must be used for
// ingestion and retrieval.
type Embedder interface {
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// Store is a durable, similarity-searchable collection of chunk entries.
// Implementations are safe for concurrent use.
type Store interface {
	// Insert embeds and writes records, returning one new id per record in
	// input order. Either every record is written or none is.
	Insert(ctx context.Context, records []Record) ([]string, error)

	// Search returns the k entries most similar to embedding, highest score
	// first, ties in insertion order. An absent collection yields no entries.
	Search(ctx context.Context, embedding []float32, k int) ([]Entry, error)

	// Delete removes one entry and reports whether it existed.
	Delete(ctx context.Context, id string) (bool, error)

	// DeleteAll removes every entry. The collection itself remains.
	DeleteAll(ctx context.Context) error

	// List returns every entry in insertion order with Text cut to a preview.
	List(ctx context.Context) ([]Entry, error)

	// Count returns the number of entries.
	Count(ctx context.Context) (int, error)

	// Info describes the collection.
	Info(ctx context.Context) (*CollectionInfo, error)

	Close() error
}

// Metadata describes the chunk an entry was built from.
type Metadata struct {
	Filename     string `json:"filename"`
	FileType     string `json:"file_type"`
	Format       string `json:"format"`
	Source       string `json:"source"`
	ChunkIndex   int    `json:"chunk_index"`
	TotalChunks  int    `json:"total_chunks"`
	ChunkSize    int    `json:"chunk_size"`
	ChunkOverlap int    `json:"chunk_overlap"`
}

// Record is an entry to insert. Embedding is computed by the store's
// Embedder when empty.
type Record struct {
	Text      string
	Metadata  Metadata
	Embedding []float32
}

// Entry is a stored chunk.
type Entry struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	Metadata  Metadata  `json:"metadata"`
	Embedding []float32 `json:"-"`
	Score     float32   `json:"score,omitempty"`
	Seq       int64     `json:"-"`
}

// CollectionInfo describes a store's collection.
type CollectionInfo struct {
	Name      string `json:"name"`
	Provider  string `json:"provider"`
	Location  string `json:"location"`
	Count     int    `json:"count"`
	Dimension int    `json:"dimension"`
}

// Preview returns the first PreviewLength runes of text, followed by
// PreviewEllipsis when anything was cut.
func Preview(text string) string {
	if utf8.RuneCountInString(text) <= PreviewLength {
		return text
	}
	r := []rune(text)
	return string(r[:PreviewLength]) + PreviewEllipsis
}

// Metadata keys shared by the backends.
const (
	keyFilename     = "filename"
	keyFileType     = "file_type"
	keyFormat       = "format"
	keySource       = "source"
	keyChunkIndex   = "chunk_index"
	keyTotalChunks  = "total_chunks"
	keyChunkSize    = "chunk_size"
	keyChunkOverlap = "chunk_overlap"
	keySeq          = "seq"
	keyText         = "text"
)

func (m Metadata) toStrings(seq int64) map[string]string {
	return map[string]string{
		keyFilename:     m.Filename,
		keyFileType:     m.FileType,
		keyFormat:       m.Format,
		keySource:       m.Source,
		keyChunkIndex:   strconv.Itoa(m.ChunkIndex),
		keyTotalChunks:  strconv.Itoa(m.TotalChunks),
		keyChunkSize:    strconv.Itoa(m.ChunkSize),
		keyChunkOverlap: strconv.Itoa(m.ChunkOverlap),
		keySeq:          strconv.FormatInt(seq, 10),
	}
}

func metadataFromStrings(m map[string]string) (Metadata, int64) {
	atoi := func(k string) int {
		n, _ := strconv.Atoi(m[k])
		return n
	}
	seq, _ := strconv.ParseInt(m[keySeq], 10, 64)
	return Metadata{
		Filename:     m[keyFilename],
		FileType:     m[keyFileType],
		Format:       m[keyFormat],
		Source:       m[keySource],
		ChunkIndex:   atoi(keyChunkIndex),
		TotalChunks:  atoi(keyTotalChunks),
		ChunkSize:    atoi(keyChunkSize),
		ChunkOverlap: atoi(keyChunkOverlap),
	}, seq
}

// rankEntries orders by score descending, then insertion order.
func rankEntries(entries []Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].Score != entries[j].Score {
			return entries[i].Score > entries[j].Score
		}
		return entries[i].Seq < entries[j].Seq
	})
}

func sortBySeq(entries []Entry) {
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].Seq < entries[j].Seq })
}

// embedRecords fills in missing embeddings with one batch call and checks
// that every vector has the same length.
func embedRecords(ctx context.Context, embedder Embedder, records []Record) ([][]float32, error) {
	vectors := make([][]float32, len(records))
	var texts []string
	var missing []int
	for i, r := range records {
		if len(r.Embedding) > 0 {
			vectors[i] = r.Embedding
			continue
		}
		texts = append(texts, r.Text)
		missing = append(missing, i)
	}

	if len(missing) > 0 {
		if embedder == nil {
			return nil, errors.Join(ErrEmbeddingFailed, errors.New("no embedder configured"))
		}
		embs, err := embedder.EmbedDocuments(ctx, texts)
		if err != nil {
			return nil, errors.Join(ErrEmbeddingFailed, err)
		}
		if len(embs) != len(texts) {
			return nil, errors.Join(ErrEmbeddingFailed, errors.New("embedder returned wrong number of vectors"))
		}
		for j, i := range missing {
			vectors[i] = embs[j]
		}
	}

	dim := len(vectors[0])
	for _, v := range vectors {
		if len(v) == 0 || len(v) != dim {
			return nil, ErrDimensionMismatch
		}
	}
	return vectors, nil
}

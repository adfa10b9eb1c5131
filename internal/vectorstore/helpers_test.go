package vectorstore

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/fyrsmithlabs/docqa/internal/config"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// keywordEmbedder maps text onto four axes: sky, grass, rose, other.
// Texts with the same keywords get identical vectors, which makes ties easy
// to construct.
type keywordEmbedder struct {
	calls int
}

var keywordAxes = []string{"sky", "grass", "rose"}

func keywordVector(text string) []float32 {
	v := make([]float32, len(keywordAxes)+1)
	lower := strings.ToLower(text)
	hit := false
	for i, kw := range keywordAxes {
		if n := strings.Count(lower, kw); n > 0 {
			v[i] = float32(n)
			hit = true
		}
	}
	if !hit {
		v[len(keywordAxes)] = 1
	}
	return v
}

func (e *keywordEmbedder) EmbedDocuments(_ context.Context, texts []string) ([][]float32, error) {
	e.calls++
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = keywordVector(t)
	}
	return out, nil
}

func (e *keywordEmbedder) EmbedQuery(_ context.Context, text string) ([]float32, error) {
	return keywordVector(text), nil
}

type failingEmbedder struct{ err error }

func (e failingEmbedder) EmbedDocuments(context.Context, []string) ([][]float32, error) {
	return nil, e.err
}

func (e failingEmbedder) EmbedQuery(context.Context, string) ([]float32, error) {
	return nil, e.err
}

var errModelDown = errors.New("model unavailable")

func record(text, filename string, index int) Record {
	return Record{
		Text: text,
		Metadata: Metadata{
			Filename:     filename,
			FileType:     ".txt",
			Format:       "text",
			Source:       filename,
			ChunkIndex:   index,
			TotalChunks:  1,
			ChunkSize:    1000,
			ChunkOverlap: 200,
		},
	}
}

func newTestChromemStore(t *testing.T, path string, embedder Embedder) *ChromemStore {
	t.Helper()
	store, err := NewChromemStore(ChromemConfig{
		Path:       path,
		Collection: "test_documents",
		VectorSize: len(keywordAxes) + 1,
	}, embedder, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func entryTexts(entries []Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Text
	}
	return out
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.VectorStore.ChromemPath = t.TempDir()
	cfg.Embeddings.Dimension = len(keywordAxes) + 1
	return cfg
}

package rag

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/fyrsmithlabs/docqa/internal/events"
	"github.com/fyrsmithlabs/docqa/internal/llm"
	"github.com/fyrsmithlabs/docqa/internal/vectorstore"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var errModelDown = errors.New("model unavailable")

// keywordEmbedder maps text onto four axes: sky, grass, rose, other.
// Documents containing failOn fail to embed.
type keywordEmbedder struct {
	failOn string
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
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if e.failOn != "" && strings.Contains(t, e.failOn) {
			return nil, errModelDown
		}
		out[i] = keywordVector(t)
	}
	return out, nil
}

func (e *keywordEmbedder) EmbedQuery(_ context.Context, text string) ([]float32, error) {
	return keywordVector(text), nil
}

// blockingEmbedder waits for the context to end.
type blockingEmbedder struct{}

func (blockingEmbedder) EmbedDocuments(ctx context.Context, _ []string) ([][]float32, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (blockingEmbedder) EmbedQuery(ctx context.Context, _ string) ([]float32, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

type mockGenerator struct {
	mock.Mock
}

func (m *mockGenerator) Generate(ctx context.Context, prompt string, opts llm.Options) (string, error) {
	args := m.Called(ctx, prompt, opts)
	return args.String(0), args.Error(1)
}

// blockingGenerator waits for the context to end and reports it the way
// the langchaingo generator does.
type blockingGenerator struct{}

func (blockingGenerator) Generate(ctx context.Context, _ string, _ llm.Options) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, ev events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) types() []events.Type {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]events.Type, len(p.events))
	for i, ev := range p.events {
		out[i] = ev.Type
	}
	return out
}

func newTestStore(t *testing.T, embedder vectorstore.Embedder) vectorstore.Store {
	t.Helper()
	store, err := vectorstore.NewChromemStore(vectorstore.ChromemConfig{
		Path:       t.TempDir(),
		Collection: "test_documents",
		VectorSize: len(keywordAxes) + 1,
	}, embedder, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

type fixture struct {
	svc       *Service
	store     vectorstore.Store
	generator *mockGenerator
	events    *recordingPublisher
}

func newFixture(t *testing.T, embedder vectorstore.Embedder, cfg Config, logger *zap.Logger) *fixture {
	t.Helper()
	f := &fixture{
		store:     newTestStore(t, embedder),
		generator: &mockGenerator{},
		events:    &recordingPublisher{},
	}
	svc, err := NewService(f.store, embedder, f.generator, cfg, logger, WithEvents(f.events))
	require.NoError(t, err)
	f.svc = svc
	return f
}

func textFile(name, content string) UploadFile {
	return UploadFile{Filename: name, Content: []byte(content)}
}

func requireKind(t *testing.T, err error, kind Kind) *Error {
	t.Helper()
	require.Error(t, err)
	var re *Error
	require.True(t, errors.As(err, &re), "want *rag.Error, got %T: %v", err, err)
	require.Equal(t, kind, re.Kind, "error: %v", err)
	return re
}

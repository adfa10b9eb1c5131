package embeddings

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/fyrsmithlabs/docqa/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/zap"
)

func newTEIServer(t *testing.T, handler http.HandlerFunc) *TEIProvider {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	p, err := NewTEIProvider(TEIConfig{BaseURL: srv.URL + "/", Model: "BAAI/bge-small-en-v1.5", APIKey: "tei-token"})
	require.NoError(t, err)
	return p
}

func TestTEIProvider_EmbedDocuments(t *testing.T) {
	var got teiRequest
	p := newTEIServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/embed", r.URL.Path)
		assert.Equal(t, "Bearer tei-token", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode([][]float32{{1, 0}, {0, 1}})
	})

	vectors, err := p.EmbedDocuments(context.Background(), []string{"sky", "grass"})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{1, 0}, {0, 1}}, vectors)
	assert.Equal(t, []any{"sky", "grass"}, got.Inputs)
	assert.True(t, got.Truncate)
	assert.Equal(t, 384, p.Dimension())
}

func TestTEIProvider_EmbedQuery(t *testing.T) {
	p := newTEIServer(t, func(w http.ResponseWriter, r *http.Request) {
		var req teiRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "what color is the sky?", req.Inputs)
		_ = json.NewEncoder(w).Encode([][]float32{{0.5, 0.5}})
	})

	vector, err := p.EmbedQuery(context.Background(), "what color is the sky?")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.5, 0.5}, vector)
}

func TestTEIProvider_Errors(t *testing.T) {
	p := newTEIServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model overloaded", http.StatusServiceUnavailable)
	})

	_, err := p.EmbedDocuments(context.Background(), []string{"a"})
	assert.ErrorIs(t, err, ErrEmbeddingFailed)
	assert.Contains(t, err.Error(), "model overloaded")

	_, err = p.EmbedDocuments(context.Background(), nil)
	assert.ErrorIs(t, err, ErrEmptyInput)

	_, err = p.EmbedQuery(context.Background(), "")
	assert.ErrorIs(t, err, ErrEmptyInput)
}

func TestTEIProvider_WrongVectorCount(t *testing.T) {
	p := newTEIServer(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([][]float32{{1}})
	})
	_, err := p.EmbedDocuments(context.Background(), []string{"a", "b"})
	assert.ErrorIs(t, err, ErrEmbeddingFailed)
}

func TestTEIProvider_ContextErrorsStayDistinct(t *testing.T) {
	release := make(chan struct{})
	p := newTEIServer(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := p.EmbedQuery(ctx, "slow")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NotErrorIs(t, err, ErrEmbeddingFailed)

	ctx, cancel2 := context.WithCancel(context.Background())
	cancel2()
	_, err = p.EmbedQuery(ctx, "canceled")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNewTEIProvider_RequiresURL(t *testing.T) {
	_, err := NewTEIProvider(TEIConfig{})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestLangChainConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     LangChainConfig
		wantErr bool
	}{
		{"openai", LangChainConfig{Model: "text-embedding-3-small", APIKey: "sk-test"}, false},
		{"azure", LangChainConfig{Azure: true, BaseURL: "https://x.openai.azure.com", Model: "ada", APIKey: "k"}, false},
		{"azure without endpoint", LangChainConfig{Azure: true, Model: "ada", APIKey: "k"}, true},
		{"missing key", LangChainConfig{Model: "ada"}, true},
		{"missing model", LangChainConfig{APIKey: "k"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidConfig)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNewLangChainProvider_Azure(t *testing.T) {
	p, err := NewLangChainProvider(LangChainConfig{
		Azure:      true,
		BaseURL:    "https://example.openai.azure.com",
		APIKey:     "azure-key",
		APIVersion: "2024-02-15-preview",
		Model:      "text-embedding-ada-002",
	})
	require.NoError(t, err)
	assert.Equal(t, 1536, p.Dimension())
	assert.NoError(t, p.Close())
}

func TestNewProvider(t *testing.T) {
	cfg := config.Default()
	cfg.Embeddings.Provider = "word2vec"
	_, err := NewProvider(cfg, zap.NewNop())
	assert.ErrorIs(t, err, ErrInvalidConfig)

	cfg = config.Default()
	cfg.Embeddings.Provider = "tei"
	cfg.Embeddings.BaseURL = "http://localhost:8080"
	cfg.Embeddings.Model = "BAAI/bge-base-en-v1.5"
	cfg.Embeddings.Dimension = 0
	p, err := NewProvider(cfg, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, 768, p.Dimension())
	_, ok := p.(*instrumented)
	assert.True(t, ok, "providers are instrumented")
}

func TestDetectDimensionFromModel(t *testing.T) {
	assert.Equal(t, 384, detectDimensionFromModel("BAAI/bge-small-en-v1.5"))
	assert.Equal(t, 512, detectDimensionFromModel("BAAI/bge-small-zh-v1.5"))
	assert.Equal(t, 1536, detectDimensionFromModel("text-embedding-ada-002"))
	assert.Equal(t, 3072, detectDimensionFromModel("text-embedding-3-large"))
	assert.Equal(t, 1024, detectDimensionFromModel("e5-large"))
	assert.Equal(t, 384, detectDimensionFromModel("unknown"))
}

type stubProvider struct{ err error }

func (s stubProvider) EmbedDocuments(_ context.Context, texts []string) ([][]float32, error) {
	if s.err != nil {
		return nil, s.err
	}
	return make([][]float32, len(texts)), nil
}

func (s stubProvider) EmbedQuery(context.Context, string) ([]float32, error) {
	return []float32{1}, s.err
}

func (stubProvider) Dimension() int { return 1 }
func (stubProvider) Close() error   { return nil }

func TestInstrument_RecordsMetrics(t *testing.T) {
	reader := metric.NewManualReader()
	mp := metric.NewMeterProvider(metric.WithReader(reader))

	m := &Metrics{meter: mp.Meter(instrumentationName), logger: zap.NewNop()}
	m.init()

	ok := &instrumented{Provider: stubProvider{}, model: "m", metrics: m}
	bad := &instrumented{Provider: stubProvider{err: errors.New("boom")}, model: "m", metrics: m}

	ctx := context.Background()
	_, err := ok.EmbedDocuments(ctx, []string{"a", "b", "c"})
	require.NoError(t, err)
	_, err = bad.EmbedQuery(ctx, "q")
	require.Error(t, err)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))

	counts := map[string]bool{}
	for _, sm := range rm.ScopeMetrics {
		for _, md := range sm.Metrics {
			counts[md.Name] = true
			if md.Name == "docqa.embedding.errors_total" {
				sum, isSum := md.Data.(metricdata.Sum[int64])
				require.True(t, isSum)
				require.Len(t, sum.DataPoints, 1)
				assert.Equal(t, int64(1), sum.DataPoints[0].Value)
			}
		}
	}
	assert.True(t, counts["docqa.embedding.duration_seconds"])
	assert.True(t, counts["docqa.embedding.batch_size"])
	assert.True(t, counts["docqa.embedding.errors_total"])
}

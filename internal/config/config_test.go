package config

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	cfg := Default()
	cfg.Azure.Endpoint = "https://example.openai.azure.com"
	cfg.Azure.APIKey = "sk-test"
	cfg.Azure.ChatDeployment = "gpt-4o-mini"
	applyProviderDefaults(cfg)
	return cfg
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid defaults", mutate: func(*Config) {}},
		{
			name:    "port out of range",
			mutate:  func(c *Config) { c.Server.Port = 70000 },
			wantErr: "invalid server port",
		},
		{
			name:    "overlap equal to size",
			mutate:  func(c *Config) { c.Chunking.Overlap = c.Chunking.Size },
			wantErr: "chunk overlap",
		},
		{
			name:    "unknown store",
			mutate:  func(c *Config) { c.VectorStore.Provider = "pinecone" },
			wantErr: "unknown vectorstore provider",
		},
		{
			name:    "bad collection name",
			mutate:  func(c *Config) { c.VectorStore.Collection = "RAG Docs" },
			wantErr: "collection name",
		},
		{
			name: "openai llm without key",
			mutate: func(c *Config) {
				c.LLM.Provider = "openai"
			},
			wantErr: "llm api key is required",
		},
		{
			name: "ollama needs no key",
			mutate: func(c *Config) {
				c.LLM.Provider = "ollama"
			},
		},
		{
			name: "tei without base url",
			mutate: func(c *Config) {
				c.Embeddings.Provider = "tei"
			},
			wantErr: "base url is required",
		},
		{
			name:    "zero generation timeout",
			mutate:  func(c *Config) { c.Timeouts.Generation = 0 },
			wantErr: "generation timeout",
		},
		{
			name:    "temperature too high",
			mutate:  func(c *Config) { c.Query.Temperature = 3 },
			wantErr: "temperature",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidConfig)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestApplyProviderDefaults(t *testing.T) {
	cfg := Default()
	cfg.Embeddings.Provider = "fastembed"
	cfg.LLM.Provider = "anthropic"
	applyProviderDefaults(cfg)

	assert.Equal(t, "BAAI/bge-small-en-v1.5", cfg.Embeddings.Model)
	assert.Equal(t, 384, cfg.Embeddings.Dimension)
	assert.Equal(t, "claude-3-5-haiku-latest", cfg.LLM.Model)
}

func TestApplyProviderDefaults_DimensionFollowsModel(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   int
	}{
		{"azure default deployment", func(*Config) {}, 1536},
		{"azure large deployment", func(c *Config) { c.Azure.EmbeddingDeployment = "text-embedding-3-large" }, 3072},
		{"fastembed base model", func(c *Config) {
			c.Embeddings.Provider = "fastembed"
			c.Embeddings.Model = "BAAI/bge-base-en-v1.5"
		}, 768},
		{"tei default model", func(c *Config) { c.Embeddings.Provider = "tei" }, 384},
		{"explicit dimension wins", func(c *Config) {
			c.Azure.EmbeddingDeployment = "text-embedding-3-large"
			c.Embeddings.Dimension = 256
		}, 256},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			applyProviderDefaults(cfg)
			assert.Equal(t, tt.want, cfg.Embeddings.Dimension)
		})
	}
}

func TestSecret_Redaction(t *testing.T) {
	s := Secret("sk-live-123")

	assert.Equal(t, "[REDACTED]", s.String())
	assert.Equal(t, "[REDACTED]", fmt.Sprintf("%v", s))
	assert.Equal(t, "Secret([REDACTED])", fmt.Sprintf("%#v", s))
	assert.Equal(t, "sk-live-123", s.Value())

	data, err := json.Marshal(struct {
		Key Secret `json:"key"`
	}{Key: s})
	require.NoError(t, err)
	assert.JSONEq(t, `{"key":"[REDACTED]"}`, string(data))

	assert.Equal(t, "", Secret("").String())
	assert.False(t, Secret("").IsSet())
}

func TestDuration_UnmarshalText(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("45s")))
	assert.Equal(t, "45s", d.Duration().String())

	assert.Error(t, d.UnmarshalText([]byte("-1s")))
	assert.Error(t, d.UnmarshalText([]byte("soon")))
}

package config

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setAzureEnv provides the minimum credentials for the default providers.
func setAzureEnv(t *testing.T) {
	t.Helper()
	t.Setenv("AZURE_OPENAI_ENDPOINT", "https://example.openai.azure.com")
	t.Setenv("AZURE_OPENAI_API_KEY", "sk-test")
	t.Setenv("AZURE_OPENAI_DEPLOYMENT_NAME", "gpt-4o-mini")
}

func writeConfig(t *testing.T, content string, perm os.FileMode) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), perm))
	return path
}

func TestLoadWithFile_DefaultsFromEnvOnly(t *testing.T) {
	setAzureEnv(t)
	missing := filepath.Join(t.TempDir(), "absent.yaml")

	cfg, err := LoadWithFile(missing)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 8000, cfg.Server.Port)
	assert.Equal(t, "2024-02-15-preview", cfg.Azure.APIVersion)
	assert.Equal(t, "text-embedding-ada-002", cfg.Azure.EmbeddingDeployment)
	assert.Equal(t, "gpt-4o-mini", cfg.Azure.ChatDeployment)
	assert.Equal(t, "sk-test", cfg.Azure.APIKey.Value())
	assert.Equal(t, "chromem", cfg.VectorStore.Provider)
	assert.Equal(t, "rag_documents", cfg.VectorStore.Collection)
	assert.Equal(t, "./chroma_db", cfg.VectorStore.ChromemPath)
	assert.Equal(t, 1000, cfg.Chunking.Size)
	assert.Equal(t, 200, cfg.Chunking.Overlap)
	assert.Equal(t, 5, cfg.Query.TopK)
	assert.InDelta(t, 0.7, cfg.Query.Temperature, 1e-9)
	assert.Equal(t, 1000, cfg.Query.MaxTokens)
	assert.Equal(t, 1536, cfg.Embeddings.Dimension)
	assert.Equal(t, 30*time.Second, cfg.Timeouts.Embedding.Duration())
}

func TestLoadWithFile_YAMLThenEnv(t *testing.T) {
	setAzureEnv(t)
	path := writeConfig(t, `
server:
  http_port: 9000
vectorstore:
  provider: qdrant
  qdrant_host: qdrant.internal
chunking:
  size: 500
  overlap: 50
query:
  temperature: 0
timeouts:
  generation: 2m
`, 0600)
	t.Setenv("SERVER_HTTP_PORT", "9100")
	t.Setenv("CHROMA_PERSIST_DIRECTORY", "/var/lib/docqa")

	cfg, err := LoadWithFile(path)
	require.NoError(t, err)

	assert.Equal(t, 9100, cfg.Server.Port, "env overrides yaml")
	assert.Equal(t, "qdrant", cfg.VectorStore.Provider)
	assert.Equal(t, "qdrant.internal", cfg.VectorStore.QdrantHost)
	assert.Equal(t, "/var/lib/docqa", cfg.VectorStore.ChromemPath)
	assert.Equal(t, 500, cfg.Chunking.Size)
	assert.Equal(t, 50, cfg.Chunking.Overlap)
	assert.Zero(t, cfg.Query.Temperature, "explicit zero survives defaults")
	assert.Equal(t, 2*time.Minute, cfg.Timeouts.Generation.Duration())
}

func TestLoadWithFile_APIAliases(t *testing.T) {
	setAzureEnv(t)
	t.Setenv("API_HOST", "127.0.0.1")
	t.Setenv("API_PORT", "8080")

	cfg, err := LoadWithFile(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:8080", cfg.Server.Addr())
}

func TestLoadWithFile_MissingCredentialsIsFatal(t *testing.T) {
	t.Setenv("AZURE_OPENAI_ENDPOINT", "")
	t.Setenv("AZURE_OPENAI_API_KEY", "")
	t.Setenv("AZURE_OPENAI_DEPLOYMENT_NAME", "")

	_, err := LoadWithFile(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidConfig))
	assert.Contains(t, err.Error(), "AZURE_OPENAI_ENDPOINT")
	assert.Contains(t, err.Error(), "AZURE_OPENAI_API_KEY")
}

func TestLoadWithFile_InsecurePermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("permission model differs on windows")
	}
	setAzureEnv(t)
	path := writeConfig(t, "server:\n  http_port: 9000\n", 0644)

	_, err := LoadWithFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insecure config file permissions")
}

func TestEnvKey(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"SERVER_HTTP_PORT", "server.http_port"},
		{"AZURE_OPENAI_API_VERSION", "azure.openai_api_version"},
		{"VECTORSTORE_CHROMEM_COMPRESS", "vectorstore.chromem_compress"},
		{"CHROMA_PERSIST_DIRECTORY", "vectorstore.chromem_path"},
		{"NATS_URL", "events.nats_url"},
		{"PATH", ""},
		{"HOME_DIR", ""},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, envKey(tt.in))
		})
	}
}

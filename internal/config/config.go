// Package config provides configuration loading for docqa.
//
// Configuration starts from Default, then an optional YAML file, then
// environment variables. See LoadWithFile.
package config

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// ErrInvalidConfig is wrapped by every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config holds the complete docqa configuration.
type Config struct {
	Server        ServerConfig        `koanf:"server"`
	Azure         AzureConfig         `koanf:"azure"`
	LLM           LLMConfig           `koanf:"llm"`
	Embeddings    EmbeddingsConfig    `koanf:"embeddings"`
	VectorStore   VectorStoreConfig   `koanf:"vectorstore"`
	Chunking      ChunkingConfig      `koanf:"chunking"`
	Query         QueryConfig         `koanf:"query"`
	Timeouts      TimeoutsConfig      `koanf:"timeouts"`
	Logging       LoggingConfig       `koanf:"logging"`
	Observability ObservabilityConfig `koanf:"observability"`
	Events        EventsConfig        `koanf:"events"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string   `koanf:"host"`
	Port            int      `koanf:"http_port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
	MaxUploadMB     int      `koanf:"max_upload_mb"`
	CORSOrigins     []string `koanf:"cors_origins"`
}

// Addr returns host:port for the listener.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// AzureConfig holds Azure OpenAI credentials shared by the azure LLM and
// embedding providers. Keys line up with the AZURE_OPENAI_* variables.
type AzureConfig struct {
	Endpoint            string `koanf:"openai_endpoint"`
	APIKey              Secret `koanf:"openai_api_key"`
	APIVersion          string `koanf:"openai_api_version"`
	ChatDeployment      string `koanf:"openai_deployment_name"`
	EmbeddingDeployment string `koanf:"openai_embedding_deployment"`
}

// LLMConfig selects the answer generation backend.
type LLMConfig struct {
	Provider          string `koanf:"provider"`
	Model             string `koanf:"model"`
	BaseURL           string `koanf:"base_url"`
	APIKey            Secret `koanf:"api_key"`
	RequestsPerMinute int    `koanf:"requests_per_minute"`
}

// EmbeddingsConfig selects the embedding backend.
type EmbeddingsConfig struct {
	Provider  string `koanf:"provider"`
	Model     string `koanf:"model"`
	BaseURL   string `koanf:"base_url"`
	APIKey    Secret `koanf:"api_key"`
	CacheDir  string `koanf:"cache_dir"`
	Dimension int    `koanf:"dimension"`
}

// VectorStoreConfig selects and configures the vector index backend.
type VectorStoreConfig struct {
	Provider        string `koanf:"provider"`
	Collection      string `koanf:"collection"`
	ChromemPath     string `koanf:"chromem_path"`
	ChromemCompress bool   `koanf:"chromem_compress"`
	QdrantHost      string `koanf:"qdrant_host"`
	QdrantPort      int    `koanf:"qdrant_port"`
	QdrantUseTLS    bool   `koanf:"qdrant_use_tls"`
}

// ChunkingConfig holds the default chunk parameters for uploads that do not
// specify their own.
type ChunkingConfig struct {
	Size    int `koanf:"size"`
	Overlap int `koanf:"overlap"`
}

// QueryConfig holds the default query parameters.
type QueryConfig struct {
	TopK        int     `koanf:"top_k"`
	Temperature float64 `koanf:"temperature"`
	MaxTokens   int     `koanf:"max_tokens"`
}

// TimeoutsConfig bounds the network-bound model calls.
type TimeoutsConfig struct {
	Embedding  Duration `koanf:"embedding"`
	Generation Duration `koanf:"generation"`
}

// LoggingConfig is the subset of logging options exposed to operators.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// ObservabilityConfig holds OpenTelemetry configuration.
type ObservabilityConfig struct {
	EnableTelemetry bool   `koanf:"enable_telemetry"`
	ServiceName     string `koanf:"service_name"`
	OTLPEndpoint    string `koanf:"otlp_endpoint"`
	OTLPProtocol    string `koanf:"otlp_protocol"`
	Insecure        bool   `koanf:"otlp_insecure"`
}

// EventsConfig enables publishing document lifecycle events to NATS.
// Publishing is disabled when URL is empty.
type EventsConfig struct {
	URL           string `koanf:"nats_url"`
	SubjectPrefix string `koanf:"subject_prefix"`
}

// Enabled reports whether an events backend is configured.
func (e EventsConfig) Enabled() bool {
	return e.URL != ""
}

var collectionNamePattern = regexp.MustCompile(`^[a-z0-9_]{1,64}$`)

var (
	llmProviders       = []string{"azure", "openai", "anthropic", "ollama"}
	embeddingProviders = []string{"azure", "openai", "tei", "fastembed"}
	storeProviders     = []string{"chromem", "qdrant"}
	logFormats         = []string{"json", "console"}
)

// Validate checks the configuration and returns every problem found, each
// wrapping ErrInvalidConfig. A failure here is fatal at startup.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalidConfig}, args...)...))
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		add("invalid server port: %d (must be 1-65535)", c.Server.Port)
	}
	if c.Server.ShutdownTimeout.Duration() <= 0 {
		add("shutdown timeout must be positive")
	}
	if c.Server.MaxUploadMB <= 0 {
		add("max upload size must be positive")
	}

	if !oneOf(c.LLM.Provider, llmProviders) {
		add("unknown llm provider %q (want one of %s)", c.LLM.Provider, strings.Join(llmProviders, ", "))
	}
	if !oneOf(c.Embeddings.Provider, embeddingProviders) {
		add("unknown embeddings provider %q (want one of %s)", c.Embeddings.Provider, strings.Join(embeddingProviders, ", "))
	}

	needAzure := c.LLM.Provider == "azure" || c.Embeddings.Provider == "azure"
	if needAzure {
		if c.Azure.Endpoint == "" {
			add("AZURE_OPENAI_ENDPOINT is required for the azure provider")
		}
		if !c.Azure.APIKey.IsSet() {
			add("AZURE_OPENAI_API_KEY is required for the azure provider")
		}
	}
	if c.LLM.Provider == "azure" && c.Azure.ChatDeployment == "" {
		add("AZURE_OPENAI_DEPLOYMENT_NAME is required for the azure llm provider")
	}
	if c.Embeddings.Provider == "azure" && c.Azure.EmbeddingDeployment == "" {
		add("AZURE_OPENAI_EMBEDDING_DEPLOYMENT is required for the azure embeddings provider")
	}
	if (c.LLM.Provider == "openai" || c.LLM.Provider == "anthropic") && !c.LLM.APIKey.IsSet() {
		add("llm api key is required for the %s provider", c.LLM.Provider)
	}
	if c.Embeddings.Provider == "openai" && !c.Embeddings.APIKey.IsSet() {
		add("embeddings api key is required for the openai provider")
	}
	if c.Embeddings.Provider == "tei" && c.Embeddings.BaseURL == "" {
		add("embeddings base url is required for the tei provider")
	}
	if c.LLM.RequestsPerMinute < 0 {
		add("llm requests per minute cannot be negative")
	}

	if !oneOf(c.VectorStore.Provider, storeProviders) {
		add("unknown vectorstore provider %q (want one of %s)", c.VectorStore.Provider, strings.Join(storeProviders, ", "))
	}
	if !collectionNamePattern.MatchString(c.VectorStore.Collection) {
		add("collection name must match ^[a-z0-9_]{1,64}$, got %q", c.VectorStore.Collection)
	}
	if c.VectorStore.Provider == "qdrant" && (c.VectorStore.QdrantPort < 1 || c.VectorStore.QdrantPort > 65535) {
		add("invalid qdrant port: %d", c.VectorStore.QdrantPort)
	}

	if c.Chunking.Size <= 0 {
		add("chunk size must be positive, got %d", c.Chunking.Size)
	}
	if c.Chunking.Overlap < 0 || c.Chunking.Overlap >= c.Chunking.Size {
		add("chunk overlap must be in [0, size), got %d with size %d", c.Chunking.Overlap, c.Chunking.Size)
	}

	if c.Query.TopK < 1 {
		add("default top_k must be at least 1")
	}
	if c.Query.Temperature < 0 || c.Query.Temperature > 2 {
		add("default temperature must be in [0, 2], got %v", c.Query.Temperature)
	}
	if c.Query.MaxTokens <= 0 {
		add("default max_tokens must be positive")
	}

	if c.Timeouts.Embedding.Duration() <= 0 {
		add("embedding timeout must be positive")
	}
	if c.Timeouts.Generation.Duration() <= 0 {
		add("generation timeout must be positive")
	}

	if !oneOf(c.Logging.Format, logFormats) {
		add("log format must be 'json' or 'console', got %q", c.Logging.Format)
	}
	if c.Observability.EnableTelemetry && c.Observability.ServiceName == "" {
		add("service name required when telemetry is enabled")
	}

	return errors.Join(errs...)
}

func oneOf(v string, allowed []string) bool {
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}

// Default returns a configuration with every static default set. Loaded
// values are unmarshaled on top of it, so explicit zero values survive.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8000,
			ShutdownTimeout: Duration(10 * time.Second),
			MaxUploadMB:     32,
			CORSOrigins:     []string{"*"},
		},
		Azure: AzureConfig{
			APIVersion:          "2024-02-15-preview",
			EmbeddingDeployment: "text-embedding-ada-002",
		},
		LLM:        LLMConfig{Provider: "azure"},
		Embeddings: EmbeddingsConfig{Provider: "azure"},
		VectorStore: VectorStoreConfig{
			Provider:    "chromem",
			Collection:  "rag_documents",
			ChromemPath: "./chroma_db",
			QdrantHost:  "localhost",
			QdrantPort:  6334,
		},
		Chunking: ChunkingConfig{Size: 1000, Overlap: 200},
		Query:    QueryConfig{TopK: 5, Temperature: 0.7, MaxTokens: 1000},
		Timeouts: TimeoutsConfig{
			Embedding:  Duration(30 * time.Second),
			Generation: Duration(60 * time.Second),
		},
		Logging: LoggingConfig{Level: "info", Format: "json"},
		Observability: ObservabilityConfig{
			ServiceName:  "docqa",
			OTLPEndpoint: "localhost:4317",
			OTLPProtocol: "grpc",
		},
		Events: EventsConfig{SubjectPrefix: "docqa.documents"},
	}
}

// applyProviderDefaults fills fields whose default depends on the selected
// providers.
func applyProviderDefaults(cfg *Config) {
	if cfg.LLM.Model == "" {
		switch cfg.LLM.Provider {
		case "anthropic":
			cfg.LLM.Model = "claude-3-5-haiku-latest"
		case "ollama":
			cfg.LLM.Model = "llama3.2"
		default:
			cfg.LLM.Model = "gpt-4o-mini"
		}
	}
	if cfg.Embeddings.Model == "" {
		switch cfg.Embeddings.Provider {
		case "tei", "fastembed":
			cfg.Embeddings.Model = "BAAI/bge-small-en-v1.5"
		default:
			cfg.Embeddings.Model = "text-embedding-ada-002"
		}
	}
	if cfg.Embeddings.Dimension == 0 {
		model := cfg.Embeddings.Model
		if cfg.Embeddings.Provider == "azure" || cfg.Embeddings.Provider == "" {
			model = cfg.Azure.EmbeddingDeployment
		}
		cfg.Embeddings.Dimension = ModelDimension(model)
	}
}

// knownModelDimensions lists embedding models with a fixed output size.
var knownModelDimensions = map[string]int{
	"BAAI/bge-small-en-v1.5":                 384,
	"BAAI/bge-small-en":                      384,
	"BAAI/bge-base-en-v1.5":                  768,
	"BAAI/bge-base-en":                       768,
	"BAAI/bge-small-zh-v1.5":                 512,
	"sentence-transformers/all-MiniLM-L6-v2": 384,
}

// KnownModelDimension reports the output size of a model listed by name.
func KnownModelDimension(model string) (int, bool) {
	dim, ok := knownModelDimensions[model]
	return dim, ok
}

// ModelDimension guesses a model's output size from its name, falling back
// to 384.
func ModelDimension(model string) int {
	if dim, ok := KnownModelDimension(model); ok {
		return dim
	}
	m := strings.ToLower(model)
	switch {
	case strings.Contains(m, "text-embedding-3-large"):
		return 3072
	case strings.Contains(m, "ada-002"), strings.Contains(m, "text-embedding-3-small"):
		return 1536
	case strings.Contains(m, "large"):
		return 1024
	case strings.Contains(m, "base"):
		return 768
	default:
		return 384
	}
}

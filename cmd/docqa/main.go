// Docqa serves the document question-answering HTTP API.
//
// Configuration comes from ~/.config/docqa/config.yaml (or --config) and
// environment variables. A .env file in the working directory is loaded
// first when present.
//
// Usage:
//
//	# Start the server
//	docqa
//
//	# Configure via environment
//	AZURE_OPENAI_ENDPOINT=https://x.openai.azure.com AZURE_OPENAI_API_KEY=... docqa
//
//	# Show version information
//	docqa version
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	nethttp "net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/docqa/internal/config"
	"github.com/fyrsmithlabs/docqa/internal/embeddings"
	"github.com/fyrsmithlabs/docqa/internal/events"
	"github.com/fyrsmithlabs/docqa/internal/http"
	"github.com/fyrsmithlabs/docqa/internal/llm"
	"github.com/fyrsmithlabs/docqa/internal/logging"
	"github.com/fyrsmithlabs/docqa/internal/rag"
	"github.com/fyrsmithlabs/docqa/internal/telemetry"
	"github.com/fyrsmithlabs/docqa/internal/vectorstore"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml (default ~/.config/docqa/config.yaml)")
	envFile := flag.String("env-file", ".env", "dotenv file loaded before the environment is read")
	flag.Parse()

	if args := flag.Args(); len(args) > 0 {
		switch args[0] {
		case "version":
			printVersion()
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
			fmt.Fprintf(os.Stderr, "\nUsage:\n")
			fmt.Fprintf(os.Stderr, "  docqa [--config path] [--env-file path]   Start the server\n")
			fmt.Fprintf(os.Stderr, "  docqa version                             Show version information\n")
			os.Exit(1)
		}
	}

	if err := loadEnvFile(*envFile); err != nil {
		log.Fatalf("Failed to load %s: %v", *envFile, err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configPath); err != nil {
		log.Fatalf("Server error: %v", err)
	}
	log.Println("Server shutdown complete")
}

func printVersion() {
	fmt.Printf("docqa by Fyrsmith Labs\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Commit:     %s\n", gitCommit)
	fmt.Printf("Build Date: %s\n", buildDate)
}

// loadEnvFile applies a dotenv file without overriding variables that are
// already set. A missing file is not an error.
func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return godotenv.Load(path)
}

// run wires the pipeline and serves until ctx is canceled:
//  1. Loads and validates configuration (fatal on error)
//  2. Initializes telemetry and the logger
//  3. Builds the embedder, vector store and generator
//  4. Connects the event publisher when NATS is configured
//  5. Serves HTTP and shuts down gracefully
func run(ctx context.Context, configPath string) error {
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	tel, err := telemetry.New(ctx, telemetry.FromConfig(cfg, version))
	if err != nil {
		return fmt.Errorf("initializing telemetry: %w", err)
	}
	defer func() {
		_ = tel.Shutdown(context.Background())
	}()

	lg, err := logging.NewLogger(logging.FromSettings(cfg.Logging.Level, cfg.Logging.Format), tel.LoggerProvider())
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer func() {
		_ = lg.Sync()
	}()
	logger := lg.Underlying()

	if h := tel.Health(); h.Degraded {
		logger.Warn("telemetry degraded", zap.String("reason", h.Reason))
	}

	logger.Info("starting docqa",
		zap.String("version", version),
		zap.String("addr", cfg.Server.Addr()),
		zap.String("llm_provider", cfg.LLM.Provider),
		zap.String("embedding_provider", cfg.Embeddings.Provider),
		zap.String("vectorstore", cfg.VectorStore.Provider),
		logging.Secret("azure_api_key", cfg.Azure.APIKey),
	)

	svc, cleanup, err := initService(ctx, cfg, logger, rag.WithTracer(tel.Tracer("docqa.rag")))
	if err != nil {
		return err
	}
	defer cleanup()

	srv, err := http.NewServer(svc, logger, &http.Config{
		Host:        cfg.Server.Host,
		Port:        cfg.Server.Port,
		MaxUploadMB: cfg.Server.MaxUploadMB,
		CORSOrigins: cfg.Server.CORSOrigins,
	})
	if err != nil {
		return fmt.Errorf("creating http server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, nethttp.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

// initService builds the pipeline. The returned cleanup releases resources
// in reverse order of creation.
func initService(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts ...rag.Option) (*rag.Service, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(format string, err error) (*rag.Service, func(), error) {
		cleanup()
		return nil, func() {}, fmt.Errorf(format, err)
	}

	embedder, err := embeddings.NewProvider(cfg, logger)
	if err != nil {
		return fail("creating embedding provider: %w", err)
	}
	closers = append(closers, func() {
		if err := embedder.Close(); err != nil {
			logger.Warn("closing embedding provider", zap.Error(err))
		}
	})

	store, err := vectorstore.NewStore(ctx, cfg, embedder, logger)
	if err != nil {
		return fail("creating vector store: %w", err)
	}
	closers = append(closers, func() {
		if err := store.Close(); err != nil {
			logger.Warn("closing vector store", zap.Error(err))
		}
	})

	generator, err := llm.NewGenerator(cfg, logger)
	if err != nil {
		return fail("creating generator: %w", err)
	}

	if cfg.Events.Enabled() {
		pub, err := events.Connect(cfg.Events.URL, cfg.Events.SubjectPrefix, logger)
		if err != nil {
			return fail("connecting event publisher: %w", err)
		}
		closers = append(closers, func() {
			if err := pub.Close(); err != nil {
				logger.Warn("closing event publisher", zap.Error(err))
			}
		})
		opts = append(opts, rag.WithEvents(pub))
	}

	svc, err := rag.NewService(store, embedder, generator, rag.ConfigFrom(cfg), logger, opts...)
	if err != nil {
		return fail("creating rag service: %w", err)
	}
	return svc, cleanup, nil
}

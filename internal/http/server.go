// Package http serves the docqa HTTP API.
package http

import (
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/fyrsmithlabs/docqa/internal/logging"
	"github.com/fyrsmithlabs/docqa/internal/rag"
	"github.com/fyrsmithlabs/docqa/internal/sanitize"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Service is the document QA pipeline behind the API.
type Service interface {
	Upload(ctx context.Context, files []rag.UploadFile, params rag.ChunkParams) (*rag.UploadResult, error)
	Query(ctx context.Context, q rag.Query) (*rag.Answer, error)
	ListDocuments(ctx context.Context) ([]rag.DocumentInfo, error)
	DeleteDocument(ctx context.Context, id string) (bool, error)
	ClearDocuments(ctx context.Context) error
	Stats(ctx context.Context) (*rag.Stats, error)
	Defaults() rag.Config
}

// Server provides HTTP endpoints for docqa.
type Server struct {
	echo   *echo.Echo
	svc    Service
	logger *zap.Logger
	config *Config
}

// Config holds HTTP server configuration.
type Config struct {
	Host        string
	Port        int
	MaxUploadMB int
	CORSOrigins []string
}

// NewServer creates a new HTTP server. A nil svc is allowed; every pipeline
// endpoint then answers 503 and /health reports the system as not ready.
func NewServer(svc Service, logger *zap.Logger, cfg *Config) (*Server, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{
			Host:        "localhost",
			Port:        8000,
			MaxUploadMB: 32,
		}
	}
	if cfg.MaxUploadMB <= 0 {
		cfg.MaxUploadMB = 32
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:   e,
		svc:    svc,
		logger: logger,
		config: cfg,
	}
	e.HTTPErrorHandler = s.errorHandler

	// Middleware
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	if len(cfg.CORSOrigins) > 0 {
		e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
			AllowOrigins: cfg.CORSOrigins,
			AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		}))
	}
	e.Use(middleware.BodyLimit(fmt.Sprintf("%dM", cfg.MaxUploadMB)))
	e.Use(NewHTTPMetrics(logger).MetricsMiddleware())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			requestID := c.Response().Header().Get(echo.HeaderXRequestID)
			req := c.Request()
			c.SetRequest(req.WithContext(logging.WithRequestID(req.Context(), requestID)))

			err := next(c)
			if err != nil {
				// Render now so the logged status is the one sent.
				c.Error(err)
			}

			logger.Info("http request",
				zap.String("method", req.Method),
				zap.String("uri", req.RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", requestID),
			)
			return nil
		}
	})

	s.registerRoutes()

	return s, nil
}

// registerRoutes sets up the HTTP endpoints.
func (s *Server) registerRoutes() {
	s.echo.GET("/", s.handleRoot)
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	s.echo.POST("/query", s.handleQuery)
	s.echo.POST("/upload-documents", s.handleUpload)
	s.echo.GET("/documents", s.handleListDocuments)
	s.echo.DELETE("/documents/:id", s.handleDeleteDocument)
	s.echo.POST("/clear-documents", s.handleClearDocuments)
	s.echo.GET("/stats", s.handleStats)
}

// Handler returns the server as an http.Handler.
func (s *Server) Handler() http.Handler {
	return s.echo
}

var errNotReady = &rag.Error{Kind: rag.KindConfiguration, Op: "init", Message: "RAG system not initialized"}

func (s *Server) handleRoot(c echo.Context) error {
	return c.JSON(http.StatusOK, MessageResponse{Message: "docqa API is running"})
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "healthy", RAGSystemReady: s.svc != nil})
}

func (s *Server) handleQuery(c echo.Context) error {
	if s.svc == nil {
		return errNotReady
	}

	var req QueryRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn("invalid query request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	d := s.svc.Defaults()
	q := rag.Query{Text: req.Query, TopK: d.TopK, Temperature: d.Temperature, MaxTokens: d.MaxTokens}
	if req.TopK != nil {
		q.TopK = *req.TopK
	}
	if req.Temperature != nil {
		q.Temperature = *req.Temperature
	}
	if req.MaxTokens != nil {
		q.MaxTokens = *req.MaxTokens
	}

	answer, err := s.svc.Query(c.Request().Context(), q)
	if err != nil {
		return err
	}

	resp := QueryResponse{
		Answer:  answer.Text,
		Sources: make([]SourceResponse, len(answer.Sources)),
		Metadata: QueryMetadata{
			Query:       answer.Query,
			TopK:        answer.TopK,
			Temperature: answer.Temperature,
			MaxTokens:   answer.MaxTokens,
		},
	}
	for i, src := range answer.Sources {
		resp.Sources[i] = SourceResponse{Content: src.Content, Metadata: src.Metadata}
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleUpload(c echo.Context) error {
	if s.svc == nil {
		return errNotReady
	}

	params := s.svc.Defaults().Chunk
	var err error
	if params.Size, err = formInt(c, "chunk_size", params.Size); err != nil {
		return err
	}
	if params.Overlap, err = formInt(c, "chunk_overlap", params.Overlap); err != nil {
		return err
	}

	form, err := c.MultipartForm()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "expected multipart form with files")
	}
	headers := form.File["files"]
	files := make([]rag.UploadFile, 0, len(headers))
	for _, fh := range headers {
		if fh.Filename == "" {
			continue
		}
		name, err := sanitize.Filename(fh.Filename)
		if err != nil {
			return &rag.Error{Kind: rag.KindValidation, Op: "upload", Message: err.Error()}
		}
		content, err := readUpload(fh)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("reading %s: %v", name, err))
		}
		files = append(files, rag.UploadFile{
			Filename:    name,
			ContentType: fh.Header.Get(echo.HeaderContentType),
			Content:     content,
		})
	}

	result, err := s.svc.Upload(c.Request().Context(), files, params)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, UploadResponse{
		Message:       fmt.Sprintf("Successfully processed %d documents", result.Count),
		DocumentCount: result.Count,
		DocumentNames: result.Filenames,
		Chunks:        result.Chunks,
		Failed:        result.Failed,
	})
}

func (s *Server) handleListDocuments(c echo.Context) error {
	if s.svc == nil {
		return errNotReady
	}
	docs, err := s.svc.ListDocuments(c.Request().Context())
	if err != nil {
		return err
	}
	if docs == nil {
		docs = []rag.DocumentInfo{}
	}
	return c.JSON(http.StatusOK, DocumentsResponse{Documents: docs})
}

func (s *Server) handleDeleteDocument(c echo.Context) error {
	if s.svc == nil {
		return errNotReady
	}
	id := c.Param("id")
	found, err := s.svc.DeleteDocument(c.Request().Context(), id)
	if err != nil {
		return err
	}
	if !found {
		return echo.NewHTTPError(http.StatusNotFound, "Document not found")
	}
	return c.JSON(http.StatusOK, MessageResponse{Message: fmt.Sprintf("Document %s deleted successfully", id)})
}

func (s *Server) handleClearDocuments(c echo.Context) error {
	if s.svc == nil {
		return errNotReady
	}
	if err := s.svc.ClearDocuments(c.Request().Context()); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, MessageResponse{Message: "All documents cleared successfully"})
}

func (s *Server) handleStats(c echo.Context) error {
	if s.svc == nil {
		return errNotReady
	}
	stats, err := s.svc.Stats(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, stats)
}

// formInt reads an optional integer form field.
func formInt(c echo.Context, name string, def int) (int, error) {
	v := strings.TrimSpace(c.FormValue(name))
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, &rag.Error{Kind: rag.KindValidation, Op: "upload", Message: fmt.Sprintf("%s must be an integer, got %q", name, v)}
	}
	return n, nil
}

func readUpload(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}

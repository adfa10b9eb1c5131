package http

import (
	"github.com/fyrsmithlabs/docqa/internal/rag"
	"github.com/fyrsmithlabs/docqa/internal/vectorstore"
)

// MessageResponse is returned by endpoints that only confirm an action.
type MessageResponse struct {
	Message string `json:"message"`
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status         string `json:"status"`
	RAGSystemReady bool   `json:"rag_system_ready"`
}

// QueryRequest is the request body for POST /query. Omitted fields take the
// server defaults.
type QueryRequest struct {
	Query       string   `json:"query"`
	TopK        *int     `json:"top_k,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	MaxTokens   *int     `json:"max_tokens,omitempty"`
}

// SourceResponse is one retrieved chunk in a QueryResponse.
type SourceResponse struct {
	Content  string               `json:"content"`
	Metadata vectorstore.Metadata `json:"metadata"`
}

// QueryMetadata echoes the parameters a query ran with.
type QueryMetadata struct {
	Query       string  `json:"query"`
	TopK        int     `json:"top_k"`
	Temperature float64 `json:"temperature"`
	MaxTokens   int     `json:"max_tokens"`
}

// QueryResponse is the response body for POST /query.
type QueryResponse struct {
	Answer   string           `json:"answer"`
	Sources  []SourceResponse `json:"sources"`
	Metadata QueryMetadata    `json:"metadata"`
}

// UploadResponse is the response body for POST /upload-documents.
type UploadResponse struct {
	Message       string          `json:"message"`
	DocumentCount int             `json:"document_count"`
	DocumentNames []string        `json:"document_names"`
	Chunks        int             `json:"chunks"`
	Failed        []rag.FileError `json:"failed,omitempty"`
}

// DocumentsResponse is the response body for GET /documents.
type DocumentsResponse struct {
	Documents []rag.DocumentInfo `json:"documents"`
}

// ErrorBody is the error payload of every failed request.
type ErrorBody struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// ErrorResponse wraps ErrorBody.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

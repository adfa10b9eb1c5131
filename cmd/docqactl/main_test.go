package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	api "github.com/fyrsmithlabs/docqa/internal/http"
	"github.com/fyrsmithlabs/docqa/internal/rag"
	"github.com/fyrsmithlabs/docqa/internal/vectorstore"
)

// execute runs docqactl against srv and returns stdout.
func execute(t *testing.T, srv *httptest.Server, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(append([]string{"--server", srv.URL}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		writeJSON(w, http.StatusOK, api.HealthResponse{Status: "healthy", RAGSystemReady: true})
	}))
	defer srv.Close()

	out, err := execute(t, srv, "health")
	require.NoError(t, err)
	assert.Contains(t, out, "Server Status: healthy")
	assert.Contains(t, out, "RAG Ready:     true")

	out, err = execute(t, srv, "--json", "health")
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"healthy","rag_system_ready":true}`, out)
}

func TestQuery_SendsOnlyChangedFlags(t *testing.T) {
	var got []map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/query", r.URL.Path)
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		got = append(got, body)
		writeJSON(w, http.StatusOK, api.QueryResponse{
			Answer: "The sky is blue.",
			Sources: []api.SourceResponse{{
				Content:  "The sky is blue.",
				Metadata: vectorstore.Metadata{Filename: "sky.txt", ChunkIndex: 0, TotalChunks: 2},
			}},
		})
	}))
	defer srv.Close()

	out, err := execute(t, srv, "query", "What", "color", "is", "the", "sky?")
	require.NoError(t, err)
	assert.Contains(t, out, "The sky is blue.")
	assert.Contains(t, out, "[1] sky.txt (chunk 1/2)")

	_, err = execute(t, srv, "query", "--temperature", "0", "--top-k", "2", "q")
	require.NoError(t, err)

	require.Len(t, got, 2)
	assert.Equal(t, map[string]any{"query": "What color is the sky?"}, got[0])
	assert.Equal(t, map[string]any{"query": "q", "top_k": float64(2), "temperature": float64(0)}, got[1])
}

func TestUpload(t *testing.T) {
	dir := t.TempDir()
	notes := filepath.Join(dir, "notes.md")
	blank := filepath.Join(dir, "blank.txt")
	require.NoError(t, os.WriteFile(notes, []byte("# Notes\n\nThe sky is blue."), 0o600))
	require.NoError(t, os.WriteFile(blank, []byte("   "), 0o600))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/upload-documents", r.URL.Path)
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "500", r.FormValue("chunk_size"))
		_, hasOverlap := r.MultipartForm.Value["chunk_overlap"]
		assert.False(t, hasOverlap, "unset flags use server defaults")

		files := r.MultipartForm.File["files"]
		require.Len(t, files, 2)
		assert.Equal(t, "notes.md", files[0].Filename)
		assert.Equal(t, "blank.txt", files[1].Filename)

		writeJSON(w, http.StatusOK, api.UploadResponse{
			Message:       "Successfully processed 1 documents",
			DocumentCount: 1,
			DocumentNames: []string{"notes.md"},
			Chunks:        1,
			Failed:        []rag.FileError{{Filename: "blank.txt", Kind: rag.KindValidation, Message: "blank.txt has no text content"}},
		})
	}))
	defer srv.Close()

	out, err := execute(t, srv, "upload", "--chunk-size", "500", notes, blank)
	require.NoError(t, err)
	assert.Contains(t, out, "indexed  notes.md")
	assert.Contains(t, out, "failed   blank.txt (validation): blank.txt has no text content")
	assert.Contains(t, out, "Chunks: 1")
}

func TestUpload_MissingFile(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	_, err := execute(t, srv, "upload", filepath.Join(t.TempDir(), "absent.txt"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read file")
}

func TestDocuments(t *testing.T) {
	var deleted, cleared string
	mux := http.NewServeMux()
	mux.HandleFunc("GET /documents", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, api.DocumentsResponse{Documents: []rag.DocumentInfo{{
			ID:       "doc-1",
			Metadata: vectorstore.Metadata{Filename: "sky.txt", TotalChunks: 1},
			Preview:  "The sky\nis blue.",
		}}})
	})
	mux.HandleFunc("DELETE /documents/{id}", func(w http.ResponseWriter, r *http.Request) {
		deleted = r.PathValue("id")
		if deleted == "missing" {
			writeJSON(w, http.StatusNotFound, api.ErrorResponse{Error: api.ErrorBody{Kind: "not_found", Message: "Document not found"}})
			return
		}
		writeJSON(w, http.StatusOK, api.MessageResponse{Message: "Document doc-1 deleted successfully"})
	})
	mux.HandleFunc("POST /clear-documents", func(w http.ResponseWriter, r *http.Request) {
		cleared = r.Method
		writeJSON(w, http.StatusOK, api.MessageResponse{Message: "All documents cleared successfully"})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	out, err := execute(t, srv, "documents", "list")
	require.NoError(t, err)
	assert.Equal(t, "doc-1  sky.txt  1/1  \"The sky is blue.\"\n", out)

	out, err = execute(t, srv, "documents", "delete", "doc-1")
	require.NoError(t, err)
	assert.Equal(t, "doc-1", deleted)
	assert.Contains(t, out, "deleted successfully")

	_, err = execute(t, srv, "documents", "delete", "missing")
	require.Error(t, err)
	assert.Equal(t, "server returned status 404 (not_found): Document not found", err.Error())

	out, err = execute(t, srv, "documents", "clear")
	require.NoError(t, err)
	assert.Equal(t, http.MethodPost, cleared)
	assert.Contains(t, out, "All documents cleared")
}

func TestStats(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, rag.Stats{
			Collection: "rag_documents",
			Provider:   "chromem",
			Location:   "./chroma_db",
			Entries:    3,
			Documents:  2,
			FileTypes:  map[string]int{".txt": 2, ".md": 1},
		})
	}))
	defer srv.Close()

	out, err := execute(t, srv, "stats")
	require.NoError(t, err)
	assert.Contains(t, out, "Collection: rag_documents (chromem)")
	assert.Contains(t, out, "Documents:  2")
	assert.Contains(t, out, "Chunks:     3")
	assert.Regexp(t, `(?s)\.md\s+1.*\.txt\s+2`, out)
}

func TestServerErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/stats" {
			writeJSON(w, http.StatusServiceUnavailable, api.ErrorResponse{Error: api.ErrorBody{Kind: "configuration", Message: "RAG system not initialized"}})
			return
		}
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := execute(t, srv, "stats")
	require.Error(t, err)
	assert.Equal(t, "server returned status 503 (configuration): RAG system not initialized", err.Error())

	_, err = execute(t, srv, "health")
	require.Error(t, err)
	assert.Equal(t, "server returned status 502: bad gateway", err.Error())
}

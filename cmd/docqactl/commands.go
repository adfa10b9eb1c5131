package main

import (
	"bytes"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	api "github.com/fyrsmithlabs/docqa/internal/http"
	"github.com/fyrsmithlabs/docqa/internal/rag"
)

func newHealthCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check docqa server health",
		Long: `Check the health status of the docqa HTTP server.

Examples:
  # Check health
  docqactl health

  # Check health on a different server
  docqactl health --server http://localhost:8080`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var resp api.HealthResponse
			raw, err := opts.client().getJSON(cmd.Context(), "/health", &resp)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if opts.json {
				return printRaw(out, raw)
			}
			fmt.Fprintf(out, "Server Status: %s\n", resp.Status)
			fmt.Fprintf(out, "RAG Ready:     %t\n", resp.RAGSystemReady)
			fmt.Fprintf(out, "Server URL:    %s\n", opts.server)
			return nil
		},
	}
}

func newUploadCmd(opts *options) *cobra.Command {
	var chunkSize, chunkOverlap int
	cmd := &cobra.Command{
		Use:   "upload <file>...",
		Short: "Upload documents for indexing",
		Long: `Upload one or more text, markdown or HTML files.

Files that cannot be indexed are listed with the reason; the others are
indexed regardless.

Examples:
  docqactl upload notes.md handbook.html
  docqactl upload --chunk-size 500 --chunk-overlap 50 report.txt`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, contentType, err := multipartBody(args, cmd.Flags().Changed("chunk-size"), chunkSize, cmd.Flags().Changed("chunk-overlap"), chunkOverlap)
			if err != nil {
				return err
			}

			var resp api.UploadResponse
			raw, err := opts.client().do(cmd.Context(), http.MethodPost, "/upload-documents", body, contentType, &resp)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if opts.json {
				return printRaw(out, raw)
			}
			fmt.Fprintln(out, resp.Message)
			for _, name := range resp.DocumentNames {
				fmt.Fprintf(out, "  indexed  %s\n", name)
			}
			for _, f := range resp.Failed {
				fmt.Fprintf(out, "  failed   %s (%s): %s\n", f.Filename, f.Kind, f.Message)
			}
			fmt.Fprintf(out, "Chunks: %d\n", resp.Chunks)
			return nil
		},
	}
	cmd.Flags().IntVar(&chunkSize, "chunk-size", rag.DefaultConfig().Chunk.Size, "maximum characters per chunk")
	cmd.Flags().IntVar(&chunkOverlap, "chunk-overlap", rag.DefaultConfig().Chunk.Overlap, "characters shared by adjacent chunks")
	return cmd
}

// multipartBody encodes files under the "files" field. Chunk parameters
// are only sent when set so the server defaults apply otherwise.
func multipartBody(paths []string, sendSize bool, size int, sendOverlap bool, overlap int) (io.Reader, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	if sendSize {
		if err := w.WriteField("chunk_size", strconv.Itoa(size)); err != nil {
			return nil, "", err
		}
	}
	if sendOverlap {
		if err := w.WriteField("chunk_overlap", strconv.Itoa(overlap)); err != nil {
			return nil, "", err
		}
	}

	for _, path := range paths {
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, "", fmt.Errorf("failed to read file %s: %w", path, err)
		}
		part, err := w.CreateFormFile("files", filepath.Base(path))
		if err != nil {
			return nil, "", err
		}
		if _, err := part.Write(content); err != nil {
			return nil, "", err
		}
	}

	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return &buf, w.FormDataContentType(), nil
}

func newQueryCmd(opts *options) *cobra.Command {
	var (
		topK        int
		temperature float64
		maxTokens   int
	)
	cmd := &cobra.Command{
		Use:   "query <question>",
		Short: "Ask a question about the indexed documents",
		Long: `Ask a question. The answer is generated from the most similar chunks.

Examples:
  docqactl query "What color is the sky?"
  docqactl query --top-k 3 --temperature 0 "Summarize the handbook"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := api.QueryRequest{Query: strings.Join(args, " ")}
			flags := cmd.Flags()
			if flags.Changed("top-k") {
				req.TopK = &topK
			}
			if flags.Changed("temperature") {
				req.Temperature = &temperature
			}
			if flags.Changed("max-tokens") {
				req.MaxTokens = &maxTokens
			}

			var resp api.QueryResponse
			raw, err := opts.client().postJSON(cmd.Context(), "/query", req, &resp)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if opts.json {
				return printRaw(out, raw)
			}
			fmt.Fprintln(out, resp.Answer)
			if len(resp.Sources) > 0 {
				fmt.Fprintln(out, "\nSources:")
			}
			for i, s := range resp.Sources {
				fmt.Fprintf(out, "  [%d] %s (chunk %d/%d)\n", i+1, s.Metadata.Filename, s.Metadata.ChunkIndex+1, s.Metadata.TotalChunks)
			}
			return nil
		},
	}
	defaults := rag.DefaultConfig()
	cmd.Flags().IntVar(&topK, "top-k", defaults.TopK, "number of chunks to retrieve")
	cmd.Flags().Float64Var(&temperature, "temperature", defaults.Temperature, "sampling temperature")
	cmd.Flags().IntVar(&maxTokens, "max-tokens", defaults.MaxTokens, "maximum answer tokens")
	return cmd
}

func newDocumentsCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "documents",
		Short: "List, delete or clear indexed chunks",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List indexed chunks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var resp api.DocumentsResponse
			raw, err := opts.client().getJSON(cmd.Context(), "/documents", &resp)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if opts.json {
				return printRaw(out, raw)
			}
			if len(resp.Documents) == 0 {
				fmt.Fprintln(out, "No documents indexed")
				return nil
			}
			for _, d := range resp.Documents {
				fmt.Fprintf(out, "%s  %s  %d/%d  %q\n", d.ID, d.Metadata.Filename,
					d.Metadata.ChunkIndex+1, d.Metadata.TotalChunks, oneLine(d.Preview))
			}
			return nil
		},
	}

	deleteCmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete one chunk by id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp api.MessageResponse
			raw, err := opts.client().do(cmd.Context(), http.MethodDelete, "/documents/"+url.PathEscape(args[0]), nil, "", &resp)
			if err != nil {
				return err
			}
			if opts.json {
				return printRaw(cmd.OutOrStdout(), raw)
			}
			fmt.Fprintln(cmd.OutOrStdout(), resp.Message)
			return nil
		},
	}

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete every indexed chunk",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var resp api.MessageResponse
			raw, err := opts.client().postJSON(cmd.Context(), "/clear-documents", nil, &resp)
			if err != nil {
				return err
			}
			if opts.json {
				return printRaw(cmd.OutOrStdout(), raw)
			}
			fmt.Fprintln(cmd.OutOrStdout(), resp.Message)
			return nil
		},
	}

	cmd.AddCommand(listCmd, deleteCmd, clearCmd)
	return cmd
}

func newStatsCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show collection statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var stats rag.Stats
			raw, err := opts.client().getJSON(cmd.Context(), "/stats", &stats)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if opts.json {
				return printRaw(out, raw)
			}
			fmt.Fprintf(out, "Collection: %s (%s)\n", stats.Collection, stats.Provider)
			fmt.Fprintf(out, "Location:   %s\n", stats.Location)
			fmt.Fprintf(out, "Documents:  %d\n", stats.Documents)
			fmt.Fprintf(out, "Chunks:     %d\n", stats.Entries)

			types := make([]string, 0, len(stats.FileTypes))
			for t := range stats.FileTypes {
				types = append(types, t)
			}
			sort.Strings(types)
			for _, t := range types {
				fmt.Fprintf(out, "  %-8s %d\n", t, stats.FileTypes[t])
			}
			return nil
		},
	}
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

package rag

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/fyrsmithlabs/docqa/internal/chunker"
	"github.com/fyrsmithlabs/docqa/internal/logging"
	"github.com/fyrsmithlabs/docqa/internal/normalize"
	"github.com/fyrsmithlabs/docqa/internal/telemetry"
)

func TestIngestor_Prepare(t *testing.T) {
	ing := NewIngestor(nil)

	records, err := ing.Prepare(context.Background(), UploadFile{
		Filename: "Notes.MD",
		Content:  []byte("\ufeff# Sky\n\nThe sky is blue."),
	}, chunker.DefaultParams())
	require.NoError(t, err)
	require.Len(t, records, 1)

	r := records[0]
	assert.NotContains(t, r.Text, "\ufeff")
	assert.Contains(t, r.Text, "The sky is blue.")
	assert.Empty(t, r.Embedding)
	assert.Equal(t, "Notes.MD", r.Metadata.Filename)
	assert.Equal(t, "Notes.MD", r.Metadata.Source)
	assert.Equal(t, ".md", r.Metadata.FileType)
	assert.Equal(t, "markdown", r.Metadata.Format)
	assert.Equal(t, 0, r.Metadata.ChunkIndex)
	assert.Equal(t, 1, r.Metadata.TotalChunks)
	assert.Equal(t, 1000, r.Metadata.ChunkSize)
	assert.Equal(t, 200, r.Metadata.ChunkOverlap)
}

func TestIngestor_PrepareChunksInOrder(t *testing.T) {
	records, err := NewIngestor(nil).Prepare(context.Background(), UploadFile{
		Filename: "colors.txt",
		Content:  []byte("The sky is blue. Grass is green."),
	}, chunker.Params{Size: 20, Overlap: 0})
	require.NoError(t, err)
	require.Len(t, records, 2)
	for i, r := range records {
		assert.Equal(t, i, r.Metadata.ChunkIndex)
		assert.Equal(t, 2, r.Metadata.TotalChunks)
	}
}

func TestIngestor_PrepareErrors(t *testing.T) {
	ing := NewIngestor(nil)
	ctx := context.Background()

	tests := []struct {
		name   string
		file   UploadFile
		params chunker.Params
		kind   Kind
	}{
		{"no name", UploadFile{Filename: " ", Content: []byte("text")}, chunker.DefaultParams(), KindValidation},
		{"binary", UploadFile{Filename: "image.png", Content: []byte{0x89, 0x50, 0xff, 0xfe}}, chunker.DefaultParams(), KindDecode},
		{"blank", UploadFile{Filename: "blank.txt", Content: []byte(" \n\t ")}, chunker.DefaultParams(), KindValidation},
		{"overlap too large", UploadFile{Filename: "a.txt", Content: []byte("text")}, chunker.Params{Size: 10, Overlap: 10}, KindChunking},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ing.Prepare(ctx, tt.file, tt.params)
			requireKind(t, err, tt.kind)
		})
	}
}

func TestIngestor_PrepareHTMLWithoutFallback(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	ing := NewIngestor(zap.New(core))

	records, err := ing.Prepare(context.Background(), UploadFile{
		Filename: "page.html",
		Content:  []byte("<p>The sky is blue.</p>"),
	}, chunker.DefaultParams())
	require.NoError(t, err)
	require.NotEmpty(t, records)

	// Well-formed HTML takes the normal path.
	assert.Zero(t, logs.FilterMessage("normalization fell back to plain text").Len())
	assert.Equal(t, "html", records[0].Metadata.Format)
}

func TestIngestor_PrepareLogsNormalizationFallback(t *testing.T) {
	logger := logging.NewTestLogger()
	ing := NewIngestor(logger.Underlying())
	ing.normalize = func(raw string, format normalize.Format) normalize.Result {
		return normalize.Result{
			Text:            raw,
			Format:          format,
			FallbackApplied: true,
			FallbackReason:  "markdown render failed: boom",
		}
	}

	records, err := ing.Prepare(context.Background(), UploadFile{
		Filename: "notes.md",
		Content:  []byte("The sky is blue."),
	}, chunker.DefaultParams())
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "The sky is blue.", records[0].Text)

	logger.AssertLogged(t, zap.WarnLevel, "normalization fell back to plain text")
	logger.AssertField(t, "normalization fell back", "kind", string(KindNormalization))
	logger.AssertField(t, "normalization fell back", "reason", "markdown render failed: boom")
	logger.AssertField(t, "normalization fell back", "filename", "notes.md")
}

func TestIngestor_PrepareSpan(t *testing.T) {
	tel := telemetry.NewTestTelemetry()
	ing := NewIngestor(nil)
	ing.tracer = tel.Tracer("docqa.rag")

	_, err := ing.Prepare(context.Background(), UploadFile{
		Filename: "page.html",
		Content:  []byte("<p>The sky is blue.</p>"),
	}, chunker.DefaultParams())
	require.NoError(t, err)

	tel.AssertSpanExists(t, "Ingestor.Prepare")
	tel.AssertSpanAttribute(t, "Ingestor.Prepare", "filename", "page.html")
	tel.AssertSpanAttribute(t, "Ingestor.Prepare", "fallback", false)
}

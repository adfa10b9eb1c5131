package chunker

import (
	"fmt"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func texts(chunks []Chunk) []string {
	out := make([]string, len(chunks))
	for i, c := range chunks {
		out[i] = c.Text
	}
	return out
}

func TestSplit_ShortSentences(t *testing.T) {
	chunks, err := Split("The sky is blue. Grass is green.", 20, 5)
	require.NoError(t, err)

	assert.Equal(t, []string{"The sky is blue.", "blue. Grass is", "is green."}, texts(chunks))
	for _, c := range chunks {
		assert.LessOrEqual(t, utf8.RuneCountInString(c.Text), 20)
		assert.Equal(t, 3, c.Total)
		assert.Equal(t, 20, c.Size)
		assert.Equal(t, 5, c.Overlap)
	}
}

func TestSplit_InvalidParams(t *testing.T) {
	tests := []struct {
		name          string
		size, overlap int
	}{
		{"overlap equals size", 100, 100},
		{"overlap exceeds size", 100, 150},
		{"zero size", 0, 0},
		{"negative overlap", 100, -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chunks, err := Split("some text", tt.size, tt.overlap)
			assert.ErrorIs(t, err, ErrInvalidConfig)
			assert.Nil(t, chunks)
		})
	}
}

func TestSplit_EmptyText(t *testing.T) {
	for _, in := range []string{"", "   ", "\n\n\t"} {
		chunks, err := Split(in, 100, 10)
		require.NoError(t, err)
		assert.Empty(t, chunks)
	}
}

func TestSplit_ShortTextSingleChunk(t *testing.T) {
	chunks, err := Split("  hello world  ", DefaultChunkSize, DefaultChunkOverlap)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, "hello world", chunks[0].Text)
	assert.Equal(t, 0, chunks[0].Index)
	assert.Equal(t, 1, chunks[0].Total)
}

func TestSplit_PrefersParagraphBreaks(t *testing.T) {
	text := "First paragraph here.\n\nSecond paragraph is here. It has two sentences."
	chunks, err := Split(text, 40, 0)
	require.NoError(t, err)

	require.GreaterOrEqual(t, len(chunks), 2)
	assert.Equal(t, "First paragraph here.", chunks[0].Text)
	assert.Equal(t, "Second paragraph is here.", chunks[1].Text)
}

func TestSplit_PrefersSentenceOverWord(t *testing.T) {
	text := "One two three. Four five six seven eight nine"
	chunks, err := Split(text, 30, 0)
	require.NoError(t, err)

	assert.Equal(t, "One two three.", chunks[0].Text)
}

func TestSplit_CharacterLevelOverlapIsExact(t *testing.T) {
	text := strings.Repeat("abcdefghij", 5)
	chunks, err := Split(text, 10, 3)
	require.NoError(t, err)

	require.Greater(t, len(chunks), 1)
	for i := 1; i < len(chunks); i++ {
		prev, cur := chunks[i-1].Text, chunks[i].Text
		assert.Equal(t, prev[len(prev)-3:], cur[:3], "chunk %d should start with the last 3 chars of chunk %d", i, i-1)
	}
}

func TestSplit_Invariants(t *testing.T) {
	text := numberedText(300)

	params := []Params{{1000, 200}, {200, 50}, {50, 10}, {17, 16}, {5, 0}}
	for _, p := range params {
		chunks, err := Split(text, p.Size, p.Overlap)
		require.NoError(t, err)
		require.NotEmpty(t, chunks)

		for i, c := range chunks {
			assert.Equal(t, i, c.Index)
			assert.Equal(t, len(chunks), c.Total)
			assert.LessOrEqual(t, utf8.RuneCountInString(c.Text), p.Size)
			assert.NotEmpty(t, c.Text)
		}
		for i := 1; i < len(chunks); i++ {
			shared := sharedBoundary(chunks[i-1].Text, chunks[i].Text)
			assert.LessOrEqual(t, shared, p.Overlap, "size=%d overlap=%d chunk=%d", p.Size, p.Overlap, i)
		}
	}
}

func TestSplit_Deterministic(t *testing.T) {
	text := strings.Repeat("The quick brown fox jumps over the lazy dog. ", 30)
	a, err := Split(text, 120, 30)
	require.NoError(t, err)
	b, err := Split(text, 120, 30)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestSplit_Multibyte(t *testing.T) {
	text := strings.Repeat("日本語のテキスト。", 10)
	chunks, err := Split(text, 12, 4)
	require.NoError(t, err)
	for _, c := range chunks {
		assert.True(t, utf8.ValidString(c.Text))
		assert.LessOrEqual(t, utf8.RuneCountInString(c.Text), 12)
	}
}

// numberedText builds text from unique words with sentence, line and
// paragraph breaks so that suffix/prefix matches only come from real overlap.
func numberedText(words int) string {
	var b strings.Builder
	for i := 0; i < words; i++ {
		fmt.Fprintf(&b, "w%d", i)
		switch {
		case i%40 == 39:
			b.WriteString(".\n\n")
		case i%13 == 12:
			b.WriteString("\n")
		case i%7 == 6:
			b.WriteString(". ")
		default:
			b.WriteString(" ")
		}
	}
	return b.String()
}

// sharedBoundary returns the length of the longest suffix of a that is
// also a prefix of b.
func sharedBoundary(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	best := 0
	for k := 1; k <= len(ra) && k <= len(rb); k++ {
		if string(ra[len(ra)-k:]) == string(rb[:k]) {
			best = k
		}
	}
	return best
}

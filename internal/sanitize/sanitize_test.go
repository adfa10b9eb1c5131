package sanitize

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilename(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{"plain", "notes.md", "notes.md", false},
		{"unix directories", "docs/2024/notes.md", "notes.md", false},
		{"windows directories", `C:\Users\ana\report.txt`, "report.txt", false},
		{"traversal", "../../etc/passwd", "passwd", false},
		{"control characters", "re\x00port\n.txt", "report.txt", false},
		{"surrounding whitespace", "  spaced name.html ", "spaced name.html", false},
		{"unicode", "résumé.txt", "résumé.txt", false},
		{"empty", "", "", true},
		{"dot", ".", "", true},
		{"dot dot", "..", "", true},
		{"trailing slash", "docs/", "", true},
		{"only control characters", "\x01\x02", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Filename(tt.input)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidFilename)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFilename_TruncatesKeepingExtension(t *testing.T) {
	long := strings.Repeat("é", 300) + ".md"

	got, err := Filename(long)
	require.NoError(t, err)
	assert.Equal(t, maxFilenameRunes, utf8.RuneCountInString(got))
	assert.True(t, strings.HasSuffix(got, "é.md"))

	noExt := strings.Repeat("a", 400)
	got, err = Filename(noExt)
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat("a", maxFilenameRunes), got)
}

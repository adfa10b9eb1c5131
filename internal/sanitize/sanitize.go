// Package sanitize cleans untrusted input before it reaches the index.
package sanitize

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
)

// ErrInvalidFilename indicates nothing usable remains of an uploaded name.
var ErrInvalidFilename = errors.New("invalid filename")

// maxFilenameRunes bounds stored source names.
const maxFilenameRunes = 255

// Filename reduces a client-supplied upload name to a bare file name:
//   - directory components are dropped for both / and \ separators
//   - control characters are removed
//   - surrounding whitespace is trimmed
//   - names longer than 255 runes keep their extension and lose the middle
//
// "", "." and ".." are rejected with ErrInvalidFilename.
func Filename(name string) (string, error) {
	if i := strings.LastIndexAny(name, `/\`); i >= 0 {
		name = name[i+1:]
	}
	name = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, name)
	name = strings.TrimSpace(name)

	switch name {
	case "", ".", "..":
		return "", fmt.Errorf("%w: %q", ErrInvalidFilename, name)
	}
	return truncate(name), nil
}

func truncate(name string) string {
	runes := []rune(name)
	if len(runes) <= maxFilenameRunes {
		return name
	}
	ext := []rune(extension(name))
	if len(ext) >= maxFilenameRunes {
		return string(runes[:maxFilenameRunes])
	}
	return string(runes[:maxFilenameRunes-len(ext)]) + string(ext)
}

// extension returns the final ".ext" of name, or "" when there is none.
func extension(name string) string {
	i := strings.LastIndexByte(name, '.')
	if i <= 0 {
		return ""
	}
	return name[i:]
}

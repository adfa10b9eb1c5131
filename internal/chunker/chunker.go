// Package chunker splits normalized document text into overlapping chunks
// sized for embedding.
//
// Each chunk is grown greedily up to the size limit and then cut at the
// coarsest boundary available inside the window, in this order: paragraph
// break, line break, sentence end, word boundary, character. A finer
// boundary is used only when the window contains no coarser one. The next
// chunk starts with up to overlap characters of the previous chunk's tail,
// aligned to a word start when one exists in that tail.
//
// Lengths are measured in runes.
package chunker

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
)

const (
	// DefaultChunkSize is the default number of characters per chunk.
	DefaultChunkSize = 1000

	// DefaultChunkOverlap is the default number of overlapping characters.
	DefaultChunkOverlap = 200
)

// ErrInvalidConfig is returned for size/overlap combinations that cannot
// produce chunks. Parameters are never silently corrected.
var ErrInvalidConfig = errors.New("invalid chunk parameters")

// Chunk is one segment of a document's normalized text.
type Chunk struct {
	Index   int
	Total   int
	Size    int
	Overlap int
	Text    string
}

// Params are the per-upload chunking parameters.
type Params struct {
	Size    int
	Overlap int
}

// DefaultParams returns 1000/200.
func DefaultParams() Params {
	return Params{Size: DefaultChunkSize, Overlap: DefaultChunkOverlap}
}

// Validate checks size > 0, overlap >= 0 and overlap < size.
func (p Params) Validate() error {
	if p.Size <= 0 {
		return fmt.Errorf("%w: chunk size must be positive, got %d", ErrInvalidConfig, p.Size)
	}
	if p.Overlap < 0 {
		return fmt.Errorf("%w: chunk overlap cannot be negative, got %d", ErrInvalidConfig, p.Overlap)
	}
	if p.Overlap >= p.Size {
		return fmt.Errorf("%w: chunk overlap (%d) must be less than chunk size (%d)", ErrInvalidConfig, p.Overlap, p.Size)
	}
	return nil
}

// boundary reports whether r can be cut at position i, so that the chunk
// ends at r[i-1] and the separator (if any) starts at r[i].
type boundary func(r []rune, i int) bool

// boundaries in priority order. The character level is implicit.
var boundaries = []boundary{
	// paragraph break
	func(r []rune, i int) bool {
		return i+1 < len(r) && r[i] == '\n' && r[i+1] == '\n'
	},
	// line break
	func(r []rune, i int) bool {
		return r[i] == '\n'
	},
	// sentence end followed by whitespace; the punctuation stays left
	func(r []rune, i int) bool {
		if i == 0 || !unicode.IsSpace(r[i]) {
			return false
		}
		switch r[i-1] {
		case '.', '!', '?':
			return true
		}
		return false
	},
	// word boundary
	func(r []rune, i int) bool {
		return unicode.IsSpace(r[i])
	},
}

// Split splits text into chunks of at most size runes where consecutive
// chunks share at most overlap runes. Whitespace-only text yields no chunks.
// The result is deterministic for identical input.
func Split(text string, size, overlap int) ([]Chunk, error) {
	p := Params{Size: size, Overlap: overlap}
	if err := p.Validate(); err != nil {
		return nil, err
	}

	texts := splitText([]rune(text), size, overlap)

	chunks := make([]Chunk, len(texts))
	for i, t := range texts {
		chunks[i] = Chunk{Index: i, Size: size, Overlap: overlap, Text: t}
	}
	// Total is known only once splitting completes.
	for i := range chunks {
		chunks[i].Total = len(chunks)
	}
	return chunks, nil
}

func splitText(r []rune, size, overlap int) []string {
	var out []string
	n := len(r)
	start := skipSpace(r, 0)

	for start < n {
		end := start + size
		if end >= n {
			if t := strings.TrimSpace(string(r[start:])); t != "" {
				out = append(out, t)
			}
			break
		}

		cut := findCut(r, start+overlap, end)
		if t := strings.TrimSpace(string(r[start:cut])); t != "" {
			out = append(out, t)
		}

		next := cut
		if overlap > 0 {
			next = overlapStart(r, cut, overlap)
		}
		start = skipSpace(r, next)
	}
	return out
}

// findCut returns the highest priority cut position in (lo, hi], or hi
// when the window has no boundary at all. lo keeps each chunk longer than
// the overlap it carries so the loop always advances.
func findCut(r []rune, lo, hi int) int {
	for _, isCut := range boundaries {
		for i := hi; i > lo; i-- {
			if isCut(r, i) {
				return i
			}
		}
	}
	return hi
}

// overlapStart returns where the next chunk begins: the first word start
// in [cut-overlap, cut), or exactly cut-overlap when the tail is one word.
func overlapStart(r []rune, cut, overlap int) int {
	from := cut - overlap
	if from < 0 {
		from = 0
	}
	for i := from; i < cut; i++ {
		if unicode.IsSpace(r[i]) {
			continue
		}
		if i == 0 || unicode.IsSpace(r[i-1]) {
			return i
		}
	}
	return from
}

func skipSpace(r []rune, i int) int {
	for i < len(r) && unicode.IsSpace(r[i]) {
		i++
	}
	return i
}

package chunking

import (
	"strings"
	"unicode"

	"github.com/kirillkom/scholarchat/internal/core/domain"
)

const (
	DefaultChunkSize = 1200
	DefaultOverlap   = 150
)

// Separators in preference order. A cut is placed right after the separator
// so it stays with the preceding chunk.
var defaultSeparators = []string{"\n\n", "\n", ". ", "! ", "? ", "; ", " "}

// Splitter is a recursive-boundary character splitter. Lengths are in runes.
// Segments cover the source without gaps: stripping each segment's Overlap
// leading runes and concatenating reproduces the input exactly.
type Splitter struct {
	ChunkSize  int
	Overlap    int
	Separators []string
}

func NewSplitter(chunkSize, overlap int) *Splitter {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if overlap < 0 {
		overlap = 0
	}
	// Cuts never land before half a chunk, so the overlap must stay below it.
	if overlap*2 >= chunkSize {
		overlap = chunkSize / 4
	}
	return &Splitter{
		ChunkSize:  chunkSize,
		Overlap:    overlap,
		Separators: defaultSeparators,
	}
}

func (s *Splitter) Split(text string) []domain.Segment {
	runes := []rune(text)
	if len(runes) == 0 {
		return nil
	}
	if len(runes) <= s.ChunkSize {
		return []domain.Segment{{Text: text}}
	}

	out := make([]domain.Segment, 0, len(runes)/(s.ChunkSize-s.Overlap)+1)
	start, overlap := 0, 0
	for {
		end := s.cut(runes, start)
		out = append(out, domain.Segment{
			Text:    string(runes[start:end]),
			Start:   start,
			Overlap: overlap,
		})
		if end == len(runes) {
			return out
		}
		next := s.nextStart(runes, start, end)
		overlap = end - next
		start = next
	}
}

// cut picks the end of the chunk starting at start.
func (s *Splitter) cut(runes []rune, start int) int {
	limit := start + s.ChunkSize
	if limit >= len(runes) {
		return len(runes)
	}
	minEnd := start + s.ChunkSize/2
	window := string(runes[start:limit])
	for _, sep := range s.Separators {
		idx := strings.LastIndex(window, sep)
		if idx < 0 {
			continue
		}
		end := start + len([]rune(window[:idx])) + len([]rune(sep))
		if end > minEnd {
			return end
		}
	}
	return limit
}

// nextStart backs off Overlap runes from end, then widens to the nearest
// preceding word boundary so the overlap does not begin mid-word.
func (s *Splitter) nextStart(runes []rune, start, end int) int {
	if s.Overlap == 0 {
		return end
	}
	desired := end - s.Overlap
	lower := end - 2*s.Overlap
	if lower <= start {
		lower = start + 1
	}
	for p := desired; p >= lower; p-- {
		if unicode.IsSpace(runes[p-1]) {
			return p
		}
	}
	return desired
}

// Reassemble concatenates the non-overlapping portions of segments.
func Reassemble(segments []domain.Segment) string {
	var b strings.Builder
	for _, seg := range segments {
		runes := []rune(seg.Text)
		if seg.Overlap > len(runes) {
			continue
		}
		b.WriteString(string(runes[seg.Overlap:]))
	}
	return b.String()
}

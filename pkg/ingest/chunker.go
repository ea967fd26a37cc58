package ingest

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// Chunk is one span of a document's text, ready for embedding.
type Chunk struct {
	Index         int
	Level         string
	Content       string
	StartOffset   int
	EndOffset     int
	ContentHash   string
	WordCount     int
	PositionRatio float64
}

// ChunkerConfig selects the splitting strategy.
type ChunkerConfig struct {
	Strategy string // "hierarchical" or "recursive"
	Sizes    []int  // character budgets, large to small
	Overlap  int    // characters carried over between adjacent chunks
}

// defaultSeparators is the split-point priority list, coarse to fine. The
// empty string is the terminal hard cut.
var defaultSeparators = []string{"\n\n", "\n", ". ", "! ", "? ", "; ", ", ", " ", ""}

var levelNames = []string{"large", "medium", "small"}

// ChunkDocument splits content according to the configured strategy.
// Chunk indexes are sequential across all levels of one document.
func ChunkDocument(content string, cfg ChunkerConfig) ([]Chunk, error) {
	if strings.TrimSpace(content) == "" {
		return nil, fmt.Errorf("content is empty")
	}
	if len(cfg.Sizes) == 0 {
		return nil, fmt.Errorf("at least one chunk size is required")
	}

	// Only the budgets the strategy actually uses are validated, so a size
	// list tuned for hierarchical still works in recursive mode.
	var chunks []Chunk
	switch cfg.Strategy {
	case "recursive":
		// Single granularity: the middle budget when three are configured.
		budget := cfg.Sizes[len(cfg.Sizes)/2]
		if budget <= cfg.Overlap {
			return nil, fmt.Errorf("chunk size %d must exceed overlap %d", budget, cfg.Overlap)
		}
		chunks = chunkLevel(content, budget, cfg.Overlap, "medium", 0)
	case "hierarchical", "":
		for _, size := range cfg.Sizes {
			if size <= cfg.Overlap {
				return nil, fmt.Errorf("chunk size %d must exceed overlap %d", size, cfg.Overlap)
			}
		}
		for i, budget := range cfg.Sizes {
			level := "small"
			if i < len(levelNames) {
				level = levelNames[i]
			}
			chunks = append(chunks, chunkLevel(content, budget, cfg.Overlap, level, len(chunks))...)
		}
	default:
		return nil, fmt.Errorf("unknown chunking strategy: %q", cfg.Strategy)
	}

	total := len(chunks)
	for i := range chunks {
		if total > 1 {
			chunks[i].PositionRatio = float64(chunks[i].Index) / float64(total-1)
		}
		chunks[i].ContentHash = ContentHash(chunks[i].Content)
		chunks[i].WordCount = len(strings.Fields(chunks[i].Content))
	}

	return chunks, nil
}

// chunkLevel splits the full content at one granularity and applies overlap
// between adjacent chunks.
func chunkLevel(content string, budget, overlap int, level string, indexBase int) []Chunk {
	segments := splitText(content, budget, defaultSeparators)

	chunks := make([]Chunk, 0, len(segments))
	offset := 0
	for i, seg := range segments {
		text := seg
		start := offset
		if i > 0 && overlap > 0 {
			prefix := tailRunes(segments[i-1], overlap)
			text = prefix + seg
			start = offset - len(prefix)
		}

		if strings.TrimSpace(text) != "" {
			chunks = append(chunks, Chunk{
				Index:       indexBase + len(chunks),
				Level:       level,
				Content:     text,
				StartOffset: start,
				EndOffset:   offset + len(seg),
			})
		}
		offset += len(seg)
	}

	return chunks
}

// splitText breaks text into segments of at most budget characters, trying
// each separator in priority order. The first separator whose pieces all fit
// wins; oversized pieces recurse into the finer separators. Segments
// concatenate back to the exact input.
func splitText(text string, budget int, separators []string) []string {
	if len(text) <= budget {
		return []string{text}
	}
	if len(separators) == 0 {
		return hardCut(text, budget)
	}

	sep := separators[0]
	if sep == "" {
		return hardCut(text, budget)
	}

	parts := strings.SplitAfter(text, sep)
	if len(parts) == 1 {
		// Separator absent, try the next one.
		return splitText(text, budget, separators[1:])
	}

	pieces := make([]string, 0, len(parts))
	for _, part := range parts {
		if len(part) > budget {
			pieces = append(pieces, splitText(part, budget, separators[1:])...)
		} else {
			pieces = append(pieces, part)
		}
	}

	return mergePieces(pieces, budget)
}

// mergePieces greedily packs adjacent pieces into segments up to the budget,
// so segments approach the budget instead of staying sentence-sized.
func mergePieces(pieces []string, budget int) []string {
	var out []string
	var current strings.Builder

	for _, piece := range pieces {
		if current.Len() > 0 && current.Len()+len(piece) > budget {
			out = append(out, current.String())
			current.Reset()
		}
		current.WriteString(piece)
	}
	if current.Len() > 0 {
		out = append(out, current.String())
	}

	return out
}

// hardCut slices at budget boundaries, adjusted so multi-byte runes are
// never split.
func hardCut(text string, budget int) []string {
	var out []string
	for len(text) > budget {
		cut := budget
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		if cut == 0 {
			cut = budget
		}
		out = append(out, text[:cut])
		text = text[cut:]
	}
	if len(text) > 0 {
		out = append(out, text)
	}
	return out
}

// tailRunes returns the trailing n bytes of s, extended left to a rune
// boundary.
func tailRunes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	start := len(s) - n
	for start > 0 && !utf8.RuneStart(s[start]) {
		start--
	}
	return s[start:]
}

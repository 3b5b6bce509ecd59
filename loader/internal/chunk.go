package internal

import (
	"strings"
	"unicode/utf8"

	"ragforge/types"
)

const (
	DefaultChunkSize    = 3000
	DefaultChunkOverlap = 500
)

// Paragraph, line, word, character.
var defaultSeparators = []string{"\n\n", "\n", " ", ""}

// Chunker splits text on the largest separator that yields pieces within the
// chunk size, then merges neighbouring pieces back up to the size limit while
// carrying an overlap window between consecutive chunks. Sizes are in runes.
type Chunker struct {
	chunkSize  int
	overlap    int
	separators []string
}

type ChunkOption func(*Chunker)

func WithChunkSize(size int) ChunkOption {
	return func(c *Chunker) {
		if size > 0 {
			c.chunkSize = size
		}
	}
}

func WithChunkOverlap(overlap int) ChunkOption {
	return func(c *Chunker) {
		if overlap >= 0 {
			c.overlap = overlap
		}
	}
}

func WithSeparators(seps ...string) ChunkOption {
	return func(c *Chunker) {
		if len(seps) > 0 {
			c.separators = seps
		}
	}
}

func NewChunker(opts ...ChunkOption) *Chunker {
	c := &Chunker{
		chunkSize:  DefaultChunkSize,
		overlap:    DefaultChunkOverlap,
		separators: defaultSeparators,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.overlap >= c.chunkSize {
		c.overlap = c.chunkSize / 4
	}
	return c
}

// Split returns the chunk texts. Blank input yields none.
func (c *Chunker) Split(text string) []string {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	return c.split(text, c.separators)
}

// Chunk is Split with every piece tagged with source.
func (c *Chunker) Chunk(text, source string) []types.Chunk {
	parts := c.Split(text)
	chunks := make([]types.Chunk, 0, len(parts))
	for _, p := range parts {
		chunks = append(chunks, types.Chunk{Content: p, Source: source})
	}
	return chunks
}

func (c *Chunker) split(text string, separators []string) []string {
	separator := separators[len(separators)-1]
	var rest []string
	for i, s := range separators {
		if s == "" {
			separator = s
			break
		}
		if strings.Contains(text, s) {
			separator = s
			rest = separators[i+1:]
			break
		}
	}

	var (
		out  []string
		good []string
	)
	for _, s := range splitKeepSeparator(text, separator) {
		if utf8.RuneCountInString(s) < c.chunkSize {
			good = append(good, s)
			continue
		}
		if len(good) > 0 {
			out = append(out, c.merge(good)...)
			good = nil
		}
		if len(rest) == 0 {
			out = append(out, s)
		} else {
			out = append(out, c.split(s, rest)...)
		}
	}
	if len(good) > 0 {
		out = append(out, c.merge(good)...)
	}
	return out
}

// merge joins pieces into chunks no longer than chunkSize, dropping pieces from
// the front of the window until at most overlap runes are carried over.
func (c *Chunker) merge(pieces []string) []string {
	var (
		docs    []string
		current []string
		total   int
	)
	for _, p := range pieces {
		n := utf8.RuneCountInString(p)
		if total+n > c.chunkSize && len(current) > 0 {
			if doc := strings.TrimSpace(strings.Join(current, "")); doc != "" {
				docs = append(docs, doc)
			}
			for total > c.overlap || (total+n > c.chunkSize && total > 0) {
				total -= utf8.RuneCountInString(current[0])
				current = current[1:]
			}
		}
		current = append(current, p)
		total += n
	}
	if doc := strings.TrimSpace(strings.Join(current, "")); doc != "" {
		docs = append(docs, doc)
	}
	return docs
}

// splitKeepSeparator splits text on sep, attaching each separator to the start
// of the piece that follows it. An empty sep splits into runes.
func splitKeepSeparator(text, sep string) []string {
	if sep == "" {
		out := make([]string, 0, utf8.RuneCountInString(text))
		for _, r := range text {
			out = append(out, string(r))
		}
		return out
	}
	parts := strings.Split(text, sep)
	out := make([]string, 0, len(parts))
	if parts[0] != "" {
		out = append(out, parts[0])
	}
	for _, p := range parts[1:] {
		out = append(out, sep+p)
	}
	return out
}

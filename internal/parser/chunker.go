package parser

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/text"

	"crate-rag/internal/models"
)

const (
	blockSeparator = "\n\n"
	minMaxChars    = 16
)

var markdown = goldmark.New(goldmark.WithExtensions(extension.GFM))

// Chunker splits normalized text into passages of bounded size.
type Chunker struct {
	maxChars     int
	overlapChars int
	minChars     int
}

// Option configures a Chunker.
type Option func(*Chunker)

// WithMaxChars sets the maximum passage size in bytes.
func WithMaxChars(n int) Option {
	return func(c *Chunker) {
		if n > 0 {
			c.maxChars = n
		}
	}
}

// WithOverlap sets how many trailing bytes of a passage are repeated at the
// start of the next one.
func WithOverlap(n int) Option {
	return func(c *Chunker) {
		if n >= 0 {
			c.overlapChars = n
		}
	}
}

// WithMinChars sets the size below which a hard-cut remainder is rebalanced
// with its predecessor.
func WithMinChars(n int) Option {
	return func(c *Chunker) {
		if n >= 0 {
			c.minChars = n
		}
	}
}

func NewChunker(opts ...Option) *Chunker {
	c := &Chunker{
		maxChars:     models.DefaultChunkMaxChars,
		overlapChars: models.DefaultChunkOverlapChars,
		minChars:     models.DefaultChunkMinChars,
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.maxChars < minMaxChars {
		c.maxChars = minMaxChars
	}
	if c.overlapChars > c.maxChars/2 {
		c.overlapChars = c.maxChars / 2
	}
	if c.minChars > c.maxChars/2 {
		c.minChars = c.maxChars / 2
	}
	return c
}

// Chunk splits text into passages of at most maxChars bytes sharing up to
// overlapChars bytes with their predecessor.
func Chunk(text string, maxChars, overlapChars int) []string {
	return NewChunker(WithMaxChars(maxChars), WithOverlap(overlapChars)).Chunk(text)
}

// Chunk splits on markdown block boundaries first and packs consecutive
// blocks into passages. A block that cannot fit in a passage on its own is
// cut on whitespace, or on a rune boundary when there is none nearby.
// Whitespace-only input yields no passages.
func (c *Chunker) Chunk(text string) []string {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	budget := c.maxChars
	if c.overlapChars > 0 {
		budget -= c.overlapChars + len(blockSeparator)
	}

	var pieces []string
	for _, block := range splitBlocks(text) {
		if len(block) <= budget {
			pieces = append(pieces, block)
			continue
		}
		pieces = append(pieces, hardCut(block, budget, c.minChars)...)
	}

	var (
		passages []string
		parts    []string
		size     int
		body     int // parts that are not overlap
	)
	flush := func() {
		if body == 0 {
			return
		}
		p := strings.Join(parts, blockSeparator)
		passages = append(passages, p)
		parts, size, body = nil, 0, 0
		if tail := overlapTail(p, c.overlapChars); tail != "" {
			parts = []string{tail}
			size = len(tail)
		}
	}
	grow := func(piece string) int {
		if len(parts) == 0 {
			return len(piece)
		}
		return len(piece) + len(blockSeparator)
	}

	for _, piece := range pieces {
		if body > 0 && size+grow(piece) > c.maxChars {
			flush()
		}
		size += grow(piece)
		parts = append(parts, piece)
		body++
	}
	flush()
	return passages
}

// splitBlocks returns the top-level markdown blocks of src in order. Every
// byte of src belongs to exactly one block before trimming; nodes that carry
// no source position (thematic breaks, some tables) stay attached to the
// block before them.
func splitBlocks(src string) []string {
	source := []byte(src)
	doc := markdown.Parser().Parse(text.NewReader(source))

	starts := []int{0}
	for n := doc.FirstChild(); n != nil; n = n.NextSibling() {
		if s, ok := blockStart(n, source); ok && s > starts[len(starts)-1] {
			starts = append(starts, s)
		}
	}

	var blocks []string
	for i, s := range starts {
		end := len(src)
		if i+1 < len(starts) {
			end = starts[i+1]
		}
		block := strings.TrimRight(strings.TrimLeft(src[s:end], "\n"), " \t\n")
		if strings.TrimSpace(block) != "" {
			blocks = append(blocks, block)
		}
	}
	return blocks
}

func blockStart(n ast.Node, source []byte) (int, bool) {
	if n.Type() != ast.TypeBlock {
		return 0, false
	}
	if fenced, ok := n.(*ast.FencedCodeBlock); ok {
		if fenced.Info != nil {
			return lineStart(source, fenced.Info.Segment.Start), true
		}
		if fenced.Lines().Len() > 0 {
			return previousLineStart(source, fenced.Lines().At(0).Start), true
		}
		return 0, false
	}
	if lines := n.Lines(); lines != nil && lines.Len() > 0 {
		return lineStart(source, lines.At(0).Start), true
	}
	for child := n.FirstChild(); child != nil; child = child.NextSibling() {
		if s, ok := blockStart(child, source); ok {
			return s, true
		}
	}
	return 0, false
}

func lineStart(source []byte, i int) int {
	for i > 0 && source[i-1] != '\n' {
		i--
	}
	return i
}

func previousLineStart(source []byte, i int) int {
	s := lineStart(source, i)
	if s > 0 {
		s = lineStart(source, s-1)
	}
	return s
}

// hardCut breaks content into pieces of at most limit bytes. The cut looks
// for a space, newline or period in the last 10% of the window. When the
// final remainder would be shorter than minChars the last two windows are
// split evenly instead.
func hardCut(content string, limit, minChars int) []string {
	var pieces []string
	for len(content) > limit {
		window := limit
		if len(content)-limit < minChars {
			window = len(content) / 2
		}

		end := window
		for end > 0 && !utf8.RuneStart(content[end]) {
			end--
		}
		lookBack := window / 10
		for i := end - 1; i >= end-lookBack && i > 0; i-- {
			if content[i] == ' ' || content[i] == '\n' || content[i] == '.' {
				end = i + 1
				break
			}
		}
		if end == 0 {
			_, size := utf8.DecodeRuneInString(content)
			end = size
		}

		if piece := strings.TrimRight(content[:end], " \n"); strings.TrimSpace(piece) != "" {
			pieces = append(pieces, piece)
		}
		content = strings.TrimLeft(content[end:], "\n")
	}
	if strings.TrimSpace(content) != "" {
		pieces = append(pieces, content)
	}
	return pieces
}

// overlapTail returns at most n trailing bytes of p, starting at a word
// boundary when one exists in that range.
func overlapTail(p string, n int) string {
	if n <= 0 || len(p) <= n {
		return ""
	}
	start := len(p) - n
	for start < len(p) && !utf8.RuneStart(p[start]) {
		start++
	}
	if idx := strings.IndexFunc(p[start:], unicode.IsSpace); idx >= 0 {
		start += idx
	}
	return strings.TrimSpace(p[start:])
}

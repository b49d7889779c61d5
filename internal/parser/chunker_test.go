package parser

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChunk_EmptyInput(t *testing.T) {
	assert.Empty(t, Chunk("", 100, 10))
	assert.Empty(t, Chunk(" \n\t\n", 100, 10))
}

func TestChunk_SmallDocumentIsOnePassage(t *testing.T) {
	text := "# Intro\n\nAlpha beta.\n\n```rust\nfn main() {}\n```\n\nGamma delta."

	got := Chunk(text, 1000, 200)

	assert.Equal(t, []string{text}, got)
}

func TestChunk_ShortDocumentBelowMinimumKept(t *testing.T) {
	got := NewChunker(WithMaxChars(1000), WithMinChars(50)).Chunk("tiny")

	assert.Equal(t, []string{"tiny"}, got)
}

func TestChunk_KeepsFencedBlockWhole(t *testing.T) {
	fence := "```\nlet x = 1;\nlet y = 2;\n```"
	text := "Intro paragraph here.\n\n" + fence + "\n\nOutro."

	got := Chunk(text, 40, 0)

	require.Len(t, got, 2)
	assert.Equal(t, "Intro paragraph here.", got[0])
	assert.Equal(t, fence+"\n\nOutro.", got[1])
}

func TestChunk_SplitsOnHeadings(t *testing.T) {
	text := "# Introduction\nThis is the intro.\n\n## Setup\nHow to set up."

	got := Chunk(text, 36, 0)

	require.Len(t, got, 2)
	assert.Equal(t, "# Introduction\n\nThis is the intro.", got[0])
	assert.Equal(t, "## Setup\n\nHow to set up.", got[1])
}

func longParagraph(words int) string {
	parts := make([]string, words)
	for i := range parts {
		parts[i] = fmt.Sprintf("word%d", i)
	}
	return strings.Join(parts, " ")
}

func TestChunk_BoundsAndOverlap(t *testing.T) {
	text := longParagraph(300)

	got := Chunk(text, 100, 20)

	require.Greater(t, len(got), 1)
	for i, p := range got {
		assert.LessOrEqual(t, len(p), 100, "passage %d", i)
		if i == 0 {
			continue
		}
		sep := strings.Index(p, "\n\n")
		require.Positive(t, sep, "passage %d has no overlap prefix", i)
		tail := p[:sep]
		assert.LessOrEqual(t, len(tail), 20)
		assert.True(t, strings.HasSuffix(got[i-1], tail), "passage %d does not start with the end of its predecessor", i)
	}
}

func TestChunk_NoContentLost(t *testing.T) {
	text := longParagraph(200) + "\n\n## Next\n\n" + longParagraph(50)

	got := Chunk(text, 120, 0)

	joined := strings.Join(got, " ")
	for _, word := range strings.Fields(text) {
		assert.Contains(t, joined, word)
	}
}

func TestChunk_Deterministic(t *testing.T) {
	text := "# demo\n\n" + longParagraph(120) + "\n\n```\ncode block\n```\n\n- item one\n- item two"

	first := Chunk(text, 80, 16)
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, Chunk(text, 80, 16))
	}
}

func TestChunk_RebalancesShortRemainder(t *testing.T) {
	text := strings.TrimSpace(strings.Repeat("abcd ", 11))

	got := NewChunker(WithMaxChars(50), WithOverlap(0), WithMinChars(10)).Chunk(text)

	require.Len(t, got, 2)
	for _, p := range got {
		assert.GreaterOrEqual(t, len(p), 10)
		assert.LessOrEqual(t, len(p), 50)
	}
}

func TestChunk_CutsOnRuneBoundaries(t *testing.T) {
	text := strings.Repeat("ü", 100)

	got := Chunk(text, 31, 0)

	require.NotEmpty(t, got)
	assert.Equal(t, text, strings.Join(got, ""))
	for _, p := range got {
		assert.True(t, len(p) <= 31)
		assert.Equal(t, 0, len(p)%2, "cut inside a rune")
	}
}

func TestNewChunker_ClampsOverlap(t *testing.T) {
	c := NewChunker(WithMaxChars(100), WithOverlap(90))

	assert.Equal(t, 50, c.overlapChars)
}

func TestOverlapTail(t *testing.T) {
	assert.Equal(t, "", overlapTail("short", 10))
	assert.Equal(t, "", overlapTail("anything", 0))
	assert.Equal(t, "gamma delta", overlapTail("alpha beta gamma delta", 13))
}

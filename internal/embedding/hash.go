package embedding

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// HashBackend is an offline embedder built on feature hashing of words and
// word prefixes. Equal texts get equal vectors and texts sharing vocabulary
// score higher than unrelated ones, which is enough for local indexes and
// tests. It never fails.
type HashBackend struct {
	dims int
}

func NewHashBackend(dims int) *HashBackend {
	return &HashBackend{dims: dims}
}

func (h *HashBackend) Embed(ctx context.Context, texts []string) ([][]float32, int, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	vectors := make([][]float32, len(texts))
	tokens := 0
	for i, text := range texts {
		v, n := h.vector(text)
		vectors[i] = v
		tokens += n
	}
	return vectors, tokens, nil
}

func (h *HashBackend) Model() string { return fmt.Sprintf("hash-%d", h.dims) }

func (h *HashBackend) vector(text string) ([]float32, int) {
	v := make([]float32, h.dims)
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_'
	})
	for _, w := range words {
		h.add(v, w, 1)
		if r := []rune(w); len(r) > 4 {
			h.add(v, "#"+string(r[:4]), 0.5)
		}
	}

	zero := true
	for _, x := range v {
		if x != 0 {
			zero = false
			break
		}
	}
	if zero {
		v[0] = 1
	}
	l2normalize(v)
	return v, len(words)
}

func (h *HashBackend) add(v []float32, feature string, weight float32) {
	f := fnv.New64a()
	f.Write([]byte(feature))
	sum := f.Sum64()
	if sum>>63 == 1 {
		weight = -weight
	}
	v[sum%uint64(len(v))] += weight
}

// l2normalize normalizes a vector to unit length
func l2normalize(v []float32) {
	var sum float32
	for _, x := range v {
		sum += x * x
	}
	if sum == 0 {
		return
	}
	inv := float32(1.0 / math.Sqrt(float64(sum)))
	for i := range v {
		v[i] *= inv
	}
}

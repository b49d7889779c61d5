package embedding

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func TestHashBackend_UnitVectors(t *testing.T) {
	h := NewHashBackend(64)

	vectors, tokens, err := h.Embed(context.Background(), []string{"Tokio runtime builder", "", "!!!"})
	require.NoError(t, err)
	require.Len(t, vectors, 3)
	assert.Equal(t, 3, tokens)

	for _, v := range vectors {
		require.Len(t, v, 64)
		assert.InDelta(t, 1.0, cosine(v, v), 1e-6)
	}
}

func TestHashBackend_SimilarTextScoresHigher(t *testing.T) {
	h := NewHashBackend(256)
	vectors, _, err := h.Embed(context.Background(), []string{
		"spawn an async task on the tokio runtime",
		"how do I spawn a task with tokio",
		"serialize a struct to json with serde",
	})
	require.NoError(t, err)

	related := cosine(vectors[0], vectors[1])
	unrelated := cosine(vectors[0], vectors[2])
	assert.Greater(t, related, unrelated)
}

func TestHashBackend_CaseInsensitiveAndDeterministic(t *testing.T) {
	h := NewHashBackend(128)
	a, _ := h.vector("HashMap entry API")
	b, _ := h.vector("hashmap ENTRY api")

	assert.Equal(t, a, b)
	assert.Equal(t, "hash-128", h.Model())
}

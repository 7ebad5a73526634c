package cache

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// Embedder turns text into a vector for similarity search.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// DefaultDimensions is the HashEmbedder vector size when Dims is zero.
const DefaultDimensions = 256

// HashEmbedder is a deterministic hashed embedder over lowercased words and
// adjacent word pairs. Each feature is hashed with FNV-1a into a signed
// bucket and the vector is L2-normalised. Texts that differ only in case or
// punctuation embed identically; the pairs keep reordered texts such as
// "dog bites man" and "man bites dog" apart.
type HashEmbedder struct {
	Dims int
}

// Embed implements Embedder.
func (e HashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	dims := e.Dims
	if dims <= 0 {
		dims = DefaultDimensions
	}
	vec := make([]float32, dims)

	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for i, w := range words {
		addFeature(vec, w)
		if i > 0 {
			addFeature(vec, words[i-1]+" "+w)
		}
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		return vec, nil
	}
	norm = math.Sqrt(norm)
	for i := range vec {
		vec[i] = float32(float64(vec[i]) / norm)
	}
	return vec, nil
}

func addFeature(vec []float32, feature string) {
	h := fnv.New32a()
	_, _ = h.Write([]byte(feature))
	sum := h.Sum32()
	sign := float32(1)
	if sum&(1<<31) != 0 {
		sign = -1
	}
	vec[int(sum%uint32(len(vec)))] += sign
}

// CosineSimilarity between two equal-length vectors. Mismatched or zero vectors score 0.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		fa, fb := float64(a[i]), float64(b[i])
		dot += fa * fb
		na += fa * fa
		nb += fb * fb
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

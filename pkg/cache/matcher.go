package cache

import (
	"context"
	"fmt"
	"sync"
)

// DefaultSimilarityThreshold is the minimum cosine similarity for a semantic hit.
const DefaultSimilarityThreshold = 0.92

// Matcher resolves a key with no exact entry to a stored key that should
// answer it. Manager consults it only after an exact lookup misses.
type Matcher interface {
	Match(ctx context.Context, key string) (matched string, ok bool, err error)
}

// ExactMatcher never matches anything but the key itself.
type ExactMatcher struct{}

// Match implements Matcher.
func (ExactMatcher) Match(context.Context, string) (string, bool, error) {
	return "", false, nil
}

// SemanticMatcher matches the stored key whose text is most similar to the
// query text, among keys with the same namespace. Vectors are memoised per
// key and dropped once the key leaves the storage.
type SemanticMatcher struct {
	lister    KeyLister
	embedder  Embedder
	threshold float64

	mu   sync.Mutex
	vecs map[string][]float32
}

// NewSemanticMatcher creates a SemanticMatcher. A nil embedder uses HashEmbedder
// and a non-positive threshold uses DefaultSimilarityThreshold.
func NewSemanticMatcher(lister KeyLister, embedder Embedder, threshold float64) *SemanticMatcher {
	if embedder == nil {
		embedder = HashEmbedder{}
	}
	if threshold <= 0 {
		threshold = DefaultSimilarityThreshold
	}
	return &SemanticMatcher{
		lister:    lister,
		embedder:  embedder,
		threshold: threshold,
		vecs:      make(map[string][]float32),
	}
}

// Threshold returns the similarity threshold.
func (m *SemanticMatcher) Threshold() float64 {
	return m.threshold
}

// Match implements Matcher.
func (m *SemanticMatcher) Match(ctx context.Context, key string) (string, bool, error) {
	ns, text := SplitKey(key)
	query, err := m.embedder.Embed(ctx, text)
	if err != nil {
		return "", false, fmt.Errorf("embed query: %w", err)
	}

	keys, err := m.lister.ListKeys(ctx)
	if err != nil {
		return "", false, fmt.Errorf("list keys: %w", err)
	}
	m.prune(keys)

	var (
		best    string
		bestSim float64
	)
	for _, candidate := range keys {
		if candidate == key {
			continue
		}
		cns, ctext := SplitKey(candidate)
		if cns != ns {
			continue
		}
		vec, err := m.vector(ctx, candidate, ctext)
		if err != nil {
			return "", false, err
		}
		if sim := CosineSimilarity(query, vec); sim >= m.threshold && sim > bestSim {
			best, bestSim = candidate, sim
		}
	}
	return best, best != "", nil
}

func (m *SemanticMatcher) vector(ctx context.Context, key, text string) ([]float32, error) {
	m.mu.Lock()
	vec, ok := m.vecs[key]
	m.mu.Unlock()
	if ok {
		return vec, nil
	}

	vec, err := m.embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embed %q: %w", key, err)
	}
	m.mu.Lock()
	m.vecs[key] = vec
	m.mu.Unlock()
	return vec, nil
}

func (m *SemanticMatcher) prune(live []string) {
	keep := make(map[string]struct{}, len(live))
	for _, k := range live {
		keep[k] = struct{}{}
	}
	m.mu.Lock()
	for k := range m.vecs {
		if _, ok := keep[k]; !ok {
			delete(m.vecs, k)
		}
	}
	m.mu.Unlock()
}

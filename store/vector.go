package store

import (
	"context"
	"math"
	"sort"
	"sync"
)

// Embedder turns text into a vector for semantic search. An implementation
// is optional; when absent or failing, search falls back to keyword
// matching.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// vectorIndex is a brute-force cosine-similarity index over template
// vectors. Vectors are normalized on insert so scoring is a dot product.
type vectorIndex struct {
	mu      sync.RWMutex
	vectors map[int64][]float32
}

func newVectorIndex() *vectorIndex {
	return &vectorIndex{vectors: make(map[int64][]float32)}
}

func (i *vectorIndex) upsert(id int64, vec []float32) {
	normalized := normalize(vec)
	if normalized == nil {
		return
	}
	i.mu.Lock()
	i.vectors[id] = normalized
	i.mu.Unlock()
}

func (i *vectorIndex) remove(id int64) {
	i.mu.Lock()
	delete(i.vectors, id)
	i.mu.Unlock()
}

func (i *vectorIndex) len() int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return len(i.vectors)
}

// search returns the IDs of the k nearest vectors, best first.
func (i *vectorIndex) search(vec []float32, k int) []int64 {
	query := normalize(vec)
	if query == nil || k <= 0 {
		return nil
	}

	type scored struct {
		id    int64
		score float32
	}

	i.mu.RLock()
	candidates := make([]scored, 0, len(i.vectors))
	for id, v := range i.vectors {
		if len(v) != len(query) {
			continue
		}
		candidates = append(candidates, scored{id: id, score: dot(query, v)})
	}
	i.mu.RUnlock()

	sort.Slice(candidates, func(a, b int) bool {
		return candidates[a].score > candidates[b].score
	})

	if len(candidates) > k {
		candidates = candidates[:k]
	}
	ids := make([]int64, len(candidates))
	for n, c := range candidates {
		ids[n] = c.id
	}
	return ids
}

func dot(a, b []float32) float32 {
	var sum float32
	for n := range a {
		sum += a[n] * b[n]
	}
	return sum
}

// normalize returns a unit-length copy of vec, or nil for empty and
// zero-magnitude vectors.
func normalize(vec []float32) []float32 {
	if len(vec) == 0 {
		return nil
	}
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	mag := math.Sqrt(sum)
	if mag == 0 {
		return nil
	}
	out := make([]float32, len(vec))
	for n, v := range vec {
		out[n] = float32(float64(v) / mag)
	}
	return out
}

// Package memory is an in-process cosine similarity store for tests and
// single-node deployments without Milvus.
package memory

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/voice-agent/privacy-core/internal/vector"
)

type entry struct {
	vec  []float32
	norm float64
	md   vector.Metadata
}

var _ vector.Index = (*Store)(nil)

type Store struct {
	dim int

	mu      sync.RWMutex
	entries map[string]entry
}

// New returns a store that accepts vectors of length dim (any length when
// dim is 0).
func New(dim int) *Store {
	return &Store{dim: dim, entries: make(map[string]entry)}
}

func (s *Store) Upsert(ctx context.Context, id string, vec []float32, md vector.Metadata) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.check(vec); err != nil {
		return err
	}
	cp := append([]float32(nil), vec...)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[id] = entry{vec: cp, norm: norm(cp), md: md}
	return nil
}

func (s *Store) Search(ctx context.Context, vec []float32, topK int) ([]vector.Match, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.check(vec); err != nil {
		return nil, err
	}
	qn := norm(vec)

	s.mu.RLock()
	matches := make([]vector.Match, 0, len(s.entries))
	for id, e := range s.entries {
		if len(e.vec) != len(vec) {
			continue
		}
		matches = append(matches, vector.Match{ID: id, Score: cosine(vec, qn, e.vec, e.norm)})
	}
	s.mu.RUnlock()

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].ID < matches[j].ID
	})
	if topK > 0 && len(matches) > topK {
		matches = matches[:topK]
	}
	return matches, nil
}

func (s *Store) Delete(ctx context.Context, ids []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		delete(s.entries, id)
	}
	return nil
}

// Has reports whether id is stored.
func (s *Store) Has(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.entries[id]
	return ok
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func (s *Store) check(vec []float32) error {
	if s.dim > 0 && len(vec) != s.dim {
		return fmt.Errorf("%w: got %d, want %d", vector.ErrDimensionMismatch, len(vec), s.dim)
	}
	return nil
}

func norm(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}

func cosine(a []float32, an float64, b []float32, bn float64) float32 {
	if an == 0 || bn == 0 {
		return 0
	}
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return float32(dot / (an * bn))
}

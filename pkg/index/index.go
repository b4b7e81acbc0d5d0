// Package index narrows capability lookups to the registry tools whose
// descriptions are semantically closest to a query.
package index

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/jllopis/forge/pkg/llm"
)

// Hit is a tool returned by a search, with its similarity score.
type Hit struct {
	Name  string  `json:"name"`
	Score float32 `json:"score"`
}

// Index maps tool names to capability descriptions and searches them.
type Index interface {
	Upsert(ctx context.Context, name, text string) error
	Search(ctx context.Context, query string, k int) ([]Hit, error)
}

// Point is a stored vector.
type Point struct {
	ID      string
	Vector  []float32
	Payload map[string]string
}

// VectorStore is the persistence behind a Vector index.
type VectorStore interface {
	// EnsureCollection creates the collection if it doesn't exist.
	EnsureCollection(ctx context.Context, name string, size uint64) error
	Upsert(ctx context.Context, collection string, points []Point) error
	Search(ctx context.Context, collection string, vector []float32, limit int) ([]ScoredPoint, error)
}

// ScoredPoint is a search result from a VectorStore.
type ScoredPoint struct {
	Point
	Score float32
}

const payloadName = "tool"

// Vector is an Index backed by an embedder and a vector store.
type Vector struct {
	store      VectorStore
	embedder   llm.Embedder
	collection string

	mu    sync.Mutex
	ready bool
}

// New builds a Vector index storing points in collection.
func New(store VectorStore, embedder llm.Embedder, collection string) *Vector {
	if collection == "" {
		collection = "forge_tools"
	}
	return &Vector{store: store, embedder: embedder, collection: collection}
}

// PointID is the deterministic point id of a tool name.
func PointID(name string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte("forge/tool/"+name)).String()
}

// Upsert implements Index.
func (v *Vector) Upsert(ctx context.Context, name, text string) error {
	vec, err := v.embedder.Embed(ctx, text)
	if err != nil {
		return fmt.Errorf("embed %s: %w", name, err)
	}
	if err := v.ensure(ctx, len(vec)); err != nil {
		return err
	}
	return v.store.Upsert(ctx, v.collection, []Point{{
		ID:      PointID(name),
		Vector:  vec,
		Payload: map[string]string{payloadName: name},
	}})
}

// Search implements Index.
func (v *Vector) Search(ctx context.Context, query string, k int) ([]Hit, error) {
	if k <= 0 {
		k = 5
	}
	vec, err := v.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if err := v.ensure(ctx, len(vec)); err != nil {
		return nil, err
	}
	points, err := v.store.Search(ctx, v.collection, vec, k)
	if err != nil {
		return nil, err
	}
	hits := make([]Hit, 0, len(points))
	for _, p := range points {
		if name := p.Payload[payloadName]; name != "" {
			hits = append(hits, Hit{Name: name, Score: p.Score})
		}
	}
	return hits, nil
}

func (v *Vector) ensure(ctx context.Context, size int) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.ready {
		return nil
	}
	if err := v.store.EnsureCollection(ctx, v.collection, uint64(size)); err != nil {
		return err
	}
	v.ready = true
	return nil
}

// MemoryStore is an in-process VectorStore using cosine similarity.
type MemoryStore struct {
	mu          sync.RWMutex
	collections map[string]map[string]Point
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{collections: map[string]map[string]Point{}}
}

// EnsureCollection implements VectorStore.
func (m *MemoryStore) EnsureCollection(_ context.Context, name string, _ uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.collections[name]; !ok {
		m.collections[name] = map[string]Point{}
	}
	return nil
}

// Upsert implements VectorStore.
func (m *MemoryStore) Upsert(_ context.Context, collection string, points []Point) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.collections[collection]
	if !ok {
		return fmt.Errorf("collection %q not found", collection)
	}
	for _, p := range points {
		c[p.ID] = p
	}
	return nil
}

// Search implements VectorStore.
func (m *MemoryStore) Search(_ context.Context, collection string, vector []float32, limit int) ([]ScoredPoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.collections[collection]
	if !ok {
		return nil, fmt.Errorf("collection %q not found", collection)
	}
	out := make([]ScoredPoint, 0, len(c))
	for _, p := range c {
		out = append(out, ScoredPoint{Point: p, Score: cosine(vector, p.Vector)})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func cosine(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}

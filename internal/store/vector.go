package store

import (
	"bufio"
	"context"
	"encoding/gob"
	"math"
	"os"
	"path/filepath"
	"sync"

	"github.com/coder/hnsw"

	pipeerr "github.com/fixbase/docpipe/internal/errors"
)

// HNSWIndex is the ANN index over stored embedding vectors, pure Go via
// coder/hnsw. String embedding ids are mapped to uint64 graph keys; deletes
// are lazy (the mapping is dropped, the node stays) because removing the
// last graph node is unreliable in the underlying library. Cosine distance,
// vectors normalized on insert.
type HNSWIndex struct {
	mu        sync.RWMutex
	graph     *hnsw.Graph[uint64]
	dimension int

	ids     map[string]uint64
	keys    map[uint64]string
	nextKey uint64

	closed bool
}

// vectorMeta is the gob sidecar persisted next to the graph file.
type vectorMeta struct {
	IDs       map[string]uint64
	NextKey   uint64
	Dimension int
}

// NewHNSWIndex creates an empty index for vectors of the given dimension.
func NewHNSWIndex(dimension int) *HNSWIndex {
	g := hnsw.NewGraph[uint64]()
	g.Distance = hnsw.CosineDistance
	g.M = 16
	g.EfSearch = 20
	g.Ml = 0.25
	return &HNSWIndex{
		graph:     g,
		dimension: dimension,
		ids:       make(map[string]uint64),
		keys:      make(map[uint64]string),
	}
}

// Add inserts or replaces vectors. Replacement orphans the old graph node.
func (x *HNSWIndex) Add(ctx context.Context, ids []string, vectors [][]float32) error {
	if len(ids) != len(vectors) {
		return pipeerr.Newf(pipeerr.ErrCodeInvalidInput, nil,
			"ids/vectors length mismatch: %d vs %d", len(ids), len(vectors))
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.closed {
		return pipeerr.New(pipeerr.ErrCodeInternal, "vector index is closed", nil)
	}
	for _, v := range vectors {
		if len(v) != x.dimension {
			return pipeerr.Newf(pipeerr.ErrCodeDimensionMismatch, nil,
				"vector length %d, index dimension %d", len(v), x.dimension)
		}
	}
	for i, id := range ids {
		if old, ok := x.ids[id]; ok {
			delete(x.keys, old)
			delete(x.ids, id)
		}
		key := x.nextKey
		x.nextKey++

		vec := make([]float32, len(vectors[i]))
		copy(vec, vectors[i])
		unitNormalize(vec)

		x.graph.Add(hnsw.MakeNode(key, vec))
		x.ids[id] = key
		x.keys[key] = id
	}
	return nil
}

// Search returns up to limit nearest neighbors, best first.
func (x *HNSWIndex) Search(ctx context.Context, query []float32, limit int) ([]*VectorResult, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	if x.closed {
		return nil, pipeerr.New(pipeerr.ErrCodeInternal, "vector index is closed", nil)
	}
	if len(query) != x.dimension {
		return nil, pipeerr.Newf(pipeerr.ErrCodeDimensionMismatch, nil,
			"query length %d, index dimension %d", len(query), x.dimension)
	}
	if x.graph.Len() == 0 {
		return []*VectorResult{}, nil
	}

	q := make([]float32, len(query))
	copy(q, query)
	unitNormalize(q)

	nodes := x.graph.Search(q, limit)
	out := make([]*VectorResult, 0, len(nodes))
	for _, n := range nodes {
		id, live := x.keys[n.Key]
		if !live {
			// Lazy-deleted orphan.
			continue
		}
		d := x.graph.Distance(q, n.Value)
		out = append(out, &VectorResult{
			ID:       id,
			Distance: d,
			Score:    1.0 - d/2.0,
		})
	}
	return out, nil
}

// Delete removes ids from the index. Unknown ids are ignored.
func (x *HNSWIndex) Delete(ctx context.Context, ids []string) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.closed {
		return pipeerr.New(pipeerr.ErrCodeInternal, "vector index is closed", nil)
	}
	for _, id := range ids {
		if key, ok := x.ids[id]; ok {
			delete(x.keys, key)
			delete(x.ids, id)
		}
	}
	return nil
}

// Len returns the number of live vectors.
func (x *HNSWIndex) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.ids)
}

// Contains reports whether an id is indexed.
func (x *HNSWIndex) Contains(id string) bool {
	x.mu.RLock()
	defer x.mu.RUnlock()
	_, ok := x.ids[id]
	return ok
}

// AllIDs returns every live id, for consistency checks against the store.
func (x *HNSWIndex) AllIDs() []string {
	x.mu.RLock()
	defer x.mu.RUnlock()
	out := make([]string, 0, len(x.ids))
	for id := range x.ids {
		out = append(out, id)
	}
	return out
}

// Save writes the graph and its id-mapping sidecar via temp file + rename.
func (x *HNSWIndex) Save(path string) error {
	x.mu.RLock()
	defer x.mu.RUnlock()
	if x.closed {
		return pipeerr.New(pipeerr.ErrCodeInternal, "vector index is closed", nil)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return pipeerr.New(pipeerr.ErrCodeBlobStore, "create index directory", err)
	}

	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return pipeerr.New(pipeerr.ErrCodeBlobStore, "create index file", err)
	}
	if err := x.graph.Export(f); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return pipeerr.New(pipeerr.ErrCodeBlobStore, "export graph", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return pipeerr.New(pipeerr.ErrCodeBlobStore, "close index file", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return pipeerr.New(pipeerr.ErrCodeBlobStore, "rename index file", err)
	}

	metaTmp := path + ".meta.tmp"
	mf, err := os.Create(metaTmp)
	if err != nil {
		return pipeerr.New(pipeerr.ErrCodeBlobStore, "create index metadata", err)
	}
	meta := vectorMeta{IDs: x.ids, NextKey: x.nextKey, Dimension: x.dimension}
	if err := gob.NewEncoder(mf).Encode(meta); err != nil {
		_ = mf.Close()
		_ = os.Remove(metaTmp)
		return pipeerr.New(pipeerr.ErrCodeBlobStore, "encode index metadata", err)
	}
	if err := mf.Close(); err != nil {
		_ = os.Remove(metaTmp)
		return pipeerr.New(pipeerr.ErrCodeBlobStore, "close index metadata", err)
	}
	if err := os.Rename(metaTmp, path+".meta"); err != nil {
		_ = os.Remove(metaTmp)
		return pipeerr.New(pipeerr.ErrCodeBlobStore, "rename index metadata", err)
	}
	return nil
}

// Load restores a saved index. Missing files leave the index empty.
func (x *HNSWIndex) Load(path string) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.closed {
		return pipeerr.New(pipeerr.ErrCodeInternal, "vector index is closed", nil)
	}

	mf, err := os.Open(path + ".meta")
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return pipeerr.New(pipeerr.ErrCodeBlobStore, "open index metadata", err)
	}
	var meta vectorMeta
	decErr := gob.NewDecoder(mf).Decode(&meta)
	_ = mf.Close()
	if decErr != nil {
		return pipeerr.New(pipeerr.ErrCodeCorruptStore, "decode index metadata", decErr)
	}

	f, err := os.Open(path)
	if err != nil {
		return pipeerr.New(pipeerr.ErrCodeBlobStore, "open index file", err)
	}
	defer func() { _ = f.Close() }()

	// Import needs an io.ByteReader.
	if err := x.graph.Import(bufio.NewReader(f)); err != nil {
		return pipeerr.New(pipeerr.ErrCodeCorruptStore, "import graph", err)
	}

	x.ids = meta.IDs
	x.nextKey = meta.NextKey
	x.dimension = meta.Dimension
	x.keys = make(map[uint64]string, len(meta.IDs))
	for id, key := range meta.IDs {
		x.keys[key] = id
	}
	return nil
}

// Close marks the index unusable. Idempotent.
func (x *HNSWIndex) Close() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.closed = true
	x.graph = nil
	return nil
}

var _ VectorIndex = (*HNSWIndex)(nil)

func unitNormalize(v []float32) {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	if sum == 0 {
		return
	}
	inv := float32(1 / math.Sqrt(sum))
	for i := range v {
		v[i] *= inv
	}
}

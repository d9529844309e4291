// Package embed generates vector embeddings for text chunks. The primary
// backend is Ollama's HTTP API; a deterministic hash-based embedder serves
// as an offline fallback so the pipeline degrades instead of failing when
// no model server is reachable.
package embed

import (
	"context"
	"math"
	"time"
)

const (
	// DefaultBatchSize is the number of texts per embedding request.
	DefaultBatchSize = 32

	// DefaultTimeout is the per-request timeout for the Ollama backend.
	DefaultTimeout = 60 * time.Second

	// DefaultMaxRetries is the number of attempts per embedding request.
	DefaultMaxRetries = 3

	// DefaultDimensions is the dimension reported before auto-detection.
	DefaultDimensions = 768

	// StaticDimensions is the dimension of the hash-based fallback embedder.
	StaticDimensions = 768
)

// Embedder generates vector embeddings for text. The dimension is fixed per
// model and recorded on every embedding row.
type Embedder interface {
	// Embed generates an embedding for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts, preserving order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the embedding dimension.
	Dimensions() int

	// ModelName returns the model identifier stored on embedding rows.
	ModelName() string

	// Available reports whether the backend is reachable and ready.
	Available(ctx context.Context) bool

	// Close releases resources.
	Close() error
}

// normalizeVector scales a vector to unit length. Zero vectors are returned
// unchanged.
func normalizeVector(v []float32) []float32 {
	var sumSquares float64
	for _, val := range v {
		sumSquares += float64(val) * float64(val)
	}

	magnitude := math.Sqrt(sumSquares)
	if magnitude == 0 {
		return v
	}

	normalized := make([]float32, len(v))
	for i, val := range v {
		normalized[i] = float32(float64(val) / magnitude)
	}
	return normalized
}

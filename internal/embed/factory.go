package embed

import (
	"context"
	"log/slog"

	"github.com/fixbase/docpipe/internal/config"
)

// New creates an embedder from config with automatic fallback. Provider
// "ollama" requires the server to be reachable; an empty provider probes
// Ollama and falls back to the static embedder so offline ingestion keeps
// working. The result is wrapped in an LRU cache.
func New(ctx context.Context, cfg config.EmbedConfig) (Embedder, error) {
	inner, err := newBackend(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return NewCachedEmbedder(inner, cfg.CacheSize), nil
}

func newBackend(ctx context.Context, cfg config.EmbedConfig) (Embedder, error) {
	ollamaCfg := OllamaConfig{
		Host:      cfg.OllamaHost,
		Model:     cfg.Model,
		BatchSize: cfg.BatchSize,
	}

	switch cfg.Provider {
	case "static":
		return NewStaticEmbedder(), nil
	case "ollama":
		return NewOllamaEmbedder(ctx, ollamaCfg)
	default:
		e, err := NewOllamaEmbedder(ctx, ollamaCfg)
		if err != nil {
			slog.Warn("ollama_unavailable_using_static_embedder",
				slog.String("host", ollamaCfg.Host),
				slog.String("error", err.Error()))
			return NewStaticEmbedder(), nil
		}
		return e, nil
	}
}

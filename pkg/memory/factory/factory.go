// Package factory selects and builds the configured memory backend and its
// embedding provider.
package factory

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/haru0416-dev/asteroniris/pkg/config"
	"github.com/haru0416-dev/asteroniris/pkg/memory"
	"github.com/haru0416-dev/asteroniris/pkg/memory/appendlog"
	"github.com/haru0416-dev/asteroniris/pkg/memory/embedding"
	"github.com/haru0416-dev/asteroniris/pkg/memory/noop"
	"github.com/haru0416-dev/asteroniris/pkg/memory/redisvec"
	"github.com/haru0416-dev/asteroniris/pkg/memory/sqlite"
)

// BuildEmbedder constructs the embedding provider from config, wrapped in the
// LRU cache. Returns nil when no provider is configured (keyword-only recall).
func BuildEmbedder(cfg *config.Config) (embedding.Provider, error) {
	var inner embedding.Provider
	switch cfg.Memory.EmbeddingProvider {
	case "openai":
		inner = embedding.NewOpenAI(cfg.APIKey, cfg.Memory.EmbeddingModel, cfg.Memory.EmbeddingDimensions)
	case "hash", "deterministic":
		inner = embedding.NewHash(cfg.Memory.EmbeddingDimensions)
	case "", "none":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.Memory.EmbeddingProvider)
	}
	return embedding.NewCached(inner, cfg.Memory.EmbeddingCacheSize)
}

// Build constructs the configured memory backend.
func Build(ctx context.Context, cfg *config.Config) (memory.Backend, error) {
	embedder, err := BuildEmbedder(cfg)
	if err != nil {
		return nil, err
	}

	switch cfg.Memory.Backend {
	case "kv+fts+vector":
		return sqlite.New(ctx, sqlite.Options{
			Path:          filepath.Join(cfg.Workspace, "brain.db"),
			Embedder:      embedder,
			VectorWeight:  cfg.Memory.VectorWeight,
			KeywordWeight: cfg.Memory.KeywordWeight,
		})
	case "columnar-vector":
		return redisvec.New(ctx, cfg.Memory.RedisAddr, embedder, cfg.Memory.VectorWeight, cfg.Memory.KeywordWeight)
	case "append-only-text":
		return appendlog.New(cfg.Workspace)
	case "none":
		return noop.New(), nil
	default:
		return nil, fmt.Errorf("unknown memory backend %q", cfg.Memory.Backend)
	}
}

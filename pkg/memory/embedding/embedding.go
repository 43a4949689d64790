// Package embedding provides the embedding-provider contract, the OpenAI
// adapter, a deterministic provider for tests and the eval harness, and an
// LRU cache layered over any provider.
package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	openai "github.com/sashabaranov/go-openai"
)

// Provider turns text into unit-normalized embedding vectors.
type Provider interface {
	// Embed returns one vector per input text, index-aligned.
	Embed(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions reports the vector width this provider produces.
	Dimensions() int
}

// OpenAIProvider embeds text through the OpenAI embeddings API.
type OpenAIProvider struct {
	client *openai.Client
	model  openai.EmbeddingModel
	dims   int
}

// NewOpenAI creates an OpenAI-backed embedding provider.
func NewOpenAI(apiKey, model string, dims int) *OpenAIProvider {
	if model == "" {
		model = string(openai.SmallEmbedding3)
	}
	if dims == 0 {
		dims = 1536
	}
	return &OpenAIProvider{
		client: openai.NewClient(apiKey),
		model:  openai.EmbeddingModel(model),
		dims:   dims,
	}
}

// Embed implements Provider.
func (p *OpenAIProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	resp, err := p.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: texts,
		Model: p.model,
	})
	if err != nil {
		return nil, fmt.Errorf("openai embeddings: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("openai embeddings: got %d vectors for %d inputs", len(resp.Data), len(texts))
	}
	out := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(out) {
			return nil, fmt.Errorf("openai embeddings: index %d out of range", d.Index)
		}
		out[d.Index] = d.Embedding
	}
	return out, nil
}

// Dimensions implements Provider.
func (p *OpenAIProvider) Dimensions() int { return p.dims }

// HashProvider is a deterministic, network-free provider. Vectors derive from
// a SHA-256 expansion of the input, so equal texts embed identically. Used by
// tests and the eval harness.
type HashProvider struct {
	dims int
}

// NewHash creates a deterministic provider with the given width.
func NewHash(dims int) *HashProvider {
	if dims <= 0 {
		dims = 64
	}
	return &HashProvider{dims: dims}
}

// Embed implements Provider.
func (p *HashProvider) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec := make([]float32, p.dims)
		seed := sha256.Sum256([]byte(text))
		block := seed[:]
		for j := 0; j < p.dims; j++ {
			if j%8 == 0 && j > 0 {
				next := sha256.Sum256(block)
				block = next[:]
			}
			bits := binary.BigEndian.Uint32(block[(j%8)*4 : (j%8)*4+4])
			vec[j] = float32(int32(bits)) / float32(1<<31)
		}
		out[i] = vec
	}
	return out, nil
}

// Dimensions implements Provider.
func (p *HashProvider) Dimensions() int { return p.dims }

// Cached wraps a provider with an LRU cache keyed by input text.
type Cached struct {
	inner Provider
	cache *lru.Cache[string, []float32]
}

// NewCached wraps a provider with an LRU of the given size.
func NewCached(inner Provider, size int) (*Cached, error) {
	if size <= 0 {
		size = 1024
	}
	cache, err := lru.New[string, []float32](size)
	if err != nil {
		return nil, err
	}
	return &Cached{inner: inner, cache: cache}, nil
}

// Embed implements Provider, serving hits from the cache and batching misses
// into one inner call.
func (c *Cached) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	var missIdx []int
	var missTexts []string
	for i, text := range texts {
		if v, ok := c.cache.Get(text); ok {
			out[i] = v
			continue
		}
		missIdx = append(missIdx, i)
		missTexts = append(missTexts, text)
	}
	if len(missTexts) > 0 {
		vecs, err := c.inner.Embed(ctx, missTexts)
		if err != nil {
			return nil, err
		}
		for j, idx := range missIdx {
			out[idx] = vecs[j]
			c.cache.Add(missTexts[j], vecs[j])
		}
	}
	return out, nil
}

// Dimensions implements Provider.
func (c *Cached) Dimensions() int { return c.inner.Dimensions() }

// Purge drops cached vectors for the given texts. Used by hard forget so a
// removed unit's embedding does not survive in the cache.
func (c *Cached) Purge(texts ...string) {
	for _, t := range texts {
		c.cache.Remove(t)
	}
}

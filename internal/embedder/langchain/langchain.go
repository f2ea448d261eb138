// Package langchain implements the Embedder capability over
// github.com/tmc/langchaingo's embeddings package. The upstream is an
// OpenAI-compatible embeddings endpoint, configured from the embedder.*
// config block (base_url, api_key, model_id).
package langchain

import (
	"context"
	"fmt"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/rakunlabs/flowisemcp/internal/config"
)

// Embedder wraps a langchaingo embeddings.Embedder. The upstream model
// is expected to be deterministic for identical inputs, which is what
// keeps re-embedding an unchanged payload a no-op.
type Embedder struct {
	inner *embeddings.EmbedderImpl
}

// New builds an Embedder from the embedder.* configuration block.
func New(cfg config.EmbedderConfig) (*Embedder, error) {
	opts := []openai.Option{
		openai.WithEmbeddingModel(cfg.ModelID),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}
	if cfg.APIKey != "" {
		opts = append(opts, openai.WithToken(cfg.APIKey))
	}

	llm, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("build embedding llm client: %w", err)
	}

	e, err := embeddings.NewEmbedder(llm, embeddings.WithStripNewLines(true))
	if err != nil {
		return nil, fmt.Errorf("build embedder: %w", err)
	}

	return &Embedder{inner: e}, nil
}

// Embed produces one fixed-dimensional vector per input text,
// implementing semantic.Embedder. langchaingo's batched
// EmbedDocuments call is used directly; the Semantic Index is
// responsible for batching re-embedding requests across the catalog
// delta set.
func (e *Embedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	return e.inner.EmbedDocuments(ctx, texts)
}

package embedder

import (
	"context"
	"fmt"
	"log/slog"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIEmbedder implements Embedder against any OpenAI-compatible
// embeddings endpoint. The dimensions parameter is passed through so the
// vectors match the qdrant collection configuration.
type OpenAIEmbedder struct {
	client    *openai.Client
	model     string
	dimension int
	logger    *slog.Logger
}

// NewOpenAIEmbedder creates an embedder for the given endpoint and model.
// baseURL may be empty to use the public OpenAI API.
func NewOpenAIEmbedder(baseURL, apiKey, model string, dimension int, logger *slog.Logger) *OpenAIEmbedder {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAIEmbedder{
		client:    openai.NewClientWithConfig(cfg),
		model:     model,
		dimension: dimension,
		logger:    logger,
	}
}

func (o *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := o.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (o *OpenAIEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	resp, err := o.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input:      texts,
		Model:      openai.EmbeddingModel(o.model),
		Dimensions: o.dimension,
	})
	if err != nil {
		return nil, fmt.Errorf("calling embeddings API: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("embeddings API returned %d vectors for %d inputs", len(resp.Data), len(texts))
	}

	vecs := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(vecs) {
			return nil, fmt.Errorf("embeddings API returned out-of-range index %d", d.Index)
		}
		vecs[d.Index] = d.Embedding
	}
	o.logger.Debug("generated embeddings", "model", o.model, "count", len(vecs))
	return vecs, nil
}

func (o *OpenAIEmbedder) Dimension() int {
	return o.dimension
}

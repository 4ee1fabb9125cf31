package embeddings

import (
	"context"
	"fmt"

	openai "github.com/sashabaranov/go-openai"

	"github.com/parleyhq/parley/pkg/models"
)

// openAIProvider implements Provider against the OpenAI embeddings API or
// any OpenAI-compatible endpoint.
type openAIProvider struct {
	client    *openai.Client
	model     string
	dimension int
}

var _ Provider = (*openAIProvider)(nil)

func newOpenAI(spec models.EmbeddingSpec) (*openAIProvider, error) {
	cfg := openai.DefaultConfig(spec.APIKey)
	if spec.Endpoint != "" {
		cfg.BaseURL = spec.Endpoint
	}

	model := spec.Model
	if model == "" {
		model = "text-embedding-3-small"
	}

	return &openAIProvider{
		client:    openai.NewClientWithConfig(cfg),
		model:     model,
		dimension: spec.Dimension,
	}, nil
}

func (p *openAIProvider) Name() string { return "openai" }

func (p *openAIProvider) Dimension() int {
	if p.dimension > 0 {
		return p.dimension
	}
	switch p.model {
	case "text-embedding-3-large":
		return 3072
	default:
		return 1536
	}
}

func (p *openAIProvider) MaxBatchSize() int { return 2048 }

func (p *openAIProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := p.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vecs) == 0 {
		return nil, fmt.Errorf("no embedding returned")
	}
	return vecs[0], nil
}

func (p *openAIProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	resp, err := p.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: texts,
		Model: openai.EmbeddingModel(p.model),
	})
	if err != nil {
		return nil, fmt.Errorf("create embeddings: %w", err)
	}

	results := make([][]float32, len(resp.Data))
	for _, data := range resp.Data {
		results[data.Index] = data.Embedding
	}
	return results, nil
}

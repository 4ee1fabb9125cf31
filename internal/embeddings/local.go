package embeddings

import (
	"context"
	"fmt"
	"path/filepath"

	openai "github.com/sashabaranov/go-openai"

	"github.com/parleyhq/parley/pkg/models"
)

// localProvider serves embeddings from a model file loaded by an
// OpenAI-compatible local inference server (llama.cpp, vLLM, LM Studio).
// The registry key for a local provider is the absolute model path, so two
// KBs pointing at the same file share one handle.
type localProvider struct {
	path      string
	client    *openai.Client
	dimension int
}

var _ Provider = (*localProvider)(nil)

func newLocal(absPath string, spec models.EmbeddingSpec) (*localProvider, error) {
	endpoint := spec.Endpoint
	if endpoint == "" {
		endpoint = "http://localhost:8000/v1"
	}

	cfg := openai.DefaultConfig("local")
	cfg.BaseURL = endpoint

	dim := spec.Dimension
	if dim <= 0 {
		dim = 768
	}

	return &localProvider{
		path:      absPath,
		client:    openai.NewClientWithConfig(cfg),
		dimension: dim,
	}, nil
}

func (p *localProvider) Name() string      { return "local" }
func (p *localProvider) Dimension() int    { return p.dimension }
func (p *localProvider) MaxBatchSize() int { return 64 }

func (p *localProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := p.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vecs) == 0 {
		return nil, fmt.Errorf("no embedding returned")
	}
	return vecs[0], nil
}

func (p *localProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	resp, err := p.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: texts,
		Model: openai.EmbeddingModel(filepath.Base(p.path)),
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

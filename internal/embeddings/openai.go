package embeddings

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

// OpenAIEmbedder calls OpenAI's embeddings API.
type OpenAIEmbedder struct {
	model  openai.EmbeddingModel
	dim    int
	client *openai.Client
}

const defaultEmbeddingTimeout = 30 * time.Second

// NewOpenAIEmbedder creates a new OpenAI embedder that requests dim-sized vectors.
func NewOpenAIEmbedder(apiKey string, model openai.EmbeddingModel, dim int, opts ...option.RequestOption) (*OpenAIEmbedder, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("api key required")
	}
	if model == "" {
		model = openai.EmbeddingModelTextEmbedding3Small
	}
	if dim <= 0 {
		dim = DefaultDimension
	}
	cli := openai.NewClient(append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)...)
	return &OpenAIEmbedder{
		model:  model,
		dim:    dim,
		client: &cli,
	}, nil
}

func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) (Vector, error) {
	if e == nil || e.client == nil {
		return nil, errors.New("nil openai embedder")
	}
	ctx, cancel := context.WithTimeout(ctx, defaultEmbeddingTimeout)
	defer cancel()

	resp, err := e.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Input: openai.EmbeddingNewParamsInputUnion{
			OfString: openai.String(text),
		},
		Model:      e.model,
		Dimensions: openai.Int(int64(e.dim)),
	})
	if err != nil {
		return nil, fmt.Errorf("openai embeddings: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, errors.New("openai embeddings: empty response")
	}
	vec := Vector(resp.Data[0].Embedding)
	if len(vec) != e.dim {
		return nil, fmt.Errorf("%w: openai returned %d, want %d", ErrDimensionMismatch, len(vec), e.dim)
	}
	return vec, nil
}

func (e *OpenAIEmbedder) Model() string { return string(e.model) }

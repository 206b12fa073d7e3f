package vector

import (
	"context"

	"bitbucket.org/vgaidys/mediascribe/internal/pkg/cmdapp"
	"bitbucket.org/vgaidys/mediascribe/internal/pkg/utils"
	openai "github.com/sashabaranov/go-openai"
	"github.com/pkg/errors"
)

// Embedder turns texts into dense vectors
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// OpenAIEmbedder calls the embeddings endpoint of an OpenAI compatible API
type OpenAIEmbedder struct {
	client *openai.Client
	model  string
	dim    int
}

//NewOpenAIEmbedder creates the embedder from config
func NewOpenAIEmbedder() (*OpenAIEmbedder, error) {
	key := cmdapp.Config.GetString("openai.key")
	if key == "" {
		return nil, errors.New("no openai.key configured")
	}
	cfg := openai.DefaultConfig(key)
	if url := cmdapp.Config.GetString("openai.url"); url != "" {
		cfg.BaseURL = url
	}
	model := cmdapp.Config.GetString("embedding.model")
	if model == "" {
		model = string(openai.SmallEmbedding3)
	}
	dim := cmdapp.Config.GetInt("embedding.dimension")
	if dim == 0 {
		dim = 1536
	}
	cmdapp.Log.Infof("Embedding model: %s (dim %d)", model, dim)
	return &OpenAIEmbedder{client: openai.NewClientWithConfig(cfg), model: model, dim: dim}, nil
}

// Dimension returns the configured vector width
func (e *OpenAIEmbedder) Dimension() int {
	return e.dim
}

func (e *OpenAIEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: texts,
		Model: openai.EmbeddingModel(e.model),
	})
	if err != nil {
		return nil, errors.Wrap(utils.ErrEmbedding, err.Error())
	}
	if len(resp.Data) != len(texts) {
		return nil, errors.Wrapf(utils.ErrEmbedding, "got %d embeddings for %d texts", len(resp.Data), len(texts))
	}
	res := make([][]float32, len(texts))
	for _, d := range resp.Data {
		res[d.Index] = d.Embedding
	}
	return res, nil
}

package llm

import (
	"context"
	"io"

	"bitbucket.org/vgaidys/mediascribe/internal/pkg/cmdapp"
	"bitbucket.org/vgaidys/mediascribe/internal/pkg/utils"
	openai "github.com/sashabaranov/go-openai"
	"github.com/pkg/errors"
)

// Message is one turn of a model conversation
type Message struct {
	Role    string
	Content string
}

// StreamFunc receives partial completion text as it arrives
type StreamFunc func(chunk string) error

// Requester talks to a chat completion model
type Requester interface {
	Complete(ctx context.Context, msgs []Message) (string, error)
	CompleteStream(ctx context.Context, msgs []Message, f StreamFunc) (string, error)
}

// Client calls an OpenAI compatible chat completion API
type Client struct {
	client *openai.Client
	model  string
}

//NewClient creates the LLM client from config
func NewClient() (*Client, error) {
	key := cmdapp.Config.GetString("openai.key")
	if key == "" {
		return nil, errors.New("no openai.key configured")
	}
	cfg := openai.DefaultConfig(key)
	if url := cmdapp.Config.GetString("openai.url"); url != "" {
		cfg.BaseURL = url
	}
	model := cmdapp.Config.GetString("openai.model")
	if model == "" {
		model = openai.GPT4oMini
	}
	cmdapp.Log.Infof("LLM model: %s", model)
	return &Client{client: openai.NewClientWithConfig(cfg), model: model}, nil
}

func (c *Client) Complete(ctx context.Context, msgs []Message) (string, error) {
	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    c.model,
		Messages: toOpenAI(msgs),
	})
	if err != nil {
		return "", errors.Wrap(utils.ErrLLM, err.Error())
	}
	if len(resp.Choices) == 0 {
		return "", errors.Wrap(utils.ErrLLMOutput, "no choices returned")
	}
	return resp.Choices[0].Message.Content, nil
}

// CompleteStream streams the completion, calling f for every text
// delta, and returns the full accumulated text.
func (c *Client) CompleteStream(ctx context.Context, msgs []Message, f StreamFunc) (string, error) {
	stream, err := c.client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model:    c.model,
		Messages: toOpenAI(msgs),
		Stream:   true,
	})
	if err != nil {
		return "", errors.Wrap(utils.ErrLLM, err.Error())
	}
	defer stream.Close()
	var sb []byte
	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", errors.Wrap(utils.ErrLLM, err.Error())
		}
		if len(resp.Choices) == 0 {
			continue
		}
		delta := resp.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		sb = append(sb, delta...)
		if f != nil {
			if err := f(delta); err != nil {
				return "", err
			}
		}
	}
	return string(sb), nil
}

func toOpenAI(msgs []Message) []openai.ChatCompletionMessage {
	res := make([]openai.ChatCompletionMessage, 0, len(msgs))
	for _, m := range msgs {
		role := m.Role
		if role == "" {
			role = openai.ChatMessageRoleUser
		}
		res = append(res, openai.ChatCompletionMessage{Role: role, Content: m.Content})
	}
	return res
}

package llm

import (
	"context"
	"fmt"
	"time"

	openailib "github.com/sashabaranov/go-openai"
)

// OpenAIClient implements Client against the OpenAI chat completions API.
type OpenAIClient struct {
	client     *openailib.Client
	model      string
	maxRetries int
}

// NewOpenAIClient builds a Client backed by go-openai.
func NewOpenAIClient(apiKey, model string) *OpenAIClient {
	if model == "" {
		model = openailib.GPT4oMini
	}
	return &OpenAIClient{
		client:     openailib.NewClient(apiKey),
		model:      model,
		maxRetries: 2,
	}
}

func (c *OpenAIClient) Complete(ctx context.Context, req Request) (Response, error) {
	msgs := make([]openailib.ChatCompletionMessage, len(req.Messages))
	for i, m := range req.Messages {
		msgs[i] = openailib.ChatCompletionMessage{Role: m.Role, Content: m.Content}
	}

	creq := openailib.ChatCompletionRequest{
		Model:       c.model,
		Messages:    msgs,
		MaxTokens:   req.MaxTokens,
		Temperature: float32(req.Temperature),
	}

	var resp openailib.ChatCompletionResponse
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		resp, lastErr = c.client.CreateChatCompletion(ctx, creq)
		if lastErr == nil {
			break
		}
		if attempt < c.maxRetries {
			select {
			case <-time.After(time.Duration(attempt+1) * time.Second):
			case <-ctx.Done():
				return Response{}, ctx.Err()
			}
		}
	}
	if lastErr != nil {
		return Response{}, fmt.Errorf("openai completion failed after %d retries: %w", c.maxRetries, lastErr)
	}
	if len(resp.Choices) == 0 {
		return Response{}, fmt.Errorf("openai returned no choices")
	}
	return Response{Content: resp.Choices[0].Message.Content}, nil
}

package neurons

import (
	"context"

	"github.com/neuralcore/engine/pkg/core"
	"github.com/neuralcore/engine/pkg/llm"
)

// GenerativeResponder implements spec.md §4.2's Generative Responder: a
// free-form text answer with no tool invocation.
type GenerativeResponder struct {
	llmClient llm.Client
	bus       *core.EventBus
}

// NewGenerativeResponder builds a Generative Responder.
func NewGenerativeResponder(client llm.Client, bus *core.EventBus) *GenerativeResponder {
	return &GenerativeResponder{llmClient: client, bus: bus}
}

// Process answers goalText directly.
func (r *GenerativeResponder) Process(ctx context.Context, goalID, goalText string, depth int) (string, error) {
	var response string
	err := emitEvent(r.bus, goalID, "neuron/generative_responder", func() error {
		if r.llmClient == nil {
			response = "I don't have enough context to answer that right now."
			return nil
		}
		resp, err := r.llmClient.Complete(ctx, llm.Request{
			Messages: []llm.Message{
				{Role: "system", Content: "Answer the user's request directly and concisely."},
				{Role: "user", Content: goalText},
			},
			MaxTokens: 512,
		})
		if err != nil {
			return core.NewEngineError("GenerativeResponder.Process", "model", err)
		}
		response = resp.Content
		return nil
	})
	return response, err
}

package system

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/neuralcore/engine/pkg/core"
	"github.com/neuralcore/engine/pkg/llm"
)

func TestBuildLLMClient_SelectsBackendByProvider(t *testing.T) {
	cfg, err := core.NewConfig()
	assert.NoError(t, err)

	cfg.LLMProvider = "anthropic"
	assert.IsType(t, &llm.AnthropicClient{}, buildLLMClient(cfg))

	cfg.LLMProvider = "openai"
	assert.IsType(t, &llm.OpenAIClient{}, buildLLMClient(cfg))

	cfg.LLMProvider = "mock"
	assert.IsType(t, &llm.MockClient{}, buildLLMClient(cfg))

	cfg.LLMProvider = "unknown"
	assert.IsType(t, &llm.MockClient{}, buildLLMClient(cfg))
}

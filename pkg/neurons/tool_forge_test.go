package neurons

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neuralcore/engine/pkg/llm"
)

func TestToolForge_NoClientConfiguredReturnsError(t *testing.T) {
	forge := NewToolForge(nil, nil)
	_, err := forge.Process(context.Background(), "g1", "weather_tool", "fetches weather", "", "")
	assert.Error(t, err)
}

func TestToolForge_StripsMarkdownFencesAndValidatesExecuteEntryPoint(t *testing.T) {
	mock := &llm.MockClient{Responder: func(req llm.Request) llm.Response {
		return llm.Response{Content: "```go\npackage main\n\nimport \"context\"\n\nfunc Execute(ctx context.Context, params map[string]interface{}) (interface{}, error) {\n\treturn 42, nil\n}\n```"}
	}}
	forge := NewToolForge(mock, nil)

	result, err := forge.Process(context.Background(), "g1", "answer_tool", "answers with 42", "", "")
	require.NoError(t, err)
	assert.True(t, result.Valid)
	assert.Empty(t, result.Problems)
	assert.Contains(t, result.Source, "func Execute(")
	assert.NotContains(t, result.Source, "```")
}

func TestToolForge_MissingExecuteEntryPointIsInvalid(t *testing.T) {
	mock := &llm.MockClient{Responder: func(req llm.Request) llm.Response {
		return llm.Response{Content: "package main\n\nfunc DoThing() {}\n"}
	}}
	forge := NewToolForge(mock, nil)

	result, err := forge.Process(context.Background(), "g1", "broken_tool", "does nothing useful", "", "")
	require.NoError(t, err)
	assert.False(t, result.Valid)
	assert.Contains(t, result.Problems, "missing func Execute entry point")
}

func TestToolForge_IncludesCurrentSourceAndFailureAnalysisInPrompt(t *testing.T) {
	var seenPrompt string
	mock := &llm.MockClient{Responder: func(req llm.Request) llm.Response {
		for _, m := range req.Messages {
			if m.Role == "user" {
				seenPrompt = m.Content
			}
		}
		return llm.Response{Content: "package main\n\nfunc Execute(ctx interface{}, params interface{}) (interface{}, error) { return nil, nil }"}
	}}
	forge := NewToolForge(mock, nil)

	_, err := forge.Process(context.Background(), "g1", "flaky_tool", "calls a flaky endpoint",
		"package main\n// old source", "3x: connection reset by peer")
	require.NoError(t, err)
	assert.Contains(t, seenPrompt, "old source")
	assert.Contains(t, seenPrompt, "connection reset by peer")
}

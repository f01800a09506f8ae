package neurons

import (
	"context"
	"fmt"
	"strings"

	"github.com/neuralcore/engine/pkg/core"
	"github.com/neuralcore/engine/pkg/llm"
)

// ToolForge implements spec.md §4.2's Tool Forge: a full replacement
// source file for a tool, used only by Autonomous Improvement and
// operator-driven tool creation.
type ToolForge struct {
	llmClient llm.Client
	bus       *core.EventBus
}

// NewToolForge builds a Tool Forge.
func NewToolForge(client llm.Client, bus *core.EventBus) *ToolForge {
	return &ToolForge{llmClient: client, bus: bus}
}

// Process generates a replacement source file for toolName. currentSource
// and failureAnalysis are optional context for an improvement pass rather
// than a fresh creation.
func (f *ToolForge) Process(ctx context.Context, goalID, toolName, description, currentSource, failureAnalysis string) (ForgeResult, error) {
	var result ForgeResult
	err := emitEvent(f.bus, goalID, "neuron/tool_forge", func() error {
		var innerErr error
		result, innerErr = f.forge(ctx, toolName, description, currentSource, failureAnalysis)
		return innerErr
	})
	return result, err
}

func (f *ToolForge) forge(ctx context.Context, toolName, description, currentSource, failureAnalysis string) (ForgeResult, error) {
	if f.llmClient == nil {
		return ForgeResult{}, core.NewEngineError("ToolForge.Process", "model", fmt.Errorf("no llm client configured"))
	}

	var prompt strings.Builder
	prompt.WriteString("Write a Go source file implementing a tool named ")
	prompt.WriteString(toolName)
	prompt.WriteString(". Description: ")
	prompt.WriteString(description)
	prompt.WriteString(".\nThe file must be `package main` and expose exactly:\n")
	prompt.WriteString("func Execute(ctx context.Context, params map[string]interface{}) (interface{}, error)\n")
	if currentSource != "" {
		prompt.WriteString("\nCurrent source to improve:\n")
		prompt.WriteString(currentSource)
	}
	if failureAnalysis != "" {
		prompt.WriteString("\nObserved failure patterns to address:\n")
		prompt.WriteString(failureAnalysis)
	}
	prompt.WriteString("\nRespond with only the Go source, no prose, no markdown fences.")

	resp, err := f.llmClient.Complete(ctx, llm.Request{
		Messages: []llm.Message{
			{Role: "system", Content: "You write correct, idiomatic Go tool implementations."},
			{Role: "user", Content: prompt.String()},
		},
		MaxTokens: 2048,
	})
	if err != nil {
		return ForgeResult{}, core.NewEngineError("ToolForge.Process", "model", err)
	}

	source := stripMarkdownFences(resp.Content)
	validator := NewCodeValidator(nil)
	validation := validator.validate(source, "")
	// Tool Forge output is validated against a narrower bar than generated
	// call-site snippets: it must define Execute and be parseable, but it
	// has no sandbox.SetResult call of its own.
	var problems []string
	for _, p := range validation.Problems {
		if strings.Contains(p, "sandbox.SetResult") {
			continue
		}
		problems = append(problems, p)
	}
	if !strings.Contains(source, "func Execute(") {
		problems = append(problems, "missing func Execute entry point")
	}

	return ForgeResult{
		Source:    source,
		ClassName: toolName,
		Valid:     len(problems) == 0,
		Problems:  problems,
	}, nil
}

func stripMarkdownFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		lines := strings.Split(s, "\n")
		if len(lines) > 0 {
			lines = lines[1:]
		}
		if len(lines) > 0 && strings.HasPrefix(strings.TrimSpace(lines[len(lines)-1]), "```") {
			lines = lines[:len(lines)-1]
		}
		s = strings.Join(lines, "\n")
	}
	return s
}

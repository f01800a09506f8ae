package neurons

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/neuralcore/engine/pkg/core"
	"github.com/neuralcore/engine/pkg/llm"
	"github.com/neuralcore/engine/pkg/tools"
)

// CodeGenerator implements spec.md §4.2's Code Generator: a short program
// that calls the selected tool through the sandbox's injected "tool"
// package and publishes the result via setResult.
type CodeGenerator struct {
	llmClient llm.Client
	logger    core.Logger
	bus       *core.EventBus
}

// NewCodeGenerator builds a Code Generator.
func NewCodeGenerator(client llm.Client, logger core.Logger, bus *core.EventBus) *CodeGenerator {
	if logger == nil {
		logger = core.NoOpLogger{}
	}
	return &CodeGenerator{llmClient: client, logger: logger, bus: bus}
}

// Process produces a program invoking meta with parameters extracted from
// goalText. feedback, if non-empty, is the validator's rejection reason
// from a previous retry. paramOverride, if non-nil, is used verbatim
// instead of extracting parameters from goalText — Error Recovery's Adapt
// strategy supplies a corrected parameter object this way.
func (g *CodeGenerator) Process(ctx context.Context, goalID, goalText string, meta tools.Metadata, feedback string, depth int, paramOverride map[string]interface{}) (GeneratedCode, error) {
	var code GeneratedCode
	err := emitEvent(g.bus, goalID, "neuron/code_generator", func() error {
		var innerErr error
		code, innerErr = g.generate(ctx, goalText, meta, feedback, paramOverride)
		return innerErr
	})
	return code, err
}

func (g *CodeGenerator) generate(ctx context.Context, goalText string, meta tools.Metadata, feedback string, paramOverride map[string]interface{}) (GeneratedCode, error) {
	params := paramOverride
	if params == nil {
		var err error
		params, err = g.extractParams(ctx, goalText, meta, feedback)
		if err != nil {
			return GeneratedCode{}, err
		}
	}

	source := fmt.Sprintf(`package main

import "sandbox"
import "tool"

func main() {
	result, err := tool.Call(%q, %s)
	if err != nil {
		panic(err)
	}
	sandbox.SetResult(result)
}
`, meta.Name, renderGoLiteral(params))

	return GeneratedCode{Source: source, ToolName: meta.Name, Params: params}, nil
}

func (g *CodeGenerator) extractParams(ctx context.Context, goalText string, meta tools.Metadata, feedback string) (map[string]interface{}, error) {
	if g.llmClient == nil || len(meta.Parameters) == 0 {
		return map[string]interface{}{}, nil
	}

	schema := describeParams(meta)
	prompt := "Goal: " + goalText + "\nTool parameter schema: " + schema +
		"\nRespond with only a JSON object of parameter values extracted from the goal, matching the schema."
	if feedback != "" {
		prompt += "\nThe previous attempt was rejected: " + feedback
	}

	resp, err := g.llmClient.Complete(ctx, llm.Request{
		Messages: []llm.Message{
			{Role: "system", Content: "You extract structured parameters from natural language. Respond with only a JSON object, no prose."},
			{Role: "user", Content: prompt},
		},
		MaxTokens: 256,
	})
	if err != nil {
		return nil, core.NewEngineError("CodeGenerator.Process", "model", err)
	}

	var params map[string]interface{}
	if err := json.Unmarshal([]byte(strings.TrimSpace(resp.Content)), &params); err != nil {
		g.logger.Warn("code generator: model did not return valid JSON params, using empty set", map[string]interface{}{"raw": resp.Content})
		return map[string]interface{}{}, nil
	}
	return params, nil
}

func describeParams(meta tools.Metadata) string {
	var sb strings.Builder
	names := make([]string, 0, len(meta.Parameters))
	for name := range meta.Parameters {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		spec := meta.Parameters[name]
		sb.WriteString(name + " (" + spec.Type + "): " + spec.Description + "; ")
	}
	return sb.String()
}

// renderGoLiteral renders a decoded-JSON value as Go source for a
// map[string]interface{} literal, the minimal subset Code Generator needs
// (the params object it asks the model for is always a flat or nested
// JSON object).
func renderGoLiteral(v interface{}) string {
	switch val := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var sb strings.Builder
		sb.WriteString("map[string]interface{}{")
		for _, k := range keys {
			sb.WriteString(strconv.Quote(k))
			sb.WriteString(": ")
			sb.WriteString(renderGoLiteral(val[k]))
			sb.WriteString(", ")
		}
		sb.WriteString("}")
		return sb.String()
	case []interface{}:
		var sb strings.Builder
		sb.WriteString("[]interface{}{")
		for _, item := range val {
			sb.WriteString(renderGoLiteral(item))
			sb.WriteString(", ")
		}
		sb.WriteString("}")
		return sb.String()
	case string:
		return strconv.Quote(val)
	case float64:
		return strconv.FormatFloat(val, 'g', -1, 64)
	case bool:
		return strconv.FormatBool(val)
	case nil:
		return "nil"
	default:
		return fmt.Sprintf("%v", val)
	}
}

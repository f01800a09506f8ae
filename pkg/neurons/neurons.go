// Package neurons implements the single-purpose reasoning units the
// Orchestrator drives: Intent Classifier, Tool Selector, Code Generator,
// Code Validator, Generative Responder, Tool Forge. Each is stateless
// across calls apart from the shared Pattern Cache and Tool Discovery.
package neurons

import (
	"time"

	"github.com/neuralcore/engine/pkg/core"
)

// emitEvent is the shared started/completed/failed emission helper every
// neuron uses around its process() call.
func emitEvent(bus *core.EventBus, goalID, component string, fn func() error) error {
	start := time.Now()
	core.Emit(bus, core.Event{Kind: core.EventStarted, GoalID: goalID, Component: component})
	err := fn()
	if err != nil {
		core.Emit(bus, core.Event{Kind: core.EventFailed, GoalID: goalID, Component: component, Duration: time.Since(start), Error: err.Error()})
		return err
	}
	core.Emit(bus, core.Event{Kind: core.EventCompleted, GoalID: goalID, Component: component, Duration: time.Since(start)})
	return nil
}

// ClassificationMethod names how an Intent Classifier decision was reached.
type ClassificationMethod string

const (
	MethodPatternCache     ClassificationMethod = "pattern_cache"
	MethodKeywordSimplifier ClassificationMethod = "keyword_simplifier"
	MethodLLMFewshot       ClassificationMethod = "llm_fewshot"
	MethodLLMZeroshot      ClassificationMethod = "llm_zeroshot"
	MethodDomainOverride   ClassificationMethod = "domain_override"
)

// IntentDecision is the Intent Classifier's structured output.
type IntentDecision struct {
	Intent     string                `json:"intent"`
	Confidence float64               `json:"confidence"`
	Method     ClassificationMethod  `json:"method"`
}

// ToolSelection is the Tool Selector's structured output.
type ToolSelection struct {
	SelectedTools       []string              `json:"selected_tools"`
	Method              ClassificationMethod  `json:"method"`
	Confidence          float64               `json:"confidence"`
	CandidatesConsidered int                  `json:"candidates_considered"`
}

// GeneratedCode is the Code Generator's output: a short program that
// instantiates the selected tool, calls it with extracted parameters, and
// publishes the return value through the Sandbox's setResult callback.
type GeneratedCode struct {
	Source   string                 `json:"source"`
	ToolName string                 `json:"tool_name"`
	Params   map[string]interface{} `json:"params"`
}

// ValidationResult is the Code Validator's structured feedback.
type ValidationResult struct {
	Valid    bool     `json:"valid"`
	Problems []string `json:"problems"`
}

// Feedback renders the validator's problems as the structured feedback
// string the Code Generator consumes on retry.
func (v ValidationResult) Feedback() string {
	s := ""
	for i, p := range v.Problems {
		if i > 0 {
			s += "; "
		}
		s += p
	}
	return s
}

// ForgeResult is the Tool Forge's output: a full replacement source file.
type ForgeResult struct {
	Source    string `json:"source"`
	ClassName string `json:"class_name"`
	Valid     bool   `json:"valid"`
	Problems  []string `json:"problems,omitempty"`
}

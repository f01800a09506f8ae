// Package errorrecovery implements Error Recovery: classifies a thrown
// tool-execution error into transient / wrong_tool / parameter_mismatch /
// impossible, and applies retry / fallback / adapt / explain with fixed,
// per-call attempt caps.
package errorrecovery

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/neuralcore/engine/pkg/core"
	"github.com/neuralcore/engine/pkg/llm"
)

// Classification is one of the four error categories.
type Classification string

const (
	ClassTransient          Classification = "transient"
	ClassWrongTool          Classification = "wrong_tool"
	ClassParameterMismatch  Classification = "parameter_mismatch"
	ClassImpossible         Classification = "impossible"
)

// Strategy is the action Error Recovery chose for a failure.
type Strategy string

const (
	StrategyRetry    Strategy = "retry"
	StrategyFallback Strategy = "fallback"
	StrategyAdapt    Strategy = "adapt"
	StrategyExplain  Strategy = "explain"
)

// Outcome is what Error Recovery decided and, where applicable, the
// directive the Orchestrator should act on.
type Outcome struct {
	Strategy          Strategy
	Classification     Classification
	RetryAfter        time.Duration // for StrategyRetry
	ExcludedTools     []string      // for StrategyFallback: reselect_tool directive
	CorrectedParams   map[string]interface{} // for StrategyAdapt
	Explanation       string        // for StrategyExplain
	Success           bool
}

const (
	maxRetryAttempts      = 3
	maxFallbackAttempts   = 3
	maxAdaptationAttempts = 2
)

var retryBackoff = []time.Duration{1 * time.Second, 2 * time.Second, 5 * time.Second}

// attemptHistory tracks per-(goalID, toolName) attempt counts so bounded
// caps hold across recursive recovery calls within one goal.
type attemptHistory struct {
	retries     int
	fallbacks   int
	adaptations int
}

// Recovery implements Error Recovery. Safe for concurrent use across
// distinct goals; history is keyed per goal+tool so caps are enforced
// within the lifetime of a single failing call chain.
type Recovery struct {
	llmClient llm.Client
	logger    core.Logger

	mu      sync.Mutex
	history map[string]*attemptHistory
}

// New builds an Error Recovery instance.
func New(client llm.Client, logger core.Logger) *Recovery {
	if logger == nil {
		logger = core.NoOpLogger{}
	}
	return &Recovery{llmClient: client, logger: logger, history: map[string]*attemptHistory{}}
}

func historyKey(goalID, toolName string) string { return goalID + "/" + toolName }

func (r *Recovery) historyFor(goalID, toolName string) *attemptHistory {
	key := historyKey(goalID, toolName)
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.history[key]
	if !ok {
		h = &attemptHistory{}
		r.history[key] = h
	}
	return h
}

// Recover classifies err and returns the strategy Outcome. alreadyTried
// lists tools excluded from a prior fallback in the same goal.
func (r *Recovery) Recover(ctx context.Context, goalID, toolName string, params map[string]interface{}, goalText string, err error, alreadyTried []string) Outcome {
	class := r.classify(ctx, err)
	h := r.historyFor(goalID, toolName)

	switch class {
	case ClassTransient:
		if h.retries >= maxRetryAttempts {
			return r.explain(ctx, goalText, err, "retries exhausted")
		}
		backoff := retryBackoff[h.retries]
		h.retries++
		return Outcome{Strategy: StrategyRetry, Classification: class, RetryAfter: backoff}

	case ClassWrongTool:
		if h.fallbacks >= maxFallbackAttempts {
			return r.explain(ctx, goalText, err, "fallback attempts exhausted")
		}
		h.fallbacks++
		excluded := append(append([]string{}, alreadyTried...), toolName)
		return Outcome{Strategy: StrategyFallback, Classification: class, ExcludedTools: excluded}

	case ClassParameterMismatch:
		if h.adaptations >= maxAdaptationAttempts {
			return r.explain(ctx, goalText, err, "adaptation attempts exhausted")
		}
		h.adaptations++
		corrected, adaptErr := r.adapt(ctx, goalText, params, err)
		if adaptErr != nil {
			return r.explain(ctx, goalText, err, "could not compute corrected parameters")
		}
		return Outcome{Strategy: StrategyAdapt, Classification: class, CorrectedParams: corrected}

	default: // ClassImpossible
		return r.explain(ctx, goalText, err, "")
	}
}

func (r *Recovery) classify(ctx context.Context, err error) Classification {
	if r.llmClient != nil {
		resp, callErr := r.llmClient.Complete(ctx, llm.Request{
			Messages: []llm.Message{
				{Role: "system", Content: "Classify this tool error as exactly one of: transient, wrong_tool, parameter_mismatch, impossible. Respond with only that word."},
				{Role: "user", Content: err.Error()},
			},
			MaxTokens: 16,
		})
		if callErr == nil {
			class := Classification(strings.TrimSpace(strings.ToLower(resp.Content)))
			if isValidClassification(class) {
				return class
			}
			r.logger.Warn("error recovery: model returned malformed classification, falling back to keyword heuristic", map[string]interface{}{"raw": resp.Content})
		}
	}
	return keywordClassify(err.Error())
}

func isValidClassification(c Classification) bool {
	switch c {
	case ClassTransient, ClassWrongTool, ClassParameterMismatch, ClassImpossible:
		return true
	}
	return false
}

func keywordClassify(msg string) Classification {
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "timeout"), strings.Contains(lowered, "429"), strings.Contains(lowered, "connection"):
		return ClassTransient
	case strings.Contains(lowered, "not found"):
		return ClassWrongTool
	case strings.Contains(lowered, "missing parameter"), strings.Contains(lowered, "unexpected keyword"), strings.Contains(lowered, "permission denied"):
		return ClassParameterMismatch
	default:
		return ClassImpossible
	}
}

func (r *Recovery) adapt(ctx context.Context, goalText string, params map[string]interface{}, err error) (map[string]interface{}, error) {
	if r.llmClient == nil {
		return params, nil
	}

	originalJSON, marshalErr := json.Marshal(params)
	if marshalErr != nil {
		originalJSON = []byte("{}")
	}

	resp, callErr := r.llmClient.Complete(ctx, llm.Request{
		Messages: []llm.Message{
			{Role: "system", Content: "Given a tool parameter error, emit a corrected parameter object as JSON. Respond with only the JSON object, no prose."},
			{Role: "user", Content: "Goal: " + goalText + "\nOriginal parameters: " + string(originalJSON) + "\nError: " + err.Error()},
		},
		MaxTokens: 256,
	})
	if callErr != nil {
		return nil, callErr
	}

	var corrected map[string]interface{}
	if jsonErr := json.Unmarshal([]byte(strings.TrimSpace(resp.Content)), &corrected); jsonErr != nil {
		return nil, core.NewEngineError("Recovery.adapt", "model", jsonErr)
	}
	return corrected, nil
}

func (r *Recovery) explain(ctx context.Context, goalText string, err error, reason string) Outcome {
	explanation := "Unable to complete the request: " + err.Error()
	if reason != "" {
		explanation += " (" + reason + ")"
	}
	if r.llmClient != nil {
		resp, callErr := r.llmClient.Complete(ctx, llm.Request{
			Messages: []llm.Message{
				{Role: "system", Content: "Explain briefly and plainly why this request could not be completed."},
				{Role: "user", Content: "Goal: " + goalText + "\nError: " + err.Error()},
			},
			MaxTokens: 128,
		})
		if callErr == nil && resp.Content != "" {
			explanation = resp.Content
		}
	}
	return Outcome{Strategy: StrategyExplain, Classification: ClassImpossible, Explanation: explanation, Success: false}
}

package neurons

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/neuralcore/engine/pkg/core"
	"github.com/neuralcore/engine/pkg/llm"
	"github.com/neuralcore/engine/pkg/patterncache"
)

var allowedIntents = map[string]bool{"generative": true, "tool_use": true}

// keywordRule is one entry of the rule-based simplifier, restored from the
// original system's keyword-rule table (dropped by the distillation): a
// short, deterministic shortcut for obvious phrasings that don't need a
// model call.
type keywordRule struct {
	substrings []string
	intent     string
}

var keywordRules = []keywordRule{
	{substrings: []string{"remember that", "save this", "store this", "note that"}, intent: "tool_use"},
	{substrings: []string{"what's my", "recall", "what did i tell you"}, intent: "tool_use"},
	{substrings: []string{"tell me a joke", "tell me about", "explain", "what is", "why does", "how does"}, intent: "generative"},
}

// IntentClassifier implements spec.md §4.2's Intent Classifier: pattern
// cache, then keyword simplifier, then few-shot/zero-shot model call, with
// a validated default to generative.
type IntentClassifier struct {
	cache         *patterncache.Cache
	llmClient     llm.Client
	cacheThreshold float64
	logger        core.Logger
	bus           *core.EventBus
}

// NewIntentClassifier builds an Intent Classifier.
func NewIntentClassifier(cache *patterncache.Cache, client llm.Client, cacheThreshold float64, logger core.Logger, bus *core.EventBus) *IntentClassifier {
	if logger == nil {
		logger = core.NoOpLogger{}
	}
	return &IntentClassifier{cache: cache, llmClient: client, cacheThreshold: cacheThreshold, logger: logger, bus: bus}
}

// Process classifies goalText, first hit wins across pattern cache,
// keyword simplifier, then the language model.
func (c *IntentClassifier) Process(ctx context.Context, goalID, goalText string, depth int) (IntentDecision, error) {
	var decision IntentDecision
	err := emitEvent(c.bus, goalID, "neuron/intent_classifier", func() error {
		var innerErr error
		decision, innerErr = c.classify(ctx, goalText)
		return innerErr
	})
	return decision, err
}

func (c *IntentClassifier) classify(ctx context.Context, goalText string) (IntentDecision, error) {
	if c.cache != nil {
		if raw, confidence, ok := c.cache.Lookup(goalText, c.cacheThreshold); ok {
			var cached IntentDecision
			if err := json.Unmarshal(raw, &cached); err == nil {
				cached.Confidence = confidence
				cached.Method = MethodPatternCache
				return cached, nil
			}
		}
	}

	lowered := strings.ToLower(goalText)
	for _, rule := range keywordRules {
		for _, sub := range rule.substrings {
			if strings.Contains(lowered, sub) {
				decision := IntentDecision{Intent: rule.intent, Confidence: 0.9, Method: MethodKeywordSimplifier}
				c.storeDecision(goalText, decision)
				return decision, nil
			}
		}
	}

	return c.askModel(ctx, goalText)
}

func (c *IntentClassifier) askModel(ctx context.Context, goalText string) (IntentDecision, error) {
	method := MethodLLMZeroshot
	prompt := "Classify the intent of this goal as exactly one of: generative, tool_use.\nGoal: " + goalText

	if c.cache != nil {
		examples := c.cache.GetSimilarExamples(goalText, 2, 0.7)
		if len(examples) > 0 {
			method = MethodLLMFewshot
			prompt = c.buildFewshotPrompt(goalText, examples)
		}
	}

	if c.llmClient == nil {
		decision := IntentDecision{Intent: "generative", Confidence: 0.5, Method: MethodDomainOverride}
		c.logger.Warn("no llm client configured, defaulting to generative", nil)
		return decision, nil
	}

	resp, err := c.llmClient.Complete(ctx, llm.Request{
		Messages: []llm.Message{
			{Role: "system", Content: "You classify user goals. Respond with only the single word: generative or tool_use."},
			{Role: "user", Content: prompt},
		},
		MaxTokens: 16,
	})
	if err != nil {
		return IntentDecision{}, core.NewEngineError("IntentClassifier.Process", "model", err)
	}

	intent := strings.ToLower(strings.TrimSpace(resp.Content))
	if !allowedIntents[intent] {
		c.logger.Warn("model returned unrecognized intent, defaulting to generative", map[string]interface{}{"raw": resp.Content})
		decision := IntentDecision{Intent: "generative", Confidence: 0.5, Method: method}
		return decision, nil
	}

	decision := IntentDecision{Intent: intent, Confidence: 0.85, Method: method}
	c.storeDecision(goalText, decision)
	return decision, nil
}

func (c *IntentClassifier) buildFewshotPrompt(goalText string, examples []patterncache.Entry) string {
	prompt := "Examples:\n"
	for _, e := range examples {
		prompt += "Goal: " + e.Query + " -> " + string(e.Decision) + "\n"
	}
	prompt += "\nClassify the intent of this goal as exactly one of: generative, tool_use.\nGoal: " + goalText
	return prompt
}

func (c *IntentClassifier) storeDecision(goalText string, decision IntentDecision) {
	if c.cache == nil {
		return
	}
	raw, err := json.Marshal(decision)
	if err != nil {
		return
	}
	c.cache.Store(goalText, raw, decision.Confidence, nil)
}

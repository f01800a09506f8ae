package neurons

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/neuralcore/engine/pkg/core"
	"github.com/neuralcore/engine/pkg/discovery"
	"github.com/neuralcore/engine/pkg/llm"
	"github.com/neuralcore/engine/pkg/patterncache"
	"github.com/neuralcore/engine/pkg/tools"
)

// ToolSelector implements spec.md §4.2's Tool Selector: pattern cache,
// then a model choice constrained to a discovery short list (or the full
// registry when discovery finds nothing), validated against the registry.
type ToolSelector struct {
	cache          *patterncache.Cache
	discovery      *discovery.Discovery
	registry       *tools.Registry
	llmClient      llm.Client
	cacheThreshold float64
	logger         core.Logger
	bus            *core.EventBus
}

// NewToolSelector builds a Tool Selector.
func NewToolSelector(cache *patterncache.Cache, disc *discovery.Discovery, registry *tools.Registry, client llm.Client, cacheThreshold float64, logger core.Logger, bus *core.EventBus) *ToolSelector {
	if logger == nil {
		logger = core.NoOpLogger{}
	}
	return &ToolSelector{cache: cache, discovery: disc, registry: registry, llmClient: client, cacheThreshold: cacheThreshold, logger: logger, bus: bus}
}

// Process selects one or more tools for goalText.
func (s *ToolSelector) Process(ctx context.Context, goalID, goalText string, depth int) (ToolSelection, error) {
	var selection ToolSelection
	err := emitEvent(s.bus, goalID, "neuron/tool_selector", func() error {
		var innerErr error
		selection, innerErr = s.selectTool(ctx, goalText)
		return innerErr
	})
	return selection, err
}

func (s *ToolSelector) selectTool(ctx context.Context, goalText string) (ToolSelection, error) {
	if s.cache != nil {
		if raw, confidence, ok := s.cache.Lookup(goalText, s.cacheThreshold); ok {
			var cached ToolSelection
			if err := json.Unmarshal(raw, &cached); err == nil && s.allExist(cached.SelectedTools) {
				cached.Confidence = confidence
				cached.Method = MethodPatternCache
				return cached, nil
			}
		}
	}

	var candidateNames []string
	var candidatesConsidered int
	if s.discovery != nil {
		candidates, err := s.discovery.Discover(ctx, goalText, 10, 5)
		if err != nil {
			return ToolSelection{}, err
		}
		for _, c := range candidates {
			candidateNames = append(candidateNames, c.ToolName)
		}
		candidatesConsidered = len(candidateNames)
	}
	if len(candidateNames) == 0 {
		for _, meta := range s.registry.All() {
			candidateNames = append(candidateNames, meta.Name)
		}
		candidatesConsidered = len(candidateNames)
	}

	chosen, err := s.askModel(ctx, goalText, candidateNames)
	if err != nil {
		return ToolSelection{}, err
	}
	if _, lookupErr := s.registry.Get(chosen); lookupErr != nil {
		return ToolSelection{}, core.NewEngineError("ToolSelector.Process", "selection", fmt.Errorf("model selected unknown tool %q: %w", chosen, core.ErrToolNotFound))
	}

	selection := ToolSelection{
		SelectedTools:        []string{chosen},
		Method:               MethodLLMFewshot,
		Confidence:           0.85,
		CandidatesConsidered: candidatesConsidered,
	}
	s.storeDecision(goalText, selection)
	return selection, nil
}

func (s *ToolSelector) allExist(names []string) bool {
	for _, n := range names {
		if _, err := s.registry.Get(n); err != nil {
			return false
		}
	}
	return len(names) > 0
}

func (s *ToolSelector) askModel(ctx context.Context, goalText string, candidates []string) (string, error) {
	if s.llmClient == nil {
		if len(candidates) > 0 {
			return candidates[0], nil
		}
		return "", core.NewEngineError("ToolSelector.Process", "selection", fmt.Errorf("no llm client and no candidates available"))
	}

	resp, err := s.llmClient.Complete(ctx, llm.Request{
		Messages: []llm.Message{
			{Role: "system", Content: "Choose exactly one tool name from the provided list that best satisfies the goal. Respond with only the tool name."},
			{Role: "user", Content: "Goal: " + goalText + "\nCandidates: " + strings.Join(candidates, ", ")},
		},
		MaxTokens: 32,
	})
	if err != nil {
		return "", core.NewEngineError("ToolSelector.Process", "model", err)
	}
	return strings.TrimSpace(resp.Content), nil
}

func (s *ToolSelector) storeDecision(goalText string, selection ToolSelection) {
	if s.cache == nil {
		return
	}
	raw, err := json.Marshal(selection)
	if err != nil {
		return
	}
	s.cache.Store(goalText, raw, selection.Confidence, nil)
}

// Package orchestrator implements the Orchestrator: the state machine
// that drives the neuron pipeline end to end for a single goal, records
// per-step events, and invokes Error Recovery on failure.
package orchestrator

import (
	"context"
	"encoding/json"
	"time"

	"github.com/neuralcore/engine/pkg/core"
	"github.com/neuralcore/engine/pkg/errorrecovery"
	"github.com/neuralcore/engine/pkg/neurons"
	"github.com/neuralcore/engine/pkg/sandbox"
	"github.com/neuralcore/engine/pkg/store"
	"github.com/neuralcore/engine/pkg/tools"
)

const defaultMaxValidationRetries = 5

// Outcome is what process(goal_text) returns.
type Outcome struct {
	Success  bool
	Result   interface{}
	Response string
	Error    string
	GoalID   string
}

// Orchestrator is the single entry point per user goal.
type Orchestrator struct {
	store             store.Store
	registry          *tools.Registry
	sandbox           *sandbox.Sandbox
	intentClassifier  *neurons.IntentClassifier
	toolSelector      *neurons.ToolSelector
	codeGenerator     *neurons.CodeGenerator
	codeValidator     *neurons.CodeValidator
	generativeResponder *neurons.GenerativeResponder
	recovery          *errorrecovery.Recovery
	maxDepth          int
	maxValidationRetries int
	logger            core.Logger
	bus               *core.EventBus
}

// Config bundles every dependency the Orchestrator wires together; see
// spec.md §9's "single wiring site" design note (pkg/system is that site).
type Config struct {
	Store               store.Store
	Registry             *tools.Registry
	Sandbox              *sandbox.Sandbox
	IntentClassifier     *neurons.IntentClassifier
	ToolSelector         *neurons.ToolSelector
	CodeGenerator        *neurons.CodeGenerator
	CodeValidator        *neurons.CodeValidator
	GenerativeResponder  *neurons.GenerativeResponder
	Recovery             *errorrecovery.Recovery
	MaxDepth             int
	MaxValidationRetries int
	Logger               core.Logger
	Bus                  *core.EventBus
}

// New builds an Orchestrator from cfg.
func New(cfg Config) *Orchestrator {
	if cfg.Logger == nil {
		cfg.Logger = core.NoOpLogger{}
	}
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = 8
	}
	if cfg.MaxValidationRetries <= 0 {
		cfg.MaxValidationRetries = defaultMaxValidationRetries
	}
	return &Orchestrator{
		store:                cfg.Store,
		registry:             cfg.Registry,
		sandbox:              cfg.Sandbox,
		intentClassifier:     cfg.IntentClassifier,
		toolSelector:         cfg.ToolSelector,
		codeGenerator:        cfg.CodeGenerator,
		codeValidator:        cfg.CodeValidator,
		generativeResponder:  cfg.GenerativeResponder,
		recovery:             cfg.Recovery,
		maxDepth:             cfg.MaxDepth,
		maxValidationRetries: cfg.MaxValidationRetries,
		logger:               cfg.Logger,
		bus:                  cfg.Bus,
	}
}

// Process is process(goal_text): the single entry point per user goal.
func (o *Orchestrator) Process(ctx context.Context, goalText string) Outcome {
	return o.process(ctx, goalText, 0, nil)
}

func (o *Orchestrator) process(ctx context.Context, goalText string, depth int, excludedTools []string) Outcome {
	if depth > o.maxDepth {
		return Outcome{Success: false, Error: core.ErrMaxDepthExceeded.Error()}
	}
	if goalText == "" {
		return Outcome{Success: false, Error: core.ErrGoalEmpty.Error()}
	}

	start := time.Now()
	goalID, err := o.store.StoreExecution(ctx, goalText)
	if err != nil {
		return Outcome{Success: false, Error: err.Error()}
	}
	core.Emit(o.bus, core.Event{Kind: core.EventStarted, GoalID: goalID, Component: "orchestrator"})

	select {
	case <-ctx.Done():
		o.finalize(ctx, goalID, store.IntentUnknown, false, core.ErrDeadlineExceeded.Error(), start)
		return Outcome{Success: false, Error: core.ErrDeadlineExceeded.Error(), GoalID: goalID}
	default:
	}

	intentDecision, err := o.intentClassifier.Process(ctx, goalID, goalText, depth)
	if err != nil {
		o.finalize(ctx, goalID, store.IntentUnknown, false, err.Error(), start)
		return o.failed(goalID, err)
	}

	var outcome Outcome
	switch intentDecision.Intent {
	case "generative":
		outcome = o.runGenerative(ctx, goalID, goalText, depth, start)
	default:
		outcome = o.runToolUse(ctx, goalID, goalText, depth, excludedTools, start)
	}

	core.Emit(o.bus, core.Event{Kind: core.EventCompleted, GoalID: goalID, Component: "orchestrator", Duration: time.Since(start)})
	return outcome
}

func (o *Orchestrator) runGenerative(ctx context.Context, goalID, goalText string, depth int, start time.Time) Outcome {
	response, err := o.generativeResponder.Process(ctx, goalID, goalText, depth)
	if err != nil {
		o.finalize(ctx, goalID, store.IntentGenerative, false, err.Error(), start)
		return o.failed(goalID, err)
	}
	o.finalize(ctx, goalID, store.IntentGenerative, true, "", start)
	return Outcome{Success: true, Response: response, GoalID: goalID}
}

func (o *Orchestrator) runToolUse(ctx context.Context, goalID, goalText string, depth int, excludedTools []string, start time.Time) Outcome {
	selection, err := o.toolSelector.Process(ctx, goalID, goalText, depth)
	if err != nil {
		o.finalize(ctx, goalID, store.IntentToolUse, false, err.Error(), start)
		return o.failed(goalID, err)
	}
	if len(selection.SelectedTools) == 0 {
		err := core.NewEngineError("Orchestrator.Process", "selection", core.ErrToolNotFound)
		o.finalize(ctx, goalID, store.IntentToolUse, false, err.Error(), start)
		return o.failed(goalID, err)
	}
	toolName := selection.SelectedTools[0]

	meta, err := o.lookupMeta(toolName)
	if err != nil {
		o.finalize(ctx, goalID, store.IntentToolUse, false, err.Error(), start)
		return o.failed(goalID, err)
	}

	result, params, toolErr := o.generateAndRun(ctx, goalID, goalText, meta, depth, nil)
	if toolErr == nil {
		o.finalize(ctx, goalID, store.IntentToolUse, true, "", start)
		return Outcome{Success: true, Result: result, GoalID: goalID}
	}

	return o.recover(ctx, goalID, goalText, toolName, meta, depth, excludedTools, toolErr, start, params)
}

// generateAndRun drives the generate/validate/execute loop. paramOverride,
// if non-nil, is passed straight through to the Code Generator instead of
// extracting parameters from goalText again — Error Recovery's Adapt
// strategy uses this to re-execute with its corrected parameter object. It
// also returns the parameters the last attempt actually used, so a caller
// recovering from a failure can hand them to Error Recovery.
func (o *Orchestrator) generateAndRun(ctx context.Context, goalID, goalText string, meta tools.Metadata, depth int, paramOverride map[string]interface{}) (interface{}, map[string]interface{}, error) {
	var lastFeedback string
	var execDuration time.Duration

	for attempt := 0; attempt <= o.maxValidationRetries; attempt++ {
		generated, err := o.codeGenerator.Process(ctx, goalID, goalText, meta, lastFeedback, depth, paramOverride)
		if err != nil {
			return nil, nil, err
		}

		validation, err := o.codeValidator.Process(ctx, goalID, generated.Source, meta.Name, depth)
		if err != nil {
			return nil, generated.Params, err
		}
		if !validation.Valid {
			lastFeedback = validation.Feedback()
			continue
		}

		execStart := time.Now()
		sandboxResult := o.sandbox.RunWithTool(ctx, generated.Source, o.toolCaller())
		execDuration = time.Since(execStart)

		paramsJSON, _ := json.Marshal(generated.Params)
		if sandboxResult.Err != nil {
			resultJSON, _ := json.Marshal(sandboxResult.Value)
			_, _ = o.store.StoreToolExecution(ctx, goalID, meta.Name, paramsJSON, resultJSON, false, sandboxResult.Err.Error(), execDuration)
			return nil, generated.Params, sandboxResult.Err
		}

		resultJSON, _ := json.Marshal(sandboxResult.Value)
		_, _ = o.store.StoreToolExecution(ctx, goalID, meta.Name, paramsJSON, resultJSON, true, "", execDuration)
		return sandboxResult.Value, generated.Params, nil
	}

	return nil, nil, core.NewEngineError("Orchestrator.Process", "validation", core.ErrValidationFailed)
}

func (o *Orchestrator) toolCaller() sandbox.ToolCaller {
	return func(name string, params map[string]interface{}) (interface{}, error) {
		t, err := o.registry.Get(name)
		if err != nil {
			return nil, err
		}
		return t.Execute(context.Background(), params)
	}
}

func (o *Orchestrator) recover(ctx context.Context, goalID, goalText, toolName string, meta tools.Metadata, depth int, excludedTools []string, toolErr error, start time.Time, lastParams map[string]interface{}) Outcome {
	outcome := o.recovery.Recover(ctx, goalID, toolName, lastParams, goalText, toolErr, excludedTools)

	switch outcome.Strategy {
	case errorrecovery.StrategyRetry:
		time.Sleep(outcome.RetryAfter)
		result, params, err := o.generateAndRun(ctx, goalID, goalText, meta, depth, nil)
		if err != nil {
			return o.recover(ctx, goalID, goalText, toolName, meta, depth, excludedTools, err, start, params)
		}
		o.finalize(ctx, goalID, store.IntentToolUse, true, "", start)
		return Outcome{Success: true, Result: result, GoalID: goalID}

	case errorrecovery.StrategyFallback:
		inner := o.process(ctx, goalText, depth+1, outcome.ExcludedTools)
		o.finalize(ctx, goalID, store.IntentToolUse, inner.Success, inner.Error, start)
		return inner

	case errorrecovery.StrategyAdapt:
		result, params, err := o.generateAndRun(ctx, goalID, goalText, meta, depth, outcome.CorrectedParams)
		if err != nil {
			return o.recover(ctx, goalID, goalText, toolName, meta, depth, excludedTools, err, start, params)
		}
		o.finalize(ctx, goalID, store.IntentToolUse, true, "", start)
		return Outcome{Success: true, Result: result, GoalID: goalID}

	default: // StrategyExplain
		o.finalize(ctx, goalID, store.IntentToolUse, false, outcome.Explanation, start)
		return Outcome{Success: false, Error: outcome.Explanation, GoalID: goalID}
	}
}

func (o *Orchestrator) lookupMeta(toolName string) (tools.Metadata, error) {
	t, err := o.registry.Get(toolName)
	if err != nil {
		return tools.Metadata{}, err
	}
	return t.Describe(), nil
}

func (o *Orchestrator) finalize(ctx context.Context, goalID string, intent store.Intent, success bool, errMsg string, start time.Time) {
	if err := o.store.FinalizeExecution(ctx, goalID, intent, success, errMsg, time.Since(start), nil); err != nil {
		o.logger.Error("failed to finalize goal execution", map[string]interface{}{"goal_id": goalID, "error": err.Error()})
	}
}

func (o *Orchestrator) failed(goalID string, err error) Outcome {
	return Outcome{Success: false, Error: err.Error(), GoalID: goalID}
}

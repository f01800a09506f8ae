package errorrecovery

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neuralcore/engine/pkg/core"
	"github.com/neuralcore/engine/pkg/llm"
)

func TestRecover_TransientErrorRetriesUpToCapThenExplains(t *testing.T) {
	r := New(nil, core.NoOpLogger{})
	err := errors.New("TimeoutError: Connection timeout")

	for i := 0; i < maxRetryAttempts; i++ {
		outcome := r.Recover(context.Background(), "goal-1", "flaky_tool", nil, "do a thing", err, nil)
		assert.Equal(t, StrategyRetry, outcome.Strategy)
	}

	outcome := r.Recover(context.Background(), "goal-1", "flaky_tool", nil, "do a thing", err, nil)
	assert.Equal(t, StrategyExplain, outcome.Strategy)
}

func TestRecover_WrongToolFallsBackWithExclusions(t *testing.T) {
	r := New(nil, core.NoOpLogger{})
	err := errors.New("tool not found for this kind of request")

	outcome := r.Recover(context.Background(), "goal-2", "wrong_tool_x", nil, "do a thing", err, []string{"already_tried"})
	assert.Equal(t, StrategyFallback, outcome.Strategy)
	assert.Contains(t, outcome.ExcludedTools, "already_tried")
	assert.Contains(t, outcome.ExcludedTools, "wrong_tool_x")
}

func TestRecover_ParameterMismatchAdaptsUpToCap(t *testing.T) {
	r := New(nil, core.NoOpLogger{})
	err := errors.New("TypeError: execute() got an unexpected keyword argument 'x'")

	for i := 0; i < maxAdaptationAttempts; i++ {
		outcome := r.Recover(context.Background(), "goal-3", "tool_y", nil, "do a thing", err, nil)
		assert.Equal(t, StrategyAdapt, outcome.Strategy)
	}
	outcome := r.Recover(context.Background(), "goal-3", "tool_y", nil, "do a thing", err, nil)
	assert.Equal(t, StrategyExplain, outcome.Strategy)
}

func TestRecover_ParameterMismatchReturnsModelCorrectedParams(t *testing.T) {
	client := &llm.MockClient{Responder: func(req llm.Request) llm.Response {
		return llm.Response{Content: `{"path": "/tmp/report.csv"}`}
	}}
	r := New(client, core.NoOpLogger{})
	err := errors.New("TypeError: execute() got an unexpected keyword argument 'file'")
	original := map[string]interface{}{"file": "/tmp/report.csv"}

	outcome := r.Recover(context.Background(), "goal-6", "tool_y", original, "export the report", err, nil)

	require.Equal(t, StrategyAdapt, outcome.Strategy)
	assert.Equal(t, map[string]interface{}{"path": "/tmp/report.csv"}, outcome.CorrectedParams)
	assert.NotEqual(t, original, outcome.CorrectedParams)
}

func TestRecover_ParameterMismatchFallsBackToExplainOnMalformedModelJSON(t *testing.T) {
	client := &llm.MockClient{Responder: func(req llm.Request) llm.Response {
		return llm.Response{Content: "not json"}
	}}
	r := New(client, core.NoOpLogger{})
	err := errors.New("TypeError: execute() got an unexpected keyword argument 'file'")

	outcome := r.Recover(context.Background(), "goal-7", "tool_y", map[string]interface{}{"file": "x"}, "export the report", err, nil)

	assert.Equal(t, StrategyExplain, outcome.Strategy)
}

func TestRecover_ImpossibleErrorExplainsImmediately(t *testing.T) {
	r := New(nil, core.NoOpLogger{})
	err := errors.New("the requested operation cannot be performed under any circumstances")

	outcome := r.Recover(context.Background(), "goal-4", "tool_z", nil, "do a thing", err, nil)
	assert.Equal(t, StrategyExplain, outcome.Strategy)
	assert.False(t, outcome.Success)
}

func TestRecover_CapsAreIndependentPerGoalAndTool(t *testing.T) {
	r := New(nil, core.NoOpLogger{})
	err := errors.New("timeout while calling the service")

	for i := 0; i < maxRetryAttempts; i++ {
		r.Recover(context.Background(), "goal-5", "tool_a", nil, "x", err, nil)
	}
	// A different tool under the same goal has its own, unexhausted cap.
	outcome := r.Recover(context.Background(), "goal-5", "tool_b", nil, "x", err, nil)
	assert.Equal(t, StrategyRetry, outcome.Strategy)
}

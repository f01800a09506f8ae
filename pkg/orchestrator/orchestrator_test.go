package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neuralcore/engine/pkg/core"
	"github.com/neuralcore/engine/pkg/errorrecovery"
	"github.com/neuralcore/engine/pkg/llm"
	"github.com/neuralcore/engine/pkg/neurons"
	"github.com/neuralcore/engine/pkg/sandbox"
	"github.com/neuralcore/engine/pkg/store"
	"github.com/neuralcore/engine/pkg/tools"
)

const echoToolSource = `package main

import "context"

func Execute(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	return "echoed", nil
}
`

const missingPathToolSource = `package main

import (
	"context"
	"errors"
)

func Execute(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	path, ok := params["path"].(string)
	if !ok || path == "" {
		return nil, errors.New("missing parameter: path")
	}
	return "wrote " + path, nil
}
`

const failingToolSource = `package main

import (
	"context"
	"errors"
)

func Execute(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	return nil, errors.New("the requested operation cannot be performed under any circumstances")
}
`

// fakeStore is a minimal in-memory store.Store covering only what the
// Orchestrator calls; embedding the nil interface lets it satisfy the
// remaining methods without implementing them.
type fakeStore struct {
	store.Store
	finalized map[string]bool
	success   map[string]bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{finalized: map[string]bool{}, success: map[string]bool{}}
}

func (f *fakeStore) StoreExecution(ctx context.Context, goalText string) (string, error) {
	return uuid.NewString(), nil
}

func (f *fakeStore) FinalizeExecution(ctx context.Context, goalID string, intent store.Intent, success bool, errMsg string, duration time.Duration, metadata map[string]interface{}) error {
	f.finalized[goalID] = true
	f.success[goalID] = success
	return nil
}

func (f *fakeStore) StoreToolExecution(ctx context.Context, goalID, toolName string, params, result []byte, success bool, errMsg string, duration time.Duration) (string, error) {
	return uuid.NewString(), nil
}

func newTestRegistry(t *testing.T, toolName, source string) *tools.Registry {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, toolName+".go"), []byte(source), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, toolName+".yaml"), []byte("name: "+toolName+"\ndescription: a test tool\n"), 0o644))
	reg, err := tools.NewRegistry(dir, core.NoOpLogger{})
	require.NoError(t, err)
	return reg
}

func buildOrchestrator(reg *tools.Registry, st store.Store) *Orchestrator {
	bus := core.NewEventBus()
	sb := sandbox.New(2*time.Second, core.NoOpLogger{})
	return New(Config{
		Store:               st,
		Registry:            reg,
		Sandbox:             sb,
		IntentClassifier:    neurons.NewIntentClassifier(nil, nil, 0.80, core.NoOpLogger{}, bus),
		ToolSelector:        neurons.NewToolSelector(nil, nil, reg, nil, 0.80, core.NoOpLogger{}, bus),
		CodeGenerator:       neurons.NewCodeGenerator(nil, core.NoOpLogger{}, bus),
		CodeValidator:       neurons.NewCodeValidator(bus),
		GenerativeResponder: neurons.NewGenerativeResponder(nil, bus),
		Recovery:            errorrecovery.New(nil, core.NoOpLogger{}),
		MaxDepth:            8,
		Logger:              core.NoOpLogger{},
		Bus:                 bus,
	})
}

func TestProcess_GenerativeGoalReturnsCannedResponse(t *testing.T) {
	reg := newTestRegistry(t, "echo_tool", echoToolSource)
	st := newFakeStore()
	o := buildOrchestrator(reg, st)

	outcome := o.Process(context.Background(), "explain how photosynthesis works")
	require.True(t, outcome.Success)
	assert.NotEmpty(t, outcome.Response)
	assert.True(t, st.finalized[outcome.GoalID])
	assert.True(t, st.success[outcome.GoalID])
}

func TestProcess_ToolUseGoalExecutesSelectedTool(t *testing.T) {
	reg := newTestRegistry(t, "echo_tool", echoToolSource)
	st := newFakeStore()
	o := buildOrchestrator(reg, st)

	outcome := o.Process(context.Background(), "remember that my favorite color is blue")
	require.True(t, outcome.Success)
	assert.Equal(t, "echoed", outcome.Result)
}

func TestProcess_EmptyGoalFailsImmediately(t *testing.T) {
	reg := newTestRegistry(t, "echo_tool", echoToolSource)
	st := newFakeStore()
	o := buildOrchestrator(reg, st)

	outcome := o.Process(context.Background(), "")
	assert.False(t, outcome.Success)
	assert.Equal(t, core.ErrGoalEmpty.Error(), outcome.Error)
}

func TestProcess_ParameterMismatchIsRecoveredByAdaptingParams(t *testing.T) {
	reg := newTestRegistry(t, "report_tool", missingPathToolSource)
	st := newFakeStore()
	bus := core.NewEventBus()
	sb := sandbox.New(2*time.Second, core.NoOpLogger{})

	adaptClient := &llm.MockClient{Responder: func(req llm.Request) llm.Response {
		return llm.Response{Content: `{"path": "/tmp/report.csv"}`}
	}}

	o := New(Config{
		Store:               st,
		Registry:            reg,
		Sandbox:             sb,
		IntentClassifier:    neurons.NewIntentClassifier(nil, nil, 0.80, core.NoOpLogger{}, bus),
		ToolSelector:        neurons.NewToolSelector(nil, nil, reg, nil, 0.80, core.NoOpLogger{}, bus),
		CodeGenerator:       neurons.NewCodeGenerator(nil, core.NoOpLogger{}, bus),
		CodeValidator:       neurons.NewCodeValidator(bus),
		GenerativeResponder: neurons.NewGenerativeResponder(nil, bus),
		Recovery:            errorrecovery.New(adaptClient, core.NoOpLogger{}),
		MaxDepth:            8,
		Logger:              core.NoOpLogger{},
		Bus:                 bus,
	})

	outcome := o.Process(context.Background(), "remember that I need to write the report")
	require.True(t, outcome.Success)
	assert.Equal(t, "wrote /tmp/report.csv", outcome.Result)
}

func TestProcess_ImpossibleToolFailureExplainsImmediately(t *testing.T) {
	reg := newTestRegistry(t, "flaky_tool", failingToolSource)
	st := newFakeStore()
	o := buildOrchestrator(reg, st)

	outcome := o.Process(context.Background(), "remember that this call will fail")
	assert.False(t, outcome.Success)
	assert.NotEmpty(t, outcome.Error)
	assert.True(t, st.finalized[outcome.GoalID])
	assert.False(t, st.success[outcome.GoalID])
}

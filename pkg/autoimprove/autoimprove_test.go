package autoimprove

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neuralcore/engine/pkg/core"
	"github.com/neuralcore/engine/pkg/store"
	"github.com/neuralcore/engine/pkg/tools"
)

const demoToolSource = `package main

import "context"

func Execute(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	return "v1", nil
}
`

const demoToolSourceV2 = `package main

import "context"

func Execute(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	return "v2", nil
}
`

type fakeStore struct {
	store.Store
	stats map[string]*store.ToolStatistics
	tops  []store.ToolStatistics
}

func (f *fakeStore) GetToolStatistics(ctx context.Context, toolName string) (*store.ToolStatistics, error) {
	return f.stats[toolName], nil
}

func (f *fakeStore) GetTopTools(ctx context.Context, limit int, minExecutions int) ([]store.ToolStatistics, error) {
	return f.tops, nil
}

func (f *fakeStore) GetToolExecutions(ctx context.Context, toolName string, since time.Time) ([]store.ToolExecution, error) {
	return nil, nil
}

func newTestRegistry(t *testing.T) (*tools.Registry, string) {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "demo_tool.go"), []byte(demoToolSource), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "demo_tool.yaml"), []byte("name: demo_tool\ndescription: a demo tool\n"), 0o644))
	reg, err := tools.NewRegistry(dir, core.NoOpLogger{})
	require.NoError(t, err)
	return reg, dir
}

func TestValidateImprovement_ConfidenceScalesWithSampleSize(t *testing.T) {
	im := New(Config{Store: &fakeStore{}, Logger: core.NoOpLogger{}})

	old := store.ToolStatistics{SuccessRate: 0.5}
	result := im.ValidateImprovement(context.Background(), "t", old, store.ToolStatistics{SuccessRate: 0.9, TotalExecutions: 150})
	assert.Equal(t, 0.95, result.Confidence)
	assert.Equal(t, RecommendDeploy, result.Recommendation)

	result = im.ValidateImprovement(context.Background(), "t", old, store.ToolStatistics{SuccessRate: 0.9, TotalExecutions: 10})
	assert.Equal(t, 0.50, result.Confidence)
	assert.Equal(t, RecommendContinueTesting, result.Recommendation)
}

func TestValidateImprovement_RegressionWithHighConfidenceRecommendsRollback(t *testing.T) {
	im := New(Config{Store: &fakeStore{}, Logger: core.NoOpLogger{}})

	old := store.ToolStatistics{SuccessRate: 0.9}
	result := im.ValidateImprovement(context.Background(), "t", old, store.ToolStatistics{SuccessRate: 0.5, TotalExecutions: 120})
	assert.False(t, result.ImprovementDetected)
	assert.Equal(t, RecommendRollback, result.Recommendation)
}

func TestDeployImprovement_WritesNewSourceAndRefreshesRegistry(t *testing.T) {
	reg, dir := newTestRegistry(t)
	im := New(Config{Store: &fakeStore{}, Registry: reg, ToolsDir: dir, Logger: core.NoOpLogger{}})

	err := im.DeployImprovement(context.Background(), "demo_tool", demoToolSourceV2, "test deploy")
	require.NoError(t, err)

	_, ok := im.lastBackup["demo_tool"]
	assert.True(t, ok)

	_, err = reg.Get("demo_tool")
	require.NoError(t, err)

	written, err := os.ReadFile(filepath.Join(dir, "demo_tool.go"))
	require.NoError(t, err)
	assert.Equal(t, demoToolSourceV2, string(written))
}

func TestDeployImprovement_RestoresBackupOnLoadFailure(t *testing.T) {
	reg, dir := newTestRegistry(t)
	im := New(Config{Store: &fakeStore{}, Registry: reg, ToolsDir: dir, Logger: core.NoOpLogger{}})

	brokenSource := "this is not valid go source {{{"
	err := im.DeployImprovement(context.Background(), "demo_tool", brokenSource, "broken deploy")
	assert.Error(t, err)

	written, err := os.ReadFile(filepath.Join(dir, "demo_tool.go"))
	require.NoError(t, err)
	assert.Equal(t, demoToolSource, string(written))

	t2, err := reg.Get("demo_tool")
	require.NoError(t, err)
	result, err := t2.Execute(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "v1", result)
}

func TestRollbackImprovement_WithoutPriorDeployReturnsBackupMissing(t *testing.T) {
	reg, dir := newTestRegistry(t)
	im := New(Config{Store: &fakeStore{}, Registry: reg, ToolsDir: dir, Logger: core.NoOpLogger{}})

	err := im.RollbackImprovement(context.Background(), "demo_tool", "no deploy happened")
	assert.ErrorIs(t, err, core.ErrBackupMissing)
}

func TestRollbackImprovement_RestoresPreviouslyDeployedSource(t *testing.T) {
	reg, dir := newTestRegistry(t)
	im := New(Config{Store: &fakeStore{}, Registry: reg, ToolsDir: dir, Logger: core.NoOpLogger{}})

	require.NoError(t, im.DeployImprovement(context.Background(), "demo_tool", demoToolSourceV2, "deploy v2"))
	require.NoError(t, im.RollbackImprovement(context.Background(), "demo_tool", "v2 regressed"))

	written, err := os.ReadFile(filepath.Join(dir, "demo_tool.go"))
	require.NoError(t, err)
	assert.Equal(t, demoToolSource, string(written))
}

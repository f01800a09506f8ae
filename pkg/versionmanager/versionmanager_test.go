package versionmanager

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neuralcore/engine/pkg/core"
	"github.com/neuralcore/engine/pkg/store"
)

// fakeVersionStore is an in-memory store.VersionStore for testing the
// Version Manager's logic independently of Postgres.
type fakeVersionStore struct {
	versions    map[string]*store.ToolVersion
	byHash      map[string]*store.ToolVersion // toolName+hash -> version
	deployments map[string]*store.VersionDeployment
	diffs       map[string]*store.VersionDiff
	nextNumber  map[string]int
}

func newFakeVersionStore() *fakeVersionStore {
	return &fakeVersionStore{
		versions:    map[string]*store.ToolVersion{},
		byHash:      map[string]*store.ToolVersion{},
		deployments: map[string]*store.VersionDeployment{},
		diffs:       map[string]*store.VersionDiff{},
		nextNumber:  map[string]int{},
	}
}

func (f *fakeVersionStore) GetCurrentVersion(ctx context.Context, toolName string) (*store.ToolVersion, error) {
	for _, v := range f.versions {
		if v.ToolName == toolName && v.IsCurrent {
			return v, nil
		}
	}
	return nil, nil
}

func (f *fakeVersionStore) GetVersionByHash(ctx context.Context, toolName, contentHash string) (*store.ToolVersion, error) {
	return f.byHash[toolName+"/"+contentHash], nil
}

func (f *fakeVersionStore) GetVersion(ctx context.Context, versionID string) (*store.ToolVersion, error) {
	return f.versions[versionID], nil
}

func (f *fakeVersionStore) GetNextVersionNumber(ctx context.Context, toolName string) (int, error) {
	f.nextNumber[toolName]++
	return f.nextNumber[toolName], nil
}

func (f *fakeVersionStore) InsertVersion(ctx context.Context, v *store.ToolVersion) error {
	f.versions[v.ID] = v
	f.byHash[v.ToolName+"/"+v.ContentHash] = v
	return nil
}

func (f *fakeVersionStore) SetCurrentVersion(ctx context.Context, toolName, versionID string) error {
	if _, ok := f.versions[versionID]; !ok {
		return core.ErrVersionNotFound
	}
	for _, v := range f.versions {
		if v.ToolName == toolName {
			v.IsCurrent = v.ID == versionID
		}
	}
	return nil
}

func (f *fakeVersionStore) MarkRolledBack(ctx context.Context, versionID, reason, replacedByID string) error {
	v := f.versions[versionID]
	v.WasRolledBack = true
	v.RollbackReason = reason
	v.ReplacedByID.String = replacedByID
	v.ReplacedByID.Valid = true
	return nil
}

func (f *fakeVersionStore) InsertDeployment(ctx context.Context, d *store.VersionDeployment) error {
	f.deployments[d.ID] = d
	return nil
}

func (f *fakeVersionStore) CloseOpenDeployment(ctx context.Context, versionID string, success bool) error {
	for _, d := range f.deployments {
		if d.VersionID == versionID && !d.UndeployedAt.Valid {
			d.UndeployedAt.Time = time.Now()
			d.UndeployedAt.Valid = true
			d.WasSuccessful.Bool = success
			d.WasSuccessful.Valid = true
		}
	}
	return nil
}

func (f *fakeVersionStore) GetDiff(ctx context.Context, fromID, toID string) (*store.VersionDiff, error) {
	return f.diffs[fromID+"/"+toID], nil
}

func (f *fakeVersionStore) StoreDiff(ctx context.Context, d *store.VersionDiff) error {
	f.diffs[d.FromVersionID+"/"+d.ToVersionID] = d
	return nil
}

func (f *fakeVersionStore) UpdateVersionMetrics(ctx context.Context, versionID string, successRate float64, total int, avgDurationMS float64) error {
	v := f.versions[versionID]
	v.SuccessRate = successRate
	v.TotalExecutions = total
	v.AvgDurationMS = avgDurationMS
	return nil
}

func TestCreateVersion_SameCodeDoesNotCreateNewRow(t *testing.T) {
	fs := newFakeVersionStore()
	m := New(fs, nil, "", core.NoOpLogger{})

	id1, err := m.CreateVersion(context.Background(), "demo_tool", "package main\nfunc Execute(){}", store.CreatorHuman, store.ImprovementInitial, "initial", "", true)
	require.NoError(t, err)

	id2, err := m.CreateVersion(context.Background(), "demo_tool", "package main\nfunc Execute(){}", store.CreatorHuman, store.ImprovementInitial, "re-created", "", true)
	require.NoError(t, err)

	assert.Equal(t, id1, id2)
	assert.Len(t, fs.versions, 1)
}

func TestCreateVersion_DifferentCodeCreatesNewDenseVersion(t *testing.T) {
	fs := newFakeVersionStore()
	m := New(fs, nil, "", core.NoOpLogger{})

	id1, err := m.CreateVersion(context.Background(), "demo_tool", "v1 source", store.CreatorHuman, store.ImprovementInitial, "initial", "", true)
	require.NoError(t, err)
	id2, err := m.CreateVersion(context.Background(), "demo_tool", "v2 source", store.CreatorAutonomous, store.ImprovementBugfix, "fix", id1, true)
	require.NoError(t, err)

	assert.NotEqual(t, id1, id2)
	assert.Equal(t, 1, fs.versions[id1].VersionNumber)
	assert.Equal(t, 2, fs.versions[id2].VersionNumber)
	assert.True(t, fs.versions[id2].IsCurrent)
	assert.False(t, fs.versions[id1].IsCurrent)
}

func TestRollbackToVersion_MarksOutgoingVersionRolledBack(t *testing.T) {
	fs := newFakeVersionStore()
	m := New(fs, nil, "", core.NoOpLogger{})

	id1, _ := m.CreateVersion(context.Background(), "demo_tool", "v1 source", store.CreatorHuman, store.ImprovementInitial, "initial", "", true)
	id2, _ := m.CreateVersion(context.Background(), "demo_tool", "v2 source", store.CreatorAutonomous, store.ImprovementBugfix, "fix", id1, true)

	err := m.RollbackToVersion(context.Background(), "demo_tool", id1, "signature_change", "system")
	require.NoError(t, err)

	assert.True(t, fs.versions[id2].WasRolledBack)
	assert.True(t, fs.versions[id1].IsCurrent)
}

func TestCheckImmediateRollbackNeeded_FewerThanThreeAlwaysFalse(t *testing.T) {
	fs := newFakeVersionStore()
	m := New(fs, nil, "", core.NoOpLogger{})

	fetch := func(ctx context.Context, toolName string, since time.Time) ([]store.ToolExecution, error) {
		return []store.ToolExecution{
			{ID: uuid.NewString(), Success: false, Error: "TypeError: bad arg", CreatedAt: time.Now()},
			{ID: uuid.NewString(), Success: false, Error: "TypeError: bad arg", CreatedAt: time.Now()},
		}, nil
	}

	trigger, err := m.CheckImmediateRollbackNeeded(context.Background(), "demo_tool", fetch)
	require.NoError(t, err)
	assert.False(t, trigger.Needed)
}

func TestCheckImmediateRollbackNeeded_SignatureChangeDetected(t *testing.T) {
	fs := newFakeVersionStore()
	m := New(fs, nil, "", core.NoOpLogger{})

	fetch := func(ctx context.Context, toolName string, since time.Time) ([]store.ToolExecution, error) {
		base := time.Now()
		return []store.ToolExecution{
			{ID: uuid.NewString(), Success: false, Error: "TypeError: execute() got an unexpected keyword argument 'x'", CreatedAt: base},
			{ID: uuid.NewString(), Success: false, Error: "TypeError: execute() got an unexpected keyword argument 'x'", CreatedAt: base.Add(time.Second)},
			{ID: uuid.NewString(), Success: false, Error: "TypeError: execute() got an unexpected keyword argument 'x'", CreatedAt: base.Add(2 * time.Second)},
		}, nil
	}

	trigger, err := m.CheckImmediateRollbackNeeded(context.Background(), "demo_tool", fetch)
	require.NoError(t, err)
	assert.True(t, trigger.Needed)
	assert.Equal(t, "signature_change", trigger.Reason)
}

func TestCompareVersions_DetectsRemovedFunctionAsBreaking(t *testing.T) {
	fs := newFakeVersionStore()
	m := New(fs, nil, "", core.NoOpLogger{})

	fromSrc := `package main

func Execute(ctx interface{}, params map[string]interface{}) (interface{}, error) { return nil, nil }
func Helper() {}
`
	toSrc := `package main

func Execute(ctx interface{}, params map[string]interface{}) (interface{}, error) { return nil, nil }
`
	id1, _ := m.CreateVersion(context.Background(), "demo_tool", fromSrc, store.CreatorHuman, store.ImprovementInitial, "initial", "", true)
	id2, _ := m.CreateVersion(context.Background(), "demo_tool", toSrc, store.CreatorAutonomous, store.ImprovementBugfix, "simplify", id1, true)

	diff, err := m.CompareVersions(context.Background(), id1, id2)
	require.NoError(t, err)
	assert.True(t, diff.BreakingChanges)
}

func TestCompareVersions_DetectsExecuteSignatureChangeAsBreaking(t *testing.T) {
	fs := newFakeVersionStore()
	m := New(fs, nil, "", core.NoOpLogger{})

	fromSrc := `package main

func Execute(ctx interface{}, params map[string]interface{}) (interface{}, error) { return nil, nil }
`
	toSrc := `package main

func Execute(ctx interface{}) (interface{}, error) { return nil, nil }
`
	id1, _ := m.CreateVersion(context.Background(), "demo_tool", fromSrc, store.CreatorHuman, store.ImprovementInitial, "initial", "", true)
	id2, _ := m.CreateVersion(context.Background(), "demo_tool", toSrc, store.CreatorAutonomous, store.ImprovementBugfix, "drop param", id1, true)

	diff, err := m.CompareVersions(context.Background(), id1, id2)
	require.NoError(t, err)
	assert.True(t, diff.BreakingChanges)
}

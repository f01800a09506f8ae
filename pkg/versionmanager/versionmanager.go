// Package versionmanager implements the Tool Version Manager: the only
// writer of tool_versions, version_deployments, and version_diffs. It
// provides content-addressed version history, atomic current-pointer
// transitions, fast-rollback triggers, and breaking-change detection.
package versionmanager

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"go/ast"
	"go/parser"
	"go/token"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/neuralcore/engine/pkg/core"
	"github.com/neuralcore/engine/pkg/store"
	"github.com/neuralcore/engine/pkg/tools"
)

// Manager is the Tool Version Manager.
type Manager struct {
	store    store.VersionStore
	registry *tools.Registry // optional; wired when rollback should touch live tools
	toolsDir string
	logger   core.Logger
}

// New builds a Version Manager. registry may be nil when the manager is
// used without a live Tool Registry to refresh (e.g. in isolated tests).
func New(st store.VersionStore, registry *tools.Registry, toolsDir string, logger core.Logger) *Manager {
	if logger == nil {
		logger = core.NoOpLogger{}
	}
	return &Manager{store: st, registry: registry, toolsDir: toolsDir, logger: logger}
}

func contentHash(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}

// CreateVersion implements spec.md §4.7's create_version: content-addressed
// dedup, dense version numbering, atomic current-pointer transfer.
func (m *Manager) CreateVersion(ctx context.Context, toolName, code string, createdBy store.Creator, improvementType store.ImprovementType, reason string, previousVersionID string, setAsCurrent bool) (string, error) {
	hash := contentHash(code)

	if existing, err := m.store.GetVersionByHash(ctx, toolName, hash); err != nil {
		return "", err
	} else if existing != nil {
		if setAsCurrent && !existing.IsCurrent {
			if err := m.store.SetCurrentVersion(ctx, toolName, existing.ID); err != nil {
				return "", err
			}
		}
		return existing.ID, nil
	}

	versionNumber, err := m.store.GetNextVersionNumber(ctx, toolName)
	if err != nil {
		return "", err
	}

	v := &store.ToolVersion{
		ID:              uuid.NewString(),
		ToolName:        toolName,
		VersionNumber:   versionNumber,
		Source:          code,
		ContentHash:     hash,
		IsCurrent:       false,
		CreatedBy:       createdBy,
		ImprovementType: improvementType,
		Reason:          reason,
		CreatedAt:       time.Now(),
	}
	if previousVersionID != "" {
		v.PreviousVersionID.String = previousVersionID
		v.PreviousVersionID.Valid = true
	}
	if err := m.store.InsertVersion(ctx, v); err != nil {
		return "", err
	}

	deployType := store.DeploymentUpdate
	if versionNumber == 1 {
		deployType = store.DeploymentInitial
	}
	if err := m.store.InsertDeployment(ctx, &store.VersionDeployment{
		ID:         uuid.NewString(),
		VersionID:  v.ID,
		ToolName:   toolName,
		Deployer:   string(createdBy),
		Type:       deployType,
		Reason:     reason,
		DeployedAt: time.Now(),
	}); err != nil {
		return "", err
	}

	if setAsCurrent {
		if err := m.store.SetCurrentVersion(ctx, toolName, v.ID); err != nil {
			return "", err
		}
	}

	return v.ID, nil
}

// RollbackToVersion implements spec.md §4.7's rollback_to_version.
func (m *Manager) RollbackToVersion(ctx context.Context, toolName, versionID, reason, deployedBy string) error {
	current, err := m.store.GetCurrentVersion(ctx, toolName)
	if err != nil {
		return err
	}

	target, err := m.store.GetVersion(ctx, versionID)
	if err != nil {
		return err
	}
	if target == nil {
		return core.NewEngineError("Manager.RollbackToVersion", "versionmanager", core.ErrVersionNotFound)
	}

	if current != nil && current.ID != target.ID {
		if err := m.store.MarkRolledBack(ctx, current.ID, reason, target.ID); err != nil {
			return err
		}
		if err := m.store.CloseOpenDeployment(ctx, current.ID, false); err != nil {
			return err
		}
	}

	if err := m.store.SetCurrentVersion(ctx, toolName, target.ID); err != nil {
		return err
	}

	if err := m.store.InsertDeployment(ctx, &store.VersionDeployment{
		ID:         uuid.NewString(),
		VersionID:  target.ID,
		ToolName:   toolName,
		Deployer:   deployedBy,
		Type:       store.DeploymentRollback,
		Reason:     reason,
		DeployedAt: time.Now(),
	}); err != nil {
		return err
	}

	if m.registry != nil {
		if err := writeToolSource(m.toolsDir, toolName, target.Source); err != nil {
			return err
		}
		if err := m.registry.Refresh(); err != nil {
			return err
		}
	}
	return nil
}

// RollbackTrigger is the result of check_immediate_rollback_needed.
type RollbackTrigger struct {
	Needed  bool
	Reason  string
	Details string
}

// CheckImmediateRollbackNeeded implements spec.md §4.7's conservative
// fast-rollback heuristic over the last 5 minutes of tool executions.
func (m *Manager) CheckImmediateRollbackNeeded(ctx context.Context, toolName string, executionsSince func(ctx context.Context, toolName string, since time.Time) ([]store.ToolExecution, error)) (RollbackTrigger, error) {
	executions, err := executionsSince(ctx, toolName, time.Now().Add(-5*time.Minute))
	if err != nil {
		return RollbackTrigger{}, err
	}
	if len(executions) < 3 {
		return RollbackTrigger{Needed: false}, nil
	}

	sort.Slice(executions, func(i, j int) bool { return executions[i].CreatedAt.Before(executions[j].CreatedAt) })

	consecutiveFailures := 0
	hasSignatureMarker := false
	for i := len(executions) - 1; i >= 0; i-- {
		if executions[i].Success {
			break
		}
		consecutiveFailures++
		lowered := strings.ToLower(executions[i].Error)
		if strings.Contains(lowered, "typeerror") || strings.Contains(lowered, "attributeerror") {
			hasSignatureMarker = true
		}
	}

	failedInWindow := 0
	for _, e := range executions {
		if !e.Success {
			failedInWindow++
		}
	}

	switch {
	case consecutiveFailures >= 3 && hasSignatureMarker:
		return RollbackTrigger{Needed: true, Reason: "signature_change", Details: "3+ consecutive failures mentioning TypeError/AttributeError"}, nil
	case consecutiveFailures >= 3:
		return RollbackTrigger{Needed: true, Reason: "consecutive_failures", Details: "3+ consecutive failures with no signature markers"}, nil
	case len(executions) >= 5 && failedInWindow == len(executions):
		return RollbackTrigger{Needed: true, Reason: "complete_failure", Details: "5+ attempts in window, 100% failed"}, nil
	default:
		return RollbackTrigger{Needed: false}, nil
	}
}

// CompareVersions implements spec.md §4.7's compare_versions.
func (m *Manager) CompareVersions(ctx context.Context, fromID, toID string) (*store.VersionDiff, error) {
	if cached, err := m.store.GetDiff(ctx, fromID, toID); err != nil {
		return nil, err
	} else if cached != nil {
		return cached, nil
	}

	from, err := m.store.GetVersion(ctx, fromID)
	if err != nil {
		return nil, err
	}
	to, err := m.store.GetVersion(ctx, toID)
	if err != nil {
		return nil, err
	}
	if from == nil || to == nil {
		return nil, core.NewEngineError("Manager.CompareVersions", "versionmanager", core.ErrVersionNotFound)
	}

	unified, added, removed := unifiedDiff(from.Source, to.Source)
	breaking, details := detectBreakingChanges(from.Source, to.Source)

	detailsJSON, _ := marshalStrings(details)
	diff := &store.VersionDiff{
		ID:              uuid.NewString(),
		FromVersionID:   fromID,
		ToVersionID:     toID,
		UnifiedDiff:     unified,
		LinesAdded:      added,
		LinesRemoved:    removed,
		BreakingChanges: breaking,
		BreakingDetails: detailsJSON,
		CreatedAt:       time.Now(),
	}
	if err := m.store.StoreDiff(ctx, diff); err != nil {
		return nil, err
	}
	return diff, nil
}

// UpdateVersionMetrics implements spec.md §4.7's update_version_metrics.
func (m *Manager) UpdateVersionMetrics(ctx context.Context, toolName string, executionsSince func(ctx context.Context, toolName string, since time.Time) ([]store.ToolExecution, error)) error {
	current, err := m.store.GetCurrentVersion(ctx, toolName)
	if err != nil {
		return err
	}
	if current == nil {
		return core.NewEngineError("Manager.UpdateVersionMetrics", "versionmanager", core.ErrNoCurrentVersion)
	}
	since := current.CreatedAt
	if current.LastDeployedAt.Valid {
		since = current.LastDeployedAt.Time
	}

	executions, err := executionsSince(ctx, toolName, since)
	if err != nil {
		return err
	}
	if len(executions) == 0 {
		return m.store.UpdateVersionMetrics(ctx, current.ID, 0, 0, 0)
	}

	var successes int
	var totalDuration int64
	for _, e := range executions {
		if e.Success {
			successes++
		}
		totalDuration += e.DurationMS
	}
	successRate := float64(successes) / float64(len(executions))
	avgDuration := float64(totalDuration) / float64(len(executions))

	return m.store.UpdateVersionMetrics(ctx, current.ID, successRate, len(executions), avgDuration)
}

func writeToolSource(dir, toolName, source string) error {
	return writeFile(dir, toolName+".go", source)
}

// detectBreakingChanges implements spec.md §4.7's breaking-change rule:
// (i) any top-level func/method name present in from but absent in to, or
// (ii) the execute entry point's parameter list differs.
func detectBreakingChanges(from, to string) (bool, []string) {
	fromFuncs, fromErr := topLevelFuncs(from)
	toFuncs, toErr := topLevelFuncs(to)
	if fromErr != nil || toErr != nil {
		return true, []string{"could not parse one or both versions for comparison"}
	}

	var details []string
	for name := range fromFuncs {
		if _, ok := toFuncs[name]; !ok {
			details = append(details, "function/method removed: "+name)
		}
	}

	if fromExec, ok := fromFuncs["Execute"]; ok {
		if toExec, ok := toFuncs["Execute"]; ok {
			if fromExec != toExec {
				details = append(details, "Execute signature changed: "+fromExec+" -> "+toExec)
			}
		}
	}

	sort.Strings(details)
	return len(details) > 0, details
}

func topLevelFuncs(source string) (map[string]string, error) {
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, "tool.go", source, parser.AllErrors)
	if err != nil {
		return nil, err
	}
	funcs := map[string]string{}
	for _, decl := range file.Decls {
		fn, ok := decl.(*ast.FuncDecl)
		if !ok {
			continue
		}
		name := fn.Name.Name
		funcs[name] = paramSignature(fn)
	}
	return funcs, nil
}

func paramSignature(fn *ast.FuncDecl) string {
	var parts []string
	for _, field := range fn.Type.Params.List {
		typeStr := exprString(field.Type)
		if len(field.Names) == 0 {
			parts = append(parts, typeStr)
			continue
		}
		for range field.Names {
			parts = append(parts, typeStr)
		}
	}
	return strings.Join(parts, ",")
}

func exprString(expr ast.Expr) string {
	switch t := expr.(type) {
	case *ast.Ident:
		return t.Name
	case *ast.SelectorExpr:
		return exprString(t.X) + "." + t.Sel.Name
	case *ast.StarExpr:
		return "*" + exprString(t.X)
	case *ast.MapType:
		return "map[" + exprString(t.Key) + "]" + exprString(t.Value)
	case *ast.InterfaceType:
		return "interface{}"
	case *ast.ArrayType:
		return "[]" + exprString(t.Elt)
	default:
		return "?"
	}
}

// unifiedDiff is a minimal line-level diff sufficient for the cached
// VersionDiff record: it does not attempt LCS alignment, only counts.
func unifiedDiff(from, to string) (unified string, added, removed int) {
	fromLines := strings.Split(from, "\n")
	toLines := strings.Split(to, "\n")

	fromSet := map[string]int{}
	for _, l := range fromLines {
		fromSet[l]++
	}
	toSet := map[string]int{}
	for _, l := range toLines {
		toSet[l]++
	}

	var sb strings.Builder
	for _, l := range fromLines {
		if toSet[l] > 0 {
			toSet[l]--
			continue
		}
		removed++
		sb.WriteString("-" + l + "\n")
	}
	for _, l := range toLines {
		if fromSet[l] > 0 {
			fromSet[l]--
			continue
		}
		added++
		sb.WriteString("+" + l + "\n")
	}
	return sb.String(), added, removed
}

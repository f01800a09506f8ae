// Package autoimprove implements Autonomous Improvement: it consumes
// Self-Investigation output and drives the detect -> generate -> validate
// -> deploy/rollback cycle via the Tool Forge and Tool Version Manager.
package autoimprove

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/neuralcore/engine/pkg/core"
	"github.com/neuralcore/engine/pkg/neurons"
	"github.com/neuralcore/engine/pkg/selfinvestigation"
	"github.com/neuralcore/engine/pkg/store"
	"github.com/neuralcore/engine/pkg/tools"
	"github.com/neuralcore/engine/pkg/versionmanager"
)

// OpportunityKind names the issue category behind an Improvement Opportunity.
type OpportunityKind string

const (
	KindHighFailure OpportunityKind = "high_failure"
	KindDegradation OpportunityKind = "degradation"
	KindPerformance OpportunityKind = "performance"
)

// Severity ranks an Improvement Opportunity for the safety cap.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// Status is an Improvement Opportunity's lifecycle stage.
type Status string

const (
	StatusDetected   Status = "detected"
	StatusAnalyzing  Status = "analyzing"
	StatusImproving  Status = "improving"
	StatusTesting    Status = "testing"
	StatusDeployed   Status = "deployed"
	StatusRejected   Status = "rejected"
)

// Opportunity is a transient Improvement Opportunity record.
type Opportunity struct {
	ToolName        string
	Kind            OpportunityKind
	Severity        Severity
	Metrics         store.ToolStatistics
	Evidence        []string
	Recommendations []string
	Status          Status
}

// Recommendation is an A/B Test Result's verdict.
type Recommendation string

const (
	RecommendDeploy         Recommendation = "deploy"
	RecommendContinueTesting Recommendation = "continue_testing"
	RecommendRollback       Recommendation = "rollback"
)

// ABTestResult is a transient A/B Test Result record.
type ABTestResult struct {
	ToolName            string
	OldMetrics          store.ToolStatistics
	NewMetrics          store.ToolStatistics
	SampleSize          int
	ImprovementDetected bool
	Confidence          float64
	Recommendation      Recommendation
}

const (
	slowToolThreshold = 5 * time.Second
	maxActedPerCycle  = 3
)

// Improver implements Autonomous Improvement.
type Improver struct {
	store        store.Store
	registry     *tools.Registry
	forge        *neurons.ToolForge
	versions     *versionmanager.Manager
	investigator *selfinvestigation.Investigator
	toolsDir     string
	logger       core.Logger

	enableRealImprovements bool
	enableAutoImprovement  bool
	confidenceThreshold    float64
	minSampleSize          int

	lastBackup map[string]string
}

// Config bundles Autonomous Improvement's dependencies and gates.
type Config struct {
	Store                 store.Store
	Registry               *tools.Registry
	Forge                  *neurons.ToolForge
	Versions               *versionmanager.Manager
	Investigator           *selfinvestigation.Investigator
	ToolsDir               string
	Logger                 core.Logger
	EnableRealImprovements bool
	EnableAutoImprovement  bool
	ConfidenceThreshold    float64
	MinSampleSize          int
}

// New builds an Improver.
func New(cfg Config) *Improver {
	if cfg.Logger == nil {
		cfg.Logger = core.NoOpLogger{}
	}
	if cfg.ConfidenceThreshold <= 0 {
		cfg.ConfidenceThreshold = 0.80
	}
	if cfg.MinSampleSize <= 0 {
		cfg.MinSampleSize = 20
	}
	return &Improver{
		store:                  cfg.Store,
		registry:               cfg.Registry,
		forge:                  cfg.Forge,
		versions:               cfg.Versions,
		investigator:           cfg.Investigator,
		toolsDir:               cfg.ToolsDir,
		logger:                 cfg.Logger,
		enableRealImprovements: cfg.EnableRealImprovements,
		enableAutoImprovement:  cfg.EnableAutoImprovement,
		confidenceThreshold:    cfg.ConfidenceThreshold,
		minSampleSize:          cfg.MinSampleSize,
		lastBackup:             map[string]string{},
	}
}

// DetectOpportunities implements detect_opportunities(): combines
// investigate_health, detect_degradation, and a direct scan for slow tools.
func (im *Improver) DetectOpportunities(ctx context.Context) ([]Opportunity, error) {
	var opportunities []Opportunity

	health, err := im.investigator.InvestigateHealth(ctx)
	if err != nil {
		return nil, err
	}
	for _, issue := range health.Issues {
		if issue.Kind != "high_failure" {
			continue
		}
		stats, err := im.store.GetToolStatistics(ctx, issue.ToolName)
		if err != nil || stats == nil {
			continue
		}
		severity := SeverityHigh
		if stats.SuccessRate < 0.2 {
			severity = SeverityCritical
		}
		opportunities = append(opportunities, Opportunity{
			ToolName: issue.ToolName,
			Kind:     KindHighFailure,
			Severity: severity,
			Metrics:  *stats,
			Evidence: []string{issue.Detail},
			Recommendations: []string{"forge a replacement implementation addressing the dominant failure pattern"},
			Status:   StatusDetected,
		})
	}

	degrading, err := im.investigator.DetectDegradation(ctx, 20)
	if err != nil {
		return nil, err
	}
	for _, d := range degrading {
		stats, err := im.store.GetToolStatistics(ctx, d.ToolName)
		if err != nil || stats == nil {
			continue
		}
		severity := SeverityMedium
		if d.Severity == "high" {
			severity = SeverityHigh
		}
		opportunities = append(opportunities, Opportunity{
			ToolName: d.ToolName,
			Kind:     KindDegradation,
			Severity: severity,
			Metrics:  *stats,
			Evidence: []string{fmt.Sprintf("recent success rate %.2f vs historical %.2f", d.RecentRate, d.HistoricalRate)},
			Recommendations: []string{"investigate recent upstream/API changes before forging a fix"},
			Status:   StatusDetected,
		})
	}

	slow, err := im.scanSlowTools(ctx)
	if err != nil {
		return nil, err
	}
	opportunities = append(opportunities, slow...)

	sort.SliceStable(opportunities, func(i, j int) bool {
		return severityRank(opportunities[i].Severity) < severityRank(opportunities[j].Severity)
	})
	return opportunities, nil
}

func (im *Improver) scanSlowTools(ctx context.Context) ([]Opportunity, error) {
	tops, err := im.store.GetTopTools(ctx, 50, im.minSampleSize)
	if err != nil {
		return nil, err
	}
	var out []Opportunity
	for _, stat := range tops {
		if time.Duration(stat.AvgDurationMS)*time.Millisecond <= slowToolThreshold {
			continue
		}
		out = append(out, Opportunity{
			ToolName: stat.ToolName,
			Kind:     KindPerformance,
			Severity: SeverityMedium,
			Metrics:  stat,
			Evidence: []string{fmt.Sprintf("average duration %.0fms over %d executions", stat.AvgDurationMS, stat.TotalExecutions)},
			Recommendations: []string{"forge a faster implementation or cache expensive sub-calls"},
			Status:   StatusDetected,
		})
	}
	return out, nil
}

func severityRank(s Severity) int {
	switch s {
	case SeverityCritical:
		return 0
	case SeverityHigh:
		return 1
	case SeverityMedium:
		return 2
	default:
		return 3
	}
}

// ImproveTool implements improve_tool(name): reads current source, buckets
// failure strings by frequency, and asks the Tool Forge for a replacement.
// If enableRealImprovements is false, it returns a placeholder so the rest
// of the cycle (validate/deploy) can still be exercised deterministically.
func (im *Improver) ImproveTool(ctx context.Context, goalID, toolName string) (neurons.ForgeResult, error) {
	t, err := im.registry.Get(toolName)
	if err != nil {
		return neurons.ForgeResult{}, err
	}
	meta := t.Describe()
	currentSource, err := im.readCurrentSource(toolName)
	if err != nil {
		return neurons.ForgeResult{}, err
	}

	if !im.enableRealImprovements {
		return neurons.ForgeResult{Source: currentSource, ClassName: toolName, Valid: true}, nil
	}

	failureAnalysis, err := im.summarizeFailures(ctx, toolName)
	if err != nil {
		return neurons.ForgeResult{}, err
	}

	return im.forge.Process(ctx, goalID, toolName, meta.Description, currentSource, failureAnalysis)
}

func (im *Improver) readCurrentSource(toolName string) (string, error) {
	data, err := os.ReadFile(filepath.Join(im.toolsDir, toolName+".go"))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// summarizeFailures buckets recent error strings by frequency, descending.
func (im *Improver) summarizeFailures(ctx context.Context, toolName string) (string, error) {
	executions, err := im.store.GetToolExecutions(ctx, toolName, time.Now().Add(-7*24*time.Hour))
	if err != nil {
		return "", err
	}
	buckets := map[string]int{}
	for _, e := range executions {
		if e.Success || e.Error == "" {
			continue
		}
		buckets[e.Error]++
	}
	type kv struct {
		msg   string
		count int
	}
	var sorted []kv
	for msg, count := range buckets {
		sorted = append(sorted, kv{msg, count})
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].count > sorted[j].count })

	var sb strings.Builder
	for i, b := range sorted {
		if i >= 5 {
			break
		}
		fmt.Fprintf(&sb, "%dx: %s\n", b.count, b.msg)
	}
	return sb.String(), nil
}

// ValidateImprovement implements validate_improvement(): confidence scales
// with sample size, recommendation follows the improvement/confidence matrix.
func (im *Improver) ValidateImprovement(ctx context.Context, toolName string, oldMetrics, newMetrics store.ToolStatistics) ABTestResult {
	sampleSize := newMetrics.TotalExecutions
	confidence := confidenceForSampleSize(sampleSize)
	improved := newMetrics.SuccessRate > oldMetrics.SuccessRate

	var rec Recommendation
	switch {
	case improved && confidence > 0.80:
		rec = RecommendDeploy
	case !improved && confidence > 0.80:
		rec = RecommendRollback
	default:
		rec = RecommendContinueTesting
	}

	return ABTestResult{
		ToolName:            toolName,
		OldMetrics:          oldMetrics,
		NewMetrics:          newMetrics,
		SampleSize:          sampleSize,
		ImprovementDetected: improved,
		Confidence:          confidence,
		Recommendation:      rec,
	}
}

func confidenceForSampleSize(n int) float64 {
	switch {
	case n >= 100:
		return 0.95
	case n >= 50:
		return 0.85
	case n >= 20:
		return 0.70
	default:
		return 0.50
	}
}

// DeployImprovement implements deploy_improvement(name, source): backup,
// atomic write, registry refresh, loadability verification, restore-on-
// failure, and version recording.
func (im *Improver) DeployImprovement(ctx context.Context, toolName, newSource, reason string) error {
	path := filepath.Join(im.toolsDir, toolName+".go")

	original, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	backupsDir := filepath.Join(im.toolsDir, "backups")
	if err := os.MkdirAll(backupsDir, 0o755); err != nil {
		return err
	}
	backupPath := filepath.Join(backupsDir, fmt.Sprintf("%s_backup_%d", toolName, time.Now().UnixNano()))
	if err := os.WriteFile(backupPath, original, 0o644); err != nil {
		return err
	}
	if err := os.WriteFile(backupPath+".meta.json", []byte(fmt.Sprintf(`{"tool_name":%q,"backed_up_at":%q}`, toolName, time.Now().Format(time.RFC3339))), 0o644); err != nil {
		return err
	}
	im.lastBackup[toolName] = backupPath

	if err := im.atomicWrite(path, newSource); err != nil {
		return err
	}

	if err := im.registry.Refresh(); err != nil {
		im.restore(path, backupPath)
		_ = im.registry.Refresh()
		return err
	}

	if _, err := im.registry.Get(toolName); err != nil {
		im.restore(path, backupPath)
		_ = im.registry.Refresh()
		return core.NewEngineError("Improver.DeployImprovement", "autoimprove", core.ErrToolNotFound)
	}

	if im.versions != nil {
		if _, err := im.versions.CreateVersion(ctx, toolName, newSource, store.CreatorAutonomous, store.ImprovementBugfix, reason, "", true); err != nil {
			im.logger.Warn("deploy_improvement: version recording failed after successful deploy", map[string]interface{}{"tool": toolName, "error": err.Error()})
		}
	}
	return nil
}

func (im *Improver) atomicWrite(path, content string) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(content), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (im *Improver) restore(path, backupPath string) {
	data, err := os.ReadFile(backupPath)
	if err != nil {
		im.logger.Error("deploy_improvement: could not read backup for restore", map[string]interface{}{"backup": backupPath, "error": err.Error()})
		return
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		im.logger.Error("deploy_improvement: could not restore backup", map[string]interface{}{"path": path, "error": err.Error()})
	}
}

// RollbackImprovement implements rollback_improvement(name, reason): the
// dual of deploy, restoring the last backup taken for toolName.
func (im *Improver) RollbackImprovement(ctx context.Context, toolName, reason string) error {
	backupPath, ok := im.lastBackup[toolName]
	if !ok {
		return core.ErrBackupMissing
	}
	path := filepath.Join(im.toolsDir, toolName+".go")
	im.restore(path, backupPath)
	if err := im.registry.Refresh(); err != nil {
		return err
	}
	if _, err := im.registry.Get(toolName); err != nil {
		return err
	}
	return nil
}

// RunCycle drives one end-to-end autonomous improvement cycle: detect,
// and for up to maxActedPerCycle critical/high opportunities, improve,
// validate, and (gate permitting) deploy.
func (im *Improver) RunCycle(ctx context.Context, goalID string, sampleAfter func(toolName string) store.ToolStatistics) ([]ABTestResult, error) {
	opportunities, err := im.DetectOpportunities(ctx)
	if err != nil {
		return nil, err
	}

	acted := 0
	var results []ABTestResult
	for _, opp := range opportunities {
		if acted >= maxActedPerCycle {
			break
		}
		if opp.Severity != SeverityCritical && opp.Severity != SeverityHigh {
			continue
		}
		acted++

		forged, err := im.ImproveTool(ctx, goalID, opp.ToolName)
		if err != nil || !forged.Valid {
			im.logger.Warn("autonomous improvement: forge failed or produced invalid source", map[string]interface{}{"tool": opp.ToolName})
			continue
		}

		newMetrics := opp.Metrics
		if sampleAfter != nil {
			newMetrics = sampleAfter(opp.ToolName)
		}
		ab := im.ValidateImprovement(ctx, opp.ToolName, opp.Metrics, newMetrics)
		results = append(results, ab)

		if im.enableAutoImprovement && ab.Confidence >= im.confidenceThreshold && ab.Recommendation == RecommendDeploy {
			if err := im.DeployImprovement(ctx, opp.ToolName, forged.Source, "autonomous improvement cycle"); err != nil {
				im.logger.Error("autonomous improvement: deploy failed", map[string]interface{}{"tool": opp.ToolName, "error": err.Error()})
			}
		}
	}
	return results, nil
}

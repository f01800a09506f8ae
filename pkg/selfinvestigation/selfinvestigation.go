// Package selfinvestigation implements Self-Investigation: periodically
// queries the Execution Store to compute a health score, detect anomalies
// and degradation, and emit alerts onto the event bus.
package selfinvestigation

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/neuralcore/engine/pkg/core"
	"github.com/neuralcore/engine/pkg/store"
)

// Status is the coarse health-status bucket.
type Status string

const (
	StatusHealthy Status = "healthy"
	StatusWarning Status = "warning"
	StatusCritical Status = "critical"
	StatusNoData  Status = "no_data"
)

// Issue is a single detected problem surfaced by investigate_health.
type Issue struct {
	Kind     string  `json:"kind"`
	Severity string  `json:"severity"`
	ToolName string  `json:"tool_name,omitempty"`
	Detail   string  `json:"detail"`
}

// Health is the result of investigate_health().
type Health struct {
	HealthScore    float64  `json:"health_score"`
	Status         Status   `json:"status"`
	ToolCategories map[string][]string `json:"tool_categories"`
	Issues         []Issue  `json:"issues"`
	Insights       []string `json:"insights"`
	BestPerformer  string   `json:"best_performer,omitempty"`
	WorstPerformer string   `json:"worst_performer,omitempty"`
	DurationMS     int64    `json:"duration_ms"`
	InvestigationID string  `json:"investigation_id"`
}

// Anomaly is one rolling-baseline deviation.
type Anomaly struct {
	Kind     string `json:"kind"`
	Severity string `json:"severity"`
	ToolName string `json:"tool_name,omitempty"`
	Detail   string `json:"detail"`
}

// DegradingTool is one tool whose recent success rate trails its
// historical rate.
type DegradingTool struct {
	ToolName           string  `json:"tool_name"`
	HistoricalRate     float64 `json:"historical_rate"`
	RecentRate         float64 `json:"recent_rate"`
	Severity           string  `json:"severity"`
}

const (
	defaultInterval    = 300 * time.Second
	recentFailureWindow = 1 * time.Hour
	highFailureThreshold = 5
	slowExecutionThreshold = 5 * time.Second
)

var healthScoreGauge = prometheus.NewGauge(prometheus.GaugeOpts{
	Name: "engine_self_investigation_health_score",
	Help: "Last computed system health score in [0,1].",
})

func init() {
	_ = prometheus.Register(healthScoreGauge)
}

// Investigator implements Self-Investigation.
type Investigator struct {
	store    store.Store
	bus      *core.EventBus
	logger   core.Logger
	interval time.Duration

	mu          sync.Mutex
	baseline    float64
	baselineSet bool
	knownIssues map[string]struct{}

	stopCh chan struct{}
	wg     sync.WaitGroup
	started bool
}

// New builds an Investigator. interval<=0 uses the default 300s cadence.
func New(st store.Store, bus *core.EventBus, logger core.Logger, interval time.Duration) *Investigator {
	if logger == nil {
		logger = core.NoOpLogger{}
	}
	if interval <= 0 {
		interval = defaultInterval
	}
	return &Investigator{
		store:       st,
		bus:         bus,
		logger:      logger,
		interval:    interval,
		knownIssues: map[string]struct{}{},
	}
}

// InvestigateHealth implements investigate_health(). It can be called
// synchronously (e.g. from a directive goal) or from the background loop.
func (inv *Investigator) InvestigateHealth(ctx context.Context) (Health, error) {
	start := time.Now()
	views, err := inv.store.GetToolPerformanceView(ctx)
	if err != nil {
		return Health{}, err
	}
	investigationID := uuid.NewString()

	if len(views) == 0 {
		return Health{
			Status:          StatusNoData,
			ToolCategories:  map[string][]string{},
			DurationMS:      time.Since(start).Milliseconds(),
			InvestigationID: investigationID,
		}, nil
	}

	categories := map[string][]string{"excellent": {}, "good": {}, "struggling": {}, "failing": {}}
	var weighted, weight float64
	var issues []Issue
	var best, worst string
	bestRate, worstRate := -1.0, 2.0

	for _, v := range views {
		bucket, score := bucketFor(v.SuccessRate)
		categories[bucket] = append(categories[bucket], v.ToolName)
		weighted += score
		weight++

		if v.SuccessRate > bestRate {
			bestRate = v.SuccessRate
			best = v.ToolName
		}
		if v.SuccessRate < worstRate {
			worstRate = v.SuccessRate
			worst = v.ToolName
		}

		switch bucket {
		case "failing":
			issues = append(issues, Issue{Kind: "high_failure", Severity: "high", ToolName: v.ToolName,
				Detail: fmt.Sprintf("%s success rate %.0f%% over %d executions", v.ToolName, v.SuccessRate*100, v.TotalExecutions)})
		case "struggling":
			issues = append(issues, Issue{Kind: "struggling_tool", Severity: "medium", ToolName: v.ToolName,
				Detail: fmt.Sprintf("%s success rate %.0f%%", v.ToolName, v.SuccessRate*100)})
		}
		if v.RecentFailures > highFailureThreshold {
			issues = append(issues, Issue{Kind: "failure_volume", Severity: "medium", ToolName: v.ToolName,
				Detail: fmt.Sprintf("%s had %d recent failures", v.ToolName, v.RecentFailures)})
		}
		if time.Duration(v.AvgDurationMS)*time.Millisecond > slowExecutionThreshold {
			issues = append(issues, Issue{Kind: "slow_execution", Severity: "low", ToolName: v.ToolName,
				Detail: fmt.Sprintf("%s averages %.0fms per call", v.ToolName, v.AvgDurationMS)})
		}
	}

	healthScore := 0.0
	if weight > 0 {
		healthScore = weighted / weight
	}
	status := statusFor(healthScore)
	healthScoreGauge.Set(healthScore)

	insights := buildInsights(categories, issues)

	h := Health{
		HealthScore:     healthScore,
		Status:          status,
		ToolCategories:  categories,
		Issues:          issues,
		Insights:        insights,
		BestPerformer:   best,
		WorstPerformer:  worst,
		DurationMS:      time.Since(start).Milliseconds(),
		InvestigationID: investigationID,
	}
	inv.maybeAlert(h)
	return h, nil
}

func bucketFor(rate float64) (string, float64) {
	switch {
	case rate >= 0.9:
		return "excellent", 1.0
	case rate >= 0.7:
		return "good", 0.75
	case rate >= 0.5:
		return "struggling", 0.5
	default:
		return "failing", 0.0
	}
}

func statusFor(score float64) Status {
	switch {
	case score >= 0.8:
		return StatusHealthy
	case score >= 0.6:
		return StatusWarning
	default:
		return StatusCritical
	}
}

func buildInsights(categories map[string][]string, issues []Issue) []string {
	var insights []string
	if n := len(categories["excellent"]); n > 0 {
		insights = append(insights, fmt.Sprintf("%d tool(s) performing excellently", n))
	}
	if n := len(categories["failing"]); n > 0 {
		insights = append(insights, fmt.Sprintf("%d tool(s) failing more than half their calls", n))
	}
	if len(issues) == 0 {
		insights = append(insights, "no outstanding issues detected")
	}
	return insights
}

// DetectAnomalies maintains a rolling baseline health score across calls
// and reports deviations from it.
func (inv *Investigator) DetectAnomalies(ctx context.Context) ([]Anomaly, error) {
	h, err := inv.InvestigateHealth(ctx)
	if err != nil {
		return nil, err
	}

	inv.mu.Lock()
	defer inv.mu.Unlock()

	var anomalies []Anomaly
	if inv.baselineSet {
		drop := inv.baseline - h.HealthScore
		switch {
		case drop > 0.20:
			anomalies = append(anomalies, Anomaly{Kind: "health_degradation", Severity: "high",
				Detail: fmt.Sprintf("health score dropped %.2f from baseline %.2f", drop, inv.baseline)})
		case drop > 0.10:
			anomalies = append(anomalies, Anomaly{Kind: "health_degradation", Severity: "medium",
				Detail: fmt.Sprintf("health score dropped %.2f from baseline %.2f", drop, inv.baseline)})
		}
	}
	// exponential moving average keeps the baseline responsive without
	// letting one noisy cycle dominate it.
	if inv.baselineSet {
		inv.baseline = 0.7*inv.baseline + 0.3*h.HealthScore
	} else {
		inv.baseline = h.HealthScore
		inv.baselineSet = true
	}

	recentFailures := 0
	if views, err := inv.store.GetToolPerformanceView(ctx); err == nil {
		for _, v := range views {
			recentFailures += v.RecentFailures
		}
	}
	if recentFailures > 10 {
		spike := Anomaly{Kind: "failure_spike", Severity: "high",
			Detail: fmt.Sprintf("%d recent failures across tools", recentFailures)}
		anomalies = append(anomalies, spike)
		inv.alertAnomaly(spike)
	}

	for _, i := range h.Issues {
		if i.Severity != "high" {
			continue
		}
		key := i.Kind + "/" + i.ToolName
		if _, seen := inv.knownIssues[key]; seen {
			continue
		}
		inv.knownIssues[key] = struct{}{}
		newFailure := Anomaly{Kind: "new_failure", Severity: "high", ToolName: i.ToolName, Detail: i.Detail}
		anomalies = append(anomalies, newFailure)
		inv.alertAnomaly(newFailure)
	}

	return anomalies, nil
}

// alertAnomaly publishes a new high-severity anomaly onto the bus. Called
// for new_failure anomalies that passed the knownIssues dedup check, so each
// such issue alerts once, and for failure_spike on every call that finds
// recent failures above its threshold.
func (inv *Investigator) alertAnomaly(a Anomaly) {
	detail := a.Detail
	if a.ToolName != "" {
		detail = a.ToolName + ": " + detail
	}
	core.Emit(inv.bus, core.Event{Kind: core.EventFailed, Component: "self_investigation", Error: detail})
}

// DetectDegradation compares recent vs. historical success rate for the
// top-N most-used tools.
func (inv *Investigator) DetectDegradation(ctx context.Context, topN int) ([]DegradingTool, error) {
	tops, err := inv.store.GetTopTools(ctx, topN, 10)
	if err != nil {
		return nil, err
	}

	var degrading []DegradingTool
	since := time.Now().Add(-recentFailureWindow)
	for _, stat := range tops {
		executions, err := inv.store.GetToolExecutions(ctx, stat.ToolName, since)
		if err != nil {
			inv.logger.Warn("detect_degradation: failed to load recent executions", map[string]interface{}{"tool": stat.ToolName, "error": err.Error()})
			continue
		}
		if len(executions) == 0 {
			continue
		}
		successes := 0
		for _, e := range executions {
			if e.Success {
				successes++
			}
		}
		recentRate := float64(successes) / float64(len(executions))
		if recentRate >= stat.SuccessRate {
			continue
		}
		severity := "medium"
		if recentRate < 0.5 {
			severity = "high"
		}
		degrading = append(degrading, DegradingTool{
			ToolName:       stat.ToolName,
			HistoricalRate: stat.SuccessRate,
			RecentRate:     recentRate,
			Severity:       severity,
		})
	}

	sort.Slice(degrading, func(i, j int) bool { return degrading[i].RecentRate < degrading[j].RecentRate })
	return degrading, nil
}

func (inv *Investigator) maybeAlert(h Health) {
	if h.Status == StatusCritical {
		core.Emit(inv.bus, core.Event{Kind: core.EventFailed, Component: "self_investigation", Error: "system health is critical"})
	}
}

// Start launches the background investigation loop. Idempotent: calling
// Start on an already-started Investigator is a no-op.
func (inv *Investigator) Start(ctx context.Context) {
	inv.mu.Lock()
	if inv.started {
		inv.mu.Unlock()
		return
	}
	inv.started = true
	inv.stopCh = make(chan struct{})
	inv.mu.Unlock()

	inv.wg.Add(1)
	go func() {
		defer inv.wg.Done()
		ticker := time.NewTicker(inv.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-inv.stopCh:
				return
			case <-ticker.C:
				if _, err := inv.DetectAnomalies(ctx); err != nil {
					inv.logger.Warn("self-investigation cycle failed", map[string]interface{}{"error": err.Error()})
				}
			}
		}
	}()
}

// Stop halts the background loop, waiting up to 5s for it to exit.
func (inv *Investigator) Stop() {
	inv.mu.Lock()
	if !inv.started {
		inv.mu.Unlock()
		return
	}
	close(inv.stopCh)
	inv.started = false
	inv.mu.Unlock()

	done := make(chan struct{})
	go func() {
		inv.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
	}
}

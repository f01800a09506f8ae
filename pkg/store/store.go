package store

import (
	"context"
	"time"
)

// Store is the Execution Store contract (spec.md §4.5): five write
// operations, a set of bounded read operations, and the version-manager
// operations used exclusively by pkg/versionmanager.
type Store interface {
	// Writes
	StoreExecution(ctx context.Context, goalText string) (goalID string, err error)
	FinalizeExecution(ctx context.Context, goalID string, intent Intent, success bool, errMsg string, duration time.Duration, metadata map[string]interface{}) error
	StoreToolExecution(ctx context.Context, goalID, toolName string, params, result []byte, success bool, errMsg string, duration time.Duration) (string, error)
	StoreFeedback(ctx context.Context, goalID string, rating int, text string) error
	RecordToolCreation(ctx context.Context, toolName string, createdBy Creator, reason string) error

	// Reads
	GetExecution(ctx context.Context, goalID string) (*ExecutionRecord, error)
	GetRecentExecutions(ctx context.Context, limit int) ([]ExecutionRecord, error)
	GetToolStatistics(ctx context.Context, toolName string) (*ToolStatistics, error)
	GetTopTools(ctx context.Context, limit int, minExecutions int) ([]ToolStatistics, error)
	GetToolExecutions(ctx context.Context, toolName string, since time.Time) ([]ToolExecution, error)
	GetToolPerformanceView(ctx context.Context) ([]ToolPerformanceView, error)
	GetSuccessRate(ctx context.Context, intent *Intent) (float64, error)
	UpdateStatistics(ctx context.Context) error

	// Version-manager operations (pkg/versionmanager is the sole caller)
	VersionStore

	Close() error
}

// VersionStore is the subset of persistence operations the Tool Version
// Manager needs; it is the only writer of these tables (spec.md §3
// Ownership).
type VersionStore interface {
	GetCurrentVersion(ctx context.Context, toolName string) (*ToolVersion, error)
	GetVersionByHash(ctx context.Context, toolName, contentHash string) (*ToolVersion, error)
	GetVersion(ctx context.Context, versionID string) (*ToolVersion, error)
	GetNextVersionNumber(ctx context.Context, toolName string) (int, error)
	InsertVersion(ctx context.Context, v *ToolVersion) error
	SetCurrentVersion(ctx context.Context, toolName, versionID string) error
	MarkRolledBack(ctx context.Context, versionID, reason, replacedByID string) error
	InsertDeployment(ctx context.Context, d *VersionDeployment) error
	CloseOpenDeployment(ctx context.Context, versionID string, success bool) error
	GetDiff(ctx context.Context, fromID, toID string) (*VersionDiff, error)
	StoreDiff(ctx context.Context, d *VersionDiff) error
	UpdateVersionMetrics(ctx context.Context, versionID string, successRate float64, total int, avgDurationMS float64) error
}

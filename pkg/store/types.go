// Package store is the Execution Store: the durable, append-mostly record
// of goal executions, tool executions, feedback, tool statistics, tool
// creation events, and the full tool-version history the Version Manager
// writes through it.
package store

import (
	"database/sql"
	"time"
)

// Intent is the coarse classification of a goal.
type Intent string

const (
	IntentGenerative Intent = "generative"
	IntentToolUse    Intent = "tool_use"
	IntentUnknown    Intent = "unknown"
)

// Creator distinguishes a human-authored tool version from one Autonomous
// Improvement wrote.
type Creator string

const (
	CreatorHuman      Creator = "human"
	CreatorAutonomous Creator = "autonomous"
)

// ImprovementType classifies why a tool version was created.
type ImprovementType string

const (
	ImprovementInitial     ImprovementType = "initial"
	ImprovementBugfix      ImprovementType = "bugfix"
	ImprovementEnhancement ImprovementType = "enhancement"
	ImprovementRollback    ImprovementType = "rollback"
)

// GoalExecution is one user goal's lifecycle record. Created at goal entry,
// finalized exactly once when the pipeline returns or fails, never mutated
// after.
type GoalExecution struct {
	ID        string         `db:"id" json:"execution_id"`
	GoalText  string         `db:"goal_text" json:"goal_text"`
	Intent    sql.NullString `db:"intent" json:"-"`
	Success   sql.NullBool   `db:"success" json:"-"`
	Error     sql.NullString `db:"error" json:"-"`
	Metadata  []byte         `db:"metadata" json:"-"`
	CreatedAt time.Time      `db:"created_at" json:"created_at"`
	FinishedAt sql.NullTime  `db:"finished_at" json:"-"`
	DurationMS sql.NullInt64 `db:"duration_ms" json:"-"`
}

// ToolExecution is a child of a GoalExecution: one row per attempted
// invocation of a tool, including retry attempts.
type ToolExecution struct {
	ID         string    `db:"id"`
	GoalID     string    `db:"goal_id"`
	ToolName   string    `db:"tool_name"`
	Params     []byte    `db:"params"`
	Result     []byte    `db:"result"`
	Success    bool      `db:"success"`
	Error      string    `db:"error"`
	DurationMS int64     `db:"duration_ms"`
	CreatedAt  time.Time `db:"created_at"`
}

// Feedback is at most one rating+text per GoalExecution.
type Feedback struct {
	ID        string    `db:"id"`
	GoalID    string    `db:"goal_id"`
	Rating    int       `db:"rating"`
	Text      string    `db:"text"`
	CreatedAt time.Time `db:"created_at"`
}

// ToolStatistics is the derived, eventually-consistent rollup per tool.
type ToolStatistics struct {
	ToolName        string    `db:"tool_name"`
	TotalExecutions int       `db:"total_executions"`
	Successes       int       `db:"successes"`
	Failures        int       `db:"failures"`
	SuccessRate     float64   `db:"success_rate"`
	AvgDurationMS   float64   `db:"avg_duration_ms"`
	FirstUsed       time.Time `db:"first_used"`
	LastUsed        time.Time `db:"last_used"`
}

// ToolVersion is one content-addressed revision of a tool's source.
type ToolVersion struct {
	ID                string          `db:"id"`
	ToolName          string          `db:"tool_name"`
	VersionNumber     int             `db:"version_number"`
	Source            string          `db:"source"`
	ContentHash       string          `db:"content_hash"`
	IsCurrent         bool            `db:"is_current"`
	CreatedBy         Creator         `db:"created_by"`
	ImprovementType   ImprovementType `db:"improvement_type"`
	Reason            string          `db:"reason"`
	PreviousVersionID sql.NullString  `db:"previous_version_id"`
	DeploymentCount   int             `db:"deployment_count"`
	FirstDeployedAt   sql.NullTime    `db:"first_deployed_at"`
	LastDeployedAt    sql.NullTime    `db:"last_deployed_at"`
	SuccessRate       float64         `db:"success_rate"`
	TotalExecutions   int             `db:"total_executions"`
	AvgDurationMS     float64         `db:"avg_duration_ms"`
	WasRolledBack     bool            `db:"was_rolled_back"`
	RolledBackAt      sql.NullTime    `db:"rolled_back_at"`
	RollbackReason    string          `db:"rollback_reason"`
	ReplacedByID      sql.NullString  `db:"replaced_by_version_id"`
	CreatedAt         time.Time       `db:"created_at"`
}

// DeploymentType classifies a VersionDeployment row.
type DeploymentType string

const (
	DeploymentInitial  DeploymentType = "initial"
	DeploymentUpdate   DeploymentType = "update"
	DeploymentRollback DeploymentType = "rollback"
)

// VersionDeployment is an append-only audit log entry: a version
// transitions from "current" to "undeployed" when a new current is chosen.
type VersionDeployment struct {
	ID           string         `db:"id"`
	VersionID    string         `db:"version_id"`
	ToolName     string         `db:"tool_name"`
	Deployer     string         `db:"deployer"`
	Type         DeploymentType `db:"deployment_type"`
	Reason       string         `db:"reason"`
	DeployedAt   time.Time      `db:"deployed_at"`
	UndeployedAt sql.NullTime   `db:"undeployed_at"`
	WasSuccessful sql.NullBool  `db:"was_successful"`
}

// VersionDiff is cached on first comparison between two versions of the
// same tool.
type VersionDiff struct {
	ID               string    `db:"id"`
	FromVersionID    string    `db:"from_version_id"`
	ToVersionID      string    `db:"to_version_id"`
	UnifiedDiff      string    `db:"unified_diff"`
	LinesAdded       int       `db:"lines_added"`
	LinesRemoved     int       `db:"lines_removed"`
	BreakingChanges  bool      `db:"breaking_changes"`
	BreakingDetails  []byte    `db:"breaking_details"` // JSON []string
	CreatedAt        time.Time `db:"created_at"`
}

// ToolCreationEvent records a brand-new tool being created (distinct from a
// version update of an existing tool). Restored from the original source's
// tool_creation_events table, dropped by the distillation.
type ToolCreationEvent struct {
	ID        string    `db:"id"`
	ToolName  string    `db:"tool_name"`
	CreatedBy Creator   `db:"created_by"`
	Reason    string    `db:"reason"`
	CreatedAt time.Time `db:"created_at"`
}

// ExecutionRecord is the stable, HTTP-facing shape of a GoalExecution
// (spec.md §6 "Execution-record shape").
type ExecutionRecord struct {
	ExecutionID string                 `json:"execution_id"`
	GoalID      string                 `json:"goal_id"`
	GoalText    string                 `json:"goal_text"`
	Intent      string                 `json:"intent"`
	Success     bool                   `json:"success"`
	Error       string                 `json:"error,omitempty"`
	DurationMS  int64                  `json:"duration_ms"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
}

// ToolPerformanceView combines statistics, current version, and recency
// for a single tool, the read used by the HTTP /api/v1/tools surface and
// by Self-Investigation. Restored from the original's analytics rollup.
type ToolPerformanceView struct {
	ToolName        string  `json:"tool_name"`
	TotalExecutions int     `json:"total_executions"`
	SuccessRate     float64 `json:"success_rate"`
	AvgDurationMS   float64 `json:"avg_duration_ms"`
	CurrentVersion  int     `json:"current_version"`
	RecentFailures  int     `json:"recent_failures"`
}

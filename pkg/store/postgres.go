package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/neuralcore/engine/pkg/core"
)

// PostgresStore is the Store implementation backed by Postgres via sqlx.
// The connection pool is bounded (MaxOpenConns/MaxIdleConns); every public
// method acquires nothing extra beyond sqlx's pool and releases on every
// return path by virtue of using defer rows.Close()/no held state.
type PostgresStore struct {
	db     *sqlx.DB
	logger core.Logger
}

// Open connects to Postgres, bounds the pool, and verifies connectivity.
func Open(ctx context.Context, dsn string, maxOpen, maxIdle int, logger core.Logger) (*PostgresStore, error) {
	if logger == nil {
		logger = core.NoOpLogger{}
	}
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, core.NewEngineError("store.Open", "storage", err)
	}
	if maxOpen <= 0 {
		maxOpen = 10
	}
	if maxIdle <= 0 {
		maxIdle = 5
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, core.NewEngineError("store.Open", "storage", err)
	}
	return &PostgresStore{db: db, logger: logger}, nil
}

func (s *PostgresStore) Close() error { return s.db.Close() }

func newID() string { return uuid.New().String() }

// --- Writes -----------------------------------------------------------

func (s *PostgresStore) StoreExecution(ctx context.Context, goalText string) (string, error) {
	if goalText == "" {
		return "", core.ErrGoalEmpty
	}
	id := newID()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO executions (id, goal_text, created_at) VALUES ($1, $2, now())`,
		id, goalText,
	)
	if err != nil {
		return "", core.NewEngineError("StoreExecution", "storage", err)
	}
	return id, nil
}

func (s *PostgresStore) FinalizeExecution(ctx context.Context, goalID string, intent Intent, success bool, errMsg string, duration time.Duration, metadata map[string]interface{}) error {
	meta, err := json.Marshal(metadata)
	if err != nil {
		return core.NewEngineError("FinalizeExecution", "storage", err)
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE executions SET intent=$1, success=$2, error=NULLIF($3,''), metadata=$4,
		 duration_ms=$5, finished_at=now() WHERE id=$6`,
		string(intent), success, errMsg, meta, duration.Milliseconds(), goalID,
	)
	if err != nil {
		return core.NewEngineError("FinalizeExecution", "storage", err)
	}
	return nil
}

func (s *PostgresStore) StoreToolExecution(ctx context.Context, goalID, toolName string, params, result []byte, success bool, errMsg string, duration time.Duration) (string, error) {
	// Invariant: every Tool Execution references an existing Goal Execution.
	var exists bool
	if err := s.db.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM executions WHERE id=$1)`, goalID); err != nil {
		return "", core.NewEngineError("StoreToolExecution", "storage", err)
	}
	if !exists {
		return "", core.NewEngineError("StoreToolExecution", "storage", fmt.Errorf("goal execution %s does not exist", goalID))
	}

	id := newID()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tool_executions (id, goal_id, tool_name, params, result, success, error, duration_ms, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8, now())`,
		id, goalID, toolName, params, result, success, errMsg, duration.Milliseconds(),
	)
	if err != nil {
		return "", core.NewEngineError("StoreToolExecution", "storage", err)
	}
	return id, nil
}

func (s *PostgresStore) StoreFeedback(ctx context.Context, goalID string, rating int, text string) error {
	if rating < 1 || rating > 5 {
		return core.ErrInvalidRating
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO execution_feedback (id, goal_id, rating, text, created_at) VALUES ($1,$2,$3,$4, now())
		 ON CONFLICT (goal_id) DO UPDATE SET rating=EXCLUDED.rating, text=EXCLUDED.text`,
		newID(), goalID, rating, text,
	)
	if err != nil {
		return core.NewEngineError("StoreFeedback", "storage", err)
	}
	return nil
}

func (s *PostgresStore) RecordToolCreation(ctx context.Context, toolName string, createdBy Creator, reason string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tool_creation_events (id, tool_name, created_by, reason, created_at) VALUES ($1,$2,$3,$4, now())`,
		newID(), toolName, string(createdBy), reason,
	)
	if err != nil {
		return core.NewEngineError("RecordToolCreation", "storage", err)
	}
	return nil
}

// --- Reads --------------------------------------------------------------

func (s *PostgresStore) GetExecution(ctx context.Context, goalID string) (*ExecutionRecord, error) {
	var row GoalExecution
	err := s.db.GetContext(ctx, &row, `SELECT * FROM executions WHERE id=$1`, goalID)
	if err == sql.ErrNoRows {
		return nil, core.NewEngineError("GetExecution", "not_found", err)
	}
	if err != nil {
		return nil, core.NewEngineError("GetExecution", "storage", err)
	}
	return toExecutionRecord(row), nil
}

func (s *PostgresStore) GetRecentExecutions(ctx context.Context, limit int) ([]ExecutionRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	var rows []GoalExecution
	err := s.db.SelectContext(ctx, &rows, `SELECT * FROM executions ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, core.NewEngineError("GetRecentExecutions", "storage", err)
	}
	out := make([]ExecutionRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, *toExecutionRecord(r))
	}
	return out, nil
}

func toExecutionRecord(r GoalExecution) *ExecutionRecord {
	rec := &ExecutionRecord{
		ExecutionID: r.ID,
		GoalID:      r.ID,
		GoalText:    r.GoalText,
		Intent:      r.Intent.String,
		Success:     r.Success.Bool,
		Error:       r.Error.String,
		DurationMS:  r.DurationMS.Int64,
		CreatedAt:   r.CreatedAt,
	}
	if len(r.Metadata) > 0 {
		_ = json.Unmarshal(r.Metadata, &rec.Metadata)
	}
	return rec
}

func (s *PostgresStore) GetToolStatistics(ctx context.Context, toolName string) (*ToolStatistics, error) {
	var st ToolStatistics
	err := s.db.GetContext(ctx, &st, `SELECT * FROM tool_statistics WHERE tool_name=$1`, toolName)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, core.NewEngineError("GetToolStatistics", "storage", err)
	}
	return &st, nil
}

func (s *PostgresStore) GetTopTools(ctx context.Context, limit int, minExecutions int) ([]ToolStatistics, error) {
	if limit <= 0 {
		limit = 10
	}
	var rows []ToolStatistics
	err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM tool_statistics WHERE total_executions >= $1 ORDER BY success_rate DESC, total_executions DESC LIMIT $2`,
		minExecutions, limit,
	)
	if err != nil {
		return nil, core.NewEngineError("GetTopTools", "storage", err)
	}
	return rows, nil
}

func (s *PostgresStore) GetToolExecutions(ctx context.Context, toolName string, since time.Time) ([]ToolExecution, error) {
	var rows []ToolExecution
	err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM tool_executions WHERE tool_name=$1 AND created_at >= $2 ORDER BY created_at ASC`,
		toolName, since,
	)
	if err != nil {
		return nil, core.NewEngineError("GetToolExecutions", "storage", err)
	}
	return rows, nil
}

func (s *PostgresStore) GetToolPerformanceView(ctx context.Context) ([]ToolPerformanceView, error) {
	rows, err := s.db.QueryxContext(ctx, `
		SELECT s.tool_name, s.total_executions, s.success_rate, s.avg_duration_ms,
		       COALESCE(v.version_number, 0) AS current_version,
		       (SELECT count(*) FROM tool_executions te
		          WHERE te.tool_name = s.tool_name AND te.success = false
		            AND te.created_at >= now() - interval '1 hour') AS recent_failures
		FROM tool_statistics s
		LEFT JOIN tool_versions v ON v.tool_name = s.tool_name AND v.is_current = true
	`)
	if err != nil {
		return nil, core.NewEngineError("GetToolPerformanceView", "storage", err)
	}
	defer rows.Close()

	var out []ToolPerformanceView
	for rows.Next() {
		var v ToolPerformanceView
		if err := rows.Scan(&v.ToolName, &v.TotalExecutions, &v.SuccessRate, &v.AvgDurationMS, &v.CurrentVersion, &v.RecentFailures); err != nil {
			return nil, core.NewEngineError("GetToolPerformanceView", "storage", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetSuccessRate(ctx context.Context, intent *Intent) (float64, error) {
	var rate sql.NullFloat64
	var err error
	if intent != nil {
		err = s.db.GetContext(ctx, &rate,
			`SELECT avg(CASE WHEN success THEN 1.0 ELSE 0.0 END) FROM executions WHERE intent=$1`, string(*intent))
	} else {
		err = s.db.GetContext(ctx, &rate, `SELECT avg(CASE WHEN success THEN 1.0 ELSE 0.0 END) FROM executions`)
	}
	if err != nil {
		return 0, core.NewEngineError("GetSuccessRate", "storage", err)
	}
	return rate.Float64, nil
}

// UpdateStatistics recomputes tool_statistics from raw tool_executions. It
// is idempotent: re-running it twice in succession yields identical rows.
func (s *PostgresStore) UpdateStatistics(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tool_statistics (tool_name, total_executions, successes, failures, success_rate, avg_duration_ms, first_used, last_used)
		SELECT tool_name,
		       count(*),
		       count(*) FILTER (WHERE success),
		       count(*) FILTER (WHERE NOT success),
		       count(*) FILTER (WHERE success)::float8 / count(*)::float8,
		       avg(duration_ms),
		       min(created_at),
		       max(created_at)
		FROM tool_executions
		GROUP BY tool_name
		ON CONFLICT (tool_name) DO UPDATE SET
		  total_executions = EXCLUDED.total_executions,
		  successes        = EXCLUDED.successes,
		  failures          = EXCLUDED.failures,
		  success_rate      = EXCLUDED.success_rate,
		  avg_duration_ms   = EXCLUDED.avg_duration_ms,
		  first_used        = EXCLUDED.first_used,
		  last_used         = EXCLUDED.last_used
	`)
	if err != nil {
		return core.NewEngineError("UpdateStatistics", "storage", err)
	}
	return nil
}

// --- Version-manager operations ------------------------------------------

func (s *PostgresStore) GetCurrentVersion(ctx context.Context, toolName string) (*ToolVersion, error) {
	var v ToolVersion
	err := s.db.GetContext(ctx, &v, `SELECT * FROM tool_versions WHERE tool_name=$1 AND is_current=true`, toolName)
	if err == sql.ErrNoRows {
		return nil, core.ErrNoCurrentVersion
	}
	if err != nil {
		return nil, core.NewEngineError("GetCurrentVersion", "storage", err)
	}
	return &v, nil
}

func (s *PostgresStore) GetVersionByHash(ctx context.Context, toolName, contentHash string) (*ToolVersion, error) {
	var v ToolVersion
	err := s.db.GetContext(ctx, &v, `SELECT * FROM tool_versions WHERE tool_name=$1 AND content_hash=$2`, toolName, contentHash)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, core.NewEngineError("GetVersionByHash", "storage", err)
	}
	return &v, nil
}

func (s *PostgresStore) GetVersion(ctx context.Context, versionID string) (*ToolVersion, error) {
	var v ToolVersion
	err := s.db.GetContext(ctx, &v, `SELECT * FROM tool_versions WHERE id=$1`, versionID)
	if err == sql.ErrNoRows {
		return nil, core.ErrVersionNotFound
	}
	if err != nil {
		return nil, core.NewEngineError("GetVersion", "storage", err)
	}
	return &v, nil
}

func (s *PostgresStore) GetNextVersionNumber(ctx context.Context, toolName string) (int, error) {
	var max sql.NullInt64
	err := s.db.GetContext(ctx, &max, `SELECT max(version_number) FROM tool_versions WHERE tool_name=$1`, toolName)
	if err != nil {
		return 0, core.NewEngineError("GetNextVersionNumber", "storage", err)
	}
	return int(max.Int64) + 1, nil
}

func (s *PostgresStore) InsertVersion(ctx context.Context, v *ToolVersion) error {
	if v.ID == "" {
		v.ID = newID()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tool_versions
		  (id, tool_name, version_number, source, content_hash, is_current, created_by,
		   improvement_type, reason, previous_version_id, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10, now())`,
		v.ID, v.ToolName, v.VersionNumber, v.Source, v.ContentHash, v.IsCurrent,
		string(v.CreatedBy), string(v.ImprovementType), v.Reason, v.PreviousVersionID,
	)
	if err != nil {
		return core.NewEngineError("InsertVersion", "storage", err)
	}
	return nil
}

// SetCurrentVersion atomically transfers is_current within a single tool:
// exactly one row for toolName has is_current=true at any observable
// moment (serializable per tool via the same-transaction clear+set).
func (s *PostgresStore) SetCurrentVersion(ctx context.Context, toolName, versionID string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return core.NewEngineError("SetCurrentVersion", "storage", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `UPDATE tool_versions SET is_current=false WHERE tool_name=$1 AND is_current=true`, toolName); err != nil {
		return core.NewEngineError("SetCurrentVersion", "storage", err)
	}
	res, err := tx.ExecContext(ctx, `UPDATE tool_versions SET is_current=true WHERE id=$1 AND tool_name=$2`, versionID, toolName)
	if err != nil {
		return core.NewEngineError("SetCurrentVersion", "storage", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.ErrVersionNotFound
	}
	return tx.Commit()
}

func (s *PostgresStore) MarkRolledBack(ctx context.Context, versionID, reason, replacedByID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE tool_versions SET was_rolled_back=true, rolled_back_at=now(), rollback_reason=$1, replaced_by_version_id=$2 WHERE id=$3`,
		reason, replacedByID, versionID,
	)
	if err != nil {
		return core.NewEngineError("MarkRolledBack", "storage", err)
	}
	return nil
}

func (s *PostgresStore) InsertDeployment(ctx context.Context, d *VersionDeployment) error {
	if d.ID == "" {
		d.ID = newID()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO version_deployments (id, version_id, tool_name, deployer, deployment_type, reason, deployed_at)
		VALUES ($1,$2,$3,$4,$5,$6, now())`,
		d.ID, d.VersionID, d.ToolName, d.Deployer, string(d.Type), d.Reason,
	)
	if err != nil {
		return core.NewEngineError("InsertDeployment", "storage", err)
	}
	_, err = s.db.ExecContext(ctx, `UPDATE tool_versions SET deployment_count = deployment_count + 1,
	  first_deployed_at = COALESCE(first_deployed_at, now()), last_deployed_at = now() WHERE id=$1`, d.VersionID)
	if err != nil {
		return core.NewEngineError("InsertDeployment", "storage", err)
	}
	return nil
}

func (s *PostgresStore) CloseOpenDeployment(ctx context.Context, versionID string, success bool) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE version_deployments SET undeployed_at=now(), was_successful=$1 WHERE version_id=$2 AND undeployed_at IS NULL`,
		success, versionID,
	)
	if err != nil {
		return core.NewEngineError("CloseOpenDeployment", "storage", err)
	}
	return nil
}

func (s *PostgresStore) GetDiff(ctx context.Context, fromID, toID string) (*VersionDiff, error) {
	var d VersionDiff
	err := s.db.GetContext(ctx, &d, `SELECT * FROM version_diffs WHERE from_version_id=$1 AND to_version_id=$2`, fromID, toID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, core.NewEngineError("GetDiff", "storage", err)
	}
	return &d, nil
}

func (s *PostgresStore) StoreDiff(ctx context.Context, d *VersionDiff) error {
	if d.ID == "" {
		d.ID = newID()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO version_diffs (id, from_version_id, to_version_id, unified_diff, lines_added, lines_removed, breaking_changes, breaking_details, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8, now())
		ON CONFLICT (from_version_id, to_version_id) DO NOTHING`,
		d.ID, d.FromVersionID, d.ToVersionID, d.UnifiedDiff, d.LinesAdded, d.LinesRemoved, d.BreakingChanges, d.BreakingDetails,
	)
	if err != nil {
		return core.NewEngineError("StoreDiff", "storage", err)
	}
	return nil
}

func (s *PostgresStore) UpdateVersionMetrics(ctx context.Context, versionID string, successRate float64, total int, avgDurationMS float64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE tool_versions SET success_rate=$1, total_executions=$2, avg_duration_ms=$3 WHERE id=$4`,
		successRate, total, avgDurationMS, versionID,
	)
	if err != nil {
		return core.NewEngineError("UpdateVersionMetrics", "storage", err)
	}
	return nil
}

var _ Store = (*PostgresStore)(nil)

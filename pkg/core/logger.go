package core

import "context"

// Logger is the minimal structured-logging contract shared by every
// component. Production code is backed by pkg/logging's zap adapter; tests
// use NoOpLogger or a recording fake.
type Logger interface {
	Info(msg string, fields map[string]interface{})
	Warn(msg string, fields map[string]interface{})
	Error(msg string, fields map[string]interface{})
	Debug(msg string, fields map[string]interface{})
}

// ComponentLogger is a Logger that can be narrowed to a named component
// ("orchestrator", "tool/hello_world", ...) for log filtering.
type ComponentLogger interface {
	Logger
	WithComponent(component string) Logger
}

// contextKey avoids collisions with other packages' context keys.
type contextKey string

const goalIDContextKey contextKey = "goal_id"

// WithGoalID attaches a goal id to ctx for correlation in logs/events.
func WithGoalID(ctx context.Context, goalID string) context.Context {
	return context.WithValue(ctx, goalIDContextKey, goalID)
}

// GoalIDFromContext returns the goal id attached by WithGoalID, if any.
func GoalIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(goalIDContextKey).(string)
	return v
}

// NoOpLogger discards everything. It is the default when no Logger is
// supplied, so "no collector attached" never has to be special-cased by
// callers.
type NoOpLogger struct{}

func (NoOpLogger) Info(string, map[string]interface{})  {}
func (NoOpLogger) Warn(string, map[string]interface{})  {}
func (NoOpLogger) Error(string, map[string]interface{}) {}
func (NoOpLogger) Debug(string, map[string]interface{}) {}

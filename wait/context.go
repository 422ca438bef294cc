package wait

import (
	"context"
	"strings"
)

// TaskContext identifies the task run a wait belongs to.
type TaskContext struct {
	RunID         string
	EnvironmentID string
}

type taskContextKey struct{}

// WithTaskContext marks ctx as running inside the task run tc.
func WithTaskContext(ctx context.Context, tc TaskContext) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	tc.RunID = strings.TrimSpace(tc.RunID)
	return context.WithValue(ctx, taskContextKey{}, tc)
}

// TaskContextFrom returns the active task run, if any.
func TaskContextFrom(ctx context.Context) (TaskContext, bool) {
	if ctx == nil {
		return TaskContext{}, false
	}
	tc, ok := ctx.Value(taskContextKey{}).(TaskContext)
	if !ok || tc.RunID == "" {
		return TaskContext{}, false
	}
	return tc, true
}

package batch

import "time"

// RunStatus is the lifecycle state of a batch member run.
type RunStatus string

const (
	RunDelayed               RunStatus = "DELAYED"
	RunPending               RunStatus = "PENDING"
	RunPendingVersion        RunStatus = "PENDING_VERSION"
	RunWaitingForDeploy      RunStatus = "WAITING_FOR_DEPLOY"
	RunExecuting             RunStatus = "EXECUTING"
	RunWaitingToResume       RunStatus = "WAITING_TO_RESUME"
	RunRetryingAfterFailure  RunStatus = "RETRYING_AFTER_FAILURE"
	RunPaused                RunStatus = "PAUSED"
	RunCanceled              RunStatus = "CANCELED"
	RunInterrupted           RunStatus = "INTERRUPTED"
	RunCompletedSuccessfully RunStatus = "COMPLETED_SUCCESSFULLY"
	RunCompletedWithErrors   RunStatus = "COMPLETED_WITH_ERRORS"
	RunSystemFailure         RunStatus = "SYSTEM_FAILURE"
	RunCrashed               RunStatus = "CRASHED"
	RunExpired               RunStatus = "EXPIRED"
	RunTimedOut              RunStatus = "TIMED_OUT"
)

var finalRunStatuses = map[RunStatus]struct{}{
	RunCanceled:              {},
	RunInterrupted:           {},
	RunCompletedSuccessfully: {},
	RunCompletedWithErrors:   {},
	RunSystemFailure:         {},
	RunCrashed:               {},
	RunExpired:               {},
	RunTimedOut:              {},
}

// IsFinalRunStatus reports whether a run in status s can no longer change.
func IsFinalRunStatus(s RunStatus) bool {
	_, ok := finalRunStatuses[s]
	return ok
}

// Status is the aggregate state of a batch.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusCompleted Status = "COMPLETED"
)

type Batch struct {
	ID            string
	EnvironmentID string
	Status        Status
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type Run struct {
	ID            string
	BatchID       string
	EnvironmentID string
	Status        RunStatus
	UpdatedAt     time.Time
}

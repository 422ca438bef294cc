package cron

import "sync"

// ScheduleStatus is the lifecycle state of a scheduled job.
type ScheduleStatus string

const (
	ScheduleStatusScheduled ScheduleStatus = "scheduled"
	ScheduleStatusRunning   ScheduleStatus = "running"
	ScheduleStatusIdle      ScheduleStatus = "idle"
	ScheduleStatusCompleted ScheduleStatus = "completed"
	ScheduleStatusCanceled  ScheduleStatus = "canceled"
	ScheduleStatusFailed    ScheduleStatus = "failed"
	ScheduleStatusStopped   ScheduleStatus = "stopped"
)

// Terminal reports whether the job will never run again.
func (s ScheduleStatus) Terminal() bool {
	switch s {
	case ScheduleStatusCompleted, ScheduleStatusCanceled, ScheduleStatusFailed, ScheduleStatusStopped:
		return true
	}
	return false
}

// Handle controls one scheduled job. Done closes once the status is terminal.
type Handle interface {
	Cancel()
	Status() ScheduleStatus
	Err() error
	Done() <-chan struct{}
	ID() int64
	Name() string
}

type jobHandle struct {
	scheduler *Scheduler
	id        int64
	entryID   int
	name      string
	done      chan struct{}

	mu       sync.RWMutex
	status   ScheduleStatus
	err      error
	finished sync.Once
}

func (h *jobHandle) Cancel() {
	if h.scheduler != nil {
		h.scheduler.forget(h.id)
	}
	h.finish(ScheduleStatusCanceled, nil)
}

func (h *jobHandle) Status() ScheduleStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.status
}

func (h *jobHandle) Err() error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.err
}

func (h *jobHandle) Done() <-chan struct{} { return h.done }
func (h *jobHandle) ID() int64             { return h.id }
func (h *jobHandle) Name() string          { return h.name }

// set records a non-terminal transition. It is ignored once the handle
// finished, so a late run cannot resurrect a canceled job.
func (h *jobHandle) set(status ScheduleStatus, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.status.Terminal() {
		return
	}
	h.status, h.err = status, err
}

// finish moves the handle to a terminal status exactly once.
func (h *jobHandle) finish(status ScheduleStatus, err error) {
	h.finished.Do(func() {
		h.mu.Lock()
		h.status, h.err = status, err
		h.mu.Unlock()
		close(h.done)
	})
}

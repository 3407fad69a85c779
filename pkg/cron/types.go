// Package cron implements the Scheduler (C8): a timer-wheel over a
// JSON-persisted job store, rearmed to the minimum next_run_at_ms
// across all enabled jobs rather than polling.
package cron

// ScheduleKind selects how a Job's next run time is computed.
type ScheduleKind string

const (
	ScheduleEvery ScheduleKind = "every"
	ScheduleAt    ScheduleKind = "at"
	ScheduleCron  ScheduleKind = "cron"
)

// Schedule is the variant next-run definition for a Job.
type Schedule struct {
	Kind    ScheduleKind `json:"kind"`
	AtMs    *int64       `json:"atMs,omitempty"`
	EveryMs *int64       `json:"everyMs,omitempty"`
	Expr    *string      `json:"expr,omitempty"`
	TZ      *string      `json:"tz,omitempty"`
}

// PayloadKind selects what On fire actually does.
type PayloadKind string

const (
	PayloadAgentTurn   PayloadKind = "agent_turn"
	PayloadReminder    PayloadKind = "reminder"
	PayloadSystemEvent PayloadKind = "system_event"
)

// Payload is what to do when a Job runs.
type Payload struct {
	Kind    PayloadKind `json:"kind"`
	Message string      `json:"message"`
	Deliver bool        `json:"deliver"`
	Channel *string     `json:"channel,omitempty"`
	To      *string     `json:"to,omitempty"`
}

// RunStatus is a Job's last-execution outcome.
type RunStatus string

const (
	StatusOK      RunStatus = "ok"
	StatusError   RunStatus = "error"
	StatusSkipped RunStatus = "skipped"
)

// State is a Job's runtime state.
type State struct {
	NextRunAtMs *int64     `json:"nextRunAtMs,omitempty"`
	LastRunAtMs *int64     `json:"lastRunAtMs,omitempty"`
	LastStatus  *RunStatus `json:"lastStatus,omitempty"`
	LastError   *string    `json:"lastError,omitempty"`
}

// Job is a single scheduled task.
type Job struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	Enabled        bool     `json:"enabled"`
	Schedule       Schedule `json:"schedule"`
	Payload        Payload  `json:"payload"`
	State          State    `json:"state"`
	CreatedAtMs    int64    `json:"createdAtMs"`
	UpdatedAtMs    int64    `json:"updatedAtMs"`
	DeleteAfterRun bool     `json:"deleteAfterRun"`
}

// Store is the whole-file-rewrite persistence shape for the job set.
type Store struct {
	Version int   `json:"version"`
	Jobs    []Job `json:"jobs"`
}

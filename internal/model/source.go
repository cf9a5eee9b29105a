package model

import (
	"encoding/json"
	"time"
)

// SourceControl is the operator configuration and health state of one
// ingestion source.
type SourceControl struct {
	SourceName        string     `json:"source_name"`
	SourceType        SourceType `json:"source_type"`
	IsEnabled         bool       `json:"is_enabled"`
	MaxConcurrentJobs int        `json:"max_concurrent_jobs"`
	RateLimitSeconds  int        `json:"rate_limit_seconds"`
	Priority          int        `json:"priority"`
	LastRunAt         *time.Time `json:"last_run_at,omitempty"`
	LastSuccessAt     *time.Time `json:"last_success_at,omitempty"`
	FailureCount      int        `json:"failure_count"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// SourcePatch is a partial operator update. Nil members are left unchanged.
type SourcePatch struct {
	IsEnabled         *bool `json:"is_enabled,omitempty"`
	MaxConcurrentJobs *int  `json:"max_concurrent_jobs,omitempty"`
	RateLimitSeconds  *int  `json:"rate_limit_seconds,omitempty"`
	Priority          *int  `json:"priority,omitempty"`
}

// Validate rejects negative limits.
func (p SourcePatch) Validate() error {
	if p.MaxConcurrentJobs != nil && *p.MaxConcurrentJobs < 0 {
		return NewValidationError("max_concurrent_jobs", "must be >= 0")
	}
	if p.RateLimitSeconds != nil && *p.RateLimitSeconds < 0 {
		return NewValidationError("rate_limit_seconds", "must be >= 0")
	}
	return nil
}

// Apply returns a copy of sc with the patch applied.
func (p SourcePatch) Apply(sc SourceControl) SourceControl {
	if p.IsEnabled != nil {
		sc.IsEnabled = *p.IsEnabled
	}
	if p.MaxConcurrentJobs != nil {
		sc.MaxConcurrentJobs = *p.MaxConcurrentJobs
	}
	if p.RateLimitSeconds != nil {
		sc.RateLimitSeconds = *p.RateLimitSeconds
	}
	if p.Priority != nil {
		sc.Priority = *p.Priority
	}
	return sc
}

// HealthStatus is the derived health of a source.
type HealthStatus string

const (
	HealthActive   HealthStatus = "active"
	HealthStale    HealthStatus = "stale"
	HealthFailing  HealthStatus = "failing"
	HealthDisabled HealthStatus = "disabled"
)

// SourceHealth is the read-only health view for one source.
type SourceHealth struct {
	SourceName    string       `json:"source_name"`
	Status        HealthStatus `json:"status"`
	QueueDepth    int          `json:"queue_depth"`
	Running       int          `json:"running"`
	FailureCount  int          `json:"failure_count"`
	LastRunAt     *time.Time   `json:"last_run_at,omitempty"`
	LastSuccessAt *time.Time   `json:"last_success_at,omitempty"`
}

// JobStatus is the state of an ingestion job.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
	JobBlocked   JobStatus = "blocked"
	JobCancelled JobStatus = "cancelled"
)

// IsTerminal reports whether no further transition is possible.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobSucceeded, JobFailed, JobCancelled, JobBlocked:
		return true
	}
	return false
}

// IngestionJob is one unit of work for a source.
type IngestionJob struct {
	ID           string          `json:"id"`
	SourceName   string          `json:"source_name"`
	Status       JobStatus       `json:"status"`
	Attempt      int             `json:"attempt"`
	MaxAttempts  int             `json:"max_attempts"`
	Priority     int             `json:"priority"`
	ScheduledFor time.Time       `json:"scheduled_for"`
	LockedBy     string          `json:"locked_by,omitempty"`
	LockedAt     *time.Time      `json:"locked_at,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	Error        string          `json:"error,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// JobTransition is a conditional state change applied by the lease holder.
type JobTransition struct {
	JobID        string
	LockedBy     string
	Status       JobStatus
	Result       json.RawMessage
	Error        string
	ScheduledFor *time.Time
	At           time.Time
}

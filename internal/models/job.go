package models

import (
	"time"
)

// JobStatus values persisted in Postgres.
const (
	JobQueued     = "queued"
	JobInProgress = "in_progress"
	JobSucceeded  = "succeeded"
	JobFailed     = "failed"
	JobCancelled  = "cancelled"
	JobDeadLetter = "dead_lettered"
)

// Queue lanes. Each lane has its own ready list and worker concurrency;
// notifications get a dedicated wider lane so a bid storm cannot starve
// outbid notices behind stats recomputes.
const (
	LaneHigh          = "high"
	LaneMedium        = "medium"
	LaneLow           = "low"
	LaneNotifications = "notifications"
)

// Side-effect job types emitted by the engine. Anything else (email, SMS,
// image work) is admitted through the same contract but handled elsewhere.
const (
	JobPricePropagate  = "price:propagate"
	JobCacheInvalidate = "cache:invalidate"
	JobStatsRecompute  = "stats:recompute"
	JobNotifyOutbid    = "notify:outbid"
	JobNotifyEnd       = "notify:auction_end"
)

// Job represents a queued side-effect task persisted in Postgres.
type Job struct {
	ID             string         `json:"id"`
	Type           string         `json:"type"`
	Lane           string         `json:"lane"`
	Payload        map[string]any `json:"payload"`
	Status         string         `json:"status"`
	Attempts       int            `json:"attempts"`
	MaxAttempts    int            `json:"max_attempts"`
	NextRunAt      time.Time      `json:"next_run_at"`
	LastError      *string        `json:"last_error,omitempty"`
	IdempotencyKey *string        `json:"idempotency_key,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// AuditLog records a queue lifecycle event for one job.
type AuditLog struct {
	JobID    string    `json:"job_id"`
	Event    string    `json:"event"`
	Detail   string    `json:"detail"`
	Recorded time.Time `json:"recorded_at"`
}

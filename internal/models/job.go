package models

import (
	"encoding/json"
	"time"
)

// JobStatus enumerates lifecycle states persisted in Postgres.
const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Job represents a durable unit of work. A job is claimable when it is
// queued with next_run_at in the past, or running with an expired lease.
type Job struct {
	ID             string          `json:"id"`
	Type           string          `json:"job_type"`
	Payload        json.RawMessage `json:"payload"`
	Status         string          `json:"status"`
	Priority       int             `json:"priority"`
	RetryCount     int             `json:"retry_count"`
	MaxRetries     int             `json:"max_retries"`
	NextRunAt      time.Time       `json:"next_run_at"`
	WorkerID       *string         `json:"worker_id,omitempty"`
	LeaseExpiresAt *time.Time      `json:"lease_expires_at,omitempty"`
	LastError      *string         `json:"last_error,omitempty"`
	IdempotencyKey *string         `json:"idempotency_key,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Terminal reports whether the job can no longer change state.
func (j Job) Terminal() bool {
	return j.Status == StatusCompleted || j.Status == StatusFailed
}

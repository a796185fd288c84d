package models

import (
	"encoding/json"
	"time"
)

// Event types emitted during a workflow run. Handlers may emit additional
// custom types; subscribers must tolerate types they do not recognize.
const (
	EventNodeStart        = "node-start"
	EventNodeComplete     = "node-complete"
	EventError            = "error"
	EventHeartbeat        = "heartbeat"
	EventWorkflowComplete = "workflow-complete"
)

// Event is an immutable message in a session's ordered stream. Identity is
// (SessionID, Sequence); Sequence starts at 1 and is assigned by the bus.
// The struct marshals to the wire shape relayed verbatim to clients.
type Event struct {
	Type      string          `json:"type"`
	SessionID string          `json:"session_id"`
	Sequence  int64           `json:"sequence"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
	Message   string          `json:"message,omitempty"`
}

// StepResult statuses for idempotency records.
const (
	StepInProgress = "in_progress"
	StepDone       = "done"
)

// StepResult records one guarded step execution keyed by
// (ScopeID, StepName, Fingerprint).
type StepResult struct {
	ScopeID     string          `json:"scope_id"`
	StepName    string          `json:"step_name"`
	Fingerprint string          `json:"fingerprint"`
	Status      string          `json:"status"`
	Output      json.RawMessage `json:"output,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

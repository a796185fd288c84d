package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"agentflow/internal/models"
)

// EchoHandler is the simulated workflow step used for smoke testing the
// queue end to end. Payload knobs: should_fail forces an error, duration_ms
// simulates slow work, steps emits that many progress events.
type EchoHandler struct {
	events EventSink
}

func NewEchoHandler(events EventSink) *EchoHandler {
	return &EchoHandler{events: events}
}

type echoPayload struct {
	SessionID  string `json:"session_id"`
	ShouldFail bool   `json:"should_fail"`
	DurationMS int    `json:"duration_ms"`
	Steps      int    `json:"steps"`
}

func (h *EchoHandler) Handle(ctx context.Context, job models.Job) error {
	var p echoPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return fmt.Errorf("decode echo payload: %w", err)
	}
	session := p.SessionID
	if session == "" {
		session = job.ID
	}

	for i := 1; i <= p.Steps; i++ {
		h.events.Emit(session, "echo-progress", map[string]any{
			"job_id": job.ID,
			"step":   i,
			"of":     p.Steps,
		}, "")
	}

	if p.DurationMS > 0 {
		timer := time.NewTimer(time.Duration(p.DurationMS) * time.Millisecond)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}

	if p.ShouldFail {
		return errors.New("simulated failure requested by payload.should_fail")
	}
	return nil
}

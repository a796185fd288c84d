package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"agentflow/internal/artifact"
	"agentflow/internal/models"
)

// StepGuard is the idempotency surface an artifact step needs.
type StepGuard interface {
	CheckAndRecord(ctx context.Context, scopeID, stepName, fingerprint string) (bool, json.RawMessage, error)
	RecordSuccess(ctx context.Context, scopeID, stepName, fingerprint string, output json.RawMessage) error
}

// ArtifactHandler persists a payload's content through the artifact store,
// guarded so a retried job neither re-uploads nor loses the recorded key.
type ArtifactHandler struct {
	guard       StepGuard
	artifacts   artifact.Store
	events      EventSink
	fingerprint func(v any) (string, error)
}

func NewArtifactHandler(guard StepGuard, artifacts artifact.Store, events EventSink, fingerprint func(v any) (string, error)) *ArtifactHandler {
	return &ArtifactHandler{guard: guard, artifacts: artifacts, events: events, fingerprint: fingerprint}
}

type artifactPayload struct {
	SessionID   string `json:"session_id"`
	Content     string `json:"content"`
	ContentType string `json:"content_type"`
}

type artifactOutput struct {
	Key string `json:"key"`
}

const artifactStepName = "publish_artifact"

func (h *ArtifactHandler) Handle(ctx context.Context, job models.Job) error {
	var p artifactPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return fmt.Errorf("decode artifact payload: %w", err)
	}
	if p.Content == "" {
		return errors.New("artifact payload has no content")
	}
	session := p.SessionID
	if session == "" {
		session = job.ID
	}

	fp, err := h.fingerprint(p.Content)
	if err != nil {
		return err
	}

	done, cached, err := h.guard.CheckAndRecord(ctx, session, artifactStepName, fp)
	if err != nil {
		return fmt.Errorf("idempotency check: %w", err)
	}
	if done {
		var out artifactOutput
		if err := json.Unmarshal(cached, &out); err != nil {
			return fmt.Errorf("decode cached step output: %w", err)
		}
		h.events.Emit(session, "artifact-published", map[string]any{
			"job_id": job.ID,
			"key":    out.Key,
			"cached": true,
		}, "")
		return nil
	}

	key, err := h.artifacts.Put(ctx, []byte(p.Content), p.ContentType)
	if err != nil {
		return fmt.Errorf("store artifact: %w", err)
	}

	out, err := json.Marshal(artifactOutput{Key: key})
	if err != nil {
		return fmt.Errorf("encode step output: %w", err)
	}
	if err := h.guard.RecordSuccess(ctx, session, artifactStepName, fp, out); err != nil {
		// The artifact exists under its content key, so a replayed step
		// re-uploads harmlessly; failing here keeps "not yet done" true.
		return fmt.Errorf("record step success: %w", err)
	}

	h.events.Emit(session, "artifact-published", map[string]any{
		"job_id": job.ID,
		"key":    key,
	}, "")
	return nil
}
